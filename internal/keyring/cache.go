package keyring

import (
	"context"
	"errors"
	"fmt"
)

// Cached is a write-through keyring: Front serves reads, Back is durable.
// A miss in Front reads Back and refills Front, so the cache survives a
// restart without any session being unlocked.
type Cached struct {
	Front *Memory
	Back  Store
}

func NewCached(back Store) *Cached { return &Cached{Front: NewMemory(), Back: back} }

func (c *Cached) Get(ctx context.Context, id string) (Key, error) {
	k, err := c.Front.Get(ctx, id)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return k, err
	}
	k, err = c.Back.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.Front.Add(ctx, id, k); err != nil {
		return nil, err
	}
	return k, nil
}

// Add writes Back first so Front never holds a key that was not persisted.
func (c *Cached) Add(ctx context.Context, id string, key Key) error {
	if err := c.Back.Add(ctx, id, key); err != nil {
		return err
	}
	return c.Front.Add(ctx, id, key)
}

func (c *Cached) Remove(ctx context.Context, id string) error {
	if err := c.Back.Remove(ctx, id); err != nil {
		return err
	}
	return c.Front.Remove(ctx, id)
}

func (c *Cached) List(ctx context.Context) ([]string, error) { return c.Back.List(ctx) }

// Warm rebuilds Front from Back and returns how many keys it loaded.
func (c *Cached) Warm(ctx context.Context) (int, error) {
	ids, err := c.Back.List(ctx)
	if err != nil {
		return 0, err
	}
	keys := make(map[string]Key, len(ids))
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		k, err := c.Back.Get(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		keys[id] = k
	}
	c.Front.replace(keys)
	return len(keys), errors.Join(errs...)
}
