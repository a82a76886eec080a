package keyring

import (
	"context"
	"errors"
	"fmt"
	"sort"

	logx "publisher/pkg/logx"
)

// ErrRollbackFailed marks a dual write whose compensation also failed: the
// two stores may now disagree and need manual repair.
var ErrRollbackFailed = errors.New("keyring: dual-write rollback failed")

// RollbackError reports a failed second write and a failed compensation.
type RollbackError struct {
	Op       string
	Err      error // second write
	Rollback error // compensation
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("keyring: %s failed (%v) and rollback failed (%v)", e.Op, e.Err, e.Rollback)
}

func (e *RollbackError) Unwrap() []error { return []error{ErrRollbackFailed, e.Err, e.Rollback} }

// DualWrite runs first, then second. When second fails, compensate undoes
// first and the second error is returned; when compensate fails too, the
// result is a *RollbackError. A failing first write touches nothing else.
func DualWrite(ctx context.Context, op string, first, second, compensate func(ctx context.Context) error) error {
	if err := first(ctx); err != nil {
		return err
	}
	err := second(ctx)
	if err == nil {
		return nil
	}
	if cerr := compensate(ctx); cerr != nil {
		return &RollbackError{Op: op, Err: err, Rollback: cerr}
	}
	return err
}

// Migrating runs a legacy and a new keyring side by side during a cutover.
// While Enabled reports false only Legacy is used.
type Migrating struct {
	Legacy  Store
	New     Store
	Enabled func() bool
	Log     logx.Logger
}

func (m *Migrating) enabled() bool { return m.Enabled != nil && m.Enabled() }

// Get prefers the new store and falls back to legacy only when the new store
// has no such key. Any other error from the new store is returned as is.
func (m *Migrating) Get(ctx context.Context, id string) (Key, error) {
	if !m.enabled() {
		return m.Legacy.Get(ctx, id)
	}
	k, err := m.New.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return m.Legacy.Get(ctx, id)
	}
	return k, err
}

// Add writes legacy first, then new. A failed new write restores the legacy
// entry to what it was before.
func (m *Migrating) Add(ctx context.Context, id string, key Key) error {
	if !m.enabled() {
		return m.Legacy.Add(ctx, id, key)
	}
	prev, perr := m.Legacy.Get(ctx, id)
	if perr != nil && !errors.Is(perr, ErrNotFound) {
		return perr
	}
	err := DualWrite(ctx, "add "+id,
		func(ctx context.Context) error { return m.Legacy.Add(ctx, id, key) },
		func(ctx context.Context) error { return m.New.Add(ctx, id, key) },
		func(ctx context.Context) error {
			if prev != nil {
				return m.Legacy.Add(ctx, id, prev)
			}
			return m.Legacy.Remove(ctx, id)
		},
	)
	m.logFailure("add", id, err)
	return err
}

// Remove deletes from new first, then legacy. A failed legacy delete puts
// the new entry back.
func (m *Migrating) Remove(ctx context.Context, id string) error {
	if !m.enabled() {
		return m.Legacy.Remove(ctx, id)
	}
	prev, perr := m.New.Get(ctx, id)
	if perr != nil && !errors.Is(perr, ErrNotFound) {
		return perr
	}
	err := DualWrite(ctx, "remove "+id,
		func(ctx context.Context) error { return m.New.Remove(ctx, id) },
		func(ctx context.Context) error { return m.Legacy.Remove(ctx, id) },
		func(ctx context.Context) error {
			if prev == nil {
				return nil
			}
			return m.New.Add(ctx, id, prev)
		},
	)
	m.logFailure("remove", id, err)
	return err
}

// List is the union of both stores while migrating.
func (m *Migrating) List(ctx context.Context) ([]string, error) {
	legacy, err := m.Legacy.List(ctx)
	if err != nil || !m.enabled() {
		return legacy, err
	}
	next, err := m.New.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(legacy)+len(next))
	out := make([]string, 0, len(legacy)+len(next))
	for _, id := range append(legacy, next...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Migrating) logFailure(op, id string, err error) {
	if err == nil || m.Log.IsZero() {
		return
	}
	if errors.Is(err, ErrRollbackFailed) {
		m.Log.Error("keyring stores diverged: manual repair needed", logx.String("op", op), logx.Collection(id), logx.Err(err))
		return
	}
	m.Log.Warn("keyring dual write failed", logx.String("op", op), logx.Collection(id), logx.Err(err))
}
