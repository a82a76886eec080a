package keyring

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"publisher/internal/content"
)

var (
	// ErrNotFound is returned by Get when no key is held for the id.
	ErrNotFound   = errors.New("keyring: key not found")
	ErrInvalidID  = errors.New("keyring: collection id required")
	ErrNilKey     = errors.New("keyring: key required")
	ErrInvalidKey = fmt.Errorf("keyring: key must be %d bytes", KeySize)
)

// KeySize matches the content cipher.
const KeySize = content.KeySize

// Key is a collection's symmetric content key.
type Key []byte

// NewKey returns a fresh random key.
func NewKey() (Key, error) {
	k := make(Key, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("keyring: generate key: %w", err)
	}
	return k, nil
}

func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	copy(out, k)
	return out
}

// Equal compares key material.
func (k Key) Equal(o Key) bool {
	if len(k) != len(o) {
		return false
	}
	var diff byte
	for i := range k {
		diff |= k[i] ^ o[i]
	}
	return diff == 0
}

// Store is the keyring contract shared by every implementation.
//
// Get returns ErrNotFound for an unknown id; an empty id is the only other
// error. Add is an idempotent upsert. Remove tolerates an unknown id.
type Store interface {
	Get(ctx context.Context, id string) (Key, error)
	Add(ctx context.Context, id string, key Key) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidID
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q contains path separators", ErrInvalidID, id)
	}
	return nil
}

func validKey(k Key) error {
	if len(k) == 0 {
		return ErrNilKey
	}
	if len(k) != KeySize {
		return ErrInvalidKey
	}
	return nil
}
