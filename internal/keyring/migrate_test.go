package keyring

import (
	"context"
	"errors"
	"slices"
	"testing"
)

var errBoom = errors.New("boom")

// flaky wraps a Memory and fails the named operations.
type flaky struct {
	*Memory
	failGet, failAdd, failRemove bool
}

func newFlaky() *flaky { return &flaky{Memory: NewMemory()} }

func (f *flaky) Get(ctx context.Context, id string) (Key, error) {
	if f.failGet {
		return nil, errBoom
	}
	return f.Memory.Get(ctx, id)
}

func (f *flaky) Add(ctx context.Context, id string, k Key) error {
	if f.failAdd {
		return errBoom
	}
	return f.Memory.Add(ctx, id, k)
}

func (f *flaky) Remove(ctx context.Context, id string) error {
	if f.failRemove {
		return errBoom
	}
	return f.Memory.Remove(ctx, id)
}

func migrating(enabled bool) (*Migrating, *flaky, *flaky) {
	legacy, next := newFlaky(), newFlaky()
	return &Migrating{Legacy: legacy, New: next, Enabled: func() bool { return enabled }}, legacy, next
}

func TestDualWriteOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errBoom }

	tests := []struct {
		name                      string
		first, second, compensate func(context.Context) error
		wantErr                   error
		wantRollback              bool
		wantCompensated           bool
	}{
		{name: "both succeed", first: ok, second: ok, compensate: fail},
		{name: "first fails", first: fail, second: ok, compensate: ok, wantErr: errBoom},
		{name: "second fails", first: ok, second: fail, compensate: ok, wantErr: errBoom, wantCompensated: true},
		{name: "rollback fails", first: ok, second: fail, compensate: fail, wantErr: ErrRollbackFailed, wantRollback: true, wantCompensated: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var secondRan, compensated bool
			second := func(ctx context.Context) error { secondRan = true; return tt.second(ctx) }
			comp := func(ctx context.Context) error { compensated = true; return tt.compensate(ctx) }

			err := DualWrite(ctx, "op", tt.first, second, comp)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("DualWrite() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("DualWrite() error = %v, want %v", err, tt.wantErr)
			}
			var rb *RollbackError
			if got := errors.As(err, &rb); got != tt.wantRollback {
				t.Fatalf("errors.As(RollbackError) = %v, want %v", got, tt.wantRollback)
			}
			if compensated != tt.wantCompensated {
				t.Fatalf("compensated = %v, want %v", compensated, tt.wantCompensated)
			}
			if errors.Is(tt.first(ctx), errBoom) && secondRan {
				t.Fatalf("second write ran after first failed")
			}
		})
	}
}

func TestMigratingGetFallsBackOnlyOnNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, legacy, next := migrating(true)
	kl, kn := mustKey(t), mustKey(t)
	_ = legacy.Memory.Add(ctx, "only-legacy", kl)
	_ = legacy.Memory.Add(ctx, "both", kl)
	_ = next.Memory.Add(ctx, "both", kn)

	if got, err := m.Get(ctx, "only-legacy"); err != nil || !got.Equal(kl) {
		t.Fatalf("Get(only-legacy) = %x, %v; want legacy key", got, err)
	}
	if got, err := m.Get(ctx, "both"); err != nil || !got.Equal(kn) {
		t.Fatalf("Get(both) = %x, %v; want new key", got, err)
	}
	if _, err := m.Get(ctx, "nowhere"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(nowhere) error = %v, want ErrNotFound", err)
	}

	next.failGet = true
	if _, err := m.Get(ctx, "only-legacy"); !errors.Is(err, errBoom) {
		t.Fatalf("Get() with failing new store error = %v, want errBoom (no fallback)", err)
	}

	d, dl, dn := migrating(false)
	_ = dn.Memory.Add(ctx, "c", kn)
	_ = dl.Memory.Add(ctx, "c", kl)
	if got, _ := d.Get(ctx, "c"); !got.Equal(kl) {
		t.Fatalf("disabled Get(c) = %x, want legacy key", got)
	}
}

func TestMigratingAddRollsBackLegacy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	k := mustKey(t)

	m, legacy, next := migrating(true)
	next.failAdd = true
	if err := m.Add(ctx, "c1", k); !errors.Is(err, errBoom) {
		t.Fatalf("Add() error = %v, want errBoom", err)
	}
	if _, err := legacy.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("legacy still holds c1 after rollback: %v", err)
	}
	if _, err := next.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("new store holds c1: %v", err)
	}

	// A prior legacy value is restored rather than deleted.
	m, legacy, next = migrating(true)
	prev := mustKey(t)
	_ = legacy.Memory.Add(ctx, "c1", prev)
	next.failAdd = true
	_ = m.Add(ctx, "c1", k)
	if got, _ := legacy.Get(ctx, "c1"); !got.Equal(prev) {
		t.Fatalf("legacy c1 = %x after rollback, want previous key", got)
	}

	m, legacy, next = migrating(true)
	next.failAdd = true
	legacy.failRemove = true
	err := m.Add(ctx, "c1", k)
	if !errors.Is(err, ErrRollbackFailed) {
		t.Fatalf("Add() error = %v, want ErrRollbackFailed", err)
	}
	if _, err := next.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("new store holds c1 after failed add: %v", err)
	}

	m, legacy, next = migrating(true)
	if err := m.Add(ctx, "c1", k); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := legacy.Get(ctx, "c1"); err != nil {
		t.Fatalf("legacy Get(c1) error = %v", err)
	}
	if _, err := next.Get(ctx, "c1"); err != nil {
		t.Fatalf("new Get(c1) error = %v", err)
	}
}

func TestMigratingRemoveOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	k := mustKey(t)
	seed := func() (*Migrating, *flaky, *flaky) {
		m, l, n := migrating(true)
		_ = l.Memory.Add(ctx, "c1", k)
		_ = n.Memory.Add(ctx, "c1", k)
		return m, l, n
	}

	// New fails: legacy untouched.
	m, legacy, next := seed()
	next.failRemove = true
	if err := m.Remove(ctx, "c1"); !errors.Is(err, errBoom) {
		t.Fatalf("Remove() error = %v, want errBoom", err)
	}
	if _, err := legacy.Get(ctx, "c1"); err != nil {
		t.Fatalf("legacy lost c1 although new remove failed: %v", err)
	}

	// Legacy fails: new is restored.
	m, legacy, next = seed()
	legacy.failRemove = true
	if err := m.Remove(ctx, "c1"); !errors.Is(err, errBoom) {
		t.Fatalf("Remove() error = %v, want errBoom", err)
	}
	if got, err := next.Get(ctx, "c1"); err != nil || !got.Equal(k) {
		t.Fatalf("new c1 = %x, %v after compensation; want restored key", got, err)
	}

	// Both fail.
	m, legacy, next = seed()
	legacy.failRemove = true
	next.failAdd = true
	if err := m.Remove(ctx, "c1"); !errors.Is(err, ErrRollbackFailed) {
		t.Fatalf("Remove() error = %v, want ErrRollbackFailed", err)
	}

	m, legacy, next = seed()
	if err := m.Remove(ctx, "c1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if ids, _ := m.List(ctx); len(ids) != 0 {
		t.Fatalf("List() after Remove = %v, want empty", ids)
	}
	_ = legacy
	_ = next
}

func TestMigratingListUnion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, legacy, next := migrating(true)
	_ = legacy.Memory.Add(ctx, "a", mustKey(t))
	_ = legacy.Memory.Add(ctx, "b", mustKey(t))
	_ = next.Memory.Add(ctx, "b", mustKey(t))
	_ = next.Memory.Add(ctx, "c", mustKey(t))

	ids, err := m.List(ctx)
	if err != nil || !slices.Equal(ids, []string{"a", "b", "c"}) {
		t.Fatalf("List() = %v, %v; want [a b c]", ids, err)
	}
}
