package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"publisher/internal/collection"
	logx "publisher/pkg/logx"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, cfg := range []Config{
		{Driver: "memory"},
		{Driver: "file", Path: filepath.Join(dir, "file")},
		{Driver: "sqlite", Path: filepath.Join(dir, "db", "publisher.db"), BusyTimeout: time.Second},
	} {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s) error = %v", cfg.Driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[cfg.Driver] = st
	}
	return out
}

func TestCollectionRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := st.Load(ctx, "missing"); !errors.Is(err, collection.ErrNotFound) {
				t.Fatalf("Load(missing) error = %v, want ErrNotFound", err)
			}
			if _, err := st.Load(ctx, ""); !errors.Is(err, collection.ErrInvalidID) {
				t.Fatalf("Load(\"\") error = %v, want ErrInvalidID", err)
			}

			c := collection.Collection{
				ID: "b", Name: "Bravo", Kind: collection.KindScheduled, PublishDate: at,
				Approval: collection.ApprovalComplete, Transactions: map[string]string{"h1": "tx1"},
			}
			c.AddEvent(at, collection.EventPublishStarted, "")
			if err := st.Save(ctx, c); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if err := st.Save(ctx, collection.Collection{ID: "a", Kind: collection.KindManual}); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			got, err := st.Load(ctx, "b")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if !got.PublishDate.Equal(at) || got.Transactions["h1"] != "tx1" || len(got.Events) != 1 {
				t.Fatalf("Load() = %+v, want saved record", got)
			}

			// Overwrite.
			c.Kind = collection.KindManual
			if err := st.Save(ctx, c); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			all, err := st.List(ctx)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
				t.Fatalf("List() = %+v, want [a b]", all)
			}
			if all[1].Kind != collection.KindManual {
				t.Fatalf("List()[1].Kind = %q, want manual", all[1].Kind)
			}
		})
	}
}

func TestPendingCohortsReplaceSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	at1 := time.UnixMilli(1_700_000_000_000)
	at2 := at1.Add(time.Millisecond)

	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.PutPendingCohorts(ctx, []PendingCohort{
				{At: at1, CollectionIDs: []string{"a", "b"}},
				{At: at2, CollectionIDs: []string{"c"}},
			}); err != nil {
				t.Fatalf("PutPendingCohorts() error = %v", err)
			}
			got, err := st.PendingCohorts(ctx)
			if err != nil {
				t.Fatalf("PendingCohorts() error = %v", err)
			}
			if len(got) != 2 || len(got[0].CollectionIDs) != 2 || got[1].At.UnixMilli() != at2.UnixMilli() {
				t.Fatalf("PendingCohorts() = %+v", got)
			}

			if err := st.PutPendingCohorts(ctx, nil); err != nil {
				t.Fatalf("PutPendingCohorts(nil) error = %v", err)
			}
			got, err = st.PendingCohorts(ctx)
			if err != nil {
				t.Fatalf("PendingCohorts() error = %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("PendingCohorts() after clear = %+v, want empty", got)
			}
		})
	}
}

func TestDedupSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: t.TempDir()}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := st.PutDedup(ctx, "alert:c1", until); err != nil {
		t.Fatalf("PutDedup() error = %v", err)
	}
	if err := st.PutDedup(ctx, "expired", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("PutDedup() error = %v", err)
	}
	_ = st.Close()

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer st.Close()
	got, ok, err := st.GetDedup(ctx, "alert:c1")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("GetDedup() = %v, %v, %v; want %v, true, nil", got, ok, err, until)
	}
	if _, ok, _ := st.GetDedup(ctx, "expired"); ok {
		t.Fatalf("GetDedup(expired) ok = true, want pruned")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("Open(postgres) error = nil, want error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("Open(file, no path) error = nil, want error")
	}
}
