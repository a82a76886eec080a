package keyring

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"publisher/internal/collection"
	"publisher/internal/permissions"
	"publisher/internal/storage"
)

type recordingAlerter struct {
	mu   sync.Mutex
	keys []string
	text []string
}

func (r *recordingAlerter) Alert(_ context.Context, key, _, text string) {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.text = append(r.text, text)
	r.mu.Unlock()
}

func TestHealthCheckAlertsMissingKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cols := storage.NewMemory()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, c := range []collection.Collection{
		{ID: "has-key", Encrypted: true},
		{ID: "no-key", Name: "Budget", Encrypted: true, CreatedBy: "alice", CreatedAt: created},
		{ID: "plain", Encrypted: false},
	} {
		if err := cols.Save(ctx, c); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	cache := NewMemory()
	_ = cache.Add(ctx, "has-key", mustKey(t))
	alerts := &recordingAlerter{}
	h := &HealthCheck{
		Cache:       cache,
		Collections: cols,
		Perms:       permissions.NewStatic(permissions.Document{Administrators: []string{"root"}, Users: []string{"alice"}}),
		Alerts:      alerts,
	}

	if _, err := h.Run(ctx, "alice"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Run(non-admin) error = %v, want ErrForbidden", err)
	}
	if len(alerts.keys) != 0 {
		t.Fatalf("alerts raised for a forbidden run: %v", alerts.keys)
	}

	missing, err := h.Run(ctx, "root")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(missing) != 1 || missing[0].ID != "no-key" {
		t.Fatalf("Run() missing = %+v, want [no-key]", missing)
	}
	if len(alerts.keys) != 1 || alerts.keys[0] != "key-missing:no-key" {
		t.Fatalf("alerts = %v, want one for no-key", alerts.keys)
	}
	for _, want := range []string{"no-key", "Budget", "alice", "2026-01-02T03:04:05Z"} {
		if !strings.Contains(alerts.text[0], want) {
			t.Fatalf("alert text %q lacks %q", alerts.text[0], want)
		}
	}
}
