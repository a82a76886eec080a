package keyring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"publisher/internal/collection"
	"publisher/internal/permissions"
	logx "publisher/pkg/logx"
)

var ErrForbidden = errors.New("keyring: administrator required")

// Alerter is the notification collaborator: fire and forget.
type Alerter interface {
	Alert(ctx context.Context, key, subject, text string)
}

// HealthCheck finds encrypted collections whose key is missing from the key
// cache. It only reports.
type HealthCheck struct {
	Cache       Store
	Collections collection.Store
	Perms       permissions.Service
	Alerts      Alerter
	Log         logx.Logger
}

// Run requires user to be an administrator. It alerts once per collection
// missing a key and returns those collections.
func (h *HealthCheck) Run(ctx context.Context, user string) ([]collection.Collection, error) {
	ok, err := h.Perms.IsAdministrator(ctx, user)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, user)
	}

	ids, err := h.Cache.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("key cache: %w", err)
	}
	have := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		have[id] = struct{}{}
	}
	all, err := h.Collections.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("collections: %w", err)
	}

	var missing []collection.Collection
	for _, c := range all {
		if !c.Encrypted {
			continue
		}
		if _, ok := have[c.ID]; ok {
			continue
		}
		missing = append(missing, c)
		if !h.Log.IsZero() {
			h.Log.Warn("collection key missing from cache", logx.Collection(c.ID), logx.String("name", c.Name))
		}
		if h.Alerts != nil {
			h.Alerts.Alert(ctx, "key-missing:"+c.ID, "Collection key missing",
				fmt.Sprintf("collection %s (%q) has no key in the key cache; created by %s at %s",
					c.ID, c.Name, orUnknown(c.CreatedBy), formatTime(c.CreatedAt)))
		}
	}
	if !h.Log.IsZero() {
		h.Log.Info("key health check done", logx.Int("collections", len(all)), logx.Int("missing", len(missing)))
	}
	return missing, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}
