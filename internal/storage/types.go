package storage

import (
	"context"
	"errors"
	"time"

	"publisher/internal/collection"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage. An empty Driver means "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PendingCohort is one armed publish instant and its members. It is
// introspection state only: the pipeline rebuilds cohorts from collection
// records after a restart.
type PendingCohort struct {
	At            time.Time `json:"at"`
	CollectionIDs []string  `json:"collection_ids"`
}

// Store is the persistence API used by the pipeline and the notifier.
type Store interface {
	collection.Store

	// PutPendingCohorts replaces the whole pending-cohort snapshot.
	PutPendingCohorts(ctx context.Context, cohorts []PendingCohort) error
	PendingCohorts(ctx context.Context) ([]PendingCohort, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
