package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type Kind string

const (
	KindAlert     Kind = "alert"
	KindPublished Kind = "published"
)

// Message is one notification.
type Message struct {
	Kind    Kind
	Subject string
	Text    string
	// Key identifies the message for dedup. Empty falls back to a hash of
	// kind, subject and text.
	Key string

	CollectionID string
	URIs         []string
	At           time.Time
}

// Sink delivers a message to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type HistoryItem struct {
	At   time.Time
	Sink string
	Kind Kind
	Text string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Kind  Kind      `json:"kind"`
	Sink  string    `json:"sink,omitempty"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
