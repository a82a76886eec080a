// Package collection holds the publishable unit of content and the
// persistence contract the publish pipeline relies on.
package collection

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("collection not found")
	ErrInvalidID = errors.New("collection id required")
)

type Kind string

const (
	KindManual    Kind = "manual"
	KindScheduled Kind = "scheduled"
)

type Approval string

const (
	ApprovalPending  Approval = "pending"
	ApprovalComplete Approval = "complete"
)

// Event is one entry of a collection's append-only log.
type Event struct {
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	Message string    `json:"message,omitempty"`
}

const (
	EventDemoted        = "DEMOTED_TO_MANUAL"
	EventPublishStarted = "PUBLISH_STARTED"
	EventPublished      = "PUBLISHED"
	EventPublishFailed  = "PUBLISH_FAILED"
	EventRollbackFailed = "ROLLBACK_FAILED"
	EventVerifyMismatch = "VERIFICATION_MISMATCH"
	EventKeyMissing     = "KEY_MISSING"
)

type Collection struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	PublishDate time.Time `json:"publish_date"`
	Approval    Approval  `json:"approval"`
	Encrypted   bool      `json:"encrypted"`

	// Transactions maps a content host to its open transaction id.
	Transactions map[string]string `json:"transactions,omitempty"`
	Events       []Event           `json:"events,omitempty"`

	PublishStartDate time.Time `json:"publish_start_date,omitzero"`
	PublishEndDate   time.Time `json:"publish_end_date,omitzero"`
	Published        bool      `json:"published"`

	// Files are workspace-relative paths to publish.
	Files []string `json:"files,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Scheduled reports whether c is eligible for automatic publishing.
func (c Collection) Scheduled() bool {
	return c.Kind == KindScheduled && !c.PublishDate.IsZero()
}

func (c Collection) Approved() bool { return c.Approval == ApprovalComplete }

// PublishKey is the cohort bucket of c: its publish instant truncated to the
// millisecond.
func (c Collection) PublishKey() int64 { return c.PublishDate.UnixMilli() }

// AddEvent appends to the event log.
func (c *Collection) AddEvent(at time.Time, typ, msg string) {
	c.Events = append(c.Events, Event{At: at, Type: typ, Message: msg})
}

// Clone returns a deep copy, so a publish attempt never shares maps or slices
// with the caller's record.
func (c Collection) Clone() Collection {
	out := c
	if c.Transactions != nil {
		out.Transactions = make(map[string]string, len(c.Transactions))
		for k, v := range c.Transactions {
			out.Transactions[k] = v
		}
	}
	out.Events = slices.Clone(c.Events)
	out.Files = slices.Clone(c.Files)
	return out
}

func ValidID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidID
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return errors.New("collection id contains path separators")
	}
	return nil
}

// Store is the persistence contract for collection records.
type Store interface {
	Load(ctx context.Context, id string) (Collection, error)
	Save(ctx context.Context, c Collection) error
	List(ctx context.Context) ([]Collection, error)
}
