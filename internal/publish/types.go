package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"publisher/internal/collection"
	"publisher/internal/content"
	"publisher/internal/keyring"
	"publisher/internal/storage"
	"publisher/internal/task/scheduler"
)

const (
	DefaultLeadTime = time.Minute
	DefaultDeadline = 15 * time.Minute
)

// Config is hot-reloadable through Pipeline.Apply.
type Config struct {
	LeadTime time.Duration
	Deadline time.Duration
	// VerifyParallelism bounds concurrent hash checks after publish.
	VerifyParallelism int
}

func (c Config) withDefaults() Config {
	if c.LeadTime <= 0 {
		c.LeadTime = DefaultLeadTime
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.VerifyParallelism <= 0 {
		c.VerifyParallelism = 4
	}
	return c
}

var (
	ErrApprovalMissing      = errors.New("publish: approval not complete")
	ErrDeadlineExceeded     = errors.New("publish: cohort deadline exceeded")
	ErrVerificationMismatch = errors.New("publish: published bytes do not match workspace")
)

// PersistenceError is the one failure a publish task does not absorb: the
// attempt happened but its record could not be saved.
type PersistenceError struct {
	CollectionID string
	Err          error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("publish: persist collection %s: %v", e.CollectionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// State is where a collection is in the current publish cycle.
type State int

const (
	StateScheduled State = iota
	StatePrePublishing
	StateReady
	StatePublishing
	StatePublished
	StateFailedRolledBack
	StateFailedUnrolled
	StatePostPublishing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StatePrePublishing:
		return "pre-publishing"
	case StateReady:
		return "ready"
	case StatePublishing:
		return "publishing"
	case StatePublished:
		return "published"
	case StateFailedRolledBack:
		return "failed(rolled-back)"
	case StateFailedUnrolled:
		return "failed(unrolled)"
	case StatePostPublishing:
		return "post-publishing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// TaskKind tags a Task.
type TaskKind uint8

const (
	// TaskPrePublish assembles the cohort for bucket Key.
	TaskPrePublish TaskKind = iota + 1
	// TaskPublish runs Cohort.
	TaskPublish
)

func (k TaskKind) String() string {
	switch k {
	case TaskPrePublish:
		return "pre-publish"
	case TaskPublish:
		return "publish"
	default:
		return "unknown"
	}
}

// Task is the single unit the pipeline puts on the trigger, whether it
// concerns one collection or a whole cohort.
type Task struct {
	Kind   TaskKind
	At     time.Time
	Key    int64   // publish instant in unix milliseconds
	Cohort *Cohort // TaskPublish only
}

func (t Task) Name() string { return fmt.Sprintf("%s:%d", t.Kind, t.Key) }

// Runner executes a fired Task.
type Runner func(ctx context.Context, t Task) error

// PublishTask is one collection ready to publish: its record as of cohort
// assembly and a reader bound to its key.
type PublishTask struct {
	Collection collection.Collection
	Reader     content.Reader
}

// Cohort is every collection sharing one exact publish instant.
type Cohort struct {
	Key   int64
	At    time.Time
	Tasks []PublishTask
}

func (c *Cohort) IDs() []string {
	out := make([]string, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		out = append(out, t.Collection.ID)
	}
	return out
}

// Result is the immutable outcome of one publish attempt.
type Result struct {
	CollectionID string
	Name         string
	Success      bool
	Err          error
	// Transactions opened by the attempt, host -> tx.
	Transactions map[string]string
	// Committed lists the hosts whose transaction was committed, in order.
	Committed   []string
	URIs        []string
	StartedAt   time.Time
	EndedAt     time.Time
	RolledBack  bool
	RollbackErr error
	// Abandoned is set when the task outlived the cohort deadline.
	Abandoned bool
	State     State
}

// Trigger is the time-triggered scheduler.
type Trigger interface {
	Schedule(name string, at time.Time, job func(ctx context.Context) error, opts ...scheduler.ScheduleOption) (*scheduler.Handle, error)
	Cancel(h *scheduler.Handle) bool
}

// Notifier is the notification collaborator. Both calls are fire and forget.
type Notifier interface {
	Alert(ctx context.Context, key, subject, text string)
	Published(ctx context.Context, collectionID, name string, uris []string)
}

// KeyCache is the read side of the process-wide key cache.
type KeyCache interface {
	Get(ctx context.Context, id string) (keyring.Key, error)
}

// Workspace hands out readers bound to a collection's key.
type Workspace interface {
	Reader(collectionID string, files []string, key []byte) content.Reader
}

// Invalidator drops cached copies of freshly published locations.
type Invalidator interface {
	Invalidate(ctx context.Context, uris []string) error
}

// CohortRecorder persists the pending-cohort snapshot.
type CohortRecorder interface {
	PutPendingCohorts(ctx context.Context, cohorts []storage.PendingCohort) error
}
