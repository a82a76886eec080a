package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"publisher/internal/clock"
)

// Config controls the trigger service.
type Config struct {
	// Enabled is the global scheduling kill switch. When false, Schedule
	// refuses new one-shot jobs; already armed handles still fire.
	Enabled bool

	// Timezone for recurring cron specs (IANA name). Empty means Local.
	Timezone string

	// JobTimeout bounds each fired job. Zero falls back to the engine default.
	JobTimeout time.Duration
}

var (
	ErrDisabled = errors.New("scheduling disabled")
	ErrShutdown = errors.New("scheduler shut down")
)

// State is the lifecycle of a one-shot Handle.
type State int32

const (
	StateArmed State = iota
	StateFired
	StateDone
	StateCancelled
	// StateDropped: fired, but the engine refused the job.
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateFired:
		return "fired"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Handle is an opaque reference to a single future execution.
type Handle struct {
	id    string
	name  string
	at    time.Time
	job   func(ctx context.Context) error
	state atomic.Int32

	onDrop func(err error)

	mu    sync.Mutex
	timer clock.Timer
}

func (h *Handle) ID() string    { return h.id }
func (h *Handle) Name() string  { return h.name }
func (h *Handle) At() time.Time { return h.at }
func (h *Handle) State() State  { return State(h.state.Load()) }

// ScheduleOption configures one Schedule call.
type ScheduleOption func(*Handle)

// OnDropped is called, on the timer goroutine, when the handle fired but its
// job could not be enqueued. The job never runs in that case.
func OnDropped(fn func(err error)) ScheduleOption {
	return func(h *Handle) { h.onDrop = fn }
}

func (h *Handle) transition(from, to State) bool {
	return h.state.CompareAndSwap(int32(from), int32(to))
}

// HandleInfo is a point-in-time view of an armed handle.
type HandleInfo struct {
	ID    string
	Name  string
	At    time.Time
	State string
}

// RecurringInfo describes a registered cron job.
type RecurringInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Armed     []HandleInfo
	Recurring []RecurringInfo
}

type recurringDef struct {
	name    string
	spec    string
	job     func(ctx context.Context) error
	entryID cron.EntryID
}
