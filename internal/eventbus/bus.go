package eventbus

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Event types published by the task engine and the publishing pipeline.
const (
	TaskStarted  = "task.started"
	TaskFailed   = "task.failed"
	TaskFinished = "task.finished"
	TaskDropped  = "task.dropped"

	CollectionDemoted   = "collection.demoted"
	CollectionPublished = "collection.published"
	CollectionFailed    = "collection.failed"
	CohortArmed         = "cohort.armed"
	CohortCompleted     = "cohort.completed"
	KeyMissing          = "keyring.key_missing"
	ContentInvalidated  = "content.invalidated"

	NotifierQueued  = "notifier.queued"
	NotifierDeduped = "notifier.deduped"
	NotifierDropped = "notifier.dropped"
	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
)

// Event is an in-memory signal between components. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Subscribe with type prefixes
// ("cohort.", "task.failed") to receive only matching events; no prefixes
// means everything.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

type memBus struct {
	// Publish holds the read lock while sending; unsubscribe takes the
	// write lock before closing, so no send races a close.
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	return slices.ContainsFunc(s.prefixes, func(p string) bool { return strings.HasPrefix(typ, p) })
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), prefixes: slices.Clone(prefixes)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}
