package publish

import (
	"context"
	"errors"
	"sync"

	"publisher/internal/collection"
	"publisher/internal/task/scheduler"
	logx "publisher/pkg/logx"
)

// Schedules tracks the one armed trigger per collection.
type Schedules struct {
	trigger Trigger
	log     logx.Logger

	// OnDropped is told when a fired trigger never ran because the engine
	// refused it. Optional.
	OnDropped func(c collection.Collection, t Task, err error)

	mu      sync.Mutex
	handles map[string]*scheduler.Handle
}

func NewSchedules(trigger Trigger, log logx.Logger) *Schedules {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Schedules{trigger: trigger, log: log, handles: map[string]*scheduler.Handle{}}
}

// Schedule arms t for c, replacing any handle c already has. It returns false
// for manual collections and when the trigger refuses the job.
func (s *Schedules) Schedule(c collection.Collection, t Task, run Runner) bool {
	if !c.Scheduled() || run == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.handles[c.ID]; ok {
		delete(s.handles, c.ID)
		if s.trigger.Cancel(old) {
			s.log.Debug("schedule superseded", logx.Collection(c.ID), logx.String("handle", old.ID()))
		}
	}

	var h *scheduler.Handle
	h, err := s.trigger.Schedule(t.Name(), t.At, func(ctx context.Context) error {
		s.release(c.ID, &h)
		return run(ctx, t)
	}, scheduler.OnDropped(func(err error) {
		s.release(c.ID, &h)
		s.log.Error("armed collection dropped at fire time", logx.Collection(c.ID), logx.String("task", t.Name()), logx.Err(err))
		if s.OnDropped != nil {
			s.OnDropped(c, t, err)
		}
	}))
	if err != nil {
		if errors.Is(err, scheduler.ErrDisabled) {
			s.log.Info("scheduling disabled; collection not armed", logx.Collection(c.ID))
		} else {
			s.log.Warn("schedule failed", logx.Collection(c.ID), logx.Err(err))
		}
		return false
	}
	s.handles[c.ID] = h
	s.log.Debug("collection armed", logx.Collection(c.ID), logx.String("task", t.Name()), logx.Time("at", t.At))
	return true
}

// Cancel drops c's handle. Unknown collections are ignored.
func (s *Schedules) Cancel(c collection.Collection) {
	s.mu.Lock()
	h, ok := s.handles[c.ID]
	delete(s.handles, c.ID)
	s.mu.Unlock()
	if ok {
		s.trigger.Cancel(h)
	}
}

// Armed returns c's current handle, if any.
func (s *Schedules) Armed(id string) (*scheduler.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

func (s *Schedules) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// release forgets *h once it fired, unless a newer handle replaced it. h is
// read under the lock because a zero-delay job can fire before Schedule
// returns.
func (s *Schedules) release(id string, h **scheduler.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.handles[id]; ok && cur == *h {
		delete(s.handles, id)
	}
}
