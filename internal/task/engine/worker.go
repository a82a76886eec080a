package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"publisher/internal/eventbus"
	logx "publisher/pkg/logx"
)

// work runs tasks until the pool starts closing. Stop wins over queued work.
func (s *Service) work(ctx context.Context, p *pool) {
	for {
		if isClosed(p.closing) || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.closing:
			return
		case qt := <-p.queue:
			s.inFlight.Add(1)
			s.run(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) run(ctx context.Context, qt queuedTask) {
	t := qt.task
	log := s.log.With(append([]logx.Field{logx.String("task", t.Name)}, t.Fields...)...)

	start := time.Now()
	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: max(start.Sub(qt.enqueued), 0)}
	log.Debug("task started", logx.Duration("queue_delay", ev.QueueDelay))
	s.publish(eventbus.TaskStarted, ev)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	err := guard(runCtx, t, log)
	cancel()

	ev.Duration = time.Since(start)
	if err != nil {
		ev.Error = err.Error()
		log.Warn("task failed", logx.Err(err), logx.Duration("dur", ev.Duration))
		s.publish(eventbus.TaskFailed, ev)
	} else {
		log.Debug("task finished", logx.Duration("dur", ev.Duration))
		s.publish(eventbus.TaskFinished, ev)
	}
	s.record(HistoryItem{ID: ev.ID, Name: ev.Name, Started: start, QueueDelay: ev.QueueDelay, Duration: ev.Duration, Error: ev.Error})
}

// guard turns a task panic into its error.
func guard(ctx context.Context, t Task, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}
