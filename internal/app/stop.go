package app

import (
	"context"
	"fmt"
	"time"

	logx "publisher/pkg/logx"
)

// StopReason is logged when the daemon shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// stopper runs shutdown steps in order, each bounded by its own budget and
// by the caller's deadline, so one stuck component can't stall the rest.
type stopper struct {
	ctx   context.Context
	log   logx.Logger
	start time.Time
}

func (s *stopper) elapsed() time.Duration {
	if s.start.IsZero() {
		return 0
	}
	return time.Since(s.start)
}

func (s *stopper) step(name string, budget time.Duration, fn func(context.Context) error) {
	if s.start.IsZero() {
		s.start = time.Now()
	}
	ctx, cancel := context.WithTimeout(s.ctx, budget)
	defer cancel()

	begun := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	log := s.log.With(logx.String("step", name))
	select {
	case err := <-done:
		took := time.Since(begun)
		if err != nil {
			log.Warn("stop step failed", logx.Err(err), logx.Duration("took", took))
		} else {
			log.Debug("stop step done", logx.Duration("took", took))
		}
	case <-ctx.Done():
		log.Warn("stop step over budget; moving on", logx.Duration("budget", budget), logx.Err(ctx.Err()))
		// report how the abandoned step ends, if it ever does
		go func() {
			err := <-done
			log.Info("stop step finished late", logx.Err(err), logx.Duration("took", time.Since(begun)))
		}()
	}
}
