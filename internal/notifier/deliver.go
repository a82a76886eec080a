package notifier

import (
	"context"
	"math/rand/v2"
	"time"

	"publisher/internal/eventbus"
	logx "publisher/pkg/logx"
)

const sendTimeout = 10 * time.Second

// drain hands every queued message to every sink until q closes.
func (s *Service) drain(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			for _, sink := range s.sinks {
				s.deliver(ctx, sink, j)
			}
		}
	}
}

// deliver sends j to one sink, retrying with backoff. A sink that keeps
// failing loses the message; other sinks are unaffected.
func (s *Service) deliver(ctx context.Context, sink Sink, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	attempts := cfg.RetryMax + 1
	var err error
	for attempt := 1; ; attempt++ {
		if err = lim.Wait(ctx); err != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = sink.Send(sctx, j.m)
		cancel()
		if err == nil {
			s.record(sink.Name(), j.m)
			s.emit(eventbus.NotifierSent, NotificationEvent{Kind: j.m.Kind, Sink: sink.Name(), Key: j.key})
			return
		}
		s.log.Debug("notification send failed",
			logx.String("sink", sink.Name()), logx.Int("attempt", attempt), logx.Int("attempts", attempts), logx.Err(err))
		if attempt >= attempts || !sleepCtx(ctx, backoff(cfg, attempt)) {
			break
		}
	}

	s.log.Warn("notification lost", logx.String("sink", sink.Name()), logx.String("subject", j.m.Subject), logx.Err(err))
	s.emit(eventbus.NotifierFailed, NotificationEvent{Kind: j.m.Kind, Sink: sink.Name(), Key: j.key, Error: err.Error()})
}

// backoff is the pause after the given failed attempt: RetryBase doubled per
// attempt, jittered by ±30%, never above RetryMaxDelay.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << min(attempt-1, 30)
	if d <= 0 || d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(d, cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
