package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"publisher/internal/eventbus"
	rtsup "publisher/internal/runtime/supervisor"
	logx "publisher/pkg/logx"
)

// Service is the bounded worker pool that runs jobs once their trigger
// fires: pre-publish, publish and post-publish phases and recurring jobs.
// A failing or panicking task never stops a worker, so work queued behind
// it still runs.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu   sync.Mutex
	cfg  Config
	pool *pool // nil while stopped

	inFlight atomic.Int32
	dropped  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// pool is one Start..Stop cycle. closing is closed when Stop begins and
// done when every worker has returned.
type pool struct {
	queue   chan queuedTask
	sup     *rtsup.Supervisor
	closing chan struct{}
	done    chan struct{}
}

type queuedTask struct {
	task     Task
	enqueued time.Time
	timeout  time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, bus: bus}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start launches the workers; a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled || s.pool != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	p := &pool{
		queue:   make(chan queuedTask, cfg.QueueSize),
		sup:     rtsup.New(ctx, rtsup.WithLogger(s.log)),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.pool = p
	s.mu.Unlock()

	for i := range cfg.Workers {
		p.sup.GoRestart("worker."+strconv.Itoa(i), func(c context.Context) error {
			s.work(c, p)
			select {
			case <-p.closing:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop refuses new tasks, lets running tasks finish and waits for the
// workers until ctx ends. Tasks still queued are dropped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !isClosed(p.closing)
	if first {
		close(p.closing)
	}
	s.mu.Unlock()

	if first {
		go func() {
			_ = p.sup.Wait(context.Background())
			p.sup.Cancel()
			if n := len(p.queue); n > 0 {
				s.dropped.Add(uint64(n))
				s.log.Warn("queued tasks dropped at stop", logx.Int("count", n))
			}
			s.mu.Lock()
			s.pool = nil
			s.mu.Unlock()
			close(p.done)
		}()
	}

	select {
	case <-p.done:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()), logx.Int("in_flight", int(s.inFlight.Load())))
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Enqueue adds a task without blocking. A full queue drops the task and
// reports ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	case isClosed(p.closing):
		return ErrStopping
	}

	qt := queuedTask{task: t, enqueued: time.Now(), timeout: t.Timeout}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	select {
	case p.queue <- qt:
		return nil
	default:
	}
	s.dropped.Add(1)
	s.log.Warn("task dropped: queue full", append([]logx.Field{logx.String("task", t.Name), logx.Int("queue_cap", cap(p.queue))}, t.Fields...)...)
	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: qt.enqueued, Error: ErrQueueFull.Error()})
	return ErrQueueFull
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:  cfg.Enabled,
		Workers:  cfg.Workers,
		InFlight: int(s.inFlight.Load()),
		Dropped:  s.dropped.Load(),
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if over := len(s.history) - size; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}
