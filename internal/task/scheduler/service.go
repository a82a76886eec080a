package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"publisher/internal/clock"
	"publisher/internal/eventbus"
	"publisher/internal/task/engine"
	logx "publisher/pkg/logx"
)

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	clk    clock.Clock
	engine *engine.Service

	loc       *time.Location
	parser    cron.Parser
	c         *cron.Cron
	recurring []recurringDef

	armed    map[string]*Handle
	shutdown bool
}

func New(cfg Config, eng *engine.Service, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		clk:    clk,
		engine: eng,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		armed:  map[string]*Handle{},
	}
}

// Enabled reports the kill switch. Safe while Apply runs concurrently.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps config at runtime. A timezone change restarts cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartCronLocked()
	}
}

// Start begins recurring triggering. One-shot handles work without Start.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || s.shutdown {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.recurring {
		if err := s.addCronLocked(&s.recurring[i]); err != nil {
			s.log.Error("recurring register failed", logx.String("name", s.recurring[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("recurring", len(s.recurring)))
}

// Shutdown stops accepting jobs, stops every armed timer and cron, then stops
// the engine. Called once at process teardown; armed work is rebuilt from
// durable collection records on the next start.
func (s *Service) Shutdown(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	c := s.c
	s.c = nil
	armed := s.armed
	s.armed = map[string]*Handle{}
	s.mu.Unlock()

	for _, h := range armed {
		s.stopHandle(h)
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if s.engine != nil {
		s.engine.Stop(ctx)
	}
	s.log.Info("scheduler shut down", logx.Int("dropped_handles", len(armed)))
}

// Schedule arms job to fire at the absolute instant at. The returned Handle
// moves armed -> fired -> done, armed -> cancelled via Cancel, or
// fired -> dropped when the engine refuses the job.
func (s *Service) Schedule(name string, at time.Time, job func(ctx context.Context) error, opts ...ScheduleOption) (*Handle, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return nil, ErrDisabled
	}
	h := &Handle{id: uuid.NewString(), name: name, at: at, job: job}
	for _, o := range opts {
		o(h)
	}
	s.armed[h.id] = h
	s.mu.Unlock()

	delay := at.Sub(s.clk.Now())
	if delay < 0 {
		delay = 0
	}
	// Hold h.mu so a zero-delay fire can't observe the handle before its
	// timer is recorded.
	h.mu.Lock()
	h.timer = s.clk.AfterFunc(delay, func() { s.fire(h) })
	h.mu.Unlock()

	s.log.Debug("job armed", logx.String("name", name), logx.String("handle", h.id), logx.Time("at", at), logx.Duration("delay", delay))
	return h, nil
}

// Cancel is best-effort: it returns false (and does nothing) when the handle
// already fired, finished, or was cancelled before.
func (s *Service) Cancel(h *Handle) bool {
	if h == nil {
		return false
	}
	if !s.stopHandle(h) {
		return false
	}
	s.log.Debug("job cancelled", logx.String("name", h.name), logx.String("handle", h.id))
	return true
}

func (s *Service) stopHandle(h *Handle) bool {
	if !h.transition(StateArmed, StateCancelled) {
		return false
	}
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
	s.mu.Lock()
	delete(s.armed, h.id)
	s.mu.Unlock()
	return true
}

func (s *Service) fire(h *Handle) {
	h.mu.Lock()
	fired := h.transition(StateArmed, StateFired)
	h.mu.Unlock()
	if !fired {
		return
	}
	s.mu.Lock()
	delete(s.armed, h.id)
	timeout := s.cfg.JobTimeout
	s.mu.Unlock()

	if s.engine == nil {
		h.state.Store(int32(StateDone))
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name:    h.name,
		Timeout: timeout,
		Fields:  []logx.Field{logx.String("handle", h.id), logx.Time("due", h.at)},
		Run: func(ctx context.Context) error {
			defer h.state.Store(int32(StateDone))
			return h.job(ctx)
		},
	})
	if err != nil {
		h.state.Store(int32(StateDropped))
		s.log.Error("fired job could not be enqueued", logx.String("name", h.name), logx.String("handle", h.id), logx.Err(err))
		if h.onDrop != nil {
			h.onDrop(err)
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	for _, h := range s.armed {
		snap.Armed = append(snap.Armed, HandleInfo{ID: h.id, Name: h.name, At: h.at, State: h.State().String()})
	}
	for _, d := range s.recurring {
		it := RecurringInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Recurring = append(snap.Recurring, it)
	}
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
