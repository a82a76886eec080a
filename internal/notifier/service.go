package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"publisher/internal/eventbus"
	rtsup "publisher/internal/runtime/supervisor"
	logx "publisher/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 300

type job struct {
	m   Message
	key string
}

// Service is the async notification pipeline. Safe for concurrent use.
type Service struct {
	log   logx.Logger
	sinks []Sink
	bus   eventbus.Bus
	store DedupStore
	dedup *suppressor

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	// run is non-nil between Start and the end of Stop.
	run      *run
	inflight sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

// run is one Start..Stop cycle.
type run struct {
	queue     chan job
	sup       *rtsup.Supervisor
	accepting bool
	stopped   chan struct{} // non-nil once Stop began
}

// New builds the notifier. store may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, store DedupStore, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		sinks: sinks,
		bus:   bus,
		store: store,
		dedup: newSuppressor(),
	}
	s.setConfig(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply takes effect for the next message. Worker count and queue size
// change on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConfig(cfg)
}

func (s *Service) setConfig(cfg Config) {
	cfg.Workers = positiveOr(cfg.Workers, 2)
	cfg.QueueSize = positiveOr(cfg.QueueSize, 512)
	cfg.RatePerSec = positiveOr(cfg.RatePerSec, 3)
	cfg.RetryMax = max(cfg.RetryMax, 0)
	cfg.RetryBase = positiveOr(cfg.RetryBase, 500*time.Millisecond)
	cfg.RetryMaxDelay = positiveOr(cfg.RetryMaxDelay, 10*time.Second)
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	cfg.DedupMaxEntries = positiveOr(cfg.DedupMaxEntries, 2000)
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// positiveOr is v when positive, else def.
func positiveOr[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// Start launches the workers; a no-op when disabled or already running.
// A Start racing a Stop waits for the Stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if r := s.run; r != nil && r.stopped != nil {
		s.mu.Unlock()
		select {
		case <-r.stopped:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.run != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	cfg := s.cfg
	r := &run{
		queue:     make(chan job, cfg.QueueSize),
		sup:       rtsup.New(ctx, rtsup.WithLogger(s.log)),
		accepting: true,
	}
	var writes chan dedupWrite
	if cfg.PersistDedup && s.store != nil {
		writes = s.dedup.attach(s.store)
	}
	s.run = r
	s.mu.Unlock()

	// A loop that returns while the run is live is a bug; let GoRestart
	// bring it back.
	unexpected := func(c context.Context, what string) error {
		s.mu.Lock()
		stopping := r.stopped != nil
		s.mu.Unlock()
		if stopping || c.Err() != nil {
			return nil
		}
		return fmt.Errorf("notifier %s exited", what)
	}
	if writes != nil {
		r.sup.GoRestart("dedup.persist", func(c context.Context) error {
			persist(c, writes, s.store)
			return unexpected(c, "dedup persister")
		})
	}
	for i := range cfg.Workers {
		r.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.drain(c, r.queue)
			return unexpected(c, "worker")
		})
	}
	s.log.Info("notifier started", logx.Int("workers", cfg.Workers), logx.Int("sinks", len(s.sinks)))
}

// Stop refuses new messages and drains the queue until ctx ends, at which
// point workers are cancelled and whatever is left is dropped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.mu.Unlock()
		return
	}
	if r.stopped != nil {
		s.mu.Unlock()
		select {
		case <-r.stopped:
		case <-ctx.Done():
		}
		return
	}
	r.stopped = make(chan struct{})
	r.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(r.stopped)
		s.inflight.Wait()
		s.dedup.detach()
		close(r.queue)
		_ = r.sup.Wait(context.Background())

		s.mu.Lock()
		s.run = nil
		s.mu.Unlock()
		s.log.Info("notifier stopped")
	}()

	select {
	case <-r.stopped:
	case <-ctx.Done():
		r.sup.Cancel()
	}
}

// Alert raises an operator alert. Enqueue failures are logged, not returned.
func (s *Service) Alert(ctx context.Context, key, subject, text string) {
	m := Message{Kind: KindAlert, Key: key, Subject: subject, Text: text, At: time.Now()}
	if err := s.Notify(ctx, m); err != nil {
		s.log.Warn("alert not queued", logx.String("subject", subject), logx.String("text", text), logx.Err(err))
	}
}

// Published announces a collection that went live with the content
// locations it touched.
func (s *Service) Published(ctx context.Context, collectionID, name string, uris []string) {
	m := Message{
		Kind:         KindPublished,
		Key:          "published:" + collectionID,
		Subject:      "Collection published",
		Text:         fmt.Sprintf("%s (%s) published: %d files", name, collectionID, len(uris)),
		CollectionID: collectionID,
		URIs:         append([]string(nil), uris...),
		At:           time.Now(),
	}
	if err := s.Notify(ctx, m); err != nil {
		s.log.Warn("publish notification not queued", logx.Collection(collectionID), logx.Err(err))
	}
}

// Notify enqueues m without blocking. A message suppressed by dedup is not
// an error.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case s.run == nil || !s.run.accepting:
		s.mu.Unlock()
		return ErrStopped
	}
	q, window, capacity := s.run.queue, s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(m)
	if window > 0 && !s.dedup.admit(ctx, key, window, capacity) {
		s.emit(eventbus.NotifierDeduped, NotificationEvent{Kind: m.Kind, Key: key})
		return nil
	}

	select {
	case q <- job{m: m, key: key}:
		s.emit(eventbus.NotifierQueued, NotificationEvent{Kind: m.Kind, Key: key})
		return nil
	default:
		s.emit(eventbus.NotifierDropped, NotificationEvent{Kind: m.Kind, Key: key, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// Snapshot returns the most recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) record(sink string, m Message) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Sink: sink, Kind: m.Kind, Text: m.Text})
	if n := len(s.history); n > historySize {
		s.history = append(s.history[:0:0], s.history[n-historySize:]...)
	}
}

func (s *Service) emit(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	ev.At = time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
