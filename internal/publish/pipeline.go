package publish

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"publisher/internal/clock"
	"publisher/internal/collection"
	"publisher/internal/content"
	"publisher/internal/eventbus"
	"publisher/internal/storage"
	"publisher/internal/task/scheduler"
	logx "publisher/pkg/logx"
)

// Deps are the collaborators of a Pipeline. Cohorts, Verifier and
// Invalidator are optional.
type Deps struct {
	Store       collection.Store
	Cohorts     CohortRecorder
	Trigger     Trigger
	Keys        KeyCache
	Workspace   Workspace
	Writer      content.Writer
	Verifier    content.Verifier
	Invalidator Invalidator
	Notifier    Notifier
	Bus         eventbus.Bus
	Clock       clock.Clock
	Log         logx.Logger
}

// CohortSummary is published on the bus when a cohort finishes.
type CohortSummary struct {
	Key       int64     `json:"key"`
	At        time.Time `json:"at"`
	Members   int       `json:"members"`
	Succeeded int       `json:"succeeded"`
}

// Pipeline arms collections and drives their cohorts through pre-publish,
// publish and post-publish.
type Pipeline struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	clk clock.Clock

	store     collection.Store
	recorder  CohortRecorder
	notifier  Notifier
	trigger   Trigger
	schedules *Schedules
	pre       *PrePublisher
	pub       *Publisher
	post      *PostPublisher

	// members maps an armed collection to the cohort key it waits for.
	members map[string]int64
	// claimed holds ids taken by a pending or running cohort.
	claimed map[string]struct{}
	pending map[int64]*Cohort
	running map[*Cohort]struct{}
	states  map[string]State
}

func New(cfg Config, d Deps) *Pipeline {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.Real()
	}
	p := &Pipeline{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      d.Bus,
		clk:      clk,
		store:    d.Store,
		recorder: d.Cohorts,
		notifier: d.Notifier,
		trigger:  d.Trigger,
		members:  map[string]int64{},
		claimed:  map[string]struct{}{},
		pending:  map[int64]*Cohort{},
		running:  map[*Cohort]struct{}{},
		states:   map[string]State{},
	}
	p.schedules = NewSchedules(d.Trigger, log.With(logx.String("comp", "schedules")))
	p.schedules.OnDropped = p.preDropped
	p.pre = &PrePublisher{
		Store:     d.Store,
		Keys:      d.Keys,
		Workspace: d.Workspace,
		Notifier:  d.Notifier,
		Bus:       d.Bus,
		Clock:     clk,
		Log:       log.With(logx.String("comp", "pre-publish")),
	}
	p.pub = &Publisher{
		Store:    d.Store,
		Writer:   d.Writer,
		Notifier: d.Notifier,
		Bus:      d.Bus,
		Clock:    clk,
		Log:      log.With(logx.String("comp", "publish")),
		OnState:  p.setState,
	}
	p.post = &PostPublisher{
		Notifier:    d.Notifier,
		Verifier:    d.Verifier,
		Invalidator: d.Invalidator,
		Store:       d.Store,
		Bus:         d.Bus,
		Clock:       clk,
		Log:         log.With(logx.String("comp", "post-publish")),
		Parallelism: p.cfg.VerifyParallelism,
		OnState:     p.setState,
	}
	return p
}

// Apply swaps lead time and deadline. Already armed triggers keep their
// instant; the next Schedule call uses the new lead time.
func (p *Pipeline) Apply(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg.withDefaults()
}

func (p *Pipeline) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Schedule arms c's pre-publish at its publish date minus the lead time,
// superseding any earlier arming. It returns false, leaving nothing armed,
// for manual collections or when scheduling is disabled.
func (p *Pipeline) Schedule(c collection.Collection) bool {
	if !c.Scheduled() || c.Published {
		p.Cancel(c)
		return false
	}
	key := c.PublishKey()
	t := Task{Kind: TaskPrePublish, At: c.PublishDate.Add(-p.config().LeadTime), Key: key}

	// Membership goes in first: a past instant fires before Schedule returns.
	p.mu.Lock()
	p.dropPendingLocked(c.ID)
	p.members[c.ID] = key
	p.states[c.ID] = StateScheduled
	p.mu.Unlock()

	if !p.schedules.Schedule(c, t, p.run) {
		p.mu.Lock()
		if k, ok := p.members[c.ID]; ok && k == key {
			delete(p.members, c.ID)
			delete(p.states, c.ID)
		}
		p.mu.Unlock()
		return false
	}
	return true
}

// Cancel disarms c. A collection that is not armed is ignored.
func (p *Pipeline) Cancel(c collection.Collection) {
	p.schedules.Cancel(c)
	p.mu.Lock()
	if _, ok := p.members[c.ID]; ok {
		delete(p.members, c.ID)
		delete(p.states, c.ID)
	}
	if p.dropPendingLocked(c.ID) {
		delete(p.states, c.ID)
	}
	p.mu.Unlock()
}

// dropPendingLocked takes id out of a cohort that is assembled but not yet
// publishing. A running cohort is never touched.
func (p *Pipeline) dropPendingLocked(id string) bool {
	for key, c := range p.pending {
		i := slices.IndexFunc(c.Tasks, func(t PublishTask) bool { return t.Collection.ID == id })
		if i < 0 {
			continue
		}
		c.Tasks = slices.Delete(c.Tasks, i, i+1)
		delete(p.claimed, id)
		p.log.Info("collection left pending cohort", logx.Collection(id), logx.Cohort(key))
		return true
	}
	return false
}

// Rebuild arms every scheduled, unpublished collection in the store. It is
// how armed work survives a restart.
func (p *Pipeline) Rebuild(ctx context.Context) (int, error) {
	all, err := p.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("rebuild schedules: %w", err)
	}
	now := p.clk.Now()
	n := 0
	for _, c := range all {
		if !c.Scheduled() || c.Published {
			continue
		}
		if c.PublishDate.Before(now) {
			p.log.Warn("publish date already passed; publishing now", logx.Collection(c.ID), logx.Time("at", c.PublishDate))
		}
		if p.Schedule(c) {
			n++
		}
	}
	p.log.Info("schedules rebuilt", logx.Int("collections", len(all)), logx.Int("armed", n))
	return n, nil
}

// run executes a fired Task.
func (p *Pipeline) run(ctx context.Context, t Task) error {
	switch t.Kind {
	case TaskPrePublish:
		return p.prePublish(ctx, t.Key)
	case TaskPublish:
		return p.publish(ctx, t.Cohort)
	default:
		return fmt.Errorf("publish: unknown task kind %d", t.Kind)
	}
}

// prePublish claims every armed collection waiting for key. Members of one
// instant fire together; the first fire claims them all and later fires find
// nothing left. A member armed after its cohort was assembled joins it while
// the cohort is still pending.
func (p *Pipeline) prePublish(ctx context.Context, key int64) error {
	p.mu.Lock()
	var ids []string
	for id, k := range p.members {
		if k != key {
			continue
		}
		if _, taken := p.claimed[id]; taken {
			continue
		}
		ids = append(ids, id)
		p.claimed[id] = struct{}{}
		delete(p.members, id)
		p.states[id] = StatePrePublishing
	}
	p.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	cohort, err := p.pre.Assemble(ctx, key, ids)
	if err != nil {
		p.release(ids)
		return fmt.Errorf("pre-publish %d: %w", key, err)
	}
	excluded := without(ids, cohort.IDs())
	p.release(excluded)
	p.mu.Lock()
	for _, id := range excluded {
		delete(p.states, id)
	}
	p.mu.Unlock()
	if len(cohort.Tasks) == 0 {
		return nil
	}

	p.mu.Lock()
	for _, t := range cohort.Tasks {
		p.states[t.Collection.ID] = StateReady
	}
	if existing, ok := p.pending[key]; ok {
		existing.Tasks = append(existing.Tasks, cohort.Tasks...)
		p.mu.Unlock()
		p.log.Info("collections joined pending cohort", logx.Cohort(key), logx.Strings("collections", cohort.IDs()))
		p.recordCohorts(ctx)
		return nil
	}
	p.pending[key] = cohort
	p.mu.Unlock()

	pubTask := Task{Kind: TaskPublish, At: cohort.At, Key: key, Cohort: cohort}
	if _, err := p.trigger.Schedule(pubTask.Name(), cohort.At, func(ctx context.Context) error {
		return p.run(ctx, pubTask)
	}, scheduler.OnDropped(func(err error) {
		p.cohortDropped(ctx, cohort, err)
	})); err != nil {
		p.mu.Lock()
		delete(p.pending, key)
		members := cohort.IDs()
		p.mu.Unlock()
		p.release(members)
		p.log.Error("cohort publish not armed", logx.Cohort(key), logx.Strings("collections", members), logx.Err(err))
		if p.notifier != nil {
			p.notifier.Alert(ctx, fmt.Sprintf("cohort-arm:%d", key), "Cohort not armed",
				fmt.Sprintf("collections %v due at %s were not armed for publishing: %v", members, cohort.At.UTC().Format(time.RFC3339), err))
		}
		return err
	}

	p.log.Info("cohort armed", logx.Cohort(key), logx.Time("at", cohort.At), logx.Int("members", len(cohort.Tasks)))
	p.recordCohorts(ctx)
	p.mu.Lock()
	armed := storage.PendingCohort{At: cohort.At, CollectionIDs: cohort.IDs()}
	p.mu.Unlock()
	p.emit(eventbus.CohortArmed, armed)
	return nil
}

// preDropped forgets a collection whose pre-publish trigger fired but never
// ran. The record is untouched, so Schedule or the next Rebuild re-arms it.
func (p *Pipeline) preDropped(c collection.Collection, t Task, err error) {
	p.mu.Lock()
	if k, ok := p.members[c.ID]; ok && k == t.Key {
		delete(p.members, c.ID)
		delete(p.states, c.ID)
	}
	p.mu.Unlock()
	if p.notifier != nil {
		p.notifier.Alert(context.Background(), "schedule-dropped:"+c.ID, "Collection not published",
			fmt.Sprintf("collection %s (%q) due at %s was not published: its trigger could not be queued (%v); re-schedule it or restart to retry",
				c.ID, c.Name, c.PublishDate.UTC().Format(time.RFC3339), err))
	}
}

// cohortDropped undoes the arming of a cohort whose publish trigger fired but
// never ran. Members are released and left unpublished for re-arming.
func (p *Pipeline) cohortDropped(ctx context.Context, cohort *Cohort, err error) {
	ctx = context.WithoutCancel(ctx)
	p.mu.Lock()
	if p.pending[cohort.Key] != cohort {
		p.mu.Unlock()
		return
	}
	delete(p.pending, cohort.Key)
	members := cohort.IDs()
	for _, id := range members {
		delete(p.states, id)
	}
	p.mu.Unlock()
	p.release(members)

	p.log.Error("cohort publish dropped", logx.Cohort(cohort.Key), logx.Strings("collections", members), logx.Err(err))
	if p.notifier != nil {
		p.notifier.Alert(ctx, fmt.Sprintf("cohort-dropped:%d", cohort.Key), "Cohort not published",
			fmt.Sprintf("collections %v due at %s were not published: the publish job could not be queued (%v); re-schedule them or restart to retry",
				members, cohort.At.UTC().Format(time.RFC3339), err))
	}
	p.recordCohorts(ctx)
}

// publish runs one cohort to completion. The barrier between publish and
// post-publish is Publisher.Run returning.
func (p *Pipeline) publish(ctx context.Context, c *Cohort) error {
	if c == nil {
		return errors.New("publish: nil cohort")
	}
	p.mu.Lock()
	if p.pending[c.Key] == c {
		delete(p.pending, c.Key)
	}
	run := &Cohort{Key: c.Key, At: c.At, Tasks: slices.Clone(c.Tasks)}
	p.running[run] = struct{}{}
	cfg := p.cfg
	p.mu.Unlock()

	// Job timeouts and shutdown must not cut a cohort short.
	ctx = context.WithoutCancel(ctx)
	results, err := p.pub.Run(ctx, run, cfg.Deadline)
	p.post.Run(ctx, run, results)

	p.mu.Lock()
	delete(p.running, run)
	p.mu.Unlock()
	p.release(run.IDs())

	p.recordCohorts(ctx)
	p.emit(eventbus.CohortCompleted, CohortSummary{Key: run.Key, At: run.At, Members: len(results), Succeeded: countSuccess(results)})
	return err
}

func (p *Pipeline) release(ids []string) {
	if len(ids) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		delete(p.claimed, id)
	}
}

func (p *Pipeline) setState(id string, s State) {
	p.mu.Lock()
	p.states[id] = s
	p.mu.Unlock()
}

// State reports where c is in its current or last publish cycle.
func (p *Pipeline) State(id string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[id]
	return s, ok
}

// Schedules exposes the per-collection triggers.
func (p *Pipeline) Schedules() *Schedules { return p.schedules }

// PendingCohorts lists assembled cohorts that have not finished, ordered by
// instant.
func (p *Pipeline) PendingCohorts() []storage.PendingCohort {
	p.mu.Lock()
	out := make([]storage.PendingCohort, 0, len(p.pending)+len(p.running))
	for _, c := range p.pending {
		out = append(out, storage.PendingCohort{At: c.At, CollectionIDs: c.IDs()})
	}
	for c := range p.running {
		out = append(out, storage.PendingCohort{At: c.At, CollectionIDs: c.IDs()})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// SnapshotCohorts persists PendingCohorts.
func (p *Pipeline) SnapshotCohorts(ctx context.Context) error {
	if p.recorder == nil {
		return nil
	}
	return p.recorder.PutPendingCohorts(ctx, p.PendingCohorts())
}

func (p *Pipeline) recordCohorts(ctx context.Context) {
	if err := p.SnapshotCohorts(ctx); err != nil {
		p.log.Warn("pending cohort snapshot failed", logx.Err(err))
	}
}

func (p *Pipeline) emit(typ string, data any) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Time: p.clk.Now(), Data: data})
	}
}

func without(all, keep []string) []string {
	var out []string
	for _, id := range all {
		if !slices.Contains(keep, id) {
			out = append(out, id)
		}
	}
	return out
}
