package publish

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"publisher/internal/clock"
	"publisher/internal/collection"
	"publisher/internal/content"
	"publisher/internal/eventbus"
	logx "publisher/pkg/logx"
)

// Publisher runs the publish phase of a cohort.
type Publisher struct {
	Store    collection.Store
	Writer   content.Writer
	Notifier Notifier
	Bus      eventbus.Bus
	Clock    clock.Clock
	Log      logx.Logger

	// OnState observes per-collection state changes. Optional.
	OnState func(id string, s State)
}

type taskDone struct {
	i   int
	res Result
	err error
}

// Run publishes every member of c on its own goroutine and returns once all
// of them returned or deadline elapsed, whichever is first. Members still
// running at the deadline keep running; their Result is reported failed with
// ErrDeadlineExceeded. Results follow cohort order. The error joins the
// PersistenceErrors of members that returned.
func (p *Publisher) Run(ctx context.Context, c *Cohort, deadline time.Duration) ([]Result, error) {
	n := len(c.Tasks)
	results := make([]Result, n)
	if n == 0 {
		return results, nil
	}
	log := p.Log.With(logx.Cohort(c.Key))

	// Members are never cancelled mid-write, not even on shutdown.
	taskCtx := context.WithoutCancel(ctx)
	ch := make(chan taskDone, n)
	for i, t := range c.Tasks {
		go func() {
			res, err := p.runGuarded(taskCtx, t)
			ch <- taskDone{i: i, res: res, err: err}
		}()
	}

	timeout := p.clock().After(deadline)
	returned := make([]bool, n)
	var errs []error
	for left := n; left > 0; {
		select {
		case d := <-ch:
			results[d.i] = d.res
			returned[d.i] = true
			left--
			if d.err != nil {
				errs = append(errs, d.err)
			}
		case <-timeout:
			for i, ok := range returned {
				if ok {
					continue
				}
				results[i] = p.abandon(ctx, log, c.Tasks[i].Collection, deadline)
			}
			left = 0
		}
	}
	log.Info("cohort publish finished", logx.Int("members", n), logx.Int("succeeded", countSuccess(results)))
	return results, errors.Join(errs...)
}

func (p *Publisher) abandon(ctx context.Context, log logx.Logger, c collection.Collection, deadline time.Duration) Result {
	log.Error("publish task exceeded cohort deadline; no longer awaited",
		logx.Collection(c.ID), logx.Duration("deadline", deadline))
	p.alert(ctx, "deadline:"+c.ID, "Collection publish timed out",
		fmt.Sprintf("collection %s (%q) did not finish publishing within %s; it is still running and its record will reflect the outcome", c.ID, c.Name, deadline))
	return Result{
		CollectionID: c.ID,
		Name:         c.Name,
		Err:          ErrDeadlineExceeded,
		EndedAt:      p.now(),
		Abandoned:    true,
		// Outcome unknown: transactions may still be open.
		State: StateFailedUnrolled,
	}
}

// runGuarded turns a panic outside the writer calls into a failed result. The
// attempt record is not persisted in that case.
func (p *Publisher) runGuarded(ctx context.Context, t PublishTask) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.Log.Error("publish task panic", logx.Collection(t.Collection.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = Result{CollectionID: t.Collection.ID, Name: t.Collection.Name, Err: fmt.Errorf("panic: %v", r), EndedAt: p.now(), State: StateFailedUnrolled}
		}
	}()
	return p.publishOne(ctx, t)
}

// publishOne owns the attempt: it is the only writer of its collection record
// until it returns.
func (p *Publisher) publishOne(ctx context.Context, t PublishTask) (Result, error) {
	c := t.Collection.Clone()
	log := p.Log.With(logx.Collection(c.ID), logx.Cohort(c.PublishKey()))

	res := Result{CollectionID: c.ID, Name: c.Name, StartedAt: p.now()}
	p.setState(c.ID, StatePublishing)
	c.PublishStartDate = res.StartedAt
	c.AddEvent(res.StartedAt, collection.EventPublishStarted, "")

	txs, uris, err := p.copy(ctx, t.Reader)
	res.Transactions = maps.Clone(txs)
	c.Transactions = maps.Clone(txs)
	if err == nil {
		res.Committed, err = p.commit(ctx, txs)
	}
	res.EndedAt = p.now()

	if err == nil {
		res.Success = true
		res.URIs = uris
		res.State = StatePublished
		c.PublishEndDate = res.EndedAt
		c.Published = true
		c.Transactions = nil
		c.AddEvent(res.EndedAt, collection.EventPublished, fmt.Sprintf("%d files", len(uris)))
		log.Info("collection published", logx.Int("files", len(uris)), logx.Duration("dur", res.EndedAt.Sub(res.StartedAt)))
	} else {
		res.Err = err
		c.AddEvent(res.EndedAt, collection.EventPublishFailed, err.Error())
		log.Error("collection publish failed", logx.Err(err))

		// Committed transactions are live and cannot be rolled back.
		open := maps.Clone(txs)
		for _, host := range res.Committed {
			delete(open, host)
		}
		remaining, rbErr := p.rollback(ctx, open)
		if len(res.Committed) > 0 {
			if remaining == nil {
				remaining = map[string]string{}
			}
			for _, host := range res.Committed {
				remaining[host] = txs[host]
			}
			rbErr = errors.Join(fmt.Errorf("%w: already committed on %s", content.ErrRollbackFailed, strings.Join(res.Committed, ", ")), rbErr)
		}
		c.Transactions = remaining
		if rbErr != nil {
			res.RollbackErr = rbErr
			res.State = StateFailedUnrolled
			c.AddEvent(p.now(), collection.EventRollbackFailed, rbErr.Error())
			log.Error("transaction rollback failed; manual intervention required",
				logx.Any("open_transactions", remaining), logx.Any("committed", res.Committed), logx.Err(rbErr))
			p.alert(ctx, "rollback:"+c.ID, "ROLLBACK FAILED",
				fmt.Sprintf("collection %s (%q) failed to publish and could not be fully rolled back; transactions %v need manual cleanup (committed on %v): %v",
					c.ID, c.Name, remaining, res.Committed, rbErr))
		} else {
			res.RolledBack = len(txs) > 0
			res.State = StateFailedRolledBack
		}
	}
	p.setState(c.ID, res.State)

	var perr error
	if err := p.Store.Save(ctx, c); err != nil {
		perr = &PersistenceError{CollectionID: c.ID, Err: err}
		log.Error("publish attempt not persisted", logx.Err(err))
		p.alert(ctx, "persist:"+c.ID, "Publish record lost",
			fmt.Sprintf("collection %s (%q): the publish attempt (success=%t) could not be saved: %v", c.ID, c.Name, res.Success, err))
	}

	if !res.Success {
		p.alert(ctx, "publish-failed:"+c.ID, "Collection publish failed",
			fmt.Sprintf("collection %s (%q) failed to publish: %v", c.ID, c.Name, res.Err))
		if p.Bus != nil {
			p.Bus.Publish(eventbus.Event{Type: eventbus.CollectionFailed, Time: res.EndedAt, Data: res})
		}
	}
	return res, perr
}

// copy recovers a writer panic into an error so the opened transactions are
// still rolled back.
func (p *Publisher) copy(ctx context.Context, r content.Reader) (txs map[string]string, uris []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("copy panic: %v", rec)
		}
	}()
	return p.Writer.Copy(ctx, r)
}

// commit commits host by host in a stable order and stops at the first
// failure. It returns the hosts that did commit.
func (p *Publisher) commit(ctx context.Context, txs map[string]string) ([]string, error) {
	var committed []string
	for _, host := range slices.Sorted(maps.Keys(txs)) {
		if err := guard("commit", func() error { return p.Writer.Commit(ctx, host, txs[host]) }); err != nil {
			return committed, fmt.Errorf("commit on %s: %w", host, err)
		}
		committed = append(committed, host)
	}
	return committed, nil
}

// rollback issues a rollback for every opened transaction and returns the
// ones that could not be rolled back. Every error wraps
// content.ErrRollbackFailed.
func (p *Publisher) rollback(ctx context.Context, txs map[string]string) (map[string]string, error) {
	if len(txs) == 0 {
		return nil, nil
	}
	var (
		remaining map[string]string
		errs      []error
	)
	for _, host := range slices.Sorted(maps.Keys(txs)) {
		tx := txs[host]
		err := guard("rollback", func() error { return p.Writer.Rollback(ctx, host, tx) })
		if err == nil {
			continue
		}
		if !errors.Is(err, content.ErrRollbackFailed) {
			err = fmt.Errorf("%w: %s on %s: %w", content.ErrRollbackFailed, tx, host, err)
		}
		p.Log.Warn("rollback failed", logx.Host(host), logx.String("tx", tx), logx.Err(err))
		if remaining == nil {
			remaining = map[string]string{}
		}
		remaining[host] = tx
		errs = append(errs, err)
	}
	return remaining, errors.Join(errs...)
}

// guard turns a writer panic into an error of the named step.
func guard(step string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panic: %v", step, rec)
		}
	}()
	return fn()
}

func (p *Publisher) setState(id string, s State) {
	if p.OnState != nil {
		p.OnState(id, s)
	}
}

func (p *Publisher) alert(ctx context.Context, key, subject, text string) {
	if p.Notifier != nil {
		p.Notifier.Alert(ctx, key, subject, text)
	}
}

func (p *Publisher) clock() clock.Clock {
	if p.Clock == nil {
		return clock.Real()
	}
	return p.Clock
}

func (p *Publisher) now() time.Time { return p.clock().Now() }

func countSuccess(rs []Result) int {
	n := 0
	for _, r := range rs {
		if r.Success {
			n++
		}
	}
	return n
}
