package publish

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"publisher/internal/clock"
	"publisher/internal/collection"
	"publisher/internal/content"
	"publisher/internal/eventbus"
	logx "publisher/pkg/logx"
)

// PostPublisher runs once per cohort, after every member returned. Its side
// effects never undo a publish.
type PostPublisher struct {
	Notifier    Notifier
	Verifier    content.Verifier // optional
	Invalidator Invalidator      // optional
	// Store records verification mismatches on the collection. Optional.
	Store collection.Store
	Bus   eventbus.Bus
	Clock clock.Clock
	Log   logx.Logger

	Parallelism int
	OnState     func(id string, s State)
}

// Run announces and checks every successful result. results must follow the
// order of c.Tasks.
func (p *PostPublisher) Run(ctx context.Context, c *Cohort, results []Result) {
	for i, r := range results {
		if r.Abandoned {
			continue
		}
		if !r.Success {
			p.setState(r.CollectionID, StateDone)
			continue
		}
		p.setState(r.CollectionID, StatePostPublishing)
		log := p.Log.With(logx.Collection(r.CollectionID), logx.Cohort(c.Key))

		if p.Bus != nil {
			p.Bus.Publish(eventbus.Event{Type: eventbus.CollectionPublished, Time: p.now(), Data: r})
		}
		if p.Notifier != nil {
			p.Notifier.Published(ctx, r.CollectionID, r.Name, r.URIs)
		}

		if p.Verifier != nil && i < len(c.Tasks) {
			if mismatches := p.verify(ctx, c.Tasks[i].Reader, r); len(mismatches) > 0 {
				p.reportMismatch(ctx, log, r, mismatches)
			}
		}
		if p.Invalidator != nil && len(r.URIs) > 0 {
			if err := p.Invalidator.Invalidate(ctx, r.URIs); err != nil {
				log.Warn("cache invalidation failed", logx.Err(err))
				p.alert(ctx, "invalidate:"+r.CollectionID, "Cache invalidation failed",
					fmt.Sprintf("collection %s (%q) is published but cached copies may be stale: %v", r.CollectionID, r.Name, err))
			}
		}
		p.setState(r.CollectionID, StateDone)
	}
}

// verify compares the workspace plaintext of every published uri with the
// bytes each host holds for it. It returns one error per mismatch or
// unreadable location.
func (p *PostPublisher) verify(ctx context.Context, rd content.Reader, r Result) []error {
	if rd == nil || len(r.Transactions) == 0 {
		return nil
	}
	limit := p.Parallelism
	if limit <= 0 {
		limit = 4
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	hosts := slices.Sorted(maps.Keys(r.Transactions))
	for _, uri := range r.URIs {
		g.Go(func() error {
			rel := strings.TrimPrefix(uri, rd.CollectionID()+"/")
			b, err := rd.Read(gctx, rel)
			if err != nil {
				fail(fmt.Errorf("read workspace %s: %w", rel, err))
				return nil
			}
			want := content.HashBytes(b)
			for _, host := range hosts {
				got, err := p.Verifier.Hash(gctx, host, r.Transactions[host], uri)
				if err != nil {
					fail(fmt.Errorf("hash %s on %s: %w", uri, host, err))
					continue
				}
				if got != want {
					fail(fmt.Errorf("%w: %s on %s", ErrVerificationMismatch, uri, host))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (p *PostPublisher) reportMismatch(ctx context.Context, log logx.Logger, r Result, errs []error) {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	slices.Sort(msgs)
	log.Error("post-publish verification failed", logx.Strings("problems", msgs))
	p.alert(ctx, "verify:"+r.CollectionID, "Published content does not verify",
		fmt.Sprintf("collection %s (%q) was published but %d location(s) failed verification:\n%s",
			r.CollectionID, r.Name, len(msgs), strings.Join(msgs, "\n")))

	if p.Store == nil {
		return
	}
	c, err := p.Store.Load(ctx, r.CollectionID)
	if err != nil {
		log.Warn("record verification result failed", logx.Err(err))
		return
	}
	c.AddEvent(p.now(), collection.EventVerifyMismatch, strings.Join(msgs, "; "))
	if err := p.Store.Save(ctx, c); err != nil {
		log.Warn("record verification result failed", logx.Err(err))
	}
}

func (p *PostPublisher) setState(id string, s State) {
	if p.OnState != nil {
		p.OnState(id, s)
	}
}

func (p *PostPublisher) alert(ctx context.Context, key, subject, text string) {
	if p.Notifier != nil {
		p.Notifier.Alert(ctx, key, subject, text)
	}
}

func (p *PostPublisher) now() time.Time {
	if p.Clock == nil {
		return time.Now()
	}
	return p.Clock.Now()
}
