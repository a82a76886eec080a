package publish

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"publisher/internal/clock"
	"publisher/internal/collection"
	"publisher/internal/eventbus"
	"publisher/internal/keyring"
	logx "publisher/pkg/logx"
)

// PrePublisher assembles the cohort for one publish instant.
type PrePublisher struct {
	Store     collection.Store
	Keys      KeyCache
	Workspace Workspace
	Notifier  Notifier
	Bus       eventbus.Bus
	Clock     clock.Clock
	Log       logx.Logger
}

// Assemble loads every collection in ids fresh from the store and keeps those
// still scheduled for key. Unapproved members are demoted to manual and
// persisted; members whose key is missing are left out. The returned cohort
// may be empty.
func (p *PrePublisher) Assemble(ctx context.Context, key int64, ids []string) (*Cohort, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := p.Log.With(logx.Cohort(key))
	cohort := &Cohort{Key: key, At: time.UnixMilli(key)}

	for _, id := range slices.Sorted(slices.Values(ids)) {
		c, err := p.Store.Load(ctx, id)
		if errors.Is(err, collection.ErrNotFound) {
			log.Info("collection gone before pre-publish", logx.Collection(id))
			continue
		}
		if err != nil {
			log.Error("load collection failed", logx.Collection(id), logx.Err(err))
			p.alert(ctx, "load:"+id, "Collection not published",
				fmt.Sprintf("collection %s could not be loaded before publishing: %v", id, err))
			continue
		}
		if !c.Scheduled() || c.Published || c.PublishKey() != key {
			log.Debug("collection no longer in cohort", logx.Collection(id))
			continue
		}

		if !c.Approved() {
			p.demote(ctx, log, c)
			continue
		}

		var k []byte
		if c.Encrypted {
			ck, err := p.Keys.Get(ctx, c.ID)
			if err != nil {
				p.keyMissing(ctx, log, c, err)
				continue
			}
			k = ck
		}
		cohort.Tasks = append(cohort.Tasks, PublishTask{
			Collection: c,
			Reader:     p.Workspace.Reader(c.ID, c.Files, k),
		})
	}
	log.Info("cohort assembled", logx.Int("candidates", len(ids)), logx.Int("members", len(cohort.Tasks)))
	return cohort, nil
}

func (p *PrePublisher) demote(ctx context.Context, log logx.Logger, c collection.Collection) {
	c.Kind = collection.KindManual
	c.AddEvent(p.now(), collection.EventDemoted, ErrApprovalMissing.Error())
	if err := p.Store.Save(ctx, c); err != nil {
		log.Error("persist demotion failed", logx.Collection(c.ID), logx.Err(err))
		p.alert(ctx, "demote:"+c.ID, "Collection demotion not saved",
			fmt.Sprintf("collection %s (%q) lacks approval and was excluded, but saving it as manual failed: %v", c.ID, c.Name, err))
		return
	}
	log.Warn("collection demoted to manual", logx.Collection(c.ID), logx.Err(ErrApprovalMissing))
	p.publish(eventbus.CollectionDemoted, c.ID)
}

func (p *PrePublisher) keyMissing(ctx context.Context, log logx.Logger, c collection.Collection, err error) {
	if errors.Is(err, keyring.ErrNotFound) {
		log.Error("collection key missing; excluded from cohort", logx.Collection(c.ID))
	} else {
		log.Error("collection key lookup failed; excluded from cohort", logx.Collection(c.ID), logx.Err(err))
	}
	c.AddEvent(p.now(), collection.EventKeyMissing, err.Error())
	if serr := p.Store.Save(ctx, c); serr != nil {
		log.Warn("record key-missing event failed", logx.Collection(c.ID), logx.Err(serr))
	}
	p.alert(ctx, "key-missing:"+c.ID, "Collection not published",
		fmt.Sprintf("collection %s (%q) was not published at %s: no key available (%v)",
			c.ID, c.Name, c.PublishDate.UTC().Format(time.RFC3339), err))
	p.publish(eventbus.KeyMissing, c.ID)
}

func (p *PrePublisher) alert(ctx context.Context, key, subject, text string) {
	if p.Notifier != nil {
		p.Notifier.Alert(ctx, key, subject, text)
	}
}

func (p *PrePublisher) publish(typ, id string) {
	if p.Bus != nil {
		p.Bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: id})
	}
}

func (p *PrePublisher) now() time.Time {
	if p.Clock == nil {
		return time.Now()
	}
	return p.Clock.Now()
}
