package publish

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"publisher/internal/collection"
	"publisher/internal/content"
	"publisher/internal/eventbus"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu        sync.Mutex
	alerts    []string
	published []string
}

func (n *recordingNotifier) Alert(_ context.Context, key, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, key)
}

func (n *recordingNotifier) Published(_ context.Context, id, _ string, _ []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, id)
}

func (n *recordingNotifier) hasAlert(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Contains(n.alerts, key)
}

func (n *recordingNotifier) publishedIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.published)
}

// gatedWriter opens one transaction per host and waits on the gate of the
// collection before returning from Copy.
type gatedWriter struct {
	hosts []string

	mu          sync.Mutex
	gates       map[string]chan struct{}
	started     chan string
	copyErr     map[string]error
	openOnErr   bool
	rollbackErr map[string]error  // by host
	commitErr   map[string]error  // by host
	panicOn     map[string]string // host -> "commit" or "rollback"
	commits     []string
	rollbacks   []string
}

func newGatedWriter(hosts ...string) *gatedWriter {
	return &gatedWriter{
		hosts:       hosts,
		gates:       map[string]chan struct{}{},
		started:     make(chan string, 16),
		copyErr:     map[string]error{},
		rollbackErr: map[string]error{},
		commitErr:   map[string]error{},
		panicOn:     map[string]string{},
	}
}

func (w *gatedWriter) gate(id string) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.gates[id]
	if !ok {
		g = make(chan struct{})
		w.gates[id] = g
	}
	return g
}

func (w *gatedWriter) Copy(_ context.Context, r content.Reader) (map[string]string, []string, error) {
	id := r.CollectionID()
	w.started <- id
	w.mu.Lock()
	g := w.gates[id]
	err := w.copyErr[id]
	openOnErr := w.openOnErr
	w.mu.Unlock()
	if g != nil {
		<-g
	}
	txs := map[string]string{}
	for _, h := range w.hosts {
		txs[h] = id + "@" + h
	}
	if err != nil {
		if !openOnErr {
			return nil, nil, err
		}
		return txs, nil, err
	}
	return txs, []string{id + "/index.html"}, nil
}

func (w *gatedWriter) Commit(_ context.Context, host, tx string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.panicOn[host] == "commit" {
		panic("commit exploded on " + host)
	}
	if err := w.commitErr[host]; err != nil {
		return err
	}
	w.commits = append(w.commits, tx)
	return nil
}

func (w *gatedWriter) Rollback(_ context.Context, host, tx string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollbacks = append(w.rollbacks, tx)
	if w.panicOn[host] == "rollback" {
		panic("rollback exploded on " + host)
	}
	return w.rollbackErr[host]
}

func (w *gatedWriter) rollbackCalls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.rollbacks)
}

type staticReader struct{ id string }

func (r staticReader) CollectionID() string { return r.id }
func (r staticReader) Files(context.Context) ([]string, error) {
	return []string{"index.html"}, nil
}
func (r staticReader) Read(context.Context, string) ([]byte, error) {
	return []byte("<h1>" + r.id + "</h1>"), nil
}

// failingSaves wraps a store and fails Save for the listed ids.
type failingSaves struct {
	collection.Store
	ids map[string]bool
}

func (f failingSaves) Save(ctx context.Context, c collection.Collection) error {
	if f.ids[c.ID] {
		return fmt.Errorf("disk full")
	}
	return f.Store.Save(ctx, c)
}

func scheduled(id string, at time.Time) collection.Collection {
	return collection.Collection{
		ID:          id,
		Name:        "Collection " + id,
		Kind:        collection.KindScheduled,
		PublishDate: at,
		Approval:    collection.ApprovalComplete,
	}
}

func cohortOf(ids ...string) *Cohort {
	c := &Cohort{Key: t0.UnixMilli(), At: t0}
	for _, id := range ids {
		c.Tasks = append(c.Tasks, PublishTask{Collection: scheduled(id, t0), Reader: staticReader{id: id}})
	}
	return c
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event %q", typ)
			return eventbus.Event{}
		}
	}
}

func waitStarted(t *testing.T, w *gatedWriter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-w.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d copies started", i, n)
		}
	}
}

var errCopy = errors.New("remote refused copy")
