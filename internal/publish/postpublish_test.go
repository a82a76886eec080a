package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"publisher/internal/collection"
	"publisher/internal/content"
	"publisher/internal/storage"
	logx "publisher/pkg/logx"
)

type recordingInvalidator struct {
	uris []string
	err  error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, uris []string) error {
	r.uris = append(r.uris, uris...)
	return r.err
}

func publishToFS(t *testing.T, id string, body []byte) (*content.FS, string, *Cohort, []Result, *storage.Memory) {
	t.Helper()
	ctx := context.Background()
	ws := content.Workspace{Dir: t.TempDir()}
	if err := ws.Write(id, "index.html", body, nil); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	dir := t.TempDir()
	fs, err := content.NewFS(map[string]string{"primary": dir})
	if err != nil {
		t.Fatalf("NewFS() error = %v", err)
	}
	store := storage.NewMemory()
	c := scheduled(id, t0)
	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	cohort := &Cohort{Key: t0.UnixMilli(), At: t0, Tasks: []PublishTask{{Collection: c, Reader: ws.Reader(id, nil, nil)}}}
	pub := &Publisher{Store: store, Writer: fs, Log: logx.Nop()}
	res, err := pub.Run(ctx, cohort, time.Minute)
	if err != nil || !res[0].Success {
		t.Fatalf("Run() = %+v, %v; want success", res, err)
	}
	return fs, dir, cohort, res, store
}

func TestPostPublishVerifiesAndInvalidates(t *testing.T) {
	t.Parallel()
	fs, _, cohort, res, store := publishToFS(t, "v", []byte("same bytes"))
	n := &recordingNotifier{}
	inv := &recordingInvalidator{}
	post := &PostPublisher{Notifier: n, Verifier: fs, Invalidator: inv, Store: store, Log: logx.Nop()}

	post.Run(context.Background(), cohort, res)

	if ids := n.publishedIDs(); !slices.Equal(ids, []string{"v"}) {
		t.Fatalf("published = %v, want [v]", ids)
	}
	if len(n.alerts) != 0 {
		t.Fatalf("alerts = %v, want none", n.alerts)
	}
	if !slices.Equal(inv.uris, []string{"v/index.html"}) {
		t.Fatalf("invalidated = %v, want [v/index.html]", inv.uris)
	}
}

func TestPostPublishReportsMismatch(t *testing.T) {
	t.Parallel()
	fs, dir, cohort, res, store := publishToFS(t, "v", []byte("original"))
	if err := os.WriteFile(filepath.Join(dir, "v", "index.html"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	n := &recordingNotifier{}
	post := &PostPublisher{Notifier: n, Verifier: fs, Store: store, Log: logx.Nop()}

	post.Run(context.Background(), cohort, res)

	if !n.hasAlert("verify:v") {
		t.Fatalf("alerts = %v, want verify:v", n.alerts)
	}
	got, _ := store.Load(context.Background(), "v")
	if !got.Published {
		t.Fatalf("mismatch must not undo the publish")
	}
	if !hasEvent(got, collection.EventVerifyMismatch) {
		t.Fatalf("events = %+v, want %s", got.Events, collection.EventVerifyMismatch)
	}
}

func TestPostPublishSkipsFailures(t *testing.T) {
	t.Parallel()
	n := &recordingNotifier{}
	inv := &recordingInvalidator{err: errors.New("cdn down")}
	var states []State
	post := &PostPublisher{Notifier: n, Invalidator: inv, Log: logx.Nop(), OnState: func(_ string, s State) { states = append(states, s) }}

	results := []Result{
		{CollectionID: "ok", Success: true, URIs: []string{"ok/a"}},
		{CollectionID: "bad", Err: errCopy},
		{CollectionID: "slow", Err: ErrDeadlineExceeded, Abandoned: true},
	}
	post.Run(context.Background(), cohortOf("ok", "bad", "slow"), results)

	if ids := n.publishedIDs(); !slices.Equal(ids, []string{"ok"}) {
		t.Fatalf("published = %v, want [ok]", ids)
	}
	if !n.hasAlert("invalidate:ok") {
		t.Fatalf("alerts = %v, want invalidate:ok", n.alerts)
	}
	want := []State{StatePostPublishing, StateDone, StateDone}
	if !slices.Equal(states, want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
}
