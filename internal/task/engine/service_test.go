package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"publisher/internal/eventbus"
	logx "publisher/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestDefaultsApplyWorkerWidth(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	if got := s.Snapshot().Workers; got != DefaultWorkers {
		t.Fatalf("Workers = %d, want %d", got, DefaultWorkers)
	}
}

func TestFailingTaskDoesNotBlockQueue(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 8})

	var wg sync.WaitGroup
	wg.Add(2)
	if err := s.Enqueue(Task{Name: "panics", Run: func(ctx context.Context) error {
		defer wg.Done()
		panic("boom")
	}}); err != nil {
		t.Fatalf("Enqueue(panics) error: %v", err)
	}
	if err := s.Enqueue(Task{Name: "fails", Run: func(ctx context.Context) error {
		defer wg.Done()
		return errors.New("nope")
	}}); err != nil {
		t.Fatalf("Enqueue(fails) error: %v", err)
	}
	ran := make(chan struct{})
	if err := s.Enqueue(Task{Name: "ok", Run: func(ctx context.Context) error {
		close(ran)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue(ok) error: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task queued behind failures never ran")
	}
	wg.Wait()
}

func TestEnqueueRejectsWhenStoppedOrDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("Enqueue() error = %v, want ErrDisabled", err)
	}

	s2 := New(Config{Enabled: true}, logx.Nop(), nil)
	err = s2.Enqueue(Task{Name: "x", Run: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue() before Start error = %v, want ErrStopped", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	_ = s.Enqueue(Task{Name: "fills", Run: func(ctx context.Context) error { return nil }})
	err := s.Enqueue(Task{Name: "overflow", Run: func(ctx context.Context) error { return nil }})
	close(block)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue() error = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().Dropped; got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
}

func TestHistoryRecordsErrors(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2, HistorySize: 2})
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		_ = s.Enqueue(Task{Name: "job", Run: func(ctx context.Context) error {
			defer func() { done <- struct{}{} }()
			return errors.New("bad")
		}})
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h := s.Snapshot().History
		if len(h) == 2 {
			if h[0].Error != "bad" {
				t.Fatalf("History[0].Error = %q, want bad", h[0].Error)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("History len = %d, want 2", len(s.Snapshot().History))
}

func TestEnqueueAssignsID(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	done := make(chan struct{})
	if err := s.Enqueue(Task{Name: " publish ", Fields: []logx.Field{logx.Cohort(1)}, Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	<-done
	deadline := time.Now().Add(time.Second)
	for len(s.Snapshot().History) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h := s.Snapshot().History
	if len(h) != 1 || h[0].Name != "publish" || len(h[0].ID) != 36 {
		t.Fatalf("History = %+v, want one trimmed task with a UUID", h)
	}
}

func TestStopRejectsNewTasks(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	err := s.Enqueue(Task{Name: "late", Run: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue() after Stop error = %v, want ErrStopped", err)
	}
	s.Stop(ctx)
}
