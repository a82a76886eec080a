package publish

import (
	"context"
	"testing"
	"time"

	"publisher/internal/clock"
	"publisher/internal/collection"
	"publisher/internal/task/scheduler"
	logx "publisher/pkg/logx"
)

func newTestSchedules(t *testing.T, enabled bool) (*Schedules, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	svc := scheduler.New(scheduler.Config{Enabled: enabled}, nil, clk, logx.Nop(), nil)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return NewSchedules(svc, logx.Nop()), clk
}

func noopRunner(context.Context, Task) error { return nil }

func TestScheduleRefusesManualCollections(t *testing.T) {
	t.Parallel()
	s, clk := newTestSchedules(t, true)

	c := scheduled("m1", t0.Add(time.Hour))
	c.Kind = collection.KindManual
	if s.Schedule(c, Task{Kind: TaskPrePublish, At: c.PublishDate}, noopRunner) {
		t.Fatalf("Schedule(manual) = true, want false")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
	if clk.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", clk.Pending())
	}
}

func TestScheduleSupersedesPriorHandle(t *testing.T) {
	t.Parallel()
	s, clk := newTestSchedules(t, true)
	c := scheduled("c1", t0.Add(time.Hour))

	if !s.Schedule(c, Task{Kind: TaskPrePublish, At: c.PublishDate}, noopRunner) {
		t.Fatalf("first Schedule() = false")
	}
	first, _ := s.Armed("c1")

	c.PublishDate = t0.Add(2 * time.Hour)
	if !s.Schedule(c, Task{Kind: TaskPrePublish, At: c.PublishDate}, noopRunner) {
		t.Fatalf("second Schedule() = false")
	}
	second, ok := s.Armed("c1")
	if !ok || second == first {
		t.Fatalf("Armed(c1) did not change after reschedule")
	}
	if first.State() != scheduler.StateCancelled {
		t.Fatalf("first handle state = %v, want cancelled", first.State())
	}
	if second.State() != scheduler.StateArmed {
		t.Fatalf("second handle state = %v, want armed", second.State())
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	if clk.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", clk.Pending())
	}
}

func TestCancelUnscheduledIsNoop(t *testing.T) {
	t.Parallel()
	s, _ := newTestSchedules(t, true)
	s.Cancel(scheduled("never", t0))
	s.Cancel(collection.Collection{})
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestCancelDisarms(t *testing.T) {
	t.Parallel()
	s, clk := newTestSchedules(t, true)
	c := scheduled("c1", t0.Add(time.Minute))
	s.Schedule(c, Task{Kind: TaskPrePublish, At: c.PublishDate}, noopRunner)
	h, _ := s.Armed("c1")

	s.Cancel(c)
	if h.State() != scheduler.StateCancelled {
		t.Fatalf("state = %v, want cancelled", h.State())
	}
	if _, ok := s.Armed("c1"); ok {
		t.Fatalf("Armed(c1) still present after Cancel")
	}
	if clk.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", clk.Pending())
	}
}

func TestScheduleKillSwitch(t *testing.T) {
	t.Parallel()
	s, _ := newTestSchedules(t, false)
	c := scheduled("c1", t0.Add(time.Minute))
	if s.Schedule(c, Task{Kind: TaskPrePublish, At: c.PublishDate}, noopRunner) {
		t.Fatalf("Schedule() with scheduling disabled = true, want false")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}
