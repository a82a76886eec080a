package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: CollectionPublished, Data: "c1"})

	for i, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != CollectionPublished {
				t.Fatalf("sub %d: Type = %q, want %q", i, e.Type, CollectionPublished)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d: Time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"})
	if got := (<-ch).Type; got != "one" {
		t.Fatalf("first event = %q, want one", got)
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "after"})
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
}

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, "cohort.", TaskFailed)
	defer unsub()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: CohortArmed})
	b.Publish(Event{Type: TaskFailed})
	b.Publish(Event{Type: CollectionPublished})

	var got []string
	for len(got) < 2 {
		select {
		case e := <-ch:
			got = append(got, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("got %v, want 2 events", got)
		}
	}
	if got[0] != CohortArmed || got[1] != TaskFailed {
		t.Fatalf("got %v, want [%s %s]", got, CohortArmed, TaskFailed)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
}
