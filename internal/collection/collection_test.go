package collection

import (
	"errors"
	"testing"
	"time"
)

func TestScheduled(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		c    Collection
		want bool
	}{
		{name: "scheduled with date", c: Collection{Kind: KindScheduled, PublishDate: at}, want: true},
		{name: "scheduled without date", c: Collection{Kind: KindScheduled}},
		{name: "manual with date", c: Collection{Kind: KindManual, PublishDate: at}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.c.Scheduled(); got != tt.want {
				t.Fatalf("Scheduled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPublishKeyTruncatesToMillisecond(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := Collection{PublishDate: at.Add(100 * time.Microsecond)}
	b := Collection{PublishDate: at.Add(900 * time.Microsecond)}
	c := Collection{PublishDate: at.Add(time.Millisecond)}
	if a.PublishKey() != b.PublishKey() {
		t.Fatalf("PublishKey() differs within one millisecond: %d vs %d", a.PublishKey(), b.PublishKey())
	}
	if a.PublishKey() == c.PublishKey() {
		t.Fatalf("PublishKey() = %d for instants 1ms apart", a.PublishKey())
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	orig := Collection{
		ID:           "c1",
		Transactions: map[string]string{"primary": "tx1"},
		Files:        []string{"a.html"},
	}
	orig.AddEvent(time.Now(), EventPublishStarted, "")

	cp := orig.Clone()
	cp.Transactions["primary"] = "tx2"
	cp.Files[0] = "b.html"
	cp.AddEvent(time.Now(), EventPublished, "")
	cp.Events[0].Type = "changed"

	if orig.Transactions["primary"] != "tx1" || orig.Files[0] != "a.html" {
		t.Fatalf("Clone shares maps or slices: %+v", orig)
	}
	if len(orig.Events) != 1 || orig.Events[0].Type != EventPublishStarted {
		t.Fatalf("Clone shares events: %+v", orig.Events)
	}
}

func TestValidID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id      string
		wantErr bool
	}{
		{id: "c1"},
		{id: " ", wantErr: true},
		{id: "a/b", wantErr: true},
		{id: `a\b`, wantErr: true},
		{id: "..", wantErr: true},
	}
	for _, tt := range tests {
		err := ValidID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ValidID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
	if !errors.Is(ValidID(""), ErrInvalidID) {
		t.Fatalf("ValidID(\"\") is not ErrInvalidID")
	}
}
