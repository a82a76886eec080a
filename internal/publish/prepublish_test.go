package publish

import (
	"context"
	"slices"
	"testing"

	"publisher/internal/content"
	"publisher/internal/keyring"
	"publisher/internal/storage"
	logx "publisher/pkg/logx"
)

func TestAssembleOrdersMembersWithoutTouchingInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	for _, id := range []string{"c", "a", "b"} {
		if err := store.Save(ctx, scheduled(id, t0)); err != nil {
			t.Fatalf("Save(%s) error = %v", id, err)
		}
	}
	pre := &PrePublisher{
		Store:     store,
		Keys:      keyring.NewMemory(),
		Workspace: content.Workspace{Dir: t.TempDir()},
		Log:       logx.Nop(),
	}

	ids := []string{"c", "a", "b"}
	cohort, err := pre.Assemble(ctx, t0.UnixMilli(), ids)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if want := []string{"c", "a", "b"}; !slices.Equal(ids, want) {
		t.Fatalf("ids after Assemble = %v, want %v unchanged", ids, want)
	}
	if got, want := cohort.IDs(), []string{"a", "b", "c"}; !slices.Equal(got, want) {
		t.Fatalf("cohort IDs = %v, want %v", got, want)
	}
}
