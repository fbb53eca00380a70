package worker

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/infra/storage/memory"
)

func TestPruner_RemovesOldSyncedReceipts(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewActionRepo(memory.NewMemoryStorage())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	add := func(id string, status domain.ActionStatus, updated time.Time) {
		t.Helper()
		_, err := repo.Enqueue(ctx, &domain.QueuedAction{
			ID:        id,
			UserID:    "u1",
			Kind:      domain.ActionTaskDelete,
			Status:    status,
			CreatedAt: updated,
			UpdatedAt: updated,
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	add("old-synced", domain.ActionStatusSynced, base.Add(-48*time.Hour))
	add("new-synced", domain.ActionStatusSynced, base.Add(-time.Hour))
	add("old-failed", domain.ActionStatusFailed, base.Add(-48*time.Hour))

	p := NewPruner(24*time.Hour, repo, nil)
	p.now = func() time.Time { return base }
	var notified int
	p.OnPrune(func(_ context.Context, n int) { notified = n })

	if removed := p.Prune(ctx); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if notified != 1 {
		t.Errorf("expected prune hook with 1, got %d", notified)
	}

	all, err := repo.ListAll(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(all))
	}
	for _, a := range all {
		if a.ID == "old-synced" {
			t.Error("old synced receipt should be gone")
		}
	}
}

func TestPruner_DisabledRetention(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPruner(0, memory.NewActionRepo(memory.NewMemoryStorage()), nil)
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return immediately when retention is disabled")
	}
}
