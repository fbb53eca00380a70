// Package storagetest holds the behaviour every ActionRepository backend must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/infra/storage"
)

// Factory returns a fresh, empty repository for one subtest.
type Factory func(t *testing.T) storage.ActionRepository

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func action(user, entity string, kind domain.ActionKind, offset time.Duration) *domain.QueuedAction {
	return &domain.QueuedAction{
		UserID:     user,
		Kind:       kind,
		EntityType: domain.EntityTask,
		EntityID:   entity,
		Payload:    map[string]any{"task_text": "water plants", "xp_reward": float64(10)},
		CreatedAt:  base.Add(offset),
	}
}

func ptr[T any](v T) *T { return &v }

// Run exercises the repository contract against newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("EmptyBeforeAnyRecord", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		require.NoError(t, repo.Init(ctx))
		require.NoError(t, repo.Init(ctx))

		all, err := repo.ListAll(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, all)

		n, err := repo.Count(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("EnqueueFillsGeneratedFields", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		require.NoError(t, repo.Init(ctx))

		a := action("u1", "task-1", domain.ActionTaskCreate, 0)
		id, err := repo.Enqueue(ctx, a)
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		got, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionStatusPending, got.Status)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, domain.ActionTaskCreate, got.Kind)
		assert.Equal(t, "task-1", got.EntityID)
		assert.Equal(t, "water plants", got.Payload["task_text"])
		assert.True(t, got.CreatedAt.Equal(base), "created_at round trip: %s", got.CreatedAt)
	})

	t.Run("RejectsUnscopedAction", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		require.NoError(t, repo.Init(ctx))

		_, err := repo.Enqueue(ctx, action("", "task-1", domain.ActionTaskCreate, 0))
		assert.ErrorIs(t, err, storage.ErrMissingUser)
	})

	t.Run("RejectsDuplicateID", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		require.NoError(t, repo.Init(ctx))

		a := action("u1", "task-1", domain.ActionTaskCreate, 0)
		a.ID = "fixed-id"
		_, err := repo.Enqueue(ctx, a)
		require.NoError(t, err)

		b := action("u1", "task-1", domain.ActionTaskCreate, time.Millisecond)
		b.ID = "fixed-id"
		_, err = repo.Enqueue(ctx, b)
		assert.ErrorIs(t, err, storage.ErrDuplicateAction)
	})

	t.Run("ListOrderedByCreatedAt", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		require.NoError(t, repo.Init(ctx))

		third, _ := repo.Enqueue(ctx, action("u1", "task-1", domain.ActionTaskComplete, 3*time.Millisecond))
		first, _ := repo.Enqueue(ctx, action("u1", "task-1", domain.ActionTaskCreate, time.Millisecond))
		second, _ := repo.Enqueue(ctx, action("u1", "task-1", domain.ActionTaskUpdate, 2*time.Millisecond))
		_, _ = repo.Enqueue(ctx, action("u2", "task-9", domain.ActionTaskCreate, 0))

		all, err := repo.ListAll(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{first, second, third}, []string{all[0].ID, all[1].ID, all[2].ID})
	})

	t.Run("ListActiveExcludesSynced", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		require.NoError(t, repo.Init(ctx))

		done, _ := repo.Enqueue(ctx, action("u1", "task-1", domain.ActionTaskCreate, 0))
		failed, _ := repo.Enqueue(ctx, action("u1", "task-2", domain.ActionTaskCreate, time.Millisecond))
		pending, _ := repo.Enqueue(ctx, action("u1", "task-3", domain.ActionTaskCreate, 2*time.Millisecond))

		require.NoError(t, repo.Update(ctx, done, domain.ActionPatch{Status: ptr(domain.ActionStatusSynced)}))
		require.NoError(t, repo.Update(ctx, failed, domain.ActionPatch{
			Status:     ptr(domain.ActionStatusFailed),
			RetryCount: ptr(3),
			LastError:  ptr("boom"),
		}))

		active, err := repo.ListActive(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, failed, active[0].ID)
		assert.Equal(t, 3, active[0].RetryCount)
		assert.Equal(t, "boom", active[0].LastError)
		assert.Equal(t, pending, active[1].ID)

		n, err := repo.Count(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("UpdateIsPartial", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		require.NoError(t, repo.Init(ctx))

		id, _ := repo.Enqueue(ctx, action("u1", "task-1", domain.ActionTaskCreate, 0))
		require.NoError(t, repo.Update(ctx, id, domain.ActionPatch{LastError: ptr("timeout"), RetryCount: ptr(1)}))
		require.NoError(t, repo.Update(ctx, id, domain.ActionPatch{Status: ptr(domain.ActionStatusFailed)}))

		got, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionStatusFailed, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "timeout", got.LastError)
		assert.True(t, got.CreatedAt.Equal(base), "created_at must not change")
	})

	t.Run("UpdateUnknownID", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		require.NoError(t, repo.Init(ctx))

		err := repo.Update(ctx, "missing", domain.ActionPatch{Status: ptr(domain.ActionStatusSynced)})
		assert.ErrorIs(t, err, storage.ErrActionNotFound)
	})

	t.Run("DiscardIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		require.NoError(t, repo.Init(ctx))

		id, _ := repo.Enqueue(ctx, action("u1", "task-1", domain.ActionTaskCreate, 0))
		require.NoError(t, repo.Discard(ctx, id))
		require.NoError(t, repo.Discard(ctx, id))
		require.NoError(t, repo.Discard(ctx, "never-existed"))

		_, err := repo.Get(ctx, id)
		assert.ErrorIs(t, err, storage.ErrActionNotFound)
		all, err := repo.ListAll(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("DeleteSyncedOlderThan", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		require.NoError(t, repo.Init(ctx))

		old, _ := repo.Enqueue(ctx, action("u1", "task-1", domain.ActionTaskCreate, 0))
		fresh, _ := repo.Enqueue(ctx, action("u1", "task-2", domain.ActionTaskCreate, time.Millisecond))
		stillPending, _ := repo.Enqueue(ctx, action("u1", "task-3", domain.ActionTaskCreate, 2*time.Millisecond))

		require.NoError(t, repo.Update(ctx, old, domain.ActionPatch{
			Status:    ptr(domain.ActionStatusSynced),
			UpdatedAt: base.Add(time.Hour),
		}))
		require.NoError(t, repo.Update(ctx, fresh, domain.ActionPatch{
			Status:    ptr(domain.ActionStatusSynced),
			UpdatedAt: base.Add(3 * time.Hour),
		}))

		n, err := repo.DeleteSyncedOlderThan(ctx, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		all, err := repo.ListAll(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, fresh, all[0].ID)
		assert.Equal(t, stillPending, all[1].ID)
	})
}
