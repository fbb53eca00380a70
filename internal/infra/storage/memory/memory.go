package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/infra/storage"
)

// MemoryStorage keeps queued actions in process memory. Nothing survives a restart.
type MemoryStorage struct {
	actions map[string]*domain.QueuedAction
	byUser  map[string]map[string]struct{}
	now     func() time.Time
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		actions: make(map[string]*domain.QueuedAction),
		byUser:  make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// -----------------------------------------------------------------------------
// Action Repository
// -----------------------------------------------------------------------------

type ActionRepo struct {
	store *MemoryStorage
}

var _ storage.ActionRepository = (*ActionRepo)(nil)

func NewActionRepo(store *MemoryStorage) *ActionRepo {
	return &ActionRepo{store: store}
}

func (r *ActionRepo) Init(ctx context.Context) error {
	return nil
}

func (r *ActionRepo) Enqueue(ctx context.Context, action *domain.QueuedAction) (string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if err := storage.PrepareForEnqueue(action, r.store.now()); err != nil {
		return "", err
	}
	if _, exists := r.store.actions[action.ID]; exists {
		return "", storage.ErrDuplicateAction
	}
	r.store.actions[action.ID] = action.Clone()
	ids, ok := r.store.byUser[action.UserID]
	if !ok {
		ids = make(map[string]struct{})
		r.store.byUser[action.UserID] = ids
	}
	ids[action.ID] = struct{}{}
	return action.ID, nil
}

func (r *ActionRepo) Get(ctx context.Context, id string) (*domain.QueuedAction, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	a, ok := r.store.actions[id]
	if !ok {
		return nil, storage.ErrActionNotFound
	}
	return a.Clone(), nil
}

func (r *ActionRepo) ListAll(ctx context.Context, userID string) ([]*domain.QueuedAction, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	ids := r.store.byUser[userID]
	out := make([]*domain.QueuedAction, 0, len(ids))
	for id := range ids {
		out = append(out, r.store.actions[id].Clone())
	}
	storage.SortByCreated(out)
	return out, nil
}

func (r *ActionRepo) ListActive(ctx context.Context, userID string) ([]*domain.QueuedAction, error) {
	all, err := r.ListAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	return storage.FilterActive(all), nil
}

func (r *ActionRepo) Update(ctx context.Context, id string, patch domain.ActionPatch) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	a, ok := r.store.actions[id]
	if !ok {
		return storage.ErrActionNotFound
	}
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = r.store.now()
	}
	patch.Apply(a)
	return nil
}

func (r *ActionRepo) Count(ctx context.Context, userID string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for id := range r.store.byUser[userID] {
		if r.store.actions[id].IsActive() {
			n++
		}
	}
	return n, nil
}

func (r *ActionRepo) Discard(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.remove(id)
	return nil
}

func (r *ActionRepo) DeleteSyncedOlderThan(ctx context.Context, threshold time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	n := 0
	for id, a := range r.store.actions {
		if a.Status == domain.ActionStatusSynced && a.UpdatedAt.Before(threshold) {
			r.store.remove(id)
			n++
		}
	}
	return n, nil
}

func (r *ActionRepo) Close() error {
	return nil
}

// remove must be called with mu held.
func (s *MemoryStorage) remove(id string) {
	a, ok := s.actions[id]
	if !ok {
		return
	}
	delete(s.actions, id)
	if ids := s.byUser[a.UserID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byUser, a.UserID)
		}
	}
}
