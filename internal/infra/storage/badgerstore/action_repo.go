package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/infra/storage"
)

const (
	actionPrefix = "action\x00"
	userPrefix   = "user\x00"
)

// ActionRepo implements storage.ActionRepository on BadgerDB.
//
// Each action is stored as JSON under action/<id>; a value-less index key
// user/<user>/<created_at>/<id> keeps per-user listing ordered by creation time.
type ActionRepo struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

var _ storage.ActionRepository = (*ActionRepo)(nil)

// NewActionRepo opens the database and starts value log GC when configured.
func NewActionRepo(cfg Config, logger *slog.Logger) (*ActionRepo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	r := &ActionRepo{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go r.gcLoop()
	} else {
		close(r.gcDone)
	}
	return r, nil
}

func (r *ActionRepo) gcLoop() {
	defer close(r.gcDone)
	ticker := time.NewTicker(r.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopGC:
			return
		case <-ticker.C:
			runGC(r.db, r.cfg.GCDiscardRatio, r.logger)
		}
	}
}

// Key helpers
func actionKey(id string) []byte {
	return []byte(actionPrefix + id)
}

func userIndexPrefix(userID string) []byte {
	return []byte(userPrefix + userID + "\x00")
}

func userIndexKey(a *domain.QueuedAction) []byte {
	return fmt.Appendf(userIndexPrefix(a.UserID), "%020d\x00%s", a.CreatedAt.UnixNano(), a.ID)
}

func (r *ActionRepo) Init(ctx context.Context) error {
	return nil
}

// Enqueue stores a new action.
func (r *ActionRepo) Enqueue(ctx context.Context, action *domain.QueuedAction) (string, error) {
	if err := storage.PrepareForEnqueue(action, r.now()); err != nil {
		return "", err
	}
	data, err := json.Marshal(action)
	if err != nil {
		return "", fmt.Errorf("failed to marshal action: %w", err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(actionKey(action.ID)); err == nil {
			return storage.ErrDuplicateAction
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(actionKey(action.ID), data); err != nil {
			return err
		}
		return txn.Set(userIndexKey(action), nil)
	})
	if errors.Is(err, storage.ErrDuplicateAction) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue action: %w", err)
	}
	return action.ID, nil
}

// Get retrieves an action by id.
func (r *ActionRepo) Get(ctx context.Context, id string) (*domain.QueuedAction, error) {
	var a *domain.QueuedAction
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		a, err = getAction(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func getAction(txn *badger.Txn, id string) (*domain.QueuedAction, error) {
	item, err := txn.Get(actionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	var a domain.QueuedAction
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &a)
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action: %w", err)
	}
	return &a, nil
}

// ListAll returns every action of a user ordered by creation time.
func (r *ActionRepo) ListAll(ctx context.Context, userID string) ([]*domain.QueuedAction, error) {
	var out []*domain.QueuedAction
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := userIndexPrefix(userID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			sep := bytes.LastIndexByte(key, 0)
			id := string(key[sep+1:])
			a, err := getAction(txn, id)
			if errors.Is(err, storage.ErrActionNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	return out, nil
}

// ListActive returns the actions of a user that are not synced.
func (r *ActionRepo) ListActive(ctx context.Context, userID string) ([]*domain.QueuedAction, error) {
	all, err := r.ListAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	return storage.FilterActive(all), nil
}

// Update applies a partial update.
func (r *ActionRepo) Update(ctx context.Context, id string, patch domain.ActionPatch) error {
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = r.now()
	}
	return r.db.Update(func(txn *badger.Txn) error {
		a, err := getAction(txn, id)
		if err != nil {
			return err
		}
		patch.Apply(a)
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal action: %w", err)
		}
		return txn.Set(actionKey(id), data)
	})
}

// Count returns the number of unsynced actions of a user.
func (r *ActionRepo) Count(ctx context.Context, userID string) (int, error) {
	active, err := r.ListActive(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

// Discard removes an action and its index entry.
func (r *ActionRepo) Discard(ctx context.Context, id string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		a, err := getAction(txn, id)
		if errors.Is(err, storage.ErrActionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return deleteAction(txn, a)
	})
	if err != nil {
		return fmt.Errorf("failed to discard action: %w", err)
	}
	return nil
}

func deleteAction(txn *badger.Txn, a *domain.QueuedAction) error {
	if err := txn.Delete(actionKey(a.ID)); err != nil {
		return err
	}
	return txn.Delete(userIndexKey(a))
}

// DeleteSyncedOlderThan removes synced receipts last touched before threshold.
func (r *ActionRepo) DeleteSyncedOlderThan(ctx context.Context, threshold time.Time) (int, error) {
	var stale []*domain.QueuedAction
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(actionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var a domain.QueuedAction
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			}); err != nil {
				return err
			}
			if a.Status == domain.ActionStatusSynced && a.UpdatedAt.Before(threshold) {
				stale = append(stale, &a)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan synced actions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		for _, a := range stale {
			if err := deleteAction(txn, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete synced actions: %w", err)
	}
	return len(stale), nil
}

// Close stops GC and closes the database.
func (r *ActionRepo) Close() error {
	r.once.Do(func() { close(r.stopGC) })
	<-r.gcDone
	return r.db.Close()
}
