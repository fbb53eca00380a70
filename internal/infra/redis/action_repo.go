package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/infra/storage"
)

const defaultKeyPrefix = "lifeline"

// ActionRepo implements storage.ActionRepository using Redis.
//
// Each action is a JSON blob; a per-user sorted set indexes the actions.
// All members share score 0 and are named "<created_at nanos>:<id>", so the
// lexicographic order Redis keeps for equal scores is creation order.
type ActionRepo struct {
	client *Client
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

var _ storage.ActionRepository = (*ActionRepo)(nil)

// NewActionRepo creates a new Redis-backed action repository. An empty
// prefix falls back to the client's namespace.
func NewActionRepo(client *Client, prefix string) *ActionRepo {
	if prefix == "" {
		prefix = client.Prefix()
	}
	return &ActionRepo{
		client: client,
		rdb:    client.rdb,
		prefix: prefix,
		now:    time.Now,
	}
}

// Key helpers
func (r *ActionRepo) actionKey(id string) string {
	return fmt.Sprintf("%s:action:%s", r.prefix, id)
}

func (r *ActionRepo) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", r.prefix, userID)
}

func indexMember(a *domain.QueuedAction) string {
	return fmt.Sprintf("%020d:%s", a.CreatedAt.UnixNano(), a.ID)
}

func memberID(member string) string {
	_, id, _ := strings.Cut(member, ":")
	return id
}

// Init checks the connection. Redis needs no schema.
func (r *ActionRepo) Init(ctx context.Context) error {
	return r.client.Health(ctx)
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

	ok, err := r.rdb.SetNX(ctx, r.actionKey(action.ID), data, 0).Result()
	if err != nil {
		return "", fmt.Errorf("failed to set action: %w", err)
	}
	if !ok {
		return "", storage.ErrDuplicateAction
	}

	if err := r.rdb.ZAdd(ctx, r.userKey(action.UserID), redis.Z{
		Score:  0,
		Member: indexMember(action),
	}).Err(); err != nil {
		r.rdb.Del(ctx, r.actionKey(action.ID))
		return "", fmt.Errorf("failed to add to index: %w", err)
	}
	return action.ID, nil
}

// Get retrieves an action by id.
func (r *ActionRepo) Get(ctx context.Context, id string) (*domain.QueuedAction, error) {
	data, err := r.rdb.Get(ctx, r.actionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	var a domain.QueuedAction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action: %w", err)
	}
	return &a, nil
}

// ListAll returns every action of a user ordered by creation time.
func (r *ActionRepo) ListAll(ctx context.Context, userID string) ([]*domain.QueuedAction, error) {
	members, err := r.rdb.ZRange(ctx, r.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = r.actionKey(memberID(m))
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget failed: %w", err)
	}

	out := make([]*domain.QueuedAction, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Blob gone but index entry left behind, drop it
			r.rdb.ZRem(ctx, r.userKey(userID), members[i])
			continue
		}
		var a domain.QueuedAction
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action: %w", err)
		}
		out = append(out, &a)
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

// Update applies a partial update with optimistic locking on the action key.
func (r *ActionRepo) Update(ctx context.Context, id string, patch domain.ActionPatch) error {
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = r.now()
	}
	key := r.actionKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return storage.ErrActionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get action: %w", err)
		}
		var a domain.QueuedAction
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("failed to unmarshal action: %w", err)
		}
		patch.Apply(&a)
		newData, err := json.Marshal(&a)
		if err != nil {
			return fmt.Errorf("failed to marshal action: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, 0)
			return nil
		})
		return err
	}

	for range 3 {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update action %s: concurrent modification", id)
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
	a, err := r.Get(ctx, id)
	if errors.Is(err, storage.ErrActionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.remove(ctx, a)
}

func (r *ActionRepo) remove(ctx context.Context, a *domain.QueuedAction) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.userKey(a.UserID), indexMember(a))
		pipe.Del(ctx, r.actionKey(a.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete action: %w", err)
	}
	return nil
}

// DeleteSyncedOlderThan removes synced receipts last touched before threshold.
func (r *ActionRepo) DeleteSyncedOlderThan(ctx context.Context, threshold time.Time) (int, error) {
	n := 0
	iter := r.rdb.Scan(ctx, 0, r.actionKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("failed to get action: %w", err)
		}
		var a domain.QueuedAction
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		if a.Status != domain.ActionStatusSynced || !a.UpdatedAt.Before(threshold) {
			continue
		}
		if err := r.remove(ctx, &a); err != nil {
			return n, err
		}
		n++
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("scan failed: %w", err)
	}
	return n, nil
}

// Close closes the underlying client.
func (r *ActionRepo) Close() error {
	return r.client.Close()
}
