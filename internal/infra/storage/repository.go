package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/lifeline/internal/core/domain"
)

var (
	// ErrActionNotFound is returned when an action doesn't exist
	ErrActionNotFound = errors.New("action not found")

	// ErrMissingUser is returned when an action is not scoped to a user
	ErrMissingUser = errors.New("action has no user")

	// ErrDuplicateAction is returned when an action id is already stored
	ErrDuplicateAction = errors.New("action already exists")
)

// ActionRepository is the durable store of queued actions.
// Implementations must tolerate queries before any record exists.
type ActionRepository interface {
	// Init performs idempotent setup (schema, indexes)
	Init(ctx context.Context) error

	// Enqueue stores a new action and returns its id
	Enqueue(ctx context.Context, action *domain.QueuedAction) (string, error)

	// Get retrieves an action by id
	Get(ctx context.Context, id string) (*domain.QueuedAction, error)

	// ListAll returns every action of a user ordered by creation time
	ListAll(ctx context.Context, userID string) ([]*domain.QueuedAction, error)

	// ListActive returns pending, syncing and failed actions of a user ordered by creation time
	ListActive(ctx context.Context, userID string) ([]*domain.QueuedAction, error)

	// Update applies a partial update to an action
	Update(ctx context.Context, id string, patch domain.ActionPatch) error

	// Count returns the number of actions of a user that are not yet synced
	Count(ctx context.Context, userID string) (int, error)

	// Discard hard-deletes an action; unknown ids are not an error
	Discard(ctx context.Context, id string) error

	// DeleteSyncedOlderThan removes synced receipts last updated before threshold
	DeleteSyncedOlderThan(ctx context.Context, threshold time.Time) (int, error)

	// Close releases the underlying resources
	Close() error
}

// PrepareForEnqueue validates a new action and fills its generated fields.
func PrepareForEnqueue(a *domain.QueuedAction, now time.Time) error {
	if a == nil {
		return fmt.Errorf("nil action")
	}
	if a.UserID == "" {
		return ErrMissingUser
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.ActionStatusPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	if a.Payload == nil {
		a.Payload = map[string]any{}
	}
	return nil
}

// SortByCreated orders actions by creation time, then id.
func SortByCreated(actions []*domain.QueuedAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].ID < actions[j].ID
		}
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
}

// FilterActive keeps the actions that still need to reach the remote.
func FilterActive(actions []*domain.QueuedAction) []*domain.QueuedAction {
	out := actions[:0:0]
	for _, a := range actions {
		if a.IsActive() {
			out = append(out, a)
		}
	}
	return out
}
