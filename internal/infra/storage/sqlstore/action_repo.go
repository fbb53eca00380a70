package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/infra/storage"
)

const actionColumns = `id, user_id, action_kind, entity_type, entity_id, payload, status, retry_count, last_error, created_at, updated_at`

// ActionRepo implements storage.ActionRepository on SQL.
type ActionRepo struct {
	db  *DB
	now func() time.Time
}

var _ storage.ActionRepository = (*ActionRepo)(nil)

// NewActionRepo creates a new SQL action repository.
func NewActionRepo(db *DB) *ActionRepo {
	return &ActionRepo{db: db, now: time.Now}
}

type actionRow struct {
	ID         string `db:"id"`
	UserID     string `db:"user_id"`
	Kind       string `db:"action_kind"`
	EntityType string `db:"entity_type"`
	EntityID   string `db:"entity_id"`
	Payload    string `db:"payload"`
	Status     string `db:"status"`
	RetryCount int    `db:"retry_count"`
	LastError  string `db:"last_error"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r actionRow) toDomain() (*domain.QueuedAction, error) {
	a := &domain.QueuedAction{
		ID:         r.ID,
		UserID:     r.UserID,
		Kind:       domain.ActionKind(r.Kind),
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		Status:     domain.ActionStatus(r.Status),
		RetryCount: r.RetryCount,
		LastError:  r.LastError,
		CreatedAt:  time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:  time.Unix(0, r.UpdatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.Payload), &a.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload of %s: %w", r.ID, err)
	}
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Init applies the schema migrations.
func (r *ActionRepo) Init(ctx context.Context) error {
	return r.db.Migrate(ctx)
}

// Enqueue stores a new action.
func (r *ActionRepo) Enqueue(ctx context.Context, action *domain.QueuedAction) (string, error) {
	if err := storage.PrepareForEnqueue(action, r.now()); err != nil {
		return "", err
	}
	payload, err := json.Marshal(action.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := r.db.Rebind(`
		INSERT INTO queued_actions (` + actionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = r.db.ExecContext(
		ctx,
		query,
		action.ID,
		action.UserID,
		string(action.Kind),
		action.EntityType,
		action.EntityID,
		string(payload),
		string(action.Status),
		action.RetryCount,
		action.LastError,
		action.CreatedAt.UnixNano(),
		action.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", storage.ErrDuplicateAction
		}
		return "", fmt.Errorf("failed to enqueue action: %w", err)
	}
	return action.ID, nil
}

// Get retrieves an action by id.
func (r *ActionRepo) Get(ctx context.Context, id string) (*domain.QueuedAction, error) {
	query := r.db.Rebind(`SELECT ` + actionColumns + ` FROM queued_actions WHERE id = ?`)
	var row actionRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrActionNotFound
		}
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return row.toDomain()
}

func (r *ActionRepo) list(ctx context.Context, query string, args ...any) ([]*domain.QueuedAction, error) {
	var rows []actionRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	out := make([]*domain.QueuedAction, 0, len(rows))
	for _, row := range rows {
		a, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ListAll returns every action of a user ordered by creation time.
func (r *ActionRepo) ListAll(ctx context.Context, userID string) ([]*domain.QueuedAction, error) {
	return r.list(ctx, `
		SELECT `+actionColumns+`
		FROM queued_actions
		WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
	`, userID)
}

// ListActive returns the actions of a user that are not synced.
func (r *ActionRepo) ListActive(ctx context.Context, userID string) ([]*domain.QueuedAction, error) {
	return r.list(ctx, `
		SELECT `+actionColumns+`
		FROM queued_actions
		WHERE user_id = ? AND status <> ?
		ORDER BY created_at ASC, id ASC
	`, userID, string(domain.ActionStatusSynced))
}

// Update applies a partial update.
func (r *ActionRepo) Update(ctx context.Context, id string, patch domain.ActionPatch) error {
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = r.now()
	}

	sets := []string{"updated_at = ?"}
	args := []any{patch.UpdatedAt.UnixNano()}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *patch.RetryCount)
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *patch.LastError)
	}
	args = append(args, id)

	query := r.db.Rebind(`UPDATE queued_actions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	if n == 0 {
		return storage.ErrActionNotFound
	}
	return nil
}

// Count returns the number of unsynced actions of a user.
func (r *ActionRepo) Count(ctx context.Context, userID string) (int, error) {
	query := r.db.Rebind(`SELECT COUNT(*) FROM queued_actions WHERE user_id = ? AND status <> ?`)
	var n int
	if err := r.db.GetContext(ctx, &n, query, userID, string(domain.ActionStatusSynced)); err != nil {
		return 0, fmt.Errorf("failed to count actions: %w", err)
	}
	return n, nil
}

// Discard removes an action.
func (r *ActionRepo) Discard(ctx context.Context, id string) error {
	query := r.db.Rebind(`DELETE FROM queued_actions WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to discard action: %w", err)
	}
	return nil
}

// DeleteSyncedOlderThan removes synced receipts last touched before threshold.
func (r *ActionRepo) DeleteSyncedOlderThan(ctx context.Context, threshold time.Time) (int, error) {
	query := r.db.Rebind(`DELETE FROM queued_actions WHERE status = ? AND updated_at < ?`)
	res, err := r.db.ExecContext(ctx, query, string(domain.ActionStatusSynced), threshold.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete synced actions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete synced actions: %w", err)
	}
	return int(n), nil
}

// Close closes the database connection.
func (r *ActionRepo) Close() error {
	return r.db.Close()
}
