// Package executor turns one queued action into one remote write.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/core/failure"
)

var tracer = otel.Tracer("lifeline.executor")

// ErrUnknownActionKind is returned for a kind outside the dispatch table.
var ErrUnknownActionKind = errors.New("unknown action kind")

// Remote targets used by the handlers.
const (
	TasksTable             = "daily_tasks"
	MentorFeedbackFunction = "mentor-feedback"
	SupportReportFunction  = "submit-support-report"
)

// Remote is the backend API the handlers write to.
type Remote interface {
	// Insert creates a row; idempotencyKey lets the backend drop a replay
	Insert(ctx context.Context, table string, row map[string]any, idempotencyKey string) error

	// Update patches rows matching match and returns how many changed
	Update(ctx context.Context, table string, match map[string]string, fields map[string]any) (int, error)

	// Delete removes rows matching match and returns how many were removed
	Delete(ctx context.Context, table string, match map[string]string) (int, error)

	// Invoke calls a named remote function with a JSON body
	Invoke(ctx context.Context, function string, body any, out any) error
}

type handler func(ctx context.Context, userID string, action *domain.QueuedAction) error

// Executor dispatches queued actions by kind.
type Executor struct {
	remote   Remote
	schemas  *schemaSet
	handlers map[domain.ActionKind]handler
	logger   *slog.Logger
}

// New creates an executor writing to remote.
func New(remote Remote, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	e := &Executor{
		remote:  remote,
		schemas: schemas,
		logger:  logger.With("component", "executor"),
	}
	e.handlers = map[domain.ActionKind]handler{
		domain.ActionTaskCreate:     e.createTask,
		domain.ActionTaskUpdate:     e.updateTask,
		domain.ActionTaskDelete:     e.deleteTask,
		domain.ActionTaskComplete:   e.completeTask,
		domain.ActionMentorFeedback: e.invoke(MentorFeedbackFunction),
		domain.ActionSupportReport:  e.invoke(SupportReportFunction),
	}
	return e, nil
}

// Prepare normalizes and validates a payload before it is enqueued.
// The returned map is a copy; payload is not modified.
func (e *Executor) Prepare(kind domain.ActionKind, payload map[string]any) (map[string]any, error) {
	if _, ok := e.handlers[kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActionKind, kind)
	}
	out := stripTransient(payload)
	if err := e.schemas.validate(kind, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Execute performs exactly one remote write for action on behalf of userID.
func (e *Executor) Execute(ctx context.Context, userID string, action *domain.QueuedAction) error {
	h, ok := e.handlers[action.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActionKind, action.Kind)
	}
	if userID == "" || action.UserID != userID {
		return failure.Invalid("user_id", "action is not owned by the signed-in user")
	}

	ctx, span := tracer.Start(ctx, "executor.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("action.id", action.ID),
		attribute.String("action.kind", string(action.Kind)),
	)

	if err := e.schemas.validate(action.Kind, action.Payload); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := h(ctx, userID, action); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// createTask inserts a task, coalescing optional fields to safe defaults.
// A 409 means an earlier attempt already landed.
func (e *Executor) createTask(ctx context.Context, userID string, action *domain.QueuedAction) error {
	p := action.Payload
	key := stringField(p, "idempotency_key")
	if key == "" {
		key = action.ID
	}

	row := map[string]any{
		"task_text":          p["task_text"],
		"difficulty":         orDefault(p, "difficulty", "medium"),
		"xp_reward":          orDefault(p, "xp_reward", 0),
		"task_date":          orDefault(p, "task_date", nil),
		"scheduled_time":     orDefault(p, "scheduled_time", nil),
		"estimated_duration": orDefault(p, "estimated_duration", nil),
		"category":           orDefault(p, "category", nil),
		"notes":              orDefault(p, "notes", nil),
		"priority":           orDefault(p, "priority", nil),
		"energy_level":       orDefault(p, "energy_level", nil),
		"is_main_quest":      orDefault(p, "is_main_quest", false),
		"is_recurring":       orDefault(p, "is_recurring", false),
		"recurrence_pattern": orDefault(p, "recurrence_pattern", "none"),
		"idempotency_key":    key,
		"user_id":            userID,
	}
	if id := targetID(p); id != "" {
		row["id"] = id
	}

	err := e.remote.Insert(ctx, TasksTable, row, key)
	if failure.Status(err) == http.StatusConflict {
		e.logger.Debug("Task already created", "action", action.ID)
		return nil
	}
	return err
}

// updateTask sends a partial update. Nothing left to send is a success.
func (e *Executor) updateTask(ctx context.Context, userID string, action *domain.QueuedAction) error {
	id := targetID(action.Payload)
	fields := updateFields(action.Payload)
	if len(fields) == 0 {
		e.logger.Debug("Skipping empty task update", "action", action.ID)
		return nil
	}
	_, err := e.remote.Update(ctx, TasksTable, scope(id, userID), fields)
	return err
}

// deleteTask removes a task. Already deleted is a success.
func (e *Executor) deleteTask(ctx context.Context, userID string, action *domain.QueuedAction) error {
	_, err := e.remote.Delete(ctx, TasksTable, scope(targetID(action.Payload), userID))
	if failure.Status(err) == http.StatusNotFound {
		return nil
	}
	return err
}

// completeTask marks a task completed. Already completed or deleted is a success.
func (e *Executor) completeTask(ctx context.Context, userID string, action *domain.QueuedAction) error {
	p := action.Payload
	completedAt := p["completedAt"]
	if v, ok := p["completed_at"]; ok {
		completedAt = v
	}
	fields := map[string]any{
		"completed":    orDefault(p, "completed", true),
		"completed_at": completedAt,
	}
	_, err := e.remote.Update(ctx, TasksTable, scope(targetID(p), userID), fields)
	if failure.Status(err) == http.StatusNotFound {
		return nil
	}
	return err
}

func (e *Executor) invoke(function string) handler {
	return func(ctx context.Context, userID string, action *domain.QueuedAction) error {
		body := maps.Clone(action.Payload)
		if body == nil {
			body = make(map[string]any)
		}
		body["user_id"] = userID
		return e.remote.Invoke(ctx, function, body, nil)
	}
}

func scope(id, userID string) map[string]string {
	return map[string]string{"id": id, "user_id": userID}
}

func targetID(p map[string]any) string {
	if id := stringField(p, "taskId"); id != "" {
		return id
	}
	return stringField(p, "id")
}

func stringField(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func orDefault(p map[string]any, key string, def any) any {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	if s, isStr := v.(string); isStr && s == "" {
		return def
	}
	return v
}

var identityFields = map[string]bool{
	"id":      true,
	"taskId":  true,
	"user_id": true,
	"userId":  true,
}

// updateFields returns the persistable fields of an update payload.
// Both {taskId, updates: {...}} and flat {id, field: ...} shapes are accepted.
func updateFields(p map[string]any) map[string]any {
	src := p
	if u, ok := p["updates"].(map[string]any); ok {
		src = u
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		if identityFields[k] || k == "updates" || isTransientField(k) {
			continue
		}
		out[k] = v
	}
	return out
}

var transientFields = map[string]bool{
	"attachments":        true,
	"attachment_handles": true,
	"attachmentHandles":  true,
	"pending_upload":     true,
	"optimistic":         true,
}

func isTransientField(key string) bool {
	return transientFields[key] || strings.HasPrefix(key, "_") || strings.HasPrefix(key, "local_")
}

// stripTransient drops fields that only make sense in the local process,
// including inside a nested "updates" object.
func stripTransient(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if isTransientField(k) {
			continue
		}
		if nested, ok := v.(map[string]any); ok && k == "updates" {
			v = stripTransient(nested)
		}
		out[k] = v
	}
	return out
}
