package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/core/failure"
)

// =============================================================================
// Mocks
// =============================================================================

type call struct {
	op     string
	target string
	match  map[string]string
	body   map[string]any
	key    string
}

type mockRemote struct {
	calls []call
	err   error
	rows  int
}

func (m *mockRemote) Insert(ctx context.Context, table string, row map[string]any, key string) error {
	m.calls = append(m.calls, call{op: "insert", target: table, body: row, key: key})
	return m.err
}

func (m *mockRemote) Update(ctx context.Context, table string, match map[string]string, fields map[string]any) (int, error) {
	m.calls = append(m.calls, call{op: "update", target: table, match: match, body: fields})
	return m.rows, m.err
}

func (m *mockRemote) Delete(ctx context.Context, table string, match map[string]string) (int, error) {
	m.calls = append(m.calls, call{op: "delete", target: table, match: match})
	return m.rows, m.err
}

func (m *mockRemote) Invoke(ctx context.Context, function string, body any, out any) error {
	b, _ := body.(map[string]any)
	m.calls = append(m.calls, call{op: "invoke", target: function, body: b})
	return m.err
}

type statusErr int

func (e statusErr) Error() string   { return "http error" }
func (e statusErr) HTTPStatus() int { return int(e) }

func newExecutor(t *testing.T, remote Remote) *Executor {
	t.Helper()
	e, err := New(remote, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func queued(kind domain.ActionKind, payload map[string]any) *domain.QueuedAction {
	return &domain.QueuedAction{ID: "a1", UserID: "u1", Kind: kind, Payload: payload}
}

// =============================================================================
// Tests
// =============================================================================

func TestCreateTask_CoalescesDefaults(t *testing.T) {
	remote := &mockRemote{}
	e := newExecutor(t, remote)

	err := e.Execute(context.Background(), "u1", queued(domain.ActionTaskCreate, map[string]any{
		"task_text": "stretch",
		"user_id":   "someone-else",
	}))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(remote.calls) != 1 || remote.calls[0].op != "insert" {
		t.Fatalf("expected one insert, got %+v", remote.calls)
	}
	row := remote.calls[0].body
	if row["user_id"] != "u1" {
		t.Errorf("expected user_id re-scoped to u1, got %v", row["user_id"])
	}
	if row["recurrence_pattern"] != "none" {
		t.Errorf("expected recurrence none, got %v", row["recurrence_pattern"])
	}
	if row["estimated_duration"] != nil || row["scheduled_time"] != nil {
		t.Errorf("expected nil duration and time, got %v %v", row["estimated_duration"], row["scheduled_time"])
	}
	if row["difficulty"] != "medium" {
		t.Errorf("expected medium difficulty, got %v", row["difficulty"])
	}
	if remote.calls[0].key != "a1" {
		t.Errorf("expected idempotency key from action id, got %s", remote.calls[0].key)
	}
}

func TestCreateTask_ConflictIsSuccess(t *testing.T) {
	remote := &mockRemote{err: statusErr(409)}
	e := newExecutor(t, remote)

	err := e.Execute(context.Background(), "u1", queued(domain.ActionTaskCreate, map[string]any{"task_text": "x"}))
	if err != nil {
		t.Errorf("expected replayed create to succeed, got %v", err)
	}
}

func TestUpdateTask_StripsTransientFields(t *testing.T) {
	remote := &mockRemote{rows: 1}
	e := newExecutor(t, remote)

	err := e.Execute(context.Background(), "u1", queued(domain.ActionTaskUpdate, map[string]any{
		"taskId": "t1",
		"updates": map[string]any{
			"notes":              "bring water",
			"attachment_handles": []any{"blob:1"},
			"user_id":            "evil",
		},
	}))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	c := remote.calls[0]
	if c.match["id"] != "t1" || c.match["user_id"] != "u1" {
		t.Errorf("unexpected scope %v", c.match)
	}
	if len(c.body) != 1 || c.body["notes"] != "bring water" {
		t.Errorf("unexpected fields %v", c.body)
	}
}

func TestUpdateTask_NothingToSend(t *testing.T) {
	remote := &mockRemote{}
	e := newExecutor(t, remote)

	err := e.Execute(context.Background(), "u1", queued(domain.ActionTaskUpdate, map[string]any{
		"id":          "t1",
		"attachments": []any{"local"},
	}))
	if err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
	if len(remote.calls) != 0 {
		t.Errorf("expected no network call, got %+v", remote.calls)
	}
}

func TestDeleteAndComplete_AreIdempotent(t *testing.T) {
	for _, kind := range []domain.ActionKind{domain.ActionTaskDelete, domain.ActionTaskComplete} {
		remote := &mockRemote{err: statusErr(404)}
		e := newExecutor(t, remote)
		if err := e.Execute(context.Background(), "u1", queued(kind, map[string]any{"taskId": "t1"})); err != nil {
			t.Errorf("%s: expected 404 to count as success, got %v", kind, err)
		}

		remote = &mockRemote{rows: 0}
		e = newExecutor(t, remote)
		if err := e.Execute(context.Background(), "u1", queued(kind, map[string]any{"taskId": "t1"})); err != nil {
			t.Errorf("%s: expected zero rows to count as success, got %v", kind, err)
		}
		if remote.calls[0].match["user_id"] != "u1" {
			t.Errorf("%s: expected owner scope", kind)
		}
	}
}

func TestComplete_SendsCompletion(t *testing.T) {
	remote := &mockRemote{rows: 1}
	e := newExecutor(t, remote)

	err := e.Execute(context.Background(), "u1", queued(domain.ActionTaskComplete, map[string]any{
		"taskId":      "t1",
		"completed":   true,
		"completedAt": "2026-03-01T10:00:00Z",
	}))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	body := remote.calls[0].body
	if body["completed"] != true || body["completed_at"] != "2026-03-01T10:00:00Z" {
		t.Errorf("unexpected completion body %v", body)
	}
}

func TestInvokeKinds(t *testing.T) {
	tests := []struct {
		kind     domain.ActionKind
		payload  map[string]any
		function string
	}{
		{domain.ActionMentorFeedback, map[string]any{"message_id": "m1", "rating": 1}, MentorFeedbackFunction},
		{domain.ActionSupportReport, map[string]any{"correlationId": "c1", "summary": "crash"}, SupportReportFunction},
	}

	for _, tt := range tests {
		remote := &mockRemote{}
		e := newExecutor(t, remote)
		if err := e.Execute(context.Background(), "u1", queued(tt.kind, tt.payload)); err != nil {
			t.Fatalf("%s: Execute failed: %v", tt.kind, err)
		}
		c := remote.calls[0]
		if c.op != "invoke" || c.target != tt.function {
			t.Errorf("%s: expected invoke %s, got %+v", tt.kind, tt.function, c)
		}
		if c.body["user_id"] != "u1" {
			t.Errorf("%s: expected user scope in body", tt.kind)
		}
	}
}

func TestUnknownKind(t *testing.T) {
	e := newExecutor(t, &mockRemote{})
	err := e.Execute(context.Background(), "u1", queued("TASK_ARCHIVE", map[string]any{}))
	if !errors.Is(err, ErrUnknownActionKind) {
		t.Errorf("expected ErrUnknownActionKind, got %v", err)
	}
}

func TestExecute_RejectsForeignAction(t *testing.T) {
	remote := &mockRemote{}
	e := newExecutor(t, remote)
	err := e.Execute(context.Background(), "u2", queued(domain.ActionTaskDelete, map[string]any{"taskId": "t1"}))
	if failure.Classify(err) != failure.CategoryValidation {
		t.Errorf("expected validation error, got %v", err)
	}
	if len(remote.calls) != 0 {
		t.Errorf("expected no remote call")
	}
}

func TestPrepare(t *testing.T) {
	e := newExecutor(t, &mockRemote{})

	in := map[string]any{"task_text": "walk", "_optimisticId": "tmp-1", "local_preview": "x"}
	out, err := e.Prepare(domain.ActionTaskCreate, in)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if _, ok := out["_optimisticId"]; ok {
		t.Errorf("expected transient field stripped")
	}
	if _, ok := in["_optimisticId"]; !ok {
		t.Errorf("input must not be modified")
	}

	if _, err := e.Prepare(domain.ActionTaskCreate, map[string]any{"difficulty": "medium"}); failure.Classify(err) != failure.CategoryValidation {
		t.Errorf("expected validation error for missing task_text, got %v", err)
	}
	if _, err := e.Prepare(domain.ActionTaskDelete, map[string]any{}); failure.Classify(err) != failure.CategoryValidation {
		t.Errorf("expected validation error for missing target, got %v", err)
	}
	if _, err := e.Prepare(domain.ActionSupportReport, map[string]any{"correlationId": "c1"}); err == nil {
		t.Errorf("expected validation error for missing summary")
	}
}
