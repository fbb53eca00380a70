package domain

import (
	"slices"
	"time"
)

// ActionKind is the closed set of remote writes that can be queued.
type ActionKind string

const (
	ActionTaskCreate     ActionKind = "TASK_CREATE"
	ActionTaskUpdate     ActionKind = "TASK_UPDATE"
	ActionTaskDelete     ActionKind = "TASK_DELETE"
	ActionTaskComplete   ActionKind = "TASK_COMPLETE"
	ActionMentorFeedback ActionKind = "MENTOR_FEEDBACK"
	ActionSupportReport  ActionKind = "SUPPORT_REPORT"
)

// ActionKinds lists every known kind.
var ActionKinds = []ActionKind{
	ActionTaskCreate,
	ActionTaskUpdate,
	ActionTaskDelete,
	ActionTaskComplete,
	ActionMentorFeedback,
	ActionSupportReport,
}

// Valid reports whether k is a known kind.
func (k ActionKind) Valid() bool {
	return slices.Contains(ActionKinds, k)
}

// ActionStatus is the sync lifecycle of a queued action.
type ActionStatus string

const (
	ActionStatusPending ActionStatus = "pending"
	ActionStatusSyncing ActionStatus = "syncing"
	ActionStatusSynced  ActionStatus = "synced"
	ActionStatusFailed  ActionStatus = "failed"
)

// validActionTransitions maps the current status to the statuses it may move to.
// failed -> pending is reserved for an explicit manual retry.
var validActionTransitions = map[ActionStatus][]ActionStatus{
	ActionStatusPending: {ActionStatusSyncing, ActionStatusFailed},
	ActionStatusSyncing: {ActionStatusSynced, ActionStatusFailed},
	ActionStatusFailed:  {ActionStatusPending, ActionStatusSyncing},
}

// CanTransition checks if an action may move from one status to another.
func CanTransition(from, to ActionStatus) bool {
	return slices.Contains(validActionTransitions[from], to)
}

// Entity types used for display and ordering.
const (
	EntityTask          = "task"
	EntityMentorMessage = "mentor_message"
	EntitySupportReport = "support_report"
)

// QueuedAction is one pending intent to mutate remote state.
type QueuedAction struct {
	ID         string         `json:"id"          db:"id"`
	UserID     string         `json:"user_id"     db:"user_id"`
	Kind       ActionKind     `json:"action_kind" db:"action_kind"`
	EntityType string         `json:"entity_type" db:"entity_type"`
	EntityID   string         `json:"entity_id"   db:"entity_id"`
	Payload    map[string]any `json:"payload"     db:"-"`
	Status     ActionStatus   `json:"status"      db:"status"`
	RetryCount int            `json:"retry_count" db:"retry_count"`
	LastError  string         `json:"last_error"  db:"last_error"`
	CreatedAt  time.Time      `json:"created_at"  db:"-"`
	UpdatedAt  time.Time      `json:"updated_at"  db:"-"`
}

// IsActive reports whether the action still needs to reach the remote.
func (a *QueuedAction) IsActive() bool {
	return a.Status != ActionStatusSynced
}

// Capped reports whether automatic sync passes must leave the action alone.
func (a *QueuedAction) Capped(maxRetries int) bool {
	return a.Status == ActionStatusFailed && a.RetryCount >= maxRetries
}

// Clone returns a copy that shares no mutable state with a.
func (a *QueuedAction) Clone() *QueuedAction {
	c := *a
	if a.Payload != nil {
		c.Payload = clonePayload(a.Payload)
	}
	return &c
}

// Receipt returns the read projection shown to users.
func (a *QueuedAction) Receipt() Receipt {
	return Receipt{
		ID:         a.ID,
		Kind:       a.Kind,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		Status:     a.Status,
		RetryCount: a.RetryCount,
		LastError:  a.LastError,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

// Receipt is the read-only view of a queued action.
type Receipt struct {
	ID         string       `json:"id"`
	Kind       ActionKind   `json:"action_kind"`
	EntityType string       `json:"entity_type,omitempty"`
	EntityID   string       `json:"entity_id,omitempty"`
	Status     ActionStatus `json:"status"`
	RetryCount int          `json:"retry_count"`
	LastError  string       `json:"last_error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// ActionPatch is a partial update of the mutable fields of a queued action.
// Nil fields are left unchanged.
type ActionPatch struct {
	Status     *ActionStatus
	RetryCount *int
	LastError  *string
	UpdatedAt  time.Time
}

// Apply writes the patch onto a.
func (p ActionPatch) Apply(a *QueuedAction) {
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.RetryCount != nil {
		a.RetryCount = *p.RetryCount
	}
	if p.LastError != nil {
		a.LastError = *p.LastError
	}
	if !p.UpdatedAt.IsZero() {
		a.UpdatedAt = p.UpdatedAt
	}
}

// TaskVerb is a user-level task operation.
type TaskVerb string

const (
	TaskCreate   TaskVerb = "create"
	TaskUpdate   TaskVerb = "update"
	TaskDelete   TaskVerb = "delete"
	TaskComplete TaskVerb = "complete"
)

// Kind maps the verb onto its action kind.
func (v TaskVerb) Kind() (ActionKind, bool) {
	switch v {
	case TaskCreate:
		return ActionTaskCreate, true
	case TaskUpdate:
		return ActionTaskUpdate, true
	case TaskDelete:
		return ActionTaskDelete, true
	case TaskComplete:
		return ActionTaskComplete, true
	default:
		return "", false
	}
}

func clonePayload(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = clonePayload(vv)
		case []any:
			out[k] = slices.Clone(vv)
		default:
			out[k] = v
		}
	}
	return out
}
