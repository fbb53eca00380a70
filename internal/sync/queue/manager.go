// Package queue owns the offline action queue and its sync engine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/core/failure"
	"github.com/vietddude/lifeline/internal/core/notice"
	"github.com/vietddude/lifeline/internal/core/session"
	"github.com/vietddude/lifeline/internal/infra/storage"
	"github.com/vietddude/lifeline/internal/telemetry"
	"github.com/vietddude/lifeline/internal/telemetry/metrics"
)

var tracer = otel.Tracer("lifeline.queue")

var (
	// ErrNoUser is returned when nobody is signed in
	ErrNoUser = errors.New("no authenticated user")

	// ErrUnknownVerb is returned for a task verb without an action kind
	ErrUnknownVerb = errors.New("unknown task verb")

	// ErrIllegalTransition is returned when a record cannot move to the requested status
	ErrIllegalTransition = errors.New("illegal action status transition")
)

// Executor performs and validates queued writes.
type Executor interface {
	Execute(ctx context.Context, userID string, action *domain.QueuedAction) error
	Prepare(kind domain.ActionKind, payload map[string]any) (map[string]any, error)
}

// Config holds sync engine settings.
type Config struct {
	MaxAutoRetries   int           `yaml:"max_auto_retries"   validate:"gte=1"`
	StatusResetDelay time.Duration `yaml:"status_reset_delay"`
	ReceiptRetention time.Duration `yaml:"receipt_retention"` // 0 keeps synced receipts forever
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		MaxAutoRetries:   3,
		StatusResetDelay: 3 * time.Second,
		ReceiptRetention: 24 * time.Hour,
	}
}

// SyncResult counts the outcome of one pass.
type SyncResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// QueueRequest describes a write to enqueue.
type QueueRequest struct {
	Kind       domain.ActionKind `json:"action_kind"`
	EntityType string            `json:"entity_type,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	Payload    map[string]any    `json:"payload"`
}

// Snapshot is the cached queue view handed to observers.
type Snapshot struct {
	Count         int               `json:"queue_count"`
	Receipts      []domain.Receipt  `json:"receipts"`
	SyncStatus    domain.SyncStatus `json:"sync_status"`
	LastSyncError string            `json:"last_sync_error,omitempty"`
}

// Manager is the sole writer of queued action records.
type Manager struct {
	repo     storage.ActionRepository
	exec     Executor
	session  session.Provider
	notifier notice.Notifier
	tracker  telemetry.Tracker
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	online  atomic.Bool
	syncing atomic.Bool

	// refreshMu orders refreshes so a stale count is never published last.
	refreshMu sync.Mutex

	mu          sync.RWMutex
	snap        Snapshot
	lastCreated time.Time
	resetTimer  *time.Timer
	listeners   []func(Snapshot)
}

// Option configures a Manager.
type Option func(*Manager)

func WithNotifier(n notice.Notifier) Option { return func(m *Manager) { m.notifier = n } }

func WithTracker(t telemetry.Tracker) Option { return func(m *Manager) { m.tracker = t } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates a queue manager. It starts online.
func NewManager(
	repo storage.ActionRepository,
	exec Executor,
	sess session.Provider,
	cfg Config,
	opts ...Option,
) *Manager {
	if cfg.MaxAutoRetries <= 0 {
		cfg.MaxAutoRetries = 3
	}
	if cfg.StatusResetDelay <= 0 {
		cfg.StatusResetDelay = 3 * time.Second
	}
	m := &Manager{
		repo:     repo,
		exec:     exec,
		session:  sess,
		notifier: notice.Nop{},
		tracker:  telemetry.Nop{},
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		snap:     Snapshot{SyncStatus: domain.SyncIdle},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "queue")
	m.online.Store(true)
	return m
}

// Init prepares the store and loads the cached counts.
// A store that cannot be initialised is fatal: there is no offline support without it.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.repo.Init(ctx); err != nil {
		return fmt.Errorf("failed to init action store: %w", err)
	}
	m.refresh(ctx)
	return nil
}

// Close stops the pending status reset.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetTimer != nil {
		m.resetTimer.Stop()
	}
}

// OnChange registers fn to receive every new snapshot.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Snapshot returns the cached queue view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copySnapshot()
}

func (m *Manager) copySnapshot() Snapshot {
	s := m.snap
	s.Receipts = append([]domain.Receipt(nil), m.snap.Receipts...)
	return s
}

// SetOnline records the runtime connectivity signal.
func (m *Manager) SetOnline(online bool) {
	m.online.Store(online)
}

// Online reports the last connectivity signal.
func (m *Manager) Online() bool {
	return m.online.Load()
}

// Syncing reports whether a pass is in flight.
func (m *Manager) Syncing() bool {
	return m.syncing.Load()
}

// QueueAction validates and enqueues a write, then refreshes the cached view.
func (m *Manager) QueueAction(ctx context.Context, req QueueRequest) (string, error) {
	userID := m.session.UserID()
	if userID == "" {
		return "", ErrNoUser
	}
	payload, err := m.exec.Prepare(req.Kind, req.Payload)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	if req.Kind == domain.ActionTaskCreate {
		if _, ok := payload["idempotency_key"]; !ok {
			payload["idempotency_key"] = id
		}
	}

	action := &domain.QueuedAction{
		ID:         id,
		UserID:     userID,
		Kind:       req.Kind,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    payload,
		Status:     domain.ActionStatusPending,
		CreatedAt:  m.nextCreatedAt(),
	}
	if _, err := m.repo.Enqueue(ctx, action); err != nil {
		return "", fmt.Errorf("failed to queue action: %w", err)
	}

	metrics.ActionsEnqueued.WithLabelValues(string(req.Kind)).Inc()
	m.tracker.Track(telemetry.EventActionEnqueued, map[string]any{
		"action_id":   id,
		"action_kind": string(req.Kind),
		"entity_type": req.EntityType,
	})
	m.logger.Info("Action queued", "id", id, "kind", req.Kind, "entity", req.EntityID)

	m.refresh(ctx)
	return id, nil
}

// QueueTaskAction maps a task verb onto its action kind and enqueues it.
// The entity id comes from taskId, then id. A create without either has no
// entity key, so it neither holds nor is held by other records; callers that
// follow a create with updates must give the create a client id.
func (m *Manager) QueueTaskAction(ctx context.Context, verb domain.TaskVerb, payload map[string]any) (string, error) {
	kind, ok := verb.Kind()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownVerb, verb)
	}
	entityID, _ := payload["taskId"].(string)
	if entityID == "" {
		entityID, _ = payload["id"].(string)
	}
	return m.QueueAction(ctx, QueueRequest{
		Kind:       kind,
		EntityType: domain.EntityTask,
		EntityID:   entityID,
		Payload:    payload,
	})
}

// nextCreatedAt returns a creation time strictly after every earlier one,
// so records enqueued back to back keep their order.
func (m *Manager) nextCreatedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now()
	if !t.After(m.lastCreated) {
		t = m.lastCreated.Add(time.Nanosecond)
	}
	m.lastCreated = t
	return t
}

// TriggerSync runs one pass over the active records. It returns zero counts
// when offline, signed out, or another pass is in flight.
func (m *Manager) TriggerSync(ctx context.Context) SyncResult {
	if !m.online.Load() {
		return SyncResult{}
	}
	userID := m.session.UserID()
	if userID == "" {
		return SyncResult{}
	}
	if !m.syncing.CompareAndSwap(false, true) {
		return SyncResult{}
	}
	defer m.syncing.Store(false)

	ctx, span := tracer.Start(ctx, "queue.TriggerSync")
	defer span.End()

	m.update(func(s *Snapshot) {
		s.SyncStatus = domain.SyncSyncing
		s.LastSyncError = ""
	})

	actions, err := m.repo.ListActive(ctx, userID)
	if err != nil {
		m.logger.Error("Failed to load queued actions", "error", err)
		span.RecordError(err)
		metrics.SyncPasses.WithLabelValues("error").Inc()
		m.update(func(s *Snapshot) {
			s.SyncStatus = domain.SyncError
			s.LastSyncError = "Sync failed. Will retry when online."
		})
		m.scheduleIdle()
		return SyncResult{}
	}

	result := m.runPass(ctx, userID, actions)
	span.SetAttributes(
		attribute.Int("sync.success", result.Success),
		attribute.Int("sync.failed", result.Failed),
	)

	m.refresh(ctx)
	m.update(func(s *Snapshot) {
		if result.Failed == 0 {
			s.SyncStatus = domain.SyncSuccess
			s.LastSyncError = ""
		} else {
			s.SyncStatus = domain.SyncError
			s.LastSyncError = fmt.Sprintf("%d %s failed to sync", result.Failed, plural(result.Failed, "action"))
		}
	})

	outcome := "success"
	if result.Failed > 0 {
		outcome = "partial"
	}
	metrics.SyncPasses.WithLabelValues(outcome).Inc()
	m.tracker.Track(telemetry.EventSyncCompleted, map[string]any{
		"success": result.Success,
		"failed":  result.Failed,
	})
	if result.Success > 0 {
		m.notifier.Notify(notice.Notice{
			Level:       notice.LevelSuccess,
			Title:       "Synced successfully",
			Description: fmt.Sprintf("%d %s synced", result.Success, plural(result.Success, "action")),
		})
	}
	if result.Success > 0 || result.Failed > 0 {
		m.logger.Info("Sync pass finished", "success", result.Success, "failed", result.Failed)
	}

	m.scheduleIdle()
	return result
}

// runPass executes records in creation order, one at a time. Once a record
// of an entity does not sync, later records of that entity wait for the next pass.
func (m *Manager) runPass(ctx context.Context, userID string, actions []*domain.QueuedAction) SyncResult {
	var result SyncResult
	held := make(map[string]bool)
	span := trace.SpanFromContext(ctx)

	for _, a := range actions {
		key := entityKey(a)
		if key != "" && held[key] {
			m.logger.Debug("Holding action behind unsynced predecessor", "id", a.ID, "entity", key)
			continue
		}
		if a.Capped(m.cfg.MaxAutoRetries) {
			if key != "" {
				held[key] = true
			}
			continue
		}

		// a record still syncing was interrupted mid-pass and is retried as is
		if a.Status != domain.ActionStatusSyncing {
			if err := m.setStatus(ctx, a, domain.ActionStatusSyncing, nil, nil); err != nil {
				m.logger.Error("Failed to mark action syncing", "id", a.ID, "error", err)
				if key != "" {
					held[key] = true
				}
				continue
			}
		}

		start := m.now()
		execErr := m.exec.Execute(ctx, userID, a)
		metrics.ActionLatency.WithLabelValues(string(a.Kind)).Observe(m.now().Sub(start).Seconds())

		if execErr == nil {
			empty := ""
			if err := m.setStatus(ctx, a, domain.ActionStatusSynced, nil, &empty); err != nil {
				m.logger.Error("Failed to mark action synced", "id", a.ID, "error", err)
			}
			result.Success++
			span.AddEvent("action_synced", trace.WithAttributes(
				attribute.String("action.id", a.ID),
				attribute.String("action.kind", string(a.Kind)),
			))
			metrics.ActionsSynced.WithLabelValues(string(a.Kind)).Inc()
			m.tracker.Track(telemetry.EventActionSynced, map[string]any{
				"action_id":   a.ID,
				"action_kind": string(a.Kind),
			})
			continue
		}

		retries := a.RetryCount + 1
		msg := failure.Message(execErr)
		if err := m.setStatus(ctx, a, domain.ActionStatusFailed, &retries, &msg); err != nil {
			m.logger.Error("Failed to mark action failed", "id", a.ID, "error", err)
		}
		result.Failed++
		category := failure.Classify(execErr)
		span.AddEvent("action_failed", trace.WithAttributes(
			attribute.String("action.id", a.ID),
			attribute.String("action.kind", string(a.Kind)),
			attribute.Int("action.retry_count", retries),
			attribute.String("failure.category", string(category)),
		))
		metrics.ActionsFailed.WithLabelValues(string(a.Kind), string(category)).Inc()
		m.tracker.Track(telemetry.EventActionFailed, map[string]any{
			"action_id":   a.ID,
			"action_kind": string(a.Kind),
			"retry_count": retries,
			"category":    string(category),
		})
		m.logger.Warn("Queued action failed", "id", a.ID, "kind", a.Kind, "retry", retries, "error", execErr)
		if key != "" {
			held[key] = true
		}
	}
	return result
}

func entityKey(a *domain.QueuedAction) string {
	if a.EntityID == "" {
		return ""
	}
	return a.EntityType + "/" + a.EntityID
}

// setStatus moves a to status, rejecting moves the lifecycle does not allow.
func (m *Manager) setStatus(ctx context.Context, a *domain.QueuedAction, status domain.ActionStatus, retries *int, lastErr *string) error {
	if !domain.CanTransition(a.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, a.Status, status)
	}
	err := m.repo.Update(ctx, a.ID, domain.ActionPatch{
		Status:     &status,
		RetryCount: retries,
		LastError:  lastErr,
		UpdatedAt:  m.now(),
	})
	if err != nil {
		return err
	}
	a.Status = status
	return nil
}

// RetryNow runs a pass on demand. Offline, it only tells the user.
func (m *Manager) RetryNow(ctx context.Context) SyncResult {
	if !m.online.Load() {
		m.notifier.Notify(notice.Notice{
			Level:       notice.LevelError,
			Title:       "You're offline",
			Description: "Will sync when connection is restored",
		})
		return SyncResult{}
	}
	return m.TriggerSync(ctx)
}

// RetryAction resets one failed record to pending and runs a pass.
// retryCount is kept so the cap still reflects history. A synced or
// in-flight record returns ErrIllegalTransition.
func (m *Manager) RetryAction(ctx context.Context, id string) (SyncResult, error) {
	userID := m.session.UserID()
	if userID == "" {
		return SyncResult{}, ErrNoUser
	}
	a, err := m.repo.Get(ctx, id)
	if err != nil {
		return SyncResult{}, err
	}
	if a.UserID != userID {
		return SyncResult{}, storage.ErrActionNotFound
	}
	if a.Status != domain.ActionStatusPending {
		if err := m.setStatus(ctx, a, domain.ActionStatusPending, nil, nil); err != nil {
			return SyncResult{}, fmt.Errorf("failed to reset action: %w", err)
		}
		m.refresh(ctx)
	}
	return m.TriggerSync(ctx), nil
}

// RetryAllFailed resets every failed record of the user to pending and runs a pass.
func (m *Manager) RetryAllFailed(ctx context.Context) (SyncResult, error) {
	userID := m.session.UserID()
	if userID == "" {
		return SyncResult{}, ErrNoUser
	}
	all, err := m.repo.ListActive(ctx, userID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to list actions: %w", err)
	}
	for _, a := range all {
		if a.Status != domain.ActionStatusFailed {
			continue
		}
		if err := m.setStatus(ctx, a, domain.ActionStatusPending, nil, nil); err != nil {
			return SyncResult{}, fmt.Errorf("failed to reset action %s: %w", a.ID, err)
		}
	}
	m.refresh(ctx)
	return m.TriggerSync(ctx), nil
}

// DiscardAction deletes a record. Discarding an unknown id is a no-op.
func (m *Manager) DiscardAction(ctx context.Context, id string) error {
	if err := m.repo.Discard(ctx, id); err != nil {
		return err
	}
	m.refresh(ctx)
	return nil
}

// HandleOnline reacts to the runtime coming back online with one pass.
func (m *Manager) HandleOnline(ctx context.Context) SyncResult {
	m.online.Store(true)
	if m.Snapshot().Count == 0 {
		return SyncResult{}
	}
	return m.TriggerSync(ctx)
}

// refresh reloads count and receipts from the store.
func (m *Manager) refresh(ctx context.Context) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	userID := m.session.UserID()
	if userID == "" {
		m.update(func(s *Snapshot) {
			s.Count = 0
			s.Receipts = nil
		})
		return
	}
	count, err := m.repo.Count(ctx, userID)
	if err != nil {
		m.logger.Error("Failed to count queued actions", "error", err)
		return
	}
	all, err := m.repo.ListAll(ctx, userID)
	if err != nil {
		m.logger.Error("Failed to list queued actions", "error", err)
		return
	}
	receipts := make([]domain.Receipt, 0, len(all))
	for _, a := range all {
		receipts = append(receipts, a.Receipt())
	}
	metrics.QueueDepth.Set(float64(count))
	m.update(func(s *Snapshot) {
		s.Count = count
		s.Receipts = receipts
	})
}

// Refresh reloads the cached view, e.g. after the signed-in user changed.
func (m *Manager) Refresh(ctx context.Context) {
	m.refresh(ctx)
}

func (m *Manager) update(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.snap)
	snap := m.copySnapshot()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

func (m *Manager) scheduleIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetTimer != nil {
		m.resetTimer.Stop()
	}
	m.resetTimer = time.AfterFunc(m.cfg.StatusResetDelay, func() {
		if m.syncing.Load() {
			return
		}
		m.update(func(s *Snapshot) {
			if s.SyncStatus != domain.SyncSyncing {
				s.SyncStatus = domain.SyncIdle
			}
		})
	})
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
