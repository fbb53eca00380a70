package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/core/failure"
	"github.com/vietddude/lifeline/internal/core/notice"
	"github.com/vietddude/lifeline/internal/core/session"
	"github.com/vietddude/lifeline/internal/infra/storage"
	"github.com/vietddude/lifeline/internal/infra/storage/memory"
	"github.com/vietddude/lifeline/internal/telemetry"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	fn    func(a *domain.QueuedAction) error
}

func (f *fakeExecutor) Prepare(kind domain.ActionKind, payload map[string]any) (map[string]any, error) {
	if !kind.Valid() {
		return nil, errors.New("unknown kind")
	}
	if payload["bad"] != nil {
		return nil, failure.Invalid("bad", "rejected")
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out, nil
}

func (f *fakeExecutor) Execute(ctx context.Context, userID string, a *domain.QueuedAction) error {
	f.mu.Lock()
	f.calls = append(f.calls, a.ID)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(a)
	}
	return nil
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type noticeSink struct {
	mu      sync.Mutex
	notices []notice.Notice
}

func (s *noticeSink) Notify(n notice.Notice) {
	s.mu.Lock()
	s.notices = append(s.notices, n)
	s.mu.Unlock()
}

func (s *noticeSink) All() []notice.Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notice.Notice(nil), s.notices...)
}

type fixture struct {
	mgr     *Manager
	repo    storage.ActionRepository
	exec    *fakeExecutor
	sess    *session.Static
	notices *noticeSink
	events  *telemetry.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    memory.NewActionRepo(memory.NewMemoryStorage()),
		exec:    &fakeExecutor{},
		sess:    session.NewStatic("u1"),
		notices: &noticeSink{},
		events:  &telemetry.Recorder{},
	}
	cfg := DefaultConfig()
	cfg.StatusResetDelay = 20 * time.Millisecond
	f.mgr = NewManager(f.repo, f.exec, f.sess, cfg,
		WithNotifier(f.notices),
		WithTracker(f.events),
	)
	require.NoError(t, f.mgr.Init(context.Background()))
	t.Cleanup(f.mgr.Close)
	return f
}

func (f *fixture) queueUpdate(t *testing.T, taskID string) string {
	t.Helper()
	id, err := f.mgr.QueueTaskAction(context.Background(), domain.TaskUpdate, map[string]any{
		"taskId":  taskID,
		"updates": map[string]any{"notes": "n"},
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) get(t *testing.T, id string) *domain.QueuedAction {
	t.Helper()
	a, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

// =============================================================================
// Enqueue
// =============================================================================

func TestQueueAction_RequiresUser(t *testing.T) {
	f := newFixture(t)
	f.sess.SignOut()

	_, err := f.mgr.QueueTaskAction(context.Background(), domain.TaskCreate, map[string]any{"task_text": "x"})
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestQueueAction_RejectsInvalidPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.QueueAction(context.Background(), QueueRequest{
		Kind:    domain.ActionMentorFeedback,
		Payload: map[string]any{"bad": true},
	})
	assert.Equal(t, failure.CategoryValidation, failure.Classify(err))

	count, err := f.repo.Count(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestQueueAction_UpdatesSnapshot(t *testing.T) {
	f := newFixture(t)
	var seen []int
	f.mgr.OnChange(func(s Snapshot) { seen = append(seen, s.Count) })

	id, err := f.mgr.QueueTaskAction(context.Background(), domain.TaskCreate, map[string]any{"task_text": "stretch"})
	require.NoError(t, err)

	snap := f.mgr.Snapshot()
	assert.Equal(t, 1, snap.Count)
	require.Len(t, snap.Receipts, 1)
	assert.Equal(t, id, snap.Receipts[0].ID)
	assert.Equal(t, domain.ActionStatusPending, snap.Receipts[0].Status)
	assert.Contains(t, seen, 1)
	assert.Equal(t, 1, f.events.Count(telemetry.EventActionEnqueued))

	a := f.get(t, id)
	assert.Equal(t, id, a.Payload["idempotency_key"])
	assert.Equal(t, domain.EntityTask, a.EntityType)
}

func TestQueueTaskAction_UnknownVerb(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.QueueTaskAction(context.Background(), domain.TaskVerb("archive"), nil)
	assert.ErrorIs(t, err, ErrUnknownVerb)
}

func TestQueueTaskAction_EntityKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	withID, err := f.mgr.QueueTaskAction(ctx, domain.TaskCreate, map[string]any{"id": "t9", "task_text": "read"})
	require.NoError(t, err)
	assert.Equal(t, "t9", f.get(t, withID).EntityID)

	bare, err := f.mgr.QueueTaskAction(ctx, domain.TaskCreate, map[string]any{"task_text": "read"})
	require.NoError(t, err)
	assert.Empty(t, f.get(t, bare).EntityID)

	f.exec.fn = func(a *domain.QueuedAction) error {
		if a.ID == bare {
			return errors.New("boom")
		}
		return nil
	}
	later := f.queueUpdate(t, "t9")
	res := f.mgr.TriggerSync(ctx)
	assert.Equal(t, SyncResult{Success: 2, Failed: 1}, res)
	assert.Equal(t, domain.ActionStatusSynced, f.get(t, later).Status)
}

func TestQueueAction_CreatedAtIsStrictlyIncreasing(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.mgr.now = func() time.Time { return fixed }

	a := f.queueUpdate(t, "t1")
	b := f.queueUpdate(t, "t2")
	assert.True(t, f.get(t, b).CreatedAt.After(f.get(t, a).CreatedAt))
}

// =============================================================================
// Sync
// =============================================================================

func TestTriggerSync_Success(t *testing.T) {
	f := newFixture(t)
	first := f.queueUpdate(t, "t1")
	second := f.queueUpdate(t, "t2")

	res := f.mgr.TriggerSync(context.Background())

	assert.Equal(t, SyncResult{Success: 2}, res)
	assert.Equal(t, []string{first, second}, f.exec.Calls())
	assert.Equal(t, domain.ActionStatusSynced, f.get(t, first).Status)

	snap := f.mgr.Snapshot()
	assert.Zero(t, snap.Count)
	assert.Equal(t, domain.SyncSuccess, snap.SyncStatus)
	assert.Empty(t, snap.LastSyncError)
	assert.Len(t, snap.Receipts, 2)

	notices := f.notices.All()
	require.Len(t, notices, 1)
	assert.Equal(t, "Synced successfully", notices[0].Title)
	assert.Equal(t, "2 actions synced", notices[0].Description)
	assert.Equal(t, 2, f.events.Count(telemetry.EventActionSynced))
	assert.Equal(t, 1, f.events.Count(telemetry.EventSyncCompleted))
}

func TestTriggerSync_ResetsToIdle(t *testing.T) {
	f := newFixture(t)
	f.queueUpdate(t, "t1")

	f.mgr.TriggerSync(context.Background())
	assert.Equal(t, domain.SyncSuccess, f.mgr.Snapshot().SyncStatus)

	assert.Eventually(t, func() bool {
		return f.mgr.Snapshot().SyncStatus == domain.SyncIdle
	}, time.Second, 5*time.Millisecond)
}

type brokenListRepo struct {
	storage.ActionRepository
}

func (r brokenListRepo) ListActive(ctx context.Context, userID string) ([]*domain.QueuedAction, error) {
	return nil, errors.New("disk unavailable")
}

func TestTriggerSync_ListFailureResetsToIdle(t *testing.T) {
	repo := brokenListRepo{memory.NewActionRepo(memory.NewMemoryStorage())}
	cfg := DefaultConfig()
	cfg.StatusResetDelay = 20 * time.Millisecond
	mgr := NewManager(repo, &fakeExecutor{}, session.NewStatic("u1"), cfg)
	require.NoError(t, mgr.Init(context.Background()))
	t.Cleanup(mgr.Close)

	assert.Equal(t, SyncResult{}, mgr.TriggerSync(context.Background()))
	snap := mgr.Snapshot()
	assert.Equal(t, domain.SyncError, snap.SyncStatus)
	assert.Equal(t, "Sync failed. Will retry when online.", snap.LastSyncError)

	assert.Eventually(t, func() bool {
		return mgr.Snapshot().SyncStatus == domain.SyncIdle
	}, time.Second, 5*time.Millisecond)
}

func TestTriggerSync_FailureRecordsError(t *testing.T) {
	f := newFixture(t)
	f.exec.fn = func(*domain.QueuedAction) error {
		return &failure.NetworkError{Op: "insert", Err: errors.New("connection refused")}
	}
	id := f.queueUpdate(t, "t1")

	res := f.mgr.TriggerSync(context.Background())

	assert.Equal(t, SyncResult{Failed: 1}, res)
	a := f.get(t, id)
	assert.Equal(t, domain.ActionStatusFailed, a.Status)
	assert.Equal(t, 1, a.RetryCount)
	assert.NotEmpty(t, a.LastError)

	snap := f.mgr.Snapshot()
	assert.Equal(t, domain.SyncError, snap.SyncStatus)
	assert.Equal(t, "1 action failed to sync", snap.LastSyncError)
	assert.Equal(t, 1, snap.Count)
	assert.Empty(t, f.notices.All())
}

func TestTriggerSync_RetryCapAndManualRetry(t *testing.T) {
	f := newFixture(t)
	f.exec.fn = func(*domain.QueuedAction) error { return errors.New("boom") }
	id := f.queueUpdate(t, "t1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.mgr.TriggerSync(ctx)
	}
	a := f.get(t, id)
	require.Equal(t, 3, a.RetryCount)
	require.Equal(t, domain.ActionStatusFailed, a.Status)
	require.Len(t, f.exec.Calls(), 3)

	res := f.mgr.TriggerSync(ctx)
	assert.Equal(t, SyncResult{}, res)
	assert.Len(t, f.exec.Calls(), 3, "capped action must not be attempted")

	res, err := f.mgr.RetryAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Failed: 1}, res)
	assert.Len(t, f.exec.Calls(), 4)
	assert.Equal(t, 4, f.get(t, id).RetryCount)
}

func TestTriggerSync_HoldsLaterActionsOfFailedEntity(t *testing.T) {
	f := newFixture(t)
	first := f.queueUpdate(t, "t1")
	second := f.queueUpdate(t, "t1")
	other := f.queueUpdate(t, "t2")
	f.exec.fn = func(a *domain.QueuedAction) error {
		if a.ID == first {
			return errors.New("boom")
		}
		return nil
	}

	res := f.mgr.TriggerSync(context.Background())

	assert.Equal(t, SyncResult{Success: 1, Failed: 1}, res)
	assert.Equal(t, []string{first, other}, f.exec.Calls())
	held := f.get(t, second)
	assert.Equal(t, domain.ActionStatusPending, held.Status)
	assert.Zero(t, held.RetryCount)

	f.exec.fn = nil
	res = f.mgr.TriggerSync(context.Background())
	assert.Equal(t, SyncResult{Success: 2}, res)
	assert.Equal(t, []string{first, other, first, second}, f.exec.Calls())
}

func TestTriggerSync_CappedActionHoldsEntityAcrossPasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.queueUpdate(t, "t1")
	f.exec.fn = func(a *domain.QueuedAction) error {
		if a.ID == first {
			return errors.New("boom")
		}
		return nil
	}
	for i := 0; i < 3; i++ {
		f.mgr.TriggerSync(ctx)
	}
	require.True(t, f.get(t, first).Capped(DefaultConfig().MaxAutoRetries))

	second := f.queueUpdate(t, "t1")
	other := f.queueUpdate(t, "t2")

	assert.Equal(t, SyncResult{Success: 1}, f.mgr.TriggerSync(ctx))
	assert.Equal(t, SyncResult{}, f.mgr.TriggerSync(ctx))
	assert.Equal(t, []string{first, first, first, other}, f.exec.Calls())

	held := f.get(t, second)
	assert.Equal(t, domain.ActionStatusPending, held.Status)
	assert.Zero(t, held.RetryCount)
	assert.Equal(t, 2, f.mgr.Snapshot().Count)
}

func TestTriggerSync_SingleFlight(t *testing.T) {
	f := newFixture(t)
	f.queueUpdate(t, "t1")

	started := make(chan struct{})
	release := make(chan struct{})
	f.exec.fn = func(*domain.QueuedAction) error {
		close(started)
		<-release
		return nil
	}

	done := make(chan SyncResult)
	go func() { done <- f.mgr.TriggerSync(context.Background()) }()
	<-started

	assert.True(t, f.mgr.Syncing())
	assert.Equal(t, SyncResult{}, f.mgr.TriggerSync(context.Background()))

	close(release)
	assert.Equal(t, SyncResult{Success: 1}, <-done)
	assert.Len(t, f.exec.Calls(), 1)
	assert.False(t, f.mgr.Syncing())
}

func TestTriggerSync_NoopWhenOffline(t *testing.T) {
	f := newFixture(t)
	f.queueUpdate(t, "t1")
	f.mgr.SetOnline(false)

	assert.Equal(t, SyncResult{}, f.mgr.TriggerSync(context.Background()))
	assert.Empty(t, f.exec.Calls())
	assert.Equal(t, domain.SyncIdle, f.mgr.Snapshot().SyncStatus)
}

func TestRetryNow_OfflineNotifies(t *testing.T) {
	f := newFixture(t)
	f.mgr.SetOnline(false)

	f.mgr.RetryNow(context.Background())

	notices := f.notices.All()
	require.Len(t, notices, 1)
	assert.Equal(t, "You're offline", notices[0].Title)
	assert.Equal(t, "Will sync when connection is restored", notices[0].Description)
}

func TestHandleOnline_SyncsOnce(t *testing.T) {
	f := newFixture(t)
	f.mgr.SetOnline(false)
	f.queueUpdate(t, "t1")

	res := f.mgr.HandleOnline(context.Background())

	assert.True(t, f.mgr.Online())
	assert.Equal(t, SyncResult{Success: 1}, res)
}

func TestRetryAllFailed(t *testing.T) {
	f := newFixture(t)
	f.exec.fn = func(*domain.QueuedAction) error { return errors.New("boom") }
	a := f.queueUpdate(t, "t1")
	b := f.queueUpdate(t, "t2")
	f.mgr.TriggerSync(context.Background())

	f.exec.fn = nil
	res, err := f.mgr.RetryAllFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Success: 2}, res)
	assert.Equal(t, 1, f.get(t, a).RetryCount)
	assert.Equal(t, domain.ActionStatusSynced, f.get(t, b).Status)
}

func TestRetryAction_RejectsSyncedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.queueUpdate(t, "t1")
	f.mgr.TriggerSync(ctx)
	require.Equal(t, domain.ActionStatusSynced, f.get(t, id).Status)

	_, err := f.mgr.RetryAction(ctx, id)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, domain.ActionStatusSynced, f.get(t, id).Status)
	assert.Len(t, f.exec.Calls(), 1)
}

func TestTriggerSync_ResumesInterruptedAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.queueUpdate(t, "t1")
	syncing := domain.ActionStatusSyncing
	require.NoError(t, f.repo.Update(ctx, id, domain.ActionPatch{Status: &syncing, UpdatedAt: time.Now()}))

	res := f.mgr.TriggerSync(ctx)

	assert.Equal(t, SyncResult{Success: 1}, res)
	assert.Equal(t, domain.ActionStatusSynced, f.get(t, id).Status)
}

func TestRetryAction_ForeignRecord(t *testing.T) {
	f := newFixture(t)
	id := f.queueUpdate(t, "t1")
	f.sess.SignIn("u2")

	_, err := f.mgr.RetryAction(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrActionNotFound)
}

func TestDiscardAction_Idempotent(t *testing.T) {
	f := newFixture(t)
	id := f.queueUpdate(t, "t1")
	ctx := context.Background()

	require.NoError(t, f.mgr.DiscardAction(ctx, id))
	require.NoError(t, f.mgr.DiscardAction(ctx, id))
	assert.Zero(t, f.mgr.Snapshot().Count)
	assert.Empty(t, f.mgr.Snapshot().Receipts)
}
