package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/infra/remote"
)

// fakeBackend records task inserts and can be switched into an outage.
type fakeBackend struct {
	mu      sync.Mutex
	down    bool
	inserts []map[string]any
}

func (b *fakeBackend) setDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

func (b *fakeBackend) rows() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.inserts...)
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	switch {
	case r.URL.Path == "/auth/v1/health":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && r.URL.Path == "/rest/v1/daily_tasks":
		var row map[string]any
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.inserts = append(b.inserts, row)
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func startApp(t *testing.T, backend http.Handler) *App {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.Remote = remote.Config{BaseURL: srv.URL, Timeout: time.Second}
	cfg.Health.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	app, err := NewApp(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	})
	return app
}

func TestE2E_OfflineWritesReplayOnReconnect(t *testing.T) {
	backend := &fakeBackend{}
	app := startApp(t, backend)
	m := app.Machine()
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return m.Snapshot().BackendHealth == domain.BackendHealthy
	}, 2*time.Second, 10*time.Millisecond)

	m.SetOnline(ctx, false)
	assert.Equal(t, domain.StateOffline, m.Snapshot().State)
	assert.True(t, m.ShouldQueueWrites())

	id, err := m.QueueTaskAction(ctx, domain.TaskCreate, map[string]any{"task_text": "call mum"})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Snapshot().QueueCount)
	assert.Empty(t, backend.rows())

	m.SetOnline(ctx, true)

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.QueueCount)
	require.Len(t, snap.Receipts, 1)
	assert.Equal(t, domain.ActionStatusSynced, snap.Receipts[0].Status)

	rows := backend.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "call mum", rows[0]["task_text"])
	assert.Equal(t, id, rows[0]["idempotency_key"])
	assert.Equal(t, "u1", rows[0]["user_id"])
}

func TestE2E_FailedSyncKeepsActionQueued(t *testing.T) {
	backend := &fakeBackend{}
	app := startApp(t, backend)
	m := app.Machine()
	ctx := context.Background()

	backend.setDown(true)
	_, err := m.QueueTaskAction(ctx, domain.TaskCreate, map[string]any{"task_text": "stretch"})
	require.NoError(t, err)

	m.RetryNow(ctx)
	snap := m.Snapshot()
	assert.Equal(t, 1, snap.QueueCount)
	require.Len(t, snap.Receipts, 1)
	assert.Equal(t, domain.ActionStatusFailed, snap.Receipts[0].Status)
	// the startup pass may have attempted it too
	assert.GreaterOrEqual(t, snap.Receipts[0].RetryCount, 1)

	backend.setDown(false)
	require.NoError(t, m.RetryAll(ctx))
	assert.Equal(t, 0, m.Snapshot().QueueCount)
	assert.Len(t, backend.rows(), 1)
}
