package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/core/failure"
	"github.com/vietddude/lifeline/internal/core/session"
	"github.com/vietddude/lifeline/internal/health"
	"github.com/vietddude/lifeline/internal/sync/queue"
	"github.com/vietddude/lifeline/internal/telemetry"
	"github.com/vietddude/lifeline/internal/telemetry/metrics"
)

// ErrNotSignedIn is returned by ReportIssue when nobody is signed in.
var ErrNotSignedIn = errors.New("you must be signed in to report issues")

// Config tunes the hysteresis of the machine.
type Config struct {
	DegradedErrorThreshold int           `yaml:"degraded_error_threshold" validate:"gte=1"`
	ErrorWindow            time.Duration `yaml:"error_window"`
	RecoveredBanner        time.Duration `yaml:"recovered_banner"`
	RecoveryGrace          time.Duration `yaml:"recovery_grace"`
	MaxFingerprints        int           `yaml:"max_fingerprints"`
	MaxScreenshotBytes     int           `yaml:"max_screenshot_bytes"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		DegradedErrorThreshold: 3,
		ErrorWindow:            2 * time.Minute,
		RecoveredBanner:        5 * time.Second,
		RecoveryGrace:          30 * time.Second,
		MaxFingerprints:        20,
		MaxScreenshotBytes:     1_500_000,
	}
}

// Snapshot is the contract exposed to the rest of the application.
type Snapshot struct {
	State                   domain.ResilienceState `json:"state"`
	Online                  bool                   `json:"is_online"`
	BackendHealth           domain.BackendHealth   `json:"backend_health"`
	ProbeFailures           int                    `json:"probe_failures"`
	LastHealthyAt           *time.Time             `json:"last_healthy_at,omitempty"`
	QueueCount              int                    `json:"queue_count"`
	Receipts                []domain.Receipt       `json:"receipts"`
	SyncStatus              domain.SyncStatus      `json:"sync_status"`
	LastSyncError           string                 `json:"last_sync_error,omitempty"`
	ShouldQueueWrites       bool                   `json:"should_queue_writes"`
	RecentErrorFingerprints []string               `json:"recent_error_fingerprints"`
	DegradedDismissed       bool                   `json:"degraded_dismissed"`
}

// Submitter sends a support report live.
type Submitter interface {
	Invoke(ctx context.Context, function string, body any, out any) error
}

// WriteOutcome tells a caller of ExecuteWrite what happened.
type WriteOutcome struct {
	Queued   bool   `json:"queued"`
	ActionID string `json:"action_id,omitempty"`
}

// Machine derives the resilience state and is the single entry point for
// queue operations.
type Machine struct {
	queue     *queue.Manager
	monitor   *health.Monitor
	submitter Submitter
	session   session.Provider
	tracker   telemetry.Tracker
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	// evalMu serialises evaluate so every pass reads fresh inputs.
	evalMu sync.Mutex

	mu               sync.Mutex
	online           bool
	hasIncident      bool
	dismissed        bool
	recoveredUntil   time.Time
	recoveryDeadline time.Time
	errorTimes     []time.Time
	fingerprints   []string
	state          domain.ResilienceState
	lastBanner     domain.ResilienceState
	timer          *time.Timer
	disposed       bool
	subs           map[int]func(Snapshot)
	nextSub        int
}

// Option configures a Machine.
type Option func(*Machine)

func WithTracker(t telemetry.Tracker) Option { return func(m *Machine) { m.tracker = t } }

func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func WithSubmitter(s Submitter) Option { return func(m *Machine) { m.submitter = s } }

// New creates a machine over the queue and health monitor.
func New(q *queue.Manager, mon *health.Monitor, sess session.Provider, cfg Config, opts ...Option) *Machine {
	def := DefaultConfig()
	if cfg.DegradedErrorThreshold <= 0 {
		cfg.DegradedErrorThreshold = def.DegradedErrorThreshold
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = def.ErrorWindow
	}
	if cfg.RecoveredBanner <= 0 {
		cfg.RecoveredBanner = def.RecoveredBanner
	}
	if cfg.RecoveryGrace <= 0 {
		cfg.RecoveryGrace = def.RecoveryGrace
	}
	if cfg.MaxFingerprints <= 0 {
		cfg.MaxFingerprints = def.MaxFingerprints
	}
	if cfg.MaxScreenshotBytes <= 0 {
		cfg.MaxScreenshotBytes = def.MaxScreenshotBytes
	}
	m := &Machine{
		queue:   q,
		monitor: mon,
		session: sess,
		tracker: telemetry.Nop{},
		logger:  slog.Default(),
		cfg:     cfg,
		now:     time.Now,
		online:  q.Online(),
		state:   domain.StateHealthy,
		subs:    make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "resilience")
	return m
}

// Init loads the queue and starts listening to its inputs.
func (m *Machine) Init(ctx context.Context) error {
	m.monitor.SetReporter(m.ReportAPIFailure)
	m.queue.OnChange(func(queue.Snapshot) { m.evaluate() })
	m.monitor.OnChange(func(health.Status) { m.evaluate() })
	if err := m.queue.Init(ctx); err != nil {
		return err
	}
	m.evaluate()
	return nil
}

// Dispose stops timers and drops subscribers.
func (m *Machine) Dispose() {
	m.mu.Lock()
	m.disposed = true
	if m.timer != nil {
		m.timer.Stop()
	}
	m.subs = make(map[int]func(Snapshot))
	m.mu.Unlock()
	m.queue.Close()
}

// Subscribe registers fn for every new snapshot. The returned func unsubscribes.
// fn runs synchronously and must not call back into the Machine.
func (m *Machine) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// SetOnline feeds the runtime connectivity signal. Coming back online clears
// a dismissed banner, probes immediately and runs one sync pass.
func (m *Machine) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	prev := m.online
	m.online = online
	if online && !prev {
		m.dismissed = false
	}
	if !online {
		m.hasIncident = true
	}
	m.mu.Unlock()

	if prev == online {
		return
	}
	m.logger.Info("Connectivity changed", "online", online)
	if !online {
		m.queue.SetOnline(false)
		m.monitor.SetOnline(false)
		m.evaluate()
		return
	}
	m.monitor.HandleOnline()
	m.evaluate()
	m.queue.HandleOnline(ctx)
}

// Snapshot returns the current exposed contract.
func (m *Machine) Snapshot() Snapshot {
	qs, hs := m.queue.Snapshot(), m.monitor.Status()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(qs, hs)
}

// ShouldQueueWrites is the single check write paths make before a live call.
func (m *Machine) ShouldQueueWrites() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldQueueLocked()
}

func (m *Machine) shouldQueueLocked() bool {
	return !m.online || m.state == domain.StateOffline || m.state == domain.StateOutage
}

// DismissDegraded hides the degraded banner until the next online transition.
func (m *Machine) DismissDegraded() {
	m.mu.Lock()
	m.dismissed = true
	m.mu.Unlock()
	m.evaluate()
}

// ReportAPIFailure records a queueable error in the rolling window.
// Other errors are ignored.
func (m *Machine) ReportAPIFailure(err error, fields map[string]any) {
	if err == nil || !failure.IsQueueable(err) {
		return
	}
	metrics.APIFailures.WithLabelValues(string(failure.Classify(err))).Inc()

	m.mu.Lock()
	now := m.now()
	m.errorTimes = append(m.errorTimes, now)
	m.pruneErrorsLocked(now)
	m.fingerprints = append(m.fingerprints, failure.Fingerprint(err, fields))
	if over := len(m.fingerprints) - m.cfg.MaxFingerprints; over > 0 {
		m.fingerprints = append([]string(nil), m.fingerprints[over:]...)
	}
	m.mu.Unlock()

	m.evaluate()
}

func (m *Machine) pruneErrorsLocked(now time.Time) {
	keep := m.errorTimes[:0]
	for _, t := range m.errorTimes {
		if now.Sub(t) <= m.cfg.ErrorWindow {
			keep = append(keep, t)
		}
	}
	m.errorTimes = keep
}

// evaluate recomputes the state, runs incident bookkeeping and notifies subscribers.
func (m *Machine) evaluate() {
	m.evalMu.Lock()
	defer m.evalMu.Unlock()

	qs := m.queue.Snapshot()
	hs := m.monitor.Status()
	configured := m.monitor.Configured()

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	now := m.now()
	m.pruneErrorsLocked(now)

	in := Inputs{
		Online:            m.online,
		BackendHealth:     hs.Health,
		ProbeConfigured:   configured,
		ProbeFailures:     hs.ProbeFailures,
		OutageThreshold:   m.monitor.OutageThreshold(),
		QueueCount:        qs.Count,
		HasIncident:       m.hasIncident,
		DegradedByErrors:  len(m.errorTimes) >= m.cfg.DegradedErrorThreshold,
		DegradedDismissed: m.dismissed,
		Now:               now,
	}

	prev := m.state
	base := Derive(in)
	if base == domain.StateOffline || base == domain.StateOutage {
		m.hasIncident = true
	} else if prev == domain.StateOffline || prev == domain.StateOutage {
		m.recoveryDeadline = now.Add(m.cfg.RecoveryGrace)
	}
	recovered := false
	if m.hasIncident && in.Recovered() {
		m.hasIncident = false
		m.recoveredUntil = now.Add(m.cfg.RecoveredBanner)
		recovered = true
	}
	in.HasIncident = m.hasIncident
	in.RecoveredUntil = m.recoveredUntil
	in.RecoveryDeadline = m.recoveryDeadline

	state := Derive(in)
	m.state = state

	var banner bool
	if state == domain.StateHealthy {
		m.lastBanner = ""
	} else if m.lastBanner != state {
		m.lastBanner = state
		banner = true
	}

	m.scheduleLocked(now)
	snap := m.snapshotLocked(qs, hs)
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if recovered {
		m.tracker.Track(telemetry.EventQueueRecovered, map[string]any{
			"recovered_at": now.UTC().Format(time.RFC3339),
		})
	}
	if banner {
		m.tracker.Track(telemetry.EventStatusBannerShown, map[string]any{
			"state":          string(state),
			"queue_count":    qs.Count,
			"backend_health": string(hs.Health),
		})
	}
	if state != prev {
		for _, s := range []domain.ResilienceState{
			domain.StateHealthy, domain.StateDegraded, domain.StateOffline, domain.StateOutage, domain.StateRecovering,
		} {
			v := 0.0
			if s == state {
				v = 1
			}
			metrics.ResilienceState.WithLabelValues(string(s)).Set(v)
		}
		m.logger.Info("Resilience state changed", "from", prev, "to", state)
	}
	for _, fn := range subs {
		fn(snap)
	}
}

// scheduleLocked arms a timer for the next moment the state can change
// without any new input: the end of the recovered window, the end of the
// recovery grace or the expiry of the oldest error in the window.
func (m *Machine) scheduleLocked(now time.Time) {
	var next time.Time
	if now.Before(m.recoveredUntil) {
		next = m.recoveredUntil
	}
	if m.hasIncident && now.Before(m.recoveryDeadline) {
		if next.IsZero() || m.recoveryDeadline.Before(next) {
			next = m.recoveryDeadline
		}
	}
	if len(m.errorTimes) > 0 {
		expiry := m.errorTimes[0].Add(m.cfg.ErrorWindow + time.Millisecond)
		if next.IsZero() || expiry.Before(next) {
			next = expiry
		}
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if next.IsZero() {
		return
	}
	m.timer = time.AfterFunc(next.Sub(now), m.evaluate)
}

func (m *Machine) snapshotLocked(qs queue.Snapshot, hs health.Status) Snapshot {
	return Snapshot{
		State:                   m.state,
		Online:                  m.online,
		BackendHealth:           hs.Health,
		ProbeFailures:           hs.ProbeFailures,
		LastHealthyAt:           hs.LastHealthyAt,
		QueueCount:              qs.Count,
		Receipts:                qs.Receipts,
		SyncStatus:              qs.SyncStatus,
		LastSyncError:           qs.LastSyncError,
		ShouldQueueWrites:       m.shouldQueueLocked(),
		RecentErrorFingerprints: append([]string{}, m.fingerprints...),
		DegradedDismissed:       m.dismissed,
	}
}

// -----------------------------------------------------------------------------
// Queue delegation
// -----------------------------------------------------------------------------

// QueueAction enqueues a write.
func (m *Machine) QueueAction(ctx context.Context, req queue.QueueRequest) (string, error) {
	return m.queue.QueueAction(ctx, req)
}

// QueueTaskAction enqueues a task write by verb.
func (m *Machine) QueueTaskAction(ctx context.Context, verb domain.TaskVerb, payload map[string]any) (string, error) {
	return m.queue.QueueTaskAction(ctx, verb, payload)
}

// RetryAll resets failed records and runs a pass.
func (m *Machine) RetryAll(ctx context.Context) error {
	_, err := m.queue.RetryAllFailed(ctx)
	return err
}

// RetryAction resets one record and runs a pass.
func (m *Machine) RetryAction(ctx context.Context, id string) error {
	_, err := m.queue.RetryAction(ctx, id)
	return err
}

// DiscardAction deletes a record.
func (m *Machine) DiscardAction(ctx context.Context, id string) error {
	return m.queue.DiscardAction(ctx, id)
}

// RetryNow runs a pass on demand; offline it only notifies.
func (m *Machine) RetryNow(ctx context.Context) queue.SyncResult {
	return m.queue.RetryNow(ctx)
}

// ExecuteWrite runs live unless writes should be queued. A queueable live
// failure is reported and the intent queued; other failures propagate.
func (m *Machine) ExecuteWrite(ctx context.Context, req queue.QueueRequest, live func(ctx context.Context) error) (WriteOutcome, error) {
	if m.ShouldQueueWrites() {
		return m.enqueue(ctx, req)
	}
	err := live(ctx)
	if err == nil {
		return WriteOutcome{}, nil
	}
	m.ReportAPIFailure(err, map[string]any{"source": "live_write", "action_kind": string(req.Kind)})
	if !failure.IsQueueable(err) {
		return WriteOutcome{}, err
	}
	m.logger.Debug("Live write failed, queueing", "kind", req.Kind, "error", err)
	return m.enqueue(ctx, req)
}

func (m *Machine) enqueue(ctx context.Context, req queue.QueueRequest) (WriteOutcome, error) {
	id, err := m.queue.QueueAction(ctx, req)
	if err != nil {
		return WriteOutcome{}, err
	}
	return WriteOutcome{Queued: true, ActionID: id}, nil
}
