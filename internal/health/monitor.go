package health

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/telemetry"
	"github.com/vietddude/lifeline/internal/telemetry/metrics"
)

var tracer = otel.Tracer("lifeline.health")

// Prober checks backend reachability once.
type Prober interface {
	Probe(ctx context.Context) error
}

// configurable is implemented by probers that may lack an endpoint.
type configurable interface {
	Configured() bool
}

// FailureReporter receives every failed probe.
type FailureReporter func(err error, fields map[string]any)

// Monitor classifies backend health from consecutive probe outcomes.
type Monitor struct {
	prober   Prober
	cfg      Config
	logger   *slog.Logger
	tracker  telemetry.Tracker
	reporter FailureReporter
	now      func() time.Time

	online atomic.Bool
	active atomic.Bool
	wake   chan struct{}

	mu        sync.RWMutex
	status    Status
	listeners []func(Status)
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

func WithTracker(t telemetry.Tracker) Option { return func(m *Monitor) { m.tracker = t } }

func WithFailureReporter(r FailureReporter) Option { return func(m *Monitor) { m.reporter = r } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// NewMonitor creates a monitor. A nil prober leaves health unknown forever.
func NewMonitor(prober Prober, cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.OutageThreshold <= 0 {
		cfg.OutageThreshold = def.OutageThreshold
	}
	m := &Monitor{
		prober:  prober,
		cfg:     cfg,
		logger:  slog.Default(),
		tracker: telemetry.Nop{},
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		status:  Status{Health: domain.BackendUnknown},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "health")
	m.online.Store(true)
	m.active.Store(true)
	return m
}

// SetReporter replaces the failure reporter. It must be called before Start.
func (m *Monitor) SetReporter(r FailureReporter) {
	m.reporter = r
}

// Configured reports whether probing can ever succeed.
func (m *Monitor) Configured() bool {
	if m.prober == nil {
		return false
	}
	if c, ok := m.prober.(configurable); ok {
		return c.Configured()
	}
	return true
}

// OutageThreshold is the failure count at which health becomes outage.
func (m *Monitor) OutageThreshold() int {
	return m.cfg.OutageThreshold
}

// Start runs the probe loop until ctx is done. It probes once immediately
// when online, then on every tick while online and active.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	if m.online.Load() {
		m.Probe(ctx)
		// a wake queued before the loop started is covered by this probe
		select {
		case <-m.wake:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			m.Probe(ctx)
		case <-ticker.C:
			if !m.online.Load() || !m.active.Load() {
				continue
			}
			m.Probe(ctx)
		}
	}
}

// SetActive gates periodic probes, e.g. when the process is in the background.
func (m *Monitor) SetActive(active bool) {
	m.active.Store(active)
}

// SetOnline records the runtime connectivity signal. Going offline marks
// health unknown; failure counts are kept.
func (m *Monitor) SetOnline(online bool) {
	m.online.Store(online)
	if !online {
		m.update(func(s *Status) { s.Health = domain.BackendUnknown })
	}
}

// HandleOnline marks the runtime online and requests an immediate probe
// from the running loop.
func (m *Monitor) HandleOnline() {
	m.online.Store(true)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Probe runs one probe bounded by the configured timeout. It never returns
// an error; outcomes only update the status.
func (m *Monitor) Probe(ctx context.Context) Status {
	if !m.online.Load() || !m.Configured() {
		m.update(func(s *Status) { s.Health = domain.BackendUnknown })
		return m.Status()
	}

	ctx, span := tracer.Start(ctx, "health.Probe")
	defer span.End()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	err := m.prober.Probe(probeCtx)
	cancel()

	now := m.now()
	if err == nil {
		metrics.HealthProbes.WithLabelValues("success").Inc()
		metrics.ProbeFailures.Set(0)
		m.update(func(s *Status) {
			if s.Health != domain.BackendHealthy {
				m.logger.Info("Backend healthy", "previous", s.Health)
			}
			s.Health = domain.BackendHealthy
			s.ProbeFailures = 0
			s.LastHealthyAt = &now
			s.LastProbeAt = &now
			s.LastError = ""
		})
		return m.Status()
	}

	span.RecordError(err)
	metrics.HealthProbes.WithLabelValues("failure").Inc()

	var failures int
	m.update(func(s *Status) {
		s.ProbeFailures++
		failures = s.ProbeFailures
		switch {
		case s.ProbeFailures >= m.cfg.OutageThreshold, s.Health == domain.BackendOutage:
			s.Health = domain.BackendOutage
		default:
			s.Health = domain.BackendDegraded
		}
		s.LastProbeAt = &now
		s.LastError = err.Error()
	})
	metrics.ProbeFailures.Set(float64(failures))
	// listeners see the new health before the failure is reported
	if m.reporter != nil {
		m.reporter(err, map[string]any{"source": "health_probe"})
	}
	m.tracker.Track(telemetry.EventHealthProbeFailed, map[string]any{
		"probe_failures": failures,
		"error":          err.Error(),
	})
	m.logger.Warn("Health probe failed", "failures", failures, "error", err)
	return m.Status()
}

// Status returns the current probe-derived status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// OnChange registers fn to receive every status update.
func (m *Monitor) OnChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) update(fn func(*Status)) {
	m.mu.Lock()
	before := m.status
	fn(&m.status)
	after := m.status
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	if before == after {
		return
	}
	for _, l := range listeners {
		l(after)
	}
}
