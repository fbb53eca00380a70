// Package telemetry forwards fire-and-forget product events to sinks.
package telemetry

import (
	"log/slog"
	"sync"

	"github.com/vietddude/lifeline/internal/telemetry/metrics"
)

// Event names.
const (
	EventActionEnqueued         = "queue_action_enqueued"
	EventActionSynced           = "queue_action_synced"
	EventActionFailed           = "queue_action_failed"
	EventSyncCompleted          = "queue_sync_completed"
	EventQueueRecovered         = "queue_recovered"
	EventStatusBannerShown      = "status_banner_shown"
	EventSupportReportQueued    = "support_report_queued"
	EventSupportReportSubmitted = "support_report_submitted"
	EventHealthProbeFailed      = "health_probe_failed"
)

// Tracker records an event. Implementations must not block the caller.
type Tracker interface {
	Track(event string, props map[string]any)
}

// Multi fans an event out to every tracker.
type Multi []Tracker

func (m Multi) Track(event string, props map[string]any) {
	for _, t := range m {
		t.Track(event, props)
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Track(string, map[string]any) {}

// SlogTracker logs events at debug level.
type SlogTracker struct {
	logger *slog.Logger
}

func NewSlogTracker(logger *slog.Logger) *SlogTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogTracker{logger: logger.With("component", "telemetry")}
}

func (t *SlogTracker) Track(event string, props map[string]any) {
	args := make([]any, 0, 2+2*len(props))
	args = append(args, "event", event)
	for k, v := range props {
		args = append(args, k, v)
	}
	t.logger.Debug("Telemetry event", args...)
}

// PromTracker counts events in prometheus.
type PromTracker struct{}

func (PromTracker) Track(event string, _ map[string]any) {
	metrics.TelemetryEvents.WithLabelValues(event).Inc()
}

// Recorder keeps events in memory. Used by tests and the status endpoint.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Recorded is one captured event.
type Recorded struct {
	Event string
	Props map[string]any
}

func (r *Recorder) Track(event string, props map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Event: event, Props: props})
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Count returns how many times event was recorded.
func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}
