package resilience

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/core/failure"
	"github.com/vietddude/lifeline/internal/sync/executor"
	"github.com/vietddude/lifeline/internal/sync/queue"
	"github.com/vietddude/lifeline/internal/telemetry"
)

var reportValidate = validator.New()

// ReportIssue queues or submits a support report. Writes that should be
// queued, and live failures that are a 404 or queueable, end up in the queue.
func (m *Machine) ReportIssue(ctx context.Context, report domain.SupportReport) (domain.ReportOutcome, error) {
	if m.session.UserID() == "" {
		return domain.ReportOutcome{}, ErrNotSignedIn
	}

	snap := m.Snapshot()
	report = m.sanitizeReport(report, snap)
	if err := validateReport(report); err != nil {
		return domain.ReportOutcome{}, err
	}

	if snap.ShouldQueueWrites || snap.State == domain.StateOutage {
		return m.queueReport(ctx, report, string(snap.State))
	}
	if m.submitter == nil {
		return m.queueReport(ctx, report, "no_remote")
	}

	err := m.submitter.Invoke(ctx, executor.SupportReportFunction, report.Payload(), nil)
	if err == nil {
		m.tracker.Track(telemetry.EventSupportReportSubmitted, map[string]any{
			"correlation_id": report.CorrelationID,
		})
		return domain.ReportOutcome{Submitted: true}, nil
	}

	m.ReportAPIFailure(err, map[string]any{"source": "support_report_submit"})
	if failure.Status(err) == http.StatusNotFound || failure.IsQueueable(err) {
		return m.queueReport(ctx, report, "network_or_outage")
	}
	return domain.ReportOutcome{}, err
}

func (m *Machine) queueReport(ctx context.Context, report domain.SupportReport, reason string) (domain.ReportOutcome, error) {
	_, err := m.queue.QueueAction(ctx, queue.QueueRequest{
		Kind:       domain.ActionSupportReport,
		EntityType: domain.EntitySupportReport,
		EntityID:   report.CorrelationID,
		Payload:    report.Payload(),
	})
	if err != nil {
		return domain.ReportOutcome{}, err
	}
	m.tracker.Track(telemetry.EventSupportReportQueued, map[string]any{
		"correlation_id": report.CorrelationID,
		"reason":         reason,
	})
	return domain.ReportOutcome{Queued: true}, nil
}

// sanitizeReport trims text, fills the correlation id, drops oversized
// screenshots, and attaches diagnostics only with consent.
func (m *Machine) sanitizeReport(r domain.SupportReport, snap Snapshot) domain.SupportReport {
	r.CorrelationID = strings.TrimSpace(r.CorrelationID)
	if r.CorrelationID == "" {
		r.CorrelationID = uuid.NewString()
	}
	r.Category = strings.TrimSpace(r.Category)
	if r.Category == "" {
		r.Category = "other"
	}
	r.Summary = strings.TrimSpace(r.Summary)
	r.ReproductionSteps = strings.TrimSpace(r.ReproductionSteps)
	r.ExpectedBehavior = strings.TrimSpace(r.ExpectedBehavior)
	r.ActualBehavior = strings.TrimSpace(r.ActualBehavior)
	if len(r.ScreenshotDataURL) > m.cfg.MaxScreenshotBytes {
		r.ScreenshotDataURL = ""
	}

	if !r.ConsentDiagnostics {
		r.Diagnostics = nil
		return r
	}
	diag := make(map[string]any, len(r.Diagnostics)+8)
	for k, v := range r.Diagnostics {
		diag[k] = v
	}
	diag["state"] = string(snap.State)
	diag["is_online"] = snap.Online
	diag["backend_health"] = string(snap.BackendHealth)
	diag["probe_failures"] = snap.ProbeFailures
	diag["queue_count"] = snap.QueueCount
	diag["sync_status"] = string(snap.SyncStatus)
	diag["recent_error_fingerprints"] = snap.RecentErrorFingerprints
	diag["captured_at"] = m.now().UTC().Format(time.RFC3339)
	if snap.LastHealthyAt != nil {
		diag["last_healthy_at"] = snap.LastHealthyAt.UTC().Format(time.RFC3339)
	}
	r.Diagnostics = diag
	return r
}

func validateReport(r domain.SupportReport) error {
	err := reportValidate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return failure.Invalid(verrs[0].Field(), "failed "+verrs[0].Tag())
	}
	return failure.Invalid("report", err.Error())
}
