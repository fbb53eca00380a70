// Package resilience fuses connectivity, backend health, queue depth and recent
// write errors into one resilience state.
package resilience

import (
	"time"

	"github.com/vietddude/lifeline/internal/core/domain"
)

// Inputs is everything the derived state depends on.
type Inputs struct {
	Online            bool
	BackendHealth     domain.BackendHealth
	ProbeConfigured   bool
	ProbeFailures     int
	OutageThreshold   int
	QueueCount        int
	HasIncident       bool
	DegradedByErrors  bool
	DegradedDismissed bool
	RecoveredUntil    time.Time
	RecoveryDeadline  time.Time
	Now               time.Time
}

// Recovered reports whether an incident can be closed: nothing left to
// replay, online, and the backend answering. Without a probe endpoint an
// unknown backend counts as answering.
func (in Inputs) Recovered() bool {
	if in.QueueCount != 0 || !in.Online {
		return false
	}
	if in.BackendHealth == domain.BackendHealthy {
		return true
	}
	return in.BackendHealth == domain.BackendUnknown && !in.ProbeConfigured
}

// Derive evaluates the state in priority order; the first match wins.
// An open incident that has not recovered yet reads as recovering until
// RecoveryDeadline, so records that never sync cannot pin the state.
func Derive(in Inputs) domain.ResilienceState {
	switch {
	case !in.Online:
		return domain.StateOffline
	case in.OutageThreshold > 0 && in.ProbeFailures >= in.OutageThreshold:
		return domain.StateOutage
	case in.Now.Before(in.RecoveredUntil):
		return domain.StateRecovering
	case in.HasIncident && !in.Recovered() && in.Now.Before(in.RecoveryDeadline):
		return domain.StateRecovering
	case (in.BackendHealth == domain.BackendDegraded || in.DegradedByErrors) && !in.DegradedDismissed:
		return domain.StateDegraded
	default:
		return domain.StateHealthy
	}
}
