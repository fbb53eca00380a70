package resilience

import (
	"testing"
	"time"

	"github.com/vietddude/lifeline/internal/core/domain"
)

func TestDerive(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	base := Inputs{
		Online:          true,
		BackendHealth:   domain.BackendHealthy,
		ProbeConfigured: true,
		OutageThreshold: 3,
		Now:             now,
	}

	tests := []struct {
		name   string
		modify func(*Inputs)
		want   domain.ResilienceState
	}{
		{"all good", func(*Inputs) {}, domain.StateHealthy},
		{"offline beats everything", func(in *Inputs) {
			in.Online = false
			in.ProbeFailures = 5
			in.RecoveredUntil = now.Add(time.Second)
			in.DegradedByErrors = true
		}, domain.StateOffline},
		{"outage at threshold", func(in *Inputs) {
			in.ProbeFailures = 3
			in.BackendHealth = domain.BackendOutage
		}, domain.StateOutage},
		{"outage beats recovering window", func(in *Inputs) {
			in.ProbeFailures = 3
			in.RecoveredUntil = now.Add(time.Second)
		}, domain.StateOutage},
		{"below threshold is not outage", func(in *Inputs) {
			in.ProbeFailures = 2
			in.BackendHealth = domain.BackendDegraded
		}, domain.StateDegraded},
		{"recovered window", func(in *Inputs) {
			in.RecoveredUntil = now.Add(time.Second)
			in.DegradedByErrors = true
		}, domain.StateRecovering},
		{"recovered window elapsed", func(in *Inputs) {
			in.RecoveredUntil = now
		}, domain.StateHealthy},
		{"incident still draining", func(in *Inputs) {
			in.HasIncident = true
			in.QueueCount = 2
			in.RecoveryDeadline = now.Add(time.Second)
		}, domain.StateRecovering},
		{"incident past recovery grace", func(in *Inputs) {
			in.HasIncident = true
			in.QueueCount = 2
			in.RecoveryDeadline = now
		}, domain.StateHealthy},
		{"degraded once recovery grace ends", func(in *Inputs) {
			in.HasIncident = true
			in.QueueCount = 1
			in.DegradedByErrors = true
			in.RecoveryDeadline = now.Add(-time.Minute)
		}, domain.StateDegraded},
		{"degraded by errors", func(in *Inputs) {
			in.DegradedByErrors = true
		}, domain.StateDegraded},
		{"degraded dismissed", func(in *Inputs) {
			in.DegradedByErrors = true
			in.DegradedDismissed = true
		}, domain.StateHealthy},
		{"unknown health is healthy", func(in *Inputs) {
			in.BackendHealth = domain.BackendUnknown
		}, domain.StateHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.modify(&in)
			if got := Derive(in); got != tt.want {
				t.Errorf("Derive() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestInputs_Recovered(t *testing.T) {
	in := Inputs{Online: true, BackendHealth: domain.BackendHealthy, ProbeConfigured: true}
	if !in.Recovered() {
		t.Error("expected recovered")
	}

	in.QueueCount = 1
	if in.Recovered() {
		t.Error("pending records block recovery")
	}

	in.QueueCount = 0
	in.BackendHealth = domain.BackendUnknown
	if in.Recovered() {
		t.Error("unknown health with a probe configured blocks recovery")
	}

	in.ProbeConfigured = false
	if !in.Recovered() {
		t.Error("unknown health without a probe should not block recovery")
	}
}
