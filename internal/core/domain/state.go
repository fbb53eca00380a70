package domain

// BackendHealth is the classification of consecutive probe outcomes.
type BackendHealth string

const (
	BackendUnknown  BackendHealth = "unknown"
	BackendHealthy  BackendHealth = "healthy"
	BackendDegraded BackendHealth = "degraded"
	BackendOutage   BackendHealth = "outage"
)

// ResilienceState is the single fused connection signal exposed to the application.
type ResilienceState string

const (
	StateHealthy    ResilienceState = "healthy"
	StateDegraded   ResilienceState = "degraded"
	StateOffline    ResilienceState = "offline"
	StateOutage     ResilienceState = "outage"
	StateRecovering ResilienceState = "recovering"
)

// IsIncident reports whether the state marks an incident.
func (s ResilienceState) IsIncident() bool {
	return s == StateOffline || s == StateOutage
}

// SyncStatus is the coarse progress of the last sync pass.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
)
