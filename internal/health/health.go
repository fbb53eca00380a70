// Package health probes backend reachability and serves the resilience status API.
package health

import (
	"time"

	"github.com/vietddude/lifeline/internal/core/domain"
)

// Status is the probe-derived view of the backend.
type Status struct {
	Health        domain.BackendHealth `json:"backend_health"`
	ProbeFailures int                  `json:"probe_failures"`
	LastHealthyAt *time.Time           `json:"last_healthy_at,omitempty"`
	LastProbeAt   *time.Time           `json:"last_probe_at,omitempty"`
	LastError     string               `json:"last_error,omitempty"`
}

// Config controls probe cadence and the outage threshold.
type Config struct {
	Interval        time.Duration `yaml:"interval"`
	Timeout         time.Duration `yaml:"timeout"`
	OutageThreshold int           `yaml:"outage_threshold" validate:"gte=1"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		Timeout:         8 * time.Second,
		OutageThreshold: 3,
	}
}
