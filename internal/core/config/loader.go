package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/lifeline/internal/health"
	"github.com/vietddude/lifeline/internal/resilience"
	"github.com/vietddude/lifeline/internal/sync/queue"
)

var validate = validator.New()

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = "badger://./data/lifeline"
	}

	hd := health.DefaultConfig()
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = hd.Interval
	}
	if cfg.Health.Timeout == 0 {
		cfg.Health.Timeout = hd.Timeout
	}
	if cfg.Health.OutageThreshold == 0 {
		cfg.Health.OutageThreshold = hd.OutageThreshold
	}

	qd := queue.DefaultConfig()
	if cfg.Queue.MaxAutoRetries == 0 {
		cfg.Queue.MaxAutoRetries = qd.MaxAutoRetries
	}
	if cfg.Queue.StatusResetDelay == 0 {
		cfg.Queue.StatusResetDelay = qd.StatusResetDelay
	}
	if cfg.Queue.ReceiptRetention == 0 {
		cfg.Queue.ReceiptRetention = qd.ReceiptRetention
	}

	rd := resilience.DefaultConfig()
	if cfg.Resilience.DegradedErrorThreshold == 0 {
		cfg.Resilience.DegradedErrorThreshold = rd.DegradedErrorThreshold
	}
	if cfg.Resilience.ErrorWindow == 0 {
		cfg.Resilience.ErrorWindow = rd.ErrorWindow
	}
	if cfg.Resilience.RecoveredBanner == 0 {
		cfg.Resilience.RecoveredBanner = rd.RecoveredBanner
	}
	if cfg.Resilience.RecoveryGrace == 0 {
		cfg.Resilience.RecoveryGrace = rd.RecoveryGrace
	}
	if cfg.Resilience.MaxFingerprints == 0 {
		cfg.Resilience.MaxFingerprints = rd.MaxFingerprints
	}
	if cfg.Resilience.MaxScreenshotBytes == 0 {
		cfg.Resilience.MaxScreenshotBytes = rd.MaxScreenshotBytes
	}
}
