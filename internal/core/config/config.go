package config

import (
	"time"

	"github.com/vietddude/lifeline/internal/health"
	"github.com/vietddude/lifeline/internal/infra/connectivity"
	"github.com/vietddude/lifeline/internal/infra/remote"
	"github.com/vietddude/lifeline/internal/resilience"
	"github.com/vietddude/lifeline/internal/sync/queue"
	"github.com/vietddude/lifeline/internal/telemetry"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig        `yaml:"server"`
	Logging      LoggingConfig       `yaml:"logging"`
	User         UserConfig          `yaml:"user"`
	Store        StoreConfig         `yaml:"store"`
	Remote       remote.Config       `yaml:"remote"`
	Health       health.Config       `yaml:"health"`
	Queue        queue.Config        `yaml:"queue"`
	Resilience   resilience.Config   `yaml:"resilience"`
	Connectivity connectivity.Config `yaml:"connectivity"`
	Telemetry    TelemetryConfig     `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=0,lte=65535"` // 0 disables the status server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"  validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// UserConfig names the signed-in user records are scoped to.
type UserConfig struct {
	ID string `yaml:"id"`
}

// StoreConfig selects the action store backend by DSN scheme:
// memory://, badger://<dir>, sqlite://<file>, sqlite::memory:,
// postgres://, pgx://, postgres+libpq://, redis://.
type StoreConfig struct {
	DSN        string        `yaml:"dsn"         validate:"required"`
	MaxConns   int           `yaml:"max_conns"`
	MinConns   int           `yaml:"min_conns"`
	GCInterval time.Duration `yaml:"gc_interval"` // badger value log GC
	KeyPrefix  string        `yaml:"key_prefix"`  // redis
}

// TelemetryConfig selects event sinks. Logs and Prometheus are always on.
type TelemetryConfig struct {
	Influx telemetry.InfluxConfig `yaml:"influx"`
}
