package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const influxMeasurement = "lifeline_events"

// InfluxConfig holds InfluxDB sink settings. An empty URL disables the sink.
type InfluxConfig struct {
	URL        string `yaml:"url"    validate:"omitempty,url"`
	Token      string `yaml:"token"`
	Org        string `yaml:"org"`
	Bucket     string `yaml:"bucket"`
	BufferSize int    `yaml:"buffer_size"`
}

type influxEvent struct {
	name  string
	props map[string]any
	at    time.Time
}

// InfluxTracker writes events to InfluxDB from a background goroutine.
// Events are dropped when the buffer is full.
type InfluxTracker struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	events   chan influxEvent
	logger   *slog.Logger
	once     sync.Once
}

func NewInfluxTracker(cfg InfluxConfig, logger *slog.Logger) *InfluxTracker {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 256
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxTracker{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		events:   make(chan influxEvent, size),
		logger:   logger.With("component", "influx"),
	}
}

func (t *InfluxTracker) Track(event string, props map[string]any) {
	select {
	case t.events <- influxEvent{name: event, props: props, at: time.Now()}:
	default:
		t.logger.Debug("Dropping telemetry event, buffer full", "event", event)
	}
}

// Run writes buffered events until ctx is done.
func (t *InfluxTracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-t.events:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := t.writeAPI.WritePoint(writeCtx, toPoint(ev)); err != nil {
				t.logger.Warn("Failed to write telemetry event", "event", ev.name, "error", err)
			}
			cancel()
		}
	}
}

// Close releases the client once Run has returned.
func (t *InfluxTracker) Close() {
	t.once.Do(func() { t.client.Close() })
}

func toPoint(ev influxEvent) *write.Point {
	p := influxdb2.NewPointWithMeasurement(influxMeasurement).
		AddTag("event", ev.name).
		SetTime(ev.at)
	fields := 0
	for k, v := range ev.props {
		switch val := v.(type) {
		case string, bool, int, int64, float64, float32, uint, uint64:
			p.AddField(k, val)
		case fmt.Stringer:
			p.AddField(k, val.String())
		case nil:
			continue
		default:
			p.AddField(k, fmt.Sprint(val))
		}
		fields++
	}
	if fields == 0 {
		p.AddField("count", 1)
	}
	return p
}
