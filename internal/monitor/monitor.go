// Package monitor is the daemon's self-observation producer: it samples
// process health on an interval and publishes the readings as health_check
// events, so dashboards see the daemon the same way they see any project.
package monitor

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulseboard/pulsed/internal/event"
)

// Publisher is the bus surface the monitor publishes through.
type Publisher interface {
	PublishPayload(projectID string, p event.Payload) (uint64, error)
}

// Config holds monitor configuration.
type Config struct {
	// ProjectID is the pseudo-project the readings are published under.
	ProjectID string

	// Interval between samples.
	Interval time.Duration

	// MaxAllocMB marks the heap reading degraded above this.
	MaxAllocMB float64

	// MaxGoroutines marks the goroutine reading degraded above this.
	MaxGoroutines int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProjectID:     "_system",
		Interval:      30 * time.Second,
		MaxAllocMB:    500,
		MaxGoroutines: 500,
	}
}

// SystemMonitor samples heap usage and goroutine count.
type SystemMonitor struct {
	cfg    Config
	pub    Publisher
	logger zerolog.Logger
}

// New creates a system monitor.
func New(cfg Config, pub Publisher, logger zerolog.Logger) *SystemMonitor {
	def := DefaultConfig()
	if cfg.ProjectID == "" {
		cfg.ProjectID = def.ProjectID
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxAllocMB <= 0 {
		cfg.MaxAllocMB = def.MaxAllocMB
	}
	if cfg.MaxGoroutines <= 0 {
		cfg.MaxGoroutines = def.MaxGoroutines
	}
	return &SystemMonitor{
		cfg:    cfg,
		pub:    pub,
		logger: logger.With().Str("component", "monitor").Logger(),
	}
}

// Run samples and publishes until ctx is cancelled.
func (m *SystemMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *SystemMonitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	allocMB := float64(ms.Alloc) / (1024 * 1024)
	goroutines := runtime.NumGoroutine()

	m.publish("heap", allocMB <= m.cfg.MaxAllocMB)
	m.publish("goroutines", goroutines <= m.cfg.MaxGoroutines)

	m.logger.Debug().
		Float64("alloc_mb", allocMB).
		Int("goroutines", goroutines).
		Msg("system sample published")
}

func (m *SystemMonitor) publish(component string, healthy bool) {
	status := "ok"
	if !healthy {
		status = "degraded"
	}
	_, err := m.pub.PublishPayload(m.cfg.ProjectID, event.HealthCheckPayload{
		Component: component,
		Status:    status,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("check", component).Msg("publish failed")
	}
}
