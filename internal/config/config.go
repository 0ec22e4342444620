package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration loaded from environment variables.
// Every tunable the distribution subsystem depends on (buffer capacity,
// heartbeat timing, backpressure thresholds) lives here rather than as a
// constant in the code that uses it.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`

	// Replay buffers
	BufferCapacity      int           `envconfig:"BUFFER_CAPACITY" default:"500"`
	BufferIdleRetention time.Duration `envconfig:"BUFFER_IDLE_RETENTION" default:"10m"`
	BufferSweepInterval time.Duration `envconfig:"BUFFER_SWEEP_INTERVAL" default:"1m"`

	// Connections
	SendQueueSize          int           `envconfig:"SEND_QUEUE_SIZE" default:"64"`
	HeartbeatTimeout       time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"30s"`
	HeartbeatSweep         time.Duration `envconfig:"HEARTBEAT_SWEEP_INTERVAL" default:"10s"`
	HeartbeatPush          time.Duration `envconfig:"HEARTBEAT_PUSH_INTERVAL" default:"30s"`
	DropCloseThreshold     int           `envconfig:"DROP_CLOSE_THRESHOLD" default:"256"`
	ConnectionWriteTimeout time.Duration `envconfig:"CONNECTION_WRITE_TIMEOUT" default:"10s"`

	// Management API
	APIListenAddr  string `envconfig:"API_LISTEN_ADDR" default:":8090"`
	APIAuthMode    string `envconfig:"API_AUTH_MODE" default:"none"` // "none", "api-key", "jwt"
	APIKey         string `envconfig:"API_KEY"`
	APIJWTSecret   string `envconfig:"API_JWT_SECRET"`
	RateLimitRPS   int    `envconfig:"API_RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst int    `envconfig:"API_RATE_LIMIT_BURST" default:"200"`
	CORSOrigins    string `envconfig:"API_CORS_ORIGINS"`
	TLSCert        string `envconfig:"API_TLS_CERT"`
	TLSKey         string `envconfig:"API_TLS_KEY"`

	// File watcher producer (optional, daemon runs without it)
	WatchRulesPath string        `envconfig:"WATCH_RULES_PATH"`
	WatchDebounce  time.Duration `envconfig:"WATCH_DEBOUNCE" default:"500ms"`

	// Self-monitoring producer (0 disables)
	MonitorInterval  time.Duration `envconfig:"MONITOR_INTERVAL" default:"30s"`
	MonitorProjectID string        `envconfig:"MONITOR_PROJECT_ID" default:"_system"`

	// Slack risk-alert forwarding (optional)
	SlackBotToken     string `envconfig:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `envconfig:"SLACK_ALERT_CHANNEL"`
	SlackMinSeverity  int    `envconfig:"SLACK_MIN_SEVERITY" default:"7"`
}

// WatchEnabled returns true if a watch-rule file is configured.
func (c *Config) WatchEnabled() bool {
	return c.WatchRulesPath != ""
}

// MonitorEnabled returns true if self-monitoring is configured.
func (c *Config) MonitorEnabled() bool {
	return c.MonitorInterval > 0
}

// SlackEnabled returns true if Slack alert forwarding is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAlertChannel != ""
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.BufferCapacity < 1 {
		return fmt.Errorf("BUFFER_CAPACITY must be >= 1, got %d", c.BufferCapacity)
	}
	if c.HeartbeatSweep > c.HeartbeatTimeout {
		return fmt.Errorf("HEARTBEAT_SWEEP_INTERVAL (%s) must not exceed HEARTBEAT_TIMEOUT (%s)", c.HeartbeatSweep, c.HeartbeatTimeout)
	}
	switch c.APIAuthMode {
	case "none", "api-key", "jwt":
	default:
		return fmt.Errorf("unknown API_AUTH_MODE %q", c.APIAuthMode)
	}
	if c.APIAuthMode == "api-key" && c.APIKey == "" {
		return fmt.Errorf("API_AUTH_MODE=api-key requires API_KEY")
	}
	if c.APIAuthMode == "jwt" && c.APIJWTSecret == "" {
		return fmt.Errorf("API_AUTH_MODE=jwt requires API_JWT_SECRET")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("PULSED", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
