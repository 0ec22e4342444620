package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/pulseboard/pulsed/internal/api"
	"github.com/pulseboard/pulsed/internal/bus"
	"github.com/pulseboard/pulsed/internal/config"
	"github.com/pulseboard/pulsed/internal/event"
	"github.com/pulseboard/pulsed/internal/health"
	"github.com/pulseboard/pulsed/internal/hub"
	"github.com/pulseboard/pulsed/internal/metrics"
	"github.com/pulseboard/pulsed/internal/monitor"
	"github.com/pulseboard/pulsed/internal/notify"
	"github.com/pulseboard/pulsed/internal/watch"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("api_addr", cfg.APIListenAddr).
		Int("buffer_capacity", cfg.BufferCapacity).
		Msg("starting pulsed")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()

	// Event bus with per-project replay buffers
	eventBus := bus.New(bus.Config{
		BufferCapacity: cfg.BufferCapacity,
		IdleRetention:  cfg.BufferIdleRetention,
		SweepInterval:  cfg.BufferSweepInterval,
	}, m, logger)
	eventBus.Start(ctx)

	// Connection manager
	connHub := hub.New(hub.Config{
		SendQueueSize:         cfg.SendQueueSize,
		HeartbeatTimeout:      cfg.HeartbeatTimeout,
		SweepInterval:         cfg.HeartbeatSweep,
		HeartbeatPushInterval: cfg.HeartbeatPush,
		DropCloseThreshold:    cfg.DropCloseThreshold,
		WriteTimeout:          cfg.ConnectionWriteTimeout,
	}, eventBus, m, logger)
	connHub.Start(ctx)

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("bus", func(ctx context.Context) error {
		_, err := eventBus.PublishPayload("_health", event.HealthCheckPayload{
			Component: "bus",
			Status:    "ok",
		})
		return err
	})

	// WaitGroup for in-flight work
	var wg sync.WaitGroup

	// WebSocket + probes + metrics server
	mux := http.NewServeMux()
	mux.Handle("/ws", connHub)
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("WebSocket server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("WebSocket server error")
		}
	}()

	// Management API server
	handlers := api.NewHandlers(eventBus, connHub, checker, logger)
	apiServer := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.APIListenAddr,
		AuthConfig: api.AuthConfig{
			Mode:      cfg.APIAuthMode,
			APIKey:    cfg.APIKey,
			JWTSecret: cfg.APIJWTSecret,
		},
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
		CORSOrigins: cfg.CORSOrigins,
		TLSCert:     cfg.TLSCert,
		TLSKey:      cfg.TLSKey,
	}, handlers, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	// File watcher producer (optional)
	if cfg.WatchEnabled() {
		rules, rulesErr := watch.LoadRules(cfg.WatchRulesPath)
		if rulesErr != nil {
			logger.Error().Err(rulesErr).Msg("failed to load watch rules (non-fatal)")
		} else {
			watcher := watch.New(rules, eventBus, cfg.WatchDebounce, logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := watcher.Run(ctx); err != nil {
					logger.Error().Err(err).Msg("file watcher error")
				}
			}()
			logger.Info().Int("projects", len(rules.Projects)).Msg("file watcher enabled")
		}
	} else {
		logger.Info().Msg("file watcher not configured, skipping")
	}

	// Self-monitoring producer
	if cfg.MonitorEnabled() {
		sysMonitor := monitor.New(monitor.Config{
			ProjectID: cfg.MonitorProjectID,
			Interval:  cfg.MonitorInterval,
		}, eventBus, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sysMonitor.Run(ctx)
		}()
	}

	// Slack risk-alert forwarding (optional)
	if cfg.SlackEnabled() {
		notifier := notify.New(notify.Config{
			Channel:     cfg.SlackAlertChannel,
			MinSeverity: cfg.SlackMinSeverity,
		}, slack.New(cfg.SlackBotToken), logger)
		eventBus.Subscribe(bus.AllProjects, nil, notifier)
		wg.Add(1)
		go func() {
			defer wg.Done()
			notifier.Run(ctx)
		}()
		logger.Info().Str("channel", cfg.SlackAlertChannel).Msg("Slack alert forwarding enabled")
	} else {
		logger.Info().Msg("Slack not configured, alerts stay in-band only")
	}

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Stop accepting publishes, then tear down connections and servers.
	eventBus.Close()
	connHub.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("WebSocket server shutdown error")
	}

	if err := apiServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("pulsed stopped")
}
