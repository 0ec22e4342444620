// Package hub owns the set of live client connections: WebSocket upgrade
// and handshake, subscription handoff to the bus, heartbeat supervision,
// and teardown.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pulseboard/pulsed/internal/bus"
	"github.com/pulseboard/pulsed/internal/metrics"
)

// Config holds connection-manager configuration.
type Config struct {
	// SendQueueSize bounds each connection's outbound queue.
	SendQueueSize int

	// HeartbeatTimeout closes connections whose last client ping is older
	// than this. Clients must ping with headroom below it.
	HeartbeatTimeout time.Duration

	// SweepInterval is how often stale connections are collected.
	SweepInterval time.Duration

	// HeartbeatPushInterval is the server-side liveness push period.
	HeartbeatPushInterval time.Duration

	// DropCloseThreshold force-closes a connection after this many
	// cumulative queue drops.
	DropCloseThreshold int

	// WriteTimeout bounds a single transport write.
	WriteTimeout time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		SendQueueSize:         64,
		HeartbeatTimeout:      30 * time.Second,
		SweepInterval:         10 * time.Second,
		HeartbeatPushInterval: 30 * time.Second,
		DropCloseThreshold:    256,
		WriteTimeout:          10 * time.Second,
	}
}

// Hub manages all live connections. Safe for concurrent use.
type Hub struct {
	cfg      Config
	bus      *bus.Bus
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn
}

// New creates a hub distributing events from b.
func New(cfg Config, b *bus.Bus, m *metrics.Metrics, logger zerolog.Logger) *Hub {
	def := DefaultConfig()
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.HeartbeatPushInterval <= 0 {
		cfg.HeartbeatPushInterval = def.HeartbeatPushInterval
	}
	if cfg.DropCloseThreshold <= 0 {
		cfg.DropCloseThreshold = def.DropCloseThreshold
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		cfg:     cfg,
		bus:     b,
		logger:  logger.With().Str("component", "hub").Logger(),
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// ServeHTTP upgrades the request and services the connection until it
// closes. Mount it on the WebSocket endpoint.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	c := newConn(h, ws)

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	h.metrics.ConnectionsActive.Inc()

	h.logger.Info().Str("conn", c.ID).Str("remote", r.RemoteAddr).Msg("connection open")
	c.run()
}

// remove drops a connection from the registry. Called from Conn teardown.
func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.ID]
	delete(h.conns, c.ID)
	h.mu.Unlock()
	if ok {
		h.metrics.ConnectionsActive.Dec()
	}
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stats is a point-in-time snapshot for the management API.
type Stats struct {
	Connections   int   `json:"connections"`
	DroppedEvents int64 `json:"dropped_events"`
}

// Snapshot returns current connection statistics.
func (h *Hub) Snapshot() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{Connections: len(h.conns)}
	for _, c := range h.conns {
		s.DroppedEvents += c.Dropped()
	}
	return s
}

// Start launches the heartbeat sweep. The sweep only reads heartbeat
// timestamps, so it never contends with the publish path. It stops when
// ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(h.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.sweep()
			}
		}
	}()
}

func (h *Hub) sweep() {
	h.mu.RLock()
	stale := make([]*Conn, 0)
	for _, c := range h.conns {
		if c.State() == StateOpen && c.heartbeatExpired(h.cfg.HeartbeatTimeout) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.metrics.HeartbeatTimeouts.Inc()
		h.logger.Warn().Str("conn", c.ID).Msg("heartbeat timeout")
		c.close("heartbeat timeout")
	}
}

// Close tears down every live connection. It does not wait for clients to
// acknowledge anything.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close("server shutdown")
	}
}
