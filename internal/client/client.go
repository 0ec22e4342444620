// Package client implements the dashboard-side session: connect, subscribe
// with the last acknowledged sequence, ping/pong heartbeating, and
// reconnect with exponential backoff. The session is a single state machine
// driven by one reconnect loop rather than a pile of callbacks.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	perrors "github.com/pulseboard/pulsed/internal/errors"
	"github.com/pulseboard/pulsed/internal/event"
	"github.com/pulseboard/pulsed/internal/protocol"
	"github.com/pulseboard/pulsed/internal/retry"
)

// State is the session's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Update is one event delivered to the application. Replay marks a catch-up
// copy: state to absorb quietly, not an update to animate.
type Update struct {
	Kind     event.Kind
	Data     json.RawMessage
	Sequence uint64
	Replay   bool
}

// Handlers receive session callbacks. Nil handlers are skipped.
type Handlers struct {
	// OnEvent is called for every delivered event, replayed or live.
	OnEvent func(u Update)

	// OnGap is called when the server reports the replay position fell off
	// its buffer: incremental continuity is broken and the application
	// must refetch full state before trusting further events.
	OnGap func()

	// OnStateChange observes session lifecycle transitions.
	OnStateChange func(s State)
}

// Config holds session configuration.
type Config struct {
	// URL is the daemon's WebSocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string

	// ProjectID is the project to subscribe to.
	ProjectID string

	// EventTypes filters delivery; empty subscribes to all kinds.
	EventTypes []event.Kind

	// PingInterval must stay well below the server's heartbeat timeout.
	PingInterval time.Duration

	// HandshakeTimeout bounds the dial.
	HandshakeTimeout time.Duration

	// Backoff governs the reconnect loop. The session does not retry
	// forever: once MaxAttempts consecutive connects fail it gives up and
	// surfaces a closed state.
	Backoff retry.Config

	// StatePath, when set, persists the last acknowledged sequence across
	// process restarts.
	StatePath string
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:     25 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Backoff:          retry.DefaultConfig(),
	}
}

// Session is a resilient client connection to the daemon.
type Session struct {
	cfg      Config
	handlers Handlers
	logger   zerolog.Logger
	store    *stateStore

	state   atomic.Int32
	lastSeq atomic.Uint64
	hasSeq  atomic.Bool

	writeMu sync.Mutex
	conn    *websocket.Conn

	stopOnce sync.Once
	stop     chan struct{}
}

// NewSession creates a session. The persisted last-seen sequence, if any,
// is loaded immediately so the first subscribe already requests replay.
func NewSession(cfg Config, handlers Handlers, logger zerolog.Logger) *Session {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = def.Backoff.MaxAttempts
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff.BaseDelay = def.Backoff.BaseDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = def.Backoff.MaxDelay
	}

	s := &Session{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.With().Str("component", "client").Str("project", cfg.ProjectID).Logger(),
		store:    newStateStore(cfg.StatePath),
		stop:     make(chan struct{}),
	}
	s.state.Store(int32(StateClosed))

	if seq, ok := s.store.load(cfg.ProjectID); ok {
		s.lastSeq.Store(seq)
		s.hasSeq.Store(true)
	}
	return s
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// LastSequence returns the highest acknowledged sequence.
func (s *Session) LastSequence() uint64 {
	return s.lastSeq.Load()
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(st)
	}
}

// Run connects and services the session until ctx is cancelled, Close is
// called, or the reconnect budget is exhausted. On unexpected disconnect it
// backs off exponentially; the attempt counter resets to zero after each
// confirmed subscription.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			s.setState(StateClosed)
			return ctx.Err()
		case <-s.stop:
			s.setState(StateClosed)
			return nil
		default:
		}

		confirmed, err := s.connectOnce(ctx)
		if confirmed {
			attempt = 0
		}
		if err == nil {
			// Clean shutdown requested.
			s.setState(StateClosed)
			return nil
		}

		attempt++
		if attempt >= s.cfg.Backoff.MaxAttempts {
			s.logger.Error().Int("attempts", attempt).Msg("giving up on reconnect")
			s.setState(StateClosed)
			return fmt.Errorf("%w after %d attempts: %v", perrors.ErrGiveUp, attempt, err)
		}

		delay := s.cfg.Backoff.Delay(attempt - 1)
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("disconnected, retrying")
		select {
		case <-ctx.Done():
			s.setState(StateClosed)
			return ctx.Err()
		case <-s.stop:
			s.setState(StateClosed)
			return nil
		case <-time.After(delay):
		}
	}
}

// connectOnce runs one full connection lifetime. It returns confirmed=true
// once a subscription_confirmed arrived, and a nil error only for a clean,
// requested shutdown.
func (s *Session) connectOnce(ctx context.Context) (confirmed bool, err error) {
	s.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		s.setState(StateClosed)
		return false, perrors.NewConnError("", "dial", err)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	defer func() {
		s.setState(StateClosing)
		conn.Close()
		s.writeMu.Lock()
		s.conn = nil
		s.writeMu.Unlock()
		s.setState(StateClosed)
	}()

	s.setState(StateOpen)

	if err := s.sendSubscribe(); err != nil {
		return false, err
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(pingDone)

	for {
		select {
		case <-ctx.Done():
			return confirmed, nil
		case <-s.stop:
			return confirmed, nil
		default:
		}

		var msg protocol.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.stop:
				return confirmed, nil
			case <-ctx.Done():
				return confirmed, nil
			default:
			}
			return confirmed, perrors.NewConnError("", "read", err)
		}

		switch msg.Type {
		case protocol.MsgConnectionEstablished:
			s.logger.Debug().Msg("connection established")

		case protocol.MsgSubscriptionConfirmed:
			confirmed = true
			if msg.Gap {
				s.logger.Warn().Uint64("last_seq", s.lastSeq.Load()).Msg("replay gap, full refetch required")
				if s.handlers.OnGap != nil {
					s.handlers.OnGap()
				}
			}
			s.logger.Info().Bool("gap", msg.Gap).Msg("subscription confirmed")

		case protocol.MsgEvent:
			s.handleEvent(msg)

		case protocol.MsgHeartbeat, protocol.MsgPong:
			// Server liveness; nothing to do.

		default:
			s.logger.Warn().Str("type", string(msg.Type)).Msg("unknown server message")
		}
	}
}

func (s *Session) handleEvent(msg protocol.ServerMessage) {
	if msg.EventID > s.lastSeq.Load() {
		s.lastSeq.Store(msg.EventID)
		s.hasSeq.Store(true)
		if err := s.store.save(s.cfg.ProjectID, msg.EventID); err != nil {
			s.logger.Warn().Err(err).Msg("persisting last sequence failed")
		}
	}
	if s.handlers.OnEvent != nil {
		s.handlers.OnEvent(Update{
			Kind:     msg.EventType,
			Data:     msg.Data,
			Sequence: msg.EventID,
			Replay:   msg.IsReplay,
		})
	}
}

func (s *Session) sendSubscribe() error {
	msg := protocol.ClientMessage{
		Type:       protocol.MsgSubscribe,
		ProjectID:  s.cfg.ProjectID,
		EventTypes: s.cfg.EventTypes,
	}
	if s.hasSeq.Load() {
		seq := s.lastSeq.Load()
		msg.LastEventID = &seq
	}
	return s.writeJSON(msg)
}

func (s *Session) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.stop:
			return
		case <-ticker.C:
			err := s.writeJSON(protocol.ClientMessage{
				Type:      protocol.MsgPing,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				return // read loop observes the broken conn
			}
		}
	}
}

func (s *Session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return perrors.ErrNotConnected
	}
	if err := s.conn.WriteJSON(v); err != nil {
		return perrors.NewConnError("", "write", err)
	}
	return nil
}

// Close stops the session. Run returns after the current connection is
// torn down.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.writeMu.Lock()
		if s.conn != nil {
			s.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			s.conn.Close()
		}
		s.writeMu.Unlock()
	})
}
