package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pulseboard/pulsed/internal/bus"
	"github.com/pulseboard/pulsed/internal/event"
	"github.com/pulseboard/pulsed/internal/protocol"
)

// State is the lifecycle state of one connection.
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

// Conn wraps one client WebSocket. It owns a bounded outbound queue drained
// by a dedicated writer goroutine, so slow network I/O for this client
// never blocks the bus or other connections. The hub is the only owner;
// subscriptions hold no shared mutable access.
type Conn struct {
	ID string

	hub    *Hub
	ws     *websocket.Conn
	logger zerolog.Logger

	out  chan protocol.ServerMessage
	done chan struct{}

	state         atomic.Int32
	lastHeartbeat atomic.Int64 // unix nanos
	dropped       atomic.Int64

	mu        sync.Mutex
	sub       *bus.Subscription
	replaying bool
	pending   []protocol.ServerMessage

	closeOnce sync.Once
}

func newConn(h *Hub, ws *websocket.Conn) *Conn {
	c := &Conn{
		ID:     uuid.New().String(),
		hub:    h,
		ws:     ws,
		out:    make(chan protocol.ServerMessage, h.cfg.SendQueueSize),
		done:   make(chan struct{}),
		logger: h.logger.With().Str("component", "conn").Logger(),
	}
	c.logger = c.logger.With().Str("conn", c.ID).Logger()
	c.state.Store(int32(StateConnecting))
	c.lastHeartbeat.Store(time.Now().UnixNano())
	return c
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Dropped returns the cumulative count of events dropped from this
// connection's outbound queue.
func (c *Conn) Dropped() int64 {
	return c.dropped.Load()
}

// Deliver implements bus.Sink. It never blocks: during replay the event is
// parked until catch-up finishes; otherwise it goes straight onto the
// outbound queue with drop-oldest overflow handling.
func (c *Conn) Deliver(ev event.Event) bool {
	if c.State() != StateOpen {
		return false
	}

	c.mu.Lock()
	if c.replaying {
		if len(c.pending) >= c.hub.cfg.SendQueueSize {
			c.pending = c.pending[1:]
			c.noteDrop()
		}
		c.pending = append(c.pending, protocol.EventMessage(ev, false))
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	return c.enqueue(protocol.EventMessage(ev, false))
}

// enqueue places a message on the outbound queue without blocking. When the
// queue is full the oldest undelivered message is discarded to make room.
func (c *Conn) enqueue(msg protocol.ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- msg:
		return true
	default:
	}

	select {
	case <-c.out:
		c.noteDrop()
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		c.noteDrop()
		return false
	}
}

// send places a message on the outbound queue, waiting for space. Replay
// and control frames go through here: they must arrive complete, and a
// blocked reader goroutine stalls only its own connection. Returns false
// once the connection is torn down. Never call this holding c.mu: close
// takes c.mu before signalling done.
func (c *Conn) send(msg protocol.ServerMessage) bool {
	select {
	case c.out <- msg:
		return true
	case <-c.done:
		return false
	}
}

// noteDrop records a dropped message and force-closes the connection once
// sustained overflow crosses the configured threshold, bounding memory and
// wasted fan-out work for a client that cannot keep up.
func (c *Conn) noteDrop() {
	n := c.dropped.Add(1)
	c.hub.metrics.DroppedTotal.Inc()
	if n == int64(c.hub.cfg.DropCloseThreshold) {
		c.logger.Warn().Int64("dropped", n).Msg("sustained overflow, closing connection")
		// Deliver may be running under the bus fan-out lock; close
		// asynchronously since teardown unsubscribes from the bus.
		go c.close("overflow")
	}
}

// run services the connection: sends the open acknowledgment, starts the
// writer, and reads client frames until the connection dies.
func (c *Conn) run() {
	c.state.Store(int32(StateOpen))
	c.enqueue(protocol.ConnectionEstablished())

	go c.writeLoop()
	c.readLoop()
}

func (c *Conn) writeLoop() {
	push := time.NewTicker(c.hub.cfg.HeartbeatPushInterval)
	defer push.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.write(msg); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.close("write error")
				return
			}
		case <-push.C:
			if err := c.write(protocol.Heartbeat()); err != nil {
				c.close("write error")
				return
			}
		}
	}
}

func (c *Conn) write(msg protocol.ServerMessage) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *Conn) readLoop() {
	for {
		var msg protocol.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			c.close("client disconnected")
			return
		}

		switch msg.Type {
		case protocol.MsgPing:
			c.lastHeartbeat.Store(time.Now().UnixNano())
			c.enqueue(protocol.Pong())
		case protocol.MsgSubscribe:
			c.handleSubscribe(msg)
		default:
			c.logger.Warn().Str("type", string(msg.Type)).Msg("unknown client message")
		}
	}
}

// handleSubscribe creates or replaces this connection's subscription. When
// the client supplies a last-seen event ID, retained events after it are
// re-sent marked as replay before the confirmation; live events observed
// meanwhile are parked and flushed afterwards so the client sees replay,
// then confirmation, then live, in sequence order with no duplicates.
func (c *Conn) handleSubscribe(msg protocol.ClientMessage) {
	if msg.ProjectID == "" {
		c.logger.Warn().Msg("subscribe without project_id ignored")
		return
	}

	// Release the old subscription before replay parking starts, so every
	// parked event is guaranteed to belong to the new project.
	c.mu.Lock()
	old := c.sub
	c.sub = nil
	c.mu.Unlock()

	if old != nil {
		c.hub.bus.Unsubscribe(old)
	}

	c.mu.Lock()
	c.replaying = true
	c.pending = nil
	c.mu.Unlock()

	sub := c.hub.bus.Subscribe(msg.ProjectID, msg.EventTypes, c)

	var (
		replaySeq uint64
		gap       bool
	)
	if msg.LastEventID != nil {
		replaySeq = *msg.LastEventID
		var events []event.Event
		events, gap = c.hub.bus.Replay(msg.ProjectID, replaySeq)
		if !gap {
			// A replay may exceed the queue size; dropping here would
			// silently break catch-up continuity, so block instead.
			for _, ev := range events {
				if !c.send(protocol.EventMessage(ev, true)) {
					c.hub.bus.Unsubscribe(sub)
					return
				}
				c.hub.metrics.ReplayedTotal.Inc()
				replaySeq = ev.Sequence
			}
		}
	}

	if !c.send(protocol.SubscriptionConfirmed(msg.EventTypes, gap)) {
		c.hub.bus.Unsubscribe(sub)
		return
	}

	c.mu.Lock()
	c.sub = sub
	for _, parked := range c.pending {
		if !gap && parked.EventID <= replaySeq {
			continue // already sent as replay
		}
		c.enqueue(parked)
	}
	c.pending = nil
	c.replaying = false
	c.mu.Unlock()

	// Teardown may have raced with the swap above; never leave a
	// subscription behind on a dead connection.
	if c.State() != StateOpen {
		c.hub.bus.Unsubscribe(sub)
		return
	}

	c.logger.Info().
		Str("project", msg.ProjectID).
		Int("kinds", len(msg.EventTypes)).
		Bool("replay", msg.LastEventID != nil).
		Bool("gap", gap).
		Msg("subscription active")
}

// heartbeatExpired reports whether the client has gone silent beyond the
// configured timeout.
func (c *Conn) heartbeatExpired(timeout time.Duration) bool {
	last := time.Unix(0, c.lastHeartbeat.Load())
	return time.Since(last) > timeout
}

// close tears the connection down exactly once: Closing, release the
// subscription and queue, close the transport, Closed. Publishers can no
// longer reach the connection once the subscription is released.
func (c *Conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))

		c.mu.Lock()
		sub := c.sub
		c.sub = nil
		c.pending = nil
		c.mu.Unlock()

		if sub != nil {
			c.hub.bus.Unsubscribe(sub)
		}

		close(c.done)

		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.ws.Close()

		c.state.Store(int32(StateClosed))
		c.hub.remove(c)
		c.logger.Info().Str("reason", reason).Int64("dropped", c.dropped.Load()).Msg("connection closed")
	})
}
