// Package protocol defines the JSON wire messages exchanged between the
// daemon and dashboard clients over one WebSocket connection.
package protocol

import (
	"encoding/json"

	"github.com/pulseboard/pulsed/internal/event"
)

// MessageType discriminates wire frames.
type MessageType string

// Client → server message types.
const (
	MsgSubscribe MessageType = "subscribe"
	MsgPing      MessageType = "ping"
)

// Server → client message types.
const (
	MsgConnectionEstablished MessageType = "connection_established"
	MsgSubscriptionConfirmed MessageType = "subscription_confirmed"
	MsgEvent                 MessageType = "event"
	MsgHeartbeat             MessageType = "heartbeat"
	MsgPong                  MessageType = "pong"
)

// ClientMessage is a frame sent by a client. LastEventID is a pointer so
// that an explicit 0 ("replay everything you have") is distinguishable from
// the field being absent ("live events only").
type ClientMessage struct {
	Type        MessageType  `json:"type"`
	ProjectID   string       `json:"project_id,omitempty"`
	EventTypes  []event.Kind `json:"event_types,omitempty"`
	LastEventID *uint64      `json:"last_event_id,omitempty"`
	Timestamp   int64        `json:"timestamp,omitempty"`
}

// ServerMessage is a frame sent by the daemon.
type ServerMessage struct {
	Type       MessageType     `json:"type"`
	Message    string          `json:"message,omitempty"`
	EventTypes []event.Kind    `json:"event_types,omitempty"`
	Gap        bool            `json:"gap,omitempty"`
	EventType  event.Kind      `json:"event_type,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	EventID    uint64          `json:"event_id,omitempty"`
	IsReplay   bool            `json:"is_replay,omitempty"`
}

// ConnectionEstablished is sent once, immediately after the connection
// enters the open state.
func ConnectionEstablished() ServerMessage {
	return ServerMessage{
		Type:    MsgConnectionEstablished,
		Message: "connected",
	}
}

// SubscriptionConfirmed acknowledges a subscribe request. gap is set when
// the requested replay position fell off the replay buffer and the client
// must refetch full state before trusting incremental events.
func SubscriptionConfirmed(kinds []event.Kind, gap bool) ServerMessage {
	return ServerMessage{
		Type:       MsgSubscriptionConfirmed,
		EventTypes: kinds,
		Gap:        gap,
	}
}

// EventMessage wraps a distributed event. isReplay marks a catch-up copy;
// live events omit the flag entirely.
func EventMessage(ev event.Event, isReplay bool) ServerMessage {
	return ServerMessage{
		Type:      MsgEvent,
		EventType: ev.Kind,
		Data:      ev.Payload,
		EventID:   ev.Sequence,
		IsReplay:  isReplay,
	}
}

// Heartbeat is the periodic server-side liveness push.
func Heartbeat() ServerMessage {
	return ServerMessage{Type: MsgHeartbeat}
}

// Pong answers a client ping.
func Pong() ServerMessage {
	return ServerMessage{Type: MsgPong}
}
