package api

import (
	"encoding/json"

	"github.com/pulseboard/pulsed/internal/event"
	"github.com/pulseboard/pulsed/internal/health"
)

// ProblemDetail is an RFC 7807 error response body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// PublishRequest is the body of POST /api/v1/events, the ingress surface
// automation producers use from outside the process.
type PublishRequest struct {
	ProjectID string          `json:"project_id"`
	Kind      event.Kind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// PublishResponse acknowledges an accepted event with its assigned
// sequence.
type PublishResponse struct {
	ProjectID string     `json:"project_id"`
	Kind      event.Kind `json:"kind"`
	Sequence  uint64     `json:"sequence"`
}

// ReplayResponse is the body of GET /api/v1/projects/:id/events.
type ReplayResponse struct {
	ProjectID string        `json:"project_id"`
	Events    []event.Event `json:"events"`
	Gap       bool          `json:"gap"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Connections   int                      `json:"connections"`
	DroppedEvents int64                    `json:"dropped_events"`
	ActiveBuffers int                      `json:"active_buffers"`
	Subscriptions int                      `json:"subscriptions"`
	Health        map[string]health.Result `json:"health,omitempty"`
}
