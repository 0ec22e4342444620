// Package event defines the Event type and the closed set of event kinds
// distributed by the daemon. All automation activity, from file changes to
// commit automation to risk alerts, flows as Events.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the kind of a distributed event.
type Kind string

// The closed set of event kinds carried by the daemon. Payloads are opaque
// to the bus; producers own their meaning.
const (
	KindFileChange       Kind = "file_change"
	KindAutoCommitStart  Kind = "auto_commit_start"
	KindAutoCommitResult Kind = "auto_commit_result"
	KindAutoCommitError  Kind = "auto_commit_error"
	KindProgressUpdate   Kind = "progress_update"
	KindRiskAlert        Kind = "risk_alert"
	KindDashboardUpdate  Kind = "dashboard_update"
	KindHealthCheck      Kind = "health_check"
)

// Kinds lists every valid event kind.
var Kinds = []Kind{
	KindFileChange,
	KindAutoCommitStart,
	KindAutoCommitResult,
	KindAutoCommitError,
	KindProgressUpdate,
	KindRiskAlert,
	KindDashboardUpdate,
	KindHealthCheck,
}

// ValidKind reports whether k is one of the closed kind set.
func ValidKind(k Kind) bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is an immutable record of something that happened in a project.
// Sequence is assigned by the replay buffer at insertion time and is
// strictly increasing per project.
type Event struct {
	ProjectID string          `json:"project_id"`
	Sequence  uint64          `json:"sequence"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// Payload is implemented by every typed event payload. The Kind method ties
// a payload type to exactly one event kind, so a producer cannot publish a
// progress payload under a file-change kind.
type Payload interface {
	EventKind() Kind
}

// New builds an unsequenced Event from a typed payload. The replay buffer
// assigns Sequence and EmittedAt on append.
func New(projectID string, p Payload) (Event, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling %s payload: %w", p.EventKind(), err)
	}
	return Event{
		ProjectID: projectID,
		Kind:      p.EventKind(),
		Payload:   raw,
	}, nil
}

// NewRaw builds an unsequenced Event from an already-encoded payload, as
// received from out-of-process producers over the ingress API.
func NewRaw(projectID string, kind Kind, payload json.RawMessage) (Event, error) {
	if !ValidKind(kind) {
		return Event{}, fmt.Errorf("unknown event kind %q", kind)
	}
	return Event{
		ProjectID: projectID,
		Kind:      kind,
		Payload:   payload,
	}, nil
}

// FileChangePayload describes a watched file that changed on disk.
type FileChangePayload struct {
	Path       string `json:"path"`
	ChangeType string `json:"change_type"` // "created", "modified", "deleted", "renamed"
}

func (FileChangePayload) EventKind() Kind { return KindFileChange }

// AutoCommitStartPayload signals that commit automation began a run.
type AutoCommitStartPayload struct {
	FilesPending int    `json:"files_pending"`
	Trigger      string `json:"trigger,omitempty"`
}

func (AutoCommitStartPayload) EventKind() Kind { return KindAutoCommitStart }

// AutoCommitResultPayload is the outcome of an automated commit.
type AutoCommitResultPayload struct {
	Success      bool   `json:"success"`
	FilesChanged int    `json:"files_changed"`
	CommitHash   string `json:"commit_hash,omitempty"`
	Message      string `json:"message,omitempty"`
}

func (AutoCommitResultPayload) EventKind() Kind { return KindAutoCommitResult }

// AutoCommitErrorPayload reports a failed automated commit.
type AutoCommitErrorPayload struct {
	Error string `json:"error"`
}

func (AutoCommitErrorPayload) EventKind() Kind { return KindAutoCommitError }

// ProgressUpdatePayload carries recalculated project progress.
type ProgressUpdatePayload struct {
	Percent        float64 `json:"percent"`
	TasksTotal     int     `json:"tasks_total"`
	TasksCompleted int     `json:"tasks_completed"`
}

func (ProgressUpdatePayload) EventKind() Kind { return KindProgressUpdate }

// RiskAlertPayload is emitted by the risk module when a threshold is crossed.
type RiskAlertPayload struct {
	Severity int    `json:"severity"` // 0–10
	Message  string `json:"message"`
}

func (RiskAlertPayload) EventKind() Kind { return KindRiskAlert }

// DashboardUpdatePayload asks clients to refresh a dashboard section.
type DashboardUpdatePayload struct {
	Section string          `json:"section"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (DashboardUpdatePayload) EventKind() Kind { return KindDashboardUpdate }

// HealthCheckPayload carries a periodic producer liveness report.
type HealthCheckPayload struct {
	Component string `json:"component"`
	Status    string `json:"status"`
}

func (HealthCheckPayload) EventKind() Kind { return KindHealthCheck }
