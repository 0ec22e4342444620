package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidKind(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, ValidKind(k), string(k))
	}
	assert.False(t, ValidKind("commit_started"))
	assert.False(t, ValidKind(""))
}

func TestNew_KindComesFromPayload(t *testing.T) {
	ev, err := New("proj-1", ProgressUpdatePayload{Percent: 42, TasksTotal: 10, TasksCompleted: 4})
	require.NoError(t, err)

	assert.Equal(t, "proj-1", ev.ProjectID)
	assert.Equal(t, KindProgressUpdate, ev.Kind)
	assert.Zero(t, ev.Sequence) // assigned later, on append

	var decoded ProgressUpdatePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &decoded))
	assert.Equal(t, 42.0, decoded.Percent)
}

func TestNewRaw_RejectsUnknownKind(t *testing.T) {
	_, err := NewRaw("proj-1", "not_a_kind", json.RawMessage(`{}`))
	assert.Error(t, err)

	ev, err := NewRaw("proj-1", KindRiskAlert, json.RawMessage(`{"severity":9,"message":"api keys in repo"}`))
	require.NoError(t, err)
	assert.Equal(t, KindRiskAlert, ev.Kind)
}

func TestPayloadKindBindings(t *testing.T) {
	cases := map[Kind]Payload{
		KindFileChange:       FileChangePayload{},
		KindAutoCommitStart:  AutoCommitStartPayload{},
		KindAutoCommitResult: AutoCommitResultPayload{},
		KindAutoCommitError:  AutoCommitErrorPayload{},
		KindProgressUpdate:   ProgressUpdatePayload{},
		KindRiskAlert:        RiskAlertPayload{},
		KindDashboardUpdate:  DashboardUpdatePayload{},
		KindHealthCheck:      HealthCheckPayload{},
	}
	for want, p := range cases {
		assert.Equal(t, want, p.EventKind())
	}
}
