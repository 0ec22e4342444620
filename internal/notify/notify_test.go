package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/pulsed/internal/event"
	"github.com/pulseboard/pulsed/internal/retry"
)

type fakePoster struct {
	mu       sync.Mutex
	messages []string
	failures int // fail this many calls before succeeding
}

func (p *fakePoster) PostMessage(channelID string, options ...slack.MsgOption) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return "", "", errors.New("slack_unavailable")
	}
	p.messages = append(p.messages, channelID)
	return channelID, "ts", nil
}

func (p *fakePoster) posted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func alertEvent(t *testing.T, severity int) event.Event {
	t.Helper()
	raw, err := json.Marshal(event.RiskAlertPayload{Severity: severity, Message: "credentials in diff"})
	require.NoError(t, err)
	return event.Event{ProjectID: "proj-1", Sequence: 1, Kind: event.KindRiskAlert, Payload: raw}
}

func fastBackoff() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func TestDeliver_FiltersKindAndSeverity(t *testing.T) {
	poster := &fakePoster{}
	n := New(Config{Channel: "C1", MinSeverity: 7, Backoff: fastBackoff()}, poster, zerolog.Nop())

	// Non-alert kinds and low-severity alerts are accepted but not queued.
	assert.True(t, n.Deliver(event.Event{Kind: event.KindFileChange}))
	assert.True(t, n.Deliver(alertEvent(t, 3)))
	assert.Len(t, n.queue, 0)

	assert.True(t, n.Deliver(alertEvent(t, 8)))
	assert.Len(t, n.queue, 1)
}

func TestRun_PostsQueuedAlerts(t *testing.T) {
	poster := &fakePoster{}
	n := New(Config{Channel: "C1", MinSeverity: 7, Backoff: fastBackoff()}, poster, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Deliver(alertEvent(t, 9))

	assert.Eventually(t, func() bool {
		return poster.posted() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	poster := &fakePoster{failures: 2}
	n := New(Config{Channel: "C1", MinSeverity: 7, Backoff: fastBackoff()}, poster, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Deliver(alertEvent(t, 9))

	assert.Eventually(t, func() bool {
		return poster.posted() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeliver_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	poster := &fakePoster{}
	n := New(Config{Channel: "C1", MinSeverity: 7, QueueSize: 1, Backoff: fastBackoff()}, poster, zerolog.Nop())

	// No Run loop draining: second alert must be dropped, not block.
	assert.True(t, n.Deliver(alertEvent(t, 9)))
	assert.False(t, n.Deliver(alertEvent(t, 9)))
}

func TestDeliver_MalformedPayload(t *testing.T) {
	poster := &fakePoster{}
	n := New(Config{Channel: "C1", MinSeverity: 7, Backoff: fastBackoff()}, poster, zerolog.Nop())

	ev := event.Event{Kind: event.KindRiskAlert, Payload: json.RawMessage(`{broken`)}
	assert.True(t, n.Deliver(ev))
	assert.Len(t, n.queue, 0)
}
