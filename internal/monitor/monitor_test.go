package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/pulsed/internal/event"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []event.HealthCheckPayload
}

func (p *capturePublisher) PublishPayload(projectID string, payload event.Payload) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload.(event.HealthCheckPayload))
	return uint64(len(p.events)), nil
}

func (p *capturePublisher) published() []event.HealthCheckPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.HealthCheckPayload, len(p.events))
	copy(out, p.events)
	return out
}

func TestRun_PublishesSamples(t *testing.T) {
	pub := &capturePublisher{}
	m := New(Config{Interval: 10 * time.Millisecond}, pub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	assert.Eventually(t, func() bool {
		return len(pub.published()) >= 4
	}, 2*time.Second, 10*time.Millisecond)

	components := map[string]bool{}
	for _, p := range pub.published() {
		components[p.Component] = true
		assert.Equal(t, "ok", p.Status)
	}
	assert.True(t, components["heap"])
	assert.True(t, components["goroutines"])
}

func TestSample_FlagsDegraded(t *testing.T) {
	pub := &capturePublisher{}
	// Impossible-to-meet goroutine ceiling would break the test; instead
	// force the heap threshold below any real process footprint.
	m := New(Config{MaxAllocMB: 0.000001, MaxGoroutines: 1 << 30}, pub, zerolog.Nop())
	m.sample()

	got := pub.published()
	require.Len(t, got, 2)
	assert.Equal(t, "heap", got[0].Component)
	assert.Equal(t, "degraded", got[0].Status)
	assert.Equal(t, "goroutines", got[1].Component)
	assert.Equal(t, "ok", got[1].Status)
}
