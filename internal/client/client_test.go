package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/pulseboard/pulsed/internal/errors"
	"github.com/pulseboard/pulsed/internal/bus"
	"github.com/pulseboard/pulsed/internal/event"
	"github.com/pulseboard/pulsed/internal/hub"
	"github.com/pulseboard/pulsed/internal/metrics"
	"github.com/pulseboard/pulsed/internal/retry"
)

type testDaemon struct {
	bus *bus.Bus
	hub *hub.Hub
	srv *httptest.Server
	url string
}

func newTestDaemon(t *testing.T, bufferCapacity int) *testDaemon {
	t.Helper()
	m := metrics.New()
	b := bus.New(bus.Config{BufferCapacity: bufferCapacity}, m, zerolog.Nop())
	h := hub.New(hub.Config{}, b, m, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &testDaemon{
		bus: b,
		hub: h,
		srv: srv,
		url: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func fastBackoff(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts: attempts,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}
}

func TestNewSession_PartialBackoffKeepsGivenFields(t *testing.T) {
	s := NewSession(Config{
		URL:       "ws://localhost:9",
		ProjectID: "proj-1",
		Backoff:   retry.Config{BaseDelay: 5 * time.Millisecond},
	}, Handlers{}, zerolog.Nop())

	// Unset fields take defaults; the given one survives.
	def := retry.DefaultConfig()
	assert.Equal(t, 5*time.Millisecond, s.cfg.Backoff.BaseDelay)
	assert.Equal(t, def.MaxAttempts, s.cfg.Backoff.MaxAttempts)
	assert.Equal(t, def.MaxDelay, s.cfg.Backoff.MaxDelay)
}

func TestSession_ReceivesLiveEvents(t *testing.T) {
	daemon := newTestDaemon(t, 10)

	updates := make(chan Update, 16)
	s := NewSession(Config{
		URL:       daemon.url,
		ProjectID: "proj-1",
		Backoff:   fastBackoff(5),
	}, Handlers{
		OnEvent: func(u Update) { updates <- u },
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return daemon.bus.SubscriberCount("proj-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := daemon.bus.PublishPayload("proj-1", event.ProgressUpdatePayload{Percent: 42})
	require.NoError(t, err)

	select {
	case u := <-updates:
		assert.Equal(t, event.KindProgressUpdate, u.Kind)
		assert.Equal(t, uint64(1), u.Sequence)
		assert.False(t, u.Replay)

		var payload event.ProgressUpdatePayload
		require.NoError(t, json.Unmarshal(u.Data, &payload))
		assert.Equal(t, 42.0, payload.Percent)
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}

	assert.Equal(t, uint64(1), s.LastSequence())
	s.Close()
	assert.NoError(t, <-done)
}

func TestSession_ResumesWithReplayAfterDisconnect(t *testing.T) {
	daemon := newTestDaemon(t, 10)

	updates := make(chan Update, 16)
	s := NewSession(Config{
		URL:       daemon.url,
		ProjectID: "proj-1",
		Backoff:   fastBackoff(10),
	}, Handlers{
		OnEvent: func(u Update) { updates <- u },
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Close()

	require.Eventually(t, func() bool {
		return daemon.bus.SubscriberCount("proj-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	daemon.bus.PublishPayload("proj-1", event.FileChangePayload{Path: "a.go", ChangeType: "created"})
	u := <-updates
	require.Equal(t, uint64(1), u.Sequence)

	// Sever every live connection; the daemon itself stays up.
	daemon.hub.Close()

	// An event published while the client is away must come back as replay.
	daemon.bus.PublishPayload("proj-1", event.FileChangePayload{Path: "b.go", ChangeType: "modified"})

	select {
	case u = <-updates:
		assert.Equal(t, uint64(2), u.Sequence)
		assert.True(t, u.Replay)
	case <-time.After(5 * time.Second):
		t.Fatal("no replay after reconnect")
	}
}

func TestSession_GapTriggersRefetch(t *testing.T) {
	daemon := newTestDaemon(t, 2)

	// The client last saw sequence 1, but the buffer only retains 4..5.
	statePath := filepath.Join(t.TempDir(), "state.json")
	st := sessionState{LastEventIDs: map[string]uint64{"proj-1": 1}}
	raw, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(statePath, raw, 0o600))

	for i := 0; i < 5; i++ {
		daemon.bus.PublishPayload("proj-1", event.FileChangePayload{Path: "a.go", ChangeType: "modified"})
	}

	gap := make(chan struct{}, 1)
	s := NewSession(Config{
		URL:       daemon.url,
		ProjectID: "proj-1",
		Backoff:   fastBackoff(5),
		StatePath: statePath,
	}, Handlers{
		OnGap: func() { gap <- struct{}{} },
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Close()

	select {
	case <-gap:
	case <-time.After(2 * time.Second):
		t.Fatal("gap handler not invoked")
	}
}

func TestSession_PersistsLastSequence(t *testing.T) {
	daemon := newTestDaemon(t, 10)
	statePath := filepath.Join(t.TempDir(), "state.json")

	updates := make(chan Update, 16)
	s := NewSession(Config{
		URL:       daemon.url,
		ProjectID: "proj-1",
		Backoff:   fastBackoff(5),
		StatePath: statePath,
	}, Handlers{
		OnEvent: func(u Update) { updates <- u },
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return daemon.bus.SubscriberCount("proj-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	daemon.bus.PublishPayload("proj-1", event.FileChangePayload{Path: "a.go", ChangeType: "created"})
	<-updates
	s.Close()
	<-done

	// A fresh session picks the persisted position back up.
	s2 := NewSession(Config{
		URL:       daemon.url,
		ProjectID: "proj-1",
		StatePath: statePath,
	}, Handlers{}, zerolog.Nop())
	assert.Equal(t, uint64(1), s2.LastSequence())
}

func TestSession_GivesUpAfterMaxAttempts(t *testing.T) {
	// A server that is already gone.
	srv := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	states := make(chan State, 32)
	s := NewSession(Config{
		URL:       url,
		ProjectID: "proj-1",
		Backoff:   fastBackoff(3),
	}, Handlers{
		OnStateChange: func(st State) { states <- st },
	}, zerolog.Nop())

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, perrors.ErrGiveUp)
	assert.Equal(t, StateClosed, s.State())
}

func TestStateStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := newStateStore(path)

	_, ok := store.load("proj-1")
	assert.False(t, ok)

	require.NoError(t, store.save("proj-1", 17))
	require.NoError(t, store.save("proj-2", 3))

	seq, ok := store.load("proj-1")
	require.True(t, ok)
	assert.Equal(t, uint64(17), seq)

	seq, ok = store.load("proj-2")
	require.True(t, ok)
	assert.Equal(t, uint64(3), seq)
}

func TestStateStore_Disabled(t *testing.T) {
	store := newStateStore("")
	assert.NoError(t, store.save("proj-1", 5))
	_, ok := store.load("proj-1")
	assert.False(t, ok)
}
