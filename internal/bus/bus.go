// Package bus implements the event bus: the single entry point producers
// publish through, and the dispatcher that fans each buffered event out to
// matching subscriptions.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulseboard/pulsed/internal/buffer"
	perrors "github.com/pulseboard/pulsed/internal/errors"
	"github.com/pulseboard/pulsed/internal/event"
	"github.com/pulseboard/pulsed/internal/metrics"
)

// AllProjects subscribes across every project. Wildcard subscriptions
// receive live events only; replay stays per-project.
const AllProjects = "*"

// Sink receives events for one subscription. Deliver must not block: it
// enqueues into a bounded per-connection queue and returns false when the
// event was dropped instead. The bus never waits on a slow consumer.
type Sink interface {
	Deliver(ev event.Event) bool
}

// Subscription is a client's declared interest: one project, an optional
// kind filter, bound to one connection's sink.
type Subscription struct {
	ID        string
	ProjectID string
	kinds     map[event.Kind]struct{} // empty = all kinds
	sink      Sink
}

// Matches reports whether the subscription wants events of kind k.
func (s *Subscription) Matches(k event.Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Kinds returns the filtered kinds in no particular order, or nil when the
// subscription covers all kinds.
func (s *Subscription) Kinds() []event.Kind {
	if len(s.kinds) == 0 {
		return nil
	}
	out := make([]event.Kind, 0, len(s.kinds))
	for k := range s.kinds {
		out = append(out, k)
	}
	return out
}

// Config holds bus configuration.
type Config struct {
	// BufferCapacity is the per-project replay ring size.
	BufferCapacity int

	// IdleRetention is how long an inactive project's ring is kept.
	IdleRetention time.Duration

	// SweepInterval is how often idle rings are collected.
	SweepInterval time.Duration
}

// Bus routes published events into replay buffers and out to subscriptions.
// Safe for concurrent use by many producers and many connections.
type Bus struct {
	cfg     Config
	buffers *buffer.Registry
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	byProject map[string]map[string]*Subscription
	closed    bool

	// pubLocks serializes append+fan-out per project so subscribers see
	// events in sequence order even with concurrent producers.
	pubLocks sync.Map // projectID → *sync.Mutex
}

// New creates a bus.
func New(cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Bus {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 500
	}
	if cfg.IdleRetention <= 0 {
		cfg.IdleRetention = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if m == nil {
		m = metrics.New()
	}
	return &Bus{
		cfg:       cfg,
		buffers:   buffer.NewRegistry(cfg.BufferCapacity),
		logger:    logger.With().Str("component", "bus").Logger(),
		metrics:   m,
		byProject: make(map[string]map[string]*Subscription),
	}
}

// Publish stamps ev into its project's replay buffer, then fans it out to
// every matching subscription. The buffer write is visible before any
// subscriber can see the event, so a replay request can never return events
// "before" they exist. Returns the assigned sequence.
func (b *Bus) Publish(ev event.Event) (uint64, error) {
	start := time.Now()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, perrors.ErrBusClosed
	}
	b.mu.RUnlock()

	lock, _ := b.pubLocks.LoadOrStore(ev.ProjectID, &sync.Mutex{})
	pubMu := lock.(*sync.Mutex)
	pubMu.Lock()

	stamped := b.buffers.Get(ev.ProjectID).Append(ev)
	b.metrics.PublishedTotal.WithLabelValues(string(stamped.Kind)).Inc()

	b.mu.RLock()
	b.fanOut(b.byProject[ev.ProjectID], stamped)
	b.fanOut(b.byProject[AllProjects], stamped)
	b.mu.RUnlock()

	pubMu.Unlock()

	b.metrics.PublishDuration.Observe(time.Since(start).Seconds())
	return stamped.Sequence, nil
}

// fanOut delivers to each matching subscription. Caller holds b.mu.
func (b *Bus) fanOut(subs map[string]*Subscription, ev event.Event) {
	for _, sub := range subs {
		if !sub.Matches(ev.Kind) {
			continue
		}
		if sub.sink.Deliver(ev) {
			b.metrics.DeliveredTotal.WithLabelValues(string(ev.Kind)).Inc()
		} else {
			b.metrics.DroppedTotal.Inc()
		}
	}
}

// PublishPayload marshals a typed payload and publishes it.
func (b *Bus) PublishPayload(projectID string, p event.Payload) (uint64, error) {
	ev, err := event.New(projectID, p)
	if err != nil {
		return 0, err
	}
	return b.Publish(ev)
}

// Subscribe registers interest in a project's events. An empty kinds slice
// subscribes to all kinds. The returned subscription stays live until
// Unsubscribe.
func (b *Bus) Subscribe(projectID string, kinds []event.Kind, sink Sink) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		sink:      sink,
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[event.Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.byProject[projectID] == nil {
		b.byProject[projectID] = make(map[string]*Subscription)
	}
	b.byProject[projectID][sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug().
		Str("subscription", sub.ID).
		Str("project", projectID).
		Int("kinds", len(kinds)).
		Msg("subscription created")
	return sub
}

// Unsubscribe removes a subscription. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if subs := b.byProject[sub.ProjectID]; subs != nil {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(b.byProject, sub.ProjectID)
		}
	}
	b.mu.Unlock()
}

// Replay returns the retained events for a project after lastEventID, in
// order, and whether the request fell off the back of the ring. A project
// the bus has never seen is a fresh, empty buffer: no events, no gap,
// since a subscribe can legitimately precede any events.
func (b *Bus) Replay(projectID string, lastEventID uint64) ([]event.Event, bool) {
	ring, ok := b.buffers.Peek(projectID)
	if !ok {
		return nil, false
	}
	return ring.Since(lastEventID)
}

// SubscriberCount returns the number of live subscriptions for a project.
func (b *Bus) SubscriberCount(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byProject[projectID])
}

// Stats is a point-in-time snapshot for the management API.
type Stats struct {
	ActiveBuffers int `json:"active_buffers"`
	Subscriptions int `json:"subscriptions"`
}

// Snapshot returns current bus statistics.
func (b *Bus) Snapshot() Stats {
	b.mu.RLock()
	total := 0
	for _, subs := range b.byProject {
		total += len(subs)
	}
	b.mu.RUnlock()
	return Stats{
		ActiveBuffers: b.buffers.Len(),
		Subscriptions: total,
	}
}

// Start launches the idle-buffer sweep loop. It stops when ctx is
// cancelled.
func (b *Bus) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := b.buffers.SweepIdle(b.cfg.IdleRetention, func(projectID string) bool {
					return b.SubscriberCount(projectID) > 0
				})
				for _, id := range removed {
					b.pubLocks.Delete(id)
				}
				if len(removed) > 0 {
					b.logger.Info().Strs("projects", removed).Msg("idle replay buffers discarded")
				}
				b.metrics.BuffersActive.Set(float64(b.buffers.Len()))
			}
		}
	}()
}

// Close rejects further publishes. In-flight Publish calls finish; the bus
// never waits for client acknowledgments.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
