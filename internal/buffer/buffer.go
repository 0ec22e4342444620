// Package buffer implements the per-project replay buffer: a bounded ring
// of recent events, ordered by sequence, plus a registry that creates rings
// lazily and discards them once a project has gone idle.
package buffer

import (
	"sync"
	"time"

	"github.com/pulseboard/pulsed/internal/event"
)

// Ring is a bounded buffer of the most recent events for one project.
// It is the single point of serialization for sequence assignment: Append
// calls are mutually exclusive, so sequences are strictly increasing with
// no gaps. Safe for concurrent use.
type Ring struct {
	mu       sync.Mutex
	events   []event.Event // circular, oldest at start%cap
	start    int           // index of the oldest retained event
	count    int
	nextSeq  uint64
	lastUsed time.Time
}

// NewRing creates a ring with the given capacity.
// Panics if capacity < 1.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		panic("buffer: capacity must be >= 1")
	}
	return &Ring{
		events:   make([]event.Event, capacity),
		nextSeq:  1,
		lastUsed: time.Now(),
	}
}

// Append assigns the next sequence number and timestamp to ev, inserts it,
// and returns the stamped event. The oldest entry is evicted once the ring
// is at capacity.
func (r *Ring) Append(ev event.Event) event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.Sequence = r.nextSeq
	ev.EmittedAt = time.Now().UTC()
	r.nextSeq++
	r.lastUsed = time.Now()

	capacity := len(r.events)
	if r.count < capacity {
		r.events[(r.start+r.count)%capacity] = ev
		r.count++
	} else {
		r.events[r.start] = ev
		r.start = (r.start + 1) % capacity
	}
	return ev
}

// Since returns all retained events with sequence > lastEventID in
// increasing order. truncated is true when lastEventID is older than the
// oldest retained sequence: events have been evicted, replay cannot bridge
// the gap, and the caller must fall back to a full-state refetch. A
// truncated result carries no events.
func (r *Ring) Since(lastEventID uint64) (events []event.Event, truncated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		// Fresh or fully idle project. A replay request against an empty
		// ring is only a gap if events existed and were all evicted.
		return nil, r.nextSeq > 1 && lastEventID < r.nextSeq-1
	}

	oldest := r.events[r.start].Sequence
	if lastEventID+1 < oldest {
		return nil, true
	}

	capacity := len(r.events)
	for i := 0; i < r.count; i++ {
		ev := r.events[(r.start+i)%capacity]
		if ev.Sequence > lastEventID {
			events = append(events, ev)
		}
	}
	return events, false
}

// LastSequence returns the most recently assigned sequence, or 0 if no
// event was ever appended.
func (r *Ring) LastSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq - 1
}

// Len returns the number of retained events.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// idleSince returns the time of the last append.
func (r *Ring) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsed
}

// Registry owns the per-project rings. Rings are created lazily on first
// use and swept once idle beyond the retention window. Safe for concurrent
// use; rings for different projects are mutated independently.
type Registry struct {
	mu       sync.RWMutex
	rings    map[string]*Ring
	capacity int
}

// NewRegistry creates an empty registry. Each ring is created with the
// given capacity.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		rings:    make(map[string]*Ring),
		capacity: capacity,
	}
}

// Get returns the ring for a project, creating it if absent.
func (g *Registry) Get(projectID string) *Ring {
	g.mu.RLock()
	r, ok := g.rings[projectID]
	g.mu.RUnlock()
	if ok {
		return r
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok = g.rings[projectID]; ok {
		return r
	}
	r = NewRing(g.capacity)
	g.rings[projectID] = r
	return r
}

// Peek returns the ring for a project without creating one.
func (g *Registry) Peek(projectID string) (*Ring, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rings[projectID]
	return r, ok
}

// Len returns the number of active rings.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rings)
}

// SweepIdle discards rings that have seen no events for longer than
// retention and for which inUse reports no interest (no live
// subscriptions). Returns the project IDs that were discarded.
func (g *Registry) SweepIdle(retention time.Duration, inUse func(projectID string) bool) []string {
	cutoff := time.Now().Add(-retention)

	g.mu.Lock()
	defer g.mu.Unlock()

	var removed []string
	for id, r := range g.rings {
		if r.idleSince().After(cutoff) {
			continue
		}
		if inUse != nil && inUse(id) {
			continue
		}
		delete(g.rings, id)
		removed = append(removed, id)
	}
	return removed
}
