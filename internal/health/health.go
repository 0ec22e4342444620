// Package health runs the daemon's readiness probes and retains the latest
// result per probe for the management surface.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status of one probe.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// ErrDegraded marks a probe outcome that is impaired but not fatal:
// readiness still passes. Wrap it to carry detail.
var ErrDegraded = errors.New("degraded")

// CheckFunc probes one dependency. A nil return is healthy, an error
// wrapping ErrDegraded reports impairment without failing readiness, and
// any other error takes the probe down.
type CheckFunc func(ctx context.Context) error

// Result is the outcome of one probe run.
type Result struct {
	Status    Status    `json:"status"`
	LatencyMS float64   `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

const probeTimeout = 5 * time.Second

// Checker runs registered probes and retains the most recent results.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	last   map[string]Result
	logger zerolog.Logger
}

// NewChecker creates an empty Checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		last:   make(map[string]Result),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named probe.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes every probe concurrently, each under its own timeout,
// and returns per-probe results with measured latency.
func (c *Checker) RunAll(ctx context.Context) map[string]Result {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Result, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			started := time.Now()
			err := f(probeCtx)
			r := Result{
				Status:    StatusOK,
				LatencyMS: float64(time.Since(started).Microseconds()) / 1000.0,
				CheckedAt: time.Now().UTC(),
			}
			switch {
			case err == nil:
			case errors.Is(err, ErrDegraded):
				r.Status = StatusDegraded
				r.Error = err.Error()
			default:
				r.Status = StatusDown
				r.Error = err.Error()
				c.logger.Warn().Str("check", n).Err(err).Msg("probe failed")
			}

			mu.Lock()
			results[n] = r
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	c.mu.Lock()
	c.last = results
	c.mu.Unlock()

	return results
}

// Snapshot returns the most recent results without re-running probes.
func (c *Checker) Snapshot() map[string]Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Result, len(c.last))
	for k, v := range c.last {
		out[k] = v
	}
	return out
}

// IsReady reports whether no probe is down. Degraded probes stay ready.
func (c *Checker) IsReady(ctx context.Context) bool {
	for _, r := range c.RunAll(ctx) {
		if r.Status == StatusDown {
			return false
		}
	}
	return true
}

// LivenessHandler answers the process-up probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadinessHandler runs the probes and reports per-probe results.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := c.RunAll(r.Context())

		ready := true
		for _, res := range results {
			if res.Status == StatusDown {
				ready = false
				break
			}
		}

		resp := map[string]interface{}{
			"checks": results,
		}
		w.Header().Set("Content-Type", "application/json")
		if ready {
			resp["status"] = "ready"
			w.WriteHeader(http.StatusOK)
		} else {
			resp["status"] = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
