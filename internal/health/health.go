// Package health tracks per-backend circuit-breaker-style health state,
// per spec.md §3 "BackendHealth" and §4.3 step 6.
package health

import (
	"sync"
	"time"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
)

// Tracker holds one backend's consecutive-failure count, last failure
// time, and current state. It is safe for concurrent use: the attempt
// engine updates it from many in-flight requests, while the admission
// path and the periodic prober read it.
type Tracker struct {
	mu                sync.Mutex
	consecutiveFailures int
	lastFailure       time.Time
	state             gatewaytypes.HealthState
	tripThreshold     int
	cooldown          time.Duration
	trippedAt         time.Time
}

// NewTracker creates a Tracker starting Healthy, tripping after
// tripThreshold consecutive retriable failures, and eligible for a
// half-open probe after cooldown has elapsed since it tripped.
func NewTracker(tripThreshold int, cooldown time.Duration) *Tracker {
	if tripThreshold <= 0 {
		tripThreshold = 5
	}
	return &Tracker{state: gatewaytypes.HealthHealthy, tripThreshold: tripThreshold, cooldown: cooldown}
}

// State returns the tracker's current health state.
func (t *Tracker) State() gatewaytypes.HealthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnSuccess clears the consecutive-failure counter. A success observed
// while HalfOpen restores Healthy; a success observed while Tripped (e.g.
// a probe that bypassed the cooldown gate) also restores Healthy.
func (t *Tracker) OnSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures = 0
	t.state = gatewaytypes.HealthHealthy
}

// OnRetriableFailure increments the consecutive-failure counter and trips
// the breaker when tripThreshold is crossed.
func (t *Tracker) OnRetriableFailure(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures++
	t.lastFailure = now
	if t.state == gatewaytypes.HealthHealthy && t.consecutiveFailures >= t.tripThreshold {
		t.state = gatewaytypes.HealthTripped
		t.trippedAt = now
	}
}

// Probe transitions a Tripped tracker to HalfOpen once its cooldown window
// has elapsed, so the next attempt engine pass can try it again. Called
// by the periodic probe task described in spec.md §4.2/§4.3.
func (t *Tracker) Probe(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == gatewaytypes.HealthTripped && now.Sub(t.trippedAt) >= t.cooldown {
		t.state = gatewaytypes.HealthHalfOpen
	}
}

// InCooldown reports whether a Tripped tracker is still within its
// cooldown window, used by the router's health filter to decide whether a
// tripped backend should be retained at the tail of the candidate list or
// dropped entirely for this selection.
func (t *Tracker) InCooldown(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == gatewaytypes.HealthTripped && now.Sub(t.trippedAt) < t.cooldown
}

// Registry is a process-wide map of backend name to Tracker.
type Registry struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
	tripThreshold int
	cooldown      time.Duration
}

// NewRegistry creates a Registry whose Trackers all share the given
// trip threshold and cooldown.
func NewRegistry(tripThreshold int, cooldown time.Duration) *Registry {
	return &Registry{trackers: make(map[string]*Tracker), tripThreshold: tripThreshold, cooldown: cooldown}
}

// Get returns (creating on first access) the Tracker for backend.
func (r *Registry) Get(backend string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[backend]
	if !ok {
		t = NewTracker(r.tripThreshold, r.cooldown)
		r.trackers[backend] = t
	}
	return t
}

// Snapshot is a read-only view of one backend's health for the
// GET /admin/backends endpoint.
type Snapshot struct {
	Backend             string
	State               gatewaytypes.HealthState
	ConsecutiveFailures int
	LastFailure         time.Time
}

// All returns a snapshot of every tracked backend.
func (r *Registry) All() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.trackers))
	for name, t := range r.trackers {
		t.mu.Lock()
		out = append(out, Snapshot{
			Backend:             name,
			State:               t.state,
			ConsecutiveFailures: t.consecutiveFailures,
			LastFailure:         t.lastFailure,
		})
		t.mu.Unlock()
	}
	return out
}

// Reset forces backend back to Healthy, used by
// POST /admin/backends/{name}/reset.
func (r *Registry) Reset(backend string) {
	t := r.Get(backend)
	t.mu.Lock()
	t.consecutiveFailures = 0
	t.state = gatewaytypes.HealthHealthy
	t.mu.Unlock()
}

// RunProber starts a goroutine that calls Probe on every tracked backend
// every interval, until done is closed. It is the "periodic probe task" named
// in spec.md §4.3 step 6.
func (r *Registry) RunProber(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				r.mu.Lock()
				trackers := make([]*Tracker, 0, len(r.trackers))
				for _, t := range r.trackers {
					trackers = append(trackers, t)
				}
				r.mu.Unlock()
				for _, t := range trackers {
					t.Probe(now)
				}
			}
		}
	}()
}
