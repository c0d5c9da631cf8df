// Package concurrency implements the concurrency permits spec.md §4.3 step
// 1 requires before a candidate is dispatched: an optional global proxy
// semaphore plus a bounded per-backend semaphore keyed by backend name and
// sized from that backend's BackendCandidate.MaxInFlight.
//
// Grounded on internal/health.Registry's "process-wide map of backend name
// to per-backend state, created lazily on first access" shape.
package concurrency

import (
	"context"
	"sync"
	"time"
)

// DefaultWaitBudget is used when a BackendCandidate does not configure its
// own PermitWaitBudget.
const DefaultWaitBudget = 5 * time.Second

// Outcome reports how an Acquire call resolved.
type Outcome int

const (
	// Acquired means the caller now holds the permit and must call the
	// returned release func exactly once.
	Acquired Outcome = iota
	// TimedOut means the backend's wait budget elapsed before a permit
	// freed up; spec.md §4.3 step 1 maps this to BackendRateLimited and
	// the attempt engine continues to the next candidate.
	TimedOut
	// Cancelled means ctx was done (client disconnect) before a permit
	// freed up; the attempt engine aborts the whole request.
	Cancelled
)

// Permits is a process-wide concurrency limiter: an optional global slot
// pool shared by every backend, plus a bounded semaphore per backend name,
// sized from that backend's configured MaxInFlight.
type Permits struct {
	mu   sync.Mutex
	sems map[string]chan struct{}

	global chan struct{} // nil when no global limit is configured.
}

// NewPermits creates a Permits registry with no global limit configured.
func NewPermits() *Permits {
	return &Permits{sems: make(map[string]chan struct{})}
}

// NewPermitsWithGlobal creates a Permits registry whose total in-flight
// count across every backend is additionally capped at globalMaxInFlight.
// A globalMaxInFlight of 0 or less means unbounded.
func NewPermitsWithGlobal(globalMaxInFlight int) *Permits {
	p := NewPermits()
	if globalMaxInFlight > 0 {
		p.global = make(chan struct{}, globalMaxInFlight)
	}
	return p
}

// sem returns (creating on first access) the semaphore for backend, sized
// to maxInFlight slots. A maxInFlight of 0 or less means unbounded: no
// per-backend semaphore is created.
func (p *Permits) sem(backend string, maxInFlight int) chan struct{} {
	if maxInFlight <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sems[backend]
	if !ok {
		s = make(chan struct{}, maxInFlight)
		p.sems[backend] = s
	}
	return s
}

// Acquire blocks until a concurrency permit for backend is available,
// waitBudget elapses, or ctx is cancelled, whichever comes first. waitBudget
// of 0 or less uses DefaultWaitBudget. It returns a release function that
// must be called exactly once iff outcome is Acquired.
//
// The global slot (if configured) is acquired first, then the per-backend
// slot; both are released together, so a caller never holds one without
// the other.
func (p *Permits) Acquire(ctx context.Context, backend string, maxInFlight int, waitBudget time.Duration) (release func(), outcome Outcome) {
	s := p.sem(backend, maxInFlight)
	if s == nil && p.global == nil {
		return func() {}, Acquired
	}
	if waitBudget <= 0 {
		waitBudget = DefaultWaitBudget
	}
	timer := time.NewTimer(waitBudget)
	defer timer.Stop()

	if p.global != nil {
		select {
		case p.global <- struct{}{}:
		case <-ctx.Done():
			return func() {}, Cancelled
		case <-timer.C:
			return func() {}, TimedOut
		}
	}
	if s == nil {
		return p.releaseGlobalOnly(), Acquired
	}
	select {
	case s <- struct{}{}:
		return p.releaseBoth(s), Acquired
	case <-ctx.Done():
		p.releaseGlobalOnly()()
		return func() {}, Cancelled
	case <-timer.C:
		p.releaseGlobalOnly()()
		return func() {}, TimedOut
	}
}

func (p *Permits) releaseGlobalOnly() func() {
	return func() {
		if p.global != nil {
			<-p.global
		}
	}
}

func (p *Permits) releaseBoth(s chan struct{}) func() {
	return func() {
		<-s
		if p.global != nil {
			<-p.global
		}
	}
}

// InFlight reports how many permits for backend are currently held. It
// returns 0 for an untracked or unbounded backend.
func (p *Permits) InFlight(backend string) int {
	p.mu.Lock()
	s, ok := p.sems[backend]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return len(s)
}
