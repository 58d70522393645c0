package wsforge

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BreakerState is one of the three circuit breaker states of spec.md §4.2.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerStats is the read-only snapshot returned by Breaker.Stats.
type BreakerStats struct {
	State               BreakerState
	FailureCount        int
	ConsecutiveSuccess  int
	LastFailureTime     time.Time
	LastSuccessTime     time.Time
	TotalRequests       int64
	WindowedFailures     int
}

// breaker is a single route's circuit breaker.
type breaker struct {
	mu sync.Mutex

	cfg CircuitBreakerConfig

	state              BreakerState
	failureCount       int
	consecutiveSuccess int
	lastFailure        time.Time
	lastSuccess        time.Time
	lastActivity       time.Time
	totalRequests      int64
	failureWindow      []time.Time
}

func newBreaker(cfg CircuitBreakerConfig) *breaker {
	return &breaker{cfg: cfg, state: Closed, lastActivity: time.Now()}
}

// CanExecute reports whether a request for this route may proceed. It is
// also where OPEN -> HALF_OPEN transitions happen, since that edge is
// only observable on the next attempted call.
func (b *breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneWindow(time.Now())

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if time.Since(b.lastFailure) >= b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.consecutiveSuccess = 0
			return true
		}
		return false
	default:
		return false
	}
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.lastActivity = now
	b.lastSuccess = now
	b.totalRequests++

	switch b.state {
	case HalfOpen:
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.consecutiveSuccess = 0
			b.failureWindow = nil
		}
	case Closed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.lastActivity = now
	b.lastFailure = now
	b.totalRequests++
	b.failureWindow = append(b.failureWindow, now)
	b.pruneWindow(now)

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.consecutiveSuccess = 0
	case Closed:
		b.failureCount = len(b.failureWindow)
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = Open
		}
	}
}

func (b *breaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	i := 0
	for ; i < len(b.failureWindow); i++ {
		if b.failureWindow[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.failureWindow = b.failureWindow[i:]
	}
	if b.state == Closed {
		b.failureCount = len(b.failureWindow)
	}
}

func (b *breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneWindow(time.Now())
	return BreakerStats{
		State:              b.state,
		FailureCount:       b.failureCount,
		ConsecutiveSuccess: b.consecutiveSuccess,
		LastFailureTime:    b.lastFailure,
		LastSuccessTime:    b.lastSuccess,
		TotalRequests:      b.totalRequests,
		WindowedFailures:   len(b.failureWindow),
	}
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.consecutiveSuccess = 0
	b.failureWindow = nil
}

func (b *breaker) idleFor(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastActivity)
}

// BreakerRegistry owns one breaker per route, created lazily, pruned
// after an hour of inactivity by a background sweep.
type BreakerRegistry struct {
	mu       sync.RWMutex
	cfg      CircuitBreakerConfig
	breakers map[string]*breaker
	sched    *schedulerHandle
}

// NewBreakerRegistry constructs a fresh, process-independent registry —
// tests can build one without touching any global state.
func NewBreakerRegistry(cfg CircuitBreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{cfg: cfg, breakers: make(map[string]*breaker)}
}

func (r *BreakerRegistry) get(route string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[route]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[route]; ok {
		return b
	}
	b = newBreaker(r.cfg)
	r.breakers[route] = b
	return b
}

func (r *BreakerRegistry) CanExecute(route string) bool { return r.get(route).CanExecute() }
func (r *BreakerRegistry) RecordSuccess(route string)   { r.get(route).RecordSuccess() }
func (r *BreakerRegistry) RecordFailure(route string)   { r.get(route).RecordFailure() }
func (r *BreakerRegistry) Reset(route string)           { r.get(route).Reset() }

func (r *BreakerRegistry) Stats(route string) (BreakerStats, bool) {
	r.mu.RLock()
	b, ok := r.breakers[route]
	r.mu.RUnlock()
	if !ok {
		return BreakerStats{}, false
	}
	return b.Stats(), true
}

// AnyOpen reports whether any known breaker is currently OPEN — used by
// the health monitor's degraded rollup.
func (r *BreakerRegistry) AnyOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		if b.Stats().State == Open {
			return true
		}
	}
	return false
}

// StartSweep prunes breakers idle for more than an hour, every 30
// minutes, using the shared cron scheduler so the interval reads like a
// schedule rather than a raw ticker.
func (r *BreakerRegistry) StartSweep(sched *schedulerHandle) {
	r.sched = sched
	sched.addCron("@every 30m", func(ctx context.Context) {
		r.sweep(time.Now())
	})
}

func (r *BreakerRegistry) sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for route, b := range r.breakers {
		if b.idleFor(now) > time.Hour {
			delete(r.breakers, route)
			evicted++
		}
	}
	if evicted > 0 {
		logrus.WithField("evicted", evicted).Debug("wsforge: breaker sweep evicted idle routes")
	}
	return evicted
}

// Destroy clears all breaker state. Safe to call without a prior
// StartSweep.
func (r *BreakerRegistry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*breaker)
}
