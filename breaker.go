package waypoint

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current disposition.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerOptions configures the circuit breakers shared across a run.
type BreakerOptions struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Defaults to 5.
	FailureThreshold int

	// CoolDown is how long an open breaker rejects attempts before allowing
	// a single half-open trial. Defaults to 1 minute.
	CoolDown time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.CoolDown <= 0 {
		o.CoolDown = time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// CircuitBreaker guards one handler type. After FailureThreshold consecutive
// failures it opens and rejects attempts until the cool-down elapses, then
// half-opens and admits exactly one trial attempt.
type CircuitBreaker struct {
	mutex         sync.Mutex
	threshold     int
	coolDown      time.Duration
	now           func() time.Time
	failures      int
	lastFailureAt time.Time
	state         BreakerState
	trialPending  bool
}

// BreakerStatus is a read-only view of a breaker for status queries.
type BreakerStatus struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitzero"`
}

// BreakerSnapshot is the serializable breaker state for checkpointing.
type BreakerSnapshot struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitzero"`
}

// NewCircuitBreaker creates a closed breaker with the given options.
func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	opts = opts.withDefaults()
	return &CircuitBreaker{
		threshold: opts.FailureThreshold,
		coolDown:  opts.CoolDown,
		now:       opts.Clock,
		state:     BreakerClosed,
	}
}

// Allow reports whether an attempt may proceed. An open breaker rejects with
// a circuit_open error; once the cool-down has elapsed it half-opens and the
// next Allow admits a single trial.
func (b *CircuitBreaker) Allow() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.lastFailureAt) < b.coolDown {
			return &WaypointError{
				Kind: FailureCircuitOpen,
				Cause: fmt.Sprintf("circuit open after %d consecutive failures, cooling down until %s",
					b.failures, b.lastFailureAt.Add(b.coolDown).Format(time.RFC3339)),
			}
		}
		b.state = BreakerHalfOpen
		b.trialPending = true
		return nil
	case BreakerHalfOpen:
		if b.trialPending {
			return &WaypointError{
				Kind:  FailureCircuitOpen,
				Cause: "circuit half-open, trial attempt already in flight",
			}
		}
		b.trialPending = true
		return nil
	}
	return nil
}

// RecordSuccess closes the breaker and resets the consecutive-failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.trialPending = false
}

// RecordFailure counts a failed attempt. Reaching the threshold, or failing
// a half-open trial, opens the breaker and restarts the cool-down.
func (b *CircuitBreaker) RecordFailure() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.failures++
	b.lastFailureAt = b.now()
	b.trialPending = false
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
	}
}

// Status returns a read-only view of the breaker.
func (b *CircuitBreaker) Status() *BreakerStatus {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return &BreakerStatus{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailureAt:       b.lastFailureAt,
	}
}

// BreakerSet holds one circuit breaker per handler type, created lazily.
type BreakerSet struct {
	mutex    sync.Mutex
	opts     BreakerOptions
	breakers map[HandlerType]*CircuitBreaker
}

// NewBreakerSet creates an empty breaker set.
func NewBreakerSet(opts BreakerOptions) *BreakerSet {
	return &BreakerSet{
		opts:     opts.withDefaults(),
		breakers: map[HandlerType]*CircuitBreaker{},
	}
}

// For returns the breaker for a handler type, creating it if needed.
func (s *BreakerSet) For(handler HandlerType) *CircuitBreaker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	breaker, ok := s.breakers[handler]
	if !ok {
		breaker = NewCircuitBreaker(s.opts)
		s.breakers[handler] = breaker
	}
	return breaker
}

// Statuses returns the current status of every instantiated breaker.
func (s *BreakerSet) Statuses() map[HandlerType]*BreakerStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make(map[HandlerType]*BreakerStatus, len(s.breakers))
	for handler, breaker := range s.breakers {
		out[handler] = breaker.Status()
	}
	return out
}

// Snapshot returns the serializable state of every instantiated breaker.
func (s *BreakerSet) Snapshot() map[HandlerType]*BreakerSnapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make(map[HandlerType]*BreakerSnapshot, len(s.breakers))
	for handler, breaker := range s.breakers {
		status := breaker.Status()
		out[handler] = &BreakerSnapshot{
			State:               status.State,
			ConsecutiveFailures: status.ConsecutiveFailures,
			LastFailureAt:       status.LastFailureAt,
		}
	}
	return out
}

// Restore rebuilds breakers from a checkpoint snapshot.
func (s *BreakerSet) Restore(snapshot map[HandlerType]*BreakerSnapshot) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.breakers = make(map[HandlerType]*CircuitBreaker, len(snapshot))
	for handler, saved := range snapshot {
		breaker := NewCircuitBreaker(s.opts)
		breaker.failures = saved.ConsecutiveFailures
		breaker.lastFailureAt = saved.LastFailureAt
		breaker.state = saved.State
		if breaker.state == BreakerHalfOpen {
			// A trial that was in flight at checkpoint time never finished.
			breaker.state = BreakerOpen
		}
		s.breakers[handler] = breaker
	}
}
