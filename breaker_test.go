package waypoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for breaker tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker(BreakerOptions{
		FailureThreshold: 3,
		CoolDown:         time.Minute,
		Clock:            clock.Now,
	})

	for i := 0; i < 2; i++ {
		require.NoError(t, breaker.Allow())
		breaker.RecordFailure()
	}
	require.NoError(t, breaker.Allow())
	breaker.RecordFailure()

	err := breaker.Allow()
	require.Error(t, err)
	require.True(t, IsKind(err, FailureCircuitOpen))
	require.Equal(t, BreakerOpen, breaker.Status().State)
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerOptions{FailureThreshold: 3})

	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.RecordSuccess()
	breaker.RecordFailure()
	breaker.RecordFailure()

	require.NoError(t, breaker.Allow())
	require.Equal(t, BreakerClosed, breaker.Status().State)
}

func TestCircuitBreakerHalfOpenSingleTrial(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker(BreakerOptions{
		FailureThreshold: 1,
		CoolDown:         time.Minute,
		Clock:            clock.Now,
	})

	breaker.RecordFailure()
	require.Error(t, breaker.Allow())

	// After the cool-down, exactly one trial is admitted
	clock.Advance(time.Minute)
	require.NoError(t, breaker.Allow())
	require.Equal(t, BreakerHalfOpen, breaker.Status().State)
	require.Error(t, breaker.Allow())

	// A successful trial closes the breaker
	breaker.RecordSuccess()
	require.Equal(t, BreakerClosed, breaker.Status().State)
	require.NoError(t, breaker.Allow())
}

func TestCircuitBreakerFailedTrialReopens(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker(BreakerOptions{
		FailureThreshold: 1,
		CoolDown:         time.Minute,
		Clock:            clock.Now,
	})

	breaker.RecordFailure()
	clock.Advance(time.Minute)
	require.NoError(t, breaker.Allow())
	breaker.RecordFailure()

	require.Equal(t, BreakerOpen, breaker.Status().State)
	require.Error(t, breaker.Allow())

	// The cool-down restarts from the trial failure
	clock.Advance(time.Minute)
	require.NoError(t, breaker.Allow())
}

func TestBreakerSetIsolatesHandlerTypes(t *testing.T) {
	set := NewBreakerSet(BreakerOptions{FailureThreshold: 1})

	set.For(HandlerGeneration).RecordFailure()
	require.Error(t, set.For(HandlerGeneration).Allow())
	require.NoError(t, set.For(HandlerPlanning).Allow())
}

func TestBreakerSetSnapshotRestore(t *testing.T) {
	clock := newFakeClock()
	opts := BreakerOptions{FailureThreshold: 2, CoolDown: time.Minute, Clock: clock.Now}
	set := NewBreakerSet(opts)
	set.For(HandlerGeneration).RecordFailure()
	set.For(HandlerGeneration).RecordFailure()

	snapshot := set.Snapshot()
	require.Equal(t, BreakerOpen, snapshot[HandlerGeneration].State)

	restored := NewBreakerSet(opts)
	restored.Restore(snapshot)
	require.Error(t, restored.For(HandlerGeneration).Allow())
	require.Equal(t, 2, restored.For(HandlerGeneration).Status().ConsecutiveFailures)
}

func TestBreakerSetRestoreDemotesHalfOpen(t *testing.T) {
	set := NewBreakerSet(BreakerOptions{})
	set.Restore(map[HandlerType]*BreakerSnapshot{
		HandlerGeneration: {State: BreakerHalfOpen, ConsecutiveFailures: 5},
	})
	require.Equal(t, BreakerOpen, set.For(HandlerGeneration).Status().State)
}
