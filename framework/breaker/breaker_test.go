package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b, err := New(Config{FailureThreshold: 3, CoolDown: 30 * time.Second}, nil)
	require.NoError(t, err)
	return b.WithClock(clock.Now), clock
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 2; i++ {
		b.RecordFailure("billing")
		assert.False(t, b.IsOpen("billing"))
	}
	b.RecordFailure("billing")

	assert.True(t, b.IsOpen("billing"))
	assert.Equal(t, StateOpen, b.State("billing").State)
	assert.False(t, b.IsOpen("expenses"), "other services are unaffected")
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.RecordFailure("billing")
	b.RecordFailure("billing")
	b.RecordSuccess("billing")
	b.RecordFailure("billing")
	b.RecordFailure("billing")

	assert.False(t, b.IsOpen("billing"))
	assert.Equal(t, 2, b.State("billing").ConsecutiveFailures)
}

func TestCircuitBreaker_ConcurrentFailuresOpenOnce(t *testing.T) {
	b, _ := newTestBreaker(t)
	var opened int32
	b.OnStateChange(func(service string, from, to State) {
		if to == StateOpen {
			atomic.AddInt32(&opened, 1)
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure("billing")
		}()
	}
	wg.Wait()

	var open int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.IsOpen("billing") {
				atomic.AddInt32(&open, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&opened))
	assert.Equal(t, int32(50), atomic.LoadInt32(&open))
}

func TestCircuitBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure("billing")
	}

	clock.Advance(29 * time.Second)
	assert.True(t, b.IsOpen("billing"), "cool-down not elapsed")

	clock.Advance(time.Second)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !b.IsOpen("billing") {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted)
	assert.Equal(t, StateHalfOpen, b.State("billing").State)

	b.RecordSuccess("billing")
	assert.Equal(t, StateClosed, b.State("billing").State)
	assert.False(t, b.IsOpen("billing"))
}

func TestCircuitBreaker_FailedProbeRestartsCoolDown(t *testing.T) {
	b, clock := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure("billing")
	}

	clock.Advance(30 * time.Second)
	require.False(t, b.IsOpen("billing"))
	b.RecordFailure("billing")

	assert.Equal(t, StateOpen, b.State("billing").State)
	clock.Advance(10 * time.Second)
	assert.True(t, b.IsOpen("billing"))
	clock.Advance(20 * time.Second)
	assert.False(t, b.IsOpen("billing"))
}

func TestCircuitBreaker_LostProbeIsForgotten(t *testing.T) {
	b, clock := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure("billing")
	}

	clock.Advance(30 * time.Second)
	require.False(t, b.IsOpen("billing"))
	assert.True(t, b.IsOpen("billing"))

	clock.Advance(30 * time.Second)
	assert.False(t, b.IsOpen("billing"), "a new probe is admitted after another cool-down")
}

func TestCircuitBreaker_LateSuccessIgnoredWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(t)
	early, admitted := b.Allow("billing")
	require.True(t, admitted)
	assert.False(t, early.Trial())

	for i := 0; i < 3; i++ {
		b.RecordFailure("billing")
	}
	early.Success()

	st := b.State("billing")
	assert.Equal(t, StateOpen, st.State)
	assert.Equal(t, 3, st.ConsecutiveFailures, "success of a call started before opening is discarded")
	assert.True(t, b.IsOpen("billing"))
}

func TestCircuitBreaker_LateSuccessDoesNotCloseHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(t)
	early, admitted := b.Allow("billing")
	require.True(t, admitted)
	for i := 0; i < 3; i++ {
		b.RecordFailure("billing")
	}

	clock.Advance(30 * time.Second)
	trial, admitted := b.Allow("billing")
	require.True(t, admitted)
	require.True(t, trial.Trial())

	early.Success()
	assert.Equal(t, StateHalfOpen, b.State("billing").State)
	_, admitted = b.Allow("billing")
	assert.False(t, admitted, "the admitted trial call is still outstanding")

	trial.Success()
	assert.Equal(t, StateClosed, b.State("billing").State)
	assert.False(t, b.IsOpen("billing"))
}

func TestCircuitBreaker_ForgottenTrialCannotCloseCircuit(t *testing.T) {
	b, clock := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure("billing")
	}

	clock.Advance(30 * time.Second)
	first, admitted := b.Allow("billing")
	require.True(t, admitted)
	clock.Advance(30 * time.Second)
	second, admitted := b.Allow("billing")
	require.True(t, admitted)

	first.Success()
	assert.Equal(t, StateHalfOpen, b.State("billing").State)

	second.Failure()
	assert.Equal(t, StateOpen, b.State("billing").State)
	first.Success()
	assert.Equal(t, StateOpen, b.State("billing").State)
}

func TestCircuitBreaker_PlainSuccessWhileOpenKeepsCircuitOpen(t *testing.T) {
	b, _ := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure("billing")
	}
	b.RecordSuccess("billing")

	assert.Equal(t, StateOpen, b.State("billing").State)
	assert.True(t, b.IsOpen("billing"))
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.RecordFailure("money-out")
	b.RecordSuccess("intelligence")

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "intelligence", snap[0].Service)
	assert.Equal(t, "money-out", snap[1].Service)
	assert.Equal(t, 1, snap[1].ConsecutiveFailures)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{FailureThreshold: 0, CoolDown: time.Second}.Validate())
	assert.Error(t, Config{FailureThreshold: 1}.Validate())
}
