package wsforge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     50 * time.Millisecond,
		MonitoringWindow: time.Minute,
		SuccessThreshold: 2,
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newBreaker(testBreakerConfig())
	assert.True(t, b.CanExecute())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.Stats().State)
	b.RecordFailure()

	assert.Equal(t, Open, b.Stats().State)
	assert.False(t, b.CanExecute())
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	b := newBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.Stats().State)

	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.CanExecute())
	assert.Equal(t, HalfOpen, b.Stats().State)
}

func TestBreakerClosesAfterConsecutiveSuccessesInHalfOpen(t *testing.T) {
	b := newBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.True(t, b.CanExecute())
	require.Equal(t, HalfOpen, b.Stats().State)

	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.Stats().State)
	b.RecordSuccess()
	assert.Equal(t, Closed, b.Stats().State)
}

func TestBreakerReopensOnFailureDuringHalfOpen(t *testing.T) {
	b := newBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.True(t, b.CanExecute())
	require.Equal(t, HalfOpen, b.Stats().State)

	b.RecordFailure()
	assert.Equal(t, Open, b.Stats().State)
}

func TestBreakerWindowPruning(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.MonitoringWindow = 20 * time.Millisecond
	b := newBreaker(cfg)

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	// The failures should have aged out of the window, so a third
	// failure alone must not trip the breaker.
	b.RecordFailure()
	assert.Equal(t, Closed, b.Stats().State)
}

func TestBreakerManualReset(t *testing.T) {
	b := newBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.Stats().State)
	b.Reset()
	assert.Equal(t, Closed, b.Stats().State)
	assert.True(t, b.CanExecute())
}

func TestBreakerRegistryIsPerRoute(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		r.RecordFailure("/a")
	}
	assert.False(t, r.CanExecute("/a"))
	assert.True(t, r.CanExecute("/b"))
}

func TestBreakerRegistrySweepEvictsIdleRoutes(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())
	r.RecordFailure("/idle")
	evicted := r.sweep(time.Now().Add(2 * time.Hour))
	assert.Equal(t, 1, evicted)
	_, ok := r.Stats("/idle")
	assert.False(t, ok)
}

func TestBreakerRegistryAnyOpen(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())
	assert.False(t, r.AnyOpen())
	for i := 0; i < 3; i++ {
		r.RecordFailure("/a")
	}
	assert.True(t, r.AnyOpen())
}
