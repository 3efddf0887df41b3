package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpensAfterThresholdConsecutiveFailures(t *testing.T) {
	b := New(3, time.Minute)
	for i := 0; i < 2; i++ {
		ticket, ok := b.Allow()
		require.True(t, ok)
		ticket.Failure()
	}
	assert.Equal(t, Closed, b.CurrentState())

	ticket, ok := b.Allow()
	require.True(t, ok)
	ticket.Failure()
	assert.Equal(t, Open, b.CurrentState())

	_, ok = b.Allow()
	assert.False(t, ok)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)
	for i := 0; i < 2; i++ {
		ticket, ok := b.Allow()
		require.True(t, ok)
		ticket.Failure()
	}
	ticket, ok := b.Allow()
	require.True(t, ok)
	ticket.Success()

	for i := 0; i < 2; i++ {
		ticket, ok := b.Allow()
		require.True(t, ok)
		ticket.Failure()
	}
	assert.Equal(t, Closed, b.CurrentState(), "reset counter means two more failures shouldn't trip")
}

func TestHalfOpenProbeReopensOnFailure(t *testing.T) {
	b := New(1, time.Millisecond)
	ticket, ok := b.Allow()
	require.True(t, ok)
	ticket.Failure() // trips open

	time.Sleep(5 * time.Millisecond)
	ticket, ok = b.Allow()
	require.True(t, ok, "first call after resetTimeout is the half-open probe")
	ticket.Failure()
	assert.Equal(t, Open, b.CurrentState())
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := New(1, time.Millisecond)
	ticket, ok := b.Allow()
	require.True(t, ok)
	ticket.Failure()

	time.Sleep(5 * time.Millisecond)
	ticket, ok = b.Allow()
	require.True(t, ok)
	ticket.Success()
	assert.Equal(t, Closed, b.CurrentState())

	_, ok = b.Allow()
	assert.True(t, ok)
}

func TestHalfOpenOnlyAdmitsOneProbeAtATime(t *testing.T) {
	b := New(1, time.Millisecond)
	ticket, ok := b.Allow()
	require.True(t, ok)
	ticket.Failure()

	time.Sleep(5 * time.Millisecond)
	_, ok = b.Allow()
	require.True(t, ok, "first probe after the timeout is admitted")

	_, ok = b.Allow()
	assert.False(t, ok, "a second concurrent probe must be refused while the first is outstanding")
}

func TestRegistryHandsOutOnePerTarget(t *testing.T) {
	r := NewRegistry(3, time.Minute)
	a := r.For("target-a")
	b := r.For("target-a")
	c := r.For("target-b")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
