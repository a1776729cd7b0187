package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceNonDecreasingUpToCap(t *testing.T) {
	s := New(DefaultPolicy)
	prev := time.Duration(0)
	for i := 0; i < 50; i++ {
		d := s.Next()
		assert.GreaterOrEqual(t, d, prev, "attempt %d", i)
		assert.LessOrEqual(t, d, DefaultPolicy.Max)
		assert.GreaterOrEqual(t, d, DefaultPolicy.Base)
		prev = d
	}
	assert.GreaterOrEqual(t, prev, DefaultPolicy.Max/2)
}

func TestSequenceResetReturnsToBase(t *testing.T) {
	s := New(DefaultPolicy)
	for i := 0; i < 5; i++ {
		s.Next()
	}
	require.Equal(t, uint(5), s.Attempt())
	s.Reset()
	assert.Equal(t, uint(0), s.Attempt())
	assert.Equal(t, DefaultPolicy.Base, s.Next())
}

func TestSequenceJitterStaysInsideWindow(t *testing.T) {
	s := New(Policy{Base: time.Second, Max: time.Minute, Randomization: 0.5})
	s.jitter = func() float64 { return 1 }
	assert.Equal(t, time.Second, s.Next())
	// raw 2s jittered down by half, clamped to the previous delay
	assert.Equal(t, time.Second, s.Next())
	// raw 4s jittered down by half
	assert.Equal(t, 2*time.Second, s.Next())
	s.jitter = func() float64 { return 0 }
	assert.Equal(t, 8*time.Second, s.Next())
}

func TestNewClampsPolicy(t *testing.T) {
	s := New(Policy{Base: 5 * time.Second, Max: time.Second, Randomization: 3})
	assert.Equal(t, 5*time.Second, s.p.Max)
	assert.Equal(t, 1.0, s.p.Randomization)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, Constant(time.Millisecond), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUp(t *testing.T) {
	boom := errors.New("boom")
	var seen []int
	err := Retry(context.Background(), 3, Linear(time.Millisecond), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	boom := errors.New("unauthorized")
	calls := 0
	err := Retry(context.Background(), 5, Constant(time.Millisecond), func(context.Context, int) error {
		calls++
		return Permanent(boom)
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 5, Constant(time.Hour), func(context.Context, int) error { return errors.New("x") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLinear(t *testing.T) {
	f := Linear(2 * time.Second)
	assert.Equal(t, 2*time.Second, f(0))
	assert.Equal(t, 6*time.Second, f(2))
}
