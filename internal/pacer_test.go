package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

// waitAsync runs p.Wait in a goroutine, steps the clock once the pacer is
// waiting on a timer and returns the result.
func waitAsync(t *testing.T, p *Pacer, clock *testclock.FakeClock, ts int64, step time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Wait(context.Background(), ts) }()
	require.Eventually(t, clock.HasWaiters, time.Second, time.Millisecond)
	clock.Step(step)
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("pacer did not return")
		return nil
	}
}

func TestPacerWaitsForTimestamp(t *testing.T) {
	clock := testclock.NewFakeClock(time.Unix(0, 0))
	p := NewPacerWithClock(time.Second, clock)
	ctx := context.Background()

	require.NoError(t, p.Wait(ctx, 1000))
	assert.NoError(t, waitAsync(t, p, clock, 1100, 100*time.Millisecond))

	// running late: no wait
	clock.Step(500 * time.Millisecond)
	assert.NoError(t, p.Wait(ctx, 1200))
	assert.False(t, clock.HasWaiters())
}

func TestPacerResyncsOnBackwardsTimestamp(t *testing.T) {
	clock := testclock.NewFakeClock(time.Unix(0, 0))
	p := NewPacerWithClock(time.Second, clock)
	ctx := context.Background()

	require.NoError(t, p.Wait(ctx, 5000))
	assert.NoError(t, p.Wait(ctx, 100))
	assert.NoError(t, waitAsync(t, p, clock, 140, 40*time.Millisecond))
}

func TestPacerClampsLongWaits(t *testing.T) {
	clock := testclock.NewFakeClock(time.Unix(0, 0))
	p := NewPacerWithClock(time.Second, clock)
	ctx := context.Background()

	require.NoError(t, p.Wait(ctx, 0))
	assert.NoError(t, waitAsync(t, p, clock, 10000, time.Second))
	// the base moved with the clamp, so the next frame only waits its own delta
	assert.NoError(t, waitAsync(t, p, clock, 10040, 40*time.Millisecond))
}

func TestPacerCancel(t *testing.T) {
	clock := testclock.NewFakeClock(time.Unix(0, 0))
	p := NewPacerWithClock(time.Second, clock)
	require.NoError(t, p.Wait(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx, 500), context.Canceled)

	p.Reset()
	assert.NoError(t, p.Wait(context.Background(), 99999))
}
