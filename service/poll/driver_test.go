package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const interval = 10 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitDone(t *testing.T, d *Driver) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not finish")
	}
}

func TestDriver_SuccessOnKthAttempt(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	var calls, successes, exhausted atomic.Int32

	d, err := Start(context.Background(), Config{
		Interval:    interval,
		MaxAttempts: 5,
		Probe: func(ctx context.Context) (bool, error) {
			return calls.Add(1) == 3, nil
		},
		OnSuccess:   func() { successes.Add(1) },
		OnExhausted: func() { exhausted.Add(1) },
		Clock:       clock,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)

	clock.Advance(3 * interval)
	waitDone(t, d)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(0), exhausted.Load())

	state := d.State()
	assert.Equal(t, 3, state.AttemptsUsed)
	assert.Equal(t, 5, state.AttemptsMax)
	assert.False(t, state.Running)

	// later ticks go nowhere
	clock.Advance(5 * interval)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDriver_ExhaustsAfterExactlyMaxAttempts(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	var calls, exhausted atomic.Int32

	d, err := Start(context.Background(), Config{
		Interval:    interval,
		MaxAttempts: 4,
		Probe: func(ctx context.Context) (bool, error) {
			calls.Add(1)
			return false, nil
		},
		OnSuccess:   func() { t.Error("unexpected success") },
		OnExhausted: func() { exhausted.Add(1) },
		Clock:       clock,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)

	clock.Advance(3 * interval)
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), exhausted.Load())

	clock.Advance(interval)
	waitDone(t, d)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, int32(1), exhausted.Load())

	clock.Advance(10 * interval)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 0, clock.Tickers())
}

func TestDriver_ProbeErrorsAndPanicsUseAttempts(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	var calls, exhausted atomic.Int32
	var attemptErrs atomic.Int32

	d, err := Start(context.Background(), Config{
		Interval:    interval,
		MaxAttempts: 2,
		Probe: func(ctx context.Context) (bool, error) {
			if calls.Add(1) == 1 {
				return false, errors.New("rpc down")
			}
			panic("boom")
		},
		OnAttempt: func(attempt int, err error) {
			if err != nil {
				attemptErrs.Add(1)
			}
		},
		OnExhausted: func() { exhausted.Add(1) },
		Clock:       clock,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)

	clock.Advance(2 * interval)
	waitDone(t, d)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(2), attemptErrs.Load())
	assert.Equal(t, int32(1), exhausted.Load())
}

func TestDriver_StopIsIdempotentAndSilences(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	var calls atomic.Int32

	d, err := Start(context.Background(), Config{
		Interval:    interval,
		MaxAttempts: 10,
		Probe: func(ctx context.Context) (bool, error) {
			calls.Add(1)
			return false, nil
		},
		OnSuccess:   func() { t.Error("unexpected success") },
		OnExhausted: func() { t.Error("unexpected exhaustion") },
		Clock:       clock,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)

	clock.Advance(interval)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	d.Stop()
	d.Stop()
	waitDone(t, d)

	clock.Advance(20 * interval)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, d.State().Running)
}

func TestDriver_StopFromCallback(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	var d *Driver
	started := make(chan struct{})

	var err error
	d, err = Start(context.Background(), Config{
		Interval:    interval,
		MaxAttempts: 3,
		Probe:       func(ctx context.Context) (bool, error) { return true, nil },
		OnSuccess: func() {
			<-started
			d.Stop()
		},
		Clock:  clock,
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	close(started)

	clock.Advance(interval)
	waitDone(t, d)
}

func TestDriver_ParentContextCancels(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())

	d, err := Start(ctx, Config{
		Interval:    interval,
		MaxAttempts: 3,
		Probe:       func(ctx context.Context) (bool, error) { return false, nil },
		Clock:       clock,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)

	cancel()
	waitDone(t, d)
	assert.Equal(t, 0, d.State().AttemptsUsed)
}

func TestDriver_StopDuringProbeDiscardsResult(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	inProbe := make(chan struct{})
	release := make(chan struct{})

	d, err := Start(context.Background(), Config{
		Interval:    interval,
		MaxAttempts: 3,
		Probe: func(ctx context.Context) (bool, error) {
			close(inProbe)
			<-release
			return true, nil
		},
		OnSuccess: func() { t.Error("success after stop") },
		Clock:     clock,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	go clock.Advance(interval)
	<-inProbe
	d.Stop()
	close(release)
	waitDone(t, d)
}

func TestStart_InvalidConfig(t *testing.T) {
	probe := func(ctx context.Context) (bool, error) { return false, nil }

	_, err := Start(context.Background(), Config{Interval: 0, MaxAttempts: 1, Probe: probe})
	assert.Error(t, err)
	_, err = Start(context.Background(), Config{Interval: time.Second, MaxAttempts: 0, Probe: probe})
	assert.Error(t, err)
	_, err = Start(context.Background(), Config{Interval: time.Second, MaxAttempts: 1})
	assert.Error(t, err)
}

func TestSystemClock(t *testing.T) {
	var calls atomic.Int32
	d, err := Start(context.Background(), Config{
		Interval:    5 * time.Millisecond,
		MaxAttempts: 2,
		Probe: func(ctx context.Context) (bool, error) {
			calls.Add(1)
			return false, nil
		},
		Logger: discardLogger(),
	})
	require.NoError(t, err)

	waitDone(t, d)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFakeClock_OrdersTicks(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	fast := clock.NewTicker(time.Second)
	slow := clock.NewTicker(3 * time.Second)

	var order []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(order) < 5 {
			select {
			case <-fast.C():
				order = append(order, "fast")
			case <-slow.C():
				order = append(order, "slow")
			}
		}
	}()

	clock.Advance(4 * time.Second)
	<-done

	// t=1,2,3(fast then slow since fast was registered first),4
	assert.Equal(t, []string{"fast", "fast", "fast", "slow", "fast"}, order)
	assert.True(t, clock.Now().Equal(time.Unix(4, 0)))

	fast.Stop()
	slow.Stop()
	assert.Equal(t, 0, clock.Tickers())
}
