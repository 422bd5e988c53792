package signing_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/clock"
	"github.com/dashpay/go-llmq/signing"
)

func TestCoordinator(t *testing.T) {
	ctx, clk := clock.WithMockClock(context.Background())
	const interval = 5 * time.Second

	var cleanups, first, second atomic.Int64
	var order []string
	c := signing.NewCoordinator(ctx, interval, func(context.Context) error {
		cleanups.Add(1)
		return nil
	})
	c.AddWorker("first", signing.WorkerFunc(func(context.Context) (bool, error) {
		// Report progress twice, the coordinator loops without waiting.
		n := first.Add(1)
		if n <= 2 {
			order = append(order, "first")
		}
		return n <= 2, nil
	}))
	c.AddWorker("second", signing.WorkerFunc(func(context.Context) (bool, error) {
		n := second.Add(1)
		if n <= 2 {
			order = append(order, "second")
		}
		return false, dash.Malformed("share", errors.New("keeps failing"))
	}))

	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool { return first.Load() >= 3 }, time.Second, time.Millisecond)
	require.Zero(t, cleanups.Load(), "cleanup waits for its interval")

	require.Eventually(t, func() bool {
		clk.Add(interval)
		return first.Load() >= 5 && cleanups.Load() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, first.Load(), second.Load(), "bad network data does not pause a worker")

	require.NoError(t, c.Stop(ctx))
	require.Equal(t, []string{"first", "second", "first", "second"}, order)
}

func TestCoordinator_PausesFailingWorker(t *testing.T) {
	ctx, clk := clock.WithMockClock(context.Background())
	const interval = time.Second

	var broken, healthy atomic.Int64
	c := signing.NewCoordinator(ctx, interval, nil)
	c.AddWorker("broken", signing.WorkerFunc(func(context.Context) (bool, error) {
		broken.Add(1)
		return false, errors.New("datastore unavailable")
	}))
	c.AddWorker("healthy", signing.WorkerFunc(func(context.Context) (bool, error) {
		healthy.Add(1)
		return false, nil
	}))
	require.NoError(t, c.Start(ctx))
	defer func() { require.NoError(t, c.Stop(ctx)) }()

	require.Eventually(t, func() bool {
		clk.Add(interval)
		return healthy.Load() >= 6
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 3, broken.Load())

	// After the pause the worker gets one more attempt.
	clk.Add(time.Minute)
	require.Eventually(t, func() bool {
		clk.Add(interval)
		return broken.Load() >= 4
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCoordinator_Panic(t *testing.T) {
	ctx := context.Background()
	c := signing.NewCoordinator(ctx, time.Hour, nil)
	var calls atomic.Int64
	c.AddWorker("panicky", signing.WorkerFunc(func(context.Context) (bool, error) {
		calls.Add(1)
		panic("boom")
	}))
	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	err := c.Stop(ctx)
	require.ErrorContains(t, err, "PANIC")
}
