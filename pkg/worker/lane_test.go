package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thepwagner/appcenter/pkg/worker"
)

func TestLane_Order(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lane := worker.NewLane(worker.LaneConfig{Name: "test"})

	// Queue before starting so priority ordering is deterministic.
	var mu sync.Mutex
	var got []string
	record := func(s string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, s)
		}
	}
	require.NoError(t, lane.Submit(ctx, worker.PriorityBackground, record("bg1")))
	require.NoError(t, lane.Submit(ctx, worker.PriorityBackground, record("bg2")))
	require.NoError(t, lane.Submit(ctx, worker.PriorityInteractive, record("fg1")))
	require.NoError(t, lane.Submit(ctx, worker.PriorityInteractive, record("fg2")))

	lane.Start()
	lane.Stop()
	assert.Equal(t, []string{"fg1", "fg2", "bg1", "bg2"}, got)
}

func TestLane_StopRunsQueued(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lane := worker.NewLane(worker.LaneConfig{Name: "test"})
	lane.Start()

	release := make(chan struct{})
	require.NoError(t, lane.Submit(ctx, worker.PriorityBackground, func(context.Context) { <-release }))
	var ran bool
	require.NoError(t, lane.Submit(ctx, worker.PriorityBackground, func(context.Context) { ran = true }))

	stopped := make(chan struct{})
	go func() {
		lane.Stop()
		close(stopped)
	}()
	assert.Eventually(t, func() bool {
		return errors.Is(lane.Submit(ctx, worker.PriorityBackground, func(context.Context) {}), worker.ErrStopped)
	}, time.Second, time.Millisecond)

	close(release)
	<-stopped
	assert.True(t, ran)

	// Stopping twice is harmless.
	lane.Stop()
}

func TestDo(t *testing.T) {
	t.Parallel()
	pool := worker.NewPool(worker.LaneConfig{})
	pool.Start()
	t.Cleanup(pool.Stop)

	t.Run("result", func(t *testing.T) {
		t.Parallel()
		v, err := worker.Do(context.Background(), pool.Short, worker.PriorityInteractive, func(ctx context.Context) (int, error) {
			assert.Same(t, pool.Short, worker.Current(ctx))
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		err := worker.Run(context.Background(), pool.Long, worker.PriorityBackground, func(context.Context) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("panic", func(t *testing.T) {
		t.Parallel()
		err := worker.Run(context.Background(), pool.Long, worker.PriorityBackground, func(context.Context) error {
			panic("oops")
		})
		assert.ErrorContains(t, err, "panic: oops")
	})

	t.Run("reentrant", func(t *testing.T) {
		t.Parallel()
		v, err := worker.Do(context.Background(), pool.Short, worker.PriorityBackground, func(ctx context.Context) (string, error) {
			return worker.Do(ctx, pool.Short, worker.PriorityBackground, func(context.Context) (string, error) {
				return "inner", nil
			})
		})
		require.NoError(t, err)
		assert.Equal(t, "inner", v)
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var ran bool
		err := worker.Run(ctx, pool.Short, worker.PriorityBackground, func(context.Context) error {
			ran = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, ran)
	})
}

func TestPool_StopDrainsLongFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pool := worker.NewPool(worker.LaneConfig{})
	pool.Start()

	release := make(chan struct{})
	result := make(chan error, 1)
	require.NoError(t, pool.Long.Submit(ctx, worker.PriorityBackground, func(ctx context.Context) {
		<-release
		result <- worker.Run(ctx, pool.Short, worker.PriorityBackground, func(context.Context) error { return nil })
	}))

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		return errors.Is(pool.Long.Submit(ctx, worker.PriorityBackground, func(context.Context) {}), worker.ErrStopped)
	}, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-result)
	<-stopped
	assert.ErrorIs(t, pool.Short.Submit(ctx, worker.PriorityBackground, func(context.Context) {}), worker.ErrStopped)
}
