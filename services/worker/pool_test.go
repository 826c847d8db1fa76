package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_StartStop(t *testing.T) {
	pool := NewPool(Config{QueueSize: 10, WorkerCount: 2}, zap.NewNop())

	require.NoError(t, pool.Start())

	stats := pool.GetStats()
	assert.True(t, stats.Started)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, 10, stats.QueueSize)

	assert.Error(t, pool.Start(), "cannot start twice")

	require.NoError(t, pool.Stop(time.Second))
	assert.False(t, pool.GetStats().Started)
	assert.Error(t, pool.Stop(time.Second), "cannot stop twice")
}

func TestPool_RunsTasks(t *testing.T) {
	pool := NewPool(Config{QueueSize: 100, WorkerCount: 4}, zap.NewNop())
	require.NoError(t, pool.Start())

	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(Task{
			Name: "count",
			Run: func(ctx context.Context) error {
				ran.Add(1)
				return nil
			},
		}))
	}

	require.NoError(t, pool.Stop(2*time.Second))
	assert.Equal(t, int32(50), ran.Load())
}

func TestPool_FailureHandler(t *testing.T) {
	pool := NewPool(Config{QueueSize: 10, WorkerCount: 1}, zap.NewNop())
	require.NoError(t, pool.Start())

	var mu sync.Mutex
	var failures []error
	onFailure := func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}

	boom := errors.New("insert failed")
	require.NoError(t, pool.Submit(Task{Name: "err", Run: func(context.Context) error { return boom }, OnFailure: onFailure}))
	require.NoError(t, pool.Submit(Task{Name: "panic", Run: func(context.Context) error { panic("bad") }, OnFailure: onFailure}))
	require.NoError(t, pool.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 2)
	assert.ErrorIs(t, failures[0], boom)
	assert.Contains(t, failures[1].Error(), "panicked")
}

func TestPool_TaskTimeout(t *testing.T) {
	pool := NewPool(Config{QueueSize: 1, WorkerCount: 1, TaskTimeout: 20 * time.Millisecond}, zap.NewNop())
	require.NoError(t, pool.Start())

	errCh := make(chan error, 1)
	require.NoError(t, pool.Submit(Task{
		Name: "slow",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnFailure: func(err error) { errCh <- err },
	}))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task deadline not applied")
	}
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_FullQueueDeadLetters(t *testing.T) {
	pool := NewPool(Config{QueueSize: 1, WorkerCount: 1}, zap.NewNop())
	require.NoError(t, pool.Start())

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	// fills the single slot
	require.NoError(t, pool.Submit(Task{Name: "queued", Run: func(context.Context) error { return nil }}))

	var rejected error
	err := pool.Submit(Task{Name: "overflow", Run: func(context.Context) error { return nil }, OnFailure: func(err error) { rejected = err }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, rejected, ErrQueueFull)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	pool := NewPool(DefaultConfig(), zap.NewNop())

	var rejected error
	err := pool.Submit(Task{Name: "early", Run: func(context.Context) error { return nil }, OnFailure: func(err error) { rejected = err }})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, rejected, ErrNotStarted)
}
