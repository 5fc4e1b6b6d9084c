package queue_test

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

	"github.com/atmx/lp-rebalancer/internal/queue"
)

func newStartedQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q := queue.New(zap.NewNop())
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func TestQueue_RunsInSubmissionOrderDespiteFailures(t *testing.T) {
	q := newStartedQueue(t)

	var mu sync.Mutex
	var order []int
	record := func(i int) {
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
	}

	futures := make([]*queue.Future, 0, 10)
	for i := 1; i <= 10; i++ {
		i := i
		futures = append(futures, q.Enqueue("task", func(context.Context) error {
			record(i)
			switch {
			case i%3 == 0:
				return errors.New("boom")
			case i%4 == 0:
				panic("kaboom")
			}
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, f := range futures {
		err := f.Wait(ctx)
		n := i + 1
		switch {
		case n%3 == 0:
			assert.EqualError(t, err, "boom")
		case n%4 == 0:
			assert.ErrorIs(t, err, queue.ErrTaskPanicked)
		default:
			assert.NoError(t, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, order)
}

func TestQueue_NeverRunsTwoTasksAtOnce(t *testing.T) {
	q := newStartedQueue(t)

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := q.Enqueue("overlap", func(context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			_ = f.Err()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestQueue_StopDrainsPendingWork(t *testing.T) {
	q := queue.New(zap.NewNop())
	q.Start(context.Background())

	release := make(chan struct{})
	var ran int32
	first := q.Enqueue("blocker", func(context.Context) error {
		<-release
		atomic.AddInt32(&ran, 1)
		return nil
	})
	second := q.Enqueue("after", func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	stopped := make(chan error, 1)
	go func() {
		stopped <- q.Stop(context.Background())
	}()
	close(release)

	require.NoError(t, <-stopped)
	require.NoError(t, first.Err())
	require.NoError(t, second.Err())
	assert.Equal(t, int32(2), atomic.LoadInt32(&ran))

	late := q.Enqueue("late", func(context.Context) error { return nil })
	assert.ErrorIs(t, late.Err(), queue.ErrQueueClosed)
}

func TestQueue_HaltDropsWaitingTasks(t *testing.T) {
	q := newStartedQueue(t)
	cause := errors.New("receipt never arrived")

	var ran int32
	first := q.Enqueue("first", func(context.Context) error {
		q.Halt(cause)
		return cause
	})
	second := q.Enqueue("second", func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	assert.Equal(t, cause, first.Err())
	err := second.Err()
	assert.ErrorIs(t, err, queue.ErrQueueHalted)
	assert.ErrorIs(t, err, cause)

	late := q.Enqueue("late", func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	assert.ErrorIs(t, late.Err(), queue.ErrQueueHalted)
	assert.ErrorIs(t, q.Halted(), cause)
	assert.Zero(t, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
	assert.Zero(t, atomic.LoadInt32(&ran))
}

func TestQueue_TaskContextSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := queue.New(zap.NewNop())
	q.Start(ctx)
	defer q.Stop(context.Background())

	cancel()
	f := q.Enqueue("ctx", func(taskCtx context.Context) error {
		return taskCtx.Err()
	})
	assert.NoError(t, f.Err())
}

func TestFuture_WaitGivesUpWithoutCancellingTask(t *testing.T) {
	q := newStartedQueue(t)

	release := make(chan struct{})
	f := q.Enqueue("slow", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Wait(ctx), context.DeadlineExceeded)

	close(release)
	assert.NoError(t, f.Err())
}
