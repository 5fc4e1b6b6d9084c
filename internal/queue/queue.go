// Package queue provides the single-flight task queue that serializes every
// state-mutating operation of the rebalancer.
//
// Tasks run one at a time, strictly in submission order, on a single worker
// goroutine. Each submission returns a Future the caller can wait on. A task
// that fails or panics is logged and reported through its own Future; the
// queue keeps draining. In-flight tasks are never cancelled.
//
// Halt is the exception: it fails every waiting task without running it,
// for when the outcome of the task in flight leaves the wallet in a state
// no later task may act on.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/metrics"
)

var (
	// ErrQueueClosed is delivered to futures enqueued after Stop.
	ErrQueueClosed = errors.New("queue: closed")

	// ErrTaskPanicked wraps a recovered panic value.
	ErrTaskPanicked = errors.New("queue: task panicked")

	// ErrQueueHalted is delivered to futures dropped or refused after Halt.
	ErrQueueHalted = errors.New("queue: halted")
)

// Task is a unit of serialized work.
type Task func(ctx context.Context) error

// Future is the completion handle of one enqueued task.
type Future struct {
	ID   string
	Name string

	done chan struct{}
	err  error
}

func newFuture(name string) *Future {
	return &Future{
		ID:   uuid.New().String(),
		Name: name,
		done: make(chan struct{}),
	}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the task result. Only meaningful after Done is closed.
func (f *Future) Err() error {
	<-f.done
	return f.err
}

// Wait blocks until the task finishes or ctx ends. Giving up on the wait
// does not cancel the task.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type item struct {
	task     Task
	future   *Future
	enqueued time.Time
}

// Queue is a FIFO drained by one worker goroutine.
type Queue struct {
	logger *zap.Logger

	mu      sync.Mutex
	items   []*item
	closed  bool
	started bool
	halted  error

	wake    chan struct{}
	stopped chan struct{}
}

// New creates a queue. Call Start before enqueuing work that must run.
func New(logger *zap.Logger) *Queue {
	return &Queue{
		logger:  logger.Named("queue"),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker. Tasks receive ctx with its cancellation
// stripped so that shutdown never interrupts a task midway.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.run(context.WithoutCancel(ctx))
}

// Enqueue appends a task and returns its future.
func (q *Queue) Enqueue(name string, task Task) *Future {
	f := newFuture(name)

	q.mu.Lock()
	if q.closed {
		err := ErrQueueClosed
		if q.halted != nil {
			err = q.halted
		}
		q.mu.Unlock()
		f.resolve(err)
		return f
	}
	q.items = append(q.items, &item{task: task, future: f, enqueued: time.Now()})
	depth := len(q.items)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return f
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop refuses new tasks, lets the worker finish everything already
// queued, and returns once it has exited or ctx ends. After Halt nothing
// is left queued, so only the task in flight is waited for.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	started := q.started
	pending := q.items
	if !started {
		q.items = nil
	}
	q.mu.Unlock()

	if !started {
		for _, it := range pending {
			it.future.resolve(ErrQueueClosed)
		}
		return nil
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Halt refuses new tasks and resolves every waiting one with an error
// wrapping ErrQueueHalted and cause, without running it. The task in
// flight, if any, is left to finish. Only the first call has an effect.
func (q *Queue) Halt(cause error) {
	q.mu.Lock()
	if q.halted != nil {
		q.mu.Unlock()
		return
	}
	q.halted = fmt.Errorf("%w: %w", ErrQueueHalted, cause)
	q.closed = true
	dropped := q.items
	q.items = nil
	q.mu.Unlock()

	metrics.QueueDepth.Set(0)
	for _, it := range dropped {
		q.logger.Warn("task dropped",
			zap.String("task", it.future.Name),
			zap.String("task_id", it.future.ID),
			zap.Error(cause),
		)
		it.future.resolve(q.halted)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Halted returns the error Halt was called with wrapped in ErrQueueHalted,
// or nil.
func (q *Queue) Halted() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.halted
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.stopped)

	for {
		it, closed := q.next()
		if it == nil {
			if closed {
				return
			}
			<-q.wake
			continue
		}
		q.execute(ctx, it)
	}
}

func (q *Queue) next() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, q.closed
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	metrics.QueueDepth.Set(float64(len(q.items)))
	return it, q.closed
}

func (q *Queue) execute(ctx context.Context, it *item) {
	start := time.Now()
	err := safeRun(ctx, it.task)
	elapsed := time.Since(start)

	metrics.TaskDuration.WithLabelValues(it.future.Name).Observe(elapsed.Seconds())

	if err != nil {
		metrics.TaskFailures.WithLabelValues(it.future.Name).Inc()
		q.logger.Error("task failed",
			zap.String("task", it.future.Name),
			zap.String("task_id", it.future.ID),
			zap.Duration("waited", start.Sub(it.enqueued)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	} else {
		q.logger.Debug("task finished",
			zap.String("task", it.future.Name),
			zap.String("task_id", it.future.ID),
			zap.Duration("elapsed", elapsed),
		)
	}

	it.future.resolve(err)
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return task(ctx)
}
