// Package taskqueue serializes work against a single shared resource.
//
// A Queue runs at most one task at a time, strictly in push order. Task bodies
// may block on I/O; the next task is only started once the current one returns.
package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	ErrNotRunning = errors.New("queue not running")
)

// Task is a unit of work executed by the queue's consumer goroutine.
type Task func(ctx context.Context) (any, error)

// Result is the outcome of a single task.
type Result struct {
	Value any
	Err   error
}

type item struct {
	id     uint64
	ctx    context.Context
	task   Task
	result chan Result
}

// Queue is a FIFO task serializer with a background consumer loop.
type Queue struct {
	logger *slog.Logger

	mu      sync.Mutex
	items   []*item
	running bool
	wake    chan struct{}
	stopped chan struct{}
	done    chan struct{}

	seqNum   atomic.Uint64
	inFlight atomic.Bool
}

// New creates a stopped queue. Call Start before pushing.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the consumer loop. Calling Start on a running queue is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stopped = make(chan struct{})
	q.done = make(chan struct{})
	go q.loop(q.stopped, q.done)
}

// Stop refuses further pushes and terminates the consumer loop. A task that is
// already executing is allowed to finish; Stop waits for it. Tasks still
// waiting in the queue are rejected with ErrNotRunning.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	pending := q.items
	q.items = nil
	close(q.stopped)
	done := q.done
	q.mu.Unlock()

	for _, it := range pending {
		it.result <- Result{Err: ErrNotRunning}
	}
	<-done
}

// Running reports whether the queue accepts pushes.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Busy reports whether a task is currently executing.
func (q *Queue) Busy() bool {
	return q.inFlight.Load()
}

// Len returns the number of tasks waiting to run, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Push appends a task and returns a channel that receives its single result.
// The task runs with ctx; a failing task only affects its own result.
func (q *Queue) Push(ctx context.Context, task Task) (<-chan Result, error) {
	it := &item{
		id:     q.seqNum.Add(1),
		ctx:    ctx,
		task:   task,
		result: make(chan Result, 1),
	}

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil, ErrNotRunning
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return it.result, nil
}

// Do pushes a task and waits for its result or for ctx to end. If ctx ends
// first the task still runs when its turn comes; only the caller stops waiting.
func (q *Queue) Do(ctx context.Context, task Task) (any, error) {
	ch, err := q.Push(ctx, task)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run is a typed wrapper around Queue.Do.
func Run[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := q.Do(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

func (q *Queue) next() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return it
}

func (q *Queue) loop(stopped <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stopped:
			return
		default:
		}

		it := q.next()
		if it == nil {
			select {
			case <-stopped:
				return
			case <-q.wake:
			}
			continue
		}
		q.execute(it)
	}
}

func (q *Queue) execute(it *item) {
	q.inFlight.Store(true)
	defer q.inFlight.Store(false)

	if err := it.ctx.Err(); err != nil {
		it.result <- Result{Err: err}
		return
	}

	var res Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				q.logger.Error("task panicked", "task", it.id, "panic", r)
				res = Result{Err: errors.New("task panicked")}
			}
		}()
		v, err := it.task(it.ctx)
		res = Result{Value: v, Err: err}
	}()
	if res.Err != nil {
		q.logger.Debug("task failed", "task", it.id, "err", res.Err)
	}
	it.result <- res
}
