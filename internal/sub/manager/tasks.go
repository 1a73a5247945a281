package manager

import (
	"context"
	"sync"
)

// task is work deferred onto the management processor's goroutine.
type task func(ctx context.Context) error

// taskQueue is an unbounded FIFO of tasks. Any goroutine may enqueue; only
// the control loop dequeues. The signal channel (size 1) coalesces wake-ups.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []task
	closed bool
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]task, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds t to the back of the queue. It returns false once closed.
func (q *taskQueue) Enqueue(t task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front task without blocking.
func (q *taskQueue) TryDequeue() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

// Wait signals that tasks may be available.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close rejects further tasks and returns the ones never run.
func (q *taskQueue) Close() []task {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	rest := q.tasks
	q.tasks = nil
	return rest
}
