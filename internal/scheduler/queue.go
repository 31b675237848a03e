package scheduler

import (
	"context"
	"sync"
)

// Job is a one-off unit of work posted to the loop.
type Job struct {
	Fn func(ctx context.Context) error
	// done receives Fn's result when the job was submitted with Do.
	done chan error
}

// jobQueue is an unbounded, thread-safe FIFO of jobs.
//
// Any goroutine may enqueue; only the loop dequeues. The signal channel
// lets the loop wait with select alongside the timer and its context.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []Job
	closed bool
	signal chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs:   make([]Job, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds j to the back of the queue. It returns false once the queue
// is closed.
func (q *jobQueue) Enqueue(j Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, j)

	// Buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front job without blocking.
func (q *jobQueue) TryDequeue() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return Job{}, false
	}
	j := q.jobs[0]
	// Clear the slot so the closure can be collected.
	q.jobs[0] = Job{}
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	return j, true
}

// Wait returns a channel that is signalled when jobs may be available and
// closed when the queue is closed.
func (q *jobQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued jobs.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Closed reports whether Close was called.
func (q *jobQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further jobs and wakes any waiter.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	// Drop a pending token so receivers observe the close.
	select {
	case <-q.signal:
	default:
	}
	close(q.signal)
}

// Drain removes and returns every queued job.
func (q *jobQueue) Drain() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}
