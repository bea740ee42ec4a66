package admission

import (
	"context"
	"sync"
	"time"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
)

const queueFullRetrySec = 10

// Job is one unit of UI work submitted to the queue.
type Job func(ctx context.Context) (any, error)

type queued struct {
	fn     Job
	done   chan struct{}
	result any
	err    error
}

// Queue runs UI jobs one at a time in arrival order. It is used for the
// non-completion operations (conversation listing) and for the
// add-if-idle admission of completions.
type Queue struct {
	mu      sync.Mutex
	pending []*queued
	running bool
	closed  bool
	wake    chan struct{}

	maxSize    int
	jobTimeout time.Duration
}

// NewQueue starts the worker. maxSize bounds the pending list; jobTimeout
// caps each job's execution.
func NewQueue(maxSize int, jobTimeout time.Duration) *Queue {
	if maxSize <= 0 {
		maxSize = 20
	}
	q := &Queue{
		maxSize:    maxSize,
		jobTimeout: jobTimeout,
		wake:       make(chan struct{}, 1),
	}
	go q.run()
	return q
}

// Depth counts pending plus running jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := len(q.pending)
	if q.running {
		depth++
	}
	return depth
}

// Close stops the worker after the current job; pending jobs are dropped
// with queue_full.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, j := range dropped {
		j.err = bridgeerr.New(bridgeerr.KindQueueFull, "bridge is shutting down")
		close(j.done)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Submit enqueues fn FIFO and waits for its result. A full queue fails
// fast with queue_full and a retry hint; a caller whose ctx expires gets a
// timeout while the job keeps running.
func (q *Queue) Submit(ctx context.Context, fn Job) (any, error) {
	return q.submit(ctx, fn, false)
}

// SubmitIfIdle enqueues only when nothing is pending or running. The
// completion path uses this so a busy UI is reported immediately.
func (q *Queue) SubmitIfIdle(ctx context.Context, fn Job) (any, error) {
	return q.submit(ctx, fn, true)
}

func (q *Queue) submit(ctx context.Context, fn Job, onlyIfIdle bool) (any, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, bridgeerr.New(bridgeerr.KindQueueFull, "bridge is shutting down")
	}
	if onlyIfIdle && (q.running || len(q.pending) > 0) {
		q.mu.Unlock()
		return nil, bridgeerr.New(bridgeerr.KindQueueFull, "a UI job is already in progress").
			WithRetryAfter(queueFullRetrySec)
	}
	if len(q.pending) >= q.maxSize {
		q.mu.Unlock()
		return nil, bridgeerr.Newf(bridgeerr.KindQueueFull, "job queue is full (%d)", q.maxSize).
			WithRetryAfter(queueFullRetrySec)
	}
	j := &queued{fn: fn, done: make(chan struct{})}
	q.pending = append(q.pending, j)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, bridgeerr.New(bridgeerr.KindTimeout,
			"timed out waiting for the UI job to finish")
	}
}

func (q *Queue) run() {
	for range q.wake {
		for {
			q.mu.Lock()
			if q.closed || len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			j := q.pending[0]
			q.pending = q.pending[1:]
			q.running = true
			q.mu.Unlock()

			ctx := context.Background()
			cancel := func() {}
			if q.jobTimeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, q.jobTimeout)
			}
			j.result, j.err = j.fn(ctx)
			cancel()

			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			close(j.done)
		}
		q.mu.Lock()
		done := q.closed
		q.mu.Unlock()
		if done {
			return
		}
	}
}
