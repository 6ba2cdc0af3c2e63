package queue

import (
	"context"
	"sync"
	"time"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/model"
)

// DispatchQueue is the FIFO of send-ready jobs for one campaign.
// With a max depth, Enqueue blocks while the queue is full; nothing is dropped.
type DispatchQueue struct {
	mu       sync.Mutex
	items    []model.DispatchJob
	maxDepth int
	closed   bool
	enqueued int
	changed  chan struct{}
	now      func() time.Time
}

// New creates a queue. maxDepth <= 0 means unbounded.
func New(maxDepth int) *DispatchQueue {
	return &DispatchQueue{
		maxDepth: maxDepth,
		changed:  make(chan struct{}),
		now:      time.Now,
	}
}

// WithClock sets the source of EnqueuedAt timestamps.
func (q *DispatchQueue) WithClock(now func() time.Time) *DispatchQueue {
	q.now = now
	return q
}

// Enqueue appends job, suspending the caller while the queue is at max depth.
func (q *DispatchQueue) Enqueue(ctx context.Context, job model.DispatchJob) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return appErrors.ErrQueueClosed
		}
		if q.maxDepth <= 0 || len(q.items) < q.maxDepth {
			if job.EnqueuedAt.IsZero() {
				job.EnqueuedAt = q.now()
			}
			q.items = append(q.items, job)
			q.enqueued++
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// DequeueNext removes the oldest job, blocking until one is available.
// A closed queue releases nothing, even if jobs remain.
func (q *DispatchQueue) DequeueNext(ctx context.Context) (model.DispatchJob, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return model.DispatchJob{}, appErrors.ErrQueueClosed
		}
		if len(q.items) > 0 {
			job := q.items[0]
			q.items[0] = model.DispatchJob{}
			q.items = q.items[1:]
			q.broadcastLocked()
			q.mu.Unlock()
			return job, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.DispatchJob{}, ctx.Err()
		case <-wait:
		}
	}
}

// Close stops all further releases. Queued jobs stay in place.
func (q *DispatchQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

func (q *DispatchQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len is the number of jobs waiting.
func (q *DispatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueued is the number of jobs ever accepted.
func (q *DispatchQueue) Enqueued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueued
}

// Drain removes and returns every waiting job.
func (q *DispatchQueue) Drain() []model.DispatchJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	q.broadcastLocked()
	return out
}

func (q *DispatchQueue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
