package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ventisec/ventiscan/pkg/metrics"
	"github.com/ventisec/ventiscan/pkg/types"
)

// DefaultCapacity bounds the number of pending jobs across all scans.
const DefaultCapacity = 1024

// ErrClosed is returned by Lease after Close.
var ErrClosed = errors.New("queue closed")

// Job is one chunk of work waiting for a worker slot.
type Job struct {
	ScanID  string
	Chunk   *types.Chunk
	Target  string
	Options types.ScanOptions
}

// Queue is a bounded in-process job queue. Jobs of the same scan come out
// in submission order; across scans, dispatch round-robins so one large
// scan cannot starve the others.
type Queue struct {
	mu       sync.Mutex
	capacity int
	size     int
	pending  map[string][]*Job // per-scan FIFO
	ring     []string          // scan IDs with pending work, in rotation order
	cursor   int
	wake     chan struct{}
	closed   bool
}

// New creates a queue with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		pending:  make(map[string][]*Job),
		wake:     make(chan struct{}),
	}
}

// Enqueue adds a job, failing with ErrQueueFull at capacity. Admission is
// all-or-nothing per call; the API layer enqueues a whole scan before
// acknowledging it.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.size >= q.capacity {
		return fmt.Errorf("queue at capacity %d: %w", q.capacity, types.ErrQueueFull)
	}

	if _, ok := q.pending[job.ScanID]; !ok {
		q.ring = append(q.ring, job.ScanID)
	}
	q.pending[job.ScanID] = append(q.pending[job.ScanID], job)
	q.size++
	metrics.QueueDepth.Set(float64(q.size))

	q.broadcast()
	return nil
}

// EnqueueScan adds all jobs of a scan atomically: either every chunk is
// admitted or none are.
func (q *Queue) EnqueueScan(jobs []*Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.size+len(jobs) > q.capacity {
		return fmt.Errorf("queue at capacity %d: %w", q.capacity, types.ErrQueueFull)
	}

	for _, job := range jobs {
		if _, ok := q.pending[job.ScanID]; !ok {
			q.ring = append(q.ring, job.ScanID)
		}
		q.pending[job.ScanID] = append(q.pending[job.ScanID], job)
		q.size++
	}
	metrics.QueueDepth.Set(float64(q.size))

	q.broadcast()
	return nil
}

// Lease blocks until a job is available, the context ends, or the queue
// closes.
func (q *Queue) Lease(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if job := q.pop(); job != nil {
			metrics.QueueDepth.Set(float64(q.size))
			q.mu.Unlock()
			return job, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// pop removes the next job in round-robin order. Caller holds the lock.
func (q *Queue) pop() *Job {
	if len(q.ring) == 0 {
		return nil
	}
	if q.cursor >= len(q.ring) {
		q.cursor = 0
	}
	scanID := q.ring[q.cursor]
	jobs := q.pending[scanID]
	job := jobs[0]

	if len(jobs) == 1 {
		delete(q.pending, scanID)
		q.ring = append(q.ring[:q.cursor], q.ring[q.cursor+1:]...)
		// cursor now points at the next scan already
	} else {
		q.pending[scanID] = jobs[1:]
		q.cursor++
	}
	q.size--
	return job
}

// CancelScan removes every pending job of a scan and returns them, so the
// caller can mark the chunks cancelled. Running chunks are not affected;
// the controller handles those through its own contexts.
func (q *Queue) CancelScan(scanID string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs, ok := q.pending[scanID]
	if !ok {
		return nil
	}
	delete(q.pending, scanID)
	for i, id := range q.ring {
		if id == scanID {
			q.ring = append(q.ring[:i], q.ring[i+1:]...)
			if q.cursor > i {
				q.cursor--
			}
			break
		}
	}
	q.size -= len(jobs)
	metrics.QueueDepth.Set(float64(q.size))
	return jobs
}

// Stats reports the queue depth and how many scans have pending work.
func (q *Queue) Stats() (depth, scans int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size, len(q.pending)
}

// Close wakes all leasers with ErrClosed. Pending jobs are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
}

// broadcast wakes every waiting leaser. Caller holds the lock.
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
