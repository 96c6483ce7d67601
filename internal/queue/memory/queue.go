// Package memory provides the in-process task queue used by the scheduler.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

// ErrClosed is returned by Dequeue once the queue is closed and empty.
var ErrClosed = errors.New("queue closed")

type entry struct {
	task acquire.Task
	seq  uint64
}

type taskHeap []entry

func (h taskHeap) Len() int { return len(h) }

// Higher priority first; FIFO within equal priority.
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Queue is an unbounded priority queue with context-aware Dequeue.
type Queue struct {
	mu     sync.Mutex
	items  taskHeap
	seq    uint64
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Enqueue adds a task. It fails only once the queue is closed or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, task acquire.Task) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	heap.Push(&q.items, entry{task: task, seq: q.seq})
	q.mu.Unlock()
	q.signal()
	return nil
}

// Dequeue pops the highest-priority task, waiting until one is available.
func (q *Queue) Dequeue(ctx context.Context) (acquire.Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := heap.Pop(&q.items).(entry)
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return e.task, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return acquire.Task{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return acquire.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
		case <-q.ready:
		}
	}
}

// RemoveJob drops every queued task of jobID and returns how many were removed.
func (q *Queue) RemoveJob(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removed := 0
	for _, e := range q.items {
		if e.task.JobID == jobID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.items = kept
	heap.Init(&q.items)
	return removed
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all waiters. Queued tasks can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
