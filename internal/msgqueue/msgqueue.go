// Package msgqueue implements the priority queue of outbound SBD/file
// items described in spec.md §4.4: ordered by (priority, enqueued_at),
// thread-safe, with a blocking-with-timeout Pop and a Requeue for
// transient-failure retry. The heap shape is adapted directly from
// malbeclabs-doublezero's container/heap-based EventQueue.
package msgqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jaracil/fieldnode/internal/model"
)

// Queue is a thread-safe priority queue of *model.Item.
type Queue struct {
	mu        sync.Mutex
	h         itemHeap
	mtPending bool
	notifyCh  chan struct{} // closed and replaced on every Push
}

// New returns an empty Queue.
func New() *Queue {
	heapq := itemHeap{}
	heap.Init(&heapq)
	return &Queue{h: heapq, notifyCh: make(chan struct{})}
}

// Push inserts item, ordered by (priority, enqueued_at).
func (q *Queue) Push(item *model.Item) {
	q.mu.Lock()
	heap.Push(&q.h, item)
	ch := q.notifyCh
	q.notifyCh = make(chan struct{})
	q.mu.Unlock()
	close(ch)
}

// Requeue re-inserts item after a transient failure. Per spec.md §4.3/§4.4,
// a persistent SBDIX failure is re-enqueued once at the deprioritised slot
// model.PriorityRequeued; EnqueuedAt is refreshed so it still sorts behind
// same-priority items already waiting.
func (q *Queue) Requeue(item *model.Item) {
	item.Priority = model.PriorityRequeued
	item.EnqueuedAt = time.Now().UTC()
	if item.SBD != nil {
		item.SBD.EnqueuedAt = item.EnqueuedAt
	}
	q.Push(item)
}

// Pop blocks until an item is available or timeout elapses, returning
// (item, true) or (nil, false). A timeout of 0 polls once without blocking.
func (q *Queue) Pop(timeout time.Duration) (*model.Item, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if q.h.Len() > 0 {
			item := heap.Pop(&q.h).(*model.Item)
			q.mu.Unlock()
			return item, true
		}
		ch := q.notifyCh
		q.mu.Unlock()

		if timeout <= 0 {
			return nil, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		select {
		case <-ch:
			continue
		case <-time.After(remaining):
			return nil, false
		}
	}
}

// Size returns the number of items currently queued.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Empty reports whether the queue currently holds no items.
func (q *Queue) Empty() bool {
	return q.Size() == 0
}

// SetMTPending records whether the last SBDIX exchange reported an
// undelivered MT message still queued at the gateway (spec.md §3). The
// worker consults this via PeekMTPending to keep draining SBDIX after the
// MO queue is empty.
func (q *Queue) SetMTPending(pending bool) {
	q.mu.Lock()
	q.mtPending = pending
	q.mu.Unlock()
}

// PeekMTPending reports the last-known outstanding-MT flag.
func (q *Queue) PeekMTPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mtPending
}

// itemHeap implements heap.Interface ordered by (priority, enqueued_at).
type itemHeap []*model.Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*model.Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
