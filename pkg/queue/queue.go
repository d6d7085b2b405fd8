// Package queue provides the in-memory queues that feed the download engine:
//   - Queue: a bounded priority queue with producer backpressure
//   - Delayed: a due-time ordered set holding items waiting out a retry backoff
//
// Both types are safe for concurrent use. The engine's dispatch loop is the
// single consumer of Queue; any number of producers may insert concurrently.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guido-cesarano/downloadq/pkg/download"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1000

var (
	// ErrCapacityExceeded is returned when an insert does not fit.
	ErrCapacityExceeded = errors.New("queue: capacity exceeded")

	// ErrDuplicateID is returned when an item with the same ID is already queued.
	ErrDuplicateID = errors.New("queue: duplicate item id")
)

// Queue is a bounded priority queue ordered by download.Less.
//
// Waiters (blocked producers and the polling consumer) are woken through a
// broadcast channel that is closed and replaced on every structural change.
type Queue struct {
	mu       sync.Mutex
	items    itemHeap
	index    map[string]*entry
	capacity int
	seq      uint64
	changed  chan struct{}
}

type entry struct {
	item *download.Item
	pos  int
}

// New creates a queue holding at most capacity items.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		index:    make(map[string]*entry),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// TryPut inserts item without blocking.
// It returns ErrCapacityExceeded when the queue is full.
func (q *Queue) TryPut(item *download.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.insertLocked(item)
}

// Put inserts item, waiting for space until ctx is done.
// When ctx ends first the error wraps both ErrCapacityExceeded and ctx.Err().
func (q *Queue) Put(ctx context.Context, item *download.Item) error {
	for {
		q.mu.Lock()
		err := q.insertLocked(item)
		if !errors.Is(err, ErrCapacityExceeded) {
			q.mu.Unlock()
			return err
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrCapacityExceeded, ctx.Err())
		case <-wait:
		}
	}
}

func (q *Queue) insertLocked(item *download.Item) error {
	if _, exists := q.index[item.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
	}
	if len(q.items) >= q.capacity {
		return ErrCapacityExceeded
	}
	q.seq++
	item.SetSeq(q.seq)
	e := &entry{item: item}
	heap.Push(&q.items, e)
	q.index[item.ID] = e
	q.broadcastLocked()
	return nil
}

// Poll removes and returns the highest-priority item, waiting up to timeout
// for one to arrive. It returns false when the wait expires or ctx is done.
func (q *Queue) Poll(ctx context.Context, timeout time.Duration) (*download.Item, bool) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := heap.Pop(&q.items).(*entry)
			delete(q.index, e.item.ID)
			q.broadcastLocked()
			q.mu.Unlock()
			return e.item, true
		}
		wait := q.changed
		q.mu.Unlock()

		if deadline == nil {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline:
			return nil, false
		case <-wait:
		}
	}
}

// Remove deletes a queued item by ID. Items already handed out by Poll are
// unaffected.
func (q *Queue) Remove(id string) (*download.Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.index[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.items, e.pos)
	delete(q.index, id)
	q.broadcastLocked()
	return e.item, true
}

// Clear empties the queue and returns what was in it, in dispatch order.
func (q *Queue) Clear() []*download.Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := q.orderedLocked()
	q.items = nil
	q.index = make(map[string]*entry)
	q.broadcastLocked()
	return removed
}

// Items returns copies of the queued items in dispatch order.
func (q *Queue) Items() []*download.Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := q.orderedLocked()
	for i, item := range ordered {
		ordered[i] = item.Clone()
	}
	return ordered
}

func (q *Queue) orderedLocked() []*download.Item {
	tmp := make(itemHeap, len(q.items))
	for i, e := range q.items {
		tmp[i] = &entry{item: e.item, pos: i}
	}
	out := make([]*download.Item, 0, len(tmp))
	for tmp.Len() > 0 {
		out = append(out, heap.Pop(&tmp).(*entry).item)
	}
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether nothing is queued.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// itemHeap implements heap.Interface over entries ordered by download.Less.
type itemHeap []*entry

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return download.Less(h[i].item, h[j].item) }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *itemHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.pos = -1
	*h = old[:n-1]
	return e
}
