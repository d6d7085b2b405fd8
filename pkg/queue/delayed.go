package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/guido-cesarano/downloadq/pkg/download"
)

// Delayed holds items scheduled for a future retry, ordered by due time.
// The engine's scheduler pops due items and moves them back into the Queue.
type Delayed struct {
	mu    sync.Mutex
	items delayedHeap
	index map[string]*delayedEntry
	seq   uint64
}

type delayedEntry struct {
	item *download.Item
	at   time.Time
	seq  uint64
	pos  int
}

// NewDelayed creates an empty delayed set.
func NewDelayed() *Delayed {
	return &Delayed{index: make(map[string]*delayedEntry)}
}

// Schedule adds item to become due at the given time. It reports whether the
// new item is now the earliest due, so the caller can re-arm its timer.
func (d *Delayed) Schedule(item *download.Item, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.index[item.ID]; ok {
		heap.Remove(&d.items, old.pos)
	}
	d.seq++
	e := &delayedEntry{item: item, at: at, seq: d.seq}
	heap.Push(&d.items, e)
	d.index[item.ID] = e
	return d.items[0] == e
}

// PopDue removes and returns every item whose due time is at or before now.
func (d *Delayed) PopDue(now time.Time) []*download.Item {
	d.mu.Lock()
	defer d.mu.Unlock()

	var due []*download.Item
	for len(d.items) > 0 && !d.items[0].at.After(now) {
		e := heap.Pop(&d.items).(*delayedEntry)
		delete(d.index, e.item.ID)
		due = append(due, e.item)
	}
	return due
}

// Next returns the earliest due time, or false when empty.
func (d *Delayed) Next() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.items) == 0 {
		return time.Time{}, false
	}
	return d.items[0].at, true
}

// Remove cancels a pending retry.
func (d *Delayed) Remove(id string) (*download.Item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.index[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&d.items, e.pos)
	delete(d.index, id)
	return e.item, true
}

// Clear drops every pending retry and returns the dropped items.
func (d *Delayed) Clear() []*download.Item {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*download.Item, 0, len(d.items))
	for _, e := range d.items {
		out = append(out, e.item)
	}
	d.items = nil
	d.index = make(map[string]*delayedEntry)
	return out
}

// Len returns the number of pending retries.
func (d *Delayed) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

type delayedHeap []*delayedEntry

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *delayedHeap) Push(x any) {
	e := x.(*delayedEntry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
