// Package progress keeps the live aggregate state of a download engine.
//
// A Tracker is owned by one engine and passed by reference; there is no
// package-level state. All mutations go through the record methods, which
// keep Total == Queued + Active + Completed + Failed at every point a
// Snapshot can observe.
package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/guido-cesarano/downloadq/pkg/download"
)

// ItemProgress is the per-item view exposed in snapshots.
type ItemProgress struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
	Priority    download.Priority `json:"priority"`
	Status      download.Status   `json:"status"`
	BytesDone   int64             `json:"bytes_done"`
	BytesTotal  int64             `json:"bytes_total"`
	Percent     float64           `json:"percent"`
	Attempts    int               `json:"attempts"`
	RetryAt     time.Time         `json:"retry_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Snapshot is an immutable point-in-time copy of the tracker.
type Snapshot struct {
	Total     int64 `json:"total"`
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`

	// Retrying is the part of Queued currently waiting out a backoff delay.
	Retrying int64 `json:"retrying"`

	// Bytes is the total transferred by completed items.
	Bytes int64 `json:"bytes"`

	Items []ItemProgress `json:"items"`
	Taken time.Time      `json:"taken"`
}

// Quiescent reports whether nothing is queued or in flight.
func (s Snapshot) Quiescent() bool {
	return s.Queued == 0 && s.Active == 0
}

// Tracker aggregates counters and per-item progress.
type Tracker struct {
	mu sync.Mutex

	total     int64
	queued    int64
	active    int64
	completed int64
	failed    int64
	retrying  int64
	bytes     int64

	items map[string]*ItemProgress

	// reserved holds IDs claimed by Reserve but not yet committed; they are
	// invisible to snapshots and counters.
	reserved map[string]*ItemProgress

	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		items:    make(map[string]*ItemProgress),
		reserved: make(map[string]*ItemProgress),
		now:      time.Now,
	}
}

// Queued records a newly submitted item. It reports false, and records
// nothing, when the ID is already known.
func (t *Tracker) Queued(item *download.Item) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.knownLocked(item.ID) {
		return false
	}
	t.items[item.ID] = t.newEntry(item)
	t.total++
	t.queued++
	return true
}

// Reserve claims item.ID ahead of a queue insert that may block. A reserved
// item is not counted until Commit, or until Started if the dispatcher gets
// to it first. It reports false when the ID is already known.
func (t *Tracker) Reserve(item *download.Item) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.knownLocked(item.ID) {
		return false
	}
	t.reserved[item.ID] = t.newEntry(item)
	return true
}

// Commit counts a reserved item as queued. It is a no-op for IDs that are
// not reserved.
func (t *Tracker) Commit(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commitLocked(id)
}

// Release drops a reservation that was never committed.
func (t *Tracker) Release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reserved, id)
}

func (t *Tracker) knownLocked(id string) bool {
	_, queued := t.items[id]
	_, reserved := t.reserved[id]
	return queued || reserved
}

func (t *Tracker) commitLocked(id string) {
	p, ok := t.reserved[id]
	if !ok {
		return
	}
	delete(t.reserved, id)
	p.UpdatedAt = t.now()
	t.items[id] = p
	t.total++
	t.queued++
}

func (t *Tracker) newEntry(item *download.Item) *ItemProgress {
	return &ItemProgress{
		ID:          item.ID,
		Source:      item.Source,
		Destination: item.Destination,
		Priority:    item.Priority,
		Status:      download.StatusQueued,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   t.now(),
	}
}

// Started moves an item from queued to active. A retrying item whose
// promotion has not been recorded yet is accepted too.
func (t *Tracker) Started(item *download.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.commitLocked(item.ID)
	p, ok := t.items[item.ID]
	if !ok {
		return
	}
	switch p.Status {
	case download.StatusQueued:
	case download.StatusRetrying:
		t.retrying--
	default:
		return
	}
	t.queued--
	t.active++
	p.Status = download.StatusActive
	p.Attempts++
	p.BytesDone = 0
	p.Percent = 0
	p.RetryAt = time.Time{}
	p.UpdatedAt = t.now()
}

// Progress updates the byte counters of an active item. total may be <= 0
// when the size is unknown.
func (t *Tracker) Progress(id string, done, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.items[id]
	if !ok || p.Status != download.StatusActive {
		return
	}
	p.BytesDone = done
	if total > 0 {
		p.BytesTotal = total
		p.Percent = float64(done) / float64(total) * 100
	}
	p.UpdatedAt = t.now()
}

// Retrying moves an active item back to queued while it waits for retryAt.
func (t *Tracker) Retrying(item *download.Item, cause error, retryAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.items[item.ID]
	if !ok || p.Status != download.StatusActive {
		return
	}
	t.active--
	t.queued++
	t.retrying++
	p.Status = download.StatusRetrying
	p.RetryAt = retryAt
	if cause != nil {
		p.LastError = cause.Error()
	}
	p.UpdatedAt = t.now()
}

// Requeued marks an item as back in the dispatch queue. It accepts items
// that were active (transfer interrupted by a stop) or retrying (backoff
// elapsed).
func (t *Tracker) Requeued(item *download.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.items[item.ID]
	if !ok {
		return
	}
	switch p.Status {
	case download.StatusActive:
		t.active--
		t.queued++
	case download.StatusRetrying:
		t.retrying--
	default:
		return
	}
	p.Status = download.StatusQueued
	p.RetryAt = time.Time{}
	p.UpdatedAt = t.now()
}

// RetryDue marks a retrying item as back in the dispatch queue once its
// backoff has elapsed. Items in any other state are left alone.
func (t *Tracker) RetryDue(item *download.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.items[item.ID]
	if !ok || p.Status != download.StatusRetrying {
		return
	}
	t.retrying--
	p.Status = download.StatusQueued
	p.RetryAt = time.Time{}
	p.UpdatedAt = t.now()
}

// Completed records a successful transfer of bytes.
func (t *Tracker) Completed(item *download.Item, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.items[item.ID]
	if !ok || p.Status != download.StatusActive {
		return
	}
	t.active--
	t.completed++
	t.bytes += bytes
	p.Status = download.StatusCompleted
	p.BytesDone = bytes
	if p.BytesTotal <= 0 {
		p.BytesTotal = bytes
	}
	p.Percent = 100
	p.LastError = ""
	p.UpdatedAt = t.now()
}

// Failed records a terminal failure. A repeated call for the same item is a
// no-op, so an item is never counted as failed twice.
func (t *Tracker) Failed(item *download.Item, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.items[item.ID]
	if !ok {
		return
	}
	switch p.Status {
	case download.StatusActive:
		t.active--
	case download.StatusQueued:
		t.queued--
	case download.StatusRetrying:
		t.queued--
		t.retrying--
	default:
		return
	}
	t.failed++
	p.Status = download.StatusFailed
	if cause != nil {
		p.LastError = cause.Error()
	}
	p.RetryAt = time.Time{}
	p.UpdatedAt = t.now()
}

// Removed forgets an item that left the engine without finishing: removed by
// the caller or discarded at shutdown. It no longer counts towards Total.
func (t *Tracker) Removed(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.reserved[id]; ok {
		delete(t.reserved, id)
		return
	}
	p, ok := t.items[id]
	if !ok {
		return
	}
	switch p.Status {
	case download.StatusQueued:
		t.queued--
	case download.StatusRetrying:
		t.queued--
		t.retrying--
	case download.StatusActive:
		t.active--
	default:
		return
	}
	t.total--
	delete(t.items, id)
}

// Item returns the progress of one item.
func (t *Tracker) Item(id string) (ItemProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.items[id]
	if !ok {
		return ItemProgress{}, false
	}
	return *p, true
}

// Prune drops finished per-item entries last updated before cutoff.
// Aggregate counters are kept. It returns the number of entries dropped.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, p := range t.items {
		if p.Status.Terminal() && p.UpdatedAt.Before(cutoff) {
			delete(t.items, id)
			n++
		}
	}
	return n
}

// Snapshot returns a consistent copy of the current state. Items are sorted
// by creation time.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Total:     t.total,
		Queued:    t.queued,
		Active:    t.active,
		Completed: t.completed,
		Failed:    t.failed,
		Retrying:  t.retrying,
		Bytes:     t.bytes,
		Items:     make([]ItemProgress, 0, len(t.items)),
		Taken:     t.now(),
	}
	for _, p := range t.items {
		s.Items = append(s.Items, *p)
	}
	sort.Slice(s.Items, func(i, j int) bool {
		if !s.Items[i].CreatedAt.Equal(s.Items[j].CreatedAt) {
			return s.Items[i].CreatedAt.Before(s.Items[j].CreatedAt)
		}
		return s.Items[i].ID < s.Items[j].ID
	})
	return s
}
