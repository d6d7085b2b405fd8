// Package download defines the core data structures for download requests in downloadq.
// An Item describes one requested transfer: where it comes from, where it goes,
// how urgent it is, and how many times it has been retried.
package download

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority determines the dispatch order of an item.
// Higher priority items are dispatched before lower priority ones.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = [...]string{"low", "normal", "high", "urgent"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityUrgent {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the defined tiers.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// ParsePriority parses a tier name ("low", "normal", "high", "urgent").
// "default" is accepted as an alias for normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "default", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("download: unknown priority %q", s)
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("download: invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status is the lifecycle state of an item as seen by observers.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further processing happens in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Item represents one requested transfer.
//
// An item is owned by the queue while enqueued and by exactly one worker for
// the duration of a dispatch attempt. Only RetryCount changes after creation.
type Item struct {
	// ID is a unique identifier for the item (caller supplied or a UUID).
	ID string `json:"id"`

	// Source is the locator to fetch from.
	Source string `json:"source"`

	// Destination is the target path. It may be empty or a directory, in which
	// case the executor derives a filename from Source.
	Destination string `json:"destination"`

	Priority Priority `json:"priority"`

	// CreatedAt is the timestamp when the item was first submitted.
	CreatedAt time.Time `json:"created_at"`

	// RetryCount tracks how many times this item has been retried after failures.
	RetryCount int `json:"retry_count"`

	// seq is the insertion sequence assigned by the queue; it breaks ties
	// between items with equal priority and creation time.
	seq uint64
}

// Request carries the caller's input for a new item.
type Request struct {
	ID          string   `json:"id,omitempty"`
	Source      string   `json:"source"`
	Destination string   `json:"destination,omitempty"`
	Priority    Priority `json:"priority"`
}

// NewItem creates an item from a request, generating an ID when none is given.
func NewItem(req Request) (*Item, error) {
	if strings.TrimSpace(req.Source) == "" {
		return nil, fmt.Errorf("download: source is required")
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("download: invalid priority %d", int(req.Priority))
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &Item{
		ID:          id,
		Source:      req.Source,
		Destination: req.Destination,
		Priority:    req.Priority,
		CreatedAt:   time.Now(),
	}, nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (i *Item) IncrementRetry() int {
	i.RetryCount++
	return i.RetryCount
}

// ResetRetries is the only way RetryCount goes down.
func (i *Item) ResetRetries() {
	i.RetryCount = 0
}

// Seq returns the insertion sequence number assigned by the queue.
func (i *Item) Seq() uint64 { return i.seq }

// SetSeq is called by the queue on insertion.
func (i *Item) SetSeq(seq uint64) { i.seq = seq }

// Clone returns a copy safe to hand to observers.
func (i *Item) Clone() *Item {
	c := *i
	return &c
}

// Less reports whether a must be dispatched before b: higher priority first,
// then earlier creation time, then earlier insertion.
func Less(a, b *Item) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}
