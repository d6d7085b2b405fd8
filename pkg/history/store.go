// Package history keeps a Redis-backed record of finished downloads.
//
// Store implements engine.Recorder. Every terminal outcome is written twice:
//   - onto a capped list (downloads:completed or downloads:dead_letter) for browsing
//   - under result:<id> with a TTL for direct lookup
//
// Writes for one outcome go through a single transaction pipeline.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/downloadq/pkg/download"
	"github.com/guido-cesarano/downloadq/pkg/engine"
	"github.com/redis/go-redis/v9"
)

// List names accepted by Inspect.
const (
	ListCompleted  = "completed"
	ListDeadLetter = "dead_letter"
)

const (
	completedKey  = "downloads:completed"
	deadLetterKey = "downloads:dead_letter"
	resultPrefix  = "result:"
)

var (
	// ErrNotFound is returned when no result is stored for an ID.
	ErrNotFound = errors.New("history: result not found")

	// ErrUnknownList is returned by Inspect for an unknown list name.
	ErrUnknownList = errors.New("history: unknown list")
)

// Entry is the stored record of one finished download.
type Entry struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
	Priority    download.Priority `json:"priority"`
	Status      download.Status   `json:"status"`
	Bytes       int64             `json:"bytes,omitempty"`
	Retries     int               `json:"retries"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// Options configures a Store.
type Options struct {
	// ResultTTL is how long result:<id> keys live. Default: 24h
	ResultTTL time.Duration

	// KeepCompleted is how many entries the completed list retains. Default: 100
	KeepCompleted int64
}

// Store manages the Redis connection used for download history.
type Store struct {
	rdb  *redis.Client
	opts Options
}

var _ engine.Recorder = (*Store)(nil)

// NewStore connects to Redis at addr ("host:port").
//
// Example:
//
//	store := history.NewStore("localhost:6379", history.Options{})
func NewStore(addr string, opts Options) *Store {
	return NewStoreFromClient(redis.NewClient(&redis.Options{Addr: addr}), opts)
}

// NewStoreFromClient wraps an existing client.
func NewStoreFromClient(rdb *redis.Client, opts Options) *Store {
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 24 * time.Hour
	}
	if opts.KeepCompleted <= 0 {
		opts.KeepCompleted = 100
	}
	return &Store{rdb: rdb, opts: opts}
}

// Completed records a successful download. The completed list keeps only
// the most recent KeepCompleted entries.
func (s *Store) Completed(ctx context.Context, item *download.Item, bytes int64) error {
	entry := newEntry(item, download.StatusCompleted)
	entry.Bytes = bytes

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, completedKey, data)
	// Trim to last N (keep tail)
	pipe.LTrim(ctx, completedKey, -s.opts.KeepCompleted, -1)
	pipe.Set(ctx, resultPrefix+item.ID, data, s.opts.ResultTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Failed moves a permanently failed download to the dead letter list.
// Entries there can be inspected for debugging or replayed by hand.
func (s *Store) Failed(ctx context.Context, item *download.Item, cause error) error {
	entry := newEntry(item, download.StatusFailed)
	if cause != nil {
		entry.Error = cause.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, deadLetterKey, data)
	pipe.Set(ctx, resultPrefix+item.ID, data, s.opts.ResultTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func newEntry(item *download.Item, status download.Status) Entry {
	return Entry{
		ID:          item.ID,
		Source:      item.Source,
		Destination: item.Destination,
		Priority:    item.Priority,
		Status:      status,
		Retries:     item.RetryCount,
		CreatedAt:   item.CreatedAt,
		FinishedAt:  time.Now(),
	}
}

// Result retrieves the stored outcome of a download.
func (s *Store) Result(ctx context.Context, id string) (*Entry, error) {
	raw, err := s.rdb.Get(ctx, resultPrefix+id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", id, err)
	}
	return &entry, nil
}

// Inspect returns up to limit of the most recent entries of a list, newest first.
func (s *Store) Inspect(ctx context.Context, list string, limit int64) ([]Entry, error) {
	key, err := listKey(list)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	raw, err := s.rdb.LRange(ctx, key, -limit, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e Entry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			// Skip malformed entries for inspection purposes
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Depths returns the length of each history list.
func (s *Store) Depths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)
	for _, list := range []string{ListCompleted, ListDeadLetter} {
		key, _ := listKey(list)
		if n, err := s.rdb.LLen(ctx, key).Result(); err == nil {
			depths[list] = n
		}
	}
	return depths
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func listKey(list string) (string, error) {
	switch list {
	case ListCompleted:
		return completedKey, nil
	case ListDeadLetter:
		return deadLetterKey, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownList, list)
}
