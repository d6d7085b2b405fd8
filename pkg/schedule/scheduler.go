// Package schedule registers recurring downloads on a cron schedule.
//
// Each time an entry fires, a fresh item (new ID, new creation time) is
// built from the entry's template and handed to the Enqueuer.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/guido-cesarano/downloadq/pkg/download"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Enqueuer accepts new downloads; *engine.Engine satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req download.Request) (string, error)
}

// Entry describes one registered schedule.
type Entry struct {
	ID       cron.EntryID     `json:"id"`
	Spec     string           `json:"spec"`
	Request  download.Request `json:"request"`
	Next     time.Time        `json:"next"`
	Prev     time.Time        `json:"prev,omitempty"`
	Enqueued int              `json:"enqueued"`
}

// Scheduler wraps a cron runner with seconds precision.
type Scheduler struct {
	cron *cron.Cron
	q    Enqueuer
	log  zerolog.Logger

	mu      sync.Mutex
	entries map[cron.EntryID]*Entry
}

// New creates a scheduler that enqueues into q.
func New(q Enqueuer, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		q:       q,
		log:     log.With().Str("component", "schedule").Logger(),
		entries: make(map[cron.EntryID]*Entry),
	}
}

// Add registers req to be enqueued according to spec, a cron expression
// with a leading seconds field or a descriptor such as "@every 1m".
// A caller-supplied ID in req is ignored; every run gets a new one.
func (s *Scheduler) Add(spec string, req download.Request) (cron.EntryID, error) {
	if req.Source == "" {
		return 0, errors.New("schedule: source is required")
	}
	req.ID = ""

	entry := &Entry{Spec: spec, Request: req}
	id, err := s.cron.AddFunc(spec, func() { s.fire(entry) })
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	entry.ID = id
	s.entries[id] = entry
	s.mu.Unlock()

	s.log.Info().Int("entry_id", int(id)).Str("spec", spec).Str("source", req.Source).Msg("Download scheduled")
	return id, nil
}

func (s *Scheduler) fire(entry *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := s.q.Enqueue(ctx, entry.Request)
	if err != nil {
		s.log.Error().Err(err).Str("spec", entry.Spec).Msg("Failed to enqueue scheduled download")
		return
	}

	s.mu.Lock()
	entry.Enqueued++
	s.mu.Unlock()
	s.log.Info().Str("item_id", id).Str("spec", entry.Spec).Msg("Scheduled download enqueued")
}

// Remove unregisters an entry. It reports whether the entry existed.
func (s *Scheduler) Remove(id cron.EntryID) bool {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if ok {
		s.cron.Remove(id)
	}
	return ok
}

// Entries lists the registered schedules with their next run time.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, ce := range s.cron.Entries() {
		e, ok := s.entries[ce.ID]
		if !ok {
			continue
		}
		c := *e
		c.Next = ce.Next
		c.Prev = ce.Prev
		out = append(out, c)
	}
	return out
}

// Start runs the cron scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running enqueues to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
