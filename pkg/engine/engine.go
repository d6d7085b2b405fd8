// Package engine orchestrates concurrent downloads.
//
// An Engine owns a bounded priority queue, a worker pool, a progress tracker
// and a retry scheduler. Producers call AddDownload; a single dispatch loop
// pulls the highest-priority item whenever fewer than Config.Concurrency
// transfers are in flight and hands it to a pool worker. Failed transfers
// are retried with exponential backoff until Config.MaxRetries is reached.
//
// State machine:
//
//	Idle --Start--> Running --Stop--> Stopping --(drained)--> Idle
//	any  --Shutdown--> Shutdown (terminal)
//
// Item-level failures never surface as errors from AddDownload; they are
// observable through Progress. Invalid transitions return an error to the
// caller that attempted them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/downloadq/pkg/download"
	"github.com/guido-cesarano/downloadq/pkg/logger"
	"github.com/guido-cesarano/downloadq/pkg/progress"
	"github.com/guido-cesarano/downloadq/pkg/queue"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of an Engine.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ReportFunc receives byte progress from an executor. total is <= 0 when
// the size is unknown.
type ReportFunc func(done, total int64)

// Executor performs the byte transfer for one item. It must honor ctx
// cancellation and must not modify item.
type Executor interface {
	Transfer(ctx context.Context, item *download.Item, report ReportFunc) (int64, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, item *download.Item, report ReportFunc) (int64, error)

func (f ExecutorFunc) Transfer(ctx context.Context, item *download.Item, report ReportFunc) (int64, error) {
	return f(ctx, item, report)
}

// Recorder is told about terminal outcomes, e.g. to keep a durable history.
type Recorder interface {
	Completed(ctx context.Context, item *download.Item, bytes int64) error
	Failed(ctx context.Context, item *download.Item, cause error) error
}

// Engine is the download orchestrator. Create one with New.
type Engine struct {
	cfg      Config
	log      zerolog.Logger
	exec     Executor
	queue    *queue.Queue
	delayed  *queue.Delayed
	tracker  *progress.Tracker
	metrics  *metrics
	recorder Recorder

	mu    sync.Mutex
	state State
	run   *run

	active   atomic.Int64
	released chan struct{}

	// life spans the whole engine and ends at Shutdown; the retry
	// scheduler and pending re-inserts run under it.
	life       context.Context
	lifeCancel context.CancelFunc
	schedOnce  sync.Once
	wake       chan struct{}
	bg         sync.WaitGroup
}

// run is one Start..Stop cycle.
type run struct {
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates an idle engine that dispatches to exec.
func New(cfg Config, exec Executor) (*Engine, error) {
	if exec == nil {
		return nil, errors.New("engine: executor must not be nil")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}

	log := logger.Log
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	log = log.With().Str("component", "engine").Logger()
	if cfg.Concurrency > cfg.Workers {
		log.Warn().
			Int("workers", cfg.Workers).
			Int("concurrency", cfg.Concurrency).
			Msg("Concurrency ceiling exceeds worker pool; effective limit is the pool size")
	}

	life, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		log:        log,
		exec:       exec,
		queue:      queue.New(cfg.QueueCapacity),
		delayed:    queue.NewDelayed(),
		tracker:    progress.NewTracker(),
		recorder:   cfg.Recorder,
		released:   make(chan struct{}, 1),
		life:       life,
		lifeCancel: cancel,
		wake:       make(chan struct{}, 1),
	}
	e.metrics = newMetrics(cfg.Registerer,
		func() float64 { return float64(e.queue.Len()) },
		func() float64 { return float64(e.active.Load()) },
	)
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start launches the worker pool and the dispatch loop in the background.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateRunning:
		return ErrAlreadyRunning
	case StateStopping:
		return ErrStopping
	case StateShutdown:
		return ErrEngineShutdown
	}

	ctx, cancel := context.WithCancel(e.life)
	r := &run{cancel: cancel, stopped: make(chan struct{})}

	jobs := make(chan *download.Item)
	var workers sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			e.worker(ctx, jobs)
		}()
	}

	loopDone := make(chan struct{})
	go e.dispatchLoop(ctx, jobs, loopDone)

	go func() {
		<-loopDone
		workers.Wait()
		e.finishRun(r)
	}()

	e.schedOnce.Do(func() {
		e.bg.Add(1)
		go e.runScheduler()
	})

	e.run = r
	e.state = StateRunning
	e.log.Info().
		Int("workers", e.cfg.Workers).
		Int("concurrency", e.cfg.Concurrency).
		Int("queued", e.queue.Len()).
		Msg("Engine started")
	return nil
}

// finishRun is called once the loop and every worker of r have exited.
func (e *Engine) finishRun(r *run) {
	e.mu.Lock()
	if e.run == r {
		e.run = nil
		if e.state == StateStopping {
			e.state = StateIdle
		}
	}
	e.mu.Unlock()
	close(r.stopped)
}

// Stop cancels in-flight transfers and waits until none remain, then returns
// the engine to Idle. Queued items stay queued for a later Start; items whose
// transfer was interrupted are queued again without using up a retry.
//
// The wait is bounded by ctx and Config.DrainTimeout; on expiry Stop returns
// ErrDrainTimeout and the engine stays in Stopping until the drain finishes.
// Stopping an idle engine is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	var r *run
	switch e.state {
	case StateIdle:
		e.mu.Unlock()
		return nil
	case StateShutdown:
		e.mu.Unlock()
		return ErrEngineShutdown
	case StateRunning:
		e.state = StateStopping
		e.log.Info().Msg("Stopping engine...")
	}
	r = e.run
	e.mu.Unlock()

	if r == nil {
		return nil
	}
	r.cancel()
	if err := e.awaitDrain(ctx, r); err != nil {
		return err
	}
	e.log.Info().Int("queued", e.queue.Len()).Msg("Engine stopped")
	return nil
}

// Shutdown moves the engine to its terminal state: in-flight transfers are
// cancelled and drained, the queue and pending retries are discarded, and
// the retry scheduler exits. Calling it again is a no-op.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateShutdown {
		e.mu.Unlock()
		return nil
	}
	e.state = StateShutdown
	r := e.run
	e.mu.Unlock()

	e.log.Info().Msg("Shutting down engine...")

	var err error
	if r != nil {
		r.cancel()
		err = e.awaitDrain(ctx, r)
	}

	e.lifeCancel()
	e.bg.Wait()

	discarded := 0
	for _, item := range e.queue.Clear() {
		e.tracker.Removed(item.ID)
		discarded++
	}
	for _, item := range e.delayed.Clear() {
		e.tracker.Removed(item.ID)
		discarded++
	}

	e.log.Info().Int("discarded", discarded).Msg("Engine shut down")
	return err
}

func (e *Engine) awaitDrain(ctx context.Context, r *run) error {
	var deadline <-chan time.Time
	if e.cfg.DrainTimeout > 0 {
		timer := time.NewTimer(e.cfg.DrainTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-r.stopped:
		return nil
	case <-deadline:
	case <-ctx.Done():
	}
	e.log.Warn().Int64("active", e.active.Load()).Msg("Drain did not complete in time")
	return fmt.Errorf("%w: %d transfers still active", ErrDrainTimeout, e.active.Load())
}

// AddDownload queues a new download and returns its generated ID.
func (e *Engine) AddDownload(ctx context.Context, source, destination string, priority download.Priority) (string, error) {
	return e.Enqueue(ctx, download.Request{
		Source:      source,
		Destination: destination,
		Priority:    priority,
	})
}

// Enqueue queues a download described by req. Items may be queued before
// Start. It fails with ErrEngineShutdown after Shutdown, with ErrDuplicateID
// when req.ID is already known to the engine, and with ErrCapacityExceeded
// when the queue stays full past Config.EnqueueTimeout. An item only shows
// up in Progress once its insert has succeeded.
func (e *Engine) Enqueue(ctx context.Context, req download.Request) (string, error) {
	if e.State() == StateShutdown {
		return "", ErrEngineShutdown
	}

	item, err := download.NewItem(req)
	if err != nil {
		return "", err
	}

	// The reservation keeps a blocked insert out of the counters and
	// rejects IDs that are queued, in flight or finished.
	if !e.tracker.Reserve(item) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
	}
	if err := e.insert(ctx, item); err != nil {
		e.tracker.Release(item.ID)
		return "", err
	}
	e.tracker.Commit(item.ID)

	// Shutdown may have cleared the queue between the state check and the
	// insert; make sure nothing is left behind.
	if e.State() == StateShutdown {
		e.queue.Remove(item.ID)
		e.tracker.Removed(item.ID)
		return "", ErrEngineShutdown
	}

	e.log.Debug().
		Str("item_id", item.ID).
		Str("source", item.Source).
		Stringer("priority", item.Priority).
		Msg("Download queued")
	return item.ID, nil
}

func (e *Engine) insert(ctx context.Context, item *download.Item) error {
	if e.cfg.EnqueueTimeout <= 0 {
		return e.queue.TryPut(item)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.EnqueueTimeout)
	defer cancel()
	return e.queue.Put(ctx, item)
}

// RemoveDownload removes a download that has not been dispatched yet,
// including one waiting out a retry delay. It reports whether it was found;
// in-flight transfers are not affected.
func (e *Engine) RemoveDownload(id string) bool {
	if _, ok := e.queue.Remove(id); ok {
		e.tracker.Removed(id)
		return true
	}
	if _, ok := e.delayed.Remove(id); ok {
		e.tracker.Removed(id)
		return true
	}
	return false
}

// Progress returns a consistent snapshot of the engine's counters and
// per-item state.
func (e *Engine) Progress() progress.Snapshot {
	return e.tracker.Snapshot()
}

// Item returns the progress of one download.
func (e *Engine) Item(id string) (progress.ItemProgress, bool) {
	return e.tracker.Item(id)
}

// Pending returns the queued items in dispatch order.
func (e *Engine) Pending() []*download.Item {
	return e.queue.Items()
}

// PruneFinished drops per-item entries of downloads that finished before
// cutoff. Aggregate counters are unaffected.
func (e *Engine) PruneFinished(cutoff time.Time) int {
	return e.tracker.Prune(cutoff)
}
