package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/guido-cesarano/downloadq/pkg/download"
	"github.com/guido-cesarano/downloadq/pkg/queue"
)

// outcome is the tagged result of one dispatch attempt.
type outcome struct {
	bytes int64
	err   error
}

// dispatchLoop pulls items from the queue and hands them to workers until
// ctx is cancelled. It never waits for an item to finish.
func (e *Engine) dispatchLoop(ctx context.Context, jobs chan<- *download.Item, done chan<- struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		e.dispatchOnce(ctx, jobs)
	}
}

// dispatchOnce runs one loop iteration. A panic is logged and swallowed so a
// bad iteration cannot take the loop down.
func (e *Engine) dispatchOnce(ctx context.Context, jobs chan<- *download.Item) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.loopErrors.Inc()
			e.log.Error().Interface("panic", r).Msg("Dispatch loop iteration failed")
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.GateInterval):
			}
		}
	}()

	// Concurrency ceiling, independent of the pool size
	if e.active.Load() >= int64(e.cfg.Concurrency) {
		select {
		case <-ctx.Done():
		case <-e.released:
		case <-time.After(e.cfg.GateInterval):
		}
		return
	}

	item, ok := e.queue.Poll(ctx, e.cfg.PollTimeout)
	if !ok {
		return
	}

	e.active.Add(1)
	e.tracker.Started(item)
	if item.RetryCount == 0 {
		e.metrics.queueLatency.Observe(time.Since(item.CreatedAt).Seconds())
	}

	select {
	case jobs <- item:
	case <-ctx.Done():
		// Stopped before a worker took it
		e.interrupted(item)
		e.release()
	}
}

// worker processes items one at a time until ctx is cancelled.
func (e *Engine) worker(ctx context.Context, jobs <-chan *download.Item) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-jobs:
			e.process(ctx, item)
		}
	}
}

// process runs a single dispatch: Dispatched -> Succeeded | Failed(cause).
func (e *Engine) process(ctx context.Context, item *download.Item) {
	defer e.release()

	log := e.log.With().
		Str("item_id", item.ID).
		Stringer("priority", item.Priority).
		Int("attempt", item.RetryCount+1).
		Logger()
	log.Debug().Str("source", item.Source).Msg("Transfer started")

	start := time.Now()
	out := e.transfer(ctx, item)
	e.metrics.transferDuration.Observe(time.Since(start).Seconds())

	switch {
	case out.err == nil:
		e.complete(item, out.bytes)
		log.Info().Int64("bytes", out.bytes).Dur("took", time.Since(start)).Msg("Transfer completed")
	case ctx.Err() != nil:
		e.interrupted(item)
	default:
		e.fail(item, out.err)
	}
}

// transfer invokes the executor, turning a panic into a failed outcome.
func (e *Engine) transfer(ctx context.Context, item *download.Item) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fmt.Errorf("%w: %v", ErrExecutorPanic, r)}
		}
	}()

	report := func(done, total int64) {
		e.tracker.Progress(item.ID, done, total)
	}
	n, err := e.exec.Transfer(ctx, item.Clone(), report)
	return outcome{bytes: n, err: err}
}

func (e *Engine) release() {
	e.active.Add(-1)
	select {
	case e.released <- struct{}{}:
	default:
	}
}

func (e *Engine) complete(item *download.Item, bytes int64) {
	e.tracker.Completed(item, bytes)
	e.metrics.processed.WithLabelValues("success").Inc()
	e.metrics.bytes.Add(float64(bytes))

	if e.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RecordTimeout)
		defer cancel()
		if err := e.recorder.Completed(ctx, item, bytes); err != nil {
			e.log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to record completion")
		}
	}
}

// fail applies the retry policy: retry k waits BaseDelay * 2^k, and an item
// that has used up MaxRetries is reported as failed exactly once.
func (e *Engine) fail(item *download.Item, err error) {
	cause := &TransferError{ItemID: item.ID, Attempt: item.RetryCount + 1, Err: err}

	if e.State() == StateShutdown {
		e.tracker.Removed(item.ID)
		return
	}

	if item.RetryCount < e.cfg.MaxRetries {
		retry := item.IncrementRetry()
		delay := e.backoff(retry)
		at := time.Now().Add(delay)

		e.tracker.Retrying(item, cause, at)
		e.metrics.processed.WithLabelValues("retry").Inc()
		if e.delayed.Schedule(item, at) {
			e.wakeScheduler()
		}
		e.log.Warn().
			Err(err).
			Str("item_id", item.ID).
			Int("retry", retry).
			Dur("delay", delay).
			Msg("Transfer failed, retry scheduled")
		return
	}

	e.tracker.Failed(item, cause)
	e.metrics.processed.WithLabelValues("failed").Inc()
	e.log.Error().
		Err(err).
		Str("item_id", item.ID).
		Int("retries", item.RetryCount).
		Msg("Transfer failed permanently")

	if e.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RecordTimeout)
		defer cancel()
		if rerr := e.recorder.Failed(ctx, item, cause); rerr != nil {
			e.log.Error().Err(rerr).Str("item_id", item.ID).Msg("Failed to record failure")
		}
	}
}

// interrupted handles an item whose dispatch was cancelled by Stop or
// Shutdown. After Stop it goes back to the queue with its retry count
// unchanged; after Shutdown it is discarded.
func (e *Engine) interrupted(item *download.Item) {
	e.metrics.processed.WithLabelValues("interrupted").Inc()
	if e.State() == StateShutdown {
		e.tracker.Removed(item.ID)
		return
	}
	e.tracker.Requeued(item)
	e.reinsert(item)
}

// reinsert puts an item back into the queue, waiting in the background when
// the queue is full. It gives up at Shutdown.
func (e *Engine) reinsert(item *download.Item) {
	err := e.queue.TryPut(item)
	if err == nil {
		return
	}
	if !errors.Is(err, queue.ErrCapacityExceeded) {
		e.log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to requeue download")
		e.tracker.Removed(item.ID)
		return
	}

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		if err := e.queue.Put(e.life, item); err != nil {
			e.tracker.Removed(item.ID)
			return
		}
		if e.State() == StateShutdown {
			e.queue.Remove(item.ID)
			e.tracker.Removed(item.ID)
		}
	}()
}

// backoff returns BaseDelay * 2^retry, capped at MaxDelay, plus jitter.
func (e *Engine) backoff(retry int) time.Duration {
	delay := e.cfg.MaxDelay
	if retry < 62 {
		if d := e.cfg.BaseDelay * time.Duration(int64(1)<<retry); d > 0 && d < delay {
			delay = d
		}
	}
	if e.cfg.Jitter > 0 {
		if extra := time.Duration(float64(delay) * e.cfg.Jitter); extra > 0 {
			delay += rand.N(extra)
		}
	}
	return delay
}

func (e *Engine) wakeScheduler() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// runScheduler moves items from the delayed set back into the queue when
// their backoff elapses. It runs until Shutdown.
func (e *Engine) runScheduler() {
	defer e.bg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := time.Hour
		if next, ok := e.delayed.Next(); ok {
			wait = max(time.Until(next), 0)
		}
		timer.Reset(wait)

		select {
		case <-e.life.Done():
			return
		case <-e.wake:
		case <-timer.C:
			e.promoteDue(time.Now())
		}
	}
}

func (e *Engine) promoteDue(now time.Time) {
	for _, item := range e.delayed.PopDue(now) {
		if err := e.queue.TryPut(item); err != nil {
			// Queue full; try again a little later
			e.delayed.Schedule(item, now.Add(e.cfg.BaseDelay))
			e.log.Debug().Err(err).Str("item_id", item.ID).Msg("Retry deferred")
			continue
		}
		e.tracker.RetryDue(item)
		e.log.Debug().Str("item_id", item.ID).Int("retry", item.RetryCount).Msg("Retry requeued")
	}
}
