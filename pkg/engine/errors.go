package engine

import (
	"errors"
	"fmt"

	"github.com/guido-cesarano/downloadq/pkg/queue"
)

var (
	// ErrCapacityExceeded is returned by AddDownload when the queue is full.
	ErrCapacityExceeded = queue.ErrCapacityExceeded

	// ErrDuplicateID is returned when a caller-supplied ID is already known:
	// queued, waiting on a retry, in flight or finished.
	ErrDuplicateID = queue.ErrDuplicateID

	ErrAlreadyRunning = errors.New("engine: already running")
	ErrStopping       = errors.New("engine: stop in progress")
	ErrEngineShutdown = errors.New("engine: shut down")

	// ErrDrainTimeout is returned when in-flight transfers outlive DrainTimeout
	// or the caller's context during Stop or Shutdown.
	ErrDrainTimeout = errors.New("engine: drain timed out")

	// ErrExecutorPanic wraps a panic raised inside an Executor.
	ErrExecutorPanic = errors.New("engine: executor panicked")
)

// TransferError is the cause recorded for a failed attempt.
type TransferError struct {
	ItemID  string
	Attempt int
	Err     error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s attempt %d: %v", e.ItemID, e.Attempt, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
