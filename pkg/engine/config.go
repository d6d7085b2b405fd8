package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds engine configuration. Start from DefaultConfig and override
// the fields you need; zero durations and counts are replaced by defaults
// in New, except MaxRetries where zero means "never retry".
type Config struct {
	// Workers is the size of the worker pool.
	Workers int

	// Concurrency is the ceiling on transfers in flight at once,
	// independent of Workers.
	Concurrency int

	// MaxRetries is how many times a failed item is retried before it is
	// reported as a terminal failure.
	MaxRetries int

	// BaseDelay is the backoff unit: retry k waits BaseDelay * 2^k.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff delay.
	MaxDelay time.Duration

	// Jitter adds up to Jitter*delay of random extra wait. 0 disables it.
	Jitter float64

	// QueueCapacity bounds the number of queued items.
	QueueCapacity int

	// EnqueueTimeout makes AddDownload wait this long for queue space.
	// 0 means fail immediately with ErrCapacityExceeded.
	EnqueueTimeout time.Duration

	// PollTimeout is how long one dispatch iteration waits for an item.
	PollTimeout time.Duration

	// GateInterval is the re-check interval while the ceiling is reached.
	GateInterval time.Duration

	// DrainTimeout bounds how long Stop and Shutdown wait for in-flight
	// transfers. 0 waits until they finish.
	DrainTimeout time.Duration

	// RecordTimeout bounds each call to the Recorder.
	RecordTimeout time.Duration

	// Logger receives engine logs. Nil uses the process logger.
	Logger *zerolog.Logger

	// Registerer receives the engine's collectors. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	// Recorder, when set, is told about every terminal outcome.
	Recorder Recorder
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		Concurrency:   4,
		MaxRetries:    3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		QueueCapacity: 1000,
		PollTimeout:   time.Second,
		GateInterval:  50 * time.Millisecond,
		RecordTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.Concurrency == 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.GateInterval == 0 {
		c.GateInterval = d.GateInterval
	}
	if c.RecordTimeout == 0 {
		c.RecordTimeout = d.RecordTimeout
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries))
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		errs = append(errs, errors.New("backoff delays must be >= 0"))
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		errs = append(errs, fmt.Errorf("jitter must be within [0, 1], got %v", c.Jitter))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queue capacity must be >= 1, got %d", c.QueueCapacity))
	}
	if c.EnqueueTimeout < 0 || c.PollTimeout < 0 || c.DrainTimeout < 0 {
		errs = append(errs, errors.New("timeouts must be >= 0"))
	}
	return errors.Join(errs...)
}
