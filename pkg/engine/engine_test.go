package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guido-cesarano/downloadq/pkg/download"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// recordingExecutor remembers the order in which items were dispatched.
type recordingExecutor struct {
	mu    sync.Mutex
	order []string
	times map[string][]time.Time
	fn    func(ctx context.Context, item *download.Item) (int64, error)
}

func newRecordingExecutor(fn func(ctx context.Context, item *download.Item) (int64, error)) *recordingExecutor {
	return &recordingExecutor{times: make(map[string][]time.Time), fn: fn}
}

func (r *recordingExecutor) Transfer(ctx context.Context, item *download.Item, report ReportFunc) (int64, error) {
	r.mu.Lock()
	r.order = append(r.order, item.Source)
	r.times[item.ID] = append(r.times[item.ID], time.Now())
	r.mu.Unlock()
	if r.fn == nil {
		report(1, 1)
		return 1, nil
	}
	return r.fn(ctx, item)
}

func (r *recordingExecutor) dispatched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recordingExecutor) attempts(id string) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.times[id]...)
}

type fakeRecorder struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (f *fakeRecorder) Completed(_ context.Context, item *download.Item, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, item.ID)
	return nil
}

func (f *fakeRecorder) Failed(_ context.Context, item *download.Item, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, item.ID)
	return nil
}

func testConfig() Config {
	nop := zerolog.Nop()
	cfg := DefaultConfig()
	cfg.Logger = &nop
	cfg.BaseDelay = 5 * time.Millisecond
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.GateInterval = 5 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, exec Executor) *Engine {
	t.Helper()
	e, err := New(cfg, exec)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func mustAdd(t *testing.T, e *Engine, source string, p download.Priority) string {
	t.Helper()
	id, err := e.AddDownload(context.Background(), source, "", p)
	if err != nil {
		t.Fatalf("AddDownload(%s) failed: %v", source, err)
	}
	return id
}

func TestDispatchOrder(t *testing.T) {
	exec := newRecordingExecutor(nil)
	cfg := testConfig()
	cfg.Concurrency = 1
	e := newTestEngine(t, cfg, exec)

	mustAdd(t, e, "low", download.PriorityLow)
	mustAdd(t, e, "urgent-1", download.PriorityUrgent)
	mustAdd(t, e, "normal", download.PriorityNormal)
	mustAdd(t, e, "urgent-2", download.PriorityUrgent)

	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Completed == 4 })

	want := []string{"urgent-1", "urgent-2", "normal", "low"}
	got := exec.dispatched()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected dispatch order %v, got %v", want, got)
	}
}

func TestHighLowHighScenario(t *testing.T) {
	exec := newRecordingExecutor(nil)
	cfg := testConfig()
	cfg.Concurrency = 1
	e := newTestEngine(t, cfg, exec)

	mustAdd(t, e, "high-1", download.PriorityHigh)
	mustAdd(t, e, "low", download.PriorityLow)
	mustAdd(t, e, "high-2", download.PriorityHigh)

	e.Start()
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Completed == 3 })

	got := exec.dispatched()
	if strings.Join(got, ",") != "high-1,high-2,low" {
		t.Errorf("Expected high-1,high-2,low, got %v", got)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	var inFlight, peak atomic.Int64
	exec := newRecordingExecutor(func(ctx context.Context, item *download.Item) (int64, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return 10, nil
	})

	cfg := testConfig()
	cfg.Workers = 8
	cfg.Concurrency = 3
	e := newTestEngine(t, cfg, exec)
	e.Start()

	for i := 0; i < 30; i++ {
		mustAdd(t, e, fmt.Sprintf("item-%d", i), download.PriorityNormal)
	}
	waitFor(t, 5*time.Second, func() bool { return e.Progress().Completed == 30 })

	if peak.Load() > 3 {
		t.Errorf("Concurrency ceiling exceeded: peak %d", peak.Load())
	}
	if s := e.Progress(); s.Bytes != 300 {
		t.Errorf("Expected 300 bytes, got %d", s.Bytes)
	}
}

func TestConservation(t *testing.T) {
	const n = 100
	r := rand.New(rand.NewSource(42))
	var mu sync.Mutex
	failFirst := make(map[string]bool)
	alwaysFail := make(map[string]bool)

	exec := newRecordingExecutor(func(ctx context.Context, item *download.Item) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		if alwaysFail[item.Source] {
			return 0, errors.New("permanent")
		}
		if failFirst[item.Source] && item.RetryCount == 0 {
			return 0, errors.New("transient")
		}
		return 5, nil
	})

	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.BaseDelay = time.Millisecond
	e := newTestEngine(t, cfg, exec)
	e.Start()

	wantFailed := 0
	for i := 0; i < n; i++ {
		src := fmt.Sprintf("src-%d", i)
		mu.Lock()
		switch r.Intn(5) {
		case 0:
			alwaysFail[src] = true
			wantFailed++
		case 1:
			failFirst[src] = true
		}
		mu.Unlock()
		mustAdd(t, e, src, download.Priority(r.Intn(4)))
	}

	waitFor(t, 10*time.Second, func() bool {
		s := e.Progress()
		return s.Completed+s.Failed == n
	})

	s := e.Progress()
	if s.Queued != 0 || s.Active != 0 || s.Retrying != 0 {
		t.Errorf("Expected quiescence, got %+v", s)
	}
	if s.Failed != int64(wantFailed) {
		t.Errorf("Expected %d failed, got %d", wantFailed, s.Failed)
	}
	if s.Total != n {
		t.Errorf("Expected total %d, got %d", n, s.Total)
	}
}

func TestRetryExhaustion(t *testing.T) {
	exec := newRecordingExecutor(func(ctx context.Context, item *download.Item) (int64, error) {
		return 0, errors.New("connection refused")
	})

	rec := &fakeRecorder{}
	cfg := testConfig()
	cfg.MaxRetries = 3
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.Recorder = rec
	e := newTestEngine(t, cfg, exec)
	e.Start()

	id := mustAdd(t, e, "broken", download.PriorityNormal)
	waitFor(t, 5*time.Second, func() bool { return e.Progress().Failed == 1 })

	// Give any stray retry a chance to show up
	time.Sleep(100 * time.Millisecond)

	attempts := exec.attempts(id)
	if len(attempts) != cfg.MaxRetries+1 {
		t.Fatalf("Expected %d attempts, got %d", cfg.MaxRetries+1, len(attempts))
	}
	for k := 1; k < len(attempts); k++ {
		gap := attempts[k].Sub(attempts[k-1])
		want := cfg.BaseDelay * time.Duration(1<<k)
		if gap < want {
			t.Errorf("Retry %d came after %s, expected at least %s", k, gap, want)
		}
	}

	s := e.Progress()
	if s.Failed != 1 || s.Completed != 0 || s.Queued != 0 {
		t.Errorf("Unexpected snapshot: %+v", s)
	}
	p, _ := e.Item(id)
	if p.Status != download.StatusFailed || p.Attempts != 4 {
		t.Errorf("Unexpected item state: %+v", p)
	}
	if !strings.Contains(p.LastError, "connection refused") {
		t.Errorf("Expected last cause to be kept, got %q", p.LastError)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failed) != 1 || rec.failed[0] != id {
		t.Errorf("Expected exactly one recorded failure, got %v", rec.failed)
	}
}

func TestExecutorPanicIsTransferFailure(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, item *download.Item, report ReportFunc) (int64, error) {
		panic("nil pointer somewhere")
	})

	cfg := testConfig()
	cfg.MaxRetries = 0
	e := newTestEngine(t, cfg, exec)
	e.Start()

	id := mustAdd(t, e, "panics", download.PriorityNormal)
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Failed == 1 })

	p, _ := e.Item(id)
	if !strings.Contains(p.LastError, "panicked") {
		t.Errorf("Expected panic cause, got %q", p.LastError)
	}
	if e.State() != StateRunning {
		t.Errorf("Engine should keep running, got %s", e.State())
	}
}

func TestCapacityExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	e := newTestEngine(t, cfg, newRecordingExecutor(nil))

	mustAdd(t, e, "a", download.PriorityLow)
	mustAdd(t, e, "b", download.PriorityLow)

	_, err := e.AddDownload(context.Background(), "c", "", download.PriorityUrgent)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got %v", err)
	}

	s := e.Progress()
	if s.Total != 2 || s.Queued != 2 {
		t.Errorf("Rejected item must not be tracked: %+v", s)
	}
	pending := e.Pending()
	if len(pending) != 2 || pending[0].Source != "a" || pending[1].Source != "b" {
		t.Errorf("Existing items must be untouched: %v", pending)
	}
}

func TestEnqueueTimeoutWaitsForSpace(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 1
	cfg.EnqueueTimeout = 30 * time.Millisecond
	e := newTestEngine(t, cfg, newRecordingExecutor(nil))

	mustAdd(t, e, "a", download.PriorityLow)

	start := time.Now()
	_, err := e.AddDownload(context.Background(), "b", "", download.PriorityLow)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got %v", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("Expected AddDownload to wait for space")
	}
}

func TestStateTransitions(t *testing.T) {
	e := newTestEngine(t, testConfig(), newRecordingExecutor(nil))

	if e.State() != StateIdle {
		t.Fatalf("Expected idle, got %s", e.State())
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Errorf("Stop on idle engine should be a no-op, got %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if e.State() != StateIdle {
		t.Errorf("Expected idle after stop, got %s", e.State())
	}
	if err := e.Start(); err != nil {
		t.Errorf("Restart after stop failed: %v", err)
	}
}

func TestStopRequeuesInterruptedItems(t *testing.T) {
	var block atomic.Bool
	block.Store(true)
	exec := newRecordingExecutor(func(ctx context.Context, item *download.Item) (int64, error) {
		if block.Load() {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 7, nil
	})

	cfg := testConfig()
	cfg.Concurrency = 2
	e := newTestEngine(t, cfg, exec)
	e.Start()

	for i := 0; i < 4; i++ {
		mustAdd(t, e, fmt.Sprintf("item-%d", i), download.PriorityNormal)
	}
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Active == 2 })

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	s := e.Progress()
	if s.Active != 0 || s.Queued != 4 || s.Failed != 0 {
		t.Fatalf("Expected all 4 items queued after stop, got %+v", s)
	}
	for _, item := range e.Pending() {
		if item.RetryCount != 0 {
			t.Errorf("Interrupted item %s must not use a retry", item.ID)
		}
	}

	block.Store(false)
	e.Start()
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Completed == 4 })
}

func TestStopDrainTimeout(t *testing.T) {
	release := make(chan struct{})
	exec := newRecordingExecutor(func(ctx context.Context, item *download.Item) (int64, error) {
		<-release // ignores cancellation
		return 1, nil
	})

	cfg := testConfig()
	cfg.DrainTimeout = 30 * time.Millisecond
	e := newTestEngine(t, cfg, exec)
	e.Start()
	mustAdd(t, e, "stubborn", download.PriorityNormal)
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Active == 1 })

	err := e.Stop(context.Background())
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("Expected ErrDrainTimeout, got %v", err)
	}
	if e.State() != StateStopping {
		t.Errorf("Expected stopping, got %s", e.State())
	}
	if err := e.Start(); !errors.Is(err, ErrStopping) {
		t.Errorf("Expected ErrStopping, got %v", err)
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return e.State() == StateIdle })
	if s := e.Progress(); s.Completed != 1 {
		t.Errorf("Expected the stubborn transfer to complete, got %+v", s)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	exec := newRecordingExecutor(func(ctx context.Context, item *download.Item) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	cfg := testConfig()
	cfg.Concurrency = 1
	e := newTestEngine(t, cfg, exec)
	e.Start()

	mustAdd(t, e, "a", download.PriorityNormal)
	mustAdd(t, e, "b", download.PriorityNormal)
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Active == 1 })

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	first := e.Progress()
	if err := e.Shutdown(context.Background()); err != nil {
		t.Errorf("Second Shutdown should be a no-op, got %v", err)
	}
	second := e.Progress()

	if e.State() != StateShutdown {
		t.Errorf("Expected shutdown, got %s", e.State())
	}
	if first.Total != second.Total || second.Queued != 0 || second.Active != 0 {
		t.Errorf("Unexpected terminal state: %+v / %+v", first, second)
	}
	if len(e.Pending()) != 0 {
		t.Error("Queue must be empty after shutdown")
	}

	if _, err := e.AddDownload(context.Background(), "c", "", download.PriorityHigh); !errors.Is(err, ErrEngineShutdown) {
		t.Errorf("Expected ErrEngineShutdown, got %v", err)
	}
	if err := e.Start(); !errors.Is(err, ErrEngineShutdown) {
		t.Errorf("Expected ErrEngineShutdown, got %v", err)
	}
	if err := e.Stop(context.Background()); !errors.Is(err, ErrEngineShutdown) {
		t.Errorf("Expected ErrEngineShutdown, got %v", err)
	}

	before := len(exec.dispatched())
	time.Sleep(50 * time.Millisecond)
	if after := len(exec.dispatched()); after != before {
		t.Errorf("Items dispatched after shutdown: %d -> %d", before, after)
	}
}

func TestShutdownDiscardsPendingRetries(t *testing.T) {
	exec := newRecordingExecutor(func(ctx context.Context, item *download.Item) (int64, error) {
		return 0, errors.New("nope")
	})
	cfg := testConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = 2 * time.Hour
	e := newTestEngine(t, cfg, exec)
	e.Start()

	mustAdd(t, e, "a", download.PriorityNormal)
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Retrying == 1 })

	e.Shutdown(context.Background())
	if s := e.Progress(); s.Total != 0 || s.Queued != 0 || s.Retrying != 0 {
		t.Errorf("Expected pending retry to be discarded, got %+v", s)
	}
}

func TestRemoveDownload(t *testing.T) {
	exec := newRecordingExecutor(func(ctx context.Context, item *download.Item) (int64, error) {
		return 0, errors.New("flaky")
	})
	cfg := testConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = 2 * time.Hour
	e := newTestEngine(t, cfg, exec)

	queued := mustAdd(t, e, "queued", download.PriorityLow)
	if !e.RemoveDownload(queued) {
		t.Error("Expected queued item to be removed")
	}
	if e.RemoveDownload(queued) {
		t.Error("Second removal should report not found")
	}

	e.Start()
	retrying := mustAdd(t, e, "retrying", download.PriorityLow)
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Retrying == 1 })
	if !e.RemoveDownload(retrying) {
		t.Error("Expected backoff-waiting item to be removed")
	}

	s := e.Progress()
	if s.Total != 0 || s.Queued != 0 || s.Retrying != 0 {
		t.Errorf("Unexpected snapshot after removals: %+v", s)
	}
}

func TestMetricsAndRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := &fakeRecorder{}
	cfg := testConfig()
	cfg.Registerer = reg
	cfg.Recorder = rec
	e := newTestEngine(t, cfg, newRecordingExecutor(nil))
	e.Start()

	for i := 0; i < 5; i++ {
		mustAdd(t, e, fmt.Sprintf("m-%d", i), download.PriorityNormal)
	}
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Completed == 5 })

	if got := testutil.ToFloat64(e.metrics.processed.WithLabelValues("success")); got != 5 {
		t.Errorf("Expected 5 successes, got %v", got)
	}
	if got := testutil.ToFloat64(e.metrics.bytes); got != 5 {
		t.Errorf("Expected 5 bytes, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"downloadq_queue_depth", "downloadq_active_transfers", "downloadq_processed_total"} {
		if !names[want] {
			t.Errorf("Expected metric %s to be registered", want)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.completed) != 5 {
		t.Errorf("Expected 5 recorded completions, got %d", len(rec.completed))
	}
}

func TestBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second
	e := newTestEngine(t, cfg, newRecordingExecutor(nil))

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{100, time.Second},
	}
	for _, tt := range tests {
		if got := e.backoff(tt.retry); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}

	e.cfg.Jitter = 0.5
	for i := 0; i < 20; i++ {
		got := e.backoff(1)
		if got < 200*time.Millisecond || got >= 300*time.Millisecond {
			t.Fatalf("Jittered backoff out of range: %s", got)
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = -1
	cfg.MaxRetries = -2
	if _, err := New(cfg, newRecordingExecutor(nil)); err == nil {
		t.Error("Expected invalid config to be rejected")
	}
	if _, err := New(DefaultConfig(), nil); err == nil {
		t.Error("Expected nil executor to be rejected")
	}
}

func enqueueID(e *Engine, id, source string) error {
	_, err := e.Enqueue(context.Background(), download.Request{ID: id, Source: source, Priority: download.PriorityNormal})
	return err
}

func TestDuplicateIDWhileQueued(t *testing.T) {
	exec := newRecordingExecutor(nil)
	e := newTestEngine(t, testConfig(), exec)

	if err := enqueueID(e, "x", "first"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := enqueueID(e, "x", "second"); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Expected ErrDuplicateID, got %v", err)
	}

	s := e.Progress()
	if s.Total != 1 || s.Queued != 1 {
		t.Fatalf("Rejected duplicate must not touch the original entry: %+v", s)
	}

	e.Start()
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Completed == 1 })
	if s := e.Progress(); s.Total != 1 || s.Completed != 1 {
		t.Errorf("Expected the original item to be counted once, got %+v", s)
	}
	if got := exec.dispatched(); len(got) != 1 || got[0] != "first" {
		t.Errorf("Expected only the first submission to run, got %v", got)
	}
}

func TestDuplicateIDAfterCompletion(t *testing.T) {
	exec := newRecordingExecutor(nil)
	e := newTestEngine(t, testConfig(), exec)
	e.Start()

	if err := enqueueID(e, "y", "first"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Completed == 1 })

	if err := enqueueID(e, "y", "again"); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Expected ErrDuplicateID for a finished ID, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := exec.dispatched(); len(got) != 1 {
		t.Errorf("Finished ID must not run again, got %v", got)
	}
	if s := e.Progress(); s.Total != 1 || s.Completed != 1 {
		t.Errorf("Unexpected snapshot: %+v", s)
	}
}

func TestDuplicateIDWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	exec := newRecordingExecutor(func(ctx context.Context, item *download.Item) (int64, error) {
		select {
		case <-release:
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	e := newTestEngine(t, testConfig(), exec)
	e.Start()

	if err := enqueueID(e, "z", "first"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Active == 1 })

	if err := enqueueID(e, "z", "second"); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Expected ErrDuplicateID for an in-flight ID, got %v", err)
	}
	if n := len(e.Pending()); n != 0 {
		t.Errorf("Duplicate must not reach the queue, %d pending", n)
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Completed == 1 })
	if got := exec.dispatched(); len(got) != 1 {
		t.Errorf("Expected a single transfer for the ID, got %v", got)
	}
}

func TestBlockedEnqueueIsNotCounted(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 1
	cfg.EnqueueTimeout = 2 * time.Second
	e := newTestEngine(t, cfg, newRecordingExecutor(nil))

	first := mustAdd(t, e, "a", download.PriorityLow)

	done := make(chan error, 1)
	go func() {
		_, err := e.AddDownload(context.Background(), "b", "", download.PriorityLow)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if s := e.Progress(); s.Total != 1 || s.Queued != 1 || len(s.Items) != 1 {
		t.Fatalf("Waiting insert must not be visible, got %+v", s)
	}

	if !e.RemoveDownload(first) {
		t.Fatal("Expected first item to be removed")
	}
	if err := <-done; err != nil {
		t.Fatalf("Blocked AddDownload failed: %v", err)
	}
	s := e.Progress()
	if s.Total != 1 || s.Queued != 1 || s.Items[0].Source != "b" {
		t.Errorf("Expected only the second item, got %+v", s)
	}
}

func TestDeferredRetryStaysRetrying(t *testing.T) {
	release := make(chan struct{})
	var flakyCalls atomic.Int32
	exec := newRecordingExecutor(func(ctx context.Context, item *download.Item) (int64, error) {
		switch item.Source {
		case "flaky":
			if flakyCalls.Add(1) == 1 {
				return 0, errors.New("first attempt fails")
			}
		case "block":
			select {
			case <-release:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		return 1, nil
	})

	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.QueueCapacity = 1
	cfg.MaxRetries = 1
	cfg.BaseDelay = 50 * time.Millisecond
	e := newTestEngine(t, cfg, exec)
	e.Start()

	flaky := mustAdd(t, e, "flaky", download.PriorityNormal)
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Retrying == 1 })

	// Occupy the only slot, then fill the queue so the retry cannot be promoted
	mustAdd(t, e, "block", download.PriorityNormal)
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Active == 1 })
	mustAdd(t, e, "filler", download.PriorityNormal)

	time.Sleep(250 * time.Millisecond)

	s := e.Progress()
	if s.Retrying != 1 || s.Queued != 2 || s.Total != s.Queued+s.Active+s.Completed+s.Failed {
		t.Fatalf("Expected deferred retry to stay retrying, got %+v", s)
	}
	if p, _ := e.Item(flaky); p.Status != download.StatusRetrying || p.RetryAt.IsZero() {
		t.Errorf("Expected retrying status with a retry time, got %+v", p)
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return e.Progress().Completed == 3 })
	if s := e.Progress(); s.Retrying != 0 || s.Queued != 0 {
		t.Errorf("Unexpected final snapshot: %+v", s)
	}
}
