// Package main provides a benchmark tool for downloadq to measure dispatch throughput.
// It enqueues a large number of downloads into an in-process engine whose
// executor does no I/O, then measures how long the engine takes to drain them.
//
// Usage:
//
//	go run ./benchmark -downloads 100000 -producers 10 -concurrency 16
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/downloadq/pkg/download"
	"github.com/guido-cesarano/downloadq/pkg/engine"
	"github.com/guido-cesarano/downloadq/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	numDownloads := flag.Int("downloads", 100000, "Number of downloads to enqueue")
	numProducers := flag.Int("producers", 10, "Number of concurrent enqueuers")
	workers := flag.Int("workers", 32, "Engine worker pool size")
	concurrency := flag.Int("concurrency", 16, "Engine concurrency ceiling")
	work := flag.Duration("work", 0, "Simulated transfer time per download")
	failRate := flag.Float64("fail-rate", 0, "Fraction of attempts that fail and are retried")
	flag.Parse()

	log := logger.New(os.Stderr, "warn", "console")
	reg := prometheus.NewRegistry()

	cfg := engine.DefaultConfig()
	cfg.Workers = *workers
	cfg.Concurrency = *concurrency
	cfg.QueueCapacity = *numDownloads
	cfg.BaseDelay = time.Millisecond
	cfg.PollTimeout = 10 * time.Millisecond
	cfg.Logger = &log
	cfg.Registerer = reg

	exec := engine.ExecutorFunc(func(ctx context.Context, item *download.Item, report engine.ReportFunc) (int64, error) {
		if *work > 0 {
			select {
			case <-time.After(*work):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		if *failRate > 0 && rand.Float64() < *failRate {
			return 0, fmt.Errorf("simulated failure")
		}
		report(1, 1)
		return 1, nil
	})

	eng, err := engine.New(cfg, exec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Shutdown(context.Background())
	ctx := context.Background()

	fmt.Printf("downloadq Benchmark\n")
	fmt.Printf("===================\n")
	fmt.Printf("Downloads to enqueue: %d\n", *numDownloads)
	fmt.Printf("Concurrent producers: %d\n", *numProducers)
	fmt.Printf("Workers / ceiling:    %d / %d\n\n", *workers, *concurrency)

	// Enqueue phase
	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	perProducer := *numDownloads / *numProducers

	for i := 0; i < *numProducers; i++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				priority := download.Priority(rand.IntN(int(download.PriorityUrgent) + 1))
				source := fmt.Sprintf("bench://%d/%d", producer, j)
				if _, err := eng.AddDownload(ctx, source, "", priority); err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("✓ Enqueued %d downloads in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f downloads/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	// Dispatch phase
	fmt.Printf("Waiting for all downloads to be processed...\n")
	startProcess := time.Now()
	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
		os.Exit(1)
	}

	lastReport := time.Now()
	for {
		snap := eng.Progress()
		if snap.Quiescent() {
			break
		}
		if time.Since(lastReport) >= 2*time.Second {
			fmt.Printf("  Remaining: %d downloads (%d active)\n", snap.Queued, snap.Active)
			lastReport = time.Now()
		}
		time.Sleep(10 * time.Millisecond)
	}

	processTime := time.Since(startProcess)
	snap := eng.Progress()

	fmt.Printf("\n✓ All downloads processed in %s\n", processTime)
	fmt.Printf("  Completed: %d  Failed: %d\n", snap.Completed, snap.Failed)
	fmt.Printf("  Throughput: %.2f downloads/sec\n", float64(snap.Total)/processTime.Seconds())
	fmt.Printf("  Dispatch errors: %.0f\n", counterValue(reg, "downloadq_dispatch_errors_total"))

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f downloads/sec\n", float64(snap.Total)/totalTime.Seconds())
}

// counterValue reads a counter back out of reg; 0 when it is absent.
func counterValue(reg *prometheus.Registry, name string) float64 {
	mfs, err := reg.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
