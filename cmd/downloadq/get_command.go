package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/guido-cesarano/downloadq/pkg/config"
	"github.com/guido-cesarano/downloadq/pkg/download"
	"github.com/guido-cesarano/downloadq/pkg/engine"
	"github.com/guido-cesarano/downloadq/pkg/logger"
	"github.com/guido-cesarano/downloadq/pkg/progress"
	"github.com/guido-cesarano/downloadq/pkg/transfer"
	"github.com/spf13/cobra"
)

func newGetCommand(ctx *cliContext) *cobra.Command {
	var (
		priorityFlag string
		interval     time.Duration
	)
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "get URL...",
		Short: "Download one or more URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, err := download.ParsePriority(priorityFlag)
			if err != nil {
				return err
			}
			cfg, err := ctx.load()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runGet(runCtx, cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, priority, args, interval)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&priorityFlag, "priority", "p", "normal", "Priority of every URL (low, normal, high, urgent)")
	flags.Int("workers", defaults.Engine.Workers, "Worker pool size")
	flags.Int("concurrency", defaults.Engine.Concurrency, "Maximum transfers in flight")
	flags.Int("retries", defaults.Engine.MaxRetries, "Retries per URL before giving up")
	flags.StringP("output", "o", defaults.Transfer.OutputDir, "Directory downloads are written to")
	flags.DurationVar(&interval, "interval", time.Second, "Progress report interval")

	bind := map[string]string{
		"engine.workers":      "workers",
		"engine.concurrency":  "concurrency",
		"engine.max_retries":  "retries",
		"transfer.output_dir": "output",
	}
	for key, name := range bind {
		_ = ctx.v.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

// runGet queues urls on an in-process engine, reports progress every
// interval and prints a summary table once everything has finished.
func runGet(ctx context.Context, out, errOut io.Writer, cfg config.Config, priority download.Priority, urls []string, interval time.Duration) error {
	log := logger.New(errOut, cfg.Log.Level, "console")

	ecfg := cfg.EngineConfig()
	ecfg.Logger = &log
	if ecfg.QueueCapacity < len(urls) {
		ecfg.QueueCapacity = len(urls)
	}

	eng, err := engine.New(ecfg, transfer.NewHTTPExecutor(cfg.TransferOptions()))
	if err != nil {
		return err
	}
	defer eng.Shutdown(context.Background())

	for _, u := range urls {
		if _, err := eng.AddDownload(ctx, u, "", priority); err != nil {
			return fmt.Errorf("queue %s: %w", u, err)
		}
	}
	if err := eng.Start(); err != nil {
		return err
	}

	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	poll := time.NewTicker(min(interval, 100*time.Millisecond))
	defer poll.Stop()

	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			eng.Shutdown(context.Background())
			fmt.Fprintln(out, renderSummary(eng.Progress()))
			return ctx.Err()
		case <-ticker.C:
			fmt.Fprintln(out, progressLine(eng.Progress(), time.Since(started)))
		case <-poll.C:
			snap := eng.Progress()
			if !snap.Quiescent() {
				continue
			}
			fmt.Fprintln(out, progressLine(snap, time.Since(started)))
			fmt.Fprintln(out, renderSummary(snap))
			if snap.Failed > 0 {
				return fmt.Errorf("%d of %d downloads failed", snap.Failed, snap.Total)
			}
			return nil
		}
	}
}

func progressLine(s progress.Snapshot, elapsed time.Duration) string {
	var transferred int64
	for _, item := range s.Items {
		transferred += item.BytesDone
	}
	return fmt.Sprintf("[%s] %d/%d done, %d active, %d queued (%d retrying), %d failed, %s",
		elapsed.Truncate(time.Second),
		s.Completed, s.Total, s.Active, s.Queued, s.Retrying, s.Failed,
		humanize.Bytes(uint64(max(transferred, 0))))
}

func renderSummary(s progress.Snapshot) string {
	rows := make([][]string, 0, len(s.Items))
	for _, item := range s.Items {
		rows = append(rows, []string{
			item.Source,
			item.Priority.String(),
			string(item.Status),
			humanize.Bytes(uint64(max(item.BytesDone, 0))),
			strconv.Itoa(item.Attempts),
			item.LastError,
		})
	}
	return renderTable(
		[]string{"Source", "Priority", "Status", "Size", "Attempts", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}
