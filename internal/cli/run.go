package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/putsql/internal/engine"
	"github.com/roach88/putsql/internal/journal"
	"github.com/roach88/putsql/internal/metrics"
	"github.com/roach88/putsql/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Drain bool
}

// DrainResult is the summary printed by run --drain.
type DrainResult struct {
	Cycles   int            `json:"cycles"`
	Requeued int            `json:"requeued"`
	Routed   map[string]int `json:"routed"`
	Pending  int            `json:"pending"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the write engine",
		Long: `Start the putsql write engine.

The engine opens the target store and the journal named by the configuration,
releases units left claimed by an earlier process, and runs cycles until
interrupted. With --drain it instead runs cycles until one makes no progress,
prints a summary and exits.

Example:
  putsql run -c putsql.yaml
  putsql run -c putsql.yaml --drain --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "run until the journal has no ready work, then exit")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	setupLogging(cmd.ErrOrStderr(), opts.Verbose)

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}

	slog.Info("opening target store", "driver", cfg.Store.Driver, "destination", store.DestinationURL(cfg.Store.Driver, cfg.Store.DSN))
	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN, cfg.StoreOptions()...)
	if err != nil {
		return commandError(ErrCodeStore, "failed to open target store", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing target store", "error", closeErr)
		}
	}()

	slog.Info("opening journal", "path", cfg.Journal)
	j, err := journal.Open(cfg.Journal, cfg.JournalOptions()...)
	if err != nil {
		return commandError(ErrCodeJournal, "failed to open journal", err)
	}
	defer func() {
		if closeErr := j.Close(); closeErr != nil {
			slog.Error("error closing journal", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	recovered, err := j.Recover(ctx)
	if err != nil {
		return commandError(ErrCodeJournal, "failed to recover journal", err)
	}
	if recovered > 0 {
		slog.Warn("released units claimed by a previous process", "units", recovered)
	}

	reg := prometheus.NewRegistry()
	engineOpts := append(cfg.EngineOptions(),
		engine.WithLineageReporter(j),
		engine.WithObserver(metrics.New(reg)),
	)
	eng := engine.New(j, j, st, engineOpts...)

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, reg)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics server shutdown", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	if opts.Drain {
		return drainJournal(ctx, eng, j, opts, cmd)
	}

	slog.Info("engine starting",
		"workers", cfg.Workers,
		"cycles_per_second", cfg.CyclesPerSecond,
		"batch_size", cfg.BatchSize,
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Processing units...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	sched := engine.NewScheduler(eng, cfg.Workers, cfg.CyclesPerSecond)
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return failure(ErrCodeCycleFailed, "engine error", err)
	}

	slog.Info("engine stopped gracefully")
	return nil
}

// drainJournal runs cycles until no progress is made and reports the totals.
func drainJournal(ctx context.Context, eng *engine.Engine, j *journal.Journal, opts *RunOptions, cmd *cobra.Command) error {
	sum, drainErr := eng.Drain(ctx)

	result := DrainResult{Routed: make(map[string]int)}
	if sum != nil {
		result.Cycles = sum.Cycles
		result.Requeued = sum.Requeued
		for rel, n := range sum.Routed {
			result.Routed[string(rel)] = n
		}
	}
	pending, err := j.Pending(context.WithoutCancel(ctx))
	if err != nil {
		return commandError(ErrCodeJournal, "failed to count pending units", err)
	}
	result.Pending = pending

	err = newPrinter(opts.RootOptions, cmd).result(result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Drained %d cycle(s): %s, %d requeued; %d unit(s) pending\n",
			result.Cycles, formatRouted(result.Routed), result.Requeued, result.Pending)
		return err
	})
	if err != nil {
		return err
	}

	if drainErr != nil && !errors.Is(drainErr, context.Canceled) {
		return failure(ErrCodeCycleFailed, "drain stopped on a failed cycle", drainErr)
	}
	return nil
}

// startMetricsServer serves /metrics for reg until shut down.
func startMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}
