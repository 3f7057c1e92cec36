package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/toolrun/internal/config"
	"github.com/harun/toolrun/internal/logger"
	"github.com/harun/toolrun/internal/observability"
	"github.com/harun/toolrun/internal/tracing"
	"github.com/harun/toolrun/pkg/coretools"
	"github.com/harun/toolrun/pkg/toolexec"
	"github.com/harun/toolrun/pkg/toolstore"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const idlePoll = 50 * time.Millisecond

var (
	runFile        string
	runSequential  bool
	runPoolSize    int
	runMetricsAddr string
	runAuditLog    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a batch of tool calls",
	Long: `Execute the tool calls listed in a JSON or YAML file and print every
outcome as one JSON line on stdout. Background processes started by the calls
are cleaned up before exit. Interrupting the run abandons in-flight calls.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "request file (.json, .yaml, or - for stdin)")
	runCmd.Flags().BoolVar(&runSequential, "sequential", false, "wait for each call to finish before submitting the next")
	runCmd.Flags().IntVar(&runPoolSize, "pool-size", 0, "maximum concurrent calls (overrides config)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	runCmd.Flags().StringVar(&runAuditLog, "audit-log", "", "append audit events to this file")
	_ = runCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	loader, cfg, lg, err := setup(cmd)
	if err != nil {
		return err
	}
	defer lg.Close()

	if cmd.Flags().Changed("pool-size") {
		cfg.Executor.PoolSize = runPoolSize
	}
	if runMetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = runMetricsAddr
	}
	if runAuditLog != "" {
		cfg.Logging.AuditFile = runAuditLog
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	reqs, err := loadRequests(runFile, cmd.InOrStdin())
	if err != nil {
		return err
	}

	if err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer observability.GetAuditLogger().Close()
	}

	if cfg.Metrics.Enabled {
		stopMetrics := serveMetrics(cfg.Metrics.Addr)
		defer stopMetrics()
	}

	watchConfig(loader, lg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = tracing.NewRunContext(ctx)
	runLogger := tracing.LoggerFromContext(ctx, log.Logger)

	store := toolstore.New(toolstore.Options{
		Name:           "core",
		DefaultTimeout: cfg.Tools.DefaultTimeout,
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
	})
	if err := coretools.RegisterCoreTools(store, coretools.Options{
		WorkspaceRoot: cfg.Tools.WorkspaceRoot,
		ExecTimeout:   cfg.Tools.DefaultTimeout,
	}); err != nil {
		return err
	}

	executor := toolexec.New(toolstore.Dispatcher(), toolstore.Stores(store),
		toolexec.WithPoolSize(cfg.Executor.PoolSize),
		toolexec.WithStopGrace(cfg.Executor.StopGrace),
		toolexec.WithCleanupGrace(cfg.Executor.CleanupGrace),
		toolexec.WithLogger(runLogger),
	)
	if err := executor.Start(ctx); err != nil {
		return err
	}

	runLogger.Info().
		Int("requests", len(reqs)).
		Int("pool_size", cfg.Executor.PoolSize).
		Bool("sequential", runSequential).
		Msg("Running tool calls")

	collectErr := collect(ctx, executor, reqs, !runSequential, cfg.Executor.ObserveTimeout, cmd.OutOrStdout())

	// An interrupted run abandons in-flight calls instead of waiting for them.
	shutdownErr := executor.Shutdown(context.Background(), ctx.Err() == nil)

	status := executor.Status()
	runLogger.Info().
		Int("submitted", status.TotalSubmitted).
		Int("finished", status.TotalFinished).
		Int("failed", status.TotalFailed).
		Msg("Run finished")

	return errors.Join(collectErr, shutdownErr)
}

// collect submits reqs and writes each outcome to out as a JSON line until
// every submission has been answered or ctx is cancelled.
func collect(ctx context.Context, executor *toolexec.Executor, reqs []toolexec.CallRequest, parallel bool, observeTimeout time.Duration, out io.Writer) error {
	submitted := make(chan error, 1)
	go func() {
		submitted <- executor.SubmitMany(ctx, reqs, parallel)
	}()

	enc := json.NewEncoder(out)
	delivered := 0
	submitting := true
	var submitErr error

	for {
		outcomes := executor.Observe(ctx, toolexec.ObserveOptions{Wait: true, Timeout: observeTimeout})
		for _, outcome := range outcomes {
			if err := enc.Encode(outcome); err != nil {
				return fmt.Errorf("failed to write outcome: %w", err)
			}
		}
		delivered += len(outcomes)

		if ctx.Err() != nil {
			return submitErr
		}

		if submitting {
			// Between sequential submissions the executor is briefly idle and
			// Observe returns empty; block on the submitter instead of spinning.
			wait := observeTimeout
			if wait <= 0 {
				wait = idlePoll
			}
			if len(outcomes) > 0 {
				wait = 0
			}
			select {
			case submitErr = <-submitted:
				submitting = false
			case <-afterOrNow(wait):
			}
			continue
		}

		if delivered >= executor.Status().TotalSubmitted {
			return submitErr
		}
	}
}

func afterOrNow(d time.Duration) <-chan time.Time {
	if d <= 0 {
		ch := make(chan time.Time)
		close(ch)
		return ch
	}
	return time.After(d)
}

func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// watchConfig applies log level changes from the config file while running.
func watchConfig(loader *config.Loader, lg *logger.Logger) {
	err := loader.Watch(func(cfg *config.Config) {
		if err := lg.SetLevel(cfg.Logging.Level); err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid log level")
		}
	})
	if err != nil {
		log.Debug().Err(err).Msg("Config hot reload disabled")
	}
}
