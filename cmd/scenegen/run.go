package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/scenegen/config"
	"github.com/c360studio/scenegen/generation"
	runevents "github.com/c360studio/scenegen/output/run-events"
	scenescheduler "github.com/c360studio/scenegen/processor/scene-scheduler"
)

func runCmd(flags *globalFlags) *cobra.Command {
	var retryRounds int

	cmd := &cobra.Command{
		Use:   "run <scenes.yaml>",
		Short: "Generate every unit of a scene file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.setup()
			if err != nil {
				return err
			}
			req, err := loadSceneFile(args[0])
			if err != nil {
				return err
			}
			return runBatch(cmd.Context(), cmd, cfg, logger, req, retryRounds)
		},
	}

	cmd.Flags().IntVar(&retryRounds, "retry-failed", 0, "Retry failed units up to N times after the batch")
	return cmd
}

func newGenerationClient(cfg *config.Config, logger *slog.Logger) *generation.Client {
	return generation.NewClient(cfg.Generation.URL,
		generation.WithAPIKey(os.Getenv(cfg.Generation.APIKeyEnv)),
		generation.WithHTTPClient(&http.Client{Timeout: cfg.Generation.RequestTimeout}),
		generation.WithLogger(logger),
	)
}

func runBatch(ctx context.Context, cmd *cobra.Command, cfg *config.Config, logger *slog.Logger, req scenescheduler.BatchRequest, retryRounds int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	reg := prometheus.NewRegistry()
	opts := []scenescheduler.Option{
		scenescheduler.WithLogger(logger),
		scenescheduler.WithMetrics(reg),
	}

	if key := os.Getenv(cfg.Gemini.APIKeyEnv); key != "" {
		analyzer, err := generation.NewGeminiAnalyzer(ctx, key, cfg.Gemini.Model, logger)
		if err != nil {
			return fmt.Errorf("create character analyzer: %w", err)
		}
		defer analyzer.Close()
		opts = append(opts, scenescheduler.WithAnalyzer(analyzer))
	} else if req.CharacterImage != "" {
		logger.Warn("Character image given but no analysis key set, skipping analysis", "env", cfg.Gemini.APIKeyEnv)
	}

	if cfg.NATS.URL != "" {
		nc, err := connectToNATS(ctx, cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close(context.Background())

		pub, err := runevents.NewPublisher(ctx, nc, runEventsConfig(cfg), logger)
		if err != nil {
			return fmt.Errorf("create run event publisher: %w", err)
		}
		opts = append(opts, scenescheduler.WithObserver(pub))
	}

	if cfg.Metrics.Addr != "" {
		srv := startMetricsServer(cfg.Metrics.Addr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sched, err := scenescheduler.New(newGenerationClient(cfg, logger), schedulerConfig(cfg), opts...)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	run, err := sched.NewRun(req)
	if err != nil {
		return err
	}

	// A signal cancels the run and the context, so retry rounds stop too.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	unwatch := context.AfterFunc(ctx, func() {
		logger.Info("Interrupted, cancelling run", "run_id", run.ID)
		_ = sched.Cancel(run.ID)
	})
	defer unwatch()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for u := range run.Updates() {
			fmt.Fprintln(cmd.ErrOrStderr(), renderUpdate(u))
		}
	}()

	manifest, err := sched.Execute(ctx, run)
	if err != nil {
		return fmt.Errorf("execute run: %w", err)
	}
	<-printed

	manifest = retryFailed(ctx, sched, run, manifest, retryRounds, logger)

	printManifest(cmd.OutOrStdout(), manifest)

	if len(manifest.Failed) > 0 || manifest.Cancelled {
		return fmt.Errorf("run %s: %d failed, %d pending", run.ID, len(manifest.Failed), len(manifest.Pending))
	}
	return nil
}

// retryFailed re-drives the failed units of a finished run for up to rounds
// rounds. It stops early once the run is cancelled or ctx is done.
func retryFailed(ctx context.Context, sched *scenescheduler.Scheduler, run *scenescheduler.Run, manifest scenescheduler.Manifest, rounds int, logger *slog.Logger) scenescheduler.Manifest {
	for round := 0; round < rounds && len(manifest.Failed) > 0; round++ {
		if manifest.Cancelled || ctx.Err() != nil {
			break
		}
		logger.Info("Retrying failed units", "run_id", run.ID, "round", round+1, "units", len(manifest.Failed))
		for _, id := range manifest.Failed {
			u, err := sched.RetryUnit(ctx, run.ID, id, false)
			if errors.Is(err, scenescheduler.ErrRunCancelled) || ctx.Err() != nil {
				break
			}
			if err != nil {
				logger.Warn("Retry failed", "run_id", run.ID, "unit_id", id, "error", err)
				continue
			}
			logger.Info("Retried unit", "run_id", run.ID, "unit_id", id, "status", u.Status)
		}
		manifest = run.Manifest()
	}
	return manifest
}

func schedulerConfig(cfg *config.Config) scenescheduler.Config {
	return scenescheduler.Config{
		ConcurrencyLimit:     cfg.Scheduler.ConcurrencyLimit,
		VideoDurationSeconds: cfg.Generation.VideoDuration,
		VideoModel:           cfg.Generation.VideoModel,
		PollInterval:         cfg.Poller.Interval,
		PollTimeout:          cfg.Poller.Timeout,
	}
}

func runEventsConfig(cfg *config.Config) runevents.Config {
	rc := runevents.DefaultConfig()
	if cfg.NATS.SubjectPrefix != "" {
		rc.SubjectPrefix = cfg.NATS.SubjectPrefix
	}
	if cfg.NATS.Bucket != "" {
		rc.Bucket = cfg.NATS.Bucket
	}
	return rc
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("Serving metrics", "addr", addr)
	return srv
}

func statusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the stored manifest of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.setup()
			if err != nil {
				return err
			}
			if cfg.NATS.URL == "" {
				return fmt.Errorf("nats.url is not configured; run manifests are only stored on NATS")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			nc, err := connectToNATS(ctx, cfg.NATS.URL, logger)
			if err != nil {
				return err
			}
			defer nc.Close(context.Background())

			pub, err := runevents.NewPublisher(ctx, nc, runEventsConfig(cfg), logger)
			if err != nil {
				return err
			}
			m, err := pub.Manifest(ctx, args[0])
			if err != nil {
				return err
			}
			printManifest(cmd.OutOrStdout(), m)
			return nil
		},
	}
}
