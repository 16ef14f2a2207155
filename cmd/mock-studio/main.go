// Package main implements an offline stand-in for the generation service.
//
// It serves the image and video endpoints scenegen calls, plus an
// OpenAI-compatible /v1/chat/completions backed by fixture files, so batch
// runs and chat sessions can be exercised without any hosted model.
//
// Usage:
//
//	mock-studio --addr :8090 --fixtures ./fixtures --polls 3 --fail-marker "[fail]"
//
// Fixture files are named by model ("mock-director.json" answers model
// "mock-director"). Numbered files ("mock-director.1.json", ...) are served
// in order for successive calls, then the base file repeats. A "default"
// fixture answers any model without its own.
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

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		addr       string
		fixtureDir string
		opts       options
	)

	cmd := &cobra.Command{
		Use:          "mock-studio",
		Short:        "Fake image/video generation service for local runs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			if envDir := os.Getenv("MOCK_STUDIO_FIXTURES"); envDir != "" && fixtureDir == "" {
				fixtureDir = envDir
			}
			fixtures := map[string][]string{}
			if fixtureDir != "" {
				var err error
				fixtures, err = loadFixtures(fixtureDir)
				if err != nil {
					return fmt.Errorf("load fixtures from %s: %w", fixtureDir, err)
				}
				for model, seq := range fixtures {
					logger.Info("Loaded fixtures", "model", model, "count", len(seq))
				}
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           newServer(fixtures, opts, logger).routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("Mock studio listening", "addr", addr, "polls_to_complete", opts.PollsToComplete)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8090", "Listen address")
	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "Directory of chat reply fixtures")
	cmd.Flags().IntVar(&opts.PollsToComplete, "polls", defaultPollsToComplete, "Status checks before a video job finishes")
	cmd.Flags().StringVar(&opts.FailMarker, "fail-marker", "", "Prompts containing this text fail")
	return cmd
}
