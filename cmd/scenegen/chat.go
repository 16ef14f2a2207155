package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/scenegen/config"
	"github.com/c360studio/scenegen/llm"
	"github.com/c360studio/scenegen/model"
	commandloop "github.com/c360studio/scenegen/processor/command-loop"
)

func chatCmd(flags *globalFlags) *cobra.Command {
	var (
		refs          []string
		maxIterations int
	)

	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Let the language model drive image and video generation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.setup()
			if err != nil {
				return err
			}

			registry, err := loadRegistry(cfg)
			if err != nil {
				return err
			}
			chat := llm.NewClient(registry, llm.WithLogger(logger))

			loop, err := commandloop.New(chat, newGenerationClient(cfg, logger), loopConfig(cfg),
				commandloop.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("create command loop: %w", err)
			}

			var cancelled atomic.Bool
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				if _, ok := <-sigCh; ok {
					logger.Info("Received signal, stopping after the current step")
					cancelled.Store(true)
				}
			}()

			out := cmd.OutOrStdout()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			result, err := loop.Run(ctx, strings.Join(args, " "), commandloop.RunOptions{
				MaxIterations:       maxIterations,
				CharacterReferences: refs,
				IsCancelled:         cancelled.Load,
				OnChunk: func(c llm.Chunk) {
					if c.Kind == llm.ChunkThinking {
						fmt.Fprint(cmd.ErrOrStderr(), mutedStyle.Render(c.Text))
						return
					}
					fmt.Fprint(out, c.Text)
				},
				OnStep: func(s commandloop.Step) {
					if s.Error == "" && s.Observation == "" {
						return
					}
					fmt.Fprintln(out)
					if s.Error != "" {
						fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("[%d] %s", s.Iteration, s.Error)))
						return
					}
					fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("[%d] %s", s.Iteration, s.Observation)))
				},
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, renderResult(result))
			if result.Status == commandloop.StatusFailed {
				return fmt.Errorf("command loop failed")
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&refs, "ref", nil, "Character reference image URI (repeatable)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Override the configured iteration limit")
	return cmd
}

func loadRegistry(cfg *config.Config) (*model.Registry, error) {
	if cfg.ModelRegistry == "" {
		return model.NewDefaultRegistry(), nil
	}
	reg, err := model.LoadFromFile(cfg.ModelRegistry)
	if err != nil {
		return nil, fmt.Errorf("load model registry: %w", err)
	}
	return reg, nil
}

func loopConfig(cfg *config.Config) commandloop.Config {
	return commandloop.Config{
		MaxIterations:        cfg.Loop.MaxIterations,
		HistoryWindow:        cfg.Loop.HistoryWindow,
		Capability:           cfg.Loop.Capability,
		Temperature:          cfg.Loop.Temperature,
		VideoDurationSeconds: cfg.Generation.VideoDuration,
		VideoModel:           cfg.Generation.VideoModel,
		PollInterval:         cfg.Poller.Interval,
		PollTimeout:          cfg.Poller.Timeout,
	}
}

func renderResult(r commandloop.Result) string {
	var b strings.Builder
	style := okStyle
	switch r.Status {
	case commandloop.StatusFailed:
		style = errorStyle
	case commandloop.StatusCancelled, commandloop.StatusIterationLimit:
		style = warnStyle
	}
	fmt.Fprintf(&b, "%s  %s\n", style.Render(string(r.Status)), mutedStyle.Render(fmt.Sprintf("%d iterations", r.Iterations)))
	b.WriteString(r.Message)
	for _, a := range r.Artifacts {
		fmt.Fprintf(&b, "\n%-6s %s", a.Kind, a.URI)
	}
	return panelStyle.Render(b.String())
}
