// Package commandloop runs a bounded conversational loop in which a model
// picks generation tools one JSON command at a time.
package commandloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/scenegen/generation"
	"github.com/c360studio/scenegen/job"
	"github.com/c360studio/scenegen/llm"
	"github.com/c360studio/scenegen/reference"
)

// IterationLimitMessage is the result message when the model never completes.
const IterationLimitMessage = "iteration limit reached"

// Status is the terminal state of a loop run.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusIterationLimit Status = "iteration_limit"
	StatusCancelled      Status = "cancelled"
	StatusFailed         Status = "failed"
)

// ChatClient streams one model turn. *llm.Client implements it.
type ChatClient interface {
	Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error)
}

// Artifact is a generated image or clip.
type Artifact struct {
	Kind string `json:"kind"`
	URI  string `json:"uri"`
}

// Step is one dispatched turn: the command as replayed to the model and its outcome.
type Step struct {
	Iteration   int    `json:"iteration"`
	Action      string `json:"action,omitempty"`
	Command     string `json:"command,omitempty"`
	Observation string `json:"observation,omitempty"`
	Error       string `json:"error,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
}

// Result is the outcome of Run.
type Result struct {
	Status     Status     `json:"status"`
	Message    string     `json:"message"`
	Iterations int        `json:"iterations"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
	Steps      []Step     `json:"steps,omitempty"`
}

// RunOptions tune a single run. Zero values fall back to the loop config.
type RunOptions struct {
	MaxIterations int

	// CharacterReferences anchor identity for generated images and clips.
	CharacterReferences []string

	// IsCancelled is checked before each iteration, per streamed chunk and
	// after each tool call.
	IsCancelled func() bool

	// OnChunk receives every streamed chunk, tagged thinking or content.
	OnChunk func(llm.Chunk)

	// OnStep is called after each dispatched step.
	OnStep func(Step)
}

// Loop dispatches model commands to the generation service.
type Loop struct {
	chat      ChatClient
	service   generation.Service
	poller    *job.Poller
	config    Config
	extractor llm.Extractor
	logger    *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New creates a Loop.
func New(chat ChatClient, service generation.Service, config Config, opts ...Option) (*Loop, error) {
	if chat == nil || service == nil {
		return nil, fmt.Errorf("chat client and generation service are required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l := &Loop{
		chat:    chat,
		service: service,
		config:  config,
		logger:  slog.Default(),
	}
	l.extractor = llm.Extractor{Keys: []string{"action"}, Anchors: KnownActions}
	for _, opt := range opts {
		opt(l)
	}
	l.poller = job.NewPoller(job.Config{
		Interval: config.PollInterval,
		Timeout:  config.PollTimeout,
	}, job.WithLogger(l.logger))
	return l, nil
}

// errCancelled is internal; Run reports cancellation through StatusCancelled.
var errCancelled = errors.New("cancelled")

// Run drives the conversation until the model completes, the iteration
// limit is hit, or the caller cancels. Every outcome is a Result with a
// user-facing message; the error is reserved for invalid input.
func (l *Loop) Run(ctx context.Context, userMessage string, opts RunOptions) (Result, error) {
	if strings.TrimSpace(userMessage) == "" {
		return Result{}, fmt.Errorf("user message is required")
	}
	maxIter := l.config.MaxIterations
	if opts.MaxIterations > 0 {
		maxIter = opts.MaxIterations
	}
	cancelled := func() bool {
		return ctx.Err() != nil || (opts.IsCancelled != nil && opts.IsCancelled())
	}

	res := Result{}
	for i := 1; i <= maxIter; i++ {
		if cancelled() {
			return l.cancelledResult(res), nil
		}
		res.Iterations = i

		msgs := buildHistory(userMessage, res.Steps, res.Artifacts, l.config.HistoryWindow)
		thinking, content, err := l.turn(ctx, msgs, opts, cancelled)
		if errors.Is(err, errCancelled) {
			return l.cancelledResult(res), nil
		}
		if err != nil {
			l.logger.Error("Model turn failed", "iteration", i, "error", err)
			res.Status = StatusFailed
			res.Message = fmt.Sprintf("I could not reach the language model, so I stopped: %v", err)
			return res, nil
		}

		step := Step{Iteration: i, Thinking: thinking}
		cmd, err := l.parse(content)
		if err != nil {
			step.Error = err.Error()
			l.logger.Debug("Unusable model turn", "iteration", i, "error", err)
			l.record(&res, step, opts)
			continue
		}
		step.Action = cmd.Action()
		step.Command = encode(cmd)

		if c, ok := cmd.(Complete); ok {
			res.Status = StatusCompleted
			res.Message = c.Message
			if res.Message == "" {
				res.Message = "Done."
			}
			l.record(&res, step, opts)
			return res, nil
		}

		artifact, observation, err := l.dispatch(ctx, cmd, opts, cancelled)
		if errors.Is(err, errCancelled) || cancelled() {
			return l.cancelledResult(res), nil
		}
		if err != nil {
			step.Error = err.Error()
		} else {
			step.Observation = observation
			res.Artifacts = append(res.Artifacts, artifact)
		}
		l.record(&res, step, opts)
	}

	l.logger.Warn("Command loop hit iteration limit", "max_iterations", maxIter)
	res.Status = StatusIterationLimit
	res.Message = IterationLimitMessage
	return res, nil
}

func (l *Loop) record(res *Result, step Step, opts RunOptions) {
	res.Steps = append(res.Steps, step)
	if opts.OnStep != nil {
		opts.OnStep(step)
	}
}

func (l *Loop) cancelledResult(res Result) Result {
	res.Status = StatusCancelled
	res.Message = "Cancelled."
	return res
}

// turn streams one model reply, checking cancellation between chunks.
func (l *Loop) turn(ctx context.Context, msgs []llm.Message, opts RunOptions, cancelled func() bool) (string, string, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	temp := l.config.Temperature
	ch, err := l.chat.Stream(turnCtx, llm.Request{
		Capability:  l.config.Capability,
		Messages:    msgs,
		Temperature: &temp,
	})
	if err != nil {
		if cancelled() {
			return "", "", errCancelled
		}
		return "", "", err
	}

	var thinking, content strings.Builder
	for chunk := range ch {
		if cancelled() {
			return "", "", errCancelled
		}
		if chunk.Err != nil {
			return "", "", chunk.Err
		}
		if opts.OnChunk != nil {
			opts.OnChunk(chunk)
		}
		if chunk.Kind == llm.ChunkThinking {
			thinking.WriteString(chunk.Text)
		} else {
			content.WriteString(chunk.Text)
		}
	}
	if cancelled() {
		return "", "", errCancelled
	}
	return thinking.String(), content.String(), nil
}

func (l *Loop) parse(content string) (Command, error) {
	obj, err := l.extractor.Extract(content)
	if err != nil {
		return nil, fmt.Errorf("your reply did not contain a JSON command (%v); reply with one {\"action\": ..., \"params\": ...} object", err)
	}
	cmd, err := Decode(obj)
	if err != nil {
		return nil, fmt.Errorf("invalid command: %v", err)
	}
	return cmd, nil
}

// dispatch runs a tool command and returns the produced artifact and a
// one-line observation for the model.
func (l *Loop) dispatch(ctx context.Context, cmd Command, opts RunOptions, cancelled func() bool) (Artifact, string, error) {
	switch c := cmd.(type) {
	case GenerateImage:
		set := reference.ComposeImage(1, opts.CharacterReferences, nil)
		var (
			uri string
			err error
		)
		if set.Mode == reference.ModeIdentityReference {
			uri, err = l.service.GenerateImageWithIdentityReferences(ctx, c.Prompt, set.References)
		} else {
			uri, err = l.service.GenerateImage(ctx, c.Prompt, nil)
		}
		if err != nil {
			return Artifact{}, "", fmt.Errorf("image generation failed: %w", err)
		}
		return Artifact{Kind: "image", URI: uri}, "image generated at " + uri, nil

	case GenerateVideo:
		return l.generateVideo(ctx, c, opts, cancelled)

	case Unknown:
		return Artifact{}, "", fmt.Errorf("unknown action %q; available actions are %s",
			c.Name, strings.Join(KnownActions, ", "))

	default:
		return Artifact{}, "", fmt.Errorf("action %q cannot be dispatched", cmd.Action())
	}
}

func (l *Loop) generateVideo(ctx context.Context, c GenerateVideo, opts RunOptions, cancelled func() bool) (Artifact, string, error) {
	var refs []string
	if c.ImageURI != "" {
		var err error
		if refs, err = reference.ComposeVideo(opts.CharacterReferences, c.ImageURI); err != nil {
			return Artifact{}, "", err
		}
	} else {
		refs = reference.ComposeImage(1, opts.CharacterReferences, nil).References
	}

	duration := c.DurationSeconds
	if duration <= 0 {
		duration = l.config.VideoDurationSeconds
	}
	req := generation.VideoRequest{
		Prompt:          c.Prompt,
		References:      refs,
		DurationSeconds: duration,
		Model:           l.config.VideoModel,
	}

	h, err := l.poller.SubmitAndWait(ctx,
		func(ctx context.Context) (job.Handle, error) { return l.service.SubmitVideoJob(ctx, req) },
		l.service.PollVideoJob,
		job.WaitOptions{IsCancelled: cancelled})
	if errors.Is(err, job.ErrCancelled) {
		return Artifact{}, "", errCancelled
	}
	if err != nil {
		return Artifact{}, "", fmt.Errorf("video generation failed: %w", err)
	}
	if !h.Succeeded() {
		msg := h.Error
		if msg == "" {
			msg = "job ended without a result"
		}
		return Artifact{}, "", fmt.Errorf("video generation failed: %s", msg)
	}
	return Artifact{Kind: "video", URI: h.ResultURI}, "video generated at " + h.ResultURI, nil
}
