package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultInterval is the pause between status checks.
	DefaultInterval = 5 * time.Second

	// DefaultTimeout bounds the total wait for one job.
	DefaultTimeout = 10 * time.Minute

	cancelCheckInterval = 100 * time.Millisecond
)

// SubmitFunc creates a job and returns its initial handle.
type SubmitFunc func(ctx context.Context) (Handle, error)

// FetchFunc retrieves the current handle for a job ID.
type FetchFunc func(ctx context.Context, externalID string) (Handle, error)

// WaitOptions tune a single wait. Zero values fall back to the poller's config.
type WaitOptions struct {
	Interval time.Duration
	Timeout  time.Duration

	// OnProgress is invoked on every tick. A tick whose status check fails
	// reports the last known progress and status.
	OnProgress func(percent int, status Status)

	// IsCancelled is consulted before every check and after every sleep.
	IsCancelled func() bool
}

// Config holds poller defaults.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, Timeout: DefaultTimeout}
}

// Poller waits for external jobs to finish.
type Poller struct {
	config Config
	logger *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// NewPoller creates a Poller. Zero config fields take the package defaults.
func NewPoller(cfg Config, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	p := &Poller{config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SubmitAndWait submits a job and waits for it. A submit error is returned as is.
func (p *Poller) SubmitAndWait(ctx context.Context, submit SubmitFunc, fetch FetchFunc, opts WaitOptions) (Handle, error) {
	if cancelled(opts.IsCancelled) {
		return Handle{}, ErrCancelled
	}
	h, err := submit(ctx)
	if err != nil {
		return Handle{}, fmt.Errorf("submit job: %w", err)
	}
	return p.Wait(ctx, h, fetch, opts)
}

// Wait polls fetch until the job reaches a terminal status. A job reported
// Failed by the service is returned with a nil error; callers inspect the
// handle. Transport errors on a tick are logged and retried until the timeout.
func (p *Poller) Wait(ctx context.Context, h Handle, fetch FetchFunc, opts WaitOptions) (Handle, error) {
	h.Progress = clampProgress(h.Progress)
	if h.Status.IsTerminal() {
		return h, nil
	}
	if h.ExternalID == "" {
		return h, errors.New("job handle has no external id")
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = p.config.Interval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.config.Timeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	polls := 0
	consecutiveErrors := 0
	for {
		if err := p.sleep(waitCtx, interval, opts.IsCancelled); err != nil {
			if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
				return h, ErrCancelled
			}
			return h, &TimeoutError{ExternalID: h.ExternalID, Timeout: timeout, Polls: polls, Last: h}
		}

		polls++
		next, err := fetch(waitCtx, h.ExternalID)
		if err != nil {
			if waitCtx.Err() != nil {
				continue
			}
			consecutiveErrors++
			p.logger.Warn("Job status check failed, retrying",
				"job_id", h.ExternalID,
				"poll", polls,
				"consecutive_errors", consecutiveErrors,
				"error", err)
			if opts.OnProgress != nil {
				opts.OnProgress(clampProgress(h.Progress), h.Status)
			}
			continue
		}
		consecutiveErrors = 0

		if next.ExternalID == "" {
			next.ExternalID = h.ExternalID
		}
		next.Progress = clampProgress(next.Progress)
		if next.Status == StatusCompleted {
			next.Progress = 100
		}
		h = next

		if opts.OnProgress != nil {
			opts.OnProgress(h.Progress, h.Status)
		}

		if h.Status.IsTerminal() {
			p.logger.Debug("Job finished", "job_id", h.ExternalID, "status", h.Status, "polls", polls)
			return h, nil
		}
	}
}

// sleep waits for interval, waking early to observe the cancellation flag.
// It returns ErrCancelled when the flag is set, or the context error.
func (p *Poller) sleep(ctx context.Context, interval time.Duration, isCancelled func() bool) error {
	if cancelled(isCancelled) {
		return ErrCancelled
	}
	deadline := time.NewTimer(interval)
	defer deadline.Stop()

	var check <-chan time.Time
	if isCancelled != nil {
		ticker := time.NewTicker(min(interval, cancelCheckInterval))
		defer ticker.Stop()
		check = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if cancelled(isCancelled) {
				return ErrCancelled
			}
			return nil
		case <-check:
			if cancelled(isCancelled) {
				return ErrCancelled
			}
		}
	}
}

func cancelled(fn func() bool) bool {
	return fn != nil && fn()
}
