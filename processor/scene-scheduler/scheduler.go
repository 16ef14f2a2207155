// Package scenescheduler drives batches of scene units through the image and
// video generation stages with bounded concurrency, cooperative cancellation
// and targeted retry.
package scenescheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/scenegen/generation"
	"github.com/c360studio/scenegen/job"
	"github.com/c360studio/scenegen/scene"
)

var (
	// ErrRunNotFound is returned for an unknown run ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunStarted is returned when a run is executed twice.
	ErrRunStarted = errors.New("run already started")

	// ErrRunCancelled is returned when new work is requested on a cancelled run.
	ErrRunCancelled = errors.New("run cancelled")
)

// BatchRequest describes a batch to generate.
type BatchRequest struct {
	Units []scene.Unit

	// CharacterReferences are identity images reused across units.
	CharacterReferences []string

	// UserImages apply to the first unit only.
	UserImages []string

	// CharacterImage is a base64 image analysed once to fill missing
	// character descriptions. Optional.
	CharacterImage string

	// ConcurrencyLimit overrides the configured batch size when positive.
	ConcurrencyLimit int
}

// Scheduler executes batch runs.
type Scheduler struct {
	service   generation.Service
	analyzer  generation.CharacterAnalyzer
	poller    *job.Poller
	config    Config
	logger    *slog.Logger
	metrics   *Metrics
	observers []Observer

	mu   sync.RWMutex
	runs map[string]*Run
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithAnalyzer enables character description enrichment.
func WithAnalyzer(a generation.CharacterAnalyzer) Option {
	return func(s *Scheduler) {
		s.analyzer = a
	}
}

// WithObserver adds an observer to every run.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observers = append(s.observers, o)
	}
}

// WithMetrics registers scheduler metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Scheduler) {
		s.metrics = NewMetrics(reg)
	}
}

// New creates a Scheduler.
func New(service generation.Service, config Config, opts ...Option) (*Scheduler, error) {
	if service == nil {
		return nil, fmt.Errorf("generation service is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Scheduler{
		service: service,
		config:  config,
		logger:  slog.Default(),
		runs:    make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.poller = job.NewPoller(job.Config{
		Interval: config.PollInterval,
		Timeout:  config.PollTimeout,
	}, job.WithLogger(s.logger))
	return s, nil
}

// NewRun validates a request and registers a run without starting it.
func (s *Scheduler) NewRun(req BatchRequest) (*Run, error) {
	if len(req.Units) == 0 {
		return nil, fmt.Errorf("batch has no units")
	}
	board, err := scene.NewBoard(req.Units)
	if err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}

	limit := s.config.ConcurrencyLimit
	if req.ConcurrencyLimit > 0 {
		limit = req.ConcurrencyLimit
	}

	observers := append([]Observer(nil), s.observers...)
	run := newRun(uuid.New().String(), board, req, limit, observers, s.logger)

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	return run, nil
}

// SubmitBatch registers a run and executes it in the background.
func (s *Scheduler) SubmitBatch(ctx context.Context, req BatchRequest) (*Run, error) {
	run, err := s.NewRun(req)
	if err != nil {
		return nil, err
	}
	go func() {
		if _, err := s.Execute(ctx, run); err != nil {
			s.logger.Error("Run execution failed", "run_id", run.ID, "error", err)
		}
	}()
	return run, nil
}

// Run returns a registered run.
func (s *Scheduler) Run(runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return run, nil
}

// Cancel stops a run. No new unit starts; results of in-flight attempts are
// discarded when they arrive. Completed units keep their artifacts.
func (s *Scheduler) Cancel(runID string) error {
	run, err := s.Run(runID)
	if err != nil {
		return err
	}
	if run.cancelled.CompareAndSwap(false, true) {
		run.logger.Info("Run cancelled")
	}
	return nil
}

// Execute processes a run synchronously and returns its manifest. Units are
// split into consecutive batches of the run's concurrency limit; each batch
// finishes before the next starts. A unit failure never stops its siblings.
func (s *Scheduler) Execute(ctx context.Context, run *Run) (Manifest, error) {
	if !run.start() {
		return Manifest{}, fmt.Errorf("run %s: %w", run.ID, ErrRunStarted)
	}

	ids := run.board.IDs()
	run.logger.Info("Starting batch run",
		"units", len(ids),
		"concurrency_limit", run.limit)

	s.enrichCharacters(ctx, run)

	for start := 0; start < len(ids); start += run.limit {
		latchContext(ctx, run)
		if s.stopped(ctx, run) {
			break
		}
		end := min(start+run.limit, len(ids))

		var g errgroup.Group
		for i := start; i < end; i++ {
			index, id := i, ids[i]
			g.Go(func() error {
				s.processUnit(ctx, run, index, id)
				return nil
			})
		}
		_ = g.Wait()

		run.logger.Debug("Batch finished", "from", start, "to", end, "progress", run.Progress())
	}

	latchContext(ctx, run)
	m := run.finish()
	run.logger.Info("Batch run finished",
		"succeeded", len(m.Succeeded),
		"failed", len(m.Failed),
		"pending", len(m.Pending),
		"cancelled", m.Cancelled)
	return m, nil
}

// RetryUnit re-drives one unit through the same stages the batch uses. The
// image stage is skipped when the unit has an image and forceImage is false.
func (s *Scheduler) RetryUnit(ctx context.Context, runID string, unitID int, forceImage bool) (scene.Unit, error) {
	run, err := s.Run(runID)
	if err != nil {
		return scene.Unit{}, err
	}
	if run.IsCancelled() {
		return scene.Unit{}, fmt.Errorf("run %s: %w", runID, ErrRunCancelled)
	}
	if err := ctx.Err(); err != nil {
		return scene.Unit{}, fmt.Errorf("retry unit %d: %w", unitID, err)
	}

	claim, err := run.board.ClaimRetry(unitID, forceImage)
	if err != nil {
		return scene.Unit{}, err
	}
	s.metrics.inFlight.Inc()
	defer s.metrics.inFlight.Dec()

	run.logger.Info("Retrying unit",
		"unit_id", unitID,
		"entry", claim.Unit.Status,
		"attempt", claim.Unit.Attempts)

	if claim.Unit.Status == scene.StatusImageInFlight {
		run.emit(claim.Unit, StageImage, "", 0, false)
		u, ok := s.imageStage(ctx, run, run.board.Index(unitID), claim)
		if ok {
			s.videoStage(ctx, run, u)
		}
	} else {
		run.emit(claim.Unit, StageVideo, "", 0, false)
		s.awaitVideo(ctx, run, claim)
	}

	if run.isFinished() {
		run.publishManifest(run.Manifest())
	}

	u, _ := run.board.Get(unitID)
	if err := ctx.Err(); err != nil {
		// The attempt was rolled back; the run itself stays live.
		return u, fmt.Errorf("retry unit %d: %w", unitID, err)
	}
	return u, nil
}

// stopped reports whether work for run should halt, either because the run
// was cancelled or because the caller's context is done. Only Execute turns a
// done context into run cancellation, so a retry's context never cancels the run.
func (s *Scheduler) stopped(ctx context.Context, run *Run) bool {
	return run.IsCancelled() || ctx.Err() != nil
}

// latchContext marks the run cancelled when the batch context is done.
func latchContext(ctx context.Context, run *Run) {
	if ctx.Err() != nil {
		run.cancelled.Store(true)
	}
}

// processUnit runs one unit of a batch: skip unless Pending, then image, then video.
func (s *Scheduler) processUnit(ctx context.Context, run *Run, index, id int) {
	if s.stopped(ctx, run) {
		return
	}

	claim, err := run.board.Claim(id, scene.StatusPending, scene.StatusImageInFlight)
	if err != nil {
		u, _ := run.board.Get(id)
		run.logger.Debug("Skipping unit", "unit_id", id, "status", u.Status)
		run.settle(id, stepsPerUnit)
		s.metrics.step(StageSkip, outcomeSkipped)
		s.metrics.unit(outcomeSkipped)
		run.emit(u, StageSkip, "", 0, false)
		return
	}

	s.metrics.inFlight.Inc()
	defer s.metrics.inFlight.Dec()
	run.emit(claim.Unit, StageImage, "", 0, false)

	u, ok := s.imageStage(ctx, run, index, claim)
	if !ok {
		return
	}
	s.videoStage(ctx, run, u)
}
