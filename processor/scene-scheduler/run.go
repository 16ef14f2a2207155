package scenescheduler

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/scenegen/scene"
)

// Stage names the step an update reports on.
type Stage string

const (
	StageImage    Stage = "image"
	StageVideo    Stage = "video"
	StageSkip     Stage = "skip"
	StageRollback Stage = "rollback"
)

// stepsPerUnit is the number of progress steps a unit contributes.
const stepsPerUnit = 2

// Update is a snapshot of one unit after a change, with aggregate run progress.
type Update struct {
	RunID string     `json:"run_id"`
	Unit  scene.Unit `json:"unit"`
	Stage Stage      `json:"stage"`

	// Progress is settled steps over 2 × units, in 0..1. Never decreases within a run.
	Progress float64 `json:"progress"`

	// JobProgress is the video job percentage on polling ticks.
	JobProgress int `json:"job_progress,omitempty"`

	// Notice carries caller-facing warnings such as degraded reference mode.
	Notice string    `json:"notice,omitempty"`
	Time   time.Time `json:"time"`
}

// Manifest summarizes a run: which units succeeded, failed, or never started.
type Manifest struct {
	RunID      string         `json:"run_id"`
	Cancelled  bool           `json:"cancelled"`
	Finished   bool           `json:"finished"`
	Progress   float64        `json:"progress"`
	Succeeded  []int          `json:"succeeded"`
	Failed     []int          `json:"failed"`
	Pending    []int          `json:"pending"`
	Errors     map[int]string `json:"errors,omitempty"`
	Notices    map[int]string `json:"notices,omitempty"`
	Units      []scene.Unit   `json:"units"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

// Observer receives run events. Calls are serialized per run and made in
// progress order; implementations must not block for long.
type Observer interface {
	OnUpdate(Update)
	OnRunDone(Manifest)
}

// Run is one batch of units being generated.
type Run struct {
	ID string

	board         *scene.Board
	characterRefs []string
	userImages    []string
	limit         int
	characterImg  string

	cancelled atomic.Bool
	started   atomic.Bool

	// mu guards settled progress, notices and timestamps.
	mu         sync.Mutex
	settled    map[int]int
	notices    map[int]string
	startedAt  time.Time
	finishedAt time.Time

	// emitMu serializes emission so observers see non-decreasing progress.
	emitMu    sync.Mutex
	updates   chan Update
	closed    bool
	observers []Observer

	done   chan struct{}
	logger *slog.Logger
}

func newRun(id string, board *scene.Board, req BatchRequest, limit int, observers []Observer, logger *slog.Logger) *Run {
	return &Run{
		ID:            id,
		board:         board,
		characterRefs: append([]string(nil), req.CharacterReferences...),
		userImages:    append([]string(nil), req.UserImages...),
		characterImg:  req.CharacterImage,
		limit:         limit,
		settled:       make(map[int]int, board.Len()),
		notices:       make(map[int]string),
		updates:       make(chan Update, 4*board.Len()+16),
		observers:     observers,
		done:          make(chan struct{}),
		logger:        logger.With("run_id", id),
	}
}

// Updates streams unit snapshots. The channel is closed when the run finishes.
// Video polling ticks are delivered to observers only.
func (r *Run) Updates() <-chan Update {
	return r.updates
}

// Done is closed when the run finishes.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes and returns its manifest.
func (r *Run) Wait() Manifest {
	<-r.done
	return r.Manifest()
}

// IsCancelled reports whether Cancel was called.
func (r *Run) IsCancelled() bool {
	return r.cancelled.Load()
}

// Unit returns a snapshot of one unit.
func (r *Run) Unit(id int) (scene.Unit, bool) {
	return r.board.Get(id)
}

// Progress returns settled steps over 2 × units.
func (r *Run) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progressLocked()
}

func (r *Run) progressLocked() float64 {
	total := stepsPerUnit * r.board.Len()
	if total == 0 {
		return 1
	}
	n := 0
	for _, s := range r.settled {
		n += s
	}
	return float64(n) / float64(total)
}

// Manifest returns a read-only snapshot of the run. It may be called at any time.
func (r *Run) Manifest() Manifest {
	units := r.board.Snapshot()

	r.mu.Lock()
	m := Manifest{
		RunID:      r.ID,
		Cancelled:  r.IsCancelled(),
		Progress:   r.progressLocked(),
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Finished:   !r.finishedAt.IsZero(),
		Succeeded:  []int{},
		Failed:     []int{},
		Pending:    []int{},
	}
	if len(r.notices) > 0 {
		m.Notices = make(map[int]string, len(r.notices))
		for id, n := range r.notices {
			m.Notices[id] = n
		}
	}
	r.mu.Unlock()

	m.Units = units
	for _, u := range units {
		switch u.Status {
		case scene.StatusCompleted:
			m.Succeeded = append(m.Succeeded, u.ID)
		case scene.StatusFailed:
			m.Failed = append(m.Failed, u.ID)
			if u.LastError != "" {
				if m.Errors == nil {
					m.Errors = make(map[int]string)
				}
				m.Errors[u.ID] = u.LastError
			}
		default:
			m.Pending = append(m.Pending, u.ID)
		}
	}
	sort.Ints(m.Succeeded)
	sort.Ints(m.Failed)
	sort.Ints(m.Pending)
	return m
}

// settle records that n more steps of a unit are accounted for. A unit never
// contributes more than stepsPerUnit, so retries cannot push progress past 1.
func (r *Run) settle(id, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled[id] = min(r.settled[id]+n, stepsPerUnit)
}

func (r *Run) notice(id int, msg string) {
	if msg == "" {
		return
	}
	r.mu.Lock()
	r.notices[id] = msg
	r.mu.Unlock()
}

// emit publishes a unit snapshot. Ticks reach observers only.
func (r *Run) emit(u scene.Unit, stage Stage, notice string, jobProgress int, tick bool) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	upd := Update{
		RunID:       r.ID,
		Unit:        u,
		Stage:       stage,
		Progress:    r.Progress(),
		JobProgress: jobProgress,
		Notice:      notice,
		Time:        time.Now(),
	}

	if !tick && !r.closed {
		select {
		case r.updates <- upd:
		default:
			r.logger.Warn("Update buffer full, dropping update", "unit_id", u.ID, "stage", stage)
		}
	}
	for _, o := range r.observers {
		o.OnUpdate(upd)
	}
}

func (r *Run) start() bool {
	if !r.started.CompareAndSwap(false, true) {
		return false
	}
	r.mu.Lock()
	r.startedAt = time.Now()
	r.mu.Unlock()
	return true
}

func (r *Run) finish() Manifest {
	r.mu.Lock()
	r.finishedAt = time.Now()
	r.mu.Unlock()

	r.emitMu.Lock()
	r.closed = true
	close(r.updates)
	r.emitMu.Unlock()

	m := r.Manifest()
	r.publishManifest(m)
	close(r.done)
	return m
}

func (r *Run) publishManifest(m Manifest) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	for _, o := range r.observers {
		o.OnRunDone(m)
	}
}

func (r *Run) isFinished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
