// Package job tracks long-running jobs on an external generation service.
// A Poller waits for a submitted job to reach a terminal state, reporting
// progress on every tick and honouring cooperative cancellation.
package job

import (
	"errors"
	"fmt"
	"time"
)

// Status is the service-reported state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the job will not change state again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus maps service status strings onto Status. Unknown values are
// treated as in progress so polling continues.
func ParseStatus(s string) Status {
	switch s {
	case "queued", "pending", "submitted":
		return StatusQueued
	case "completed", "succeeded", "success", "done":
		return StatusCompleted
	case "failed", "error", "cancelled", "canceled":
		return StatusFailed
	default:
		return StatusInProgress
	}
}

// Handle is the caller's view of one external job.
type Handle struct {
	ExternalID string `json:"id"`
	Status     Status `json:"status"`

	// Progress is a percentage in 0..100.
	Progress  int    `json:"progress"`
	ResultURI string `json:"result_uri,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Succeeded reports whether the handle completed with a result.
func (h Handle) Succeeded() bool {
	return h.Status == StatusCompleted && h.ResultURI != ""
}

var (
	// ErrCancelled is returned when the caller's cancellation flag is observed.
	ErrCancelled = errors.New("job wait cancelled")

	// ErrTimeout is matched by *TimeoutError.
	ErrTimeout = errors.New("job wait timed out")
)

// TimeoutError reports a job that did not finish within the wait budget.
type TimeoutError struct {
	ExternalID string
	Timeout    time.Duration
	Polls      int
	Last       Handle
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s did not finish within %v after %d polls (last status %s, %d%%)",
		e.ExternalID, e.Timeout, e.Polls, e.Last.Status, e.Last.Progress)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
