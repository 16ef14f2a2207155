// Package scene models the per-scene generation unit and its lifecycle.
// A unit moves from Pending through an image stage and a video stage; the
// Board arena owns every unit of a run and serializes status changes with
// compare-and-swap semantics so concurrent triggers never double-process a unit.
package scene

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a unit.
type Status string

const (
	// StatusPending is the initial state: nothing has been requested yet.
	StatusPending Status = "pending"

	// StatusImageInFlight means an image request has been sent.
	StatusImageInFlight Status = "image_in_flight"

	// StatusImageDone means the unit has an image artifact and awaits its video.
	StatusImageDone Status = "image_done"

	// StatusVideoInFlight means a video job has been submitted and is being polled.
	StatusVideoInFlight Status = "video_in_flight"

	// StatusCompleted means both artifacts exist.
	StatusCompleted Status = "completed"

	// StatusFailed means the last attempt failed. Re-enterable via retry.
	StatusFailed Status = "failed"
)

// ErrIllegalTransition is returned when a requested status change is not
// permitted by the state machine.
var ErrIllegalTransition = errors.New("illegal status transition")

// transitions lists the forward edges taken by a normal attempt.
var transitions = map[Status][]Status{
	StatusPending:       {StatusImageInFlight},
	StatusImageInFlight: {StatusImageDone, StatusFailed},
	StatusImageDone:     {StatusVideoInFlight, StatusFailed},
	StatusVideoInFlight: {StatusCompleted, StatusFailed},
}

// retryEntries lists the states an explicit retry may start from, and where
// it may enter the pipeline.
var retryEntries = map[Status][]Status{
	StatusPending:   {StatusImageInFlight},
	StatusImageDone: {StatusImageInFlight, StatusVideoInFlight},
	StatusFailed:    {StatusImageInFlight, StatusVideoInFlight},
	StatusCompleted: {StatusImageInFlight, StatusVideoInFlight},
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusImageInFlight, StatusImageDone,
		StatusVideoInFlight, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s ends an attempt.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsInFlight reports whether an attempt currently owns the unit.
func (s Status) IsInFlight() bool {
	return s == StatusImageInFlight || s == StatusVideoInFlight
}

// CanTransition reports whether a normal attempt may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanRetryInto reports whether an explicit retry may move a unit resting in
// from into the in-flight state to.
func CanRetryInto(from, to Status) bool {
	for _, next := range retryEntries[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	UnitID int
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("unit %d: %s -> %s: %v", e.UnitID, e.From, e.To, ErrIllegalTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}
