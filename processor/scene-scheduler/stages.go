package scenescheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/scenegen/generation"
	"github.com/c360studio/scenegen/job"
	"github.com/c360studio/scenegen/reference"
	"github.com/c360studio/scenegen/scene"
)

// imageStage renders the unit's image. It returns the ImageDone unit and true
// when the video stage should follow.
func (s *Scheduler) imageStage(ctx context.Context, run *Run, index int, claim scene.Claim) (scene.Unit, bool) {
	u := claim.Unit
	set := reference.ComposeImage(index, run.characterRefs, run.userImages)
	prompt := imagePrompt(u)

	var (
		uri string
		err error
	)
	switch set.Mode {
	case reference.ModeIdentityReference:
		uri, err = s.service.GenerateImageWithIdentityReferences(ctx, prompt, set.References)
	default:
		uri, err = s.service.GenerateImage(ctx, prompt, set.References)
	}

	if s.stopped(ctx, run) {
		s.discard(run, u.ID, scene.StatusImageInFlight, claim.Resting, StageImage)
		return scene.Unit{}, false
	}

	if err != nil {
		s.fail(run, u.ID, scene.StatusImageInFlight, StageImage, err.Error())
		return scene.Unit{}, false
	}

	done, err := run.board.Commit(u.ID, scene.StatusImageInFlight, scene.StatusImageDone, func(next *scene.Unit) {
		next.ImageArtifact = uri
	})
	if err != nil {
		run.logger.Error("Failed to record image", "unit_id", u.ID, "error", err)
		return scene.Unit{}, false
	}

	run.settle(u.ID, 1)
	run.notice(u.ID, set.Notice())
	s.metrics.step(StageImage, outcomeSucceeded)
	run.logger.Debug("Image ready", "unit_id", u.ID, "mode", set.Mode)
	run.emit(done, StageImage, set.Notice(), 0, false)
	return done, true
}

// videoStage claims an ImageDone unit for its video and waits for the job.
func (s *Scheduler) videoStage(ctx context.Context, run *Run, u scene.Unit) {
	if s.stopped(ctx, run) {
		return
	}
	claim, err := run.board.Claim(u.ID, scene.StatusImageDone, scene.StatusVideoInFlight)
	if err != nil {
		run.logger.Warn("Unit moved before its video stage", "unit_id", u.ID, "error", err)
		return
	}
	run.emit(claim.Unit, StageVideo, "", 0, false)
	s.awaitVideo(ctx, run, claim)
}

// awaitVideo submits and polls the video job for a VideoInFlight claim.
func (s *Scheduler) awaitVideo(ctx context.Context, run *Run, claim scene.Claim) {
	u := claim.Unit

	refs, err := reference.ComposeVideo(run.characterRefs, u.ImageArtifact)
	if err != nil {
		s.fail(run, u.ID, scene.StatusVideoInFlight, StageVideo, err.Error())
		return
	}
	req := generation.VideoRequest{
		Prompt:          u.EffectiveVideoPrompt(),
		References:      refs,
		DurationSeconds: s.config.VideoDurationSeconds,
		Model:           s.config.VideoModel,
	}

	h, err := s.poller.SubmitAndWait(ctx,
		func(ctx context.Context) (job.Handle, error) { return s.service.SubmitVideoJob(ctx, req) },
		s.service.PollVideoJob,
		job.WaitOptions{
			OnProgress: func(percent int, _ job.Status) {
				run.emit(u, StageVideo, "", percent, true)
			},
			IsCancelled: run.IsCancelled,
		})

	if errors.Is(err, job.ErrCancelled) || s.stopped(ctx, run) {
		s.discard(run, u.ID, scene.StatusVideoInFlight, claim.Resting, StageVideo)
		return
	}
	if err != nil {
		s.fail(run, u.ID, scene.StatusVideoInFlight, StageVideo, err.Error())
		return
	}
	if !h.Succeeded() {
		msg := h.Error
		if msg == "" {
			msg = fmt.Sprintf("video job %s ended %s without a result", h.ExternalID, h.Status)
		}
		s.fail(run, u.ID, scene.StatusVideoInFlight, StageVideo, msg)
		return
	}

	done, err := run.board.Commit(u.ID, scene.StatusVideoInFlight, scene.StatusCompleted, func(next *scene.Unit) {
		next.VideoArtifact = h.ResultURI
	})
	if err != nil {
		run.logger.Error("Failed to record video", "unit_id", u.ID, "error", err)
		return
	}

	run.settle(u.ID, 1)
	s.metrics.step(StageVideo, outcomeSucceeded)
	s.metrics.unit(outcomeCompleted)
	run.logger.Info("Unit completed", "unit_id", u.ID, "job_id", h.ExternalID)
	run.emit(done, StageVideo, "", 100, false)
}

// fail moves an in-flight unit to Failed. Every remaining step of the unit is settled.
func (s *Scheduler) fail(run *Run, id int, from scene.Status, stage Stage, msg string) {
	failed, err := run.board.Commit(id, from, scene.StatusFailed, func(next *scene.Unit) {
		next.LastError = msg
	})
	if err != nil {
		run.logger.Error("Failed to record unit failure", "unit_id", id, "error", err)
		return
	}

	run.settle(id, stepsPerUnit)
	s.metrics.step(stage, outcomeFailed)
	s.metrics.unit(outcomeFailed)
	run.logger.Warn("Unit failed", "unit_id", id, "stage", stage, "error", msg)
	run.emit(failed, stage, "", 0, false)
}

// discard rolls back an attempt whose result arrived after cancellation.
func (s *Scheduler) discard(run *Run, id int, from scene.Status, resting scene.Unit, stage Stage) {
	restored, err := run.board.Release(id, from, resting)
	if err != nil {
		run.logger.Error("Failed to roll back unit", "unit_id", id, "error", err)
		return
	}

	s.metrics.step(stage, outcomeDiscarded)
	s.metrics.unit(outcomeDiscarded)
	run.logger.Info("Discarded late result", "unit_id", id, "stage", stage, "status", restored.Status)
	run.emit(restored, StageRollback, "", 0, false)
}

// enrichCharacters analyses the character image once and fills missing
// descriptions of Pending units. Runs with nothing Pending make no call, and
// failure leaves descriptions empty.
func (s *Scheduler) enrichCharacters(ctx context.Context, run *Run) {
	if run.characterImg == "" || s.analyzer == nil {
		return
	}
	if run.board.Count()[scene.StatusPending] == 0 {
		return
	}
	desc := generation.AnalyzeOrEmpty(ctx, s.analyzer, run.characterImg, run.logger)
	if desc == "" {
		return
	}
	n := run.board.Apply(
		func(u scene.Unit) bool { return u.Status == scene.StatusPending && u.CharacterDescription == "" },
		func(u *scene.Unit) { u.CharacterDescription = desc },
	)
	run.logger.Info("Applied character description", "units", n)
}

// imagePrompt appends the character description so every image of a
// recurring character is described the same way.
func imagePrompt(u scene.Unit) string {
	desc := strings.TrimSpace(u.CharacterDescription)
	if desc == "" || strings.Contains(u.ImagePrompt, desc) {
		return u.ImagePrompt
	}
	return strings.TrimRight(u.ImagePrompt, ". ") + ". Character: " + desc
}
