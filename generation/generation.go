// Package generation is the boundary to the image and video generation
// service and to the character analysis model. The scheduler and the
// command loop depend only on the interfaces declared here.
package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/scenegen/job"
	"github.com/c360studio/scenegen/reference"
)

// ErrTooManyReferences is returned when a request exceeds a reference cap.
var ErrTooManyReferences = errors.New("too many reference images")

// ImageGenerator renders still images. Both calls are synchronous and return
// the URI of the stored image.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, references []string) (string, error)
	GenerateImageWithIdentityReferences(ctx context.Context, prompt string, references []string) (string, error)
}

// VideoRequest describes one video generation job.
type VideoRequest struct {
	Prompt          string   `json:"prompt"`
	References      []string `json:"references,omitempty"`
	DurationSeconds int      `json:"duration"`
	Model           string   `json:"model,omitempty"`
}

// Validate checks the request against the service limits.
func (r VideoRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("video prompt is required")
	}
	if len(r.References) > reference.MaxReferences {
		return fmt.Errorf("video request has %d references, max %d: %w",
			len(r.References), reference.MaxReferences, ErrTooManyReferences)
	}
	if r.DurationSeconds < 1 {
		return fmt.Errorf("video duration must be at least 1 second")
	}
	return nil
}

// VideoJobs submits and inspects asynchronous video jobs.
type VideoJobs interface {
	SubmitVideoJob(ctx context.Context, req VideoRequest) (job.Handle, error)
	PollVideoJob(ctx context.Context, id string) (job.Handle, error)
}

// Service is everything the scheduler needs from the generation backend.
type Service interface {
	ImageGenerator
	VideoJobs
}

// CharacterAnalyzer describes the character shown in a base64 encoded image.
// Implementations are best effort; callers treat errors as an empty description.
type CharacterAnalyzer interface {
	AnalyzeCharacter(ctx context.Context, imageBase64 string) (string, error)
}

func checkIdentityReferences(refs []string) error {
	if len(refs) > reference.MaxIdentityReferences {
		return fmt.Errorf("image request has %d identity references, max %d: %w",
			len(refs), reference.MaxIdentityReferences, ErrTooManyReferences)
	}
	return nil
}
