package scene

import "fmt"

// Unit is one scene of a generation run: a narration line with the prompts
// used to render its still image and its video clip.
type Unit struct {
	ID                   int    `json:"id" yaml:"id"`
	Narration            string `json:"narration" yaml:"narration"`
	ImagePrompt          string `json:"image_prompt" yaml:"image_prompt"`
	VideoPrompt          string `json:"video_prompt" yaml:"video_prompt"`
	CharacterDescription string `json:"character_description,omitempty" yaml:"character_description,omitempty"`

	// CustomVideoPrompt, when set, replaces VideoPrompt for the video stage.
	CustomVideoPrompt string `json:"custom_video_prompt,omitempty" yaml:"custom_video_prompt,omitempty"`

	ImageArtifact string `json:"image_artifact,omitempty" yaml:"image_artifact,omitempty"`
	VideoArtifact string `json:"video_artifact,omitempty" yaml:"video_artifact,omitempty"`
	Status        Status `json:"status" yaml:"status"`

	// LastError carries the failure message of the most recent failed attempt.
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	// Attempts counts how many times the unit has been claimed.
	Attempts int `json:"attempts" yaml:"attempts"`
}

// EffectiveVideoPrompt returns the prompt the video stage should use.
func (u Unit) EffectiveVideoPrompt() string {
	if u.CustomVideoPrompt != "" {
		return u.CustomVideoPrompt
	}
	return u.VideoPrompt
}

// HasImage reports whether the unit carries an image artifact.
func (u Unit) HasImage() bool {
	return u.ImageArtifact != ""
}

// Validate checks the artifact/status invariants.
func (u Unit) Validate() error {
	if !u.Status.IsValid() {
		return fmt.Errorf("unit %d: unknown status %q", u.ID, u.Status)
	}
	if u.VideoArtifact != "" && u.Status != StatusCompleted {
		return fmt.Errorf("unit %d: video artifact present in status %s", u.ID, u.Status)
	}
	if u.ImageArtifact != "" {
		switch u.Status {
		case StatusImageDone, StatusVideoInFlight, StatusCompleted, StatusFailed:
		default:
			return fmt.Errorf("unit %d: image artifact present in status %s", u.ID, u.Status)
		}
	}
	return nil
}
