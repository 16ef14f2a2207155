// Package reference chooses which reference images accompany an image or
// video generation request so recurring characters stay visually consistent.
package reference

import (
	"errors"
	"fmt"
)

const (
	// MaxIdentityReferences caps character identity references per request.
	MaxIdentityReferences = 2

	// MaxUserReferences caps user-supplied images on the first unit.
	MaxUserReferences = 1

	// MaxReferences is the hard cap on references sent to the video service.
	MaxReferences = 3
)

// ErrMissingSceneImage is returned when a video reference set is composed
// without the unit's own image.
var ErrMissingSceneImage = errors.New("video references require a scene image")

// Mode describes how an image request anchors character identity.
type Mode string

const (
	// ModeUserReference sends the caller's uploaded image.
	ModeUserReference Mode = "user_reference"

	// ModeIdentityReference sends generated character identity images.
	ModeIdentityReference Mode = "identity_reference"

	// ModeTextOnly sends no references. Consistency is not guaranteed.
	ModeTextOnly Mode = "text_only"
)

// ImageSet is the reference selection for one image request.
type ImageSet struct {
	Mode       Mode
	References []string

	// Degraded is set when no references were available at all.
	Degraded bool
}

// Notice returns a caller-facing message for degraded sets, or "".
func (s ImageSet) Notice() string {
	if !s.Degraded {
		return ""
	}
	return "no character references available; visual consistency is not guaranteed"
}

// ComposeImage picks references for the unit at position index. User images
// apply only to the first unit. Character references win otherwise; with
// neither, the set is text-only and marked degraded.
func ComposeImage(index int, characterRefs, userImages []string) ImageSet {
	if index == 0 {
		if user := nonEmpty(userImages); len(user) > 0 {
			return ImageSet{Mode: ModeUserReference, References: capped(user, MaxUserReferences)}
		}
	}
	if refs := nonEmpty(characterRefs); len(refs) > 0 {
		return ImageSet{Mode: ModeIdentityReference, References: capped(refs, MaxIdentityReferences)}
	}
	return ImageSet{Mode: ModeTextOnly, Degraded: true}
}

// ComposeVideo returns identity references followed by the scene image.
// The scene image is always last and always present.
func ComposeVideo(characterRefs []string, sceneImage string) ([]string, error) {
	if sceneImage == "" {
		return nil, ErrMissingSceneImage
	}
	refs := capped(nonEmpty(characterRefs), MaxIdentityReferences)
	out := make([]string, 0, len(refs)+1)
	out = append(out, refs...)
	out = append(out, sceneImage)
	if len(out) > MaxReferences {
		return nil, fmt.Errorf("composed %d references, cap is %d", len(out), MaxReferences)
	}
	return out, nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func capped(in []string, n int) []string {
	if len(in) > n {
		in = in[:n]
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
