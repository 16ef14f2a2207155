package commandloop

import (
	"fmt"
	"strings"

	"github.com/c360studio/scenegen/llm"
)

const (
	toolResultPrefix = "Tool result: "
	errorPrefix      = "ERROR: "
)

const systemPrompt = `You are a creative assistant that produces images and short video clips by calling tools.

Reply with exactly one JSON object per turn and nothing else after it:
{"action": "<name>", "params": {...}}

Actions:
- generate_image: {"prompt": string}. Renders one still image and returns its URI.
- generate_video: {"prompt": string, "image_uri": string (optional), "duration": seconds (optional)}.
  Animates the given image, or renders from the prompt alone, and returns the clip URI.
- complete: {"message": string}. Ends the conversation with a message for the user.

When a tool reports ERROR, either retry with adjusted parameters or call complete and explain what went wrong.`

// buildHistory renders the compact conversation for one turn: the system
// prompt, the user's request with a summary of artifacts so far, and a
// synthesized trace of the last window steps.
func buildHistory(userMessage string, steps []Step, artifacts []Artifact, window int) []llm.Message {
	msgs := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userTurn(userMessage, artifacts)},
	}

	if window < len(steps) {
		steps = steps[len(steps)-window:]
	}
	for _, s := range steps {
		if s.Command != "" {
			msgs = append(msgs, llm.Message{Role: "assistant", Content: s.Command})
		}
		msgs = append(msgs, llm.Message{Role: "user", Content: s.feedback()})
	}
	return msgs
}

func userTurn(userMessage string, artifacts []Artifact) string {
	if len(artifacts) == 0 {
		return userMessage
	}
	var sb strings.Builder
	sb.WriteString(userMessage)
	sb.WriteString("\n\nGenerated so far:")
	for _, a := range artifacts {
		fmt.Fprintf(&sb, "\n- %s: %s", a.Kind, a.URI)
	}
	return sb.String()
}

func (s Step) feedback() string {
	if s.Error != "" {
		return errorPrefix + s.Error
	}
	return toolResultPrefix + s.Observation
}
