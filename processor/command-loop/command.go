package commandloop

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Known actions.
const (
	ActionGenerateImage = "generate_image"
	ActionGenerateVideo = "generate_video"
	ActionComplete      = "complete"
)

// KnownActions lists the actions the loop dispatches, in prompt order.
var KnownActions = []string{ActionGenerateImage, ActionGenerateVideo, ActionComplete}

// Command is one decoded model instruction. The concrete types are
// GenerateImage, GenerateVideo, Complete and Unknown.
type Command interface {
	Action() string
	// Params returns the parameters in wire form, used to replay the command in history.
	Params() map[string]any
}

// GenerateImage renders a single image.
type GenerateImage struct {
	Prompt string
}

// GenerateVideo renders a clip, optionally animated from an image.
type GenerateVideo struct {
	Prompt          string
	ImageURI        string
	DurationSeconds int
}

// Complete ends the loop with a message for the user.
type Complete struct {
	Message string
}

// Unknown carries an action the loop does not recognize, with its raw parameters.
type Unknown struct {
	Name string
	Raw  map[string]any
}

func (GenerateImage) Action() string { return ActionGenerateImage }
func (GenerateVideo) Action() string { return ActionGenerateVideo }
func (Complete) Action() string { return ActionComplete }
func (u Unknown) Action() string { return u.Name }

func (c GenerateImage) Params() map[string]any {
	return map[string]any{"prompt": c.Prompt}
}

func (c GenerateVideo) Params() map[string]any {
	p := map[string]any{"prompt": c.Prompt}
	if c.ImageURI != "" {
		p["image_uri"] = c.ImageURI
	}
	if c.DurationSeconds > 0 {
		p["duration"] = c.DurationSeconds
	}
	return p
}

func (c Complete) Params() map[string]any {
	return map[string]any{"message": c.Message}
}

func (u Unknown) Params() map[string]any {
	return u.Raw
}

// Decode turns an extracted object into a Command. Parameters may sit under
// "params" or at the top level next to "action". An unrecognized action
// decodes to Unknown; a known action with bad parameters is an error.
func Decode(obj map[string]any) (Command, error) {
	action, _ := obj["action"].(string)
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, fmt.Errorf("command has no action")
	}

	params, ok := obj["params"].(map[string]any)
	if !ok {
		params = make(map[string]any, len(obj))
		for k, v := range obj {
			if k != "action" {
				params[k] = v
			}
		}
	}

	switch action {
	case ActionGenerateImage:
		prompt := stringParam(params, "prompt")
		if prompt == "" {
			return nil, fmt.Errorf("%s requires a prompt", action)
		}
		return GenerateImage{Prompt: prompt}, nil

	case ActionGenerateVideo:
		prompt := stringParam(params, "prompt")
		if prompt == "" {
			return nil, fmt.Errorf("%s requires a prompt", action)
		}
		duration, err := intParam(params, "duration")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", action, err)
		}
		return GenerateVideo{
			Prompt:          prompt,
			ImageURI:        firstString(params, "image_uri", "image_url", "image"),
			DurationSeconds: duration,
		}, nil

	case ActionComplete:
		return Complete{Message: firstString(params, "message", "text", "summary")}, nil

	default:
		return Unknown{Name: action, Raw: params}, nil
	}
}

// encode renders a command as the compact JSON the model is asked to produce.
func encode(c Command) string {
	data, err := json.Marshal(map[string]any{"action": c.Action(), "params": c.Params()})
	if err != nil {
		return fmt.Sprintf(`{"action": %q}`, c.Action())
	}
	return string(data)
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

func firstString(params map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringParam(params, k); s != "" {
			return s
		}
	}
	return ""
}

func intParam(params map[string]any, key string) (int, error) {
	switch v := params[key].(type) {
	case nil:
		return 0, nil
	case float64:
		if v < 0 || v != float64(int(v)) {
			return 0, fmt.Errorf("%s must be a whole number of seconds", key)
		}
		return int(v), nil
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimSpace(v), "s"), "%d", &n); err != nil || n < 0 {
			return 0, fmt.Errorf("%s must be a whole number of seconds", key)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}
