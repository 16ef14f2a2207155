package generation

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const characterPrompt = `Describe the main character in this image for an illustrator who must draw them again in other scenes.
Cover apparent age, build, face, hair, skin tone, clothing and any distinctive accessories.
Answer with one compact paragraph of plain text, no lists and no preamble.`

// contentGenerator is the part of *genai.GenerativeModel the analyzer uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiAnalyzer describes characters with a Gemini vision model.
type GeminiAnalyzer struct {
	client *genai.Client
	model  contentGenerator
	logger *slog.Logger
}

// NewGeminiAnalyzer creates an analyzer using the given API key and model name.
func NewGeminiAnalyzer(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiAnalyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	m := client.GenerativeModel(model)
	m.SetTemperature(0.2)
	m.SetMaxOutputTokens(512)

	return &GeminiAnalyzer{
		client: client,
		model:  m,
		logger: logger.With("component", "gemini"),
	}, nil
}

// Close releases the underlying client.
func (a *GeminiAnalyzer) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

// AnalyzeCharacter returns a textual description of the character in the image.
// A data URI prefix on the input is accepted.
func (a *GeminiAnalyzer) AnalyzeCharacter(ctx context.Context, imageBase64 string) (string, error) {
	data, err := decodeImage(imageBase64)
	if err != nil {
		return "", err
	}
	format := imageFormat(data)

	resp, err := a.model.GenerateContent(ctx, genai.ImageData(format, data), genai.Text(characterPrompt))
	if err != nil {
		return "", fmt.Errorf("analyze character: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("analyze character: empty response")
	}

	a.logger.Debug("Character analyzed", "format", format, "description_len", len(text))
	return text, nil
}

func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	if s == "" {
		return nil, fmt.Errorf("character image is empty")
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode character image: %w", err)
	}
	return data, nil
}

// imageFormat returns the genai image format ("png", "jpeg", ...) for data.
func imageFormat(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "jpeg"
	}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	c := resp.Candidates[0]
	if c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return strings.TrimSpace(sb.String())
}

// AnalyzeOrEmpty runs the analyzer and degrades any failure to "".
func AnalyzeOrEmpty(ctx context.Context, a CharacterAnalyzer, imageBase64 string, logger *slog.Logger) string {
	if a == nil || imageBase64 == "" {
		return ""
	}
	desc, err := a.AnalyzeCharacter(ctx, imageBase64)
	if err != nil {
		if logger != nil {
			logger.Warn("Character analysis failed, continuing without description", "error", err)
		}
		return ""
	}
	return desc
}
