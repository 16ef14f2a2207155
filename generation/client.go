package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/google/uuid"

	"github.com/c360studio/scenegen/job"
	"github.com/c360studio/scenegen/llm"
)

const (
	imagesPath = "/v1/images"
	videosPath = "/v1/videos"

	// Image requests block until the image exists, so the default budget is generous.
	defaultRequestTimeout = 2 * time.Minute
)

// Client talks to the generation service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type imageRequest struct {
	Prompt     string   `json:"prompt"`
	References []string `json:"references,omitempty"`
	Mode       string   `json:"mode,omitempty"`
}

type imageResponse struct {
	URI string `json:"uri"`
	URL string `json:"url"`
}

type videoJobResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	ResultURI string `json:"result_uri"`
	VideoURL  string `json:"video_url"`
	Error     string `json:"error"`
}

func (r videoJobResponse) handle() job.Handle {
	result := r.ResultURI
	if result == "" {
		result = r.VideoURL
	}
	return job.Handle{
		ExternalID: r.ID,
		Status:     job.ParseStatus(strings.ToLower(r.Status)),
		Progress:   r.Progress,
		ResultURI:  result,
		Error:      r.Error,
	}
}

// GenerateImage renders an image, optionally anchored on user supplied reference images.
func (c *Client) GenerateImage(ctx context.Context, prompt string, references []string) (string, error) {
	mode := ""
	if len(references) > 0 {
		mode = "reference"
	}
	return c.generateImage(ctx, imageRequest{Prompt: prompt, References: references, Mode: mode})
}

// GenerateImageWithIdentityReferences renders an image that keeps the
// identity shown in up to two character references.
func (c *Client) GenerateImageWithIdentityReferences(ctx context.Context, prompt string, references []string) (string, error) {
	if err := checkIdentityReferences(references); err != nil {
		return "", err
	}
	return c.generateImage(ctx, imageRequest{Prompt: prompt, References: references, Mode: "identity"})
}

func (c *Client) generateImage(ctx context.Context, req imageRequest) (string, error) {
	if req.Prompt == "" {
		return "", fmt.Errorf("image prompt is required")
	}

	var resp imageResponse
	if err := c.do(ctx, http.MethodPost, imagesPath, req, &resp); err != nil {
		return "", fmt.Errorf("generate image: %w", err)
	}

	uri := resp.URI
	if uri == "" {
		uri = resp.URL
	}
	if uri == "" {
		return "", fmt.Errorf("generate image: response carried no image uri")
	}
	return uri, nil
}

// SubmitVideoJob submits a video job and returns its initial handle.
func (c *Client) SubmitVideoJob(ctx context.Context, req VideoRequest) (job.Handle, error) {
	if err := req.Validate(); err != nil {
		return job.Handle{}, err
	}

	var resp videoJobResponse
	if err := c.do(ctx, http.MethodPost, videosPath, req, &resp); err != nil {
		return job.Handle{}, fmt.Errorf("submit video job: %w", err)
	}
	if resp.ID == "" {
		return job.Handle{}, fmt.Errorf("submit video job: response carried no job id")
	}
	return resp.handle(), nil
}

// PollVideoJob fetches the current state of a video job.
func (c *Client) PollVideoJob(ctx context.Context, id string) (job.Handle, error) {
	if id == "" {
		return job.Handle{}, fmt.Errorf("job id is required")
	}

	var resp videoJobResponse
	if err := c.do(ctx, http.MethodGet, videosPath+"/"+url.PathEscape(id), nil, &resp); err != nil {
		return job.Handle{}, fmt.Errorf("poll video job %s: %w", id, err)
	}
	if resp.ID == "" {
		resp.ID = id
	}
	return resp.handle(), nil
}

// do sends one logical request, retrying transport failures and transient
// statuses. Client errors are returned without retry. Every attempt of a POST
// carries the same Idempotency-Key, so a resent submit whose first response
// was lost does not create a second job on a service that honours the key.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	requestID := uuid.New().String()
	attempt := 0
	retryConfig := retry.DefaultConfig()
	return retry.Do(ctx, retryConfig, func() error {
		attempt++
		err := c.doOnce(ctx, method, path, requestID, payload, out)
		if err != nil && !retry.IsNonRetryable(err) {
			c.logger.Warn("Generation request failed, retrying",
				"method", method,
				"path", path,
				"request_id", requestID,
				"attempt", attempt,
				"error", err)
		}
		return err
	})
}

func (c *Client) doOnce(ctx context.Context, method, path, requestID string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", requestID)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return retry.NonRetryable(ctx.Err())
		}
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := llm.ClassifyHTTPStatus("generation", resp.StatusCode, respBody)
		if llm.IsFatal(httpErr) {
			return retry.NonRetryable(httpErr)
		}
		return httpErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return retry.NonRetryable(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
