// Package llm provides a provider-agnostic chat client with retry, fallback
// and streaming support. It resolves capabilities through model.Registry and
// also hosts the structured-output extractor used to read commands out of
// free-form model text.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/scenegen/model"
	"github.com/google/uuid"
)

// maxResponseSize limits a non-streamed response body.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client is a provider-agnostic LLM client with retry and fallback support.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Capability is resolved by the registry to an endpoint fallback chain.
	Capability string

	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains a completion result.
type Response struct {
	// RequestID identifies the call for log correlation.
	RequestID string

	Content string

	// Thinking holds reasoning text when the provider separates it.
	Thinking string

	// Model is the endpoint model that produced the response.
	Model string

	Usage        TokenUsage
	FinishReason string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a new LLM client with the given model registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			// No overall timeout: streams are bounded by the caller's context.
			Transport: http.DefaultTransport,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a non-streamed completion request, handling retry and fallback.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	requestID := uuid.New().String()
	var resp *Response

	err := c.eachEndpoint(ctx, req, requestID, func(ctx context.Context, ep *model.EndpointConfig, p Provider) error {
		r, err := c.doRequest(ctx, ep, p, req)
		if err != nil {
			return err
		}
		r.RequestID = requestID
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream opens a streamed completion. Retry and fallback apply until the
// stream is established; after that, failures arrive as a final Chunk with
// Err set. The channel is closed when the stream ends or ctx is done.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	requestID := uuid.New().String()
	var ch chan Chunk

	err := c.eachEndpoint(ctx, req, requestID, func(ctx context.Context, ep *model.EndpointConfig, p Provider) error {
		body, err := c.openStream(ctx, ep, p, req)
		if err != nil {
			return err
		}
		ch = make(chan Chunk, 16)
		go c.pump(ctx, body, p, ep, requestID, ch)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// eachEndpoint walks the capability's fallback chain, retrying each endpoint
// with backoff. A fatal error stops the walk.
func (c *Client) eachEndpoint(ctx context.Context, req Request, requestID string, attempt func(context.Context, *model.EndpointConfig, Provider) error) error {
	if req.Capability == "" {
		return fmt.Errorf("capability is required")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("at least one message is required")
	}

	capVal := model.ParseCapability(req.Capability)
	if capVal == "" {
		capVal = model.CapabilityChat
	}
	chain := c.registry.GetAvailableFallbackChain(capVal)
	if len(chain) == 0 {
		return fmt.Errorf("no models configured for capability %s", req.Capability)
	}

	var lastErr error
	for _, name := range chain {
		ep := c.registry.GetEndpoint(name)
		if ep == nil {
			c.logger.Debug("No endpoint for model, skipping", "model", name)
			continue
		}
		provider := GetProvider(ep.Provider)
		if provider == nil {
			lastErr = NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
			c.logger.Warn("Unknown provider, skipping", "model", name, "provider", ep.Provider)
			continue
		}

		err := c.withRetry(ctx, name, func() error { return attempt(ctx, ep, provider) })
		if err == nil {
			return nil
		}
		lastErr = err

		c.logger.Warn("Endpoint failed, trying fallback",
			"request_id", requestID,
			"model", name,
			"provider", ep.Provider,
			"error", err)

		if IsFatal(err) || errors.Is(err, context.Canceled) {
			return err
		}
	}
	if lastErr == nil {
		return fmt.Errorf("no usable endpoint for capability %s", req.Capability)
	}
	return fmt.Errorf("all endpoints failed for capability %s: %w", req.Capability, lastErr)
}

// withRetry runs fn up to MaxAttempts times and records endpoint health.
func (c *Client) withRetry(ctx context.Context, name string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			c.registry.MarkEndpointSuccess(name)
			return nil
		}
		lastErr = err

		// Fatal errors point at the request, not the endpoint's health.
		if IsFatal(err) {
			return err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.retryConfig.Backoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"model", name,
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.registry.MarkEndpointFailure(name)
	return lastErr
}

func (c *Client) newHTTPRequest(ctx context.Context, ep *model.EndpointConfig, p Provider, req Request, stream bool) (*http.Request, error) {
	body, err := p.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens, stream)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := p.BuildURL(ep.URL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	p.SetHeaders(httpReq)

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"stream", stream,
		"messages", len(req.Messages))
	return httpReq, nil
}

// doRequest executes a single non-streamed request.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, p Provider, req Request) (*Response, error) {
	httpReq, err := c.newHTTPRequest(ctx, ep, p, req, false)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTPStatus("LLM", httpResp.StatusCode, respBody)
	}

	resp, err := p.ParseResponse(respBody, ep.Model)
	if err != nil {
		return nil, NewTransientError(err)
	}
	return resp, nil
}

// openStream sends a streamed request and returns the open body on 200.
func (c *Client) openStream(ctx context.Context, ep *model.EndpointConfig, p Provider, req Request) (io.ReadCloser, error) {
	httpReq, err := c.newHTTPRequest(ctx, ep, p, req, true)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
		return nil, ClassifyHTTPStatus("LLM", httpResp.StatusCode, respBody)
	}
	return httpResp.Body, nil
}

// pump forwards parsed stream events to ch until the stream ends.
func (c *Client) pump(ctx context.Context, body io.ReadCloser, p Provider, ep *model.EndpointConfig, requestID string, ch chan<- Chunk) {
	defer close(ch)
	defer body.Close()

	var sent int
	err := readEvents(body, func(data []byte) (bool, error) {
		delta, err := p.ParseStreamEvent(data)
		if err != nil {
			return true, err
		}
		for _, chunk := range delta.Chunks {
			if chunk.Text == "" {
				continue
			}
			select {
			case ch <- chunk:
				sent++
			case <-ctx.Done():
				return true, ctx.Err()
			}
		}
		return delta.Done, nil
	})

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("LLM stream failed",
			"request_id", requestID,
			"model", ep.Model,
			"chunks", sent,
			"error", err)
		select {
		case ch <- Chunk{Err: NewTransientError(err)}:
		case <-ctx.Done():
		}
		return
	}

	c.logger.Debug("LLM stream finished", "request_id", requestID, "model", ep.Model, "chunks", sent)
}
