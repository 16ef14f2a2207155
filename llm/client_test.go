package llm_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/scenegen/llm"
	_ "github.com/c360studio/scenegen/llm/providers" // Register providers
	"github.com/c360studio/scenegen/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() llm.RetryConfig {
	return llm.RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1,
		MaxBackoff:        5 * time.Millisecond,
	}
}

func registryFor(endpoints map[string]string, provider string, chain ...string) *model.Registry {
	eps := make(map[string]*model.EndpointConfig, len(endpoints))
	for name, url := range endpoints {
		eps[name] = &model.EndpointConfig{Provider: provider, URL: url, Model: name, Stream: true}
	}
	return model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityChat: {Preferred: chain[:1], Fallback: chain[1:]},
		},
		eps,
	)
}

func openAIReply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"model": "test-model",
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 8, "total_tokens": 18},
	})
}

func chatRequest() llm.Request {
	return llm.Request{
		Capability: "chat",
		Messages:   []llm.Message{{Role: "user", Content: "Make three scenes"}},
	}
}

func TestClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		openAIReply(w, `{"action":"complete"}`)
	}))
	defer server.Close()

	client := llm.NewClient(registryFor(map[string]string{"m": server.URL}, "ollama", "m"), llm.WithRetryConfig(fastRetry()))

	resp, err := client.Complete(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"action":"complete"}`, resp.Content)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.RequestID)
}

func TestClient_Complete_RetryOnTransientError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		openAIReply(w, "ok")
	}))
	defer server.Close()

	client := llm.NewClient(registryFor(map[string]string{"m": server.URL}, "ollama", "m"), llm.WithRetryConfig(fastRetry()))

	resp, err := client.Complete(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_Complete_NoRetryOnFatalError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer server.Close()

	registry := registryFor(map[string]string{"a": server.URL, "b": server.URL}, "ollama", "a", "b")
	client := llm.NewClient(registry, llm.WithRetryConfig(fastRetry()))

	_, err := client.Complete(context.Background(), chatRequest())
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, int32(1), attempts.Load(), "fatal errors skip retries and fallbacks")
	assert.Nil(t, registry.GetEndpointHealth("a"), "fatal errors do not count against endpoint health")
}

func TestClient_Complete_Fallback(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		openAIReply(w, "from fallback")
	}))
	defer healthy.Close()

	registry := registryFor(map[string]string{"primary": broken.URL, "backup": healthy.URL}, "ollama", "primary", "backup")
	client := llm.NewClient(registry, llm.WithRetryConfig(fastRetry()))

	resp, err := client.Complete(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Content)

	health := registry.GetEndpointHealth("primary")
	require.NotNil(t, health)
	assert.Equal(t, 1, health.FailureCount)
}

func TestClient_Complete_ValidationErrors(t *testing.T) {
	client := llm.NewClient(model.NewDefaultRegistry())

	_, err := client.Complete(context.Background(), llm.Request{Messages: []llm.Message{{Role: "user", Content: "x"}}})
	assert.ErrorContains(t, err, "capability is required")

	_, err = client.Complete(context.Background(), llm.Request{Capability: "chat"})
	assert.ErrorContains(t, err, "at least one message")
}

func TestClient_Stream_OpenAICompatible(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"choices":[{"delta":{"reasoning_content":"Need an image first."}}]}`,
			`{"choices":[{"delta":{"content":"{\"action\":"}}]}`,
			`{"choices":[{"delta":{"content":"\"complete\"}"},"finish_reason":"stop"}]}`,
			`[DONE]`,
		}
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			w.(http.Flusher).Flush()
		}
	}))
	defer server.Close()

	client := llm.NewClient(registryFor(map[string]string{"m": server.URL}, "ollama", "m"), llm.WithRetryConfig(fastRetry()))

	ch, err := client.Stream(context.Background(), chatRequest())
	require.NoError(t, err)

	thinking, content, err := llm.Collect(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "Need an image first.", thinking)
	assert.Equal(t, `{"action":"complete"}`, content)
}

func TestClient_Stream_Anthropic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"thinking_delta\",\"thinking\":\"ok\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hello\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	client := llm.NewClient(registryFor(map[string]string{"claude": server.URL}, "anthropic", "claude"), llm.WithRetryConfig(fastRetry()))

	ch, err := client.Stream(context.Background(), chatRequest())
	require.NoError(t, err)

	var kinds []llm.ChunkKind
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		kinds = append(kinds, chunk.Kind)
	}
	assert.Equal(t, []llm.ChunkKind{llm.ChunkThinking, llm.ChunkContent}, kinds)
}

func TestClient_Stream_MidStreamErrorIsLastChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"backend crashed\"}}\n\n")
	}))
	defer server.Close()

	client := llm.NewClient(registryFor(map[string]string{"m": server.URL}, "ollama", "m"), llm.WithRetryConfig(fastRetry()))

	ch, err := client.Stream(context.Background(), chatRequest())
	require.NoError(t, err)

	_, content, err := llm.Collect(context.Background(), ch)
	assert.Equal(t, "par", content)
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.Contains(t, err.Error(), "backend crashed")
}

func TestClient_Stream_RetriesBeforeEstablished(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer server.Close()

	client := llm.NewClient(registryFor(map[string]string{"m": server.URL}, "ollama", "m"), llm.WithRetryConfig(fastRetry()))

	ch, err := client.Stream(context.Background(), chatRequest())
	require.NoError(t, err)
	_, content, err := llm.Collect(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClient_Stream_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := llm.NewClient(registryFor(map[string]string{"m": server.URL}, "ollama", "m"), llm.WithRetryConfig(fastRetry()))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := client.Stream(ctx, chatRequest())
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "a", first.Text)
	cancel()

	// The channel closes without hanging once the context is done.
	for range ch {
	}
}
