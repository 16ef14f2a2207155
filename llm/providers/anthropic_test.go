package providers

import (
	"testing"

	"github.com/c360studio/scenegen/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicProvider_BuildURL(t *testing.T) {
	p := &AnthropicProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"empty uses default", "", "https://api.anthropic.com/v1/messages"},
		{"custom base URL", "https://custom.api.com", "https://custom.api.com/v1/messages"},
		{"trailing slash handled", "https://api.anthropic.com/", "https://api.anthropic.com/v1/messages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}

	messages := []llm.Message{
		{Role: "system", Content: "You direct scenes."},
		{Role: "user", Content: "Make a sunrise"},
		{Role: "assistant", Content: `{"action":"generate_image"}`},
		{Role: "user", Content: "Tool result: ok"},
	}

	temp := 0.7
	body, err := p.BuildRequestBody("claude-sonnet", messages, &temp, 2048, true)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, `"system":"You direct scenes."`)
	assert.Contains(t, s, `"model":"claude-sonnet"`)
	assert.Contains(t, s, `"max_tokens":2048`)
	assert.Contains(t, s, `"stream":true`)
	assert.NotContains(t, s, `"role":"system"`)

	body, err = p.BuildRequestBody("claude-sonnet", messages[1:2], nil, 0, false)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"max_tokens":4096`)
	assert.NotContains(t, string(body), `"stream"`)
	assert.NotContains(t, string(body), `"temperature"`)
}

func TestAnthropicProvider_ParseResponse(t *testing.T) {
	p := &AnthropicProvider{}

	body := []byte(`{
		"model": "claude-sonnet-4-20250514",
		"content": [
			{"type": "thinking", "thinking": "The user wants dawn."},
			{"type": "text", "text": "{\"action\":\"complete\"}"}
		],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 8}
	}`)

	resp, err := p.ParseResponse(body, "")
	require.NoError(t, err)
	assert.Equal(t, `{"action":"complete"}`, resp.Content)
	assert.Equal(t, "The user wants dawn.", resp.Thinking)
	assert.Equal(t, 20, resp.Usage.TotalTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)

	_, err = p.ParseResponse([]byte(`not json`), "")
	assert.Error(t, err)
}

func TestAnthropicProvider_ParseStreamEvent(t *testing.T) {
	p := &AnthropicProvider{}

	tests := []struct {
		name       string
		data       string
		wantChunks []llm.Chunk
		wantDone   bool
		wantFinish string
		wantErr    bool
	}{
		{
			name:       "thinking delta",
			data:       `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
			wantChunks: []llm.Chunk{{Kind: llm.ChunkThinking, Text: "hmm"}},
		},
		{
			name:       "text delta",
			data:       `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"{\"a"}}`,
			wantChunks: []llm.Chunk{{Kind: llm.ChunkContent, Text: `{"a`}},
		},
		{
			name:       "message delta carries stop reason",
			data:       `{"type":"message_delta","delta":{"stop_reason":"max_tokens"}}`,
			wantFinish: "max_tokens",
		},
		{name: "ping ignored", data: `{"type":"ping"}`},
		{name: "message stop", data: `{"type":"message_stop"}`, wantDone: true},
		{name: "error event", data: `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, wantErr: true},
		{name: "malformed", data: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, err := p.ParseStreamEvent([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantChunks, delta.Chunks)
			assert.Equal(t, tt.wantDone, delta.Done)
			assert.Equal(t, tt.wantFinish, delta.FinishReason)
		})
	}
}
