// Package testutil provides scripted LLM clients for tests.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/scenegen/llm"
)

// Turn scripts one model reply. Content is streamed in ChunkSize pieces
// (whole when zero) after Thinking.
type Turn struct {
	Thinking  string
	Content   string
	ChunkSize int

	// Err fails the call before any chunk is produced.
	Err error

	// StreamErr is delivered as the final chunk after the content.
	StreamErr error
}

// MockLLMClient is a thread-safe scripted client. Each Complete or Stream
// call consumes the next Turn; the last Turn repeats once the script runs out.
//
//	mock := &testutil.MockLLMClient{Turns: []testutil.Turn{
//	    {Content: `{"action": "generate_image", "params": {"prompt": "fox"}}`},
//	    {Content: `{"action": "complete", "params": {"message": "done"}}`},
//	}}
type MockLLMClient struct {
	mu       sync.Mutex
	Turns    []Turn
	requests []llm.Request
}

func (m *MockLLMClient) next(req llm.Request) Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if len(m.Turns) == 0 {
		return Turn{}
	}
	i := len(m.requests) - 1
	if i >= len(m.Turns) {
		i = len(m.Turns) - 1
	}
	return m.Turns[i]
}

// Complete returns the next turn as a single response.
func (m *MockLLMClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	turn := m.next(req)
	if turn.Err != nil {
		return nil, turn.Err
	}
	if turn.StreamErr != nil {
		return nil, turn.StreamErr
	}
	return &llm.Response{Content: turn.Content, Thinking: turn.Thinking, Model: "test-model"}, nil
}

// Stream returns the next turn as a chunk stream.
func (m *MockLLMClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	turn := m.next(req)
	if turn.Err != nil {
		return nil, turn.Err
	}

	var chunks []llm.Chunk
	if turn.Thinking != "" {
		chunks = append(chunks, llm.Chunk{Kind: llm.ChunkThinking, Text: turn.Thinking})
	}
	for _, piece := range split(turn.Content, turn.ChunkSize) {
		chunks = append(chunks, llm.Chunk{Kind: llm.ChunkContent, Text: piece})
	}
	if turn.StreamErr != nil {
		chunks = append(chunks, llm.Chunk{Err: turn.StreamErr})
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Requests returns every request received, in order.
func (m *MockLLMClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of calls received.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset clears recorded requests so the script restarts.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

func split(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 || size >= len(s) {
		return []string{s}
	}
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	return append(out, s)
}
