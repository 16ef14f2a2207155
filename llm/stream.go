package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
)

// ChunkKind tags a streamed fragment.
type ChunkKind string

const (
	// ChunkThinking is model reasoning, shown to users but never parsed for commands.
	ChunkThinking ChunkKind = "thinking"

	// ChunkContent is the answer text.
	ChunkContent ChunkKind = "content"
)

// Chunk is one streamed fragment. A chunk with Err set is the last one sent.
type Chunk struct {
	Kind ChunkKind
	Text string
	Err  error
}

// maxEventSize bounds a single server-sent event line.
const maxEventSize = 1024 * 1024

// readEvents splits an SSE body into event payloads and hands each data
// payload to fn. Multi-line data fields are joined with newlines. fn returns
// true to stop reading.
func readEvents(r io.Reader, fn func(data []byte) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var data bytes.Buffer
	dispatch := func() (bool, error) {
		if data.Len() == 0 {
			return false, nil
		}
		payload := bytes.Clone(data.Bytes())
		data.Reset()
		return fn(payload)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if stop, err := dispatch(); stop || err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry: carry nothing the providers need
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	_, err := dispatch()
	return err
}

// Collect drains a stream, returning the accumulated thinking and content.
// It stops early when ctx is done.
func Collect(ctx context.Context, ch <-chan Chunk) (thinking, content string, err error) {
	var th, ct strings.Builder
	for {
		select {
		case <-ctx.Done():
			return th.String(), ct.String(), ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return th.String(), ct.String(), nil
			}
			if chunk.Err != nil {
				return th.String(), ct.String(), chunk.Err
			}
			switch chunk.Kind {
			case ChunkThinking:
				th.WriteString(chunk.Text)
			default:
				ct.WriteString(chunk.Text)
			}
		}
	}
}
