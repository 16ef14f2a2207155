package commandloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gentest "github.com/c360studio/scenegen/generation/testutil"
	"github.com/c360studio/scenegen/llm"
	"github.com/c360studio/scenegen/llm/testutil"
)

func newTestLoop(t *testing.T, chat ChatClient, svc *gentest.FakeService) *Loop {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollTimeout = 2 * time.Second
	l, err := New(chat, svc, cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return l
}

func lastUserMessage(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

func TestRunGeneratesImageThenCompletes(t *testing.T) {
	chat := &testutil.MockLLMClient{Turns: []testutil.Turn{
		{
			Thinking:  "The user wants a fox.",
			Content:   "Sure! {not json} Here it is:\n```json\n{\"action\": \"generate_image\", \"params\": {\"prompt\": \"a red fox\"}}\n```\nLet me know.",
			ChunkSize: 7,
		},
		{Content: `{"action": "complete", "params": {"message": "Your fox is ready."}}`},
	}}
	svc := gentest.NewFakeService()
	l := newTestLoop(t, chat, svc)

	res, err := l.Run(context.Background(), "draw a fox", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "Your fox is ready.", res.Message)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, Artifact{Kind: "image", URI: "mem://image/1"}, res.Artifacts[0])

	calls := svc.ImageCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "a red fox", calls[0].Prompt)

	require.Len(t, res.Steps, 2)
	assert.Equal(t, "The user wants a fox.", res.Steps[0].Thinking)

	reqs := chat.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "chat", reqs[0].Capability)
	require.NotNil(t, reqs[0].Temperature)
	assert.Equal(t, "Tool result: image generated at mem://image/1", lastUserMessage(reqs[1]))
	assert.Contains(t, reqs[1].Messages[1].Content, "- image: mem://image/1")
}

func TestRunIterationLimit(t *testing.T) {
	chat := &testutil.MockLLMClient{Turns: []testutil.Turn{
		{Content: `{"action": "dance", "params": {}}`},
	}}
	svc := gentest.NewFakeService()
	l := newTestLoop(t, chat, svc)

	res, err := l.Run(context.Background(), "do something", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusIterationLimit, res.Status)
	assert.Equal(t, IterationLimitMessage, res.Message)
	assert.Equal(t, 10, res.Iterations)
	assert.Equal(t, 10, chat.CallCount())
	assert.Zero(t, svc.TotalCalls())

	last := chat.Requests()[9]
	assert.True(t, strings.HasPrefix(lastUserMessage(last), `ERROR: unknown action "dance"`))
	assert.LessOrEqual(t, len(last.Messages), 2+2*2, "history stays compact")
}

func TestRunMaxIterationsOverride(t *testing.T) {
	chat := &testutil.MockLLMClient{Turns: []testutil.Turn{{Content: "no idea"}}}
	l := newTestLoop(t, chat, gentest.NewFakeService())

	res, err := l.Run(context.Background(), "hi", RunOptions{MaxIterations: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusIterationLimit, res.Status)
	assert.Equal(t, 3, chat.CallCount())
}

func TestRunRecoversFromUnusableTurn(t *testing.T) {
	chat := &testutil.MockLLMClient{Turns: []testutil.Turn{
		{Content: "I would love to help but I am not sure what to do."},
		{Content: `{"action": "complete", "params": {"message": "Could you describe the scene?"}}`},
	}}
	l := newTestLoop(t, chat, gentest.NewFakeService())

	res, err := l.Run(context.Background(), "hmm", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	reqs := chat.Requests()
	require.Len(t, reqs, 2)
	assert.True(t, strings.HasPrefix(lastUserMessage(reqs[1]), "ERROR: your reply did not contain a JSON command"))
}

func TestRunFeedsToolErrorBack(t *testing.T) {
	chat := &testutil.MockLLMClient{Turns: []testutil.Turn{
		{Content: `{"action": "generate_image", "params": {"prompt": "forbidden"}}`},
		{Content: `{"action": "complete", "params": {"message": "The image service refused that prompt."}}`},
	}}
	svc := gentest.NewFakeService()
	svc.FailImage = func(string) bool { return true }
	l := newTestLoop(t, chat, svc)

	res, err := l.Run(context.Background(), "draw", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Artifacts)
	require.Len(t, res.Steps, 2)
	assert.Contains(t, res.Steps[0].Error, "image generation failed")
	assert.True(t, strings.HasPrefix(lastUserMessage(chat.Requests()[1]), "ERROR: image generation failed"))
}

func TestRunGeneratesVideo(t *testing.T) {
	chat := &testutil.MockLLMClient{Turns: []testutil.Turn{
		{Content: `{"action": "generate_video", "params": {"prompt": "the fox runs", "image_uri": "img://fox", "duration": 3}}`},
		{Content: `{"action": "complete", "params": {"message": "done"}}`},
	}}
	svc := gentest.NewFakeService()
	svc.PollsToComplete = 2
	l := newTestLoop(t, chat, svc)

	res, err := l.Run(context.Background(), "animate it", RunOptions{CharacterReferences: []string{"char-1"}})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "video", res.Artifacts[0].Kind)

	videos := svc.VideoCalls()
	require.Len(t, videos, 1)
	assert.Equal(t, []string{"char-1", "img://fox"}, videos[0].References)
	assert.Equal(t, 3, videos[0].DurationSeconds)
}

func TestRunCancelledBeforeFirstTurn(t *testing.T) {
	chat := &testutil.MockLLMClient{Turns: []testutil.Turn{{Content: `{"action": "complete"}`}}}
	l := newTestLoop(t, chat, gentest.NewFakeService())

	res, err := l.Run(context.Background(), "hi", RunOptions{IsCancelled: func() bool { return true }})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Zero(t, chat.CallCount())
}

func TestRunCancelledDuringStream(t *testing.T) {
	chat := &testutil.MockLLMClient{Turns: []testutil.Turn{
		{Content: `{"action": "generate_image", "params": {"prompt": "a fox"}}`, ChunkSize: 4},
	}}
	svc := gentest.NewFakeService()
	l := newTestLoop(t, chat, svc)

	var flag atomic.Bool
	var seen atomic.Int32
	res, err := l.Run(context.Background(), "hi", RunOptions{
		IsCancelled: flag.Load,
		OnChunk: func(llm.Chunk) {
			seen.Add(1)
			flag.Store(true)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, int32(1), seen.Load(), "no chunk is consumed after cancellation")
	assert.Zero(t, svc.TotalCalls())
}

func TestRunCancelledAfterTool(t *testing.T) {
	chat := &testutil.MockLLMClient{Turns: []testutil.Turn{
		{Content: `{"action": "generate_image", "params": {"prompt": "a fox"}}`},
	}}
	svc := gentest.NewFakeService()
	var flag atomic.Bool
	svc.OnImage = func(context.Context, string) { flag.Store(true) }
	l := newTestLoop(t, chat, svc)

	var steps atomic.Int32
	res, err := l.Run(context.Background(), "hi", RunOptions{
		IsCancelled: flag.Load,
		OnStep:      func(Step) { steps.Add(1) },
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Len(t, svc.ImageCalls(), 1)
	assert.Empty(t, res.Steps, "tool result is not reported after cancellation")
	assert.Zero(t, steps.Load())
	assert.Equal(t, 1, chat.CallCount())
}

func TestRunModelUnavailable(t *testing.T) {
	chat := &testutil.MockLLMClient{Turns: []testutil.Turn{{Err: errors.New("all endpoints failed")}}}
	l := newTestLoop(t, chat, gentest.NewFakeService())

	res, err := l.Run(context.Background(), "hi", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Message, "could not reach the language model")
}

func TestRunMidStreamError(t *testing.T) {
	chat := &testutil.MockLLMClient{Turns: []testutil.Turn{
		{Content: `{"action": "comp`, StreamErr: llm.NewTransientError(errors.New("connection reset"))},
	}}
	l := newTestLoop(t, chat, gentest.NewFakeService())

	res, err := l.Run(context.Background(), "hi", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestRunIgnoresCommandsInThinking(t *testing.T) {
	chat := &testutil.MockLLMClient{Turns: []testutil.Turn{{
		Thinking: `Maybe {"action": "generate_image", "params": {"prompt": "x"}}? No.`,
		Content:  `{"action": "complete", "params": {"message": "Nothing to draw."}}`,
	}}}
	svc := gentest.NewFakeService()
	l := newTestLoop(t, chat, svc)

	var kinds []llm.ChunkKind
	res, err := l.Run(context.Background(), "hi", RunOptions{OnChunk: func(c llm.Chunk) { kinds = append(kinds, c.Kind) }})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Zero(t, svc.TotalCalls())
	assert.Equal(t, []llm.ChunkKind{llm.ChunkThinking, llm.ChunkContent}, kinds)
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	l := newTestLoop(t, &testutil.MockLLMClient{}, gentest.NewFakeService())
	_, err := l.Run(context.Background(), "  ", RunOptions{})
	assert.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, gentest.NewFakeService(), DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxIterations = 0
	_, err = New(&testutil.MockLLMClient{}, gentest.NewFakeService(), cfg)
	assert.Error(t, err)
}
