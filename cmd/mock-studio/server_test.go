package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/scenegen/generation"
	"github.com/c360studio/scenegen/job"
	"github.com/c360studio/scenegen/llm"
	_ "github.com/c360studio/scenegen/llm/providers"
	"github.com/c360studio/scenegen/model"
	commandloop "github.com/c360studio/scenegen/processor/command-loop"
	scenescheduler "github.com/c360studio/scenegen/processor/scene-scheduler"
	"github.com/c360studio/scenegen/scene"
)

func startStudio(t *testing.T, fixtures map[string][]string, opts options) (*server, *httptest.Server) {
	t.Helper()
	s := newServer(fixtures, opts, nil)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestImageEndpoint(t *testing.T) {
	s, ts := startStudio(t, nil, options{})
	client := generation.NewClient(ts.URL)
	ctx := context.Background()

	uri, err := client.GenerateImage(ctx, "a red fox", nil)
	require.NoError(t, err)
	assert.Equal(t, "mock://image/1", uri)

	uri, err = client.GenerateImageWithIdentityReferences(ctx, "a red fox", []string{"ref-a", "ref-b"})
	require.NoError(t, err)
	assert.Equal(t, "mock://image/2", uri)

	calls := s.imageRequests()
	require.Len(t, calls, 2)
	assert.Equal(t, "", calls[0].Mode)
	assert.Equal(t, "identity", calls[1].Mode)
	assert.Equal(t, []string{"ref-a", "ref-b"}, calls[1].References)
}

func TestImageEndpointRejectsFailMarker(t *testing.T) {
	s, ts := startStudio(t, nil, options{FailMarker: "[fail]"})
	client := generation.NewClient(ts.URL)

	_, err := client.GenerateImage(context.Background(), "[fail] a fox", nil)
	require.Error(t, err)
	assert.Zero(t, s.images.Load())
}

func TestImageEndpointRejectsTooManyIdentityRefs(t *testing.T) {
	_, ts := startStudio(t, nil, options{})

	body := `{"prompt":"fox","references":["a","b","c"],"mode":"identity"}`
	resp, err := http.Post(ts.URL+"/v1/images", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestVideoJobLifecycle(t *testing.T) {
	_, ts := startStudio(t, nil, options{PollsToComplete: 2, FailMarker: "[fail]"})
	client := generation.NewClient(ts.URL)
	poller := job.NewPoller(job.Config{Interval: 5 * time.Millisecond, Timeout: 5 * time.Second})
	ctx := context.Background()

	var progress []int
	h, err := poller.SubmitAndWait(ctx,
		func(ctx context.Context) (job.Handle, error) {
			return client.SubmitVideoJob(ctx, generation.VideoRequest{Prompt: "the fox runs", DurationSeconds: 5})
		},
		client.PollVideoJob,
		job.WaitOptions{OnProgress: func(p int, _ job.Status) { progress = append(progress, p) }},
	)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, h.Status)
	assert.Equal(t, "mock://video/"+h.ExternalID, h.ResultURI)
	assert.Equal(t, []int{50, 100}, progress)

	h, err = poller.SubmitAndWait(ctx,
		func(ctx context.Context) (job.Handle, error) {
			return client.SubmitVideoJob(ctx, generation.VideoRequest{Prompt: "[fail] the fox runs", DurationSeconds: 5})
		},
		client.PollVideoJob,
		job.WaitOptions{},
	)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, h.Status)
	assert.Equal(t, "render failed", h.Error)
}

func TestPollUnknownJob(t *testing.T) {
	_, ts := startStudio(t, nil, options{})
	client := generation.NewClient(ts.URL)

	_, err := client.PollVideoJob(context.Background(), "nope")
	assert.Error(t, err)
}

func TestSchedulerAgainstStudio(t *testing.T) {
	_, ts := startStudio(t, nil, options{PollsToComplete: 1, FailMarker: "[fail]"})

	sched, err := scenescheduler.New(generation.NewClient(ts.URL), scenescheduler.Config{
		ConcurrencyLimit:     2,
		VideoDurationSeconds: 5,
		VideoModel:           "default",
		PollInterval:         5 * time.Millisecond,
		PollTimeout:          5 * time.Second,
	})
	require.NoError(t, err)

	run, err := sched.NewRun(scenescheduler.BatchRequest{
		Units: []scene.Unit{
			{ID: 1, ImagePrompt: "fox wakes", VideoPrompt: "stretch", Status: scene.StatusPending},
			{ID: 2, ImagePrompt: "fox runs", VideoPrompt: "[fail] run", Status: scene.StatusPending},
			{ID: 3, ImagePrompt: "fox sleeps", VideoPrompt: "curl up", Status: scene.StatusPending},
		},
		CharacterReferences: []string{"https://cdn.example/fox.png"},
	})
	require.NoError(t, err)

	m, err := sched.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, m.Succeeded)
	assert.Equal(t, []int{2}, m.Failed)
	assert.Empty(t, m.Pending)
	assert.InDelta(t, 1.0, m.Progress, 1e-9)

	u, ok := run.Unit(2)
	require.True(t, ok)
	assert.Contains(t, u.LastError, "render failed")
}

func TestChatLoopAgainstStudio(t *testing.T) {
	_, ts := startStudio(t, map[string][]string{
		"mock-director": {
			`I'll start with a picture. {"action": "generate_image", "params": {"prompt": "a red fox"}}`,
			`{"action": "complete", "params": {"message": "Your fox is ready."}}`,
		},
	}, options{})

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityChat: {Preferred: []string{"mock"}},
		},
		map[string]*model.EndpointConfig{
			"mock": {Provider: "ollama", URL: ts.URL + "/v1", Model: "mock-director", Stream: true},
		},
	)

	cfg := commandloop.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollTimeout = 5 * time.Second
	loop, err := commandloop.New(llm.NewClient(registry), generation.NewClient(ts.URL), cfg)
	require.NoError(t, err)

	var streamed strings.Builder
	result, err := loop.Run(context.Background(), "Draw me a fox", commandloop.RunOptions{
		OnChunk: func(c llm.Chunk) { streamed.WriteString(c.Text) },
	})
	require.NoError(t, err)

	assert.Equal(t, commandloop.StatusCompleted, result.Status)
	assert.Equal(t, "Your fox is ready.", result.Message)
	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, "mock://image/1", result.Artifacts[0].URI)
	assert.Contains(t, streamed.String(), "generate_image")
}

func TestStatsEndpoint(t *testing.T) {
	_, ts := startStudio(t, nil, options{})
	client := generation.NewClient(ts.URL)
	_, err := client.GenerateImage(context.Background(), "fox", nil)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var stats map[string]any
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, float64(1), stats["images"])
}
