package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPollsToComplete = 3
	streamChunkSize        = 24
	maxReferences          = 3
	maxIdentityReferences  = 2
)

// options tune the fake generation behaviour.
type options struct {
	// PollsToComplete is how many status checks a video job takes to finish.
	PollsToComplete int

	// FailMarker makes any image or video prompt containing it fail.
	FailMarker string
}

type videoJob struct {
	id     string
	prompt string
	polls  int
	failed bool
}

// server fakes the generation service and an OpenAI-compatible chat endpoint.
type server struct {
	opts     options
	fixtures map[string][]string
	logger   *slog.Logger

	images     atomic.Int64
	videoPolls atomic.Int64

	mu         sync.Mutex
	jobs       map[string]*videoJob
	chatCalls  map[string]int
	imageCalls []imageRequest
}

func newServer(fixtures map[string][]string, opts options, logger *slog.Logger) *server {
	if opts.PollsToComplete <= 0 {
		opts.PollsToComplete = defaultPollsToComplete
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		opts:      opts,
		fixtures:  fixtures,
		logger:    logger,
		jobs:      make(map[string]*videoJob),
		chatCalls: make(map[string]int),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /v1/images", s.handleImage)
	mux.HandleFunc("POST /v1/videos", s.handleSubmitVideo)
	mux.HandleFunc("GET /v1/videos/{id}", s.handlePollVideo)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	chat := make(map[string]int, len(s.chatCalls))
	for model, n := range s.chatCalls {
		chat[model] = n
	}
	jobs := len(s.jobs)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"images":        s.images.Load(),
		"video_jobs":    jobs,
		"video_polls":   s.videoPolls.Load(),
		"chat_by_model": chat,
	})
}

type imageRequest struct {
	Prompt     string   `json:"prompt"`
	References []string `json:"references"`
	Mode       string   `json:"mode"`
}

func (s *server) handleImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	limit := maxReferences
	if req.Mode == "identity" {
		limit = maxIdentityReferences
	}
	if len(req.References) > limit {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("at most %d references allowed in %q mode", limit, req.Mode))
		return
	}
	if s.shouldFail(req.Prompt) {
		writeError(w, http.StatusUnprocessableEntity, "content rejected")
		return
	}

	n := s.images.Add(1)
	s.mu.Lock()
	s.imageCalls = append(s.imageCalls, req)
	s.mu.Unlock()

	s.logger.Debug("Image generated", "n", n, "mode", req.Mode, "references", len(req.References))
	writeJSON(w, http.StatusOK, map[string]string{"uri": fmt.Sprintf("mock://image/%d", n)})
}

type videoRequest struct {
	Prompt     string   `json:"prompt"`
	References []string `json:"references"`
	Duration   int      `json:"duration"`
	Model      string   `json:"model"`
}

type videoJobResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	ResultURI string `json:"result_uri,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *server) handleSubmitVideo(w http.ResponseWriter, r *http.Request) {
	var req videoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if len(req.References) > maxReferences {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("at most %d references allowed", maxReferences))
		return
	}

	j := &videoJob{id: uuid.New().String(), prompt: req.Prompt, failed: s.shouldFail(req.Prompt)}
	s.mu.Lock()
	s.jobs[j.id] = j
	s.mu.Unlock()

	s.logger.Debug("Video job submitted", "job_id", j.id, "duration", req.Duration, "model", req.Model)
	writeJSON(w, http.StatusAccepted, videoJobResponse{ID: j.id, Status: "queued"})
}

func (s *server) handlePollVideo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.videoPolls.Add(1)

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "unknown job "+id)
		return
	}
	j.polls++
	resp := videoJobResponse{ID: j.id, Progress: min(100, j.polls*100/s.opts.PollsToComplete)}
	switch {
	case j.polls < s.opts.PollsToComplete:
		resp.Status = "processing"
	case j.failed:
		resp.Status = "failed"
		resp.Error = "render failed"
	default:
		resp.Status = "completed"
		resp.ResultURI = "mock://video/" + j.id
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) imageRequests() []imageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]imageRequest(nil), s.imageCalls...)
}

func (s *server) shouldFail(prompt string) bool {
	return s.opts.FailMarker != "" && strings.Contains(prompt, s.opts.FailMarker)
}

// --- OpenAI-compatible chat ---

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// nextReply returns the Nth fixture for model, falling back to the "default"
// model. The last fixture repeats once a sequence is exhausted.
func (s *server) nextReply(model string) (string, bool) {
	seq, ok := s.fixtures[model]
	if !ok {
		model = "default"
		seq, ok = s.fixtures[model]
	}
	if !ok || len(seq) == 0 {
		return "", false
	}

	s.mu.Lock()
	s.chatCalls[model]++
	n := s.chatCalls[model]
	s.mu.Unlock()

	return seq[min(n, len(seq))-1], true
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	reply, ok := s.nextReply(req.Model)
	if !ok {
		writeError(w, http.StatusNotFound, "no fixture for model "+req.Model)
		return
	}

	if !req.Stream {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      "mock-" + uuid.New().String(),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       chatMessage{Role: "assistant", Content: reply},
				"finish_reason": "stop",
			}},
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	send := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	for _, piece := range chunk(reply, streamChunkSize) {
		send(map[string]any{"choices": []map[string]any{{"delta": map[string]string{"content": piece}}}})
	}
	send(map[string]any{"choices": []map[string]any{{"delta": map[string]string{}, "finish_reason": "stop"}}})
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func chunk(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > size {
		out = append(out, string(runes[:size]))
		runes = runes[size:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": msg}})
}
