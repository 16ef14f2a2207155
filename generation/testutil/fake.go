// Package testutil provides scripted fakes of the generation service.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c360studio/scenegen/generation"
	"github.com/c360studio/scenegen/job"
)

// ImageCall records one image request.
type ImageCall struct {
	Prompt     string
	References []string
	Identity   bool
}

// FakeService is a thread-safe in-memory generation.Service.
// Images complete immediately; video jobs complete after PollsToComplete polls.
type FakeService struct {
	// FailImage makes image requests whose prompt matches fail.
	FailImage func(prompt string) bool
	// FailVideo makes video jobs whose prompt matches end in a failed status.
	FailVideo func(prompt string) bool
	// PollsToComplete is how many polls a video job reports in progress. Zero
	// means the job is already complete on submission.
	PollsToComplete int
	// OnImage, when set, runs before each image request returns.
	OnImage func(ctx context.Context, prompt string)

	mu          sync.Mutex
	imageCalls  []ImageCall
	videoCalls  []generation.VideoRequest
	jobs        map[string]*fakeJob
	nextID      int
	pollCalls   atomic.Int64
	activeCalls atomic.Int64
	maxActive   atomic.Int64
}

type fakeJob struct {
	req   generation.VideoRequest
	polls int
}

var _ generation.Service = (*FakeService)(nil)

// NewFakeService creates a fake with no failures.
func NewFakeService() *FakeService {
	return &FakeService{jobs: make(map[string]*fakeJob)}
}

func (f *FakeService) enter() func() {
	n := f.activeCalls.Add(1)
	for {
		peak := f.maxActive.Load()
		if n <= peak || f.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}
	return func() { f.activeCalls.Add(-1) }
}

// GenerateImage implements generation.ImageGenerator.
func (f *FakeService) GenerateImage(ctx context.Context, prompt string, refs []string) (string, error) {
	return f.image(ctx, prompt, refs, false)
}

// GenerateImageWithIdentityReferences implements generation.ImageGenerator.
func (f *FakeService) GenerateImageWithIdentityReferences(ctx context.Context, prompt string, refs []string) (string, error) {
	return f.image(ctx, prompt, refs, true)
}

func (f *FakeService) image(ctx context.Context, prompt string, refs []string, identity bool) (string, error) {
	defer f.enter()()

	f.mu.Lock()
	f.imageCalls = append(f.imageCalls, ImageCall{
		Prompt:     prompt,
		References: append([]string(nil), refs...),
		Identity:   identity,
	})
	n := len(f.imageCalls)
	f.mu.Unlock()

	if f.OnImage != nil {
		f.OnImage(ctx, prompt)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.FailImage != nil && f.FailImage(prompt) {
		return "", fmt.Errorf("image service rejected prompt")
	}
	return fmt.Sprintf("mem://image/%d", n), nil
}

// SubmitVideoJob implements generation.VideoJobs.
func (f *FakeService) SubmitVideoJob(ctx context.Context, req generation.VideoRequest) (job.Handle, error) {
	defer f.enter()()
	if err := req.Validate(); err != nil {
		return job.Handle{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoCalls = append(f.videoCalls, req)
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	j := &fakeJob{req: req}
	f.jobs[id] = j
	return f.state(id, j), nil
}

// PollVideoJob implements generation.VideoJobs.
func (f *FakeService) PollVideoJob(ctx context.Context, id string) (job.Handle, error) {
	f.pollCalls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return job.Handle{}, fmt.Errorf("unknown job %s", id)
	}
	j.polls++
	return f.state(id, j), nil
}

func (f *FakeService) state(id string, j *fakeJob) job.Handle {
	if j.polls < f.PollsToComplete {
		return job.Handle{
			ExternalID: id,
			Status:     job.StatusInProgress,
			Progress:   100 * j.polls / f.PollsToComplete,
		}
	}
	if f.FailVideo != nil && f.FailVideo(j.req.Prompt) {
		return job.Handle{ExternalID: id, Status: job.StatusFailed, Error: "video service failed the job"}
	}
	return job.Handle{
		ExternalID: id,
		Status:     job.StatusCompleted,
		Progress:   100,
		ResultURI:  "mem://video/" + id,
	}
}

// ImageCalls returns a copy of the recorded image requests.
func (f *FakeService) ImageCalls() []ImageCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ImageCall(nil), f.imageCalls...)
}

// VideoCalls returns a copy of the recorded video submissions.
func (f *FakeService) VideoCalls() []generation.VideoRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generation.VideoRequest(nil), f.videoCalls...)
}

// TotalCalls returns image, video and poll requests combined.
func (f *FakeService) TotalCalls() int {
	f.mu.Lock()
	n := len(f.imageCalls) + len(f.videoCalls)
	f.mu.Unlock()
	return n + int(f.pollCalls.Load())
}

// MaxConcurrent returns the highest number of overlapping image or submit calls.
func (f *FakeService) MaxConcurrent() int {
	return int(f.maxActive.Load())
}

// FakeAnalyzer returns a fixed description or error.
type FakeAnalyzer struct {
	Description string
	Err         error
	calls       atomic.Int64
}

// AnalyzeCharacter implements generation.CharacterAnalyzer.
func (a *FakeAnalyzer) AnalyzeCharacter(ctx context.Context, imageBase64 string) (string, error) {
	a.calls.Add(1)
	if a.Err != nil {
		return "", a.Err
	}
	return a.Description, nil
}

// Calls returns how many times the analyzer ran.
func (a *FakeAnalyzer) Calls() int {
	return int(a.calls.Load())
}
