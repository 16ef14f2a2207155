package runevents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scenescheduler "github.com/c360studio/scenegen/processor/scene-scheduler"
	"github.com/c360studio/scenegen/scene"
)

type message struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, message{subject: subject, data: data})
	return nil
}

type entry struct {
	jetstream.KeyValueEntry
	value []byte
}

func (e entry) Value() []byte { return e.value }

type fakeBucket struct {
	mu     sync.Mutex
	values map[string][]byte
	err    error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{values: make(map[string][]byte)}
}

func (f *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.values[key] = value
	return uint64(len(f.values)), nil
}

func (f *fakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return entry{value: v}, nil
}

func testManifest() scenescheduler.Manifest {
	return scenescheduler.Manifest{
		RunID:     "run-1",
		Finished:  true,
		Progress:  1,
		Succeeded: []int{1},
		Failed:    []int{2},
		Pending:   []int{},
		Errors:    map[int]string{2: "boom"},
		Units: []scene.Unit{
			{ID: 1, Status: scene.StatusCompleted, VideoArtifact: "mem://video/job-1"},
			{ID: 2, Status: scene.StatusFailed, LastError: "boom"},
		},
		StartedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		FinishedAt: time.Date(2026, 1, 2, 3, 5, 5, 0, time.UTC),
	}
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "scenegen.run.abc.unit.3", UnitSubject("scenegen", "abc", 3))
	assert.Equal(t, "scenegen.run.abc.done", DoneSubject("scenegen", "abc"))
	assert.Equal(t, "scenegen.run.abc.>", RunSubjects("scenegen", "abc"))
}

func TestParseSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		runID   string
		unitID  int
		wantErr bool
	}{
		{name: "unit", subject: "scenegen.run.abc.unit.7", runID: "abc", unitID: 7},
		{name: "done", subject: "scenegen.run.abc.done", runID: "abc", unitID: -1},
		{name: "other prefix", subject: "other.run.abc.done", wantErr: true},
		{name: "bad unit id", subject: "scenegen.run.abc.unit.x", wantErr: true},
		{name: "unknown kind", subject: "scenegen.run.abc.status", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runID, unitID, err := ParseSubject("scenegen", tt.subject)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.runID, runID)
			assert.Equal(t, tt.unitID, unitID)
		})
	}
}

func TestDecodeRejectsMissingRunID(t *testing.T) {
	_, err := DecodeUpdate([]byte(`{"stage":"image"}`))
	assert.Error(t, err)

	_, err = DecodeManifest([]byte(`{"finished":true}`))
	assert.Error(t, err)

	_, err = DecodeManifest([]byte(`not json`))
	assert.Error(t, err)
}

func TestPublisherOnUpdate(t *testing.T) {
	pub := &fakePublisher{}
	p := newPublisher(pub, newFakeBucket(), DefaultConfig(), nil)

	p.OnUpdate(scenescheduler.Update{
		RunID:    "run-1",
		Unit:     scene.Unit{ID: 4, Status: scene.StatusImageDone, ImageArtifact: "mem://image/1"},
		Stage:    scenescheduler.StageImage,
		Progress: 0.25,
	})

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "scenegen.run.run-1.unit.4", pub.msgs[0].subject)

	u, err := DecodeUpdate(pub.msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, scene.StatusImageDone, u.Unit.Status)
	assert.Equal(t, "mem://image/1", u.Unit.ImageArtifact)
	assert.InDelta(t, 0.25, u.Progress, 1e-9)

	published, failures := p.Stats()
	assert.Equal(t, int64(1), published)
	assert.Zero(t, failures)
}

func TestPublisherOnRunDoneStoresManifest(t *testing.T) {
	pub := &fakePublisher{}
	bucket := newFakeBucket()
	p := newPublisher(pub, bucket, DefaultConfig(), nil)

	want := testManifest()
	p.OnRunDone(want)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "scenegen.run.run-1.done", pub.msgs[0].subject)

	got, err := p.Manifest(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, want.Succeeded, got.Succeeded)
	assert.Equal(t, want.Failed, got.Failed)
	assert.Equal(t, "boom", got.Errors[2])
	assert.Len(t, got.Units, 2)
	assert.True(t, got.FinishedAt.Equal(want.FinishedAt))
}

func TestPublisherManifestNotFound(t *testing.T) {
	p := newPublisher(&fakePublisher{}, newFakeBucket(), DefaultConfig(), nil)

	_, err := p.Manifest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestPublisherErrorsAreSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection closed")}
	bucket := newFakeBucket()
	p := newPublisher(pub, bucket, DefaultConfig(), nil)

	p.OnUpdate(scenescheduler.Update{RunID: "run-1", Unit: scene.Unit{ID: 1}})
	p.OnRunDone(testManifest())

	published, failures := p.Stats()
	assert.Zero(t, published)
	assert.Equal(t, int64(2), failures)

	// The manifest is still stored when only the publish fails.
	_, err := p.Manifest(context.Background(), "run-1")
	assert.NoError(t, err)
}

func TestPublisherStoreFailureCounted(t *testing.T) {
	bucket := newFakeBucket()
	bucket.err = errors.New("bucket gone")
	p := newPublisher(&fakePublisher{}, bucket, DefaultConfig(), nil)

	p.OnRunDone(testManifest())

	published, failures := p.Stats()
	assert.Equal(t, int64(1), published)
	assert.Equal(t, int64(1), failures)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.SubjectPrefix = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Bucket = ""
	assert.Error(t, cfg.Validate())
}
