// Package runevents publishes scene scheduler progress to NATS and keeps the
// latest manifest of every run in a JetStream KV bucket.
package runevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	scenescheduler "github.com/c360studio/scenegen/processor/scene-scheduler"
)

// Config holds configuration for run event publishing.
type Config struct {
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`

	// Bucket is the KV bucket holding manifests keyed by run ID.
	Bucket string `json:"bucket" yaml:"bucket"`

	// ManifestTTL expires stored manifests. Zero keeps them.
	ManifestTTL time.Duration `json:"manifest_ttl" yaml:"manifest_ttl"`

	// PublishTimeout bounds each publish.
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix:  "scenegen",
		Bucket:         "SCENEGEN_RUNS",
		ManifestTTL:    7 * 24 * time.Hour,
		PublishTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}

// ErrManifestNotFound is returned when no manifest is stored for a run.
var ErrManifestNotFound = errors.New("manifest not found")

type messagePublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

type manifestBucket interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
}

// Publisher implements scenescheduler.Observer on top of NATS.
// Failures are logged and counted; they never affect the run.
type Publisher struct {
	pub    messagePublisher
	bucket manifestBucket
	config Config
	logger *slog.Logger

	published atomic.Int64
	failures  atomic.Int64
}

var _ scenescheduler.Observer = (*Publisher)(nil)

// NewPublisher creates the manifest bucket if needed and returns a publisher.
func NewPublisher(ctx context.Context, nc *natsclient.Client, config Config, logger *slog.Logger) (*Publisher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	// CreateOrUpdateKeyValue is idempotent
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      config.Bucket,
		Description: "Scene generation run manifests",
		TTL:         config.ManifestTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return newPublisher(nc, bucket, config, logger), nil
}

func newPublisher(pub messagePublisher, bucket manifestBucket, config Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultConfig().PublishTimeout
	}
	return &Publisher{
		pub:    pub,
		bucket: bucket,
		config: config,
		logger: logger.With("component", "run-events"),
	}
}

// OnUpdate publishes a unit update.
func (p *Publisher) OnUpdate(u scenescheduler.Update) {
	p.publish(UnitSubject(p.config.SubjectPrefix, u.RunID, u.Unit.ID), u)
}

// OnRunDone publishes the manifest and stores it under the run ID.
func (p *Publisher) OnRunDone(m scenescheduler.Manifest) {
	data := p.publish(DoneSubject(p.config.SubjectPrefix, m.RunID), m)
	if data == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()
	if _, err := p.bucket.Put(ctx, m.RunID, data); err != nil {
		p.failures.Add(1)
		p.logger.Warn("Failed to store manifest", "run_id", m.RunID, "error", err)
	}
}

// Manifest loads the stored manifest of a run.
func (p *Publisher) Manifest(ctx context.Context, runID string) (scenescheduler.Manifest, error) {
	entry, err := p.bucket.Get(ctx, runID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return scenescheduler.Manifest{}, fmt.Errorf("run %s: %w", runID, ErrManifestNotFound)
	}
	if err != nil {
		return scenescheduler.Manifest{}, fmt.Errorf("get manifest: %w", err)
	}
	return DecodeManifest(entry.Value())
}

// Stats returns the number of messages published and failed operations.
func (p *Publisher) Stats() (published, failures int64) {
	return p.published.Load(), p.failures.Load()
}

// publish sends v as JSON and returns the payload, or nil when marshalling failed.
func (p *Publisher) publish(subject string, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		p.failures.Add(1)
		p.logger.Error("Failed to marshal run event", "subject", subject, "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()
	if err := p.pub.Publish(ctx, subject, data); err != nil {
		p.failures.Add(1)
		p.logger.Warn("Failed to publish run event", "subject", subject, "error", err)
		return data
	}
	p.published.Add(1)
	return data
}
