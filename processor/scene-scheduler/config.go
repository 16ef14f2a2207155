package scenescheduler

import (
	"fmt"
	"time"

	"github.com/c360studio/scenegen/job"
)

// Config holds configuration for the scene scheduler.
type Config struct {
	// ConcurrencyLimit is the batch size. Units of a batch run concurrently;
	// batches run strictly in order.
	ConcurrencyLimit int `json:"concurrency_limit" yaml:"concurrency_limit"`

	// VideoDurationSeconds is the clip length requested for every unit.
	VideoDurationSeconds int `json:"video_duration_seconds" yaml:"video_duration_seconds"`

	// VideoModel is passed through to the video service.
	VideoModel string `json:"video_model" yaml:"video_model"`

	// PollInterval and PollTimeout bound each video job wait.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	PollTimeout  time.Duration `json:"poll_timeout" yaml:"poll_timeout"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	poll := job.DefaultConfig()
	return Config{
		ConcurrencyLimit:     3,
		VideoDurationSeconds: 5,
		VideoModel:           "default",
		PollInterval:         poll.Interval,
		PollTimeout:          poll.Timeout,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.ConcurrencyLimit < 1 {
		return fmt.Errorf("concurrency_limit must be at least 1")
	}
	if c.VideoDurationSeconds < 1 {
		return fmt.Errorf("video_duration_seconds must be at least 1")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.PollTimeout < c.PollInterval {
		return fmt.Errorf("poll_timeout must be at least poll_interval")
	}
	return nil
}
