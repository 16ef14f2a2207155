package commandloop

import (
	"fmt"
	"time"

	"github.com/c360studio/scenegen/job"
	"github.com/c360studio/scenegen/model"
)

// Config holds configuration for the command loop.
type Config struct {
	// MaxIterations bounds the number of model turns per run.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`

	// HistoryWindow is how many previous command/result exchanges are replayed.
	HistoryWindow int `json:"history_window" yaml:"history_window"`

	// Capability selects the model endpoint chain.
	Capability  string  `json:"capability" yaml:"capability"`
	Temperature float64 `json:"temperature" yaml:"temperature"`

	VideoDurationSeconds int    `json:"video_duration_seconds" yaml:"video_duration_seconds"`
	VideoModel           string `json:"video_model" yaml:"video_model"`

	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	PollTimeout  time.Duration `json:"poll_timeout" yaml:"poll_timeout"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	poll := job.DefaultConfig()
	return Config{
		MaxIterations:        10,
		HistoryWindow:        2,
		Capability:           string(model.CapabilityChat),
		Temperature:          0.3,
		VideoDurationSeconds: 5,
		VideoModel:           "default",
		PollInterval:         poll.Interval,
		PollTimeout:          poll.Timeout,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	if c.HistoryWindow < 0 {
		return fmt.Errorf("history_window must not be negative")
	}
	if c.Capability == "" {
		return fmt.Errorf("capability is required")
	}
	if c.VideoDurationSeconds < 1 {
		return fmt.Errorf("video_duration_seconds must be at least 1")
	}
	if c.PollInterval <= 0 || c.PollTimeout < c.PollInterval {
		return fmt.Errorf("poll_interval must be positive and poll_timeout at least poll_interval")
	}
	return nil
}
