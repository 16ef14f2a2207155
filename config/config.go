// Package config loads scenegen configuration from layered YAML files and
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete scenegen configuration.
type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Poller     PollerConfig     `yaml:"poller"`
	Loop       LoopConfig       `yaml:"loop"`
	Generation GenerationConfig `yaml:"generation"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	NATS       NATSConfig       `yaml:"nats"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	// ModelRegistry is a path to a model registry JSON file. Empty uses built-in defaults.
	ModelRegistry string `yaml:"model_registry"`
}

// SchedulerConfig configures batch execution.
type SchedulerConfig struct {
	// ConcurrencyLimit is the batch size: units dispatched together.
	ConcurrencyLimit int `yaml:"concurrency_limit"`
}

// PollerConfig configures video job polling.
type PollerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoopConfig configures the conversational command loop.
type LoopConfig struct {
	MaxIterations int `yaml:"max_iterations"`

	// HistoryWindow is how many previous command/result exchanges are replayed.
	HistoryWindow int     `yaml:"history_window"`
	Capability    string  `yaml:"capability"`
	Temperature   float64 `yaml:"temperature"`
}

// GenerationConfig points at the image/video generation service.
type GenerationConfig struct {
	URL            string        `yaml:"url"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	VideoModel     string        `yaml:"video_model"`
	VideoDuration  int           `yaml:"video_duration"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// GeminiConfig configures character image analysis.
type GeminiConfig struct {
	// APIKeyEnv names the environment variable holding the key. Analysis is
	// skipped when it is unset.
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
}

// NATSConfig configures run event publishing.
type NATSConfig struct {
	// URL is the NATS server URL. Empty disables publishing.
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Bucket        string `yaml:"bucket"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the server.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{ConcurrencyLimit: 3},
		Poller: PollerConfig{
			Interval: 5 * time.Second,
			Timeout:  10 * time.Minute,
		},
		Loop: LoopConfig{
			MaxIterations: 10,
			HistoryWindow: 2,
			Capability:    "chat",
			Temperature:   0.3,
		},
		Generation: GenerationConfig{
			URL:            "http://localhost:8090",
			APIKeyEnv:      "SCENEGEN_API_KEY",
			VideoModel:     "default",
			VideoDuration:  5,
			RequestTimeout: 2 * time.Minute,
		},
		Gemini: GeminiConfig{
			APIKeyEnv: "GEMINI_API_KEY",
			Model:     "gemini-1.5-flash",
		},
		NATS: NATSConfig{
			SubjectPrefix: "scenegen",
			Bucket:        "SCENEGEN_RUNS",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Scheduler.ConcurrencyLimit < 1 {
		return fmt.Errorf("scheduler.concurrency_limit must be at least 1")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive")
	}
	if c.Poller.Timeout < c.Poller.Interval {
		return fmt.Errorf("poller.timeout must be at least poller.interval")
	}
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be at least 1")
	}
	if c.Loop.HistoryWindow < 0 {
		return fmt.Errorf("loop.history_window must not be negative")
	}
	if c.Loop.Temperature < 0 || c.Loop.Temperature > 2 {
		return fmt.Errorf("loop.temperature must be between 0 and 2")
	}
	if c.Generation.URL == "" {
		return fmt.Errorf("generation.url is required")
	}
	if c.Generation.VideoDuration < 1 {
		return fmt.Errorf("generation.video_duration must be at least 1 second")
	}
	if c.NATS.URL != "" && (c.NATS.SubjectPrefix == "" || c.NATS.Bucket == "") {
		return fmt.Errorf("nats.subject_prefix and nats.bucket are required when nats.url is set")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// loadLayer reads a YAML file into a zero Config so only the keys it sets
// are non-zero and survive Merge.
func loadLayer(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one. Non-zero values in other win.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Scheduler.ConcurrencyLimit != 0 {
		c.Scheduler.ConcurrencyLimit = other.Scheduler.ConcurrencyLimit
	}

	if other.Poller.Interval != 0 {
		c.Poller.Interval = other.Poller.Interval
	}
	if other.Poller.Timeout != 0 {
		c.Poller.Timeout = other.Poller.Timeout
	}

	if other.Loop.MaxIterations != 0 {
		c.Loop.MaxIterations = other.Loop.MaxIterations
	}
	if other.Loop.HistoryWindow != 0 {
		c.Loop.HistoryWindow = other.Loop.HistoryWindow
	}
	if other.Loop.Capability != "" {
		c.Loop.Capability = other.Loop.Capability
	}
	if other.Loop.Temperature != 0 {
		c.Loop.Temperature = other.Loop.Temperature
	}

	if other.Generation.URL != "" {
		c.Generation.URL = other.Generation.URL
	}
	if other.Generation.APIKeyEnv != "" {
		c.Generation.APIKeyEnv = other.Generation.APIKeyEnv
	}
	if other.Generation.VideoModel != "" {
		c.Generation.VideoModel = other.Generation.VideoModel
	}
	if other.Generation.VideoDuration != 0 {
		c.Generation.VideoDuration = other.Generation.VideoDuration
	}
	if other.Generation.RequestTimeout != 0 {
		c.Generation.RequestTimeout = other.Generation.RequestTimeout
	}

	if other.Gemini.APIKeyEnv != "" {
		c.Gemini.APIKeyEnv = other.Gemini.APIKeyEnv
	}
	if other.Gemini.Model != "" {
		c.Gemini.Model = other.Gemini.Model
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}
	if other.NATS.Bucket != "" {
		c.NATS.Bucket = other.NATS.Bucket
	}

	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}

	if other.ModelRegistry != "" {
		c.ModelRegistry = other.ModelRegistry
	}
}
