// Package config loads the clipflow YAML configuration and fills defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration.
type Config struct {
	Worker     WorkerConfig     `yaml:"worker"`
	Stages     StagesConfig     `yaml:"stages"`
	Paths      PathsConfig      `yaml:"paths"`
	Tools      ToolsConfig      `yaml:"tools"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Journal    JournalConfig    `yaml:"journal"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type WorkerConfig struct {
	WorkerCount int `yaml:"worker_count"` // concurrent stages across all jobs
	EventBuffer int `yaml:"event_buffer"` // per-subscriber channel size
	History     int `yaml:"history"`      // events retained for late pollers
}

// StageConfig is the retry and timeout policy of one stage. Unset fields
// inherit from stages.default.
type StageConfig struct {
	MaxRetries       *int          `yaml:"max_retries"`
	Timeout          time.Duration `yaml:"timeout"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	TimeoutPermanent *bool         `yaml:"timeout_permanent"`
}

type StagesConfig struct {
	Default      StageConfig `yaml:"default"`
	Download     StageConfig `yaml:"download"`
	AudioExtract StageConfig `yaml:"audio_extract"`
	Transcribe   StageConfig `yaml:"transcribe"`
	Summarize    StageConfig `yaml:"summarize"`
	Package      StageConfig `yaml:"package"`
}

type PathsConfig struct {
	WorkDir  string `yaml:"work_dir"`
	WatchDir string `yaml:"watch_dir"` // empty disables the upload watcher
}

type ToolsConfig struct {
	FFmpeg         string `yaml:"ffmpeg"`
	YtDlp          string `yaml:"ytdlp"`
	DownloadMethod string `yaml:"download_method"` // auto | http | ytdlp
	Whisper        string `yaml:"whisper"`
	WhisperModel   string `yaml:"whisper_model"`
	Language       string `yaml:"language"`
	CleanupAudio   bool   `yaml:"cleanup_audio"` // applied by the package stage
}

type SummarizerConfig struct {
	Provider  string `yaml:"provider"` // openai | gemini
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	Refine    bool   `yaml:"refine"`
	Prompt    string `yaml:"prompt"`
}

type SnapshotConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
	Keep     int           `yaml:"keep"` // timestamped backups kept on shutdown
}

type JournalConfig struct {
	Path string `yaml:"path"` // empty disables the SQLite journal
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"` // empty disables the remote control surface
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // auto | text | json
}

// Defaults for the retry policy.
const (
	DefaultMaxRetries  = 3
	DefaultTimeout     = 10 * time.Minute
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = time.Minute
)

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated config with every default applied.
func Default() *Config {
	var cfg Config
	_ = cfg.Validate()
	return &cfg
}

// Validate checks invariants and fills defaults in place.
func (c *Config) Validate() error {
	if c.Worker.WorkerCount < 0 {
		return fmt.Errorf("worker.worker_count must be >= 0")
	}
	if c.Worker.WorkerCount == 0 {
		c.Worker.WorkerCount = 2
	}
	if c.Worker.EventBuffer <= 0 {
		c.Worker.EventBuffer = 64
	}
	if c.Worker.History <= 0 {
		c.Worker.History = 500
	}

	d := &c.Stages.Default
	if d.MaxRetries == nil {
		n := DefaultMaxRetries
		d.MaxRetries = &n
	}
	if d.Timeout == 0 {
		d.Timeout = DefaultTimeout
	}
	if d.BackoffBase == 0 {
		d.BackoffBase = DefaultBackoffBase
	}
	if d.BackoffMax == 0 {
		d.BackoffMax = DefaultBackoffMax
	}
	if d.TimeoutPermanent == nil {
		f := false
		d.TimeoutPermanent = &f
	}
	for name, s := range c.Stages.all() {
		if s.MaxRetries != nil && *s.MaxRetries < 0 {
			return fmt.Errorf("stages.%s.max_retries must be >= 0", name)
		}
		if s.Timeout < 0 || s.BackoffBase < 0 || s.BackoffMax < 0 {
			return fmt.Errorf("stages.%s: durations must be >= 0", name)
		}
	}

	if c.Paths.WorkDir == "" {
		c.Paths.WorkDir = "data/work"
	}

	if c.Tools.FFmpeg == "" {
		c.Tools.FFmpeg = "ffmpeg"
	}
	if c.Tools.YtDlp == "" {
		c.Tools.YtDlp = "yt-dlp"
	}
	switch c.Tools.DownloadMethod {
	case "":
		c.Tools.DownloadMethod = "auto"
	case "auto", "http", "ytdlp":
	default:
		return fmt.Errorf("tools.download_method must be auto, http or ytdlp")
	}
	if c.Tools.Whisper == "" {
		c.Tools.Whisper = "whisper-cli"
	}
	if c.Tools.WhisperModel == "" {
		c.Tools.WhisperModel = "models/ggml-base.bin"
	}
	if c.Tools.Language == "" {
		c.Tools.Language = "auto"
	}

	switch c.Summarizer.Provider {
	case "":
		c.Summarizer.Provider = "openai"
	case "openai", "gemini":
	default:
		return fmt.Errorf("summarizer.provider must be openai or gemini")
	}
	if c.Summarizer.APIKeyEnv == "" {
		if c.Summarizer.Provider == "gemini" {
			c.Summarizer.APIKeyEnv = "GEMINI_API_KEY"
		} else {
			c.Summarizer.APIKeyEnv = "DEEPSEEK_API_KEY"
		}
	}
	if c.Summarizer.Provider == "openai" && c.Summarizer.BaseURL == "" && c.Summarizer.Model == "" {
		c.Summarizer.BaseURL = "https://api.deepseek.com/v1"
		c.Summarizer.Model = "deepseek-chat"
	}

	if c.Snapshot.Interval < 0 {
		return fmt.Errorf("snapshot.interval must be >= 0")
	}
	if c.Snapshot.Path != "" && c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = 30 * time.Second
	}

	if c.Metrics.Enabled && c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "auto"
	}
	return nil
}

func (s StagesConfig) all() map[string]StageConfig {
	return map[string]StageConfig{
		"default":       s.Default,
		"download":      s.Download,
		"audio_extract": s.AudioExtract,
		"transcribe":    s.Transcribe,
		"summarize":     s.Summarize,
		"package":       s.Package,
	}
}

// Policy is a fully resolved StageConfig.
type Policy struct {
	MaxRetries       int
	Timeout          time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	TimeoutPermanent bool
}

// Stage resolves the policy of a named stage against stages.default.
// Validate must have run first.
func (s StagesConfig) Stage(name string) Policy {
	d := s.Default
	p := Policy{
		MaxRetries:       deref(d.MaxRetries, DefaultMaxRetries),
		Timeout:          d.Timeout,
		BackoffBase:      d.BackoffBase,
		BackoffMax:       d.BackoffMax,
		TimeoutPermanent: d.TimeoutPermanent != nil && *d.TimeoutPermanent,
	}

	o, ok := s.all()[name]
	if !ok || name == "default" {
		return p
	}
	if o.MaxRetries != nil {
		p.MaxRetries = *o.MaxRetries
	}
	if o.Timeout > 0 {
		p.Timeout = o.Timeout
	}
	if o.BackoffBase > 0 {
		p.BackoffBase = o.BackoffBase
	}
	if o.BackoffMax > 0 {
		p.BackoffMax = o.BackoffMax
	}
	if o.TimeoutPermanent != nil {
		p.TimeoutPermanent = *o.TimeoutPermanent
	}
	return p
}

func deref(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// APIKey returns the summarizer key from the configured environment variable.
func (c *Config) APIKey() string {
	return os.Getenv(c.Summarizer.APIKeyEnv)
}
