// Package config provides the configuration schema, loader, per-request
// environment snapshot, and provider registry for the Crosstalk server.
package config

import "time"

// LogLevel controls log verbosity for the Crosstalk server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Crosstalk.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Paths    PathsConfig    `yaml:"paths"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PublicURL is the externally reachable HTTPS base under which uploads/
	// is served. AudioShake separation requires it.
	PublicURL string `yaml:"public_url"`
}

// PathsConfig holds the persistent and transient directory layout.
type PathsConfig struct {
	// CacheDir is the root of the JSON caches. Default: "cache".
	CacheDir string `yaml:"cache_dir"`

	// UploadsDir holds accepted audio and generated stems, publicly served.
	// Default: "uploads".
	UploadsDir string `yaml:"uploads_dir"`

	// TempDir holds per-run transient files, pruned after every run.
	// Default: "temp_uploads".
	TempDir string `yaml:"temp_dir"`
}

// PipelineConfig bounds concurrency and points at the local separation
// scripts.
type PipelineConfig struct {
	// MaxConcurrentRuns caps server-wide run admission. Default: 1, to
	// respect vendor rate limits per token.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// StemFanOut caps concurrent per-stem transcriptions within one run.
	// Clamped to [1, 4]. Default: 1 (serialized).
	StemFanOut int `yaml:"stem_fan_out"`

	// RunTimeout bounds one whole pipeline run. Default: 1 hour.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// PythonBin is the interpreter for the separation scripts.
	// Default: "python3".
	PythonBin string `yaml:"python_bin"`

	// PyAnnoteScript and SpeechBrainScript are the local separation entry
	// points. A pipeline mode whose script is unset cannot be selected.
	PyAnnoteScript    string `yaml:"pyannote_script"`
	SpeechBrainScript string `yaml:"speechbrain_script"`
}

// withDefaults fills unset fields in place.
func (c *Config) withDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Paths.CacheDir == "" {
		c.Paths.CacheDir = "cache"
	}
	if c.Paths.UploadsDir == "" {
		c.Paths.UploadsDir = "uploads"
	}
	if c.Paths.TempDir == "" {
		c.Paths.TempDir = "temp_uploads"
	}
	if c.Pipeline.MaxConcurrentRuns <= 0 {
		c.Pipeline.MaxConcurrentRuns = 1
	}
	if c.Pipeline.StemFanOut <= 0 {
		c.Pipeline.StemFanOut = 1
	}
	if c.Pipeline.StemFanOut > 4 {
		c.Pipeline.StemFanOut = 4
	}
	if c.Pipeline.RunTimeout <= 0 {
		c.Pipeline.RunTimeout = time.Hour
	}
	if c.Pipeline.PythonBin == "" {
		c.Pipeline.PythonBin = "python3"
	}
}
