// Package config provides the configuration structure for the voice-clone service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Environment variables holding secrets that never live in project.toml.
const (
	EnvHFToken     = "HF_TOKEN"
	EnvDatabaseURL = "DATABASE_URL"
)

// Dataset store backends.
const (
	DatasetBackendNATS        = "nats"
	DatasetBackendHuggingFace = "huggingface"
	DatasetBackendPostgres    = "postgres"
)

// Restart modes.
const (
	RestartModeSpace = "space"
	RestartModeExit  = "exit"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	BindAddr               string `toml:"bind_addr"`
	MaxUploadBytes         int64  `toml:"max_upload_bytes"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
	AllowAnyOrigin         bool   `toml:"allow_any_origin"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                  string `toml:"url"`
	SynthesisSubject     string `toml:"synthesis_subject"`
	AudioObjectStoreName string `toml:"audio_object_store_bucket"`
	FlaggedBucket        string `toml:"flagged_object_store_bucket"`
}

// ModelConfig points at the XTTS streaming inference server.
type ModelConfig struct {
	ServiceURL      string `toml:"service_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	StreamChunkSize int    `toml:"stream_chunk_size"`
	SampleRate      int    `toml:"sample_rate"`
}

// CleanupConfig holds the reference-audio filter settings. Both filter
// stages are on unless skipped.
type CleanupConfig struct {
	BinaryPath       string  `toml:"binary_path"`
	SkipBandpass     bool    `toml:"skip_bandpass"`
	HighPassHz       int     `toml:"high_pass_hz"`
	LowPassHz        int     `toml:"low_pass_hz"`
	SkipTrimSilence  bool    `toml:"skip_trim_silence"`
	SilenceThreshold float64 `toml:"silence_threshold"`
	TimeoutSeconds   int     `toml:"timeout_seconds"`
}

// ValidationConfig holds the prompt limits.
type ValidationConfig struct {
	MinChars        int `toml:"min_chars"`
	MaxChars        int `toml:"max_chars"`
	AutoDetectAbove int `toml:"auto_detect_above_chars"`
}

// ReferenceConfig holds reference-audio locations.
type ReferenceConfig struct {
	DefaultPath      string `toml:"default_path"`
	UploadDir        string `toml:"upload_dir"`
	RetentionMinutes int    `toml:"retention_minutes"`
}

// DatasetConfig selects where flagged requests are persisted.
type DatasetConfig struct {
	Backend string `toml:"backend"`
	RepoID  string `toml:"repo_id"`
	HubURL  string `toml:"hub_url"`
	Token   string `toml:"-"`
	DSN     string `toml:"-"`
}

// HostingConfig selects how the process is recycled after a device fault.
type HostingConfig struct {
	RestartMode string `toml:"restart_mode"`
	SpaceID     string `toml:"space_id"`
	ExitCode    int    `toml:"exit_code"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	OutputDir   string `toml:"output_dir"`
}

// MetricsConfig holds the Prometheus settings.
type MetricsConfig struct {
	Namespace string `toml:"namespace"`
}

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	NATS       NATSConfig       `toml:"nats"`
	Model      ModelConfig      `toml:"model"`
	Cleanup    CleanupConfig    `toml:"cleanup"`
	Validation ValidationConfig `toml:"validation"`
	Reference  ReferenceConfig  `toml:"reference"`
	Dataset    DatasetConfig    `toml:"dataset"`
	Hosting    HostingConfig    `toml:"hosting"`
	Paths      PathsConfig      `toml:"paths"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// Load loads the configuration for the voice-clone service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.Dataset.Token = os.Getenv(EnvHFToken)
	cfg.Dataset.DSN = os.Getenv(EnvDatabaseURL)

	return &cfg, nil
}

// ApplyDefaults fills every zero-valued setting that has a sensible default.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.BindAddr, ":7860")
	setInt64(&c.Server.MaxUploadBytes, 20<<20)
	setInt(&c.Server.ShutdownTimeoutSeconds, 10)

	setString(&c.NATS.URL, "nats://127.0.0.1:4222")
	setString(&c.NATS.SynthesisSubject, "synthesis.requested")
	setString(&c.NATS.AudioObjectStoreName, "AUDIO_FILES")
	setString(&c.NATS.FlaggedBucket, "FLAGGED_REQUESTS")

	setString(&c.Model.ServiceURL, "http://127.0.0.1:8000")
	setInt(&c.Model.TimeoutSeconds, 300)
	setInt(&c.Model.StreamChunkSize, 20)
	setInt(&c.Model.SampleRate, 24000)

	setString(&c.Cleanup.BinaryPath, "ffmpeg")
	setInt(&c.Cleanup.HighPassHz, 75)
	setInt(&c.Cleanup.LowPassHz, 8000)
	setFloat(&c.Cleanup.SilenceThreshold, 0.02)
	setInt(&c.Cleanup.TimeoutSeconds, 30)

	setInt(&c.Validation.MinChars, 2)
	setInt(&c.Validation.MaxChars, 200)
	setInt(&c.Validation.AutoDetectAbove, 15)

	setString(&c.Reference.UploadDir, filepath.Join(os.TempDir(), "voice-clone-uploads"))
	setInt(&c.Reference.RetentionMinutes, 60)

	setString(&c.Dataset.Backend, DatasetBackendNATS)
	setString(&c.Dataset.HubURL, "https://huggingface.co")

	setString(&c.Hosting.RestartMode, RestartModeExit)
	setInt(&c.Hosting.ExitCode, 1)

	setString(&c.Paths.BaseLogsDir, os.TempDir())
	setString(&c.Paths.OutputDir, ".")

	setString(&c.Metrics.Namespace, "voice_clone")
}

// ModelTimeout returns the model call timeout. A negative setting disables
// it and yields zero.
func (c *Config) ModelTimeout() time.Duration {
	return secondsOrNone(c.Model.TimeoutSeconds)
}

// CleanupTimeout returns the filter subprocess timeout. A negative setting
// disables it and yields zero.
func (c *Config) CleanupTimeout() time.Duration {
	return secondsOrNone(c.Cleanup.TimeoutSeconds)
}

// UploadRetention returns how long uploaded clips are kept. A negative
// setting disables expiry and yields zero.
func (c *Config) UploadRetention() time.Duration {
	if c.Reference.RetentionMinutes < 0 {
		return 0
	}

	return time.Duration(c.Reference.RetentionMinutes) * time.Minute
}

// ShutdownTimeout returns the graceful HTTP shutdown window.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

func secondsOrNone(seconds int) time.Duration {
	if seconds < 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}

func setInt64(field *int64, value int64) {
	if *field == 0 {
		*field = value
	}
}

func setFloat(field *float64, value float64) {
	if *field == 0 {
		*field = value
	}
}
