// Package config provides the configuration schema, loader, and file watcher
// for the Aulos service.
//
// Configuration comes in two layers: a YAML file with service tunables,
// loaded by [Load] and hot-reloaded by [Watcher], and credentials read from
// the environment by [LoadSecrets]. Secrets never live in the YAML file.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the service.
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

// Level converts l to its slog equivalent. Unknown levels map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for Aulos.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Voice     VoiceConfig     `yaml:"voice"`
	Transcode TranscodeConfig `yaml:"transcode"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// ServerConfig holds network and logging settings for the ops HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the ops server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Applies live on reload.
	LogLevel LogLevel `yaml:"log_level"`
}

// VoiceConfig tunes the voice connection layer and the auto-leave sweep.
type VoiceConfig struct {
	// AutoLeaveIntervalSeconds is the cadence of the empty-channel and
	// idle-session sweep. Applies live on reload.
	AutoLeaveIntervalSeconds int `yaml:"auto_leave_interval_seconds"`

	// HandshakeTimeoutSeconds bounds each phase of the voice handshake.
	HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds"`

	// ReconnectAttempts is how many reconnects a lost voice session gets
	// before it is declared terminal.
	ReconnectAttempts int `yaml:"reconnect_attempts"`
}

// AutoLeaveInterval returns the sweep cadence as a duration.
func (v VoiceConfig) AutoLeaveInterval() time.Duration {
	return time.Duration(v.AutoLeaveIntervalSeconds) * time.Second
}

// HandshakeTimeout returns the handshake phase bound as a duration.
func (v VoiceConfig) HandshakeTimeout() time.Duration {
	return time.Duration(v.HandshakeTimeoutSeconds) * time.Second
}

// TranscodeConfig tunes the audio decode worker.
type TranscodeConfig struct {
	// FFmpegPath is the decoder binary. Empty means "ffmpeg" from $PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// BufferFrames is the per-stream decoded frame buffer capacity.
	BufferFrames int `yaml:"buffer_frames"`

	// StartTimeoutSeconds kills a decoder that has produced no audio yet.
	StartTimeoutSeconds int `yaml:"start_timeout_seconds"`
}

// StartTimeout returns the decoder start bound as a duration.
func (t TranscodeConfig) StartTimeout() time.Duration {
	return time.Duration(t.StartTimeoutSeconds) * time.Second
}

// DashboardConfig controls the operator console WebSocket feed on the ops
// server. Disabled by default; the feed exposes guild activity, so operators
// opt in. Both fields apply live on reload.
type DashboardConfig struct {
	// Enabled turns the /ws endpoint on.
	Enabled bool `yaml:"enabled"`

	// AllowedOrigins lists origin patterns accepted for cross-origin console
	// connections (e.g., "ops.example.com"). Empty means same origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}
