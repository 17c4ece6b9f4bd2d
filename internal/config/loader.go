package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by the loader when the file leaves a field unset.
const (
	defaultListenAddr               = ":8080"
	defaultLogLevel                 = LogInfo
	defaultAutoLeaveIntervalSeconds = 30
	defaultHandshakeTimeoutSeconds  = 10
	defaultReconnectAttempts        = 3
	defaultBufferFrames             = 16
	defaultStartTimeoutSeconds      = 10
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals. An empty document yields the all-defaults config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields. Only zero values are touched, so a
// negative value written on purpose or by accident still reaches [Validate].
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = defaultLogLevel
	}
	if cfg.Voice.AutoLeaveIntervalSeconds == 0 {
		cfg.Voice.AutoLeaveIntervalSeconds = defaultAutoLeaveIntervalSeconds
	}
	if cfg.Voice.HandshakeTimeoutSeconds == 0 {
		cfg.Voice.HandshakeTimeoutSeconds = defaultHandshakeTimeoutSeconds
	}
	if cfg.Voice.ReconnectAttempts == 0 {
		cfg.Voice.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.Transcode.BufferFrames == 0 {
		cfg.Transcode.BufferFrames = defaultBufferFrames
	}
	if cfg.Transcode.StartTimeoutSeconds == 0 {
		cfg.Transcode.StartTimeoutSeconds = defaultStartTimeoutSeconds
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// A sweep faster than this hammers the settings store for no benefit.
	if cfg.Voice.AutoLeaveIntervalSeconds < 5 {
		errs = append(errs, fmt.Errorf("voice.auto_leave_interval_seconds %d is below the minimum of 5", cfg.Voice.AutoLeaveIntervalSeconds))
	}
	if cfg.Voice.HandshakeTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("voice.handshake_timeout_seconds %d must be positive", cfg.Voice.HandshakeTimeoutSeconds))
	}
	if cfg.Voice.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("voice.reconnect_attempts %d must not be negative", cfg.Voice.ReconnectAttempts))
	}

	if cfg.Transcode.BufferFrames <= 0 {
		errs = append(errs, fmt.Errorf("transcode.buffer_frames %d must be positive", cfg.Transcode.BufferFrames))
	}
	if cfg.Transcode.StartTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("transcode.start_timeout_seconds %d must be positive", cfg.Transcode.StartTimeoutSeconds))
	}

	for i, origin := range cfg.Dashboard.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			errs = append(errs, fmt.Errorf("dashboard.allowed_origins[%d] is empty", i))
		}
	}
	if cfg.Dashboard.Enabled && len(cfg.Dashboard.AllowedOrigins) == 0 {
		slog.Warn("dashboard enabled without allowed_origins; only same-origin consoles can connect")
	}

	return errors.Join(errs...)
}
