package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs. Changes that can be
// applied to a running service carry their new values; everything else lands
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SweepIntervalChanged bool
	NewSweepInterval     time.Duration

	DashboardChanged bool
	NewDashboard     DashboardConfig

	// RestartRequired lists dotted config paths whose new values only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether the two configs were identical.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged &&
		!d.SweepIntervalChanged &&
		!d.DashboardChanged &&
		len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed. The log level,
// the auto-leave sweep interval, and the dashboard settings apply live; any
// other change is reported in RestartRequired.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice.AutoLeaveIntervalSeconds != new.Voice.AutoLeaveIntervalSeconds {
		d.SweepIntervalChanged = true
		d.NewSweepInterval = new.Voice.AutoLeaveInterval()
	}
	if old.Dashboard.Enabled != new.Dashboard.Enabled ||
		!slices.Equal(old.Dashboard.AllowedOrigins, new.Dashboard.AllowedOrigins) {
		d.DashboardChanged = true
		d.NewDashboard = new.Dashboard
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Voice.HandshakeTimeoutSeconds != new.Voice.HandshakeTimeoutSeconds {
		d.RestartRequired = append(d.RestartRequired, "voice.handshake_timeout_seconds")
	}
	if old.Voice.ReconnectAttempts != new.Voice.ReconnectAttempts {
		d.RestartRequired = append(d.RestartRequired, "voice.reconnect_attempts")
	}
	if old.Transcode != new.Transcode {
		d.RestartRequired = append(d.RestartRequired, "transcode")
	}

	return d
}
