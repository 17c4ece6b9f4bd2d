// Package autoleave disconnects voice sessions nobody is listening to. A
// background sweep leaves channels that have no human occupants and sessions
// that sat idle past the guild's timeout.
package autoleave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/perkola/aulos/internal/pipeline"
	"github.com/perkola/aulos/internal/store"
)

const (
	defaultInterval = 30 * time.Second
	sweepTimeout    = 10 * time.Second
)

// Sessions is the engine surface the monitor sweeps. Satisfied by
// [pipeline.Engine].
type Sessions interface {
	ActiveSessions() []pipeline.SessionInfo
	Leave(guildID string)
}

// Occupancy reports how many humans share a voice channel. Bots do not count.
type Occupancy interface {
	HumanCount(guildID, channelID string) (int, error)
}

// SettingsSource reads the per-guild auto-leave timeout.
type SettingsSource interface {
	Settings(ctx context.Context, guildID string) (store.Settings, error)
}

// Monitor periodically sweeps active sessions and leaves abandoned channels.
type Monitor struct {
	log       *slog.Logger
	engine    Sessions
	occupancy Occupancy
	settings  SettingsSource

	mu       sync.Mutex
	interval time.Duration
	rearm    chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// MonitorConfig holds dependencies for creating a [Monitor].
type MonitorConfig struct {
	Engine    Sessions
	Occupancy Occupancy
	Settings  SettingsSource
	Logger    *slog.Logger

	// Interval between sweeps. Default: 30s.
	Interval time.Duration
}

// NewMonitor creates a monitor and starts sweeping in a background goroutine.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Engine == nil {
		return nil, errors.New("autoleave: engine is required")
	}
	if cfg.Occupancy == nil {
		return nil, errors.New("autoleave: occupancy source is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("autoleave: settings source is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	m := &Monitor{
		log:       log,
		engine:    cfg.Engine,
		occupancy: cfg.Occupancy,
		settings:  cfg.Settings,
		interval:  interval,
		rearm:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go m.poll()
	return m, nil
}

// Stop ends the sweep loop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// SetInterval changes the sweep cadence. The running ticker re-arms on the
// next loop iteration. Values <= 0 are ignored.
func (m *Monitor) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
	select {
	case m.rearm <- struct{}{}:
	default:
	}
}

func (m *Monitor) currentInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

func (m *Monitor) poll() {
	ticker := time.NewTicker(m.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-m.rearm:
			ticker.Reset(m.currentInterval())
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			m.sweep(ctx)
			cancel()
		}
	}
}

// sweep checks every live session once.
func (m *Monitor) sweep(ctx context.Context) {
	for _, info := range m.engine.ActiveSessions() {
		reason := m.leaveReason(ctx, info)
		if reason == "" {
			continue
		}
		m.log.Info("leaving voice channel",
			"guild_id", info.GuildID,
			"channel_id", info.ChannelID,
			"reason", reason,
		)
		m.engine.Leave(info.GuildID)
	}
}

// leaveReason decides whether a session should be torn down. An empty channel
// wins over everything, playback included; the idle timeout only applies to
// sessions that are not playing. A timeout of zero disables idle leaves.
func (m *Monitor) leaveReason(ctx context.Context, info pipeline.SessionInfo) string {
	humans, err := m.occupancy.HumanCount(info.GuildID, info.ChannelID)
	if err != nil {
		m.log.Warn("occupancy check failed", "guild_id", info.GuildID, "err", err)
	} else if humans == 0 {
		return "channel empty"
	}

	if info.Playing {
		return ""
	}

	settings, err := m.settings.Settings(ctx, info.GuildID)
	if err != nil {
		m.log.Warn("settings read failed", "guild_id", info.GuildID, "err", err)
		return ""
	}
	if settings.AutoLeaveTimeoutMinutes <= 0 {
		return ""
	}
	idle := time.Since(info.LastActivity)
	if idle < time.Duration(settings.AutoLeaveTimeoutMinutes)*time.Minute {
		return ""
	}
	return fmt.Sprintf("idle for %s", idle.Round(time.Second))
}
