package autoleave_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/perkola/aulos/internal/autoleave"
	"github.com/perkola/aulos/internal/pipeline"
	"github.com/perkola/aulos/internal/store"
)

type fakeEngine struct {
	mu    sync.Mutex
	infos []pipeline.SessionInfo
	left  []string
}

func (f *fakeEngine) ActiveSessions() []pipeline.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.infos)
}

func (f *fakeEngine) Leave(guildID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, guildID)
	f.infos = slices.DeleteFunc(f.infos, func(i pipeline.SessionInfo) bool {
		return i.GuildID == guildID
	})
}

func (f *fakeEngine) leaves() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.left)
}

type fakeOccupancy struct {
	mu     sync.Mutex
	humans int
	err    error
}

func (f *fakeOccupancy) HumanCount(guildID, channelID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.humans, f.err
}

type fakeSettings struct {
	mu             sync.Mutex
	timeoutMinutes int
}

func (f *fakeSettings) Settings(ctx context.Context, guildID string) (store.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := store.DefaultSettings(guildID)
	s.AutoLeaveTimeoutMinutes = f.timeoutMinutes
	return s, nil
}

func newMonitor(t *testing.T, eng *fakeEngine, occ *fakeOccupancy, set *fakeSettings) *autoleave.Monitor {
	t.Helper()
	m, err := autoleave.NewMonitor(autoleave.MonitorConfig{
		Engine:    eng,
		Occupancy: occ,
		Settings:  set,
		Interval:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func session(guildID string, playing bool, idleFor time.Duration) pipeline.SessionInfo {
	return pipeline.SessionInfo{
		GuildID:      guildID,
		ChannelID:    "channel-1",
		Playing:      playing,
		LastActivity: time.Now().Add(-idleFor),
	}
}

func TestLeavesEmptyChannelEvenWhilePlaying(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{infos: []pipeline.SessionInfo{session("guild-1", true, 0)}}
	occ := &fakeOccupancy{humans: 0}
	newMonitor(t, eng, occ, &fakeSettings{timeoutMinutes: 5})

	waitUntil(t, func() bool { return len(eng.leaves()) == 1 }, "empty channel was not left")
	if got := eng.leaves(); got[0] != "guild-1" {
		t.Errorf("left guild = %q, want guild-1", got[0])
	}
}

func TestStaysWhileListenersPresent(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{infos: []pipeline.SessionInfo{session("guild-1", false, time.Minute)}}
	occ := &fakeOccupancy{humans: 2}
	newMonitor(t, eng, occ, &fakeSettings{timeoutMinutes: 5})

	time.Sleep(50 * time.Millisecond)
	if got := eng.leaves(); len(got) != 0 {
		t.Errorf("leaves = %v, want none with listeners present and idle under timeout", got)
	}
}

func TestLeavesAfterIdleTimeout(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{infos: []pipeline.SessionInfo{session("guild-1", false, 10*time.Minute)}}
	occ := &fakeOccupancy{humans: 2}
	newMonitor(t, eng, occ, &fakeSettings{timeoutMinutes: 5})

	waitUntil(t, func() bool { return len(eng.leaves()) == 1 }, "idle session was not left")
}

func TestPlayingSessionIgnoresIdleTimeout(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{infos: []pipeline.SessionInfo{session("guild-1", true, 10*time.Minute)}}
	occ := &fakeOccupancy{humans: 1}
	newMonitor(t, eng, occ, &fakeSettings{timeoutMinutes: 5})

	time.Sleep(50 * time.Millisecond)
	if got := eng.leaves(); len(got) != 0 {
		t.Errorf("leaves = %v, want none while playing", got)
	}
}

func TestZeroTimeoutDisablesIdleLeave(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{infos: []pipeline.SessionInfo{session("guild-1", false, 24*time.Hour)}}
	occ := &fakeOccupancy{humans: 1}
	newMonitor(t, eng, occ, &fakeSettings{timeoutMinutes: 0})

	time.Sleep(50 * time.Millisecond)
	if got := eng.leaves(); len(got) != 0 {
		t.Errorf("leaves = %v, want none with idle leave disabled", got)
	}
}

func TestOccupancyErrorKeepsSession(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{infos: []pipeline.SessionInfo{session("guild-1", false, time.Minute)}}
	occ := &fakeOccupancy{err: errors.New("gateway cache cold")}
	newMonitor(t, eng, occ, &fakeSettings{timeoutMinutes: 5})

	time.Sleep(50 * time.Millisecond)
	if got := eng.leaves(); len(got) != 0 {
		t.Errorf("leaves = %v, want none when occupancy is unknown", got)
	}
}

func TestStopEndsSweeping(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	occ := &fakeOccupancy{humans: 0}
	m := newMonitor(t, eng, occ, &fakeSettings{timeoutMinutes: 5})

	m.Stop()
	m.Stop() // idempotent

	eng.mu.Lock()
	eng.infos = []pipeline.SessionInfo{session("guild-1", false, time.Hour)}
	eng.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	if got := eng.leaves(); len(got) != 0 {
		t.Errorf("leaves after Stop() = %v, want none", got)
	}
}

func TestSetIntervalRearmsSweep(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{infos: []pipeline.SessionInfo{session("guild-1", false, 0)}}
	occ := &fakeOccupancy{humans: 0}
	m, err := autoleave.NewMonitor(autoleave.MonitorConfig{
		Engine:    eng,
		Occupancy: occ,
		Settings:  &fakeSettings{timeoutMinutes: 5},
		Interval:  time.Hour,
	})
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	t.Cleanup(m.Stop)

	time.Sleep(20 * time.Millisecond)
	if got := eng.leaves(); len(got) != 0 {
		t.Fatalf("leaves before re-arm = %v, want none", got)
	}

	m.SetInterval(0) // ignored
	m.SetInterval(5 * time.Millisecond)
	waitUntil(t, func() bool { return len(eng.leaves()) == 1 }, "sweep did not run after SetInterval")
}

func TestNewMonitorValidation(t *testing.T) {
	t.Parallel()

	base := func() autoleave.MonitorConfig {
		return autoleave.MonitorConfig{
			Engine:    &fakeEngine{},
			Occupancy: &fakeOccupancy{},
			Settings:  &fakeSettings{},
		}
	}

	tests := []struct {
		name string
		mut  func(*autoleave.MonitorConfig)
	}{
		{"missing engine", func(c *autoleave.MonitorConfig) { c.Engine = nil }},
		{"missing occupancy", func(c *autoleave.MonitorConfig) { c.Occupancy = nil }},
		{"missing settings", func(c *autoleave.MonitorConfig) { c.Settings = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mut(&cfg)
			if _, err := autoleave.NewMonitor(cfg); err == nil {
				t.Error("NewMonitor() error = nil, want validation error")
			}
		})
	}
}
