package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/perkola/aulos/internal/autoleave"
	"github.com/perkola/aulos/internal/config"
	"github.com/perkola/aulos/internal/dashboard"
	"github.com/perkola/aulos/internal/event"
	"github.com/perkola/aulos/internal/pipeline"
	"github.com/perkola/aulos/internal/store"
	"github.com/perkola/aulos/internal/transcode"
)

// fakeSessions satisfies autoleave.Sessions and dashboard.Snapshotter with an
// empty view.
type fakeSessions struct{}

func (fakeSessions) ActiveSessions() []pipeline.SessionInfo      { return nil }
func (fakeSessions) Leave(string)                                {}
func (fakeSessions) QueueSnapshot(string) []pipeline.QueuedTrack { return nil }

type fakeOccupancy struct{}

func (fakeOccupancy) HumanCount(string, string) (int, error) { return 0, nil }

type fakeSettings struct{}

func (fakeSettings) Settings(_ context.Context, guildID string) (store.Settings, error) {
	return store.DefaultSettings(guildID), nil
}

// newReloadApp builds an App with just enough real subsystems to exercise
// the config reload path.
func newReloadApp(t *testing.T) *App {
	t.Helper()

	bus := event.NewBus(event.BusConfig{})
	t.Cleanup(bus.Close)

	mon, err := autoleave.NewMonitor(autoleave.MonitorConfig{
		Engine:    fakeSessions{},
		Occupancy: fakeOccupancy{},
		Settings:  fakeSettings{},
	})
	if err != nil {
		t.Fatalf("NewMonitor() error: %v", err)
	}
	t.Cleanup(mon.Stop)

	hub, err := dashboard.NewHub(dashboard.HubConfig{Bus: bus, Snapshot: fakeSessions{}})
	if err != nil {
		t.Fatalf("NewHub() error: %v", err)
	}
	t.Cleanup(hub.Close)

	return &App{
		log:      slog.Default(),
		logLevel: new(slog.LevelVar),
		monitor:  mon,
		hub:      hub,
	}
}

func reloadConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":0", LogLevel: config.LogInfo},
		Voice: config.VoiceConfig{
			AutoLeaveIntervalSeconds: 30,
			HandshakeTimeoutSeconds:  10,
			ReconnectAttempts:        3,
		},
		Dashboard: config.DashboardConfig{Enabled: true},
	}
}

func TestShutdownRunsClosersInReverse(t *testing.T) {
	t.Parallel()

	a := &App{log: slog.Default()}
	var order []string
	for _, name := range []string{"pool", "bus", "gateway"} {
		a.closers = append(a.closers, func() error {
			order = append(order, name)
			return nil
		})
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	want := []string{"gateway", "bus", "pool"}
	if !slices.Equal(order, want) {
		t.Fatalf("closer order = %v, want %v", order, want)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	a := &App{log: slog.Default()}
	calls := 0
	a.closers = append(a.closers, func() error {
		calls++
		return nil
	})

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown() error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("closer ran %d times, want 1", calls)
	}
}

func TestShutdownKeepsGoingOnCloserError(t *testing.T) {
	t.Parallel()

	a := &App{log: slog.Default()}
	ran := false
	a.closers = append(a.closers,
		func() error {
			ran = true
			return nil
		},
		func() error { return errors.New("boom") },
	)

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if !ran {
		t.Fatal("closer scheduled after the failing one did not run")
	}
}

func TestShutdownDeadline(t *testing.T) {
	t.Parallel()

	a := &App{log: slog.Default()}
	ran := false
	a.closers = append(a.closers, func() error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown() error = %v, want context.Canceled", err)
	}
	if ran {
		t.Fatal("closer ran past the deadline")
	}
}

func TestApplyConfigChange(t *testing.T) {
	t.Parallel()

	a := newReloadApp(t)

	old := reloadConfig()
	updated := reloadConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Voice.AutoLeaveIntervalSeconds = 5
	updated.Dashboard.Enabled = false

	a.applyConfigChange(old, updated)

	if got := a.logLevel.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want %v", got, slog.LevelDebug)
	}

	rec := httptest.NewRecorder()
	a.hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("dashboard status after disable = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestApplyConfigChangeNoop(t *testing.T) {
	t.Parallel()

	a := newReloadApp(t)
	cfg := reloadConfig()

	a.applyConfigChange(cfg, cfg)

	if got := a.logLevel.Level(); got != slog.LevelInfo {
		t.Errorf("log level = %v, want %v", got, slog.LevelInfo)
	}
	rec := httptest.NewRecorder()
	a.hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code == http.StatusForbidden {
		t.Error("dashboard was disabled by a no-op reload")
	}
}

func TestOptions(t *testing.T) {
	t.Parallel()

	lv := new(slog.LevelVar)
	log := slog.Default()
	dec := &transcode.FFmpegDecoder{Path: "/opt/ffmpeg"}

	a := &App{}
	for _, o := range []Option{
		WithLogger(log),
		WithLogLevel(lv),
		WithConfigReload("aulos.yaml"),
		WithDecoder(dec),
	} {
		o(a)
	}

	if a.log != log {
		t.Error("WithLogger did not set the logger")
	}
	if a.logLevel != lv {
		t.Error("WithLogLevel did not set the level var")
	}
	if a.reload != "aulos.yaml" {
		t.Error("WithConfigReload did not set the path")
	}
	if a.decoder != dec {
		t.Error("WithDecoder did not set the decoder")
	}
}
