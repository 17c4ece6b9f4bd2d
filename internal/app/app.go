// Package app wires all Aulos subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem, Run keeps the gateway session and the ops HTTP server going,
// and Shutdown tears everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithDecoder,
// WithLogger, etc.). When an option is not provided, New creates real
// implementations from the config and secrets.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/perkola/aulos/internal/autoleave"
	"github.com/perkola/aulos/internal/blob"
	"github.com/perkola/aulos/internal/config"
	"github.com/perkola/aulos/internal/dashboard"
	"github.com/perkola/aulos/internal/discord"
	"github.com/perkola/aulos/internal/discord/commands"
	"github.com/perkola/aulos/internal/event"
	"github.com/perkola/aulos/internal/health"
	"github.com/perkola/aulos/internal/observe"
	"github.com/perkola/aulos/internal/pipeline"
	"github.com/perkola/aulos/internal/store"
	"github.com/perkola/aulos/internal/transcode"
	"github.com/perkola/aulos/internal/voice"
)

// opsStopTimeout bounds draining the ops HTTP server once Run winds down.
const opsStopTimeout = 5 * time.Second

// App owns all subsystem lifetimes and connects the chat platform to the
// audio pipeline.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New, torn down in Shutdown.
	pool     *pgxpool.Pool
	store    *store.Store
	assets   *blob.Storage
	bus      *event.Bus
	recorder *observe.Recorder
	worker   *transcode.Worker
	bot      *discord.Bot
	manager  *voice.Manager
	engine   *pipeline.Engine
	monitor  *autoleave.Monitor
	notifier *discord.Notifier
	hub      *dashboard.Hub
	ops      *health.Server
	watcher  *config.Watcher

	log      *slog.Logger
	logLevel *slog.LevelVar
	decoder  transcode.Decoder
	reload   string

	// closers run last-in-first-out during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger handed to every subsystem. Default:
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLogLevel hands New the level var behind the process logger so config
// reloads can adjust verbosity live.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithConfigReload watches path and applies hot-reloadable settings while
// the service runs. Without it the config is fixed at startup.
func WithConfigReload(path string) Option {
	return func(a *App) { a.reload = path }
}

// WithDecoder injects a decoder instead of spawning ffmpeg.
func WithDecoder(d transcode.Decoder) Option {
	return func(a *App) { a.decoder = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg carries the
// service tunables, secrets the credentials; neither may be nil.
//
// New performs all initialisation synchronously: it connects to Postgres and
// runs migrations, ensures the asset bucket exists, opens the gateway
// session, and assembles the playback engine with its command handlers.
// Nothing touches a voice channel until a command arrives.
func New(ctx context.Context, cfg *config.Config, secrets *config.Secrets, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	// ── 1. Track database ────────────────────────────────────────────────
	if err := a.initStore(ctx, secrets.Postgres); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Asset storage ─────────────────────────────────────────────────
	if err := a.initAssets(ctx, secrets.Minio); err != nil {
		return nil, fmt.Errorf("app: init assets: %w", err)
	}

	// ── 3. Event bus + telemetry ─────────────────────────────────────────
	if err := a.initBus(); err != nil {
		return nil, fmt.Errorf("app: init bus: %w", err)
	}

	// ── 4. Transcode worker ──────────────────────────────────────────────
	a.initTranscoder()

	// ── 5. Gateway session ───────────────────────────────────────────────
	if err := a.initGateway(secrets.Discord); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	// ── 6. Voice + playback engine ───────────────────────────────────────
	if err := a.initPlayback(); err != nil {
		return nil, fmt.Errorf("app: init playback: %w", err)
	}

	// ── 7. Auto-leave monitor ────────────────────────────────────────────
	if err := a.initAutoLeave(); err != nil {
		return nil, fmt.Errorf("app: init auto-leave: %w", err)
	}

	// ── 8. Commands + announcements ──────────────────────────────────────
	if err := a.initCommands(); err != nil {
		return nil, fmt.Errorf("app: init commands: %w", err)
	}

	// ── 9. Ops server ────────────────────────────────────────────────────
	if err := a.initOps(); err != nil {
		return nil, fmt.Errorf("app: init ops: %w", err)
	}

	// ── 10. Config reload ────────────────────────────────────────────────
	if err := a.initReload(); err != nil {
		return nil, fmt.Errorf("app: init reload: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the Postgres pool and brings the schema up to date.
func (a *App) initStore(ctx context.Context, pg config.PostgresSecrets) error {
	pool, err := store.Connect(ctx, pg.DSN())
	if err != nil {
		return err
	}
	a.pool = pool
	a.store = store.New(pool)
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	if err := a.store.Migrate(); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// initAssets connects the object store and makes sure the bucket exists.
func (a *App) initAssets(ctx context.Context, mc config.MinioSecrets) error {
	assets, err := blob.New(blob.Config{
		Endpoint:  mc.Endpoint,
		AccessKey: mc.AccessKey,
		SecretKey: mc.SecretKey,
		Bucket:    mc.Bucket,
		Secure:    mc.UseSSL,
	})
	if err != nil {
		return err
	}
	if err := assets.EnsureBucket(ctx); err != nil {
		return err
	}
	a.assets = assets
	return nil
}

// initBus creates the event bus and the metrics recorder feeding on it.
func (a *App) initBus() error {
	a.bus = event.NewBus(event.BusConfig{Logger: a.log})
	a.closers = append(a.closers, func() error {
		a.bus.Close()
		return nil
	})

	rec, err := observe.NewRecorder(observe.RecorderConfig{Bus: a.bus, Logger: a.log})
	if err != nil {
		return err
	}
	a.recorder = rec
	a.closers = append(a.closers, func() error {
		rec.Stop()
		return nil
	})
	return nil
}

// initTranscoder builds the decode worker. The worker holds no resources
// until a stream starts, so there is nothing to close.
func (a *App) initTranscoder() {
	dec := a.decoder
	if dec == nil {
		dec = &transcode.FFmpegDecoder{Path: a.cfg.Transcode.FFmpegPath}
	}
	a.worker = transcode.NewWorker(transcode.WorkerConfig{
		Logger:       a.log,
		Decoder:      dec,
		BufferFrames: a.cfg.Transcode.BufferFrames,
		StartTimeout: a.cfg.Transcode.StartTimeout(),
	})
}

// initGateway opens the chat-platform session. The bridge inside the bot
// answers voice credential requests from this point on.
func (a *App) initGateway(dc config.DiscordSecrets) error {
	bot, err := discord.New(discord.Config{
		Token:               dc.Token,
		GuildID:             dc.GuildID,
		RequireManageServer: dc.RequireManageServer,
		Logger:              a.log,
	})
	if err != nil {
		return err
	}
	a.bot = bot
	a.closers = append(a.closers, bot.Close)
	return nil
}

// initPlayback wires the voice connection manager and the playback engine.
func (a *App) initPlayback() error {
	mgr, err := voice.NewManager(voice.ManagerConfig{
		Credentials:      a.bot.Bridge(),
		Logger:           a.log,
		HandshakeTimeout: a.cfg.Voice.HandshakeTimeout(),
		MaxRetries:       a.cfg.Voice.ReconnectAttempts,
	})
	if err != nil {
		return err
	}
	a.manager = mgr
	a.closers = append(a.closers, func() error {
		mgr.Close()
		return nil
	})

	eng, err := pipeline.NewEngine(pipeline.EngineConfig{
		Store:      a.store,
		Assets:     a.assets,
		Transcoder: pipeline.NewTranscoder(a.worker),
		Voice:      pipeline.NewConnector(mgr),
		Bus:        a.bus,
		Stats:      a.recorder,
		Logger:     a.log,
	})
	if err != nil {
		return err
	}
	a.engine = eng
	a.closers = append(a.closers, func() error {
		eng.Close()
		return nil
	})
	return nil
}

// initAutoLeave starts the empty-channel and idle-session sweep.
func (a *App) initAutoLeave() error {
	mon, err := autoleave.NewMonitor(autoleave.MonitorConfig{
		Engine:    a.engine,
		Occupancy: a.bot.Bridge(),
		Settings:  a.store,
		Logger:    a.log,
		Interval:  a.cfg.Voice.AutoLeaveInterval(),
	})
	if err != nil {
		return err
	}
	a.monitor = mon
	a.closers = append(a.closers, func() error {
		mon.Stop()
		return nil
	})
	return nil
}

// initCommands registers the slash-command handlers and the announcement
// poster.
func (a *App) initCommands() error {
	notifier, err := discord.NewNotifier(discord.NotifierConfig{
		Bus:    a.bus,
		Poster: a.bot.Session(),
		Logger: a.log,
	})
	if err != nil {
		return err
	}
	a.notifier = notifier
	a.closers = append(a.closers, func() error {
		notifier.Close()
		return nil
	})

	perms := a.bot.Permissions()
	commands.NewPlaybackCommands(perms, a.engine, a.store, notifier).Register(a.bot.Router())
	commands.NewSettingsCommands(perms, a.store).Register(a.bot.Router())
	return nil
}

// initOps assembles the probes, the dashboard hub, and the ops HTTP server.
func (a *App) initOps() error {
	hub, err := dashboard.NewHub(dashboard.HubConfig{
		Bus:            a.bus,
		Snapshot:       a.engine,
		Logger:         a.log,
		OriginPatterns: a.cfg.Dashboard.AllowedOrigins,
	})
	if err != nil {
		return err
	}
	hub.SetEnabled(a.cfg.Dashboard.Enabled)
	a.hub = hub
	a.closers = append(a.closers, func() error {
		hub.Close()
		return nil
	})

	probes := health.New(
		health.Checker{Name: "database", Check: a.store.Ping},
		health.Checker{Name: "storage", Check: a.assets.Ping},
	)
	srv, err := health.NewServer(health.ServerConfig{
		Addr:      a.cfg.Server.ListenAddr,
		Probes:    probes,
		Dashboard: hub,
		Logger:    a.log,
	})
	if err != nil {
		return err
	}
	a.ops = srv
	return nil
}

// initReload starts the config file watcher when enabled.
func (a *App) initReload() error {
	if a.reload == "" {
		return nil
	}
	w, err := config.NewWatcher(a.reload, a.applyConfigChange)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run registers the slash commands, serves the ops endpoint, and blocks
// until ctx is cancelled or a subsystem fails. Returns ctx.Err() on a clean
// stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.bot.Run(gctx)
	})

	g.Go(func() error {
		if err := a.ops.ListenAndServe(); err != nil {
			return fmt.Errorf("app: ops server: %w", err)
		}
		return nil
	})

	// ListenAndServe has no context hook. Unblock it when the group winds
	// down so the goroutine above can return.
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), opsStopTimeout)
		defer cancel()
		return a.ops.Shutdown(stopCtx)
	})

	a.log.Info("aulos running",
		"ops_addr", a.cfg.Server.ListenAddr,
		"dashboard", a.cfg.Dashboard.Enabled,
		"hot_reload", a.reload != "",
	)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the subsystems down in reverse-init order: the config
// watcher and the sweeps stop first, then playback and the voice
// connections, then the gateway session, and the database pool last. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Config reload ───────────────────────────────────────────────────────────

// applyConfigChange is the watcher callback. It applies the hot-reloadable
// settings and names everything else as needing a restart.
func (a *App) applyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(d.NewLogLevel.Level())
		}
		a.log.Info("log level updated", "level", string(d.NewLogLevel))
	}
	if d.SweepIntervalChanged {
		a.monitor.SetInterval(d.NewSweepInterval)
		a.log.Info("auto-leave interval updated", "interval", d.NewSweepInterval)
	}
	if d.DashboardChanged {
		a.hub.SetOrigins(d.NewDashboard.AllowedOrigins)
		a.hub.SetEnabled(d.NewDashboard.Enabled)
		a.log.Info("dashboard settings updated", "enabled", d.NewDashboard.Enabled)
	}
	for _, path := range d.RestartRequired {
		a.log.Warn("config change needs a restart to apply", "path", path)
	}
}
