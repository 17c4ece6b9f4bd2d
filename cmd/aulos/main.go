// Command aulos is the main entry point for the Aulos soundboard service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/perkola/aulos/internal/app"
	"github.com/perkola/aulos/internal/config"
	"github.com/perkola/aulos/internal/observe"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "aulos.yaml", "path to the YAML configuration file")
	noReload := flag.Bool("no-reload", false, "disable config hot reload")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	// A .env file is a development convenience; in production the secrets come
	// from the real environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "aulos: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ─────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aulos: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aulos: %v\n", err)
		}
		return 1
	}

	// ── Logger ─────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("aulos starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Secrets ────────────────────────────────────────────────────────────────
	secrets, err := config.LoadSecrets(context.Background())
	if err != nil {
		slog.Error("failed to load secrets", "err", err)
		return 1
	}

	// ── Telemetry ──────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "aulos",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ────────────────────────────────────────────────────────
	printStartupSummary(cfg, secrets, !*noReload)

	// ── Application ────────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLogLevel(level),
	}
	if !*noReload {
		opts = append(opts, app.WithConfigReload(*configPath))
	}

	application, err := app.New(ctx, cfg, secrets, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, secrets *config.Secrets, reload bool) {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║        Aulos — startup summary         ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("Guild scope", guildScope(secrets.Discord.GuildID))
	printRow("Database", secrets.Postgres.Host+":"+secrets.Postgres.Port)
	printRow("Object store", secrets.Minio.Endpoint)
	printRow("Bucket", secrets.Minio.Bucket)
	printRow("Ops addr", cfg.Server.ListenAddr)
	printRow("Dashboard", onOff(cfg.Dashboard.Enabled))
	printRow("Hot reload", onOff(reload))
	printRow("Log level", string(cfg.Server.LogLevel))
	fmt.Println("╚════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func guildScope(guildID string) string {
	if guildID == "" {
		return "global"
	}
	return guildID
}

func onOff(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger around a LevelVar so config reloads can
// adjust verbosity without recreating handlers.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(level.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}
