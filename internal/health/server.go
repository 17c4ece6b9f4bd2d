package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perkola/aulos/internal/observe"
)

// readHeaderTimeout bounds how long a client may take to send its request
// headers. Read and write timeouts stay unset: the dashboard websocket holds
// its connection open indefinitely.
const readHeaderTimeout = 10 * time.Second

// Server is the operational HTTP endpoint: probes, the Prometheus scrape
// handler and the live dashboard, behind the observability middleware.
type Server struct {
	log  *slog.Logger
	http *http.Server
}

// ServerConfig holds dependencies for creating a [Server].
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8093".
	Addr string

	// Probes serves /healthz and /readyz.
	Probes *Handler

	// Dashboard is mounted at /ws when set.
	Dashboard http.Handler

	// Metrics feeds the HTTP middleware. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// NewServer creates a Server. Call [Server.ListenAndServe] to start it.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("health: listen address is required")
	}
	if cfg.Probes == nil {
		return nil, errors.New("health: probe handler is required")
	}
	met := cfg.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	mux := http.NewServeMux()
	cfg.Probes.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Dashboard != nil {
		mux.Handle("GET /ws", cfg.Dashboard)
	}

	return &Server{
		log: log,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           observe.Middleware(met)(mux),
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}, nil
}

// ListenAndServe blocks serving requests until [Server.Shutdown] or a listener
// error. Returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("ops server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests until
// ctx expires. Open dashboard sockets are closed by their hub, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("health: shutdown: %w", err)
	}
	return nil
}
