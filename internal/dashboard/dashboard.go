// Package dashboard streams pipeline events to operator consoles over a
// WebSocket endpoint. Every bus event goes out as JSON; a snapshot of the
// live sessions opens each subscription so consoles can render current state
// without waiting for traffic.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/perkola/aulos/internal/event"
	"github.com/perkola/aulos/internal/pipeline"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Snapshotter supplies the state sent to a console on subscribe. Satisfied by
// [pipeline.Engine].
type Snapshotter interface {
	ActiveSessions() []pipeline.SessionInfo
	QueueSnapshot(guildID string) []pipeline.QueuedTrack
}

// Frame is one message to an operator console.
type Frame struct {
	Kind     string        `json:"kind"` // "snapshot" or "event"
	Event    *event.Event  `json:"event,omitempty"`
	Sessions []SessionView `json:"sessions,omitempty"`
}

// SessionView is the snapshot form of one guild session.
type SessionView struct {
	GuildID      string    `json:"guild_id"`
	ChannelID    string    `json:"channel_id"`
	Track        string    `json:"track,omitempty"`
	Playing      bool      `json:"playing"`
	Queue        []string  `json:"queue,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// Hub accepts console WebSocket connections and fans bus events out to them.
// Slow consoles lose oldest events first (the bus evicts per subscriber) and
// are dropped outright when a write stalls past the timeout.
//
// Implements http.Handler.
type Hub struct {
	log  *slog.Logger
	bus  *event.Bus
	snap Snapshotter

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	closed  bool
	enabled bool
	origins []string
}

// HubConfig holds dependencies for creating a [Hub].
type HubConfig struct {
	Bus      *event.Bus
	Snapshot Snapshotter
	Logger   *slog.Logger

	// OriginPatterns for the WebSocket origin check. Default: same origin
	// only.
	OriginPatterns []string
}

// NewHub creates a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Bus == nil {
		return nil, errors.New("dashboard: event bus is required")
	}
	if cfg.Snapshot == nil {
		return nil, errors.New("dashboard: snapshotter is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		bus:     cfg.Bus,
		snap:    cfg.Snapshot,
		enabled: true,
		origins: cfg.OriginPatterns,
		conns:   make(map[*websocket.Conn]struct{}),
	}, nil
}

// SetEnabled turns console access on or off. Turning the hub off refuses new
// connections; consoles already streaming stay connected.
func (h *Hub) SetEnabled(on bool) {
	h.mu.Lock()
	h.enabled = on
	h.mu.Unlock()
}

// SetOrigins replaces the accepted origin patterns for new connections.
func (h *Hub) SetOrigins(patterns []string) {
	h.mu.Lock()
	h.origins = patterns
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams frames until the console leaves
// or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	enabled, origins := h.enabled, h.origins
	h.mu.Unlock()
	if !enabled {
		http.Error(w, "dashboard disabled", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: origins,
	})
	if err != nil {
		h.log.Warn("dashboard: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	if !h.register(conn) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unregister(conn)

	h.log.Debug("dashboard: console connected", "remote", r.RemoteAddr)
	if err := h.serve(r.Context(), conn); err != nil && !errors.Is(err, context.Canceled) {
		h.log.Debug("dashboard: console disconnected", "remote", r.RemoteAddr, "err", err)
	}
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn) error {
	// Consoles send nothing meaningful; CloseRead turns the client going
	// away into context cancellation.
	ctx = conn.CloseRead(ctx)

	// Subscribe before the snapshot goes out so nothing published in
	// between is lost; queued events follow the snapshot in order.
	events, cancel := h.bus.Subscribe()
	defer cancel()

	if err := h.write(ctx, conn, h.snapshot()); err != nil {
		return fmt.Errorf("send snapshot: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-events:
				if !ok {
					return errors.New("event bus closed")
				}
				if err := h.write(ctx, conn, Frame{Kind: "event", Event: &ev}); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				pctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Ping(pctx)
				cancel()
				if err != nil {
					return fmt.Errorf("ping: %w", err)
				}
			}
		}
	})
	return g.Wait()
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}

// snapshot assembles the current sessions and their queues.
func (h *Hub) snapshot() Frame {
	infos := h.snap.ActiveSessions()
	views := make([]SessionView, 0, len(infos))
	for _, info := range infos {
		var queue []string
		for _, item := range h.snap.QueueSnapshot(info.GuildID) {
			queue = append(queue, item.Track.Name)
		}
		views = append(views, SessionView{
			GuildID:      info.GuildID,
			ChannelID:    info.ChannelID,
			Track:        info.Track,
			Playing:      info.Playing,
			Queue:        queue,
			LastActivity: info.LastActivity,
		})
	}
	return Frame{Kind: "snapshot", Sessions: views}
}

func (h *Hub) register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
}

// Close disconnects every console and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "shutting down")
	}
}
