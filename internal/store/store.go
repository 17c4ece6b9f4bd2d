// Package store persists tracks and guild settings in Postgres.
//
// Tracks are immutable references to audio assets living in blob storage;
// guild settings are the per-guild playback knobs administrators tune. Both
// are read fresh at request time so changes take effect without a restart.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound marks lookups that matched nothing.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateName marks an insert that collides with an existing track name
// in the same guild. Names are compared case-insensitively.
var ErrDuplicateName = errors.New("store: a track with that name already exists")

// Track is one stored sound asset. The audio bytes live in blob storage
// under StoragePath; the row only describes them.
type Track struct {
	ID              string
	GuildID         string
	Name            string
	StoragePath     string
	ContentType     string
	DurationSeconds int
	SizeBytes       int64
	PlayCount       int64
	CreatedAt       time.Time
}

// Settings are the per-guild playback knobs. A guild without a row gets
// [DefaultSettings].
type Settings struct {
	GuildID                 string
	AudioEnabled            bool
	AutoLeaveTimeoutMinutes int
	QueueEnabled            bool
	SilentPlayback          bool
	MaxDurationSeconds      int
	MaxFileSizeBytes        int64
	MaxQueueLength          int
}

// DefaultSettings returns the settings a guild has before an administrator
// changes anything: audio on, queueing on, five minute idle leave, queue
// capped at 50, no duration or size limits.
func DefaultSettings(guildID string) Settings {
	return Settings{
		GuildID:                 guildID,
		AudioEnabled:            true,
		AutoLeaveTimeoutMinutes: 5,
		QueueEnabled:            true,
		MaxQueueLength:          50,
	}
}

// Store wraps a pgx pool with the queries the service needs.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store on an existing pool. The pool stays owned by the caller.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pgx pool for the given DSN and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	return pool, nil
}

// Ping reports database reachability for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
