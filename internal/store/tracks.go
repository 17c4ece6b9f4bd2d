package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const trackColumns = `id, guild_id, name, storage_path, content_type, duration_seconds, size_bytes, play_count, created_at`

func scanTrack(row pgx.Row) (Track, error) {
	var t Track
	err := row.Scan(&t.ID, &t.GuildID, &t.Name, &t.StoragePath, &t.ContentType,
		&t.DurationSeconds, &t.SizeBytes, &t.PlayCount, &t.CreatedAt)
	return t, err
}

// TrackByName resolves a track by its guild-unique name, case-insensitively.
func (s *Store) TrackByName(ctx context.Context, guildID, name string) (Track, error) {
	const q = `SELECT ` + trackColumns + ` FROM tracks WHERE guild_id = $1 AND lower(name) = lower($2)`

	t, err := scanTrack(s.pool.QueryRow(ctx, q, guildID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return Track{}, fmt.Errorf("%w: track %q", ErrNotFound, name)
	}
	if err != nil {
		return Track{}, fmt.Errorf("store: query track by name: %w", err)
	}
	return t, nil
}

// ListTracks returns the guild's tracks ordered by name.
func (s *Store) ListTracks(ctx context.Context, guildID string) ([]Track, error) {
	const q = `SELECT ` + trackColumns + ` FROM tracks WHERE guild_id = $1 ORDER BY lower(name)`

	rows, err := s.pool.Query(ctx, q, guildID)
	if err != nil {
		return nil, fmt.Errorf("store: list tracks: %w", err)
	}
	defer rows.Close()

	var tracks []Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan track: %w", err)
		}
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list tracks: %w", err)
	}
	return tracks, nil
}

// CreateTrack inserts a track, assigning an ID and creation time when absent,
// and returns the stored row.
func (s *Store) CreateTrack(ctx context.Context, t Track) (Track, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	const q = `
	INSERT INTO tracks (id, guild_id, name, storage_path, content_type, duration_seconds, size_bytes, play_count, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, q, t.ID, t.GuildID, t.Name, t.StoragePath, t.ContentType,
		t.DurationSeconds, t.SizeBytes, t.PlayCount, t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Track{}, fmt.Errorf("%w: %q", ErrDuplicateName, t.Name)
		}
		return Track{}, fmt.Errorf("store: insert track: %w", err)
	}
	return t, nil
}

// DeleteTrack removes a track by name and reports whether a row existed.
func (s *Store) DeleteTrack(ctx context.Context, guildID, name string) (bool, error) {
	const q = `DELETE FROM tracks WHERE guild_id = $1 AND lower(name) = lower($2)`

	tag, err := s.pool.Exec(ctx, q, guildID, name)
	if err != nil {
		return false, fmt.Errorf("store: delete track: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementPlayCount bumps a track's play counter by one.
func (s *Store) IncrementPlayCount(ctx context.Context, trackID string) error {
	const q = `UPDATE tracks SET play_count = play_count + 1 WHERE id = $1`

	if _, err := s.pool.Exec(ctx, q, trackID); err != nil {
		return fmt.Errorf("store: increment play count: %w", err)
	}
	return nil
}
