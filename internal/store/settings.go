package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Settings returns the guild's playback settings, falling back to
// [DefaultSettings] when the guild has no row yet.
func (s *Store) Settings(ctx context.Context, guildID string) (Settings, error) {
	const q = `
	SELECT guild_id, audio_enabled, auto_leave_timeout_minutes, queue_enabled,
	       silent_playback, max_duration_seconds, max_file_size_bytes, max_queue_length
	FROM guild_settings WHERE guild_id = $1
	`

	var st Settings
	err := s.pool.QueryRow(ctx, q, guildID).Scan(
		&st.GuildID, &st.AudioEnabled, &st.AutoLeaveTimeoutMinutes, &st.QueueEnabled,
		&st.SilentPlayback, &st.MaxDurationSeconds, &st.MaxFileSizeBytes, &st.MaxQueueLength,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultSettings(guildID), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("store: query guild settings: %w", err)
	}
	return st, nil
}

// UpdateSettings writes the guild's settings, creating the row when needed.
func (s *Store) UpdateSettings(ctx context.Context, st Settings) error {
	const q = `
	INSERT INTO guild_settings (guild_id, audio_enabled, auto_leave_timeout_minutes, queue_enabled,
	                            silent_playback, max_duration_seconds, max_file_size_bytes, max_queue_length, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	ON CONFLICT (guild_id) DO UPDATE SET
		audio_enabled = EXCLUDED.audio_enabled,
		auto_leave_timeout_minutes = EXCLUDED.auto_leave_timeout_minutes,
		queue_enabled = EXCLUDED.queue_enabled,
		silent_playback = EXCLUDED.silent_playback,
		max_duration_seconds = EXCLUDED.max_duration_seconds,
		max_file_size_bytes = EXCLUDED.max_file_size_bytes,
		max_queue_length = EXCLUDED.max_queue_length,
		updated_at = now()
	`

	_, err := s.pool.Exec(ctx, q, st.GuildID, st.AudioEnabled, st.AutoLeaveTimeoutMinutes,
		st.QueueEnabled, st.SilentPlayback, st.MaxDurationSeconds, st.MaxFileSizeBytes, st.MaxQueueLength)
	if err != nil {
		return fmt.Errorf("store: upsert guild settings: %w", err)
	}
	return nil
}
