// Package event carries playback lifecycle notifications from the pipeline to
// its consumers: the chat notifier and the operator dashboard. Events are
// fire-and-forget; the pipeline never blocks on a slow consumer.
package event

import "time"

// Type classifies an [Event].
type Type string

const (
	// AudioConnected fires when a guild's voice handshake completes.
	AudioConnected Type = "audio.connected"

	// AudioDisconnected fires when a guild's voice session tears down,
	// gracefully or not.
	AudioDisconnected Type = "audio.disconnected"

	// AudioReconnecting fires when a live session loses its transport and
	// enters the backoff/retry cycle.
	AudioReconnecting Type = "audio.reconnecting"

	// PlaybackStarted fires when a track's first frame is about to be paced.
	PlaybackStarted Type = "playback.started"

	// PlaybackProgress fires periodically while a track plays.
	PlaybackProgress Type = "playback.progress"

	// PlaybackFinished fires when a track ends, naturally or truncated.
	PlaybackFinished Type = "playback.finished"

	// PlaybackFailed fires when a track cannot be played or dies mid-stream.
	PlaybackFailed Type = "playback.failed"

	// QueueUpdated fires whenever the pending queue changes shape.
	QueueUpdated Type = "queue.updated"
)

// Event is one notification from the pipeline.
type Event struct {
	Type    Type      `json:"type"`
	GuildID string    `json:"guild_id"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// TrackPayload accompanies PlaybackStarted and PlaybackFinished.
type TrackPayload struct {
	Name            string `json:"name"`
	Filter          string `json:"filter,omitempty"`
	RequestedBy     string `json:"requested_by,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// ProgressPayload accompanies PlaybackProgress.
type ProgressPayload struct {
	Name           string `json:"name"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

// QueuePayload accompanies QueueUpdated. Pending lists track names in play
// order, excluding the active track.
type QueuePayload struct {
	Length  int      `json:"length"`
	Pending []string `json:"pending"`
}

// FailurePayload accompanies PlaybackFailed.
type FailurePayload struct {
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
}

// DisconnectPayload accompanies AudioDisconnected and AudioReconnecting.
// Fatal marks a terminal session loss (reconnection exhausted), as opposed to
// a deliberate leave or a transient drop.
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
	Fatal  bool   `json:"fatal,omitempty"`
}
