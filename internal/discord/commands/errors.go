package commands

import (
	"context"
	"errors"

	"github.com/perkola/aulos/internal/pipeline"
	"github.com/perkola/aulos/internal/transcode"
	"github.com/perkola/aulos/internal/voice"
)

// userMessage maps a playback error to a reply that makes sense to the
// person who typed the command. Internal detail stays in the logs.
func userMessage(err error) string {
	var handshake *voice.HandshakeError
	switch {
	case errors.Is(err, pipeline.ErrAudioDisabled):
		return "Audio playback is disabled for this server."
	case errors.Is(err, pipeline.ErrQueueFull):
		return "The queue is full."
	case errors.Is(err, pipeline.ErrAlreadyPlaying):
		return "A sound is already playing and queueing is disabled here."
	case errors.Is(err, pipeline.ErrTrackTooLarge):
		return "That sound exceeds this server's playback limits."
	case errors.Is(err, transcode.ErrUnavailable):
		return "That sound could not be decoded."
	case errors.As(err, &handshake), errors.Is(err, voice.ErrSessionTerminated):
		return "Could not join the voice channel. Try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out joining the voice channel."
	default:
		return "Something went wrong. Try again."
	}
}
