// Package voice implements the guild voice transport: the control-channel
// WebSocket handshake, the encrypted UDP media stream, keep-alive, and
// automatic reconnection.
//
// The moving parts are:
//
//   - [Manager] — owns at most one [Conn] per guild and runs handshakes.
//   - [Conn] — a live session: Send carries one audio frame end to end
//     (Opus encode, seal, UDP write) and StateChanges reports lifecycle
//     transitions to the playback engine.
//   - [CredentialsProvider] — the seam to the platform's main gateway, which
//     hands out the session id, token and endpoint the voice gateway wants.
//
// Frame encryption is strictly nonce-disciplined: every session key gets a
// fresh counter, each transmitted frame consumes exactly one value, and a
// counter that runs out kills the session rather than wrap.
package voice

import (
	"context"
	"errors"
	"fmt"
)

// State is the lifecycle state of a guild voice session.
type State int

const (
	// StateDisconnected is the terminal and initial state.
	StateDisconnected State = iota

	// StateConnecting covers the initial handshake.
	StateConnecting

	// StateConnected means frames can be sent.
	StateConnected

	// StateReconnecting means the transport dropped and the backoff/retry
	// cycle is running. Send fails until the session is Connected again.
	StateReconnecting
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange is one lifecycle transition. Err is set when the transition
// was caused by a failure: the transport loss that triggered a reconnect, or
// the terminal error that ended the session.
type StateChange struct {
	State State
	Err   error
}

// ErrNotConnected is returned by Send while the session is anything other
// than Connected.
var ErrNotConnected = errors.New("voice: not connected")

// ErrSessionTerminated means reconnection was exhausted and the session is
// gone for good; any queued playback should be abandoned.
var ErrSessionTerminated = errors.New("voice: session terminated")

// HandshakeError reports which phase of the voice handshake failed.
type HandshakeError struct {
	Phase string
	Err   error
}

var _ error = (*HandshakeError)(nil)

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("voice: handshake %s: %v", e.Phase, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Credentials carry what the voice gateway needs to accept us, obtained from
// the platform's main gateway when the bot joins a voice channel.
type Credentials struct {
	GuildID   string
	UserID    string
	SessionID string
	Token     string

	// Endpoint is the voice gateway address, "host:port" as the platform
	// hands it out, or a full ws://, wss:// URL.
	Endpoint string
}

// CredentialsProvider is the bridge to the platform's main gateway.
//
// Join asks the gateway to move the bot into the channel and blocks until
// the paired voice-state and voice-server events arrive or ctx expires. It
// is called again on every reconnect attempt, so expired tokens are replaced
// automatically. Leave tells the gateway to drop the bot from voice; it must
// be idempotent.
type CredentialsProvider interface {
	Join(ctx context.Context, guildID, channelID string) (Credentials, error)
	Leave(ctx context.Context, guildID string) error
}
