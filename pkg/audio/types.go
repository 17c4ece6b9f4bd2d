// Package audio defines the frame primitives shared by the playback pipeline.
//
// Everything downstream of the transcoder speaks one format: 48 kHz, 16-bit
// little-endian, interleaved stereo PCM cut into fixed 20 ms frames. A [Frame]
// carries either raw PCM in that format or a single pre-encoded Opus packet
// for sources that skip transcoding. The voice transport encodes, encrypts
// and transmits frames without caring which path produced them.
//
// This package lives under pkg/ because asset tooling (importers, validators)
// is expected to construct and inspect frames too.
package audio

import "time"

// Stream parameters fixed by the voice platform. The transcoder normalizes
// every source to match.
const (
	// SampleRate is the output rate in Hz.
	SampleRate = 48000

	// Channels is the channel count (interleaved stereo).
	Channels = 2

	frameMillis = 20

	// FrameDuration is the wall-clock span of one frame on the wire.
	FrameDuration = frameMillis * time.Millisecond

	// SamplesPerFrame is the number of samples per channel per frame.
	SamplesPerFrame = SampleRate * frameMillis / 1000 // 960

	// FrameBytes is the size of one PCM frame: SamplesPerFrame samples on
	// each of Channels channels, 2 bytes per sample.
	FrameBytes = SamplesPerFrame * Channels * 2 // 3840
)

// Encoding identifies the payload carried by a [Frame].
type Encoding int

const (
	// PCM is 48 kHz 16-bit little-endian interleaved stereo, FrameBytes long.
	PCM Encoding = iota

	// Opus is a single Opus packet spanning one FrameDuration.
	Opus
)

// String returns the human-readable name of the encoding.
func (e Encoding) String() string {
	switch e {
	case PCM:
		return "pcm"
	case Opus:
		return "opus"
	default:
		return "unknown"
	}
}

// Frame is the atomic unit of audio moving through the pipeline: produced by
// the transcoder, paced by the playback engine, encrypted and transmitted by
// the voice transport.
type Frame struct {
	// Data is FrameBytes of PCM, or one Opus packet when Encoding is Opus.
	Data []byte

	// Encoding says how to interpret Data.
	Encoding Encoding

	// Timestamp is the frame's position from the start of its track.
	Timestamp time.Duration
}

// opusSilence is the canonical Opus silence packet.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// SilencePCM returns a zeroed PCM frame. Each call allocates a fresh slice,
// so the frame may be handed to code that retains or mutates Data.
func SilencePCM() Frame {
	return Frame{Data: make([]byte, FrameBytes), Encoding: PCM}
}

// SilenceOpus returns the canonical Opus silence frame. The payload is shared
// and must not be mutated.
func SilenceOpus() Frame {
	return Frame{Data: opusSilence, Encoding: Opus}
}
