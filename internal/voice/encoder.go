package voice

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/perkola/aulos/pkg/audio"
)

// opusEncoder turns pipeline PCM frames into Opus packets. One encoder lives
// per connection and is not safe for concurrent use; the owning connection
// serializes access.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("voice: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode compresses one full PCM frame into a single Opus packet.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	packet, err := e.enc.Encode(audio.BytesToInt16s(pcm), audio.SamplesPerFrame, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("voice: opus encode: %w", err)
	}
	return packet, nil
}
