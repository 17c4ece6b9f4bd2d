package voice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/pion/rtp"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/perkola/aulos/pkg/audio"
)

// EncryptionMode is the packet scheme negotiated with the voice gateway: each
// frame is sealed with a 32-bit counter nonce that travels in clear at the
// end of the packet.
const EncryptionMode = "xsalsa20_poly1305_lite"

// rtpPayloadType is the platform's fixed payload type for Opus voice.
const rtpPayloadType = 0x78

// nonceSuffixLen is the width of the trailing counter on the wire.
const nonceSuffixLen = 4

// ErrNonceExhausted means the nonce counter for the current session key has
// no values left. A key must never seal two frames under the same nonce, so
// the session is torn down instead of letting the counter wrap.
var ErrNonceExhausted = errors.New("voice: nonce counter exhausted")

// Seal encrypts one frame payload under key. The counter becomes the leading
// four bytes (little endian) of a zero-padded 24-byte nonce and is appended
// to the ciphertext so the receiver can rebuild it. Callers must never reuse
// a counter value with the same key.
func Seal(payload []byte, key *[32]byte, counter uint32) []byte {
	var nonce [24]byte
	binary.LittleEndian.PutUint32(nonce[:], counter)

	out := secretbox.Seal(nil, payload, &nonce, key)
	return binary.LittleEndian.AppendUint32(out, counter)
}

// packetizer owns the wire sequencing for one session key: the RTP sequence
// number and timestamp plus the encryption nonce counter. Every fresh key
// gets a fresh packetizer, which is what keeps nonces unique per key. Not
// safe for concurrent use; the owning connection serializes access.
type packetizer struct {
	ssrc    uint32
	key     [32]byte
	seq     uint16
	ts      uint32
	counter uint64 // next nonce; values beyond MaxUint32 are exhausted
}

func newPacketizer(ssrc uint32, key [32]byte) *packetizer {
	return &packetizer{ssrc: ssrc, key: key}
}

// packet seals one Opus payload and frames it as an RTP packet ready for the
// media socket.
func (p *packetizer) packet(opusPayload []byte) ([]byte, error) {
	if p.counter > math.MaxUint32 {
		return nil, ErrNonceExhausted
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    rtpPayloadType,
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
			SSRC:           p.ssrc,
		},
		Payload: Seal(opusPayload, &p.key, uint32(p.counter)),
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("voice: marshal rtp packet: %w", err)
	}

	p.seq++
	p.ts += audio.SamplesPerFrame
	p.counter++
	return buf, nil
}
