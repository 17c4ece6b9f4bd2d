package audio

// BytesToInt16s reinterprets little-endian PCM bytes as int16 samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// PadFrame zero-extends a short PCM chunk to a full frame. Full-length input
// is returned unchanged.
func PadFrame(pcm []byte) []byte {
	if len(pcm) >= FrameBytes {
		return pcm
	}
	padded := make([]byte, FrameBytes)
	copy(padded, pcm)
	return padded
}
