package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonas747/ogg"

	"github.com/perkola/aulos/pkg/audio"
)

// Stream is a live frame producer for one track. Frames arrive on a bounded
// channel; the channel closes when the track ends, after which Err reports
// whether the end was natural.
type Stream struct {
	frames      chan audio.Frame
	filtered    bool
	passthrough bool

	stop     func()
	stopOnce sync.Once
	done     chan struct{}

	// err is written only by the pump goroutine, before frames is closed.
	err error
}

func newStream(buffer int, filtered, passthrough bool, stop func()) *Stream {
	return &Stream{
		frames:      make(chan audio.Frame, buffer),
		filtered:    filtered,
		passthrough: passthrough,
		stop:        stop,
		done:        make(chan struct{}),
	}
}

// Frames returns the frame channel. It is closed when the track ends, the
// stream is cancelled, or decoding fails.
func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Err reports how the stream ended. Only valid after Frames is closed; nil
// means natural end or caller-requested cancellation.
func (s *Stream) Err() error { return s.err }

// Filtered reports whether the requested filter was actually applied.
func (s *Stream) Filtered() bool { return s.filtered }

// Passthrough reports whether the source skipped decoding.
func (s *Stream) Passthrough() bool { return s.passthrough }

// Close cancels the stream and blocks until the decoder is reaped and the
// source released. Safe to call more than once and concurrently with reads.
func (s *Stream) Close() {
	s.stopOnce.Do(s.stop)
	<-s.done
}

// pumpPCM moves decoder output into the frame channel. first/firstErr carry
// the result of the synchronous first-frame read done by openDecode.
func (s *Stream) pumpPCM(ctx context.Context, proc Process, source io.Closer, first []byte, firstErr error) {
	defer close(s.done)
	defer close(s.frames)

	var pos time.Duration
	emit := func(pcm []byte) bool {
		f := audio.Frame{Data: audio.PadFrame(pcm), Encoding: audio.PCM, Timestamp: pos}
		pos += audio.FrameDuration
		select {
		case s.frames <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	pcm := first
	rerr := firstErr
	for {
		if len(pcm) > 0 && !emit(pcm) {
			proc.Kill()
			source.Close()
			proc.Wait()
			return
		}
		if rerr != nil {
			break
		}
		buf := make([]byte, audio.FrameBytes)
		var n int
		n, rerr = io.ReadFull(proc, buf)
		pcm = buf[:n]
	}

	atEnd := errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF)
	if !atEnd {
		proc.Kill()
	}
	source.Close()
	werr := proc.Wait()

	switch {
	case ctx.Err() != nil:
		// Cancelled by the caller; not a stream failure.
	case werr != nil:
		s.err = fmt.Errorf("transcode: decoder failed mid-stream: %w", werr)
	case !atEnd:
		s.err = fmt.Errorf("transcode: read decoder output: %w", rerr)
	}
}

// pumpOpus moves pre-encoded Opus packets into the frame channel.
func (s *Stream) pumpOpus(ctx context.Context, dec *ogg.PacketDecoder, source io.Closer, first []byte) {
	defer close(s.done)
	defer close(s.frames)
	defer source.Close()

	var pos time.Duration
	packet := first
	for {
		f := audio.Frame{Data: packet, Encoding: audio.Opus, Timestamp: pos}
		pos += audio.FrameDuration
		select {
		case s.frames <- f:
		case <-ctx.Done():
			return
		}

		var err error
		packet, _, err = dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				s.err = fmt.Errorf("transcode: read opus packet: %w", err)
			}
			return
		}
	}
}

// onceCloser makes an io.Closer idempotent so the cancel path and the pump's
// cleanup path can both close the source.
type onceCloser struct {
	c    io.Closer
	once sync.Once
}

func (o *onceCloser) Close() error {
	o.once.Do(func() { o.c.Close() })
	return nil
}
