// Package transcode turns stored track assets into the fixed pipeline frame
// format: 48 kHz 16-bit stereo PCM cut into 20 ms frames.
//
// Decoding is lazy and streaming. A [Stream] owns a bounded frame buffer
// filled by a background pump reading the decoder's output; the playback
// engine drains it at real-time cadence. A whole track is never held in
// memory.
//
// Named filters map to decoder filter graphs. When a filtered decode dies
// before producing a single frame, the worker retries the same source without
// the filter before giving up, so a bad filter degrades playback instead of
// failing it. Sources already containing Ogg Opus skip decoding entirely when
// no filter is requested; passthrough assumes the packets carry the standard
// 20 ms frame duration, which the decode path guarantees for everything else.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonas747/ogg"

	"github.com/perkola/aulos/pkg/audio"
)

const (
	// defaultBufferFrames is the frame buffer capacity: 16 frames is 320 ms
	// of audio, enough to ride out decoder jitter without hoarding memory.
	defaultBufferFrames = 16

	// defaultStartTimeout bounds how long a decoder may run before its first
	// frame arrives.
	defaultStartTimeout = 10 * time.Second
)

// ErrUnavailable reports a source that could not be read or decoded at all.
var ErrUnavailable = errors.New("transcode: track unavailable")

// Source supplies the raw bytes of a track asset. Open may be called more
// than once for the same source: the filter fallback path re-reads the asset
// from the start.
type Source interface {
	// Open returns a fresh reader positioned at the start of the asset.
	Open(ctx context.Context) (io.ReadCloser, error)

	// ContentType returns the asset MIME type when known, "" otherwise.
	ContentType() string
}

// Worker opens playback streams from track sources.
//
// Thread-safe for concurrent use; each [Stream] is independent.
type Worker struct {
	log          *slog.Logger
	dec          Decoder
	buffer       int
	startTimeout time.Duration
}

// WorkerConfig holds dependencies for creating a [Worker].
type WorkerConfig struct {
	Logger *slog.Logger

	// Decoder runs the actual audio conversion. Default: &FFmpegDecoder{}.
	Decoder Decoder

	// BufferFrames is the per-stream frame buffer capacity. Default: 16.
	BufferFrames int

	// StartTimeout kills a decoder that produced nothing yet. Default: 10s.
	StartTimeout time.Duration
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	dec := cfg.Decoder
	if dec == nil {
		dec = &FFmpegDecoder{}
	}
	buffer := cfg.BufferFrames
	if buffer <= 0 {
		buffer = defaultBufferFrames
	}
	startTimeout := cfg.StartTimeout
	if startTimeout <= 0 {
		startTimeout = defaultStartTimeout
	}
	return &Worker{log: log, dec: dec, buffer: buffer, startTimeout: startTimeout}
}

// Open starts streaming src as pipeline frames. The returned stream stays
// alive until the track ends, ctx is cancelled, or Close is called; ctx must
// therefore outlive playback, not just the request that triggered it.
//
// An unknown or failing filter falls back to unfiltered decoding. Only a
// source that cannot produce audio at all yields an error, wrapped in
// [ErrUnavailable].
func (w *Worker) Open(ctx context.Context, src Source, filter string) (*Stream, error) {
	expr := ""
	if filter != "" {
		e, ok := Expr(filter)
		if !ok {
			w.log.Warn("transcode: unknown filter, playing unfiltered", "filter", filter)
		} else {
			expr = e
		}
	}

	if expr == "" && isOpusContainer(src.ContentType()) {
		s, err := w.openPassthrough(ctx, src)
		if err == nil {
			return s, nil
		}
		w.log.Warn("transcode: opus passthrough failed, decoding instead", "err", err)
	}

	s, err := w.openDecode(ctx, src, expr)
	if err == nil || expr == "" {
		return s, err
	}

	w.log.Warn("transcode: filtered decode produced no audio, retrying unfiltered",
		"filter", filter, "err", err)
	return w.openDecode(ctx, src, "")
}

// openDecode runs one decoder attempt. It blocks until the first frame is in
// hand so a dead-on-arrival decode (bad filter, corrupt source) surfaces here
// instead of as an empty stream.
func (w *Worker) openDecode(ctx context.Context, src Source, expr string) (*Stream, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open source: %w", ErrUnavailable, err)
	}
	source := &onceCloser{c: rc}

	sctx, cancel := context.WithCancel(ctx)
	proc, err := w.dec.Start(sctx, rc, expr)
	if err != nil {
		cancel()
		source.Close()
		return nil, fmt.Errorf("transcode: start decoder: %w", err)
	}

	watchdog := time.AfterFunc(w.startTimeout, proc.Kill)
	first := make([]byte, audio.FrameBytes)
	n, rerr := io.ReadFull(proc, first)
	watchdog.Stop()

	if n == 0 {
		proc.Kill()
		source.Close()
		werr := proc.Wait()
		cancel()
		if werr == nil {
			werr = rerr
		}
		return nil, fmt.Errorf("%w: decoder produced no audio: %w", ErrUnavailable, werr)
	}

	s := newStream(w.buffer, expr != "", false, func() {
		cancel()
		proc.Kill()
		source.Close()
	})
	go s.pumpPCM(sctx, proc, source, first[:n], rerr)
	return s, nil
}

// openPassthrough streams a pre-encoded Ogg Opus asset without decoding. The
// two header packets (OpusHead, OpusTags) are consumed before the stream is
// returned; a source that fails that early is handed back to the decode path.
func (w *Worker) openPassthrough(ctx context.Context, src Source) (*Stream, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open source: %w", ErrUnavailable, err)
	}
	source := &onceCloser{c: rc}

	dec := ogg.NewPacketDecoder(ogg.NewDecoder(rc))
	for skipped := 0; skipped < 2; skipped++ {
		if _, _, err := dec.Decode(); err != nil {
			source.Close()
			return nil, fmt.Errorf("transcode: read ogg header packet: %w", err)
		}
	}
	first, _, err := dec.Decode()
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("transcode: read first opus packet: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := newStream(w.buffer, false, true, func() {
		// Closing the source unblocks a Decode stuck mid-read.
		cancel()
		source.Close()
	})
	go s.pumpOpus(sctx, dec, source, first)
	return s, nil
}

// isOpusContainer reports whether a content type marks an Ogg Opus asset.
func isOpusContainer(contentType string) bool {
	switch contentType {
	case "audio/ogg", "application/ogg", "audio/opus":
		return true
	default:
		return false
	}
}
