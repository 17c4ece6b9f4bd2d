package transcode

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/perkola/aulos/pkg/audio"
)

// Decoder launches audio conversions. The production implementation shells
// out to ffmpeg; tests substitute scripted processes.
type Decoder interface {
	// Start begins decoding in. filter is a decoder filter-graph expression,
	// or "" for a plain conversion. Output is pipeline PCM.
	Start(ctx context.Context, in io.Reader, filter string) (Process, error)
}

// Process is one running decode. Read yields PCM; after Read returns an
// error, Wait reports how the decoder exited.
type Process interface {
	io.Reader

	// Wait reaps the decoder and returns its terminal error. Safe to call
	// more than once; later calls return the first result.
	Wait() error

	// Kill terminates the decoder immediately. Safe to call concurrently
	// with Read and on an already-finished process.
	Kill()
}

// DecodeError reports a decoder process failure with captured diagnostics.
type DecodeError struct {
	Stderr string
	Err    error
}

var _ error = (*DecodeError)(nil)

func (e *DecodeError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("decoder exited: %v", e.Err)
	}
	return fmt.Sprintf("decoder exited: %v: %s", e.Err, e.Stderr)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FFmpegDecoder converts arbitrary audio to pipeline PCM using the ffmpeg
// binary. The zero value is ready to use.
type FFmpegDecoder struct {
	// Path is the ffmpeg binary. Default: "ffmpeg" from $PATH.
	Path string
}

var _ Decoder = (*FFmpegDecoder)(nil)

// Start launches ffmpeg reading the asset from stdin and writing raw s16le
// PCM at the pipeline rate to stdout.
func (d *FFmpegDecoder) Start(ctx context.Context, in io.Reader, filter string) (Process, error) {
	path := d.Path
	if path == "" {
		path = "ffmpeg"
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-map", "0:a",
	}
	if filter != "" {
		args = append(args, "-af", filter)
	}
	args = append(args,
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = in
	// Bounds Wait when the stdin copier is stuck on a dead source reader.
	cmd.WaitDelay = 5 * time.Second
	stderr := &tailWriter{max: 2048}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcode: decoder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transcode: start %s: %w", path, err)
	}
	return &ffmpegProcess{cmd: cmd, out: stdout, stderr: stderr}, nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	out    io.ReadCloser
	stderr *tailWriter

	waitOnce sync.Once
	waitErr  error
}

func (p *ffmpegProcess) Read(b []byte) (int, error) { return p.out.Read(b) }

func (p *ffmpegProcess) Kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

func (p *ffmpegProcess) Wait() error {
	p.waitOnce.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.waitErr = &DecodeError{Stderr: p.stderr.String(), Err: err}
		}
	})
	return p.waitErr
}

// tailWriter keeps the last max bytes written, for error diagnostics.
type tailWriter struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}
