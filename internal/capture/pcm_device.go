package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Source opens a raw PCM stream (S16_LE) for a device.
type Source func() (io.ReadCloser, error)

// PCMDevice turns a raw PCM source into an exclusive Device.
type PCMDevice struct {
	source Source
	format Format
	frame  time.Duration
	probe  time.Duration // how long Acquire waits for the first frame
	logger *zap.Logger

	mu   sync.Mutex
	held bool
}

// NewPCMDevice creates a device reading from source in the given format.
func NewPCMDevice(source Source, format Format, logger *zap.Logger) *PCMDevice {
	return &PCMDevice{
		source: source,
		format: format,
		frame:  20 * time.Millisecond,
		probe:  2 * time.Second,
		logger: logger,
	}
}

// Acquire opens the source and waits for its first frame, so a recorder
// that starts but cannot open the microphone is reported here. A second
// Acquire before the stream is closed fails with ErrDeviceUnavailable.
func (d *PCMDevice) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.held {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: already held", ErrDeviceUnavailable)
	}
	d.held = true
	d.mu.Unlock()

	rc, err := d.source()
	if err != nil {
		d.unhold()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	first, err := d.firstFrame(ctx, rc)
	if err != nil {
		rc.Close()
		d.unhold()
		d.logger.Warn("Audio device produced no samples", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	d.logger.Info("Audio device acquired",
		zap.Int("sample_rate", d.format.SampleRate),
		zap.Int("channels", d.format.Channels))

	return &pcmStream{dev: d, rc: rc, r: io.MultiReader(bytes.NewReader(first), rc)}, nil
}

// firstFrame reads one frame from rc within the probe window. On timeout
// the caller closes rc, which unblocks the pending read.
func (d *PCMDevice) firstFrame(ctx context.Context, rc io.ReadCloser) ([]byte, error) {
	size := d.format.BytesInDuration(d.frame)
	if size <= 0 {
		size = 2
	}

	type result struct {
		buf []byte
		err error
	}
	got := make(chan result, 1)
	go func() {
		buf := make([]byte, size)
		n, err := io.ReadFull(rc, buf)
		got <- result{buf[:n], err}
	}()

	timer := time.NewTimer(d.probe)
	defer timer.Stop()

	select {
	case r := <-got:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) || errors.Is(r.err, io.ErrUnexpectedEOF) {
				return nil, errors.New("source closed before the first frame")
			}
			return nil, r.err
		}
		return r.buf, nil
	case <-timer.C:
		return nil, fmt.Errorf("no audio within %s", d.probe)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *PCMDevice) unhold() {
	d.mu.Lock()
	d.held = false
	d.mu.Unlock()
}

func (d *PCMDevice) release() {
	d.unhold()
	d.logger.Info("Audio device released")
}

type pcmStream struct {
	dev  *PCMDevice
	rc   io.ReadCloser
	r    io.Reader // first frame, then rc
	once sync.Once
}

func (s *pcmStream) Record(ctx context.Context, d time.Duration) ([]byte, error) {
	start := time.Now()
	f := s.dev.format
	need := f.BytesInDuration(d)
	chunk := f.BytesInDuration(s.dev.frame)
	if chunk <= 0 {
		chunk = need
	}

	pcm := make([]byte, 0, need)
	buf := make([]byte, chunk)
	for len(pcm) < need {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		want := min(chunk, need-len(pcm))
		n, err := io.ReadFull(s.r, buf[:want])
		pcm = append(pcm, buf[:n]...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read pcm: %w", err)
		}
	}

	// File sources deliver instantly; hold the segment to real time so
	// every source honours the same duty cycle.
	if wait := d - time.Since(start); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	return EncodeWAV(pcm, f), nil
}

func (s *pcmStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.rc.Close()
		s.dev.release()
	})
	return err
}

// CommandSource runs an external recorder (arecord, ffmpeg, sox ...) and
// reads raw PCM from its stdout. The process is killed on Close. If it
// exits on its own, reads fail with its exit status and stderr.
func CommandSource(name string, args ...string) Source {
	return func() (io.ReadCloser, error) {
		cmd := exec.Command(name, args...)
		stderr := &stderrBuffer{max: 512}
		cmd.Stderr = stderr
		cmd.WaitDelay = time.Second
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", name, err)
		}

		pr, pw := io.Pipe()
		r := &commandReader{
			name:   name,
			cmd:    cmd,
			stdout: stdout,
			stderr: stderr,
			pr:     pr,
			pw:     pw,
			done:   make(chan struct{}),
		}
		go r.pump()
		return r, nil
	}
}

// commandReader hands stdout to consumers through a pipe. pump is the
// only goroutine reading stdout, and it calls Wait once its reads are over.
type commandReader struct {
	name    string
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *stderrBuffer
	pr      *io.PipeReader
	pw      *io.PipeWriter
	done    chan struct{}
	closing atomic.Bool
	once    sync.Once
}

func (r *commandReader) pump() {
	defer close(r.done)

	// Returns on stdout EOF (process gone) or when Close shut the pipe.
	_, copyErr := io.Copy(r.pw, r.stdout)
	waitErr := r.cmd.Wait()

	if r.closing.Load() {
		r.pw.Close()
		return
	}
	msg := fmt.Sprintf("%s exited", r.name)
	if waitErr != nil {
		msg = fmt.Sprintf("%s: %v", r.name, waitErr)
	} else if copyErr != nil {
		msg = fmt.Sprintf("%s: %v", r.name, copyErr)
	}
	if text := r.stderr.String(); text != "" {
		msg += ": " + text
	}
	r.pw.CloseWithError(errors.New(msg))
}

func (r *commandReader) Read(p []byte) (int, error) {
	return r.pr.Read(p)
}

func (r *commandReader) Close() error {
	r.once.Do(func() {
		r.closing.Store(true)
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		_ = r.pr.Close()
		<-r.done
	})
	return nil
}

// stderrBuffer keeps the first max bytes a recorder writes to stderr.
type stderrBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (b *stderrBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

func (b *stderrBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

// FileSource replays a raw PCM or WAV file in a loop.
func FileSource(path string) Source {
	return func() (io.ReadCloser, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if bytes.HasPrefix(data, []byte("RIFF")) {
			r := bytes.NewReader(data)
			if _, err := SkipWAVHeader(r); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			data = data[len(data)-r.Len():]
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%s: no audio samples", path)
		}
		return &loopReader{data: data}, nil
	}
}

type loopReader struct {
	data   []byte
	off    int
	closed atomic.Bool
}

func (r *loopReader) Read(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, os.ErrClosed
	}
	n := 0
	for n < len(p) {
		c := copy(p[n:], r.data[r.off:])
		n += c
		r.off = (r.off + c) % len(r.data)
	}
	return n, nil
}

func (r *loopReader) Close() error {
	r.closed.Store(true)
	return nil
}
