package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trustlink/internal/models"

	"go.uber.org/zap"
)

func writeTestWAV(t *testing.T, samples int) string {
	t.Helper()
	pcm := make([]byte, samples*2)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "call.wav")
	if err := os.WriteFile(path, EncodeWAV(pcm, L16Mono16K), 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func TestWAVHeaderRoundTrip(t *testing.T) {
	wav := EncodeWAV(make([]byte, 320), Format{SampleRate: 8000, Channels: 2})
	if len(wav) != 44+320 {
		t.Fatalf("unexpected wav size %d", len(wav))
	}
	r := bytes.NewReader(wav)
	f, err := SkipWAVHeader(r)
	if err != nil {
		t.Fatalf("skip header: %v", err)
	}
	if f.SampleRate != 8000 || f.Channels != 2 {
		t.Fatalf("unexpected format %+v", f)
	}
	if r.Len() != 320 {
		t.Fatalf("reader not positioned at samples, %d bytes left", r.Len())
	}
}

func TestSkipWAVHeaderRejectsRaw(t *testing.T) {
	_, err := SkipWAVHeader(bytes.NewReader(make([]byte, 64)))
	if !errors.Is(err, ErrNotWAV) {
		t.Fatalf("expected ErrNotWAV, got %v", err)
	}
}

func TestPCMDeviceExclusive(t *testing.T) {
	dev := NewPCMDevice(FileSource(writeTestWAV(t, 1600)), L16Mono16K, zap.NewNop())

	stream, err := dev.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := dev.Acquire(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	again, err := dev.Acquire(context.Background())
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	again.Close()
}

func TestPCMDevicePermissionDenied(t *testing.T) {
	denied := func() (io.ReadCloser, error) { return nil, os.ErrPermission }
	dev := NewPCMDevice(denied, L16Mono16K, zap.NewNop())

	_, err := dev.Acquire(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	// a failed acquire must not leave the device marked as held
	_, err = dev.Acquire(context.Background())
	if err == nil || strings.Contains(err.Error(), "already held") {
		t.Fatalf("device left held after failed acquire: %v", err)
	}
}

func TestPCMDeviceRecordLoopsAndPaces(t *testing.T) {
	// 100 samples is much shorter than the segment, so the file loops
	dev := NewPCMDevice(FileSource(writeTestWAV(t, 100)), L16Mono16K, zap.NewNop())
	stream, err := dev.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer stream.Close()

	d := 50 * time.Millisecond
	start := time.Now()
	wav, err := stream.Record(context.Background(), d)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if time.Since(start) < d {
		t.Fatalf("record returned before the segment elapsed")
	}
	want := 44 + L16Mono16K.BytesInDuration(d)
	if len(wav) != want {
		t.Fatalf("wav size %d, want %d", len(wav), want)
	}
}

func TestPCMDeviceRecordCancelled(t *testing.T) {
	dev := NewPCMDevice(FileSource(writeTestWAV(t, 100)), L16Mono16K, zap.NewNop())
	stream, err := dev.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := stream.Record(ctx, 2*time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandSourceRecorderExitsAtStartup(t *testing.T) {
	requireShell(t)
	src := CommandSource("sh", "-c", "echo 'audio open error: Permission denied' >&2; exit 1")
	dev := NewPCMDevice(src, L16Mono16K, zap.NewNop())

	_, err := dev.Acquire(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "Permission denied") {
		t.Fatalf("recorder stderr missing from error: %v", err)
	}

	sched := NewScheduler(dev, Config{SegmentDuration: 50 * time.Millisecond, IdleDuration: 10 * time.Millisecond}, zap.NewNop())
	if err := sched.Start(context.Background(), func(models.AudioSegment) {}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("scheduler start: expected ErrDeviceUnavailable, got %v", err)
	}
	if sched.Running() {
		t.Fatal("scheduler running on a dead recorder")
	}
}

func TestPCMDeviceSilentSourceTimesOut(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	dev := NewPCMDevice(func() (io.ReadCloser, error) { return pr, nil }, L16Mono16K, zap.NewNop())
	dev.probe = 50 * time.Millisecond

	if _, err := dev.Acquire(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if dev.held {
		t.Fatal("device left held after probe timeout")
	}
}

func TestCommandSourceStreamsAndCloses(t *testing.T) {
	requireShell(t)
	dev := NewPCMDevice(CommandSource("sh", "-c", "exec cat /dev/zero"), L16Mono16K, zap.NewNop())
	stream, err := dev.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	d := 40 * time.Millisecond
	wav, err := stream.Record(context.Background(), d)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(wav) != 44+L16Mono16K.BytesInDuration(d) {
		t.Fatalf("unexpected wav size %d", len(wav))
	}

	recorded := make(chan error, 1)
	go func() {
		_, err := stream.Record(context.Background(), time.Minute)
		recorded <- err
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- stream.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close hung while a read was in progress")
	}
	select {
	case err := <-recorded:
		if err == nil {
			t.Fatal("record succeeded after close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("record not unblocked by close")
	}
}

func TestCommandSourceRecorderDiesMidStream(t *testing.T) {
	requireShell(t)
	// exactly one 20ms frame, then a crash
	src := CommandSource("sh", "-c", "head -c 640 /dev/zero; echo 'device disconnected' >&2; exit 3")
	dev := NewPCMDevice(src, L16Mono16K, zap.NewNop())

	stream, err := dev.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer stream.Close()

	_, err = stream.Record(context.Background(), 100*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "device disconnected") {
		t.Fatalf("expected recorder failure, got %v", err)
	}
}
