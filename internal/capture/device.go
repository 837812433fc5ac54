package capture

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable means the audio device could not be acquired:
// permission was denied or someone else already holds it.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// Device is an exclusive audio input.
type Device interface {
	// Acquire takes exclusive ownership of the device.
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is an acquired device. Close releases it and may be called
// more than once.
type Stream interface {
	// Record captures d worth of audio and returns it as a WAV file.
	// It returns early with ctx.Err() when ctx is cancelled.
	Record(ctx context.Context, d time.Duration) ([]byte, error)
	Close() error
}
