package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trustlink/internal/models"

	"go.uber.org/zap"
)

const (
	DefaultSegmentDuration = 6 * time.Second
	DefaultIdleDuration    = 2 * time.Second
)

// Config for the duty cycle
type Config struct {
	SegmentDuration time.Duration
	IdleDuration    time.Duration
}

// Scheduler owns the device while monitoring and runs the
// capture/idle duty cycle.
type Scheduler struct {
	device Device
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	stream  Stream
	cancel  context.CancelFunc
	done    chan struct{}
	lastSeq uint64 // survives Stop so sequence numbers never repeat
}

// NewScheduler creates a scheduler for device.
func NewScheduler(device Device, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = DefaultSegmentDuration
		cfg.IdleDuration = DefaultIdleDuration
	}
	if cfg.IdleDuration < 0 {
		cfg.IdleDuration = 0
	}
	return &Scheduler{
		device: device,
		cfg:    cfg,
		logger: logger,
	}
}

// Period is the time between consecutive segment starts.
func (s *Scheduler) Period() time.Duration {
	return s.cfg.SegmentDuration + s.cfg.IdleDuration
}

// Running reports whether the device is currently held.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Start acquires the device and begins the duty cycle. emit is called
// once per completed segment from the capture goroutine and must not block.
func (s *Scheduler) Start(ctx context.Context, emit func(models.AudioSegment)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return fmt.Errorf("%w: monitoring already active", ErrDeviceUnavailable)
	}

	stream, err := s.device.Acquire(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.stream = stream
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx, stream, s.done, emit)

	s.logger.Info("Capture scheduler started",
		zap.Duration("segment", s.cfg.SegmentDuration),
		zap.Duration("idle", s.cfg.IdleDuration))
	return nil
}

// Stop cancels any pending capture or idle wait and releases the device.
// It never waits on work done with emitted segments. Calling Stop on a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return
	}

	s.cancel()
	if err := s.stream.Close(); err != nil {
		s.logger.Warn("Failed to release audio device cleanly", zap.Error(err))
	}
	<-s.done

	s.stream = nil
	s.cancel = nil
	s.done = nil

	s.logger.Info("Capture scheduler stopped", zap.Uint64("last_seq", s.lastSeq))
}

func (s *Scheduler) nextSeq() uint64 {
	s.lastSeq++
	return s.lastSeq
}

func (s *Scheduler) run(ctx context.Context, stream Stream, done chan struct{}, emit func(models.AudioSegment)) {
	defer close(done)

	period := s.Period()
	next := time.Now()
	for {
		startedAt := next
		// lastSeq is only touched by this goroutine while running;
		// Stop reads it after done is closed.
		seq := s.nextSeq()

		data, err := stream.Record(ctx, s.cfg.SegmentDuration)
		if ctx.Err() != nil {
			s.logger.Debug("Capture interrupted", zap.Uint64("seq", seq))
			return
		}
		if err != nil {
			s.logger.Error("Segment capture failed", zap.Uint64("seq", seq), zap.Error(err))
		} else {
			s.logger.Debug("Segment captured",
				zap.Uint64("seq", seq),
				zap.Int("bytes", len(data)))
			emit(models.AudioSegment{
				Seq:       seq,
				StartedAt: startedAt,
				Duration:  s.cfg.SegmentDuration,
				MIMEType:  "audio/wav",
				Data:      data,
			})
		}

		// Anchor on the planned start so drift never accumulates. If a
		// capture overran, skip ahead to the next slot.
		next = startedAt.Add(period)
		for !next.After(time.Now()) {
			next = next.Add(period)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
