package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gitjerryh/shumeipai-camera/internal/bus"
)

const (
	initAttempts       = 3
	defaultInitBackoff = 2 * time.Second
	defaultCooldown    = 2 * time.Second
	settleFrames       = 5
)

// Source wraps a Driver with retried initialization, serialized device
// access and reset handling. The capture loop, the watchdog and the manual
// reset endpoint all go through the same mutex so the device handle is
// never touched concurrently.
type Source struct {
	driver Driver
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger

	mu     sync.Mutex
	opened bool
	seq    uint64

	resetting atomic.Bool

	stMu   sync.RWMutex
	status Status

	initBackoff time.Duration
	cooldown    time.Duration
}

// NewSource creates a source around a driver. The bus may be nil.
func NewSource(driver Driver, cfg Config, b *bus.Bus) *Source {
	return &Source{
		driver:      driver,
		cfg:         cfg,
		bus:         b,
		logger:      slog.Default().With("component", "camera"),
		status:      StatusOffline,
		initBackoff: defaultInitBackoff,
		cooldown:    defaultCooldown,
	}
}

// Initialize opens the device, retrying a few times with backoff, then
// discards a handful of settle frames so auto-exposure can converge.
// Calling it on an already-open source is a no-op.
func (s *Source) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked(ctx)
}

func (s *Source) initLocked(ctx context.Context) error {
	if s.opened {
		return nil
	}
	s.setStatus(StatusStarting)

	var lastErr error
	for attempt := 1; attempt <= initAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			s.setStatus(StatusOffline)
			return err
		}

		err := s.driver.Open(s.cfg)
		if err == nil {
			s.settle()
			s.opened = true
			s.setStatus(StatusOnline)
			s.logger.Info("Camera initialized", "device", s.cfg.Device, "attempt", attempt)
			s.bus.PublishCamera(bus.SubjectCameraOnline, string(StatusOnline), "")
			return nil
		}

		lastErr = err
		s.logger.Warn("Camera init attempt failed", "attempt", attempt, "error", err)
		if attempt < initAttempts {
			select {
			case <-time.After(s.initBackoff):
			case <-ctx.Done():
				s.setStatus(StatusOffline)
				return ctx.Err()
			}
		}
	}

	s.setStatus(StatusError)
	s.bus.PublishCamera(bus.SubjectCameraError, string(StatusError), lastErr.Error())
	return fmt.Errorf("%w after %d attempts: %v", ErrInitFailed, initAttempts, lastErr)
}

// settle discards the first frames after start so exposure and white
// balance have stabilized before anything is published.
func (s *Source) settle() {
	for i := 0; i < settleFrames; i++ {
		if _, err := s.driver.Capture(); err != nil {
			s.logger.Debug("Settle frame skipped", "error", err)
		}
	}
}

// CaptureRaw grabs the next frame from the device. It blocks while a reset
// holds the device, and is bounded by the driver's own wait timeout.
func (s *Source) CaptureRaw() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return nil, ErrNotReady
	}

	img, err := s.driver.Capture()
	if err != nil {
		s.setStatus(StatusError)
		return nil, err
	}

	s.setStatus(StatusOnline)
	s.seq++
	return &Frame{Image: img, Timestamp: time.Now(), Seq: s.seq}, nil
}

// Reset tears the device down, waits out the cooldown and brings it back
// up. Overlapping calls collapse into one: a caller racing an in-flight
// reset returns immediately without touching the device.
func (s *Source) Reset(ctx context.Context) error {
	if !s.resetting.CompareAndSwap(false, true) {
		s.logger.Info("Reset already in progress, skipping")
		return nil
	}
	defer s.resetting.Store(false)

	s.logger.Info("Resetting camera", "device", s.cfg.Device)
	s.bus.PublishCamera(bus.SubjectCameraReset, string(StatusStarting), "")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		s.opened = false
		if err := s.driver.Stop(); err != nil {
			s.logger.Warn("Camera stop failed during reset", "error", err)
		}
	}
	s.setStatus(StatusStarting)

	select {
	case <-time.After(s.cooldown):
	case <-ctx.Done():
		s.setStatus(StatusOffline)
		return ctx.Err()
	}

	if err := s.initLocked(ctx); err != nil {
		return err
	}
	s.bus.PublishCamera(bus.SubjectCameraReset, string(StatusOnline), "")
	return nil
}

// Drop releases the device without the reset cooldown. The capture loop
// calls this after repeated failures so its next cycle reinitializes.
func (s *Source) Drop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return
	}
	s.opened = false
	if err := s.driver.Stop(); err != nil {
		s.logger.Warn("Camera stop failed", "error", err)
	}
	s.setStatus(StatusError)
	s.logger.Warn("Camera handle dropped", "reason", reason)
	s.bus.PublishCamera(bus.SubjectCameraError, string(StatusError), reason)
}

// Close releases the device. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return nil
	}
	s.opened = false
	s.setStatus(StatusOffline)
	if err := s.driver.Stop(); err != nil {
		return fmt.Errorf("%w: %v", ErrStopFailed, err)
	}
	return nil
}

// Ready reports whether the device is open and streaming.
func (s *Source) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Status returns the camera status for the status endpoints. It never
// blocks on the device mutex.
func (s *Source) Status() Status {
	s.stMu.RLock()
	defer s.stMu.RUnlock()
	return s.status
}

func (s *Source) setStatus(st Status) {
	s.stMu.Lock()
	s.status = st
	s.stMu.Unlock()
}
