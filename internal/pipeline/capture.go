package pipeline

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/gitjerryh/shumeipai-camera/internal/camera"
	"github.com/gitjerryh/shumeipai-camera/internal/enhance"
	"github.com/gitjerryh/shumeipai-camera/internal/nightvision"
)

// Source is the camera contract the pipeline drives. *camera.Source
// satisfies it.
type Source interface {
	Initialize(ctx context.Context) error
	Ready() bool
	CaptureRaw() (*camera.Frame, error)
	Reset(ctx context.Context) error
	Drop(reason string)
	Status() camera.Status
	Close() error
}

const (
	// initRetryDelay spaces out reopen attempts while the camera is
	// missing.
	initRetryDelay = time.Second

	// failureThreshold is how many consecutive capture errors drop the
	// device handle.
	failureThreshold = 5
)

// Capture is the producer loop. It owns the enhancer; nothing else may
// touch it.
type Capture struct {
	source Source
	enh    *enhance.Enhancer
	store  *FrameStore
	cache  *EncodeCache
	fps    *FPSTracker
	proc   *Processing
	night  *nightvision.Machine
	logger *slog.Logger

	interval   time.Duration
	retryDelay time.Duration
	failures   int
}

func NewCapture(src Source, store *FrameStore, cache *EncodeCache, fps *FPSTracker, proc *Processing, night *nightvision.Machine, targetFPS int) *Capture {
	if targetFPS <= 0 {
		targetFPS = 30
	}
	return &Capture{
		source:     src,
		enh:        enhance.New(),
		store:      store,
		cache:      cache,
		fps:        fps,
		proc:       proc,
		night:      night,
		logger:     slog.Default().With("component", "capture"),
		interval:   time.Second / time.Duration(targetFPS),
		retryDelay: initRetryDelay,
	}
}

// Run captures, enhances and publishes frames until ctx is done. When
// the camera is missing it keeps retrying; the loop itself never exits
// on error.
func (c *Capture) Run(ctx context.Context) {
	c.logger.Info("Capture loop started", "interval", c.interval)
	defer c.logger.Info("Capture loop stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()

		if !c.source.Ready() {
			if err := c.source.Initialize(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("Camera unavailable, retrying", "error", err)
				if !sleepCtx(ctx, c.retryDelay) {
					return
				}
				continue
			}
		}

		c.cycle()

		// Pace to the target interval, yielding even when the cycle ran
		// long.
		if rest := c.interval - time.Since(start); rest > 0 {
			if !sleepCtx(ctx, rest) {
				return
			}
		} else {
			runtime.Gosched()
		}
	}
}

func (c *Capture) cycle() {
	frame, err := c.source.CaptureRaw()
	if err != nil {
		c.failures++
		c.logger.Warn("Capture failed", "consecutive", c.failures, "error", err)
		if c.failures >= failureThreshold {
			c.source.Drop("too many consecutive capture failures")
			c.failures = 0
		}
		return
	}
	c.failures = 0

	level, reduce := c.proc.Snapshot()
	nv := c.night.Snapshot()
	params := enhance.Params{
		Level:       level,
		Reduce:      reduce,
		NightActive: nv.Active,
		GreenTint:   nv.GreenTint,
		Strength:    nv.Strength,
	}

	display := c.enh.Process(frame.Image, frame.Timestamp, c.fps.Current(), params)
	if display == nil {
		c.logger.Debug("Frame rejected as invalid", "seq", frame.Seq)
		return
	}
	c.night.Observe(c.enh.Brightness())

	c.store.Publish(display, frame.Timestamp)
	c.fps.Tick(frame.Timestamp)
	if err := c.cache.Encode(display); err != nil {
		c.logger.Error("Failed to cache frame", "error", err)
	}
}

// sleepCtx waits for d or until ctx is done, reporting whether the full
// wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
