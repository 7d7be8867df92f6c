package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// Health is the watchdog. It reports the pipeline state once per period
// and resets the camera when frames stop arriving.
type Health struct {
	store   *FrameStore
	source  Source
	fps     *FPSTracker
	clients func() int
	logger  *slog.Logger

	interval time.Duration
	timeout  time.Duration

	// OnStatus, when set, runs after every check so interested parties
	// can push a fresh snapshot.
	OnStatus func()
}

func NewHealth(store *FrameStore, src Source, fps *FPSTracker, interval, timeout time.Duration) *Health {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Health{
		store:    store,
		source:   src,
		fps:      fps,
		clients:  func() int { return 0 },
		logger:   slog.Default().With("component", "health"),
		interval: interval,
		timeout:  timeout,
	}
}

// SetClientCount wires in the active client counter.
func (h *Health) SetClientCount(fn func() int) {
	if fn != nil {
		h.clients = fn
	}
}

// Run checks once per period until ctx is done.
func (h *Health) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.check(ctx)
		}
	}
}

func (h *Health) check(ctx context.Context) {
	last := h.store.LastFrameTime()
	age := time.Since(last)
	// The zero time means no frame ever arrived; the capture loop is
	// still trying to open the device and a reset would not help.
	stale := !last.IsZero() && age > h.timeout

	stats := h.fps.Stats()
	h.logger.Info("Health check",
		"camera", h.source.Status(),
		"clients", h.clients(),
		"fps", stats.Current,
		"frame_age", age.Round(time.Millisecond),
		"stale", stale)

	if stale {
		h.logger.Warn("Frames stale, resetting camera", "frame_age", age.Round(time.Millisecond))
		if err := h.source.Reset(ctx); err != nil {
			h.logger.Error("Watchdog reset failed", "error", err)
		}
	}

	if h.OnStatus != nil {
		h.OnStatus()
	}
}
