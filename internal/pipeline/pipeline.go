package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gitjerryh/shumeipai-camera/internal/bus"
	"github.com/gitjerryh/shumeipai-camera/internal/config"
	"github.com/gitjerryh/shumeipai-camera/internal/nightvision"
)

// Pipeline wires the capture loop, adaptive controller and watchdog over
// the shared frame stores.
type Pipeline struct {
	Store *FrameStore
	Cache *EncodeCache
	FPS   *FPSTracker
	Proc  *Processing

	source   Source
	capture  *Capture
	adaptive *Adaptive
	health   *Health
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles the pipeline around src. Call Start to begin producing
// frames.
func New(cfg *config.Config, src Source, night *nightvision.Machine, b *bus.Bus) *Pipeline {
	snap := cfg.Snapshot()

	store := &FrameStore{}
	cache := NewEncodeCache(snap.Stream.JPEGQuality)
	fps := NewFPSTracker()
	proc := NewProcessing(snap.Enhancement.DefaultLevel)

	return &Pipeline{
		Store:    store,
		Cache:    cache,
		FPS:      fps,
		Proc:     proc,
		source:   src,
		capture:  NewCapture(src, store, cache, fps, proc, night, snap.Camera.TargetFPS),
		adaptive: NewAdaptive(fps, proc, night, b, cfg.AdaptiveInterval()),
		health:   NewHealth(store, src, fps, cfg.HealthInterval(), cfg.FrameTimeout()),
		logger:   slog.Default().With("component", "pipeline"),
	}
}

// SetClientCount wires the active client counter into the health report.
// Call before Start.
func (p *Pipeline) SetClientCount(fn func() int) {
	p.health.SetClientCount(fn)
}

// SetOnStatus registers a callback run after every health check. Call
// before Start.
func (p *Pipeline) SetOnStatus(fn func()) {
	p.health.OnStatus = fn
}

// Start launches the loops. It returns immediately; the camera comes up
// in the background.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		p.capture.Run(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.adaptive.Run(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.health.Run(ctx)
	}()

	p.logger.Info("Pipeline started")
}

// Stop halts the loops and releases the camera.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	p.wg.Wait()

	if err := p.source.Close(); err != nil {
		p.logger.Error("Failed to close camera", "error", err)
	}
	p.logger.Info("Pipeline stopped")
}
