package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gitjerryh/shumeipai-camera/internal/bus"
	"github.com/gitjerryh/shumeipai-camera/internal/nightvision"
)

// Enhancement level bounds.
const (
	minLevel = 0
	maxLevel = 2
)

// Throughput thresholds driving the adaptive controller.
const (
	lowFPS          = 25.0
	reduceFPS       = 17.5
	highFPS         = 30.0
	nightFloorFPS   = 16.0
	nightLowFPS     = 18.0
	nightRecoverFPS = 22.0
)

// Processing is the shared tuning state: the adaptive controller writes
// it, the capture loop and the broadcaster read it.
type Processing struct {
	mu     sync.RWMutex
	level  int
	reduce bool
}

// NewProcessing returns the state at the given starting level, clamped
// to the valid range.
func NewProcessing(level int) *Processing {
	if level < minLevel {
		level = minLevel
	} else if level > maxLevel {
		level = maxLevel
	}
	return &Processing{level: level}
}

// Level returns the current enhancement level.
func (p *Processing) Level() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.level
}

// Reduce reports whether reduced processing is in effect.
func (p *Processing) Reduce() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reduce
}

// Snapshot returns both values consistently.
func (p *Processing) Snapshot() (level int, reduce bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.level, p.reduce
}

// SetLevel pins the level, clamped to the valid range. Used when the
// config default changes at runtime; the controller keeps adjusting from
// there.
func (p *Processing) SetLevel(level int) {
	if level < minLevel {
		level = minLevel
	} else if level > maxLevel {
		level = maxLevel
	}
	p.mu.Lock()
	p.level = level
	p.mu.Unlock()
}

func (p *Processing) set(level int, reduce bool) {
	p.mu.Lock()
	p.level = level
	p.reduce = reduce
	p.mu.Unlock()
}

// Adaptive trades enhancement work against measured throughput. Levels
// move one step at a time; dropping is preferred over raising so the
// stream degrades before it stutters.
type Adaptive struct {
	fps      *FPSTracker
	proc     *Processing
	night    *nightvision.Machine
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration
}

func NewAdaptive(fps *FPSTracker, proc *Processing, night *nightvision.Machine, b *bus.Bus, interval time.Duration) *Adaptive {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Adaptive{
		fps:      fps,
		proc:     proc,
		night:    night,
		bus:      b,
		logger:   slog.Default().With("component", "adaptive"),
		interval: interval,
	}
}

// Run evaluates the throughput once per interval until ctx is done.
func (a *Adaptive) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.adjust()
		}
	}
}

func (a *Adaptive) adjust() {
	fps := a.fps.Current()
	if fps == 0 {
		// Nothing measured yet.
		return
	}

	level, reduce := a.proc.Snapshot()
	newLevel, newReduce := level, reduce

	if a.night.Active() {
		// Night work is heavier, so the floor sits lower.
		switch {
		case fps < nightFloorFPS:
			if newLevel > minLevel {
				newLevel--
			}
			newReduce = true
		case fps < nightLowFPS:
			if newLevel > minLevel {
				newLevel--
			}
		case fps > nightRecoverFPS && newReduce:
			newReduce = false
		}
	} else {
		switch {
		case fps < lowFPS:
			if newLevel > minLevel {
				newLevel--
			}
			if fps < reduceFPS {
				newReduce = true
			}
		case fps > highFPS:
			// Recovery clears reduce before raising the level, one
			// change per cycle.
			if newReduce {
				newReduce = false
			} else if newLevel < maxLevel {
				newLevel++
			}
		}
	}

	if newLevel == level && newReduce == reduce {
		return
	}

	a.proc.set(newLevel, newReduce)
	a.logger.Info("Processing adjusted",
		"fps", fps,
		"level", newLevel,
		"reduce", newReduce)
	if err := a.bus.PublishProcessing(newLevel, newReduce, fps); err != nil {
		a.logger.Debug("Failed to publish processing change", "error", err)
	}
}
