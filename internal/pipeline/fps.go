// Package pipeline contains the frame path: capture loop, latest-frame
// store, JPEG encode cache, adaptive performance controller and the health
// watchdog.
package pipeline

import (
	"sync"
	"time"
)

// fpsWindow is the number of capture timestamps kept for rate estimation.
const fpsWindow = 10

// FPSStats is a point-in-time frame rate summary.
type FPSStats struct {
	Current float64 `json:"current"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Avg     float64 `json:"avg"`
}

// FPSTracker keeps a sliding window of capture timestamps. The oldest
// sample drops when the window is full.
type FPSTracker struct {
	mu    sync.Mutex
	ticks []time.Time
}

func NewFPSTracker() *FPSTracker {
	return &FPSTracker{ticks: make([]time.Time, 0, fpsWindow)}
}

// Tick records one capture.
func (f *FPSTracker) Tick(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.ticks) == fpsWindow {
		copy(f.ticks, f.ticks[1:])
		f.ticks = f.ticks[:fpsWindow-1]
	}
	f.ticks = append(f.ticks, now)
}

// Stats summarizes the current window. Current is the windowed rate;
// min, max and avg cover the instantaneous rates of consecutive pairs.
// With fewer than two samples everything is zero.
func (f *FPSTracker) Stats() FPSStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.ticks)
	if n < 2 {
		return FPSStats{}
	}

	var s FPSStats
	if span := f.ticks[n-1].Sub(f.ticks[0]).Seconds(); span > 0 {
		s.Current = float64(n-1) / span
	}

	var sum float64
	count := 0
	for i := 1; i < n; i++ {
		dt := f.ticks[i].Sub(f.ticks[i-1]).Seconds()
		if dt <= 0 {
			continue
		}
		rate := 1 / dt
		if count == 0 || rate < s.Min {
			s.Min = rate
		}
		if rate > s.Max {
			s.Max = rate
		}
		sum += rate
		count++
	}
	if count > 0 {
		s.Avg = sum / float64(count)
	}
	return s
}

// Current returns just the windowed rate.
func (f *FPSTracker) Current() float64 {
	return f.Stats().Current
}
