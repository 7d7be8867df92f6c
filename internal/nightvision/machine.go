// Package nightvision implements the debounced day/night switch that
// drives the low-light enhancement path.
package nightvision

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gitjerryh/shumeipai-camera/internal/bus"
	"github.com/gitjerryh/shumeipai-camera/internal/config"
)

// Debounce window for automatic transitions. Manual toggles bypass it.
const defaultDebounce = 3 * time.Second

var (
	ErrStrengthRange  = errors.New("strength must be between 0.1 and 1.0")
	ErrThresholdRange = errors.New("light threshold must be between 10 and 150")
)

// State is a point-in-time copy of the machine.
type State struct {
	Enabled        bool    `json:"enabled"`
	Auto           bool    `json:"auto"`
	Active         bool    `json:"active"`
	GreenTint      bool    `json:"green_tint"`
	Strength       float64 `json:"strength"`
	LightThreshold float64 `json:"light_threshold"`
	Brightness     float64 `json:"brightness"`
}

// Machine tracks whether the night path should run. In auto mode the
// active flag follows measured scene brightness with a debounce; in manual
// mode it follows the enabled flag directly.
type Machine struct {
	mu             sync.Mutex
	enabled        bool
	auto           bool
	active         bool
	greenTint      bool
	strength       float64
	lightThreshold float64
	brightness     float64
	lastChange     time.Time

	debounce time.Duration
	bus      *bus.Bus
	logger   *slog.Logger
}

// New builds a machine from the configured defaults. The bus may be nil.
func New(cfg config.NightVisionConfig, b *bus.Bus) *Machine {
	m := &Machine{
		enabled:        cfg.Enabled,
		auto:           cfg.Auto,
		greenTint:      cfg.GreenTint,
		strength:       cfg.Strength,
		lightThreshold: cfg.LightThreshold,
		debounce:       defaultDebounce,
		bus:            b,
		logger:         slog.Default().With("component", "nightvision"),
	}
	if m.enabled && !m.auto {
		m.active = true
	}
	return m
}

// Observe feeds one smoothed brightness sample. In auto mode it may flip
// the active flag, at most once per debounce window.
func (m *Machine) Observe(brightness float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.brightness = brightness
	if !m.enabled || !m.auto {
		return
	}

	lowLight := brightness < m.lightThreshold
	if lowLight == m.active {
		return
	}
	if time.Since(m.lastChange) < m.debounce {
		return
	}
	m.setActiveLocked(lowLight, "auto")
}

// ToggleEnabled flips the master switch. Disabling always deactivates; in
// manual mode enabling activates immediately, in auto mode the next
// observation decides.
func (m *Machine) ToggleEnabled() (enabled, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = !m.enabled
	switch {
	case !m.enabled:
		m.setActiveLocked(false, "disabled")
	case !m.auto:
		m.setActiveLocked(true, "manual")
	}
	m.logger.Info("Night vision toggled", "enabled", m.enabled, "active", m.active)
	return m.enabled, m.active
}

// ToggleAuto switches between automatic and manual control. Entering
// manual mode snaps active to the enabled flag; entering auto mode leaves
// it to the next observation.
func (m *Machine) ToggleAuto() (auto, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.auto = !m.auto
	if !m.auto {
		m.setActiveLocked(m.enabled, "manual")
	}
	m.logger.Info("Night vision mode toggled", "auto", m.auto, "active", m.active)
	return m.auto, m.active
}

// ToggleGreen flips the green tint and returns the new value.
func (m *Machine) ToggleGreen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.greenTint = !m.greenTint
	m.logger.Info("Green tint toggled", "green_tint", m.greenTint)
	return m.greenTint
}

// SetStrength updates the night boost strength.
func (m *Machine) SetStrength(v float64) error {
	if v < 0.1 || v > 1.0 {
		return ErrStrengthRange
	}
	m.mu.Lock()
	m.strength = v
	m.mu.Unlock()
	m.logger.Info("Night vision strength set", "strength", v)
	return nil
}

// SetThreshold updates the auto-mode light threshold.
func (m *Machine) SetThreshold(v float64) error {
	if v < 10 || v > 150 {
		return ErrThresholdRange
	}
	m.mu.Lock()
	m.lightThreshold = v
	m.mu.Unlock()
	m.logger.Info("Light threshold set", "threshold", v)
	return nil
}

// ApplyConfig refreshes the config-backed tunables after a reload,
// leaving the runtime toggles alone.
func (m *Machine) ApplyConfig(cfg config.NightVisionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Strength >= 0.1 && cfg.Strength <= 1.0 {
		m.strength = cfg.Strength
	}
	if cfg.LightThreshold >= 10 && cfg.LightThreshold <= 150 {
		m.lightThreshold = cfg.LightThreshold
	}
}

// Active reports whether the night path should run.
func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Enabled:        m.enabled,
		Auto:           m.auto,
		Active:         m.active,
		GreenTint:      m.greenTint,
		Strength:       m.strength,
		LightThreshold: m.lightThreshold,
		Brightness:     m.brightness,
	}
}

func (m *Machine) setActiveLocked(active bool, cause string) {
	if m.active == active {
		return
	}
	m.active = active
	m.lastChange = time.Now()
	m.logger.Info("Night vision switched", "active", active, "cause", cause, "brightness", m.brightness)
	m.bus.PublishNightVision(bus.NightVisionEvent{
		Enabled:   m.enabled,
		Auto:      m.auto,
		Active:    m.active,
		GreenTint: m.greenTint,
		Strength:  m.strength,
	})
}
