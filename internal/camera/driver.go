// Package camera provides the frame source for the capture pipeline:
// Video4Linux and synthetic drivers plus the lifecycle adapter that owns
// the device handle.
package camera

import (
	"errors"
	"image"
	"time"
)

// Sentinel errors for camera failures. All of them are recoverable: the
// capture loop retries initialization and the watchdog resets the device.
var (
	ErrInitFailed    = errors.New("camera initialization failed")
	ErrCaptureFailed = errors.New("frame capture failed")
	ErrStopFailed    = errors.New("camera stop failed")
	ErrNotReady      = errors.New("camera not ready")
)

// Status represents camera status
type Status string

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusError    Status = "error"
	StatusStarting Status = "starting"
)

// Frame is a single captured image with its capture time and the sequence
// number assigned by the source.
type Frame struct {
	Image     *image.RGBA
	Timestamp time.Time
	Seq       uint64
}

// Controls holds the tuning values applied to the device at open time.
// Brightness and ExposureValue are normalized offsets around the device
// default; Saturation and ColourGains are multipliers around 1.0.
type Controls struct {
	AWBMode       int
	ColourGains   [2]float64
	Brightness    float64
	Saturation    float64
	ExposureValue float64
}

// Config describes the device a driver should open.
type Config struct {
	Device    string
	Width     int
	Height    int
	Format    string
	TargetFPS int
	Controls  Controls
}

// Driver is a minimal capture device. Implementations need not be safe for
// concurrent use; Source serializes all access to the driver.
type Driver interface {
	// Open configures the device and starts streaming.
	Open(cfg Config) error
	// Capture returns the next frame. It must not block for more than
	// about a second.
	Capture() (*image.RGBA, error)
	// Stop stops streaming and releases the device.
	Stop() error
}
