//go:build linux

package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"strings"

	"github.com/blackjack/webcam"
)

// V4L2 pixel formats this driver can decode.
const (
	fourccYUYV = webcam.PixelFormat(0x56595559)
	fourccMJPG = webcam.PixelFormat(0x47504A4D)
)

// v4l2Driver captures frames from a Video4Linux device through memory-mapped
// buffers.
type v4l2Driver struct {
	cam    *webcam.Webcam
	format webcam.PixelFormat
	width  int
	height int
	logger *slog.Logger
}

// NewV4L2Driver returns an unopened driver for a Video4Linux device.
func NewV4L2Driver() (Driver, error) {
	return &v4l2Driver{logger: slog.Default().With("component", "v4l2")}, nil
}

// Open opens the device node, negotiates a pixel format and size, applies
// the configured controls and starts streaming.
func (d *v4l2Driver) Open(cfg Config) error {
	cam, err := webcam.Open(cfg.Device)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.Device, err)
	}

	preferred := fourccYUYV
	if strings.EqualFold(cfg.Format, "MJPG") || strings.EqualFold(cfg.Format, "MJPEG") {
		preferred = fourccMJPG
	}

	format, w, h, err := negotiateFormat(cam, preferred, uint32(cfg.Width), uint32(cfg.Height))
	if err != nil {
		cam.Close()
		return err
	}

	if err := cam.SetAutoWhiteBalance(cfg.Controls.AWBMode != 0); err != nil {
		d.logger.Debug("Auto white balance not supported", "error", err)
	}
	d.applyControls(cam, cfg.Controls)

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return fmt.Errorf("failed to start streaming: %w", err)
	}

	d.cam = cam
	d.format = format
	d.width = int(w)
	d.height = int(h)
	d.logger.Info("Camera opened",
		"device", cfg.Device,
		"format", fourccName(format),
		"width", d.width,
		"height", d.height)
	return nil
}

// Capture waits up to a second for the next frame and decodes it to RGBA.
func (d *v4l2Driver) Capture() (*image.RGBA, error) {
	if d.cam == nil {
		return nil, ErrNotReady
	}

	err := d.cam.WaitForFrame(1)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return nil, fmt.Errorf("%w: wait timed out", ErrCaptureFailed)
	default:
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	buf, err := d.cam.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty frame buffer", ErrCaptureFailed)
	}

	switch d.format {
	case fourccYUYV:
		return d.yuyvToRGBA(buf)
	case fourccMJPG:
		return mjpgToRGBA(buf)
	default:
		return nil, fmt.Errorf("%w: unsupported format %s", ErrCaptureFailed, fourccName(d.format))
	}
}

// Stop stops streaming and closes the device node.
func (d *v4l2Driver) Stop() error {
	if d.cam == nil {
		return nil
	}
	cam := d.cam
	d.cam = nil

	if err := cam.StopStreaming(); err != nil {
		cam.Close()
		return fmt.Errorf("%w: %v", ErrStopFailed, err)
	}
	if err := cam.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStopFailed, err)
	}
	return nil
}

// negotiateFormat asks for the preferred pixel format first and falls back
// to the other decodable one when the device refuses.
func negotiateFormat(cam *webcam.Webcam, preferred webcam.PixelFormat, w, h uint32) (webcam.PixelFormat, uint32, uint32, error) {
	order := []webcam.PixelFormat{fourccYUYV, fourccMJPG}
	if preferred == fourccMJPG {
		order = []webcam.PixelFormat{fourccMJPG, fourccYUYV}
	}

	supported := cam.GetSupportedFormats()
	for _, f := range order {
		if _, ok := supported[f]; !ok {
			continue
		}
		got, gw, gh, err := cam.SetImageFormat(f, w, h)
		if err != nil {
			continue
		}
		if got == fourccYUYV || got == fourccMJPG {
			return got, gw, gh, nil
		}
	}
	return 0, 0, 0, fmt.Errorf("%w: device supports neither YUYV nor MJPG", ErrInitFailed)
}

// applyControls maps the normalized tuning values onto whatever V4L2
// controls the device actually exposes. Missing controls are skipped.
func (d *v4l2Driver) applyControls(cam *webcam.Webcam, ctl Controls) {
	for id, c := range cam.GetControls() {
		var frac float64
		switch strings.ToLower(c.Name) {
		case "brightness":
			frac = ctl.Brightness
		case "saturation":
			frac = ctl.Saturation - 1
		case "red balance":
			frac = ctl.ColourGains[0] - 1
		case "blue balance":
			frac = ctl.ColourGains[1] - 1
		case "exposure compensation":
			frac = ctl.ExposureValue
		default:
			continue
		}
		if frac > 1 {
			frac = 1
		} else if frac < -1 {
			frac = -1
		}

		mid := (int64(c.Min) + int64(c.Max)) / 2
		span := (int64(c.Max) - int64(c.Min)) / 2
		val := int32(mid + int64(frac*float64(span)))
		if err := cam.SetControl(id, val); err != nil {
			d.logger.Debug("Control not applied", "control", c.Name, "value", val, "error", err)
		}
	}
}

// yuyvToRGBA converts a packed YUYV 4:2:2 buffer. Each four bytes hold two
// pixels as [Y0 Cb Y1 Cr].
func (d *v4l2Driver) yuyvToRGBA(buf []byte) (*image.RGBA, error) {
	w, h := d.width, d.height
	need := w * h * 2
	if len(buf) < need {
		return nil, fmt.Errorf("%w: short YUYV frame, got %d bytes want %d", ErrCaptureFailed, len(buf), need)
	}

	ycbcr := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio422)
	for i := range ycbcr.Cb {
		j := i * 4
		ycbcr.Y[i*2] = buf[j]
		ycbcr.Y[i*2+1] = buf[j+2]
		ycbcr.Cb[i] = buf[j+1]
		ycbcr.Cr[i] = buf[j+3]
	}

	rgba := image.NewRGBA(ycbcr.Bounds())
	draw.Draw(rgba, rgba.Bounds(), ycbcr, image.Point{}, draw.Src)
	return rgba, nil
}

func mjpgToRGBA(buf []byte) (*image.RGBA, error) {
	img, err := jpeg.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}

func fourccName(f webcam.PixelFormat) string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}
