package camera

import (
	"fmt"
	"image"
	"sync"
)

// SyntheticMode selects what the synthetic driver renders.
type SyntheticMode int

const (
	// SyntheticPattern renders a moving color gradient.
	SyntheticPattern SyntheticMode = iota
	// SyntheticDark renders a dim frame, as an unlit room would look.
	SyntheticDark
	// SyntheticFlat renders a uniform mid-gray frame.
	SyntheticFlat
)

// Synthetic is a Driver that renders generated frames in place of real
// hardware, for development machines and tests.
type Synthetic struct {
	mu   sync.Mutex
	cfg  Config
	open bool
	tick int

	// Mode selects the rendered pattern. It may be changed while streaming.
	Mode SyntheticMode
}

// NewSynthetic returns an unopened synthetic driver.
func NewSynthetic() *Synthetic {
	return &Synthetic{}
}

func (s *Synthetic) Open(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: invalid size %dx%d", ErrInitFailed, cfg.Width, cfg.Height)
	}
	s.cfg = cfg
	s.open = true
	s.tick = 0
	return nil
}

func (s *Synthetic) Capture() (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrNotReady
	}
	s.tick++

	w, h := s.cfg.Width, s.cfg.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	switch s.Mode {
	case SyntheticDark:
		// Dim but not black, with enough texture to read as a real scene.
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				o := img.PixOffset(x, y)
				v := uint8(8 + (x+y)%12)
				img.Pix[o] = v
				img.Pix[o+1] = v
				img.Pix[o+2] = v
				img.Pix[o+3] = 255
			}
		}
	case SyntheticFlat:
		for i := 0; i < len(img.Pix); i += 4 {
			img.Pix[i] = 128
			img.Pix[i+1] = 128
			img.Pix[i+2] = 128
			img.Pix[i+3] = 255
		}
	default:
		t := s.tick
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				o := img.PixOffset(x, y)
				img.Pix[o] = uint8((x + t) % 256)
				img.Pix[o+1] = uint8((y + t/2) % 256)
				img.Pix[o+2] = uint8((x + y) % 256)
				img.Pix[o+3] = 255
			}
		}
	}
	return img, nil
}

func (s *Synthetic) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}
