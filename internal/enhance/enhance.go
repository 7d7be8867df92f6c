// Package enhance turns raw captures into display frames: LUT color
// correction, optional sharpening and highlight suppression, the low-light
// night path, and the status overlay. The Enhancer is owned by the capture
// loop and is not safe for concurrent use.
package enhance

import (
	"image"
	"math"
	"time"
)

// Validity and smoothing constants. A patch mean below minValidMean reads
// as a dead sensor, a stddev below minValidStddev as a covered lens.
const (
	minValidMean   = 5
	minValidStddev = 3
	emaOld         = 0.95
	emaNew         = 0.05
)

// Params is the snapshot of tunables a single enhancement pass runs with.
type Params struct {
	Level       int
	Reduce      bool
	NightActive bool
	GreenTint   bool
	Strength    float64
}

// Enhancer holds the precomputed tables and scratch state for the
// enhancement pipeline.
type Enhancer struct {
	day     lutSet
	night   nightLUTs
	scratch []byte
	ov      overlay

	ema     float64
	emaInit bool
}

// New returns an Enhancer with the standard tables prebuilt.
func New() *Enhancer {
	return &Enhancer{day: buildDayLUTs()}
}

// Process runs one enhancement pass over img, mutating it in place, and
// returns the display frame. A nil return means the frame failed the
// validity check and the caller should skip the cycle.
func (e *Enhancer) Process(img *image.RGBA, ts time.Time, fps float64, p Params) *image.RGBA {
	if img == nil || len(img.Pix) == 0 {
		return nil
	}

	mean, stddev := patchStats(img)
	if mean < minValidMean || stddev < minValidStddev {
		return nil
	}
	e.observe(mean)

	if p.NightActive {
		e.night.ensure(p.Strength, p.GreenTint)
		applyLUTs(img, &e.night.r, &e.night.g, &e.night.b)
		if !p.Reduce {
			e.boxBlur(img)
		}
	} else {
		applyLUTs(img, &e.day.r, &e.day.g, &e.day.b)
		if !p.Reduce && p.Level >= 1 {
			e.sharpen(img)
		}
		if !p.Reduce && p.Level >= 2 {
			suppressHighlights(img)
		}
	}

	e.ov.draw(img, ts, fps)
	return img
}

// Brightness returns the smoothed scene luminance measured from the raw
// frames, before any boost is applied.
func (e *Enhancer) Brightness() float64 {
	return e.ema
}

func (e *Enhancer) observe(mean float64) {
	if !e.emaInit {
		e.ema = mean
		e.emaInit = true
		return
	}
	e.ema = emaOld*e.ema + emaNew*mean
}

// patchStats measures mean luminance and standard deviation over a
// centered square patch of side min(w,h)/4.
func patchStats(img *image.RGBA) (mean, stddev float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	side := w
	if h < side {
		side = h
	}
	side /= 4
	if side < 1 {
		side = 1
	}
	x0 := b.Min.X + (w-side)/2
	y0 := b.Min.Y + (h-side)/2

	var sum, sumSq float64
	for y := y0; y < y0+side; y++ {
		for x := x0; x < x0+side; x++ {
			o := img.PixOffset(x, y)
			lum := 0.299*float64(img.Pix[o]) + 0.587*float64(img.Pix[o+1]) + 0.114*float64(img.Pix[o+2])
			sum += lum
			sumSq += lum * lum
		}
	}

	n := float64(side * side)
	mean = sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// sharpen convolves a 3x3 sharpening kernel and blends the result 70/30
// with the unsharpened frame. The one-pixel border is left untouched.
func (e *Enhancer) sharpen(img *image.RGBA) {
	src := e.snapshot(img)
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	stride := img.Stride

	for y := 1; y < h-1; y++ {
		row := y * stride
		for x := 1; x < w-1; x++ {
			for c := 0; c < 3; c++ {
				o := row + x*4 + c
				v := 5*int(src[o]) - int(src[o-4]) - int(src[o+4]) - int(src[o-stride]) - int(src[o+stride])
				if v < 0 {
					v = 0
				} else if v > 255 {
					v = 255
				}
				img.Pix[o] = uint8((7*v + 3*int(src[o])) / 10)
			}
		}
	}
}

// boxBlur smooths sensor noise with a 3x3 box filter.
func (e *Enhancer) boxBlur(img *image.RGBA) {
	src := e.snapshot(img)
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	stride := img.Stride

	for y := 1; y < h-1; y++ {
		row := y * stride
		for x := 1; x < w-1; x++ {
			for c := 0; c < 3; c++ {
				o := row + x*4 + c
				sum := int(src[o-stride-4]) + int(src[o-stride]) + int(src[o-stride+4]) +
					int(src[o-4]) + int(src[o]) + int(src[o+4]) +
					int(src[o+stride-4]) + int(src[o+stride]) + int(src[o+stride+4])
				img.Pix[o] = uint8(sum / 9)
			}
		}
	}
}

// snapshot copies the pixel buffer into the reusable scratch slice.
func (e *Enhancer) snapshot(img *image.RGBA) []byte {
	n := len(img.Pix)
	if cap(e.scratch) < n {
		e.scratch = make([]byte, n)
	}
	src := e.scratch[:n]
	copy(src, img.Pix)
	return src
}

// suppressHighlights pulls blown-out regions back toward neutral: bright
// pixels lose a little red and green and gain blue.
func suppressHighlights(img *image.RGBA) {
	p := img.Pix
	for i := 0; i < len(p); i += 4 {
		r, g, b := int(p[i]), int(p[i+1]), int(p[i+2])
		if (r+g+b)/3 > 200 {
			p[i] = clampU8(r - 10)
			p[i+1] = clampU8(g - 5)
			p[i+2] = clampU8(b + 15)
		}
	}
}

func clampU8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
