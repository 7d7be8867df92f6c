package enhance

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const overlayTimeFormat = "2006-01-02 15:04:05"

// overlay draws the timestamp and FPS labels. The timestamp string is
// reformatted at most once per second.
type overlay struct {
	lastSecond int64
	timeText   string
}

func (o *overlay) draw(img *image.RGBA, ts time.Time, fps float64) {
	if s := ts.Unix(); s != o.lastSecond || o.timeText == "" {
		o.lastSecond = s
		o.timeText = ts.Format(overlayTimeFormat)
	}
	drawLabel(img, o.timeText, 10, 20)
	drawLabel(img, fmt.Sprintf("FPS: %.1f", fps), 10, 40)
}

// drawLabel draws white text with its baseline at (x, y) over a darkened
// box so it stays readable on bright scenes.
func drawLabel(img *image.RGBA, text string, x, y int) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()

	box := image.Rect(x-4, y-face.Ascent-2, x+w+4, y+face.Descent+2)
	shade(img, box.Intersect(img.Bounds()))

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255}),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.Int26_6(x * 64), Y: fixed.Int26_6(y * 64)},
	}
	d.DrawString(text)
}

func shade(img *image.RGBA, r image.Rectangle) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			o := img.PixOffset(x, y)
			img.Pix[o] /= 3
			img.Pix[o+1] /= 3
			img.Pix[o+2] /= 3
		}
	}
}
