package enhance

import "image"

// Standard-path color constants, from the tuned daylight profile.
const (
	gainRed    = 1.15
	gainGreen  = 1.0
	gainBlue   = 0.75
	brightLift = 15
)

// Night-path constants. Gain and offset scale linearly with strength, so
// full strength boosts by x1.3 plus 30.
const (
	nightGainSpan = 0.3
	nightOffset   = 30
	tintDamp      = 0.6
	tintBoost     = 0.2
)

// channelLUT maps one 8-bit channel through a precomputed curve.
type channelLUT [256]uint8

// lutSet holds the standard per-channel tables.
type lutSet struct {
	r, g, b channelLUT
}

func buildDayLUTs() lutSet {
	return lutSet{
		r: buildChannelLUT(gainRed, brightLift),
		g: buildChannelLUT(gainGreen, brightLift),
		b: buildChannelLUT(gainBlue, brightLift),
	}
}

func buildChannelLUT(gain, lift float64) channelLUT {
	var t channelLUT
	for i := range t {
		v := float64(i)*gain + lift
		if v < 0 {
			v = 0
		} else if v > 255 {
			v = 255
		}
		t[i] = uint8(v + 0.5)
	}
	return t
}

// nightLUTs fold the low-light boost and the optional green tint into one
// table per channel. The tables are rebuilt only when strength or tint
// change, never per frame.
type nightLUTs struct {
	r, g, b  channelLUT
	strength float64
	tint     bool
	built    bool
}

func (n *nightLUTs) ensure(strength float64, tint bool) {
	if n.built && n.strength == strength && n.tint == tint {
		return
	}

	gain := 1 + nightGainSpan*strength
	offset := nightOffset * strength
	keep, boost := 1.0, 1.0
	if tint {
		keep = 1 - tintDamp*strength
		boost = 1 + tintBoost*strength
	}

	for i := 0; i < 256; i++ {
		base := float64(i)*gain + offset
		if base > 255 {
			base = 255
		}
		g := base * boost
		if g > 255 {
			g = 255
		}
		n.r[i] = uint8(base*keep + 0.5)
		n.g[i] = uint8(g + 0.5)
		n.b[i] = uint8(base*keep + 0.5)
	}

	n.strength = strength
	n.tint = tint
	n.built = true
}

// applyLUTs remaps all three color channels in place.
func applyLUTs(img *image.RGBA, r, g, b *channelLUT) {
	p := img.Pix
	for i := 0; i < len(p); i += 4 {
		p[i] = r[p[i]]
		p[i+1] = g[p[i+1]]
		p[i+2] = b[p[i+2]]
	}
}
