package bitmap

import (
	"fmt"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// HSV renders a BGR bitmap as 8-bit H, S, V.
func HSV(b *Bitmap) (*Bitmap, error) {
	return convert(b, func(c colorful.Color) [3]uint8 {
		h, s, v := c.Hsv()
		return [3]uint8{hue8(h), unit8(s), unit8(v)}
	})
}

// HLS renders a BGR bitmap as 8-bit H, L, S.
func HLS(b *Bitmap) (*Bitmap, error) {
	return convert(b, func(c colorful.Color) [3]uint8 {
		h, s, l := c.Hsl()
		return [3]uint8{hue8(h), unit8(l), unit8(s)}
	})
}

func convert(b *Bitmap, fn func(colorful.Color) [3]uint8) (*Bitmap, error) {
	if b.Channels() < 3 {
		return nil, fmt.Errorf("%w: color conversion needs 3 channels, got %d", ErrChannels, b.Channels())
	}
	out := New(b.width, b.height, 3)
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			p := b.pixel(x, y)
			c := colorful.Color{R: float64(p[2]) / 255, G: float64(p[1]) / 255, B: float64(p[0]) / 255}
			v := fn(c)
			copy(out.pix[y*out.stride+x*3:], v[:])
		}
	}
	return out, nil
}

// hue8 maps degrees to the 8-bit [0,180) hue range.
func hue8(deg float64) uint8 {
	if math.IsNaN(deg) {
		return 0
	}
	h := int(math.Round(deg / 2))
	if h >= 180 {
		h -= 180
	}
	return uint8(h)
}

func unit8(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(math.Round(math.Min(math.Max(v, 0), 1) * 255))
}
