package bitmap

import (
	"fmt"

	"github.com/anthonynsimon/bild/segment"
	"gonum.org/v1/gonum/stat"
)

// Histogram counts the values of a single-channel bitmap.
func Histogram(b *Bitmap) [256]int {
	var hist [256]int
	for y := 0; y < b.height; y++ {
		for _, v := range b.row(y) {
			hist[v]++
		}
	}
	return hist
}

// Otsu returns the threshold that maximizes the between-class variance of
// a single-channel bitmap. Values at or above the threshold are foreground.
func Otsu(b *Bitmap) uint8 {
	hist := Histogram(b)
	levels := make([]float64, len(hist))
	weights := make([]float64, len(hist))
	total := 0
	for i, n := range hist {
		levels[i], weights[i] = float64(i), float64(n)
		total += n
	}
	if total == 0 {
		return 0
	}

	var (
		wB       int
		best     int
		maxInter float64
	)
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		mB := stat.Mean(levels[:t+1], weights[:t+1])
		mF := stat.Mean(levels[t+1:], weights[t+1:])
		inter := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if inter > maxInter {
			maxInter = inter
			best = t
		}
	}
	// Pixels equal to best belong to the background class.
	return uint8(min(best+1, 255))
}

// Threshold maps a single-channel bitmap to 0/255 at level.
func Threshold(b *Bitmap, level uint8) (*Bitmap, error) {
	if b.Channels() != 1 {
		return nil, fmt.Errorf("%w: threshold needs 1 channel, got %d", ErrChannels, b.Channels())
	}
	return FromImage(segment.Threshold(b.Image(), level)), nil
}

// Binarize thresholds a single-channel ratio bitmap at its Otsu level.
func Binarize(b *Bitmap) (*Bitmap, error) {
	if b.Channels() != 1 {
		return nil, fmt.Errorf("%w: binarize needs 1 channel, got %d", ErrChannels, b.Channels())
	}
	return Threshold(b, Otsu(b))
}

// Join combines two single-channel masks with a bitwise AND.
func Join(a, b *Bitmap) (*Bitmap, error) {
	if a.Channels() != 1 || b.Channels() != 1 {
		return nil, fmt.Errorf("%w: join needs 1-channel masks", ErrChannels)
	}
	if a.width != b.width || a.height != b.height {
		return nil, fmt.Errorf("%w: %dx%d and %dx%d", ErrSizeMismatch, a.width, a.height, b.width, b.height)
	}
	out := New(a.width, a.height, 1)
	for y := 0; y < a.height; y++ {
		ra, rb := a.row(y), b.row(y)
		ro := out.row(y)
		for x := range ro {
			ro[x] = ra[x] & rb[x]
		}
	}
	return out, nil
}
