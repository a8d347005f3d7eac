package shadowdetection

import (
	"fmt"
	"math"

	"github.com/nooniansoong/shadowdetection/bitmap"
)

// TsaiRatio maps an 8-bit hue in [0,180) and an intensity to the Tsai
// shadow ratio (H+1)/(I+1), compressed to [0,255] with atan. Hue is first
// stretched to the intensity range.
func TsaiRatio(h, i uint8) uint8 {
	he := float64(h) * 255 / 180
	r := (he + 1) / (float64(i) + 1)
	return uint8(math.Floor(math.Atan(r)*(2/math.Pi)*255 + 0.5))
}

// TsaiPlanes returns the Tsai ratio planes of a BGR image, from the HSV
// value and from the HLS lightness.
func TsaiPlanes(bgr *bitmap.Bitmap) ([2]*bitmap.Bitmap, error) {
	var planes [2]*bitmap.Bitmap
	if bgr.Width() == 0 || bgr.Height() == 0 {
		return planes, fmt.Errorf("%w: empty image", ErrInvalidImageFormat)
	}
	hsv, err := bitmap.HSV(bgr)
	if err != nil {
		return planes, fmt.Errorf("%w: %w", ErrInvalidImageFormat, err)
	}
	hls, err := bitmap.HLS(bgr)
	if err != nil {
		return planes, fmt.Errorf("%w: %w", ErrInvalidImageFormat, err)
	}
	sources := [2]struct {
		img       *bitmap.Bitmap
		intensity int
	}{{hsv, 2}, {hls, 1}}
	w, h := bgr.Width(), bgr.Height()
	for k, s := range sources {
		p := bitmap.New(w, h, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p.Set(x, y, 0, TsaiRatio(s.img.Channel(x, y, 0), s.img.Channel(x, y, s.intensity)))
			}
		}
		planes[k] = p
	}
	return planes, nil
}

// TsaiMask returns the shadow mask of a BGR image: both ratio planes are
// binarized at their Otsu level and joined.
func TsaiMask(bgr *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	planes, err := TsaiPlanes(bgr)
	if err != nil {
		return nil, err
	}
	var masks [2]*bitmap.Bitmap
	for i, p := range planes {
		if masks[i], err = bitmap.Binarize(p); err != nil {
			return nil, err
		}
	}
	return bitmap.Join(masks[0], masks[1])
}
