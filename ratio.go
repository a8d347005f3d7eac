package shadowdetection

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// KeyNumSegments is the configuration key for the region grid size.
const KeyNumSegments = "settings.Parameters.numSegments"

// DefaultNumSegments is the grid size used when KeyNumSegments is unset.
const DefaultNumSegments = 16

// PropertySource is the configuration lookup used by this package.
// It returns "" for absent keys. *config.Config implements it.
type PropertySource interface {
	GetPropertyValue(key string) string
}

// RegionRatio computes a pixel's channel value relative to the average of
// the grid region that contains it.
//
// The region table is built on the first Ratio call for an image and
// reused until Reset. Callers processing a new image must Reset first.
type RegionRatio struct {
	props PropertySource

	segments int
	segW     float64
	segH     float64
	averages *Matrix[float32] // segments x segments, nil until built
}

// NewRegionRatio returns an estimator reading its grid size from props,
// which may be nil.
func NewRegionRatio(props PropertySource) *RegionRatio {
	return &RegionRatio{props: props, segments: 1}
}

// Segments returns the grid size currently in effect. It is 1 until the
// table is first built and again after Reset.
func (r *RegionRatio) Segments() int { return r.segments }

// Reset drops the region table and restores the 1x1 grid.
func (r *RegionRatio) Reset() {
	r.averages = nil
	r.segments = 1
	r.segW, r.segH = 0, 0
}

// Average returns the cached average of region (col, row). It returns
// false when the table has not been built.
func (r *RegionRatio) Average(col, row int) (float32, bool) {
	if r.averages == nil {
		return 0, false
	}
	return r.averages.At(row, col), true
}

// Ratio returns the ratio feature of channel c at x, y, in [0,1]:
//
//	(atan(p / (avg + 1) / 3) + pi/2) / pi
func (r *RegionRatio) Ratio(img RegionImage, c, x, y int) (float32, error) {
	if isEmpty(img) {
		return 0, fmt.Errorf("%w: region ratio source has no data", ErrInvalidImageFormat)
	}
	if r.averages == nil {
		r.build(img, c)
	}
	col := min(int(float64(x)/r.segW), r.segments-1)
	row := min(int(float64(y)/r.segH), r.segments-1)
	return RatioFeature(float64(img.Channel(x, y, c)), float64(r.averages.At(row, col))), nil
}

// RatioFeature maps a value and its region average to [0,1].
func RatioFeature(value, avg float64) float32 {
	p := math.Atan(value/(avg+1)/3)
	return clamp01(float32((p + math.Pi/2) / math.Pi))
}

func (r *RegionRatio) build(img RegionImage, c int) {
	n := DefaultNumSegments
	if r.props != nil {
		if s := strings.TrimSpace(r.props.GetPropertyValue(KeyNumSegments)); s != "" {
			if v, err := strconv.Atoi(s); err == nil && v > 0 {
				n = v
			} else {
				Logger().Warn("region ratio: ignoring invalid segment count", "value", s)
			}
		}
	}
	r.segments = n
	w, h := img.Width(), img.Height()
	r.segW = float64(w) / float64(n)
	r.segH = float64(h) / float64(n)
	r.averages = NewMatrix[float32](n, n)

	for i := 0; i < n; i++ {
		y0, y1 := span(i, n, r.segH, h)
		for j := 0; j < n; j++ {
			x0, x1 := span(j, n, r.segW, w)
			r.averages.Set(i, j, float32(img.RegionAverage(x0, y0, x1-x0, y1-y0, c)))
		}
	}
	Logger().Debug("region ratio: table built", "segments", n, "width", w, "height", h)
}

// span returns the [start, end) pixel range of grid cell i. The last cell
// extends to the image edge.
func span(i, n int, seg float64, limit int) (int, int) {
	start := int(float64(i) * seg)
	end := int(float64(i+1) * seg)
	if i == n-1 {
		end = limit
	}
	return start, end
}
