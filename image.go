package shadowdetection

// Image is the pixel access the feature code needs from an image container.
// Channel values are 8-bit; for color images channels are in B, G, R order,
// for HSV renderings H, S, V, and for HLS renderings H, L, S, all in the
// 8-bit ranges (H in [0,180)).
//
// *bitmap.Bitmap implements Image and RegionImage.
type Image interface {
	Width() int
	Height() int
	Channels() int
	// Channel returns channel c of the pixel at x, y.
	Channel(x, y, c int) uint8
}

// RegionImage adds the region query used by the region ratio estimator.
type RegionImage interface {
	Image
	// RegionAverage returns the mean of channel c over the w x h sub-view
	// whose top-left corner is x, y. Empty regions average to 0.
	RegionAverage(x, y, w, h, c int) float64
}

// isEmpty reports whether img has no backing data.
func isEmpty(img Image) bool {
	return img == nil || img.Width() <= 0 || img.Height() <= 0 || img.Channels() <= 0
}

func sameSize(a, b Image) bool {
	return a.Width() == b.Width() && a.Height() == b.Height()
}
