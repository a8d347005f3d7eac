package shadowdetection

import "fmt"

// Feature block widths. The per-pixel vector is the HSV block, then the
// HLS block, then the BGR block. The device feature kernel writes the
// same order, so both paths feed the classifier identical columns.
const (
	HSVFeatures   = 5
	HLSFeatures   = 5
	BGRFeatures   = 2
	ColorFeatures = HSVFeatures + HLSFeatures + BGRFeatures
)

// FeatureWidth returns the row width of a feature matrix. A label column
// is prepended when labeled is set; a region ratio column is appended when
// ratio is set.
func FeatureWidth(labeled, ratio bool) int {
	w := ColorFeatures
	if labeled {
		w++
	}
	if ratio {
		w++
	}
	return w
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// HSVBlock computes the HSV feature block from 8-bit H, S, V.
func HSVBlock(h, s, v uint8) [HSVFeatures]float32 {
	H, S, V := float32(h), float32(s), float32(v)
	return [HSVFeatures]float32{
		clamp01(S / 255),
		clamp01(V / 255),
		clamp01(H / (S + 1) / 180),
		clamp01(H / (V + 1) / 180),
		clamp01(S / (V + 1) / 255),
	}
}

// HLSBlock computes the HLS feature block from 8-bit H, L, S. Lightness
// takes the saturation role of the HSV block and saturation the value role.
func HLSBlock(h, l, s uint8) [HLSFeatures]float32 {
	H, L, S := float32(h), float32(l), float32(s)
	return [HLSFeatures]float32{
		clamp01(L / 255),
		clamp01(S / 255),
		clamp01(H / (L + 1) / 180),
		clamp01(H / (S + 1) / 180),
		clamp01(L / (S + 1) / 255),
	}
}

// BGRBlock computes the BGR feature block.
func BGRBlock(b, g, r uint8) [BGRFeatures]float32 {
	return [BGRFeatures]float32{
		clamp01(float32(b) / 255),
		clamp01((float32(g) + float32(r)) / 510),
	}
}

// PixelFeatures writes the color feature vector of one pixel into dst,
// which must hold at least ColorFeatures values.
func PixelFeatures(dst []float32, hsv, hls, bgr [3]uint8) {
	_ = dst[ColorFeatures-1]
	a := HSVBlock(hsv[0], hsv[1], hsv[2])
	b := HLSBlock(hls[0], hls[1], hls[2])
	c := BGRBlock(bgr[0], bgr[1], bgr[2])
	n := copy(dst, a[:])
	n += copy(dst[n:], b[:])
	copy(dst[n:], c[:])
}

// ColorSpaces bundles the three renderings of one image.
type ColorSpaces struct {
	BGR Image
	HSV Image
	HLS Image
}

// Extractor builds per-pixel feature matrices.
//
// The zero value extracts the color features only. An Extractor is not
// safe for concurrent use when Ratio is set, because the ratio estimator
// caches its region table.
type Extractor struct {
	// Ratio, when set, appends the region ratio of the HSV value channel
	// as the last column. cs.HSV must then implement RegionImage.
	Ratio *RegionRatio
}

// Extract returns the feature matrix for cs. When mask is non-nil each
// row is prefixed with the label mask/255.
//
// It returns (nil, nil) when any rendering, or a supplied mask, has no
// backing data. Size mismatches fail with ErrImageSizeMismatch and a
// mask with more than one channel fails with ErrInvalidImageFormat.
func (e *Extractor) Extract(cs ColorSpaces, mask Image) (*FeatureMatrix, error) {
	if isEmpty(cs.BGR) || isEmpty(cs.HSV) || isEmpty(cs.HLS) {
		return nil, nil
	}
	labeled := mask != nil
	if labeled && isEmpty(mask) {
		return nil, nil
	}
	if !sameSize(cs.BGR, cs.HSV) || !sameSize(cs.BGR, cs.HLS) {
		return nil, fmt.Errorf("%w: color renderings %dx%d, %dx%d, %dx%d", ErrImageSizeMismatch,
			cs.BGR.Width(), cs.BGR.Height(), cs.HSV.Width(), cs.HSV.Height(), cs.HLS.Width(), cs.HLS.Height())
	}
	if labeled {
		if !sameSize(cs.BGR, mask) {
			return nil, fmt.Errorf("%w: image %dx%d, mask %dx%d", ErrImageSizeMismatch,
				cs.BGR.Width(), cs.BGR.Height(), mask.Width(), mask.Height())
		}
		if mask.Channels() != 1 {
			return nil, fmt.Errorf("%w: mask has %d channels", ErrInvalidImageFormat, mask.Channels())
		}
	}
	for _, img := range []Image{cs.BGR, cs.HSV, cs.HLS} {
		if img.Channels() < 3 {
			return nil, fmt.Errorf("%w: need 3 channels, got %d", ErrInvalidImageFormat, img.Channels())
		}
	}

	var ratioSrc RegionImage
	if e != nil && e.Ratio != nil {
		ri, ok := cs.HSV.(RegionImage)
		if !ok {
			return nil, fmt.Errorf("%w: HSV rendering has no region support", ErrInvalidImageFormat)
		}
		ratioSrc = ri
	}

	width, height := cs.BGR.Width(), cs.BGR.Height()
	m := NewMatrix[float32](FeatureWidth(labeled, ratioSrc != nil), width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			row := m.Row(y*width + x)
			if labeled {
				row[0] = float32(mask.Channel(x, y, 0)) / 255
				row = row[1:]
			}
			PixelFeatures(row, channels3(cs.HSV, x, y), channels3(cs.HLS, x, y), channels3(cs.BGR, x, y))
			if ratioSrc != nil {
				r, err := e.Ratio.Ratio(ratioSrc, 2, x, y)
				if err != nil {
					return nil, err
				}
				row[ColorFeatures] = r
			}
		}
	}
	return m, nil
}

func channels3(img Image, x, y int) [3]uint8 {
	return [3]uint8{img.Channel(x, y, 0), img.Channel(x, y, 1), img.Channel(x, y, 2)}
}
