package gpu

import (
	"encoding/binary"
	"fmt"

	sd "github.com/nooniansoong/shadowdetection"
	"github.com/nooniansoong/shadowdetection/bitmap"
)

// PackBGR packs a 3 or 4 channel BGR image one pixel per little-endian
// u32: blue, green, red, zero.
func PackBGR(img sd.Image) ([]byte, error) {
	if img == nil || img.Width() <= 0 || img.Height() <= 0 {
		return nil, fmt.Errorf("%w: empty image", sd.ErrInvalidImageFormat)
	}
	if img.Channels() < 3 {
		return nil, fmt.Errorf("%w: need 3 channels, got %d", sd.ErrInvalidImageFormat, img.Channels())
	}
	w, h := img.Width(), img.Height()
	out := make([]byte, 4*w*h)
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out[i] = img.Channel(x, y, 0)
			out[i+1] = img.Channel(x, y, 1)
			out[i+2] = img.Channel(x, y, 2)
			i += 4
		}
	}
	return out, nil
}

func imageParams(pixels, width, height, rowWidth uint32) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], pixels)
	binary.LittleEndian.PutUint32(b[4:], width)
	binary.LittleEndian.PutUint32(b[8:], height)
	binary.LittleEndian.PutUint32(b[12:], rowWidth)
	return b
}

// CreateWorkBuffers uploads a packed image and allocates the per-image
// conversion buffers on the convert device.
func (m *Manager) CreateWorkBuffers(packed []byte) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	n := uint64(len(packed))
	if err := m.createBuffer(&m.work.inputImage, DomainConvert, roleInput, n, packed); err != nil {
		return err
	}
	for _, s := range []*slot{&m.work.hsi1, &m.work.hsi2} {
		if err := m.createBuffer(s, DomainConvert, roleScratch, n, nil); err != nil {
			return err
		}
	}
	return m.createBuffer(&m.work.tsaiOutput, DomainConvert, roleOutput, n, nil)
}

// TsaiRatios runs both color conversions and returns the two Tsai ratio
// planes, HSV based first.
func (m *Manager) TsaiRatios(img sd.Image) ([2][]uint8, error) {
	var planes [2][]uint8
	packed, err := PackBGR(img)
	if err != nil {
		return planes, err
	}
	defer m.CleanWorkPart()
	if err := m.CreateWorkBuffers(packed); err != nil {
		return planes, err
	}

	w, h := img.Width(), img.Height()
	count := uint32(w * h)
	params := imageParams(count, uint32(w), uint32(h), 0)
	out := make([]byte, m.work.tsaiOutput.size)

	steps := [2]struct {
		convert KernelID
		hsi     *slot
	}{
		{KernelConvertHSV, &m.work.hsi1},
		{KernelConvertHLS, &m.work.hsi2},
	}
	for i, st := range steps {
		err := m.run(launch{
			kernel:   st.convert,
			elements: count,
			params:   params,
			buffers:  map[uint32]*slot{1: &m.work.inputImage, 2: st.hsi},
		})
		if err != nil {
			return planes, err
		}
		err = m.run(launch{
			kernel:   KernelTsai,
			elements: count,
			params:   params,
			buffers:  map[uint32]*slot{1: st.hsi, 2: &m.work.tsaiOutput},
			reads:    []readTarget{{&m.work.tsaiOutput, out}},
		})
		if err != nil {
			return planes, err
		}
		plane := make([]uint8, count)
		for p := range plane {
			plane[p] = out[p*4]
		}
		planes[i] = plane
		slogger().Debug("gpu: tsai ratio", "kernel", st.convert, "pixels", count)
	}
	return planes, nil
}

// ProcessRGBImage returns the Tsai shadow mask of a BGR image: each ratio
// plane is binarized at its Otsu level and the two masks are joined.
func (m *Manager) ProcessRGBImage(img sd.Image) (*bitmap.Bitmap, error) {
	planes, err := m.TsaiRatios(img)
	if err != nil {
		return nil, err
	}
	w, h := img.Width(), img.Height()
	var masks [2]*bitmap.Bitmap
	for i, p := range planes {
		ratio, err := bitmap.FromPix(w, h, 1, p)
		if err != nil {
			return nil, err
		}
		if masks[i], err = bitmap.Binarize(ratio); err != nil {
			return nil, err
		}
	}
	return bitmap.Join(masks[0], masks[1])
}

// ExtractFeatures computes the color feature matrix of a BGR image on the
// convert device. Rows have sd.ColorFeatures columns in host order.
func (m *Manager) ExtractFeatures(img sd.Image) (*sd.FeatureMatrix, error) {
	packed, err := PackBGR(img)
	if err != nil {
		return nil, err
	}
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	defer m.CleanWorkPart()

	w, h := img.Width(), img.Height()
	count := w * h
	if err := m.createBuffer(&m.work.inputImage, DomainConvert, roleInput, uint64(len(packed)), packed); err != nil {
		return nil, err
	}
	size := uint64(count * sd.ColorFeatures * 4)
	if err := m.createBuffer(&m.work.features, DomainConvert, roleOutput, size, nil); err != nil {
		return nil, err
	}
	out := make([]byte, m.work.features.size)
	err = m.run(launch{
		kernel:   KernelPixelFeatures,
		elements: uint32(count),
		params:   imageParams(uint32(count), uint32(w), uint32(h), sd.ColorFeatures),
		buffers:  map[uint32]*slot{1: &m.work.inputImage, 3: &m.work.features},
		reads:    []readTarget{{&m.work.features, out}},
	})
	if err != nil {
		return nil, err
	}
	return sd.MatrixFrom(sd.ColorFeatures, count, bytesFloat32(out, count*sd.ColorFeatures))
}
