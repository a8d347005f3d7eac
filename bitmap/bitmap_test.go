package bitmap

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

func filled(w, h, c int, v uint8) *Bitmap {
	b := New(w, h, c)
	for i := range b.pix {
		b.pix[i] = v
	}
	return b
}

func TestFromImageChannelOrder(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{R: 200, G: 100, B: 50, A: 255})

	b := FromImage(src)
	if b.Width() != 2 || b.Height() != 1 || b.Channels() != 3 {
		t.Fatalf("size = %dx%dx%d", b.Width(), b.Height(), b.Channels())
	}
	if got := [3]uint8{b.Channel(0, 0, 0), b.Channel(0, 0, 1), b.Channel(0, 0, 2)}; got != [3]uint8{30, 20, 10} {
		t.Errorf("pixel 0 = %v, want BGR [30 20 10]", got)
	}
}

func TestNilBitmapIsEmpty(t *testing.T) {
	var b *Bitmap
	if b.Width() != 0 || b.Height() != 0 || b.Channels() != 0 {
		t.Error("nil bitmap should report zero size")
	}
}

func TestRegionSharesStorage(t *testing.T) {
	b := New(4, 4, 1)
	r := b.Region(1, 1, 2, 2)
	if r.Width() != 2 || r.Height() != 2 {
		t.Fatalf("region = %dx%d, want 2x2", r.Width(), r.Height())
	}
	r.Set(1, 1, 0, 99)
	if b.Channel(2, 2, 0) != 99 {
		t.Error("write through region view not visible in parent")
	}
	if got := b.Region(3, 3, 5, 5); got.Width() != 1 || got.Height() != 1 {
		t.Errorf("clipped region = %dx%d, want 1x1", got.Width(), got.Height())
	}
	if got := b.Region(9, 9, 2, 2); got.Width() != 0 {
		t.Errorf("region outside bitmap should be empty, got %dx%d", got.Width(), got.Height())
	}
}

func TestAverageChannel(t *testing.T) {
	b := New(2, 2, 2)
	vals := []uint8{10, 1, 20, 1, 30, 1, 40, 1}
	copy(b.pix, vals)
	if got := b.AverageChannel(0); got != 25 {
		t.Errorf("AverageChannel(0) = %v, want 25", got)
	}
	if got := b.RegionAverage(1, 0, 1, 2, 0); got != 30 {
		t.Errorf("RegionAverage right column = %v, want 30", got)
	}
	if got := b.RegionAverage(5, 5, 1, 1, 0); got != 0 {
		t.Errorf("empty region average = %v, want 0", got)
	}
}

func TestHSVAndHLS(t *testing.T) {
	tests := []struct {
		name     string
		bgr      [3]uint8
		hsv, hls [3]uint8
	}{
		{"red", [3]uint8{0, 0, 255}, [3]uint8{0, 255, 255}, [3]uint8{0, 128, 255}},
		{"green", [3]uint8{0, 255, 0}, [3]uint8{60, 255, 255}, [3]uint8{60, 128, 255}},
		{"blue", [3]uint8{255, 0, 0}, [3]uint8{120, 255, 255}, [3]uint8{120, 128, 255}},
		{"white", [3]uint8{255, 255, 255}, [3]uint8{0, 0, 255}, [3]uint8{0, 255, 0}},
		{"black", [3]uint8{0, 0, 0}, [3]uint8{0, 0, 0}, [3]uint8{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(1, 1, 3)
			copy(b.pix, tt.bgr[:])
			hsv, err := HSV(b)
			if err != nil {
				t.Fatal(err)
			}
			hls, err := HLS(b)
			if err != nil {
				t.Fatal(err)
			}
			if got := [3]uint8(hsv.pix); got != tt.hsv {
				t.Errorf("HSV = %v, want %v", got, tt.hsv)
			}
			if got := [3]uint8(hls.pix); got != tt.hls {
				t.Errorf("HLS = %v, want %v", got, tt.hls)
			}
		})
	}
}

func TestConvertRejectsGray(t *testing.T) {
	if _, err := HSV(New(1, 1, 1)); !errors.Is(err, ErrChannels) {
		t.Errorf("HSV(gray) error = %v, want ErrChannels", err)
	}
}

// otsuSweep is the running-sum form of the Otsu search.
func otsuSweep(hist [256]int) uint8 {
	total, sum := 0, 0.0
	for i, n := range hist {
		total += n
		sum += float64(i * n)
	}
	var sumB, maxInter float64
	wB, best := 0, 0
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB, mF := sumB/float64(wB), (sum-sumB)/float64(wF)
		if inter := float64(wB) * float64(wF) * (mB - mF) * (mB - mF); inter > maxInter {
			maxInter, best = inter, t
		}
	}
	return uint8(min(best+1, 255))
}

func TestOtsuMatchesRunningSum(t *testing.T) {
	for seed := uint32(1); seed <= 20; seed++ {
		b := New(32, 8, 1)
		x := seed
		for i := range b.pix {
			x = x*1664525 + 1013904223
			b.pix[i] = uint8(x >> 24)
		}
		if got, want := Otsu(b), otsuSweep(Histogram(b)); got != want {
			t.Errorf("seed %d: Otsu = %d, running sum %d", seed, got, want)
		}
	}
}

func TestOtsuSplitsBimodal(t *testing.T) {
	b := New(10, 1, 1)
	copy(b.pix, []uint8{10, 12, 11, 10, 12, 200, 210, 205, 200, 202})
	level := Otsu(b)
	if level <= 12 || level > 200 {
		t.Fatalf("Otsu = %d, want in (12, 200]", level)
	}
	mask, err := Binarize(b)
	if err != nil {
		t.Fatal(err)
	}
	for x := 0; x < 10; x++ {
		want := uint8(0)
		if x >= 5 {
			want = 255
		}
		if got := mask.Channel(x, 0, 0); got != want {
			t.Errorf("mask[%d] = %d, want %d", x, got, want)
		}
	}
}

func TestJoin(t *testing.T) {
	a := New(2, 1, 1)
	b := New(2, 1, 1)
	copy(a.pix, []uint8{255, 255})
	copy(b.pix, []uint8{0, 255})
	j, err := Join(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if j.pix[0] != 0 || j.pix[1] != 255 {
		t.Errorf("Join = %v, want [0 255]", j.pix)
	}
	if _, err := Join(a, New(3, 1, 1)); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("Join size mismatch error = %v", err)
	}
	if _, err := Join(a, New(2, 1, 3)); !errors.Is(err, ErrChannels) {
		t.Errorf("Join channel error = %v", err)
	}
}

func TestSaveOpenRoundTrip(t *testing.T) {
	b := filled(3, 2, 3, 0)
	b.Set(1, 1, 2, 255) // red
	path := filepath.Join(t.TempDir(), "out.png")
	if err := b.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Pix(), b.Pix()) {
		t.Errorf("round trip changed pixels: %v vs %v", got.Pix(), b.Pix())
	}

	mask := filled(3, 2, 1, 255)
	var buf bytes.Buffer
	if err := mask.Encode(&buf, imaging.PNG); err != nil {
		t.Fatal(err)
	}
	back, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if back.Channel(0, 0, 0) != 255 {
		t.Error("decoded gray mask lost its value")
	}
}

func TestFitKeepsSmallBitmaps(t *testing.T) {
	b := New(4, 4, 3)
	if b.Fit(8, 8) != b {
		t.Error("Fit should return the same bitmap when it already fits")
	}
	if got := New(40, 20, 3).Fit(10, 10); got.Width() != 10 || got.Height() != 5 {
		t.Errorf("Fit = %dx%d, want 10x5", got.Width(), got.Height())
	}
}
