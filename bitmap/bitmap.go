// Package bitmap is an 8-bit multi-channel raster with the operations the
// shadow detector consumes: color space renderings, sub-region views and
// averages, binarization and mask joins.
//
// Color bitmaps store channels in B, G, R order. HSV renderings store
// H, S, V and HLS renderings store H, L, S, with H in [0,180) and the other
// channels in [0,255].
package bitmap

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/stat"

	// Register decoders beyond the ones imaging pulls in.
	_ "golang.org/x/image/webp"
)

// ErrSizeMismatch reports two bitmaps that must share dimensions but do not.
var ErrSizeMismatch = errors.New("bitmap: size mismatch")

// ErrChannels reports a bitmap with the wrong channel count.
var ErrChannels = errors.New("bitmap: unexpected channel count")

// Bitmap is a rectangular 8-bit raster. Sub-region views share the pixel
// storage of their parent.
type Bitmap struct {
	width    int
	height   int
	channels int
	stride   int // bytes per row
	pix      []uint8
}

// New allocates a zeroed bitmap.
func New(width, height, channels int) *Bitmap {
	return &Bitmap{
		width:    width,
		height:   height,
		channels: channels,
		stride:   width * channels,
		pix:      make([]uint8, width*height*channels),
	}
}

// FromPix wraps tightly packed interleaved pixel data.
func FromPix(width, height, channels int, pix []uint8) (*Bitmap, error) {
	if width < 0 || height < 0 || channels <= 0 || len(pix) != width*height*channels {
		return nil, fmt.Errorf("bitmap: %d bytes do not fill %dx%dx%d", len(pix), width, height, channels)
	}
	return &Bitmap{width: width, height: height, channels: channels, stride: width * channels, pix: pix}, nil
}

// FromImage converts img to a 3-channel BGR bitmap, or a 1-channel bitmap
// when img is grayscale.
func FromImage(img image.Image) *Bitmap {
	if g, ok := img.(*image.Gray); ok {
		b := New(g.Rect.Dx(), g.Rect.Dy(), 1)
		for y := 0; y < b.height; y++ {
			copy(b.pix[y*b.stride:], g.Pix[y*g.Stride:y*g.Stride+b.width])
		}
		return b
	}
	src := imaging.Clone(img)
	b := New(src.Rect.Dx(), src.Rect.Dy(), 3)
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			s := src.Pix[y*src.Stride+x*4:]
			d := b.pix[y*b.stride+x*3:]
			d[0], d[1], d[2] = s[2], s[1], s[0]
		}
	}
	return b
}

// Open decodes the image file at path into a BGR bitmap.
func Open(path string) (*Bitmap, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bitmap: open %s: %w", path, err)
	}
	return FromImage(img), nil
}

// OpenGray decodes the image file at path into a single-channel bitmap.
func OpenGray(path string) (*Bitmap, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bitmap: open %s: %w", path, err)
	}
	return Gray(FromImage(img)), nil
}

// Decode reads an encoded image from r into a BGR bitmap.
func Decode(r io.Reader) (*Bitmap, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("bitmap: decode: %w", err)
	}
	return FromImage(img), nil
}

// Save encodes b to path; the format follows the file extension.
func (b *Bitmap) Save(path string) error {
	if err := imaging.Save(b.Image(), path); err != nil {
		return fmt.Errorf("bitmap: save %s: %w", path, err)
	}
	return nil
}

// Encode writes b to w in the given format.
func (b *Bitmap) Encode(w io.Writer, format imaging.Format) error {
	return imaging.Encode(w, b.Image(), format)
}

// Fit downscales b to fit within maxW x maxH, preserving aspect ratio.
// b is returned unchanged when it already fits.
func (b *Bitmap) Fit(maxW, maxH int) *Bitmap {
	if b.width <= maxW && b.height <= maxH {
		return b
	}
	return FromImage(imaging.Fit(b.Image(), maxW, maxH, imaging.Lanczos))
}

// Image returns b as a standard library image: *image.Gray for one
// channel, *image.NRGBA for color bitmaps.
func (b *Bitmap) Image() image.Image {
	if b.channels == 1 {
		g := image.NewGray(image.Rect(0, 0, b.width, b.height))
		for y := 0; y < b.height; y++ {
			copy(g.Pix[y*g.Stride:], b.row(y))
		}
		return g
	}
	out := image.NewNRGBA(image.Rect(0, 0, b.width, b.height))
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			p := b.pixel(x, y)
			out.SetNRGBA(x, y, color.NRGBA{R: p[2], G: p[1], B: p[0], A: 0xff})
		}
	}
	return out
}

// Width returns the width in pixels; 0 for a nil bitmap.
func (b *Bitmap) Width() int {
	if b == nil {
		return 0
	}
	return b.width
}

// Height returns the height in pixels; 0 for a nil bitmap.
func (b *Bitmap) Height() int {
	if b == nil {
		return 0
	}
	return b.height
}

// Channels returns the channel count; 0 for a nil bitmap.
func (b *Bitmap) Channels() int {
	if b == nil {
		return 0
	}
	return b.channels
}

// Channel returns channel c of the pixel at x, y.
func (b *Bitmap) Channel(x, y, c int) uint8 {
	return b.pix[b.offset(x, y)+c]
}

// Set stores v in channel c of the pixel at x, y.
func (b *Bitmap) Set(x, y, c int, v uint8) {
	b.pix[b.offset(x, y)+c] = v
}

// Pix returns tightly packed interleaved pixel data. For views it is a copy.
func (b *Bitmap) Pix() []uint8 {
	if b.stride == b.width*b.channels && len(b.pix) == b.stride*b.height {
		return b.pix
	}
	out := make([]uint8, 0, b.width*b.height*b.channels)
	for y := 0; y < b.height; y++ {
		out = append(out, b.row(y)...)
	}
	return out
}

func (b *Bitmap) offset(x, y int) int {
	if x < 0 || x >= b.width || y < 0 || y >= b.height {
		panic(fmt.Sprintf("bitmap: pixel (%d,%d) outside %dx%d", x, y, b.width, b.height))
	}
	return y*b.stride + x*b.channels
}

func (b *Bitmap) pixel(x, y int) []uint8 {
	o := b.offset(x, y)
	return b.pix[o : o+b.channels]
}

func (b *Bitmap) row(y int) []uint8 {
	o := y * b.stride
	return b.pix[o : o+b.width*b.channels]
}

// Region returns a view of the w x h rectangle at x, y, clipped to b.
// The view shares storage with b.
func (b *Bitmap) Region(x, y, w, h int) *Bitmap {
	r := image.Rect(x, y, x+w, y+h).Intersect(image.Rect(0, 0, b.width, b.height))
	if r.Empty() {
		return &Bitmap{channels: b.channels}
	}
	return &Bitmap{
		width:    r.Dx(),
		height:   r.Dy(),
		channels: b.channels,
		stride:   b.stride,
		pix:      b.pix[r.Min.Y*b.stride+r.Min.X*b.channels:],
	}
}

// AverageChannel returns the mean of channel c over the whole bitmap, or
// 0 when it has no pixels.
func (b *Bitmap) AverageChannel(c int) float64 {
	if b.Width() == 0 || b.Height() == 0 {
		return 0
	}
	vals := make([]float64, 0, b.width*b.height)
	for y := 0; y < b.height; y++ {
		row := b.row(y)
		for x := c; x < len(row); x += b.channels {
			vals = append(vals, float64(row[x]))
		}
	}
	return stat.Mean(vals, nil)
}

// RegionAverage returns the mean of channel c over the w x h sub-view at x, y.
func (b *Bitmap) RegionAverage(x, y, w, h, c int) float64 {
	return b.Region(x, y, w, h).AverageChannel(c)
}

// ExtractChannel copies channel c into a new single-channel bitmap.
func (b *Bitmap) ExtractChannel(c int) *Bitmap {
	out := New(b.width, b.height, 1)
	for y := 0; y < b.height; y++ {
		row := b.row(y)
		for x := 0; x < b.width; x++ {
			out.pix[y*out.stride+x] = row[x*b.channels+c]
		}
	}
	return out
}

// Gray converts a BGR bitmap to luma using the ITU-R 601 weights. Single
// channel bitmaps are returned as is.
func Gray(b *Bitmap) *Bitmap {
	if b.channels == 1 {
		return b
	}
	out := New(b.width, b.height, 1)
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			p := b.pixel(x, y)
			l := (299*int(p[2]) + 587*int(p[1]) + 114*int(p[0]) + 500) / 1000
			out.pix[y*out.stride+x] = uint8(l)
		}
	}
	return out
}
