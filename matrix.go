package shadowdetection

import "fmt"

// Number is the element constraint for Matrix.
type Number interface {
	~float32 | ~float64 | ~int32 | ~uint32 | ~uint8
}

// Matrix is a dense 2D array of Width columns by Height rows stored in a
// single row-major slice. The matrix owns its storage; Row returns a view
// into it, not a copy.
//
// Out-of-range access panics, the same way slice indexing does.
type Matrix[T Number] struct {
	width  int
	height int
	data   []T
}

// FeatureMatrix holds one feature vector per pixel. Width is the feature
// vector width, Height is the pixel count, and row i belongs to the pixel
// at y*imageWidth + x.
type FeatureMatrix = Matrix[float32]

// NewMatrix allocates a zeroed width x height matrix.
func NewMatrix[T Number](width, height int) *Matrix[T] {
	if width < 0 || height < 0 {
		panic(fmt.Sprintf("shadowdetection: negative matrix size %dx%d", width, height))
	}
	return &Matrix[T]{width: width, height: height, data: make([]T, width*height)}
}

// MatrixFrom wraps data as a width x height matrix. It takes ownership of data.
func MatrixFrom[T Number](width, height int, data []T) (*Matrix[T], error) {
	if width < 0 || height < 0 || len(data) != width*height {
		return nil, fmt.Errorf("shadowdetection: %d values do not fill a %dx%d matrix", len(data), width, height)
	}
	return &Matrix[T]{width: width, height: height, data: data}, nil
}

// Width returns the row width.
func (m *Matrix[T]) Width() int { return m.width }

// Height returns the number of rows.
func (m *Matrix[T]) Height() int { return m.height }

// Data returns the backing row-major slice.
func (m *Matrix[T]) Data() []T { return m.data }

// Row returns row i as a slice sharing the matrix storage.
func (m *Matrix[T]) Row(i int) []T {
	if i < 0 || i >= m.height {
		panic(fmt.Sprintf("shadowdetection: row %d out of range [0,%d)", i, m.height))
	}
	return m.data[i*m.width : (i+1)*m.width : (i+1)*m.width]
}

// At returns the element at row, col.
func (m *Matrix[T]) At(row, col int) T {
	return m.data[m.index(row, col)]
}

// Set stores v at row, col.
func (m *Matrix[T]) Set(row, col int, v T) {
	m.data[m.index(row, col)] = v
}

func (m *Matrix[T]) index(row, col int) int {
	if row < 0 || row >= m.height || col < 0 || col >= m.width {
		panic(fmt.Sprintf("shadowdetection: index (%d,%d) out of range for %dx%d matrix", row, col, m.width, m.height))
	}
	return row*m.width + col
}
