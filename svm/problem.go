package svm

import "gonum.org/v1/gonum/floats"

// DenseNodes converts a dense feature vector to 1-based sparse terms,
// skipping zeros.
func DenseNodes(x []float32) []Node {
	nodes := make([]Node, 0, len(x))
	for i, v := range x {
		if v != 0 {
			nodes = append(nodes, Node{Index: int32(i + 1), Value: float64(v)})
		}
	}
	return nodes
}

// Problem is a labeled training set.
type Problem struct {
	Y []float64
	X [][]Node
}

// Len returns the number of samples.
func (p *Problem) Len() int { return len(p.Y) }

// Add appends a sample.
func (p *Problem) Add(y float64, x []Node) {
	p.Y = append(p.Y, y)
	p.X = append(p.X, x)
}

// Width returns the highest feature index used by any sample.
func (p *Problem) Width() int {
	w := 0
	for _, x := range p.X {
		if n := len(x); n > 0 {
			w = max(w, int(x[n-1].Index))
		}
	}
	return w
}

// Dense expands the samples to a row-major width-column matrix.
func (p *Problem) Dense(width int) []float64 {
	out := make([]float64, len(p.X)*width)
	for i, x := range p.X {
		row := out[i*width : (i+1)*width]
		for _, n := range x {
			if int(n.Index) >= 1 && int(n.Index) <= width {
				row[n.Index-1] = n.Value
			}
		}
	}
	return out
}

// SquaredNorms returns x·x for every row of a dense row-major matrix.
func SquaredNorms(dense []float64, width int) []float64 {
	if width == 0 {
		return nil
	}
	out := make([]float64, len(dense)/width)
	for i := range out {
		row := dense[i*width : (i+1)*width]
		out[i] = floats.Dot(row, row)
	}
	return out
}
