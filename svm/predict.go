package svm

import (
	"fmt"
	"math"
)

// Dot returns the sparse dot product of x and y.
func Dot(x, y []Node) float64 {
	var sum float64
	i, j := 0, 0
	for i < len(x) && j < len(y) {
		switch {
		case x[i].Index == y[j].Index:
			sum += x[i].Value * y[j].Value
			i++
			j++
		case x[i].Index > y[j].Index:
			j++
		default:
			i++
		}
	}
	return sum
}

// SquaredDistance returns |x - y|^2 over sparse vectors.
func SquaredDistance(x, y []Node) float64 {
	var sum float64
	i, j := 0, 0
	for i < len(x) && j < len(y) {
		switch {
		case x[i].Index == y[j].Index:
			d := x[i].Value - y[j].Value
			sum += d * d
			i++
			j++
		case x[i].Index > y[j].Index:
			sum += y[j].Value * y[j].Value
			j++
		default:
			sum += x[i].Value * x[i].Value
			i++
		}
	}
	for ; i < len(x); i++ {
		sum += x[i].Value * x[i].Value
	}
	for ; j < len(y); j++ {
		sum += y[j].Value * y[j].Value
	}
	return sum
}

func powi(base float64, times int32) float64 {
	ret := 1.0
	for t := times; t > 0; t /= 2 {
		if t%2 == 1 {
			ret *= base
		}
		base *= base
	}
	return ret
}

// KernelValue evaluates the kernel of p on x and y. Precomputed kernels
// are not evaluated and yield NaN.
func KernelValue(p Parameter, x, y []Node) float64 {
	switch p.Kernel {
	case Linear:
		return Dot(x, y)
	case Poly:
		return powi(p.Gamma*Dot(x, y)+p.Coef0, p.Degree)
	case RBF:
		return math.Exp(-p.Gamma * SquaredDistance(x, y))
	case Sigmoid:
		return math.Tanh(p.Gamma*Dot(x, y) + p.Coef0)
	default:
		return math.NaN()
	}
}

// PredictValues computes the decision values of x into dec, which needs
// NrClass*(NrClass-1)/2 entries for classifiers and one otherwise, and
// returns the predicted label or regression value.
func (m *Model) PredictValues(x []Node, dec []float64) (float64, error) {
	if m.Param.Kernel == Precomputed {
		return 0, fmt.Errorf("%w: precomputed kernels are not supported", ErrInvalidModel)
	}
	if !m.Param.Type.IsClassifier() {
		coef := m.SVCoef[0]
		sum := 0.0
		for i, sv := range m.SV {
			sum += coef[i] * KernelValue(m.Param, x, sv)
		}
		sum -= m.Rho[0]
		if len(dec) > 0 {
			dec[0] = sum
		}
		if m.Param.Type == OneClass {
			if sum > 0 {
				return 1, nil
			}
			return -1, nil
		}
		return sum, nil
	}

	n := m.NrClass
	kvalue := make([]float64, m.L)
	for i, sv := range m.SV {
		kvalue[i] = KernelValue(m.Param, x, sv)
	}
	start := make([]int, n)
	for i := 1; i < n; i++ {
		start[i] = start[i-1] + int(m.NSV[i-1])
	}
	vote := make([]int, n)
	p := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			si, sj := start[i], start[j]
			ci, cj := int(m.NSV[i]), int(m.NSV[j])
			coef1, coef2 := m.SVCoef[j-1], m.SVCoef[i]
			sum := 0.0
			for k := 0; k < ci; k++ {
				sum += coef1[si+k] * kvalue[si+k]
			}
			for k := 0; k < cj; k++ {
				sum += coef2[sj+k] * kvalue[sj+k]
			}
			sum -= m.Rho[p]
			if p < len(dec) {
				dec[p] = sum
			}
			if sum > 0 {
				vote[i]++
			} else {
				vote[j]++
			}
			p++
		}
	}
	best := 0
	for i := 1; i < n; i++ {
		if vote[i] > vote[best] {
			best = i
		}
	}
	return float64(m.Label[best]), nil
}

// Predict returns the label (or regression value) for x.
func (m *Model) Predict(x []Node) (float64, error) {
	dec := make([]float64, max(m.NrClass*(m.NrClass-1)/2, 1))
	return m.PredictValues(x, dec)
}
