// Package svm holds trained support vector machine models in the libsvm
// layout, reads and writes the libsvm text model format, and predicts on
// the CPU.
package svm

import (
	"errors"
	"fmt"
)

// ErrInvalidModel reports a model whose arrays disagree with its class and
// support vector counts.
var ErrInvalidModel = errors.New("svm: invalid model")

// Type is the libsvm formulation.
type Type int32

const (
	CSVC Type = iota
	NuSVC
	OneClass
	EpsilonSVR
	NuSVR
)

var typeNames = [...]string{"c_svc", "nu_svc", "one_class", "epsilon_svr", "nu_svr"}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int32(t))
}

// IsClassifier reports whether t votes between classes.
func (t Type) IsClassifier() bool { return t == CSVC || t == NuSVC }

// Kernel is the libsvm kernel function.
type Kernel int32

const (
	Linear Kernel = iota
	Poly
	RBF
	Sigmoid
	Precomputed
)

var kernelNames = [...]string{"linear", "polynomial", "rbf", "sigmoid", "precomputed"}

func (k Kernel) String() string {
	if k >= 0 && int(k) < len(kernelNames) {
		return kernelNames[k]
	}
	return fmt.Sprintf("Kernel(%d)", int32(k))
}

// Node is one sparse term of a vector. Indices are 1-based and ascending.
type Node struct {
	Index int32
	Value float64
}

// Parameter holds the kernel and formulation of a trained model.
type Parameter struct {
	Type   Type
	Kernel Kernel
	Degree int32
	Gamma  float64
	Coef0  float64
}

// Model is a trained model in the libsvm layout.
//
// SV rows carry only the sparse terms; the -1 terminator of the libsvm C
// layout is added by the device marshalling code, not stored here.
type Model struct {
	Param   Parameter
	NrClass int         // number of classes; 2 for regression and one-class
	L       int         // total number of support vectors
	SV      [][]Node    // SV[L]
	SVCoef  [][]float64 // SVCoef[NrClass-1][L]
	Rho     []float64   // Rho[NrClass*(NrClass-1)/2]
	ProbA   []float64   // optional pairwise probability information
	ProbB   []float64
	Label   []int32 // Label[NrClass], classification only
	NSV     []int32 // NSV[NrClass], classification only; sums to L
}

// Validate checks the array shapes against NrClass and L.
func (m *Model) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil model", ErrInvalidModel)
	}
	if m.NrClass < 2 && m.Param.Type.IsClassifier() {
		return fmt.Errorf("%w: %d classes", ErrInvalidModel, m.NrClass)
	}
	if len(m.SV) != m.L {
		return fmt.Errorf("%w: %d support vectors, header says %d", ErrInvalidModel, len(m.SV), m.L)
	}
	if len(m.SVCoef) != m.NrClass-1 {
		return fmt.Errorf("%w: %d coefficient rows, want %d", ErrInvalidModel, len(m.SVCoef), m.NrClass-1)
	}
	for i, row := range m.SVCoef {
		if len(row) != m.L {
			return fmt.Errorf("%w: coefficient row %d has %d values, want %d", ErrInvalidModel, i, len(row), m.L)
		}
	}
	if want := m.NrClass * (m.NrClass - 1) / 2; len(m.Rho) != want {
		return fmt.Errorf("%w: %d rho values, want %d", ErrInvalidModel, len(m.Rho), want)
	}
	if !m.Param.Type.IsClassifier() {
		return nil
	}
	if len(m.Label) != m.NrClass || len(m.NSV) != m.NrClass {
		return fmt.Errorf("%w: label/nr_sv need %d entries", ErrInvalidModel, m.NrClass)
	}
	total := 0
	for _, n := range m.NSV {
		total += int(n)
	}
	if total != m.L {
		return fmt.Errorf("%w: nr_sv sums to %d, want %d", ErrInvalidModel, total, m.L)
	}
	return nil
}

// MaxTerms returns the largest number of terms in any support vector.
func (m *Model) MaxTerms() int {
	w := 0
	for _, sv := range m.SV {
		w = max(w, len(sv))
	}
	return w
}
