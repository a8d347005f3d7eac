package gpu

import (
	"encoding/binary"
	"fmt"
	"math"

	sd "github.com/nooniansoong/shadowdetection"
	"github.com/nooniansoong/shadowdetection/svm"
)

// sentinelIndex terminates a support vector row.
const sentinelIndex = -1

// SetModel installs the classifier used by Predict. The model is uploaded
// lazily on the next prediction.
func (m *Manager) SetModel(model *svm.Model) {
	m.svm = model
	m.modelChanged = true
}

// MarkModelChanged forces the next prediction to upload the model again.
func (m *Manager) MarkModelChanged() { m.modelChanged = true }

// ModelChanged reports whether the model will be uploaded before the next
// prediction.
func (m *Manager) ModelChanged() bool { return m.modelChanged }

// CheckModel reports whether the device can evaluate model.
func CheckModel(model *svm.Model) error {
	if model == nil {
		return fmt.Errorf("%w: no model", sd.ErrUnsupportedModel)
	}
	if err := model.Validate(); err != nil {
		return fmt.Errorf("%w: %w", sd.ErrUnsupportedModel, err)
	}
	if !model.Param.Type.IsClassifier() && model.Param.Type != svm.OneClass {
		return fmt.Errorf("%w: %s", sd.ErrUnsupportedModel, model.Param.Type)
	}
	if model.Param.Kernel == svm.Precomputed {
		return fmt.Errorf("%w: precomputed kernel", sd.ErrUnsupportedModel)
	}
	return nil
}

// MarshalSupportVectors flattens the support vectors into rows of width
// MaxTerms()+1 of (index, value) pairs. Unused nodes carry the sentinel
// index.
func MarshalSupportVectors(model *svm.Model) ([]byte, int) {
	width := model.MaxTerms() + 1
	out := make([]byte, 8*width*len(model.SV))
	for i, sv := range model.SV {
		row := out[8*width*i:]
		for k := 0; k < width; k++ {
			idx, val := int32(sentinelIndex), float32(0)
			if k < len(sv) {
				idx, val = sv[k].Index, float32(sv[k].Value)
			}
			binary.LittleEndian.PutUint32(row[8*k:], uint32(idx))
			binary.LittleEndian.PutUint32(row[8*k+4:], math.Float32bits(val))
		}
	}
	return out, width
}

// MarshalCoefficients flattens the (nrClass-1) x l coefficient matrix row
// by row.
func MarshalCoefficients(model *svm.Model) []float32 {
	out := make([]float32, 0, len(model.SVCoef)*model.L)
	for _, row := range model.SVCoef {
		for _, c := range row {
			out = append(out, float32(c))
		}
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func (m *Manager) uploadModel() error {
	if err := releaseAll(m.model.all()); err != nil {
		return err
	}
	model := m.svm
	svs, _ := MarshalSupportVectors(model)
	labels := model.Label
	nsv := model.NSV
	if model.Param.Type == svm.OneClass {
		// One-class models carry no class table.
		labels, nsv = []int32{1, -1}, []int32{int32(model.L), 0}
	}
	uploads := []struct {
		s    *slot
		data []byte
	}{
		{&m.model.svs, svs},
		{&m.model.coefs, float32Bytes(MarshalCoefficients(model))},
		{&m.model.rho, float32Bytes(toFloat32(model.Rho))},
		{&m.model.labels, int32Bytes(labels)},
		{&m.model.nsv, int32Bytes(nsv)},
	}
	for _, u := range uploads {
		if err := m.createBuffer(u.s, DomainPredict, roleInput, uint64(len(u.data)), u.data); err != nil {
			return err
		}
	}
	slogger().Debug("gpu: model uploaded", "type", model.Param.Type, "kernel", model.Param.Kernel, "sv", model.L)
	return nil
}

func predictParams(model *svm.Model, pixels, rowWidth, svsWidth int) []byte {
	b := make([]byte, 48)
	p := model.Param
	put := func(i int, v uint32) { binary.LittleEndian.PutUint32(b[4*i:], v) }
	put(0, uint32(pixels))
	put(1, uint32(rowWidth))
	put(2, uint32(max(model.NrClass, 2)))
	put(3, uint32(model.L))
	put(4, uint32(svsWidth))
	put(5, uint32(p.Type))
	put(6, uint32(p.Kernel))
	put(7, uint32(p.Degree))
	put(8, math.Float32bits(float32(p.Gamma)))
	put(9, math.Float32bits(float32(p.Coef0)))
	return b
}

// Predict classifies every row of features with the installed model and
// returns one label per row.
func (m *Manager) Predict(features *sd.FeatureMatrix) ([]int32, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	if err := CheckModel(m.svm); err != nil {
		return nil, err
	}
	if features == nil || features.Height() == 0 {
		return nil, nil
	}
	if m.modelChanged {
		if err := m.uploadModel(); err != nil {
			return nil, err
		}
		m.modelChanged = false
	}
	defer m.CleanWorkPart()

	rows, width := features.Height(), features.Width()
	nrClass := max(m.svm.NrClass, 2)
	global := uint64(roundUp(uint32(rows), WorkGroupSize))
	if err := m.createBuffer(&m.work.pixelParams, DomainPredict, roleInput, uint64(rows*width*4), float32Bytes(features.Data())); err != nil {
		return nil, err
	}
	scratch := global * uint64(nrClass) * 4
	if err := m.createBuffer(&m.work.start, DomainPredict, roleScratch, scratch, nil); err != nil {
		return nil, err
	}
	if err := m.createBuffer(&m.work.vote, DomainPredict, roleScratch, scratch, nil); err != nil {
		return nil, err
	}
	if err := m.createBuffer(&m.work.results, DomainPredict, roleOutput, uint64(rows*4), nil); err != nil {
		return nil, err
	}

	svsWidth := m.svm.MaxTerms() + 1
	out := make([]byte, m.work.results.size)
	err := m.run(launch{
		kernel:   KernelPredict,
		elements: uint32(rows),
		params:   predictParams(m.svm, rows, width, svsWidth),
		buffers: map[uint32]*slot{
			1: &m.work.pixelParams,
			2: &m.model.svs,
			3: &m.model.coefs,
			4: &m.model.rho,
			5: &m.model.labels,
			6: &m.model.nsv,
			7: &m.work.start,
			8: &m.work.vote,
			9: &m.work.results,
		},
		reads: []readTarget{{&m.work.results, out}},
	})
	if err != nil {
		return nil, err
	}
	return bytesInt32(out, rows), nil
}
