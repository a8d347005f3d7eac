package gpu

import (
	"encoding/binary"
	"fmt"
	"math"

	sd "github.com/nooniansoong/shadowdetection"
	"github.com/nooniansoong/shadowdetection/svm"
)

// Alpha bound states of the SMO solver, as read by select_working_set.
const (
	AlphaLowerBound int32 = iota
	AlphaUpperBound
	AlphaFree
)

// trainState describes the uploaded training problem.
type trainState struct {
	l      int
	width  int
	param  svm.Parameter
	loaded bool
}

// SetProblem uploads a training problem to the train device. Samples are
// expanded to dense rows; their squared norms are precomputed for the RBF
// kernel.
func (m *Manager) SetProblem(p *svm.Problem, param svm.Parameter) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	if p == nil || p.Len() == 0 {
		return fmt.Errorf("gpu: empty training problem")
	}
	if param.Kernel == svm.Precomputed {
		return fmt.Errorf("%w: precomputed kernel", sd.ErrUnsupportedModel)
	}
	if err := releaseAll(m.problem.all()); err != nil {
		return err
	}
	m.trainParams = trainState{}

	width := max(p.Width(), 1)
	dense := p.Dense(width)
	uploads := []struct {
		s    *slot
		data []float32
	}{
		{&m.problem.x, toFloat32(dense)},
		{&m.problem.y, toFloat32(p.Y)},
		{&m.problem.xSquare, toFloat32(svm.SquaredNorms(dense, width))},
	}
	for _, u := range uploads {
		b := float32Bytes(u.data)
		if err := m.createBuffer(u.s, DomainTrain, roleInput, uint64(len(b)), b); err != nil {
			return err
		}
	}
	m.trainParams = trainState{l: p.Len(), width: width, param: param, loaded: true}
	slogger().Debug("gpu: training problem uploaded", "samples", p.Len(), "width", width)
	return nil
}

func trainParams(st trainState, column int) []byte {
	b := make([]byte, 32)
	put := func(i int, v uint32) { binary.LittleEndian.PutUint32(b[4*i:], v) }
	put(0, uint32(st.l))
	put(1, uint32(st.width))
	put(2, uint32(column))
	put(3, uint32(st.param.Kernel))
	put(4, uint32(st.param.Degree))
	put(5, math.Float32bits(float32(st.param.Gamma)))
	put(6, math.Float32bits(float32(st.param.Coef0)))
	return b
}

// QColumn returns column i of the solver's Q matrix. Classification
// columns have l entries Q[i][j] = y_i y_j K(x_i, x_j). Regression columns
// have 2l entries over the doubled problem, with i in [0, 2l).
func (m *Manager) QColumn(i int, regression bool) ([]float32, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	st := m.trainParams
	if !st.loaded {
		return nil, fmt.Errorf("%w: no training problem", sd.ErrNotInitialized)
	}
	n, id := st.l, KernelSVCQ
	buffers := map[uint32]*slot{1: &m.problem.x, 2: &m.problem.y, 3: &m.problem.xSquare, 4: &m.work.trainQ}
	if regression {
		n, id = 2*st.l, KernelSVRQ
		delete(buffers, 2)
	}
	if i < 0 || i >= n {
		return nil, fmt.Errorf("gpu: Q column %d out of range [0,%d)", i, n)
	}
	defer m.CleanWorkPart()

	if err := m.createBuffer(&m.work.trainQ, DomainTrain, roleOutput, uint64(4*n), nil); err != nil {
		return nil, err
	}
	out := make([]byte, m.work.trainQ.size)
	err := m.run(launch{
		kernel:   id,
		elements: uint32(n),
		params:   trainParams(st, i),
		buffers:  buffers,
		reads:    []readTarget{{&m.work.trainQ, out}},
	})
	if err != nil {
		return nil, err
	}
	return bytesFloat32(out, n), nil
}

// SelectWorkingSet returns the index maximizing -y_t G_t over the samples
// that may still move up, and that maximum. The index is -1 when no sample
// qualifies.
func (m *Manager) SelectWorkingSet(grad []float32, status []int32) (int, float32, error) {
	if err := m.checkReady(); err != nil {
		return -1, 0, err
	}
	st := m.trainParams
	if !st.loaded {
		return -1, 0, fmt.Errorf("%w: no training problem", sd.ErrNotInitialized)
	}
	if len(grad) != st.l || len(status) != st.l {
		return -1, 0, fmt.Errorf("gpu: working set needs %d gradients and states, got %d and %d", st.l, len(grad), len(status))
	}
	defer m.CleanWorkPart()

	groups := int(roundUp(uint32(st.l), WorkGroupSize)) / WorkGroupSize
	g := float32Bytes(grad)
	s := int32Bytes(status)
	if err := m.createBuffer(&m.work.trainGrad, DomainTrain, roleInput, uint64(len(g)), g); err != nil {
		return -1, 0, err
	}
	if err := m.createBuffer(&m.work.trainStatus, DomainTrain, roleInput, uint64(len(s)), s); err != nil {
		return -1, 0, err
	}
	if err := m.createBuffer(&m.work.groupMax, DomainTrain, roleOutput, uint64(4*groups), nil); err != nil {
		return -1, 0, err
	}
	if err := m.createBuffer(&m.work.groupIdx, DomainTrain, roleOutput, uint64(4*groups), nil); err != nil {
		return -1, 0, err
	}

	maxOut := make([]byte, m.work.groupMax.size)
	idxOut := make([]byte, m.work.groupIdx.size)
	err := m.run(launch{
		kernel:   KernelSelectWorkingSet,
		elements: uint32(st.l),
		params:   trainParams(st, 0),
		buffers: map[uint32]*slot{
			2: &m.problem.y,
			5: &m.work.trainGrad,
			6: &m.work.trainStatus,
			7: &m.work.groupMax,
			8: &m.work.groupIdx,
		},
		reads: []readTarget{{&m.work.groupMax, maxOut}, {&m.work.groupIdx, idxOut}},
	})
	if err != nil {
		return -1, 0, err
	}
	idx, gmax := reduceGroups(bytesFloat32(maxOut, groups), bytesInt32(idxOut, groups))
	return idx, gmax, nil
}

// reduceGroups picks the best per-group candidate. Ties go to the larger
// index, matching the in-group reduction.
func reduceGroups(vals []float32, idx []int32) (int, float32) {
	best, bestVal := -1, float32(-math.MaxFloat32)
	for g, i := range idx {
		if i < 0 {
			continue
		}
		v := vals[g]
		if best < 0 || v > bestVal || (v == bestVal && int(i) > best) {
			best, bestVal = int(i), v
		}
	}
	return best, bestVal
}
