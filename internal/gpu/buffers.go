package gpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	sd "github.com/nooniansoong/shadowdetection"
)

// slot is one device buffer owned by the manager. A released slot has a
// nil buffer and may be released again.
type slot struct {
	label  string
	buf    hal.Buffer
	size   uint64
	device hal.Device
	// mapped marks a buffer the host reads directly instead of through a
	// staging copy.
	mapped bool
}

func (s *slot) live() bool { return s.buf != nil }

func (s *slot) release() error {
	if s.buf == nil {
		return nil
	}
	buf, dev := s.buf, s.device
	s.buf, s.device, s.size, s.mapped = nil, nil, 0, false
	return guard("DestroyBuffer "+s.label, func() { dev.DestroyBuffer(buf) })
}

func (s *slot) binding(n uint32) gputypes.BindGroupEntry {
	return gputypes.BindGroupEntry{
		Binding:  n,
		Resource: gputypes.BufferBinding{Buffer: s.buf.NativeHandle(), Offset: 0, Size: s.size},
	}
}

type bufferRole int

const (
	roleInput bufferRole = iota
	roleScratch
	roleOutput
)

// usage picks buffer usage for a role. GPU devices read outputs through a
// staging copy; CPU devices share host memory so outputs are mapped.
func usage(class DeviceClass, role bufferRole) (gputypes.BufferUsage, bool, error) {
	switch class {
	case ClassGPU:
		switch role {
		case roleInput:
			return gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst, false, nil
		case roleOutput:
			return gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc, false, nil
		}
		return gputypes.BufferUsageStorage, false, nil
	case ClassCPU:
		switch role {
		case roleInput:
			return gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst, false, nil
		case roleOutput:
			return gputypes.BufferUsageStorage | gputypes.BufferUsageMapRead, true, nil
		}
		return gputypes.BufferUsageStorage, false, nil
	}
	return 0, false, fmt.Errorf("%w: device class %s", sd.ErrUnsupportedDevice, class)
}

// alloc creates the buffer of s on dev and uploads data when given.
// Storage bindings must not be empty, so size is at least four bytes.
func alloc(s *slot, dev hal.Device, q hal.Queue, class DeviceClass, role bufferRole, size uint64, data []byte, limit uint64) error {
	if err := s.release(); err != nil {
		return err
	}
	size = max(align4(size), 4)
	if limit > 0 && size > limit {
		return fmt.Errorf("%w: %s needs %d bytes, device limit %d", sd.ErrAllocation, s.label, size, limit)
	}
	use, mapped, err := usage(class, role)
	if err != nil {
		return err
	}
	buf, err := dev.CreateBuffer(&hal.BufferDescriptor{Label: s.label, Size: size, Usage: use})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", sd.ErrAllocation, s.label, err)
	}
	s.buf, s.size, s.device, s.mapped = buf, size, dev, mapped
	if len(data) > 0 {
		if err := q.WriteBuffer(buf, 0, data); err != nil {
			s.release()
			return sd.DeviceCallError("WriteBuffer "+s.label, err)
		}
	}
	return nil
}

func align4(n uint64) uint64 { return (n + 3) &^ 3 }

// workBuffers hold per-image data. CleanWorkPart releases all of them.
type workBuffers struct {
	inputImage  slot
	hsi1        slot
	hsi2        slot
	tsaiOutput  slot
	features    slot
	pixelParams slot
	start       slot
	vote        slot
	results     slot
	trainQ      slot
	trainGrad   slot
	trainStatus slot
	groupMax    slot
	groupIdx    slot
}

func newWorkBuffers() workBuffers {
	return workBuffers{
		inputImage:  slot{label: "input_image"},
		hsi1:        slot{label: "hsi_1"},
		hsi2:        slot{label: "hsi_2"},
		tsaiOutput:  slot{label: "tsai_output"},
		features:    slot{label: "pixel_features"},
		pixelParams: slot{label: "pixel_parameters"},
		start:       slot{label: "predict_start"},
		vote:        slot{label: "predict_vote"},
		results:     slot{label: "predict_results"},
		trainQ:      slot{label: "train_q"},
		trainGrad:   slot{label: "train_grad"},
		trainStatus: slot{label: "train_alpha_status"},
		groupMax:    slot{label: "train_group_max"},
		groupIdx:    slot{label: "train_group_idx"},
	}
}

func (w *workBuffers) all() []*slot {
	return []*slot{
		&w.inputImage, &w.hsi1, &w.hsi2, &w.tsaiOutput, &w.features,
		&w.pixelParams, &w.start, &w.vote, &w.results,
		&w.trainQ, &w.trainGrad, &w.trainStatus, &w.groupMax, &w.groupIdx,
	}
}

// modelBuffers hold the uploaded classifier. They survive across images
// and are replaced only when the model changes.
type modelBuffers struct {
	svs    slot
	coefs  slot
	rho    slot
	labels slot
	nsv    slot
}

func newModelBuffers() modelBuffers {
	return modelBuffers{
		svs:    slot{label: "model_svs"},
		coefs:  slot{label: "model_coefs"},
		rho:    slot{label: "model_rho"},
		labels: slot{label: "model_labels"},
		nsv:    slot{label: "model_nsv"},
	}
}

func (m *modelBuffers) all() []*slot {
	return []*slot{&m.svs, &m.coefs, &m.rho, &m.labels, &m.nsv}
}

// problemBuffers hold the uploaded training problem.
type problemBuffers struct {
	x       slot
	y       slot
	xSquare slot
}

func newProblemBuffers() problemBuffers {
	return problemBuffers{
		x:       slot{label: "train_x"},
		y:       slot{label: "train_y"},
		xSquare: slot{label: "train_x_square"},
	}
}

func (p *problemBuffers) all() []*slot {
	return []*slot{&p.x, &p.y, &p.xSquare}
}

func releaseAll(slots []*slot) error {
	var err error
	for _, s := range slots {
		err = joinErr(err, s.release())
	}
	return err
}

func float32Bytes(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func int32Bytes(v []int32) []byte {
	out := make([]byte, 4*len(v))
	for i, n := range v {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(n))
	}
	return out
}

func bytesFloat32(b []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func bytesInt32(b []byte, n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
