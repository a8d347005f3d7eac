package gpu

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	sd "github.com/nooniansoong/shadowdetection"
)

// DefaultFenceTimeout bounds the wait for one submission.
const DefaultFenceTimeout = 30 * time.Second

// dispatchResources tracks per-launch GPU resources for cleanup.
type dispatchResources struct {
	device     hal.Device
	buffers    []hal.Buffer
	bindGroups []hal.BindGroup
	cmdBuf     hal.CommandBuffer
}

// cleanup destroys all tracked per-launch resources.
func (r *dispatchResources) cleanup() {
	if r.cmdBuf != nil {
		r.device.FreeCommandBuffer(r.cmdBuf)
	}
	for _, g := range r.bindGroups {
		r.device.DestroyBindGroup(g)
	}
	for _, b := range r.buffers {
		r.device.DestroyBuffer(b)
	}
}

// launch describes one kernel dispatch over elements work items.
type launch struct {
	kernel   KernelID
	elements uint32
	params   []byte
	buffers  map[uint32]*slot
	// reads are copied to the host after the dispatch completes.
	reads []readTarget
}

type readTarget struct {
	src *slot
	dst []byte
}

// run encodes, submits and waits for one launch.
func (m *Manager) run(l launch) error {
	k := m.kernels[l.kernel]
	if k == nil {
		return fmt.Errorf("%w: kernel %s", sd.ErrNotInitialized, l.kernel)
	}
	spec := kernelSpecs[l.kernel]
	dev, queue := m.ctx.Device(spec.domain)

	res := &dispatchResources{device: dev}
	defer res.cleanup()

	entries := make([]gputypes.BindGroupEntry, 0, len(spec.bindings))
	for _, b := range spec.bindings {
		if b.kind == uniform {
			size := max(align16(uint64(len(l.params))), 16)
			ub, err := dev.CreateBuffer(&hal.BufferDescriptor{
				Label: spec.entry + "_params",
				Size:  size,
				Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
			})
			if err != nil {
				return fmt.Errorf("%w: %s params: %w", sd.ErrAllocation, spec.entry, err)
			}
			res.buffers = append(res.buffers, ub)
			padded := make([]byte, size)
			copy(padded, l.params)
			if err := queue.WriteBuffer(ub, 0, padded); err != nil {
				return sd.DeviceCallError("WriteBuffer "+spec.entry+" params", err)
			}
			entries = append(entries, gputypes.BindGroupEntry{
				Binding:  b.slot,
				Resource: gputypes.BufferBinding{Buffer: ub.NativeHandle(), Offset: 0, Size: size},
			})
			continue
		}
		s := l.buffers[b.slot]
		if s == nil || !s.live() {
			return fmt.Errorf("%s: binding %d has no buffer", spec.entry, b.slot)
		}
		entries = append(entries, s.binding(b.slot))
	}

	bg, err := dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   spec.entry + "_bind_group",
		Layout:  k.bindLayout,
		Entries: entries,
	})
	if err != nil {
		return sd.DeviceCallError("CreateBindGroup "+spec.entry, err)
	}
	res.bindGroups = append(res.bindGroups, bg)

	staging := make([]hal.Buffer, len(l.reads))
	for i, r := range l.reads {
		if r.src.mapped {
			continue
		}
		staging[i], err = dev.CreateBuffer(&hal.BufferDescriptor{
			Label: r.src.label + "_staging",
			Size:  r.src.size,
			Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("%w: %s staging: %w", sd.ErrAllocation, r.src.label, err)
		}
		res.buffers = append(res.buffers, staging[i])
	}

	if err := m.encode(res, k, bg, l, staging); err != nil {
		return err
	}
	if err := m.submitAndWait(res, queue); err != nil {
		return fmt.Errorf("%s: %w", spec.entry, err)
	}

	for i, r := range l.reads {
		src := staging[i]
		if src == nil {
			src = r.src.buf
		}
		if err := readBack(dev, src, r.dst); err != nil {
			return sd.DeviceCallError("MapBuffer "+r.src.label, err)
		}
	}
	return nil
}

// readBack copies the head of a host-visible buffer into dst.
func readBack(dev hal.Device, src hal.Buffer, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	mapping, err := dev.MapBuffer(src, 0, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, unsafe.Slice((*byte)(mapping.Ptr), len(dst)))
	return dev.UnmapBuffer(src)
}

func (m *Manager) encode(res *dispatchResources, k *kernel, bg hal.BindGroup, l launch, staging []hal.Buffer) error {
	spec := kernelSpecs[l.kernel]
	encoder, err := res.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: spec.entry})
	if err != nil {
		return sd.DeviceCallError("CreateCommandEncoder", err)
	}
	if err := encoder.BeginEncoding(spec.entry); err != nil {
		return sd.DeviceCallError("BeginEncoding", err)
	}

	global := roundUp(l.elements, WorkGroupSize)
	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: spec.entry})
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(global/WorkGroupSize, 1, 1)
	pass.End()

	for i, r := range l.reads {
		if staging[i] == nil {
			continue
		}
		encoder.CopyBufferToBuffer(r.src.buf, staging[i], []hal.BufferCopy{
			{SrcOffset: 0, DstOffset: 0, Size: r.src.size},
		})
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		return sd.DeviceCallError("EndEncoding", err)
	}
	res.cmdBuf = cmdBuf
	return nil
}

// pollInterval is the sleep between completion checks while a submission
// is in flight.
const pollInterval = 50 * time.Microsecond

func (m *Manager) submitAndWait(res *dispatchResources, queue hal.Queue) error {
	idx, err := queue.Submit([]hal.CommandBuffer{res.cmdBuf})
	if err != nil {
		return sd.DeviceCallError("Submit", err)
	}
	timeout := m.fenceTimeout()
	deadline := time.Now().Add(timeout)
	for queue.PollCompleted() < idx {
		if time.Now().After(deadline) {
			return sd.DeviceCallError("Wait", fmt.Errorf("submission %d timed out after %v", idx, timeout))
		}
		time.Sleep(pollInterval)
	}
	return nil
}

func align16(n uint64) uint64 { return (n + 15) &^ 15 }
