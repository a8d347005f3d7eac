package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// WorkGroupSize is the local size every kernel is compiled with.
const WorkGroupSize = 64

// minImageBuffer is the smallest MaxBufferSize that holds a packed row of
// a full work group of pixels.
const minImageBuffer = WorkGroupSize * 4

// Program names. Each is a .wgsl file in the kernel source directory.
const (
	ProgramConvert = "image_hsi_convert"
	ProgramTrain   = "lib_svm"
	ProgramPredict = "lib_svm_predict"
)

// KernelID names one compute entry point.
type KernelID int

const (
	KernelConvertHSV KernelID = iota
	KernelConvertHLS
	KernelTsai
	KernelPixelFeatures
	KernelSVCQ
	KernelSVRQ
	KernelSelectWorkingSet
	KernelPredict

	kernelCount
)

const (
	uniform  = gputypes.BufferBindingTypeUniform
	readOnly = gputypes.BufferBindingTypeReadOnlyStorage
	storage  = gputypes.BufferBindingTypeStorage
)

type bindingSpec struct {
	slot uint32
	kind gputypes.BufferBindingType
}

type kernelSpec struct {
	entry    string
	domain   Domain
	bindings []bindingSpec
}

// program returns the program the domain compiles.
func (d Domain) program() string {
	switch d {
	case DomainTrain:
		return ProgramTrain
	case DomainPredict:
		return ProgramPredict
	}
	return ProgramConvert
}

var kernelSpecs = [kernelCount]kernelSpec{
	KernelConvertHSV: {"image_hsi_convert1", DomainConvert, []bindingSpec{{0, uniform}, {1, readOnly}, {2, storage}}},
	KernelConvertHLS: {"image_hsi_convert2", DomainConvert, []bindingSpec{{0, uniform}, {1, readOnly}, {2, storage}}},
	KernelTsai:       {"image_simple_tsai", DomainConvert, []bindingSpec{{0, uniform}, {1, readOnly}, {2, storage}}},
	KernelPixelFeatures: {"pixel_features", DomainConvert, []bindingSpec{
		{0, uniform}, {1, readOnly}, {3, storage},
	}},
	KernelSVCQ: {"svc_q", DomainTrain, []bindingSpec{
		{0, uniform}, {1, readOnly}, {2, readOnly}, {3, readOnly}, {4, storage},
	}},
	KernelSVRQ: {"svr_q", DomainTrain, []bindingSpec{
		{0, uniform}, {1, readOnly}, {3, readOnly}, {4, storage},
	}},
	KernelSelectWorkingSet: {"select_working_set", DomainTrain, []bindingSpec{
		{0, uniform}, {2, readOnly}, {5, readOnly}, {6, readOnly}, {7, storage}, {8, storage},
	}},
	KernelPredict: {"predict", DomainPredict, []bindingSpec{
		{0, uniform}, {1, readOnly}, {2, readOnly}, {3, readOnly}, {4, readOnly},
		{5, readOnly}, {6, readOnly}, {7, storage}, {8, storage}, {9, storage},
	}},
}

func (k KernelID) String() string {
	if k < 0 || k >= kernelCount {
		return fmt.Sprintf("KernelID(%d)", int(k))
	}
	return kernelSpecs[k].entry
}

// kernel is a compute pipeline and its single bind group layout.
type kernel struct {
	id         KernelID
	device     hal.Device
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
}

func newKernel(dev hal.Device, id KernelID, module hal.ShaderModule) (*kernel, error) {
	spec := kernelSpecs[id]
	k := &kernel{id: id, device: dev}

	entries := make([]gputypes.BindGroupLayoutEntry, len(spec.bindings))
	for i, b := range spec.bindings {
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    b.slot,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: b.kind},
		}
	}
	var err error
	k.bindLayout, err = dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   spec.entry + "_bind_layout",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: create bind group layout: %w", spec.entry, err)
	}
	k.pipeLayout, err = dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            spec.entry + "_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{k.bindLayout},
	})
	if err != nil {
		k.destroy()
		return nil, fmt.Errorf("%s: create pipeline layout: %w", spec.entry, err)
	}
	k.pipeline, err = dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   spec.entry + "_pipeline",
		Layout:  k.pipeLayout,
		Compute: hal.ComputeState{Module: module, EntryPoint: spec.entry},
	})
	if err != nil {
		k.destroy()
		return nil, fmt.Errorf("%s: create compute pipeline: %w", spec.entry, err)
	}
	return k, nil
}

func (k *kernel) destroy() error {
	if k == nil || k.device == nil {
		return nil
	}
	name := kernelSpecs[k.id].entry
	var err error
	if k.pipeline != nil {
		err = joinErr(err, guard("DestroyComputePipeline "+name, func() { k.device.DestroyComputePipeline(k.pipeline) }))
		k.pipeline = nil
	}
	if k.pipeLayout != nil {
		err = joinErr(err, guard("DestroyPipelineLayout "+name, func() { k.device.DestroyPipelineLayout(k.pipeLayout) }))
		k.pipeLayout = nil
	}
	if k.bindLayout != nil {
		err = joinErr(err, guard("DestroyBindGroupLayout "+name, func() { k.device.DestroyBindGroupLayout(k.bindLayout) }))
		k.bindLayout = nil
	}
	return err
}

// roundUp returns the smallest multiple of local not below global.
func roundUp(global, local uint32) uint32 {
	if local == 0 {
		return global
	}
	if r := global % local; r != 0 {
		return global + local - r
	}
	return global
}
