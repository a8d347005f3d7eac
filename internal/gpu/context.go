package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	sd "github.com/nooniansoong/shadowdetection"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// Domain selects one of the independent device/queue pairs. Image
// conversion, training and prediction never share a queue.
type Domain int

const (
	DomainConvert Domain = iota
	DomainTrain
	DomainPredict

	domainCount
)

func (d Domain) String() string {
	switch d {
	case DomainConvert:
		return "convert"
	case DomainTrain:
		return "train"
	case DomainPredict:
		return "predict"
	}
	return fmt.Sprintf("Domain(%d)", int(d))
}

// DeviceClass decides the buffer strategy used for work buffers.
type DeviceClass int

const (
	// ClassAuto derives the class from the adapter type.
	ClassAuto DeviceClass = iota
	ClassGPU
	ClassCPU
	ClassUnsupported
)

func (c DeviceClass) String() string {
	switch c {
	case ClassAuto:
		return "auto"
	case ClassGPU:
		return "gpu"
	case ClassCPU:
		return "cpu"
	}
	return "unsupported"
}

// ClassOf maps an adapter type to its buffer strategy.
func ClassOf(t gputypes.DeviceType) DeviceClass {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU, gputypes.DeviceTypeIntegratedGPU, gputypes.DeviceTypeVirtualGPU:
		return ClassGPU
	case gputypes.DeviceTypeCPU:
		return ClassCPU
	}
	return ClassUnsupported
}

// Backend creates instances for one compute platform. hal backends satisfy it.
type Backend interface {
	CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error)
}

// Platform is a named backend. Platforms are addressed by their index in
// the list passed to Context.Init.
type Platform struct {
	Name    string
	Backend Backend
}

// DefaultPlatforms returns the platforms registered in this binary.
func DefaultPlatforms() []Platform {
	var out []Platform
	if b, ok := hal.GetBackend(gputypes.BackendVulkan); ok {
		out = append(out, Platform{Name: "vulkan", Backend: b})
	}
	return out
}

// DeviceInfo describes one adapter of a platform.
type DeviceInfo struct {
	Index int
	Name  string
	Type  gputypes.DeviceType
	Class DeviceClass
}

// PlatformInfo describes one platform and its adapters.
type PlatformInfo struct {
	Index   int
	Name    string
	Devices []DeviceInfo
}

// Enumerate lists every platform and its devices without opening any of
// them. A platform whose instance cannot be created is listed with no
// devices.
func Enumerate(platforms []Platform) []PlatformInfo {
	infos := make([]PlatformInfo, 0, len(platforms))
	for i, p := range platforms {
		info := PlatformInfo{Index: i, Name: p.Name}
		instance, err := p.Backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
		if err != nil {
			slogger().Warn("gpu: platform unavailable", "platform", p.Name, "err", err)
			infos = append(infos, info)
			continue
		}
		for j, a := range instance.EnumerateAdapters(nil) {
			info.Devices = append(info.Devices, DeviceInfo{
				Index: j,
				Name:  a.Info.Name,
				Type:  a.Info.DeviceType,
				Class: ClassOf(a.Info.DeviceType),
			})
		}
		instance.Destroy()
		infos = append(infos, info)
	}
	return infos
}

// ContextOptions selects the platform and device a Context opens.
type ContextOptions struct {
	Platforms  []Platform // nil means DefaultPlatforms()
	PlatformID int
	DeviceID   int
	// Class overrides the class derived from the adapter type.
	Class DeviceClass
	// Limits requested for every domain. Zero value means gputypes.DefaultLimits().
	Limits *gputypes.Limits
	// ListOnly enumerates and logs the platforms without opening a device.
	ListOnly bool
}

type queuePair struct {
	device hal.Device
	queue  hal.Queue
}

// Context owns the instance and the per-domain devices of one selected
// adapter.
type Context struct {
	instance hal.Instance
	platform string
	info     DeviceInfo
	class    DeviceClass
	limits   gputypes.Limits
	domains  [domainCount]queuePair
	external bool
	ready    bool
}

// Init opens one device and queue per domain on the selected adapter.
func (c *Context) Init(opts ContextOptions) error {
	if c.ready {
		return sd.ErrAlreadyInitialized
	}
	platforms := opts.Platforms
	if platforms == nil {
		platforms = DefaultPlatforms()
	}
	if opts.ListOnly {
		for _, p := range Enumerate(platforms) {
			slogger().Info("gpu: platform", "index", p.Index, "name", p.Name, "devices", len(p.Devices))
			for _, d := range p.Devices {
				slogger().Info("gpu: device", "platform", p.Index, "index", d.Index, "name", d.Name, "class", d.Class)
			}
		}
		return nil
	}
	if len(platforms) == 0 {
		return fmt.Errorf("%w: no compute platform available", sd.ErrNoSuchPlatform)
	}
	if opts.PlatformID < 0 || opts.PlatformID >= len(platforms) {
		return fmt.Errorf("%w: platform %d of %d", sd.ErrNoSuchPlatform, opts.PlatformID, len(platforms))
	}
	p := platforms[opts.PlatformID]

	requested := gputypes.DefaultLimits()
	if opts.Limits != nil {
		requested = *opts.Limits
	}

	instance, err := p.Backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return sd.DeviceCallError("CreateInstance", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if opts.DeviceID < 0 || opts.DeviceID >= len(adapters) {
		instance.Destroy()
		return fmt.Errorf("%w: device %d of %d on %s", sd.ErrNoSuchDevice, opts.DeviceID, len(adapters), p.Name)
	}
	selected := adapters[opts.DeviceID]

	limits := clampLimits(requested, selected.Capabilities.Limits)
	if !supportsImages(limits) {
		instance.Destroy()
		return fmt.Errorf("%w: %s on %s", sd.ErrImageNotSupported, selected.Info.Name, p.Name)
	}

	class := opts.Class
	if class == ClassAuto {
		class = ClassOf(selected.Info.DeviceType)
	}

	var opened [domainCount]queuePair
	for d := range domainCount {
		openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
		if err != nil {
			for _, q := range opened[:d] {
				q.device.Destroy()
			}
			instance.Destroy()
			return sd.DeviceCallError(fmt.Sprintf("Open(%s)", d), err)
		}
		opened[d] = queuePair{device: openDev.Device, queue: openDev.Queue}
	}

	c.instance = instance
	c.platform = p.Name
	c.info = DeviceInfo{
		Index: opts.DeviceID,
		Name:  selected.Info.Name,
		Type:  selected.Info.DeviceType,
		Class: class,
	}
	c.class = class
	c.limits = limits
	c.domains = opened
	c.ready = true
	slogger().Debug("gpu: context ready", "platform", p.Name, "device", selected.Info.Name, "class", class)
	return nil
}

// InitShared adopts an externally owned device and queue for every domain.
// Close leaves them alive.
func (c *Context) InitShared(name string, device hal.Device, queue hal.Queue, class DeviceClass) error {
	if c.ready {
		return sd.ErrAlreadyInitialized
	}
	if device == nil || queue == nil {
		return fmt.Errorf("%w: shared device is nil", sd.ErrNoSuchDevice)
	}
	if class == ClassAuto {
		class = ClassGPU
	}
	for d := range domainCount {
		c.domains[d] = queuePair{device: device, queue: queue}
	}
	c.platform = "shared"
	c.info = DeviceInfo{Name: name, Class: class}
	c.class = class
	c.limits = gputypes.DefaultLimits()
	c.external = true
	c.ready = true
	return nil
}

// supportsImages reports whether the limits admit the image kernels: a
// full work group and room for a packed image row.
func supportsImages(l gputypes.Limits) bool {
	return l.MaxComputeWorkgroupSizeX >= WorkGroupSize && l.MaxBufferSize >= minImageBuffer
}

// clampLimits lowers the requested compute and buffer limits to what the
// adapter reports.
func clampLimits(req, adapter gputypes.Limits) gputypes.Limits {
	out := req
	out.MaxBufferSize = min(req.MaxBufferSize, adapter.MaxBufferSize)
	out.MaxStorageBufferBindingSize = min(req.MaxStorageBufferBindingSize, adapter.MaxStorageBufferBindingSize)
	out.MaxUniformBufferBindingSize = min(req.MaxUniformBufferBindingSize, adapter.MaxUniformBufferBindingSize)
	out.MaxStorageBuffersPerShaderStage = min(req.MaxStorageBuffersPerShaderStage, adapter.MaxStorageBuffersPerShaderStage)
	out.MaxBindingsPerBindGroup = min(req.MaxBindingsPerBindGroup, adapter.MaxBindingsPerBindGroup)
	out.MaxComputeWorkgroupStorageSize = min(req.MaxComputeWorkgroupStorageSize, adapter.MaxComputeWorkgroupStorageSize)
	out.MaxComputeInvocationsPerWorkgroup = min(req.MaxComputeInvocationsPerWorkgroup, adapter.MaxComputeInvocationsPerWorkgroup)
	out.MaxComputeWorkgroupSizeX = min(req.MaxComputeWorkgroupSizeX, adapter.MaxComputeWorkgroupSizeX)
	out.MaxComputeWorkgroupSizeY = min(req.MaxComputeWorkgroupSizeY, adapter.MaxComputeWorkgroupSizeY)
	out.MaxComputeWorkgroupSizeZ = min(req.MaxComputeWorkgroupSizeZ, adapter.MaxComputeWorkgroupSizeZ)
	out.MaxComputeWorkgroupsPerDimension = min(req.MaxComputeWorkgroupsPerDimension, adapter.MaxComputeWorkgroupsPerDimension)
	return out
}

// Ready reports whether Init succeeded and Close has not been called.
func (c *Context) Ready() bool { return c.ready }

// Device returns the device and queue of a domain.
func (c *Context) Device(d Domain) (hal.Device, hal.Queue) {
	q := c.domains[d]
	return q.device, q.queue
}

// Info describes the selected adapter.
func (c *Context) Info() DeviceInfo { return c.info }

// Platform returns the selected platform name.
func (c *Context) Platform() string { return c.platform }

// Class returns the buffer strategy of the selected adapter.
func (c *Context) Class() DeviceClass { return c.class }

// MaxBufferSize is the largest buffer any domain may allocate.
func (c *Context) MaxBufferSize() uint64 { return c.limits.MaxBufferSize }

// Close destroys the per-domain devices and the instance. It is safe to
// call more than once.
func (c *Context) Close() error {
	var err error
	if !c.external {
		for d := range domainCount {
			if c.domains[d].device == nil {
				continue
			}
			dev := c.domains[d].device
			err = joinErr(err, guard("Device.Destroy", dev.Destroy))
		}
		if c.instance != nil {
			err = joinErr(err, guard("Instance.Destroy", c.instance.Destroy))
		}
	}
	c.domains = [domainCount]queuePair{}
	c.instance = nil
	c.external = false
	c.ready = false
	return err
}
