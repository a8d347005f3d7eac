package gpu

import (
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gogpu/gpucontext"

	sd "github.com/nooniansoong/shadowdetection"
	"github.com/nooniansoong/shadowdetection/config"
	gpuimpl "github.com/nooniansoong/shadowdetection/internal/gpu"
)

// DeviceClass selects the buffer strategy of a device.
type DeviceClass = gpuimpl.DeviceClass

// Device classes.
const (
	ClassAuto        = gpuimpl.ClassAuto
	ClassGPU         = gpuimpl.ClassGPU
	ClassCPU         = gpuimpl.ClassCPU
	ClassUnsupported = gpuimpl.ClassUnsupported
)

type (
	// Platform is a HAL backend the accelerator can open devices on.
	Platform = gpuimpl.Platform
	// PlatformInfo describes one platform and its devices.
	PlatformInfo = gpuimpl.PlatformInfo
	// DeviceInfo describes one device.
	DeviceInfo = gpuimpl.DeviceInfo
)

// DefaultPlatforms returns the platforms compiled into this binary.
func DefaultPlatforms() []Platform { return gpuimpl.DefaultPlatforms() }

// Devices lists the platforms and their devices without opening any.
// Nil platforms means DefaultPlatforms.
func Devices(platforms []Platform) []PlatformInfo {
	if platforms == nil {
		platforms = DefaultPlatforms()
	}
	return gpuimpl.Enumerate(platforms)
}

type settings struct {
	manager gpuimpl.Options
	shared  *sharedDevice
}

func defaultSettings() settings {
	return settings{manager: gpuimpl.Options{FenceTimeout: gpuimpl.DefaultFenceTimeout}}
}

// Option configures an Accelerator.
type Option func(*settings)

// WithConfig reads the platform, device and kernel cache settings.
//
// Keys:
//
//	settings.openCL.PlatformID             platform index (default 0)
//	settings.openCL.DeviceID               device index (default 0)
//	settings.openCL.UsePrecompiledKernels  "true" loads cached SPIR-V
//	settings.openCL.KernelCacheDir         SPIR-V cache directory
//	settings.openCL.KernelDir              WGSL directory replacing the embedded kernels
func WithConfig(p sd.PropertySource) Option {
	return func(s *settings) {
		if p == nil {
			return
		}
		get := func(key string) string { return strings.TrimSpace(p.GetPropertyValue(key)) }
		if v, err := strconv.Atoi(get(config.KeyPlatformID)); err == nil {
			s.manager.Context.PlatformID = v
		}
		if v, err := strconv.Atoi(get(config.KeyDeviceID)); err == nil {
			s.manager.Context.DeviceID = v
		}
		s.manager.UseBinaries = get(config.KeyUsePrecompiledKernels) == "true"
		if dir := get(config.KeyKernelCacheDir); dir != "" {
			s.manager.CacheDir = dir
		} else if s.manager.UseBinaries {
			s.manager.CacheDir = "."
		}
		if dir := get(config.KeyKernelDir); dir != "" {
			s.manager.Sources = os.DirFS(dir)
		}
	}
}

// WithPlatforms replaces the platform list.
func WithPlatforms(platforms []Platform) Option {
	return func(s *settings) { s.manager.Context.Platforms = platforms }
}

// WithPlatform selects the platform index.
func WithPlatform(id int) Option {
	return func(s *settings) { s.manager.Context.PlatformID = id }
}

// WithDevice selects the device index on the platform.
func WithDevice(id int) Option {
	return func(s *settings) { s.manager.Context.DeviceID = id }
}

// WithClass overrides the device class derived from the adapter type.
func WithClass(c DeviceClass) Option {
	return func(s *settings) { s.manager.Context.Class = c }
}

// WithSources replaces the embedded WGSL kernels.
func WithSources(fsys fs.FS) Option {
	return func(s *settings) { s.manager.Sources = fsys }
}

// WithCacheDir enables the SPIR-V cache in dir.
func WithCacheDir(dir string, useBinaries bool) Option {
	return func(s *settings) {
		s.manager.CacheDir = dir
		s.manager.UseBinaries = useBinaries
	}
}

// WithFenceTimeout bounds every device wait.
func WithFenceTimeout(d time.Duration) Option {
	return func(s *settings) { s.manager.FenceTimeout = d }
}

// WithDeviceProvider runs the accelerator on a device owned by the host
// application. The provider must also expose HalDevice() and HalQueue();
// otherwise the option is ignored and a device is opened as usual.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(s *settings) {
		shared, err := sharedFrom(p)
		if err != nil {
			sd.Logger().Warn("gpu: ignoring device provider", "err", err)
			return
		}
		s.shared = shared
	}
}
