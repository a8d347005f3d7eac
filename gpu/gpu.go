// Package gpu runs the per-pixel stages of the shadow detector on a
// WebGPU HAL compute device.
//
// The accelerator converts images to HSV and HLS, computes the Tsai ratio
// planes and the color features, and evaluates classification and
// one-class models, all with WGSL compute kernels compiled to SPIR-V.
// Stages it cannot serve report shadowdetection.ErrFallbackToCPU so the
// detector runs them on the CPU instead.
//
// Usage:
//
//	acc := gpu.New(gpu.WithConfig(cfg))
//	if err := acc.Init(); err != nil {
//	    log.Printf("no compute device: %v", err)
//	}
//	det := shadowdetection.NewDetector(shadowdetection.WithAccelerator(acc))
//
// Or register it for every detector:
//
//	if err := gpu.Register(gpu.WithConfig(cfg)); err != nil {
//	    log.Printf("GPU accelerator not available: %v", err)
//	}
package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/wgpu/hal"

	sd "github.com/nooniansoong/shadowdetection"
	"github.com/nooniansoong/shadowdetection/bitmap"
	gpuimpl "github.com/nooniansoong/shadowdetection/internal/gpu"
	"github.com/nooniansoong/shadowdetection/svm"
)

// Name is the accelerator name reported by Accelerator.Name.
const Name = "wgpu"

// Accelerator implements shadowdetection.Accelerator on a HAL device. All
// methods are safe for concurrent use; device work is serialized.
type Accelerator struct {
	mu  sync.Mutex
	cfg settings
	mgr *gpuimpl.Manager
}

var _ sd.Accelerator = (*Accelerator)(nil)

// New returns an accelerator configured by opts. No device is opened
// until Init.
func New(opts ...Option) *Accelerator {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Accelerator{cfg: cfg, mgr: gpuimpl.NewManager(cfg.manager)}
}

// Register creates an accelerator and registers it with the detector
// package. It fails when no device can be opened.
func Register(opts ...Option) error {
	return sd.RegisterAccelerator(New(opts...))
}

// SetDeviceProvider configures the registered accelerator to use a shared
// device from an external provider.
//
// The provider should be a gpucontext.DeviceProvider that also exposes
// HalDevice() any and HalQueue() any for direct HAL access.
func SetDeviceProvider(provider any) error {
	return sd.SetAcceleratorDeviceProvider(provider)
}

// Name returns "wgpu".
func (a *Accelerator) Name() string { return Name }

// Init opens the configured device, or adopts the shared one, and builds
// the kernels.
func (a *Accelerator) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg.shared != nil {
		return a.mgr.InitShared(a.cfg.shared.name, a.cfg.shared.device, a.cfg.shared.queue)
	}
	return a.mgr.Init()
}

// Ready reports whether the device is open.
func (a *Accelerator) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mgr.Ready()
}

// Device describes the selected adapter.
func (a *Accelerator) Device() DeviceInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mgr.Context().Info()
}

// Close releases every device resource. A shared device stays alive.
func (a *Accelerator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mgr.CleanUp()
}

// SetLogger sets the logger of the device layer.
func (a *Accelerator) SetLogger(l *slog.Logger) {
	gpuimpl.SetLogger(l)
}

// SetDeviceProvider switches the accelerator to a device owned by the host
// application. Resources on the previous device are released first.
func (a *Accelerator) SetDeviceProvider(provider any) error {
	shared, err := sharedFrom(provider)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var cleanErr error
	if a.mgr.Ready() {
		cleanErr = a.mgr.CleanUp()
	}
	a.cfg.shared = shared
	if err := a.mgr.InitShared(shared.name, shared.device, shared.queue); err != nil {
		return errors.Join(fmt.Errorf("gpu: init with shared device: %w", err), cleanErr)
	}
	return cleanErr
}

// ExtractFeatures returns the color feature matrix of a BGR image.
func (a *Accelerator) ExtractFeatures(bgr sd.Image) (*sd.FeatureMatrix, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.mgr.ExtractFeatures(bgr)
	return m, fallback("features", err)
}

// ShadowMask returns the joined Tsai mask of a BGR image.
func (a *Accelerator) ShadowMask(bgr sd.Image) (*bitmap.Bitmap, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.mgr.ProcessRGBImage(bgr)
	return m, fallback("tsai", err)
}

// SetModel installs the classifier. Regression and precomputed-kernel
// models report ErrFallbackToCPU.
func (a *Accelerator) SetModel(m *svm.Model) error {
	if err := gpuimpl.CheckModel(m); err != nil {
		return errors.Join(sd.ErrFallbackToCPU, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mgr.SetModel(m)
	return nil
}

// Predict returns one label per feature row.
func (a *Accelerator) Predict(features *sd.FeatureMatrix) ([]int32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	labels, err := a.mgr.Predict(features)
	return labels, fallback("predict", err)
}

// fallback marks device allocation failures as recoverable on the CPU.
// Images larger than the device buffer limit land here.
func fallback(stage string, err error) error {
	if err == nil || !errors.Is(err, sd.ErrAllocation) {
		return err
	}
	sd.Logger().Warn("gpu: stage does not fit on device", "stage", stage, "err", err)
	return errors.Join(sd.ErrFallbackToCPU, err)
}

type sharedDevice struct {
	name   string
	device hal.Device
	queue  hal.Queue
}

// sharedFrom extracts the HAL device and queue of a provider.
func sharedFrom(provider any) (*sharedDevice, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("gpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("gpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("gpu: provider HalQueue is not hal.Queue")
	}
	name := "shared"
	if n, ok := provider.(interface{ Name() string }); ok && n.Name() != "" {
		name = n.Name()
	}
	return &sharedDevice{name: name, device: device, queue: queue}, nil
}
