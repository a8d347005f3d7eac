package shadowdetection

import (
	"errors"
	"sync"

	"github.com/nooniansoong/shadowdetection/bitmap"
	"github.com/nooniansoong/shadowdetection/svm"
)

// Accelerator runs the per-pixel stages of the pipeline on a compute
// device.
//
// A Detector tries its accelerator first. If a call returns
// ErrFallbackToCPU the stage runs on the CPU instead; any other error
// fails the image.
//
// Implementations are provided by device packages:
//
//	import "github.com/nooniansoong/shadowdetection/gpu"
//
//	a, err := gpu.New(gpu.WithConfig(cfg))
//	det := shadowdetection.NewDetector(shadowdetection.WithAccelerator(a))
type Accelerator interface {
	// Name returns the accelerator name (e.g., "wgpu").
	Name() string

	// Init opens the device and builds the kernels.
	Init() error

	// Close releases every device resource. It may be called repeatedly.
	Close() error

	// ExtractFeatures returns the color features of a BGR image, one row
	// of ColorFeatures values per pixel.
	ExtractFeatures(bgr Image) (*FeatureMatrix, error)

	// ShadowMask returns the Tsai shadow mask of a BGR image.
	ShadowMask(bgr Image) (*bitmap.Bitmap, error)

	// SetModel installs the classifier used by Predict. Returns
	// ErrFallbackToCPU for models the device cannot evaluate.
	SetModel(m *svm.Model) error

	// Predict returns one label per feature row.
	Predict(features *FeatureMatrix) ([]int32, error)
}

// DeviceProviderAware is an optional interface for accelerators that can
// run on a device owned by the host application.
type DeviceProviderAware interface {
	SetDeviceProvider(provider any) error
}

var (
	accelMu sync.RWMutex
	accel   Accelerator
)

// RegisterAccelerator installs the accelerator used by Detectors created
// without WithAccelerator.
//
// Only one accelerator can be registered. Init is called first; if it
// fails the accelerator is not registered. A replaced accelerator is
// closed.
func RegisterAccelerator(a Accelerator) error {
	if a == nil {
		return errors.New("shadowdetection: accelerator must not be nil")
	}
	if err := a.Init(); err != nil {
		return err
	}
	propagateLogger(a, Logger())
	accelMu.Lock()
	old := accel
	accel = a
	accelMu.Unlock()
	if old != nil && old != a {
		if err := old.Close(); err != nil {
			Logger().Warn("closing replaced accelerator", "name", old.Name(), "err", err)
		}
	}
	Logger().Info("accelerator registered", "name", a.Name())
	return nil
}

// RegisteredAccelerator returns the registered accelerator, or nil.
func RegisteredAccelerator() Accelerator {
	accelMu.RLock()
	a := accel
	accelMu.RUnlock()
	return a
}

// UnregisterAccelerator removes and closes the registered accelerator.
func UnregisterAccelerator() error {
	accelMu.Lock()
	old := accel
	accel = nil
	accelMu.Unlock()
	if old == nil {
		return nil
	}
	return old.Close()
}

// SetAcceleratorDeviceProvider passes a device provider to the registered
// accelerator. It is a no-op when none is registered or the accelerator
// cannot share devices.
func SetAcceleratorDeviceProvider(provider any) error {
	a := RegisteredAccelerator()
	if a == nil {
		return nil
	}
	if dpa, ok := a.(DeviceProviderAware); ok {
		return dpa.SetDeviceProvider(provider)
	}
	return nil
}
