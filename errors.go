package shadowdetection

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by this module and its sub-packages
// wraps exactly one of these, so callers can branch with errors.Is.
var (
	// ErrImageSizeMismatch reports companion images whose width or height
	// differs from the source image.
	ErrImageSizeMismatch = errors.New("shadowdetection: incompatible image sizes")

	// ErrInvalidImageFormat reports an image with the wrong channel count
	// or without backing data.
	ErrInvalidImageFormat = errors.New("shadowdetection: invalid image format")

	// ErrAllocation reports a host or device out-of-memory condition.
	ErrAllocation = errors.New("shadowdetection: allocation failure")

	// ErrReadUnable and ErrWriteUnable report disk I/O failures.
	ErrReadUnable  = errors.New("shadowdetection: unable to read")
	ErrWriteUnable = errors.New("shadowdetection: unable to write")

	ErrNoSuchPlatform    = errors.New("shadowdetection: no such compute platform")
	ErrNoSuchDevice      = errors.New("shadowdetection: no such compute device")
	ErrUnsupportedDevice = errors.New("shadowdetection: unsupported device class")
	ErrImageNotSupported = errors.New("shadowdetection: image operations not supported on device")

	// ErrKernelBuild reports a kernel compilation failure. The concrete
	// error is a *BuildError carrying the compiler log.
	ErrKernelBuild = errors.New("shadowdetection: kernel build failure")

	// ErrDeviceCall wraps any other non-success device API result.
	ErrDeviceCall = errors.New("shadowdetection: device call failure")

	// ErrNotInitialized reports use of a compute manager before Init.
	ErrNotInitialized = errors.New("shadowdetection: compute context not initialized")

	// ErrAlreadyInitialized reports a second Init without a CleanUp.
	ErrAlreadyInitialized = errors.New("shadowdetection: compute context already initialized")

	// ErrUnsupportedModel reports a model type the device predictor cannot run.
	ErrUnsupportedModel = errors.New("shadowdetection: unsupported model")

	// ErrFallbackToCPU indicates the accelerator cannot handle this request.
	// The caller should transparently fall back to the CPU path.
	ErrFallbackToCPU = errors.New("shadowdetection: falling back to CPU")
)

// BuildError is returned when a kernel program fails to compile for a device.
type BuildError struct {
	Program string
	Device  string
	Log     string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("shadowdetection: build %s for %q failed:\n%s", e.Program, e.Device, e.Log)
}

func (e *BuildError) Unwrap() error { return ErrKernelBuild }

// CallError identifies the device call that failed.
type CallError struct {
	Op  string // e.g. "CreateBuffer input_image"
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("shadowdetection: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrDeviceCall and the underlying device error.
func (e *CallError) Unwrap() []error { return []error{ErrDeviceCall, e.Err} }

// DeviceCallError wraps err as a device call failure at op. It returns nil
// when err is nil.
func DeviceCallError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CallError{Op: op, Err: err}
}
