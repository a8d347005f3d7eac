package shadowdetection

import "log/slog"

// Option configures a Detector during creation.
//
// Example:
//
//	// CPU only, ratio feature from the settings file
//	det := shadowdetection.NewDetector(shadowdetection.WithConfig(cfg))
//
//	// Device accelerated
//	det := shadowdetection.NewDetector(
//	    shadowdetection.WithConfig(cfg),
//	    shadowdetection.WithAccelerator(acc),
//	)
type Option func(*detectorOptions)

// detectorOptions holds optional configuration for Detector creation.
type detectorOptions struct {
	props    PropertySource
	accel    Accelerator
	noAccel  bool
	workers  int
	useRatio *bool
	logger   *slog.Logger
}

// defaultOptions returns the default detector options.
func defaultOptions() detectorOptions {
	return detectorOptions{
		workers: 0, // GOMAXPROCS
	}
}

// WithConfig sets the settings the detector reads its parameters from.
func WithConfig(p PropertySource) Option {
	return func(o *detectorOptions) {
		o.props = p
	}
}

// WithAccelerator sets the device accelerator. Without it the detector
// uses the registered accelerator, if any.
func WithAccelerator(a Accelerator) Option {
	return func(o *detectorOptions) {
		o.accel = a
	}
}

// WithCPUOnly ignores any registered accelerator. An accelerator given
// with WithAccelerator is still used.
func WithCPUOnly() Option {
	return func(o *detectorOptions) {
		o.noAccel = true
	}
}

// WithWorkers sets the number of CPU workers. Zero or negative uses
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *detectorOptions) {
		o.workers = n
	}
}

// WithRatioFeature overrides the UseRatio setting.
func WithRatioFeature(enabled bool) Option {
	return func(o *detectorOptions) {
		o.useRatio = &enabled
	}
}

// WithLogger sets the logger of the detector and its accelerator. It
// defaults to Logger().
func WithLogger(l *slog.Logger) Option {
	return func(o *detectorOptions) {
		o.logger = l
	}
}
