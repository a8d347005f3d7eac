// Package shadowdetection finds cast shadows in color photographs.
//
// # Overview
//
// Every pixel is described by a short color feature vector built from its
// HSV, HLS and BGR values, optionally followed by a region ratio that
// compares the pixel with the average of the grid cell around it. A
// support vector classifier trained with libsvm labels each vector as
// shadow or not. A second, unsupervised detector thresholds the Tsai
// hue/intensity ratio of the image at its Otsu level.
//
// # Quick Start
//
//	import (
//	    sd "github.com/nooniansoong/shadowdetection"
//	    "github.com/nooniansoong/shadowdetection/bitmap"
//	)
//
//	det := sd.NewDetector(sd.WithConfig(cfg))
//	defer det.Close()
//	if err := det.LoadModel("shadow.model"); err != nil {
//	    log.Fatal(err)
//	}
//	img, _ := bitmap.Open("street.jpg")
//	mask, err := det.Detect(ctx, img)
//
// # Accelerators
//
// The per-pixel stages can run on a compute device. Import the gpu
// package and pass its accelerator with WithAccelerator, or register it
// once with RegisterAccelerator. Stages the device cannot serve report
// ErrFallbackToCPU and run on the CPU.
//
// # Architecture
//
// The library is organized into:
//   - Public API: Detector, Extractor, RegionRatio, Matrix, Tsai functions
//   - bitmap: 8-bit rasters, color renderings, Otsu binarization
//   - svm: libsvm model files and CPU prediction
//   - config: XML settings
//   - gpu: WebGPU HAL accelerator
//   - server: HTTP inference service
//
// # Errors
//
// Every failure wraps one of the Err* sentinels of this package, so
// callers can test with errors.Is regardless of which layer failed.
package shadowdetection

// Version information
const (
	// Version is the current version of the library
	Version = "0.3.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 3

	// VersionPatch is the patch version
	VersionPatch = 0
)
