// Package gpu runs the shadow detection kernels on a wgpu compute device.
//
// A Manager opens one adapter through the hal layer and keeps three
// independent device/queue pairs on it, one per Domain:
//
//	convert  image_hsi_convert  HSV/HLS conversion, Tsai ratios, pixel features
//	train    lib_svm            Q matrix columns, working set selection
//	predict  lib_svm_predict    per-pixel SVM classification
//
// Kernels are written in WGSL and compiled to SPIR-V with naga. Compiled
// programs are cached on disk per device and reused when the binary cache
// is enabled; a missing or corrupt binary falls back to the source.
//
// # Buffers
//
// Per-image buffers (input image, converted planes, features, prediction
// scratch and results) are released by CleanWorkPart after every call.
// The uploaded model and training problem persist until they change or
// CleanUp runs. The model is uploaded again only after SetModel,
// MarkModelChanged or CleanUp.
//
// On GPU devices outputs are copied to a staging buffer for readback. CPU
// devices share host memory, so outputs are created mappable and read
// directly.
//
// # Prediction scratch
//
// WGSL has no dynamically sized work-group memory, so the per-class start
// and vote arrays live in storage buffers of roundUp(rows, WorkGroupSize)
// x nrClass entries. Each invocation owns one row of nrClass entries.
package gpu
