package gpu

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	sd "github.com/nooniansoong/shadowdetection"
	"github.com/nooniansoong/shadowdetection/bitmap"
	"github.com/nooniansoong/shadowdetection/svm"
)

// stubKernel compiles on every backend. The noop device never runs it.
const stubKernel = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    data[gid.x] = gid.x;
}
`

func noopPlatforms() []Platform {
	return []Platform{{Name: "noop", Backend: &noop.API{}}}
}

func stubSources() fstest.MapFS {
	fs := fstest.MapFS{}
	for _, p := range []string{ProgramConvert, ProgramTrain, ProgramPredict} {
		fs[p+".wgsl"] = &fstest.MapFile{Data: []byte(stubKernel)}
	}
	return fs
}

func testOptions(class DeviceClass) Options {
	return Options{
		Context: ContextOptions{Platforms: noopPlatforms(), Class: class},
		Sources: stubSources(),
	}
}

// newTestManager returns an initialized manager on the noop backend.
func newTestManager(t *testing.T, class DeviceClass) *Manager {
	t.Helper()
	m := NewManager(testOptions(class))
	if err := m.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { m.CleanUp() })
	return m
}

func linearModel() *svm.Model {
	return &svm.Model{
		Param:   svm.Parameter{Type: svm.CSVC, Kernel: svm.Linear},
		NrClass: 2,
		L:       2,
		SV:      [][]svm.Node{{{Index: 1, Value: 1}}, {{Index: 1, Value: -1}, {Index: 2, Value: 0.5}}},
		SVCoef:  [][]float64{{1, -1}},
		Rho:     []float64{0},
		Label:   []int32{1, -1},
		NSV:     []int32{1, 1},
	}
}

func testImage(w, h int) *bitmap.Bitmap {
	b := bitmap.New(w, h, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			b.Set(x, y, 0, uint8(x*40))
			b.Set(x, y, 1, uint8(y*40))
			b.Set(x, y, 2, 200)
		}
	}
	return b
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(testOptions(ClassGPU))
	if m.Ready() {
		t.Fatal("new manager should not be ready")
	}
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !m.Ready() || !m.Context().Ready() {
		t.Fatal("manager not ready after Init")
	}
	for d := range domainCount {
		if m.Program(d) == nil {
			t.Errorf("program for %s not built", d)
		}
		dev, q := m.Context().Device(d)
		if dev == nil || q == nil {
			t.Errorf("domain %s has no device", d)
		}
	}
	if err := m.Init(); !errors.Is(err, sd.ErrAlreadyInitialized) {
		t.Errorf("second Init error = %v, want ErrAlreadyInitialized", err)
	}

	if err := m.CleanUp(); err != nil {
		t.Fatalf("CleanUp: %v", err)
	}
	if err := m.CleanUp(); err != nil {
		t.Fatalf("second CleanUp: %v", err)
	}
	if m.Ready() {
		t.Error("manager ready after CleanUp")
	}
	if !m.ModelChanged() {
		t.Error("CleanUp must mark the model as changed")
	}

	// A cleaned up manager can be initialized again.
	if err := m.Init(); err != nil {
		t.Fatalf("Init after CleanUp: %v", err)
	}
	if err := m.CleanUp(); err != nil {
		t.Fatalf("final CleanUp: %v", err)
	}
}

func TestCleanWorkPartWithoutBuffers(t *testing.T) {
	m := NewManager(testOptions(ClassGPU))
	if err := m.CleanWorkPart(); err != nil {
		t.Errorf("CleanWorkPart on fresh manager: %v", err)
	}
	if err := m.CleanUp(); err != nil {
		t.Errorf("CleanUp on uninitialized manager: %v", err)
	}
}

func TestInitSelection(t *testing.T) {
	tests := []struct {
		name string
		opts ContextOptions
		want error
	}{
		{"no platforms", ContextOptions{Platforms: []Platform{}}, sd.ErrNoSuchPlatform},
		{"platform out of range", ContextOptions{Platforms: noopPlatforms(), PlatformID: 3}, sd.ErrNoSuchPlatform},
		{"negative platform", ContextOptions{Platforms: noopPlatforms(), PlatformID: -1}, sd.ErrNoSuchPlatform},
		{"device out of range", ContextOptions{Platforms: noopPlatforms(), DeviceID: 99}, sd.ErrNoSuchDevice},
		{"no image support", ContextOptions{Platforms: noopPlatforms(), Limits: &gputypes.Limits{}}, sd.ErrImageNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(Options{Context: tt.opts, Sources: stubSources()})
			err := m.Init()
			if !errors.Is(err, tt.want) {
				t.Errorf("Init error = %v, want %v", err, tt.want)
			}
			if m.Ready() {
				t.Error("manager ready after failed Init")
			}
		})
	}
}

// limitedBackend is the noop backend with adapters reporting fixed limits.
type limitedBackend struct{ limits gputypes.Limits }

func (b limitedBackend) CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error) {
	inst, err := (&noop.API{}).CreateInstance(desc)
	if err != nil {
		return nil, err
	}
	return limitedInstance{Instance: inst, limits: b.limits}, nil
}

type limitedInstance struct {
	hal.Instance
	limits gputypes.Limits
}

func (i limitedInstance) EnumerateAdapters(surface hal.Surface) []hal.ExposedAdapter {
	adapters := i.Instance.EnumerateAdapters(surface)
	for k := range adapters {
		adapters[k].Capabilities.Limits = i.limits
	}
	return adapters
}

func TestInitChecksAdapterLimits(t *testing.T) {
	small := gputypes.Limits{MaxComputeWorkgroupSizeX: 1, MaxBufferSize: 16}
	m := NewManager(Options{
		Context: ContextOptions{Platforms: []Platform{{Name: "small", Backend: limitedBackend{small}}}},
		Sources: stubSources(),
	})
	if err := m.Init(); !errors.Is(err, sd.ErrImageNotSupported) {
		t.Fatalf("Init error = %v, want ErrImageNotSupported", err)
	}
	if m.Ready() || m.Context().Ready() {
		t.Error("context ready on an adapter without image support")
	}
}

func TestInitClampsToAdapterLimits(t *testing.T) {
	adapter := gputypes.DefaultLimits()
	adapter.MaxBufferSize = 1 << 20
	m := NewManager(Options{
		Context: ContextOptions{Platforms: []Platform{{Name: "limited", Backend: limitedBackend{adapter}}}},
		Sources: stubSources(),
	})
	if err := m.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer m.CleanUp()
	if got := m.Context().MaxBufferSize(); got != 1<<20 {
		t.Errorf("MaxBufferSize = %d, want the adapter's %d", got, 1<<20)
	}
}

func TestInitListOnly(t *testing.T) {
	m := NewManager(Options{Context: ContextOptions{Platforms: noopPlatforms(), ListOnly: true}})
	if err := m.Init(); err != nil {
		t.Fatalf("Init list only: %v", err)
	}
	if m.Ready() || m.Context().Ready() {
		t.Error("list only must not open a device")
	}
}

func TestEnumerate(t *testing.T) {
	infos := Enumerate(noopPlatforms())
	if len(infos) != 1 {
		t.Fatalf("Enumerate returned %d platforms, want 1", len(infos))
	}
	if infos[0].Name != "noop" || len(infos[0].Devices) == 0 {
		t.Errorf("noop platform = %+v, want at least one device", infos[0])
	}
}

func TestUnsupportedDeviceClass(t *testing.T) {
	m := newTestManager(t, ClassUnsupported)
	_, err := m.ExtractFeatures(testImage(2, 2))
	if !errors.Is(err, sd.ErrUnsupportedDevice) {
		t.Errorf("ExtractFeatures error = %v, want ErrUnsupportedDevice", err)
	}
}

func TestOperationsRequireInit(t *testing.T) {
	m := NewManager(testOptions(ClassGPU))
	m.SetModel(linearModel())
	if _, err := m.ExtractFeatures(testImage(2, 2)); !errors.Is(err, sd.ErrNotInitialized) {
		t.Errorf("ExtractFeatures error = %v, want ErrNotInitialized", err)
	}
	if _, err := m.Predict(sd.NewMatrix[float32](2, 1)); !errors.Is(err, sd.ErrNotInitialized) {
		t.Errorf("Predict error = %v, want ErrNotInitialized", err)
	}
	if _, err := m.ProcessRGBImage(testImage(2, 2)); !errors.Is(err, sd.ErrNotInitialized) {
		t.Errorf("ProcessRGBImage error = %v, want ErrNotInitialized", err)
	}
}

func TestExtractFeaturesShape(t *testing.T) {
	for _, class := range []DeviceClass{ClassGPU, ClassCPU} {
		t.Run(class.String(), func(t *testing.T) {
			m := newTestManager(t, class)
			fm, err := m.ExtractFeatures(testImage(3, 2))
			if err != nil {
				t.Fatalf("ExtractFeatures: %v", err)
			}
			if fm.Width() != sd.ColorFeatures || fm.Height() != 6 {
				t.Errorf("matrix = %dx%d, want %dx6", fm.Width(), fm.Height(), sd.ColorFeatures)
			}
			for _, s := range m.work.all() {
				if s.live() {
					t.Errorf("work buffer %s still allocated", s.label)
				}
			}
		})
	}
}

func TestProcessRGBImageShape(t *testing.T) {
	m := newTestManager(t, ClassGPU)
	mask, err := m.ProcessRGBImage(testImage(4, 3))
	if err != nil {
		t.Fatalf("ProcessRGBImage: %v", err)
	}
	if mask.Width() != 4 || mask.Height() != 3 || mask.Channels() != 1 {
		t.Errorf("mask = %dx%dx%d, want 4x3x1", mask.Width(), mask.Height(), mask.Channels())
	}
	if _, err := m.ProcessRGBImage(bitmap.New(2, 2, 1)); !errors.Is(err, sd.ErrInvalidImageFormat) {
		t.Errorf("gray input error = %v, want ErrInvalidImageFormat", err)
	}
}

func TestPredictModelUpload(t *testing.T) {
	m := newTestManager(t, ClassGPU)
	features := sd.NewMatrix[float32](2, 3)

	if _, err := m.Predict(features); !errors.Is(err, sd.ErrUnsupportedModel) {
		t.Fatalf("Predict without model error = %v, want ErrUnsupportedModel", err)
	}

	model := linearModel()
	m.SetModel(model)
	if !m.ModelChanged() {
		t.Fatal("SetModel must mark the model as changed")
	}
	labels, err := m.Predict(features)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(labels) != 3 {
		t.Errorf("got %d labels, want 3", len(labels))
	}
	if m.ModelChanged() {
		t.Error("model still marked changed after upload")
	}
	for _, s := range m.model.all() {
		if !s.live() {
			t.Errorf("model buffer %s released after prediction", s.label)
		}
	}

	handles := func() []hal.Buffer {
		var out []hal.Buffer
		for _, s := range m.model.all() {
			out = append(out, s.buf)
		}
		return out
	}
	uploaded := handles()

	// Editing the model in place is invisible until MarkModelChanged.
	model.Rho[0] = 0.5
	if m.ModelChanged() {
		t.Error("in-place edit marked the model as changed")
	}
	if _, err := m.Predict(features); err != nil {
		t.Fatalf("Predict after in-place edit: %v", err)
	}
	for i, b := range handles() {
		if b != uploaded[i] {
			t.Errorf("model buffer %s re-uploaded without MarkModelChanged", m.model.all()[i].label)
		}
	}

	m.MarkModelChanged()
	if !m.ModelChanged() {
		t.Error("MarkModelChanged had no effect")
	}
	if _, err := m.Predict(features); err != nil {
		t.Fatalf("Predict after MarkModelChanged: %v", err)
	}
	if m.ModelChanged() {
		t.Error("model still marked changed after second upload")
	}
	for i, b := range handles() {
		if b == uploaded[i] {
			t.Errorf("model buffer %s not re-uploaded after MarkModelChanged", m.model.all()[i].label)
		}
	}
}

func TestPredictRejectsRegression(t *testing.T) {
	m := newTestManager(t, ClassGPU)
	model := linearModel()
	model.Param.Type = svm.EpsilonSVR
	model.Label, model.NSV = nil, nil
	m.SetModel(model)
	if _, err := m.Predict(sd.NewMatrix[float32](2, 1)); !errors.Is(err, sd.ErrUnsupportedModel) {
		t.Errorf("Predict(SVR) error = %v, want ErrUnsupportedModel", err)
	}
}

func TestTrainingKernels(t *testing.T) {
	m := newTestManager(t, ClassGPU)
	if _, err := m.QColumn(0, false); !errors.Is(err, sd.ErrNotInitialized) {
		t.Errorf("QColumn without problem error = %v, want ErrNotInitialized", err)
	}

	var p svm.Problem
	p.Add(1, []svm.Node{{Index: 1, Value: 0.5}})
	p.Add(-1, []svm.Node{{Index: 2, Value: 1}})
	p.Add(1, []svm.Node{{Index: 1, Value: 1}, {Index: 2, Value: 1}})
	param := svm.Parameter{Type: svm.CSVC, Kernel: svm.RBF, Gamma: 0.5}
	if err := m.SetProblem(&p, param); err != nil {
		t.Fatalf("SetProblem: %v", err)
	}

	col, err := m.QColumn(1, false)
	if err != nil {
		t.Fatalf("QColumn: %v", err)
	}
	if len(col) != 3 {
		t.Errorf("classification column has %d entries, want 3", len(col))
	}
	col, err = m.QColumn(4, true)
	if err != nil {
		t.Fatalf("QColumn regression: %v", err)
	}
	if len(col) != 6 {
		t.Errorf("regression column has %d entries, want 6", len(col))
	}
	if _, err := m.QColumn(3, false); err == nil {
		t.Error("QColumn out of range should fail")
	}

	grad := []float32{-1, -1, -1}
	status := []int32{AlphaLowerBound, AlphaLowerBound, AlphaFree}
	if _, _, err := m.SelectWorkingSet(grad, status); err != nil {
		t.Fatalf("SelectWorkingSet: %v", err)
	}
	if _, _, err := m.SelectWorkingSet(grad[:2], status); err == nil {
		t.Error("SelectWorkingSet with short gradient should fail")
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		in   gputypes.DeviceType
		want DeviceClass
	}{
		{gputypes.DeviceTypeDiscreteGPU, ClassGPU},
		{gputypes.DeviceTypeIntegratedGPU, ClassGPU},
		{gputypes.DeviceTypeCPU, ClassCPU},
	}
	for _, tt := range tests {
		if got := ClassOf(tt.in); got != tt.want {
			t.Errorf("ClassOf(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestUsageByClass(t *testing.T) {
	if _, mapped, err := usage(ClassGPU, roleOutput); err != nil || mapped {
		t.Errorf("GPU output: mapped=%v err=%v, want staged", mapped, err)
	}
	if _, mapped, err := usage(ClassCPU, roleOutput); err != nil || !mapped {
		t.Errorf("CPU output: mapped=%v err=%v, want mapped", mapped, err)
	}
	if _, _, err := usage(ClassUnsupported, roleInput); !errors.Is(err, sd.ErrUnsupportedDevice) {
		t.Errorf("unsupported class error = %v", err)
	}
}
