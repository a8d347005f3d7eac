package shadowdetection

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nooniansoong/shadowdetection/bitmap"
	"github.com/nooniansoong/shadowdetection/config"
	"github.com/nooniansoong/shadowdetection/svm"
)

// darkModel labels a pixel 1 when (g+r)/510 < 0.5, -1 otherwise.
func darkModel() *svm.Model {
	return &svm.Model{
		Param:   svm.Parameter{Type: svm.CSVC, Kernel: svm.Linear},
		NrClass: 2,
		L:       1,
		SV:      [][]svm.Node{{{Index: ColorFeatures, Value: -1}}},
		SVCoef:  [][]float64{{1}},
		Rho:     []float64{-0.5},
		Label:   []int32{ShadowLabel, -1},
		NSV:     []int32{1, 0},
	}
}

// halfDark returns a w x 1 image whose left half is black and right half white.
func halfDark(w int) *bitmap.Bitmap {
	b := bitmap.New(w, 1, 3)
	for x := w / 2; x < w; x++ {
		for c := 0; c < 3; c++ {
			b.Set(x, 0, c, 255)
		}
	}
	return b
}

func TestDetectCPU(t *testing.T) {
	det := NewDetector(WithCPUOnly(), WithWorkers(2))
	defer det.Close()
	if err := det.SetModel(darkModel()); err != nil {
		t.Fatal(err)
	}

	mask, err := det.Detect(context.Background(), halfDark(10000))
	if err != nil {
		t.Fatal(err)
	}
	if mask.Channels() != 1 || mask.Width() != 10000 {
		t.Fatalf("mask %dx%dx%d", mask.Width(), mask.Height(), mask.Channels())
	}
	if mask.Channel(0, 0, 0) != 255 || mask.Channel(4999, 0, 0) != 255 {
		t.Error("dark pixels not marked as shadow")
	}
	if mask.Channel(5000, 0, 0) != 0 || mask.Channel(9999, 0, 0) != 0 {
		t.Error("bright pixels marked as shadow")
	}
}

func TestDetectWithoutModel(t *testing.T) {
	det := NewDetector(WithCPUOnly())
	defer det.Close()
	if _, err := det.Detect(context.Background(), halfDark(4)); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("error = %v, want ErrNotInitialized", err)
	}
}

func TestDetectCanceled(t *testing.T) {
	det := NewDetector(WithCPUOnly())
	defer det.Close()
	if err := det.SetModel(darkModel()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := det.Detect(ctx, halfDark(4)); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestDetectAfterClose(t *testing.T) {
	det := NewDetector(WithCPUOnly())
	if err := det.Close(); err != nil {
		t.Fatal(err)
	}
	if err := det.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := det.Detect(context.Background(), halfDark(4)); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("error = %v, want ErrNotInitialized", err)
	}
}

func TestDetectAccelerated(t *testing.T) {
	mock := &mockAccelerator{name: "mock", label: ShadowLabel}
	det := NewDetector(WithAccelerator(mock))
	defer det.Close()
	if err := det.SetModel(darkModel()); err != nil {
		t.Fatal(err)
	}
	mask, err := det.Detect(context.Background(), halfDark(4))
	if err != nil {
		t.Fatal(err)
	}
	if mock.extracts != 1 || mock.predicts != 1 {
		t.Errorf("accelerator calls: extract %d predict %d", mock.extracts, mock.predicts)
	}
	for x := 0; x < 4; x++ {
		if mask.Channel(x, 0, 0) != 255 {
			t.Fatalf("pixel %d = %d, want accelerator label", x, mask.Channel(x, 0, 0))
		}
	}
}

func TestDetectFallsBackToCPU(t *testing.T) {
	mock := &mockAccelerator{name: "mock", stageErr: ErrFallbackToCPU}
	det := NewDetector(WithAccelerator(mock))
	defer det.Close()
	if err := det.SetModel(darkModel()); err != nil {
		t.Fatal(err)
	}
	mask, err := det.Detect(context.Background(), halfDark(4))
	if err != nil {
		t.Fatal(err)
	}
	if mock.extracts != 1 || mock.predicts != 1 {
		t.Errorf("accelerator not tried first: extract %d predict %d", mock.extracts, mock.predicts)
	}
	if mask.Channel(0, 0, 0) != 255 || mask.Channel(3, 0, 0) != 0 {
		t.Error("CPU fallback produced the wrong mask")
	}
}

func TestDetectAcceleratorErrorAborts(t *testing.T) {
	deviceErr := DeviceCallError("Submit", errors.New("device lost"))
	mock := &mockAccelerator{name: "mock", stageErr: deviceErr}
	det := NewDetector(WithAccelerator(mock))
	defer det.Close()
	if err := det.SetModel(darkModel()); err != nil {
		t.Fatal(err)
	}
	if _, err := det.Detect(context.Background(), halfDark(4)); !errors.Is(err, ErrDeviceCall) {
		t.Errorf("error = %v, want ErrDeviceCall", err)
	}
}

func TestSetModelUnsupportedByAccelerator(t *testing.T) {
	mock := &mockAccelerator{name: "mock", modelErr: ErrFallbackToCPU, label: ShadowLabel}
	det := NewDetector(WithAccelerator(mock))
	defer det.Close()
	if err := det.SetModel(darkModel()); err != nil {
		t.Fatal(err)
	}
	mask, err := det.Detect(context.Background(), halfDark(4))
	if err != nil {
		t.Fatal(err)
	}
	if mock.predicts != 0 {
		t.Error("accelerator predicted a model it rejected")
	}
	if mask.Channel(3, 0, 0) != 0 {
		t.Error("CPU prediction expected for bright pixel")
	}
}

func TestSetModelInvalid(t *testing.T) {
	det := NewDetector(WithCPUOnly())
	defer det.Close()
	bad := darkModel()
	bad.NSV = []int32{1, 1}
	if err := det.SetModel(bad); !errors.Is(err, ErrUnsupportedModel) {
		t.Errorf("error = %v, want ErrUnsupportedModel", err)
	}
	if err := det.SetModel(nil); !errors.Is(err, ErrUnsupportedModel) {
		t.Errorf("nil model error = %v", err)
	}
}

func TestDetectorUsesRegisteredAccelerator(t *testing.T) {
	resetAccelerator()
	t.Cleanup(resetAccelerator)
	mock := &mockAccelerator{name: "registered"}
	if err := RegisterAccelerator(mock); err != nil {
		t.Fatal(err)
	}
	det := NewDetector()
	defer det.Close()
	if det.Accelerator() != mock {
		t.Error("registered accelerator not picked up")
	}
	cpu := NewDetector(WithCPUOnly())
	defer cpu.Close()
	if cpu.Accelerator() != nil {
		t.Error("WithCPUOnly kept the accelerator")
	}
}

func TestDetectorRatioSetting(t *testing.T) {
	cfg := config.FromMap(map[string]string{config.KeyUseRatio: "true"})
	mock := &mockAccelerator{name: "mock"}
	det := NewDetector(WithConfig(cfg), WithAccelerator(mock))
	defer det.Close()
	if !det.UsesRatio() {
		t.Fatal("UseRatio setting ignored")
	}
	m, err := det.Features(halfDark(4))
	if err != nil {
		t.Fatal(err)
	}
	if m.Width() != ColorFeatures+1 {
		t.Errorf("width = %d, want ratio column", m.Width())
	}
	if mock.extracts != 0 {
		t.Error("ratio features must come from the CPU extractor")
	}

	off := NewDetector(WithConfig(cfg), WithRatioFeature(false), WithCPUOnly())
	defer off.Close()
	if off.UsesRatio() {
		t.Error("WithRatioFeature(false) did not override the setting")
	}
}

func TestDetectorTsai(t *testing.T) {
	cpu := NewDetector(WithCPUOnly())
	defer cpu.Close()
	want, err := TsaiMask(tsaiImage())
	if err != nil {
		t.Fatal(err)
	}
	got, err := cpu.Tsai(tsaiImage())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Pix(), want.Pix()) {
		t.Error("CPU Tsai differs from TsaiMask")
	}

	mock := &mockAccelerator{name: "mock", stageErr: ErrFallbackToCPU}
	acc := NewDetector(WithAccelerator(mock))
	defer acc.Close()
	got, err = acc.Tsai(tsaiImage())
	if err != nil {
		t.Fatal(err)
	}
	if mock.masks != 1 || !bytes.Equal(got.Pix(), want.Pix()) {
		t.Error("fallback Tsai mask mismatch")
	}
}

func TestTrainingSet(t *testing.T) {
	det := NewDetector(WithCPUOnly())
	defer det.Close()
	img := halfDark(4)
	mask := mustBitmap(t, 4, 1, 1, []uint8{255, 255, 0, 0})
	p, err := det.TrainingSet(img, mask)
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", p.Len())
	}
	for i, want := range []float64{1, 1, 0, 0} {
		if p.Y[i] != want {
			t.Errorf("label %d = %v, want %v", i, p.Y[i], want)
		}
	}
	// Every feature of a black pixel is zero.
	if len(p.X[0]) != 0 {
		t.Errorf("black pixel has %d terms, want none", len(p.X[0]))
	}
	if _, err := det.TrainingSet(img, nil); !errors.Is(err, ErrInvalidImageFormat) {
		t.Errorf("nil mask error = %v", err)
	}
}

func TestWriteTrainingSet(t *testing.T) {
	m, err := MatrixFrom(3, 2, []float32{
		1, 0.5, 0,
		0, 0, 0.25,
	})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteTrainingSet(&buf, m); err != nil {
		t.Fatal(err)
	}
	want := "1 1:0.5\n0 2:0.25\n"
	if buf.String() != want {
		t.Errorf("output %q, want %q", buf.String(), want)
	}
	if err := WriteTrainingSet(&buf, NewMatrix[float32](1, 1)); !errors.Is(err, ErrInvalidImageFormat) {
		t.Errorf("label-only matrix error = %v", err)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteTrainingSetError(t *testing.T) {
	m := NewMatrix[float32](2, 1)
	err := WriteTrainingSet(failWriter{}, m)
	if !errors.Is(err, ErrWriteUnable) || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("error = %v", err)
	}
}
