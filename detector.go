package shadowdetection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/nooniansoong/shadowdetection/bitmap"
	"github.com/nooniansoong/shadowdetection/config"
	"github.com/nooniansoong/shadowdetection/internal/parallel"
	"github.com/nooniansoong/shadowdetection/svm"
)

// ShadowLabel is the classifier label of shadow pixels.
const ShadowLabel = 1

// predictChunk is the number of rows one CPU prediction task handles.
const predictChunk = 4096

// Detector classifies the pixels of BGR images as shadow or not.
//
// A Detector is safe for concurrent use; calls are serialized because the
// device and the region ratio table are shared.
type Detector struct {
	mu sync.Mutex

	props      PropertySource
	accel      Accelerator
	accelModel bool // accel accepted the current model
	pool       *parallel.Pool
	useRatio   bool
	ratio      *RegionRatio
	model      *svm.Model
	log        *slog.Logger
	closed     bool
}

// NewDetector creates a detector. Without WithAccelerator it uses the
// registered accelerator unless WithCPUOnly is given.
func NewDetector(opts ...Option) *Detector {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := &Detector{
		props: o.props,
		accel: o.accel,
		pool:  parallel.NewPool(o.workers),
		log:   o.logger,
	}
	if d.log == nil {
		d.log = Logger()
	}
	if d.accel == nil && !o.noAccel {
		d.accel = RegisteredAccelerator()
	}
	if o.useRatio != nil {
		d.useRatio = *o.useRatio
	} else if d.props != nil {
		d.useRatio = strings.TrimSpace(d.props.GetPropertyValue(config.KeyUseRatio)) == "true"
	}
	if d.useRatio {
		d.ratio = NewRegionRatio(d.props)
	}
	if d.accel != nil {
		propagateLogger(d.accel, d.log)
		d.log.Info("detector: using accelerator", "name", d.accel.Name(), "ratio", d.useRatio)
	}
	return d
}

// Accelerator returns the accelerator in use, or nil.
func (d *Detector) Accelerator() Accelerator { return d.accel }

// UsesRatio reports whether feature rows carry the region ratio column.
func (d *Detector) UsesRatio() bool { return d.useRatio }

// Model returns the installed classifier, or nil.
func (d *Detector) Model() *svm.Model {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model
}

// SetModel installs the classifier. The accelerator is offered the model
// first; models it cannot evaluate are predicted on the CPU.
func (d *Detector) SetModel(m *svm.Model) error {
	if m == nil {
		return fmt.Errorf("%w: nil model", ErrUnsupportedModel)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedModel, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.model = m
	d.accelModel = false
	if d.accel == nil {
		return nil
	}
	err := d.accel.SetModel(m)
	switch {
	case err == nil:
		d.accelModel = true
	case errors.Is(err, ErrFallbackToCPU):
		d.log.Warn("detector: model predicted on CPU", "accelerator", d.accel.Name(), "err", err)
	default:
		return err
	}
	return nil
}

// LoadModel reads a libsvm model file and installs it.
func (d *Detector) LoadModel(path string) error {
	m, err := svm.LoadFile(path)
	if err != nil {
		return err
	}
	return d.SetModel(m)
}

// Detect returns the shadow mask of a BGR image: 255 where the classifier
// answers ShadowLabel, 0 elsewhere.
func (d *Detector) Detect(ctx context.Context, bgr *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrNotInitialized
	}
	if d.model == nil {
		return nil, fmt.Errorf("%w: no model installed", ErrNotInitialized)
	}
	features, err := d.features(bgr, nil)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	labels, err := d.predict(ctx, features)
	if err != nil {
		return nil, err
	}
	w, h := bgr.Width(), bgr.Height()
	mask := bitmap.New(w, h, 1)
	pix := mask.Pix()
	for i, l := range labels {
		if l == ShadowLabel {
			pix[i] = 255
		}
	}
	return mask, nil
}

// Tsai returns the joined Tsai shadow mask of a BGR image.
func (d *Detector) Tsai(bgr *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if isEmpty(bgr) {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImageFormat)
	}
	if d.accel != nil {
		mask, err := d.accel.ShadowMask(bgr)
		if !errors.Is(err, ErrFallbackToCPU) {
			return mask, err
		}
		d.log.Warn("detector: tsai mask on CPU", "err", err)
	}
	return TsaiMask(bgr)
}

// LabeledFeatures returns the feature rows of a BGR image, each prefixed
// with mask/255 as the label column. WriteTrainingSet writes the result.
func (d *Detector) LabeledFeatures(bgr, mask *bitmap.Bitmap) (*FeatureMatrix, error) {
	if mask == nil {
		return nil, fmt.Errorf("%w: no label mask", ErrInvalidImageFormat)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features(bgr, mask)
}

// TrainingSet returns the labeled samples of a BGR image. A label column
// above 0.5 (mask pixel above 127) is class 1, otherwise 0.
func (d *Detector) TrainingSet(bgr, mask *bitmap.Bitmap) (*svm.Problem, error) {
	m, err := d.LabeledFeatures(bgr, mask)
	if err != nil {
		return nil, err
	}
	p := &svm.Problem{}
	for i := 0; i < m.Height(); i++ {
		row := m.Row(i)
		p.Add(float64(label(row[0])), svm.DenseNodes(row[1:]))
	}
	return p, nil
}

func label(v float32) int {
	if v > 0.5 {
		return 1
	}
	return 0
}

// WriteTrainingSet writes labeled feature rows in libsvm text format: the
// label, then index:value terms for the non-zero features, 1-based.
func WriteTrainingSet(w io.Writer, m *FeatureMatrix) error {
	if m == nil || m.Width() < 2 {
		return fmt.Errorf("%w: training set needs a label column", ErrInvalidImageFormat)
	}
	bw := bufio.NewWriter(w)
	var line []byte
	for i := 0; i < m.Height(); i++ {
		row := m.Row(i)
		line = strconv.AppendInt(line[:0], int64(label(row[0])), 10)
		for k, v := range row[1:] {
			if v == 0 {
				continue
			}
			line = append(line, ' ')
			line = strconv.AppendInt(line, int64(k+1), 10)
			line = append(line, ':')
			line = strconv.AppendFloat(line, float64(v), 'g', -1, 32)
		}
		line = append(line, '\n')
		if _, err := bw.Write(line); err != nil {
			return fmt.Errorf("%w: %w", ErrWriteUnable, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteUnable, err)
	}
	return nil
}

// Features returns the unlabeled feature matrix of a BGR image, as Detect
// feeds it to the classifier.
func (d *Detector) Features(bgr *bitmap.Bitmap) (*FeatureMatrix, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features(bgr, nil)
}

// Close releases the worker pool. The accelerator belongs to the caller.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.pool.Close()
	return nil
}

func (d *Detector) features(bgr *bitmap.Bitmap, mask *bitmap.Bitmap) (*FeatureMatrix, error) {
	if isEmpty(bgr) {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImageFormat)
	}
	if d.accel != nil && !d.useRatio && mask == nil {
		m, err := d.accel.ExtractFeatures(bgr)
		if !errors.Is(err, ErrFallbackToCPU) {
			return m, err
		}
		d.log.Warn("detector: features on CPU", "err", err)
	}
	hsv, err := bitmap.HSV(bgr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImageFormat, err)
	}
	hls, err := bitmap.HLS(bgr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImageFormat, err)
	}
	ex := Extractor{}
	if d.useRatio {
		d.ratio.Reset()
		ex.Ratio = d.ratio
	}
	var labels Image
	if mask != nil {
		labels = mask
	}
	m, err := ex.Extract(ColorSpaces{BGR: bgr, HSV: hsv, HLS: hls}, labels)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImageFormat)
	}
	return m, nil
}

func (d *Detector) predict(ctx context.Context, features *FeatureMatrix) ([]int32, error) {
	if d.accel != nil && d.accelModel {
		labels, err := d.accel.Predict(features)
		if !errors.Is(err, ErrFallbackToCPU) {
			return labels, err
		}
		d.log.Warn("detector: prediction on CPU", "err", err)
	}
	labels := make([]int32, features.Height())
	err := d.pool.Range(features.Height(), predictChunk, func(lo, hi int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := lo; i < hi; i++ {
			v, err := d.model.Predict(svm.DenseNodes(features.Row(i)))
			if err != nil {
				return fmt.Errorf("predict row %d: %w", i, err)
			}
			labels[i] = int32(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return labels, nil
}
