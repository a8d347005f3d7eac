package gpu

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/gogpu/wgpu/hal"

	sd "github.com/nooniansoong/shadowdetection"
	"github.com/nooniansoong/shadowdetection/svm"
)

// Options configures a Manager.
type Options struct {
	Context ContextOptions
	// Sources holds the WGSL programs. Nil means the embedded kernels.
	Sources fs.FS
	// CacheDir receives compiled SPIR-V. Empty disables the disk cache.
	CacheDir string
	// UseBinaries prefers cached SPIR-V over compiling the sources.
	UseBinaries  bool
	FenceTimeout time.Duration
}

// Manager owns the compute context, the compiled kernels and every device
// buffer of the pipeline. Methods are not safe for concurrent use.
type Manager struct {
	opts     Options
	ctx      Context
	cache    ProgramCache
	programs [domainCount]*Program
	kernels  [kernelCount]*kernel

	work    workBuffers
	model   modelBuffers
	problem problemBuffers

	svm          *svm.Model
	modelChanged bool
	trainParams  trainState
	ready        bool
}

// NewManager returns an uninitialized manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:         opts,
		cache:        ProgramCache{Sources: opts.Sources, BinaryDir: opts.CacheDir, UseBinaries: opts.UseBinaries},
		work:         newWorkBuffers(),
		model:        newModelBuffers(),
		problem:      newProblemBuffers(),
		modelChanged: true,
	}
}

// Init opens the context and builds every kernel. A failed Init leaves the
// manager cleaned up.
func (m *Manager) Init() error {
	if m.ready {
		return sd.ErrAlreadyInitialized
	}
	if err := m.ctx.Init(m.opts.Context); err != nil {
		return err
	}
	if m.opts.Context.ListOnly {
		return nil
	}
	return m.build()
}

// InitShared builds the kernels on an externally owned device.
func (m *Manager) InitShared(name string, device hal.Device, queue hal.Queue) error {
	if m.ready {
		return sd.ErrAlreadyInitialized
	}
	if err := m.ctx.InitShared(name, device, queue, m.opts.Context.Class); err != nil {
		return err
	}
	return m.build()
}

func (m *Manager) build() error {
	name := m.ctx.Info().Name
	for d := range domainCount {
		if err := m.buildDomain(name, d); err != nil {
			return errors.Join(err, m.CleanUp())
		}
	}
	m.ready = true
	slogger().Debug("gpu: kernels ready", "device", name, "class", m.ctx.Class())
	return nil
}

// buildDomain loads the program of d and creates its pipelines. When the
// program came from the binary cache and a pipeline fails, the binary is
// dropped and the domain rebuilt once from source.
func (m *Manager) buildDomain(name string, d Domain) error {
	dev, _ := m.ctx.Device(d)
	p, err := m.cache.Load(dev, name, d.program())
	if err != nil {
		return err
	}
	m.programs[d] = p
	err = m.buildKernels(dev, name, d)
	if err == nil || !p.FromBinary {
		return err
	}
	slogger().Warn("gpu: cached program failed pipeline creation", "program", p.Name, "device", name, "err", err)
	if err := m.releaseDomain(dev, d); err != nil {
		return err
	}
	if m.programs[d], err = m.cache.Rebuild(dev, name, d.program()); err != nil {
		return err
	}
	return m.buildKernels(dev, name, d)
}

func (m *Manager) buildKernels(dev hal.Device, name string, d Domain) error {
	for id := range kernelCount {
		spec := kernelSpecs[id]
		if spec.domain != d {
			continue
		}
		k, err := newKernel(dev, id, m.programs[d].Module)
		if err != nil {
			return &sd.BuildError{Program: d.program(), Device: name, Log: err.Error()}
		}
		m.kernels[id] = k
	}
	return nil
}

// releaseDomain destroys the pipelines and program of d.
func (m *Manager) releaseDomain(dev hal.Device, d Domain) error {
	var err error
	for id := range kernelCount {
		if kernelSpecs[id].domain != d {
			continue
		}
		err = joinErr(err, m.kernels[id].destroy())
		m.kernels[id] = nil
	}
	err = joinErr(err, m.programs[d].destroy(dev))
	m.programs[d] = nil
	return err
}

// Ready reports whether the kernels are built.
func (m *Manager) Ready() bool { return m.ready }

// Context exposes the compute context.
func (m *Manager) Context() *Context { return &m.ctx }

// Program returns the compiled program of a domain, or nil.
func (m *Manager) Program(d Domain) *Program { return m.programs[d] }

func (m *Manager) fenceTimeout() time.Duration {
	if m.opts.FenceTimeout > 0 {
		return m.opts.FenceTimeout
	}
	return DefaultFenceTimeout
}

func (m *Manager) checkReady() error {
	if !m.ready {
		return sd.ErrNotInitialized
	}
	return nil
}

// createBuffer allocates s on the device of d with the strategy of
// the device class and uploads data.
func (m *Manager) createBuffer(s *slot, d Domain, role bufferRole, size uint64, data []byte) error {
	dev, q := m.ctx.Device(d)
	return alloc(s, dev, q, m.ctx.Class(), role, size, data, m.ctx.MaxBufferSize())
}

// CleanWorkPart releases every per-image buffer. Buffers that were never
// created are skipped, so it may be called at any time.
func (m *Manager) CleanWorkPart() error {
	err := releaseAll(m.work.all())
	if err != nil {
		slogger().Error("gpu: releasing work buffers", "err", err)
	}
	return err
}

// CleanUp releases every device resource and marks the model as changed so
// the next prediction uploads it again. It is safe to call repeatedly.
func (m *Manager) CleanUp() error {
	err := m.CleanWorkPart()
	err = joinErr(err, releaseAll(m.model.all()))
	err = joinErr(err, releaseAll(m.problem.all()))
	for id := range kernelCount {
		err = joinErr(err, m.kernels[id].destroy())
		m.kernels[id] = nil
	}
	for d := range domainCount {
		dev, _ := m.ctx.Device(d)
		err = joinErr(err, m.programs[d].destroy(dev))
		m.programs[d] = nil
	}
	err = joinErr(err, m.ctx.Close())
	m.modelChanged = true
	m.trainParams = trainState{}
	m.ready = false
	if err != nil {
		slogger().Error("gpu: cleanup", "err", err)
		return fmt.Errorf("gpu: cleanup: %w", err)
	}
	return nil
}
