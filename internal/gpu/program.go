package gpu

import (
	"crypto/sha256"
	"embed"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	sd "github.com/nooniansoong/shadowdetection"
	"github.com/nooniansoong/shadowdetection/internal/cache"
)

//go:embed kernels/*.wgsl
var embeddedKernels embed.FS

// spirvMagic is the first word of every SPIR-V module.
const spirvMagic = 0x07230203

// compiled holds SPIR-V by WGSL source hash for the life of the process.
// naga output does not depend on the device, so re-initialization skips
// the compiler.
var compiled = cache.New[[sha256.Size]byte, []byte](16)

// KernelSources returns the embedded WGSL sources rooted at their file names.
func KernelSources() fs.FS {
	sub, err := fs.Sub(embeddedKernels, "kernels")
	if err != nil {
		panic(err) // embedded path is fixed at build time
	}
	return sub
}

// Program is a compiled shader module for one device.
type Program struct {
	Name       string
	Module     hal.ShaderModule
	SPIRV      []uint32
	FromBinary bool
}

// ProgramCache compiles WGSL programs to SPIR-V and keeps the binaries on
// disk, one file per device and program.
type ProgramCache struct {
	// Sources holds <name>.wgsl files. Nil means the embedded kernels.
	Sources fs.FS
	// BinaryDir receives cached SPIR-V. Empty disables the disk cache.
	BinaryDir string
	// UseBinaries loads a cached binary before compiling the source.
	UseBinaries bool
}

// BinaryPath returns the cache file for program on device.
func (c *ProgramCache) BinaryPath(device, program string) string {
	return filepath.Join(c.BinaryDir, sanitize(device)+"_"+program+".spv")
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, name)
}

// Source reads the WGSL text of program.
func (c *ProgramCache) Source(program string) (string, error) {
	src := c.Sources
	if src == nil {
		src = KernelSources()
	}
	data, err := fs.ReadFile(src, program+".wgsl")
	if err != nil {
		return "", fmt.Errorf("%w: kernel source %s: %w", sd.ErrReadUnable, program, err)
	}
	return string(data), nil
}

// Compile returns SPIR-V for program, from the binary cache when allowed
// and valid, otherwise by compiling the WGSL source. A fresh compile is
// written back to the cache on a best-effort basis.
func (c *ProgramCache) Compile(device, program string) ([]uint32, bool, error) {
	if c.UseBinaries && c.BinaryDir != "" {
		words, err := c.loadBinary(device, program)
		if err == nil {
			slogger().Debug("gpu: program loaded from cache", "program", program, "device", device)
			return words, true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			slogger().Warn("gpu: discarding cached program", "program", program, "err", err)
		}
	}

	words, err := c.compileSource(device, program)
	return words, false, err
}

// compileSource compiles the WGSL of program and refreshes its binary.
func (c *ProgramCache) compileSource(device, program string) ([]uint32, error) {
	src, err := c.Source(program)
	if err != nil {
		return nil, err
	}
	spirv, err := compiled.GetOrCreate(sha256.Sum256([]byte(src)), func() ([]byte, error) {
		return naga.Compile(src)
	})
	if err != nil {
		return nil, &sd.BuildError{Program: program, Device: device, Log: err.Error()}
	}
	words, err := spirvWords(spirv)
	if err != nil {
		return nil, &sd.BuildError{Program: program, Device: device, Log: err.Error()}
	}
	if c.BinaryDir != "" {
		if err := c.saveBinary(device, program, spirv); err != nil {
			slogger().Warn("gpu: caching program failed", "program", program, "err", err)
		}
	}
	return words, nil
}

// Load compiles program and creates its shader module on dev. A cached
// binary the device rejects is discarded and the source compiled instead.
func (c *ProgramCache) Load(dev hal.Device, device, program string) (*Program, error) {
	words, cached, err := c.Compile(device, program)
	if err != nil {
		return nil, err
	}
	p, err := createProgram(dev, device, program, words, cached)
	if err == nil || !cached {
		return p, err
	}
	slogger().Warn("gpu: device rejected cached program", "program", program, "device", device, "err", err)
	return c.Rebuild(dev, device, program)
}

// Rebuild removes the cached binary of program and loads it from source.
func (c *ProgramCache) Rebuild(dev hal.Device, device, program string) (*Program, error) {
	if c.BinaryDir != "" {
		if err := os.Remove(c.BinaryPath(device, program)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slogger().Warn("gpu: removing cached program failed", "program", program, "err", err)
		}
	}
	words, err := c.compileSource(device, program)
	if err != nil {
		return nil, err
	}
	return createProgram(dev, device, program, words, false)
}

func createProgram(dev hal.Device, device, program string, words []uint32, cached bool) (*Program, error) {
	module, err := dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  program,
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, &sd.BuildError{Program: program, Device: device, Log: err.Error()}
	}
	return &Program{Name: program, Module: module, SPIRV: words, FromBinary: cached}, nil
}

func (c *ProgramCache) loadBinary(device, program string) ([]uint32, error) {
	data, err := os.ReadFile(c.BinaryPath(device, program))
	if err != nil {
		return nil, err
	}
	return spirvWords(data)
}

func (c *ProgramCache) saveBinary(device, program string, spirv []byte) error {
	if err := os.MkdirAll(c.BinaryDir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", sd.ErrWriteUnable, err)
	}
	path := c.BinaryPath(device, program)
	tmp, err := os.CreateTemp(c.BinaryDir, ".spv-*")
	if err != nil {
		return fmt.Errorf("%w: %w", sd.ErrWriteUnable, err)
	}
	_, werr := tmp.Write(spirv)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %w", sd.ErrWriteUnable, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %w", sd.ErrWriteUnable, err)
	}
	return nil
}

// spirvWords converts little-endian SPIR-V bytes to words and checks the
// header.
func spirvWords(data []byte) ([]uint32, error) {
	if len(data) < 20 || len(data)%4 != 0 {
		return nil, fmt.Errorf("spirv: bad length %d", len(data))
	}
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	if words[0] != spirvMagic {
		return nil, fmt.Errorf("spirv: bad magic %#08x", words[0])
	}
	return words, nil
}

func (p *Program) destroy(dev hal.Device) error {
	if p == nil || p.Module == nil {
		return nil
	}
	err := guard("DestroyShaderModule "+p.Name, func() { dev.DestroyShaderModule(p.Module) })
	p.Module = nil
	return err
}
