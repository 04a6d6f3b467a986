// Package kernels compiles and owns the fixed set of compute kernels used
// by package parallel.
//
// Each kernel is a WGSL source embedded at build time, compiled to SPIR-V
// with naga and turned into a hal compute pipeline with a single bind
// group. Storage slots occupy bindings 0..n-1 in layout order; a kernel
// with a scalar parameter reads it from a uniform buffer at binding n.
package kernels

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

// ErrKernelCompile is returned when a kernel fails to compile or its
// pipeline cannot be created.
var ErrKernelCompile = errors.New("kernels: kernel compile failed")

// ErrUnknownKernel is returned by Lookup for a name not in the registry.
var ErrUnknownKernel = errors.New("kernels: unknown kernel")

// Registry is an immutable name-indexed table of compiled kernels.
type Registry struct {
	device  hal.Device
	kernels map[Name]*Kernel
}

// NewRegistry compiles every kernel against device. On any failure the
// kernels built so far are destroyed and an error wrapping
// ErrKernelCompile is returned.
func NewRegistry(device hal.Device) (*Registry, error) {
	if device == nil {
		return nil, fmt.Errorf("%w: nil device", ErrKernelCompile)
	}

	r := &Registry{
		device:  device,
		kernels: make(map[Name]*Kernel, len(definitions)),
	}
	for _, def := range definitions {
		k, err := r.build(def)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrKernelCompile, def.name, err)
		}
		r.kernels[def.name] = k
	}

	slogger().Info("kernels: registry initialized", "kernels", len(r.kernels))
	return r, nil
}

// build compiles one kernel. Partially created objects are released on error.
func (r *Registry) build(def definition) (*Kernel, error) {
	spirvBytes, err := naga.Compile(def.source)
	if err != nil {
		return nil, fmt.Errorf("compile wgsl: %w", err)
	}
	code := spirvWords(spirvBytes)

	k := &Kernel{name: def.name, layout: def.layout, param: def.param}
	label := string(def.name)

	k.module, err = r.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: code},
	})
	if err != nil {
		return nil, fmt.Errorf("create shader module: %w", err)
	}

	k.bindLayout, err = r.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   label + "_bgl",
		Entries: layoutEntries(def.layout, def.param),
	})
	if err != nil {
		r.destroyKernel(k)
		return nil, fmt.Errorf("create bind group layout: %w", err)
	}

	k.pipeLayout, err = r.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label + "_pl",
		BindGroupLayouts: []hal.BindGroupLayout{k.bindLayout},
	})
	if err != nil {
		r.destroyKernel(k)
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}

	k.pipeline, err = r.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  label,
		Layout: k.pipeLayout,
		Compute: hal.ComputeState{
			Module:     k.module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		r.destroyKernel(k)
		return nil, fmt.Errorf("create compute pipeline: %w", err)
	}

	slogger().Debug("kernels: pipeline created",
		"kernel", label,
		"layout", def.layout.String(),
		"param", def.param,
		"spirv_words", len(code))
	return k, nil
}

// layoutEntries builds the bind group layout entries for a kernel:
// one storage entry per slot, then a uniform entry if the kernel takes
// a parameter.
func layoutEntries(layout Layout, param bool) []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(layout)+1)
	for i, access := range layout {
		bindingType := gputypes.BufferBindingTypeReadOnlyStorage
		if access == ReadWrite {
			bindingType = gputypes.BufferBindingTypeStorage
		}
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: bindingType},
		})
	}
	if param {
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(len(layout)),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
		})
	}
	return entries
}

// spirvWords reinterprets little-endian SPIR-V bytes as 32-bit words.
func spirvWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words
}

// Lookup returns the kernel with the given name.
func (r *Registry) Lookup(name Name) (*Kernel, error) {
	k, ok := r.kernels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKernel, name)
	}
	return k, nil
}

// Kernel returns the kernel with the given name and panics if it is not
// registered. Intended for the fixed names declared in this package.
func (r *Registry) Kernel(name Name) *Kernel {
	k, err := r.Lookup(name)
	if err != nil {
		panic(err)
	}
	return k
}

// Names returns the registered kernel names in sorted order.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.kernels))
	for name := range r.kernels {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Len returns the number of registered kernels.
func (r *Registry) Len() int { return len(r.kernels) }

// Close destroys every pipeline, layout and shader module. Safe to call
// more than once.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, k := range r.kernels {
		r.destroyKernel(k)
		delete(r.kernels, name)
	}
}

func (r *Registry) destroyKernel(k *Kernel) {
	if k.pipeline != nil {
		r.device.DestroyComputePipeline(k.pipeline)
		k.pipeline = nil
	}
	if k.pipeLayout != nil {
		r.device.DestroyPipelineLayout(k.pipeLayout)
		k.pipeLayout = nil
	}
	if k.bindLayout != nil {
		r.device.DestroyBindGroupLayout(k.bindLayout)
		k.bindLayout = nil
	}
	if k.module != nil {
		r.device.DestroyShaderModule(k.module)
		k.module = nil
	}
}
