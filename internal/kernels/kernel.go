package kernels

import (
	"strings"

	"github.com/gogpu/wgpu/hal"
)

// WorkgroupSize is the X dimension of every kernel's workgroup.
// Must match @workgroup_size in shaders/*.wgsl.
const WorkgroupSize = 64

// ParamSize is the byte size of the uniform buffer carrying a kernel's
// scalar parameter: one u32 padded to the 16-byte uniform alignment.
const ParamSize = 16

// Name identifies a kernel in the registry.
type Name string

// Available kernels.
const (
	Mod              Name = "mod"
	ScatterWithValue Name = "scatter_with_value"
	SumReduce        Name = "sum_reduce"
)

// Access describes how a kernel uses one storage slot.
type Access uint8

const (
	// ReadOnly slots are bound as read-only storage.
	ReadOnly Access = iota
	// ReadWrite slots are bound as read-write storage.
	ReadWrite
)

// String returns "ro" or "rw".
func (a Access) String() string {
	if a == ReadWrite {
		return "rw"
	}
	return "ro"
}

// Layout is the ordered list of storage slots a kernel binds.
// Slot i is bound at @binding(i).
type Layout []Access

// Predefined layouts.
var (
	// ReadWriteLayout is a single buffer modified in place.
	ReadWriteLayout = Layout{ReadWrite}
	// IOLayout reads one buffer and writes another.
	IOLayout = Layout{ReadOnly, ReadWrite}
)

// String renders the layout as e.g. "ro,rw".
func (l Layout) String() string {
	parts := make([]string, len(l))
	for i, a := range l {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

// definition is the static description of one kernel.
type definition struct {
	name   Name
	layout Layout
	param  bool
	source string
}

// definitions lists the kernels in registry build order.
var definitions = []definition{
	{name: Mod, layout: ReadWriteLayout, param: true, source: modShaderWGSL},
	{name: ScatterWithValue, layout: IOLayout, param: true, source: scatterShaderWGSL},
	{name: SumReduce, layout: IOLayout, param: false, source: sumShaderWGSL},
}

// Kernel is a compiled compute pipeline plus its binding contract.
type Kernel struct {
	name   Name
	layout Layout
	param  bool

	module     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
}

// Name returns the kernel name.
func (k *Kernel) Name() Name { return k.name }

// Layout returns the kernel's storage slots in binding order.
func (k *Kernel) Layout() Layout { return k.layout }

// HasParam reports whether the kernel takes a scalar uniform parameter.
// The parameter is bound right after the storage slots.
func (k *Kernel) HasParam() bool { return k.param }

// ParamBinding returns the binding index of the scalar parameter.
func (k *Kernel) ParamBinding() uint32 { return uint32(len(k.layout)) }

// WorkgroupSize returns the workgroup X dimension.
func (k *Kernel) WorkgroupSize() uint32 { return WorkgroupSize }

// Pipeline returns the compute pipeline.
func (k *Kernel) Pipeline() hal.ComputePipeline { return k.pipeline }

// BindLayout returns the bind group layout used for group 0.
func (k *Kernel) BindLayout() hal.BindGroupLayout { return k.bindLayout }

// DispatchCount returns the number of workgroups needed to cover n
// elements with the given workgroup size. Returns 0 for n == 0.
func DispatchCount(n, groupSize uint32) uint32 {
	if n == 0 || groupSize == 0 {
		return 0
	}
	count := n / groupSize
	if n%groupSize != 0 {
		count++
	}
	return count
}
