package parallel

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ElementType tags the element type of a Buffer.
type ElementType uint8

const (
	// Uint32 is a 32-bit unsigned integer stored little-endian.
	Uint32 ElementType = iota + 1
)

// Size returns the element size in bytes.
func (e ElementType) Size() uint64 {
	if e == Uint32 {
		return 4
	}
	return 0
}

// String returns the element type name.
func (e ElementType) String() string {
	if e == Uint32 {
		return "u32"
	}
	return "invalid"
}

// Kind distinguishes arrays from single-value buffers.
type Kind uint8

const (
	// KindArray is a buffer of one or more elements.
	KindArray Kind = iota
	// KindScalar is a buffer holding exactly one element, used as a
	// reduction output.
	KindScalar
)

// String returns "array" or "scalar".
func (k Kind) String() string {
	if k == KindScalar {
		return "scalar"
	}
	return "array"
}

// storageUsage is the usage of every Buffer: bindable as storage, copyable
// into a staging buffer for readback, writable from the host.
const storageUsage = gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst

// Buffer is a device-resident array of uint32 with a fixed element count.
// Buffers are created by a Context and belong to it; they are destroyed
// by Destroy or when the Context is closed.
type Buffer struct {
	ctx   *Context
	raw   hal.Buffer
	label string
	count int
	elem  ElementType
	kind  Kind

	// Guarded by ctx.mu.
	maps      int
	destroyed bool
}

// Len returns the element count.
func (b *Buffer) Len() int { return b.count }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return uint64(b.count) * b.elem.Size() }

// ElementType returns the element type tag.
func (b *Buffer) ElementType() ElementType { return b.elem }

// Kind returns whether b is an array or a single-value buffer.
func (b *Buffer) Kind() Kind { return b.kind }

// Label returns the debug label the buffer was created with.
func (b *Buffer) Label() string { return b.label }

// Mapped reports whether a Mapping of b is currently open. A mapped buffer
// cannot be used as a write target.
func (b *Buffer) Mapped() bool {
	b.ctx.mu.Lock()
	defer b.ctx.mu.Unlock()
	return b.maps > 0
}

// Destroyed reports whether Destroy has been called.
func (b *Buffer) Destroyed() bool {
	b.ctx.mu.Lock()
	defer b.ctx.mu.Unlock()
	return b.destroyed
}

// Destroy releases the device memory. In-flight work is waited for first.
// Returns ErrBufferMapped while a Mapping is open. Calling Destroy again
// is a no-op.
func (b *Buffer) Destroy() error {
	return b.ctx.destroyBuffer(b)
}
