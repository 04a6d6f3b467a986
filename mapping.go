package parallel

import (
	"encoding/binary"
	"sync"
)

// Mapping is a host-side view of a buffer's contents, produced by
// Context.ReadBuffer. The buffer cannot be used as a dispatch output
// until the Mapping is closed.
//
// After Close, Bytes and Values return nil and Value returns 0.
type Mapping struct {
	buf    *Buffer
	once   sync.Once
	data   []byte
	values []uint32
}

func newMapping(b *Buffer, data []byte) *Mapping {
	values := make([]uint32, len(data)/4)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return &Mapping{buf: b, data: data, values: values}
}

// Buffer returns the mapped buffer.
func (m *Mapping) Buffer() *Buffer { return m.buf }

// Bytes returns the raw little-endian contents.
func (m *Mapping) Bytes() []byte { return m.data }

// Values returns the contents as uint32 elements.
func (m *Mapping) Values() []uint32 { return m.values }

// Len returns the number of elements, 0 after Close.
func (m *Mapping) Len() int { return len(m.values) }

// Value returns the first element. For single-value buffers this is the
// value itself.
func (m *Mapping) Value() uint32 {
	if len(m.values) == 0 {
		return 0
	}
	return m.values[0]
}

// Close releases the mapping. The buffer becomes writable again once all
// of its mappings are closed. Close is idempotent.
func (m *Mapping) Close() {
	m.once.Do(func() {
		m.data = nil
		m.values = nil
		m.buf.ctx.unmap(m.buf)
	})
}
