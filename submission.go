package parallel

import (
	"github.com/gogpu/wgpu/hal"
)

// submission tracks the transient GPU objects of one submitted pass.
// They are released once the queue reports the pass's submission index
// as completed.
type submission struct {
	label      string
	bindGroups []hal.BindGroup
	buffers    []hal.Buffer // per-dispatch uniform buffers
	cmdBuf     hal.CommandBuffer
	index      uint64 // queue submission index, 0 until submitted
	dispatches int

	// Storage buffers bound by the pass and the subset it writes.
	// Checked again under the Context lock right before submission.
	bound  []*Buffer
	writes []*Buffer
}

// track records b as bound by the pass, and as written when write is set.
func (s *submission) track(b *Buffer, write bool) {
	s.bound = appendUnique(s.bound, b)
	if write {
		s.writes = appendUnique(s.writes, b)
	}
}

func appendUnique(list []*Buffer, b *Buffer) []*Buffer {
	for _, have := range list {
		if have == b {
			return list
		}
	}
	return append(list, b)
}

// release destroys all tracked objects. Safe to call more than once.
func (s *submission) release(device hal.Device) {
	if s.cmdBuf != nil {
		device.FreeCommandBuffer(s.cmdBuf)
		s.cmdBuf = nil
	}
	for _, g := range s.bindGroups {
		device.DestroyBindGroup(g)
	}
	s.bindGroups = nil
	for _, b := range s.buffers {
		device.DestroyBuffer(b)
	}
	s.buffers = nil
	s.bound = nil
	s.writes = nil
}
