package parallel

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/parallel/internal/kernels"
)

// PassState represents the state of a Pass.
type PassState int

const (
	// PassStateRecording means the pass accepts dispatches.
	PassStateRecording PassState = iota

	// PassStateEnded means the DoInPass closure has returned.
	PassStateEnded
)

// String returns the string representation of PassState.
func (s PassState) String() string {
	switch s {
	case PassStateRecording:
		return "Recording"
	case PassStateEnded:
		return "Ended"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Dispatch describes one recorded kernel dispatch.
type Dispatch struct {
	Kernel     string
	Elements   int
	Workgroups uint32
}

// Pass records kernel dispatches into a single command buffer.
//
// A Pass is only valid inside the closure given to Context.DoInPass.
// Dispatches execute on the device in recording order, each one seeing
// the writes of the previous one. Methods return ErrPassEnded once the
// closure has returned.
//
// Pass is NOT safe for concurrent use.
//
// State Machine:
//
//	Recording -> (closure returns) -> Ended
type Pass struct {
	mu sync.Mutex

	ctx     *Context
	encoder hal.CommandEncoder
	label   string
	state   PassState

	dispatches []Dispatch
	zeroFills  int // outputs cleared ahead of an accumulating dispatch
	res        *submission
}

func newPass(c *Context, encoder hal.CommandEncoder, label string) *Pass {
	return &Pass{
		ctx:     c,
		encoder: encoder,
		label:   label,
		state:   PassStateRecording,
		res:     &submission{label: label},
	}
}

// State returns the current pass state.
func (p *Pass) State() PassState {
	if p == nil {
		return PassStateEnded
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsEnded returns true if the pass has ended.
func (p *Pass) IsEnded() bool {
	return p.State() == PassStateEnded
}

// Label returns the debug label of the pass.
func (p *Pass) Label() string { return p.label }

// DispatchCount returns the number of dispatches recorded so far.
func (p *Pass) DispatchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dispatches)
}

// Dispatches returns a copy of the recorded dispatches in order.
func (p *Pass) Dispatches() []Dispatch {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Dispatch, len(p.dispatches))
	copy(out, p.dispatches)
	return out
}

// end moves the pass to Ended. Idempotent.
func (p *Pass) end() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PassStateEnded
	p.res.dispatches = len(p.dispatches)
}

func (p *Pass) checkRecordingLocked() error {
	if p.state != PassStateRecording {
		return ErrPassEnded
	}
	return nil
}

// Upload creates a buffer holding a copy of data. See Context.Upload.
func (p *Pass) Upload(data []uint32) (*Buffer, error) {
	if p.IsEnded() {
		return nil, ErrPassEnded
	}
	return p.ctx.Upload(data)
}

// UploadValue creates a single-value buffer. See Context.UploadValue.
func (p *Pass) UploadValue(v uint32) (*Buffer, error) {
	if p.IsEnded() {
		return nil, ErrPassEnded
	}
	return p.ctx.UploadValue(v)
}

// ModInPlace records buf[i] = buf[i] % value for every element.
// A zero modulus returns ErrZeroModulus.
func (p *Pass) ModInPlace(buf *Buffer, value uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkRecordingLocked(); err != nil {
		return err
	}
	if err := p.ctx.checkBuffer(buf, true); err != nil {
		return err
	}
	if value == 0 {
		return ErrZeroModulus
	}
	return p.dispatchLocked(kernels.Mod, buf.Len(), &value, nil, buf)
}

// ScatterWithValue records output[indices[i]] = value for every i.
// Indices past the end of output are ignored. Repeated indices are
// harmless because every write stores the same value.
func (p *Pass) ScatterWithValue(indices, output *Buffer, value uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkRecordingLocked(); err != nil {
		return err
	}
	if err := p.ctx.checkBuffer(indices, false); err != nil {
		return err
	}
	if err := p.ctx.checkBuffer(output, true); err != nil {
		return err
	}
	if indices == output {
		return fmt.Errorf("%w: %s", ErrAliasedBuffers, output.label)
	}
	return p.dispatchLocked(kernels.ScatterWithValue, indices.Len(), &value, nil, indices, output)
}

// Sum records output = sum(input), wrapping modulo 2^32. output must be a
// single-value buffer; its previous contents are overwritten.
func (p *Pass) Sum(input, output *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkRecordingLocked(); err != nil {
		return err
	}
	if err := p.ctx.checkBuffer(input, false); err != nil {
		return err
	}
	if err := p.ctx.checkBuffer(output, true); err != nil {
		return err
	}
	if output.Kind() != KindScalar {
		return fmt.Errorf("%w: %s", ErrNotScalarBuffer, output.label)
	}
	if input.Len() == 0 {
		return ErrEmptyBuffer
	}
	if input == output {
		return fmt.Errorf("%w: %s", ErrAliasedBuffers, output.label)
	}

	// The kernel accumulates with atomicAdd, so the output starts at zero.
	return p.dispatchLocked(kernels.SumReduce, input.Len(), nil, output, input, output)
}

// dispatchLocked binds bufs to the kernel's storage slots in order, writes
// the scalar parameter (if any) to a fresh uniform buffer and records one
// compute pass sized for n elements. A non-nil zeroed single-value buffer
// is cleared right before the compute pass, once every resource of the
// dispatch exists, so a failed dispatch records nothing.
func (p *Pass) dispatchLocked(name kernels.Name, n int, param *uint32, zeroed *Buffer, bufs ...*Buffer) error {
	k := p.ctx.registry.Kernel(name)
	log := p.ctx.log()

	workgroups := kernels.DispatchCount(uint32(n), k.WorkgroupSize())
	if workgroups == 0 {
		log.Debug("parallel: dispatch skipped, no work", "kernel", string(name))
		return nil
	}
	if limit := p.ctx.limits.MaxComputeWorkgroupsPerDimension; workgroups > limit {
		return fmt.Errorf("%w: %s needs %d workgroups, limit is %d", ErrTooLarge, name, workgroups, limit)
	}
	layout := k.Layout()
	if len(bufs) != len(layout) {
		return fmt.Errorf("parallel: %s expects %d buffers, got %d", name, len(layout), len(bufs))
	}

	entries := make([]gputypes.BindGroupEntry, 0, len(bufs)+1)
	for i, b := range bufs {
		entries = append(entries, gputypes.BindGroupEntry{
			Binding: uint32(i),
			Resource: gputypes.BufferBinding{
				Buffer: b.raw.NativeHandle(),
				Offset: 0,
				Size:   b.Size(),
			},
		})
	}

	if k.HasParam() {
		if param == nil {
			return fmt.Errorf("parallel: %s requires a parameter", name)
		}
		ub, err := p.ctx.device.CreateBuffer(&hal.BufferDescriptor{
			Label: p.label + "_" + string(name) + "_params",
			Size:  kernels.ParamSize,
			Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("parallel: create %s params: %w", name, err)
		}
		p.res.buffers = append(p.res.buffers, ub)

		var params [kernels.ParamSize]byte
		binary.LittleEndian.PutUint32(params[:], *param)
		if err := p.ctx.queue.WriteBuffer(ub, 0, params[:]); err != nil {
			return fmt.Errorf("parallel: write %s params: %w", name, err)
		}

		entries = append(entries, gputypes.BindGroupEntry{
			Binding: k.ParamBinding(),
			Resource: gputypes.BufferBinding{
				Buffer: ub.NativeHandle(),
				Offset: 0,
				Size:   kernels.ParamSize,
			},
		})
	}

	bg, err := p.ctx.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   p.label + "_" + string(name) + "_bg",
		Layout:  k.BindLayout(),
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("parallel: create %s bind group: %w", name, err)
	}
	p.res.bindGroups = append(p.res.bindGroups, bg)

	if zeroed != nil {
		p.encoder.CopyBufferToBuffer(p.ctx.zero, zeroed.raw, []hal.BufferCopy{
			{SrcOffset: 0, DstOffset: 0, Size: zeroed.Size()},
		})
		p.zeroFills++
	}

	cp := p.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: string(name)})
	cp.SetPipeline(k.Pipeline())
	cp.SetBindGroup(0, bg, nil)
	cp.Dispatch(workgroups, 1, 1)
	cp.End()

	for i, b := range bufs {
		p.res.track(b, layout[i] == kernels.ReadWrite)
	}
	p.dispatches = append(p.dispatches, Dispatch{
		Kernel:     string(name),
		Elements:   n,
		Workgroups: workgroups,
	})

	log.Debug("parallel: dispatch recorded",
		"pass", p.label,
		"kernel", string(name),
		"elements", n,
		"workgroups", workgroups)
	return nil
}
