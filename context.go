package parallel

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/parallel/internal/kernels"
)

// Context owns a GPU device, queue and the compiled kernels, and creates
// buffers and passes on them.
//
// Work recorded with DoInPass is submitted without waiting. ReadBuffer,
// Wait and Close block until every submitted pass has completed, which
// makes them the only synchronization points between host and device.
//
// A Context is meant to be driven from one goroutine at a time.
type Context struct {
	opts     contextOptions
	device   hal.Device
	queue    hal.Queue
	owned    *openedDevice // nil when the device is host-owned
	info     AdapterInfo
	limits   gputypes.Limits
	registry *kernels.Registry
	zero     hal.Buffer // one zeroed u32, copy source for reduction outputs

	mu       sync.Mutex
	buffers  map[*Buffer]struct{}
	inflight []*submission
	seq      uint64
	lost     bool
	closed   bool
}

// New opens a GPU device and compiles the kernels.
//
// Errors wrap ErrNoDevice when no device can be opened and
// ErrKernelCompile when a kernel fails to build.
func New(opts ...ContextOption) (*Context, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	dev, err := openDevice(o.backend)
	if err != nil {
		return nil, err
	}

	c, err := newContext(dev.device, dev.queue, dev.limits, o)
	if err != nil {
		dev.destroy()
		return nil, err
	}
	c.owned = dev
	c.info = dev.info

	c.log().Info("parallel: context created",
		"adapter", dev.info.Name,
		"type", fmt.Sprint(dev.info.DeviceType),
		"backend", o.backend.String())
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(opts ...ContextOption) *Context {
	c, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// NewWithDeviceProvider creates a Context on a device owned by the host
// application. The provider must also implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue. The device is not
// destroyed by Close. Buffer sizes are checked against the default
// WebGPU limits, which every device supports.
func NewWithDeviceProvider(provider gpucontext.DeviceProvider, opts ...ContextOption) (*Context, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	device, queue, err := providerDevice(provider)
	if err != nil {
		return nil, err
	}

	c, err := newContext(device, queue, gputypes.DefaultLimits(), o)
	if err != nil {
		return nil, err
	}
	c.info = AdapterInfo{Name: "external", External: true}

	c.log().Info("parallel: context created on shared device")
	return c, nil
}

func newContext(device hal.Device, queue hal.Queue, limits gputypes.Limits, o contextOptions) (*Context, error) {
	registry, err := kernels.NewRegistry(device)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKernelCompile, err)
	}

	zero, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: o.label + "_zero",
		Size:  4,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("parallel: create zero buffer: %w", err)
	}
	if err := queue.WriteBuffer(zero, 0, make([]byte, 4)); err != nil {
		device.DestroyBuffer(zero)
		registry.Close()
		return nil, fmt.Errorf("parallel: write zero buffer: %w", err)
	}

	return &Context{
		opts:     o,
		device:   device,
		queue:    queue,
		limits:   limits,
		registry: registry,
		zero:     zero,
		buffers:  make(map[*Buffer]struct{}),
	}, nil
}

// log returns the per-Context logger if one was set, else the package logger.
func (c *Context) log() *slog.Logger {
	if c.opts.logger != nil {
		return c.opts.logger
	}
	return Logger()
}

// AdapterInfo describes the adapter the Context runs on.
func (c *Context) AdapterInfo() AdapterInfo { return c.info }

// Kernels returns the names of the compiled kernels in sorted order.
func (c *Context) Kernels() []string {
	names := c.registry.Names()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

// Upload creates a buffer holding a copy of data. Empty data is rejected
// with ErrEmptyBuffer.
func (c *Context) Upload(data []uint32) (*Buffer, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBuffer
	}
	return c.createBuffer("upload", len(data), KindArray, data)
}

// UploadValue creates a single-value buffer holding v. Single-value
// buffers are the outputs of reductions such as Pass.Sum.
func (c *Context) UploadValue(v uint32) (*Buffer, error) {
	return c.createBuffer("value", 1, KindScalar, []uint32{v})
}

// StorageBufferOfLength creates a buffer of n elements with unspecified
// contents.
func (c *Context) StorageBufferOfLength(n int) (*Buffer, error) {
	if n <= 0 {
		return nil, ErrEmptyBuffer
	}
	return c.createBuffer("storage", n, KindArray, nil)
}

func (c *Context) createBuffer(kind string, count int, k Kind, data []uint32) (*Buffer, error) {
	if err := c.checkLimits(count); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return nil, err
	}

	b := &Buffer{
		ctx:   c,
		label: c.labelLocked(kind),
		count: count,
		elem:  Uint32,
		kind:  k,
	}
	raw, err := c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: b.label,
		Size:  b.Size(),
		Usage: storageUsage,
	})
	if err != nil {
		return nil, fmt.Errorf("parallel: create buffer %s: %w", b.label, err)
	}
	b.raw = raw

	if data != nil {
		if err := c.queue.WriteBuffer(raw, 0, encodeU32(data)); err != nil {
			c.device.DestroyBuffer(raw)
			return nil, fmt.Errorf("parallel: write buffer %s: %w", b.label, err)
		}
	}
	c.buffers[b] = struct{}{}

	c.log().Debug("parallel: buffer created",
		"label", b.label,
		"len", count,
		"kind", k.String(),
		"bytes", b.Size())
	return b, nil
}

// checkLimits rejects element counts that one storage binding or one
// dispatch of the kernels could not cover on this device.
func (c *Context) checkLimits(count int) error {
	if uint64(count) > math.MaxUint32 {
		return fmt.Errorf("%w: %d elements exceed the u32 index range", ErrTooLarge, count)
	}
	size := uint64(count) * Uint32.Size()
	if size > c.limits.MaxStorageBufferBindingSize {
		return fmt.Errorf("%w: %d bytes, storage binding limit is %d",
			ErrTooLarge, size, c.limits.MaxStorageBufferBindingSize)
	}
	groups := kernels.DispatchCount(uint32(count), kernels.WorkgroupSize)
	if groups > c.limits.MaxComputeWorkgroupsPerDimension {
		return fmt.Errorf("%w: %d elements need %d workgroups, limit is %d",
			ErrTooLarge, count, groups, c.limits.MaxComputeWorkgroupsPerDimension)
	}
	return nil
}

// encodeU32 serializes values as little-endian bytes.
func encodeU32(values []uint32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// DoInPass records the dispatches issued by fn into one command buffer and
// submits it. DoInPass does not wait for the work to finish; use
// ReadBuffer or Wait for that.
//
// If fn returns an error, the recording is discarded, nothing is submitted
// and the error is returned unchanged. The Pass must not be used after fn
// returns.
func (c *Context) DoInPass(fn func(p *Pass) error) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	label := c.labelLocked("pass")
	c.mu.Unlock()

	encoder, err := c.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return fmt.Errorf("parallel: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		encoder.DiscardEncoding()
		return fmt.Errorf("parallel: begin encoding: %w", err)
	}

	p := newPass(c, encoder, label)
	fnErr := fn(p)
	p.end()

	if fnErr != nil || p.DispatchCount() == 0 {
		encoder.DiscardEncoding()
		p.res.release(c.device)
		if fnErr == nil {
			c.log().Debug("parallel: empty pass not submitted", "pass", label)
		}
		return fnErr
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		p.res.release(c.device)
		return fmt.Errorf("parallel: end encoding: %w", err)
	}
	p.res.cmdBuf = cmdBuf
	return c.submit(p.res)
}

// submit sends a finished pass to the queue and keeps it in flight until
// the next barrier. The pass is dropped unsubmitted if one of its buffers
// was mapped or destroyed after its dispatch was recorded.
func (c *Context) submit(s *submission) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		s.release(c.device)
		return err
	}
	if err := c.checkSubmissionLocked(s); err != nil {
		s.release(c.device)
		c.log().Debug("parallel: pass dropped", "pass", s.label, "reason", err)
		return fmt.Errorf("parallel: %s not submitted: %w", s.label, err)
	}

	index, err := c.queue.Submit([]hal.CommandBuffer{s.cmdBuf})
	if err != nil {
		s.release(c.device)
		c.lost = true
		return fmt.Errorf("%w: submit %s: %w", ErrDeviceLost, s.label, err)
	}
	s.index = index
	c.inflight = append(c.inflight, s)

	c.log().Debug("parallel: pass submitted",
		"pass", s.label,
		"dispatches", s.dispatches,
		"in_flight", len(c.inflight))
	return nil
}

// Wait blocks until every submitted pass has completed and releases their
// transient resources.
func (c *Context) Wait() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	return c.waitLocked()
}

// checkSubmissionLocked validates every storage buffer of s again. The
// pass closure runs without the lock, so a buffer may have been mapped or
// destroyed after its dispatch was recorded.
func (c *Context) checkSubmissionLocked(s *submission) error {
	for _, b := range s.bound {
		if err := c.checkBufferLocked(b, false); err != nil {
			return err
		}
	}
	for _, b := range s.writes {
		if err := c.checkBufferLocked(b, true); err != nil {
			return err
		}
	}
	return nil
}

// waitLocked waits for all in-flight submissions in submission order.
// A wait that times out marks the context lost.
func (c *Context) waitLocked() error {
	for len(c.inflight) > 0 {
		s := c.inflight[0]
		if err := c.waitSubmission(s.index, s.label); err != nil {
			return err
		}
		s.release(c.device)
		c.inflight[0] = nil
		c.inflight = c.inflight[1:]
	}
	c.inflight = nil
	return nil
}

// Bounds of the backoff between completion polls.
const (
	minPollInterval = 20 * time.Microsecond
	maxPollInterval = time.Millisecond
)

// waitSubmission polls the queue until submission index has completed or
// the wait timeout expires.
func (c *Context) waitSubmission(index uint64, label string) error {
	if c.queue.PollCompleted() >= index {
		return nil
	}
	deadline := time.Now().Add(c.opts.waitTimeout)
	interval := minPollInterval
	for c.queue.PollCompleted() < index {
		if time.Now().After(deadline) {
			c.lost = true
			return fmt.Errorf("%w: %s not completed after %v", ErrDeviceLost, label, c.opts.waitTimeout)
		}
		time.Sleep(interval)
		interval = min(interval*2, maxPollInterval)
	}
	return nil
}

// ReadBuffer waits for all submitted work, copies b back to the host and
// returns a Mapping over the copy. While the Mapping is open, b cannot be
// written by a dispatch. Close the Mapping when done.
//
// A wait timeout returns an error wrapping ErrDeviceLost; the Context is
// unusable afterwards.
func (c *Context) ReadBuffer(b *Buffer) (*Mapping, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return nil, err
	}
	if err := c.checkBufferLocked(b, false); err != nil {
		return nil, err
	}
	if err := c.waitLocked(); err != nil {
		return nil, err
	}

	data, err := c.readbackLocked(b)
	if err != nil {
		return nil, err
	}
	b.maps++
	return newMapping(b, data), nil
}

// readbackLocked copies b into a MapRead staging buffer, waits for the
// copy and copies the mapped staging bytes out.
func (c *Context) readbackLocked(b *Buffer) ([]byte, error) {
	label := c.labelLocked("readback")
	size := b.Size()

	staging, err := c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("parallel: create staging buffer: %w", err)
	}
	defer c.device.DestroyBuffer(staging)

	encoder, err := c.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("parallel: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		encoder.DiscardEncoding()
		return nil, fmt.Errorf("parallel: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(b.raw, staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: size},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		return nil, fmt.Errorf("parallel: end encoding: %w", err)
	}

	s := &submission{label: label, cmdBuf: cmdBuf}
	defer s.release(c.device)

	index, err := c.queue.Submit([]hal.CommandBuffer{cmdBuf})
	if err != nil {
		c.lost = true
		return nil, fmt.Errorf("%w: submit %s: %w", ErrDeviceLost, label, err)
	}
	if err := c.waitSubmission(index, label); err != nil {
		return nil, err
	}

	mapped, err := c.device.MapBuffer(staging, 0, size)
	if err != nil {
		return nil, fmt.Errorf("parallel: map staging buffer: %w", err)
	}
	data := make([]byte, size)
	copy(data, unsafe.Slice((*byte)(mapped.Ptr), size))
	if err := c.device.UnmapBuffer(staging); err != nil {
		return nil, fmt.Errorf("parallel: unmap staging buffer: %w", err)
	}

	c.log().Debug("parallel: buffer read back", "buffer", b.label, "bytes", size)
	return data, nil
}

// unmap is called by Mapping.Close.
func (c *Context) unmap(b *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.maps > 0 {
		b.maps--
	}
}

// checkBuffer validates b for use by a dispatch. write marks b as a
// device-write target.
func (c *Context) checkBuffer(b *Buffer, write bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	return c.checkBufferLocked(b, write)
}

func (c *Context) checkBufferLocked(b *Buffer, write bool) error {
	switch {
	case b == nil:
		return ErrNilBuffer
	case b.ctx != c:
		return fmt.Errorf("%w: %s", ErrForeignBuffer, b.label)
	case b.destroyed:
		return fmt.Errorf("%w: %s", ErrBufferDestroyed, b.label)
	case write && b.maps > 0:
		return fmt.Errorf("%w: %s", ErrBufferMapped, b.label)
	}
	return nil
}

// destroyBuffer implements Buffer.Destroy.
func (c *Context) destroyBuffer(b *Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.destroyed {
		return nil
	}
	if b.maps > 0 {
		return fmt.Errorf("%w: %s", ErrBufferMapped, b.label)
	}
	// A submitted pass may still reference b.
	var waitErr error
	if !c.lost && len(c.inflight) > 0 {
		waitErr = c.waitLocked()
	}
	c.releaseBufferLocked(b)
	return waitErr
}

func (c *Context) releaseBufferLocked(b *Buffer) {
	if b.raw != nil {
		c.device.DestroyBuffer(b.raw)
		b.raw = nil
	}
	b.destroyed = true
	delete(c.buffers, b)
}

// Close waits for submitted work and releases every buffer, the kernels
// and, when the Context opened it, the device. Close is idempotent. On a
// lost device resources are released without waiting. The returned error
// is non-nil only if the final wait fails.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	var err error
	if !c.lost {
		err = c.waitLocked()
	}
	if c.lost {
		c.log().Warn("parallel: releasing resources of a lost device",
			"in_flight", len(c.inflight))
		for _, s := range c.inflight {
			s.release(c.device)
		}
		c.inflight = nil
	}

	for b := range c.buffers {
		c.releaseBufferLocked(b)
	}
	if c.zero != nil {
		c.device.DestroyBuffer(c.zero)
		c.zero = nil
	}
	c.registry.Close()
	if c.owned != nil {
		c.owned.destroy()
	}
	c.closed = true

	c.log().Info("parallel: context closed")
	return err
}

// usableLocked returns ErrContextLost after device loss or Close.
func (c *Context) usableLocked() error {
	if c.closed || c.lost {
		return ErrContextLost
	}
	return nil
}

func (c *Context) labelLocked(kind string) string {
	c.seq++
	return fmt.Sprintf("%s_%s_%d", c.opts.label, kind, c.seq)
}
