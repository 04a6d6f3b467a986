package parallel

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// newNoopContext creates a Context on the noop backend and closes it when
// the test ends.
func newNoopContext(t *testing.T, opts ...ContextOption) *Context {
	t.Helper()
	ctx, err := New(append([]ContextOption{WithBackend(BackendNoop)}, opts...)...)
	if err != nil {
		t.Fatalf("New(noop) failed: %v", err)
	}
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

func TestNewNoop(t *testing.T) {
	ctx := newNoopContext(t)

	info := ctx.AdapterInfo()
	if info.Backend != BackendNoop {
		t.Errorf("Backend = %v, want noop", info.Backend)
	}
	if info.External {
		t.Error("noop context should not be external")
	}
	if got := len(ctx.Kernels()); got != 3 {
		t.Errorf("Kernels() has %d entries, want 3", got)
	}
}

func TestUpload(t *testing.T) {
	ctx := newNoopContext(t)

	tests := []struct {
		name    string
		data    []uint32
		wantLen int
		wantErr error
	}{
		{"single", []uint32{7}, 1, nil},
		{"many", make([]uint32, 100024), 100024, nil},
		{"empty", []uint32{}, 0, ErrEmptyBuffer},
		{"nil", nil, 0, ErrEmptyBuffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := ctx.Upload(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Upload error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if b.Len() != tt.wantLen {
				t.Errorf("Len = %d, want %d", b.Len(), tt.wantLen)
			}
			if b.Size() != uint64(tt.wantLen)*4 {
				t.Errorf("Size = %d, want %d", b.Size(), tt.wantLen*4)
			}
			if b.Kind() != KindArray {
				t.Errorf("Kind = %v, want array", b.Kind())
			}
			if b.ElementType() != Uint32 {
				t.Errorf("ElementType = %v, want u32", b.ElementType())
			}
			if b.Mapped() {
				t.Error("new buffer should not be mapped")
			}
		})
	}
}

func TestUploadValueAndStorage(t *testing.T) {
	ctx := newNoopContext(t)

	v, err := ctx.UploadValue(42)
	if err != nil {
		t.Fatalf("UploadValue failed: %v", err)
	}
	if v.Kind() != KindScalar || v.Len() != 1 {
		t.Errorf("UploadValue buffer: kind=%v len=%d, want scalar/1", v.Kind(), v.Len())
	}

	s, err := ctx.StorageBufferOfLength(16)
	if err != nil {
		t.Fatalf("StorageBufferOfLength failed: %v", err)
	}
	if s.Len() != 16 || s.Kind() != KindArray {
		t.Errorf("storage buffer: kind=%v len=%d, want array/16", s.Kind(), s.Len())
	}

	for _, n := range []int{0, -1} {
		if _, err := ctx.StorageBufferOfLength(n); !errors.Is(err, ErrEmptyBuffer) {
			t.Errorf("StorageBufferOfLength(%d) error = %v, want ErrEmptyBuffer", n, err)
		}
	}

	if v.Label() == s.Label() {
		t.Errorf("labels should be unique, both %q", v.Label())
	}
}

func TestDoInPassDispatchCounts(t *testing.T) {
	ctx := newNoopContext(t)

	data, err := ctx.Upload(make([]uint32, 100024))
	if err != nil {
		t.Fatal(err)
	}
	total, err := ctx.UploadValue(0)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := ctx.Upload([]uint32{1, 3})
	if err != nil {
		t.Fatal(err)
	}

	var got []Dispatch
	err = ctx.DoInPass(func(p *Pass) error {
		if err := p.ModInPlace(data, 9); err != nil {
			return err
		}
		if err := p.ScatterWithValue(idx, data, 77); err != nil {
			return err
		}
		if err := p.Sum(data, total); err != nil {
			return err
		}
		got = p.Dispatches()
		return nil
	})
	if err != nil {
		t.Fatalf("DoInPass failed: %v", err)
	}

	want := []Dispatch{
		{Kernel: "mod", Elements: 100024, Workgroups: 1563},
		{Kernel: "scatter_with_value", Elements: 2, Workgroups: 1},
		{Kernel: "sum_reduce", Elements: 100024, Workgroups: 1563},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d dispatches, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatch %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if err := ctx.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestDoInPassErrorDiscards(t *testing.T) {
	ctx := newNoopContext(t)

	buf, err := ctx.Upload([]uint32{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}

	sentinel := errors.New("stop")
	err = ctx.DoInPass(func(p *Pass) error {
		if err := p.ModInPlace(buf, 2); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("DoInPass error = %v, want sentinel", err)
	}

	ctx.mu.Lock()
	inflight := len(ctx.inflight)
	ctx.mu.Unlock()
	if inflight != 0 {
		t.Errorf("discarded pass was submitted (%d in flight)", inflight)
	}
}

func TestDoInPassSubmitsAndWaitReleases(t *testing.T) {
	ctx := newNoopContext(t)

	buf, err := ctx.Upload([]uint32{5, 6, 7})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := ctx.DoInPass(func(p *Pass) error { return p.ModInPlace(buf, 4) }); err != nil {
			t.Fatalf("DoInPass %d failed: %v", i, err)
		}
	}

	ctx.mu.Lock()
	inflight := len(ctx.inflight)
	ctx.mu.Unlock()
	if inflight != 3 {
		t.Fatalf("in flight = %d, want 3", inflight)
	}

	if err := ctx.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	ctx.mu.Lock()
	inflight = len(ctx.inflight)
	ctx.mu.Unlock()
	if inflight != 0 {
		t.Errorf("in flight after Wait = %d, want 0", inflight)
	}
}

func TestEmptyPassNotSubmitted(t *testing.T) {
	ctx := newNoopContext(t)

	var uploaded *Buffer
	err := ctx.DoInPass(func(p *Pass) error {
		var err error
		uploaded, err = p.Upload([]uint32{1})
		return err
	})
	if err != nil {
		t.Fatalf("DoInPass failed: %v", err)
	}
	if uploaded == nil || uploaded.Len() != 1 {
		t.Error("mid-pass upload did not produce a buffer")
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if len(ctx.inflight) != 0 {
		t.Errorf("empty pass was submitted")
	}
}

func TestPassValidation(t *testing.T) {
	ctx := newNoopContext(t)
	other := newNoopContext(t)

	arr, _ := ctx.Upload([]uint32{1, 2, 3})
	scalar, _ := ctx.UploadValue(0)
	foreign, _ := other.Upload([]uint32{1})
	gone, _ := ctx.Upload([]uint32{1})
	if err := gone.Destroy(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func(p *Pass) error
		want error
	}{
		{"zero modulus", func(p *Pass) error { return p.ModInPlace(arr, 0) }, ErrZeroModulus},
		{"nil buffer", func(p *Pass) error { return p.ModInPlace(nil, 2) }, ErrNilBuffer},
		{"foreign buffer", func(p *Pass) error { return p.ModInPlace(foreign, 2) }, ErrForeignBuffer},
		{"destroyed buffer", func(p *Pass) error { return p.ModInPlace(gone, 2) }, ErrBufferDestroyed},
		{"sum into array", func(p *Pass) error { return p.Sum(arr, arr) }, ErrNotScalarBuffer},
		{"sum into itself", func(p *Pass) error { return p.Sum(scalar, scalar) }, ErrAliasedBuffers},
		{"sum nil input", func(p *Pass) error { return p.Sum(nil, scalar) }, ErrNilBuffer},
		{"scatter aliased", func(p *Pass) error { return p.ScatterWithValue(arr, arr, 1) }, ErrAliasedBuffers},
		{"scatter destroyed output", func(p *Pass) error { return p.ScatterWithValue(arr, gone, 1) }, ErrBufferDestroyed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dispatches int
			err := ctx.DoInPass(func(p *Pass) error {
				err := tt.fn(p)
				dispatches = p.DispatchCount()
				return err
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if dispatches != 0 {
				t.Errorf("rejected call recorded %d dispatches", dispatches)
			}
		})
	}
}

func TestPassEnded(t *testing.T) {
	ctx := newNoopContext(t)
	buf, _ := ctx.Upload([]uint32{1, 2})
	out, _ := ctx.UploadValue(0)

	var leaked *Pass
	if err := ctx.DoInPass(func(p *Pass) error {
		if p.State() != PassStateRecording {
			t.Errorf("state inside closure = %v, want Recording", p.State())
		}
		leaked = p
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if !leaked.IsEnded() {
		t.Fatalf("state after closure = %v, want Ended", leaked.State())
	}

	tests := []struct {
		name string
		fn   func() error
	}{
		{"ModInPlace", func() error { return leaked.ModInPlace(buf, 2) }},
		{"ScatterWithValue", func() error { return leaked.ScatterWithValue(buf, buf, 1) }},
		{"Sum", func() error { return leaked.Sum(buf, out) }},
		{"Upload", func() error { _, err := leaked.Upload([]uint32{1}); return err }},
		{"UploadValue", func() error { _, err := leaked.UploadValue(1); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrPassEnded) {
				t.Errorf("error = %v, want ErrPassEnded", err)
			}
		})
	}
}

func TestPassStateString(t *testing.T) {
	tests := []struct {
		state PassState
		want  string
	}{
		{PassStateRecording, "Recording"},
		{PassStateEnded, "Ended"},
		{PassState(99), "Unknown(99)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("PassState(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
	var nilPass *Pass
	if nilPass.State() != PassStateEnded {
		t.Error("nil pass should report Ended")
	}
}

func TestReadBufferMappingGuard(t *testing.T) {
	ctx := newNoopContext(t)
	buf, _ := ctx.Upload([]uint32{1, 2, 3, 4})
	idx, _ := ctx.Upload([]uint32{0})

	m, err := ctx.ReadBuffer(buf)
	if err != nil {
		t.Fatalf("ReadBuffer failed: %v", err)
	}
	if m.Len() != 4 || len(m.Bytes()) != 16 {
		t.Errorf("mapping len=%d bytes=%d, want 4/16", m.Len(), len(m.Bytes()))
	}
	if m.Buffer() != buf {
		t.Error("mapping refers to the wrong buffer")
	}
	if !buf.Mapped() {
		t.Fatal("buffer should be mapped while the mapping is open")
	}

	// Writes to a mapped buffer are rejected, reads are allowed.
	err = ctx.DoInPass(func(p *Pass) error { return p.ModInPlace(buf, 2) })
	if !errors.Is(err, ErrBufferMapped) {
		t.Errorf("ModInPlace on mapped buffer: %v, want ErrBufferMapped", err)
	}
	err = ctx.DoInPass(func(p *Pass) error { return p.ScatterWithValue(idx, buf, 1) })
	if !errors.Is(err, ErrBufferMapped) {
		t.Errorf("ScatterWithValue into mapped buffer: %v, want ErrBufferMapped", err)
	}
	err = ctx.DoInPass(func(p *Pass) error { return p.ScatterWithValue(buf, idx, 1) })
	if err != nil {
		t.Errorf("reading a mapped buffer should be allowed: %v", err)
	}
	if err := buf.Destroy(); !errors.Is(err, ErrBufferMapped) {
		t.Errorf("Destroy on mapped buffer: %v, want ErrBufferMapped", err)
	}

	// Several readers may map the same buffer.
	m2, err := ctx.ReadBuffer(buf)
	if err != nil {
		t.Fatalf("second ReadBuffer failed: %v", err)
	}
	m.Close()
	m.Close()
	if !buf.Mapped() {
		t.Error("buffer should stay mapped while a second mapping is open")
	}
	m2.Close()
	if buf.Mapped() {
		t.Error("buffer should be unmapped after all mappings are closed")
	}
	if m.Values() != nil || m.Bytes() != nil || m.Value() != 0 || m.Len() != 0 {
		t.Error("closed mapping should expose no data")
	}

	if err := ctx.DoInPass(func(p *Pass) error { return p.ModInPlace(buf, 2) }); err != nil {
		t.Errorf("ModInPlace after unmapping failed: %v", err)
	}
}

func TestReadBufferValidation(t *testing.T) {
	ctx := newNoopContext(t)
	other := newNoopContext(t)
	foreign, _ := other.Upload([]uint32{1})
	gone, _ := ctx.Upload([]uint32{1})
	_ = gone.Destroy()

	if _, err := ctx.ReadBuffer(nil); !errors.Is(err, ErrNilBuffer) {
		t.Errorf("ReadBuffer(nil) = %v, want ErrNilBuffer", err)
	}
	if _, err := ctx.ReadBuffer(foreign); !errors.Is(err, ErrForeignBuffer) {
		t.Errorf("ReadBuffer(foreign) = %v, want ErrForeignBuffer", err)
	}
	if _, err := ctx.ReadBuffer(gone); !errors.Is(err, ErrBufferDestroyed) {
		t.Errorf("ReadBuffer(destroyed) = %v, want ErrBufferDestroyed", err)
	}
}

func TestBufferDestroyIdempotent(t *testing.T) {
	ctx := newNoopContext(t)
	b, _ := ctx.Upload([]uint32{1, 2})
	if err := b.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := b.Destroy(); err != nil {
		t.Fatalf("second Destroy failed: %v", err)
	}
	if !b.Destroyed() {
		t.Error("Destroyed() = false after Destroy")
	}
}

func TestCloseReleasesAndRejects(t *testing.T) {
	ctx, err := New(WithBackend(BackendNoop))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := ctx.Upload([]uint32{1, 2, 3})
	if err := ctx.DoInPass(func(p *Pass) error { return p.ModInPlace(b, 2) }); err != nil {
		t.Fatal(err)
	}

	if err := ctx.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if !b.Destroyed() {
		t.Error("Close did not destroy live buffers")
	}

	if _, err := ctx.Upload([]uint32{1}); !errors.Is(err, ErrContextLost) {
		t.Errorf("Upload after Close = %v, want ErrContextLost", err)
	}
	if err := ctx.DoInPass(func(*Pass) error { return nil }); !errors.Is(err, ErrContextLost) {
		t.Errorf("DoInPass after Close = %v, want ErrContextLost", err)
	}
	if err := ctx.Wait(); !errors.Is(err, ErrContextLost) {
		t.Errorf("Wait after Close = %v, want ErrContextLost", err)
	}
}

func TestMustNewPanicsOnUnknownBackend(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustNew with an unknown backend did not panic")
		}
	}()
	MustNew(WithBackend(Backend(42)))
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(WithBackend(Backend(42)))
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("New(unknown backend) = %v, want ErrNoDevice", err)
	}
}

// mockDevice implements gpucontext.Device for testing.
type mockDevice struct{}

func (m *mockDevice) Poll(wait bool) {}
func (m *mockDevice) Destroy()       {}

// mockQueue implements gpucontext.Queue for testing.
type mockQueue struct{}

// mockAdapter implements gpucontext.Adapter for testing.
type mockAdapter struct{}

// mockProvider implements gpucontext.DeviceProvider and exposes a noop
// hal device through HalDevice/HalQueue.
type mockProvider struct {
	halDevice any
	halQueue  any
}

func (m *mockProvider) Device() gpucontext.Device   { return &mockDevice{} }
func (m *mockProvider) Queue() gpucontext.Queue     { return &mockQueue{} }
func (m *mockProvider) Adapter() gpucontext.Adapter { return &mockAdapter{} }
func (m *mockProvider) SurfaceFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatBGRA8Unorm
}
func (m *mockProvider) AdapterInfo() gpucontext.AdapterInfo { return gpucontext.AdapterInfo{} }
func (m *mockProvider) HalDevice() any                      { return m.halDevice }
func (m *mockProvider) HalQueue() any                       { return m.halQueue }

// plainProvider implements only gpucontext.DeviceProvider.
type plainProvider struct{}

func (plainProvider) Device() gpucontext.Device             { return &mockDevice{} }
func (plainProvider) Queue() gpucontext.Queue               { return &mockQueue{} }
func (plainProvider) Adapter() gpucontext.Adapter           { return &mockAdapter{} }
func (plainProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }
func (plainProvider) AdapterInfo() gpucontext.AdapterInfo   { return gpucontext.AdapterInfo{} }

// createNoopDevice opens a noop hal device owned by the test.
func createNoopDevice(t *testing.T) (hal.Device, hal.Queue) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return openDev.Device, openDev.Queue
}

func TestNewWithDeviceProvider(t *testing.T) {
	device, queue := createNoopDevice(t)

	ctx, err := NewWithDeviceProvider(&mockProvider{halDevice: device, halQueue: queue})
	if err != nil {
		t.Fatalf("NewWithDeviceProvider failed: %v", err)
	}
	if !ctx.AdapterInfo().External {
		t.Error("AdapterInfo().External = false for a provider context")
	}
	b, err := ctx.Upload([]uint32{3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.DoInPass(func(p *Pass) error { return p.ModInPlace(b, 3) }); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if ctx.owned != nil {
		t.Error("provider context should not own its device")
	}
}

func TestNewWithDeviceProviderRejects(t *testing.T) {
	device, _ := createNoopDevice(t)

	tests := []struct {
		name     string
		provider gpucontext.DeviceProvider
	}{
		{"nil", nil},
		{"no hal accessors", plainProvider{}},
		{"wrong device type", &mockProvider{halDevice: "device", halQueue: "queue"}},
		{"nil queue", &mockProvider{halDevice: device, halQueue: nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWithDeviceProvider(tt.provider)
			if !errors.Is(err, ErrNoDevice) {
				t.Errorf("error = %v, want ErrNoDevice", err)
			}
		})
	}
}

// newContextOn builds a Context on an existing hal device and queue and
// closes it when the test ends.
func newContextOn(t *testing.T, device hal.Device, queue hal.Queue, limits gputypes.Limits, opts ...ContextOption) *Context {
	t.Helper()
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, err := newContext(device, queue, limits, o)
	if err != nil {
		t.Fatalf("newContext failed: %v", err)
	}
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

var errEncoding = errors.New("encoding failed")

// scriptedDevice wraps a hal.Device, fails command encoding on demand and
// counts the buffer and command buffer lifetimes it sees.
type scriptedDevice struct {
	hal.Device

	failBegin bool
	failEnd   bool

	discards         int
	buffersCreated   int
	buffersDestroyed int
	cmdBufsFreed     int
}

func (d *scriptedDevice) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	b, err := d.Device.CreateBuffer(desc)
	if err == nil {
		d.buffersCreated++
	}
	return b, err
}

func (d *scriptedDevice) DestroyBuffer(b hal.Buffer) {
	d.buffersDestroyed++
	d.Device.DestroyBuffer(b)
}

func (d *scriptedDevice) FreeCommandBuffer(cb hal.CommandBuffer) {
	d.cmdBufsFreed++
	d.Device.FreeCommandBuffer(cb)
}

func (d *scriptedDevice) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	enc, err := d.Device.CreateCommandEncoder(desc)
	if err != nil {
		return nil, err
	}
	return scriptedEncoder{CommandEncoder: enc, dev: d}, nil
}

type scriptedEncoder struct {
	hal.CommandEncoder
	dev *scriptedDevice
}

func (e scriptedEncoder) BeginEncoding(label string) error {
	if e.dev.failBegin {
		return errEncoding
	}
	return e.CommandEncoder.BeginEncoding(label)
}

func (e scriptedEncoder) EndEncoding() (hal.CommandBuffer, error) {
	if e.dev.failEnd {
		return nil, errEncoding
	}
	return e.CommandEncoder.EndEncoding()
}

func (e scriptedEncoder) DiscardEncoding() {
	e.dev.discards++
	e.CommandEncoder.DiscardEncoding()
}

// stalledQueue never reports a submission as completed.
type stalledQueue struct{ hal.Queue }

func (stalledQueue) PollCompleted() uint64 { return 0 }

// rejectingQueue fails every submission.
type rejectingQueue struct{ hal.Queue }

func (rejectingQueue) Submit([]hal.CommandBuffer) (uint64, error) { return 0, hal.ErrDeviceLost }

func TestDoInPassDiscardsFailedEncoding(t *testing.T) {
	tests := []struct {
		name      string
		failBegin bool
		failEnd   bool
		wantRan   bool
	}{
		{"begin fails", true, false, false},
		{"end fails", false, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, queue := createNoopDevice(t)
			dev := &scriptedDevice{Device: base}
			ctx := newContextOn(t, dev, queue, gputypes.DefaultLimits())
			buf, err := ctx.Upload([]uint32{3, 4, 5})
			if err != nil {
				t.Fatal(err)
			}

			dev.failBegin, dev.failEnd = tt.failBegin, tt.failEnd
			ran := false
			err = ctx.DoInPass(func(p *Pass) error {
				ran = true
				return p.ModInPlace(buf, 2)
			})
			if !errors.Is(err, errEncoding) {
				t.Fatalf("DoInPass error = %v, want %v", err, errEncoding)
			}
			if ran != tt.wantRan {
				t.Errorf("closure ran = %v, want %v", ran, tt.wantRan)
			}
			if dev.discards != 1 {
				t.Errorf("DiscardEncoding called %d times, want 1", dev.discards)
			}
			// Only the zero buffer and buf may stay alive.
			if live := dev.buffersCreated - dev.buffersDestroyed; live != 2 {
				t.Errorf("%d live buffers after failed pass, want 2", live)
			}
			if len(ctx.inflight) != 0 {
				t.Errorf("failed pass was submitted")
			}
		})
	}
}

func TestSubmitRechecksPassBuffers(t *testing.T) {
	tests := []struct {
		name   string
		record func(p *Pass, a, b *Buffer) error
		after  func(ctx *Context, a, b *Buffer) (*Mapping, error)
		want   error
	}{
		{
			name:   "write target mapped",
			record: func(p *Pass, a, _ *Buffer) error { return p.ModInPlace(a, 2) },
			after:  func(ctx *Context, a, _ *Buffer) (*Mapping, error) { return ctx.ReadBuffer(a) },
			want:   ErrBufferMapped,
		},
		{
			name:   "write target destroyed",
			record: func(p *Pass, a, _ *Buffer) error { return p.ModInPlace(a, 2) },
			after:  func(_ *Context, a, _ *Buffer) (*Mapping, error) { return nil, a.Destroy() },
			want:   ErrBufferDestroyed,
		},
		{
			name:   "read source destroyed",
			record: func(p *Pass, a, b *Buffer) error { return p.ScatterWithValue(b, a, 1) },
			after:  func(_ *Context, _, b *Buffer) (*Mapping, error) { return nil, b.Destroy() },
			want:   ErrBufferDestroyed,
		},
		{
			name:   "read source mapped",
			record: func(p *Pass, a, b *Buffer) error { return p.ScatterWithValue(b, a, 1) },
			after:  func(ctx *Context, _, b *Buffer) (*Mapping, error) { return ctx.ReadBuffer(b) },
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newNoopContext(t)
			a, _ := ctx.Upload([]uint32{4, 5, 6})
			b, _ := ctx.Upload([]uint32{0, 2})

			var m *Mapping
			err := ctx.DoInPass(func(p *Pass) error {
				if err := tt.record(p, a, b); err != nil {
					return err
				}
				var err error
				m, err = tt.after(ctx, a, b)
				return err
			})
			if m != nil {
				defer m.Close()
			}

			if tt.want == nil {
				if err != nil {
					t.Fatalf("DoInPass failed: %v", err)
				}
				if len(ctx.inflight) != 1 {
					t.Errorf("in flight = %d, want 1", len(ctx.inflight))
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("DoInPass error = %v, want %v", err, tt.want)
			}
			if len(ctx.inflight) != 0 {
				t.Errorf("pass writing a %v buffer was submitted", tt.want)
			}
		})
	}
}

func TestCheckLimitsDefaults(t *testing.T) {
	ctx := newNoopContext(t)

	// 65535 workgroups of 64 elements.
	const most = 65535 * 64
	if err := ctx.checkLimits(most); err != nil {
		t.Errorf("checkLimits(%d) = %v, want nil", most, err)
	}
	if err := ctx.checkLimits(most + 1); !errors.Is(err, ErrTooLarge) {
		t.Errorf("checkLimits(%d) = %v, want ErrTooLarge", most+1, err)
	}
}

func TestBufferLimits(t *testing.T) {
	device, queue := createNoopDevice(t)

	tests := []struct {
		name       string
		workgroups uint32
		binding    uint64
		n          int
		want       error
	}{
		{"at workgroup limit", 4, 1 << 20, 256, nil},
		{"past workgroup limit", 4, 1 << 20, 257, ErrTooLarge},
		{"at binding limit", 65535, 512, 128, nil},
		{"past binding limit", 65535, 512, 129, ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits := gputypes.DefaultLimits()
			limits.MaxComputeWorkgroupsPerDimension = tt.workgroups
			limits.MaxStorageBufferBindingSize = tt.binding
			ctx := newContextOn(t, device, queue, limits)

			if _, err := ctx.StorageBufferOfLength(tt.n); !errors.Is(err, tt.want) {
				t.Errorf("StorageBufferOfLength(%d) = %v, want %v", tt.n, err, tt.want)
			}
			if _, err := ctx.Upload(make([]uint32, tt.n)); !errors.Is(err, tt.want) {
				t.Errorf("Upload(%d values) = %v, want %v", tt.n, err, tt.want)
			}
			if tt.want != nil && len(ctx.buffers) != 0 {
				t.Errorf("rejected buffers were registered: %d", len(ctx.buffers))
			}
		})
	}
}

func TestDeviceLost(t *testing.T) {
	mod := func(b *Buffer) func(p *Pass) error {
		return func(p *Pass) error { return p.ModInPlace(b, 2) }
	}

	tests := []struct {
		name  string
		queue func(hal.Queue) hal.Queue
		lose  func(ctx *Context, b *Buffer) error
	}{
		{
			name:  "read back never completes",
			queue: func(q hal.Queue) hal.Queue { return stalledQueue{q} },
			lose: func(ctx *Context, b *Buffer) error {
				if err := ctx.DoInPass(mod(b)); err != nil {
					return err
				}
				_, err := ctx.ReadBuffer(b)
				return err
			},
		},
		{
			name:  "wait never completes",
			queue: func(q hal.Queue) hal.Queue { return stalledQueue{q} },
			lose: func(ctx *Context, b *Buffer) error {
				if err := ctx.DoInPass(mod(b)); err != nil {
					return err
				}
				return ctx.Wait()
			},
		},
		{
			name:  "submission rejected",
			queue: func(q hal.Queue) hal.Queue { return rejectingQueue{q} },
			lose:  func(ctx *Context, b *Buffer) error { return ctx.DoInPass(mod(b)) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, queue := createNoopDevice(t)
			dev := &scriptedDevice{Device: base}
			ctx := newContextOn(t, dev, tt.queue(queue), gputypes.DefaultLimits(),
				WithWaitTimeout(5*time.Millisecond))

			b, err := ctx.Upload([]uint32{7, 8, 9})
			if err != nil {
				t.Fatal(err)
			}
			if err := tt.lose(ctx, b); !errors.Is(err, ErrDeviceLost) {
				t.Fatalf("error = %v, want ErrDeviceLost", err)
			}

			if _, err := ctx.Upload([]uint32{1}); !errors.Is(err, ErrContextLost) {
				t.Errorf("Upload after loss = %v, want ErrContextLost", err)
			}
			if err := ctx.DoInPass(mod(b)); !errors.Is(err, ErrContextLost) {
				t.Errorf("DoInPass after loss = %v, want ErrContextLost", err)
			}
			if err := ctx.Wait(); !errors.Is(err, ErrContextLost) {
				t.Errorf("Wait after loss = %v, want ErrContextLost", err)
			}
			if _, err := ctx.ReadBuffer(b); !errors.Is(err, ErrContextLost) {
				t.Errorf("ReadBuffer after loss = %v, want ErrContextLost", err)
			}

			if err := ctx.Close(); err != nil {
				t.Fatalf("Close on a lost device failed: %v", err)
			}
			if !b.Destroyed() {
				t.Error("Close did not destroy live buffers")
			}
			if len(ctx.inflight) != 0 {
				t.Errorf("%d submissions still in flight after Close", len(ctx.inflight))
			}
			if ctx.registry.Len() != 0 {
				t.Errorf("%d kernels left after Close", ctx.registry.Len())
			}
			if dev.buffersCreated != dev.buffersDestroyed {
				t.Errorf("buffers created %d, destroyed %d", dev.buffersCreated, dev.buffersDestroyed)
			}
			if dev.cmdBufsFreed != 1 {
				t.Errorf("command buffers freed = %d, want 1", dev.cmdBufsFreed)
			}
		})
	}
}
