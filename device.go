package parallel

import (
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	// Register the Vulkan backend with hal.
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// AdapterInfo describes the adapter a Context runs on.
type AdapterInfo struct {
	Name       string
	DeviceType gputypes.DeviceType
	Backend    Backend
	// External is true when the device came from a gpucontext.DeviceProvider.
	External bool
}

// String returns a one-line description such as "NVIDIA RTX (DiscreteGPU, vulkan)".
func (a AdapterInfo) String() string {
	if a.External {
		return fmt.Sprintf("%s (external)", a.Name)
	}
	return fmt.Sprintf("%s (%v, %s)", a.Name, a.DeviceType, a.Backend)
}

// instanceFactory is the subset of hal.Backend used to create an instance.
type instanceFactory interface {
	CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error)
}

// openedDevice is a device opened by the Context itself.
type openedDevice struct {
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	limits   gputypes.Limits // limits the device was opened with
	info     AdapterInfo
}

func (d *openedDevice) destroy() {
	if d.device != nil {
		d.device.Destroy()
		d.device = nil
	}
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
}

func backendFactory(b Backend) (instanceFactory, error) {
	switch b {
	case BackendNoop:
		return &noop.API{}, nil
	case BackendVulkan:
		backend, ok := hal.GetBackend(gputypes.BackendVulkan)
		if !ok {
			return nil, fmt.Errorf("%w: vulkan backend not available", ErrNoDevice)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %d", ErrNoDevice, int(b))
	}
}

// openDevice creates an instance on the given backend and opens the
// preferred adapter: the first discrete or integrated GPU, otherwise the
// first adapter reported.
func openDevice(b Backend) (*openedDevice, error) {
	factory, err := backendFactory(b)
	if err != nil {
		return nil, err
	}
	instance, err := factory.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %w", ErrNoDevice, err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%w: no adapters found", ErrNoDevice)
	}

	selected := selectAdapter(adapters)
	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("%w: open device: %w", ErrNoDevice, err)
	}

	return &openedDevice{
		instance: instance,
		device:   openDev.Device,
		queue:    openDev.Queue,
		limits:   limits,
		info: AdapterInfo{
			Name:       selected.Info.Name,
			DeviceType: selected.Info.DeviceType,
			Backend:    b,
		},
	}, nil
}

// selectAdapter prefers a discrete GPU, then an integrated GPU, then the
// first adapter. adapters must be non-empty.
func selectAdapter(adapters []hal.ExposedAdapter) *hal.ExposedAdapter {
	for _, want := range []gputypes.DeviceType{gputypes.DeviceTypeDiscreteGPU, gputypes.DeviceTypeIntegratedGPU} {
		for i := range adapters {
			if adapters[i].Info.DeviceType == want {
				return &adapters[i]
			}
		}
	}
	return &adapters[0]
}

// providerDevice extracts the hal device and queue from a host-owned
// provider. The provider must implement HalDevice() any and HalQueue() any.
func providerDevice(provider gpucontext.DeviceProvider) (hal.Device, hal.Queue, error) {
	if provider == nil {
		return nil, nil, fmt.Errorf("%w: nil device provider", ErrNoDevice)
	}
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, nil, fmt.Errorf("%w: provider does not expose HAL types", ErrNoDevice)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", ErrNoDevice)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", ErrNoDevice)
	}
	return device, queue, nil
}
