// Package parallel provides typed GPU buffers and a small set of
// data-parallel kernels over uint32 arrays.
//
// # Overview
//
// parallel is a thin layer over gogpu/wgpu's hal API. It uploads uint32
// arrays to device memory, records kernel dispatches (element-wise
// modulo, indexed scatter of a constant, parallel sum) into a pass,
// submits them, and reads results back through a scoped host mapping.
//
// # Quick Start
//
//	ctx, err := parallel.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Close()
//
//	data, _ := ctx.Upload([]uint32{1, 2, 3, 4, 5})
//	total, _ := ctx.UploadValue(0)
//
//	err = ctx.DoInPass(func(p *parallel.Pass) error {
//	    if err := p.ModInPlace(data, 3); err != nil {
//	        return err
//	    }
//	    return p.Sum(data, total)
//	})
//
//	m, err := ctx.ReadBuffer(total)
//	defer m.Close()
//	fmt.Println(m.Value()) // 1+2+0+1+2 = 6
//
// # Ordering
//
// Dispatches within one pass execute in recording order. Passes are
// submitted without waiting; ReadBuffer, Wait and Close block until all
// submitted work has finished. A buffer with an open Mapping cannot be
// the output of a dispatch.
//
// # Backends
//
// New opens a Vulkan device by default, preferring a discrete GPU, then an
// integrated GPU. WithBackend(BackendNoop) opens a device that accepts all
// calls but executes nothing, for exercising call sequences without a
// GPU. NewWithDeviceProvider shares a device owned by the host application.
package parallel

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
