package parallel

import "errors"

// Fatal errors. A Context that reports ErrDeviceLost is unusable and
// every later call returns ErrContextLost.
var (
	// ErrNoDevice is returned when no adapter or device can be opened.
	ErrNoDevice = errors.New("parallel: no GPU device available")

	// ErrKernelCompile is returned when a built-in kernel fails to compile.
	// Wraps kernels.ErrKernelCompile.
	ErrKernelCompile = errors.New("parallel: kernel compile failed")

	// ErrDeviceLost is returned when a submission fails or submitted work
	// does not complete within the wait timeout.
	ErrDeviceLost = errors.New("parallel: device lost")

	// ErrContextLost is returned by every call on a Context after a
	// device-lost condition, and after Close.
	ErrContextLost = errors.New("parallel: context is lost or closed")
)

// Caller-contract errors. The offending call records nothing.
var (
	ErrEmptyBuffer     = errors.New("parallel: buffer has no elements")
	ErrNilBuffer       = errors.New("parallel: nil buffer")
	ErrNotScalarBuffer = errors.New("parallel: buffer is not a single-value buffer")
	ErrZeroModulus     = errors.New("parallel: modulus is zero")
	ErrBufferMapped    = errors.New("parallel: buffer is mapped for reading")
	ErrBufferDestroyed = errors.New("parallel: buffer has been destroyed")
	ErrForeignBuffer   = errors.New("parallel: buffer belongs to another context")
	ErrPassEnded       = errors.New("parallel: pass has already ended")
	ErrAliasedBuffers  = errors.New("parallel: input and output are the same buffer")

	// ErrTooLarge is returned when a buffer exceeds the device's storage
	// binding size or needs more workgroups than one dispatch allows.
	ErrTooLarge = errors.New("parallel: buffer exceeds device limits")
)
