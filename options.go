package parallel

import (
	"log/slog"
	"time"
)

// Backend selects the hal backend a Context opens its device on.
type Backend int

const (
	// BackendVulkan opens a Vulkan device. This is the default.
	BackendVulkan Backend = iota
	// BackendNoop opens a device that records and submits work without
	// executing it. Useful for validating call sequences without a GPU.
	BackendNoop
)

// String returns the backend name.
func (b Backend) String() string {
	switch b {
	case BackendVulkan:
		return "vulkan"
	case BackendNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// ParseBackend maps "vulkan" or "noop" to a Backend.
func ParseBackend(s string) (Backend, bool) {
	switch s {
	case "vulkan", "":
		return BackendVulkan, true
	case "noop":
		return BackendNoop, true
	default:
		return BackendVulkan, false
	}
}

// DefaultWaitTimeout bounds every wait on submitted work.
const DefaultWaitTimeout = 5 * time.Second

// ContextOption configures a Context during creation.
//
// Example:
//
//	ctx, err := parallel.New(
//	    parallel.WithBackend(parallel.BackendNoop),
//	    parallel.WithWaitTimeout(time.Second),
//	)
type ContextOption func(*contextOptions)

// contextOptions holds optional configuration for Context creation.
type contextOptions struct {
	backend     Backend
	logger      *slog.Logger
	waitTimeout time.Duration
	label       string
}

// defaultOptions returns the default context options.
func defaultOptions() contextOptions {
	return contextOptions{
		backend:     BackendVulkan,
		logger:      nil, // package logger
		waitTimeout: DefaultWaitTimeout,
		label:       "parallel",
	}
}

// WithBackend selects the hal backend. Ignored by NewWithDeviceProvider.
func WithBackend(b Backend) ContextOption {
	return func(o *contextOptions) {
		o.backend = b
	}
}

// WithLogger sets a logger for this Context only, overriding the package
// logger configured with SetLogger.
func WithLogger(l *slog.Logger) ContextOption {
	return func(o *contextOptions) {
		o.logger = l
	}
}

// WithWaitTimeout sets how long ReadBuffer, Wait and Close wait for
// submitted work before declaring the device lost. Non-positive values
// keep the default.
func WithWaitTimeout(d time.Duration) ContextOption {
	return func(o *contextOptions) {
		if d > 0 {
			o.waitTimeout = d
		}
	}
}

// WithLabel sets the prefix for debug labels of GPU objects created by
// the Context.
func WithLabel(label string) ContextOption {
	return func(o *contextOptions) {
		if label != "" {
			o.label = label
		}
	}
}
