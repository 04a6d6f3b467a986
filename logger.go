package parallel

import (
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/parallel/internal/kernels"
)

// loggerPtr holds the package logger shared by every Context that was not
// given its own through WithLogger.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(slog.DiscardHandler))
}

// SetLogger routes the log output of parallel and its kernel registry to l.
// Nothing is logged until SetLogger is called; nil silences output again.
// A logger passed to WithLogger takes precedence for that Context.
//
// Events, by level:
//   - Debug "parallel: buffer created": label, len, kind, bytes
//   - Debug "parallel: dispatch recorded": pass, kernel, elements, workgroups
//   - Debug "parallel: dispatch skipped, no work": kernel
//   - Debug "parallel: pass submitted": pass, dispatches, in_flight
//   - Debug "parallel: pass dropped", "parallel: empty pass not submitted"
//   - Debug "parallel: buffer read back": buffer, bytes
//   - Debug "kernels: pipeline created": kernel, layout, param, spirv_words
//   - Info "parallel: context created", "parallel: context closed",
//     "kernels: registry initialized"
//   - Warn "parallel: releasing resources of a lost device": in_flight
//
// SetLogger is safe for concurrent use.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	loggerPtr.Store(l)
	kernels.SetLogger(l)
}

// Logger returns the package logger.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
