package main

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/parallel"
)

var (
	logLevel    string
	backendName string
	timeout     time.Duration
)

// printer formats numbers with thousands separators.
var printer = message.NewPrinter(language.English)

var rootCmd = &cobra.Command{
	Use:   "parallel",
	Short: "Data-parallel uint32 kernels on the GPU",
	Long: `parallel uploads uint32 arrays to the GPU, runs the built-in kernels
(mod, scatter_with_value, sum_reduce) and compares the results with the
host reference implementations.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		switch logLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			return fmt.Errorf("unknown log level %q", logLevel)
		}

		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		logger := slog.New(handler)
		slog.SetDefault(logger)
		parallel.SetLogger(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "vulkan", "GPU backend (vulkan, noop)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", parallel.DefaultWaitTimeout, "Maximum wait for submitted GPU work")
}

// openContext creates a Context from the persistent flags.
func openContext() (*parallel.Context, error) {
	backend, ok := parallel.ParseBackend(backendName)
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", backendName)
	}
	return parallel.New(
		parallel.WithBackend(backend),
		parallel.WithWaitTimeout(timeout),
		parallel.WithLabel("cli"),
	)
}

// toU32 converts flag values, rejecting anything that does not fit.
func toU32(values []uint) ([]uint32, error) {
	out := make([]uint32, len(values))
	for i, v := range values {
		if v > math.MaxUint32 {
			return nil, fmt.Errorf("value %d at position %d exceeds uint32", v, i)
		}
		out[i] = uint32(v)
	}
	return out, nil
}

// readValues reads b back and copies its contents.
func readValues(ctx *parallel.Context, b *parallel.Buffer) ([]uint32, error) {
	m, err := ctx.ReadBuffer(b)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	out := make([]uint32, m.Len())
	copy(out, m.Values())
	return out, nil
}
