package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gogpu/parallel"
	"github.com/gogpu/parallel/host"
)

var (
	sumValues    []uint
	sumFill      int
	sumFillValue uint32
)

var sumCmd = &cobra.Command{
	Use:   "sum",
	Short: "Sum values on the GPU and compare with the host sum",
	Example: `  parallel sum --values 5,4,0,3,5,5,5,5,5,5
  parallel sum --fill 100024 --fill-value 2`,
	RunE: runSum,
}

func init() {
	sumCmd.Flags().UintSliceVar(&sumValues, "values", nil, "Input values")
	sumCmd.Flags().IntVar(&sumFill, "fill", 0, "Generate N copies of --fill-value instead of --values")
	sumCmd.Flags().Uint32Var(&sumFillValue, "fill-value", 1, "Value used with --fill")

	sumCmd.MarkFlagsMutuallyExclusive("values", "fill")
	rootCmd.AddCommand(sumCmd)
}

func runSum(cmd *cobra.Command, args []string) error {
	var values []uint32
	if sumFill > 0 {
		values = host.AscendingValuesOfLen(sumFill)
		for i := range values {
			values[i] *= sumFillValue
		}
	} else {
		var err error
		if values, err = toU32(sumValues); err != nil {
			return err
		}
	}
	if len(values) == 0 {
		return fmt.Errorf("nothing to sum: pass --values or --fill")
	}

	ctx, err := openContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	in, err := ctx.Upload(values)
	if err != nil {
		return err
	}
	total, err := ctx.UploadValue(0)
	if err != nil {
		return err
	}

	start := time.Now()
	var dispatches []parallel.Dispatch
	if err := ctx.DoInPass(func(p *parallel.Pass) error {
		if err := p.Sum(in, total); err != nil {
			return err
		}
		dispatches = p.Dispatches()
		return nil
	}); err != nil {
		return err
	}

	m, err := ctx.ReadBuffer(total)
	if err != nil {
		return err
	}
	gpu := m.Value()
	m.Close()
	elapsed := time.Since(start)

	pool := host.NewPool(0)
	defer pool.Close()
	start = time.Now()
	want := host.SumBlocked(pool, values)
	hostElapsed := time.Since(start)
	out := cmd.OutOrStdout()
	printer.Fprintf(out, "elements:   %d\n", len(values))
	for _, d := range dispatches {
		printer.Fprintf(out, "dispatch:   %s, %d workgroups\n", d.Kernel, d.Workgroups)
	}
	printer.Fprintf(out, "gpu sum:    %d (%v)\n", gpu, elapsed)
	printer.Fprintf(out, "host sum:   %d (%v, %d workers)\n", want, hostElapsed, pool.Workers())
	if gpu != want {
		return fmt.Errorf("gpu sum %d does not match host sum %d", gpu, want)
	}
	return nil
}
