package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/parallel/rle"
)

var (
	expandRuns   []uint
	expandParity bool
	expandVerify bool
)

var expandCmd = &cobra.Command{
	Use:     "expand",
	Short:   "Expand run-length encoded data on the GPU",
	Example: `  parallel expand --runs 5,4,0,3 --parity`,
	RunE:    runExpand,
}

func init() {
	expandCmd.Flags().UintSliceVar(&expandRuns, "runs", nil, "Run lengths (required)")
	expandCmd.Flags().BoolVar(&expandParity, "parity", true, "Reduce run ordinals modulo 2")
	expandCmd.Flags().BoolVar(&expandVerify, "verify", true, "Compare with the host expansion")

	expandCmd.MarkFlagRequired("runs")
	rootCmd.AddCommand(expandCmd)
}

func runExpand(cmd *cobra.Command, args []string) error {
	runs, err := toU32(expandRuns)
	if err != nil {
		return err
	}

	ctx, err := openContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	expand, expandHost := rle.Expand, rle.ExpandHost
	if expandParity {
		expand, expandHost = rle.ExpandParity, rle.ExpandParityHost
	}

	got, err := expand(ctx, runs)
	if err != nil {
		return err
	}
	printer.Fprintf(cmd.OutOrStdout(), "%d elements\n", len(got))
	fmt.Fprintln(cmd.OutOrStdout(), formatValues(got))

	if expandVerify {
		want, err := expandHost(runs)
		if err != nil {
			return err
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return fmt.Errorf("gpu expansion differs from host: %v", want)
		}
	}
	return nil
}
