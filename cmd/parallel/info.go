package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/parallel"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the selected adapter and compiled kernels",
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx, err := openContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "parallel %s\n", parallel.Version)
	fmt.Fprintf(out, "adapter:  %s\n", ctx.AdapterInfo())
	fmt.Fprintln(out, "kernels:")
	for _, name := range ctx.Kernels() {
		fmt.Fprintf(out, "  %s\n", name)
	}
	return nil
}
