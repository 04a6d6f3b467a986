package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gogpu/parallel"
)

var (
	modValues  []uint
	modModulus uint32
	modScatter []uint
	modValue   uint32
)

var modCmd = &cobra.Command{
	Use:   "mod",
	Short: "Reduce values modulo N, optionally scattering a constant",
	Long: `Uploads --values, applies value % --modulus on the GPU and, when
--scatter is given, writes --value at each scatter index in the same pass.`,
	Example: `  parallel mod --values 394848,33,3,2,2,2,32,32,3 --modulus 9 --scatter 1,3 --value 77`,
	RunE:    runMod,
}

func init() {
	modCmd.Flags().UintSliceVar(&modValues, "values", nil, "Input values (required)")
	modCmd.Flags().Uint32Var(&modModulus, "modulus", 9, "Modulus (non-zero)")
	modCmd.Flags().UintSliceVar(&modScatter, "scatter", nil, "Indices to overwrite after the modulo")
	modCmd.Flags().Uint32Var(&modValue, "value", 77, "Value written at each scatter index")

	modCmd.MarkFlagRequired("values")
	rootCmd.AddCommand(modCmd)
}

func runMod(cmd *cobra.Command, args []string) error {
	values, err := toU32(modValues)
	if err != nil {
		return err
	}
	indices, err := toU32(modScatter)
	if err != nil {
		return err
	}

	ctx, err := openContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	buf, err := ctx.Upload(values)
	if err != nil {
		return fmt.Errorf("upload values: %w", err)
	}
	var idx *parallel.Buffer
	if len(indices) > 0 {
		if idx, err = ctx.Upload(indices); err != nil {
			return fmt.Errorf("upload indices: %w", err)
		}
	}

	err = ctx.DoInPass(func(p *parallel.Pass) error {
		if err := p.ModInPlace(buf, modModulus); err != nil {
			return err
		}
		if idx != nil {
			if err := p.ScatterWithValue(idx, buf, modValue); err != nil {
				return err
			}
		}
		slog.Debug("mod: pass recorded", "dispatches", p.DispatchCount())
		return nil
	})
	if err != nil {
		return err
	}

	result, err := readValues(ctx, buf)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatValues(result))
	return nil
}

func formatValues(values []uint32) string {
	return fmt.Sprint(values)
}
