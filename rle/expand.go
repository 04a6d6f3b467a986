// Package rle expands run-length encoded data with GPU passes.
//
// A run-length vector runs[i] gives the length of run i. Expanding it
// yields one output element per covered position, holding the 1-based
// ordinal of the non-empty run that covers it:
//
//	runs   = [5, 4, 0, 3]
//	Expand = [1 1 1 1 1 2 2 2 2 3 3 3]
//
// ExpandParity reduces each ordinal modulo 2, producing alternating
// blocks of 1 and 0, a decoded bitmap whose runs start with a set bit.
package rle

import (
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/parallel"
	"github.com/gogpu/parallel/host"
)

// ErrSumMismatch is returned when the device sum of the run lengths
// disagrees with the host sum.
var ErrSumMismatch = errors.New("rle: device and host run totals differ")

// ErrTooLong is returned when the expansion would exceed 2^32-1 elements.
var ErrTooLong = errors.New("rle: expansion too long")

// Expand expands runs on the device.
//
// Run start offsets come from a host exclusive scan. The total length is
// summed on the device, a zeroed marker array of that length gets a 1 at
// the start of every non-empty run, and the host inclusive scan of the
// markers yields the run ordinals.
func Expand(ctx *parallel.Context, runs []uint32) ([]uint32, error) {
	markers, total, err := runStarts(ctx, runs)
	if err != nil || total == 0 {
		return nil, err
	}
	return host.InclusiveScan(markers), nil
}

// ExpandParity is Expand followed by a device modulo 2.
func ExpandParity(ctx *parallel.Context, runs []uint32) ([]uint32, error) {
	ordinals, err := Expand(ctx, runs)
	if err != nil || len(ordinals) == 0 {
		return nil, err
	}

	buf, err := ctx.Upload(ordinals)
	if err != nil {
		return nil, fmt.Errorf("rle: upload ordinals: %w", err)
	}
	defer buf.Destroy()

	if err := ctx.DoInPass(func(p *parallel.Pass) error {
		return p.ModInPlace(buf, 2)
	}); err != nil {
		return nil, fmt.Errorf("rle: parity pass: %w", err)
	}
	return readAll(ctx, buf)
}

// runStarts returns the marker array with a 1 at the start of every
// non-empty run, and its length.
func runStarts(ctx *parallel.Context, runs []uint32) ([]uint32, uint32, error) {
	if len(runs) == 0 {
		return nil, 0, nil
	}
	want, err := hostTotal(runs)
	if err != nil {
		return nil, 0, err
	}

	lengths, err := ctx.Upload(runs)
	if err != nil {
		return nil, 0, fmt.Errorf("rle: upload runs: %w", err)
	}
	defer lengths.Destroy()
	totalBuf, err := ctx.UploadValue(0)
	if err != nil {
		return nil, 0, fmt.Errorf("rle: upload total: %w", err)
	}
	defer totalBuf.Destroy()

	if err := ctx.DoInPass(func(p *parallel.Pass) error {
		return p.Sum(lengths, totalBuf)
	}); err != nil {
		return nil, 0, fmt.Errorf("rle: sum pass: %w", err)
	}
	m, err := ctx.ReadBuffer(totalBuf)
	if err != nil {
		return nil, 0, fmt.Errorf("rle: read total: %w", err)
	}
	total := m.Value()
	m.Close()

	if total != want {
		return nil, 0, fmt.Errorf("%w: device %d, host %d", ErrSumMismatch, total, want)
	}
	if total == 0 {
		return nil, 0, nil
	}

	starts := nonEmptyStarts(runs)
	indices, err := ctx.Upload(starts)
	if err != nil {
		return nil, 0, fmt.Errorf("rle: upload starts: %w", err)
	}
	defer indices.Destroy()
	markers, err := ctx.Upload(host.ZeroedArrayOfSize(int(total)))
	if err != nil {
		return nil, 0, fmt.Errorf("rle: upload markers: %w", err)
	}
	defer markers.Destroy()

	if err := ctx.DoInPass(func(p *parallel.Pass) error {
		return p.ScatterWithValue(indices, markers, 1)
	}); err != nil {
		return nil, 0, fmt.Errorf("rle: scatter pass: %w", err)
	}

	out, err := readAll(ctx, markers)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// nonEmptyStarts returns the start offset of every run with a non-zero
// length.
func nonEmptyStarts(runs []uint32) []uint32 {
	offsets := host.ExclusiveScan(runs)
	starts := make([]uint32, 0, len(runs))
	for i, n := range runs {
		if n != 0 {
			starts = append(starts, offsets[i])
		}
	}
	return starts
}

func hostTotal(runs []uint32) (uint32, error) {
	var total uint64
	for _, n := range runs {
		total += uint64(n)
	}
	if total > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d elements", ErrTooLong, total)
	}
	return uint32(total), nil
}

func readAll(ctx *parallel.Context, b *parallel.Buffer) ([]uint32, error) {
	m, err := ctx.ReadBuffer(b)
	if err != nil {
		return nil, fmt.Errorf("rle: read %s: %w", b.Label(), err)
	}
	defer m.Close()
	out := make([]uint32, m.Len())
	copy(out, m.Values())
	return out, nil
}

// ExpandHost computes Expand with host primitives only.
func ExpandHost(runs []uint32) ([]uint32, error) {
	total, err := hostTotal(runs)
	if err != nil || total == 0 {
		return nil, err
	}
	markers := host.ZeroedArrayOfSize(int(total))
	if err := host.ScatterWithValue(markers, nonEmptyStarts(runs), 1); err != nil {
		return nil, fmt.Errorf("rle: %w", err)
	}
	return host.InclusiveScan(markers), nil
}

// ExpandParityHost computes ExpandParity with host primitives only.
func ExpandParityHost(runs []uint32) ([]uint32, error) {
	out, err := ExpandHost(runs)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i] %= 2
	}
	return out, nil
}
