// Package host provides sequential reference implementations of the
// data-parallel primitives, used to build inputs for GPU passes and to
// check their results.
//
// All arithmetic wraps modulo 2^32.
package host

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexOutOfRange is returned when a scatter index is not a valid
	// position in the output.
	ErrIndexOutOfRange = errors.New("host: scatter index out of range")

	// ErrLengthMismatch is returned when paired slices differ in length.
	ErrLengthMismatch = errors.New("host: length mismatch")
)

// Sum returns the sum of values.
func Sum(values []uint32) uint32 {
	var total uint32
	for _, v := range values {
		total += v
	}
	return total
}

// InclusiveScan returns out where out[i] = values[0] + ... + values[i].
func InclusiveScan(values []uint32) []uint32 {
	out := make([]uint32, len(values))
	var acc uint32
	for i, v := range values {
		acc += v
		out[i] = acc
	}
	return out
}

// ExclusiveScan returns out where out[0] = 0 and
// out[i] = values[0] + ... + values[i-1].
func ExclusiveScan(values []uint32) []uint32 {
	out := make([]uint32, len(values))
	var acc uint32
	for i, v := range values {
		out[i] = acc
		acc += v
	}
	return out
}

// ScatterWithValue sets output[indices[i]] = value for every i.
// Indices are checked before any write; an out-of-range index leaves
// output untouched and returns ErrIndexOutOfRange.
func ScatterWithValue(output, indices []uint32, value uint32) error {
	if err := checkIndices(len(output), indices); err != nil {
		return err
	}
	for i := len(indices) - 1; i >= 0; i-- {
		output[indices[i]] = value
	}
	return nil
}

// ScatterIfNonZero sets output[indices[i]] = input[i] for every i with
// input[i] != 0. Elements are visited from the last to the first, so when
// two sources target the same slot the lower source index wins.
func ScatterIfNonZero(output, indices, input []uint32) error {
	if len(indices) != len(input) {
		return fmt.Errorf("%w: %d indices, %d inputs", ErrLengthMismatch, len(indices), len(input))
	}
	if err := checkIndices(len(output), indices); err != nil {
		return err
	}
	for i := len(indices) - 1; i >= 0; i-- {
		if input[i] != 0 {
			output[indices[i]] = input[i]
		}
	}
	return nil
}

func checkIndices(n int, indices []uint32) error {
	for i, idx := range indices {
		if uint64(idx) >= uint64(n) {
			return fmt.Errorf("%w: indices[%d] = %d, output length %d", ErrIndexOutOfRange, i, idx, n)
		}
	}
	return nil
}

// ZeroedArrayOfSize returns n zeros.
func ZeroedArrayOfSize(n int) []uint32 {
	return make([]uint32, n)
}

// AscendingValuesOfLen returns n ones. Their inclusive scan is 1, 2, ..., n.
func AscendingValuesOfLen(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
