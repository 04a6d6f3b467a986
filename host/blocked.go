package host

// BlockSize is the number of elements each task of the blocked
// primitives handles.
const BlockSize = 1 << 14

// blocks splits [0, n) into ranges of at most size elements.
func blocks(n, size int) [][2]int {
	out := make([][2]int, 0, (n+size-1)/size)
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}
	return out
}

// SumBlocked is Sum computed on pool: every block is reduced by one task,
// then the partial sums are added. The result equals Sum(values).
func SumBlocked(pool *Pool, values []uint32) uint32 {
	if len(values) <= BlockSize {
		return Sum(values)
	}
	return Sum(blockSums(pool, values))
}

func blockSums(pool *Pool, values []uint32) []uint32 {
	ranges := blocks(len(values), BlockSize)
	partial := make([]uint32, len(ranges))
	tasks := make([]func(), len(ranges))
	for i, r := range ranges {
		tasks[i] = func() { partial[i] = Sum(values[r[0]:r[1]]) }
	}
	pool.Run(tasks)
	return partial
}

// InclusiveScanBlocked is InclusiveScan computed on pool in three phases:
// per-block sums, an exclusive scan of those sums, then a per-block scan
// seeded with the block's offset.
func InclusiveScanBlocked(pool *Pool, values []uint32) []uint32 {
	return scanBlocked(pool, values, true)
}

// ExclusiveScanBlocked is ExclusiveScan computed on pool.
func ExclusiveScanBlocked(pool *Pool, values []uint32) []uint32 {
	return scanBlocked(pool, values, false)
}

func scanBlocked(pool *Pool, values []uint32, inclusive bool) []uint32 {
	if len(values) <= BlockSize {
		if inclusive {
			return InclusiveScan(values)
		}
		return ExclusiveScan(values)
	}

	offsets := ExclusiveScan(blockSums(pool, values))
	out := make([]uint32, len(values))
	ranges := blocks(len(values), BlockSize)
	tasks := make([]func(), len(ranges))
	for i, r := range ranges {
		tasks[i] = func() {
			acc := offsets[i]
			for j := r[0]; j < r[1]; j++ {
				if inclusive {
					acc += values[j]
					out[j] = acc
				} else {
					out[j] = acc
					acc += values[j]
				}
			}
		}
	}
	pool.Run(tasks)
	return out
}
