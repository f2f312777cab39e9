package mathutil

import "math/bits"

// Integer is the set of integer types the helpers accept.
type Integer interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64
}

// NextPowerOf2 returns the smallest power of 2 >= n. Values <= 1 yield 1.
func NextPowerOf2[T Integer](n T) T {
	if n <= 1 {
		return 1
	}
	return T(1) << bits.Len64(uint64(n-1))
}
