package cluster

import (
	"sync"

	"github.com/unkn0wn-root/segcache/internal/mathutil"
)

// bufPool recycles frame buffers in power-of-two size classes between min
// and max. Frames above max are allocated exactly and never pooled.
type bufPool struct {
	sizes       []int
	pools       []sync.Pool
	indexBySize map[int]int
}

func newBufPool(min, max int) *bufPool {
	if min <= 0 {
		min = 1 << 10
	}
	min = mathutil.NextPowerOf2(min)
	var sizes []int
	for sz := min; sz <= max; sz <<= 1 {
		sizes = append(sizes, sz)
	}

	bp := &bufPool{
		sizes:       sizes,
		pools:       make([]sync.Pool, len(sizes)),
		indexBySize: make(map[int]int, len(sizes)),
	}
	for i, sz := range sizes {
		size := sz
		bp.pools[i].New = func() any {
			return make([]byte, size)
		}
		bp.indexBySize[sz] = i
	}
	return bp
}

// class returns the index of the first bucket that can hold n bytes.
func (bp *bufPool) class(n int) int {
	for i, sz := range bp.sizes {
		if n <= sz {
			return i
		}
	}
	return -1
}

// get returns a slice of length n.
func (bp *bufPool) get(n int) []byte {
	if i := bp.class(n); i >= 0 {
		b := bp.pools[i].Get().([]byte)
		return b[:n]
	}
	return make([]byte, n)
}

// put returns a buffer to the bucket matching its capacity.
func (bp *bufPool) put(b []byte) {
	if i, ok := bp.indexBySize[cap(b)]; ok {
		bp.pools[i].Put(b[:bp.sizes[i]])
	}
}
