package cache

import "github.com/cespare/xxhash/v2"

// segmentOf maps key onto one of n segments. xxhash is stable across
// processes and architectures, which every node relies on to agree on
// segment membership.
func segmentOf(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// SegmentOf maps key onto one of n segments without a Store.
func SegmentOf(key string, n int) int {
	return segmentOf(key, n)
}
