package cache

import (
	"sync/atomic"
	"time"
)

// Item is a wire-friendly entry with absolute expiry, used when segments are
// moved between nodes.
type Item struct {
	Key       string
	Val       []byte
	ExpireAbs int64 // 0 = no expiration
}

// Page is one slice of a segment export. Next is the cursor for the following
// call; Done is set on the final page of the segment.
type Page struct {
	Items []Item
	Next  string
	Done  bool
}

// ExportSegment returns up to limit live entries of segment id whose key
// sorts after the cursor. An empty cursor starts from the beginning.
// Pagination is by key order so pages neither repeat nor skip entries that
// stay in place between calls.
func (s *Store) ExportSegment(id int, after string, limit int) (Page, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return Page{}, ErrCacheClosed
	}
	seg, ok := s.segment(id)
	if !ok {
		return Page{}, newCacheError("export", "", ErrInvalidSegment)
	}

	items, more := seg.page(after, limit, time.Now().UnixNano())
	p := Page{Items: items, Done: !more}
	if len(items) > 0 {
		p.Next = items[len(items)-1].Key
	}
	return p, nil
}

// Import inserts or overwrites items with their absolute expiry. Items that
// already expired are skipped. Returns the number of items stored.
func (s *Store) Import(items []Item) int {
	if atomic.LoadInt32(&s.closed) == 1 {
		return 0
	}
	now := time.Now().UnixNano()
	n := 0
	for _, it := range items {
		if it.Key == "" || (it.ExpireAbs > 0 && now > it.ExpireAbs) {
			continue
		}
		s.segments[s.SegmentOf(it.Key)].put(it.Key, it.Val, it.ExpireAbs)
		n++
	}
	return n
}

// DropSegments removes every entry of the given segments and returns the
// total number of entries dropped. Unknown segment ids are ignored.
func (s *Store) DropSegments(ids ...int) int {
	total := 0
	for _, id := range ids {
		if seg, ok := s.segment(id); ok {
			total += seg.clear()
		}
	}
	return total
}
