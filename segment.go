package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	value      []byte
	expireTime int64 // absolute ns; 0 => no expiration
}

// segment is one hash-space partition. It is the unit of locking and the
// unit of state transfer.
type segment struct {
	mu          sync.RWMutex
	data        map[string]*entry
	size        int64
	hits        int64
	misses      int64
	expirations int64
}

func newSegment() *segment {
	return &segment{data: make(map[string]*entry)}
}

// get returns the live entry for key. Expired entries are removed after
// upgrading to the write lock.
func (s *segment) get(key string) (*entry, int64, bool) {
	now := time.Now().UnixNano()

	s.mu.RLock()
	e, ok := s.data[key]
	if !ok {
		s.mu.RUnlock()
		return nil, now, false
	}
	if e.expireTime == 0 || now <= e.expireTime {
		s.mu.RUnlock()
		return e, now, true
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Entry might have been refreshed while upgrading the lock; re-evaluate.
	e, ok = s.data[key]
	if !ok {
		return nil, now, false
	}
	if e.expireTime > 0 && now > e.expireTime {
		delete(s.data, key)
		atomic.AddInt64(&s.size, -1)
		atomic.AddInt64(&s.expirations, 1)
		return nil, now, false
	}
	return e, now, true
}

func (s *segment) put(key string, value []byte, exp int64) {
	s.mu.Lock()
	if e, ok := s.data[key]; ok {
		e.value, e.expireTime = value, exp
	} else {
		s.data[key] = &entry{value: value, expireTime: exp}
		atomic.AddInt64(&s.size, 1)
	}
	s.mu.Unlock()
}

func (s *segment) remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return false
	}
	delete(s.data, key)
	atomic.AddInt64(&s.size, -1)
	return true
}

// clear drops every entry and returns how many were removed.
func (s *segment) clear() int {
	s.mu.Lock()
	n := len(s.data)
	s.data = make(map[string]*entry)
	atomic.StoreInt64(&s.size, 0)
	s.mu.Unlock()
	return n
}

// cleanup removes expired entries in two phases: collect then delete, so the
// map is not mutated while it is being ranged.
func (s *segment) cleanup(now int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for k, e := range s.data {
		if e.expireTime > 0 && now > e.expireTime {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		delete(s.data, k)
	}
	atomic.AddInt64(&s.size, -int64(len(expired)))
	return len(expired)
}

// page returns up to limit live entries with key > after, ordered by key.
// more reports whether entries remain beyond the returned page.
func (s *segment) page(after string, limit int, now int64) (out []Item, more bool) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if k <= after && after != "" {
			continue
		}
		if e.expireTime > 0 && now > e.expireTime {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys, more = keys[:limit], true
	}
	out = make([]Item, 0, len(keys))
	for _, k := range keys {
		e := s.data[k]
		out = append(out, Item{Key: k, Val: e.value, ExpireAbs: e.expireTime})
	}
	s.mu.RUnlock()
	return out, more
}
