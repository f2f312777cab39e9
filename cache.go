package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// Expiration sentinels for Set(): NoExpiration => never expires; DefaultExpiration => use Config.DefaultTTL.
	NoExpiration      time.Duration = -1
	DefaultExpiration time.Duration = 0

	defaultSegments        = 256
	defaultCleanupInterval = 1 * time.Minute

	// Segment ids are carried on the wire as int; cap to keep per-segment
	// bookkeeping on peers bounded.
	maxSegments = 1 << 16
)

// Cache is the public API of the segmented in-memory store.
type Cache interface {
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, bool)
	Delete(key string) bool
	Size() int64
	Stats() Stats
	Close() error
}

// Stats exposes approximate telemetry aggregated across segments.
type Stats struct {
	Hits        int64
	Misses      int64
	Expirations int64
	Size        int64
	HitRatio    float64
	Segments    int
}

// Config groups segment count, TTL and telemetry options. Segments must be
// identical on every node of a cluster since it defines the hash space split.
type Config struct {
	Segments        int
	CleanupInterval time.Duration
	DefaultTTL      time.Duration
	StatsEnabled    bool
}

// DefaultConfig returns sane defaults for a clustered store.
func DefaultConfig() Config {
	return Config{
		Segments:        defaultSegments,
		CleanupInterval: defaultCleanupInterval,
		DefaultTTL:      NoExpiration,
		StatsEnabled:    true,
	}
}

// Store is an in-memory cache split into a fixed number of hash-space
// segments. Each segment has its own lock and map so whole segments can be
// exported, imported and dropped during state transfer.
type Store struct {
	segments  []*segment
	config    Config
	cleanupCh chan struct{} // manual cleanup trigger (coalesced)
	closeCh   chan struct{}
	closeOnce sync.Once
	closed    int32
}

// New builds a store with cfg.Segments segments and starts the expiry
// sweeper if configured.
func New(cfg Config) *Store {
	n := cfg.Segments
	if n <= 0 {
		n = defaultSegments
	}
	if n > maxSegments {
		n = maxSegments
	}
	cfg.Segments = n

	s := &Store{
		segments:  make([]*segment, n),
		config:    cfg,
		cleanupCh: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
	for i := range s.segments {
		s.segments[i] = newSegment()
	}

	if cfg.CleanupInterval > 0 {
		go s.cleanupWorker()
	}
	return s
}

// NewWithDefaults constructs a store using DefaultConfig().
func NewWithDefaults() *Store {
	return New(DefaultConfig())
}

// NumSegments returns the number of hash-space segments.
func (s *Store) NumSegments() int { return len(s.segments) }

// SegmentOf maps key to its segment.
func (s *Store) SegmentOf(key string) int {
	return segmentOf(key, len(s.segments))
}

func (s *Store) segment(id int) (*segment, bool) {
	if id < 0 || id >= len(s.segments) {
		return nil, false
	}
	return s.segments[id], true
}

// Get returns the value for key, if present and not expired.
func (s *Store) Get(key string) ([]byte, bool) {
	v, _, ok := s.GetWithTTL(key)
	return v, ok
}

// GetWithTTL returns the value and the remaining TTL (-1 if never expires).
func (s *Store) GetWithTTL(key string) ([]byte, time.Duration, bool) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, 0, false
	}
	seg := s.segments[s.SegmentOf(key)]
	e, now, ok := seg.get(key)
	if s.config.StatsEnabled {
		if ok {
			atomic.AddInt64(&seg.hits, 1)
		} else {
			atomic.AddInt64(&seg.misses, 1)
		}
	}
	if !ok {
		return nil, 0, false
	}
	if e.expireTime == 0 {
		return e.value, -1, true
	}
	return e.value, time.Duration(e.expireTime - now), true
}

// Set inserts or replaces key with the given TTL.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrCacheClosed
	}
	if key == "" {
		return newCacheError("set", key, ErrEmptyKey)
	}
	if ttl == DefaultExpiration {
		ttl = s.config.DefaultTTL
	}

	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixNano()
	}
	s.segments[s.SegmentOf(key)].put(key, value, exp)
	return nil
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	if atomic.LoadInt32(&s.closed) == 1 {
		return false
	}
	return s.segments[s.SegmentOf(key)].remove(key)
}

// Size sums per-segment sizes via atomic loads.
func (s *Store) Size() int64 {
	var total int64
	for _, seg := range s.segments {
		total += atomic.LoadInt64(&seg.size)
	}
	return total
}

// SegmentSize returns the number of entries held for segment id.
func (s *Store) SegmentSize(id int) int64 {
	seg, ok := s.segment(id)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&seg.size)
}

// Stats aggregates counters and computes hit ratio.
func (s *Store) Stats() Stats {
	st := Stats{Size: s.Size(), Segments: len(s.segments)}
	if !s.config.StatsEnabled {
		return st
	}
	for _, seg := range s.segments {
		st.Hits += atomic.LoadInt64(&seg.hits)
		st.Misses += atomic.LoadInt64(&seg.misses)
		st.Expirations += atomic.LoadInt64(&seg.expirations)
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRatio = float64(st.Hits) / float64(total)
	}
	return st
}

// Close idempotently stops the sweeper, clears all segments and marks the
// store closed.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		atomic.StoreInt32(&s.closed, 1)
		for _, seg := range s.segments {
			seg.clear()
		}
	})
	return nil
}

// TriggerCleanup requests a cleanup run (inline if ticker disabled; coalesced otherwise).
func (s *Store) TriggerCleanup() {
	if atomic.LoadInt32(&s.closed) == 1 {
		return
	}
	if s.config.CleanupInterval <= 0 {
		s.cleanup()
		return
	}
	select {
	case s.cleanupCh <- struct{}{}:
	default:
	}
}

func (s *Store) cleanupWorker() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.cleanupCh:
			s.cleanup()
		case <-s.closeCh:
			return
		}
	}
}

// cleanup removes expired entries across segments using a single time anchor.
func (s *Store) cleanup() {
	if atomic.LoadInt32(&s.closed) == 1 {
		return
	}
	now := time.Now().UnixNano()
	for _, seg := range s.segments {
		n := seg.cleanup(now)
		if s.config.StatsEnabled && n > 0 {
			atomic.AddInt64(&seg.expirations, int64(n))
		}
	}
}
