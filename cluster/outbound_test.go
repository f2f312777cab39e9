package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	cache "github.com/unkn0wn-root/segcache"
)

type recordingSink struct {
	mu     sync.Mutex
	chunks []*MsgStateChunk
	// reject makes every chunk for this segment fail with errChunkRejected
	reject map[int]bool
	// gate, when non-nil, blocks every send until closed
	gate chan struct{}
}

func (s *recordingSink) sendChunk(ctx context.Context, to NodeID, c *MsgStateChunk) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
	if s.reject[c.Segment] {
		return errChunkRejected
	}
	return nil
}

func (s *recordingSink) bySegment() map[int][]*MsgStateChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int][]*MsgStateChunk)
	for _, c := range s.chunks {
		out[c.Segment] = append(out[c.Segment], c)
	}
	return out
}

func newTestStore(t *testing.T, segments int) *cache.Store {
	t.Helper()
	cfg := cache.DefaultConfig()
	cfg.Segments = segments
	cfg.CleanupInterval = 0
	s := cache.New(cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fillSegment stores n keys that all hash into seg.
func fillSegment(t *testing.T, s *cache.Store, seg, n int) []string {
	t.Helper()
	var keys []string
	for i := 0; len(keys) < n; i++ {
		k := fmt.Sprintf("k-%d", i)
		if s.SegmentOf(k) != seg {
			continue
		}
		require.NoError(t, s.Set(k, []byte("v-"+k), time.Hour))
		keys = append(keys, k)
	}
	return keys
}

func newTestProvider(t *testing.T, store *cache.Store, sink chunkSink, chunk int) *stateProvider {
	t.Helper()
	cfg := StateTransferConfig{ChunkSize: chunk, MaxConcurrentSegments: 2}
	p := newStateProvider("A", "c", store, sink, cfg, 0, slog.Default())
	t.Cleanup(p.close)
	return p
}

func startCmd(topology int, segs ...SegmentID) *StateRequestCommand {
	return newStateRequestCommand(StartStateTransfer, "B", "c", topology, segs)
}

func TestProviderStreamsSegmentsInChunks(t *testing.T) {
	store := newTestStore(t, 8)
	keys := fillSegment(t, store, 3, 5)
	sink := &recordingSink{}
	p := newTestProvider(t, store, sink, 2)

	require.NoError(t, p.handle(startCmd(1, 3, 5)))

	require.Eventually(t, func() bool {
		return len(p.inFlight("B")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	got := sink.bySegment()
	require.Len(t, got[3], 3)
	var seen []string
	for i, c := range got[3] {
		assert.Equal(t, i == 2, c.Last)
		assert.Equal(t, 1, c.Topology)
		assert.Equal(t, "A", c.From)
		for _, kv := range c.Items {
			seen = append(seen, kv.K)
		}
	}
	assert.ElementsMatch(t, keys, seen)

	// empty segment is a single empty last chunk
	require.Len(t, got[5], 1)
	assert.True(t, got[5][0].Last)
	assert.Empty(t, got[5][0].Items)
}

func TestProviderPacesChunks(t *testing.T) {
	store := newTestStore(t, 8)
	fillSegment(t, store, 3, 4)
	sink := &recordingSink{}
	cfg := StateTransferConfig{ChunkSize: 1, MaxConcurrentSegments: 1, ChunkRPS: 1}
	p := newStateProvider("A", "c", store, sink, cfg, 0, slog.Default())
	require.NotNil(t, p.limiter)
	assert.Equal(t, rate.Limit(1), p.limiter.Limit())
	assert.Equal(t, 1, p.limiter.Burst())

	require.NoError(t, p.handle(startCmd(1, 3)))
	require.Eventually(t, func() bool { return len(sink.bySegment()[3]) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(sink.bySegment()[3]) > 1 }, 300*time.Millisecond, 20*time.Millisecond)

	// close interrupts a transfer waiting for its next token
	start := time.Now()
	p.close()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Empty(t, p.inFlight("B"))
}

func TestProviderUnlimitedByDefault(t *testing.T) {
	p := newTestProvider(t, newTestStore(t, 8), &recordingSink{}, 1)
	assert.Nil(t, p.limiter)
}

func TestProviderRejectsStaleTopology(t *testing.T) {
	store := newTestStore(t, 8)
	p := newTestProvider(t, store, &recordingSink{}, 16)
	p.onTopologyUpdate(newTopology(5, peers("A", "B"), 8, 1))

	err := p.handle(startCmd(4, 1))
	require.ErrorIs(t, err, ErrStaleTopology)
	assert.Equal(t, codeStaleTopology, errorCode(err))

	require.NoError(t, p.handle(startCmd(6, 1)), "requester ahead of us is accepted")
}

func TestProviderRejectsUnknownCacheAndSegment(t *testing.T) {
	store := newTestStore(t, 8)
	p := newTestProvider(t, store, &recordingSink{}, 16)

	cmd := newStateRequestCommand(StartStateTransfer, "B", "other", 1, []SegmentID{1})
	require.ErrorIs(t, p.handle(cmd), ErrUnknownCache)
	require.ErrorIs(t, p.handle(startCmd(1, 8)), cache.ErrInvalidSegment)
}

func TestProviderCancelStopsSegment(t *testing.T) {
	store := newTestStore(t, 8)
	fillSegment(t, store, 2, 4)
	sink := &recordingSink{gate: make(chan struct{})}
	p := newTestProvider(t, store, sink, 1)

	require.NoError(t, p.handle(startCmd(1, 2, 4)))
	assert.Equal(t, []SegmentID{2, 4}, p.inFlight("B"))

	require.NoError(t, p.handle(newStateRequestCommand(CancelStateTransfer, "B", "c", 1, []SegmentID{2})))
	assert.Equal(t, []SegmentID{4}, p.inFlight("B"))
	assert.False(t, p.streaming(2))
	close(sink.gate)

	require.Eventually(t, func() bool {
		return len(p.inFlight("B")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	got := sink.bySegment()
	assert.LessOrEqual(t, len(got[2]), 1, "at most the chunk already in flight")
	require.NotEmpty(t, got[4])
	assert.True(t, got[4][len(got[4])-1].Last)
}

func TestProviderStopsOnRejectedChunk(t *testing.T) {
	store := newTestStore(t, 8)
	fillSegment(t, store, 1, 6)
	sink := &recordingSink{reject: map[int]bool{1: true}}
	p := newTestProvider(t, store, sink, 2)

	require.NoError(t, p.handle(startCmd(1, 1)))
	require.Eventually(t, func() bool {
		return len(p.inFlight("B")) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, sink.bySegment()[1], 1)
}

func TestProviderCancelsTransfersToLeavers(t *testing.T) {
	store := newTestStore(t, 8)
	sink := &recordingSink{gate: make(chan struct{})}
	defer close(sink.gate)
	p := newTestProvider(t, store, sink, 4)

	require.NoError(t, p.handle(startCmd(1, 0, 1)))
	p.onTopologyUpdate(newTopology(2, peers("A"), 8, 1))

	require.Eventually(t, func() bool {
		return len(p.inFlight("B")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
