package cluster

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peers(ids ...string) []PeerInfo {
	out := make([]PeerInfo, len(ids))
	for i, id := range ids {
		out[i] = PeerInfo{ID: id, Addr: id + ":7000"}
	}
	return out
}

func TestTopologyOwnersAreStable(t *testing.T) {
	a := newTopology(1, peers("A", "B", "C"), 64, 2)
	b := newTopology(9, peers("C", "A", "B"), 64, 2)

	for seg := SegmentID(0); seg < 64; seg++ {
		require.Len(t, a.Owners(seg), 2)
		assert.Empty(t, cmp.Diff(a.Owners(seg), b.Owners(seg)), "segment %d", seg)
	}
}

func TestTopologyEverySegmentOwned(t *testing.T) {
	top := newTopology(1, peers("A", "B", "C"), 128, 2)

	counts := map[NodeID]int{}
	for _, id := range top.Members() {
		for _, seg := range top.OwnedSegments(id) {
			assert.True(t, top.IsOwner(id, seg))
			counts[id]++
		}
	}
	total := 0
	for _, c := range counts {
		assert.Greater(t, c, 0)
		total += c
	}
	assert.Equal(t, 128*2, total)
}

func TestTopologyMinimalMovement(t *testing.T) {
	before := newTopology(1, peers("A", "B", "C"), 256, 1)
	after := newTopology(2, peers("A", "B"), 256, 1)

	for seg := SegmentID(0); seg < 256; seg++ {
		p, _ := before.PrimaryOwner(seg)
		if p != "C" {
			q, _ := after.PrimaryOwner(seg)
			assert.Equal(t, p, q, "segment %d moved without its owner leaving", seg)
		}
	}
}

func TestTopologyFewerMembersThanOwners(t *testing.T) {
	top := newTopology(1, peers("A"), 8, 3)
	assert.Equal(t, []NodeID{"A"}, top.Owners(3))
	assert.Len(t, top.OwnedSegments("A"), 8)
	assert.Nil(t, top.Owners(8))
	_, ok := top.PrimaryOwner(-1)
	assert.False(t, ok)
}

func TestTopologyLookups(t *testing.T) {
	top := newTopology(4, peers("B", "A"), 4, 1)
	assert.True(t, top.Contains("A"))
	assert.False(t, top.Contains("Z"))
	assert.Equal(t, []NodeID{"A", "B"}, top.Members())

	addr, ok := top.Addr("B")
	require.True(t, ok)
	assert.Equal(t, "B:7000", addr)

	assert.True(t, top.sameMembers(peers("A", "B")))
	assert.False(t, top.sameMembers(peers("A", "C")))
}
