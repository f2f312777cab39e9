package cluster

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

type topoMember struct {
	ID   NodeID
	Addr string
	salt uint64 // per-node salt (pre-hashed ID)
}

// Topology is an immutable view of the members and of who owns each segment.
// Its ID is the membership epoch it was built at.
type Topology struct {
	ID        int
	members   []topoMember
	index     map[NodeID]int
	numOwners int
	owners    [][]NodeID // per segment, highest rendezvous score first
}

// newTopology computes segment owners by rendezvous hashing of the segment id
// against each member's salt. The result depends only on the member IDs.
func newTopology(id int, members []PeerInfo, numSegments, numOwners int) *Topology {
	if numOwners <= 0 {
		numOwners = 1
	}
	t := &Topology{
		ID:        id,
		members:   make([]topoMember, 0, len(members)),
		index:     make(map[NodeID]int, len(members)),
		numOwners: numOwners,
		owners:    make([][]NodeID, numSegments),
	}
	for _, pi := range members {
		nid := NodeID(pi.ID)
		if _, dup := t.index[nid]; dup || nid == "" {
			continue
		}
		t.index[nid] = len(t.members)
		t.members = append(t.members, topoMember{ID: nid, Addr: pi.Addr, salt: xxhash.Sum64String(pi.ID)})
	}
	for seg := 0; seg < numSegments; seg++ {
		t.owners[seg] = t.rank(segmentHash(SegmentID(seg)))
	}
	return t
}

func segmentHash(seg SegmentID) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seg))
	return xxhash.Sum64(b[:])
}

// rank returns the top numOwners members for h.
func (t *Topology) rank(h uint64) []NodeID {
	type pair struct {
		s uint64 // rendezvous score
		n NodeID
	}
	arr := make([]pair, 0, len(t.members))
	for _, m := range t.members {
		arr = append(arr, pair{s: mix64(h ^ m.salt), n: m.ID})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].s != arr[j].s {
			return arr[i].s > arr[j].s
		}
		return arr[i].n < arr[j].n // tie-break
	})

	n := t.numOwners
	if n > len(arr) {
		n = len(arr)
	}
	out := make([]NodeID, n)
	for i := 0; i < n; i++ {
		out[i] = arr[i].n
	}
	return out
}

// mix64: fast 64-bit mixer (SplitMix64 finalizer).
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func (t *Topology) NumSegments() int { return len(t.owners) }

// Owners returns the owners of seg, primary first.
func (t *Topology) Owners(seg SegmentID) []NodeID {
	if int(seg) < 0 || int(seg) >= len(t.owners) {
		return nil
	}
	return append([]NodeID(nil), t.owners[seg]...)
}

func (t *Topology) PrimaryOwner(seg SegmentID) (NodeID, bool) {
	if int(seg) < 0 || int(seg) >= len(t.owners) || len(t.owners[seg]) == 0 {
		return "", false
	}
	return t.owners[seg][0], true
}

func (t *Topology) IsOwner(id NodeID, seg SegmentID) bool {
	if int(seg) < 0 || int(seg) >= len(t.owners) {
		return false
	}
	for _, o := range t.owners[seg] {
		if o == id {
			return true
		}
	}
	return false
}

// OwnedSegments returns the segments id owns, ascending.
func (t *Topology) OwnedSegments(id NodeID) []SegmentID {
	var out []SegmentID
	for seg, owners := range t.owners {
		for _, o := range owners {
			if o == id {
				out = append(out, SegmentID(seg))
				break
			}
		}
	}
	return out
}

func (t *Topology) Contains(id NodeID) bool {
	_, ok := t.index[id]
	return ok
}

func (t *Topology) Members() []NodeID {
	out := make([]NodeID, len(t.members))
	for i, m := range t.members {
		out[i] = m.ID
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Addr returns the dial address of a member.
func (t *Topology) Addr(id NodeID) (string, bool) {
	i, ok := t.index[id]
	if !ok {
		return "", false
	}
	return t.members[i].Addr, t.members[i].Addr != ""
}

// sameMembers reports whether t and other have the same member IDs.
func (t *Topology) sameMembers(other []PeerInfo) bool {
	if len(other) != len(t.members) {
		return false
	}
	for _, pi := range other {
		if !t.Contains(NodeID(pi.ID)) {
			return false
		}
	}
	return true
}

func (t *Topology) String() string {
	return fmt.Sprintf("Topology{id=%d, members=%v, segments=%d, owners=%d}", t.ID, t.Members(), len(t.owners), t.numOwners)
}
