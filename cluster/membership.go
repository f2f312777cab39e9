package cluster

import (
	"sort"
	"sync"
	"time"
)

type memberMeta struct {
	ID   NodeID
	Addr string
}

type membership struct {
	mu    sync.RWMutex
	peers map[NodeID]*memberMeta
	seen  map[NodeID]int64
	epoch uint64
}

// newMembership creates an empty membership view with per-node addresses and
// last-seen timestamps used for liveness and topology construction.
func newMembership() *membership {
	return &membership{
		peers: make(map[NodeID]*memberMeta),
		seen:  make(map[NodeID]int64),
	}
}

// snapshot returns the known peers, a copy of the seen map and the current
// epoch so callers can take a consistent view without holding locks.
func (m *membership) snapshot() ([]PeerInfo, map[NodeID]int64, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := make([]PeerInfo, 0, len(m.peers))
	for _, meta := range m.peers {
		p = append(p, PeerInfo{ID: string(meta.ID), Addr: meta.Addr})
	}
	sort.Slice(p, func(i, j int) bool { return p[i].ID < p[j].ID })

	s := make(map[NodeID]int64, len(m.seen))
	for k, v := range m.seen {
		s[k] = v
	}
	return p, s, m.epoch
}

// integrate merges gossip from a peer: updates its address and seen
// timestamp, learns the peers it knows about and keeps the highest epoch.
func (m *membership) integrate(from NodeID, addr string, peers []PeerInfo, seen map[string]int64, epoch uint64, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch > m.epoch {
		m.epoch = epoch
	}

	m.upsertLocked(from, addr)
	m.seen[from] = now

	for _, pi := range peers {
		if pi.ID == "" {
			continue
		}
		id := NodeID(pi.ID)
		if meta, ok := m.peers[id]; !ok {
			m.peers[id] = &memberMeta{ID: id, Addr: pi.Addr}
		} else if meta.Addr == "" {
			meta.Addr = pi.Addr
		}
	}

	// merge remote observations: keep the freshest timestamp per known node.
	for k, ts := range seen {
		id := NodeID(k)
		if _, ok := m.peers[id]; !ok {
			continue
		}
		if old, ok := m.seen[id]; !ok || ts > old {
			m.seen[id] = ts
		}
	}
}

func (m *membership) upsertLocked(id NodeID, addr string) {
	if meta, ok := m.peers[id]; !ok {
		m.peers[id] = &memberMeta{ID: id, Addr: addr}
	} else if addr != "" {
		meta.Addr = addr
	}
}

// alive returns nodes seen within the suspicion window, ordered by ID.
func (m *membership) alive(now int64, suspicionAfter time.Duration) []PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerInfo, 0, len(m.peers))
	threshold := now - suspicionAfter.Nanoseconds()
	for id, meta := range m.peers {
		if m.seen[id] >= threshold {
			out = append(out, PeerInfo{ID: string(id), Addr: meta.Addr})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// pruneTombstones removes nodes that have not been seen for tombstoneAfter.
func (m *membership) pruneTombstones(now int64, tombstoneAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threshold := now - tombstoneAfter.Nanoseconds()
	for id := range m.peers {
		if ts, ok := m.seen[id]; ok && ts < threshold {
			delete(m.peers, id)
			delete(m.seen, id)
		}
	}
}

// ensure ensures a node entry exists and bumps its seen timestamp to now.
func (m *membership) ensure(id NodeID, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(id, addr)
	m.seen[id] = time.Now().UnixNano()
}

func (m *membership) addrOf(id NodeID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.peers[id]
	if !ok || meta.Addr == "" {
		return "", false
	}
	return meta.Addr, true
}

func (m *membership) currentEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// bumpEpoch advances the epoch past at least; it is called when the local
// alive set changes so every view of the change gets a fresh topology ID.
func (m *membership) bumpEpoch(at uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at > m.epoch {
		m.epoch = at
	}
	m.epoch++
	return m.epoch
}
