package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lthibault/jitterbug"

	cache "github.com/unkn0wn-root/segcache"
)

// stateConsumer drives inbound state transfer for the segments this node
// owns. It keeps at most one task per segment, imports the chunks those
// tasks receive and retries unfinished segments on other sources.
type stateConsumer struct {
	self      NodeID
	cacheName string
	store     *cache.Store
	rpc       RPCManager
	cfg       StateTransferConfig
	log       *slog.Logger
	// streaming reports whether the local provider still sends seg to
	// someone; retired segments are kept while it does.
	streaming func(SegmentID) bool

	mu       sync.Mutex
	topology *Topology
	tasks    map[SegmentID]*InboundTransferTask
	ready    segmentSet
	pending  segmentSet
	sources  map[SegmentID][]NodeID
	excluded map[SegmentID]map[NodeID]struct{}
	// segments whose request was rejected as stale wait for a topology
	// newer than the recorded one
	staleAt map[SegmentID]int
	retired map[SegmentID]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newStateConsumer(self NodeID, cacheName string, store *cache.Store, rpc RPCManager, cfg StateTransferConfig, log *slog.Logger) *stateConsumer {
	cfg.FillDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &stateConsumer{
		self:      self,
		cacheName: cacheName,
		store:     store,
		rpc:       rpc,
		cfg:       cfg,
		log:       log.With("side", "inbound"),
		streaming: func(SegmentID) bool { return false },
		tasks:     make(map[SegmentID]*InboundTransferTask),
		ready:     newSegmentSet(),
		pending:   newSegmentSet(),
		sources:   make(map[SegmentID][]NodeID),
		excluded:  make(map[SegmentID]map[NodeID]struct{}),
		staleAt:   make(map[SegmentID]int),
		retired:   make(map[SegmentID]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// start launches the jittered retry loop.
func (c *stateConsumer) start() {
	c.wg.Add(1)
	go c.retryLoop()
}

func (c *stateConsumer) retryLoop() {
	defer c.wg.Done()
	d := c.cfg.RetryInterval
	ticker := jitterbug.New(d, &jitterbug.Norm{Stdev: d / 10})
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.startPending()
			c.dropRetired(time.Now())
		case <-c.ctx.Done():
			return
		}
	}
}

// stop cancels every running task and waits for watchers to exit.
func (c *stateConsumer) stop() {
	c.mu.Lock()
	c.cancel()
	tasks := c.uniqueTasksLocked()
	c.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
	c.wg.Wait()
}

func (c *stateConsumer) uniqueTasksLocked() []*InboundTransferTask {
	seen := make(map[*InboundTransferTask]struct{}, len(c.tasks))
	out := make([]*InboundTransferTask, 0, len(c.tasks))
	for _, t := range c.tasks {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// onTopologyUpdate reconciles tasks with the segments owned in next.
func (c *stateConsumer) onTopologyUpdate(next *Topology) {
	c.mu.Lock()
	prev := c.topology
	if prev != nil && next.ID <= prev.ID {
		c.mu.Unlock()
		return
	}
	c.topology = next
	owned := newSegmentSet(next.OwnedSegments(c.self)...)

	if prev == nil {
		others := withoutMember(next, c.self)
		if len(others) == 0 {
			// first member of the cluster: nothing to fetch
			for seg := range owned {
				c.ready.add(seg)
			}
			c.mu.Unlock()
			c.log.Info("initial topology installed", "topology", next.ID, "owned", len(owned))
			return
		}
		// joining: the rest of the cluster held our segments before
		prev = newTopology(next.ID-1, others, next.NumSegments(), next.numOwners)
	}

	c.excluded = make(map[SegmentID]map[NodeID]struct{})
	c.staleAt = make(map[SegmentID]int)
	now := time.Now()

	for seg := range c.ready {
		if !owned.has(seg) {
			c.ready.remove(seg)
			c.retired[seg] = now
		}
	}

	cancels := make(map[*InboundTransferTask][]SegmentID)
	var terminate []*InboundTransferTask
	for seg, t := range c.tasks {
		if !owned.has(seg) {
			cancels[t] = append(cancels[t], seg)
			delete(c.tasks, seg)
			c.retired[seg] = now
		}
	}
	for _, t := range c.uniqueTasksLocked() {
		if !next.Contains(t.Source()) {
			terminate = append(terminate, t)
		}
	}

	for seg := range c.pending {
		if !owned.has(seg) {
			c.pending.remove(seg)
			delete(c.sources, seg)
		}
	}

	for seg := range owned {
		delete(c.retired, seg)
		switch {
		case c.ready.has(seg), c.tasks[seg] != nil:
		case c.pending.has(seg):
			c.sources[seg] = mergeSources(c.sources[seg], candidateSources(prev, next, seg), next)
		default:
			c.pending.add(seg)
			c.sources[seg] = candidateSources(prev, next, seg)
		}
	}
	c.mu.Unlock()

	c.log.Info("topology installed", "topology", next.ID, "owned", len(owned))

	for t, segs := range cancels {
		if err := t.CancelSegments(segs); err != nil {
			c.log.Debug("cancel segments", "task", t.String(), "err", err)
		}
	}
	for _, t := range terminate {
		c.log.Info("state transfer source left", "source", string(t.Source()), "segments", t.UnfinishedSegments())
		t.Terminate()
	}
	c.startPending()
}

// withoutMember returns the members of t other than id.
func withoutMember(t *Topology, id NodeID) []PeerInfo {
	out := make([]PeerInfo, 0, len(t.members))
	for _, m := range t.members {
		if m.ID != id {
			out = append(out, PeerInfo{ID: string(m.ID), Addr: m.Addr})
		}
	}
	return out
}

// candidateSources lists who may hold seg: its previous owners first, then
// its current co-owners. Only members of next qualify.
func candidateSources(prev, next *Topology, seg SegmentID) []NodeID {
	var out []NodeID
	if prev != nil {
		out = append(out, prev.Owners(seg)...)
	}
	out = append(out, next.Owners(seg)...)
	return mergeSources(nil, out, next)
}

func mergeSources(a, b []NodeID, next *Topology) []NodeID {
	seen := make(map[NodeID]struct{}, len(a)+len(b))
	out := make([]NodeID, 0, len(a)+len(b))
	for _, list := range [][]NodeID{a, b} {
		for _, id := range list {
			if _, dup := seen[id]; dup || !next.Contains(id) {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// startPending groups pending segments by source and starts one task per
// group. Segments with no source left are given up as lost.
func (c *stateConsumer) startPending() {
	c.mu.Lock()
	if c.ctx.Err() != nil || c.topology == nil || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	topo := c.topology
	groups := make(map[NodeID][]SegmentID)
	var lost []SegmentID
	for _, seg := range c.pending.sorted() {
		if at, ok := c.staleAt[seg]; ok && at >= topo.ID {
			continue
		}
		src, ok := c.pickSourceLocked(seg)
		if !ok {
			lost = append(lost, seg)
			c.pending.remove(seg)
			delete(c.sources, seg)
			c.ready.add(seg)
			continue
		}
		groups[src] = append(groups[src], seg)
	}

	var started []*InboundTransferTask
	for src, segs := range groups {
		t, err := NewInboundTransferTask(segs, src, topo.ID, c.rpc, c.cfg.Timeout, c.cacheName, c.log)
		if err != nil {
			c.log.Error("create inbound transfer task", "err", err)
			continue
		}
		for _, seg := range segs {
			c.tasks[seg] = t
			c.pending.remove(seg)
		}
		started = append(started, t)
	}
	// added under mu so stop never waits on a group that is still growing
	c.wg.Add(len(started))
	c.mu.Unlock()

	if len(lost) > 0 {
		c.log.Error("no source left for segments, their data is lost", "segments", lost, "topology", topo.ID)
	}
	for _, t := range started {
		go c.watch(t)
	}
}

func (c *stateConsumer) pickSourceLocked(seg SegmentID) (NodeID, bool) {
	for _, src := range c.sources[seg] {
		if src == c.self || !c.topology.Contains(src) {
			continue
		}
		if _, ex := c.excluded[seg][src]; ex {
			continue
		}
		return src, true
	}
	return "", false
}

// watch requests the task's segments and waits for its signal.
func (c *stateConsumer) watch(t *InboundTransferTask) {
	defer c.wg.Done()

	sig := t.RequestSegments(c.ctx)
	timer := time.NewTimer(c.cfg.CompletionTimeout)
	defer timer.Stop()

	select {
	case <-sig.Done():
	case <-timer.C:
		c.log.Warn("state transfer did not complete in time", "source", string(t.Source()), "unfinished", t.UnfinishedSegments())
		t.Terminate()
	case <-c.ctx.Done():
		t.Cancel()
		return
	}
	c.onTaskDone(t)
}

func (c *stateConsumer) onTaskDone(t *InboundTransferTask) {
	outcome, err := t.Signal().Result()
	unfinished := newSegmentSet(t.UnfinishedSegments()...)
	stale := errors.Is(err, ErrStaleTopology)

	c.mu.Lock()
	var retry []SegmentID
	for _, seg := range t.Segments() {
		if c.tasks[seg] != t {
			continue
		}
		delete(c.tasks, seg)
		if outcome == Succeeded || !unfinished.has(seg) {
			c.ready.add(seg)
			continue
		}
		c.pending.add(seg)
		retry = append(retry, seg)
		if stale {
			c.staleAt[seg] = t.TopologyID()
			continue
		}
		if c.excluded[seg] == nil {
			c.excluded[seg] = make(map[NodeID]struct{})
		}
		c.excluded[seg][t.Source()] = struct{}{}
	}
	c.mu.Unlock()

	switch {
	case outcome == Succeeded:
		c.log.Info("inbound state transfer completed", "source", string(t.Source()), "segments", t.Segments())
	case len(retry) == 0:
	case stale:
		c.log.Info("source is on a newer topology, waiting for it", "source", string(t.Source()), "segments", retry)
	default:
		c.log.Warn("inbound state transfer incomplete, retrying elsewhere", "source", string(t.Source()), "segments", retry, "outcome", outcome.String(), "err", err)
		c.startPending()
	}
}

// applyChunk stores a received chunk. It returns false when no task from
// from under the chunk's topology tracks the segment; such chunks are
// dropped and the provider stops sending them.
func (c *stateConsumer) applyChunk(from NodeID, m *MsgStateChunk) (bool, error) {
	if m.Cache != c.cacheName {
		return false, fmt.Errorf("%w: %q", ErrUnknownCache, m.Cache)
	}
	seg := SegmentID(m.Segment)

	c.mu.Lock()
	t := c.tasks[seg]
	c.mu.Unlock()
	if t == nil || t.Source() != from || t.TopologyID() != m.Topology || t.IsCancelled() {
		return false, nil
	}

	items := make([]cache.Item, 0, len(m.Items))
	for _, kv := range m.Items {
		v, err := maybeDecompress(kv.V, kv.Cp)
		if err != nil {
			return false, fmt.Errorf("%w: segment %d key %q: %v", ErrBadPeer, seg, kv.K, err)
		}
		items = append(items, cache.Item{Key: kv.K, Val: v, ExpireAbs: kv.E})
	}
	c.store.Import(items)
	t.OnStateReceived(seg, m.Last)
	return true, nil
}

// dropRetired clears retired segments once nobody streams them anymore and
// the retention window has passed.
func (c *stateConsumer) dropRetired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var drop []int
	for seg, at := range c.retired {
		if now.Sub(at) < c.cfg.RetainRetired || c.streaming(seg) {
			continue
		}
		delete(c.retired, seg)
		drop = append(drop, int(seg))
	}
	if len(drop) > 0 {
		n := c.store.DropSegments(drop...)
		c.log.Debug("dropped retired segments", "segments", drop, "entries", n)
	}
}

// ReadySegments returns the owned segments whose data is local.
func (c *stateConsumer) ReadySegments() []SegmentID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready.sorted()
}

// InProgress reports whether any owned segment is still being fetched.
func (c *stateConsumer) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks) > 0 || len(c.pending) > 0
}

func (c *stateConsumer) task(seg SegmentID) *InboundTransferTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks[seg]
}
