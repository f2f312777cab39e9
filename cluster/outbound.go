package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	cache "github.com/unkn0wn-root/segcache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// errChunkRejected is returned by a chunkSink when the requester no longer
// tracks the segment. The provider stops streaming that segment.
var errChunkRejected = errors.New("chunk rejected")

// chunkSink delivers state chunks to a requester and waits for its ack.
type chunkSink interface {
	sendChunk(ctx context.Context, to NodeID, c *MsgStateChunk) error
}

// outboundTransfer streams a set of segments to one requester.
type outboundTransfer struct {
	dest       NodeID
	topologyID int
	cancel     context.CancelFunc

	mu       sync.Mutex
	segments segmentSet
}

func (t *outboundTransfer) has(seg SegmentID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.segments.has(seg)
}

// remove drops segs and reports whether nothing is left.
func (t *outboundTransfer) remove(segs []SegmentID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range segs {
		t.segments.remove(s)
	}
	return len(t.segments) == 0
}

func (t *outboundTransfer) snapshot() []SegmentID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.segments.sorted()
}

// stateProvider answers state requests by streaming local segments.
type stateProvider struct {
	self        NodeID
	cacheName   string
	store       *cache.Store
	sink        chunkSink
	cfg         StateTransferConfig
	compressThr int
	limiter     *rate.Limiter
	log         *slog.Logger

	mu         sync.Mutex
	topologyID int
	transfers  map[NodeID][]*outboundTransfer
	closed     bool
	wg         sync.WaitGroup
}

func newStateProvider(self NodeID, cacheName string, store *cache.Store, sink chunkSink, cfg StateTransferConfig, compressThr int, log *slog.Logger) *stateProvider {
	cfg.FillDefaults()
	p := &stateProvider{
		self:        self,
		cacheName:   cacheName,
		store:       store,
		sink:        sink,
		cfg:         cfg,
		compressThr: compressThr,
		log:         log.With("side", "outbound"),
		transfers:   make(map[NodeID][]*outboundTransfer),
	}
	if cfg.ChunkRPS > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.ChunkRPS), cfg.ChunkRPS)
	}
	return p
}

// handle serves a state request. Start requests are answered with the
// returned error; cancel requests are advisory and never fail.
func (p *stateProvider) handle(cmd *StateRequestCommand) error {
	if cmd.Cache != p.cacheName {
		return fmt.Errorf("%w: %q", ErrUnknownCache, cmd.Cache)
	}
	switch cmd.Kind {
	case StartStateTransfer:
		return p.startOutbound(cmd)
	case CancelStateTransfer:
		p.cancelOutbound(cmd.Origin, cmd.Segments)
		return nil
	}
	return fmt.Errorf("%w: unknown state request kind %d", ErrBadPeer, cmd.Kind)
}

func (p *stateProvider) startOutbound(cmd *StateRequestCommand) error {
	if len(cmd.Segments) == 0 {
		return nil
	}
	for _, s := range cmd.Segments {
		if int(s) >= p.store.NumSegments() {
			return fmt.Errorf("%w: segment %d out of range", cache.ErrInvalidSegment, s)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if cmd.TopologyID < p.topologyID {
		cur := p.topologyID
		p.mu.Unlock()
		return fmt.Errorf("%w: request topology %d, local %d", ErrStaleTopology, cmd.TopologyID, cur)
	}

	// a newer request for the same segments supersedes older transfers
	for _, old := range p.transfers[cmd.Origin] {
		if old.remove(cmd.Segments) {
			old.cancel()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	tr := &outboundTransfer{
		dest:       cmd.Origin,
		topologyID: cmd.TopologyID,
		cancel:     cancel,
		segments:   newSegmentSet(cmd.Segments...),
	}
	p.transfers[cmd.Origin] = append(p.transfers[cmd.Origin], tr)
	p.wg.Add(1)
	p.mu.Unlock()

	p.log.Debug("starting outbound state transfer", "dest", string(cmd.Origin), "topology", cmd.TopologyID, "segments", cmd.Segments)
	go p.run(ctx, tr)
	return nil
}

func (p *stateProvider) run(ctx context.Context, tr *outboundTransfer) {
	defer p.wg.Done()
	defer p.forget(tr)
	defer tr.cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrentSegments)
	for _, seg := range tr.snapshot() {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return p.streamSegment(gctx, tr, seg)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("outbound state transfer failed", "dest", string(tr.dest), "topology", tr.topologyID, "err", err)
		return
	}
	p.log.Debug("outbound state transfer done", "dest", string(tr.dest), "topology", tr.topologyID)
}

// streamSegment pages through seg in key order and sends one chunk per page.
// The final chunk carries Last, so an empty segment is a single empty chunk.
func (p *stateProvider) streamSegment(ctx context.Context, tr *outboundTransfer, seg SegmentID) error {
	cursor := ""
	for {
		if !tr.has(seg) {
			return nil
		}
		page, err := p.store.ExportSegment(int(seg), cursor, p.cfg.ChunkSize)
		if err != nil {
			return fmt.Errorf("export segment %d: %w", seg, err)
		}

		items := make([]KV, 0, len(page.Items))
		for _, it := range page.Items {
			v, cp := maybeCompress(it.Val, p.compressThr)
			items = append(items, KV{K: it.Key, V: v, E: it.ExpireAbs, Cp: cp})
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		msg := &MsgStateChunk{
			Base:     Base{T: MTStateChunk},
			From:     string(p.self),
			Cache:    p.cacheName,
			Topology: tr.topologyID,
			Segment:  int(seg),
			Items:    items,
			Last:     page.Done,
		}
		if err := p.sink.sendChunk(ctx, tr.dest, msg); err != nil {
			if errors.Is(err, errChunkRejected) {
				p.log.Debug("requester rejected chunk, stopping segment", "dest", string(tr.dest), "segment", seg)
				tr.remove([]SegmentID{seg})
				return nil
			}
			return fmt.Errorf("send segment %d chunk: %w", seg, err)
		}
		if page.Done {
			return nil
		}
		cursor = page.Next
	}
}

func (p *stateProvider) forget(tr *outboundTransfer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.transfers[tr.dest]
	for i, t := range list {
		if t == tr {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.transfers, tr.dest)
	} else {
		p.transfers[tr.dest] = list
	}
}

// cancelOutbound stops sending segs to dest. Segments not in flight are
// ignored.
func (p *stateProvider) cancelOutbound(dest NodeID, segs []SegmentID) {
	p.mu.Lock()
	list := append([]*outboundTransfer(nil), p.transfers[dest]...)
	p.mu.Unlock()

	for _, tr := range list {
		if tr.remove(segs) {
			tr.cancel()
		}
	}
	if len(list) > 0 {
		p.log.Debug("cancelled outbound state transfer", "dest", string(dest), "segments", segs)
	}
}

// onTopologyUpdate records the current topology and stops transfers to
// requesters that left.
func (p *stateProvider) onTopologyUpdate(t *Topology) {
	p.mu.Lock()
	if t.ID > p.topologyID {
		p.topologyID = t.ID
	}
	var gone []*outboundTransfer
	for dest, list := range p.transfers {
		if !t.Contains(dest) {
			gone = append(gone, list...)
		}
	}
	p.mu.Unlock()

	for _, tr := range gone {
		p.log.Debug("requester left, cancelling outbound state transfer", "dest", string(tr.dest))
		tr.cancel()
	}
}

// inFlight returns the segments currently being sent to dest.
func (p *stateProvider) inFlight(dest NodeID) []SegmentID {
	p.mu.Lock()
	list := append([]*outboundTransfer(nil), p.transfers[dest]...)
	p.mu.Unlock()

	set := newSegmentSet()
	for _, tr := range list {
		for _, s := range tr.snapshot() {
			set.add(s)
		}
	}
	return set.sorted()
}

// streaming reports whether any transfer still covers seg.
func (p *stateProvider) streaming(seg SegmentID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, list := range p.transfers {
		for _, tr := range list {
			if tr.has(seg) {
				return true
			}
		}
	}
	return false
}

func (p *stateProvider) close() {
	p.mu.Lock()
	p.closed = true
	for _, list := range p.transfers {
		for _, tr := range list {
			tr.cancel()
		}
	}
	p.mu.Unlock()

	p.wg.Wait()
}
