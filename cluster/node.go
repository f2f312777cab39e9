package cluster

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lthibault/jitterbug"
	"golang.org/x/sync/errgroup"

	cache "github.com/unkn0wn-root/segcache"
)

const errUnauthorized = "unauthorized"

var readBufPool = newBufPool(1<<10, 64<<10)

// Node is one member of a segmented cache cluster. It owns a local store,
// gossips membership, derives the segment topology and moves segment state
// between members when ownership changes.
type Node struct {
	cfg   Config
	log   *slog.Logger
	store *cache.Store
	ln    net.Listener

	mem      *membership
	topology atomic.Pointer[Topology]
	provider *stateProvider
	consumer *stateConsumer
	rpc      *nodeRPC

	peersMu       sync.RWMutex
	peers         map[string]*peerConn
	tlsServerConf *tls.Config
	tlsClientConf *tls.Config
	reqID         uint64
	handshakeGate chan struct{}

	joined   atomic.Bool
	started  time.Time
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewNode constructs an unstarted Node serving store. The store's segment
// count must equal cfg.NumSegments on every member; a zero NumSegments is
// taken from the store.
func NewNode(cfg Config, store *cache.Store) (*Node, error) {
	if store == nil {
		return nil, errors.New("cluster: nil store")
	}
	if cfg.NumSegments == 0 {
		cfg.NumSegments = store.NumSegments()
	}
	if cfg.NumSegments != store.NumSegments() {
		return nil, fmt.Errorf("cluster: config has %d segments, store has %d", cfg.NumSegments, store.NumSegments())
	}
	if cfg.NumOwners <= 0 {
		cfg.NumOwners = 1
	}
	cfg.StateTransfer.FillDefaults()

	n := &Node{
		cfg:   cfg,
		log:   cfg.logger(),
		store: store,
		mem:   newMembership(),
		peers: make(map[string]*peerConn),
		stop:  make(chan struct{}),
	}
	n.rpc = &nodeRPC{n: n}

	if cfg.Sec.TLS.Enable {
		if err := n.initTLS(); err != nil {
			return nil, err
		}
		lim := runtime.NumCPU() * 32
		if lim < 64 {
			lim = 64
		}
		n.handshakeGate = make(chan struct{}, lim)
	}
	return n, nil
}

// Start begins listening, dials seeds and launches the gossip and topology
// loops. When PublicURL is empty the listener address is used.
func (n *Node) Start() error {
	ln, err := net.Listen("tcp", n.cfg.BindAddr)
	if err != nil {
		return err
	}
	n.ln = ln
	if n.cfg.PublicURL == "" {
		n.cfg.PublicURL = ln.Addr().String()
	}
	n.cfg.EnsureID()
	n.log = n.log.With("node", string(n.cfg.ID), "cache", n.cfg.CacheName)
	n.started = time.Now()

	n.provider = newStateProvider(n.cfg.ID, n.cfg.CacheName, n.store, n, n.cfg.StateTransfer, n.cfg.Sec.CompressionThreshold, n.log)
	n.consumer = newStateConsumer(n.cfg.ID, n.cfg.CacheName, n.store, n.rpc, n.cfg.StateTransfer, n.log)
	n.consumer.streaming = n.provider.streaming

	n.wg.Add(1)
	go n.acceptLoop(ln)

	// self must be present so the first topology includes this node
	n.mem.ensure(n.cfg.ID, n.cfg.PublicURL)

	// proactively connect to seeds to accelerate gossip and topology formation.
	for _, s := range n.cfg.Seeds {
		if s != n.cfg.PublicURL {
			_ = n.ensurePeer(s)
		}
	}

	if n.cfg.StateTransfer.IsEnabled() {
		n.consumer.start()
	}

	n.wg.Add(2)
	go n.gossipLoop()
	go n.topologyLoop()

	n.log.Info("node started", "addr", n.cfg.PublicURL, "segments", n.cfg.NumSegments, "owners", n.cfg.NumOwners)
	return nil
}

// Stop shuts down background loops, in-flight transfers and peer
// connections. It is idempotent.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stop)
		if n.ln != nil {
			_ = n.ln.Close()
		}
		n.wg.Wait()
		if n.consumer != nil {
			n.consumer.stop()
		}
		if n.provider != nil {
			n.provider.close()
		}
		n.closePeers()
		n.log.Info("node stopped")
	})
}

func (n *Node) ID() NodeID          { return n.cfg.ID }
func (n *Node) Addr() string        { return n.cfg.PublicURL }
func (n *Node) Store() *cache.Store { return n.store }

// Topology returns the installed topology, or nil before the first one.
func (n *Node) Topology() *Topology { return n.topology.Load() }

// RPC returns the node's remote invocation service.
func (n *Node) RPC() RPCManager { return n.rpc }

// ReadySegments returns the owned segments whose data is local.
func (n *Node) ReadySegments() []SegmentID {
	if n.consumer == nil {
		return nil
	}
	return n.consumer.ReadySegments()
}

// Rebalancing reports whether owned segments are still being fetched.
func (n *Node) Rebalancing() bool {
	return n.consumer != nil && n.consumer.InProgress()
}

// initTLS configures server and client TLS based on security settings,
// including certificate/key loading, CA pools and curves.
func (n *Node) initTLS() error {
	loadCertPool := func(p string) (*x509.CertPool, error) {
		if p == "" {
			return nil, nil
		}
		pem, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		ca := x509.NewCertPool()
		ca.AppendCertsFromPEM(pem)
		return ca, nil
	}

	minVer := n.cfg.Sec.TLS.MinVersion
	if minVer == 0 {
		minVer = tls.VersionTLS13
	}

	var suites []uint16
	if len(n.cfg.Sec.TLS.CipherSuites) > 0 {
		suites = append(suites, n.cfg.Sec.TLS.CipherSuites...)
	} else if minVer < tls.VersionTLS13 {
		suites = []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		}
	}

	var curves []tls.CurveID
	if len(n.cfg.Sec.TLS.CurvePreferences) > 0 {
		curves = append(curves, n.cfg.Sec.TLS.CurvePreferences...)
	} else {
		curves = []tls.CurveID{tls.X25519, tls.CurveP256}
	}

	ca, err := loadCertPool(n.cfg.Sec.TLS.CAFile)
	if err != nil {
		return err
	}

	cert, err := tls.LoadX509KeyPair(n.cfg.Sec.TLS.CertFile, n.cfg.Sec.TLS.KeyFile)
	if err != nil {
		// dial-only: peers can still be reached over TLS
		n.log.Warn("tls enabled without a usable cert/key, inbound tls disabled", "err", err)
	} else {
		tc := &tls.Config{
			Certificates:     []tls.Certificate{cert},
			MinVersion:       minVer,
			CipherSuites:     suites,
			CurvePreferences: curves,
		}
		if n.cfg.Sec.TLS.RequireClientCert {
			tc.ClientAuth = tls.RequireAndVerifyClientCert
			tc.ClientCAs = ca
		}
		n.tlsServerConf = tc
	}

	cc := &tls.Config{MinVersion: minVer, RootCAs: ca}
	if err == nil {
		cc.Certificates = []tls.Certificate{cert}
	}
	n.tlsClientConf = cc
	return nil
}

func (n *Node) nextReqID() uint64 {
	return atomic.AddUint64(&n.reqID, 1)
}

// closePeers closes and clears all cached peer connections.
func (n *Node) closePeers() {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	for _, p := range n.peers {
		p.close()
	}
	n.peers = make(map[string]*peerConn)
}

// acceptLoop accepts inbound TCP connections and hands each to serveConn.
func (n *Node) acceptLoop(ln net.Listener) {
	defer n.wg.Done()
	tune := func(tc *net.TCPConn) {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(45 * time.Second)
	}

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
				continue
			}
		}
		if tc, ok := c.(*net.TCPConn); ok {
			tune(tc)
		}
		go n.serveConn(c)
	}
}

// serveConn handles one inbound connection: optional TLS handshake and auth,
// then a per-connection worker pool that decodes frames and dispatches them.
// Frames with ID 0 are fire-and-forget and get no response.
func (n *Node) serveConn(c net.Conn) {
	defer c.Close()

	if n.cfg.Sec.TLS.Enable && n.tlsServerConf != nil {
		if n.handshakeGate != nil {
			n.handshakeGate <- struct{}{}
			defer func() { <-n.handshakeGate }()
		}

		t := tls.Server(c, n.tlsServerConf)
		if rt := n.cfg.Sec.ReadTimeout; rt > 0 {
			_ = t.SetDeadline(time.Now().Add(rt))
		}

		if err := t.Handshake(); err != nil {
			n.log.Debug("tls handshake failed", "remote", c.RemoteAddr().String(), "err", err)
			_ = t.Close()
			return
		}
		_ = t.SetDeadline(time.Time{})
		c = t
	}

	rb := n.cfg.Sec.ReadBufSize
	if rb <= 0 {
		rb = 32 << 10
	}

	wb := n.cfg.Sec.WriteBufSize
	if wb <= 0 {
		wb = 32 << 10
	}

	r := bufio.NewReaderSize(c, rb)
	w := bufio.NewWriterSize(c, wb)

	if n.cfg.Sec.AuthToken != "" && !n.authenticate(c, r, w) {
		return
	}

	// Per-connection worker pool - incoming frames are queued and processed
	// up to PerConnWorkers with backpressure on the channel.
	workers := n.cfg.PerConnWorkers
	if workers <= 0 {
		workers = 64
	}

	qlen := n.cfg.PerConnQueue
	if qlen <= 0 {
		qlen = workers * 2
	}

	jobQ := make(chan []byte, qlen)
	defer close(jobQ)

	var writeMu sync.Mutex
	writeResp := func(payload []byte) {
		if payload == nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if wt := n.cfg.Sec.WriteTimeout; wt > 0 {
			_ = c.SetWriteDeadline(time.Now().Add(wt))
		}
		_ = writeFrameBuf(w, payload)
	}

	// workers: decode → handle → encode → write → recycle buf
	for i := 0; i < workers; i++ {
		go func() {
			for buf := range jobQ {
				if out := n.dispatch(buf); out != nil {
					raw, err := cborEnc.Marshal(out)
					if err == nil {
						writeResp(raw)
					}
				}
				readBufPool.put(buf)
			}
		}()
	}

	idle := n.cfg.Sec.IdleTimeout
	if idle <= 0 {
		idle = n.cfg.Sec.ReadTimeout
	}

	for {
		if idle > 0 {
			_ = c.SetReadDeadline(time.Now().Add(idle)) // waiting for next frame
		}

		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return
		}

		nbytes := int(binary.BigEndian.Uint32(hdr[:]))
		if n.cfg.Sec.MaxFrameSize > 0 && nbytes > n.cfg.Sec.MaxFrameSize {
			n.log.Warn("frame too large, closing connection", "remote", c.RemoteAddr().String(), "bytes", nbytes)
			return
		}

		if rt := n.cfg.Sec.ReadTimeout; rt > 0 {
			_ = c.SetReadDeadline(time.Now().Add(rt)) // active body read
		}

		buf := readBufPool.get(nbytes)
		if _, err := io.ReadFull(r, buf[:nbytes]); err != nil {
			readBufPool.put(buf)
			return
		}

		// backpressure: enqueue for workers (blocks when saturated so TCP
		// naturally applies flow control to the peer).
		jobQ <- buf[:nbytes]
	}
}

// authenticate reads the Hello frame and checks the shared token.
func (n *Node) authenticate(c net.Conn, r *bufio.Reader, w *bufio.Writer) bool {
	if rt := n.cfg.Sec.ReadTimeout; rt > 0 {
		_ = c.SetReadDeadline(time.Now().Add(rt))
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return false
	}

	nbytes := int(binary.BigEndian.Uint32(hdr[:]))
	if n.cfg.Sec.MaxFrameSize > 0 && nbytes > n.cfg.Sec.MaxFrameSize {
		return false
	}

	buf := readBufPool.get(nbytes)
	defer readBufPool.put(buf)
	if _, err := io.ReadFull(r, buf[:nbytes]); err != nil {
		return false
	}

	var h MsgHello
	if err := cborDec.Unmarshal(buf[:nbytes], &h); err != nil || h.T != MTHello {
		return false
	}

	authOK := h.Token == n.cfg.Sec.AuthToken
	ack := MsgHelloResp{Base: Base{T: MTHelloResp, ID: h.ID}, OK: authOK}
	if !authOK {
		ack.Err = errUnauthorized
		n.log.Warn("peer failed authentication", "remote", c.RemoteAddr().String(), "from", h.From)
	}

	raw, _ := cborEnc.Marshal(&ack)
	if wt := n.cfg.Sec.WriteTimeout; wt > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(wt))
	}
	return writeFrameBuf(w, raw) == nil && authOK
}

// dispatch handles one frame and returns the response to send, if any.
func (n *Node) dispatch(buf []byte) any {
	var base Base
	if err := cborDec.Unmarshal(buf, &base); err != nil {
		return nil
	}

	switch base.T {
	case MTGossip:
		var g MsgGossip
		if cborDec.Unmarshal(buf, &g) != nil {
			return nil
		}
		n.ingestGossip(&g)
		if g.ID == 0 {
			return nil
		}
		resp := n.gossipMessage(g.ID)
		resp.T = MTGossipResp
		return resp

	case MTStateRequest:
		var m MsgStateRequest
		if cborDec.Unmarshal(buf, &m) != nil {
			return nil
		}
		cmd := stateRequestFromWire(&m)
		err := n.provider.handle(cmd)
		if err != nil {
			n.log.Debug("state request refused", "origin", m.Origin, "kind", m.Kind.String(), "err", err)
		}
		if m.ID == 0 {
			return nil
		}
		resp := &MsgStateRequestResp{Base: Base{T: MTStateRequestResp, ID: m.ID}, OK: err == nil, Code: errorCode(err)}
		if err != nil {
			resp.Err = err.Error()
		}
		return resp

	case MTStateChunk:
		var m MsgStateChunk
		if cborDec.Unmarshal(buf, &m) != nil {
			return nil
		}
		ok, err := n.consumer.applyChunk(NodeID(m.From), &m)
		if err != nil {
			n.log.Warn("state chunk refused", "from", m.From, "segment", m.Segment, "err", err)
		}
		if m.ID == 0 {
			return nil
		}
		resp := &MsgStateChunkResp{Base: Base{T: MTStateChunkResp, ID: m.ID}, OK: ok}
		if err != nil {
			resp.Err = err.Error()
		}
		return resp
	}
	return nil
}

// sendChunk delivers a state chunk to a requester and waits for its ack.
func (n *Node) sendChunk(ctx context.Context, to NodeID, c *MsgStateChunk) error {
	pc, err := n.peerFor(to)
	if err != nil {
		return err
	}
	c.ID = n.nextReqID()
	raw, err := pc.request(ctx, c, c.ID, n.cfg.StateTransfer.ChunkTimeout)
	if err != nil {
		if isFatalTransport(err) {
			n.resetPeer(pc.addr)
		}
		return err
	}

	var r MsgStateChunkResp
	if err := cborDec.Unmarshal(raw, &r); err != nil || r.T != MTStateChunkResp {
		return fmt.Errorf("%w: chunk ack from %s", ErrBadPeer, to)
	}
	if !r.OK {
		if r.Err != "" {
			return fmt.Errorf("%w: %s", errChunkRejected, r.Err)
		}
		return errChunkRejected
	}
	return nil
}

// gossipLoop periodically sends a gossip message to all peers.
func (n *Node) gossipLoop() {
	defer n.wg.Done()
	d := n.cfg.GossipInterval
	ticker := jitterbug.New(d, &jitterbug.Norm{Stdev: d / 10})
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.sendGossip()
		case <-n.stop:
			return
		}
	}
}

func (n *Node) gossipMessage(id uint64) *MsgGossip {
	peers, seen, epoch := n.mem.snapshot()
	seenStr := make(map[string]int64, len(seen))
	for nid, ts := range seen {
		seenStr[string(nid)] = ts
	}
	return &MsgGossip{
		Base:  Base{T: MTGossip, ID: id},
		From:  string(n.cfg.ID),
		Addr:  n.cfg.PublicURL,
		Seen:  seenStr,
		Peers: peers,
		Epoch: epoch,
	}
}

// sendGossip refreshes our own heartbeat and exchanges membership views with
// every connected peer.
func (n *Node) sendGossip() {
	n.mem.ensure(n.cfg.ID, n.cfg.PublicURL)

	n.peersMu.RLock()
	conns := make([]*peerConn, 0, len(n.peers))
	for addr, pc := range n.peers {
		if pc != nil && addr != n.cfg.PublicURL {
			conns = append(conns, pc)
		}
	}
	n.peersMu.RUnlock()

	timeout := 3 * n.cfg.GossipInterval
	for _, pc := range conns {
		msg := n.gossipMessage(n.nextReqID())
		raw, err := pc.request(context.Background(), msg, msg.ID, timeout)
		if err != nil {
			if isFatalTransport(err) {
				n.resetPeer(pc.addr)
			}
			continue
		}
		var resp MsgGossip
		if cborDec.Unmarshal(raw, &resp) == nil && resp.T == MTGossipResp {
			n.ingestGossip(&resp)
		}
	}
}

// ingestGossip merges remote membership observations.
func (n *Node) ingestGossip(g *MsgGossip) {
	if g.From == "" || NodeID(g.From) == n.cfg.ID {
		return
	}
	n.mem.integrate(NodeID(g.From), g.Addr, g.Peers, g.Seen, g.Epoch, time.Now().UnixNano())
	n.joined.Store(true)
}

// topologyLoop rebuilds the topology from alive members, keeps connections
// to them and prunes tombstones.
func (n *Node) topologyLoop() {
	defer n.wg.Done()
	d := n.cfg.TopologyInterval
	ticker := jitterbug.New(d, &jitterbug.Norm{Stdev: d / 10})
	defer ticker.Stop()

	n.refreshTopology(time.Now())
	for {
		select {
		case <-ticker.C:
			n.refreshTopology(time.Now())
		case <-n.stop:
			return
		}
	}
}

func (n *Node) hasSeeds() bool {
	for _, s := range n.cfg.Seeds {
		if s != n.cfg.PublicURL {
			return true
		}
	}
	return false
}

// refreshTopology installs a new topology when the alive set changed or a
// peer announced a higher epoch. A node with seeds waits until it has heard
// from the cluster, or JoinTimeout passed, before building its first one.
func (n *Node) refreshTopology(now time.Time) {
	if !n.joined.Load() && n.hasSeeds() && now.Sub(n.started) < n.cfg.JoinTimeout {
		return
	}

	n.mem.ensure(n.cfg.ID, n.cfg.PublicURL)
	alive := n.mem.alive(now.UnixNano(), n.cfg.SuspicionAfter)
	cur := n.topology.Load()
	epoch := n.mem.currentEpoch()

	var id uint64
	switch {
	case cur == nil:
		id = n.mem.bumpEpoch(epoch)
	case !cur.sameMembers(alive):
		id = n.mem.bumpEpoch(uint64(cur.ID))
	case epoch > uint64(cur.ID):
		id = epoch
	}
	if id != 0 {
		n.install(newTopology(int(id), alive, n.cfg.NumSegments, n.cfg.NumOwners))
	}

	for _, m := range alive {
		if m.Addr != "" && m.Addr != n.cfg.PublicURL {
			_ = n.ensurePeer(m.Addr)
		}
	}
	n.mem.pruneTombstones(now.UnixNano(), n.cfg.TombstoneAfter)
}

func (n *Node) install(t *Topology) {
	n.topology.Store(t)
	n.log.Info("topology updated", "topology", t.ID, "members", t.Members())
	n.provider.onTopologyUpdate(t)
	if n.cfg.StateTransfer.IsEnabled() {
		n.consumer.onTopologyUpdate(t)
	}
}

// peerFor returns a connection to member id. A peer penalized for recent
// timeouts fails fast.
func (n *Node) peerFor(id NodeID) (*peerConn, error) {
	addr, ok := "", false
	if t := n.topology.Load(); t != nil {
		addr, ok = t.Addr(id)
	}
	if !ok {
		addr, ok = n.mem.addrOf(id)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no address for %s", ErrPeerUnreachable, id)
	}
	pc := n.ensurePeer(addr)
	if pc == nil {
		return nil, fmt.Errorf("%w: %s at %s", ErrPeerUnreachable, id, addr)
	}
	if pc.penalized() {
		return nil, fmt.Errorf("%w: %s is backing off after timeouts", ErrPeerUnreachable, id)
	}
	return pc, nil
}

// ensurePeer returns a live peer connection or dials a new one (with TLS/auth
// if configured) and caches it.
func (n *Node) ensurePeer(addr string) *peerConn {
	n.peersMu.RLock()
	p := n.peers[addr]
	n.peersMu.RUnlock()
	if p != nil && !p.isClosed() {
		return p
	}

	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	if p = n.peers[addr]; p != nil && !p.isClosed() {
		return p
	}

	var tlsConf *tls.Config
	if n.cfg.Sec.TLS.Enable {
		tlsConf = n.tlsClientConf
	}

	pc, err := dialPeer(n.cfg.PublicURL, addr, dialOptionsFrom(n.cfg.Sec, tlsConf))
	if err != nil {
		n.log.Debug("dial peer failed", "addr", addr, "err", err)
		delete(n.peers, addr)
		return nil
	}
	n.peers[addr] = pc
	return pc
}

// resetPeer closes and removes a cached peer connection for addr.
func (n *Node) resetPeer(addr string) {
	n.peersMu.Lock()
	if p, ok := n.peers[addr]; ok && p != nil {
		p.close()
		delete(n.peers, addr)
	}
	n.peersMu.Unlock()
}

// nodeRPC is the Node's RPCManager.
type nodeRPC struct {
	n *Node
}

func (r *nodeRPC) Address() NodeID { return r.n.cfg.ID }

func (r *nodeRPC) InvokeRemotely(ctx context.Context, targets []NodeID, cmd Command, opts RPCOptions) (map[NodeID]Response, error) {
	// targets that left the topology are omitted
	live := make([]NodeID, 0, len(targets))
	topo := r.n.topology.Load()
	for _, t := range targets {
		if topo == nil || topo.Contains(t) {
			live = append(live, t)
		}
	}

	if opts.Mode == ResponseModeAsync {
		var errs []error
		for _, t := range live {
			pc, err := r.n.peerFor(t)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := pc.send(cmd.message(0)); err != nil {
				if isFatalTransport(err) {
					r.n.resetPeer(pc.addr)
				}
				errs = append(errs, fmt.Errorf("send to %s: %w", t, err))
			}
		}
		return map[NodeID]Response{}, errors.Join(errs...)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.n.cfg.Sec.ReadTimeout
	}

	var (
		mu  sync.Mutex
		out = make(map[NodeID]Response, len(live))
		g   errgroup.Group
	)
	for _, t := range live {
		g.Go(func() error {
			resp := r.call(ctx, t, cmd, timeout)
			mu.Lock()
			out[t] = resp
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (r *nodeRPC) call(ctx context.Context, target NodeID, cmd Command, timeout time.Duration) Response {
	pc, err := r.n.peerFor(target)
	if err != nil {
		return Response{Err: err}
	}
	id := r.n.nextReqID()
	raw, err := pc.request(ctx, cmd.message(id), id, timeout)
	if err != nil {
		if isFatalTransport(err) {
			r.n.resetPeer(pc.addr)
		}
		return Response{Err: fmt.Errorf("invoke %s: %w", target, err)}
	}
	return cmd.response(target, raw)
}
