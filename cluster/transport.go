package cluster

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	penaltyBase   = 2 * time.Second // first timeout → 2s
	penaltyMax    = 8 * time.Second // cap the penalty
	backoffWindow = 5 * time.Second // time window to keep growing the streak
)

type peerConn struct {
	addr         string
	self         string
	conn         net.Conn
	r            *bufio.Reader
	w            *bufio.Writer
	mu           sync.Mutex
	pend         sync.Map // reqID -> chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	maxFrame     int
	readTO       time.Duration
	writeTO      time.Duration
	idleTO       time.Duration
	inflightCh   chan struct{}
	token        string
	penaltyUntil int64
	lastTimeout  int64
	toStreak     uint32
}

type dialOptions struct {
	tls      *tls.Config
	maxFrame int
	readTO   time.Duration
	writeTO  time.Duration
	idleTO   time.Duration
	inflight int
	token    string
}

func dialOptionsFrom(sec Security, tlsConf *tls.Config) dialOptions {
	inflight := sec.MaxInflightPerPeer
	if inflight <= 0 {
		inflight = 256
	}
	return dialOptions{
		tls:      tlsConf,
		maxFrame: sec.MaxFrameSize,
		readTO:   sec.ReadTimeout,
		writeTO:  sec.WriteTimeout,
		idleTO:   sec.IdleTimeout,
		inflight: inflight,
		token:    sec.AuthToken,
	}
}

// dialPeer establishes a TCP/TLS connection, performs an optional Hello auth,
// and starts a read loop that dispatches responses by request ID via pend map.
func dialPeer(self string, addr string, o dialOptions) (*peerConn, error) {
	d := &net.Dialer{
		Timeout:   o.readTO,
		KeepAlive: 45 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			_ = c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
			})
			return nil
		},
	}

	var c net.Conn
	var err error
	if o.tls != nil {
		c, err = tls.DialWithDialer(d, "tcp", addr, o.tls)
	} else {
		c, err = d.Dial("tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	pc := &peerConn{
		addr:       addr,
		self:       self,
		conn:       c,
		r:          bufio.NewReaderSize(c, 64<<10),
		w:          bufio.NewWriterSize(c, 64<<10),
		closed:     make(chan struct{}),
		maxFrame:   o.maxFrame,
		readTO:     o.readTO,
		writeTO:    o.writeTO,
		idleTO:     o.idleTO,
		inflightCh: make(chan struct{}, o.inflight),
		token:      o.token,
	}
	if o.token != "" {
		if err := pc.hello(); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	// one goroutine reads frames and routes them to the waiting requester
	// channel keyed by Base.ID.
	go pc.readLoop()
	return pc, nil
}

func (p *peerConn) hello() error {
	id := uint64(time.Now().UnixNano())
	msg := &MsgHello{Base: Base{T: MTHello, ID: id}, From: p.self, Token: p.token}
	raw, err := cborEnc.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.writeFrame(raw); err != nil {
		return err
	}

	respRaw, err := p.readFrame()
	if err != nil {
		return err
	}

	var hr MsgHelloResp
	if err := cborDec.Unmarshal(respRaw, &hr); err != nil {
		return err
	}
	if hr.T != MTHelloResp {
		return errors.New("bad hello resp")
	}
	if !hr.OK {
		if hr.Err == "" {
			hr.Err = errUnauthorized
		}
		return errors.New(hr.Err)
	}
	return nil
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
		close(p.closed)
	})
}

func (p *peerConn) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// failAll unblocks every pending request with "peer closed" and closes the
// connection. Only the read loop calls it.
func (p *peerConn) failAll() {
	p.pend.Range(func(k, chAny any) bool {
		p.pend.Delete(k)
		if ch, ok := chAny.(chan []byte); ok {
			close(ch)
		}
		return true
	})
	p.close()
}

// readLoop continuously reads frames and unblocks waiters with matching IDs.
func (p *peerConn) readLoop() {
	for {
		buf, err := p.readFrame()
		if err != nil {
			p.failAll()
			return
		}
		var base Base
		if err := cborDec.Unmarshal(buf, &base); err != nil {
			continue
		}
		if chAny, ok := p.pend.LoadAndDelete(base.ID); ok {
			ch := chAny.(chan []byte)
			ch <- buf
			close(ch)
		}
	}
}

func (p *peerConn) readFrame() ([]byte, error) {
	// Waiting for the next response may take as long as the slowest
	// outstanding request; only the body read is bounded by readTO.
	if p.idleTO > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.idleTO))
	} else {
		_ = p.conn.SetReadDeadline(time.Time{})
	}
	var hdr [4]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return nil, err
	}

	n := int(binary.BigEndian.Uint32(hdr[:]))
	if p.maxFrame > 0 && n > p.maxFrame {
		return nil, errors.New("frame too large")
	}

	if p.readTO > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.readTO))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *peerConn) writeFrame(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeTO > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTO))
	}
	return writeFrameBuf(p.w, payload)
}

func writeFrameBuf(w *bufio.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// request writes msg and waits for the frame carrying the same ID, the
// timeout, or ctx cancellation, whichever comes first.
func (p *peerConn) request(ctx context.Context, msg any, id uint64, timeout time.Duration) ([]byte, error) {
	select {
	case p.inflightCh <- struct{}{}:
	default:
		return nil, ErrInflightLimit
	}
	defer func() { <-p.inflightCh }()

	sel, err := cborEnc.Marshal(msg)
	if err != nil {
		return nil, err
	}
	// each request registers a one-shot channel under its ID; readLoop
	// delivers the response or request times out and cleans up the slot.
	ch := make(chan []byte, 1)
	p.pend.Store(id, ch)

	if err := p.writeFrame(sel); err != nil {
		p.pend.Delete(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrPeerClosed
		}
		return resp, nil
	case <-timer.C:
		p.pend.Delete(id)
		p.penalizeTimeout() // backoff on repeated timeouts
		return nil, ErrTimeout
	case <-ctx.Done():
		p.pend.Delete(id)
		return nil, ctx.Err()
	}
}

// send writes a fire-and-forget frame. The message must carry ID 0 so the
// receiver knows not to answer.
func (p *peerConn) send(msg any) error {
	if p.isClosed() {
		return ErrPeerClosed
	}
	raw, err := cborEnc.Marshal(msg)
	if err != nil {
		return err
	}
	return p.writeFrame(raw)
}

// penalizeTimeout bumps a short penalty. Repeated timeouts within
// backoffWindow grow it (2s, 4s, 8s), capped by penaltyMax.
func (p *peerConn) penalizeTimeout() {
	p.penalizeAt(time.Now())
}

func (p *peerConn) penalizeAt(now time.Time) {
	last := time.Unix(0, atomic.LoadInt64(&p.lastTimeout))
	var streak uint32
	if now.Sub(last) > backoffWindow {
		atomic.StoreUint32(&p.toStreak, 1)
		streak = 1
	} else {
		streak = atomic.AddUint32(&p.toStreak, 1)
	}
	atomic.StoreInt64(&p.lastTimeout, now.UnixNano())

	// penalty = base << (streak-1), capped
	shift := streak - 1
	if shift > 3 {
		shift = 3
	}

	d := penaltyBase << shift
	if d > penaltyMax {
		d = penaltyMax
	}
	atomic.StoreInt64(&p.penaltyUntil, now.Add(d).UnixNano())
}

// penalized reports whether the peer is currently under penalty.
func (p *peerConn) penalized() bool {
	return p.penalizedAt(time.Now())
}

func (p *peerConn) penalizedAt(now time.Time) bool {
	return now.UnixNano() < atomic.LoadInt64(&p.penaltyUntil)
}
