package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// InboundTransferTask fetches a set of segments from one source node. The
// consumer keeps at most one task per segment.
//
// segments and finished are guarded by mu. cancelled is written under mu but
// may be read without it as a fast-path check.
type InboundTransferTask struct {
	mu        sync.Mutex
	segments  segmentSet
	finished  segmentSet
	cancelled atomic.Bool

	// set by the first RequestSegments call; at most one start request per task
	requested atomic.Bool

	source     NodeID
	topologyID int
	timeout    time.Duration
	cacheName  string
	rpc        RPCManager
	log        *slog.Logger

	// invocation options do not change between calls
	syncOpts  RPCOptions
	asyncOpts RPCOptions

	signal *Signal
}

// NewInboundTransferTask builds a task for segments held by source. It
// returns an ErrPrecondition error if segments is empty or source unset.
func NewInboundTransferTask(segments []SegmentID, source NodeID, topologyID int, rpc RPCManager, timeout time.Duration, cacheName string, log *slog.Logger) (*InboundTransferTask, error) {
	if len(segments) == 0 {
		return nil, preconditionf("segments must not be empty")
	}
	if source == "" {
		return nil, preconditionf("source must not be empty")
	}
	if rpc == nil {
		return nil, preconditionf("rpc manager must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	return &InboundTransferTask{
		segments:   newSegmentSet(segments...),
		finished:   newSegmentSet(),
		source:     source,
		topologyID: topologyID,
		timeout:    timeout,
		cacheName:  cacheName,
		rpc:        rpc,
		log:        log.With("cache", cacheName, "source", string(source), "topology", topologyID),
		syncOpts:   RPCOptions{Mode: ResponseModeSync, Timeout: timeout},
		asyncOpts:  RPCOptions{Mode: ResponseModeAsync},
		signal:     newSignal(),
	}, nil
}

func (t *InboundTransferTask) Source() NodeID  { return t.source }
func (t *InboundTransferTask) TopologyID() int { return t.topologyID }
func (t *InboundTransferTask) IsCancelled() bool {
	return t.cancelled.Load()
}

// Signal returns the task's completion signal without sending anything.
func (t *InboundTransferTask) Signal() *Signal { return t.signal }

// Segments returns a snapshot of the currently requested segments.
func (t *InboundTransferTask) Segments() []SegmentID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.segments.sorted()
}

// UnfinishedSegments returns requested segments whose last chunk has not
// arrived yet.
func (t *InboundTransferTask) UnfinishedSegments() []SegmentID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SegmentID, 0, len(t.segments)-len(t.finished))
	for _, id := range t.segments.sorted() {
		if !t.finished.has(id) {
			out = append(out, id)
		}
	}
	return out
}

// RequestSegments sends the start request to the source and returns the
// task's signal. A successful reply leaves the signal pending until every
// segment's last chunk arrives; a failed reply or invocation error resolves
// it Failed with the cause. The request is sent at most once per task; later
// calls, and calls on a cancelled task, only return the signal.
func (t *InboundTransferTask) RequestSegments(ctx context.Context) *Signal {
	if t.cancelled.Load() || t.signal.IsDone() {
		return t.signal
	}
	if !t.requested.CompareAndSwap(false, true) {
		return t.signal
	}

	segs := t.Segments()
	if len(segs) == 0 {
		t.log.Debug("segment list is empty, skipping source")
		t.signal.succeed()
		return t.signal
	}

	t.log.Debug("requesting segments", "segments", segs)

	cmd := newStateRequestCommand(StartStateTransfer, t.rpc.Address(), t.cacheName, t.topologyID, segs)
	responses, err := t.rpc.InvokeRemotely(ctx, []NodeID{t.source}, cmd, t.syncOpts)
	if err != nil {
		t.failRequest(segs, err)
		return t.signal
	}

	resp, ok := responses[t.source]
	switch {
	case !ok:
		t.failRequest(segs, fmt.Errorf("%w: no response from %s", ErrPeerUnreachable, t.source))
	case resp.OK:
		t.log.Debug("successfully requested segments", "segments", segs)
	case resp.Err != nil:
		t.failRequest(segs, resp.Err)
	default:
		t.failRequest(segs, fmt.Errorf("%w: unsuccessful response from %s", ErrBadPeer, t.source))
	}
	return t.signal
}

func (t *InboundTransferTask) failRequest(segs []SegmentID, cause error) {
	t.log.Warn("failed to request segments", "segments", segs, "err", cause)
	t.signal.fail(fmt.Errorf("request segments %v from %s: %w", segs, t.source, cause))
}

// CancelSegments stops the transfer of subset, which must be a subset of the
// requested segments of a task that is not already cancelled. When nothing is
// left the task becomes cancelled and its signal resolves Cancelled. When
// everything left has already arrived the signal resolves Succeeded.
func (t *InboundTransferTask) CancelSegments(subset []SegmentID) error {
	if t.cancelled.Load() {
		return preconditionf("task is already cancelled")
	}

	t.mu.Lock()
	if t.cancelled.Load() {
		t.mu.Unlock()
		return preconditionf("task is already cancelled")
	}
	for _, id := range subset {
		if !t.segments.has(id) {
			t.mu.Unlock()
			return preconditionf("segment %d was not requested from %s", id, t.source)
		}
	}
	for _, id := range subset {
		t.segments.remove(id)
		t.finished.remove(id)
	}
	empty := len(t.segments) == 0
	if empty {
		t.cancelled.Store(true)
	}
	completed := !empty && len(t.finished) == len(t.segments)
	t.mu.Unlock()

	t.log.Debug("cancelling inbound state transfer", "segments", subset)
	t.sendCancel(subset)

	switch {
	case empty:
		t.signal.cancel()
	case completed:
		if t.signal.succeed() {
			t.log.Debug("finished receiving state", "segments", t.Segments())
		}
	}
	return nil
}

// Cancel cancels every requested segment. It is a no-op on a cancelled task.
func (t *InboundTransferTask) Cancel() {
	if t.cancelled.Load() {
		return
	}

	t.mu.Lock()
	if t.cancelled.Load() {
		t.mu.Unlock()
		return
	}
	segs := t.segments.sorted()
	t.segments = newSegmentSet()
	t.finished = newSegmentSet()
	t.cancelled.Store(true)
	t.mu.Unlock()

	t.log.Debug("cancelling inbound state transfer", "segments", segs)
	if len(segs) > 0 {
		t.sendCancel(segs)
	}
	t.signal.cancel()
}

// sendCancel is advisory: on failure the source merely keeps sending
// segments that will be discarded, so errors are logged and dropped.
func (t *InboundTransferTask) sendCancel(segs []SegmentID) {
	cmd := newStateRequestCommand(CancelStateTransfer, t.rpc.Address(), t.cacheName, t.topologyID, segs)
	if _, err := t.rpc.InvokeRemotely(context.Background(), []NodeID{t.source}, cmd, t.asyncOpts); err != nil {
		t.log.Debug("failed to send state transfer cancel", "segments", segs, "err", err)
	}
}

// OnStateReceived records the arrival of a chunk for segment. Only last
// chunks matter. Segments no longer requested are ignored, which tolerates
// chunks racing a cancellation.
func (t *InboundTransferTask) OnStateReceived(segment SegmentID, isLastChunk bool) {
	if !isLastChunk || t.cancelled.Load() {
		return
	}

	t.mu.Lock()
	if t.cancelled.Load() {
		t.mu.Unlock()
		return
	}
	if t.segments.has(segment) {
		t.finished.add(segment)
	}
	completed := len(t.segments) > 0 && len(t.finished) == len(t.segments)
	t.mu.Unlock()

	if completed && t.signal.succeed() {
		t.log.Debug("finished receiving state", "segments", t.Segments())
	}
}

// Terminate resolves the signal Cancelled regardless of progress. It is used
// when the source is gone and no more chunks will arrive.
func (t *InboundTransferTask) Terminate() {
	t.signal.cancel()
}

// CompletedSuccessfully reports whether every segment was received.
func (t *InboundTransferTask) CompletedSuccessfully() bool {
	o, _ := t.signal.Result()
	return o == Succeeded
}

func (t *InboundTransferTask) String() string {
	t.mu.Lock()
	segs, fin := t.segments.sorted(), t.finished.sorted()
	t.mu.Unlock()
	o, _ := t.signal.Result()
	return fmt.Sprintf("InboundTransferTask{segments=%v, finished=%v, source=%s, cancelled=%t, outcome=%s, topology=%d, timeout=%s, cache=%s}",
		segs, fin, t.source, t.cancelled.Load(), o, t.topologyID, t.timeout, t.cacheName)
}
