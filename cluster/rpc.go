package cluster

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ResponseMode selects how InvokeRemotely waits for targets.
type ResponseMode uint8

const (
	// ResponseModeSync waits for every target still in the topology;
	// targets that left are omitted from the result.
	ResponseModeSync ResponseMode = iota
	// ResponseModeAsync sends without waiting; nothing is acknowledged.
	ResponseModeAsync
)

// RPCOptions are fixed per call site, so callers build them once.
type RPCOptions struct {
	Mode    ResponseMode
	Timeout time.Duration
}

// Response is a target's answer: success, or the exception it raised.
type Response struct {
	OK  bool
	Err error
}

// Command is something an RPCManager can send to peers.
type Command interface {
	// message builds the wire message for request id (0 for fire-and-forget).
	message(id uint64) any
	// response decodes a raw reply frame from node.
	response(node NodeID, raw []byte) Response
}

// RPCManager invokes commands on peers.
type RPCManager interface {
	// Address returns the local node's identity.
	Address() NodeID
	// InvokeRemotely sends cmd to targets. In sync mode it blocks until every
	// target answered or opts.Timeout elapsed; a target that timed out has a
	// Response carrying ErrTimeout. In async mode the map is empty and the
	// error only reports a failure to hand the frame to the transport.
	InvokeRemotely(ctx context.Context, targets []NodeID, cmd Command, opts RPCOptions) (map[NodeID]Response, error)
}

// StateRequestCommand asks a provider to start or cancel streaming segments
// to Origin.
type StateRequestCommand struct {
	Kind       StateRequestKind
	Origin     NodeID
	Cache      string
	TopologyID int
	Segments   []SegmentID
}

func newStateRequestCommand(kind StateRequestKind, origin NodeID, cache string, topologyID int, segments []SegmentID) *StateRequestCommand {
	segs := append([]SegmentID(nil), segments...)
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return &StateRequestCommand{
		Kind:       kind,
		Origin:     origin,
		Cache:      cache,
		TopologyID: topologyID,
		Segments:   segs,
	}
}

func (c *StateRequestCommand) message(id uint64) any {
	segs := make([]int, len(c.Segments))
	for i, s := range c.Segments {
		segs[i] = int(s)
	}
	return &MsgStateRequest{
		Base:     Base{T: MTStateRequest, ID: id},
		Kind:     c.Kind,
		Origin:   string(c.Origin),
		Cache:    c.Cache,
		Topology: c.TopologyID,
		Segments: segs,
	}
}

func (c *StateRequestCommand) response(node NodeID, raw []byte) Response {
	var r MsgStateRequestResp
	if err := cborDec.Unmarshal(raw, &r); err != nil || r.T != MTStateRequestResp {
		return Response{Err: fmt.Errorf("%w: state request reply from %s", ErrBadPeer, node)}
	}
	if !r.OK {
		return Response{Err: &RemoteError{Node: node, Code: r.Code, Msg: r.Err}}
	}
	return Response{OK: true}
}

func (c *StateRequestCommand) String() string {
	return fmt.Sprintf("StateRequestCommand{kind=%s, origin=%s, cache=%s, topology=%d, segments=%v}",
		c.Kind, c.Origin, c.Cache, c.TopologyID, c.Segments)
}

func stateRequestFromWire(m *MsgStateRequest) *StateRequestCommand {
	segs := make([]SegmentID, 0, len(m.Segments))
	for _, s := range m.Segments {
		if s >= 0 {
			segs = append(segs, SegmentID(s))
		}
	}
	return &StateRequestCommand{
		Kind:       m.Kind,
		Origin:     NodeID(m.Origin),
		Cache:      m.Cache,
		TopologyID: m.Topology,
		Segments:   segs,
	}
}
