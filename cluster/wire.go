package cluster

// CBOR-based wire protocol: frames carry a CBOR-encoded Base{T,ID} header
// followed by message-specific fields. ID 0 marks a fire-and-forget frame
// that never gets a response. Values inside state chunks may be
// gzip-compressed (Cp=true).

type MsgType uint8

const (
	MTHello MsgType = iota + 1
	MTHelloResp
	MTGossip
	MTGossipResp
	MTStateRequest
	MTStateRequestResp
	MTStateChunk
	MTStateChunkResp
)

type Base struct {
	T  MsgType `cbor:"t"`
	ID uint64  `cbor:"id"`
}

type MsgHello struct {
	Base
	From  string `cbor:"f"`
	Token string `cbor:"tok"`
}
type MsgHelloResp struct {
	Base
	OK  bool   `cbor:"ok"`
	Err string `cbor:"err,omitempty"`
}

// PeerInfo is one gossiped member.
type PeerInfo struct {
	ID   string `cbor:"i"`
	Addr string `cbor:"a"`
}

type MsgGossip struct {
	Base
	From  string           `cbor:"f"`
	Addr  string           `cbor:"a"`
	Seen  map[string]int64 `cbor:"sn"`
	Peers []PeerInfo       `cbor:"pe"`
	Epoch uint64           `cbor:"ep"`
}

// StateRequestKind selects the state request operation.
type StateRequestKind uint8

const (
	StartStateTransfer StateRequestKind = iota + 1
	CancelStateTransfer
)

func (k StateRequestKind) String() string {
	switch k {
	case StartStateTransfer:
		return "START_STATE_TRANSFER"
	case CancelStateTransfer:
		return "CANCEL_STATE_TRANSFER"
	}
	return "UNKNOWN"
}

type MsgStateRequest struct {
	Base
	Kind     StateRequestKind `cbor:"k"`
	Origin   string           `cbor:"o"`
	Cache    string           `cbor:"c"`
	Topology int              `cbor:"tp"`
	Segments []int            `cbor:"s"`
}

type MsgStateRequestResp struct {
	Base
	OK   bool   `cbor:"ok"`
	Code uint8  `cbor:"c,omitempty"`
	Err  string `cbor:"err,omitempty"`
}

type KV struct {
	K  string `cbor:"k"`
	V  []byte `cbor:"v"`
	E  int64  `cbor:"e"`
	Cp bool   `cbor:"cp"`
}

// MsgStateChunk carries one chunk of a segment from provider to requester.
// Last marks the final chunk of the segment.
type MsgStateChunk struct {
	Base
	From     string `cbor:"f"`
	Cache    string `cbor:"c"`
	Topology int    `cbor:"tp"`
	Segment  int    `cbor:"s"`
	Items    []KV   `cbor:"i"`
	Last     bool   `cbor:"l"`
}

type MsgStateChunkResp struct {
	Base
	OK  bool   `cbor:"ok"`
	Err string `cbor:"err,omitempty"`
}
