package cluster

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
)

type NodeID string

type TLSMode struct {
	Enable            bool
	CertFile          string
	KeyFile           string
	CAFile            string
	RequireClientCert bool
	MinVersion        uint16
	CipherSuites      []uint16
	CurvePreferences  []tls.CurveID
}

type Security struct {
	AuthToken            string
	TLS                  TLSMode
	MaxFrameSize         int
	MaxKeySize           int
	MaxValueSize         int
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	MaxInflightPerPeer   int
	CompressionThreshold int
	ReadBufSize          int
	WriteBufSize         int
}

// StateTransferConfig tunes both sides of segment state transfer.
type StateTransferConfig struct {
	Enable *bool
	// Timeout bounds the synchronous start-transfer request.
	Timeout time.Duration
	// ChunkSize is the number of entries per chunk sent by a provider.
	ChunkSize int
	// ChunkRPS caps chunks per second sent by a provider (0 = unlimited).
	ChunkRPS int
	// MaxConcurrentSegments bounds segments streamed in parallel per transfer.
	MaxConcurrentSegments int
	// RetryInterval paces the consumer's retry of pending segments.
	RetryInterval time.Duration
	// CompletionTimeout terminates an acknowledged transfer that has not
	// finished; its unfinished segments are retried elsewhere.
	CompletionTimeout time.Duration
	// ChunkTimeout bounds the wait for a requester to acknowledge a chunk.
	ChunkTimeout time.Duration
	// RetainRetired keeps the data of segments this node stopped owning so
	// new owners can still fetch it.
	RetainRetired time.Duration
}

func (s *StateTransferConfig) IsEnabled() bool {
	return s.Enable == nil || *s.Enable
}

func (s *StateTransferConfig) FillDefaults() {
	if s.Enable == nil {
		s.Enable = BoolPtr(true)
	}
	if s.Timeout <= 0 {
		s.Timeout = 4 * time.Minute
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = 512
	}
	if s.MaxConcurrentSegments <= 0 {
		s.MaxConcurrentSegments = 4
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = 2 * time.Second
	}
	if s.CompletionTimeout <= 0 {
		s.CompletionTimeout = 10 * time.Minute
	}
	if s.ChunkTimeout <= 0 {
		s.ChunkTimeout = 30 * time.Second
	}
	if s.RetainRetired <= 0 {
		s.RetainRetired = 30 * time.Second
	}
}

func BoolPtr(b bool) *bool { return &b }

type Config struct {
	ID        NodeID
	BindAddr  string
	PublicURL string
	Seeds     []string
	CacheName string
	// NumSegments must match on every node; it is also the local store's
	// segment count.
	NumSegments int
	// NumOwners is the number of nodes owning each segment.
	NumOwners        int
	GossipInterval   time.Duration
	SuspicionAfter   time.Duration
	TombstoneAfter   time.Duration
	TopologyInterval time.Duration
	// JoinTimeout is how long a node with seeds waits to hear from the
	// cluster before building a topology on its own.
	JoinTimeout time.Duration
	Sec              Security
	PerConnWorkers   int
	PerConnQueue     int

	StateTransfer StateTransferConfig

	Logger *slog.Logger
}

func Default() Config {
	return Config{
		CacheName:        "default",
		NumSegments:      256,
		NumOwners:        2,
		GossipInterval:   500 * time.Millisecond,
		SuspicionAfter:   2 * time.Second,
		TombstoneAfter:   30 * time.Second,
		TopologyInterval: 1 * time.Second,
		JoinTimeout:      5 * time.Second,
		Sec: Security{
			MaxFrameSize:         4 << 20,
			MaxKeySize:           128 << 10,
			MaxValueSize:         2 << 20,
			ReadTimeout:          3 * time.Second,
			WriteTimeout:         3 * time.Second,
			IdleTimeout:          10 * time.Second,
			MaxInflightPerPeer:   256,
			CompressionThreshold: 64 << 10,
			ReadBufSize:          32 << 10,
			WriteBufSize:         32 << 10,
		},
		PerConnWorkers: 64,
		PerConnQueue:   128,

		StateTransfer: StateTransferConfig{
			Enable:                BoolPtr(true),
			Timeout:               4 * time.Minute,
			ChunkSize:             512,
			ChunkRPS:              0,
			MaxConcurrentSegments: 4,
			RetryInterval:         2 * time.Second,
			CompletionTimeout:     10 * time.Minute,
			ChunkTimeout:          30 * time.Second,
			RetainRetired:         30 * time.Second,
		},
	}
}

// EnsureID assigns a stable ID when not provided.
// Default: 16-hex digest of PublicURL.
func (c *Config) EnsureID() {
	if c.ID != "" {
		return
	}
	sum := xxhash.Sum64String(c.PublicURL)
	c.ID = NodeID(fmt.Sprintf("%016x", sum))
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
