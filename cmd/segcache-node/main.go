package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cache "github.com/unkn0wn-root/segcache"
	"github.com/unkn0wn-root/segcache/cluster"
	"github.com/unkn0wn-root/segcache/internal/logging"
)

func main() {
	var (
		bind     = flag.String("bind", ":5011", "listen address, e.g. 0.0.0.0:5011")
		public   = flag.String("public", "localhost:5011", "public address peers use to reach this node")
		id       = flag.String("id", "", "node id (default: derived from -public)")
		seeds    = flag.String("seeds", "", "comma-separated seed peers (host:port)")
		name     = flag.String("cache", "default", "cache name; must match on every node")
		segments = flag.Int("segments", 256, "number of hash-space segments; must match on every node")
		owners   = flag.Int("owners", 2, "owners per segment")
		logLevel = flag.String("log-level", "info", "debug|info|warn|error")
		logFmt   = flag.String("log-format", "text", "text|json")

		// security & limits
		authTok  = flag.String("auth", "", "optional shared token for peer handshake")
		maxFrame = flag.Int("maxframe", 4<<20, "max frame bytes")
		readTO   = flag.Duration("readto", 3*time.Second, "read timeout per frame")
		writeTO  = flag.Duration("writeto", 3*time.Second, "write timeout per frame")
		idleTO   = flag.Duration("idleto", 10*time.Second, "idle timeout")
		inflight = flag.Int("inflight", 256, "max inflight per peer")
		compThr  = flag.Int("comp", 64<<10, "compression threshold (0=off)")

		// TLS
		tlsEnable = flag.Bool("tls", false, "enable TLS")
		tlsCert   = flag.String("tlscert", "", "server cert PEM")
		tlsKey    = flag.String("tlskey", "", "server key PEM")
		tlsCA     = flag.String("tlsca", "", "CA PEM for client verify / client dial")
		mtls      = flag.Bool("mtls", false, "require client cert (mTLS)")

		// membership
		gossip    = flag.Duration("gossip", 500*time.Millisecond, "gossip interval")
		suspicion = flag.Duration("suspect", 2*time.Second, "suspect after")
		tombstone = flag.Duration("tomb", 30*time.Second, "tombstone prune after")
		topoEvery = flag.Duration("topology", time.Second, "topology refresh interval")
		join      = flag.Duration("join", 5*time.Second, "wait this long for seeds before forming a cluster alone")

		// state transfer
		stEnable   = flag.Bool("st", true, "enable state transfer")
		stTimeout  = flag.Duration("st-timeout", 4*time.Minute, "start-transfer request timeout")
		stChunk    = flag.Int("st-chunk", 512, "entries per state chunk")
		stRPS      = flag.Int("st-rps", 0, "max state chunks per second sent (0=unlimited)")
		stParallel = flag.Int("st-parallel", 4, "segments streamed in parallel per transfer")
		stRetry    = flag.Duration("st-retry", 2*time.Second, "retry interval for pending segments")
		stComplete = flag.Duration("st-complete", 10*time.Minute, "give up on a transfer after this long")
		stRetain   = flag.Duration("st-retain", 30*time.Second, "keep data of segments no longer owned this long")

		// cluster execution
		connWorkers = flag.Int("conn-workers", 64, "per-connection worker goroutines")
		connQueue   = flag.Int("conn-queue", 128, "per-connection inbound queue length")

		preload = flag.Int("preload", 0, "store this many synthetic keys locally at startup (for testing)")
	)
	flag.Parse()

	logger := logging.New("segcache-node", *logLevel, *logFmt)

	cfg := cluster.Default()
	cfg.ID = cluster.NodeID(*id)
	cfg.BindAddr = *bind
	cfg.PublicURL = *public
	if *seeds != "" {
		cfg.Seeds = splitCSV(*seeds)
	}
	cfg.CacheName = *name
	cfg.NumSegments = *segments
	cfg.NumOwners = *owners
	cfg.Logger = logger

	cfg.GossipInterval = *gossip
	cfg.SuspicionAfter = *suspicion
	cfg.TombstoneAfter = *tombstone
	cfg.TopologyInterval = *topoEvery
	cfg.JoinTimeout = *join

	// execution
	cfg.PerConnWorkers = *connWorkers
	cfg.PerConnQueue = *connQueue

	cfg.Sec.AuthToken = *authTok
	cfg.Sec.MaxFrameSize = *maxFrame
	cfg.Sec.ReadTimeout = *readTO
	cfg.Sec.WriteTimeout = *writeTO
	cfg.Sec.IdleTimeout = *idleTO
	cfg.Sec.MaxInflightPerPeer = *inflight
	cfg.Sec.CompressionThreshold = *compThr
	cfg.Sec.TLS.Enable = *tlsEnable
	cfg.Sec.TLS.CertFile = *tlsCert
	cfg.Sec.TLS.KeyFile = *tlsKey
	cfg.Sec.TLS.CAFile = *tlsCA
	cfg.Sec.TLS.RequireClientCert = *mtls

	cfg.StateTransfer = cluster.StateTransferConfig{
		Enable:                cluster.BoolPtr(*stEnable),
		Timeout:               *stTimeout,
		ChunkSize:             *stChunk,
		ChunkRPS:              *stRPS,
		MaxConcurrentSegments: *stParallel,
		RetryInterval:         *stRetry,
		CompletionTimeout:     *stComplete,
		RetainRetired:         *stRetain,
	}

	scfg := cache.DefaultConfig()
	scfg.Segments = *segments
	store := cache.New(scfg)
	defer store.Close()

	for i := 0; i < *preload; i++ {
		k := fmt.Sprintf("%s:key:%d", *public, i)
		_ = store.Set(k, []byte("value-for-"+k), cache.NoExpiration)
	}

	node, err := cluster.NewNode(cfg, store)
	if err != nil {
		logger.Error("create node", "err", err)
		os.Exit(1)
	}
	if err := node.Start(); err != nil {
		logger.Error("start", "err", err)
		os.Exit(1)
	}

	logger.Info("segcache node up",
		"public", node.Addr(), "bind", cfg.BindAddr, "id", string(node.ID()),
		"segments", cfg.NumSegments, "owners", cfg.NumOwners,
		"tls", cfg.Sec.TLS.Enable, "mtls", cfg.Sec.TLS.RequireClientCert,
		"state_transfer", cfg.StateTransfer.IsEnabled(), "preloaded", *preload)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	status := time.NewTicker(10 * time.Second)
	defer status.Stop()
	for {
		select {
		case <-status.C:
			topo := node.Topology()
			if topo == nil {
				logger.Info("waiting for cluster")
				continue
			}
			logger.Info("status",
				"topology", topo.ID, "members", len(topo.Members()),
				"owned", len(topo.OwnedSegments(node.ID())), "ready", len(node.ReadySegments()),
				"rebalancing", node.Rebalancing(), "entries", store.Size())
		case <-sigCh:
			logger.Info("shutting down")
			node.Stop()
			logger.Info("bye")
			return
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
