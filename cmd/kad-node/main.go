// Command kad-node runs a standalone Amino DHT node: it loads or generates
// a persistent identity, starts a libp2p host, wires it into a dht.DHT, and
// periodically refreshes its routing table's stale CPLs (spec.md §4.4).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/kaddht/internal/kad/dht"
	"github.com/nmxmxh/kaddht/internal/kad/libp2phost"
	"github.com/nmxmxh/kaddht/internal/kad/providers"
)

func main() {
	identityPath := flag.String("identity", "kad_identity.json", "path to the persistent node identity")
	listenAddr := flag.String("listen", "/ip4/0.0.0.0/tcp/4001", "libp2p listen multiaddr")
	bootstrap := flag.String("bootstrap", "", "comma-separated multiaddrs of peers to bootstrap from")
	flag.Parse()

	logger := slog.Default().With("component", "kad-node")

	priv, pid, err := libp2phost.LoadOrGenerateIdentity(*identityPath)
	if err != nil {
		logger.Error("could not load or generate identity", "error", err)
		os.Exit(1)
	}
	logger.Info("node identity ready", "peer_id", pid)

	addr, err := ma.NewMultiaddr(*listenAddr)
	if err != nil {
		logger.Error("invalid listen address", "error", err)
		os.Exit(1)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(addr),
	)
	if err != nil {
		logger.Error("could not start libp2p host", "error", err)
		os.Exit(1)
	}
	defer h.Close()
	logger.Info("libp2p host listening", "addrs", h.Addrs())

	node, err := dht.NewNode(
		libp2phost.New(h),
		libp2phost.NewAddrBook(h.Peerstore()),
		libp2phost.NewLatencyMetrics(h.Peerstore()),
		h.ID(),
		providers.NewMemoryStore(providers.DefaultValidity),
		dht.WithLogger(logger),
	)
	if err != nil {
		logger.Error("could not start dht node", "error", err)
		os.Exit(1)
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *bootstrap != "" {
		bootstrapPeers(ctx, logger, h, node, *bootstrap)
	}

	ticker := time.NewTicker(dht.DefaultRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			node.RefreshCPLs(ctx)
		}
	}
}

// bootstrapPeers connects to every address in csv, admits it into the
// routing table, and runs a FIND_NODE lookup for the local node itself, the
// usual Kademlia join procedure (spec.md §4.4).
func bootstrapPeers(ctx context.Context, logger *slog.Logger, h interface {
	Connect(ctx context.Context, pi peer.AddrInfo) error
	ID() peer.ID
}, node *dht.DHT, csv string) {
	for _, raw := range splitCSV(csv) {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			logger.Warn("invalid bootstrap address", "addr", raw, "error", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			logger.Warn("invalid bootstrap peer info", "addr", raw, "error", err)
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			logger.Warn("could not connect to bootstrap peer", "peer", info.ID, "error", err)
			continue
		}
		if _, err := node.RoutingTable().TryAddPeer(info.ID, true, true); err != nil {
			logger.Warn("could not admit bootstrap peer", "peer", info.ID, "error", err)
		}
		if _, err := node.FindNode(ctx, h.ID()); err != nil {
			logger.Warn("bootstrap find_node failed", "peer", info.ID, "error", err)
		}
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
