// Package kadhost defines the narrow host/network capabilities the DHT
// core depends on, so that internal/kad packages never import go-libp2p
// directly beyond core types (peer.ID, protocol.ID, multiaddr). A real
// implementation lives in internal/kad/libp2phost; tests supply fakes.
package kadhost

import (
	"context"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

// Stream is a single bidirectional byte stream speaking one protocol.
type Stream interface {
	io.ReadWriteCloser
	Protocol() protocol.ID
	RemotePeer() peer.ID
}

// Host opens and accepts the streams the wire protocol rides on.
type Host interface {
	NewStream(ctx context.Context, p peer.ID, protocols ...protocol.ID) (Stream, error)
	SetStreamHandler(pid protocol.ID, handler func(Stream))
	ID() peer.ID
}

// AddrBook resolves and records a peer's known multiaddresses.
type AddrBook interface {
	AddAddrs(p peer.ID, addrs []multiaddr.Multiaddr, ttl time.Duration)
	Addrs(p peer.ID) []multiaddr.Multiaddr
}

// LatencyMetrics reports a peer's measured round-trip latency as an EWMA.
type LatencyMetrics interface {
	LatencyEWMA(p peer.ID) time.Duration
}
