// Package libp2phost adapts a real go-libp2p Host to the narrow
// kadhost.Host/AddrBook/LatencyMetrics contracts the DHT core depends on.
package libp2phost

import (
	"context"
	"time"

	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/kaddht/internal/kad/kadhost"
)

// streamAdapter wraps a libp2p network.Stream to satisfy kadhost.Stream,
// which requires Protocol() and RemotePeer() in addition to
// io.ReadWriteCloser.
type streamAdapter struct {
	libp2pnetwork.Stream
}

func (s streamAdapter) Protocol() protocol.ID {
	return s.Stream.Protocol()
}

func (s streamAdapter) RemotePeer() peer.ID {
	return s.Stream.Conn().RemotePeer()
}

// Host wraps a go-libp2p host.Host, as internal/network/mesh.go constructs
// it, behind kadhost.Host.
type Host struct {
	h interface {
		NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (libp2pnetwork.Stream, error)
		SetStreamHandler(pid protocol.ID, handler libp2pnetwork.StreamHandler)
		ID() peer.ID
		Connect(ctx context.Context, pi peer.AddrInfo) error
	}
}

// New wraps h. The parameter is typed structurally (rather than as
// core/host.Host directly) so that tests can supply a minimal fake.
func New(h interface {
	NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (libp2pnetwork.Stream, error)
	SetStreamHandler(pid protocol.ID, handler libp2pnetwork.StreamHandler)
	ID() peer.ID
	Connect(ctx context.Context, pi peer.AddrInfo) error
}) *Host {
	return &Host{h: h}
}

func (w *Host) NewStream(ctx context.Context, p peer.ID, protocols ...protocol.ID) (kadhost.Stream, error) {
	s, err := w.h.NewStream(ctx, p, protocols...)
	if err != nil {
		return nil, err
	}
	return streamAdapter{s}, nil
}

func (w *Host) SetStreamHandler(pid protocol.ID, handler func(kadhost.Stream)) {
	w.h.SetStreamHandler(pid, func(s libp2pnetwork.Stream) {
		handler(streamAdapter{s})
	})
}

func (w *Host) ID() peer.ID {
	return w.h.ID()
}

// Connect dials pi, mirroring internal/network/mesh.go's SendPacket
// connect-then-open-stream sequence. Not part of kadhost.Host: callers
// that need a libp2p host for connecting use this directly.
func (w *Host) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return w.h.Connect(ctx, pi)
}

// AddrBook adapts a go-libp2p peerstore.AddrBook to kadhost.AddrBook.
type AddrBook struct {
	book peerstore.AddrBook
}

// NewAddrBook wraps a peerstore's address book (typically host.Peerstore()).
func NewAddrBook(book peerstore.AddrBook) *AddrBook {
	return &AddrBook{book: book}
}

func (a *AddrBook) AddAddrs(p peer.ID, addrs []multiaddr.Multiaddr, ttl time.Duration) {
	a.book.AddAddrs(p, addrs, ttl)
}

func (a *AddrBook) Addrs(p peer.ID) []multiaddr.Multiaddr {
	return a.book.Addrs(p)
}

// LatencyMetrics adapts a go-libp2p peerstore.Metrics to
// kbucket.LatencyMetrics / kadhost.LatencyMetrics.
type LatencyMetrics struct {
	metrics peerstore.Metrics
}

// NewLatencyMetrics wraps a peerstore's metrics view (typically
// host.Peerstore()).
func NewLatencyMetrics(metrics peerstore.Metrics) *LatencyMetrics {
	return &LatencyMetrics{metrics: metrics}
}

func (l *LatencyMetrics) LatencyEWMA(p peer.ID) time.Duration {
	return l.metrics.LatencyEWMA(p)
}
