package dht

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
	"github.com/nmxmxh/kaddht/internal/kad/kadhost"
)

// fakeNetwork wires a set of fakeHosts together in-process, so tests can
// exercise the real wire codec and handler dispatch without a libp2p host.
type fakeNetwork struct {
	mu    sync.Mutex
	hosts map[peer.ID]*fakeHost
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{hosts: make(map[peer.ID]*fakeHost)}
}

func (n *fakeNetwork) register(h *fakeHost) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hosts[h.id] = h
}

func (n *fakeNetwork) get(p peer.ID) *fakeHost {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hosts[p]
}

type fakeHost struct {
	id      peer.ID
	net     *fakeNetwork
	mu      sync.Mutex
	handler func(kadhost.Stream)
}

func newFakeHost(net *fakeNetwork, id peer.ID) *fakeHost {
	h := &fakeHost{id: id, net: net}
	net.register(h)
	return h
}

func (h *fakeHost) ID() peer.ID { return h.id }

func (h *fakeHost) SetStreamHandler(pid protocol.ID, handler func(kadhost.Stream)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *fakeHost) NewStream(ctx context.Context, p peer.ID, protocols ...protocol.ID) (kadhost.Stream, error) {
	peerHost := h.net.get(p)
	if peerHost == nil {
		return nil, kaderr.New(kaderr.CodeNotFound, "no such peer on fake network")
	}
	peerHost.mu.Lock()
	handler := peerHost.handler
	peerHost.mu.Unlock()
	if handler == nil {
		return nil, kaderr.New(kaderr.CodeNotFound, "peer has no stream handler registered")
	}

	aToB, bFromA := io.Pipe()
	bToA, aFromB := io.Pipe()

	client := &pipeStream{r: aFromB, w: aToB, remote: p}
	server := &pipeStream{r: bFromA, w: bToA, remote: h.id}

	go handler(server)
	return client, nil
}

type pipeStream struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	remote peer.ID
}

func (s *pipeStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *pipeStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *pipeStream) Close() error {
	_ = s.r.Close()
	return s.w.Close()
}
func (s *pipeStream) Protocol() protocol.ID { return ProtocolID }
func (s *pipeStream) RemotePeer() peer.ID   { return s.remote }

type fakeAddrBook struct {
	mu    sync.Mutex
	addrs map[peer.ID][]multiaddr.Multiaddr
}

func newFakeAddrBook() *fakeAddrBook {
	return &fakeAddrBook{addrs: make(map[peer.ID][]multiaddr.Multiaddr)}
}

func (f *fakeAddrBook) AddAddrs(p peer.ID, addrs []multiaddr.Multiaddr, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs[p] = append(f.addrs[p], addrs...)
}

func (f *fakeAddrBook) Addrs(p peer.ID) []multiaddr.Multiaddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addrs[p]
}

type zeroLatency struct{}

func (zeroLatency) LatencyEWMA(p peer.ID) time.Duration { return 0 }
