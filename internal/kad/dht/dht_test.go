package dht

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/kaddht/internal/kad/providers"
)

func randPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	p, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return p
}

func newTestNode(t *testing.T, net *fakeNetwork, book *fakeAddrBook) (*DHT, peer.ID) {
	t.Helper()
	id := randPeer(t)
	host := newFakeHost(net, id)
	d, err := New(Config{
		Host:     host,
		AddrBook: book,
		Latency:  zeroLatency{},
		LocalID:  id,
		Store:    providers.NewMemoryStore(time.Hour),
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, id
}

func pkRecord(t *testing.T, value []byte) string {
	t.Helper()
	sum, err := multihash.Sum(value, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return "/pk/" + string(sum)
}

func TestPingRoundTrip(t *testing.T) {
	net := newFakeNetwork()
	book := newFakeAddrBook()
	a, _ := newTestNode(t, net, book)
	_, bID := newTestNode(t, net, book)

	require.NoError(t, a.Ping(context.Background(), bID))
}

func TestPingUnknownPeerFails(t *testing.T) {
	net := newFakeNetwork()
	book := newFakeAddrBook()
	a, _ := newTestNode(t, net, book)

	require.Error(t, a.Ping(context.Background(), randPeer(t)))
}

// TestFindNodeDiscoversTransitivePeer mirrors spec.md's S1-adjacent wiring
// expectation: A knows only B; B knows C; A's FIND_NODE lookup for C
// discovers it by way of B and ends with both admitted as Queried.
func TestFindNodeDiscoversTransitivePeer(t *testing.T) {
	net := newFakeNetwork()
	book := newFakeAddrBook()

	a, _ := newTestNode(t, net, book)
	b, bID := newTestNode(t, net, book)
	_, cID := newTestNode(t, net, book)

	_, err := b.RoutingTable().TryAddPeer(cID, true, true)
	require.NoError(t, err)
	_, err = a.RoutingTable().TryAddPeer(bID, true, true)
	require.NoError(t, err)

	found, err := a.FindNode(context.Background(), cID)
	require.NoError(t, err)
	require.Contains(t, found, bID)
	require.Contains(t, found, cID)
}

func TestAddProviderThenFindProviders(t *testing.T) {
	net := newFakeNetwork()
	book := newFakeAddrBook()

	a, _ := newTestNode(t, net, book)
	b, bID := newTestNode(t, net, book)
	_, err := a.RoutingTable().TryAddPeer(bID, true, true)
	require.NoError(t, err)

	cid := providers.ContentID("some-content")
	require.NoError(t, b.Providers().AddProvider(cid, bID, nil))

	stream, err := a.FindProviders(context.Background(), cid)
	require.NoError(t, err)

	var found []providers.ProviderInfo
	deadline := time.After(time.Second)
	for done := false; !done; {
		select {
		case info, ok := <-stream:
			if !ok {
				done = true
				break
			}
			found = append(found, info)
		case <-deadline:
			t.Fatal("timed out draining FindProviders")
		}
	}

	var ids []peer.ID
	for _, info := range found {
		ids = append(ids, info.ID)
	}
	require.Contains(t, ids, bID)
}

func TestPutValueThenGetValue(t *testing.T) {
	net := newFakeNetwork()
	book := newFakeAddrBook()

	a, _ := newTestNode(t, net, book)
	b, bID := newTestNode(t, net, book)
	_, err := a.RoutingTable().TryAddPeer(bID, true, true)
	require.NoError(t, err)

	value := []byte("hello amino")
	key := pkRecord(t, value)

	require.NoError(t, a.PutValue(context.Background(), key, value))

	got, err := b.GetValue(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestGetValueNotFound(t *testing.T) {
	net := newFakeNetwork()
	book := newFakeAddrBook()
	a, _ := newTestNode(t, net, book)

	_, err := a.GetValue(context.Background(), pkRecord(t, []byte("nothing stored")))
	require.Error(t, err)
}

func TestPutValueRejectsInvalidRecord(t *testing.T) {
	net := newFakeNetwork()
	book := newFakeAddrBook()
	a, _ := newTestNode(t, net, book)

	key := pkRecord(t, []byte("original"))
	err := a.PutValue(context.Background(), key, []byte("tampered"))
	require.Error(t, err)
}

func TestRefreshCPLsPublishesBucketFill(t *testing.T) {
	net := newFakeNetwork()
	book := newFakeAddrBook()
	a, _ := newTestNode(t, net, book)

	a.RefreshCPLs(context.Background())

	published := make(chan prometheus.Metric, 16)
	a.metrics.BucketFill.Collect(published)
	close(published)
	require.Len(t, published, len(a.RoutingTable().BucketFillLevels()))
}
