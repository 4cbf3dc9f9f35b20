package providers

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
)

func randPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	p, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return p
}

func TestMemoryStoreAddAndGet(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	p := randPeer(t)

	require.NoError(t, s.AddProvider("cid-a", p))
	recs, err := s.GetProviders("cid-a")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, p, recs[0].Peer)
}

func TestMemoryStoreExpiresRecords(t *testing.T) {
	s := NewMemoryStore(time.Millisecond)
	p := randPeer(t)
	require.NoError(t, s.AddProvider("cid-a", p))

	time.Sleep(5 * time.Millisecond)
	recs, err := s.GetProviders("cid-a")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestMemoryStoreClosedFailsSubsequentOps(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	require.NoError(t, s.Close())

	err := s.AddProvider("cid-a", randPeer(t))
	require.ErrorIs(t, err, kaderr.ErrClosed)
}
