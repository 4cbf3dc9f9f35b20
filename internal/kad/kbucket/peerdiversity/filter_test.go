package peerdiversity

import (
	"crypto/rand"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func randPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	p, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return p
}

func sameGroupAddr(t *testing.T) multiaddr.Multiaddr {
	t.Helper()
	a, err := multiaddr.NewMultiaddr("/ip4/1.2.3.4/tcp/4001")
	require.NoError(t, err)
	return a
}

// TestFilterScenario mirrors spec.md's S3: max_per_cpl=2, max_for_table=3,
// all addresses in the same IP group. Three try_adds at distinct CPLs
// succeed; the fourth is rejected. After removing one, the fourth succeeds.
func TestFilterScenario(t *testing.T) {
	addr := sameGroupAddr(t)
	policy := NewDefaultPolicy(2, 3, func(peer.ID) []multiaddr.Multiaddr {
		return []multiaddr.Multiaddr{addr}
	})
	f, err := New(Config{Policy: policy})
	require.NoError(t, err)

	p1, p2, p3, p4 := randPeer(t), randPeer(t), randPeer(t), randPeer(t)

	require.NoError(t, f.TryAdd(nil, p1, 0))
	require.NoError(t, f.TryAdd(nil, p2, 1))
	require.NoError(t, f.TryAdd(nil, p3, 2))

	err = f.TryAdd(nil, p4, 3)
	require.Error(t, err, "fourth peer in the same ip group exceeds max_for_table")

	f.Remove(p1)
	require.NoError(t, f.TryAdd(nil, p4, 3), "after freeing a table slot the fourth peer is admitted")
}

func TestFilterPerCPLCeiling(t *testing.T) {
	addr := sameGroupAddr(t)
	policy := NewDefaultPolicy(2, 10, func(peer.ID) []multiaddr.Multiaddr {
		return []multiaddr.Multiaddr{addr}
	})
	f, err := New(Config{Policy: policy})
	require.NoError(t, err)

	p1, p2, p3 := randPeer(t), randPeer(t), randPeer(t)
	require.NoError(t, f.TryAdd(nil, p1, 5))
	require.NoError(t, f.TryAdd(nil, p2, 5))

	err = f.TryAdd(nil, p3, 5)
	require.Error(t, err, "third peer at the same cpl exceeds max_per_cpl even though the table ceiling is not hit")
}

func TestFilterWhitelistBypasses(t *testing.T) {
	addr := sameGroupAddr(t)
	p1, p2 := randPeer(t), randPeer(t)
	policy := NewDefaultPolicy(1, 1, func(peer.ID) []multiaddr.Multiaddr {
		return []multiaddr.Multiaddr{addr}
	})
	f, err := New(Config{Policy: policy, Whitelist: []peer.ID{p2}})
	require.NoError(t, err)

	require.NoError(t, f.TryAdd(nil, p1, 0))
	require.NoError(t, f.TryAdd(nil, p2, 0), "whitelisted peer bypasses group ceilings")
}

func TestFilterRejectsPeerWithNoAddresses(t *testing.T) {
	policy := NewDefaultPolicy(2, 3, func(peer.ID) []multiaddr.Multiaddr { return nil })
	f, err := New(Config{Policy: policy})
	require.NoError(t, err)

	err = f.TryAdd(nil, randPeer(t), 0)
	require.Error(t, err)
}

func TestGroupKeyLegacyClassAUsesSlash8(t *testing.T) {
	a, err := multiaddr.NewMultiaddr("/ip4/12.34.56.78/tcp/4001")
	require.NoError(t, err)
	b, err := multiaddr.NewMultiaddr("/ip4/12.99.1.2/tcp/4001")
	require.NoError(t, err)

	ka, err := groupKey(a)
	require.NoError(t, err)
	kb, err := groupKey(b)
	require.NoError(t, err)
	require.Equal(t, ka, kb, "addresses sharing a legacy class-a /8 must group together")
}

func TestGroupKeyOrdinaryIPv4UsesSlash16(t *testing.T) {
	a, err := multiaddr.NewMultiaddr("/ip4/203.0.113.5/tcp/4001")
	require.NoError(t, err)
	b, err := multiaddr.NewMultiaddr("/ip4/203.1.200.9/tcp/4001")
	require.NoError(t, err)

	ka, err := groupKey(a)
	require.NoError(t, err)
	kb, err := groupKey(b)
	require.NoError(t, err)
	require.NotEqual(t, ka, kb, "different /16s must not group together")
}
