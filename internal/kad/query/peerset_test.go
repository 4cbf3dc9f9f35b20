package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/kaddht/internal/kad/keyspace"
)

func TestPeerSetTryAddSkipsDuplicates(t *testing.T) {
	target := keyspace.FromBytes([]byte("target"))
	ps := NewPeerSet(target)
	p := randPeer(t)

	require.True(t, ps.TryAdd(p, ""))
	require.False(t, ps.TryAdd(p, ""))
	require.Equal(t, 1, ps.Size())
}

func TestPeerSetSetStateGetStateRoundTrip(t *testing.T) {
	ps := NewPeerSet(keyspace.FromBytes([]byte("target")))
	p := randPeer(t)
	ps.TryAdd(p, "")

	require.NoError(t, ps.SetState(p, Waiting))
	st, err := ps.GetState(p)
	require.NoError(t, err)
	require.Equal(t, Waiting, st)
}

func TestPeerSetUnknownPeerNotFound(t *testing.T) {
	ps := NewPeerSet(keyspace.FromBytes([]byte("target")))
	_, err := ps.GetState(randPeer(t))
	require.Error(t, err)

	_, err = ps.GetReferrer(randPeer(t))
	require.Error(t, err)

	err = ps.SetState(randPeer(t), Waiting)
	require.Error(t, err)
}

func TestPeerSetClosestInStatesSortsByDistance(t *testing.T) {
	target := keyspace.FromBytes([]byte("target"))
	ps := NewPeerSet(target)

	for i := 0; i < 10; i++ {
		ps.TryAdd(randPeer(t), "")
	}

	closest := ps.ClosestInStates([]PeerState{Heard}, 5)
	require.Len(t, closest, 5)

	var prev keyspace.ID
	for i, p := range closest {
		d := keyspace.Distance(keyspace.FromPeerID(p), target)
		if i > 0 {
			require.False(t, keyspace.Less(d, prev))
		}
		prev = d
	}
}

func TestPeerSetReferrerTracksFirstReporter(t *testing.T) {
	ps := NewPeerSet(keyspace.FromBytes([]byte("target")))
	reporter := randPeer(t)
	p := randPeer(t)

	ps.TryAdd(p, reporter)
	got, err := ps.GetReferrer(p)
	require.NoError(t, err)
	require.Equal(t, reporter, got)
}
