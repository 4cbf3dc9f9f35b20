package query

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/kaddht/internal/kad/keyspace"
)

func randPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	p, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return p
}

func drain(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			t.Fatal("timed out draining lookup events")
		}
	}
}

// TestLookupSuccess mirrors spec.md's S5: P0 reports [P1]; stop_fn fires
// once any peer is Queried. Result: Success, P0 Queried, P1 Heard, exactly
// one PeerQueried and one QueryTerminated.
func TestLookupSuccess(t *testing.T) {
	p0, p1 := randPeer(t), randPeer(t)

	l, err := New(Config{
		Target: keyspace.FromBytes([]byte("target")),
		Alpha:  3,
		QueryFn: func(ctx context.Context, p peer.ID) ([]peer.ID, error) {
			if p == p0 {
				return []peer.ID{p1}, nil
			}
			return nil, nil
		},
		StopFn: func(ps *PeerSet) bool {
			return ps.CountInState(Queried) > 0
		},
	})
	require.NoError(t, err)

	events, err := l.Run(context.Background(), []peer.ID{p0})
	require.NoError(t, err)

	got := drain(t, events, time.Second)

	var queried, terminated int
	for _, e := range got {
		switch e.Kind {
		case PeerQueried:
			queried++
			require.Equal(t, p0, e.Peer)
		case QueryTerminated:
			terminated++
			require.Equal(t, Success, e.Reason)
		}
	}
	require.Equal(t, 1, queried)
	require.Equal(t, 1, terminated)

	st0, err := l.PeerSet().GetState(p0)
	require.NoError(t, err)
	require.Equal(t, Queried, st0)

	st1, err := l.PeerSet().GetState(p1)
	require.NoError(t, err)
	require.Equal(t, Heard, st1)
}

// TestLookupTimeout mirrors spec.md's S6: query_fn never completes;
// timeout = 10ms. Result: Timeout, peer remains Waiting, exactly one
// terminal event.
func TestLookupTimeout(t *testing.T) {
	p0 := randPeer(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	l, err := New(Config{
		Target:  keyspace.FromBytes([]byte("target")),
		Timeout: 10 * time.Millisecond,
		QueryFn: func(ctx context.Context, p peer.ID) ([]peer.ID, error) {
			<-block
			return nil, nil
		},
		StopFn: func(ps *PeerSet) bool { return false },
	})
	require.NoError(t, err)

	events, err := l.Run(context.Background(), []peer.ID{p0})
	require.NoError(t, err)

	got := drain(t, events, time.Second)
	require.Len(t, got, 1)
	require.Equal(t, QueryTerminated, got[0].Kind)
	require.Equal(t, Timeout, got[0].Reason)

	st, err := l.PeerSet().GetState(p0)
	require.NoError(t, err)
	require.Equal(t, Waiting, st)
}

func TestLookupNoMorePeersWhenSeedEmpty(t *testing.T) {
	l, err := New(Config{
		Target: keyspace.FromBytes([]byte("target")),
		QueryFn: func(ctx context.Context, p peer.ID) ([]peer.ID, error) {
			return nil, nil
		},
		StopFn: func(ps *PeerSet) bool { return false },
	})
	require.NoError(t, err)

	events, err := l.Run(context.Background(), nil)
	require.NoError(t, err)

	got := drain(t, events, time.Second)
	require.Len(t, got, 1)
	require.Equal(t, NoMorePeers, got[0].Reason)
}

func TestLookupPeerQueryFailedEmitsAndMarksUnreachable(t *testing.T) {
	p0 := randPeer(t)
	wantErr := errors.New("unreachable")

	l, err := New(Config{
		Target: keyspace.FromBytes([]byte("target")),
		QueryFn: func(ctx context.Context, p peer.ID) ([]peer.ID, error) {
			return nil, wantErr
		},
		StopFn: func(ps *PeerSet) bool { return false },
	})
	require.NoError(t, err)

	events, err := l.Run(context.Background(), []peer.ID{p0})
	require.NoError(t, err)
	got := drain(t, events, time.Second)

	require.Equal(t, PeerQueryFailed, got[0].Kind)
	require.ErrorIs(t, got[0].Err, wantErr)
	require.Equal(t, NoMorePeers, got[len(got)-1].Reason)

	st, err := l.PeerSet().GetState(p0)
	require.NoError(t, err)
	require.Equal(t, Unreachable, st)
}

func TestLookupRejectsConcurrentRun(t *testing.T) {
	p0 := randPeer(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	l, err := New(Config{
		Target: keyspace.FromBytes([]byte("target")),
		QueryFn: func(ctx context.Context, p peer.ID) ([]peer.ID, error) {
			<-block
			return nil, nil
		},
		StopFn: func(ps *PeerSet) bool { return false },
	})
	require.NoError(t, err)

	_, err = l.Run(context.Background(), []peer.ID{p0})
	require.NoError(t, err)

	_, err = l.Run(context.Background(), []peer.ID{p0})
	require.Error(t, err)
}

func TestLookupCancelIdleCompletesImmediately(t *testing.T) {
	l, err := New(Config{
		Target:  keyspace.FromBytes([]byte("target")),
		QueryFn: func(ctx context.Context, p peer.ID) ([]peer.ID, error) { return nil, nil },
		StopFn:  func(ps *PeerSet) bool { return false },
	})
	require.NoError(t, err)

	l.Cancel()
	events, err := l.Run(context.Background(), []peer.ID{randPeer(t)})
	require.NoError(t, err)

	got := drain(t, events, time.Second)
	require.Len(t, got, 1)
	require.Equal(t, Cancelled, got[0].Reason)
}

func TestLookupCancelRunningEmitsExactlyOneTerminal(t *testing.T) {
	p0 := randPeer(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	l, err := New(Config{
		Target: keyspace.FromBytes([]byte("target")),
		QueryFn: func(ctx context.Context, p peer.ID) ([]peer.ID, error) {
			<-block
			return nil, nil
		},
		StopFn: func(ps *PeerSet) bool { return false },
	})
	require.NoError(t, err)

	events, err := l.Run(context.Background(), []peer.ID{p0})
	require.NoError(t, err)

	l.Cancel()
	got := drain(t, events, time.Second)

	var terminals int
	for _, e := range got {
		if e.Kind == QueryTerminated {
			terminals++
			require.Equal(t, Cancelled, e.Reason)
		}
	}
	require.Equal(t, 1, terminals)
}
