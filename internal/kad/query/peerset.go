package query

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
	"github.com/nmxmxh/kaddht/internal/kad/keyspace"
)

// PeerState is a query peer-set resident's position in the lookup
// lifecycle (spec.md §4.8): Heard -> Waiting -> (Queried | Unreachable).
type PeerState int

const (
	Heard PeerState = iota
	Waiting
	Queried
	Unreachable
)

type peerSetEntry struct {
	id       peer.ID
	kad      keyspace.ID
	state    PeerState
	referrer peer.ID
}

// PeerSet is the lookup's working set of known peers, ordered by distance
// to target. Sorting is deferred until read (ClosestInStates) and cached
// until the next TryAdd invalidates it (spec.md §4.8).
type PeerSet struct {
	mu sync.Mutex

	target  keyspace.ID
	entries map[peer.ID]*peerSetEntry

	sortedDirty bool
	sortedIDs   []peer.ID
}

// NewPeerSet builds an empty peer-set for the given lookup target.
func NewPeerSet(target keyspace.ID) *PeerSet {
	return &PeerSet{
		target:  target,
		entries: make(map[peer.ID]*peerSetEntry),
	}
}

// TryAdd admits p in state Heard if not already present, recording
// referrer (the peer that reported p). Returns true if p was newly added.
func (s *PeerSet) TryAdd(p peer.ID, referrer peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[p]; ok {
		return false
	}
	s.entries[p] = &peerSetEntry{
		id:       p,
		kad:      keyspace.FromPeerID(p),
		state:    Heard,
		referrer: referrer,
	}
	s.sortedDirty = true
	return true
}

// SetState transitions p to state st.
func (s *PeerSet) SetState(p peer.ID, st PeerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[p]
	if !ok {
		return kaderr.NotFound("peer", p.String())
	}
	e.state = st
	return nil
}

// GetState reports p's current state.
func (s *PeerSet) GetState(p peer.ID) (PeerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[p]
	if !ok {
		return 0, kaderr.NotFound("peer", p.String())
	}
	return e.state, nil
}

// GetReferrer reports which peer first reported p.
func (s *PeerSet) GetReferrer(p peer.ID) (peer.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[p]
	if !ok {
		return "", kaderr.NotFound("peer", p.String())
	}
	return e.referrer, nil
}

// ClosestInStates returns up to n peers in any of the given states,
// ascending by distance to target.
func (s *PeerSet) ClosestInStates(states []PeerState, n int) []peer.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resort()

	want := make(map[PeerState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	out := make([]peer.ID, 0, n)
	for _, id := range s.sortedIDs {
		if len(out) >= n {
			break
		}
		if want[s.entries[id].state] {
			out = append(out, id)
		}
	}
	return out
}

// Size reports the number of peers in the set, regardless of state.
func (s *PeerSet) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CountInState reports how many peers are currently in state st.
func (s *PeerSet) CountInState(st PeerState) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.state == st {
			n++
		}
	}
	return n
}

func (s *PeerSet) resort() {
	if !s.sortedDirty && len(s.sortedIDs) == len(s.entries) {
		return
	}
	ids := make([]peer.ID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	type withKad struct {
		id  peer.ID
		kad keyspace.ID
	}
	tmp := make([]withKad, len(ids))
	for i, id := range ids {
		tmp[i] = withKad{id: id, kad: s.entries[id].kad}
	}
	keyspace.SortByDistance(s.target, tmp, func(w withKad) keyspace.ID { return w.kad })
	out := make([]peer.ID, len(tmp))
	for i, w := range tmp {
		out[i] = w.id
	}
	s.sortedIDs = out
	s.sortedDirty = false
}
