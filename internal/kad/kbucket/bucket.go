// Package kbucket implements the Kademlia k-bucket routing table: ordered
// peer-entry buckets keyed by common-prefix-length with the local node,
// admission/split/consolidation, and nearest-peer queries.
package kbucket

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nmxmxh/kaddht/internal/kad/keyspace"
)

// PeerEntry is a routing-table resident. KadID is cached at construction
// and never recomputed; everything else may be mutated in place while the
// table lock is held.
type PeerEntry struct {
	PeerID                        peer.ID
	KadID                         keyspace.ID
	AddedAt                       time.Time
	LastUsefulAt                  time.Time
	LastSuccessfulOutboundQueryAt time.Time
	Replaceable                   bool
}

func newPeerEntry(p peer.ID, queryPeer, replaceable bool) *PeerEntry {
	now := time.Now()
	e := &PeerEntry{
		PeerID:      p,
		KadID:       keyspace.FromPeerID(p),
		AddedAt:     now,
		Replaceable: replaceable,
	}
	if queryPeer {
		e.LastUsefulAt = now
		e.LastSuccessfulOutboundQueryAt = now
	}
	return e
}

// bucket is an ordered sequence of peer entries sharing a CPL stratum with
// the local node. Order is insertion order at the front (most recently
// added/touched peers lead); no two entries share a PeerID.
type bucket struct {
	entries []*PeerEntry
}

func newBucket() *bucket {
	return &bucket{}
}

// peers returns a defensive copy of the bucket's entries.
func (b *bucket) peers() []*PeerEntry {
	out := make([]*PeerEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// ids returns the peer IDs of every resident, in bucket order.
func (b *bucket) ids() []peer.ID {
	out := make([]peer.ID, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.PeerID
	}
	return out
}

func (b *bucket) get(p peer.ID) *PeerEntry {
	for _, e := range b.entries {
		if e.PeerID == p {
			return e
		}
	}
	return nil
}

// remove deletes the entry for p, reporting whether it was present.
func (b *bucket) remove(p peer.ID) bool {
	for i, e := range b.entries {
		if e.PeerID == p {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (b *bucket) pushFront(e *PeerEntry) {
	b.entries = append([]*PeerEntry{e}, b.entries...)
}

func (b *bucket) len() int {
	return len(b.entries)
}

// minBy returns the first entry for which lessThan reports it should sort
// before every other resident, i.e. the minimum under lessThan. Returns nil
// on an empty bucket.
func (b *bucket) minBy(lessThan func(a, c *PeerEntry) bool) *PeerEntry {
	if len(b.entries) == 0 {
		return nil
	}
	min := b.entries[0]
	for _, e := range b.entries[1:] {
		if lessThan(e, min) {
			min = e
		}
	}
	return min
}

// updateAll applies fn to every resident in place.
func (b *bucket) updateAll(fn func(e *PeerEntry)) {
	for _, e := range b.entries {
		fn(e)
	}
}

// maxCommonPrefix returns the largest CPL any resident shares with target.
func (b *bucket) maxCommonPrefix(target keyspace.ID) int {
	max := 0
	for _, e := range b.entries {
		if cpl := keyspace.CommonPrefixLen(e.KadID, target); cpl > max {
			max = cpl
		}
	}
	return max
}

// split partitions entries by their CPL with target: residents whose CPL
// exceeds cpl move (preserving relative order) into the returned bucket;
// residents with CPL <= cpl, including ties at exactly cpl, stay.
func (b *bucket) split(cpl int, target keyspace.ID) *bucket {
	out := newBucket()
	var kept []*PeerEntry
	for _, e := range b.entries {
		if keyspace.CommonPrefixLen(e.KadID, target) > cpl {
			out.entries = append(out.entries, e)
		} else {
			kept = append(kept, e)
		}
	}
	b.entries = kept
	return out
}
