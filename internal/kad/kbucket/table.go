package kbucket

import (
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
	"github.com/nmxmxh/kaddht/internal/kad/keyspace"
)

// DefaultBucketSize is Amino's k (spec.md §6).
const DefaultBucketSize = 20

// MaxRefreshTrackedCPL is the highest CPL the table keeps a refresh
// timestamp for (spec.md §6).
const MaxRefreshTrackedCPL = 15

// DefaultMaxLatency is the admission latency ceiling used when
// Config.MaxLatency is zero.
const DefaultMaxLatency = 10 * time.Second

// LatencyMetrics reports a peer's measured round-trip latency as an
// exponentially-weighted moving average. Consumed, never owned, by the
// routing table (spec.md §6's "latency oracle").
type LatencyMetrics interface {
	LatencyEWMA(p peer.ID) time.Duration
}

// DiversityFilter is the admission-policy collaborator described in
// spec.md §4.3. Table and filter share no back-reference: the filter
// resolves addresses on its own via an address_lookup capability supplied
// at its own construction (spec.md §9's "cyclic references" note).
type DiversityFilter interface {
	TryAdd(ctx interface{}, p peer.ID, cpl int) error
	Remove(p peer.ID)
}

// Config configures a RoutingTable. All fields have the Amino defaults
// from spec.md §6 when zero-valued, except LocalID and Latency which are
// required.
type Config struct {
	LocalID     peer.ID
	BucketSize  int
	MaxLatency  time.Duration
	Latency     LatencyMetrics
	Diversity   DiversityFilter // may be nil to disable diversity filtering
	Logger      *slog.Logger
	PeerAdded   func(peer.ID)
	PeerRemoved func(peer.ID)
}

// AdmitResult reports what TryAddPeer did.
type AdmitResult int

const (
	AdmitUnchanged AdmitResult = iota // peer already present, nothing changed
	AdmitUpdated                      // peer already present, last-useful timestamp refreshed
	AdmitAdded                        // peer newly added to the table
)

// RoutingTable is the Kademlia k-bucket directory: an array of buckets
// covering the keyspace, plus the owning node's own KadId. All mutating
// operations, and any read returning a snapshot, hold mu.
type RoutingTable struct {
	localID  peer.ID
	localKad keyspace.ID

	bucketSize int
	maxLatency time.Duration
	latency    LatencyMetrics
	diversity  DiversityFilter
	logger     *slog.Logger

	peerAdded   func(peer.ID)
	peerRemoved func(peer.ID)

	mu      sync.RWMutex
	buckets []*bucket

	refreshMu      sync.Mutex
	cplRefreshedAt map[int]time.Time
}

// New builds a RoutingTable starting with a single catch-all bucket.
func New(cfg Config) (*RoutingTable, error) {
	if cfg.LocalID == "" {
		return nil, kaderr.New(kaderr.CodeConfigInvalid, "routing table requires a local peer id")
	}
	if cfg.Latency == nil {
		return nil, kaderr.New(kaderr.CodeConfigInvalid, "routing table requires a latency oracle")
	}
	bucketSize := cfg.BucketSize
	if bucketSize == 0 {
		bucketSize = DefaultBucketSize
	}
	maxLatency := cfg.MaxLatency
	if maxLatency == 0 {
		maxLatency = DefaultMaxLatency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	peerAdded := cfg.PeerAdded
	if peerAdded == nil {
		peerAdded = func(peer.ID) {}
	}
	peerRemoved := cfg.PeerRemoved
	if peerRemoved == nil {
		peerRemoved = func(peer.ID) {}
	}

	return &RoutingTable{
		localID:        cfg.LocalID,
		localKad:       keyspace.FromPeerID(cfg.LocalID),
		bucketSize:     bucketSize,
		maxLatency:     maxLatency,
		latency:        cfg.Latency,
		diversity:      cfg.Diversity,
		logger:         logger.With("component", "kbucket"),
		peerAdded:      peerAdded,
		peerRemoved:    peerRemoved,
		buckets:        []*bucket{newBucket()},
		cplRefreshedAt: make(map[int]time.Time),
	}, nil
}

func (rt *RoutingTable) bucketIndex(cpl int) int {
	if cpl >= len(rt.buckets) {
		return len(rt.buckets) - 1
	}
	return cpl
}

// TryAddPeer runs the central admission algorithm of spec.md §4.4.
func (rt *RoutingTable) TryAddPeer(p peer.ID, queryPeer, replaceable bool) (AdmitResult, error) {
	if p == rt.localID {
		return AdmitUnchanged, kaderr.New(kaderr.CodeConfigInvalid, "refusing to add local peer to routing table")
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	kad := keyspace.FromPeerID(p)
	cpl := keyspace.CommonPrefixLen(kad, rt.localKad)
	idx := rt.bucketIndex(cpl)
	b := rt.buckets[idx]

	if existing := b.get(p); existing != nil {
		if queryPeer && existing.LastUsefulAt.IsZero() {
			existing.LastUsefulAt = time.Now()
			return AdmitUpdated, nil
		}
		return AdmitUnchanged, nil
	}

	if rt.latency.LatencyEWMA(p) > rt.maxLatency && rt.maxLatency > 0 {
		return AdmitUnchanged, kaderr.ErrHighLatency.WithContext("peer", p.String())
	}

	if rt.diversity != nil {
		if err := rt.diversity.TryAdd(nil, p, cpl); err != nil {
			return AdmitUnchanged, kaderr.Wrap(kaderr.CodeDiversityRejected, "diversity filter rejected peer", err).WithContext("peer", p.String())
		}
	}

	entry := newPeerEntry(p, queryPeer, replaceable)

	if b.len() < rt.bucketSize {
		b.pushFront(entry)
		rt.peerAdded(p)
		return AdmitAdded, nil
	}

	if idx == len(rt.buckets)-1 {
		rt.splitLastBucket()
		idx = rt.bucketIndex(cpl)
		b = rt.buckets[idx]
		if b.len() < rt.bucketSize {
			b.pushFront(entry)
			rt.peerAdded(p)
			return AdmitAdded, nil
		}
	}

	if victim := b.minBy(func(a, c *PeerEntry) bool {
		// among replaceable entries, evict the oldest-added first
		if a.Replaceable != c.Replaceable {
			return a.Replaceable
		}
		return a.AddedAt.Before(c.AddedAt)
	}); victim != nil && victim.Replaceable {
		b.remove(victim.PeerID)
		rt.peerRemoved(victim.PeerID)
		b.pushFront(entry)
		rt.peerAdded(p)
		return AdmitAdded, nil
	}

	if rt.diversity != nil {
		rt.diversity.Remove(p)
	}
	return AdmitUnchanged, kaderr.ErrNoCapacity.WithContext("peer", p.String())
}

// splitLastBucket implements spec.md §4.4's bucket-split algorithm,
// recursing while the freshly appended bucket is itself still full.
func (rt *RoutingTable) splitLastBucket() {
	lastIdx := len(rt.buckets) - 1
	last := rt.buckets[lastIdx]
	newB := last.split(lastIdx, rt.localKad)
	rt.buckets = append(rt.buckets, newB)

	if newB.len() >= rt.bucketSize {
		rt.splitLastBucket()
	}
}

// RemovePeer evicts p and consolidates trailing empty buckets per
// spec.md §4.4.
func (rt *RoutingTable) RemovePeer(p peer.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cpl := keyspace.CommonPrefixLen(keyspace.FromPeerID(p), rt.localKad)
	idx := rt.bucketIndex(cpl)
	if !rt.buckets[idx].remove(p) {
		return
	}
	rt.peerRemoved(p)
	if rt.diversity != nil {
		rt.diversity.Remove(p)
	}
	rt.consolidate()
}

// consolidate trims trailing empty buckets while preserving the invariant
// that the last bucket is the catch-all and, whenever more than one
// bucket remains, both the last and second-to-last are non-empty.
func (rt *RoutingTable) consolidate() {
	for len(rt.buckets) > 1 {
		last := rt.buckets[len(rt.buckets)-1]
		if last.len() == 0 {
			rt.buckets = rt.buckets[:len(rt.buckets)-1]
			continue
		}
		secondLast := rt.buckets[len(rt.buckets)-2]
		if secondLast.len() == 0 {
			rt.buckets[len(rt.buckets)-2] = last
			rt.buckets = rt.buckets[:len(rt.buckets)-1]
			continue
		}
		break
	}
}

// NearestPeers returns up to count peers sorted ascending by distance to
// target, per spec.md §4.4.
func (rt *RoutingTable) NearestPeers(target keyspace.ID, count int) []peer.ID {
	rt.mu.RLock()
	cpl := keyspace.CommonPrefixLen(target, rt.localKad)
	idx := rt.bucketIndex(cpl)

	var collected []*PeerEntry
	collected = append(collected, rt.buckets[idx].entries...)

	for i := idx + 1; i < len(rt.buckets) && len(collected) < count; i++ {
		collected = append(collected, rt.buckets[i].entries...)
	}
	for i := idx - 1; i >= 0 && len(collected) < count; i-- {
		collected = append(collected, rt.buckets[i].entries...)
	}
	rt.mu.RUnlock()

	keyspace.SortByDistance(target, collected, func(e *PeerEntry) keyspace.ID { return e.KadID })

	if len(collected) > count {
		collected = collected[:count]
	}
	out := make([]peer.ID, len(collected))
	for i, e := range collected {
		out[i] = e.PeerID
	}
	return out
}

// Size returns the total peer count across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += b.len()
	}
	return n
}

// ListPeers returns every peer currently in the table.
func (rt *RoutingTable) ListPeers() []peer.ID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []peer.ID
	for _, b := range rt.buckets {
		out = append(out, b.ids()...)
	}
	return out
}

// Find returns p if it is present in the table, or "" otherwise.
func (rt *RoutingTable) Find(p peer.ID) peer.ID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	cpl := keyspace.CommonPrefixLen(keyspace.FromPeerID(p), rt.localKad)
	idx := rt.bucketIndex(cpl)
	if e := rt.buckets[idx].get(p); e != nil {
		return e.PeerID
	}
	return ""
}

// UpdateLastSuccessfulOutboundQuery stamps the given peer, if present, and
// reports whether it was found.
func (rt *RoutingTable) UpdateLastSuccessfulOutboundQuery(p peer.ID, t time.Time) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cpl := keyspace.CommonPrefixLen(keyspace.FromPeerID(p), rt.localKad)
	idx := rt.bucketIndex(cpl)
	if e := rt.buckets[idx].get(p); e != nil {
		e.LastSuccessfulOutboundQueryAt = t
		return true
	}
	return false
}

// UsefulNewPeer reports whether admitting p would change routing-table
// state, per spec.md §4.4, without actually admitting it.
func (rt *RoutingTable) UsefulNewPeer(p peer.ID) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	cpl := keyspace.CommonPrefixLen(keyspace.FromPeerID(p), rt.localKad)
	idx := rt.bucketIndex(cpl)
	b := rt.buckets[idx]

	if b.get(p) != nil {
		return false
	}
	if b.len() < rt.bucketSize {
		return true
	}
	for _, e := range b.entries {
		if e.Replaceable {
			return true
		}
	}
	if idx == len(rt.buckets)-1 {
		distinctCPLs := make(map[int]struct{})
		for _, e := range b.entries {
			distinctCPLs[keyspace.CommonPrefixLen(e.KadID, rt.localKad)] = struct{}{}
			if len(distinctCPLs) >= 2 {
				return true
			}
		}
	}
	return false
}

// BucketFillLevels reports the resident count of every bucket, for metrics.
func (rt *RoutingTable) BucketFillLevels() []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]int, len(rt.buckets))
	for i, b := range rt.buckets {
		out[i] = b.len()
	}
	return out
}

// NumBuckets reports how many buckets currently exist.
func (rt *RoutingTable) NumBuckets() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets)
}

// --- CPL refresh tracking (spec.md §4.4) ---

// ResetCplRefreshedAt records that CPL cpl was just refreshed.
func (rt *RoutingTable) ResetCplRefreshedAt(cpl int, at time.Time) {
	rt.refreshMu.Lock()
	defer rt.refreshMu.Unlock()
	rt.cplRefreshedAt[cpl] = at
}

// CplsNeedingRefresh returns the CPLs, from 0 up to the index of the last
// bucket (capped at MaxRefreshTrackedCPL), that were never refreshed or
// were last refreshed before the given horizon.
func (rt *RoutingTable) CplsNeedingRefresh(horizon time.Time) []int {
	rt.refreshMu.Lock()
	defer rt.refreshMu.Unlock()
	var out []int
	max := rt.NumBuckets() - 1
	if max > MaxRefreshTrackedCPL {
		max = MaxRefreshTrackedCPL
	}
	for cpl := 0; cpl <= max; cpl++ {
		if t, ok := rt.cplRefreshedAt[cpl]; !ok || t.Before(horizon) {
			out = append(out, cpl)
		}
	}
	return out
}

// GenRandPeerIDWithCPL produces a random KadId whose common-prefix-length
// with the local node's KadId is exactly cpl: it copies the local ID's
// cpl/8 leading whole bytes, inverts the bit at position cpl, and
// randomises the remaining bits.
func (rt *RoutingTable) GenRandPeerIDWithCPL(cpl int) (keyspace.ID, error) {
	var out keyspace.ID
	if cpl < 0 || cpl > 256 {
		return out, kaderr.New(kaderr.CodeConfigInvalid, "cpl out of range")
	}

	if _, err := rand.Read(out[:]); err != nil {
		return out, err
	}

	wholeBytes := cpl / 8
	copy(out[:wholeBytes], rt.localKad[:wholeBytes])

	if cpl < 256 {
		bitInByte := uint(cpl % 8)
		mask := byte(0x80 >> bitInByte)   // the bit being flipped
		lowMask := mask - 1               // bits less significant than the flip position
		flipped := rt.localKad[wholeBytes] ^ mask
		out[wholeBytes] = (flipped &^ lowMask) | (out[wholeBytes] & lowMask)
	}
	return out, nil
}
