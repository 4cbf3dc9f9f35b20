package peerdiversity

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// DefaultPolicy is the default PeerIPGroupFilter: it enforces the
// per-CPL and per-table ceilings of spec.md §4.3 using reference counts,
// and resolves peer addresses via a caller-supplied lookup function (the
// table itself does not own an address book; spec.md §9).
type DefaultPolicy struct {
	mu sync.Mutex

	maxPerCPL   int
	maxForTable int

	perCPLCounts map[int]map[string]int // cpl -> group -> count
	tableCounts  map[string]int         // group -> count across all CPLs

	lookup func(p peer.ID) []multiaddr.Multiaddr
}

// NewDefaultPolicy builds a DefaultPolicy. lookup resolves a peer's known
// addresses; it is typically an address book's Addrs method.
func NewDefaultPolicy(maxPerCPL, maxForTable int, lookup func(p peer.ID) []multiaddr.Multiaddr) *DefaultPolicy {
	if maxPerCPL <= 0 {
		maxPerCPL = DefaultMaxPeersPerIPGroupPerCPL
	}
	if maxForTable <= 0 {
		maxForTable = DefaultMaxPeersPerIPGroup
	}
	return &DefaultPolicy{
		maxPerCPL:    maxPerCPL,
		maxForTable:  maxForTable,
		perCPLCounts: make(map[int]map[string]int),
		tableCounts:  make(map[string]int),
		lookup:       lookup,
	}
}

func (p *DefaultPolicy) PeerAddresses(id peer.ID) []multiaddr.Multiaddr {
	if p.lookup == nil {
		return nil
	}
	return p.lookup(id)
}

func (p *DefaultPolicy) Allow(g PeerGroupInfo) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tableCounts[g.IPGroup] >= p.maxForTable {
		return false
	}
	if byGroup, ok := p.perCPLCounts[g.Cpl]; ok && byGroup[g.IPGroup] >= p.maxPerCPL {
		return false
	}
	return true
}

func (p *DefaultPolicy) Increment(g PeerGroupInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tableCounts[g.IPGroup]++
	if _, ok := p.perCPLCounts[g.Cpl]; !ok {
		p.perCPLCounts[g.Cpl] = make(map[string]int)
	}
	p.perCPLCounts[g.Cpl][g.IPGroup]++
}

func (p *DefaultPolicy) Decrement(g PeerGroupInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := p.tableCounts[g.IPGroup] - 1; n > 0 {
		p.tableCounts[g.IPGroup] = n
	} else {
		delete(p.tableCounts, g.IPGroup)
	}
	if byGroup, ok := p.perCPLCounts[g.Cpl]; ok {
		if n := byGroup[g.IPGroup] - 1; n > 0 {
			byGroup[g.IPGroup] = n
		} else {
			delete(byGroup, g.IPGroup)
		}
		if len(byGroup) == 0 {
			delete(p.perCPLCounts, g.Cpl)
		}
	}
}
