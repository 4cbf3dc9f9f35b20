// Package peerdiversity implements the per-CPL and per-table IP-group
// admission policy layered on top of routing-table admission (spec.md
// §4.3): a peer whose addresses land in an over-represented IP group
// (legacy Class-A /8, /16, or IPv6 ASN) is refused, bounding how much of
// the routing table a single network operator can occupy.
package peerdiversity

import (
	"log/slog"
	"net"
	"sync"

	asnutil "github.com/libp2p/go-libp2p-asn-util"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
)

// Defaults from spec.md §6.
const (
	DefaultMaxPeersPerIPGroup      = 3
	DefaultMaxPeersPerIPGroupPerCPL = 2
)

// legacyClassANetworks are the historical Class-A allocations spec.md §4.3
// singles out for /8-granularity grouping instead of the usual /16.
var legacyClassANetworks = []*net.IPNet{
	mustParseCIDR("12.0.0.0/8"),
	mustParseCIDR("17.0.0.0/8"),
	mustParseCIDR("19.0.0.0/8"),
	mustParseCIDR("38.0.0.0/8"),
	mustParseCIDR("52.0.0.0/8"),
	mustParseCIDR("56.0.0.0/8"),
}

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// PeerGroupInfo is a single (peer, CPL, IP-group) membership record.
type PeerGroupInfo struct {
	PeerID  peer.ID
	Cpl     int
	IPGroup string
}

// PeerIPGroupFilter, when non-nil, may impose additional policy beyond
// the default per-CPL/per-table ceilings (spec.md §4.3's `allow`/
// `increment`/`decrement` callbacks).
type PeerIPGroupFilter interface {
	Allow(g PeerGroupInfo) bool
	Increment(g PeerGroupInfo)
	Decrement(g PeerGroupInfo)
	PeerAddresses(p peer.ID) []multiaddr.Multiaddr
}

// Filter is the diversity-filter state machine: per-peer group membership,
// a whitelist bypass, and per-CPL group accounting. It depends only on a
// caller-supplied address-lookup capability — it never reaches back into
// the routing table (spec.md §9).
type Filter struct {
	mu sync.Mutex

	logger *slog.Logger
	policy PeerIPGroupFilter

	whitelist map[peer.ID]struct{}

	// peerGroups tracks, for bookkeeping on Remove, the group keys each
	// peer was admitted under.
	peerGroups map[peer.ID][]PeerGroupInfo

	// cplPeerGroups[cpl][peer] = group keys each admitted peer holds at its
	// CPL. Occupancy counting is done by the policy's own counters, not
	// from this map.
	cplPeerGroups map[int]map[peer.ID][]string

	maxPerCPL   int
	maxForTable int
}

// Config configures a Filter.
type Config struct {
	Policy      PeerIPGroupFilter // required
	Whitelist   []peer.ID
	MaxPerCPL   int // default DefaultMaxPeersPerIPGroupPerCPL
	MaxForTable int // default DefaultMaxPeersPerIPGroup
	Logger      *slog.Logger
}

// New constructs a Filter. Config.Policy is required: a nil Policy is
// rejected with CodeConfigInvalid (NewDefaultPolicy builds the default
// ceiling policy together with its address lookup).
func New(cfg Config) (*Filter, error) {
	if cfg.Policy == nil {
		return nil, kaderr.New(kaderr.CodeConfigInvalid, "peerdiversity filter requires a policy")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPerCPL := cfg.MaxPerCPL
	if maxPerCPL == 0 {
		maxPerCPL = DefaultMaxPeersPerIPGroupPerCPL
	}
	maxForTable := cfg.MaxForTable
	if maxForTable == 0 {
		maxForTable = DefaultMaxPeersPerIPGroup
	}

	f := &Filter{
		logger:        logger.With("component", "peerdiversity"),
		policy:        cfg.Policy,
		whitelist:     make(map[peer.ID]struct{}, len(cfg.Whitelist)),
		peerGroups:    make(map[peer.ID][]PeerGroupInfo),
		cplPeerGroups: make(map[int]map[peer.ID][]string),
		maxPerCPL:     maxPerCPL,
		maxForTable:   maxForTable,
	}
	for _, p := range cfg.Whitelist {
		f.whitelist[p] = struct{}{}
	}
	return f, nil
}

// TryAdd runs the admission algorithm of spec.md §4.3. ctx is accepted to
// satisfy kbucket.DiversityFilter but is currently unused: the filter's
// address resolution has no cancellable I/O of its own.
func (f *Filter) TryAdd(ctx interface{}, p peer.ID, cpl int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.whitelist[p]; ok {
		return nil
	}

	addrs := f.policy.PeerAddresses(p)
	if len(addrs) == 0 {
		return kaderr.New(kaderr.CodeDiversityRejected, "peer has no known addresses")
	}

	var infos []PeerGroupInfo
	for _, a := range addrs {
		key, err := groupKey(a)
		if err != nil || key == "" {
			return kaderr.New(kaderr.CodeDiversityRejected, "could not derive ip group for address")
		}
		infos = append(infos, PeerGroupInfo{PeerID: p, Cpl: cpl, IPGroup: key})
	}

	for _, g := range infos {
		if !f.policy.Allow(g) {
			return kaderr.New(kaderr.CodeDiversityRejected, "ip group over capacity").WithContext("group", g.IPGroup)
		}
	}

	for _, g := range infos {
		f.policy.Increment(g)
	}
	f.peerGroups[p] = infos

	if _, ok := f.cplPeerGroups[cpl]; !ok {
		f.cplPeerGroups[cpl] = make(map[peer.ID][]string)
	}
	keys := make([]string, len(infos))
	for i, g := range infos {
		keys[i] = g.IPGroup
	}
	f.cplPeerGroups[cpl][p] = keys

	return nil
}

// Remove undoes a prior successful TryAdd for p, decrementing every group
// it was counted against and clearing its bookkeeping.
func (f *Filter) Remove(p peer.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	infos, ok := f.peerGroups[p]
	if !ok {
		return
	}
	for _, g := range infos {
		f.policy.Decrement(g)
	}
	delete(f.peerGroups, p)
	for cpl, byPeer := range f.cplPeerGroups {
		delete(byPeer, p)
		if len(byPeer) == 0 {
			delete(f.cplPeerGroups, cpl)
		}
	}
}

// groupKey implements spec.md §4.3's key derivation: legacy Class-A
// networks group at /8, everything else IPv4 groups at /16, and IPv6
// groups by ASN with a deterministic prefix fallback.
func groupKey(addr multiaddr.Multiaddr) (string, error) {
	ip, err := manet.ToIP(addr)
	if err != nil {
		return "", kaderr.Wrap(kaderr.CodeMalformed, "could not extract ip from multiaddr", err)
	}

	if v4 := ip.To4(); v4 != nil {
		for _, n := range legacyClassANetworks {
			if n.Contains(v4) {
				return "8:" + v4.Mask(net.CIDRMask(8, 32)).String(), nil
			}
		}
		return "16:" + v4.Mask(net.CIDRMask(16, 32)).String(), nil
	}

	if asn := asnutil.AsnForIPv6(ip); asn != "" {
		return "asn:" + asn, nil
	}
	// Deterministic fallback when no ASN is known (spec.md §9): a stable
	// /32-bit prefix of the IPv6 address.
	return "v6pfx:" + ip.Mask(net.CIDRMask(32, 128)).String(), nil
}
