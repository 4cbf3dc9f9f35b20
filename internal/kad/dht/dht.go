// Package dht wires the keyspace, routing table, diversity filter,
// provider manager, wire codec, validator dispatch, and lookup engine
// into the six-RPC Amino DHT node described by spec.md §6.
package dht

import (
	"context"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
	"github.com/nmxmxh/kaddht/internal/kad/kadhost"
	"github.com/nmxmxh/kaddht/internal/kad/kbucket"
	"github.com/nmxmxh/kaddht/internal/kad/kbucket/peerdiversity"
	"github.com/nmxmxh/kaddht/internal/kad/keyspace"
	"github.com/nmxmxh/kaddht/internal/kad/pb"
	"github.com/nmxmxh/kaddht/internal/kad/providers"
	"github.com/nmxmxh/kaddht/internal/kad/query"
	"github.com/nmxmxh/kaddht/internal/kad/record"
)

// DefaultProtocolPrefix is the Amino wire protocol identifier (spec.md §6).
const DefaultProtocolPrefix protocol.ID = "/ipfs"

// ProtocolID is the protocol string negotiated on every stream.
const ProtocolID protocol.ID = DefaultProtocolPrefix + "/kad/1.0.0"

// Defaults per spec.md §6.
const (
	DefaultResiliency          = 3
	DefaultRefreshInterval     = 15 * time.Minute
	DefaultRefreshQueryTimeout = 10 * time.Second
	DefaultNetworkTimeout      = 30 * time.Second
)

// Config configures a DHT node. Host, LocalID, Store, and Latency are
// required; every other field has the Amino default from spec.md §6 when
// zero, except ProviderValidity, which New does not read (provider expiry is
// whatever validity Store was built with).
type Config struct {
	Host     kadhost.Host
	AddrBook kadhost.AddrBook
	Latency  kadhost.LatencyMetrics
	LocalID  peer.ID
	Store    providers.Store

	BucketSize          int
	Alpha               int
	Resiliency          int
	MaxLatency          time.Duration
	ProviderCacheSize   int
	ProviderValidity    time.Duration
	ProviderAddrTTL     time.Duration
	RecordTTL           time.Duration
	RefreshInterval     time.Duration
	RefreshQueryTimeout time.Duration
	NetworkTimeout      time.Duration

	Diversity *peerdiversity.Filter // nil disables diversity filtering
	Validator *record.NamespacedValidator

	// IPNSValidator overrides the default IPNSValidator{} used to populate
	// the "ipns" namespace of the default validator table. Ignored when
	// Validator is set directly.
	IPNSValidator record.Validator

	Metrics *Metrics
	Logger  *slog.Logger
}

// DHT is a single Amino DHT node: routing table, provider index, wire
// handler, and lookup engine factory, all addressed by LocalID.
type DHT struct {
	host     kadhost.Host
	addrBook kadhost.AddrBook
	localID  peer.ID

	rt        *kbucket.RoutingTable
	providers *providers.Manager
	validator *record.NamespacedValidator
	records   *recordStore
	metrics   *Metrics
	logger    *slog.Logger

	alpha               int
	resiliency          int
	refreshInterval     time.Duration
	refreshQueryTimeout time.Duration
	networkTimeout      time.Duration
}

// New builds a DHT node and registers its stream handler on cfg.Host.
func New(cfg Config) (*DHT, error) {
	if cfg.Host == nil || cfg.LocalID == "" || cfg.Store == nil {
		return nil, kaderr.New(kaderr.CodeConfigInvalid, "dht requires a host, local id, and provider store")
	}
	if cfg.Latency == nil {
		return nil, kaderr.New(kaderr.CodeConfigInvalid, "dht requires a latency oracle")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alpha := cfg.Alpha
	if alpha == 0 {
		alpha = 10 // spec.md §6's table-wide concurrency default; the lookup engine's own default is 3 (§4.8)
	}
	resiliency := cfg.Resiliency
	if resiliency == 0 {
		resiliency = DefaultResiliency
	}
	refreshInterval := cfg.RefreshInterval
	if refreshInterval == 0 {
		refreshInterval = DefaultRefreshInterval
	}
	refreshQueryTimeout := cfg.RefreshQueryTimeout
	if refreshQueryTimeout == 0 {
		refreshQueryTimeout = DefaultRefreshQueryTimeout
	}
	networkTimeout := cfg.NetworkTimeout
	if networkTimeout == 0 {
		networkTimeout = DefaultNetworkTimeout
	}

	var diversity kbucket.DiversityFilter
	if cfg.Diversity != nil {
		diversity = cfg.Diversity
	}

	rt, err := kbucket.New(kbucket.Config{
		LocalID:    cfg.LocalID,
		BucketSize: cfg.BucketSize,
		MaxLatency: cfg.MaxLatency,
		Latency:    cfg.Latency,
		Diversity:  diversity,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	mgr, err := providers.NewManager(providers.ManagerConfig{
		Store:        cfg.Store,
		AddrBook:     cfg.AddrBook,
		LocalID:      cfg.LocalID,
		CacheSize:    cfg.ProviderCacheSize,
		ProviderTTL:  cfg.ProviderAddrTTL,
		CleanupEvery: cfg.RefreshInterval,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	validator := cfg.Validator
	if validator == nil {
		validator = record.NewNamespacedValidator()
		validator.Add("pk", record.PublicKeyValidator{})
		ipnsValidator := cfg.IPNSValidator
		if ipnsValidator == nil {
			ipnsValidator = record.IPNSValidator{}
		}
		validator.Add("ipns", ipnsValidator)
	}
	// ProtocolID is unconditionally the Amino prefix (spec.md §6), so every
	// node's validator table must have exactly the Amino shape regardless
	// of whether it came from the default above or a caller-supplied
	// Validator (spec.md §4.7/§7's ConfigInvalid rule).
	if err := validator.ValidateAminoShape(); err != nil {
		return nil, err
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	recordTTL := cfg.RecordTTL
	if recordTTL == 0 {
		recordTTL = DefaultRecordTTL
	}

	d := &DHT{
		host:                cfg.Host,
		addrBook:            cfg.AddrBook,
		localID:             cfg.LocalID,
		rt:                  rt,
		providers:           mgr,
		validator:           validator,
		records:             newRecordStore(recordTTL),
		metrics:             metrics,
		logger:              logger.With("component", "dht"),
		alpha:               alpha,
		resiliency:          resiliency,
		refreshInterval:     refreshInterval,
		refreshQueryTimeout: refreshQueryTimeout,
		networkTimeout:      networkTimeout,
	}

	cfg.Host.SetStreamHandler(ProtocolID, d.handleStream)
	return d, nil
}

// RoutingTable exposes the node's routing table for inspection/tests.
func (d *DHT) RoutingTable() *kbucket.RoutingTable { return d.rt }

// Providers exposes the node's provider manager for inspection/tests.
func (d *DHT) Providers() *providers.Manager { return d.providers }

// newLookup builds a Lookup engine over target, using queryFn to issue
// FIND_NODE/GET_VALUE/GET_PROVIDERS RPCs to a peer and a caller stop_fn.
func (d *DHT) newLookup(target keyspace.ID, queryFn query.QueryFunc, stopFn query.StopFunc) (*query.Lookup, error) {
	return query.New(query.Config{
		Target:  target,
		Alpha:   d.alpha,
		Timeout: 60 * time.Second,
		QueryFn: queryFn,
		StopFn:  stopFn,
		Logger:  d.logger,
	})
}

// RefreshCPLs issues one refresh FIND_NODE lookup per CPL that
// CplsNeedingRefresh reports stale, resetting its timestamp on success
// (spec.md §4.4).
func (d *DHT) RefreshCPLs(ctx context.Context) {
	for _, cpl := range d.rt.CplsNeedingRefresh(time.Now().Add(-d.refreshInterval)) {
		target, err := d.rt.GenRandPeerIDWithCPL(cpl)
		if err != nil {
			d.logger.Warn("could not generate refresh target", "cpl", cpl, "error", err)
			continue
		}
		refreshCtx, cancel := context.WithTimeout(ctx, d.refreshQueryTimeout)
		_, err = d.findNode(refreshCtx, target)
		cancel()
		if err != nil {
			d.logger.Debug("refresh lookup failed", "cpl", cpl, "error", err)
			continue
		}
		d.rt.ResetCplRefreshedAt(cpl, time.Now())
	}
	d.metrics.observeBucketFill(d.rt.BucketFillLevels())
}

// Close closes the provider manager. RefreshCPLs has no background loop of
// its own to stop (spec.md §9's note on the bootstrap scheduler remaining
// the caller's responsibility).
func (d *DHT) Close() error {
	return d.providers.Close()
}

// msgPeerToAddrInfoID extracts just the peer.ID from a wire Peer, the
// addresses being resolved separately through the address book once
// dialable (ADD_PROVIDER's sender-address announcement is the exception,
// handled directly in handlers.go).
func msgPeerToAddrInfoID(p pb.Peer) (peer.ID, error) {
	id, err := peer.IDFromBytes(p.ID)
	if err != nil {
		return "", kaderr.Wrap(kaderr.CodeMalformed, "invalid peer id bytes", err)
	}
	return id, nil
}
