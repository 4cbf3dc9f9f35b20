package dht

import (
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nmxmxh/kaddht/internal/kad/kadhost"
	"github.com/nmxmxh/kaddht/internal/kad/kbucket/peerdiversity"
	"github.com/nmxmxh/kaddht/internal/kad/providers"
	"github.com/nmxmxh/kaddht/internal/kad/record"
)

// Option adjusts a Config before New builds a DHT from it, the functional
// options idiom the retrieval pack's BDWare dht_options.go demonstrates.
type Option func(*Config) error

// NewNode builds a Config from its required collaborators plus any
// Options, then builds a DHT from it.
func NewNode(host kadhost.Host, addrBook kadhost.AddrBook, latency kadhost.LatencyMetrics, localID peer.ID, store providers.Store, opts ...Option) (*DHT, error) {
	cfg := Config{
		Host:     host,
		AddrBook: addrBook,
		Latency:  latency,
		LocalID:  localID,
		Store:    store,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return New(cfg)
}

func WithBucketSize(n int) Option {
	return func(c *Config) error { c.BucketSize = n; return nil }
}

func WithAlpha(n int) Option {
	return func(c *Config) error { c.Alpha = n; return nil }
}

func WithResiliency(n int) Option {
	return func(c *Config) error { c.Resiliency = n; return nil }
}

func WithMaxLatency(d time.Duration) Option {
	return func(c *Config) error { c.MaxLatency = d; return nil }
}

func WithProviderCacheSize(n int) Option {
	return func(c *Config) error { c.ProviderCacheSize = n; return nil }
}

func WithProviderAddrTTL(d time.Duration) Option {
	return func(c *Config) error { c.ProviderAddrTTL = d; return nil }
}

func WithRecordTTL(d time.Duration) Option {
	return func(c *Config) error { c.RecordTTL = d; return nil }
}

func WithRefreshInterval(d time.Duration) Option {
	return func(c *Config) error { c.RefreshInterval = d; return nil }
}

func WithRefreshQueryTimeout(d time.Duration) Option {
	return func(c *Config) error { c.RefreshQueryTimeout = d; return nil }
}

func WithNetworkTimeout(d time.Duration) Option {
	return func(c *Config) error { c.NetworkTimeout = d; return nil }
}

func WithDiversity(f *peerdiversity.Filter) Option {
	return func(c *Config) error { c.Diversity = f; return nil }
}

// WithValidator overrides the default {"pk", "ipns"} validator table. New
// runs ValidateAminoShape on the supplied table and refuses to build a node
// unless it registers exactly "pk" and "ipns" (spec.md §4.7).
func WithValidator(v *record.NamespacedValidator) Option {
	return func(c *Config) error { c.Validator = v; return nil }
}

// WithIPNSValidator overrides the "ipns" namespace's validator in the
// default validator table; ignored once WithValidator is used directly.
func WithIPNSValidator(v record.Validator) Option {
	return func(c *Config) error { c.IPNSValidator = v; return nil }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Config) error { c.Metrics = m; return nil }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) error { c.Logger = l; return nil }
}
