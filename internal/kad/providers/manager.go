package providers

import (
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
	"github.com/nmxmxh/kaddht/internal/kad/kadhost"
)

// DefaultCacheSize is the manager's default LRU capacity (spec.md §4.5).
const DefaultCacheSize = 256

// DefaultProviderAddrTTL is how long a resolved provider's addresses are
// kept in the address book once seen via an ADD_PROVIDER (spec.md §6).
const DefaultProviderAddrTTL = 24 * time.Hour

// ProviderInfo pairs a peer with its currently-resolved addresses, the
// shape returned to callers of Manager.GetProviders.
type ProviderInfo struct {
	ID    peer.ID
	Addrs []multiaddr.Multiaddr
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store        Store // required
	AddrBook     kadhost.AddrBook
	LocalID      peer.ID
	CacheSize    int           // default DefaultCacheSize
	ProviderTTL  time.Duration // default DefaultProviderAddrTTL
	CleanupEvery time.Duration // 0 disables periodic cache flush
	Logger       *slog.Logger
}

// Manager layers an LRU cache of provider sets, and address-book
// resolution, over a backing Store (spec.md §4.5).
type Manager struct {
	store       Store
	addrBook    kadhost.AddrBook
	localID     peer.ID
	providerTTL time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	cache  *lru.Cache
	closed bool

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewManager builds a Manager. cfg.Store must not be nil.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, kaderr.New(kaderr.CodeConfigInvalid, "provider manager requires a backing store")
	}
	size := cfg.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, kaderr.Wrap(kaderr.CodeConfigInvalid, "could not construct provider cache", err)
	}
	providerTTL := cfg.ProviderTTL
	if providerTTL == 0 {
		providerTTL = DefaultProviderAddrTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		store:       cfg.Store,
		addrBook:    cfg.AddrBook,
		localID:     cfg.LocalID,
		providerTTL: providerTTL,
		logger:      logger.With("component", "providers"),
		cache:       cache,
	}

	if cfg.CleanupEvery > 0 {
		m.stopCleanup = make(chan struct{})
		m.cleanupDone = make(chan struct{})
		go m.cleanupLoop(cfg.CleanupEvery)
	}

	return m, nil
}

// AddProvider records that p provides cid, reachable at addrs: updates the
// address book, extends any cached provider set in memory, and delegates
// to the backing store (spec.md §4.5).
func (m *Manager) AddProvider(cid ContentID, p peer.ID, addrs []multiaddr.Multiaddr) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return kaderr.ErrClosed
	}
	m.mu.Unlock()

	if m.addrBook != nil && len(addrs) > 0 {
		m.addrBook.AddAddrs(p, addrs, m.providerTTL)
	}

	m.mu.Lock()
	if v, ok := m.cache.Get(cid); ok {
		set := v.([]Record)
		now := time.Now()
		found := false
		for i, r := range set {
			if r.Peer == p {
				set[i].ExpiresAt = now.Add(DefaultValidity)
				found = true
				break
			}
		}
		if !found {
			set = append(set, Record{Peer: p, ExpiresAt: now.Add(DefaultValidity)})
		}
		m.cache.Add(cid, set)
	}
	m.mu.Unlock()

	return m.store.AddProvider(cid, p)
}

// GetProviders resolves the provider set for cid, consulting the cache
// first and falling back to the backing store on a miss, then resolving
// each provider's current address-book entry (spec.md §4.5).
func (m *Manager) GetProviders(cid ContentID) ([]ProviderInfo, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, kaderr.ErrClosed
	}

	var records []Record
	if v, ok := m.cache.Get(cid); ok {
		records = v.([]Record)
		m.mu.Unlock()
	} else {
		m.mu.Unlock()
		fetched, err := m.store.GetProviders(cid)
		if err != nil {
			return nil, err
		}
		records = fetched
		if len(records) > 0 {
			m.mu.Lock()
			if !m.closed {
				m.cache.Add(cid, records)
			}
			m.mu.Unlock()
		}
	}

	out := make([]ProviderInfo, 0, len(records))
	for _, r := range records {
		if r.Peer == m.localID {
			var addrs []multiaddr.Multiaddr
			if m.addrBook != nil {
				addrs = m.addrBook.Addrs(m.localID)
			}
			out = append(out, ProviderInfo{ID: r.Peer, Addrs: addrs})
			continue
		}
		if m.addrBook == nil {
			continue
		}
		addrs := m.addrBook.Addrs(r.Peer)
		if len(addrs) == 0 {
			continue
		}
		out = append(out, ProviderInfo{ID: r.Peer, Addrs: addrs})
	}
	return out, nil
}

func (m *Manager) cleanupLoop(every time.Duration) {
	defer close(m.cleanupDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			if !m.closed {
				m.cache.Purge()
				m.logger.Debug("flushed provider cache")
			}
			m.mu.Unlock()
		case <-m.stopCleanup:
			return
		}
	}
}

// Close cancels the cleanup schedule, clears the cache, and closes the
// backing store; subsequent operations fail with kaderr.ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cache.Purge()
	m.mu.Unlock()

	if m.stopCleanup != nil {
		close(m.stopCleanup)
		<-m.cleanupDone
	}
	return m.store.Close()
}
