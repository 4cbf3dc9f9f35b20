// Package providers implements the provider-record index: a TTL-expiring
// memory store and an LRU-caching manager that layers address-book
// resolution on top of it (spec.md §4.5).
package providers

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
)

// DefaultValidity is how long a provider record remains valid after
// insertion (spec.md §6).
const DefaultValidity = 48 * time.Hour

// Record is a single provider announcement: a peer and when it expires.
type Record struct {
	Peer      peer.ID
	ExpiresAt time.Time
}

// ContentID identifies a content item by its raw key bytes.
type ContentID string

// Store is the backing persistence contract for provider records
// (spec.md §4.5's "memory store" / "pluggable" backing store).
type Store interface {
	AddProvider(cid ContentID, p peer.ID) error
	GetProviders(cid ContentID) ([]Record, error)
	Close() error
}

// MemoryStore is the default in-memory Store: content_id -> provider
// records, purging expired entries lazily on access.
type MemoryStore struct {
	mu       sync.Mutex
	validity time.Duration
	records  map[ContentID][]Record
	closed   bool
}

// NewMemoryStore builds a MemoryStore with the given record validity. A
// zero validity uses DefaultValidity.
func NewMemoryStore(validity time.Duration) *MemoryStore {
	if validity == 0 {
		validity = DefaultValidity
	}
	return &MemoryStore{
		validity: validity,
		records:  make(map[ContentID][]Record),
	}
}

// AddProvider records p as a provider of cid, evicting any expired records
// already held for that key. A peer re-announcing the same cid updates its
// existing record's expiry in place rather than accumulating a duplicate,
// per spec.md §3's "provider set ... de-duplicated by peer_id (latest
// insertion wins for timestamp)".
func (s *MemoryStore) AddProvider(cid ContentID, p peer.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kaderr.ErrClosed
	}

	now := time.Now()
	existing := s.records[cid]
	fresh := existing[:0]
	found := false
	for _, r := range existing {
		if r.Peer == p {
			found = true
			r.ExpiresAt = now.Add(s.validity)
		} else if !now.Before(r.ExpiresAt) {
			continue
		}
		fresh = append(fresh, r)
	}
	if !found {
		fresh = append(fresh, Record{Peer: p, ExpiresAt: now.Add(s.validity)})
	}
	s.records[cid] = fresh
	return nil
}

// GetProviders purges expired records for cid and returns the remainder.
func (s *MemoryStore) GetProviders(cid ContentID) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kaderr.ErrClosed
	}

	now := time.Now()
	existing := s.records[cid]
	fresh := existing[:0]
	for _, r := range existing {
		if now.Before(r.ExpiresAt) {
			fresh = append(fresh, r)
		}
	}
	s.records[cid] = fresh

	out := make([]Record, len(fresh))
	copy(out, fresh)
	return out, nil
}

// Close makes subsequent operations fail with kaderr.ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}
