package dht

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
	"github.com/nmxmxh/kaddht/internal/kad/kbucket"
	"github.com/nmxmxh/kaddht/internal/kad/keyspace"
	"github.com/nmxmxh/kaddht/internal/kad/pb"
	"github.com/nmxmxh/kaddht/internal/kad/providers"
	"github.com/nmxmxh/kaddht/internal/kad/query"
)

// sendRPC opens a stream to p, writes msg, reads the single framed
// response, and closes the stream (one-request-per-stream, spec.md §4.6).
// A caller-supplied deadline is respected as-is; otherwise the node's
// configured network timeout bounds the whole round trip.
func (d *DHT) sendRPC(ctx context.Context, p peer.ID, msg *pb.Message) (*pb.Message, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.networkTimeout)
		defer cancel()
	}

	s, err := d.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return nil, kaderr.Wrap(kaderr.CodeTimeout, "could not open stream to peer", err)
	}
	defer s.Close()

	if err := pb.WriteMessage(s, msg); err != nil {
		return nil, kaderr.Wrap(kaderr.CodeMalformed, "could not write request", err)
	}
	return pb.ReadMessage(s)
}

// admitCloserPeers records every address a CloserPeers/ProviderPeers batch
// carries and returns the plain peer IDs, for routing-table admission and
// lookup frontier expansion.
func (d *DHT) admitCloserPeers(peers []pb.Peer) []peer.ID {
	out := make([]peer.ID, 0, len(peers))
	for _, p := range peers {
		id, err := msgPeerToAddrInfoID(p)
		if err != nil {
			continue
		}
		if d.addrBook != nil && len(p.Addrs) > 0 {
			d.addrBook.AddAddrs(id, wireToMultiaddrs(p.Addrs), providers.DefaultProviderAddrTTL)
		}
		out = append(out, id)
	}
	return out
}

// findNode runs a FIND_NODE lookup toward target and returns the closest
// peers it queried successfully, admitting every peer it learns of into
// the routing table along the way (spec.md §4.4/§4.8).
func (d *DHT) findNode(ctx context.Context, target keyspace.ID) ([]peer.ID, error) {
	queryFn := func(ctx context.Context, p peer.ID) ([]peer.ID, error) {
		resp, err := d.sendRPC(ctx, p, &pb.Message{Type: pb.FindNode, Key: target[:]})
		if err != nil {
			return nil, err
		}
		learned := d.admitCloserPeers(resp.CloserPeers)
		for _, l := range learned {
			if _, err := d.rt.TryAddPeer(l, false, true); err != nil {
				d.logger.Debug("declined to admit learned peer", "peer", l, "error", err)
			}
		}
		if _, err := d.rt.TryAddPeer(p, true, true); err != nil {
			d.logger.Debug("declined to admit queried peer", "peer", p, "error", err)
		}
		return learned, nil
	}

	stopFn := func(ps *query.PeerSet) bool {
		return ps.CountInState(query.Heard)+ps.CountInState(query.Waiting) == 0
	}

	lookup, err := d.newLookup(target, queryFn, stopFn)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	seed := d.rt.NearestPeers(target, d.alpha)
	events, err := lookup.Run(ctx, seed)
	if err != nil {
		return nil, err
	}
	for range events {
		// The lookup engine owns all state transitions; the node only
		// needs to wait for the terminal QueryTerminated event.
	}
	d.metrics.LookupLatency.Observe(time.Since(started).Seconds())

	return lookup.PeerSet().ClosestInStates([]query.PeerState{query.Queried}, kbucket.DefaultBucketSize), nil
}

// FindNode runs a FIND_NODE lookup toward the KadId of targetPeer.
func (d *DHT) FindNode(ctx context.Context, targetPeer peer.ID) ([]peer.ID, error) {
	return d.findNode(ctx, keyspace.FromPeerID(targetPeer))
}

// FindProviders runs a GET_PROVIDERS lookup for cid, streaming each
// distinct provider discovered as the lookup progresses and closing the
// returned channel once the lookup terminates (spec.md §7's "find_providers
// surfaces discovered providers incrementally via a stream").
func (d *DHT) FindProviders(ctx context.Context, cid providers.ContentID) (<-chan providers.ProviderInfo, error) {
	out := make(chan providers.ProviderInfo, 16)
	target := keyspace.FromBytes([]byte(cid))

	// queryFn runs in up to d.alpha concurrent goroutines per round
	// (query/lookup.go), so seen/emission needs its own lock rather than a
	// bare shared map (spec.md §5's "each shared structure is protected by
	// its own lock").
	var seenMu sync.Mutex
	seen := make(map[peer.ID]struct{})
	emit := func(infos []providers.ProviderInfo) {
		seenMu.Lock()
		defer seenMu.Unlock()
		for _, info := range infos {
			if _, ok := seen[info.ID]; ok {
				continue
			}
			seen[info.ID] = struct{}{}
			out <- info
		}
	}

	if local, err := d.providers.GetProviders(cid); err == nil {
		emit(local)
	}

	queryFn := func(ctx context.Context, p peer.ID) ([]peer.ID, error) {
		resp, err := d.sendRPC(ctx, p, &pb.Message{Type: pb.GetProviders, Key: []byte(cid)})
		if err != nil {
			return nil, err
		}

		infos := make([]providers.ProviderInfo, 0, len(resp.ProviderPeers))
		for _, pp := range resp.ProviderPeers {
			id, err := msgPeerToAddrInfoID(pp)
			if err != nil {
				continue
			}
			addrs := wireToMultiaddrs(pp.Addrs)
			if d.addrBook != nil && len(addrs) > 0 {
				d.addrBook.AddAddrs(id, addrs, providers.DefaultProviderAddrTTL)
			}
			infos = append(infos, providers.ProviderInfo{ID: id, Addrs: addrs})
		}
		emit(infos)

		return d.admitCloserPeers(resp.CloserPeers), nil
	}

	stopFn := func(ps *query.PeerSet) bool {
		return ps.CountInState(query.Heard)+ps.CountInState(query.Waiting) == 0
	}

	lookup, err := d.newLookup(target, queryFn, stopFn)
	if err != nil {
		close(out)
		return nil, err
	}

	seed := d.rt.NearestPeers(target, d.alpha)
	events, err := lookup.Run(ctx, seed)
	if err != nil {
		close(out)
		return nil, err
	}

	go func() {
		defer close(out)
		for range events {
		}
	}()

	return out, nil
}

// Ping issues a liveness check against p and reports whether it answered.
func (d *DHT) Ping(ctx context.Context, p peer.ID) error {
	resp, err := d.sendRPC(ctx, p, &pb.Message{Type: pb.Ping})
	if err != nil {
		return err
	}
	if resp.Type != pb.Ping {
		return kaderr.Malformed("ping response had the wrong message type")
	}
	return nil
}

// GetValue runs a GET_VALUE lookup for key, returning the best validated
// record among every candidate the lookup collects, or NotFound once the
// lookup exhausts its frontier without one (spec.md §7).
func (d *DHT) GetValue(ctx context.Context, key string) ([]byte, error) {
	target := keyspace.FromBytes([]byte(key))
	var candidatesMu sync.Mutex
	var candidates [][]byte

	if local, ok := d.records.get(key); ok && d.validator.Validate(key, local) == nil {
		candidates = append(candidates, local)
	}

	// queryFn runs in up to d.alpha concurrent goroutines per round
	// (query/lookup.go), so candidates needs its own lock rather than a
	// bare shared slice (spec.md §5's "each shared structure is protected
	// by its own lock").
	queryFn := func(ctx context.Context, p peer.ID) ([]peer.ID, error) {
		resp, err := d.sendRPC(ctx, p, &pb.Message{Type: pb.GetValue, Key: []byte(key)})
		if err != nil {
			return nil, err
		}
		if resp.Record != nil && len(resp.Record.Value) > 0 && d.validator.Validate(key, resp.Record.Value) == nil {
			candidatesMu.Lock()
			candidates = append(candidates, resp.Record.Value)
			candidatesMu.Unlock()
		}
		return d.admitCloserPeers(resp.CloserPeers), nil
	}

	stopFn := func(ps *query.PeerSet) bool {
		return ps.CountInState(query.Heard)+ps.CountInState(query.Waiting) == 0
	}

	lookup, err := d.newLookup(target, queryFn, stopFn)
	if err != nil {
		return nil, err
	}

	seed := d.rt.NearestPeers(target, d.alpha)
	events, err := lookup.Run(ctx, seed)
	if err != nil {
		return nil, err
	}
	for range events {
	}

	if len(candidates) == 0 {
		return nil, kaderr.NotFound("value", key)
	}
	idx, err := d.validator.Select(key, candidates)
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// PutValue validates value against the registered namespace validator,
// stores it locally, and replicates it to the d.resiliency closest peers
// toward key's KadId (spec.md §6's PUT_VALUE semantics).
func (d *DHT) PutValue(ctx context.Context, key string, value []byte) error {
	if err := d.validator.Validate(key, value); err != nil {
		return err
	}
	d.records.put(key, value)

	target := keyspace.FromBytes([]byte(key))
	closest, err := d.findNode(ctx, target)
	if err != nil {
		return err
	}
	if len(closest) > d.resiliency {
		closest = closest[:d.resiliency]
	}

	rec := &pb.Record{Key: []byte(key), Value: value}
	var lastErr error
	var replicated int
	for _, p := range closest {
		if _, err := d.sendRPC(ctx, p, &pb.Message{Type: pb.PutValue, Record: rec}); err != nil {
			lastErr = err
			d.logger.Debug("replication put_value failed", "peer", p, "error", err)
			continue
		}
		replicated++
	}
	if replicated == 0 && len(closest) > 0 {
		return lastErr
	}
	return nil
}
