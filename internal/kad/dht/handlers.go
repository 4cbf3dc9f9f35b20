package dht

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
	"github.com/nmxmxh/kaddht/internal/kad/kadhost"
	"github.com/nmxmxh/kaddht/internal/kad/kbucket"
	"github.com/nmxmxh/kaddht/internal/kad/keyspace"
	"github.com/nmxmxh/kaddht/internal/kad/pb"
	"github.com/nmxmxh/kaddht/internal/kad/providers"
)

// handleStream reads exactly one framed request off s, dispatches it, and
// writes exactly one framed response back when the handler succeeds (a
// failed handler writes nothing), closing s when done. The Amino
// wire protocol is one-request-per-stream (spec.md §4.6).
func (d *DHT) handleStream(s kadhost.Stream) {
	defer s.Close()

	msg, err := pb.ReadMessage(s)
	if err != nil {
		d.logger.Debug("could not read inbound message", "error", err)
		return
	}

	from := s.RemotePeer()
	d.admitSender(from)

	resp, err := d.dispatch(context.Background(), from, msg)
	if err != nil {
		d.metrics.Queries.WithLabelValues(msg.Type.String(), "error").Inc()
		d.logger.Debug("handler failed", "type", msg.Type, "peer", from, "error", err)
		return
	}
	d.metrics.Queries.WithLabelValues(msg.Type.String(), "ok").Inc()

	if err := pb.WriteMessage(s, resp); err != nil {
		d.logger.Debug("could not write response", "error", err)
	}
}

// admitSender offers every stream's remote peer to the routing table as a
// query-verified candidate, mirroring how a successful inbound RPC earns a
// peer routing-table consideration (spec.md §4.4's queryPeer flag).
func (d *DHT) admitSender(p peer.ID) {
	if p == "" || p == d.localID {
		return
	}
	if _, err := d.rt.TryAddPeer(p, true, true); err != nil {
		d.logger.Debug("declined to admit peer", "peer", p, "error", err)
	}
}

func (d *DHT) dispatch(ctx context.Context, from peer.ID, msg *pb.Message) (*pb.Message, error) {
	switch msg.Type {
	case pb.Ping:
		return &pb.Message{Type: pb.Ping, ClusterLevel: msg.ClusterLevel}, nil
	case pb.FindNode:
		return d.handleFindNode(msg)
	case pb.GetProviders:
		return d.handleGetProviders(msg)
	case pb.AddProvider:
		return d.handleAddProvider(from, msg)
	case pb.GetValue:
		return d.handleGetValue(msg)
	case pb.PutValue:
		return d.handlePutValue(msg)
	default:
		return nil, kaderr.Malformed("unknown message type")
	}
}

// handleFindNode treats msg.Key as the already-hashed KadId target, per
// spec.md §6 ("here the key is a peer-id hash") — unlike GET_VALUE/
// GET_PROVIDERS, whose keys are raw content identifiers still needing
// keyspace.FromBytes.
func (d *DHT) handleFindNode(msg *pb.Message) (*pb.Message, error) {
	target := rawKeyToID(msg.Key)
	nearest := d.rt.NearestPeers(target, kbucket.DefaultBucketSize)
	return &pb.Message{Type: pb.FindNode, Key: msg.Key, CloserPeers: d.peersToWire(nearest)}, nil
}

func (d *DHT) handleGetProviders(msg *pb.Message) (*pb.Message, error) {
	cid := providers.ContentID(msg.Key)
	infos, err := d.providers.GetProviders(cid)
	if err != nil {
		return nil, err
	}

	providerPeers := make([]pb.Peer, 0, len(infos))
	for _, info := range infos {
		addrs := make([][]byte, 0, len(info.Addrs))
		for _, a := range info.Addrs {
			addrs = append(addrs, a.Bytes())
		}
		providerPeers = append(providerPeers, pb.Peer{ID: []byte(info.ID), Addrs: addrs})
	}

	target := keyspace.FromBytes(msg.Key)
	nearest := d.rt.NearestPeers(target, kbucket.DefaultBucketSize)

	return &pb.Message{
		Type:          pb.GetProviders,
		Key:           msg.Key,
		ProviderPeers: providerPeers,
		CloserPeers:   d.peersToWire(nearest),
	}, nil
}

func (d *DHT) handleAddProvider(from peer.ID, msg *pb.Message) (*pb.Message, error) {
	if from == "" {
		return nil, kaderr.Malformed("add_provider requires a known sender")
	}
	if len(msg.ProviderPeers) == 0 {
		return nil, kaderr.Malformed("add_provider missing provider_peers")
	}

	sender := msg.ProviderPeers[0]
	senderID, err := msgPeerToAddrInfoID(sender)
	if err != nil {
		return nil, err
	}
	if senderID != from {
		return nil, kaderr.Malformed("add_provider sender does not match stream's remote peer")
	}

	addrs := wireToMultiaddrs(sender.Addrs)
	if err := d.providers.AddProvider(providers.ContentID(msg.Key), senderID, addrs); err != nil {
		return nil, err
	}
	d.metrics.ProvidersStored.Inc()
	return &pb.Message{Type: pb.AddProvider}, nil
}

func (d *DHT) handleGetValue(msg *pb.Message) (*pb.Message, error) {
	resp := &pb.Message{Type: pb.GetValue, Key: msg.Key}

	if value, ok := d.records.get(string(msg.Key)); ok {
		if err := d.validator.Validate(string(msg.Key), value); err == nil {
			resp.Record = &pb.Record{Key: msg.Key, Value: value}
		} else if !errors.Is(err, kaderr.ErrInvalidRecordType) {
			d.logger.Debug("stored record failed re-validation", "key", string(msg.Key), "error", err)
		}
	}

	target := keyspace.FromBytes(msg.Key)
	resp.CloserPeers = d.peersToWire(d.rt.NearestPeers(target, kbucket.DefaultBucketSize))
	return resp, nil
}

func (d *DHT) handlePutValue(msg *pb.Message) (*pb.Message, error) {
	if msg.Record == nil {
		return nil, kaderr.Malformed("put_value missing record")
	}
	if err := d.validator.Validate(string(msg.Record.Key), msg.Record.Value); err != nil {
		return nil, err
	}
	d.records.put(string(msg.Record.Key), msg.Record.Value)
	return &pb.Message{Type: pb.PutValue, Record: msg.Record}, nil
}
