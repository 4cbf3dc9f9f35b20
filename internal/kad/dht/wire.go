package dht

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/kaddht/internal/kad/keyspace"
	"github.com/nmxmxh/kaddht/internal/kad/pb"
)

// rawKeyToID reinterprets b directly as a keyspace.ID, for wire fields that
// already carry a hashed target rather than a raw key to be hashed.
// Shorter-than-32-byte input is zero-padded; longer input is truncated.
func rawKeyToID(b []byte) keyspace.ID {
	var id keyspace.ID
	copy(id[:], b)
	return id
}

// peersToWire renders routing-table peer IDs as wire Peer records,
// attaching every address the local address book knows for each.
func (d *DHT) peersToWire(ids []peer.ID) []pb.Peer {
	out := make([]pb.Peer, 0, len(ids))
	for _, id := range ids {
		out = append(out, pb.Peer{
			ID:         []byte(id),
			Addrs:      d.addrsToWire(id),
			Connection: pb.CanConnect,
		})
	}
	return out
}

func (d *DHT) addrsToWire(id peer.ID) [][]byte {
	if d.addrBook == nil {
		return nil
	}
	addrs := d.addrBook.Addrs(id)
	out := make([][]byte, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Bytes())
	}
	return out
}

// wireToMultiaddrs decodes raw wire address bytes, silently dropping any
// that fail to parse: a malformed address from a peer is its own problem,
// not grounds for failing the whole message.
func wireToMultiaddrs(raw [][]byte) []multiaddr.Multiaddr {
	out := make([]multiaddr.Multiaddr, 0, len(raw))
	for _, b := range raw {
		a, err := multiaddr.NewMultiaddrBytes(b)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}
