// Package pb implements the Amino DHT wire codec: a hand-rolled protobuf
// encoding for the six RPC message types, framed with an LEB128 varint
// length prefix (spec.md §4.6). Field encode/decode uses protowire
// directly rather than protoc-generated code, mirroring the varint
// framing go-msgio provides elsewhere in this stack.
package pb

import (
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
)

// MessageType is the six-value RPC discriminant (spec.md §6).
type MessageType int32

const (
	PutValue MessageType = iota
	GetValue
	AddProvider
	GetProviders
	FindNode
	Ping
)

func (t MessageType) String() string {
	switch t {
	case PutValue:
		return "PUT_VALUE"
	case GetValue:
		return "GET_VALUE"
	case AddProvider:
		return "ADD_PROVIDER"
	case GetProviders:
		return "GET_PROVIDERS"
	case FindNode:
		return "FIND_NODE"
	case Ping:
		return "PING"
	default:
		return fmt.Sprintf("MessageType(%d)", int32(t))
	}
}

func validMessageType(v int32) bool {
	return v >= int32(PutValue) && v <= int32(Ping)
}

// ConnectionType is the wire enum describing a peer's reachability from
// the sender's point of view (spec.md §6).
type ConnectionType int32

const (
	NotConnected ConnectionType = iota
	Connected
	CanConnect
	CannotConnect
)

func validConnectionType(v int32) bool {
	return v >= int32(NotConnected) && v <= int32(CannotConnect)
}

// Record is a DHT value record as carried on the wire: key and value only.
// The local-only author and signature have no field here, so they can
// never be put on the wire or decoded from it (spec.md §4.6).
type Record struct {
	Key   []byte
	Value []byte
}

// Peer carries a peer's identity, known addresses (raw multiaddr bytes),
// and the sender's view of its connectivity.
type Peer struct {
	ID         []byte
	Addrs      [][]byte
	Connection ConnectionType
}

// Message is the single RPC envelope for all six message types.
type Message struct {
	Type         MessageType
	ClusterLevel int32
	Key          []byte
	Record       *Record
	CloserPeers  []Peer
	ProviderPeers []Peer
}

// Protobuf field numbers, matching the wire shape of the real Amino
// kad-dht Message/Record/Peer protos (author/signature fields omitted
// entirely, per spec.md §4.6).
const (
	fieldMsgType          = 1
	fieldMsgClusterLevel  = 10
	fieldMsgKey           = 2
	fieldMsgRecord        = 3
	fieldMsgCloserPeers   = 8
	fieldMsgProviderPeers = 9

	fieldRecordKey   = 1
	fieldRecordValue = 2

	fieldPeerID         = 1
	fieldPeerAddrs      = 2
	fieldPeerConnection = 3
)

// MarshalRaw encodes m as an unframed protobuf payload.
func MarshalRaw(m *Message) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMsgType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))

	if m.ClusterLevel != 0 {
		b = protowire.AppendTag(b, fieldMsgClusterLevel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.ClusterLevel)))
	}
	if len(m.Key) > 0 {
		b = protowire.AppendTag(b, fieldMsgKey, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Key)
	}
	if m.Record != nil {
		b = protowire.AppendTag(b, fieldMsgRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRecord(m.Record))
	}
	for _, p := range m.CloserPeers {
		b = protowire.AppendTag(b, fieldMsgCloserPeers, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPeer(&p))
	}
	for _, p := range m.ProviderPeers {
		b = protowire.AppendTag(b, fieldMsgProviderPeers, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPeer(&p))
	}
	return b
}

func marshalRecord(r *Record) []byte {
	var b []byte
	if len(r.Key) > 0 {
		b = protowire.AppendTag(b, fieldRecordKey, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Key)
	}
	if len(r.Value) > 0 {
		b = protowire.AppendTag(b, fieldRecordValue, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	return b
}

func marshalPeer(p *Peer) []byte {
	var b []byte
	if len(p.ID) > 0 {
		b = protowire.AppendTag(b, fieldPeerID, protowire.BytesType)
		b = protowire.AppendBytes(b, p.ID)
	}
	for _, a := range p.Addrs {
		b = protowire.AppendTag(b, fieldPeerAddrs, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	if p.Connection != NotConnected {
		b = protowire.AppendTag(b, fieldPeerConnection, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Connection))
	}
	return b
}

// UnmarshalRaw decodes an unframed protobuf payload into a Message.
// Returns a kaderr with CodeMalformed on any structural error.
func UnmarshalRaw(data []byte) (*Message, error) {
	m := &Message{}
	sawType := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, kaderr.Malformed("invalid field tag")
		}
		data = data[n:]

		switch num {
		case fieldMsgType:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, err
			}
			if !validMessageType(int32(v)) {
				return nil, kaderr.Malformed("unknown message type")
			}
			m.Type = MessageType(v)
			sawType = true
			data = data[n:]
		case fieldMsgClusterLevel:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, err
			}
			m.ClusterLevel = int32(int64(v))
			data = data[n:]
		case fieldMsgKey:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			m.Key = v
			data = data[n:]
		case fieldMsgRecord:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			rec, err := unmarshalRecord(v)
			if err != nil {
				return nil, err
			}
			m.Record = rec
			data = data[n:]
		case fieldMsgCloserPeers:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			p, err := unmarshalPeer(v)
			if err != nil {
				return nil, err
			}
			m.CloserPeers = append(m.CloserPeers, *p)
			data = data[n:]
		case fieldMsgProviderPeers:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			p, err := unmarshalPeer(v)
			if err != nil {
				return nil, err
			}
			m.ProviderPeers = append(m.ProviderPeers, *p)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, kaderr.Malformed("invalid field value")
			}
			data = data[n:]
		}
	}

	if !sawType {
		return nil, kaderr.Malformed("message missing required type field")
	}
	return m, nil
}

func unmarshalRecord(data []byte) (*Record, error) {
	r := &Record{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, kaderr.Malformed("invalid record field tag")
		}
		data = data[n:]
		switch num {
		case fieldRecordKey:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			r.Key = v
			data = data[n:]
		case fieldRecordValue:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			r.Value = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, kaderr.Malformed("invalid record field value")
			}
			data = data[n:]
		}
	}
	// Author and signature never round-trip on the wire; decoders always
	// present a zeroed record (spec.md §4.6).
	return r, nil
}

func unmarshalPeer(data []byte) (*Peer, error) {
	p := &Peer{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, kaderr.Malformed("invalid peer field tag")
		}
		data = data[n:]
		switch num {
		case fieldPeerID:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			p.ID = v
			data = data[n:]
		case fieldPeerAddrs:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			p.Addrs = append(p.Addrs, v)
			data = data[n:]
		case fieldPeerConnection:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, err
			}
			if !validConnectionType(int32(v)) {
				return nil, kaderr.Malformed("unknown connection type")
			}
			p.Connection = ConnectionType(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, kaderr.Malformed("invalid peer field value")
			}
			data = data[n:]
		}
	}
	return p, nil
}

func consumeVarint(data []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, kaderr.Malformed("expected varint wire type")
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, kaderr.Malformed("truncated varint")
	}
	return v, n, nil
}

func consumeBytes(data []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, kaderr.Malformed("expected length-delimited wire type")
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, kaderr.Malformed("truncated length-delimited field")
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

// MaxMessageSize bounds a single framed message payload; larger declared
// lengths are rejected as Malformed before any allocation.
const MaxMessageSize = 4 << 20 // 4 MiB, implementation-configurable per spec.md §6

// WriteMessage frames m with an LEB128 varint length prefix and writes it
// to w (spec.md §4.6).
func WriteMessage(w io.Writer, m *Message) error {
	payload := MarshalRaw(m)
	lenBuf := varint.ToUvarint(uint64(len(payload)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadMessage reads one varint-framed message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	length, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, kaderr.Wrap(kaderr.CodeMalformed, "could not read message length prefix", err)
	}
	if length > MaxMessageSize {
		return nil, kaderr.Malformed("declared message length exceeds maximum")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, kaderr.Wrap(kaderr.CodeMalformed, "short read on framed message payload", err)
	}
	return UnmarshalRaw(buf)
}

// byteReader adapts an io.Reader to io.ByteReader for varint.ReadUvarint,
// which requires reading exactly one byte at a time to avoid
// over-consuming from the underlying stream.
type byteReader struct {
	io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(b.Reader, buf[:])
	return buf[0], err
}
