package record

import (
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
)

// ipnsSignatureDomain domain-separates the bytes an IPNS entry signs, so a
// signature produced for one purpose can't be replayed as an entry.
const ipnsSignatureDomain = "ipns-signature:"

// ipnsEntry is the "ipns" namespace's record shape: a signed, sequenced
// pointer with an expiry, hand-decoded with protowire the same way
// internal/kad/pb encodes the RPC wire format.
type ipnsEntry struct {
	Value     []byte
	Validity  []byte // RFC3339 timestamp; the entry is expired once this has passed
	Sequence  uint64
	PubKey    []byte // marshalled crypto.PubKey identifying the signer
	Signature []byte
}

const (
	fieldIpnsValue     = 1
	fieldIpnsValidity  = 2
	fieldIpnsSequence  = 3
	fieldIpnsPubKey    = 4
	fieldIpnsSignature = 5
)

func marshalIpnsEntry(e *ipnsEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldIpnsValue, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Value)
	b = protowire.AppendTag(b, fieldIpnsValidity, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Validity)
	b = protowire.AppendTag(b, fieldIpnsSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Sequence)
	b = protowire.AppendTag(b, fieldIpnsPubKey, protowire.BytesType)
	b = protowire.AppendBytes(b, e.PubKey)
	b = protowire.AppendTag(b, fieldIpnsSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Signature)
	return b
}

func unmarshalIpnsEntry(data []byte) (*ipnsEntry, error) {
	e := &ipnsEntry{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, kaderr.Malformed("invalid ipns entry field tag")
		}
		data = data[n:]
		switch num {
		case fieldIpnsValue:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, kaderr.Malformed("truncated ipns value")
			}
			e.Value = append([]byte(nil), v...)
			data = data[n:]
		case fieldIpnsValidity:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, kaderr.Malformed("truncated ipns validity")
			}
			e.Validity = append([]byte(nil), v...)
			data = data[n:]
		case fieldIpnsSequence:
			if typ != protowire.VarintType {
				return nil, kaderr.Malformed("ipns sequence must be a varint")
			}
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, kaderr.Malformed("truncated ipns sequence")
			}
			e.Sequence = v
			data = data[n:]
		case fieldIpnsPubKey:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, kaderr.Malformed("truncated ipns pub_key")
			}
			e.PubKey = append([]byte(nil), v...)
			data = data[n:]
		case fieldIpnsSignature:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, kaderr.Malformed("truncated ipns signature")
			}
			e.Signature = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, kaderr.Malformed("invalid ipns entry field value")
			}
			data = data[n:]
		}
	}
	return e, nil
}

// IPNSValidator implements the "ipns" namespace (spec.md §4.7's Amino
// closed-set rule): a record is valid exactly when its embedded public key
// maps to the peer ID named by the key, its signature over (validity, value)
// verifies under that key, and its validity timestamp hasn't passed.
// Select prefers the highest sequence number, the real IPNS freshness rule,
// breaking ties by the later validity timestamp.
type IPNSValidator struct{}

// Validate checks key shape "/ipns/<peer-id-bytes>" against value's signed,
// sequenced entry.
func (IPNSValidator) Validate(key string, value []byte) error {
	_, err := ipnsValidate(key, value)
	return err
}

func ipnsValidate(key string, value []byte) (*ipnsEntry, error) {
	ns, err := splitNamespace(key)
	if err != nil {
		return nil, err
	}
	if ns != "ipns" {
		return nil, kaderr.New(kaderr.CodeInvalidRecordType, "not an ipns-namespaced key")
	}
	parts := strings.SplitN(key[1:], "/", 2)
	if len(parts) != 2 {
		return nil, kaderr.Malformed("ipns key missing peer-id suffix")
	}
	target, err := peer.IDFromBytes([]byte(parts[1]))
	if err != nil {
		return nil, kaderr.Wrap(kaderr.CodeMalformed, "ipns key suffix is not a peer id", err)
	}

	entry, err := unmarshalIpnsEntry(value)
	if err != nil {
		return nil, err
	}
	if len(entry.PubKey) == 0 || len(entry.Signature) == 0 || len(entry.Validity) == 0 {
		return nil, kaderr.Malformed("ipns entry missing required field")
	}

	pub, err := crypto.UnmarshalPublicKey(entry.PubKey)
	if err != nil {
		return nil, kaderr.Wrap(kaderr.CodeMalformed, "ipns entry pub_key does not unmarshal", err)
	}
	derived, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, kaderr.Wrap(kaderr.CodeMalformed, "ipns entry pub_key is not a valid identity", err)
	}
	if derived != target {
		return nil, kaderr.Malformed("ipns entry pub_key does not match the key's peer id")
	}

	validity, err := time.Parse(time.RFC3339, string(entry.Validity))
	if err != nil {
		return nil, kaderr.Wrap(kaderr.CodeMalformed, "ipns entry validity is not RFC3339", err)
	}
	if time.Now().After(validity) {
		return nil, kaderr.New(kaderr.CodeInvalidRecordType, "ipns entry has expired")
	}

	signed := ipnsSignedBytes(entry)
	ok, err := pub.Verify(signed, entry.Signature)
	if err != nil || !ok {
		return nil, kaderr.Malformed("ipns entry signature does not verify")
	}
	return entry, nil
}

func ipnsSignedBytes(e *ipnsEntry) []byte {
	b := append([]byte(ipnsSignatureDomain), e.Validity...)
	return append(b, e.Value...)
}

// Select prefers the highest Sequence (the record's edit count), the later
// Validity among ties, discarding any candidate that fails Validate.
func (IPNSValidator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestEntry *ipnsEntry
	for i, v := range values {
		entry, err := ipnsValidate(key, v)
		if err != nil {
			continue
		}
		if best == -1 || ipnsIsBetter(entry, bestEntry) {
			best = i
			bestEntry = entry
		}
	}
	if best == -1 {
		return 0, kaderr.New(kaderr.CodeBetterRecord, "no candidate record passed ipns validation")
	}
	return best, nil
}

func ipnsIsBetter(candidate, current *ipnsEntry) bool {
	if candidate.Sequence != current.Sequence {
		return candidate.Sequence > current.Sequence
	}
	return string(candidate.Validity) > string(current.Validity)
}
