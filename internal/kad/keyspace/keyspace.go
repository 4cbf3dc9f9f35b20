// Package keyspace implements the 256-bit Kademlia XOR keyspace: canonical
// ID derivation, distance, common-prefix-length, and distance ordering.
package keyspace

import (
	"bytes"
	"crypto/sha256"
	"math/bits"
	"sort"

	"github.com/libp2p/go-libp2p/core/peer"
)

// IDLen is the length in bytes of a Kademlia ID (SHA-256 output).
const IDLen = 32

// ID is a 256-bit Kademlia identifier: the SHA-256 of a PeerId or of an
// arbitrary lookup-target key. Distance math operates only on ID values,
// never on raw peer IDs.
type ID [IDLen]byte

// FromBytes hashes an arbitrary byte string into the keyspace. Used both
// for deriving a peer's KadId from its PeerId and for turning a content
// key into a lookup target.
func FromBytes(b []byte) ID {
	return sha256.Sum256(b)
}

// FromPeerID derives the KadId of a libp2p peer identifier.
func FromPeerID(p peer.ID) ID {
	return FromBytes([]byte(p))
}

// Bytes returns the ID's raw bytes.
func (id ID) Bytes() []byte {
	return id[:]
}

// XOR returns the bitwise XOR of two IDs, the Kademlia distance metric.
func XOR(a, b ID) ID {
	var out ID
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Distance is an alias for XOR: the XOR result interpreted as a 256-bit
// unsigned integer whose ordering is exactly byte-lexicographic.
func Distance(a, b ID) ID {
	return XOR(a, b)
}

// Less orders two distances (or two IDs) as unsigned 256-bit integers via
// byte-wise lexicographic comparison. Ties are not possible between two
// fixed-width IDs, but the slice-oriented helper below handles the general
// case described in spec.md (shorter-slice-is-smaller on exhausted tie).
func Less(a, b ID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// LessBytes implements the spec's general-purpose tie-break: byte-wise
// comparison, and when all compared bytes are equal, the shorter slice
// sorts smaller. Used when comparing distances of differing width is ever
// required (e.g. in tests exercising the general law independent of the
// fixed-width ID type).
func LessBytes(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CommonPrefixLen returns the number of leading bits on which a and b
// agree: 8 per all-zero XOR byte, plus the leading-zero bit count of the
// first differing byte. Range is 0..256; CPL(x, x) == 256.
func CommonPrefixLen(a, b ID) int {
	x := XOR(a, b)
	cpl := 0
	for _, by := range x {
		if by == 0 {
			cpl += 8
			continue
		}
		cpl += bits.LeadingZeros8(by)
		break
	}
	return cpl
}

// SortByDistance sorts ids in place by ascending XOR distance to target.
// SortByDistance is generic over any slice whose elements carry an ID via
// idOf, so both peer-entry types and bare IDs can reuse the same routine.
func SortByDistance[T any](target ID, items []T, idOf func(T) ID) {
	sort.Slice(items, func(i, j int) bool {
		di := Distance(idOf(items[i]), target)
		dj := Distance(idOf(items[j]), target)
		return Less(di, dj)
	})
}
