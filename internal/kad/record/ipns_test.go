package record

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func signedIpnsRecord(t *testing.T, seq uint64, validity time.Time, value []byte) (string, []byte) {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	pid, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	pubBytes, err := crypto.MarshalPublicKey(pub)
	require.NoError(t, err)

	entry := &ipnsEntry{
		Value:    value,
		Validity: []byte(validity.Format(time.RFC3339)),
		Sequence: seq,
		PubKey:   pubBytes,
	}
	sig, err := priv.Sign(ipnsSignedBytes(entry))
	require.NoError(t, err)
	entry.Signature = sig

	key := "/ipns/" + string(pid)
	return key, marshalIpnsEntry(entry)
}

func TestIPNSValidatorAcceptsFreshSignedEntry(t *testing.T) {
	key, value := signedIpnsRecord(t, 1, time.Now().Add(time.Hour), []byte("/ipfs/somecid"))
	require.NoError(t, IPNSValidator{}.Validate(key, value))
}

func TestIPNSValidatorRejectsExpiredEntry(t *testing.T) {
	key, value := signedIpnsRecord(t, 1, time.Now().Add(-time.Hour), []byte("/ipfs/somecid"))
	require.Error(t, IPNSValidator{}.Validate(key, value))
}

func TestIPNSValidatorRejectsTamperedValue(t *testing.T) {
	key, value := signedIpnsRecord(t, 1, time.Now().Add(time.Hour), []byte("/ipfs/somecid"))
	entry, err := unmarshalIpnsEntry(value)
	require.NoError(t, err)
	entry.Value = []byte("/ipfs/different")
	require.Error(t, IPNSValidator{}.Validate(key, marshalIpnsEntry(entry)))
}

func TestIPNSValidatorRejectsPubKeyPeerIDMismatch(t *testing.T) {
	key, value := signedIpnsRecord(t, 1, time.Now().Add(time.Hour), []byte("/ipfs/somecid"))
	_, otherValue := signedIpnsRecord(t, 1, time.Now().Add(time.Hour), []byte("/ipfs/somecid"))
	otherEntry, err := unmarshalIpnsEntry(otherValue)
	require.NoError(t, err)

	entry, err := unmarshalIpnsEntry(value)
	require.NoError(t, err)
	entry.PubKey = otherEntry.PubKey
	entry.Signature = otherEntry.Signature
	require.Error(t, IPNSValidator{}.Validate(key, marshalIpnsEntry(entry)))
}

func TestIPNSValidatorSelectPrefersHigherSequence(t *testing.T) {
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	pid, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	pubBytes, err := crypto.MarshalPublicKey(pub)
	require.NoError(t, err)
	key := "/ipns/" + string(pid)

	build := func(seq uint64, value []byte) []byte {
		entry := &ipnsEntry{
			Value:    value,
			Validity: []byte(time.Now().Add(time.Hour).Format(time.RFC3339)),
			Sequence: seq,
			PubKey:   pubBytes,
		}
		sig, err := priv.Sign(ipnsSignedBytes(entry))
		require.NoError(t, err)
		entry.Signature = sig
		return marshalIpnsEntry(entry)
	}

	older := build(1, []byte("/ipfs/old"))
	newer := build(2, []byte("/ipfs/new"))

	idx, err := IPNSValidator{}.Select(key, [][]byte{older, newer})
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestIPNSValidatorSelectSkipsInvalidCandidates(t *testing.T) {
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	pid, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	pubBytes, err := crypto.MarshalPublicKey(pub)
	require.NoError(t, err)
	key := "/ipns/" + string(pid)

	build := func(seq uint64, validity time.Time, value []byte) []byte {
		entry := &ipnsEntry{
			Value:    value,
			Validity: []byte(validity.Format(time.RFC3339)),
			Sequence: seq,
			PubKey:   pubBytes,
		}
		sig, err := priv.Sign(ipnsSignedBytes(entry))
		require.NoError(t, err)
		entry.Signature = sig
		return marshalIpnsEntry(entry)
	}

	expired := build(5, time.Now().Add(-time.Hour), []byte("/ipfs/stale"))
	valid := build(1, time.Now().Add(time.Hour), []byte("/ipfs/fresh"))

	idx, err := IPNSValidator{}.Select(key, [][]byte{expired, valid})
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestIPNSValidatorSelectAllInvalidFails(t *testing.T) {
	key, expired := signedIpnsRecord(t, 1, time.Now().Add(-time.Hour), []byte("/ipfs/stale"))
	_, err := IPNSValidator{}.Select(key, [][]byte{expired})
	require.Error(t, err)
}
