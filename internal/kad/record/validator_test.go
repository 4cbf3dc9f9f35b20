package record

import (
	"testing"

	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	validateErr error
	selectIdx   int
	selectErr   error
}

func (s stubValidator) Validate(string, []byte) error { return s.validateErr }
func (s stubValidator) Select(string, [][]byte) (int, error) {
	return s.selectIdx, s.selectErr
}

func TestNamespacedValidatorDispatch(t *testing.T) {
	nv := NewNamespacedValidator()
	nv.Add("ipns", stubValidator{selectIdx: 1})

	require.NoError(t, nv.Validate("/ipns/somekey", []byte("v")))

	idx, err := nv.Select("/ipns/somekey", [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestNamespacedValidatorUnknownNamespace(t *testing.T) {
	nv := NewNamespacedValidator()
	err := nv.Validate("/nope/key", []byte("v"))
	require.Error(t, err)
}

func TestNamespacedValidatorSelectRefusesEmptyList(t *testing.T) {
	nv := NewNamespacedValidator()
	nv.Add("ipns", stubValidator{})
	_, err := nv.Select("/ipns/key", nil)
	require.Error(t, err)
}

func TestNamespacedValidatorMalformedKey(t *testing.T) {
	nv := NewNamespacedValidator()
	err := nv.Validate("no-leading-slash", []byte("v"))
	require.Error(t, err)
}

func TestValidateAminoShapeRequiresExactlyPkAndIpns(t *testing.T) {
	nv := NewNamespacedValidator()
	require.Error(t, nv.ValidateAminoShape(), "empty table is not the amino shape")

	nv.Add("pk", PublicKeyValidator{})
	require.Error(t, nv.ValidateAminoShape(), "missing ipns")

	nv.Add("ipns", stubValidator{})
	require.NoError(t, nv.ValidateAminoShape())

	nv.Add("extra", stubValidator{})
	require.Error(t, nv.ValidateAminoShape(), "extra namespace violates the closed set")
}

func TestPublicKeyValidatorAcceptsMatchingHash(t *testing.T) {
	value := []byte("hello world")
	sum, err := multihash.Sum(value, multihash.SHA2_256, -1)
	require.NoError(t, err)

	key := "/pk/" + string(sum)
	require.NoError(t, PublicKeyValidator{}.Validate(key, value))
}

func TestPublicKeyValidatorRejectsMismatchedHash(t *testing.T) {
	sum, err := multihash.Sum([]byte("hello world"), multihash.SHA2_256, -1)
	require.NoError(t, err)

	key := "/pk/" + string(sum)
	require.Error(t, PublicKeyValidator{}.Validate(key, []byte("tampered")))
}

func TestPublicKeyValidatorSelectPicksFirstValid(t *testing.T) {
	good := []byte("good value")
	sum, err := multihash.Sum(good, multihash.SHA2_256, -1)
	require.NoError(t, err)
	key := "/pk/" + string(sum)

	idx, err := PublicKeyValidator{}.Select(key, [][]byte{[]byte("bad"), good})
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}
