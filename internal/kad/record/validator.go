// Package record implements namespaced record validation and selection
// dispatch (spec.md §4.7): each key is formatted `/<namespace>/<rest>`,
// and a Validator is looked up by namespace.
package record

import (
	"strings"

	"github.com/multiformats/go-multihash"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
)

// Validator checks and ranks candidate values for keys in its namespace.
type Validator interface {
	// Validate reports whether value is an acceptable record for key.
	Validate(key string, value []byte) error
	// Select returns the index of the best record among values, which is
	// guaranteed non-empty by the caller (NamespacedValidator.Select).
	Select(key string, values [][]byte) (int, error)
}

// NamespacedValidator dispatches Validate/Select to a per-namespace
// Validator, per spec.md §4.7.
type NamespacedValidator struct {
	validators map[string]Validator
}

// NewNamespacedValidator builds an (initially empty) dispatch table.
func NewNamespacedValidator() *NamespacedValidator {
	return &NamespacedValidator{validators: make(map[string]Validator)}
}

// Add registers v for the given namespace, replacing any prior entry.
func (n *NamespacedValidator) Add(namespace string, v Validator) {
	n.validators[namespace] = v
}

func splitNamespace(key string) (string, error) {
	if !strings.HasPrefix(key, "/") {
		return "", kaderr.Malformed("key must begin with '/'")
	}
	parts := strings.SplitN(key[1:], "/", 2)
	if len(parts) < 1 || parts[0] == "" {
		return "", kaderr.Malformed("key missing namespace segment")
	}
	return parts[0], nil
}

// Validate locates a validator by key's namespace and delegates to it, or
// fails with InvalidRecordType if no validator is registered for it.
func (n *NamespacedValidator) Validate(key string, value []byte) error {
	ns, err := splitNamespace(key)
	if err != nil {
		return err
	}
	v, ok := n.validators[ns]
	if !ok {
		return kaderr.New(kaderr.CodeInvalidRecordType, "no validator registered for namespace").WithContext("namespace", ns)
	}
	return v.Validate(key, value)
}

// Select locates a validator by key's namespace and delegates selection
// among values, refusing an empty candidate list with NoValues.
func (n *NamespacedValidator) Select(key string, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, kaderr.ErrNoValues
	}
	ns, err := splitNamespace(key)
	if err != nil {
		return 0, err
	}
	v, ok := n.validators[ns]
	if !ok {
		return 0, kaderr.New(kaderr.CodeInvalidRecordType, "no validator registered for namespace").WithContext("namespace", ns)
	}
	return v.Select(key, values)
}

// ValidateAminoShape enforces spec.md §4.7's closed-set rule: a routing
// configuration using the Amino protocol prefix must register exactly the
// "pk" and "ipns" namespaces, nothing more and nothing fewer.
func (n *NamespacedValidator) ValidateAminoShape() error {
	if len(n.validators) != 2 {
		return kaderr.New(kaderr.CodeConfigInvalid, "amino validator must register exactly two namespaces")
	}
	for _, ns := range []string{"pk", "ipns"} {
		if _, ok := n.validators[ns]; !ok {
			return kaderr.New(kaderr.CodeConfigInvalid, "amino validator missing required namespace").WithContext("namespace", ns)
		}
	}
	return nil
}

// PublicKeyValidator implements the "pk" namespace: a record is valid
// exactly when its bytes hash, under the multihash algorithm embedded in
// the key, to the key's own multihash digest.
type PublicKeyValidator struct{}

// Validate checks that value hashes to the multihash embedded in key
// (key shape: "/pk/<multihash-bytes-as-key-suffix>").
func (PublicKeyValidator) Validate(key string, value []byte) error {
	_, rest, err := pkKeySuffix(key)
	if err != nil {
		return err
	}
	mh, err := multihash.Decode(rest)
	if err != nil {
		return kaderr.Wrap(kaderr.CodeMalformed, "key suffix is not a valid multihash", err)
	}
	sum, err := multihash.Sum(value, mh.Code, -1)
	if err != nil {
		return kaderr.Wrap(kaderr.CodeMalformed, "could not hash record value", err)
	}
	if string(sum) != string(rest) {
		return kaderr.Malformed("record value does not hash to key's multihash")
	}
	return nil
}

// Select for public-key records returns the first candidate that
// validates, skipping any that do not: a well-formed "pk" record is
// immutable once published, so no record is ever strictly better than
// another that validates.
func (PublicKeyValidator) Select(key string, values [][]byte) (int, error) {
	for i, v := range values {
		if err := (PublicKeyValidator{}).Validate(key, v); err == nil {
			return i, nil
		}
	}
	return 0, kaderr.New(kaderr.CodeBetterRecord, "no candidate record passed pk validation")
}

func pkKeySuffix(key string) (string, []byte, error) {
	ns, err := splitNamespace(key)
	if err != nil {
		return "", nil, err
	}
	if ns != "pk" {
		return "", nil, kaderr.New(kaderr.CodeInvalidRecordType, "not a pk-namespaced key")
	}
	parts := strings.SplitN(key[1:], "/", 2)
	if len(parts) != 2 {
		return ns, nil, kaderr.Malformed("pk key missing multihash suffix")
	}
	return ns, []byte(parts[1]), nil
}
