package libp2phost

import (
	"encoding/json"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// persistentIdentity is the on-disk shape of a saved node identity,
// adapted from internal/network/mesh.go's PersistentIdentity.
type persistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// LoadOrGenerateIdentity loads a saved identity from path, or generates a
// fresh Ed25519 identity and persists it there if none exists.
func LoadOrGenerateIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	if data, err := os.ReadFile(path); err == nil {
		var id persistentIdentity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, "", err
		}
		priv, err := crypto.UnmarshalPrivateKey(id.PrivKey)
		if err != nil {
			return nil, "", err
		}
		pid, err := peer.Decode(id.PeerID)
		if err != nil {
			return nil, "", err
		}
		return priv, pid, nil
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, "", err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", err
	}
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, "", err
	}
	data, err := json.Marshal(&persistentIdentity{PrivKey: privBytes, PeerID: pid.String()})
	if err != nil {
		return nil, "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, "", err
	}
	return priv, pid, nil
}
