// Package identity manages the node's long-lived Ed25519 keypair: it is
// generated on first launch, persisted to <home>/.exo/identity.key, and
// reused forever. A node's NodeId is the base58 encoding of its public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"

	"github.com/exo-explore/exo/internal/exoerr"
	"github.com/exo-explore/exo/internal/exoids"
)

const keyFileMode = 0o600

// Identity wraps a node's persistent Ed25519 keypair.
type Identity struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NodeID returns the base58 encoding of the public key.
func (id *Identity) NodeID() exoids.NodeId {
	return exoids.NodeId(base58.Encode(id.public))
}

// Sign signs payload with the node's private key.
func (id *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(id.private, payload)
}

// Verify checks that signature is a valid Ed25519 signature over payload
// made by the peer identified by nodeID.
func Verify(nodeID exoids.NodeId, payload, signature []byte) error {
	pub, err := base58.Decode(string(nodeID))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad node id %q", exoerr.ErrBadMessage, nodeID)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, signature) {
		return fmt.Errorf("%w: signature verification failed for %q", exoerr.ErrBadMessage, nodeID)
	}
	return nil
}

// Load reads the keypair from <home>/.exo/identity.key, generating and
// persisting a fresh one on first launch.
func Load(home string) (*Identity, error) {
	path := filepath.Join(home, ".exo", "identity.key")
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity: corrupt key file %s", path)
		}
		priv := ed25519.PrivateKey(raw)
		return &Identity{public: priv.Public().(ed25519.PublicKey), private: priv}, nil
	case os.IsNotExist(err):
		return generate(path)
	default:
		return nil, fmt.Errorf("identity: reading %s: %w", path, err)
	}
}

func generate(path string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generating keypair: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("identity: creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, priv, keyFileMode); err != nil {
		return nil, fmt.Errorf("identity: writing %s: %w", path, err)
	}
	return &Identity{public: pub, private: priv}, nil
}
