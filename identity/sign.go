package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// KeyPair is a node's long-term Ed25519 signing keypair, used to
// authenticate fresh per-session Noise static keys and to service the
// Sign/Verify control requests.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a new random Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// PublicKeyArray returns the public key as the fixed-size array shape
// used by Identity.NetworkingKey.
func (kp *KeyPair) PublicKeyArray() [32]byte {
	var out [32]byte
	copy(out[:], kp.Public)
	return out
}

// Sign signs message with the keypair's private key.
func (kp *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// Verify checks that signature is a valid Ed25519 signature over message
// under publicKey.
func Verify(publicKey [32]byte, message, signature []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(publicKey[:]), message, signature)
}

// SignWithAddress signs blob with from prepended, the convention used by
// the Sign/Verify control requests so a signature is bound to the
// claimed sender's address.
func SignWithAddress(kp *KeyPair, from string, blob []byte) []byte {
	return kp.Sign(append([]byte(from), blob...))
}

// VerifyWithAddress verifies a SignWithAddress signature.
func VerifyWithAddress(publicKey [32]byte, from string, blob, signature []byte) bool {
	return Verify(publicKey, append([]byte(from), blob...), signature)
}
