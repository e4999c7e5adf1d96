package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"solarsystem/domain"

	"github.com/mr-tron/base58"
)

// KeyPair is a party's ed25519 signing key.
type KeyPair struct {
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh key.
func GenerateKeyPair() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{private: priv}, nil
}

// KeyPairFromSeed restores a key from its base58 seed.
func KeyPairFromSeed(seed string) (*KeyPair, error) {
	raw, err := base58.Decode(seed)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(raw))
	}
	return &KeyPair{private: ed25519.NewKeyFromSeed(raw)}, nil
}

// Seed returns the base58 seed the key can be restored from.
func (k *KeyPair) Seed() string {
	return base58.Encode(k.private.Seed())
}

// Public returns the verification key.
func (k *KeyPair) Public() domain.PublicKey {
	return domain.PublicKey(k.private.Public().(ed25519.PublicKey))
}

// Sign signs a transaction digest.
func (k *KeyPair) Sign(digest []byte) domain.Signature {
	return domain.Signature{
		By:    k.Public(),
		Bytes: ed25519.Sign(k.private, digest),
	}
}

// LoadKeyPair restores the key from seed, or generates a fresh one when
// seed is empty. generated reports which happened.
func LoadKeyPair(seed string) (k *KeyPair, generated bool, err error) {
	if seed == "" {
		k, err = GenerateKeyPair()
		return k, true, err
	}
	k, err = KeyPairFromSeed(seed)
	return k, false, err
}
