package domain

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKey is an ed25519 verification key.
type PublicKey []byte

// ParsePublicKey decodes the base58 text form of a key.
func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return PublicKey(raw), nil
}

// String renders the key as base58.
func (k PublicKey) String() string {
	return base58.Encode(k)
}

// Equal reports whether both keys hold the same bytes.
func (k PublicKey) Equal(o PublicKey) bool {
	return bytes.Equal(k, o)
}

// Fingerprint is a short base58 digest of the key, safe for use in NATS
// subjects and KV keys.
func (k PublicKey) Fingerprint() string {
	sum := sha256.Sum256(k)
	return base58.Encode(sum[:16])
}

// Verify checks sig over digest.
func (k PublicKey) Verify(digest, sig []byte) bool {
	if len(k) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(k), digest, sig)
}

// MarshalText renders the base58 form, used by JSON and YAML.
func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the base58 form.
func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Party is a participant identified by its name and owning key.
type Party struct {
	Name      Name      `cbor:"1,keyasint" json:"name"`
	OwningKey PublicKey `cbor:"2,keyasint" json:"owningKey"`
}

// Equal compares parties by owning key; two names bound to the same key are
// the same party.
func (p Party) Equal(o Party) bool {
	return p.OwningKey.Equal(o.OwningKey)
}

func (p Party) String() string {
	return p.Name.String()
}
