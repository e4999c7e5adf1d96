package domain

import (
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CommandKind tags the closed set of commands a transaction may carry.
type CommandKind uint8

const (
	CommandLaunch CommandKind = iota + 1
)

func (k CommandKind) String() string {
	switch k {
	case CommandLaunch:
		return "Launch"
	default:
		return fmt.Sprintf("CommandKind(%d)", uint8(k))
	}
}

// Command states the intent of a transaction and the keys that must sign it.
type Command struct {
	Kind    CommandKind `cbor:"1,keyasint"`
	Signers []PublicKey `cbor:"2,keyasint"`
}

// StateRef points at an output of an earlier transaction.
type StateRef struct {
	TxID  string `cbor:"1,keyasint"`
	Index uint32 `cbor:"2,keyasint"`
}

func (r StateRef) String() string {
	return fmt.Sprintf("%s(%d)", r.TxID, r.Index)
}

// WireTransaction is the unsigned proposal.
type WireTransaction struct {
	Notary   Party        `cbor:"1,keyasint"`
	Inputs   []StateRef   `cbor:"2,keyasint"`
	Outputs  []ProbeState `cbor:"3,keyasint"`
	Commands []Command    `cbor:"4,keyasint"`
}

var canonical cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	canonical = em
}

// CanonicalMarshal encodes v with Core Deterministic CBOR.
func CanonicalMarshal(v any) ([]byte, error) {
	return canonical.Marshal(v)
}

// Bytes returns the canonical encoding every participant signs over.
func (tx *WireTransaction) Bytes() ([]byte, error) {
	b, err := canonical.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return b, nil
}

func (tx *WireTransaction) cid() (cid.Cid, error) {
	b, err := tx.Bytes()
	if err != nil {
		return cid.Undef, err
	}
	sum, err := multihash.Sum(b, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hash transaction: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// ID is the CIDv1 (raw, sha2-256) of the canonical transaction bytes.
func (tx *WireTransaction) ID() (string, error) {
	c, err := tx.cid()
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// Digest is the sha2-256 digest of the canonical bytes, the message every
// signature covers.
func (tx *WireTransaction) Digest() ([]byte, error) {
	c, err := tx.cid()
	if err != nil {
		return nil, err
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return nil, fmt.Errorf("decode transaction hash: %w", err)
	}
	return decoded.Digest, nil
}

// RequiredSigners is the union of all command signers, in first-seen order.
func (tx *WireTransaction) RequiredSigners() []PublicKey {
	var out []PublicKey
	for _, cmd := range tx.Commands {
		for _, k := range cmd.Signers {
			if !slices.ContainsFunc(out, k.Equal) {
				out = append(out, k)
			}
		}
	}
	return out
}

// Signature is a signer's ed25519 signature over a transaction digest.
type Signature struct {
	By    PublicKey `cbor:"1,keyasint"`
	Bytes []byte    `cbor:"2,keyasint"`
}

// SignedTransaction is a proposal plus the signatures collected so far,
// at most one per key.
type SignedTransaction struct {
	Tx   WireTransaction `cbor:"1,keyasint"`
	Sigs []Signature     `cbor:"2,keyasint"`
}

// ID is the id of the wrapped transaction; signatures do not change it.
func (stx *SignedTransaction) ID() (string, error) {
	return stx.Tx.ID()
}

// AddSignature adds sig, replacing an earlier signature by the same key.
func (stx *SignedTransaction) AddSignature(sig Signature) {
	for i, s := range stx.Sigs {
		if s.By.Equal(sig.By) {
			stx.Sigs[i] = sig
			return
		}
	}
	stx.Sigs = append(stx.Sigs, sig)
}

// SignedBy reports whether a signature from key is attached.
func (stx *SignedTransaction) SignedBy(key PublicKey) bool {
	return slices.ContainsFunc(stx.Sigs, func(s Signature) bool { return s.By.Equal(key) })
}

// MissingSigners lists required signers with no attached signature.
func (stx *SignedTransaction) MissingSigners() []PublicKey {
	var missing []PublicKey
	for _, k := range stx.Tx.RequiredSigners() {
		if !stx.SignedBy(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// VerifySignatures checks every attached signature against the transaction
// digest and that no required signer other than those in allowedMissing is
// absent.
func (stx *SignedTransaction) VerifySignatures(allowedMissing ...PublicKey) error {
	digest, err := stx.Tx.Digest()
	if err != nil {
		return err
	}
	for _, sig := range stx.Sigs {
		if !sig.By.Verify(digest, sig.Bytes) {
			return fmt.Errorf("invalid signature by %s", sig.By)
		}
	}
	for _, k := range stx.MissingSigners() {
		if !slices.ContainsFunc(allowedMissing, k.Equal) {
			return fmt.Errorf("missing signature by %s", k)
		}
	}
	return nil
}

// Clone returns a deep enough copy for the signature list to be extended
// independently.
func (stx *SignedTransaction) Clone() *SignedTransaction {
	out := &SignedTransaction{Tx: stx.Tx}
	out.Sigs = append([]Signature(nil), stx.Sigs...)
	return out
}
