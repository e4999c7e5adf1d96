package flows

import (
	"solarsystem/contract"
	"solarsystem/domain"
)

// Build assembles the unsigned launch proposal: one new probe with a fresh
// linear id, a Launch command requiring both participants' signatures, and
// the chosen notary. The proposal is verified before it is returned; a
// RuleViolation means no signature collection may be attempted.
func Build(message string, planetaryOnly bool, launcher, target, notary domain.Party) (*domain.WireTransaction, error) {
	state := domain.NewProbeState(message, planetaryOnly, launcher, target)

	signers := make([]domain.PublicKey, 0, 2)
	for _, p := range state.Participants() {
		signers = append(signers, p.OwningKey)
	}

	tx := &domain.WireTransaction{
		Notary:  notary,
		Outputs: []domain.ProbeState{state},
		Commands: []domain.Command{{
			Kind:    domain.CommandLaunch,
			Signers: signers,
		}},
	}
	if err := contract.Verify(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// sign wraps tx with the signer's signature over its digest.
func sign(tx *domain.WireTransaction, signer Signer) (*domain.SignedTransaction, error) {
	digest, err := tx.Digest()
	if err != nil {
		return nil, domain.Wrap(domain.CodeInternal, "digest transaction", err)
	}
	stx := &domain.SignedTransaction{Tx: *tx}
	stx.AddSignature(signer.Sign(digest))
	return stx, nil
}
