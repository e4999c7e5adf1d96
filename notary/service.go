// Package notary is a single-node notary: it checks that a transaction is
// fully signed, refuses to commit the same transaction or input twice, and
// signs what it commits.
package notary

import (
	"context"
	"log/slog"

	"solarsystem/domain"
)

// CommitLog remembers committed transactions and consumed inputs. Commit
// fails with a NotaryConflict domain error if txID or any input is already
// committed.
type CommitLog interface {
	Commit(ctx context.Context, txID string, inputs []domain.StateRef) error
}

// Signer signs with the notary's key.
type Signer interface {
	Public() domain.PublicKey
	Sign(digest []byte) domain.Signature
}

// Service notarises transactions naming this notary.
type Service struct {
	signer Signer
	log    CommitLog
	logger *slog.Logger
}

func NewService(signer Signer, log CommitLog, logger *slog.Logger) *Service {
	return &Service{signer: signer, log: log, logger: logger}
}

// Notarise commits stx and returns the notary signature over its digest.
func (s *Service) Notarise(ctx context.Context, stx *domain.SignedTransaction) (domain.Signature, error) {
	if !stx.Tx.Notary.OwningKey.Equal(s.signer.Public()) {
		return domain.Signature{}, domain.New(domain.CodeNotaryRejection, "transaction names notary "+stx.Tx.Notary.Name.String())
	}
	txID, err := stx.ID()
	if err != nil {
		return domain.Signature{}, domain.Wrap(domain.CodeNotaryRejection, "transaction id", err)
	}
	logger := s.logger.With("tx_id", txID)

	if err := stx.VerifySignatures(); err != nil {
		logger.Warn("notarisation rejected", "error", err)
		return domain.Signature{}, domain.Wrap(domain.CodeNotaryRejection, "signature check", err)
	}
	if err := s.log.Commit(ctx, txID, stx.Tx.Inputs); err != nil {
		logger.Warn("notarisation conflict", "error", err)
		if domain.CodeOf(err) == domain.CodeNotaryConflict {
			return domain.Signature{}, err
		}
		return domain.Signature{}, domain.Wrap(domain.CodeNotaryRejection, "commit", err)
	}

	digest, err := stx.Tx.Digest()
	if err != nil {
		return domain.Signature{}, domain.Wrap(domain.CodeNotaryRejection, "digest transaction", err)
	}
	logger.Info("transaction notarised", "inputs", len(stx.Tx.Inputs))
	return s.signer.Sign(digest), nil
}
