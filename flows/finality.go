package flows

import (
	"context"
	"log/slog"
	"time"

	"solarsystem/domain"
	"solarsystem/metrics"

	"go.opentelemetry.io/otel/attribute"
)

// Finalizer notarises a fully signed transaction, records its outputs
// locally and forwards it to each counterparty session, waiting for every
// counterparty to confirm it recorded the transaction too.
type Finalizer struct {
	notary      Notary
	vault       Vault
	checkpoints CheckpointStore
	metrics     *metrics.Flows
	logger      *slog.Logger
	now         func() time.Time
}

func NewFinalizer(notary Notary, v Vault, checkpoints CheckpointStore, m *metrics.Flows, logger *slog.Logger) *Finalizer {
	return &Finalizer{
		notary:      notary,
		vault:       v,
		checkpoints: checkpoints,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// Finalize returns the notarised transaction. Nothing is recorded unless the
// notary accepted it. Failures after notarisation carry
// domain.FinalizedNote: the counterparty may already hold the record.
func (f *Finalizer) Finalize(ctx context.Context, stx *domain.SignedTransaction, sessions []Session) (*domain.SignedTransaction, error) {
	ctx, span := tracer.Start(ctx, "flows.Finalize")
	defer span.End()

	txID, err := stx.ID()
	if err != nil {
		return nil, domain.Wrap(domain.CodeInternal, "transaction id", err)
	}
	span.SetAttributes(attribute.String("tx_id", txID))
	logger := f.logger.With("tx_id", txID)

	if err := stx.VerifySignatures(); err != nil {
		return nil, domain.Wrap(domain.CodeProtocolAbort, "transaction is not fully signed", err)
	}

	notarySig, err := f.notary.Notarise(ctx, stx)
	if err != nil {
		code := domain.CodeOf(err)
		f.metrics.Notarisation(string(code))
		switch code {
		case domain.CodeNotaryConflict, domain.CodeNotaryRejection, domain.CodeProtocolAbort:
			return nil, err
		default:
			return nil, domain.Wrap(domain.CodeNotaryRejection, "notarise", err)
		}
	}
	digest, err := stx.Tx.Digest()
	if err != nil {
		return nil, domain.Wrap(domain.CodeInternal, "digest transaction", err)
	}
	if !notarySig.By.Equal(stx.Tx.Notary.OwningKey) || !notarySig.By.Verify(digest, notarySig.Bytes) {
		f.metrics.Notarisation(string(domain.CodeNotaryRejection))
		return nil, domain.New(domain.CodeNotaryRejection, "invalid notary signature")
	}
	f.metrics.Notarisation("OK")

	notarised := stx.Clone()
	notarised.AddSignature(notarySig)
	for _, s := range sessions {
		f.checkpoint(ctx, s, StepNotarised, txID, notarised)
	}
	logger.Debug("transaction notarised", "notary", stx.Tx.Notary.Name.String())

	if err := f.vault.Record(ctx, txID, notarised.Tx.Outputs...); err != nil {
		return nil, afterNotarisation(domain.CodePersistenceFailure, "record finalized transaction locally", txID, err)
	}

	for _, s := range sessions {
		reply, err := s.SendAndReceive(ctx, KindFinalized, notarised)
		if err != nil {
			return nil, afterNotarisation(domain.CodeProtocolAbort, "send finalized transaction to "+s.Counterparty().Name.String(), txID, err)
		}
		switch reply.Kind {
		case KindRecorded:
		case KindDecline:
			return nil, afterNotarisation(domain.CodePersistenceFailure, s.Counterparty().Name.String()+" failed to record", txID, declined(reply))
		default:
			return nil, afterNotarisation(domain.CodeProtocolAbort, "unexpected "+reply.Kind.String()+" reply to finalized transaction", txID, nil)
		}
		f.checkpoint(ctx, s, StepFinalized, txID, notarised)
		if err := f.checkpoints.Delete(ctx, s.ID()); err != nil {
			logger.Warn("drop checkpoint failed", "session", s.ID(), "error", err)
		}
	}

	logger.Info("transaction finalized", "sessions", len(sessions))
	return notarised, nil
}

func (f *Finalizer) checkpoint(ctx context.Context, s Session, step Step, txID string, stx *domain.SignedTransaction) {
	err := f.checkpoints.Save(ctx, Checkpoint{
		Session:      s.ID(),
		Role:         RoleInitiator,
		Step:         step,
		Counterparty: s.Counterparty(),
		TxID:         txID,
		Tx:           stx,
		UpdatedAt:    f.now(),
	})
	if err != nil {
		// The transaction is already notarised; losing a checkpoint must not
		// abort finality.
		f.logger.Warn("save checkpoint failed", "session", s.ID(), "step", step, "error", err)
	}
}

func afterNotarisation(code domain.Code, message, txID string, cause error) *domain.Error {
	err := domain.WithMetadata(code, message+" ("+domain.FinalizedNote+")",
		map[string]string{"tx_id": txID, domain.MetaFinalized: "true"})
	err.Cause = cause
	return err
}
