package flows

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"solarsystem/domain"

	"go.opentelemetry.io/otel/attribute"
)

// SignatureCollector drives the initiator side of signature collection:
// Built → SentForSignature → CollectedCounterSignature → Collected, or
// Rejected. It is used for a single session.
type SignatureCollector struct {
	checkpoints CheckpointStore
	logger      *slog.Logger
	now         func() time.Time
	step        Step
}

// NewSignatureCollector creates a collector in the Built step.
func NewSignatureCollector(checkpoints CheckpointStore, logger *slog.Logger) *SignatureCollector {
	return &SignatureCollector{
		checkpoints: checkpoints,
		logger:      logger,
		now:         time.Now,
		step:        StepBuilt,
	}
}

// Step returns the current step.
func (c *SignatureCollector) Step() Step {
	return c.step
}

// Collect sends stx, signed by us, to the counterparty of session and
// returns it with the counterparty's signature added. The round trip blocks
// until the counterparty answers; any failure leaves the collector Rejected.
func (c *SignatureCollector) Collect(ctx context.Context, stx *domain.SignedTransaction, session Session) (*domain.SignedTransaction, error) {
	ctx, span := tracer.Start(ctx, "flows.CollectSignatures")
	defer span.End()

	txID, err := stx.ID()
	if err != nil {
		return nil, c.reject(ctx, session, stx, domain.Wrap(domain.CodeInternal, "transaction id", err))
	}
	span.SetAttributes(attribute.String("tx_id", txID), attribute.String("session", session.ID()))
	logger := c.logger.With("session", session.ID(), "tx_id", txID, "counterparty", session.Counterparty().Name.String())

	counterparty := session.Counterparty().OwningKey
	if err := stx.VerifySignatures(counterparty); err != nil {
		return nil, c.reject(ctx, session, stx, domain.Wrap(domain.CodeProtocolAbort, "proposal is not ready for the counterparty", err))
	}
	if err := c.advance(ctx, session, StepBuilt, stx); err != nil {
		return nil, c.reject(ctx, session, stx, err)
	}

	if err := c.advance(ctx, session, StepSentForSignature, stx); err != nil {
		return nil, c.reject(ctx, session, stx, err)
	}
	logger.Debug("proposal sent for signature")
	reply, err := session.SendAndReceive(ctx, KindProposal, stx)
	if err != nil {
		return nil, c.reject(ctx, session, stx, domain.Wrap(domain.CodeProtocolAbort, "send proposal", err))
	}

	switch reply.Kind {
	case KindSignature:
	case KindDecline:
		de := declined(reply)
		if de.Code != domain.CodeRuleViolation {
			de = domain.Wrap(domain.CodeProtocolAbort, "counterparty declined", de)
		}
		return nil, c.reject(ctx, session, stx, de)
	default:
		return nil, c.reject(ctx, session, stx, domain.New(domain.CodeProtocolAbort, "unexpected "+reply.Kind.String()+" reply to proposal"))
	}

	var sig domain.Signature
	if err := reply.Decode(&sig); err != nil {
		return nil, c.reject(ctx, session, stx, domain.Wrap(domain.CodeProtocolAbort, "counter signature", err))
	}
	if !sig.By.Equal(counterparty) {
		return nil, c.reject(ctx, session, stx, domain.New(domain.CodeProtocolAbort, "counter signature is not by the counterparty"))
	}

	signed := stx.Clone()
	signed.AddSignature(sig)
	if err := c.advance(ctx, session, StepCollectedCounterSignature, signed); err != nil {
		return nil, c.reject(ctx, session, stx, err)
	}
	if err := signed.VerifySignatures(); err != nil {
		return nil, c.reject(ctx, session, stx, domain.Wrap(domain.CodeProtocolAbort, "signature coverage incomplete", err))
	}
	if err := c.advance(ctx, session, StepCollected, signed); err != nil {
		return nil, c.reject(ctx, session, stx, err)
	}
	logger.Debug("counter signature collected")
	return signed, nil
}

func (c *SignatureCollector) advance(ctx context.Context, session Session, step Step, stx *domain.SignedTransaction) error {
	c.step = step
	txID, _ := stx.ID()
	err := c.checkpoints.Save(ctx, Checkpoint{
		Session:      session.ID(),
		Role:         RoleInitiator,
		Step:         step,
		Counterparty: session.Counterparty(),
		TxID:         txID,
		Tx:           stx,
		UpdatedAt:    c.now(),
	})
	if err != nil {
		return domain.Wrap(domain.CodeProtocolAbort, "save checkpoint", err)
	}
	return nil
}

// reject moves to Rejected, drops the checkpoint and returns cause as a
// domain error.
func (c *SignatureCollector) reject(ctx context.Context, session Session, stx *domain.SignedTransaction, cause error) error {
	c.step = StepRejected
	if err := c.checkpoints.Delete(ctx, session.ID()); err != nil {
		c.logger.Warn("drop checkpoint failed", "session", session.ID(), "error", err)
	}
	var de *domain.Error
	if !errors.As(cause, &de) {
		de = domain.Wrap(domain.CodeProtocolAbort, "signature collection", cause)
	}
	txID, _ := stx.ID()
	c.logger.Warn("signature collection rejected", "session", session.ID(), "tx_id", txID, "code", de.Code, "error", de)
	return de
}
