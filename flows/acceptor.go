package flows

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"solarsystem/contract"
	"solarsystem/domain"
	"solarsystem/metrics"
)

// Acceptor is the responder side of a launch. Each session moves
// AwaitingProposal → Validating → Signed → Sent, or Declined, and after Sent
// waits for the finalized transaction and records it (Recorded). The step
// and accumulated data are checkpointed at every transition.
type Acceptor struct {
	signer      Signer
	vault       Vault
	checkpoints CheckpointStore
	check       contract.Check
	limiter     *AcceptorLimiter
	metrics     *metrics.Flows
	logger      *slog.Logger
	now         func() time.Time
	locks       sessionLocks
}

type AcceptorOption func(*Acceptor)

// WithCheck replaces the responder-side acceptance check, which by default
// only requires a probe transaction.
func WithCheck(check contract.Check) AcceptorOption {
	return func(a *Acceptor) { a.check = check }
}

// WithLimiter rate limits proposals per launcher.
func WithLimiter(l *AcceptorLimiter) AcceptorOption {
	return func(a *Acceptor) { a.limiter = l }
}

// WithAcceptorMetrics records terminal steps.
func WithAcceptorMetrics(m *metrics.Flows) AcceptorOption {
	return func(a *Acceptor) { a.metrics = m }
}

func NewAcceptor(signer Signer, v Vault, checkpoints CheckpointStore, logger *slog.Logger, opts ...AcceptorOption) *Acceptor {
	a := &Acceptor{
		signer:      signer,
		vault:       v,
		checkpoints: checkpoints,
		check:       contract.ProbeOnly,
		logger:      logger,
		now:         time.Now,
		locks:       sessionLocks{m: map[string]*sessionLock{}},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ Responder = (*Acceptor)(nil)

// Handle advances the session in.Session by one message.
func (a *Acceptor) Handle(ctx context.Context, in Inbound) (Message, error) {
	unlock := a.locks.lock(in.Session)
	defer unlock()

	cp, found, err := a.checkpoints.Load(ctx, in.Session)
	if err != nil {
		return Message{}, domain.Wrap(domain.CodeProtocolAbort, "load checkpoint", err)
	}
	if !found {
		cp = Checkpoint{
			Session:      in.Session,
			Role:         RoleResponder,
			Step:         StepAwaitingProposal,
			Counterparty: in.From,
		}
	} else if !cp.Counterparty.Equal(in.From) {
		return Message{}, domain.New(domain.CodeProtocolAbort, "session belongs to another party")
	}

	switch in.Message.Kind {
	case KindProposal:
		return a.onProposal(ctx, cp, in.Message)
	case KindFinalized:
		return a.onFinalized(ctx, cp, in.Message)
	case KindClose:
		if found {
			a.onClose(ctx, cp, in.Message)
		}
		return Message{}, nil
	default:
		return Message{}, domain.New(domain.CodeProtocolAbort, "unexpected "+in.Message.Kind.String()+" message")
	}
}

func (a *Acceptor) onProposal(ctx context.Context, cp Checkpoint, msg Message) (Message, error) {
	ctx, span := tracer.Start(ctx, "flows.AcceptProposal")
	defer span.End()

	if cp.Step != StepAwaitingProposal {
		return Message{}, domain.New(domain.CodeProtocolAbort, "proposal received in step "+string(cp.Step))
	}
	if !a.limiter.Allow(cp.Counterparty.OwningKey.String(), a.now()) {
		return Message{}, a.decline(ctx, cp, domain.New(domain.CodeProtocolAbort, "too many proposals from "+cp.Counterparty.Name.String()))
	}
	if err := a.advance(ctx, &cp, StepValidating); err != nil {
		return Message{}, a.decline(ctx, cp, err)
	}

	var stx domain.SignedTransaction
	if err := msg.Decode(&stx); err != nil {
		return Message{}, a.decline(ctx, cp, domain.Wrap(domain.CodeProtocolAbort, "proposal", err))
	}
	if err := a.validate(&stx, cp.Counterparty); err != nil {
		return Message{}, a.decline(ctx, cp, err)
	}

	txID, err := stx.ID()
	if err != nil {
		return Message{}, a.decline(ctx, cp, domain.Wrap(domain.CodeInternal, "transaction id", err))
	}
	digest, err := stx.Tx.Digest()
	if err != nil {
		return Message{}, a.decline(ctx, cp, domain.Wrap(domain.CodeInternal, "digest transaction", err))
	}
	sig := a.signer.Sign(digest)

	cp.TxID = txID
	cp.Tx = &stx
	if err := a.advance(ctx, &cp, StepSigned); err != nil {
		return Message{}, a.decline(ctx, cp, err)
	}
	reply, err := NewMessage(KindSignature, sig)
	if err != nil {
		return Message{}, a.decline(ctx, cp, err)
	}
	if err := a.advance(ctx, &cp, StepSent); err != nil {
		return Message{}, a.decline(ctx, cp, err)
	}
	a.metrics.Acceptance(string(StepSent))
	a.logger.Info("proposal signed", "session", cp.Session, "tx_id", txID, "counterparty", cp.Counterparty.Name.String())
	return reply, nil
}

// validate re-runs the contract on the proposal and checks that the probe
// is launched by the sender at us, signed by the sender, and that we are the
// only signer missing.
func (a *Acceptor) validate(stx *domain.SignedTransaction, from domain.Party) error {
	if err := contract.Verify(&stx.Tx); err != nil {
		return err
	}
	if err := a.check(stx); err != nil {
		return err
	}
	us := a.signer.Public()
	out := stx.Tx.Outputs[0]
	if !out.Target.OwningKey.Equal(us) {
		return domain.New(domain.CodeRuleViolation, "we are not the target of this probe")
	}
	if !out.Launcher.Equal(from) {
		return domain.New(domain.CodeProtocolAbort, "the session sender is not the launcher of this probe")
	}
	if !stx.SignedBy(from.OwningKey) {
		return domain.New(domain.CodeProtocolAbort, "proposal is not signed by the initiating party")
	}
	if err := stx.VerifySignatures(us); err != nil {
		return domain.Wrap(domain.CodeProtocolAbort, "proposal signatures", err)
	}
	return nil
}

func (a *Acceptor) onFinalized(ctx context.Context, cp Checkpoint, msg Message) (Message, error) {
	ctx, span := tracer.Start(ctx, "flows.ReceiveFinality")
	defer span.End()

	if cp.Step != StepSent {
		return Message{}, domain.New(domain.CodeProtocolAbort, "finalized transaction received in step "+string(cp.Step))
	}
	var stx domain.SignedTransaction
	if err := msg.Decode(&stx); err != nil {
		return Message{}, domain.Wrap(domain.CodeProtocolAbort, "finalized transaction", err)
	}
	txID, err := stx.ID()
	if err != nil {
		return Message{}, domain.Wrap(domain.CodeInternal, "transaction id", err)
	}
	if txID != cp.TxID {
		return Message{}, domain.New(domain.CodeProtocolAbort, "expected transaction "+cp.TxID+", received "+txID)
	}
	// Trust is anchored at the notary signature plus the signatures checked
	// when we signed; the contract is not run again.
	if !stx.SignedBy(stx.Tx.Notary.OwningKey) {
		return Message{}, domain.New(domain.CodeProtocolAbort, "finalized transaction is not notarised")
	}
	if err := stx.VerifySignatures(); err != nil {
		return Message{}, domain.Wrap(domain.CodeProtocolAbort, "finalized transaction signatures", err)
	}

	if err := a.vault.Record(ctx, txID, stx.Tx.Outputs...); err != nil {
		a.logger.Error("record finalized transaction failed", "session", cp.Session, "tx_id", txID, "error", err)
		return Message{}, domain.Wrap(domain.CodePersistenceFailure, "record finalized transaction", err)
	}

	cp.Step = StepRecorded
	if err := a.checkpoints.Delete(ctx, cp.Session); err != nil {
		a.logger.Warn("drop checkpoint failed", "session", cp.Session, "error", err)
	}
	a.metrics.Acceptance(string(StepRecorded))
	a.logger.Info("probe recorded", "session", cp.Session, "tx_id", txID, "linear_id", stx.Tx.Outputs[0].LinearID.String())
	return NewMessage(KindRecorded, txID)
}

func (a *Acceptor) onClose(ctx context.Context, cp Checkpoint, msg Message) {
	var reason string
	_ = msg.Decode(&reason)
	a.logger.Info("session closed by initiator", "session", cp.Session, "step", cp.Step, "reason", reason)
	_ = a.decline(ctx, cp, domain.New(domain.CodeProtocolAbort, reason))
}

// Expire drops non-terminal sessions not advanced for longer than maxAge.
// Nothing was recorded for them, so dropping the checkpoint is the whole
// abort.
func (a *Acceptor) Expire(ctx context.Context, maxAge time.Duration) (int, error) {
	cps, err := a.checkpoints.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := a.now().Add(-maxAge)
	expired := 0
	for _, cp := range cps {
		if cp.Step.Terminal() || !cp.UpdatedAt.Before(cutoff) {
			continue
		}
		unlock := a.locks.lock(cp.Session)
		err := a.checkpoints.Delete(ctx, cp.Session)
		unlock()
		if err != nil {
			return expired, err
		}
		expired++
		a.metrics.Acceptance("Expired")
		a.logger.Info("session expired", "session", cp.Session, "step", cp.Step)
	}
	return expired, nil
}

func (a *Acceptor) advance(ctx context.Context, cp *Checkpoint, step Step) error {
	cp.Step = step
	cp.UpdatedAt = a.now()
	if err := a.checkpoints.Save(ctx, *cp); err != nil {
		return domain.Wrap(domain.CodeProtocolAbort, "save checkpoint", err)
	}
	a.logger.Debug("responder step", "session", cp.Session, "step", step)
	return nil
}

// decline moves the session to Declined and drops its checkpoint. No
// signature has been sent and nothing is recorded.
func (a *Acceptor) decline(ctx context.Context, cp Checkpoint, cause error) error {
	if err := a.checkpoints.Delete(ctx, cp.Session); err != nil {
		a.logger.Warn("drop checkpoint failed", "session", cp.Session, "error", err)
	}
	var de *domain.Error
	if !errors.As(cause, &de) {
		de = domain.Wrap(domain.CodeProtocolAbort, "declined", cause)
	}
	a.metrics.Acceptance(string(StepDeclined))
	a.logger.Warn("proposal declined", "session", cp.Session, "from_step", cp.Step, "code", de.Code, "error", de)
	return de
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// sessionLocks serialises handling per session id.
type sessionLocks struct {
	mu sync.Mutex
	m  map[string]*sessionLock
}

func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	e, ok := l.m[id]
	if !ok {
		e = &sessionLock{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
