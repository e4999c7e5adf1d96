package flows

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"solarsystem/domain"
	"solarsystem/metrics"

	"go.opentelemetry.io/otel/attribute"
)

// LaunchParams are the inputs of a probe launch.
type LaunchParams struct {
	Message       string
	PlanetaryOnly bool
	Target        domain.Name
}

// ParseLaunchParams reads the "message", "planetaryOnly" and "target"
// parameters of a launch request. planetaryOnly is true only for the string
// "true" in any case.
func ParseLaunchParams(params map[string]string) (LaunchParams, error) {
	var p LaunchParams
	message, ok := params["message"]
	if !ok {
		return LaunchParams{}, domain.New(domain.CodeInput, `Parameter "message" missing.`)
	}
	planetaryOnly, ok := params["planetaryOnly"]
	if !ok {
		return LaunchParams{}, domain.New(domain.CodeInput, `Parameter "planetaryOnly" missing.`)
	}
	target, ok := params["target"]
	if !ok {
		return LaunchParams{}, domain.New(domain.CodeInput, `Parameter "target" missing.`)
	}
	name, err := domain.ParseName(target)
	if err != nil {
		return LaunchParams{}, domain.Wrap(domain.CodeInput, `Parameter "target" is not an X.500 name`, err)
	}
	p.Message = message
	p.PlanetaryOnly = strings.EqualFold(strings.TrimSpace(planetaryOnly), "true")
	p.Target = name
	return p, nil
}

// Digest summarises a finalized launch: the transaction id, its outputs and
// the keys that signed it, notary included.
type Digest struct {
	TxID       string                 `json:"txId"`
	Outputs    []domain.ProbeStateDTO `json:"outputStates"`
	Signatures []string               `json:"signatures"`
}

func digestOf(txID string, stx *domain.SignedTransaction) Digest {
	d := Digest{TxID: txID}
	for _, s := range stx.Tx.Outputs {
		d.Outputs = append(d.Outputs, s.DTO())
	}
	for _, sig := range stx.Sigs {
		d.Signatures = append(d.Signatures, sig.By.String())
	}
	return d
}

// Launcher runs a launch end to end on the initiating node.
type Launcher struct {
	self           domain.Party
	signer         Signer
	identities     IdentityService
	notaries       NotaryLookup
	messaging      Messaging
	finalizer      *Finalizer
	checkpoints    CheckpointStore
	metrics        *metrics.Flows
	logger         *slog.Logger
	sessionTimeout time.Duration
}

// LauncherConfig bundles the collaborators of a Launcher.
type LauncherConfig struct {
	Self           domain.Party
	Signer         Signer
	Identities     IdentityService
	Notaries       NotaryLookup
	Messaging      Messaging
	Notary         Notary
	Vault          Vault
	Checkpoints    CheckpointStore
	Metrics        *metrics.Flows
	Logger         *slog.Logger
	SessionTimeout time.Duration // bounds the whole exchange with the counterparty; zero means none
}

func NewLauncher(cfg LauncherConfig) *Launcher {
	checkpoints := cfg.Checkpoints
	if checkpoints == nil {
		checkpoints = NewMemoryCheckpoints()
	}
	return &Launcher{
		self:           cfg.Self,
		signer:         cfg.Signer,
		identities:     cfg.Identities,
		notaries:       cfg.Notaries,
		messaging:      cfg.Messaging,
		finalizer:      NewFinalizer(cfg.Notary, cfg.Vault, checkpoints, cfg.Metrics, cfg.Logger),
		checkpoints:    checkpoints,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		sessionTimeout: cfg.SessionTimeout,
	}
}

// LaunchProbe sends a probe to p.Target. On success both parties hold the
// same recorded probe. A RuleViolation or IdentityResolution failure happens
// before any message is sent.
func (l *Launcher) LaunchProbe(ctx context.Context, p LaunchParams) (Digest, error) {
	d, err := l.launch(ctx, p)
	if err != nil {
		l.metrics.Launch(string(domain.CodeOf(err)))
		return Digest{}, err
	}
	l.metrics.Launch("OK")
	return d, nil
}

func (l *Launcher) launch(ctx context.Context, p LaunchParams) (Digest, error) {
	ctx, span := tracer.Start(ctx, "flows.LaunchProbe")
	defer span.End()
	span.SetAttributes(attribute.String("target", p.Target.String()))

	target, found, err := l.identities.PartyFromName(ctx, p.Target)
	if err != nil {
		return Digest{}, domain.Wrap(domain.CodeIdentityResolution, "resolve "+p.Target.String(), err)
	}
	if !found {
		return Digest{}, domain.New(domain.CodeIdentityResolution, "No party found for X500 name "+p.Target.String())
	}
	notaries, err := l.notaries.NotaryIdentities(ctx)
	if err != nil {
		return Digest{}, domain.Wrap(domain.CodeIdentityResolution, "list notaries", err)
	}
	if len(notaries) == 0 {
		return Digest{}, domain.New(domain.CodeIdentityResolution, "no notary in the network map")
	}

	tx, err := Build(p.Message, p.PlanetaryOnly, l.self, target, notaries[0])
	if err != nil {
		l.logger.Warn("launch rejected by contract", "target", p.Target.String(), "error", err)
		return Digest{}, err
	}
	stx, err := sign(tx, l.signer)
	if err != nil {
		return Digest{}, err
	}
	txID, err := stx.ID()
	if err != nil {
		return Digest{}, domain.Wrap(domain.CodeInternal, "transaction id", err)
	}
	linearID := tx.Outputs[0].LinearID.String()
	logger := l.logger.With("tx_id", txID, "linear_id", linearID, "counterparty", target.Name.String())
	logger.Debug("proposal built")

	if l.sessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.sessionTimeout)
		defer cancel()
	}

	session, err := l.messaging.InitiateFlow(ctx, target)
	if err != nil {
		return Digest{}, domain.Wrap(domain.CodeProtocolAbort, "open session to "+target.Name.String(), err)
	}
	logger = logger.With("session", session.ID())

	signed, err := NewSignatureCollector(l.checkpoints, l.logger).Collect(ctx, stx, session)
	if err != nil {
		l.closeSession(session, err)
		return Digest{}, err
	}
	notarised, err := l.finalizer.Finalize(ctx, signed, []Session{session})
	if err != nil {
		if !domain.IsFinalized(err) {
			l.closeSession(session, err)
		}
		logger.Warn("launch failed", "code", domain.CodeOf(err), "error", err)
		return Digest{}, err
	}

	logger.Info("probe launched", "message", p.Message, "planetary_only", p.PlanetaryOnly)
	return digestOf(txID, notarised), nil
}

// closeSession tells the counterparty the launch is abandoned so it can drop
// its checkpoint. It runs on a fresh context since ctx may be the reason.
func (l *Launcher) closeSession(session Session, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Close(ctx, cause.Error()); err != nil {
		l.logger.Debug("close session failed", "session", session.ID(), "error", err)
	}
}
