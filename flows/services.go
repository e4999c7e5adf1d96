// Package flows implements the probe launch protocol: building a launch
// proposal, collecting the counterparty's signature, notarising and
// recording it on both sides, and listing the probes a party has received.
//
// Every collaborator (identity, notaries, messaging, notary, vault,
// checkpoints) is passed in explicitly.
package flows

import (
	"context"

	"solarsystem/domain"
	"solarsystem/vault"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// IdentityService resolves X.500 names to parties.
type IdentityService interface {
	PartyFromName(ctx context.Context, name domain.Name) (domain.Party, bool, error)
}

// NotaryLookup lists the notaries of the network, in preference order.
type NotaryLookup interface {
	NotaryIdentities(ctx context.Context) ([]domain.Party, error)
}

// Signer signs transaction digests with this node's key.
type Signer interface {
	Public() domain.PublicKey
	Sign(digest []byte) domain.Signature
}

// Notary notarises a fully signed transaction and returns the notary's
// signature. Failures are domain errors coded NotaryConflict or
// NotaryRejection.
type Notary interface {
	Notarise(ctx context.Context, stx *domain.SignedTransaction) (domain.Signature, error)
}

// Vault records finalized probes and queries them back.
type Vault interface {
	Record(ctx context.Context, txID string, states ...domain.ProbeState) error
	Query(ctx context.Context, name string, params map[string]string) (*vault.Cursor, error)
	Resume(ctx context.Context, token string) (*vault.Cursor, error)
}

var tracer trace.Tracer = otel.Tracer("solarsystem/flows")
