package contract

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"solarsystem/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func party(t *testing.T, name string) domain.Party {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return domain.Party{Name: domain.MustParseName(name), OwningKey: domain.PublicKey(pub)}
}

type fixture struct {
	earth, mars, europa, comet, notary domain.Party
}

func newFixture(t *testing.T) fixture {
	return fixture{
		earth:  party(t, "O=Earth, L=Solar System, C=GB"),
		mars:   party(t, "OU=Planet, O=Mars, L=Solar System, C=GB"),
		europa: party(t, "OU=Moon, O=Europa, L=Solar System, C=GB"),
		comet:  party(t, "O=Halley, L=Solar System, C=GB"),
		notary: party(t, "O=Notary, L=Solar System, C=GB"),
	}
}

func launchTx(f fixture, state domain.ProbeState) *domain.WireTransaction {
	return &domain.WireTransaction{
		Notary:  f.notary,
		Outputs: []domain.ProbeState{state},
		Commands: []domain.Command{{
			Kind:    domain.CommandLaunch,
			Signers: []domain.PublicKey{state.Launcher.OwningKey, state.Target.OwningKey},
		}},
	}
}

func TestVerify(t *testing.T) {
	f := newFixture(t)

	testCases := []struct {
		name   string
		tx     func() *domain.WireTransaction
		reason string
	}{
		{
			name: "Planetary probe to a planet",
			tx: func() *domain.WireTransaction {
				return launchTx(f, domain.NewProbeState("Hey Mars", true, f.earth, f.mars))
			},
		},
		{
			name: "Non planetary probe to a moon",
			tx: func() *domain.WireTransaction {
				return launchTx(f, domain.NewProbeState("Hey Europa", false, f.earth, f.europa))
			},
		},
		{
			name: "Planetary probe to a moon",
			tx: func() *domain.WireTransaction {
				return launchTx(f, domain.NewProbeState("Hey Europa", true, f.earth, f.europa))
			},
			reason: "Planetary Probes Must only visit planets",
		},
		{
			name: "Target without org unit",
			tx: func() *domain.WireTransaction {
				return launchTx(f, domain.NewProbeState("Hey Halley", false, f.earth, f.comet))
			},
			reason: "Solar System Objects Require an Org Unit in the x500 name",
		},
		{
			name: "Empty message",
			tx: func() *domain.WireTransaction {
				return launchTx(f, domain.NewProbeState("", false, f.earth, f.mars))
			},
			reason: "The message's value must be non-empty.",
		},
		{
			name: "Launcher is target",
			tx: func() *domain.WireTransaction {
				return launchTx(f, domain.NewProbeState("Hey me", false, f.mars, f.mars))
			},
			reason: "The launcher and the target cannot be the same entity.",
		},
		{
			name: "Consumes an input",
			tx: func() *domain.WireTransaction {
				tx := launchTx(f, domain.NewProbeState("Hey Mars", false, f.earth, f.mars))
				tx.Inputs = []domain.StateRef{{TxID: "bafk", Index: 0}}
				return tx
			},
			reason: "No inputs should be consumed when launching a Probe.",
		},
		{
			name: "Two outputs",
			tx: func() *domain.WireTransaction {
				tx := launchTx(f, domain.NewProbeState("Hey Mars", false, f.earth, f.mars))
				tx.Outputs = append(tx.Outputs, domain.NewProbeState("Hey again", false, f.earth, f.mars))
				return tx
			},
			reason: "Only one output state should be created.",
		},
		{
			name: "Target is not a signer",
			tx: func() *domain.WireTransaction {
				tx := launchTx(f, domain.NewProbeState("Hey Mars", false, f.earth, f.mars))
				tx.Commands[0].Signers = []domain.PublicKey{f.earth.OwningKey}
				return tx
			},
			reason: "All of the participants must be signers.",
		},
		{
			name: "Extra signer",
			tx: func() *domain.WireTransaction {
				tx := launchTx(f, domain.NewProbeState("Hey Mars", false, f.earth, f.mars))
				tx.Commands[0].Signers = append(tx.Commands[0].Signers, f.europa.OwningKey)
				return tx
			},
			reason: "Only the participants may be signers.",
		},
		{
			name: "No command",
			tx: func() *domain.WireTransaction {
				tx := launchTx(f, domain.NewProbeState("Hey Mars", false, f.earth, f.mars))
				tx.Commands = nil
				return tx
			},
			reason: "Required a single command.",
		},
		{
			name: "Unknown command",
			tx: func() *domain.WireTransaction {
				tx := launchTx(f, domain.NewProbeState("Hey Mars", false, f.earth, f.mars))
				tx.Commands[0].Kind = domain.CommandKind(42)
				return tx
			},
			reason: "Unknown command CommandKind(42).",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.tx())
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, domain.ErrRuleViolation)
			assert.Equal(t, tt.reason, err.Error())
		})
	}
}

func TestVerifySameEntityRejectedRegardlessOfEvaluator(t *testing.T) {
	f := newFixture(t)
	tx := launchTx(f, domain.NewProbeState("Hey me", false, f.mars, f.mars))

	// Each participant verifies its own decoded copy of the proposal.
	launcherCopy, responderCopy := *tx, *tx
	errLauncher := Verify(&launcherCopy)
	errResponder := Verify(&responderCopy)

	require.Error(t, errLauncher)
	assert.Equal(t, errLauncher, errResponder)
}

func TestVerifyPlanetaryGateIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	for _, ou := range []string{"planet", "PLANET", "Planet", "pLaNeT"} {
		target := f.mars
		target.Name.OrganisationUnit = ou
		assert.NoError(t, Verify(launchTx(f, domain.NewProbeState("Hey", true, f.earth, target))), ou)
	}
	for _, ou := range []string{"Moon", "planets", "dwarf planet"} {
		target := f.mars
		target.Name.OrganisationUnit = ou
		assert.ErrorIs(t, Verify(launchTx(f, domain.NewProbeState("Hey", true, f.earth, target))), domain.ErrRuleViolation, ou)
		assert.NoError(t, Verify(launchTx(f, domain.NewProbeState("Hey", false, f.earth, target))), ou)
	}
}

func TestProbeOnly(t *testing.T) {
	f := newFixture(t)
	stx := &domain.SignedTransaction{Tx: *launchTx(f, domain.NewProbeState("Hey Mars", true, f.earth, f.mars))}
	assert.NoError(t, ProbeOnly(stx))
	assert.NoError(t, All(ProbeOnly)(stx))

	stx.Tx.Outputs = nil
	err := All(ProbeOnly)(stx)
	require.ErrorIs(t, err, domain.ErrRuleViolation)
	assert.Equal(t, "This must be a Probe transaction.", err.Error())
}
