// Package contract holds the rules every participant applies, independently,
// before signing or recording a probe transaction.
//
// Rules are dispatched on the command carried by the transaction. The set of
// commands is closed; adding a command means adding a case to rulesFor.
package contract

import (
	"slices"
	"strings"

	"solarsystem/domain"
)

// Verify checks tx against the rules of its single command. The first
// failing rule is reported as a RuleViolation.
func Verify(tx *domain.WireTransaction) error {
	if len(tx.Commands) != 1 {
		return violation("Required a single command.")
	}
	cmd := tx.Commands[0]
	rule := rulesFor(cmd.Kind)
	if rule == nil {
		return violation("Unknown command " + cmd.Kind.String() + ".")
	}
	return rule(tx, cmd)
}

type rule func(tx *domain.WireTransaction, cmd domain.Command) error

func rulesFor(kind domain.CommandKind) rule {
	switch kind {
	case domain.CommandLaunch:
		return verifyLaunch
	default:
		return nil
	}
}

func verifyLaunch(tx *domain.WireTransaction, cmd domain.Command) error {
	if len(tx.Inputs) != 0 {
		return violation("No inputs should be consumed when launching a Probe.")
	}
	if len(tx.Outputs) != 1 {
		return violation("Only one output state should be created.")
	}
	out := tx.Outputs[0]

	checks := []struct {
		ok     bool
		reason string
	}{
		{!out.Launcher.Equal(out.Target), "The launcher and the target cannot be the same entity."},
		{out.Message != "", "The message's value must be non-empty."},
		{strings.TrimSpace(out.Target.Name.OrganisationUnit) != "", "Solar System Objects Require an Org Unit in the x500 name"},
		{!out.PlanetaryOnly || strings.EqualFold(out.Target.Name.OrganisationUnit, "planet"), "Planetary Probes Must only visit planets"},
		{signersCover(cmd.Signers, out.Participants()), "All of the participants must be signers."},
		{onlyParticipants(cmd.Signers, out.Participants()), "Only the participants may be signers."},
	}
	for _, c := range checks {
		if !c.ok {
			return violation(c.reason)
		}
	}
	return nil
}

func signersCover(signers []domain.PublicKey, participants []domain.Party) bool {
	for _, p := range participants {
		if !slices.ContainsFunc(signers, p.OwningKey.Equal) {
			return false
		}
	}
	return true
}

func onlyParticipants(signers []domain.PublicKey, participants []domain.Party) bool {
	for _, k := range signers {
		if !slices.ContainsFunc(participants, func(p domain.Party) bool { return p.OwningKey.Equal(k) }) {
			return false
		}
	}
	return true
}

func violation(reason string) error {
	return domain.New(domain.CodeRuleViolation, reason)
}
