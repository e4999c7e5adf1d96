package contract

import (
	"solarsystem/domain"
)

// Check is a responder-side acceptance rule applied on top of Verify
// before a counterparty signs.
type Check func(stx *domain.SignedTransaction) error

// ProbeOnly accepts transactions that create exactly one probe through a
// Launch command. It adds no policy beyond Verify; responders that need
// target-side rules wrap or replace it.
func ProbeOnly(stx *domain.SignedTransaction) error {
	if len(stx.Tx.Outputs) != 1 || len(stx.Tx.Commands) != 1 || stx.Tx.Commands[0].Kind != domain.CommandLaunch {
		return violation("This must be a Probe transaction.")
	}
	return nil
}

// All runs checks in order and returns the first failure.
func All(checks ...Check) Check {
	return func(stx *domain.SignedTransaction) error {
		for _, c := range checks {
			if err := c(stx); err != nil {
				return err
			}
		}
		return nil
	}
}
