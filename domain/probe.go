package domain

import (
	"github.com/google/uuid"
)

// ProbeState records a probe sent by Launcher to Target. It is created once
// and recorded identically by both participants.
type ProbeState struct {
	Message       string    `cbor:"1,keyasint"` // the message delivered by the probe
	PlanetaryOnly bool      `cbor:"2,keyasint"` // the probe may only visit planets
	Launcher      Party     `cbor:"3,keyasint"` // the party launching the probe
	Target        Party     `cbor:"4,keyasint"` // the party visited by the probe
	LinearID      uuid.UUID `cbor:"5,keyasint"` // identifies the probe across its lifetime
}

// NewProbeState creates a probe with a freshly minted linear id.
func NewProbeState(message string, planetaryOnly bool, launcher, target Party) ProbeState {
	return ProbeState{
		Message:       message,
		PlanetaryOnly: planetaryOnly,
		Launcher:      launcher,
		Target:        target,
		LinearID:      uuid.New(),
	}
}

// Participants are the parties that sign for and record the probe.
func (s ProbeState) Participants() []Party {
	return []Party{s.Launcher, s.Target}
}

// DTO is the JSON representation of a probe.
func (s ProbeState) DTO() ProbeStateDTO {
	return ProbeStateDTO{
		Message:       s.Message,
		PlanetaryOnly: s.PlanetaryOnly,
		Launcher:      s.Launcher.Name.String(),
		Target:        s.Target.Name.String(),
		LinearID:      s.LinearID.String(),
	}
}

type ProbeStateDTO struct {
	Message       string `json:"message"`
	PlanetaryOnly bool   `json:"planetaryOnly"`
	Launcher      string `json:"launcher"`
	Target        string `json:"target"`
	LinearID      string `json:"linearId"`
}
