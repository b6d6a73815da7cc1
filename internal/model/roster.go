package model

// RosterEntry describes one known participant in the static roster
// loaded at startup (see internal/roster). It is configuration, not
// runtime state: nothing in the core writes it back.
type RosterEntry struct {
	VehicleID   uint8  `yaml:"vehicle_id"`
	ProgramID   string `yaml:"program_id"`
	DisplayName string `yaml:"display_name"`
}
