// Package roster loads the static, read-only catalog of known lab
// participants. Unlike the teacher's live node registry, nothing here
// is ever written back: the roster is configuration, not runtime
// state.
package roster

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hlcsync/labtime/internal/model"
)

// Roster is an immutable, loaded-once catalog of participants.
type Roster struct {
	Entries []model.RosterEntry `yaml:"entries"`
}

// Load parses the YAML roster file at path.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}

	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	return &r, nil
}

// ByVehicleID returns the entry for id, or false if id is unknown.
func (r *Roster) ByVehicleID(id uint8) (model.RosterEntry, bool) {
	for _, e := range r.Entries {
		if e.VehicleID == id {
			return e, true
		}
	}
	return model.RosterEntry{}, false
}

// VehicleIDs returns every known vehicle id, in file order.
func (r *Roster) VehicleIDs() []uint8 {
	ids := make([]uint8, len(r.Entries))
	for i, e := range r.Entries {
		ids[i] = e.VehicleID
	}
	return ids
}
