package adapter

import (
	"sort"
	"strings"

	"github.com/kilnlabs/kiln/pkg/types"
)

// Built-in safety profiles. Ceilings are conservative stock-hardware
// limits; exotic hotends need an explicit profile, not a raised default.
var profiles = map[string]*types.SafetyProfile{
	"generic": {
		ID:            "generic",
		Name:          "Generic FDM",
		MaxHotendTemp: 300,
		MaxBedTemp:    130,
		MaxFeedrate:   9000,
		BuildVolume:   types.BuildVolume{X: 220, Y: 220, Z: 250},
	},
	"prusa_mk3": {
		ID:            "prusa_mk3",
		Name:          "Prusa i3 MK3/MK3S",
		MaxHotendTemp: 300,
		MaxBedTemp:    120,
		MaxFeedrate:   12000,
		BuildVolume:   types.BuildVolume{X: 250, Y: 210, Z: 210},
	},
	"prusa_mk4": {
		ID:            "prusa_mk4",
		Name:          "Prusa MK4/MK4S",
		MaxHotendTemp: 300,
		MaxBedTemp:    120,
		MaxFeedrate:   14000,
		BuildVolume:   types.BuildVolume{X: 250, Y: 210, Z: 220},
	},
	"prusa_mini": {
		ID:            "prusa_mini",
		Name:          "Prusa MINI/MINI+",
		MaxHotendTemp: 280,
		MaxBedTemp:    100,
		MaxFeedrate:   12000,
		BuildVolume:   types.BuildVolume{X: 180, Y: 180, Z: 180},
	},
	"ender3": {
		ID:            "ender3",
		Name:          "Creality Ender 3",
		MaxHotendTemp: 260,
		MaxBedTemp:    110,
		MaxFeedrate:   9000,
		BuildVolume:   types.BuildVolume{X: 220, Y: 220, Z: 250},
	},
	"voron": {
		ID:            "voron",
		Name:          "Voron 2.4",
		MaxHotendTemp: 300,
		MaxBedTemp:    110,
		MaxFeedrate:   18000,
		BuildVolume:   types.BuildVolume{X: 350, Y: 350, Z: 340},
	},
	"bambu_x1": {
		ID:            "bambu_x1",
		Name:          "Bambu Lab X1 Carbon",
		MaxHotendTemp: 300,
		MaxBedTemp:    110,
		MaxFeedrate:   30000,
		BuildVolume:   types.BuildVolume{X: 256, Y: 256, Z: 256},
	},
	"bambu_p1": {
		ID:            "bambu_p1",
		Name:          "Bambu Lab P1P/P1S",
		MaxHotendTemp: 300,
		MaxBedTemp:    100,
		MaxFeedrate:   30000,
		BuildVolume:   types.BuildVolume{X: 256, Y: 256, Z: 256},
	},
	"bambu_a1": {
		ID:            "bambu_a1",
		Name:          "Bambu Lab A1/A1 mini",
		MaxHotendTemp: 300,
		MaxBedTemp:    100,
		MaxFeedrate:   30000,
		BuildVolume:   types.BuildVolume{X: 256, Y: 256, Z: 256},
	},
}

// Model-string fragments mapped onto profile IDs. Checked in order so
// more specific fragments win (mini before mk3, x1 before p1).
var profileAliases = []struct {
	fragment string
	id       string
}{
	{"mini", "prusa_mini"},
	{"mk4", "prusa_mk4"},
	{"mk3", "prusa_mk3"},
	{"mk2", "prusa_mk3"},
	{"x1", "bambu_x1"},
	{"p1", "bambu_p1"},
	{"a1", "bambu_a1"},
	{"voron", "voron"},
	{"ender", "ender3"},
}

// ProfileFor resolves a model identifier to a safety profile. Exact IDs
// match first, then known model fragments; anything unrecognised falls
// back to the generic profile. The result is a copy the caller owns.
func ProfileFor(model string) *types.SafetyProfile {
	key := strings.ToLower(strings.TrimSpace(model))
	key = strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(key)
	if p, ok := profiles[key]; ok {
		c := *p
		return &c
	}
	for _, alias := range profileAliases {
		if strings.Contains(key, alias.fragment) {
			c := *profiles[alias.id]
			return &c
		}
	}
	c := *profiles["generic"]
	return &c
}

// ProfileIDs returns the known profile identifiers in stable order.
func ProfileIDs() []string {
	ids := make([]string, 0, len(profiles))
	for id := range profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
