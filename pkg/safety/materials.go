package safety

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kilnlabs/kiln/pkg/types"
)

// MaterialSpec describes one filament family's printing envelope.
// Temperatures are Celsius.
type MaterialSpec struct {
	Type      string  `json:"type"`
	HotendMin float64 `json:"hotend_min"`
	HotendMax float64 `json:"hotend_max"`
	BedMin    float64 `json:"bed_min"`
	BedMax    float64 `json:"bed_max"`
	Enclosure bool    `json:"enclosure"` // warps in open air
	Notes     string  `json:"notes,omitempty"`
}

// materialDB is the built-in filament knowledge base keyed by
// canonical type name.
var materialDB = map[string]MaterialSpec{
	"PLA": {
		Type: "PLA", HotendMin: 190, HotendMax: 220, BedMin: 50, BedMax: 60,
		Notes: "easiest material; cooling fan at 100% after the first layer",
	},
	"PETG": {
		Type: "PETG", HotendMin: 220, HotendMax: 250, BedMin: 70, BedMax: 85,
		Notes: "sticks aggressively to PEI; slow retraction reduces stringing",
	},
	"ABS": {
		Type: "ABS", HotendMin: 230, HotendMax: 260, BedMin: 95, BedMax: 110,
		Enclosure: true,
		Notes:     "ventilate; drafts cause layer splitting",
	},
	"ASA": {
		Type: "ASA", HotendMin: 240, HotendMax: 265, BedMin: 90, BedMax: 110,
		Enclosure: true,
		Notes:     "UV stable alternative to ABS",
	},
	"TPU": {
		Type: "TPU", HotendMin: 210, HotendMax: 240, BedMin: 30, BedMax: 60,
		Notes: "flexible; print slowly with direct drive",
	},
	"NYLON": {
		Type: "NYLON", HotendMin: 240, HotendMax: 280, BedMin: 70, BedMax: 100,
		Enclosure: true,
		Notes:     "hygroscopic; dry before printing",
	},
	"PC": {
		Type: "PC", HotendMin: 260, HotendMax: 310, BedMin: 90, BedMax: 120,
		Enclosure: true,
		Notes:     "needs an all-metal hotend and a heated chamber for large parts",
	},
	"PVA": {
		Type: "PVA", HotendMin: 185, HotendMax: 215, BedMin: 45, BedMax: 60,
		Notes: "water-soluble support material",
	},
	"HIPS": {
		Type: "HIPS", HotendMin: 220, HotendMax: 250, BedMin: 90, BedMax: 110,
		Enclosure: true,
		Notes:     "limonene-soluble support for ABS",
	},
}

// materialAliases maps common trade spellings onto canonical types.
var materialAliases = map[string]string{
	"PLA+":          "PLA",
	"PLA PLUS":      "PLA",
	"PET-G":         "PETG",
	"PA":            "NYLON",
	"PA6":           "NYLON",
	"PA12":          "NYLON",
	"POLYCARBONATE": "PC",
	"FLEX":          "TPU",
	"TPE":           "TPU",
}

// MaterialFor looks up a filament type case-insensitively.
func MaterialFor(name string) (*MaterialSpec, bool) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if canonical, ok := materialAliases[key]; ok {
		key = canonical
	}
	spec, ok := materialDB[key]
	if !ok {
		return nil, false
	}
	return &spec, true
}

// Materials returns the known filament types, sorted.
func Materials() []string {
	names := make([]string, 0, len(materialDB))
	for name := range materialDB {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compatibility is the verdict of checking a material against a
// printer's safety profile.
type Compatibility struct {
	Material   string   `json:"material"`
	Compatible bool     `json:"compatible"`
	Reasons    []string `json:"reasons,omitempty"`  // blocking
	Warnings   []string `json:"warnings,omitempty"` // advisory
}

// CheckCompatibility reports whether a printer described by the profile
// can print the material at all. A printer is compatible when its
// temperature ceilings reach the material's minimum working range;
// enclosure needs are advisory because the profile cannot express them.
func CheckCompatibility(material string, profile *types.SafetyProfile) *Compatibility {
	result := &Compatibility{Material: strings.ToUpper(strings.TrimSpace(material))}

	spec, ok := MaterialFor(material)
	if !ok {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("unknown material %q; known types: %s", material, strings.Join(Materials(), ", ")))
		return result
	}
	result.Material = spec.Type

	if profile != nil && profile.MaxHotendTemp > 0 && spec.HotendMin > profile.MaxHotendTemp {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("%s needs at least %.0fC hotend, %s allows %.0fC",
				spec.Type, spec.HotendMin, profile.Name, profile.MaxHotendTemp))
	}
	if profile != nil && profile.MaxBedTemp > 0 && spec.BedMin > profile.MaxBedTemp {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("%s needs at least %.0fC bed, %s allows %.0fC",
				spec.Type, spec.BedMin, profile.Name, profile.MaxBedTemp))
	}
	if spec.Enclosure {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%s prints best in an enclosure", spec.Type))
	}

	result.Compatible = len(result.Reasons) == 0
	return result
}
