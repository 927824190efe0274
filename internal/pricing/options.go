package pricing

import "github.com/Simplici0/cabinetry/internal/ratetable"

// Built-in option multipliers. A rate table may add options or override these.
var (
	builtinMaterials = map[string]float64{
		"mfc":        1.0,
		"mdf":        1.15,
		"plywood":    1.3,
		"solid_wood": 1.6,
	}
	builtinFinishes = map[string]float64{
		"melamine": 1.0,
		"laminate": 1.1,
		"acrylic":  1.25,
		"lacquer":  1.35,
		"veneer":   1.4,
	}
	builtinHardware = map[string]float64{
		"standard":   1.0,
		"soft_close": 1.1,
		"premium":    1.2,
	}
	kitchenScopes = map[string]struct{}{
		"full":       {},
		"lower_only": {},
		"upper_only": {},
		"island":     {},
	}
	projectTypes = map[string]struct{}{
		ProjectKitchen:  {},
		ProjectBathroom: {},
		ProjectBedroom:  {},
		ProjectOffice:   {},
	}
	cabinetTypes = map[string]struct{}{
		CabinetBasic:   {},
		CabinetPremium: {},
		CabinetLuxury:  {},
	}
)

func normalize(s string) string {
	return ratetable.NormalizeKey(s)
}

// optionTable resolves one family of multipliers (material, finish or hardware).
type optionTable struct {
	name     string
	builtin  map[string]float64
	override map[string]float64
}

func (o optionTable) known(value string) bool {
	if _, ok := o.override[value]; ok {
		return true
	}
	_, ok := o.builtin[value]
	return ok
}

func (o optionTable) factor(value string) float64 {
	if value == "" {
		return neutralFactor
	}
	if f, ok := o.override[value]; ok && positive(f) {
		return f
	}
	if f, ok := o.builtin[value]; ok {
		return f
	}
	return neutralFactor
}
