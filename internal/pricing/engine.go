package pricing

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Simplici0/cabinetry/internal/ratetable"
)

// line is the single shape every priced entry is normalised to, whether it
// came from the legacy linearMeter field or from the units array.
type line struct {
	label        string
	category     string
	meters       float64
	tier         string
	material     string
	finish       string
	hardware     string
	installation bool
}

// Estimate prices a job against a rate table. It returns an error only for
// structurally invalid requests; every other gap degrades to a default and a warning.
func Estimate(req JobRequest, table ratetable.RateTable) (Result, error) {
	projectType := normalize(req.ProjectType)
	cabinetType := normalize(req.CabinetType)
	if err := validate(projectType, cabinetType, req); err != nil {
		return Result{}, err
	}

	warnings := make([]string, 0)
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	if normalized, err := table.Normalize(); err == nil {
		table = normalized
	} else {
		warn("rate table used as given: %v", err)
	}
	table = table.WithOverrides(requestOverrides(req, warn))
	materials := optionTable{name: "material", builtin: builtinMaterials, override: table.MaterialMultipliers}
	finishes := optionTable{name: "finish", builtin: builtinFinishes, override: table.FinishMultipliers}
	hardware := optionTable{name: "hardware", builtin: builtinHardware, override: table.HardwareMultipliers}

	if scope := normalize(req.KitchenScope); scope != "" {
		if _, ok := kitchenScopes[scope]; !ok {
			warn("unknown kitchenScope %q ignored", req.KitchenScope)
		}
	}

	// Request-level options are checked once here so lines inheriting them do not repeat the warning.
	for _, opt := range []struct {
		table optionTable
		value *string
	}{
		{materials, &req.Material},
		{finishes, &req.Finish},
		{hardware, &req.Hardware},
	} {
		if v := normalize(*opt.value); v != "" && !opt.table.known(v) {
			warn("unknown %s %q ignored", opt.table.name, *opt.value)
			*opt.value = ""
		}
	}

	lines := normalizeLines(req, warn)

	units := make([]UnitBreakdown, 0, len(lines))
	subtotal := 0.0
	for _, l := range lines {
		for _, opt := range []struct {
			table optionTable
			value *string
		}{
			{materials, &l.material},
			{finishes, &l.finish},
			{hardware, &l.hardware},
		} {
			if *opt.value != "" && !opt.table.known(*opt.value) {
				warn("%s: unknown %s %q ignored", l.label, opt.table.name, *opt.value)
				*opt.value = ""
			}
		}

		baseRate, configured := resolveBaseRate(table, l.category, req.IncludeFees)
		if !configured {
			warn("%s: no rate configured for category %q, priced at the %s default", l.label, l.category, ratetable.CategoryBase)
		}

		ub := UnitBreakdown{
			Category:       l.category,
			Meters:         l.meters,
			BaseRate:       baseRate,
			TierFactor:     resolveTierFactor(table, l.tier, cabinetType),
			MaterialFactor: materials.factor(l.material),
			FinishFactor:   finishes.factor(l.finish),
			HardwareFactor: hardware.factor(l.hardware),
		}

		total := ub.BaseRate * ub.Meters * ub.TierFactor * ub.MaterialFactor * ub.FinishFactor * ub.HardwareFactor
		if req.Installation || l.installation {
			ub.InstallationAdd = ub.BaseRate * InstallationRate * ub.Meters
			total += ub.InstallationAdd
		}
		// Surcharge before downgrade; historical estimates depend on this order.
		if req.ApplyImportSurcharge {
			total *= ImportSurcharge
		}
		if req.DowngradeToMFC {
			total *= MFCDowngradeFactor
		}
		ub.LineTotal = total
		if !withinAmountRange(total) {
			return Result{}, &InvalidRequestError{Field: "units", Reason: fmt.Sprintf("%s prices beyond the representable amount", l.label)}
		}

		subtotal += total
		units = append(units, ub)
	}

	discountRate := 0.0
	switch {
	case req.Discount > 0 && req.Discount < 1:
		discountRate = req.Discount
	case req.Discount != 0:
		warn("discount %v outside (0,1) ignored", req.Discount)
	}
	discounted := subtotal * (1 - discountRate)

	taxRate := 0.0
	if req.ApplyTax {
		rate := table.TaxRate
		if req.TaxRate != nil {
			rate = *req.TaxRate
		}
		switch {
		case rate > 0 && !math.IsInf(rate, 0):
			taxRate = rate
		case rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0):
			warn("taxRate %v is not a non-negative number, tax not applied", rate)
		}
	}
	tax := discounted * taxRate
	if !withinAmountRange(subtotal) || !withinAmountRange(discounted+tax) {
		return Result{}, &InvalidRequestError{Field: "units", Reason: "job total beyond the representable amount"}
	}

	return Result{
		Total: roundHalfUp(discounted + tax),
		Breakdown: Breakdown{
			Units:        units,
			Subtotal:     roundHalfUp(subtotal),
			DiscountRate: discountRate,
			TaxRate:      taxRate,
			Tax:          roundHalfUp(tax),
		},
		Warnings: warnings,
	}, nil
}

func validate(projectType, cabinetType string, req JobRequest) error {
	if _, ok := projectTypes[projectType]; !ok {
		return &InvalidRequestError{Field: "projectType", Reason: fmt.Sprintf("must be one of kitchen, bathroom, bedroom, office (got %q)", req.ProjectType)}
	}
	if _, ok := cabinetTypes[cabinetType]; !ok {
		return &InvalidRequestError{Field: "cabinetType", Reason: fmt.Sprintf("must be one of basic, premium, luxury (got %q)", req.CabinetType)}
	}
	if validMeters(req.LinearMeter) {
		return nil
	}
	if slices.ContainsFunc(req.Units, func(u Unit) bool { return validMeters(u.Meters) }) {
		return nil
	}
	return &InvalidRequestError{Field: "units", Reason: "must contain a positive linearMeter or at least one unit with meters > 0"}
}

func validMeters(m float64) bool {
	return m > 0 && !math.IsInf(m, 0)
}

// normalizeLines folds the legacy single-line shorthand and the units array
// into one list. The legacy line, when present, comes first.
func normalizeLines(req JobRequest, warn func(string, ...any)) []line {
	inherit := func(unitValue, requestValue string) string {
		if v := normalize(unitValue); v != "" {
			return v
		}
		return normalize(requestValue)
	}

	lines := make([]line, 0, len(req.Units)+1)
	if validMeters(req.LinearMeter) {
		category := normalize(req.CabinetCategory)
		if category == "" {
			category = ratetable.CategoryBase
		}
		lines = append(lines, line{
			label:    "request",
			category: category,
			meters:   req.LinearMeter,
			tier:     normalize(req.Tier),
			material: normalize(req.Material),
			finish:   normalize(req.Finish),
			hardware: normalize(req.Hardware),
		})
	}

	for i, u := range req.Units {
		label := fmt.Sprintf("units[%d]", i)
		if !validMeters(u.Meters) {
			warn("%s: meters must be > 0, unit skipped", label)
			continue
		}
		category := normalize(u.Category)
		if category == "" {
			category = normalize(req.CabinetCategory)
		}
		if category == "" {
			warn("%s: missing category, priced as %s", label, ratetable.CategoryBase)
			category = ratetable.CategoryBase
		}
		lines = append(lines, line{
			label:        label,
			category:     category,
			meters:       u.Meters,
			tier:         inherit(u.Tier, req.Tier),
			material:     inherit(u.Material, req.Material),
			finish:       inherit(u.Finish, req.Finish),
			hardware:     inherit(u.Hardware, req.Hardware),
			installation: u.Installation,
		})
	}
	return lines
}

// requestOverrides keeps the usable override entries of a request and warns
// about the rest. Keys are visited in order so warnings stay deterministic.
func requestOverrides(req JobRequest, warn func(string, ...any)) ratetable.Overrides {
	keep := func(section string, m map[string]float64) map[string]float64 {
		if len(m) == 0 {
			return nil
		}
		out := make(map[string]float64, len(m))
		for _, k := range sortedKeys(m) {
			if !ratetable.IsRate(m[k]) {
				warn("override %s.%s ignored: must be a non-negative finite number", section, k)
				continue
			}
			out[normalize(k)] = m[k]
		}
		return out
	}

	var sheets map[string]ratetable.SheetRate
	if len(req.SheetRates) > 0 {
		sheets = make(map[string]ratetable.SheetRate, len(req.SheetRates))
		for _, k := range sortedKeys(req.SheetRates) {
			s := req.SheetRates[k]
			if !ratetable.IsRate(s.WithFees) || !ratetable.IsRate(s.WithoutFees) {
				warn("override sheetRates.%s ignored: must be non-negative finite numbers", k)
				continue
			}
			sheets[normalize(k)] = s
		}
	}

	return ratetable.Overrides{
		BaseRates:              keep("baseRates", req.BaseRates),
		TierMultipliers:        keep("tierMultipliers", req.TierMultipliers),
		SheetRates:             sheets,
		CabinetTypeMultipliers: keep("cabinetTypeMultipliers", req.CabinetTypeMultipliers),
	}
}

// resolveBaseRate walks sheet rate, then flat base rate, then the built-in
// default. The second return is false when only the base default applied to
// a category nobody configured.
func resolveBaseRate(table ratetable.RateTable, category string, includeFees bool) (float64, bool) {
	if s, ok := table.SheetRates[category]; ok {
		if rate := s.Select(includeFees); positive(rate) {
			return rate, true
		}
	}
	if rate, ok := table.BaseRates[category]; ok && positive(rate) {
		return rate, true
	}
	return ratetable.DefaultCategoryRate(category)
}

func resolveTierFactor(table ratetable.RateTable, tier, cabinetType string) float64 {
	if tier != "" {
		if f, ok := table.TierMultipliers[tier]; ok && positive(f) {
			return f
		}
	}
	if f, ok := table.CabinetTypeMultipliers[cabinetType]; ok && positive(f) {
		return f
	}
	switch cabinetType {
	case CabinetPremium:
		return defaultPremiumTier
	case CabinetBasic:
		return defaultBasicTier
	}
	return neutralFactor
}

// withinAmountRange bounds money to the integers a float64 represents exactly.
func withinAmountRange(v float64) bool {
	return !math.IsNaN(v) && math.Abs(v) <= maxAmount
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

func roundHalfUp(v float64) int64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	}
	return decimal.NewFromFloat(v).Round(0).IntPart()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
