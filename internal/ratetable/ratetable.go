// Package ratetable holds the pricing configuration unit consumed by the
// estimation engine and versioned by the configuration store.
package ratetable

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// Built-in reference rates per linear meter. default_ratetable.json carries the
// same values; the engine falls back to these when a table has a gap.
const (
	CategoryBase    = "base"
	CategoryHanging = "hanging"
	CategoryTall    = "tall"

	DefaultBaseRate    = 1200.0
	DefaultHangingRate = 950.0
	DefaultTallRate    = 1800.0
)

//go:embed default_ratetable.json
var defaultTableJSON []byte

// SheetRate is a per-category rate quoted exclusive or inclusive of fees.
type SheetRate struct {
	WithoutFees float64 `json:"withoutFees"`
	WithFees    float64 `json:"withFees"`
}

// Select returns the fee-inclusive or fee-exclusive side of the rate.
func (s SheetRate) Select(includeFees bool) float64 {
	if includeFees {
		return s.WithFees
	}
	return s.WithoutFees
}

// RateTable is one immutable pricing configuration.
type RateTable struct {
	BaseRates              map[string]float64   `json:"baseRates,omitempty"`
	SheetRates             map[string]SheetRate `json:"sheetRates,omitempty"`
	TierMultipliers        map[string]float64   `json:"tierMultipliers,omitempty"`
	CabinetTypeMultipliers map[string]float64   `json:"cabinetTypeMultipliers,omitempty"`
	MaterialMultipliers    map[string]float64   `json:"materialMultipliers,omitempty"`
	FinishMultipliers      map[string]float64   `json:"finishMultipliers,omitempty"`
	HardwareMultipliers    map[string]float64   `json:"hardwareMultipliers,omitempty"`
	TaxRate                float64              `json:"taxRate,omitempty"`
}

// Overrides are request-scoped replacements for individual table entries.
type Overrides struct {
	BaseRates              map[string]float64
	TierMultipliers        map[string]float64
	SheetRates             map[string]SheetRate
	CabinetTypeMultipliers map[string]float64
}

// Default returns the bundled default table.
func Default() RateTable {
	var t RateTable
	if err := json.Unmarshal(defaultTableJSON, &t); err != nil {
		panic(fmt.Sprintf("decode bundled default rate table: %v", err))
	}
	return t
}

// DefaultCategoryRate returns the hard-coded reference rate for a category and
// whether the category is one of the built-in ones.
func DefaultCategoryRate(category string) (float64, bool) {
	switch category {
	case CategoryBase:
		return DefaultBaseRate, true
	case CategoryHanging:
		return DefaultHangingRate, true
	case CategoryTall:
		return DefaultTallRate, true
	}
	return DefaultBaseRate, false
}

// Clone returns a deep copy so versions never share maps.
func (t RateTable) Clone() RateTable {
	return RateTable{
		BaseRates:              maps.Clone(t.BaseRates),
		SheetRates:             maps.Clone(t.SheetRates),
		TierMultipliers:        maps.Clone(t.TierMultipliers),
		CabinetTypeMultipliers: maps.Clone(t.CabinetTypeMultipliers),
		MaterialMultipliers:    maps.Clone(t.MaterialMultipliers),
		FinishMultipliers:      maps.Clone(t.FinishMultipliers),
		HardwareMultipliers:    maps.Clone(t.HardwareMultipliers),
		TaxRate:                t.TaxRate,
	}
}

// WithOverrides returns a copy of t with the override entries merged in key by key.
// Callers are expected to have dropped invalid override values already.
func (t RateTable) WithOverrides(o Overrides) RateTable {
	out := t.Clone()
	out.BaseRates = mergeInto(out.BaseRates, o.BaseRates)
	out.TierMultipliers = mergeInto(out.TierMultipliers, o.TierMultipliers)
	out.CabinetTypeMultipliers = mergeInto(out.CabinetTypeMultipliers, o.CabinetTypeMultipliers)
	out.SheetRates = mergeInto(out.SheetRates, o.SheetRates)
	return out
}

func mergeInto[V any](dst, src map[string]V) map[string]V {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]V, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

// NormalizeKey is the form every map key is stored and looked up in.
func NormalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// Normalize returns a copy of t with every map key in NormalizeKey form. Two
// keys that collapse onto one with different values make the table invalid.
func (t RateTable) Normalize() (RateTable, error) {
	out := RateTable{TaxRate: t.TaxRate}
	var err error
	if out.BaseRates, err = normalizeKeys("baseRates", t.BaseRates); err != nil {
		return RateTable{}, err
	}
	if out.SheetRates, err = normalizeKeys("sheetRates", t.SheetRates); err != nil {
		return RateTable{}, err
	}
	if out.TierMultipliers, err = normalizeKeys("tierMultipliers", t.TierMultipliers); err != nil {
		return RateTable{}, err
	}
	if out.CabinetTypeMultipliers, err = normalizeKeys("cabinetTypeMultipliers", t.CabinetTypeMultipliers); err != nil {
		return RateTable{}, err
	}
	if out.MaterialMultipliers, err = normalizeKeys("materialMultipliers", t.MaterialMultipliers); err != nil {
		return RateTable{}, err
	}
	if out.FinishMultipliers, err = normalizeKeys("finishMultipliers", t.FinishMultipliers); err != nil {
		return RateTable{}, err
	}
	if out.HardwareMultipliers, err = normalizeKeys("hardwareMultipliers", t.HardwareMultipliers); err != nil {
		return RateTable{}, err
	}
	return out, nil
}

func normalizeKeys[V comparable](section string, m map[string]V) (map[string]V, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		nk := NormalizeKey(k)
		if prev, ok := out[nk]; ok && prev != v {
			return nil, fmt.Errorf("%w: %s has conflicting entries for %q", ErrInvalid, section, nk)
		}
		out[nk] = v
	}
	return out, nil
}

// Equal reports whether two tables carry the same entries.
func (t RateTable) Equal(other RateTable) bool {
	return maps.Equal(t.BaseRates, other.BaseRates) &&
		maps.Equal(t.SheetRates, other.SheetRates) &&
		maps.Equal(t.TierMultipliers, other.TierMultipliers) &&
		maps.Equal(t.CabinetTypeMultipliers, other.CabinetTypeMultipliers) &&
		maps.Equal(t.MaterialMultipliers, other.MaterialMultipliers) &&
		maps.Equal(t.FinishMultipliers, other.FinishMultipliers) &&
		maps.Equal(t.HardwareMultipliers, other.HardwareMultipliers) &&
		t.TaxRate == other.TaxRate
}
