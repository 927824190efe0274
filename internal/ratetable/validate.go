package ratetable

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalid is returned when a table breaks the non-negative finite invariant.
var ErrInvalid = errors.New("invalid rate table")

//go:embed schema.json
var schemaJSON string

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// Validate checks that every numeric field is finite and non-negative and that
// the document matches the rate table schema.
func (t RateTable) Validate() error {
	// NaN and Inf cannot be encoded to JSON, so they are caught before the schema runs.
	if bad := nonFinite(t); len(bad) > 0 {
		return fmt.Errorf("%w: non-finite values at %s", ErrInvalid, strings.Join(bad, ", "))
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(t))
	if err != nil {
		return fmt.Errorf("validate rate table: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			msgs[i] = desc.String()
		}
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
	}
	return nil
}

func nonFinite(t RateTable) []string {
	var bad []string
	check := func(section string, m map[string]float64) {
		for k, v := range m {
			if !finite(v) {
				bad = append(bad, section+"."+k)
			}
		}
	}
	check("baseRates", t.BaseRates)
	check("tierMultipliers", t.TierMultipliers)
	check("cabinetTypeMultipliers", t.CabinetTypeMultipliers)
	check("materialMultipliers", t.MaterialMultipliers)
	check("finishMultipliers", t.FinishMultipliers)
	check("hardwareMultipliers", t.HardwareMultipliers)
	for k, v := range t.SheetRates {
		if !finite(v.WithFees) {
			bad = append(bad, "sheetRates."+k+".withFees")
		}
		if !finite(v.WithoutFees) {
			bad = append(bad, "sheetRates."+k+".withoutFees")
		}
	}
	if !finite(t.TaxRate) {
		bad = append(bad, "taxRate")
	}
	sort.Strings(bad)
	return bad
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// IsRate reports whether v is usable as a rate or multiplier.
func IsRate(v float64) bool {
	return v >= 0 && finite(v)
}
