package pricing

import (
	"errors"
	"fmt"

	"github.com/Simplici0/cabinetry/internal/ratetable"
)

// Project types accepted by the engine.
const (
	ProjectKitchen  = "kitchen"
	ProjectBathroom = "bathroom"
	ProjectBedroom  = "bedroom"
	ProjectOffice   = "office"
)

// Cabinet types accepted by the engine.
const (
	CabinetBasic   = "basic"
	CabinetPremium = "premium"
	CabinetLuxury  = "luxury"
)

// Fixed multipliers applied per priced line.
const (
	InstallationRate   = 0.3
	ImportSurcharge    = 1.10
	MFCDowngradeFactor = 0.90

	defaultPremiumTier = 0.9
	defaultBasicTier   = 0.8
	neutralFactor      = 1.0

	maxAmount = 1 << 53
)

// ErrInvalidRequest is matched by every structural validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// InvalidRequestError names the field that made a request unpriceable.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// Unit is one priced line item.
type Unit struct {
	Category     string  `json:"category"`
	Meters       float64 `json:"meters"`
	Tier         string  `json:"tier,omitempty"`
	Material     string  `json:"material,omitempty"`
	Finish       string  `json:"finish,omitempty"`
	Hardware     string  `json:"hardware,omitempty"`
	Installation bool    `json:"installation,omitempty"`
}

// JobRequest describes a cabinetry job. Either LinearMeter (legacy single
// line) or Units must carry a positive length; both may be present.
type JobRequest struct {
	ProjectType     string  `json:"projectType"`
	CabinetType     string  `json:"cabinetType"`
	LinearMeter     float64 `json:"linearMeter,omitempty"`
	Units           []Unit  `json:"units,omitempty"`
	KitchenScope    string  `json:"kitchenScope,omitempty"`
	CabinetCategory string  `json:"cabinetCategory,omitempty"`
	Tier            string  `json:"tier,omitempty"`
	Material        string  `json:"material,omitempty"`
	Finish          string  `json:"finish,omitempty"`
	Hardware        string  `json:"hardware,omitempty"`

	Installation         bool     `json:"installation,omitempty"`
	IncludeFees          bool     `json:"includeFees,omitempty"`
	ApplyImportSurcharge bool     `json:"applyImportSurcharge,omitempty"`
	DowngradeToMFC       bool     `json:"downgradeToMFC,omitempty"`
	Discount             float64  `json:"discount,omitempty"`
	ApplyTax             bool     `json:"applyTax,omitempty"`
	TaxRate              *float64 `json:"taxRate,omitempty"`

	BaseRates              map[string]float64             `json:"baseRates,omitempty"`
	TierMultipliers        map[string]float64             `json:"tierMultipliers,omitempty"`
	SheetRates             map[string]ratetable.SheetRate `json:"sheetRates,omitempty"`
	CabinetTypeMultipliers map[string]float64             `json:"cabinetTypeMultipliers,omitempty"`
}

// UnitBreakdown holds the unrounded figures behind one priced line.
type UnitBreakdown struct {
	Category        string  `json:"category"`
	Meters          float64 `json:"meters"`
	BaseRate        float64 `json:"baseRate"`
	TierFactor      float64 `json:"tierFactor"`
	MaterialFactor  float64 `json:"materialFactor"`
	FinishFactor    float64 `json:"finishFactor"`
	HardwareFactor  float64 `json:"hardwareFactor"`
	InstallationAdd float64 `json:"installationAdd"`
	LineTotal       float64 `json:"lineTotal"`
}

// Breakdown contains the per-line detail and the rounded roll-up values.
type Breakdown struct {
	Units        []UnitBreakdown `json:"units"`
	Subtotal     int64           `json:"subtotal"`
	DiscountRate float64         `json:"discountRate"`
	TaxRate      float64         `json:"taxRate"`
	Tax          int64           `json:"tax"`
}

// Result groups the priced total, its breakdown and any soft-validation warnings.
type Result struct {
	Total     int64     `json:"total"`
	Breakdown Breakdown `json:"breakdown"`
	Warnings  []string  `json:"warnings"`
}
