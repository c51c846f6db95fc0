package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// METHOD - Closed set of billing methods
// =============================================================================

// Method is a compiled contract line. Each variant carries only the
// parameters its aggregation reads. The set is closed: only this package
// can add variants, and Aggregate handles every one of them.
type Method interface {
	Kind() BillingMethod
	Unit() UOM
	isMethod()
}

// DailyStorage bills quantity-days of stored stock (PerDay).
// Calc picks the level that is multiplied by the day count; Daily sums
// end-of-day balances directly.
type DailyStorage struct {
	Calc VolumeCalc
	UOM  UOM
}

// StorageLevel bills a level of stored stock (PerVolume, PerWeight or
// PerPiece applied to storage).
type StorageLevel struct {
	Billing BillingMethod
	Calc    VolumeCalc
	UOM     UOM
}

// Movement bills the absolute quantity moved by qualifying jobs.
type Movement struct {
	Billing   BillingMethod
	AppliesTo AppliesTo
	UOM       UOM
}

// DistinctUnits counts handling units touched in the period
// (PerHandlingUnit, or PerContainer when Types is set).
type DistinctUnits struct {
	Billing   BillingMethod
	AppliesTo AppliesTo
	Types     []string
}

// ElapsedHours bills first-to-last event time per job, rounded up to
// Increment hours.
type ElapsedHours struct {
	AppliesTo AppliesTo
	Increment decimal.Decimal
}

// HighWaterMark bills the maximum balance ever reached, within Scope.
type HighWaterMark struct {
	Scope WatermarkScope
	UOM   UOM
}

func (DailyStorage) Kind() BillingMethod    { return MethodPerDay }
func (m StorageLevel) Kind() BillingMethod  { return m.Billing }
func (m Movement) Kind() BillingMethod      { return m.Billing }
func (m DistinctUnits) Kind() BillingMethod { return m.Billing }
func (ElapsedHours) Kind() BillingMethod    { return MethodPerHour }
func (HighWaterMark) Kind() BillingMethod   { return MethodHighWaterMark }

func (m DailyStorage) Unit() UOM  { return m.UOM + "-" + UOMQuantityDay }
func (m StorageLevel) Unit() UOM  { return m.UOM }
func (m Movement) Unit() UOM      { return m.UOM }
func (DistinctUnits) Unit() UOM   { return UOMUnit }
func (ElapsedHours) Unit() UOM    { return UOMHour }
func (m HighWaterMark) Unit() UOM { return m.UOM }

func (DailyStorage) isMethod()  {}
func (StorageLevel) isMethod()  {}
func (Movement) isMethod()      {}
func (DistinctUnits) isMethod() {}
func (ElapsedHours) isMethod()  {}
func (HighWaterMark) isMethod() {}

// =============================================================================
// COMPILE - ContractLine -> Method
// =============================================================================

// Compile validates a stored line and returns its Method. Every invalid
// method/parameter combination is a ConfigurationError.
func Compile(contract ContractID, line ContractLine, cfg Config) (Method, error) {
	bad := func(format string, args ...any) error {
		return &ConfigurationError{Contract: contract, Line: line.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if line.Rate.IsNegative() {
		return nil, bad("rate %s is negative", line.Rate)
	}
	if line.MinCharge != nil && line.MinCharge.IsNegative() {
		return nil, bad("min_charge %s is negative", line.MinCharge)
	}
	if line.MaxCharge != nil && line.MaxCharge.IsNegative() {
		return nil, bad("max_charge %s is negative", line.MaxCharge)
	}
	if line.MinCharge != nil && line.MaxCharge != nil && line.MinCharge.GreaterThan(*line.MaxCharge) {
		return nil, bad("min_charge %s exceeds max_charge %s", line.MinCharge, line.MaxCharge)
	}
	if !validAppliesTo(line.AppliesTo) {
		return nil, bad("unknown applies_to %q", line.AppliesTo)
	}
	if line.BillingIncrement != nil && line.BillingMethod != MethodPerHour {
		return nil, bad("billing_increment is only valid for %s", MethodPerHour)
	}
	if line.WatermarkScope != "" && line.BillingMethod != MethodHighWaterMark {
		return nil, bad("watermark_scope is only valid for %s", MethodHighWaterMark)
	}

	calc := line.VolumeCalc
	if calc == "" {
		calc = CalcDaily
	}
	if !validCalc(calc) {
		return nil, bad("unknown volume_calc %q", line.VolumeCalc)
	}
	storage := line.AppliesTo == AppliesStorage
	if !storage && calc != CalcDaily {
		return nil, bad("volume_calc %s needs applies_to %s", calc, AppliesStorage)
	}

	uom := line.UOM
	if uom == "" {
		uom = cfg.DefaultUOMs[line.BillingMethod]
	}

	switch line.BillingMethod {
	case MethodPerDay:
		if !storage {
			return nil, bad("%s only applies to %s", MethodPerDay, AppliesStorage)
		}
		if uom == "" {
			return nil, bad("no uom and no default for %s", line.BillingMethod)
		}
		return DailyStorage{Calc: calc, UOM: uom}, nil

	case MethodPerVolume, MethodPerWeight, MethodPerPiece:
		if uom == "" {
			return nil, bad("no uom and no default for %s", line.BillingMethod)
		}
		if storage {
			return StorageLevel{Billing: line.BillingMethod, Calc: calc, UOM: uom}, nil
		}
		return Movement{Billing: line.BillingMethod, AppliesTo: line.AppliesTo, UOM: uom}, nil

	case MethodPerHandlingUnit:
		return DistinctUnits{Billing: line.BillingMethod, AppliesTo: line.AppliesTo}, nil

	case MethodPerContainer:
		if len(cfg.ContainerTypes) == 0 {
			return nil, bad("%s needs at least one configured container type", MethodPerContainer)
		}
		types := append([]string(nil), cfg.ContainerTypes...)
		return DistinctUnits{Billing: line.BillingMethod, AppliesTo: line.AppliesTo, Types: types}, nil

	case MethodPerHour:
		if storage {
			return nil, bad("%s needs a job based applies_to, not %s", MethodPerHour, AppliesStorage)
		}
		if line.UOM != "" && line.UOM != UOMHour {
			return nil, bad("%s is billed in %s, not %s", MethodPerHour, UOMHour, line.UOM)
		}
		inc := cfg.HourIncrement
		if line.BillingIncrement != nil {
			inc = *line.BillingIncrement
		}
		if !inc.IsPositive() {
			return nil, bad("billing increment %s must be positive", inc)
		}
		return ElapsedHours{AppliesTo: line.AppliesTo, Increment: inc}, nil

	case MethodHighWaterMark:
		if !storage {
			return nil, bad("%s only applies to %s", MethodHighWaterMark, AppliesStorage)
		}
		switch line.WatermarkScope {
		case ScopeCustomer, ScopeContract, ScopeLocation:
		case "":
			return nil, bad("%s requires an explicit watermark_scope", MethodHighWaterMark)
		default:
			return nil, bad("unknown watermark_scope %q", line.WatermarkScope)
		}
		if uom == "" {
			return nil, bad("no uom and no default for %s", line.BillingMethod)
		}
		return HighWaterMark{Scope: line.WatermarkScope, UOM: uom}, nil
	}

	return nil, bad("unknown billing method %q", line.BillingMethod)
}

func validAppliesTo(a AppliesTo) bool {
	switch a {
	case AppliesStorage, AppliesInbound, AppliesOutbound, AppliesTransfer, AppliesVAS, AppliesStocktake:
		return true
	}
	return false
}

func validCalc(c VolumeCalc) bool {
	switch c {
	case CalcDaily, CalcPeak, CalcAverage, CalcEnd:
		return true
	}
	return false
}

// qualifies reports whether an entry counts as activity for applies.
// Storage counts every movement. Transfers count their receiving leg only,
// so a move between locations is not billed twice.
func qualifies(e StockLedgerEntry, applies AppliesTo) bool {
	switch applies {
	case AppliesStorage:
		return true
	case AppliesInbound:
		return e.Purpose == PurposeInbound && e.Quantity.IsPositive()
	case AppliesOutbound:
		return e.Purpose == PurposeOutbound && e.Quantity.IsNegative()
	case AppliesTransfer:
		return e.Purpose == PurposeTransfer && e.Quantity.IsPositive()
	case AppliesVAS:
		return e.Purpose == PurposeVAS
	case AppliesStocktake:
		return e.Purpose == PurposeStocktake
	}
	return false
}
