/*
Package factory provides JSON to Go conversion for contracts, billing
documents and engine settings.

PURPOSE:
  Contracts are authored elsewhere and arrive as JSON (API requests,
  fixture files, operator imports). The factory validates the document
  shape and turns it into billing.Contract. Method-level rules (which
  parameters a billing method accepts) live in billing.Compile; the
  factory runs them once on the way in.

JSON SCHEMA:
  {
    "id": "ct-acme-2025",
    "customer": "acme",
    "valid_from": "2025-01-01",
    "valid_to": "2026-01-01",
    "currency": "EUR",
    "billing_cycle": "monthly",
    "lines": [
      {
        "id": "l-storage",
        "charge_item": "storage",
        "billing_method": "per_day",
        "uom": "m3",
        "rate": "0.45",
        "volume_calc": "average",
        "applies_to": "storage",
        "storage_type": "ambient",
        "min_charge": "25.00"
      }
    ]
  }

  Decimals may be JSON strings or numbers. Strings are preferred: they
  survive any JSON tooling without float rounding.

USAGE:
  f := factory.NewContractFactory()
  contract, err := f.ParseContract(jsonString)
  err = store.SaveContract(ctx, *contract)

SEE ALSO:
  - billing/method.go: Per-method parameter rules
  - warehouse/presets.go: Go-built standard contracts
  - factory/settings.go: Engine settings JSON
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/warehouse-billing/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ContractJSON is the JSON representation of a contract.
type ContractJSON struct {
	ID               string     `json:"id" validate:"required"`
	Customer         string     `json:"customer" validate:"required"`
	ValidFrom        string     `json:"valid_from" validate:"required,datetime=2006-01-02"`
	ValidTo          string     `json:"valid_to,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Currency         string     `json:"currency" validate:"required,len=3,uppercase"`
	BillingCycle     string     `json:"billing_cycle,omitempty" validate:"omitempty,oneof=whole monthly weekly"`
	WatermarkResetAt string     `json:"watermark_reset_at,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Lines            []LineJSON `json:"lines" validate:"required,min=1,dive"`
}

// LineJSON represents one rate rule.
type LineJSON struct {
	ID               string           `json:"id" validate:"required"`
	ChargeItem       string           `json:"charge_item" validate:"required"`
	BillingMethod    string           `json:"billing_method" validate:"required,oneof=per_day per_volume per_weight per_piece per_container per_hour per_handling_unit high_water_mark"`
	UOM              string           `json:"uom,omitempty"`
	Rate             decimal.Decimal  `json:"rate"`
	Currency         string           `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	MinCharge        *decimal.Decimal `json:"min_charge,omitempty"`
	MaxCharge        *decimal.Decimal `json:"max_charge,omitempty"`
	VolumeCalc       string           `json:"volume_calc,omitempty" validate:"omitempty,oneof=daily peak average end"`
	AppliesTo        string           `json:"applies_to" validate:"required,oneof=storage inbound outbound transfer vas stocktake"`
	HandlingUnitType string           `json:"handling_unit_type,omitempty"`
	StorageType      string           `json:"storage_type,omitempty"`
	BillingIncrement *decimal.Decimal `json:"billing_increment,omitempty"`
	WatermarkScope   string           `json:"watermark_scope,omitempty" validate:"omitempty,oneof=customer contract location"`
}

// BillingJSON is the JSON representation of a periodic billing document.
type BillingJSON struct {
	ID       string `json:"id" validate:"required"`
	Customer string `json:"customer" validate:"required"`
	Contract string `json:"contract" validate:"required"`
	DateFrom string `json:"date_from" validate:"required,datetime=2006-01-02"`
	DateTo   string `json:"date_to" validate:"required,datetime=2006-01-02"`
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid document: " + strings.Join(e.Fields, "; ")
}

// Unwrap lets callers treat a malformed document as a configuration error.
func (e *ValidationError) Unwrap() error { return billing.ErrConfiguration }

// =============================================================================
// CONTRACT FACTORY
// =============================================================================

// ContractFactory converts JSON contracts and billing documents to Go structs.
type ContractFactory struct {
	validate *validator.Validate
}

func NewContractFactory() *ContractFactory {
	return &ContractFactory{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ParseContract parses a JSON string into a Contract.
func (f *ContractFactory) ParseContract(jsonStr string) (*billing.Contract, error) {
	var cj ContractJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return nil, fmt.Errorf("failed to parse contract JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// FromJSON validates cj and converts it to a Contract. Every line is
// compiled once so a contract that could never be billed is rejected on
// the way in rather than at run time.
func (f *ContractFactory) FromJSON(cj ContractJSON) (*billing.Contract, error) {
	if err := f.check(cj); err != nil {
		return nil, err
	}

	c := &billing.Contract{
		ID:           billing.ContractID(cj.ID),
		Customer:     billing.CustomerID(cj.Customer),
		Currency:     cj.Currency,
		BillingCycle: billing.BillingCycle(cj.BillingCycle),
	}
	c.ValidFrom, _ = billing.ParseDate(cj.ValidFrom)
	c.ValidTo = parseOptionalDate(cj.ValidTo)
	c.WatermarkResetAt = parseOptionalDate(cj.WatermarkResetAt)
	if c.ValidTo != nil && !c.ValidFrom.Before(*c.ValidTo) {
		return nil, &ValidationError{Fields: []string{"valid_to: must be after valid_from"}}
	}

	for _, lj := range cj.Lines {
		c.Lines = append(c.Lines, billing.ContractLine{
			ID:               billing.LineID(lj.ID),
			ChargeItem:       lj.ChargeItem,
			BillingMethod:    billing.BillingMethod(lj.BillingMethod),
			UOM:              billing.UOM(lj.UOM),
			Rate:             lj.Rate,
			Currency:         lj.Currency,
			MinCharge:        lj.MinCharge,
			MaxCharge:        lj.MaxCharge,
			VolumeCalc:       billing.VolumeCalc(lj.VolumeCalc),
			AppliesTo:        billing.AppliesTo(lj.AppliesTo),
			HandlingUnitType: lj.HandlingUnitType,
			StorageType:      lj.StorageType,
			BillingIncrement: lj.BillingIncrement,
			WatermarkScope:   billing.WatermarkScope(lj.WatermarkScope),
		})
	}

	if err := billing.ValidateContract(c); err != nil {
		return nil, err
	}
	cfg := billing.DefaultConfig()
	for _, l := range c.Lines {
		if _, err := billing.Compile(c.ID, l, cfg); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ToJSON converts a Contract to ContractJSON.
func (f *ContractFactory) ToJSON(c billing.Contract) ContractJSON {
	cj := ContractJSON{
		ID:               string(c.ID),
		Customer:         string(c.Customer),
		ValidFrom:        billing.FormatDate(c.ValidFrom),
		ValidTo:          formatOptionalDate(c.ValidTo),
		Currency:         c.Currency,
		BillingCycle:     string(c.BillingCycle),
		WatermarkResetAt: formatOptionalDate(c.WatermarkResetAt),
	}
	for _, l := range c.Lines {
		cj.Lines = append(cj.Lines, LineJSON{
			ID:               string(l.ID),
			ChargeItem:       l.ChargeItem,
			BillingMethod:    string(l.BillingMethod),
			UOM:              string(l.UOM),
			Rate:             l.Rate,
			Currency:         l.Currency,
			MinCharge:        l.MinCharge,
			MaxCharge:        l.MaxCharge,
			VolumeCalc:       string(l.VolumeCalc),
			AppliesTo:        string(l.AppliesTo),
			HandlingUnitType: l.HandlingUnitType,
			StorageType:      l.StorageType,
			BillingIncrement: l.BillingIncrement,
			WatermarkScope:   string(l.WatermarkScope),
		})
	}
	return cj
}

// =============================================================================
// BILLING DOCUMENTS
// =============================================================================

// ParseBilling parses a JSON string into a PeriodicBilling.
func (f *ContractFactory) ParseBilling(jsonStr string) (*billing.PeriodicBilling, error) {
	var bj BillingJSON
	if err := json.Unmarshal([]byte(jsonStr), &bj); err != nil {
		return nil, fmt.Errorf("failed to parse billing JSON: %w", err)
	}
	return f.BillingFromJSON(bj)
}

// BillingFromJSON validates bj and converts it to a PeriodicBilling.
func (f *ContractFactory) BillingFromJSON(bj BillingJSON) (*billing.PeriodicBilling, error) {
	if err := f.check(bj); err != nil {
		return nil, err
	}
	b := &billing.PeriodicBilling{
		ID:       billing.BillingID(bj.ID),
		Customer: billing.CustomerID(bj.Customer),
		Contract: billing.ContractID(bj.Contract),
	}
	b.DateFrom, _ = billing.ParseDate(bj.DateFrom)
	b.DateTo, _ = billing.ParseDate(bj.DateTo)
	if err := b.Period().Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (f *ContractFactory) BillingToJSON(b billing.PeriodicBilling) BillingJSON {
	return BillingJSON{
		ID:       string(b.ID),
		Customer: string(b.Customer),
		Contract: string(b.Contract),
		DateFrom: billing.FormatDate(b.DateFrom),
		DateTo:   billing.FormatDate(b.DateTo),
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// check runs struct validation and flattens the result.
func (f *ContractFactory) check(v any) error {
	err := f.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	return validationError(verrs)
}

func validationError(verrs validator.ValidationErrors) *ValidationError {
	ve := &ValidationError{}
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			ve.Fields = append(ve.Fields, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			ve.Fields = append(ve.Fields, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return ve
}

func parseOptionalDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := billing.ParseDate(s)
	if err != nil {
		return nil
	}
	return &t
}

func formatOptionalDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return billing.FormatDate(*t)
}
