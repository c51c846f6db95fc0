/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract. Decimals are
  always rendered as strings so no client ever sees a float.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Contracts and billing documents:
    factory.ContractJSON, factory.BillingJSON (shared with the factory)

  Ledger:
    LedgerEntryDTO, AppendEntriesRequest, BalanceDTO

  Runs:
    RunResultDTO, RunDTO, LineResultDTO, ChargeDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry validator tags; handlers run them through the
  handler's validator before touching the store.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/contract.go: ContractJSON and BillingJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/warehouse-billing/billing"
)

// =============================================================================
// LEDGER
// =============================================================================

// LedgerEntryDTO is one stock movement as reported by the WMS.
type LedgerEntryDTO struct {
	Seq              int64           `json:"seq,omitempty"`
	SourceEventID    string          `json:"source_event_id" validate:"required"`
	Customer         string          `json:"customer" validate:"required"`
	Item             string          `json:"item" validate:"required"`
	HandlingUnit     string          `json:"handling_unit,omitempty"`
	HandlingUnitType string          `json:"handling_unit_type,omitempty"`
	Location         string          `json:"location,omitempty"`
	StorageType      string          `json:"storage_type,omitempty"`
	Quantity         decimal.Decimal `json:"quantity"`
	UOM              string          `json:"uom" validate:"required"`
	Purpose          string          `json:"purpose" validate:"required,oneof=inbound outbound transfer vas stocktake adjustment"`
	JobRef           string          `json:"job_ref,omitempty"`
	Timestamp        time.Time       `json:"timestamp" validate:"required"`
}

// AppendEntriesRequest ingests a batch of movements atomically.
type AppendEntriesRequest struct {
	Entries []LedgerEntryDTO `json:"entries" validate:"required,min=1,dive"`
}

// BalanceDTO is a customer's stock position at an instant.
type BalanceDTO struct {
	Customer  string             `json:"customer"`
	At        string             `json:"at"`
	Positions []BalancePosition  `json:"positions"`
	Total     *ConvertedTotalDTO `json:"total,omitempty"`
}

// BalancePosition is the balance of one item in one source unit.
type BalancePosition struct {
	Item     string `json:"item"`
	UOM      string `json:"uom"`
	Quantity string `json:"quantity"`
}

// ConvertedTotalDTO is every position converted to one unit.
type ConvertedTotalDTO struct {
	UOM      string `json:"uom"`
	Quantity string `json:"quantity"`
}

// =============================================================================
// RUNS & CHARGES
// =============================================================================

// ChargeDTO represents a computed charge in API responses.
type ChargeDTO struct {
	ID               string `json:"id"`
	Billing          string `json:"billing_id"`
	Line             string `json:"line_id"`
	ChargeItem       string `json:"charge_item"`
	Method           string `json:"billing_method"`
	BillableQuantity string `json:"billable_quantity"`
	UOM              string `json:"uom"`
	Rate             string `json:"rate"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	PeriodFrom       string `json:"period_from"`
	PeriodTo         string `json:"period_to"`
	GenerationID     string `json:"generation_id"`
	CreatedAt        string `json:"created_at"`
}

// LineResultDTO is the outcome of one contract line in one period.
type LineResultDTO struct {
	Line       string `json:"line_id"`
	ChargeItem string `json:"charge_item"`
	Method     string `json:"billing_method"`
	PeriodFrom string `json:"period_from"`
	PeriodTo   string `json:"period_to"`
	Status     string `json:"status"`
	Quantity   string `json:"quantity,omitempty"`
	UOM        string `json:"uom,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// RunDTO is the audit record of one billing run.
type RunDTO struct {
	GenerationID  string          `json:"generation_id"`
	Billing       string          `json:"billing_id"`
	Key           string          `json:"run_key"`
	Status        string          `json:"status"`
	ClearExisting bool            `json:"clear_existing"`
	Lines         []LineResultDTO `json:"lines"`
	Error         string          `json:"error,omitempty"`
	Permanent     bool            `json:"permanent,omitempty"`
	StartedAt     string          `json:"started_at"`
	CompletedAt   *string         `json:"completed_at,omitempty"`
}

// RunResultDTO is returned by the compute endpoint.
type RunResultDTO struct {
	RunDTO
	Reused  bool        `json:"reused"`
	Charges []ChargeDTO `json:"charges"`
}

// EnqueueResponse acknowledges a queued compute task.
type EnqueueResponse struct {
	TaskID  string `json:"task_id"`
	Queue   string `json:"queue"`
	Billing string `json:"billing_id"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	BillingID   string `json:"billing_id"`
}

// LoadScenarioRequest is the request to load a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func (d LedgerEntryDTO) toEntry() billing.StockLedgerEntry {
	return billing.StockLedgerEntry{
		SourceEventID:    d.SourceEventID,
		Customer:         billing.CustomerID(d.Customer),
		Item:             billing.ItemID(d.Item),
		HandlingUnit:     billing.HandlingUnitID(d.HandlingUnit),
		HandlingUnitType: d.HandlingUnitType,
		Location:         billing.LocationID(d.Location),
		StorageType:      d.StorageType,
		Quantity:         d.Quantity,
		UOM:              billing.UOM(d.UOM),
		Purpose:          billing.Purpose(d.Purpose),
		JobRef:           d.JobRef,
		Timestamp:        d.Timestamp.UTC(),
	}
}

// toChargeDTO renders Amount at the currency's minor-unit scale.
func toChargeDTO(c billing.ComputedCharge, cfg billing.Config) ChargeDTO {
	return ChargeDTO{
		ID:               c.ID,
		Billing:          string(c.Billing),
		Line:             string(c.Line),
		ChargeItem:       c.ChargeItem,
		Method:           string(c.Method),
		BillableQuantity: c.BillableQuantity.String(),
		UOM:              string(c.UOM),
		Rate:             c.Rate.String(),
		Amount:           c.Amount.StringFixed(cfg.ScaleFor(c.Currency)),
		Currency:         c.Currency,
		PeriodFrom:       billing.FormatDate(c.Period.From),
		PeriodTo:         billing.FormatDate(c.Period.To),
		GenerationID:     c.GenerationID,
		CreatedAt:        c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toChargeDTOs(charges []billing.ComputedCharge, cfg billing.Config) []ChargeDTO {
	dtos := make([]ChargeDTO, len(charges))
	for i, c := range charges {
		dtos[i] = toChargeDTO(c, cfg)
	}
	return dtos
}

func toRunDTO(r billing.Run) RunDTO {
	dto := RunDTO{
		GenerationID:  r.GenerationID,
		Billing:       string(r.Billing),
		Key:           r.Key,
		Status:        string(r.Status),
		ClearExisting: r.ClearExisting,
		Lines:         make([]LineResultDTO, len(r.Lines)),
		Error:         r.Error,
		Permanent:     r.Permanent,
		StartedAt:     r.StartedAt.UTC().Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		s := r.CompletedAt.UTC().Format(time.RFC3339)
		dto.CompletedAt = &s
	}
	for i, l := range r.Lines {
		ld := LineResultDTO{
			Line:       string(l.Line),
			ChargeItem: l.ChargeItem,
			Method:     string(l.Method),
			PeriodFrom: billing.FormatDate(l.Period.From),
			PeriodTo:   billing.FormatDate(l.Period.To),
			Status:     string(l.Status),
			UOM:        string(l.UOM),
			Reason:     l.Reason,
		}
		if l.Status == billing.LineCharged {
			ld.Quantity = l.Quantity.String()
			ld.Amount = fixed(l.Amount)
		}
		dto.Lines[i] = ld
	}
	return dto
}

func toRunResultDTO(res *billing.RunResult, cfg billing.Config) RunResultDTO {
	return RunResultDTO{
		RunDTO:  toRunDTO(res.Run),
		Reused:  res.Reused,
		Charges: toChargeDTOs(res.Charges, cfg),
	}
}

// fixed keeps the scale the engine rounded to, so 95.00 stays "95.00".
func fixed(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}
