/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with a contract, a
  March 2025 billing document and the stock movements behind it. Each
  scenario exercises a different set of billing methods.

AVAILABLE SCENARIOS:
  standard-mix:    Ambient storage per m3-day, pallet handling, VAS hours
  cold-chain:      Peak storage priced by storage type
  container-yard:  Container gate-in plus end-of-month yard occupancy
  reserved-space:  High water mark carried over from February

HOW SCENARIOS WORK:
 1. Build the contract from a warehouse preset
 2. Save the contract and billing document (upserts)
 3. Append the movements under scenario-scoped source event IDs

  Loading twice is harmless: the second append hits the duplicate source
  event check and nothing new is written.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "standard-mix"}

  POST /api/billings/pb-demo-standard-mix/compute

SEE ALSO:
  - warehouse/presets.go: Contract presets
  - handlers.go: Compute and charges endpoints
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/warehouse-billing/billing"
	"github.com/warp/warehouse-billing/warehouse"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "standard-mix",
		Name:        "Standard Mix",
		Description: "One pallet stored for five days, received and shipped, plus a 70 minute labelling job",
		BillingID:   "pb-demo-standard-mix",
	},
	{
		ID:          "cold-chain",
		Name:        "Cold Chain",
		Description: "Ambient and chilled stock priced on peak volume by storage type; frozen stays unused",
		BillingID:   "pb-demo-cold-chain",
	},
	{
		ID:          "container-yard",
		Name:        "Container Yard",
		Description: "Two containers gated in, yard billed on month-end volume",
		BillingID:   "pb-demo-container-yard",
	},
	{
		ID:          "reserved-space",
		Name:        "Reserved Space",
		Description: "A February peak keeps March billed at the contract's high water mark",
		BillingID:   "pb-demo-reserved-space",
	},
}

// scenario is everything one demo writes.
type scenario struct {
	contract billing.Contract
	billing  billing.PeriodicBilling
	entries  []billing.StockLedgerEntry
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{}, false
}

// ListScenarios returns all available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if dto, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, dto)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": nil})
}

// LoadScenario loads a demo scenario into the store.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	dto, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", req.ScenarioID)
		return
	}

	if err := h.loadScenario(r.Context(), buildScenario(dto)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = dto.ID
	h.mu.Unlock()
	h.Logger.Info().Str("scenario", dto.ID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) loadScenario(ctx context.Context, s scenario) error {
	if err := h.Store.SaveContract(ctx, s.contract); err != nil {
		return fmt.Errorf("save contract: %w", err)
	}
	if err := h.Store.SaveBilling(ctx, s.billing); err != nil {
		return fmt.Errorf("save billing document: %w", err)
	}
	err := h.Store.AppendEntries(ctx, s.entries)
	if errors.Is(err, billing.ErrDuplicateEvent) {
		return nil
	}
	return err
}

// =============================================================================
// SCENARIO BUILDERS
// =============================================================================

func buildScenario(dto ScenarioDTO) scenario {
	customer := billing.CustomerID("demo-" + dto.ID)
	contractID := billing.ContractID("ct-demo-" + dto.ID)
	from := billing.Date(2025, time.January, 1)

	var s scenario
	switch dto.ID {
	case "standard-mix":
		s.contract = warehouse.StandardContract(contractID, customer, "EUR", from, warehouse.StandardRates{
			StoragePerM3Day:   decimal.RequireFromString("0.45"),
			InboundPerPallet:  decimal.RequireFromString("3.50"),
			OutboundPerPallet: decimal.RequireFromString("3.80"),
			VASPerHour:        decimal.RequireFromString("38"),
		})
		s.entries = []billing.StockLedgerEntry{
			{HandlingUnit: "p-1", HandlingUnitType: warehouse.HUPallet, StorageType: warehouse.StorageAmbient,
				Quantity: decimal.NewFromInt(12), Purpose: billing.PurposeInbound, Timestamp: march(1, 0, 0)},
			{Purpose: billing.PurposeVAS, JobRef: "label-7", Timestamp: march(3, 9, 0)},
			{Purpose: billing.PurposeVAS, JobRef: "label-7", Timestamp: march(3, 10, 10)},
			{HandlingUnit: "p-1", HandlingUnitType: warehouse.HUPallet, StorageType: warehouse.StorageAmbient,
				Quantity: decimal.NewFromInt(-12), Purpose: billing.PurposeOutbound, Timestamp: march(6, 0, 0)},
		}

	case "cold-chain":
		s.contract = warehouse.ColdChainContract(contractID, customer, "EUR", from, warehouse.ColdChainRates{
			Ambient: decimal.RequireFromString("1.00"),
			Chilled: decimal.RequireFromString("1.50"),
			Frozen:  decimal.RequireFromString("2.00"),
		})
		s.entries = []billing.StockLedgerEntry{
			{Item: "dry", StorageType: warehouse.StorageAmbient, Quantity: decimal.NewFromInt(6),
				Purpose: billing.PurposeInbound, Timestamp: march(2, 8, 0)},
			{Item: "yoghurt", Location: "C-01", StorageType: warehouse.StorageChilled, Quantity: decimal.NewFromInt(10),
				Purpose: billing.PurposeInbound, Timestamp: march(2, 9, 0)},
		}

	case "container-yard":
		s.contract = warehouse.ContainerYardContract(contractID, customer, "EUR", from,
			decimal.RequireFromString("45"), decimal.RequireFromString("1.10"))
		s.entries = []billing.StockLedgerEntry{
			{HandlingUnit: "c-1", HandlingUnitType: warehouse.HUContainer, Quantity: decimal.NewFromInt(30),
				Purpose: billing.PurposeInbound, Timestamp: march(2, 7, 0)},
			{HandlingUnit: "c-2", HandlingUnitType: warehouse.HUContainer, Location: "Y-02", Quantity: decimal.NewFromInt(25),
				Purpose: billing.PurposeInbound, Timestamp: march(3, 7, 0)},
		}

	case "reserved-space":
		s.contract = warehouse.ReservedSpaceContract(contractID, customer, "EUR", from, decimal.NewFromInt(2), nil)
		s.entries = []billing.StockLedgerEntry{
			{Quantity: decimal.NewFromInt(50), Purpose: billing.PurposeInbound,
				Timestamp: time.Date(2025, time.February, 10, 8, 0, 0, 0, time.UTC)},
			{Quantity: decimal.NewFromInt(-30), Purpose: billing.PurposeOutbound,
				Timestamp: time.Date(2025, time.February, 20, 8, 0, 0, 0, time.UTC)},
			{Quantity: decimal.NewFromInt(10), Purpose: billing.PurposeInbound, Timestamp: march(5, 8, 0)},
		}
	}

	s.billing = billing.PeriodicBilling{
		ID:       billing.BillingID(dto.BillingID),
		Customer: customer,
		Contract: contractID,
		DateFrom: billing.Date(2025, time.March, 1),
		DateTo:   billing.Date(2025, time.April, 1),
	}
	for i := range s.entries {
		e := &s.entries[i]
		e.SourceEventID = fmt.Sprintf("demo-%s-%d", dto.ID, i+1)
		e.Customer = customer
		e.UOM = billing.UOMCubicMeter
		if e.Item == "" {
			e.Item = "sku-1"
		}
		if e.Location == "" {
			e.Location = "A-01"
		}
	}
	return s
}

func march(day, hour, minute int) time.Time {
	return time.Date(2025, time.March, day, hour, minute, 0, 0, time.UTC)
}
