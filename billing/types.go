/*
Package billing provides the warehouse periodic billing engine.

PURPOSE:
  Turns a customer's stock movement history into storage, handling and
  value-added-service charges. A billing run replays the stock ledger for a
  billing period, measures a billable quantity per contract line, prices it,
  and commits the resulting charges atomically.

KEY CONCEPTS IN THIS FILE (types.go):
  - StockLedgerEntry: An immutable stock movement (the system of record)
  - Contract / ContractLine: Rate rules agreed with a customer
  - PeriodicBilling: The document that drives a billing run
  - ComputedCharge: The output row, regenerated on every run

DESIGN PRINCIPLES:
  1. Read-only ledger: the engine never writes stock movements
  2. Precision: decimal.Decimal for every quantity, rate and amount
  3. Closed methods: a ContractLine compiles into exactly one Method variant
  4. Regenerable output: charges are replaced, never accumulated

USAGE:
  engine := billing.NewEngine(store, billing.EngineOptions{Logger: log})
  res, err := engine.ComputeCharges(ctx, "pb-2025-03", true)

SEE ALSO:
  - method.go: Method variants compiled from contract lines
  - aggregate.go: Billable quantity per method
  - run.go: Billing run orchestration
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type ItemID string
type HandlingUnitID string
type LocationID string
type ContractID string
type LineID string
type BillingID string

// UOM is a unit of measure code, e.g. "kg", "m3", "pcs", "pallet".
type UOM string

const (
	UOMKilogram    UOM = "kg"
	UOMCubicMeter  UOM = "m3"
	UOMPiece       UOM = "pcs"
	UOMHour        UOM = "h"
	UOMUnit        UOM = "unit"
	UOMQuantityDay UOM = "day"
)

// =============================================================================
// STOCK LEDGER ENTRY - Immutable stock movement
// =============================================================================

// Purpose records which warehouse job produced a movement.
type Purpose string

const (
	PurposeInbound    Purpose = "inbound"
	PurposeOutbound   Purpose = "outbound"
	PurposeTransfer   Purpose = "transfer"
	PurposeVAS        Purpose = "vas"
	PurposeStocktake  Purpose = "stocktake"
	PurposeAdjustment Purpose = "adjustment"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposeInbound, PurposeOutbound, PurposeTransfer, PurposeVAS, PurposeStocktake, PurposeAdjustment:
		return true
	}
	return false
}

// StockLedgerEntry is a single signed stock movement.
// Positive quantity is stock coming in, negative is stock going out.
// Seq is assigned by the store on append and breaks timestamp ties.
type StockLedgerEntry struct {
	Seq              int64
	SourceEventID    string
	Customer         CustomerID
	Item             ItemID
	HandlingUnit     HandlingUnitID
	HandlingUnitType string
	Location         LocationID
	StorageType      string
	Quantity         decimal.Decimal
	UOM              UOM
	Purpose          Purpose
	JobRef           string
	Timestamp        time.Time
}

// Stream identifies an independently balanced stock position.
type Stream struct {
	Item         ItemID
	HandlingUnit HandlingUnitID
	Location     LocationID
}

func (e StockLedgerEntry) Stream() Stream {
	return Stream{Item: e.Item, HandlingUnit: e.HandlingUnit, Location: e.Location}
}

// Selector returns the entry's key for rate rule resolution.
func (e StockLedgerEntry) Selector() Selector {
	return Selector{HandlingUnitType: e.HandlingUnitType, StorageType: e.StorageType}
}

// entryBefore orders entries by timestamp, then insertion sequence.
func entryBefore(a, b StockLedgerEntry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Seq < b.Seq
}

// =============================================================================
// QUANTITIES - Balance kept per item and source UOM
// =============================================================================

// QuantityKey is the unit a raw ledger quantity is expressed in.
// Item is part of the key because some conversions are item specific.
type QuantityKey struct {
	Item ItemID
	UOM  UOM
}

// Quantities is a balance split by source unit. Conversion to a target
// unit happens once per read, not once per movement.
type Quantities map[QuantityKey]decimal.Decimal

func (q Quantities) Add(e StockLedgerEntry) {
	k := QuantityKey{Item: e.Item, UOM: e.UOM}
	q[k] = q[k].Add(e.Quantity)
}

func (q Quantities) Clone() Quantities {
	c := make(Quantities, len(q))
	for k, v := range q {
		c[k] = v
	}
	return c
}

// =============================================================================
// CONTRACT - Rate rules agreed with a customer
// =============================================================================

type BillingMethod string

const (
	MethodPerDay          BillingMethod = "per_day"
	MethodPerVolume       BillingMethod = "per_volume"
	MethodPerWeight       BillingMethod = "per_weight"
	MethodPerPiece        BillingMethod = "per_piece"
	MethodPerContainer    BillingMethod = "per_container"
	MethodPerHour         BillingMethod = "per_hour"
	MethodPerHandlingUnit BillingMethod = "per_handling_unit"
	MethodHighWaterMark   BillingMethod = "high_water_mark"
)

type VolumeCalc string

const (
	CalcDaily   VolumeCalc = "daily"
	CalcPeak    VolumeCalc = "peak"
	CalcAverage VolumeCalc = "average"
	CalcEnd     VolumeCalc = "end"
)

type AppliesTo string

const (
	AppliesStorage   AppliesTo = "storage"
	AppliesInbound   AppliesTo = "inbound"
	AppliesOutbound  AppliesTo = "outbound"
	AppliesTransfer  AppliesTo = "transfer"
	AppliesVAS       AppliesTo = "vas"
	AppliesStocktake AppliesTo = "stocktake"
)

// WatermarkScope selects whose history a high-water-mark line measures.
type WatermarkScope string

const (
	ScopeCustomer WatermarkScope = "customer"
	ScopeContract WatermarkScope = "contract"
	ScopeLocation WatermarkScope = "location"
)

type BillingCycle string

const (
	CycleWhole   BillingCycle = "whole"
	CycleMonthly BillingCycle = "monthly"
	CycleWeekly  BillingCycle = "weekly"
)

// Contract is immutable once submitted. Changes are made by a superseding
// contract, never by editing lines in place.
type Contract struct {
	ID               ContractID
	Customer         CustomerID
	ValidFrom        time.Time
	ValidTo          *time.Time // exclusive
	Currency         string
	BillingCycle     BillingCycle
	WatermarkResetAt *time.Time
	Lines            []ContractLine
}

// ContractLine is the stored form of a rate rule. Compile turns it into a
// Method, rejecting parameter combinations the method cannot use.
type ContractLine struct {
	ID            LineID
	ChargeItem    string
	BillingMethod BillingMethod
	UOM           UOM
	Rate          decimal.Decimal
	Currency      string
	MinCharge     *decimal.Decimal
	MaxCharge     *decimal.Decimal
	VolumeCalc    VolumeCalc
	AppliesTo     AppliesTo

	// Selectors. Empty matches anything.
	HandlingUnitType string
	StorageType      string

	// PerHour only, in hours.
	BillingIncrement *decimal.Decimal

	// HighWaterMark only.
	WatermarkScope WatermarkScope
}

func (l ContractLine) Selector() Selector {
	return Selector{HandlingUnitType: l.HandlingUnitType, StorageType: l.StorageType}
}

// LineByID returns the contract line with the given ID.
func (c *Contract) LineByID(id LineID) (ContractLine, bool) {
	for _, l := range c.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return ContractLine{}, false
}

// =============================================================================
// PERIODIC BILLING - Document that drives a run
// =============================================================================

type PeriodicBilling struct {
	ID       BillingID
	Customer CustomerID
	Contract ContractID
	DateFrom time.Time
	DateTo   time.Time // exclusive
}

func (b PeriodicBilling) Period() Period {
	return Period{From: b.DateFrom, To: b.DateTo}
}

// =============================================================================
// COMPUTED CHARGE - Output of a billing run
// =============================================================================

// ComputedCharge is unique per (Billing, Line, Period). A later run replaces
// it; it is never accumulated.
type ComputedCharge struct {
	ID               string
	Billing          BillingID
	Line             LineID
	ChargeItem       string
	Method           BillingMethod
	BillableQuantity decimal.Decimal
	UOM              UOM
	Rate             decimal.Decimal
	Amount           decimal.Decimal
	Currency         string
	Period           Period
	GenerationID     string
	CreatedAt        time.Time
}

// ChargeID is the stable identity of a charge key.
func ChargeID(billing BillingID, line LineID, p Period) string {
	return string(billing) + ":" + string(line) + ":" + p.From.Format(dateLayout) + ":" + p.To.Format(dateLayout)
}
