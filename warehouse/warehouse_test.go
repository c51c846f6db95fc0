package warehouse

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/warehouse-billing/billing"
	"github.com/warp/warehouse-billing/billing/store"
	"github.com/warp/warehouse-billing/factory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func at(month time.Month, day, hour, minute int) time.Time {
	return time.Date(2025, month, day, hour, minute, 0, 0, time.UTC)
}

type site struct {
	t      *testing.T
	ctx    context.Context
	store  *store.TxMemory
	engine *billing.Engine
	seq    int
}

// newSite saves contract c and a billing document for March 1-11.
func newSite(t *testing.T, c billing.Contract) *site {
	t.Helper()
	ctx := context.Background()
	s := store.NewTxMemory()
	require.NoError(t, s.SaveContract(ctx, c))
	require.NoError(t, s.SaveBilling(ctx, billing.PeriodicBilling{
		ID: "pb-march", Customer: c.Customer, Contract: c.ID,
		DateFrom: billing.Date(2025, time.March, 1), DateTo: billing.Date(2025, time.March, 11),
	}))
	return &site{
		t: t, ctx: ctx, store: s,
		engine: billing.NewEngine(s, billing.EngineOptions{Settings: billing.StaticConfig(Settings())}),
	}
}

func (s *site) record(e billing.StockLedgerEntry) {
	s.t.Helper()
	s.seq++
	e.SourceEventID = "wms-" + strconv.Itoa(s.seq)
	e.Customer = "acme"
	if e.Item == "" {
		e.Item = "sku-1"
	}
	if e.Location == "" {
		e.Location = "A-01"
	}
	require.NoError(s.t, s.store.AppendEntries(s.ctx, []billing.StockLedgerEntry{e}))
}

func (s *site) compute() *billing.RunResult {
	s.t.Helper()
	res, err := s.engine.ComputeCharges(s.ctx, "pb-march", true)
	require.NoError(s.t, err)
	require.Equal(s.t, billing.RunCommitted, res.Status)
	return res
}

func amounts(charges []billing.ComputedCharge) map[billing.LineID]string {
	out := make(map[billing.LineID]string, len(charges))
	for _, c := range charges {
		out[c.Line] = c.Amount.StringFixed(2)
	}
	return out
}

func lineStatus(res *billing.RunResult, id billing.LineID) billing.LineStatus {
	for _, l := range res.Lines {
		if l.Line == id {
			return l.Status
		}
	}
	return ""
}

// =============================================================================
// PRESET CONTRACTS
// =============================================================================

func TestStandardContract_FullMonthMix(t *testing.T) {
	// GIVEN: a standard contract and one pallet in for five days, with a
	// 70 minute labelling job in between
	s := newSite(t, StandardContract("ct-std", "acme", "EUR", billing.Date(2025, time.January, 1), StandardRates{
		StoragePerM3Day:   dec("0.45"),
		InboundPerPallet:  dec("3.50"),
		OutboundPerPallet: dec("3.80"),
		VASPerHour:        dec("38"),
	}))
	s.record(billing.StockLedgerEntry{HandlingUnit: "p-1", HandlingUnitType: HUPallet, StorageType: StorageAmbient,
		Quantity: dec("12"), UOM: billing.UOMCubicMeter, Purpose: billing.PurposeInbound, Timestamp: at(time.March, 1, 0, 0)})
	s.record(billing.StockLedgerEntry{Quantity: decimal.Zero, UOM: billing.UOMCubicMeter, Purpose: billing.PurposeVAS,
		JobRef: "label-7", Timestamp: at(time.March, 3, 9, 0)})
	s.record(billing.StockLedgerEntry{Quantity: decimal.Zero, UOM: billing.UOMCubicMeter, Purpose: billing.PurposeVAS,
		JobRef: "label-7", Timestamp: at(time.March, 3, 10, 10)})
	s.record(billing.StockLedgerEntry{HandlingUnit: "p-1", HandlingUnitType: HUPallet, StorageType: StorageAmbient,
		Quantity: dec("-12"), UOM: billing.UOMCubicMeter, Purpose: billing.PurposeOutbound, Timestamp: at(time.March, 6, 0, 0)})

	// WHEN
	res := s.compute()

	// THEN: 60 m3-days of storage, one pallet each way, 1.25 h of VAS
	assert.Equal(t, map[billing.LineID]string{
		"storage":  "27.00",
		"inbound":  "3.50",
		"outbound": "3.80",
		"vas":      "47.50",
	}, amounts(res.Charges))
}

func TestColdChainContract_RoutesByStorageType(t *testing.T) {
	// GIVEN: ambient stock received in pallets and chilled stock in m3
	s := newSite(t, ColdChainContract("ct-cold", "acme", "EUR", billing.Date(2025, time.January, 1), ColdChainRates{
		Ambient: dec("1.00"),
		Chilled: dec("1.50"),
		Frozen:  dec("2.00"),
	}))
	s.record(billing.StockLedgerEntry{Item: "dry", StorageType: StorageAmbient, Quantity: dec("5"), UOM: UOMPallet,
		Purpose: billing.PurposeInbound, Timestamp: at(time.March, 2, 8, 0)})
	s.record(billing.StockLedgerEntry{Item: "yoghurt", Location: "C-01", StorageType: StorageChilled, Quantity: dec("10"),
		UOM: billing.UOMCubicMeter, Purpose: billing.PurposeInbound, Timestamp: at(time.March, 2, 9, 0)})

	// WHEN
	res := s.compute()

	// THEN: 5 pallets are 6 m3 at the ambient rate; nothing was frozen
	assert.Equal(t, map[billing.LineID]string{
		"storage-ambient": "6.00",
		"storage-chilled": "15.00",
	}, amounts(res.Charges))
	assert.Equal(t, billing.LineNotApplicable, lineStatus(res, "storage-frozen"))
}

func TestContainerYardContract(t *testing.T) {
	// GIVEN: two containers and one pallet arrive
	s := newSite(t, ContainerYardContract("ct-yard", "acme", "EUR", billing.Date(2025, time.January, 1), dec("45"), dec("1.10")))
	s.record(billing.StockLedgerEntry{HandlingUnit: "c-1", HandlingUnitType: HUContainer, Quantity: dec("30"),
		UOM: billing.UOMCubicMeter, Purpose: billing.PurposeInbound, Timestamp: at(time.March, 2, 7, 0)})
	s.record(billing.StockLedgerEntry{HandlingUnit: "c-2", HandlingUnitType: HUReefer, Location: "A-02", Quantity: dec("25"),
		UOM: billing.UOMCubicMeter, Purpose: billing.PurposeInbound, Timestamp: at(time.March, 3, 7, 0)})
	s.record(billing.StockLedgerEntry{HandlingUnit: "p-9", HandlingUnitType: HUPallet, Location: "A-03", Quantity: dec("1"),
		UOM: billing.UOMCubicMeter, Purpose: billing.PurposeInbound, Timestamp: at(time.March, 3, 8, 0)})

	// WHEN
	res := s.compute()

	// THEN: only containers count at the gate; the yard bills 56 m3 at period end
	assert.Equal(t, map[billing.LineID]string{
		"gate-in": "90.00",
		"yard":    "61.60",
	}, amounts(res.Charges))
}

func TestReservedSpaceJSON_KeepsFebruaryPeak(t *testing.T) {
	// GIVEN: the reserved space preset loaded from JSON, and a 50 m3 peak
	// in February that has since shrunk
	c, err := factory.NewContractFactory().ParseContract(ReservedSpaceJSON("ct-res", "acme", "EUR", "2025-01-01", "2"))
	require.NoError(t, err)
	s := newSite(t, *c)
	s.record(billing.StockLedgerEntry{Quantity: dec("50"), UOM: billing.UOMCubicMeter, Purpose: billing.PurposeInbound,
		Timestamp: at(time.February, 10, 8, 0)})
	s.record(billing.StockLedgerEntry{Quantity: dec("-30"), UOM: billing.UOMCubicMeter, Purpose: billing.PurposeOutbound,
		Timestamp: at(time.February, 20, 8, 0)})
	s.record(billing.StockLedgerEntry{Quantity: dec("10"), UOM: billing.UOMCubicMeter, Purpose: billing.PurposeInbound,
		Timestamp: at(time.March, 5, 8, 0)})

	// WHEN
	res := s.compute()

	// THEN: March is billed on the contract's high water mark
	require.Len(t, res.Charges, 1)
	assert.Equal(t, "50", res.Charges[0].BillableQuantity.String())
	assert.Equal(t, "100.00", res.Charges[0].Amount.StringFixed(2))
}

func TestStandardContractJSON_MatchesGoPreset(t *testing.T) {
	fromJSON, err := factory.NewContractFactory().ParseContract(
		StandardContractJSON("ct-std", "acme", "EUR", "2025-01-01", "0.45", "3.50", "3.80", "38"))
	require.NoError(t, err)

	preset := StandardContract("ct-std", "acme", "EUR", billing.Date(2025, time.January, 1), StandardRates{
		StoragePerM3Day:   dec("0.45"),
		InboundPerPallet:  dec("3.50"),
		OutboundPerPallet: dec("3.80"),
		VASPerHour:        dec("38"),
	})

	require.Len(t, fromJSON.Lines, len(preset.Lines))
	for i := range preset.Lines {
		got, want := fromJSON.Lines[i], preset.Lines[i]
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.BillingMethod, got.BillingMethod)
		assert.True(t, want.Rate.Equal(got.Rate), "line %s rate", want.ID)
		assert.Equal(t, want.HandlingUnitType, got.HandlingUnitType)
	}
	assert.Equal(t, preset.BillingCycle, fromJSON.BillingCycle)
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func TestStandardConversions(t *testing.T) {
	conv := billing.NewConverter(StandardConversions())

	tests := []struct {
		from, to billing.UOM
		qty      string
		want     string
	}{
		{UOMPallet, billing.UOMCubicMeter, "5", "6"},
		{billing.UOMCubicMeter, UOMPallet, "6", "5"},
		{UOMLitre, billing.UOMCubicMeter, "2500", "2.5"},
		{UOMTonne, billing.UOMKilogram, "1.2", "1200"},
	}
	for _, tt := range tests {
		got, err := conv.ConvertOne("any", tt.from, tt.to, dec(tt.qty))
		require.NoError(t, err)
		assert.True(t, dec(tt.want).Equal(got), "%s %s -> %s: got %s", tt.qty, tt.from, tt.to, got)
	}

	_, err := conv.ConvertOne("any", UOMPallet, billing.UOMKilogram, dec("1"))
	assert.ErrorIs(t, err, billing.ErrConfiguration)
}

func TestSettings_ItemSpecificOverride(t *testing.T) {
	cfg := Settings(billing.Conversion{Item: "tall", From: UOMPallet, To: billing.UOMCubicMeter, Factor: billing.NewRational(9, 5)})
	conv := billing.NewConverter(cfg.Conversions)

	got, err := conv.ConvertOne("tall", UOMPallet, billing.UOMCubicMeter, dec("5"))
	require.NoError(t, err)
	assert.Equal(t, "9", got.String())

	got, err = conv.ConvertOne("flat", UOMPallet, billing.UOMCubicMeter, dec("5"))
	require.NoError(t, err)
	assert.Equal(t, "6", got.String())
	assert.Contains(t, cfg.ContainerTypes, HUReefer)
}
