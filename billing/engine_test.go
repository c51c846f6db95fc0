package billing_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/warehouse-billing/billing"
	"github.com/warp/warehouse-billing/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]any{"want %s, got %s", want, got}, msgAndArgs...)...)
}

func at(day, hour int) time.Time {
	return time.Date(2025, time.March, day, hour, 0, 0, 0, time.UTC)
}

type fixture struct {
	ctx    context.Context
	store  *store.TxMemory
	engine *billing.Engine
	seq    int
}

func newFixture(t *testing.T, lines ...billing.ContractLine) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, billing.DefaultConfig(), lines...)
}

func newFixtureWithConfig(t *testing.T, cfg billing.Config, lines ...billing.ContractLine) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewTxMemory()

	require.NoError(t, s.SaveContract(ctx, billing.Contract{
		ID:        "ct-1",
		Customer:  "acme",
		ValidFrom: billing.Date(2025, time.January, 1),
		Currency:  "EUR",
		Lines:     lines,
	}))
	require.NoError(t, s.SaveBilling(ctx, billing.PeriodicBilling{
		ID:       "pb-1",
		Customer: "acme",
		Contract: "ct-1",
		DateFrom: billing.Date(2025, time.March, 1),
		DateTo:   billing.Date(2025, time.March, 11),
	}))

	return &fixture{
		ctx:    ctx,
		store:  s,
		engine: billing.NewEngine(s, billing.EngineOptions{Settings: billing.StaticConfig(cfg)}),
	}
}

func (f *fixture) move(t *testing.T, ts time.Time, qty string, uom billing.UOM, purpose billing.Purpose, mods ...func(*billing.StockLedgerEntry)) {
	t.Helper()
	f.seq++
	e := billing.StockLedgerEntry{
		SourceEventID: "ev-" + strconv.Itoa(f.seq),
		Customer:      "acme",
		Item:          "sku-1",
		Location:      "A-01",
		Quantity:      dec(qty),
		UOM:           uom,
		Purpose:       purpose,
		Timestamp:     ts,
	}
	for _, m := range mods {
		m(&e)
	}
	require.NoError(t, f.store.AppendEntries(f.ctx, []billing.StockLedgerEntry{e}))
}

func (f *fixture) compute(t *testing.T, clear bool) *billing.RunResult {
	t.Helper()
	res, err := f.engine.ComputeCharges(f.ctx, "pb-1", clear)
	require.NoError(t, err)
	return res
}

func withItem(item billing.ItemID) func(*billing.StockLedgerEntry) {
	return func(e *billing.StockLedgerEntry) { e.Item = item }
}

func withHU(id billing.HandlingUnitID, typ string) func(*billing.StockLedgerEntry) {
	return func(e *billing.StockLedgerEntry) { e.HandlingUnit, e.HandlingUnitType = id, typ }
}

func withStorageType(st string) func(*billing.StockLedgerEntry) {
	return func(e *billing.StockLedgerEntry) { e.StorageType = st }
}

func withJob(ref string) func(*billing.StockLedgerEntry) {
	return func(e *billing.StockLedgerEntry) { e.JobRef = ref }
}

func withLocation(loc billing.LocationID) func(*billing.StockLedgerEntry) {
	return func(e *billing.StockLedgerEntry) { e.Location = loc }
}

// stripGeneration clears the fields that differ between two runs.
func stripGeneration(cs []billing.ComputedCharge) []billing.ComputedCharge {
	out := make([]billing.ComputedCharge, len(cs))
	for i, c := range cs {
		c.GenerationID = ""
		c.CreatedAt = time.Time{}
		out[i] = c
	}
	return out
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarioA_PerWeightInbound(t *testing.T) {
	// GIVEN: PerWeight at 2.00/kg on inbound, one 100kg receipt on day 3
	f := newFixture(t, billing.ContractLine{
		ID: "l-in", ChargeItem: "inbound-handling", BillingMethod: billing.MethodPerWeight,
		UOM: billing.UOMKilogram, Rate: dec("2.00"), AppliesTo: billing.AppliesInbound,
	})
	f.move(t, at(3, 10), "100", billing.UOMKilogram, billing.PurposeInbound)

	// WHEN
	res := f.compute(t, true)

	// THEN: 100kg billed, 200.00
	require.Len(t, res.Charges, 1)
	c := res.Charges[0]
	assertDecimal(t, "100", c.BillableQuantity)
	assertDecimal(t, "200.00", c.Amount)
	assert.Equal(t, billing.UOMKilogram, c.UOM)
	assert.Equal(t, "EUR", c.Currency)
	assert.Equal(t, billing.RunCommitted, res.Status)
}

func TestScenarioB_PerDayAverage_MatchesDailySum(t *testing.T) {
	// GIVEN: 10m3 for 5 days, then 20m3 for 5 days
	for _, calc := range []billing.VolumeCalc{billing.CalcAverage, billing.CalcDaily} {
		t.Run(string(calc), func(t *testing.T) {
			f := newFixture(t, billing.ContractLine{
				ID: "l-store", ChargeItem: "storage", BillingMethod: billing.MethodPerDay,
				UOM: billing.UOMCubicMeter, Rate: dec("1.50"), VolumeCalc: calc, AppliesTo: billing.AppliesStorage,
			})
			f.move(t, at(1, 0), "10", billing.UOMCubicMeter, billing.PurposeInbound)
			f.move(t, at(6, 0), "10", billing.UOMCubicMeter, billing.PurposeInbound)

			res := f.compute(t, true)

			// THEN: average 15m3 over 10 days = 150 m3-days, 225.00
			require.Len(t, res.Charges, 1)
			assertDecimal(t, "150", res.Charges[0].BillableQuantity)
			assertDecimal(t, "225.00", res.Charges[0].Amount)
			assert.Equal(t, billing.UOM("m3-day"), res.Charges[0].UOM)
		})
	}
}

func TestScenarioC_MinChargeApplied(t *testing.T) {
	// GIVEN: 30 pieces out at 1.00 with a 50.00 minimum
	f := newFixture(t, billing.ContractLine{
		ID: "l-out", ChargeItem: "picking", BillingMethod: billing.MethodPerPiece,
		UOM: billing.UOMPiece, Rate: dec("1.00"), MinCharge: decPtr("50.00"), AppliesTo: billing.AppliesOutbound,
	})
	f.move(t, at(2, 9), "30", billing.UOMPiece, billing.PurposeInbound)
	f.move(t, at(4, 9), "-30", billing.UOMPiece, billing.PurposeOutbound)

	res := f.compute(t, true)

	require.Len(t, res.Charges, 1)
	assertDecimal(t, "30", res.Charges[0].BillableQuantity)
	assertDecimal(t, "50.00", res.Charges[0].Amount)
}

func TestScenarioD_AmbiguousRuleFailsRun(t *testing.T) {
	// GIVEN: a pallet line and a cold-storage line, both partial matches for
	// a pallet in cold storage, with different rates
	f := newFixture(t,
		billing.ContractLine{ID: "l-pallet", ChargeItem: "storage", BillingMethod: billing.MethodPerVolume,
			UOM: billing.UOMCubicMeter, Rate: dec("2.00"), AppliesTo: billing.AppliesStorage, HandlingUnitType: "pallet"},
		billing.ContractLine{ID: "l-cold", ChargeItem: "storage", BillingMethod: billing.MethodPerVolume,
			UOM: billing.UOMCubicMeter, Rate: dec("3.00"), AppliesTo: billing.AppliesStorage, StorageType: "cold"},
	)
	f.move(t, at(2, 8), "5", billing.UOMCubicMeter, billing.PurposeInbound, withHU("hu-1", "pallet"), withStorageType("cold"))

	// WHEN
	res, err := f.engine.ComputeCharges(f.ctx, "pb-1", true)

	// THEN: the run fails as a configuration error and nothing is committed
	var amb *billing.AmbiguousRuleError
	require.ErrorAs(t, err, &amb)
	assert.ErrorIs(t, err, billing.ErrConfiguration)
	assert.Equal(t, []billing.LineID{"l-cold", "l-pallet"}, amb.Lines)
	require.NotNil(t, res)
	assert.Equal(t, billing.RunFailed, res.Status)

	charges, err := f.store.LoadCharges(f.ctx, "pb-1")
	require.NoError(t, err)
	assert.Empty(t, charges)

	runs, err := f.store.ListRuns(f.ctx, "pb-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, billing.RunFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
	assert.True(t, runs[0].Permanent)
}

func TestScenarioE_RerunAfterCorrection(t *testing.T) {
	// GIVEN: a Peak line billing 120m3 at 1.00
	f := newFixture(t, billing.ContractLine{
		ID: "l-peak", ChargeItem: "storage", BillingMethod: billing.MethodPerVolume,
		UOM: billing.UOMCubicMeter, Rate: dec("1.00"), VolumeCalc: billing.CalcPeak, AppliesTo: billing.AppliesStorage,
	})
	f.move(t, at(5, 10), "120", billing.UOMCubicMeter, billing.PurposeInbound)
	first := f.compute(t, true)
	require.Len(t, first.Charges, 1)
	assertDecimal(t, "120.00", first.Charges[0].Amount)

	// WHEN: a compensating entry corrects the receipt to 95m3 and we rerun
	f.move(t, at(5, 10), "-25", billing.UOMCubicMeter, billing.PurposeAdjustment)
	second := f.compute(t, true)

	// THEN: exactly one charge for the key, at 95.00
	stored, err := f.store.LoadCharges(f.ctx, "pb-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assertDecimal(t, "95.00", stored[0].Amount)
	assert.Equal(t, first.Charges[0].ID, stored[0].ID)
	assert.Equal(t, second.GenerationID, stored[0].GenerationID)
	assert.NotEqual(t, first.GenerationID, second.GenerationID)
}

// =============================================================================
// RUN PROPERTIES
// =============================================================================

func TestComputeCharges_Idempotent(t *testing.T) {
	// GIVEN: several lines with activity
	f := newFixture(t,
		billing.ContractLine{ID: "l-store", ChargeItem: "storage", BillingMethod: billing.MethodPerDay,
			UOM: billing.UOMCubicMeter, Rate: dec("0.75"), AppliesTo: billing.AppliesStorage},
		billing.ContractLine{ID: "l-in", ChargeItem: "inbound", BillingMethod: billing.MethodPerHandlingUnit,
			Rate: dec("4.00"), AppliesTo: billing.AppliesInbound},
	)
	f.move(t, at(1, 8), "12.5", billing.UOMCubicMeter, billing.PurposeInbound, withHU("hu-1", "pallet"))
	f.move(t, at(3, 8), "7.25", billing.UOMCubicMeter, billing.PurposeInbound, withHU("hu-2", "pallet"))
	f.move(t, at(7, 14), "-5", billing.UOMCubicMeter, billing.PurposeOutbound, withHU("hu-1", "pallet"))

	// WHEN: computed twice with clear_existing
	first := f.compute(t, true)
	second := f.compute(t, true)

	// THEN: identical charge sets, no duplicates
	stored, err := f.store.LoadCharges(f.ctx, "pb-1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Equal(t, stripGeneration(first.Charges), stripGeneration(second.Charges))
	assert.Equal(t, stripGeneration(second.Charges), stripGeneration(stored))
}

func TestComputeCharges_NoEvents_NoCharge(t *testing.T) {
	// GIVEN: stock received before the period and untouched during it
	f := newFixture(t, billing.ContractLine{
		ID: "l-avg", ChargeItem: "storage", BillingMethod: billing.MethodPerDay,
		UOM: billing.UOMCubicMeter, Rate: dec("1.00"), VolumeCalc: billing.CalcAverage, AppliesTo: billing.AppliesStorage,
	})
	f.move(t, time.Date(2025, time.February, 10, 9, 0, 0, 0, time.UTC), "40", billing.UOMCubicMeter, billing.PurposeInbound)

	res := f.compute(t, true)

	// THEN: no zero-amount charge, the line is reported not applicable
	assert.Empty(t, res.Charges)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, billing.LineNotApplicable, res.Lines[0].Status)
	assert.Equal(t, billing.RunCommitted, res.Status)
}

func TestComputeCharges_IncludeIdleStock(t *testing.T) {
	cfg := billing.DefaultConfig()
	cfg.IncludeIdleStock = true
	f := newFixtureWithConfig(t, cfg, billing.ContractLine{
		ID: "l-end", ChargeItem: "storage", BillingMethod: billing.MethodPerVolume,
		UOM: billing.UOMCubicMeter, Rate: dec("1.00"), VolumeCalc: billing.CalcEnd, AppliesTo: billing.AppliesStorage,
	})
	f.move(t, time.Date(2025, time.February, 10, 9, 0, 0, 0, time.UTC), "40", billing.UOMCubicMeter, billing.PurposeInbound)

	res := f.compute(t, true)

	require.Len(t, res.Charges, 1)
	assertDecimal(t, "40", res.Charges[0].BillableQuantity)
}

func TestComputeCharges_ReusesExistingWithoutClear(t *testing.T) {
	f := newFixture(t, billing.ContractLine{
		ID: "l-in", ChargeItem: "inbound", BillingMethod: billing.MethodPerWeight,
		UOM: billing.UOMKilogram, Rate: dec("1.00"), AppliesTo: billing.AppliesInbound,
	})
	f.move(t, at(2, 9), "10", billing.UOMKilogram, billing.PurposeInbound)
	first := f.compute(t, true)

	// WHEN: new activity, but clear_existing=false
	f.move(t, at(3, 9), "10", billing.UOMKilogram, billing.PurposeInbound)
	second := f.compute(t, false)

	// THEN: the committed charges come back unchanged
	assert.True(t, second.Reused)
	assert.Equal(t, first.Charges, second.Charges)
	assertDecimal(t, "10", second.Charges[0].BillableQuantity)

	third := f.compute(t, true)
	assert.False(t, third.Reused)
	assertDecimal(t, "20", third.Charges[0].BillableQuantity)
}

func TestComputeCharges_MonthlyCycleSplitsPeriods(t *testing.T) {
	ctx := context.Background()
	s := store.NewTxMemory()
	require.NoError(t, s.SaveContract(ctx, billing.Contract{
		ID: "ct-m", Customer: "acme", ValidFrom: billing.Date(2025, time.January, 1), Currency: "EUR",
		BillingCycle: billing.CycleMonthly,
		Lines: []billing.ContractLine{{ID: "l-in", ChargeItem: "inbound", BillingMethod: billing.MethodPerPiece,
			UOM: billing.UOMPiece, Rate: dec("0.10"), AppliesTo: billing.AppliesInbound}},
	}))
	require.NoError(t, s.SaveBilling(ctx, billing.PeriodicBilling{
		ID: "pb-q", Customer: "acme", Contract: "ct-m",
		DateFrom: billing.Date(2025, time.March, 15), DateTo: billing.Date(2025, time.May, 10),
	}))
	require.NoError(t, s.AppendEntries(ctx, []billing.StockLedgerEntry{
		{SourceEventID: "a", Customer: "acme", Item: "sku", Location: "A", Quantity: dec("100"), UOM: billing.UOMPiece,
			Purpose: billing.PurposeInbound, Timestamp: time.Date(2025, time.March, 20, 0, 0, 0, 0, time.UTC)},
		{SourceEventID: "b", Customer: "acme", Item: "sku", Location: "A", Quantity: dec("50"), UOM: billing.UOMPiece,
			Purpose: billing.PurposeInbound, Timestamp: time.Date(2025, time.May, 2, 0, 0, 0, 0, time.UTC)},
	}))

	res, err := billing.NewEngine(s, billing.EngineOptions{}).ComputeCharges(ctx, "pb-q", true)
	require.NoError(t, err)

	// THEN: March and May are charged, April has no inbound activity
	require.Len(t, res.Charges, 2)
	assert.Equal(t, billing.Date(2025, time.March, 15), res.Charges[0].Period.From)
	assert.Equal(t, billing.Date(2025, time.April, 1), res.Charges[0].Period.To)
	assert.Equal(t, billing.Date(2025, time.May, 1), res.Charges[1].Period.From)
	assertDecimal(t, "10.00", res.Charges[0].Amount)
	assertDecimal(t, "5.00", res.Charges[1].Amount)
	require.Len(t, res.Lines, 3)
}

func TestComputeCharges_NegativeBalanceFailsRun(t *testing.T) {
	f := newFixture(t, billing.ContractLine{
		ID: "l-store", ChargeItem: "storage", BillingMethod: billing.MethodPerVolume,
		UOM: billing.UOMCubicMeter, Rate: dec("1.00"), AppliesTo: billing.AppliesStorage,
	})
	f.move(t, at(2, 9), "-3", billing.UOMCubicMeter, billing.PurposeOutbound)

	_, err := f.engine.ComputeCharges(f.ctx, "pb-1", true)

	var arith *billing.ArithmeticError
	require.ErrorAs(t, err, &arith)
	assert.Equal(t, billing.LineID("l-store"), arith.Line)
	charges, _ := f.store.LoadCharges(f.ctx, "pb-1")
	assert.Empty(t, charges)

	// AND: a ledger correction can fix it, so the failure is not permanent
	runs, err := f.store.ListRuns(f.ctx, "pb-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Permanent)
}

func TestComputeCharges_ClampNegative(t *testing.T) {
	cfg := billing.DefaultConfig()
	cfg.ClampNegative = true
	f := newFixtureWithConfig(t, cfg, billing.ContractLine{
		ID: "l-store", ChargeItem: "storage", BillingMethod: billing.MethodPerVolume,
		UOM: billing.UOMCubicMeter, Rate: dec("1.00"), VolumeCalc: billing.CalcPeak, AppliesTo: billing.AppliesStorage,
	})
	f.move(t, at(2, 9), "-3", billing.UOMCubicMeter, billing.PurposeOutbound)

	res := f.compute(t, true)
	require.Len(t, res.Charges, 1)
	assertDecimal(t, "0", res.Charges[0].Amount)
}

func TestComputeCharges_UnknownBilling(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ComputeCharges(f.ctx, "missing", true)
	assert.ErrorIs(t, err, billing.ErrBillingNotFound)
	assert.True(t, billing.IsNotFound(err))
}

func TestComputeCharges_CustomerMismatch(t *testing.T) {
	f := newFixture(t, billing.ContractLine{ID: "l", ChargeItem: "x", BillingMethod: billing.MethodPerPiece,
		Rate: dec("1"), AppliesTo: billing.AppliesInbound})
	require.NoError(t, f.store.SaveBilling(f.ctx, billing.PeriodicBilling{
		ID: "pb-other", Customer: "globex", Contract: "ct-1",
		DateFrom: billing.Date(2025, time.March, 1), DateTo: billing.Date(2025, time.April, 1),
	}))

	_, err := f.engine.ComputeCharges(f.ctx, "pb-other", true)
	assert.ErrorIs(t, err, billing.ErrConfiguration)
}

func TestComputeCharges_CancelledWritesNothing(t *testing.T) {
	f := newFixture(t, billing.ContractLine{
		ID: "l-in", ChargeItem: "inbound", BillingMethod: billing.MethodPerWeight,
		UOM: billing.UOMKilogram, Rate: dec("1.00"), AppliesTo: billing.AppliesInbound,
	})
	f.move(t, at(2, 9), "10", billing.UOMKilogram, billing.PurposeInbound)

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	_, err := f.engine.ComputeCharges(ctx, "pb-1", true)

	assert.ErrorIs(t, err, context.Canceled)
	charges, _ := f.store.LoadCharges(f.ctx, "pb-1")
	assert.Empty(t, charges)
	runs, _ := f.store.ListRuns(f.ctx, "pb-1")
	assert.Empty(t, runs)
}

// heldLocker never grants the lock.
type heldLocker struct{ calls int }

func (h *heldLocker) TryLock(context.Context, string, time.Duration) (func(context.Context) error, error) {
	h.calls++
	return nil, billing.ErrLockHeld
}

func TestComputeCharges_LockContention(t *testing.T) {
	cfg := billing.DefaultConfig()
	cfg.LockRetries = 2
	cfg.LockBackoff = time.Millisecond
	s := store.NewTxMemory()
	ctx := context.Background()
	require.NoError(t, s.SaveContract(ctx, billing.Contract{ID: "ct-1", Customer: "acme", Currency: "EUR"}))
	require.NoError(t, s.SaveBilling(ctx, billing.PeriodicBilling{ID: "pb-1", Customer: "acme", Contract: "ct-1",
		DateFrom: billing.Date(2025, time.March, 1), DateTo: billing.Date(2025, time.April, 1)}))

	locker := &heldLocker{}
	engine := billing.NewEngine(s, billing.EngineOptions{Locker: locker, Settings: billing.StaticConfig(cfg)})

	_, err := engine.ComputeCharges(ctx, "pb-1", true)

	var conflict *billing.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Attempts)
	assert.Equal(t, 3, locker.calls)
	assert.True(t, billing.IsRetryable(err))
}

type failingCommitStore struct {
	*store.TxMemory
}

func (f failingCommitStore) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return f.TxMemory.WithTx(ctx, func(tx billing.Store) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errors.New("disk full")
	})
}

func TestComputeCharges_CommitFailureKeepsPreviousCharges(t *testing.T) {
	f := newFixture(t, billing.ContractLine{
		ID: "l-in", ChargeItem: "inbound", BillingMethod: billing.MethodPerWeight,
		UOM: billing.UOMKilogram, Rate: dec("1.00"), AppliesTo: billing.AppliesInbound,
	})
	f.move(t, at(2, 9), "10", billing.UOMKilogram, billing.PurposeInbound)
	before := f.compute(t, true)

	f.move(t, at(3, 9), "10", billing.UOMKilogram, billing.PurposeInbound)
	broken := billing.NewEngine(failingCommitStore{f.store}, billing.EngineOptions{})
	_, err := broken.ComputeCharges(f.ctx, "pb-1", true)
	require.Error(t, err)

	// THEN: the earlier generation is still the visible one
	stored, err := f.store.LoadCharges(f.ctx, "pb-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, before.GenerationID, stored[0].GenerationID)
	assertDecimal(t, "10", stored[0].BillableQuantity)
}
