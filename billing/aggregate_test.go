package billing_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/warehouse-billing/billing"
)

func march(from, to int) billing.Period {
	return billing.Period{From: billing.Date(2025, time.March, from), To: billing.Date(2025, time.March, to)}
}

func entry(ts time.Time, qty string, uom billing.UOM, purpose billing.Purpose, mods ...func(*billing.StockLedgerEntry)) billing.StockLedgerEntry {
	e := billing.StockLedgerEntry{
		Customer: "acme", Item: "sku-1", Location: "A-01",
		Quantity: dec(qty), UOM: uom, Purpose: purpose, Timestamp: ts,
	}
	for _, m := range mods {
		m(&e)
	}
	return e
}

// measure plans line against history and aggregates it over p.
func measure(t *testing.T, cfg billing.Config, line billing.ContractLine, p billing.Period, history ...billing.StockLedgerEntry) (billing.Measurement, error) {
	t.Helper()
	for i := range history {
		history[i].Seq = int64(i + 1)
	}
	c := &billing.Contract{ID: "ct", Customer: "acme", Currency: "EUR",
		ValidFrom: billing.Date(2025, time.January, 1), Lines: []billing.ContractLine{line}}
	plans, err := billing.PlanLines(c, cfg, billing.DistinctSelectors(history))
	require.NoError(t, err)
	require.Len(t, plans, 1)

	var before []billing.StockLedgerEntry
	for _, e := range history {
		if e.Timestamp.Before(p.To) {
			before = append(before, e)
		}
	}
	return billing.Aggregate(billing.AggregateInput{
		Plan: plans[0], Contract: c, Period: p, History: before, Config: cfg, Logger: zerolog.Nop(),
	})
}

func storageLine(method billing.BillingMethod, calc billing.VolumeCalc) billing.ContractLine {
	return billing.ContractLine{ID: "l", ChargeItem: "storage", BillingMethod: method, UOM: billing.UOMCubicMeter,
		Rate: dec("1"), VolumeCalc: calc, AppliesTo: billing.AppliesStorage}
}

// =============================================================================
// STORAGE LEVELS
// =============================================================================

func TestStorageLevel_PeakAverageMin(t *testing.T) {
	// GIVEN: a balance that rises, dips and rises again within the period
	history := []billing.StockLedgerEntry{
		entry(at(1, 0), "10", billing.UOMCubicMeter, billing.PurposeInbound),
		entry(at(3, 12), "30", billing.UOMCubicMeter, billing.PurposeInbound),
		entry(at(5, 6), "-35", billing.UOMCubicMeter, billing.PurposeOutbound),
		entry(at(8, 18), "12", billing.UOMCubicMeter, billing.PurposeInbound),
	}
	p := march(1, 11)
	cfg := billing.DefaultConfig()

	results := map[billing.VolumeCalc]billing.Measurement{}
	for _, calc := range []billing.VolumeCalc{billing.CalcPeak, billing.CalcAverage, billing.CalcDaily, billing.CalcEnd} {
		m, err := measure(t, cfg, storageLine(billing.MethodPerVolume, calc), p, append([]billing.StockLedgerEntry(nil), history...)...)
		require.NoError(t, err, calc)
		results[calc] = m
	}

	// THEN: Peak >= Average >= min(balances) >= 0
	peak, avg := results[billing.CalcPeak].Quantity, results[billing.CalcAverage].Quantity
	assertDecimal(t, "40", peak)
	assert.True(t, peak.GreaterThanOrEqual(avg), "peak %s < average %s", peak, avg)
	assert.True(t, avg.GreaterThanOrEqual(dec("5")), "average %s below min balance", avg)
	assertDecimal(t, "17", results[billing.CalcEnd].Quantity)

	// Daily: EOD balances 10,10,40,40,5,5,5,17,17,17 over 10 days
	assertDecimal(t, "16.6", results[billing.CalcDaily].Quantity)
}

func TestStorageLevel_AverageIsTimeWeighted(t *testing.T) {
	// 0 for the first 12h, then 24 m3 for the remaining 36h of a 2-day period
	m, err := measure(t, billing.DefaultConfig(), storageLine(billing.MethodPerVolume, billing.CalcAverage), march(1, 3),
		entry(at(1, 12), "24", billing.UOMCubicMeter, billing.PurposeInbound))
	require.NoError(t, err)
	assertDecimal(t, "18", m.Quantity)
}

func TestStorageLevel_SubSecondHoldsCountTowardAverage(t *testing.T) {
	// GIVEN: 10 m3 held all day, topped up by 5 m3 for 1.2 seconds
	base := billing.Date(2025, time.March, 1)
	history := []billing.StockLedgerEntry{
		entry(billing.Date(2025, time.February, 20), "10", billing.UOMCubicMeter, billing.PurposeInbound),
		entry(base.Add(1500*time.Millisecond), "5", billing.UOMCubicMeter, billing.PurposeInbound),
		entry(base.Add(2700*time.Millisecond), "-5", billing.UOMCubicMeter, billing.PurposeOutbound),
	}

	avg, err := measure(t, billing.DefaultConfig(), storageLine(billing.MethodPerVolume, billing.CalcAverage), march(1, 2),
		append([]billing.StockLedgerEntry(nil), history...)...)
	require.NoError(t, err)
	peak, err := measure(t, billing.DefaultConfig(), storageLine(billing.MethodPerVolume, billing.CalcPeak), march(1, 2),
		append([]billing.StockLedgerEntry(nil), history...)...)
	require.NoError(t, err)

	// THEN: min (10) < average < peak (15)
	assert.True(t, avg.Quantity.GreaterThan(dec("10")), "average %s not above min balance 10", avg.Quantity)
	assert.True(t, peak.Quantity.GreaterThanOrEqual(avg.Quantity))
	assertDecimal(t, "10.0000694444444444", avg.Quantity.Round(16))
}

func TestStorage_SameTimestampCorrectionNoSpike(t *testing.T) {
	m, err := measure(t, billing.DefaultConfig(), storageLine(billing.MethodPerVolume, billing.CalcPeak), march(1, 11),
		entry(at(5, 10), "120", billing.UOMCubicMeter, billing.PurposeInbound),
		entry(at(5, 10), "-25", billing.UOMCubicMeter, billing.PurposeAdjustment))
	require.NoError(t, err)
	assertDecimal(t, "95", m.Quantity)
}

func TestStorage_IdleStreamExcluded(t *testing.T) {
	// GIVEN: sku-1 idle since February, sku-2 moved in the period
	m, err := measure(t, billing.DefaultConfig(), storageLine(billing.MethodPerVolume, billing.CalcEnd), march(1, 11),
		entry(time.Date(2025, time.February, 3, 0, 0, 0, 0, time.UTC), "50", billing.UOMCubicMeter, billing.PurposeInbound),
		entry(at(4, 0), "7", billing.UOMCubicMeter, billing.PurposeInbound, withItem("sku-2")))
	require.NoError(t, err)
	assertDecimal(t, "7", m.Quantity)
	assert.Equal(t, 1, m.Streams)
}

func TestStorage_ConvertsMixedUnits(t *testing.T) {
	cfg := billing.DefaultConfig()
	cfg.Conversions = []billing.Conversion{
		{Item: "sku-1", From: "pallet", To: billing.UOMCubicMeter, Factor: billing.NewRational(6, 5)},
	}
	m, err := measure(t, cfg, storageLine(billing.MethodPerVolume, billing.CalcEnd), march(1, 11),
		entry(at(2, 0), "3", "pallet", billing.PurposeInbound),
		entry(at(3, 0), "0.4", billing.UOMCubicMeter, billing.PurposeInbound))
	require.NoError(t, err)
	assertDecimal(t, "4", m.Quantity)
}

func TestStorage_MissingConversionIsConfigurationError(t *testing.T) {
	_, err := measure(t, billing.DefaultConfig(), storageLine(billing.MethodPerVolume, billing.CalcEnd), march(1, 11),
		entry(at(2, 0), "3", "pallet", billing.PurposeInbound))
	assert.ErrorIs(t, err, billing.ErrConfiguration)
}

// =============================================================================
// ACTIVITY METHODS
// =============================================================================

func TestMovement_OnlyQualifyingPurposeAndSign(t *testing.T) {
	line := billing.ContractLine{ID: "l", ChargeItem: "release", BillingMethod: billing.MethodPerPiece,
		UOM: billing.UOMPiece, Rate: dec("0.5"), AppliesTo: billing.AppliesOutbound}
	m, err := measure(t, billing.DefaultConfig(), line, march(1, 11),
		entry(at(2, 0), "100", billing.UOMPiece, billing.PurposeInbound),
		entry(at(3, 0), "-20", billing.UOMPiece, billing.PurposeOutbound),
		entry(at(4, 0), "-5", billing.UOMPiece, billing.PurposeAdjustment),
		entry(at(5, 0), "-15", billing.UOMPiece, billing.PurposeOutbound),
		entry(at(12, 0), "-15", billing.UOMPiece, billing.PurposeOutbound))
	require.NoError(t, err)
	assertDecimal(t, "35", m.Quantity)
	assert.Equal(t, 2, m.Events)
}

func TestMovement_NoActivityIsDataGap(t *testing.T) {
	line := billing.ContractLine{ID: "l", ChargeItem: "vas", BillingMethod: billing.MethodPerPiece,
		UOM: billing.UOMPiece, Rate: dec("1"), AppliesTo: billing.AppliesVAS}
	_, err := measure(t, billing.DefaultConfig(), line, march(1, 11),
		entry(at(2, 0), "10", billing.UOMPiece, billing.PurposeInbound))
	var gap *billing.DataGapError
	require.ErrorAs(t, err, &gap)
	assert.False(t, billing.IsFatal(err))
}

func TestDistinctUnits_PerContainerFiltersTypes(t *testing.T) {
	line := billing.ContractLine{ID: "l", ChargeItem: "devanning", BillingMethod: billing.MethodPerContainer,
		Rate: dec("150"), AppliesTo: billing.AppliesInbound}
	m, err := measure(t, billing.DefaultConfig(), line, march(1, 11),
		entry(at(2, 0), "10", billing.UOMPiece, billing.PurposeInbound, withHU("c-1", "container")),
		entry(at(2, 1), "10", billing.UOMPiece, billing.PurposeInbound, withHU("c-1", "container")),
		entry(at(3, 0), "10", billing.UOMPiece, billing.PurposeInbound, withHU("c-2", "container")),
		entry(at(3, 0), "10", billing.UOMPiece, billing.PurposeInbound, withHU("p-1", "pallet")))
	require.NoError(t, err)
	assertDecimal(t, "2", m.Quantity)
	assert.Equal(t, billing.UOMUnit, m.UOM)
}

func TestElapsedHours_RoundsUpPerJob(t *testing.T) {
	inc := dec("0.5")
	line := billing.ContractLine{ID: "l", ChargeItem: "labelling", BillingMethod: billing.MethodPerHour,
		Rate: dec("40"), AppliesTo: billing.AppliesVAS, BillingIncrement: &inc}
	m, err := measure(t, billing.DefaultConfig(), line, march(1, 11),
		// job-1: 2h10m -> 2.5h
		entry(time.Date(2025, time.March, 2, 8, 0, 0, 0, time.UTC), "1", billing.UOMPiece, billing.PurposeVAS, withJob("job-1")),
		entry(time.Date(2025, time.March, 2, 10, 10, 0, 0, time.UTC), "1", billing.UOMPiece, billing.PurposeVAS, withJob("job-1")),
		// job-2: 30m -> 0.5h
		entry(time.Date(2025, time.March, 4, 8, 0, 0, 0, time.UTC), "1", billing.UOMPiece, billing.PurposeVAS, withJob("job-2")),
		entry(time.Date(2025, time.March, 4, 8, 30, 0, 0, time.UTC), "1", billing.UOMPiece, billing.PurposeVAS, withJob("job-2")))
	require.NoError(t, err)
	assertDecimal(t, "3", m.Quantity)
	assert.Equal(t, billing.UOMHour, m.UOM)
}

func TestDistinctUnits_PerHandlingUnitCountsEachUnitOnce(t *testing.T) {
	line := billing.ContractLine{ID: "l", ChargeItem: "putaway", BillingMethod: billing.MethodPerHandlingUnit,
		Rate: dec("2"), AppliesTo: billing.AppliesInbound}
	m, err := measure(t, billing.DefaultConfig(), line, march(1, 11),
		entry(at(2, 0), "10", billing.UOMPiece, billing.PurposeInbound, withHU("p-1", "pallet")),
		entry(at(2, 1), "10", billing.UOMPiece, billing.PurposeInbound, withHU("p-1", "pallet")),
		entry(at(4, 0), "5", billing.UOMPiece, billing.PurposeInbound, withHU("p-1", "pallet")),
		entry(at(4, 0), "5", billing.UOMPiece, billing.PurposeInbound, withHU("c-9", "carton")),
		entry(at(5, 0), "3", billing.UOMPiece, billing.PurposeInbound))
	require.NoError(t, err)
	assertDecimal(t, "2", m.Quantity)
	assert.Equal(t, 4, m.Events)
}

func TestElapsedHours_Increments(t *testing.T) {
	vas := func(ts time.Time, mods ...func(*billing.StockLedgerEntry)) billing.StockLedgerEntry {
		return entry(ts, "1", billing.UOMPiece, billing.PurposeVAS, mods...)
	}
	start := time.Date(2025, time.March, 2, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		increment string
		history   []billing.StockLedgerEntry
		want      string
	}{
		{
			name: "half a second over the hour rounds up",
			history: []billing.StockLedgerEntry{
				vas(start, withJob("job-1")),
				vas(start.Add(time.Hour+500*time.Millisecond), withJob("job-1")),
			},
			want: "2",
		},
		{
			name:      "quarter hour increment",
			increment: "0.25",
			history: []billing.StockLedgerEntry{
				vas(start, withJob("job-1")),
				vas(start.Add(65*time.Minute), withJob("job-1")),
			},
			want: "1.25",
		},
		{
			name:      "exact multiple is not rounded",
			increment: "0.25",
			history: []billing.StockLedgerEntry{
				vas(start, withJob("job-1")),
				vas(start.Add(45*time.Minute), withJob("job-1")),
			},
			want: "0.75",
		},
		{
			name: "events without a job reference are ignored",
			history: []billing.StockLedgerEntry{
				vas(start),
				vas(start.Add(10 * time.Minute), withJob("job-1")),
				vas(start.Add(40 * time.Minute), withJob("job-1")),
				vas(start.Add(5 * time.Hour)),
			},
			want: "1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := billing.ContractLine{ID: "l", ChargeItem: "labelling", BillingMethod: billing.MethodPerHour,
				Rate: dec("40"), AppliesTo: billing.AppliesVAS}
			if tt.increment != "" {
				inc := dec(tt.increment)
				line.BillingIncrement = &inc
			}
			m, err := measure(t, billing.DefaultConfig(), line, march(1, 11), tt.history...)
			require.NoError(t, err)
			assertDecimal(t, tt.want, m.Quantity)
		})
	}
}

func TestElapsedHours_OnlyUnreferencedEventsIsDataGap(t *testing.T) {
	line := billing.ContractLine{ID: "l", ChargeItem: "labelling", BillingMethod: billing.MethodPerHour,
		Rate: dec("40"), AppliesTo: billing.AppliesVAS}
	_, err := measure(t, billing.DefaultConfig(), line, march(1, 11),
		entry(at(2, 8), "1", billing.UOMPiece, billing.PurposeVAS),
		entry(at(2, 11), "1", billing.UOMPiece, billing.PurposeVAS))
	var gap *billing.DataGapError
	require.ErrorAs(t, err, &gap)
}

// =============================================================================
// HIGH WATER MARK
// =============================================================================

func TestHighWaterMark_MonotonicAcrossPeriods(t *testing.T) {
	line := billing.ContractLine{ID: "l", ChargeItem: "reserved", BillingMethod: billing.MethodHighWaterMark,
		UOM: billing.UOMCubicMeter, Rate: dec("1"), AppliesTo: billing.AppliesStorage, WatermarkScope: billing.ScopeCustomer}
	history := []billing.StockLedgerEntry{
		entry(time.Date(2025, time.January, 5, 0, 0, 0, 0, time.UTC), "80", billing.UOMCubicMeter, billing.PurposeInbound),
		entry(time.Date(2025, time.January, 20, 0, 0, 0, 0, time.UTC), "-60", billing.UOMCubicMeter, billing.PurposeOutbound),
		entry(time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC), "30", billing.UOMCubicMeter, billing.PurposeInbound),
		entry(time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC), "100", billing.UOMCubicMeter, billing.PurposeInbound),
	}

	prev := dec("0")
	var got []string
	for month := time.January; month <= time.April; month++ {
		p := billing.Period{From: billing.Date(2025, month, 1), To: billing.Date(2025, month+1, 1)}
		m, err := measure(t, billing.DefaultConfig(), line, p, append([]billing.StockLedgerEntry(nil), history...)...)
		require.NoError(t, err)
		assert.True(t, m.Quantity.GreaterThanOrEqual(prev), "%s: %s < %s", month, m.Quantity, prev)
		prev = m.Quantity
		got = append(got, m.Quantity.String())
	}
	assert.Equal(t, []string{"80", "80", "150", "150"}, got)
}

func TestHighWaterMark_LocationScopeSumsPeaks(t *testing.T) {
	line := billing.ContractLine{ID: "l", ChargeItem: "reserved", BillingMethod: billing.MethodHighWaterMark,
		UOM: billing.UOMCubicMeter, Rate: dec("1"), AppliesTo: billing.AppliesStorage, WatermarkScope: billing.ScopeLocation}
	m, err := measure(t, billing.DefaultConfig(), line, march(1, 11),
		entry(at(1, 0), "10", billing.UOMCubicMeter, billing.PurposeInbound),
		entry(at(2, 0), "-10", billing.UOMCubicMeter, billing.PurposeTransfer),
		entry(at(2, 0), "10", billing.UOMCubicMeter, billing.PurposeTransfer, withLocation("B-07")))
	require.NoError(t, err)
	assertDecimal(t, "20", m.Quantity)
}

func TestHighWaterMark_ResetMovesWindow(t *testing.T) {
	line := billing.ContractLine{ID: "l", ChargeItem: "reserved", BillingMethod: billing.MethodHighWaterMark,
		UOM: billing.UOMCubicMeter, Rate: dec("1"), AppliesTo: billing.AppliesStorage, WatermarkScope: billing.ScopeContract}
	reset := billing.Date(2025, time.March, 1)
	c := &billing.Contract{ID: "ct", Customer: "acme", Currency: "EUR",
		ValidFrom: billing.Date(2025, time.January, 1), WatermarkResetAt: &reset, Lines: []billing.ContractLine{line}}
	history := []billing.StockLedgerEntry{
		entry(time.Date(2025, time.January, 5, 0, 0, 0, 0, time.UTC), "80", billing.UOMCubicMeter, billing.PurposeInbound),
		entry(time.Date(2025, time.February, 5, 0, 0, 0, 0, time.UTC), "-50", billing.UOMCubicMeter, billing.PurposeOutbound),
	}
	for i := range history {
		history[i].Seq = int64(i + 1)
	}
	plans, err := billing.PlanLines(c, billing.DefaultConfig(), billing.DistinctSelectors(history))
	require.NoError(t, err)

	m, err := billing.Aggregate(billing.AggregateInput{
		Plan: plans[0], Contract: c, Period: march(1, 11), History: history, Config: billing.DefaultConfig(),
	})
	require.NoError(t, err)
	assertDecimal(t, "30", m.Quantity)
}
