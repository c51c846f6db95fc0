/*
aggregate.go - Billable quantity per billing method

PURPOSE:
  The core of the engine. Given a compiled line, a billing period and the
  customer's ledger history, computes one billable quantity. Aggregate is a
  pure function of its input: it does no I/O and mutates nothing.

METHODS:
  DailyStorage   Σ end-of-day balance (quantity-days). With Peak, Average or
                 End the chosen level is multiplied by the day count.
  StorageLevel   Daily:   mean of end-of-day balances
                 Peak:    max balance at event boundaries, opening included
                 Average: Σ(balance × time held) / period length
                 End:     balance at period end
  Movement       Σ|quantity| of qualifying movements in the period
  DistinctUnits  number of distinct handling units with qualifying activity
  ElapsedHours   per job, last minus first event, rounded up to the increment
  HighWaterMark  max balance over the whole scoped history up to period end

ACTIVE STREAMS:
  Storage methods only bill streams (item, handling unit, location) that
  moved in the period. A stream that sat untouched is excluded, not billed
  at zero, unless Config.IncludeIdleStock is set. Zero-balance days of an
  active stream still count toward the day denominator.

FAILURES:
  No active stream or no qualifying movement   -> DataGapError
  Negative balance                             -> ArithmeticError, or zero
                                                  with a warning when
                                                  Config.ClampNegative
  Empty day count                              -> ArithmeticError

SEE ALSO:
  - series.go: Balance step function
  - method.go: Method variants
  - materialize.go: Turns a Measurement into a charge
*/
package billing

import (
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AggregateInput is everything one line aggregation reads.
type AggregateInput struct {
	Plan     LinePlan
	Contract *Contract
	Period   Period

	// History is the customer's ledger before Period.To, ordered.
	History []StockLedgerEntry

	Config    Config
	Converter *Converter
	Logger    zerolog.Logger
}

// Measurement is the result of aggregating one line over one period.
type Measurement struct {
	Quantity decimal.Decimal
	UOM      UOM
	Streams  int
	Events   int
}

// Aggregate computes the billable quantity of one line for one period.
func Aggregate(in AggregateInput) (Measurement, error) {
	if in.Converter == nil {
		in.Converter = NewConverter(in.Config.Conversions)
	}
	a := aggregator{in: in, line: in.Plan.Line.ID}
	routed := filterEntries(in.History, in.Plan.Accepts)

	var (
		m   Measurement
		err error
	)
	switch method := in.Plan.Method.(type) {
	case DailyStorage:
		m, err = a.dailyStorage(method, routed)
	case StorageLevel:
		m, err = a.storageLevel(method, routed)
	case Movement:
		m, err = a.movement(method, routed)
	case DistinctUnits:
		m, err = a.distinctUnits(method, routed)
	case ElapsedHours:
		m, err = a.elapsedHours(method, routed)
	case HighWaterMark:
		m, err = a.highWaterMark(method, routed)
	default:
		return Measurement{}, &ConfigurationError{
			Contract: contractID(in.Contract), Line: a.line,
			Reason: fmt.Sprintf("unsupported method %T", in.Plan.Method),
		}
	}
	if err != nil {
		return Measurement{}, err
	}

	if m.Quantity.IsNegative() {
		if !in.Config.ClampNegative {
			return Measurement{}, &ArithmeticError{Line: a.line, Period: in.Period, Value: m.Quantity,
				Reason: "negative billable quantity"}
		}
		in.Logger.Warn().Str("line", string(a.line)).Str("quantity", m.Quantity.String()).
			Msg("negative billable quantity clamped to zero")
		m.Quantity = decimal.Zero
	}
	m.Quantity = m.Quantity.Round(in.Config.QuantityScale)
	m.UOM = in.Plan.Method.Unit()
	return m, nil
}

type aggregator struct {
	in   AggregateInput
	line LineID
}

func (a aggregator) gap(reason string) error {
	return &DataGapError{Line: a.line, Period: a.in.Period, Reason: reason}
}

func (a aggregator) days() (int, error) {
	n := a.in.Period.DayCount()
	if n <= 0 {
		return 0, &ArithmeticError{Line: a.line, Period: a.in.Period, Reason: "period has zero days"}
	}
	return n, nil
}

// storageSeries selects the streams a storage method bills and returns
// their combined balance levels over the period.
func (a aggregator) storageSeries(routed []StockLedgerEntry, uom UOM) ([]level, int, error) {
	p := a.in.Period
	streams := activeStreams(routed, p)
	if a.in.Config.IncludeIdleStock {
		streams = allStreams(routed)
	}
	if len(streams) == 0 {
		return nil, 0, a.gap("no stock movement in period")
	}
	selected := filterEntries(routed, func(e StockLedgerEntry) bool { return streams[e.Stream()] })
	ls, err := levels(selected, p.From, p.To, a.in.Converter, uom)
	if err != nil {
		return nil, 0, a.wrapConfig(err)
	}
	ls, err = a.checkNegative(ls)
	if err != nil {
		return nil, 0, err
	}
	return ls, len(streams), nil
}

func (a aggregator) checkNegative(ls []level) ([]level, error) {
	for i, l := range ls {
		if !l.Value.IsNegative() {
			continue
		}
		if !a.in.Config.ClampNegative {
			return nil, &ArithmeticError{Line: a.line, Period: a.in.Period, At: l.At, Value: l.Value,
				Reason: "negative stock balance"}
		}
		a.in.Logger.Warn().Str("line", string(a.line)).Time("at", l.At).Str("balance", l.Value.String()).
			Msg("negative stock balance clamped to zero")
		ls[i].Value = decimal.Zero
	}
	return ls, nil
}

func (a aggregator) wrapConfig(err error) error {
	return &ConfigurationError{Contract: contractID(a.in.Contract), Line: a.line, Reason: err.Error()}
}

// =============================================================================
// STORAGE METHODS
// =============================================================================

func (a aggregator) dailyStorage(m DailyStorage, routed []StockLedgerEntry) (Measurement, error) {
	n, err := a.days()
	if err != nil {
		return Measurement{}, err
	}
	ls, streams, err := a.storageSeries(routed, m.UOM)
	if err != nil {
		return Measurement{}, err
	}
	days := decimal.NewFromInt(int64(n))

	var q decimal.Decimal
	switch m.Calc {
	case CalcPeak:
		q = peakOf(ls).Mul(days)
	case CalcAverage:
		q = weightedSeconds(ls, a.in.Period.To).Div(secondsPerDay)
	case CalcEnd:
		q = endOf(ls).Mul(days)
	default:
		q = decimal.Sum(decimal.Zero, endOfDay(ls, a.in.Period)...)
	}
	return Measurement{Quantity: q, Streams: streams, Events: countIn(routed, a.in.Period)}, nil
}

func (a aggregator) storageLevel(m StorageLevel, routed []StockLedgerEntry) (Measurement, error) {
	n, err := a.days()
	if err != nil {
		return Measurement{}, err
	}
	ls, streams, err := a.storageSeries(routed, m.UOM)
	if err != nil {
		return Measurement{}, err
	}

	var q decimal.Decimal
	switch m.Calc {
	case CalcPeak:
		q = peakOf(ls)
	case CalcAverage:
		q = weightedSeconds(ls, a.in.Period.To).Div(a.in.Period.Seconds())
	case CalcEnd:
		q = endOf(ls)
	default:
		eod := endOfDay(ls, a.in.Period)
		q = decimal.Sum(decimal.Zero, eod...).Div(decimal.NewFromInt(int64(n)))
	}
	return Measurement{Quantity: q, Streams: streams, Events: countIn(routed, a.in.Period)}, nil
}

// =============================================================================
// ACTIVITY METHODS
// =============================================================================

// qualifying returns routed entries in the period that count for applies.
func (a aggregator) qualifying(routed []StockLedgerEntry, applies AppliesTo) []StockLedgerEntry {
	p := a.in.Period
	return filterEntries(routed, func(e StockLedgerEntry) bool {
		return p.Contains(e.Timestamp) && qualifies(e, applies)
	})
}

func (a aggregator) movement(m Movement, routed []StockLedgerEntry) (Measurement, error) {
	events := a.qualifying(routed, m.AppliesTo)
	if len(events) == 0 {
		return Measurement{}, a.gap(fmt.Sprintf("no %s movement in period", m.AppliesTo))
	}
	moved := make(Quantities)
	streams := make(map[Stream]bool)
	for _, e := range events {
		e.Quantity = e.Quantity.Abs()
		moved.Add(e)
		streams[e.Stream()] = true
	}
	q, err := a.in.Converter.Convert(moved, m.UOM)
	if err != nil {
		return Measurement{}, a.wrapConfig(err)
	}
	return Measurement{Quantity: q, Streams: len(streams), Events: len(events)}, nil
}

func (a aggregator) distinctUnits(m DistinctUnits, routed []StockLedgerEntry) (Measurement, error) {
	units := make(map[HandlingUnitID]bool)
	events := 0
	for _, e := range a.qualifying(routed, m.AppliesTo) {
		if e.HandlingUnit == "" {
			continue
		}
		if m.Types != nil && !slices.Contains(m.Types, e.HandlingUnitType) {
			continue
		}
		units[e.HandlingUnit] = true
		events++
	}
	if len(units) == 0 {
		return Measurement{}, a.gap("no handling unit activity in period")
	}
	return Measurement{Quantity: decimal.NewFromInt(int64(len(units))), Streams: len(units), Events: events}, nil
}

func (a aggregator) elapsedHours(m ElapsedHours, routed []StockLedgerEntry) (Measurement, error) {
	type span struct{ first, last time.Time }
	jobs := make(map[string]*span)
	var order []string
	events := 0
	for _, e := range a.qualifying(routed, m.AppliesTo) {
		if e.JobRef == "" {
			continue
		}
		events++
		s, ok := jobs[e.JobRef]
		if !ok {
			jobs[e.JobRef] = &span{first: e.Timestamp, last: e.Timestamp}
			order = append(order, e.JobRef)
			continue
		}
		if e.Timestamp.Before(s.first) {
			s.first = e.Timestamp
		}
		if e.Timestamp.After(s.last) {
			s.last = e.Timestamp
		}
	}
	if len(jobs) == 0 {
		return Measurement{}, a.gap("no job activity in period")
	}

	step := m.Increment.Mul(decimal.NewFromInt(3600))
	total := decimal.Zero
	for _, ref := range order {
		s := jobs[ref]
		total = total.Add(seconds(s.last.Sub(s.first)).Div(step).Ceil().Mul(m.Increment))
	}
	return Measurement{Quantity: total, Streams: len(jobs), Events: events}, nil
}

// =============================================================================
// HIGH WATER MARK
// =============================================================================

func (a aggregator) highWaterMark(m HighWaterMark, routed []StockLedgerEntry) (Measurement, error) {
	if len(routed) == 0 {
		return Measurement{}, a.gap("no stock history")
	}
	start := a.watermarkStart(m.Scope, routed)
	end := a.in.Period.To
	if !start.Before(end) {
		return Measurement{}, a.gap("watermark window is empty")
	}

	groups := map[LocationID][]StockLedgerEntry{"": routed}
	if m.Scope == ScopeLocation {
		groups = make(map[LocationID][]StockLedgerEntry)
		for _, e := range routed {
			groups[e.Location] = append(groups[e.Location], e)
		}
	}

	total := decimal.Zero
	for _, entries := range groups {
		ls, err := levels(entries, start, end, a.in.Converter, m.UOM)
		if err != nil {
			return Measurement{}, a.wrapConfig(err)
		}
		if ls, err = a.checkNegative(ls); err != nil {
			return Measurement{}, err
		}
		total = total.Add(peakOf(ls))
	}
	return Measurement{Quantity: total, Streams: len(allStreams(routed)), Events: len(routed)}, nil
}

// watermarkStart is where the watermark history begins. Customer scope
// covers everything, Contract scope starts at the contract, and an explicit
// reset on the contract moves either forward.
func (a aggregator) watermarkStart(scope WatermarkScope, routed []StockLedgerEntry) time.Time {
	start := routed[0].Timestamp
	if c := a.in.Contract; c != nil {
		if scope == ScopeContract {
			start = c.ValidFrom
		}
		if c.WatermarkResetAt != nil && c.WatermarkResetAt.After(start) {
			start = *c.WatermarkResetAt
		}
	}
	return start
}

// =============================================================================
// HELPERS
// =============================================================================

func countIn(entries []StockLedgerEntry, p Period) int {
	n := 0
	for _, e := range entries {
		if p.Contains(e.Timestamp) {
			n++
		}
	}
	return n
}

func contractID(c *Contract) ContractID {
	if c == nil {
		return ""
	}
	return c.ID
}
