package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE SERIES - Step function of a combined balance
// =============================================================================

// level is a balance held from At until the next level (or the window end).
type level struct {
	At    time.Time
	Value decimal.Decimal
}

var secondsPerDay = decimal.NewFromInt(86400)

// seconds converts d to decimal seconds without dropping the sub-second part.
func seconds(d time.Duration) decimal.Decimal {
	return decimal.New(int64(d), -9)
}

// levels replays entries (ordered, all before to) into the step function of
// their combined balance over [from, to). The first level is the opening
// balance at from. Balances only change at event timestamps, and every
// entry sharing a timestamp is applied before the level is sampled, so a
// compensating entry at the same instant never shows up as a spike.
func levels(entries []StockLedgerEntry, from, to time.Time, conv *Converter, uom UOM) ([]level, error) {
	bal := make(Quantities)
	i := 0
	for ; i < len(entries) && entries[i].Timestamp.Before(from); i++ {
		bal.Add(entries[i])
	}
	opening, err := conv.Convert(bal, uom)
	if err != nil {
		return nil, err
	}
	out := []level{{At: from, Value: opening}}

	for i < len(entries) && entries[i].Timestamp.Before(to) {
		at := entries[i].Timestamp
		for ; i < len(entries) && entries[i].Timestamp.Equal(at); i++ {
			bal.Add(entries[i])
		}
		v, err := conv.Convert(bal, uom)
		if err != nil {
			return nil, err
		}
		if at.Equal(from) {
			// Zero-duration opening level is replaced by the level at from.
			out[0].Value = v
			continue
		}
		out = append(out, level{At: at, Value: v})
	}
	return out, nil
}

func peakOf(ls []level) decimal.Decimal {
	m := ls[0].Value
	for _, l := range ls[1:] {
		m = decimal.Max(m, l.Value)
	}
	return m
}

// endOf is the balance held at the window end.
func endOf(ls []level) decimal.Decimal { return ls[len(ls)-1].Value }

// weightedSeconds is Σ(value × seconds held) over [ls[0].At, to).
// Step weighting, no interpolation between events.
func weightedSeconds(ls []level, to time.Time) decimal.Decimal {
	sum := decimal.Zero
	for i, l := range ls {
		next := to
		if i+1 < len(ls) {
			next = ls[i+1].At
		}
		sum = sum.Add(l.Value.Mul(seconds(next.Sub(l.At))))
	}
	return sum
}

// endOfDay returns the balance at the end of every day in p.
func endOfDay(ls []level, p Period) []decimal.Decimal {
	days := p.Days()
	out := make([]decimal.Decimal, len(days))
	j := 0
	for i, d := range days {
		eod := d.AddDate(0, 0, 1)
		for j+1 < len(ls) && ls[j+1].At.Before(eod) {
			j++
		}
		out[i] = ls[j].Value
	}
	return out
}

// =============================================================================
// STREAM FILTERS
// =============================================================================

// activeStreams returns the streams with at least one entry in p.
func activeStreams(entries []StockLedgerEntry, p Period) map[Stream]bool {
	active := make(map[Stream]bool)
	for _, e := range entries {
		if p.Contains(e.Timestamp) {
			active[e.Stream()] = true
		}
	}
	return active
}

func allStreams(entries []StockLedgerEntry) map[Stream]bool {
	all := make(map[Stream]bool)
	for _, e := range entries {
		all[e.Stream()] = true
	}
	return all
}

func filterEntries(entries []StockLedgerEntry, keep func(StockLedgerEntry) bool) []StockLedgerEntry {
	var out []StockLedgerEntry
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
