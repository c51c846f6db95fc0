package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PERIOD - Half-open billing window
// =============================================================================

// Period is the half-open interval [From, To) on UTC calendar days.
//
// Examples:
//   - March 2025: [2025-03-01, 2025-04-01)
//   - One week:   [2025-03-03, 2025-03-10)
type Period struct {
	From time.Time
	To   time.Time
}

// Validate checks that the period spans at least one whole calendar day.
func (p Period) Validate() error {
	if p.From.IsZero() || p.To.IsZero() {
		return fmt.Errorf("%w: missing bound", ErrInvalidPeriod)
	}
	if !IsMidnight(p.From) || !IsMidnight(p.To) {
		return fmt.Errorf("%w: bounds must be calendar days, got %s", ErrInvalidPeriod, p)
	}
	if !p.From.Before(p.To) {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, p)
	}
	return nil
}

// Contains returns true if t is within [From, To).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.From) && t.Before(p.To)
}

// DayCount is the number of calendar days in the period.
func (p Period) DayCount() int { return DaysBetween(p.From, p.To) }

// Days returns the start of every calendar day in the period.
func (p Period) Days() []time.Time {
	var days []time.Time
	for d := p.From; d.Before(p.To); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Seconds is the period length as a decimal, for time weighting.
func (p Period) Seconds() decimal.Decimal {
	return seconds(p.To.Sub(p.From))
}

// Intersect returns the overlap of two periods and whether it is non-empty.
func (p Period) Intersect(o Period) (Period, bool) {
	r := Period{From: maxTime(p.From, o.From), To: minTime(p.To, o.To)}
	return r, r.From.Before(r.To)
}

func (p Period) String() string {
	return "[" + FormatDate(p.From) + ", " + FormatDate(p.To) + ")"
}

// =============================================================================
// BILLING CYCLE - Splits a billing document into periods
// =============================================================================

// Split cuts p into consecutive periods aligned to the cycle. The first and
// last pieces are partial when p does not start or end on a boundary.
func (p Period) Split(cycle BillingCycle) []Period {
	switch cycle {
	case CycleMonthly:
		return p.splitBy(func(t time.Time) time.Time { return StartOfMonth(t).AddDate(0, 1, 0) })
	case CycleWeekly:
		return p.splitBy(func(t time.Time) time.Time { return StartOfWeek(t).AddDate(0, 0, 7) })
	default:
		return []Period{p}
	}
}

func (p Period) splitBy(next func(time.Time) time.Time) []Period {
	var out []Period
	for start := p.From; start.Before(p.To); {
		end := minTime(next(start), p.To)
		out = append(out, Period{From: start, To: end})
		start = end
	}
	return out
}

// Span returns the smallest period covering all of ps.
func Span(ps []Period) Period {
	if len(ps) == 0 {
		return Period{}
	}
	s := ps[0]
	for _, p := range ps[1:] {
		s.From = minTime(s.From, p.From)
		s.To = maxTime(s.To, p.To)
	}
	return s
}
