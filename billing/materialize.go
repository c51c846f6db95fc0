/*
materialize.go - Staged charges and the atomic run commit

PURPOSE:
  Turns measurements into ComputedCharge rows and makes them visible in one
  transaction. Nothing is written while lines are being computed; charges
  are staged in memory and either committed together or discarded together.

PRICING:
  amount = quantity × rate
  amount = max(min_charge, amount)   when min_charge is set
  amount = min(max_charge, amount)   when max_charge is set
  rounded half away from zero to the currency's scale

COMMIT:
  One WithTx call:
    1. delete every charge of the billing document overlapping the run's
       periods
    2. insert the staged charges
    3. save the run record
  A crash inside the transaction rolls all three back. The next run
  recomputes every line from the ledger, never just the insert.

SEE ALSO:
  - store.go: TxStore and ChargeStore
  - run.go: Stages one charge per charged line, then commits
*/
package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCharge applies rate, clamps and currency rounding to a quantity.
func PriceCharge(line ContractLine, q decimal.Decimal, scale int32) decimal.Decimal {
	amount := q.Mul(line.Rate)
	if line.MinCharge != nil && amount.LessThan(*line.MinCharge) {
		amount = *line.MinCharge
	}
	if line.MaxCharge != nil && amount.GreaterThan(*line.MaxCharge) {
		amount = *line.MaxCharge
	}
	return amount.Round(scale)
}

// Materializer is the staging arena of one run.
type Materializer struct {
	generation string
	now        time.Time
	cfg        Config

	mu     sync.Mutex
	staged []ComputedCharge
}

func NewMaterializer(generation string, now time.Time, cfg Config) *Materializer {
	return &Materializer{generation: generation, now: now, cfg: cfg}
}

// Stage prices a measurement and adds the charge to the arena. Safe for
// concurrent use by line workers.
func (m *Materializer) Stage(b PeriodicBilling, c *Contract, line ContractLine, p Period, meas Measurement) ComputedCharge {
	currency := line.Currency
	if currency == "" {
		currency = c.Currency
	}
	charge := ComputedCharge{
		ID:               ChargeID(b.ID, line.ID, p),
		Billing:          b.ID,
		Line:             line.ID,
		ChargeItem:       line.ChargeItem,
		Method:           line.BillingMethod,
		BillableQuantity: meas.Quantity,
		UOM:              meas.UOM,
		Rate:             line.Rate,
		Amount:           PriceCharge(line, meas.Quantity, m.cfg.ScaleFor(currency)),
		Currency:         currency,
		Period:           p,
		GenerationID:     m.generation,
		CreatedAt:        m.now,
	}

	m.mu.Lock()
	m.staged = append(m.staged, charge)
	m.mu.Unlock()
	return charge
}

// Staged returns the arena in key order.
func (m *Materializer) Staged() []ComputedCharge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]ComputedCharge(nil), m.staged...)
	SortCharges(out)
	return out
}

// Discard drops every staged charge.
func (m *Materializer) Discard() {
	m.mu.Lock()
	m.staged = nil
	m.mu.Unlock()
}

// Commit replaces the document's charges for periods with the arena and
// saves the run record, in one transaction.
func (m *Materializer) Commit(ctx context.Context, store TxStore, billing BillingID, periods []Period, run Run) error {
	charges := m.Staged()
	seen := make(map[string]bool, len(charges))
	for _, c := range charges {
		if seen[c.ID] {
			return fmt.Errorf("staged charge %s twice", c.ID)
		}
		seen[c.ID] = true
	}

	return store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.DeleteCharges(ctx, billing, periods); err != nil {
			return fmt.Errorf("delete stale charges: %w", err)
		}
		if len(charges) > 0 {
			if err := tx.InsertCharges(ctx, charges); err != nil {
				return fmt.Errorf("insert charges: %w", err)
			}
		}
		if err := tx.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		return nil
	})
}

// SortCharges orders charges by period, then line.
func SortCharges(cs []ComputedCharge) {
	sort.SliceStable(cs, func(i, j int) bool {
		if !cs[i].Period.From.Equal(cs[j].Period.From) {
			return cs[i].Period.From.Before(cs[j].Period.From)
		}
		return cs[i].Line < cs[j].Line
	})
}
