/*
ledger.go - Read-only access to the stock ledger

PURPOSE:
  The stock ledger is the system of record for stock balances. Warehouse
  jobs (inbound, release, transfer, VAS, stocktake) append movements to it;
  the billing engine only ever reads. Balances are never stored, they are
  replayed from movements.

CRITICAL INVARIANTS:
  1. READ-ONLY: LedgerReader exposes no write method
  2. DETERMINISTIC: entries come back ordered by timestamp, then insertion
     sequence, so two replays of the same ledger agree
  3. ABSENCE IS NOT AN ERROR: an unknown customer or item yields an empty
     result

BALANCE CONVENTION:
  BalanceAt(at) sums entries strictly before at. The end-of-day balance of
  day d is therefore BalanceAt(d + 24h), and the opening balance of a
  period is BalanceAt(period.From).

CORRECTIONS:
  A wrong movement is never edited. A compensating entry is appended with
  the opposite sign and both remain in the ledger.

SEE ALSO:
  - store.go: LedgerStore persistence interface
  - series.go: Balance series built from ledger history
*/
package billing

import (
	"context"
	"sort"
	"time"
)

// =============================================================================
// LEDGER READER
// =============================================================================

// LedgerReader is the engine's only view of the stock ledger.
type LedgerReader interface {
	// BalanceAt returns the signed sum of matching entries before at.
	BalanceAt(ctx context.Context, q EntryQuery, at time.Time) (Quantities, error)

	// EventsIn returns matching entries within [p.From, p.To).
	EventsIn(ctx context.Context, q EntryQuery, p Period) ([]StockLedgerEntry, error)

	// History returns every matching entry before the given instant.
	History(ctx context.Context, q EntryQuery, before time.Time) ([]StockLedgerEntry, error)
}

type DefaultLedgerReader struct {
	Store LedgerStore
}

func NewLedgerReader(store LedgerStore) *DefaultLedgerReader {
	return &DefaultLedgerReader{Store: store}
}

func (r *DefaultLedgerReader) BalanceAt(ctx context.Context, q EntryQuery, at time.Time) (Quantities, error) {
	entries, err := r.History(ctx, q, at)
	if err != nil {
		return nil, err
	}
	bal := make(Quantities)
	for _, e := range entries {
		bal.Add(e)
	}
	return bal, nil
}

func (r *DefaultLedgerReader) EventsIn(ctx context.Context, q EntryQuery, p Period) ([]StockLedgerEntry, error) {
	q.From, q.To = p.From, p.To
	return r.load(ctx, q)
}

func (r *DefaultLedgerReader) History(ctx context.Context, q EntryQuery, before time.Time) ([]StockLedgerEntry, error) {
	q.From, q.To = time.Time{}, before
	return r.load(ctx, q)
}

func (r *DefaultLedgerReader) load(ctx context.Context, q EntryQuery) ([]StockLedgerEntry, error) {
	entries, err := r.Store.LoadEntries(ctx, q)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []StockLedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entryBefore(entries[i], entries[j]) })
}
