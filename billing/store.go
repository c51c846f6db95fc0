/*
store.go - Persistence interfaces for the billing engine

PURPOSE:
  Defines the boundary between billing logic and the database. The engine
  reads the stock ledger, contracts and billing documents, and writes only
  computed charges and run records.

KEY INTERFACES:
  LedgerStore:   Append-only stock movements (ingestion + range reads)
  ContractStore: Contracts and their lines
  BillingStore:  Periodic billing documents
  ChargeStore:   Computed charges (replaced per run)
  RunStore:      Terminal run records for audit
  TxStore:       All of the above plus WithTx for atomic commits

APPEND-ONLY LEDGER:
  LedgerStore has no Update or Delete. Corrections arrive as compensating
  entries. AppendEntries assigns each entry its insertion sequence and
  rejects a source event ID that was already ingested.

ATOMIC COMMIT:
  A run's charges become visible in a single WithTx call: delete every
  charge of the billing document for the run's periods, insert the staged
  charges, save the run record. Either all of it happens or none of it.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and development
  - store/sqlite: SQLite (database/sql + go-sqlite3)
  - store/postgres: PostgreSQL (pgx)

SEE ALSO:
  - ledger.go: Read-only ledger access built on LedgerStore
  - materialize.go: Uses WithTx to commit a run
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE - Append-only stock movements
// =============================================================================

// EntryQuery selects ledger entries. Empty fields match anything; zero
// bounds are open.
type EntryQuery struct {
	Customer     CustomerID
	Item         ItemID
	HandlingUnit HandlingUnitID
	Location     LocationID
	From         time.Time // inclusive
	To           time.Time // exclusive
}

// Matches applies the query to a single entry.
func (q EntryQuery) Matches(e StockLedgerEntry) bool {
	if q.Customer != "" && e.Customer != q.Customer {
		return false
	}
	if q.Item != "" && e.Item != q.Item {
		return false
	}
	if q.HandlingUnit != "" && e.HandlingUnit != q.HandlingUnit {
		return false
	}
	if q.Location != "" && e.Location != q.Location {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !e.Timestamp.Before(q.To) {
		return false
	}
	return true
}

type LedgerStore interface {
	// AppendEntries persists entries atomically, assigning Seq in order.
	// Returns ErrDuplicateEvent if a SourceEventID already exists.
	AppendEntries(ctx context.Context, entries []StockLedgerEntry) error

	// LoadEntries returns matching entries ordered by Timestamp, then Seq.
	LoadEntries(ctx context.Context, q EntryQuery) ([]StockLedgerEntry, error)
}

// =============================================================================
// CONTRACT & BILLING DOCUMENTS
// =============================================================================

type ContractStore interface {
	SaveContract(ctx context.Context, c Contract) error
	// GetContract returns ErrContractNotFound for an unknown ID.
	GetContract(ctx context.Context, id ContractID) (*Contract, error)
	ListContracts(ctx context.Context, customer CustomerID) ([]Contract, error)
}

type BillingStore interface {
	SaveBilling(ctx context.Context, b PeriodicBilling) error
	// GetBilling returns ErrBillingNotFound for an unknown ID.
	GetBilling(ctx context.Context, id BillingID) (*PeriodicBilling, error)
	ListBillings(ctx context.Context) ([]PeriodicBilling, error)
}

// =============================================================================
// CHARGES & RUNS - Engine output
// =============================================================================

type ChargeStore interface {
	// LoadCharges returns the committed charges of a billing document,
	// ordered by period then line.
	LoadCharges(ctx context.Context, billing BillingID) ([]ComputedCharge, error)

	// DeleteCharges removes every charge of the document whose period
	// overlaps any of periods. Returns the number removed.
	DeleteCharges(ctx context.Context, billing BillingID, periods []Period) (int64, error)

	// InsertCharges adds charges. A second charge for the same
	// (billing, line, period) key is an error.
	InsertCharges(ctx context.Context, charges []ComputedCharge) error
}

type RunStore interface {
	SaveRun(ctx context.Context, r Run) error
	// ListRuns returns runs of a document, newest first.
	ListRuns(ctx context.Context, billing BillingID) ([]Run, error)
}

// Store is every persistence capability the engine needs.
type Store interface {
	LedgerStore
	ContractStore
	BillingStore
	ChargeStore
	RunStore
}

// =============================================================================
// TRANSACTIONAL STORE - For the run commit
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
