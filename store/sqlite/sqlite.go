/*
Package sqlite provides a SQLite-backed implementation of the billing storage interfaces.

PURPOSE:
  Implements billing.TxStore (ledger, contracts, billing documents, charges,
  runs) using SQLite. The PostgreSQL store in store/postgres follows the
  same schema with dialect differences only.

APPEND-ONLY ENFORCEMENT:
  The stock ledger is append-only:
  - No UPDATE statements on stock_ledger
  - No DELETE statements on stock_ledger
  - Corrections arrive as compensating entries

KEY TABLES:
  stock_ledger:      Immutable stock movements (seq breaks timestamp ties)
  contracts:         Contract headers
  contract_lines:    Rate rules, one row per line
  periodic_billings: Billing documents
  computed_charges:  Run output, unique per (billing, line, period)
  billing_runs:      Terminal run records with per-line results

INDEXES:
  - idx_ledger_customer_ts: History reads (hot path)
  - idx_charges_key: Enforces one charge per key
  - idx_runs_billing: Run audit listing

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx hands its callback a view
  bound to the sql.Tx; that view takes no locks of its own.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store, billing.EngineOptions{})

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/warehouse-billing/billing"
)

const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	rw queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(dbPath, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, rw: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Stock ledger (append-only)
	CREATE TABLE IF NOT EXISTS stock_ledger (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		source_event_id TEXT UNIQUE,
		customer_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		handling_unit_id TEXT NOT NULL DEFAULT '',
		handling_unit_type TEXT NOT NULL DEFAULT '',
		location_id TEXT NOT NULL DEFAULT '',
		storage_type TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL,
		uom TEXT NOT NULL,
		purpose TEXT NOT NULL,
		job_ref TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_customer_ts
		ON stock_ledger(customer_id, ts, seq);

	-- Contracts
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_to TEXT,
		currency TEXT NOT NULL,
		billing_cycle TEXT NOT NULL DEFAULT '',
		watermark_reset_at TEXT
	);

	CREATE TABLE IF NOT EXISTS contract_lines (
		contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
		line_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		charge_item TEXT NOT NULL,
		billing_method TEXT NOT NULL,
		uom TEXT NOT NULL DEFAULT '',
		rate TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		min_charge TEXT,
		max_charge TEXT,
		volume_calc TEXT NOT NULL DEFAULT '',
		applies_to TEXT NOT NULL,
		handling_unit_type TEXT NOT NULL DEFAULT '',
		storage_type TEXT NOT NULL DEFAULT '',
		billing_increment TEXT,
		watermark_scope TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (contract_id, line_id)
	);

	-- Billing documents
	CREATE TABLE IF NOT EXISTS periodic_billings (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		date_from TEXT NOT NULL,
		date_to TEXT NOT NULL
	);

	-- Computed charges (replaced per run)
	CREATE TABLE IF NOT EXISTS computed_charges (
		id TEXT PRIMARY KEY,
		billing_id TEXT NOT NULL,
		line_id TEXT NOT NULL,
		charge_item TEXT NOT NULL,
		billing_method TEXT NOT NULL,
		billable_quantity TEXT NOT NULL,
		uom TEXT NOT NULL,
		rate TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		period_from TEXT NOT NULL,
		period_to TEXT NOT NULL,
		generation_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_charges_key
		ON computed_charges(billing_id, line_id, period_from, period_to);

	-- Run audit
	CREATE TABLE IF NOT EXISTS billing_runs (
		generation_id TEXT PRIMARY KEY,
		billing_id TEXT NOT NULL,
		run_key TEXT NOT NULL,
		status TEXT NOT NULL,
		clear_existing INTEGER NOT NULL,
		lines_json TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		permanent INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_billing
		ON billing_runs(billing_id, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ACCESSORS (billing.Store interface)
// =============================================================================

// AppendEntries adds stock movements atomically.
func (s *Store) AppendEntries(ctx context.Context, entries []billing.StockLedgerEntry) error {
	return s.WithTx(ctx, func(tx billing.Store) error {
		return tx.AppendEntries(ctx, entries)
	})
}

func (s *Store) LoadEntries(ctx context.Context, q billing.EntryQuery) ([]billing.StockLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rw.LoadEntries(ctx, q)
}

func (s *Store) SaveContract(ctx context.Context, c billing.Contract) error {
	return s.WithTx(ctx, func(tx billing.Store) error {
		return tx.SaveContract(ctx, c)
	})
}

func (s *Store) GetContract(ctx context.Context, id billing.ContractID) (*billing.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rw.GetContract(ctx, id)
}

func (s *Store) ListContracts(ctx context.Context, customer billing.CustomerID) ([]billing.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rw.ListContracts(ctx, customer)
}

func (s *Store) SaveBilling(ctx context.Context, b billing.PeriodicBilling) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rw.SaveBilling(ctx, b)
}

func (s *Store) GetBilling(ctx context.Context, id billing.BillingID) (*billing.PeriodicBilling, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rw.GetBilling(ctx, id)
}

func (s *Store) ListBillings(ctx context.Context) ([]billing.PeriodicBilling, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rw.ListBillings(ctx)
}

func (s *Store) LoadCharges(ctx context.Context, id billing.BillingID) ([]billing.ComputedCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rw.LoadCharges(ctx, id)
}

func (s *Store) DeleteCharges(ctx context.Context, id billing.BillingID, periods []billing.Period) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rw.DeleteCharges(ctx, id, periods)
}

func (s *Store) InsertCharges(ctx context.Context, charges []billing.ComputedCharge) error {
	return s.WithTx(ctx, func(tx billing.Store) error {
		return tx.InsertCharges(ctx, charges)
	})
}

func (s *Store) SaveRun(ctx context.Context, r billing.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rw.SaveRun(ctx, r)
}

func (s *Store) ListRuns(ctx context.Context, id billing.BillingID) ([]billing.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rw.ListRuns(ctx, id)
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// QUERIES - Shared by the store and its transaction view
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs every statement against q, a *sql.DB or a *sql.Tx.
type queries struct {
	q querier
}

var _ billing.Store = queries{}

func (d queries) AppendEntries(ctx context.Context, entries []billing.StockLedgerEntry) error {
	query := `
		INSERT INTO stock_ledger
		(source_event_id, customer_id, item_id, handling_unit_id, handling_unit_type, location_id,
		 storage_type, quantity, uom, purpose, job_ref, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, e := range entries {
		_, err := d.q.ExecContext(ctx, query,
			nullString(e.SourceEventID),
			e.Customer,
			e.Item,
			e.HandlingUnit,
			e.HandlingUnitType,
			e.Location,
			e.StorageType,
			e.Quantity.String(),
			e.UOM,
			e.Purpose,
			e.JobRef,
			formatTS(e.Timestamp),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: %s", billing.ErrDuplicateEvent, e.SourceEventID)
			}
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}
	return nil
}

func (d queries) LoadEntries(ctx context.Context, q billing.EntryQuery) ([]billing.StockLedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if q.Customer != "" {
		add("customer_id = ?", q.Customer)
	}
	if q.Item != "" {
		add("item_id = ?", q.Item)
	}
	if q.HandlingUnit != "" {
		add("handling_unit_id = ?", q.HandlingUnit)
	}
	if q.Location != "" {
		add("location_id = ?", q.Location)
	}
	if !q.From.IsZero() {
		add("ts >= ?", formatTS(q.From))
	}
	if !q.To.IsZero() {
		add("ts < ?", formatTS(q.To))
	}

	query := `
		SELECT seq, source_event_id, customer_id, item_id, handling_unit_id, handling_unit_type,
		       location_id, storage_type, quantity, uom, purpose, job_ref, ts
		FROM stock_ledger`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts ASC, seq ASC"

	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []billing.StockLedgerEntry
	for rows.Next() {
		var (
			e        billing.StockLedgerEntry
			eventID  sql.NullString
			quantity string
			ts       string
		)
		if err := rows.Scan(&e.Seq, &eventID, &e.Customer, &e.Item, &e.HandlingUnit, &e.HandlingUnitType,
			&e.Location, &e.StorageType, &quantity, &e.UOM, &e.Purpose, &e.JobRef, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.SourceEventID = eventID.String
		if e.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("ledger entry %d: %w", e.Seq, err)
		}
		if e.Timestamp, err = parseTS(ts); err != nil {
			return nil, fmt.Errorf("ledger entry %d: %w", e.Seq, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// CONTRACT STORE
// =============================================================================

func (d queries) SaveContract(ctx context.Context, c billing.Contract) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO contracts (id, customer_id, valid_from, valid_to, currency, billing_cycle, watermark_reset_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to,
			currency = excluded.currency,
			billing_cycle = excluded.billing_cycle,
			watermark_reset_at = excluded.watermark_reset_at
	`, c.ID, c.Customer, formatTS(c.ValidFrom), nullTime(c.ValidTo), c.Currency, c.BillingCycle, nullTime(c.WatermarkResetAt))
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}

	if _, err := d.q.ExecContext(ctx, "DELETE FROM contract_lines WHERE contract_id = ?", c.ID); err != nil {
		return fmt.Errorf("failed to replace contract lines: %w", err)
	}
	for i, l := range c.Lines {
		_, err := d.q.ExecContext(ctx, `
			INSERT INTO contract_lines
			(contract_id, line_id, position, charge_item, billing_method, uom, rate, currency,
			 min_charge, max_charge, volume_calc, applies_to, handling_unit_type, storage_type,
			 billing_increment, watermark_scope)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, l.ID, i, l.ChargeItem, l.BillingMethod, l.UOM, l.Rate.String(), l.Currency,
			nullDecimal(l.MinCharge), nullDecimal(l.MaxCharge), l.VolumeCalc, l.AppliesTo,
			l.HandlingUnitType, l.StorageType, nullDecimal(l.BillingIncrement), l.WatermarkScope)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &billing.ConfigurationError{Contract: c.ID, Line: l.ID, Reason: "duplicate line id"}
			}
			return fmt.Errorf("failed to save contract line: %w", err)
		}
	}
	return nil
}

const contractColumns = `id, customer_id, valid_from, valid_to, currency, billing_cycle, watermark_reset_at`

func (d queries) GetContract(ctx context.Context, id billing.ContractID) (*billing.Contract, error) {
	contracts, err := d.queryContracts(ctx, "SELECT "+contractColumns+" FROM contracts WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, billing.ErrContractNotFound
	}
	return &contracts[0], nil
}

func (d queries) ListContracts(ctx context.Context, customer billing.CustomerID) ([]billing.Contract, error) {
	if customer == "" {
		return d.queryContracts(ctx, "SELECT "+contractColumns+" FROM contracts ORDER BY id")
	}
	return d.queryContracts(ctx, "SELECT "+contractColumns+" FROM contracts WHERE customer_id = ? ORDER BY id", customer)
}

func (d queries) queryContracts(ctx context.Context, query string, args ...any) ([]billing.Contract, error) {
	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}

	var contracts []billing.Contract
	for rows.Next() {
		var (
			c                billing.Contract
			validFrom        string
			validTo, resetAt sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Customer, &validFrom, &validTo, &c.Currency, &c.BillingCycle, &resetAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		if c.ValidFrom, err = parseTS(validFrom); err != nil {
			rows.Close()
			return nil, err
		}
		if c.ValidTo, err = parseNullTS(validTo); err != nil {
			rows.Close()
			return nil, err
		}
		if c.WatermarkResetAt, err = parseNullTS(resetAt); err != nil {
			rows.Close()
			return nil, err
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Close before loading lines; a single-connection pool would block.
	rows.Close()

	for i := range contracts {
		lines, err := d.loadLines(ctx, contracts[i].ID)
		if err != nil {
			return nil, err
		}
		contracts[i].Lines = lines
	}
	return contracts, nil
}

func (d queries) loadLines(ctx context.Context, id billing.ContractID) ([]billing.ContractLine, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT line_id, charge_item, billing_method, uom, rate, currency, min_charge, max_charge,
		       volume_calc, applies_to, handling_unit_type, storage_type, billing_increment, watermark_scope
		FROM contract_lines
		WHERE contract_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query contract lines: %w", err)
	}
	defer rows.Close()

	var lines []billing.ContractLine
	for rows.Next() {
		var (
			l                billing.ContractLine
			rate             string
			minC, maxC, incr sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.ChargeItem, &l.BillingMethod, &l.UOM, &rate, &l.Currency, &minC, &maxC,
			&l.VolumeCalc, &l.AppliesTo, &l.HandlingUnitType, &l.StorageType, &incr, &l.WatermarkScope); err != nil {
			return nil, fmt.Errorf("failed to scan contract line: %w", err)
		}
		if l.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("contract line %s rate: %w", l.ID, err)
		}
		if l.MinCharge, err = parseNullDecimal(minC); err != nil {
			return nil, err
		}
		if l.MaxCharge, err = parseNullDecimal(maxC); err != nil {
			return nil, err
		}
		if l.BillingIncrement, err = parseNullDecimal(incr); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// =============================================================================
// BILLING DOCUMENTS
// =============================================================================

func (d queries) SaveBilling(ctx context.Context, b billing.PeriodicBilling) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO periodic_billings (id, customer_id, contract_id, date_from, date_to)
		VALUES (?, ?, ?, ?, ?)
	`, b.ID, b.Customer, b.Contract, billing.FormatDate(b.DateFrom), billing.FormatDate(b.DateTo))
	if err != nil {
		return fmt.Errorf("failed to save billing: %w", err)
	}
	return nil
}

func (d queries) GetBilling(ctx context.Context, id billing.BillingID) (*billing.PeriodicBilling, error) {
	var (
		b        billing.PeriodicBilling
		from, to string
	)
	err := d.q.QueryRowContext(ctx, `
		SELECT id, customer_id, contract_id, date_from, date_to
		FROM periodic_billings WHERE id = ?
	`, id).Scan(&b.ID, &b.Customer, &b.Contract, &from, &to)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrBillingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing: %w", err)
	}
	if b.DateFrom, err = billing.ParseDate(from); err != nil {
		return nil, err
	}
	if b.DateTo, err = billing.ParseDate(to); err != nil {
		return nil, err
	}
	return &b, nil
}

func (d queries) ListBillings(ctx context.Context) ([]billing.PeriodicBilling, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, customer_id, contract_id, date_from, date_to
		FROM periodic_billings ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list billings: %w", err)
	}
	defer rows.Close()

	var out []billing.PeriodicBilling
	for rows.Next() {
		var (
			b        billing.PeriodicBilling
			from, to string
		)
		if err := rows.Scan(&b.ID, &b.Customer, &b.Contract, &from, &to); err != nil {
			return nil, fmt.Errorf("failed to scan billing: %w", err)
		}
		if b.DateFrom, err = billing.ParseDate(from); err != nil {
			return nil, err
		}
		if b.DateTo, err = billing.ParseDate(to); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// CHARGE STORE
// =============================================================================

func (d queries) LoadCharges(ctx context.Context, id billing.BillingID) ([]billing.ComputedCharge, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, billing_id, line_id, charge_item, billing_method, billable_quantity, uom, rate,
		       amount, currency, period_from, period_to, generation_id, created_at
		FROM computed_charges
		WHERE billing_id = ?
		ORDER BY period_from ASC, line_id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var charges []billing.ComputedCharge
	for rows.Next() {
		var (
			c                   billing.ComputedCharge
			qty, rate, amount   string
			from, to, createdAt string
		)
		if err := rows.Scan(&c.ID, &c.Billing, &c.Line, &c.ChargeItem, &c.Method, &qty, &c.UOM, &rate,
			&amount, &c.Currency, &from, &to, &c.GenerationID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		if c.BillableQuantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if c.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, err
		}
		if c.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if c.Period.From, err = billing.ParseDate(from); err != nil {
			return nil, err
		}
		if c.Period.To, err = billing.ParseDate(to); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

func (d queries) DeleteCharges(ctx context.Context, id billing.BillingID, periods []billing.Period) (int64, error) {
	var removed int64
	for _, p := range periods {
		res, err := d.q.ExecContext(ctx, `
			DELETE FROM computed_charges
			WHERE billing_id = ? AND period_from < ? AND period_to > ?
		`, id, billing.FormatDate(p.To), billing.FormatDate(p.From))
		if err != nil {
			return removed, fmt.Errorf("failed to delete charges: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

func (d queries) InsertCharges(ctx context.Context, charges []billing.ComputedCharge) error {
	query := `
		INSERT INTO computed_charges
		(id, billing_id, line_id, charge_item, billing_method, billable_quantity, uom, rate,
		 amount, currency, period_from, period_to, generation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, c := range charges {
		_, err := d.q.ExecContext(ctx, query,
			c.ID, c.Billing, c.Line, c.ChargeItem, c.Method, c.BillableQuantity.String(), c.UOM, c.Rate.String(),
			c.Amount.String(), c.Currency, billing.FormatDate(c.Period.From), billing.FormatDate(c.Period.To),
			c.GenerationID, formatTS(c.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("charge %s already exists: %w", c.ID, err)
			}
			return fmt.Errorf("failed to insert charge: %w", err)
		}
	}
	return nil
}

// =============================================================================
// RUN STORE
// =============================================================================

func (d queries) SaveRun(ctx context.Context, r billing.Run) error {
	linesJSON, err := json.Marshal(r.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode run lines: %w", err)
	}
	_, err = d.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO billing_runs
		(generation_id, billing_id, run_key, status, clear_existing, lines_json, error, permanent, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.GenerationID, r.Billing, r.Key, r.Status, r.ClearExisting, string(linesJSON), r.Error, r.Permanent,
		formatTS(r.StartedAt), nullTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (d queries) ListRuns(ctx context.Context, id billing.BillingID) ([]billing.Run, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT generation_id, billing_id, run_key, status, clear_existing, lines_json, error, permanent, started_at, completed_at
		FROM billing_runs
		WHERE billing_id = ?
		ORDER BY started_at DESC, rowid DESC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []billing.Run
	for rows.Next() {
		var (
			r         billing.Run
			linesJSON string
			startedAt string
			completed sql.NullString
		)
		if err := rows.Scan(&r.GenerationID, &r.Billing, &r.Key, &r.Status, &r.ClearExisting, &linesJSON,
			&r.Error, &r.Permanent, &startedAt, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(linesJSON), &r.Lines); err != nil {
			return nil, fmt.Errorf("failed to decode run lines: %w", err)
		}
		if r.StartedAt, err = parseTS(startedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseNullTS(completed); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTS(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTS(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTS(*t), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
