/*
Package postgres provides a PostgreSQL implementation of billing.TxStore.

PURPOSE:
  Production storage for the billing engine. Same tables as store/sqlite,
  with native types: NUMERIC for quantities and money (scanned straight
  into decimal.Decimal), TIMESTAMPTZ for ledger instants, DATE for periods
  and JSONB for per-line run results.

TRANSACTIONS:
  WithTx runs at REPEATABLE READ so the delete + insert + run record of a
  commit sees one consistent snapshot.

LOCKING:
  AdvisoryLocker implements billing.RunLocker with session advisory locks,
  so two workers sharing the database never run the same key at once.

SEE ALSO:
  - store/sqlite: Embedded equivalent
  - lock/redis.go: Redis run lock for deployments without shared Postgres
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/warehouse-billing/billing"
)

const uniqueViolation = "23505"

// Connect creates a pool with the decimal codec registered on every
// connection and checks it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Store implements billing.TxStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	queries
}

var _ billing.TxStore = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{q: pool}}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// AppendEntries inserts a batch atomically.
func (s *Store) AppendEntries(ctx context.Context, entries []billing.StockLedgerEntry) error {
	return s.WithTx(ctx, func(tx billing.Store) error { return tx.AppendEntries(ctx, entries) })
}

func (s *Store) SaveContract(ctx context.Context, c billing.Contract) error {
	return s.WithTx(ctx, func(tx billing.Store) error { return tx.SaveContract(ctx, c) })
}

func (s *Store) InsertCharges(ctx context.Context, charges []billing.ComputedCharge) error {
	return s.WithTx(ctx, func(tx billing.Store) error { return tx.InsertCharges(ctx, charges) })
}

// WithTx executes fn within a REPEATABLE READ transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS stock_ledger (
	seq BIGSERIAL PRIMARY KEY,
	source_event_id TEXT UNIQUE,
	customer_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	handling_unit_id TEXT NOT NULL DEFAULT '',
	handling_unit_type TEXT NOT NULL DEFAULT '',
	location_id TEXT NOT NULL DEFAULT '',
	storage_type TEXT NOT NULL DEFAULT '',
	quantity NUMERIC NOT NULL,
	uom TEXT NOT NULL,
	purpose TEXT NOT NULL,
	job_ref TEXT NOT NULL DEFAULT '',
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_customer_ts ON stock_ledger(customer_id, ts, seq);

CREATE TABLE IF NOT EXISTS contracts (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	valid_from TIMESTAMPTZ NOT NULL,
	valid_to TIMESTAMPTZ,
	currency TEXT NOT NULL,
	billing_cycle TEXT NOT NULL DEFAULT '',
	watermark_reset_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS contract_lines (
	contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
	line_id TEXT NOT NULL,
	position INT NOT NULL,
	charge_item TEXT NOT NULL,
	billing_method TEXT NOT NULL,
	uom TEXT NOT NULL DEFAULT '',
	rate NUMERIC NOT NULL,
	currency TEXT NOT NULL DEFAULT '',
	min_charge NUMERIC,
	max_charge NUMERIC,
	volume_calc TEXT NOT NULL DEFAULT '',
	applies_to TEXT NOT NULL,
	handling_unit_type TEXT NOT NULL DEFAULT '',
	storage_type TEXT NOT NULL DEFAULT '',
	billing_increment NUMERIC,
	watermark_scope TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (contract_id, line_id)
);

CREATE TABLE IF NOT EXISTS periodic_billings (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	contract_id TEXT NOT NULL,
	date_from DATE NOT NULL,
	date_to DATE NOT NULL
);

CREATE TABLE IF NOT EXISTS computed_charges (
	id TEXT PRIMARY KEY,
	billing_id TEXT NOT NULL,
	line_id TEXT NOT NULL,
	charge_item TEXT NOT NULL,
	billing_method TEXT NOT NULL,
	billable_quantity NUMERIC NOT NULL,
	uom TEXT NOT NULL,
	rate NUMERIC NOT NULL,
	amount NUMERIC NOT NULL,
	currency TEXT NOT NULL,
	period_from DATE NOT NULL,
	period_to DATE NOT NULL,
	generation_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (billing_id, line_id, period_from, period_to)
);

CREATE TABLE IF NOT EXISTS billing_runs (
	generation_id TEXT PRIMARY KEY,
	billing_id TEXT NOT NULL,
	run_key TEXT NOT NULL,
	status TEXT NOT NULL,
	clear_existing BOOLEAN NOT NULL,
	lines JSONB NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	permanent BOOLEAN NOT NULL DEFAULT FALSE,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
ALTER TABLE billing_runs ADD COLUMN IF NOT EXISTS permanent BOOLEAN NOT NULL DEFAULT FALSE;
CREATE INDEX IF NOT EXISTS idx_runs_billing ON billing_runs(billing_id, started_at);
`

// =============================================================================
// QUERIES
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries runs against the pool or a transaction.
type queries struct {
	q querier
}

func (d queries) AppendEntries(ctx context.Context, entries []billing.StockLedgerEntry) error {
	for _, e := range entries {
		var eventID *string
		if e.SourceEventID != "" {
			eventID = &e.SourceEventID
		}
		_, err := d.q.Exec(ctx, `
			INSERT INTO stock_ledger
			(source_event_id, customer_id, item_id, handling_unit_id, handling_unit_type, location_id,
			 storage_type, quantity, uom, purpose, job_ref, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, eventID, string(e.Customer), string(e.Item), string(e.HandlingUnit), e.HandlingUnitType, string(e.Location),
			e.StorageType, e.Quantity, string(e.UOM), string(e.Purpose), e.JobRef, e.Timestamp.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", billing.ErrDuplicateEvent, e.SourceEventID)
			}
			return fmt.Errorf("postgres: append ledger entry: %w", err)
		}
	}
	return nil
}

func (d queries) LoadEntries(ctx context.Context, q billing.EntryQuery) ([]billing.StockLedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(column string, op string, v any) {
		args = append(args, v)
		where = append(where, column+" "+op+" $"+strconv.Itoa(len(args)))
	}
	if q.Customer != "" {
		add("customer_id", "=", string(q.Customer))
	}
	if q.Item != "" {
		add("item_id", "=", string(q.Item))
	}
	if q.HandlingUnit != "" {
		add("handling_unit_id", "=", string(q.HandlingUnit))
	}
	if q.Location != "" {
		add("location_id", "=", string(q.Location))
	}
	if !q.From.IsZero() {
		add("ts", ">=", q.From)
	}
	if !q.To.IsZero() {
		add("ts", "<", q.To)
	}

	sql := `SELECT seq, COALESCE(source_event_id, ''), customer_id, item_id, handling_unit_id, handling_unit_type,
	               location_id, storage_type, quantity, uom, purpose, job_ref, ts
	        FROM stock_ledger`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY ts, seq"

	rows, err := d.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query ledger: %w", err)
	}
	defer rows.Close()

	var out []billing.StockLedgerEntry
	for rows.Next() {
		var (
			e                                     billing.StockLedgerEntry
			customer, item, hu, loc, uom, purpose string
		)
		if err := rows.Scan(&e.Seq, &e.SourceEventID, &customer, &item, &hu, &e.HandlingUnitType,
			&loc, &e.StorageType, &e.Quantity, &uom, &purpose, &e.JobRef, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan ledger entry: %w", err)
		}
		e.Customer, e.Item, e.HandlingUnit, e.Location = billing.CustomerID(customer), billing.ItemID(item), billing.HandlingUnitID(hu), billing.LocationID(loc)
		e.UOM, e.Purpose = billing.UOM(uom), billing.Purpose(purpose)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// CONTRACTS
// =============================================================================

func (d queries) SaveContract(ctx context.Context, c billing.Contract) error {
	_, err := d.q.Exec(ctx, `
		INSERT INTO contracts (id, customer_id, valid_from, valid_to, currency, billing_cycle, watermark_reset_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			customer_id = EXCLUDED.customer_id,
			valid_from = EXCLUDED.valid_from,
			valid_to = EXCLUDED.valid_to,
			currency = EXCLUDED.currency,
			billing_cycle = EXCLUDED.billing_cycle,
			watermark_reset_at = EXCLUDED.watermark_reset_at
	`, string(c.ID), string(c.Customer), c.ValidFrom, c.ValidTo, c.Currency, string(c.BillingCycle), c.WatermarkResetAt)
	if err != nil {
		return fmt.Errorf("postgres: save contract: %w", err)
	}
	if _, err := d.q.Exec(ctx, `DELETE FROM contract_lines WHERE contract_id = $1`, string(c.ID)); err != nil {
		return fmt.Errorf("postgres: replace contract lines: %w", err)
	}

	batch := &pgx.Batch{}
	for i, l := range c.Lines {
		batch.Queue(`
			INSERT INTO contract_lines
			(contract_id, line_id, position, charge_item, billing_method, uom, rate, currency, min_charge, max_charge,
			 volume_calc, applies_to, handling_unit_type, storage_type, billing_increment, watermark_scope)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, string(c.ID), string(l.ID), i, l.ChargeItem, string(l.BillingMethod), string(l.UOM), l.Rate, l.Currency,
			l.MinCharge, l.MaxCharge, string(l.VolumeCalc), string(l.AppliesTo), l.HandlingUnitType, l.StorageType,
			l.BillingIncrement, string(l.WatermarkScope))
	}
	if batch.Len() == 0 {
		return nil
	}
	sender, ok := d.q.(interface {
		SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
	})
	if !ok {
		return errors.New("postgres: querier cannot send batches")
	}
	br := sender.SendBatch(ctx, batch)
	for range c.Lines {
		if _, err := br.Exec(); err != nil {
			br.Close()
			if isUniqueViolation(err) {
				return &billing.ConfigurationError{Contract: c.ID, Reason: "duplicate line id"}
			}
			return fmt.Errorf("postgres: save contract line: %w", err)
		}
	}
	return br.Close()
}

func (d queries) GetContract(ctx context.Context, id billing.ContractID) (*billing.Contract, error) {
	cs, err := d.queryContracts(ctx, `WHERE id = $1`, string(id))
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, billing.ErrContractNotFound
	}
	return &cs[0], nil
}

func (d queries) ListContracts(ctx context.Context, customer billing.CustomerID) ([]billing.Contract, error) {
	if customer == "" {
		return d.queryContracts(ctx, `ORDER BY id`)
	}
	return d.queryContracts(ctx, `WHERE customer_id = $1 ORDER BY id`, string(customer))
}

func (d queries) queryContracts(ctx context.Context, tail string, args ...any) ([]billing.Contract, error) {
	rows, err := d.q.Query(ctx, `
		SELECT id, customer_id, valid_from, valid_to, currency, billing_cycle, watermark_reset_at
		FROM contracts `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query contracts: %w", err)
	}
	contracts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.Contract, error) {
		var (
			c                   billing.Contract
			id, customer, cycle string
		)
		err := row.Scan(&id, &customer, &c.ValidFrom, &c.ValidTo, &c.Currency, &cycle, &c.WatermarkResetAt)
		c.ID, c.Customer, c.BillingCycle = billing.ContractID(id), billing.CustomerID(customer), billing.BillingCycle(cycle)
		c.ValidFrom = c.ValidFrom.UTC()
		c.ValidTo = utcPtr(c.ValidTo)
		c.WatermarkResetAt = utcPtr(c.WatermarkResetAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan contract: %w", err)
	}

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
	rows, err := d.q.Query(ctx, `
		SELECT line_id, charge_item, billing_method, uom, rate, currency, min_charge, max_charge,
		       volume_calc, applies_to, handling_unit_type, storage_type, billing_increment, watermark_scope
		FROM contract_lines WHERE contract_id = $1 ORDER BY position
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("postgres: query contract lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.ContractLine, error) {
		var (
			l                                         billing.ContractLine
			lineID, method, uom, calc, applies, scope string
		)
		err := row.Scan(&lineID, &l.ChargeItem, &method, &uom, &l.Rate, &l.Currency, &l.MinCharge, &l.MaxCharge,
			&calc, &applies, &l.HandlingUnitType, &l.StorageType, &l.BillingIncrement, &scope)
		l.ID, l.BillingMethod, l.UOM = billing.LineID(lineID), billing.BillingMethod(method), billing.UOM(uom)
		l.VolumeCalc, l.AppliesTo, l.WatermarkScope = billing.VolumeCalc(calc), billing.AppliesTo(applies), billing.WatermarkScope(scope)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan contract line: %w", err)
	}
	return lines, nil
}

// =============================================================================
// BILLING DOCUMENTS
// =============================================================================

func (d queries) SaveBilling(ctx context.Context, b billing.PeriodicBilling) error {
	_, err := d.q.Exec(ctx, `
		INSERT INTO periodic_billings (id, customer_id, contract_id, date_from, date_to)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			customer_id = EXCLUDED.customer_id,
			contract_id = EXCLUDED.contract_id,
			date_from = EXCLUDED.date_from,
			date_to = EXCLUDED.date_to
	`, string(b.ID), string(b.Customer), string(b.Contract), b.DateFrom, b.DateTo)
	if err != nil {
		return fmt.Errorf("postgres: save billing: %w", err)
	}
	return nil
}

func (d queries) GetBilling(ctx context.Context, id billing.BillingID) (*billing.PeriodicBilling, error) {
	bs, err := d.queryBillings(ctx, `WHERE id = $1`, string(id))
	if err != nil {
		return nil, err
	}
	if len(bs) == 0 {
		return nil, billing.ErrBillingNotFound
	}
	return &bs[0], nil
}

func (d queries) ListBillings(ctx context.Context) ([]billing.PeriodicBilling, error) {
	return d.queryBillings(ctx, `ORDER BY id`)
}

func (d queries) queryBillings(ctx context.Context, tail string, args ...any) ([]billing.PeriodicBilling, error) {
	rows, err := d.q.Query(ctx, `
		SELECT id, customer_id, contract_id, date_from, date_to FROM periodic_billings `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query billings: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.PeriodicBilling, error) {
		var (
			b                      billing.PeriodicBilling
			id, customer, contract string
		)
		err := row.Scan(&id, &customer, &contract, &b.DateFrom, &b.DateTo)
		b.ID, b.Customer, b.Contract = billing.BillingID(id), billing.CustomerID(customer), billing.ContractID(contract)
		b.DateFrom, b.DateTo = billing.StartOfDay(b.DateFrom), billing.StartOfDay(b.DateTo)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan billing: %w", err)
	}
	return out, nil
}

// =============================================================================
// CHARGES
// =============================================================================

func (d queries) LoadCharges(ctx context.Context, id billing.BillingID) ([]billing.ComputedCharge, error) {
	rows, err := d.q.Query(ctx, `
		SELECT id, billing_id, line_id, charge_item, billing_method, billable_quantity, uom, rate,
		       amount, currency, period_from, period_to, generation_id, created_at
		FROM computed_charges WHERE billing_id = $1
		ORDER BY period_from, line_id
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("postgres: query charges: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.ComputedCharge, error) {
		var (
			c                            billing.ComputedCharge
			billingID, line, method, uom string
		)
		err := row.Scan(&c.ID, &billingID, &line, &c.ChargeItem, &method, &c.BillableQuantity, &uom, &c.Rate,
			&c.Amount, &c.Currency, &c.Period.From, &c.Period.To, &c.GenerationID, &c.CreatedAt)
		c.Billing, c.Line, c.Method, c.UOM = billing.BillingID(billingID), billing.LineID(line), billing.BillingMethod(method), billing.UOM(uom)
		c.Period.From, c.Period.To = billing.StartOfDay(c.Period.From), billing.StartOfDay(c.Period.To)
		c.CreatedAt = c.CreatedAt.UTC()
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan charge: %w", err)
	}
	return out, nil
}

func (d queries) DeleteCharges(ctx context.Context, id billing.BillingID, periods []billing.Period) (int64, error) {
	var removed int64
	for _, p := range periods {
		tag, err := d.q.Exec(ctx, `
			DELETE FROM computed_charges
			WHERE billing_id = $1 AND period_from < $2 AND period_to > $3
		`, string(id), p.To, p.From)
		if err != nil {
			return removed, fmt.Errorf("postgres: delete charges: %w", err)
		}
		removed += tag.RowsAffected()
	}
	return removed, nil
}

func (d queries) InsertCharges(ctx context.Context, charges []billing.ComputedCharge) error {
	rows := make([][]any, len(charges))
	for i, c := range charges {
		rows[i] = []any{c.ID, string(c.Billing), string(c.Line), c.ChargeItem, string(c.Method), c.BillableQuantity,
			string(c.UOM), c.Rate, c.Amount, c.Currency, c.Period.From, c.Period.To, c.GenerationID, c.CreatedAt}
	}
	copier, ok := d.q.(interface {
		CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error)
	})
	if !ok {
		return errors.New("postgres: querier cannot copy")
	}
	_, err := copier.CopyFrom(ctx, pgx.Identifier{"computed_charges"}, []string{
		"id", "billing_id", "line_id", "charge_item", "billing_method", "billable_quantity", "uom", "rate",
		"amount", "currency", "period_from", "period_to", "generation_id", "created_at",
	}, pgx.CopyFromRows(rows))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: charge already exists: %w", err)
		}
		return fmt.Errorf("postgres: insert charges: %w", err)
	}
	return nil
}

// =============================================================================
// RUNS
// =============================================================================

func (d queries) SaveRun(ctx context.Context, r billing.Run) error {
	lines, err := json.Marshal(r.Lines)
	if err != nil {
		return fmt.Errorf("postgres: encode run lines: %w", err)
	}
	_, err = d.q.Exec(ctx, `
		INSERT INTO billing_runs
		(generation_id, billing_id, run_key, status, clear_existing, lines, error, permanent, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (generation_id) DO UPDATE SET
			status = EXCLUDED.status,
			lines = EXCLUDED.lines,
			error = EXCLUDED.error,
			permanent = EXCLUDED.permanent,
			completed_at = EXCLUDED.completed_at
	`, r.GenerationID, string(r.Billing), r.Key, string(r.Status), r.ClearExisting, lines, r.Error, r.Permanent,
		r.StartedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("postgres: save run: %w", err)
	}
	return nil
}

func (d queries) ListRuns(ctx context.Context, id billing.BillingID) ([]billing.Run, error) {
	rows, err := d.q.Query(ctx, `
		SELECT generation_id, billing_id, run_key, status, clear_existing, lines, error, permanent, started_at, completed_at
		FROM billing_runs WHERE billing_id = $1
		ORDER BY started_at DESC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("postgres: query runs: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.Run, error) {
		var (
			r                 billing.Run
			billingID, status string
			lines             []byte
		)
		if err := row.Scan(&r.GenerationID, &billingID, &r.Key, &status, &r.ClearExisting, &lines, &r.Error,
			&r.Permanent, &r.StartedAt, &r.CompletedAt); err != nil {
			return r, err
		}
		r.Billing, r.Status = billing.BillingID(billingID), billing.RunStatus(status)
		r.StartedAt = r.StartedAt.UTC()
		r.CompletedAt = utcPtr(r.CompletedAt)
		return r, json.Unmarshal(lines, &r.Lines)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan run: %w", err)
	}
	return out, nil
}

// =============================================================================
// ADVISORY LOCK
// =============================================================================

// AdvisoryLocker is a billing.RunLocker backed by pg_try_advisory_lock.
// The lock lives on one pooled connection until released; ttl is unused
// because Postgres drops session locks when the connection dies.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

func (l *AdvisoryLocker) TryLock(ctx context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire lock connection: %w", err)
	}
	s := pooledSession{conn}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		// The server may have granted the lock before the error reached us.
		s.Discard(ctx)
		return nil, fmt.Errorf("postgres: try advisory lock: %w", err)
	}
	if !ok {
		s.Release()
		return nil, billing.ErrLockHeld
	}
	return func(ctx context.Context) error {
		return unlockSession(ctx, s, key)
	}, nil
}

// lockSession is the connection holding a session advisory lock.
type lockSession interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
	Discard(ctx context.Context)
}

type pooledSession struct {
	conn *pgxpool.Conn
}

func (s pooledSession) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.conn.Exec(ctx, sql, args...)
}

func (s pooledSession) Release() { s.conn.Release() }

// Discard closes the connection so the pool destroys it instead of
// handing out a session that may still hold the lock.
func (s pooledSession) Discard(ctx context.Context) {
	_ = s.conn.Conn().Close(ctx)
	s.conn.Release()
}

// unlockSession releases key. When the unlock fails the session is
// discarded, which drops every lock it holds.
func unlockSession(ctx context.Context, s lockSession, key string) error {
	if _, err := s.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
		s.Discard(ctx)
		return fmt.Errorf("postgres: advisory unlock: %w", err)
	}
	s.Release()
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
