// Package store provides in-memory billing.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/warehouse-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *state
}

// state holds the data. Its methods assume the caller holds the lock.
type state struct {
	entries   []billing.StockLedgerEntry
	events    map[string]bool
	nextSeq   int64
	contracts map[billing.ContractID]billing.Contract
	billings  map[billing.BillingID]billing.PeriodicBilling
	charges   map[billing.BillingID][]billing.ComputedCharge
	runs      map[billing.BillingID][]billing.Run
}

func newState() *state {
	return &state{
		events:    make(map[string]bool),
		contracts: make(map[billing.ContractID]billing.Contract),
		billings:  make(map[billing.BillingID]billing.PeriodicBilling),
		charges:   make(map[billing.BillingID][]billing.ComputedCharge),
		runs:      make(map[billing.BillingID][]billing.Run),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// =============================================================================
// LEDGER
// =============================================================================

// AppendEntries adds entries atomically. Append-only.
func (m *Memory) AppendEntries(_ context.Context, entries []billing.StockLedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendEntries(entries)
}

func (m *Memory) LoadEntries(_ context.Context, q billing.EntryQuery) ([]billing.StockLedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.loadEntries(q), nil
}

func (s *state) appendEntries(entries []billing.StockLedgerEntry) error {
	// Check all event IDs first (atomic check)
	batch := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.SourceEventID == "" {
			continue
		}
		if s.events[e.SourceEventID] || batch[e.SourceEventID] {
			return fmt.Errorf("%w: %s", billing.ErrDuplicateEvent, e.SourceEventID)
		}
		batch[e.SourceEventID] = true
	}

	for _, e := range entries {
		s.nextSeq++
		e.Seq = s.nextSeq
		s.entries = append(s.entries, e)
		if e.SourceEventID != "" {
			s.events[e.SourceEventID] = true
		}
	}
	return nil
}

func (s *state) loadEntries(q billing.EntryQuery) []billing.StockLedgerEntry {
	var out []billing.StockLedgerEntry
	for _, e := range s.entries {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// =============================================================================
// CONTRACTS & BILLING DOCUMENTS
// =============================================================================

func (m *Memory) SaveContract(_ context.Context, c billing.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.saveContract(c)
	return nil
}

func (m *Memory) GetContract(_ context.Context, id billing.ContractID) (*billing.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getContract(id)
}

func (m *Memory) ListContracts(_ context.Context, customer billing.CustomerID) ([]billing.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listContracts(customer), nil
}

func (s *state) saveContract(c billing.Contract) {
	c.Lines = append([]billing.ContractLine(nil), c.Lines...)
	s.contracts[c.ID] = c
}

func (s *state) getContract(id billing.ContractID) (*billing.Contract, error) {
	c, ok := s.contracts[id]
	if !ok {
		return nil, billing.ErrContractNotFound
	}
	c.Lines = append([]billing.ContractLine(nil), c.Lines...)
	return &c, nil
}

func (s *state) listContracts(customer billing.CustomerID) []billing.Contract {
	var out []billing.Contract
	for _, c := range s.contracts {
		if customer == "" || c.Customer == customer {
			c.Lines = append([]billing.ContractLine(nil), c.Lines...)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) SaveBilling(_ context.Context, b billing.PeriodicBilling) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.billings[b.ID] = b
	return nil
}

func (m *Memory) GetBilling(_ context.Context, id billing.BillingID) (*billing.PeriodicBilling, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getBilling(id)
}

func (m *Memory) ListBillings(_ context.Context) ([]billing.PeriodicBilling, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listBillings(), nil
}

func (s *state) getBilling(id billing.BillingID) (*billing.PeriodicBilling, error) {
	b, ok := s.billings[id]
	if !ok {
		return nil, billing.ErrBillingNotFound
	}
	return &b, nil
}

func (s *state) listBillings() []billing.PeriodicBilling {
	out := make([]billing.PeriodicBilling, 0, len(s.billings))
	for _, b := range s.billings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// CHARGES & RUNS
// =============================================================================

func (m *Memory) LoadCharges(_ context.Context, id billing.BillingID) ([]billing.ComputedCharge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.loadCharges(id), nil
}

func (m *Memory) DeleteCharges(_ context.Context, id billing.BillingID, periods []billing.Period) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.deleteCharges(id, periods), nil
}

func (m *Memory) InsertCharges(_ context.Context, charges []billing.ComputedCharge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.insertCharges(charges)
}

func (m *Memory) SaveRun(_ context.Context, r billing.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.saveRun(r)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, id billing.BillingID) ([]billing.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listRuns(id), nil
}

func (s *state) loadCharges(id billing.BillingID) []billing.ComputedCharge {
	out := append([]billing.ComputedCharge(nil), s.charges[id]...)
	billing.SortCharges(out)
	return out
}

func (s *state) deleteCharges(id billing.BillingID, periods []billing.Period) int64 {
	var kept []billing.ComputedCharge
	var removed int64
	for _, c := range s.charges[id] {
		if overlapsAny(c.Period, periods) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	s.charges[id] = kept
	return removed
}

func (s *state) insertCharges(charges []billing.ComputedCharge) error {
	for _, c := range charges {
		for _, existing := range s.charges[c.Billing] {
			if existing.ID == c.ID {
				return fmt.Errorf("charge %s already exists", c.ID)
			}
		}
		s.charges[c.Billing] = append(s.charges[c.Billing], c)
	}
	return nil
}

func (s *state) saveRun(r billing.Run) {
	r.Lines = append([]billing.LineResult(nil), r.Lines...)
	s.runs[r.Billing] = append(s.runs[r.Billing], r)
}

func (s *state) listRuns(id billing.BillingID) []billing.Run {
	runs := s.runs[id]
	out := make([]billing.Run, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i])
	}
	return out
}

func overlapsAny(p billing.Period, periods []billing.Period) bool {
	for _, o := range periods {
		if _, ok := p.Intersect(o); ok {
			return true
		}
	}
	return false
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.st.clone()
	if err := fn(&txView{st: tm.st}); err != nil {
		tm.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		tm.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := newState()
	c.entries = append([]billing.StockLedgerEntry(nil), s.entries...)
	c.nextSeq = s.nextSeq
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.contracts {
		c.contracts[k] = v
	}
	for k, v := range s.billings {
		c.billings[k] = v
	}
	for k, v := range s.charges {
		c.charges[k] = append([]billing.ComputedCharge(nil), v...)
	}
	for k, v := range s.runs {
		c.runs[k] = append([]billing.Run(nil), v...)
	}
	return c
}

// txView is the Store handed to WithTx callbacks. The lock is already held.
type txView struct {
	st *state
}

func (v *txView) AppendEntries(_ context.Context, entries []billing.StockLedgerEntry) error {
	return v.st.appendEntries(entries)
}

func (v *txView) LoadEntries(_ context.Context, q billing.EntryQuery) ([]billing.StockLedgerEntry, error) {
	return v.st.loadEntries(q), nil
}

func (v *txView) SaveContract(_ context.Context, c billing.Contract) error {
	v.st.saveContract(c)
	return nil
}

func (v *txView) GetContract(_ context.Context, id billing.ContractID) (*billing.Contract, error) {
	return v.st.getContract(id)
}

func (v *txView) ListContracts(_ context.Context, customer billing.CustomerID) ([]billing.Contract, error) {
	return v.st.listContracts(customer), nil
}

func (v *txView) SaveBilling(_ context.Context, b billing.PeriodicBilling) error {
	v.st.billings[b.ID] = b
	return nil
}

func (v *txView) GetBilling(_ context.Context, id billing.BillingID) (*billing.PeriodicBilling, error) {
	return v.st.getBilling(id)
}

func (v *txView) ListBillings(_ context.Context) ([]billing.PeriodicBilling, error) {
	return v.st.listBillings(), nil
}

func (v *txView) LoadCharges(_ context.Context, id billing.BillingID) ([]billing.ComputedCharge, error) {
	return v.st.loadCharges(id), nil
}

func (v *txView) DeleteCharges(_ context.Context, id billing.BillingID, periods []billing.Period) (int64, error) {
	return v.st.deleteCharges(id, periods), nil
}

func (v *txView) InsertCharges(_ context.Context, charges []billing.ComputedCharge) error {
	return v.st.insertCharges(charges)
}

func (v *txView) SaveRun(_ context.Context, r billing.Run) error {
	v.st.saveRun(r)
	return nil
}

func (v *txView) ListRuns(_ context.Context, id billing.BillingID) ([]billing.Run, error) {
	return v.st.listRuns(id), nil
}

var (
	_ billing.TxStore = (*TxMemory)(nil)
	_ billing.Store   = (*txView)(nil)
)
