/*
run.go - Billing run orchestration

PURPOSE:
  ComputeCharges is the engine's entry point. It sequences resolver,
  aggregation and materializer for every contract line of every billing
  period of a periodic billing document, and commits the result
  all-or-nothing.

STATE MACHINE:
  Pending -> Computing -> Materialized -> Committed
                 |              |
                 +--> Failed <--+

  Computing -> Materialized only once every line has a result (charged or
  not_applicable). Materialized -> Committed is the single transactional
  write. A Failed run leaves no charge visible.

FLOW:
  1. Load settings once (ConfigSource)
  2. Load billing document and contract, split the range by billing cycle
  3. Take the run key lock (bounded retries with backoff)
  4. clear_existing=false and charges exist -> return them unchanged
  5. Validate contract, read ledger history, plan lines
  6. Aggregate lines in parallel (bounded), stage charges
  7. Commit: delete stale + insert staged + save run, one transaction

CANCELLATION:
  If ctx is cancelled before commit the run returns ctx.Err(), staged
  charges are discarded and no run record is written.

SEE ALSO:
  - aggregate.go: Per-line billable quantity
  - materialize.go: Staging and commit
  - lock.go: Run key locking
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// RUN STATUS
// =============================================================================

type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunComputing    RunStatus = "computing"
	RunMaterialized RunStatus = "materialized"
	RunCommitted    RunStatus = "committed"
	RunFailed       RunStatus = "failed"
)

// CanTransitionTo reports whether the state machine allows s -> target.
func (s RunStatus) CanTransitionTo(target RunStatus) bool {
	switch s {
	case RunPending:
		return target == RunComputing
	case RunComputing:
		return target == RunMaterialized || target == RunFailed
	case RunMaterialized:
		return target == RunCommitted || target == RunFailed
	}
	return false
}

func (s RunStatus) IsTerminal() bool { return s == RunCommitted || s == RunFailed }

type LineStatus string

const (
	LineCharged       LineStatus = "charged"
	LineNotApplicable LineStatus = "not_applicable"
	LineFailed        LineStatus = "failed"
	LineSkipped       LineStatus = "skipped"
)

// LineResult is the outcome of one line in one period.
type LineResult struct {
	Line       LineID
	ChargeItem string
	Method     BillingMethod
	Period     Period
	Status     LineStatus
	Quantity   decimal.Decimal
	UOM        UOM
	Amount     decimal.Decimal
	Reason     string
}

// Run is the audit record of one billing run.
type Run struct {
	GenerationID  string
	Billing       BillingID
	Key           string
	Status        RunStatus
	ClearExisting bool
	Lines         []LineResult
	Error         string
	// Permanent marks a failure that rerunning against the same contract
	// cannot fix.
	Permanent   bool
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Transition moves the run to target or returns a TransitionError.
func (r *Run) Transition(target RunStatus) error {
	if !r.Status.CanTransitionTo(target) {
		return &TransitionError{From: r.Status, To: target}
	}
	r.Status = target
	return nil
}

// RunResult is what ComputeCharges returns.
type RunResult struct {
	Run
	Charges []ComputedCharge
	// Reused is set when existing charges were returned without a rerun.
	Reused bool
}

// =============================================================================
// ENGINE
// =============================================================================

// Observer receives run and line outcomes, e.g. for metrics.
type Observer interface {
	RunFinished(status RunStatus, elapsed time.Duration)
	LineFinished(method BillingMethod, status LineStatus)
	LockContended()
}

type nopObserver struct{}

func (nopObserver) RunFinished(RunStatus, time.Duration)   {}
func (nopObserver) LineFinished(BillingMethod, LineStatus) {}
func (nopObserver) LockContended()                         {}

type EngineOptions struct {
	// Ledger defaults to a reader over the store.
	Ledger LedgerReader
	// Locker defaults to an in-process LocalLocker.
	Locker RunLocker
	// Settings defaults to DefaultConfig.
	Settings ConfigSource
	Logger   zerolog.Logger
	Observer Observer
	Clock    func() time.Time
}

// Engine runs billing for periodic billing documents.
type Engine struct {
	store    TxStore
	ledger   LedgerReader
	locker   RunLocker
	settings ConfigSource
	logger   zerolog.Logger
	observer Observer
	now      func() time.Time
}

func NewEngine(store TxStore, opts EngineOptions) *Engine {
	e := &Engine{
		store:    store,
		ledger:   opts.Ledger,
		locker:   opts.Locker,
		settings: opts.Settings,
		logger:   opts.Logger,
		observer: opts.Observer,
		now:      opts.Clock,
	}
	if e.ledger == nil {
		e.ledger = NewLedgerReader(store)
	}
	if e.locker == nil {
		e.locker = NewLocalLocker()
	}
	if e.settings == nil {
		e.settings = StaticConfig(DefaultConfig())
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// ComputeCharges computes and commits the charges of a periodic billing
// document. With clearExisting=false, charges that already exist are
// returned unchanged; with clearExisting=true they are regenerated.
func (e *Engine) ComputeCharges(ctx context.Context, id BillingID, clearExisting bool) (*RunResult, error) {
	cfg, err := e.settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load billing settings: %w", err)
	}

	pb, err := e.store.GetBilling(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := pb.Period().Validate(); err != nil {
		return nil, err
	}
	contract, err := e.store.GetContract(ctx, pb.Contract)
	if err != nil {
		return nil, err
	}

	key := RunKey(*pb)
	log := e.logger.With().Str("billing", string(pb.ID)).Str("run_key", key).Logger()

	release, err := acquire(ctx, e.locker, key, cfg, func(attempt int, wait time.Duration) {
		e.observer.LockContended()
		log.Warn().Int("attempt", attempt).Dur("backoff", wait).Msg("run key locked, retrying")
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("release run lock")
		}
	}()

	if !clearExisting {
		existing, err := e.store.LoadCharges(ctx, pb.ID)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			log.Info().Int("charges", len(existing)).Msg("charges exist, returning without rerun")
			return reusedResult(*pb, key, existing), nil
		}
	}

	run := Run{
		GenerationID:  uuid.NewString(),
		Billing:       pb.ID,
		Key:           key,
		Status:        RunPending,
		ClearExisting: clearExisting,
		StartedAt:     e.now(),
	}
	log = log.With().Str("generation", run.GenerationID).Logger()
	log.Info().Bool("clear_existing", clearExisting).Msg("billing run started")

	res, err := e.execute(ctx, cfg, *pb, contract, &run, log)
	e.observer.RunFinished(run.Status, e.now().Sub(run.StartedAt))
	return res, err
}

func (e *Engine) execute(ctx context.Context, cfg Config, pb PeriodicBilling, contract *Contract, run *Run, log zerolog.Logger) (*RunResult, error) {
	if err := run.Transition(RunComputing); err != nil {
		return nil, err
	}
	m := NewMaterializer(run.GenerationID, run.StartedAt, cfg)

	fail := func(cause error) (*RunResult, error) {
		m.Discard()
		if ctx.Err() != nil {
			log.Warn().Err(ctx.Err()).Msg("billing run cancelled, nothing written")
			return nil, ctx.Err()
		}
		if err := run.Transition(RunFailed); err != nil {
			return nil, errors.Join(cause, err)
		}
		run.Error = cause.Error()
		run.Permanent = errors.Is(cause, ErrConfiguration) || errors.Is(cause, ErrInvalidPeriod)
		done := e.now()
		run.CompletedAt = &done
		if err := e.store.SaveRun(ctx, *run); err != nil {
			log.Error().Err(err).Msg("save failed run")
		}
		log.Error().Err(cause).Msg("billing run failed")
		return &RunResult{Run: *run}, cause
	}

	periods, err := billingPeriods(pb, contract)
	if err != nil {
		return fail(err)
	}
	if err := ValidateContract(contract); err != nil {
		return fail(err)
	}
	span := Span(periods)
	history, err := e.ledger.History(ctx, EntryQuery{Customer: pb.Customer}, span.To)
	if err != nil {
		return fail(fmt.Errorf("read ledger: %w", err))
	}
	plans, err := PlanLines(contract, cfg, DistinctSelectors(history))
	if err != nil {
		return fail(err)
	}

	results, err := e.computeLines(ctx, cfg, pb, contract, periods, plans, history, m, log)
	run.Lines = results
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	if err := run.Transition(RunMaterialized); err != nil {
		return fail(err)
	}
	committed := *run
	committed.Status = RunCommitted
	done := e.now()
	committed.CompletedAt = &done

	if err := m.Commit(ctx, e.store, pb.ID, periods, committed); err != nil {
		return fail(fmt.Errorf("commit charges: %w", err))
	}
	*run = committed

	charges := m.Staged()
	log.Info().Int("charges", len(charges)).Int("lines", len(results)).Msg("billing run committed")
	return &RunResult{Run: *run, Charges: charges}, nil
}

// computeLines aggregates every (period, line) pair with bounded
// parallelism. The first fatal error cancels the remaining work.
func (e *Engine) computeLines(ctx context.Context, cfg Config, pb PeriodicBilling, contract *Contract,
	periods []Period, plans []LinePlan, history []StockLedgerEntry, m *Materializer, log zerolog.Logger) ([]LineResult, error) {

	type task struct {
		plan   LinePlan
		period Period
	}
	var tasks []task
	for _, p := range periods {
		for _, plan := range plans {
			tasks = append(tasks, task{plan: plan, period: p})
		}
	}

	results := make([]LineResult, len(tasks))
	conv := NewConverter(cfg.Conversions)
	limit := cfg.LineConcurrency
	if limit <= 0 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, t := range tasks {
		results[i] = LineResult{
			Line: t.plan.Line.ID, ChargeItem: t.plan.Line.ChargeItem, Method: t.plan.Line.BillingMethod,
			Period: t.period, Status: LineSkipped,
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			// History ends at the span end; each period only sees its past.
			hist := history
			if t.period.To.Before(Span(periods).To) {
				hist = filterEntries(history, func(en StockLedgerEntry) bool { return en.Timestamp.Before(t.period.To) })
			}
			meas, err := Aggregate(AggregateInput{
				Plan: t.plan, Contract: contract, Period: t.period, History: hist,
				Config: cfg, Converter: conv, Logger: log,
			})
			r := &results[i]
			switch {
			case err == nil:
				charge := m.Stage(pb, contract, t.plan.Line, t.period, meas)
				r.Status, r.Quantity, r.UOM, r.Amount = LineCharged, charge.BillableQuantity, charge.UOM, charge.Amount
			case errors.Is(err, ErrDataGap):
				r.Status, r.Reason = LineNotApplicable, err.Error()
				log.Debug().Str("line", string(r.Line)).Str("period", t.period.String()).Msg(err.Error())
			default:
				r.Status, r.Reason = LineFailed, err.Error()
			}
			e.observer.LineFinished(r.Method, r.Status)
			if r.Status == LineFailed {
				return err
			}
			return nil
		})
	}
	return results, g.Wait()
}

// billingPeriods splits the document by the contract's billing cycle and
// clips each piece to the contract's validity.
func billingPeriods(pb PeriodicBilling, c *Contract) ([]Period, error) {
	if pb.Customer != c.Customer {
		return nil, &ConfigurationError{Contract: c.ID,
			Reason: fmt.Sprintf("billing customer %s does not match contract customer %s", pb.Customer, c.Customer)}
	}
	validity := Period{From: c.ValidFrom, To: pb.DateTo}
	if c.ValidTo != nil {
		validity.To = minTime(validity.To, *c.ValidTo)
	}
	var out []Period
	for _, p := range pb.Period().Split(c.BillingCycle) {
		if clipped, ok := p.Intersect(validity); ok {
			out = append(out, clipped)
		}
	}
	if len(out) == 0 {
		return nil, &ConfigurationError{Contract: c.ID,
			Reason: fmt.Sprintf("billing range %s is outside the contract validity", pb.Period())}
	}
	return out, nil
}

func reusedResult(pb PeriodicBilling, key string, charges []ComputedCharge) *RunResult {
	run := Run{
		GenerationID: charges[0].GenerationID,
		Billing:      pb.ID,
		Key:          key,
		Status:       RunCommitted,
		StartedAt:    charges[0].CreatedAt,
	}
	for _, c := range charges {
		run.Lines = append(run.Lines, LineResult{
			Line: c.Line, ChargeItem: c.ChargeItem, Method: c.Method, Period: c.Period,
			Status: LineCharged, Quantity: c.BillableQuantity, UOM: c.UOM, Amount: c.Amount,
		})
	}
	return &RunResult{Run: run, Charges: charges, Reused: true}
}
