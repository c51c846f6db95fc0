/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is against the sentinels and read
  details with errors.As against the structured types.

ERROR CATEGORIES:
  1. Configuration - missing, invalid or ambiguous rate rules (fatal to a run)
  2. Data gap      - nothing in the ledger to bill for a line (line skipped)
  3. Concurrency   - another run holds the run key (retried, then surfaced)
  4. Arithmetic    - negative quantities, empty day counts (fatal to a run)
  5. Lookup        - unknown billing documents and contracts

PROPAGATION:
  Configuration and arithmetic errors fail the whole run and nothing is
  committed. A data gap is recorded as a "not_applicable" line result and
  the run continues.

SEE ALSO:
  - run.go: Maps line errors to line and run status
  - api/handlers.go: Maps errors to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfiguration covers every missing, invalid or ambiguous rate rule.
	ErrConfiguration = errors.New("billing configuration error")

	// ErrDataGap is returned when the ledger holds nothing billable for a line.
	ErrDataGap = errors.New("no ledger data for line")

	// ErrConcurrencyConflict is returned when the run key stays locked after
	// every retry.
	ErrConcurrencyConflict = errors.New("billing run already in progress")

	// ErrArithmetic is returned for negative quantities and empty periods
	// found during aggregation.
	ErrArithmetic = errors.New("billing arithmetic error")

	// ErrLockHeld is returned by a RunLocker when the key is taken.
	ErrLockHeld = errors.New("run lock held")

	ErrBillingNotFound  = errors.New("periodic billing not found")
	ErrContractNotFound = errors.New("contract not found")

	// ErrRuleNotFound is returned when no contract line matches a selector.
	ErrRuleNotFound = errors.New("no matching rate rule")

	// ErrInvalidPeriod is returned when a period is empty or not day aligned.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrInvalidTransition is returned for a run status change the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid run status transition")

	// ErrDuplicateEvent is returned when a ledger entry's source event was
	// already ingested.
	ErrDuplicateEvent = errors.New("duplicate source event")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError describes an unusable contract line or setting.
type ConfigurationError struct {
	Contract ContractID
	Line     LineID
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("configuration error: contract %s line %s: %s", e.Contract, e.Line, e.Reason)
	}
	return fmt.Sprintf("configuration error: contract %s: %s", e.Contract, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// AmbiguousRuleError is returned when two lines tie on specificity for the
// same selector but disagree on rate.
type AmbiguousRuleError struct {
	Contract   ContractID
	ChargeItem string
	AppliesTo  AppliesTo
	Selector   Selector
	Lines      []LineID
}

func (e *AmbiguousRuleError) Error() string {
	ids := make([]string, len(e.Lines))
	for i, id := range e.Lines {
		ids[i] = string(id)
	}
	return fmt.Sprintf("ambiguous rate rule: contract %s charge %q (%s) selector %s matches lines %s with different rates",
		e.Contract, e.ChargeItem, e.AppliesTo, e.Selector, strings.Join(ids, ", "))
}

func (e *AmbiguousRuleError) Unwrap() error { return ErrConfiguration }

// DataGapError is recorded when a line has no qualifying ledger activity.
type DataGapError struct {
	Line   LineID
	Period Period
	Reason string
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("no billable data for line %s in %s: %s", e.Line, e.Period, e.Reason)
}

func (e *DataGapError) Unwrap() error { return ErrDataGap }

// ArithmeticError reports a ledger or rule inconsistency found while
// aggregating.
type ArithmeticError struct {
	Line   LineID
	Period Period
	At     time.Time
	Value  decimal.Decimal
	Reason string
}

func (e *ArithmeticError) Error() string {
	if !e.At.IsZero() {
		return fmt.Sprintf("arithmetic error: line %s in %s at %s: %s (value %s)",
			e.Line, e.Period, e.At.Format(time.RFC3339), e.Reason, e.Value)
	}
	return fmt.Sprintf("arithmetic error: line %s in %s: %s", e.Line, e.Period, e.Reason)
}

func (e *ArithmeticError) Unwrap() error { return ErrArithmetic }

// ConcurrencyConflictError is returned once lock retries are exhausted.
type ConcurrencyConflictError struct {
	Key      string
	Attempts int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("run key %s still locked after %d attempts", e.Key, e.Attempts)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// TransitionError describes a rejected run status change.
type TransitionError struct {
	From RunStatus
	To   RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid run status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsFatal returns true if the error must fail the whole run.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrDataGap)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrLockHeld)
}

// IsNotFound returns true if the error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBillingNotFound) || errors.Is(err, ErrContractNotFound)
}
