/*
resolver.go - Rate rule resolution

PURPOSE:
  Decides which contract line rates a piece of ledger activity. Lines that
  share a charge item and applies_to form a group; within a group each line
  may narrow itself with handling unit type and storage type selectors.

SPECIFICITY:
  A line matches a ledger key when each non-empty selector equals the key's
  value. Among matching lines the most specific wins:

    score 2: both selectors set and equal       (exact)
    score 1: one selector set and equal         (partial)
    score 0: no selectors                       (wildcard)

TIES:
  Two top-scoring lines with different rates are an AmbiguousRuleError.
  Insertion order never decides. Equal rates resolve to the lowest line ID.
  ValidateContract also rejects identical selectors with different rates
  up front, before any ledger data is read.

ROUTING:
  PlanLines resolves every selector present in the ledger once and records,
  per line, which selectors it owns. Aggregation then only sees entries its
  line owns, so no movement is billed by two lines of the same group.

SEE ALSO:
  - method.go: Compile, run for every planned line
  - run.go: Calls ValidateContract and PlanLines at run start
*/
package billing

import (
	"errors"
	"fmt"
	"sort"
)

// =============================================================================
// SELECTOR
// =============================================================================

// Selector is the resolution key. On a line, empty fields are wildcards.
type Selector struct {
	HandlingUnitType string
	StorageType      string
}

func (s Selector) String() string {
	hu, st := s.HandlingUnitType, s.StorageType
	if hu == "" {
		hu = "*"
	}
	if st == "" {
		st = "*"
	}
	return "(" + hu + ", " + st + ")"
}

// specificity scores how well a line selector matches a key.
// Returns -1 when it does not match at all.
func specificity(line, key Selector) int {
	score := 0
	if line.HandlingUnitType != "" {
		if line.HandlingUnitType != key.HandlingUnitType {
			return -1
		}
		score++
	}
	if line.StorageType != "" {
		if line.StorageType != key.StorageType {
			return -1
		}
		score++
	}
	return score
}

// =============================================================================
// RESOLVE
// =============================================================================

// Resolve returns the line that rates key for the given charge item and
// applies_to. Returns ErrRuleNotFound when no line matches.
func Resolve(c *Contract, chargeItem string, applies AppliesTo, key Selector) (ContractLine, error) {
	best := -1
	var top []ContractLine
	for _, l := range c.Lines {
		if l.ChargeItem != chargeItem || l.AppliesTo != applies {
			continue
		}
		s := specificity(l.Selector(), key)
		switch {
		case s < 0 || s < best:
			continue
		case s > best:
			best = s
			top = []ContractLine{l}
		default:
			top = append(top, l)
		}
	}
	if len(top) == 0 {
		return ContractLine{}, fmt.Errorf("%w: contract %s charge %q (%s) selector %s",
			ErrRuleNotFound, c.ID, chargeItem, applies, key)
	}

	sort.Slice(top, func(i, j int) bool { return top[i].ID < top[j].ID })
	for _, l := range top[1:] {
		if !l.Rate.Equal(top[0].Rate) {
			ids := make([]LineID, len(top))
			for i, t := range top {
				ids[i] = t.ID
			}
			return ContractLine{}, &AmbiguousRuleError{
				Contract: c.ID, ChargeItem: chargeItem, AppliesTo: applies, Selector: key, Lines: ids,
			}
		}
	}
	return top[0], nil
}

// ValidateContract checks what can be checked without ledger data: unique
// line IDs, a customer and currency, and no two lines of a group with
// identical selectors but different rates.
func ValidateContract(c *Contract) error {
	if c.Customer == "" {
		return &ConfigurationError{Contract: c.ID, Reason: "contract has no customer"}
	}
	if c.Currency == "" {
		return &ConfigurationError{Contract: c.ID, Reason: "contract has no currency"}
	}
	if len(c.Lines) == 0 {
		return &ConfigurationError{Contract: c.ID, Reason: "contract has no lines"}
	}

	type groupKey struct {
		chargeItem string
		applies    AppliesTo
		sel        Selector
	}
	seenID := make(map[LineID]bool, len(c.Lines))
	seenSel := make(map[groupKey]ContractLine, len(c.Lines))
	for _, l := range c.Lines {
		if l.ID == "" {
			return &ConfigurationError{Contract: c.ID, Reason: "line without id"}
		}
		if seenID[l.ID] {
			return &ConfigurationError{Contract: c.ID, Line: l.ID, Reason: "duplicate line id"}
		}
		seenID[l.ID] = true

		if l.Currency != "" && l.Currency != c.Currency {
			return &ConfigurationError{Contract: c.ID, Line: l.ID,
				Reason: fmt.Sprintf("line currency %s differs from contract currency %s", l.Currency, c.Currency)}
		}

		k := groupKey{l.ChargeItem, l.AppliesTo, l.Selector()}
		if prev, ok := seenSel[k]; ok && !prev.Rate.Equal(l.Rate) {
			ids := []LineID{prev.ID, l.ID}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			return &AmbiguousRuleError{
				Contract: c.ID, ChargeItem: l.ChargeItem, AppliesTo: l.AppliesTo, Selector: l.Selector(), Lines: ids,
			}
		}
		seenSel[k] = l
	}
	return nil
}

// =============================================================================
// LINE PLAN - Compiled lines with their routed selectors
// =============================================================================

// LinePlan is one contract line ready to aggregate.
type LinePlan struct {
	Line      ContractLine
	Method    Method
	Selectors map[Selector]bool
}

// Accepts reports whether the entry was routed to this line.
func (p LinePlan) Accepts(e StockLedgerEntry) bool {
	return p.Selectors[e.Selector()]
}

// PlanLines compiles every line and routes each observed selector to the
// line that rates it. keys are the distinct selectors found in the ledger.
func PlanLines(c *Contract, cfg Config, keys []Selector) ([]LinePlan, error) {
	plans := make([]LinePlan, len(c.Lines))
	index := make(map[LineID]int, len(c.Lines))
	for i, l := range c.Lines {
		m, err := Compile(c.ID, l, cfg)
		if err != nil {
			return nil, err
		}
		plans[i] = LinePlan{Line: l, Method: m, Selectors: make(map[Selector]bool)}
		index[l.ID] = i
	}

	type group struct {
		chargeItem string
		applies    AppliesTo
	}
	seen := make(map[group]bool)
	for _, l := range c.Lines {
		g := group{l.ChargeItem, l.AppliesTo}
		if seen[g] {
			continue
		}
		seen[g] = true
		for _, key := range keys {
			winner, err := Resolve(c, g.chargeItem, g.applies, key)
			if err != nil {
				if errors.Is(err, ErrRuleNotFound) {
					continue
				}
				return nil, err
			}
			plans[index[winner.ID]].Selectors[key] = true
		}
	}
	return plans, nil
}

// DistinctSelectors lists every selector present in entries, in first-seen
// order.
func DistinctSelectors(entries []StockLedgerEntry) []Selector {
	seen := make(map[Selector]bool)
	var keys []Selector
	for _, e := range entries {
		s := e.Selector()
		if !seen[s] {
			seen[s] = true
			keys = append(keys, s)
		}
	}
	return keys
}
