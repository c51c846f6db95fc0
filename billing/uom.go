package billing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RATIONAL FACTORS - Exact unit conversion
// =============================================================================

// Rational is an exact conversion factor Num/Den. Keeping the denominator
// apart means a balance is divided once when it is read, instead of once
// for every movement that built it.
type Rational struct {
	Num decimal.Decimal
	Den decimal.Decimal
}

var one = Rational{Num: decimal.NewFromInt(1), Den: decimal.NewFromInt(1)}

func NewRational(num, den int64) Rational {
	return Rational{Num: decimal.NewFromInt(num), Den: decimal.NewFromInt(den)}
}

// ParseRational accepts "num/den" or a plain decimal such as "0.125".
func ParseRational(s string) (Rational, error) {
	s = strings.TrimSpace(s)
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := decimal.NewFromString(strings.TrimSpace(num))
		if err != nil {
			return Rational{}, fmt.Errorf("invalid factor numerator %q: %w", num, err)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(den))
		if err != nil {
			return Rational{}, fmt.Errorf("invalid factor denominator %q: %w", den, err)
		}
		r := Rational{Num: n, Den: d}
		return r, r.validate()
	}
	n, err := decimal.NewFromString(s)
	if err != nil {
		return Rational{}, fmt.Errorf("invalid factor %q: %w", s, err)
	}
	r := Rational{Num: n, Den: decimal.NewFromInt(1)}
	return r, r.validate()
}

func (r Rational) validate() error {
	if !r.Num.IsPositive() || !r.Den.IsPositive() {
		return fmt.Errorf("conversion factor %s must be positive", r)
	}
	return nil
}

func (r Rational) Inverse() Rational { return Rational{Num: r.Den, Den: r.Num} }

func (r Rational) Apply(q decimal.Decimal) decimal.Decimal {
	return q.Mul(r.Num).Div(r.Den)
}

func (r Rational) String() string { return r.Num.String() + "/" + r.Den.String() }

// =============================================================================
// CONVERTER - Unit conversion table
// =============================================================================

// Conversion says one From equals Factor To. Item narrows it to one item;
// empty Item applies to every item.
type Conversion struct {
	Item   ItemID
	From   UOM
	To     UOM
	Factor Rational
}

type uomPair struct{ from, to UOM }

type itemPair struct {
	item ItemID
	uomPair
}

// Converter resolves factors item-specific first, then global. A factor
// registered one way is also usable in reverse.
type Converter struct {
	global map[uomPair]Rational
	byItem map[itemPair]Rational
}

func NewConverter(conversions []Conversion) *Converter {
	c := &Converter{
		global: make(map[uomPair]Rational),
		byItem: make(map[itemPair]Rational),
	}
	for _, conv := range conversions {
		fwd := uomPair{conv.From, conv.To}
		rev := uomPair{conv.To, conv.From}
		if conv.Item == "" {
			c.global[fwd] = conv.Factor
			if _, ok := c.global[rev]; !ok {
				c.global[rev] = conv.Factor.Inverse()
			}
			continue
		}
		c.byItem[itemPair{conv.Item, fwd}] = conv.Factor
		if _, ok := c.byItem[itemPair{conv.Item, rev}]; !ok {
			c.byItem[itemPair{conv.Item, rev}] = conv.Factor.Inverse()
		}
	}
	return c
}

// Factor returns the factor converting from to to for item.
func (c *Converter) Factor(item ItemID, from, to UOM) (Rational, bool) {
	if from == to {
		return one, true
	}
	if f, ok := c.byItem[itemPair{item, uomPair{from, to}}]; ok {
		return f, true
	}
	f, ok := c.global[uomPair{from, to}]
	return f, ok
}

// ConvertOne converts a single quantity.
func (c *Converter) ConvertOne(item ItemID, from, to UOM, q decimal.Decimal) (decimal.Decimal, error) {
	f, ok := c.Factor(item, from, to)
	if !ok {
		return decimal.Zero, missingConversion(item, from, to)
	}
	return f.Apply(q), nil
}

// Convert collapses a balance into the target unit. Terms sharing a
// denominator are summed before dividing.
func (c *Converter) Convert(q Quantities, to UOM) (decimal.Decimal, error) {
	numerators := make(map[string]decimal.Decimal)
	dens := make(map[string]decimal.Decimal)
	for k, v := range q {
		if v.IsZero() {
			continue
		}
		f, ok := c.Factor(k.Item, k.UOM, to)
		if !ok {
			return decimal.Zero, missingConversion(k.Item, k.UOM, to)
		}
		key := f.Den.String()
		numerators[key] = numerators[key].Add(v.Mul(f.Num))
		dens[key] = f.Den
	}

	keys := make([]string, 0, len(numerators))
	for k := range numerators {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := decimal.Zero
	for _, k := range keys {
		total = total.Add(numerators[k].Div(dens[k]))
	}
	return total, nil
}

func missingConversion(item ItemID, from, to UOM) error {
	return fmt.Errorf("%w: no conversion from %s to %s for item %s", ErrConfiguration, from, to, item)
}
