package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE CONFIGURATION - Loaded once per run
// =============================================================================

// Config is every setting the resolver and aggregation read. A run loads it
// once through its ConfigSource and passes it down explicitly.
type Config struct {
	// DefaultUOMs fills in a line's UOM when the contract leaves it blank.
	DefaultUOMs map[BillingMethod]UOM

	Conversions []Conversion

	// ContainerTypes are the handling unit types PerContainer counts.
	ContainerTypes []string

	// HourIncrement is the PerHour rounding step when a line sets none.
	HourIncrement decimal.Decimal

	// CurrencyScale maps a currency to its decimal places.
	CurrencyScale map[string]int32
	DefaultScale  int32

	// QuantityScale is the number of decimals kept on billable quantities.
	QuantityScale int32

	// IncludeIdleStock bills storage for streams with no movement in the
	// period. Off by default: an idle item is excluded, not billed at zero.
	IncludeIdleStock bool

	// ClampNegative turns a negative balance into zero with a warning
	// instead of failing the run.
	ClampNegative bool

	// LineConcurrency bounds how many lines a run aggregates at once.
	LineConcurrency int

	LockTTL     time.Duration
	LockRetries int
	LockBackoff time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DefaultUOMs: map[BillingMethod]UOM{
			MethodPerDay:          UOMCubicMeter,
			MethodPerVolume:       UOMCubicMeter,
			MethodPerWeight:       UOMKilogram,
			MethodPerPiece:        UOMPiece,
			MethodPerContainer:    UOMUnit,
			MethodPerHandlingUnit: UOMUnit,
			MethodPerHour:         UOMHour,
			MethodHighWaterMark:   UOMCubicMeter,
		},
		ContainerTypes:  []string{"container"},
		HourIncrement:   decimal.NewFromInt(1),
		CurrencyScale:   map[string]int32{"JPY": 0, "KWD": 3, "BHD": 3},
		DefaultScale:    2,
		QuantityScale:   6,
		LineConcurrency: 4,
		LockTTL:         5 * time.Minute,
		LockRetries:     5,
		LockBackoff:     200 * time.Millisecond,
	}
}

// ScaleFor returns the rounding scale for a currency.
func (c Config) ScaleFor(currency string) int32 {
	if s, ok := c.CurrencyScale[currency]; ok {
		return s
	}
	return c.DefaultScale
}

// =============================================================================
// CONFIG SOURCE
// =============================================================================

// ConfigSource loads engine settings. It is called once at run start.
type ConfigSource interface {
	Load(ctx context.Context) (Config, error)
}

// StaticConfig serves a fixed configuration.
type StaticConfig Config

func (s StaticConfig) Load(context.Context) (Config, error) { return Config(s), nil }
