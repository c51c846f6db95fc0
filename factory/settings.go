/*
settings.go - Engine settings from JSON

PURPOSE:
  Turns an operator-maintained JSON document into billing.Config. Fields
  left out keep the billing.DefaultConfig value, so a settings file only
  lists what differs from the defaults.

JSON SCHEMA:
  {
    "default_uoms": {"per_weight": "kg"},
    "conversions": [
      {"from": "pallet", "to": "m3", "factor": "6/5"},
      {"item": "sku-bulk", "from": "pcs", "to": "kg", "factor": "0.125"}
    ],
    "container_types": ["container", "reefer"],
    "hour_increment": "0.25",
    "currency_scale": {"JPY": 0},
    "include_idle_stock": false,
    "clamp_negative": false,
    "line_concurrency": 8,
    "lock_ttl": "5m",
    "lock_retries": 5,
    "lock_backoff": "200ms"
  }

USAGE:
  cfg, err := factory.ParseSettings(jsonString)
  engine := billing.NewEngine(store, billing.EngineOptions{Settings: billing.StaticConfig(cfg)})

  // Or re-read the file at the start of every run
  src := factory.NewFileSettings("/etc/billing/settings.json")
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/warehouse-billing/billing"
)

// SettingsJSON is the JSON representation of billing.Config.
type SettingsJSON struct {
	DefaultUOMs      map[string]string `json:"default_uoms,omitempty" validate:"omitempty,dive,keys,oneof=per_day per_volume per_weight per_piece per_container per_hour per_handling_unit high_water_mark,endkeys,required"`
	Conversions      []ConversionJSON  `json:"conversions,omitempty" validate:"omitempty,dive"`
	ContainerTypes   []string          `json:"container_types,omitempty" validate:"omitempty,dive,required"`
	HourIncrement    *decimal.Decimal  `json:"hour_increment,omitempty"`
	CurrencyScale    map[string]int32  `json:"currency_scale,omitempty" validate:"omitempty,dive,keys,len=3,endkeys,min=0,max=8"`
	DefaultScale     *int32            `json:"default_scale,omitempty" validate:"omitempty,min=0,max=8"`
	QuantityScale    *int32            `json:"quantity_scale,omitempty" validate:"omitempty,min=0,max=12"`
	IncludeIdleStock bool              `json:"include_idle_stock,omitempty"`
	ClampNegative    bool              `json:"clamp_negative,omitempty"`
	LineConcurrency  int               `json:"line_concurrency,omitempty" validate:"omitempty,min=1,max=64"`
	LockTTL          string            `json:"lock_ttl,omitempty"`
	LockRetries      *int              `json:"lock_retries,omitempty" validate:"omitempty,min=0"`
	LockBackoff      string            `json:"lock_backoff,omitempty"`
}

// ConversionJSON says one From equals Factor To. Factor is "num/den" or a
// decimal.
type ConversionJSON struct {
	Item   string `json:"item,omitempty"`
	From   string `json:"from" validate:"required"`
	To     string `json:"to" validate:"required,nefield=From"`
	Factor string `json:"factor" validate:"required"`
}

var settingsValidator = validator.New(validator.WithRequiredStructEnabled())

// ParseSettings parses a JSON string into a Config.
func ParseSettings(jsonStr string) (billing.Config, error) {
	var sj SettingsJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return billing.Config{}, fmt.Errorf("failed to parse settings JSON: %w", err)
	}
	return SettingsFromJSON(sj)
}

// SettingsFromJSON applies sj on top of billing.DefaultConfig.
func SettingsFromJSON(sj SettingsJSON) (billing.Config, error) {
	if err := settingsValidator.Struct(sj); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return billing.Config{}, validationError(verrs)
		}
		return billing.Config{}, err
	}

	cfg := billing.DefaultConfig()
	for method, uom := range sj.DefaultUOMs {
		cfg.DefaultUOMs[billing.BillingMethod(method)] = billing.UOM(uom)
	}
	for i, cj := range sj.Conversions {
		factor, err := billing.ParseRational(cj.Factor)
		if err != nil {
			return billing.Config{}, &ValidationError{Fields: []string{fmt.Sprintf("Conversions[%d].Factor: %v", i, err)}}
		}
		cfg.Conversions = append(cfg.Conversions, billing.Conversion{
			Item: billing.ItemID(cj.Item), From: billing.UOM(cj.From), To: billing.UOM(cj.To), Factor: factor,
		})
	}
	if len(sj.ContainerTypes) > 0 {
		cfg.ContainerTypes = sj.ContainerTypes
	}
	if sj.HourIncrement != nil {
		if !sj.HourIncrement.IsPositive() {
			return billing.Config{}, &ValidationError{Fields: []string{"HourIncrement: must be positive"}}
		}
		cfg.HourIncrement = *sj.HourIncrement
	}
	for cur, scale := range sj.CurrencyScale {
		cfg.CurrencyScale[cur] = scale
	}
	if sj.DefaultScale != nil {
		cfg.DefaultScale = *sj.DefaultScale
	}
	if sj.QuantityScale != nil {
		cfg.QuantityScale = *sj.QuantityScale
	}
	cfg.IncludeIdleStock = sj.IncludeIdleStock
	cfg.ClampNegative = sj.ClampNegative
	if sj.LineConcurrency > 0 {
		cfg.LineConcurrency = sj.LineConcurrency
	}
	if sj.LockRetries != nil {
		cfg.LockRetries = *sj.LockRetries
	}

	var err error
	if cfg.LockTTL, err = parseDuration("LockTTL", sj.LockTTL, cfg.LockTTL); err != nil {
		return billing.Config{}, err
	}
	if cfg.LockBackoff, err = parseDuration("LockBackoff", sj.LockBackoff, cfg.LockBackoff); err != nil {
		return billing.Config{}, err
	}
	return cfg, nil
}

func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, &ValidationError{Fields: []string{fmt.Sprintf("%s: invalid duration %q", field, s)}}
	}
	return d, nil
}

// =============================================================================
// FILE SETTINGS - billing.ConfigSource backed by a JSON file
// =============================================================================

// FileSettings reads the settings file on every Load, so an edit takes
// effect on the next run without a restart. An empty path serves defaults.
type FileSettings struct {
	path string
}

var _ billing.ConfigSource = (*FileSettings)(nil)

func NewFileSettings(path string) *FileSettings {
	return &FileSettings{path: path}
}

func (s *FileSettings) Load(ctx context.Context) (billing.Config, error) {
	if s.path == "" {
		return billing.DefaultConfig(), nil
	}
	if err := ctx.Err(); err != nil {
		return billing.Config{}, err
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return billing.Config{}, fmt.Errorf("read settings %s: %w", s.path, err)
	}
	cfg, err := ParseSettings(string(raw))
	if err != nil {
		return billing.Config{}, fmt.Errorf("settings %s: %w", s.path, err)
	}
	return cfg, nil
}
