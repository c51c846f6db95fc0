package factory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/warehouse-billing/billing"
)

func TestParseSettings_OverridesDefaults(t *testing.T) {
	cfg, err := ParseSettings(`{
		"default_uoms": {"per_weight": "t"},
		"conversions": [
			{"from": "pallet", "to": "m3", "factor": "6/5"},
			{"item": "sku-bulk", "from": "pcs", "to": "kg", "factor": "0.125"}
		],
		"container_types": ["container", "reefer"],
		"hour_increment": "0.25",
		"currency_scale": {"CHF": 2},
		"clamp_negative": true,
		"line_concurrency": 8,
		"lock_ttl": "1m",
		"lock_retries": 0
	}`)
	require.NoError(t, err)

	def := billing.DefaultConfig()
	assert.Equal(t, billing.UOM("t"), cfg.DefaultUOMs[billing.MethodPerWeight])
	assert.Equal(t, def.DefaultUOMs[billing.MethodPerDay], cfg.DefaultUOMs[billing.MethodPerDay])

	require.Len(t, cfg.Conversions, 2)
	assert.Equal(t, "6/5", cfg.Conversions[0].Factor.String())
	assert.Equal(t, billing.ItemID("sku-bulk"), cfg.Conversions[1].Item)

	assert.Equal(t, []string{"container", "reefer"}, cfg.ContainerTypes)
	assert.True(t, cfg.HourIncrement.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, int32(2), cfg.ScaleFor("CHF"))
	assert.Equal(t, int32(0), cfg.ScaleFor("JPY"))
	assert.True(t, cfg.ClampNegative)
	assert.False(t, cfg.IncludeIdleStock)
	assert.Equal(t, 8, cfg.LineConcurrency)
	assert.Equal(t, time.Minute, cfg.LockTTL)
	assert.Equal(t, 0, cfg.LockRetries)
	assert.Equal(t, def.LockBackoff, cfg.LockBackoff)
}

func TestParseSettings_Empty(t *testing.T) {
	cfg, err := ParseSettings(`{}`)
	require.NoError(t, err)
	assert.Equal(t, billing.DefaultConfig(), cfg)
}

func TestParseSettings_Rejections(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown method":      `{"default_uoms": {"per_pallet": "m3"}}`,
		"same unit":           `{"conversions": [{"from": "m3", "to": "m3", "factor": "1"}]}`,
		"zero factor":         `{"conversions": [{"from": "pallet", "to": "m3", "factor": "0"}]}`,
		"bad factor":          `{"conversions": [{"from": "pallet", "to": "m3", "factor": "a/b"}]}`,
		"negative increment":  `{"hour_increment": "-1"}`,
		"negative concurrency": `{"line_concurrency": -1}`,
		"bad duration":        `{"lock_backoff": "soon"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSettings(doc)
			assert.ErrorIs(t, err, billing.ErrConfiguration)
		})
	}
}

func TestFileSettings(t *testing.T) {
	ctx := context.Background()

	cfg, err := NewFileSettings("").Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, billing.DefaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"include_idle_stock": true}`), 0o600))
	src := NewFileSettings(path)

	cfg, err = src.Load(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.IncludeIdleStock)

	// Edits are picked up on the next load
	require.NoError(t, os.WriteFile(path, []byte(`{"include_idle_stock": false}`), 0o600))
	cfg, err = src.Load(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.IncludeIdleStock)

	_, err = NewFileSettings(filepath.Join(t.TempDir(), "missing.json")).Load(ctx)
	assert.Error(t, err)
}
