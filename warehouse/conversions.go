package warehouse

import "github.com/warp/warehouse-billing/billing"

// Unit codes used by the standard conversion table.
const (
	UOMPallet billing.UOM = "pallet"
	UOMLitre  billing.UOM = "l"
	UOMTonne  billing.UOM = "t"
)

// StandardConversions covers units every site uses. A EUR pallet is
// 1.2 x 0.8 m at 1.25 m stacking height.
func StandardConversions() []billing.Conversion {
	return []billing.Conversion{
		{From: UOMPallet, To: billing.UOMCubicMeter, Factor: billing.NewRational(6, 5)},
		{From: UOMLitre, To: billing.UOMCubicMeter, Factor: billing.NewRational(1, 1000)},
		{From: UOMTonne, To: billing.UOMKilogram, Factor: billing.NewRational(1000, 1)},
	}
}

// Settings returns the default engine settings with the standard
// conversions and container types installed. extra conversions are
// appended; item specific ones take precedence at lookup.
func Settings(extra ...billing.Conversion) billing.Config {
	cfg := billing.DefaultConfig()
	cfg.Conversions = append(StandardConversions(), extra...)
	cfg.ContainerTypes = []string{HUContainer, HUReefer}
	return cfg
}
