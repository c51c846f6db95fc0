/*
presets.go - Pre-built warehouse contract configurations

PURPOSE:
  Ready-to-use contracts for the common 3PL service mixes. These are
  starting points that sales ops copy and adjust, not fixed products.

AVAILABLE CONTRACTS:
  StandardContract:     Ambient storage per m3-day plus pallet handling and VAS hours
  ColdChainContract:    Peak storage with chilled and frozen surcharges by storage type
  ContainerYardContract: Container moves plus end-of-period yard occupancy
  ReservedSpaceContract: High-water-mark reservation that never shrinks in a contract term

EXAMPLE:
  c := warehouse.StandardContract("ct-acme", "acme", "EUR", billing.Date(2025, 1, 1), warehouse.StandardRates{
      StoragePerM3Day: decimal.RequireFromString("0.45"),
      InboundPerPallet: decimal.RequireFromString("3.50"),
      OutboundPerPallet: decimal.RequireFromString("3.80"),
      VASPerHour: decimal.RequireFromString("38"),
  })
  err := store.SaveContract(ctx, c)

SEE ALSO:
  - factory.go: JSON equivalents for the factory package
  - conversions.go: Standard unit conversions
*/
package warehouse

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/warehouse-billing/billing"
)

// Common handling unit and storage type codes.
const (
	HUPallet    = "pallet"
	HUCarton    = "carton"
	HUContainer = "container"
	HUReefer    = "reefer"

	StorageAmbient = "ambient"
	StorageChilled = "chilled"
	StorageFrozen  = "frozen"
)

// StandardRates prices a StandardContract. MinStorage is optional.
type StandardRates struct {
	StoragePerM3Day   decimal.Decimal
	InboundPerPallet  decimal.Decimal
	OutboundPerPallet decimal.Decimal
	VASPerHour        decimal.Decimal
	MinStorage        *decimal.Decimal
}

// StandardContract returns an ambient storage contract billed monthly.
func StandardContract(id billing.ContractID, customer billing.CustomerID, currency string, from time.Time, r StandardRates) billing.Contract {
	quarterHour := decimal.RequireFromString("0.25")
	return billing.Contract{
		ID:           id,
		Customer:     customer,
		ValidFrom:    from,
		Currency:     currency,
		BillingCycle: billing.CycleMonthly,
		Lines: []billing.ContractLine{
			{
				ID: "storage", ChargeItem: "storage", BillingMethod: billing.MethodPerDay,
				UOM: billing.UOMCubicMeter, Rate: r.StoragePerM3Day, VolumeCalc: billing.CalcAverage,
				AppliesTo: billing.AppliesStorage, MinCharge: r.MinStorage,
			},
			{
				ID: "inbound", ChargeItem: "handling-in", BillingMethod: billing.MethodPerHandlingUnit,
				Rate: r.InboundPerPallet, AppliesTo: billing.AppliesInbound, HandlingUnitType: HUPallet,
			},
			{
				ID: "outbound", ChargeItem: "handling-out", BillingMethod: billing.MethodPerHandlingUnit,
				Rate: r.OutboundPerPallet, AppliesTo: billing.AppliesOutbound, HandlingUnitType: HUPallet,
			},
			{
				ID: "vas", ChargeItem: "value-added-services", BillingMethod: billing.MethodPerHour,
				Rate: r.VASPerHour, AppliesTo: billing.AppliesVAS, BillingIncrement: &quarterHour,
			},
		},
	}
}

// ColdChainRates prices a ColdChainContract per m3 of peak occupancy.
type ColdChainRates struct {
	Ambient decimal.Decimal
	Chilled decimal.Decimal
	Frozen  decimal.Decimal
}

// ColdChainContract bills the period's peak volume. The chilled and
// frozen lines are more specific than the ambient one, so temperature
// controlled stock never falls back to the ambient rate.
func ColdChainContract(id billing.ContractID, customer billing.CustomerID, currency string, from time.Time, r ColdChainRates) billing.Contract {
	line := func(lineID billing.LineID, storageType string, rate decimal.Decimal) billing.ContractLine {
		return billing.ContractLine{
			ID: lineID, ChargeItem: "storage", BillingMethod: billing.MethodPerVolume, UOM: billing.UOMCubicMeter,
			Rate: rate, VolumeCalc: billing.CalcPeak, AppliesTo: billing.AppliesStorage, StorageType: storageType,
		}
	}
	return billing.Contract{
		ID:        id,
		Customer:  customer,
		ValidFrom: from,
		Currency:  currency,
		Lines: []billing.ContractLine{
			line("storage-ambient", "", r.Ambient),
			line("storage-chilled", StorageChilled, r.Chilled),
			line("storage-frozen", StorageFrozen, r.Frozen),
		},
	}
}

// ContainerYardContract charges per container received and per m3 of
// yard space occupied at the end of each month.
func ContainerYardContract(id billing.ContractID, customer billing.CustomerID, currency string, from time.Time, perContainer, perM3 decimal.Decimal) billing.Contract {
	return billing.Contract{
		ID:           id,
		Customer:     customer,
		ValidFrom:    from,
		Currency:     currency,
		BillingCycle: billing.CycleMonthly,
		Lines: []billing.ContractLine{
			{
				ID: "gate-in", ChargeItem: "container-gate-in", BillingMethod: billing.MethodPerContainer,
				Rate: perContainer, AppliesTo: billing.AppliesInbound,
			},
			{
				ID: "yard", ChargeItem: "yard-occupancy", BillingMethod: billing.MethodPerVolume,
				UOM: billing.UOMCubicMeter, Rate: perM3, VolumeCalc: billing.CalcEnd, AppliesTo: billing.AppliesStorage,
			},
		},
	}
}

// ReservedSpaceContract bills the highest volume reached since the
// contract started, with an optional floor.
func ReservedSpaceContract(id billing.ContractID, customer billing.CustomerID, currency string, from time.Time, perM3 decimal.Decimal, floor *decimal.Decimal) billing.Contract {
	return billing.Contract{
		ID:        id,
		Customer:  customer,
		ValidFrom: from,
		Currency:  currency,
		Lines: []billing.ContractLine{{
			ID: "reserved", ChargeItem: "reserved-space", BillingMethod: billing.MethodHighWaterMark,
			UOM: billing.UOMCubicMeter, Rate: perM3, AppliesTo: billing.AppliesStorage,
			WatermarkScope: billing.ScopeContract, MinCharge: floor,
		}},
	}
}
