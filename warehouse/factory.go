/*
factory.go - Warehouse contract presets as JSON

These functions build JSON contract documents directly so callers that
store or transmit contracts as JSON get the same presets as presets.go.
They do not import the factory package.

USAGE:
  jsonStr := warehouse.StandardContractJSON("ct-acme", "acme", "EUR", "2025-01-01", "0.45", "3.50", "3.80", "38")
  contract, err := factory.NewContractFactory().ParseContract(jsonStr)
*/
package warehouse

import (
	"encoding/json"
)

// StandardContractJSON returns JSON for StandardContract. Rates are
// decimal strings.
func StandardContractJSON(id, customer, currency, validFrom, storage, inbound, outbound, vas string) string {
	cj := map[string]interface{}{
		"id":            id,
		"customer":      customer,
		"valid_from":    validFrom,
		"currency":      currency,
		"billing_cycle": "monthly",
		"lines": []map[string]interface{}{
			{
				"id": "storage", "charge_item": "storage", "billing_method": "per_day", "uom": "m3",
				"rate": storage, "volume_calc": "average", "applies_to": "storage",
			},
			{
				"id": "inbound", "charge_item": "handling-in", "billing_method": "per_handling_unit",
				"rate": inbound, "applies_to": "inbound", "handling_unit_type": HUPallet,
			},
			{
				"id": "outbound", "charge_item": "handling-out", "billing_method": "per_handling_unit",
				"rate": outbound, "applies_to": "outbound", "handling_unit_type": HUPallet,
			},
			{
				"id": "vas", "charge_item": "value-added-services", "billing_method": "per_hour",
				"rate": vas, "applies_to": "vas", "billing_increment": "0.25",
			},
		},
	}
	b, _ := json.MarshalIndent(cj, "", "  ")
	return string(b)
}

// ReservedSpaceJSON returns JSON for ReservedSpaceContract without a floor.
func ReservedSpaceJSON(id, customer, currency, validFrom, perM3 string) string {
	cj := map[string]interface{}{
		"id":         id,
		"customer":   customer,
		"valid_from": validFrom,
		"currency":   currency,
		"lines": []map[string]interface{}{{
			"id": "reserved", "charge_item": "reserved-space", "billing_method": "high_water_mark",
			"uom": "m3", "rate": perM3, "applies_to": "storage", "watermark_scope": "contract",
		}},
	}
	b, _ := json.MarshalIndent(cj, "", "  ")
	return string(b)
}
