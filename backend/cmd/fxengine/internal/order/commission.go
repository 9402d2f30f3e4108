package order

import (
	"strings"

	"fxengine/internal/domain"
)

// computeCommission implements the exit-commission formula recorded as
// Open Question decision #6 in DESIGN.md: commission_value_type selects
// the unit (percentage of notional, or a flat rate per lot), and
// commission_type selects whether a round-turn trade is charged once
// (on open only) or on both legs.
//
// leg is "entry" or "exit"; for a round-turn commission, "exit" always
// returns 0 since the full amount was already taken at open.
func computeCommission(group commissionConfig, quantity, price float64, leg string) float64 {
	if group.CommissionRate == 0 {
		return 0
	}
	if leg == "exit" && strings.EqualFold(group.CommissionType, "round_turn") {
		return 0
	}
	if strings.EqualFold(group.CommissionValType, "percentage") {
		notional := quantity * group.ContractSize * price
		return group.CommissionRate / 100 * notional
	}
	return group.CommissionRate * quantity
}

// commissionConfig is the subset of domain.GroupConfig/domain.Order the
// formula needs, kept separate so it can be called against either a
// fresh GroupConfig (entry, at placement) or the order's own immutable
// snapshot fields (exit, at close, once the group may have changed).
type commissionConfig struct {
	CommissionRate    float64
	CommissionType    string
	CommissionValType string
	ContractSize      float64
}

func commissionConfigFromGroup(g domain.GroupConfig) commissionConfig {
	return commissionConfig{
		CommissionRate: g.CommissionRate, CommissionType: g.CommissionType,
		CommissionValType: g.CommissionValType, ContractSize: g.ContractSize,
	}
}

func commissionConfigFromOrder(o domain.Order) commissionConfig {
	return commissionConfig{
		CommissionRate: o.CommissionRate, CommissionType: o.CommissionType,
		CommissionValType: o.CommissionValType, ContractSize: o.ContractSize,
	}
}
