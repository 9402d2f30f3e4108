package order

import "fxengine/internal/domain"

// Flow is the routing decision spec.md §4.3 derives from
// UserConfig.sending_orders: local fills execute immediately against
// the Quote Store; provider flow hands off to the external liquidity
// provider and finalizes asynchronously (spec.md §4.11).
type Flow int

const (
	FlowLocal Flow = iota
	FlowProvider
)

// RouteFlow implements "demo or (live with sending_orders=rock): local;
// live with sending_orders=barclays: provider; copy trading types follow
// the same rule as live" (spec.md §4.3).
func RouteFlow(userType domain.UserType, sendingOrders domain.SendingOrders) Flow {
	if userType == domain.UserDemo {
		return FlowLocal
	}
	if sendingOrders == domain.SendingRock {
		return FlowLocal
	}
	return FlowProvider
}
