package events

// Event enumerates the in-process topics the engine's components
// publish and subscribe to.
type Event string

const (
	// EventDirtySymbols carries the set of symbols the market listener
	// just wrote fresh quotes for (spec.md §4.2/§4.3, the "Dirty-User
	// Bus"). Subscribers fan the symbol set out to the users holding
	// positions in it.
	EventDirtySymbols Event = "market_price_updates"
	// EventPortfolioUpdate carries a recomputed UserPortfolio snapshot
	// (spec.md §4.6), consumed by the auto-cutoff watcher and clients.
	EventPortfolioUpdate Event = "portfolio_updates"
	// EventOrderUpdate carries an order state transition for anything
	// that wants to observe the lifecycle without polling Redis.
	EventOrderUpdate Event = "order_update"
	// EventRiskAlert carries an auto-cutoff alert/liquidation signal.
	EventRiskAlert Event = "risk_alert"
)

// DirtySymbolsPayload is the payload shape for EventDirtySymbols.
type DirtySymbolsPayload struct {
	Symbols []string
	TsMs    int64
}
