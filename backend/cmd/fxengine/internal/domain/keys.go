package domain

import "fmt"

// Redis key namespace (spec.md §6). Hash tags ({...}) colocate every key
// scoped to a given user on one shard so user-scoped pipelines are
// single-slot.

func UserTag(userType UserType, userID string) string {
	return fmt.Sprintf("%s:%s", userType, userID)
}

func KeyMarket(symbol string) string { return "market:{" + symbol + "}" }

func KeyUserConfig(userType UserType, userID string) string {
	return "user:{" + UserTag(userType, userID) + "}:config"
}

func KeyUserPortfolio(userType UserType, userID string) string {
	return "user_portfolio:{" + UserTag(userType, userID) + "}"
}

func KeyUserOrdersIndex(userType UserType, userID string) string {
	return "user_orders_index:{" + UserTag(userType, userID) + "}"
}

func KeyUserHoldings(userType UserType, userID, orderID string) string {
	return "user_holdings:{" + UserTag(userType, userID) + "}:" + orderID
}

func KeyOrderData(orderID string) string { return "order_data:{" + orderID + "}" }

func KeyGlobalLookup(lifecycleID string) string { return "global_order_lookup:{" + lifecycleID + "}" }

func KeySymbolHolders(symbol string, userType UserType) string {
	return "symbol_holders:{" + symbol + "}:" + string(userType)
}

func KeyGroupConfig(group, symbol string) string { return "groups:{" + group + "}:" + symbol }

func KeySLIndex(symbol string, side Side) string { return "sl_index:{" + symbol + "}:" + string(side) }
func KeyTPIndex(symbol string, side Side) string { return "tp_index:{" + symbol + "}:" + string(side) }

func KeyPendingIndex(symbol string, t PendingType) string {
	return "pending_index:{" + symbol + "}:" + string(t)
}
func KeyPendingOrder(orderID string) string { return "pending_orders:{" + orderID + "}" }

const (
	KeyTriggerActiveSymbols  = "trigger_active_symbols"
	KeyPendingActiveSymbols  = "pending_active_symbols"
	KeyProviderPendingActive = "provider_pending_active"
)

func KeyProviderAck(anyID string) string { return "provider:ack:{" + anyID + "}" }
func KeyProviderIdem(token string) string { return "provider_idem:{" + token + "}" }

func KeyProviderPendingCancelSent(orderID string) string {
	return "provider_pending:cancel_sent:{" + orderID + "}"
}

func KeyAutocutoffAlertSent(userType UserType, userID string) string {
	return "autocutoff:alert_sent:{" + UserTag(userType, userID) + "}"
}
func KeyAutocutoffLiquidating(userType UserType, userID string) string {
	return "autocutoff:liquidating:{" + UserTag(userType, userID) + "}"
}

func KeyUserMarginLock(userType UserType, userID string) string {
	return "lock:user_margin:{" + UserTag(userType, userID) + "}"
}
func KeyPendingLock(orderID string) string { return "lock:pending:{" + orderID + "}" }
func KeyCloseProcessing(orderID string) string { return "close_processing:{" + orderID + "}" }

func KeyIdempotency(userType UserType, userID, key string) string {
	return "idempotency:{" + UserTag(userType, userID) + "}:" + key
}

func KeyCopyMasterFollowers(strategyProviderID string) string {
	return "copy_master_followers:" + strategyProviderID + ":active"
}

const (
	ChannelMarketPriceUpdates = "market_price_updates"
	ChannelPortfolioUpdates   = "portfolio_updates"
)

// Queue/exchange names (spec.md §6), overridable via pkg/config env vars.
const (
	QueueConfirmation       = "confirmation_queue"
	QueueConfirmationDLQ    = "confirmation_dlq"
	QueueOrderDBUpdate      = "order_db_update_queue"
	QueueWorkerOpen         = "order_worker_open_queue"
	QueueWorkerClose        = "order_worker_close_queue"
	QueueWorkerCancel       = "order_worker_cancel_queue"
	QueueWorkerPending      = "order_worker_pending_queue"
	QueueWorkerReject       = "order_worker_reject_queue"
	QueueWorkerStoploss     = "order_worker_stoploss_queue"
	QueueWorkerTakeprofit   = "order_worker_takeprofit_queue"
)

// DB-update message type catalogue (spec.md §6).
const (
	MsgOrderOpenConfirmed       = "ORDER_OPEN_CONFIRMED"
	MsgOrderCloseConfirmed      = "ORDER_CLOSE_CONFIRMED"
	MsgOrderCloseIDUpdate       = "ORDER_CLOSE_ID_UPDATE"
	MsgOrderRejected            = "ORDER_REJECTED"
	MsgOrderRejectionRecord     = "ORDER_REJECTION_RECORD"
	MsgOrderPendingConfirmed    = "ORDER_PENDING_CONFIRMED"
	MsgOrderPendingTriggered    = "ORDER_PENDING_TRIGGERED"
	MsgOrderPendingCancel       = "ORDER_PENDING_CANCEL"
	MsgOrderStoplossSet         = "ORDER_STOPLOSS_SET"
	MsgOrderStoplossConfirmed   = "ORDER_STOPLOSS_CONFIRMED"
	MsgOrderStoplossCancel      = "ORDER_STOPLOSS_CANCEL"
	MsgOrderTakeprofitSet       = "ORDER_TAKEPROFIT_SET"
	MsgOrderTakeprofitConfirmed = "ORDER_TAKEPROFIT_CONFIRMED"
	MsgOrderTakeprofitCancel    = "ORDER_TAKEPROFIT_CANCEL"
)
