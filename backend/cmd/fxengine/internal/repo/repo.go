// Package repo is the Redis-backed read/write layer shared by the
// portfolio calculator, margin engine, order engine, trigger monitor
// and pending monitor: user config, group config, per-user holdings,
// and the portfolio hash. Grounded on the teacher's pkg/db (a
// method-per-entity repository over a single store handle), re-pointed
// from SQL rows to Redis hashes, and on original_source's
// user_margin_service.py helpers (_fetch_user_config,
// _fetch_group_data_batch, _fetch_user_orders) for which reads exist
// and their tagged/legacy-key fallback shape.
package repo

import (
	"context"
	"strconv"
	"time"

	"fxengine/internal/domain"
	"fxengine/pkg/redisx"
)

type Store struct {
	redis *redisx.Client
}

func New(redis *redisx.Client) *Store { return &Store{redis: redis} }

// GetUserConfig reads user:{user_type:user_id}:config.
func (s *Store) GetUserConfig(ctx context.Context, userType domain.UserType, userID string) (domain.UserConfig, bool, error) {
	fields, err := s.redis.GetHash(ctx, domain.KeyUserConfig(userType, userID))
	if err != nil {
		return domain.UserConfig{}, false, err
	}
	if len(fields) == 0 {
		return domain.UserConfig{}, false, nil
	}
	cfg := domain.UserConfig{
		UserID:               userID,
		UserType:             userType,
		WalletBalance:        parseFloat(fields["wallet_balance"]),
		Leverage:             parseFloat(fields["leverage"]),
		Group:                orDefault(fields["group"], "Standard"),
		SendingOrders:        domain.SendingOrders(fields["sending_orders"]),
		Status:               fields["status"],
		AutoCutoffLevel:      parseFloat(fields["auto_cutoff_level"]),
		AutoLiquidationLevel: parseFloat(fields["auto_liquidation_level"]),
	}
	return cfg, true, nil
}

// GetGroupConfig reads groups:{group}:symbol, falling back to the
// "Standard" group when the user's own group has no row for the
// symbol, matching _fetch_group_data_batch's std_map fallback.
func (s *Store) GetGroupConfig(ctx context.Context, group, symbol string) (domain.GroupConfig, bool, error) {
	fields, err := s.redis.GetHash(ctx, domain.KeyGroupConfig(group, symbol))
	if err != nil {
		return domain.GroupConfig{}, false, err
	}
	if len(fields) == 0 && group != "Standard" {
		fields, err = s.redis.GetHash(ctx, domain.KeyGroupConfig("Standard", symbol))
		if err != nil {
			return domain.GroupConfig{}, false, err
		}
	}
	if len(fields) == 0 {
		return domain.GroupConfig{}, false, nil
	}
	return domain.GroupConfig{
		Group:              group,
		Symbol:             symbol,
		ContractSize:       parseFloat(fields["contract_size"]),
		ProfitCurrency:     fields["profit"],
		Type:               int(parseFloat(fields["type"])),
		Spread:             parseFloat(fields["spread"]),
		SpreadPip:          parseFloat(fields["spread_pip"]),
		CommissionRate:     parseFloat(fields["commission_rate"]),
		CommissionType:     fields["commission_type"],
		CommissionValType:  fields["commission_val_type"],
		CryptoMarginFactor: parseFloat(fields["crypto_margin_factor"]),
		GroupMargin:        parseFloat(fields["margin"]),
	}, true, nil
}

// ListUserOrderIDs reads the user's order index set.
func (s *Store) ListUserOrderIDs(ctx context.Context, userType domain.UserType, userID string) ([]string, error) {
	return s.redis.SMembers(ctx, domain.KeyUserOrdersIndex(userType, userID))
}

// GetHolding reads one user_holdings:{user_type:user_id}:order_id hash.
func (s *Store) GetHolding(ctx context.Context, userType domain.UserType, userID, orderID string) (domain.Order, bool, error) {
	fields, err := s.redis.GetHash(ctx, domain.KeyUserHoldings(userType, userID, orderID))
	if err != nil {
		return domain.Order{}, false, err
	}
	if len(fields) == 0 {
		return domain.Order{}, false, nil
	}
	return decodeOrder(orderID, userType, userID, fields), true, nil
}

// GetOrderByID reads the canonical order_data:{order_id} hash (global,
// addressable without knowing the owning user), used by the dispatcher
// and trigger/pending monitors which only carry an order_id.
func (s *Store) GetOrderByID(ctx context.Context, orderID string) (domain.Order, bool, error) {
	fields, err := s.redis.GetHash(ctx, domain.KeyOrderData(orderID))
	if err != nil {
		return domain.Order{}, false, err
	}
	if len(fields) == 0 {
		return domain.Order{}, false, nil
	}
	userType := domain.UserType(fields["user_type"])
	return decodeOrder(orderID, userType, fields["user_id"], fields), true, nil
}

// ListUserOrders resolves every order in the user's index in one
// round of reads. Missing holdings (index pointing at a deleted order)
// are silently skipped, matching spec.md's "weak reference" invariant
// on the global lookup.
func (s *Store) ListUserOrders(ctx context.Context, userType domain.UserType, userID string) ([]domain.Order, error) {
	ids, err := s.ListUserOrderIDs(ctx, userType, userID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		o, ok, err := s.GetHolding(ctx, userType, userID, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, o)
		}
	}
	return out, nil
}

// SymbolHolders returns the user IDs holding a position in symbol for
// a given user type.
func (s *Store) SymbolHolders(ctx context.Context, symbol string, userType domain.UserType) ([]string, error) {
	return s.redis.SMembers(ctx, domain.KeySymbolHolders(symbol, userType))
}

// GetPortfolio reads the cached user_portfolio hash.
func (s *Store) GetPortfolio(ctx context.Context, userType domain.UserType, userID string) (domain.UserPortfolio, bool, error) {
	fields, err := s.redis.GetHash(ctx, domain.KeyUserPortfolio(userType, userID))
	if err != nil {
		return domain.UserPortfolio{}, false, err
	}
	if len(fields) == 0 {
		return domain.UserPortfolio{}, false, nil
	}
	return domain.UserPortfolio{
		UserID:             userID,
		UserType:           userType,
		Balance:            parseFloat(fields["balance"]),
		Equity:             parseFloat(fields["equity"]),
		OpenPnL:            parseFloat(fields["open_pnl"]),
		UsedMarginExecuted: parseFloat(fields["used_margin_executed"]),
		UsedMarginAll:      parseFloat(fields["used_margin_all"]),
		FreeMargin:         parseFloat(fields["free_margin"]),
		MarginLevel:        parseFloat(fields["margin_level"]),
		CalcStatus:         domain.CalcStatus(fields["calc_status"]),
		TsMs:               int64(parseFloat(fields["ts_ms"])),
	}, true, nil
}

// PutPortfolio writes the recomputed portfolio hash.
func (s *Store) PutPortfolio(ctx context.Context, p domain.UserPortfolio) error {
	key := domain.KeyUserPortfolio(p.UserType, p.UserID)
	fields := map[string]any{
		"balance":              p.Balance,
		"equity":               p.Equity,
		"open_pnl":             p.OpenPnL,
		"used_margin_executed": p.UsedMarginExecuted,
		"used_margin_all":      p.UsedMarginAll,
		"free_margin":          p.FreeMargin,
		"margin_level":         p.MarginLevel,
		"calc_status":          string(p.CalcStatus),
		"ts_ms":                p.TsMs,
	}
	return s.redis.SetHash(ctx, key, fields)
}

const (
	idempotencyProcessingTTL = 60 * time.Second
	idempotencyResultTTL     = 300 * time.Second
)

const idempotencyProcessingToken = "processing"

// TryBeginIdempotency attempts the compare-and-set from spec.md §4.3 step
// 3: acquired=true means the caller owns this key and must eventually
// call FinishIdempotency; acquired=false with a non-empty result means a
// prior call already finished and its result should be replayed;
// acquired=false with an empty result means a prior call is still in
// flight (idempotency_in_progress).
func (s *Store) TryBeginIdempotency(ctx context.Context, userType domain.UserType, userID, key string) (acquired bool, priorResult string, err error) {
	k := domain.KeyIdempotency(userType, userID, key)
	ok, err := s.redis.SetNX(ctx, k, idempotencyProcessingToken, idempotencyProcessingTTL)
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}
	v, _, err := s.redis.Get(ctx, k)
	if err != nil {
		return false, "", err
	}
	if v == idempotencyProcessingToken {
		return false, "", nil
	}
	return false, v, nil
}

// FinishIdempotency overwrites the processing token with the sanitized
// result, extending its TTL to 300s (spec.md §4.3 step 10).
func (s *Store) FinishIdempotency(ctx context.Context, userType domain.UserType, userID, key, result string) error {
	return s.redis.SetEx(ctx, domain.KeyIdempotency(userType, userID, key), result, idempotencyResultTTL)
}

// PlaceOrder writes a new order atomically against the user's shard
// (spec.md §4.3 step 8.b): the holding hash, the orders index, and the
// portfolio margin counters share the user's hash tag so the placement
// script runs as a single Redis Cluster slot operation, falling back to
// the non-atomic sequence when the deployment's Redis has scripting
// disabled. order_data:{order_id} is then mirrored as the canonical,
// order-id-addressable copy the dispatcher and trigger/pending monitors
// resolve lifecycle ids against (spec.md §6); that mirror is a plain
// write, not part of the atomic slot, since order_id has its own tag.
func (s *Store) PlaceOrder(ctx context.Context, o domain.Order, execMarginDelta, allMarginDelta float64) error {
	holdingKey := domain.KeyUserHoldings(o.UserType, o.UserID, o.OrderID)
	indexKey := domain.KeyUserOrdersIndex(o.UserType, o.UserID)
	portfolioKey := domain.KeyUserPortfolio(o.UserType, o.UserID)
	fields := encodeOrderFields(o)

	err := s.redis.PlaceOrderAtomic(ctx, holdingKey, indexKey, portfolioKey, o.OrderID, fields, execMarginDelta, allMarginDelta)
	if err != nil && err != redisx.ErrOrderExists {
		err = s.redis.PlaceOrderFallback(ctx, holdingKey, indexKey, portfolioKey, o.OrderID, fields, execMarginDelta, allMarginDelta)
	}
	if err != nil {
		return err
	}
	return s.redis.SetHash(ctx, domain.KeyOrderData(o.OrderID), stringMapToAny(fields))
}

// AddSymbolHolder registers the user as a holder of symbol for its user
// type (spec.md §4.3 step 8.c).
func (s *Store) AddSymbolHolder(ctx context.Context, symbol string, userType domain.UserType, userID string) error {
	return s.redis.SAdd(ctx, domain.KeySymbolHolders(symbol, userType), userID)
}

// RemoveSymbolHolder is the close-time inverse, applied once the user
// holds no more open orders in symbol.
func (s *Store) RemoveSymbolHolder(ctx context.Context, symbol string, userType domain.UserType, userID string) error {
	return s.redis.SRem(ctx, domain.KeySymbolHolders(symbol, userType), userID)
}

// RemoveOrder deletes the holding hash and index entry (spec.md §4.4
// "remove the order").
func (s *Store) RemoveOrder(ctx context.Context, o domain.Order) error {
	if err := s.redis.Del(ctx, domain.KeyUserHoldings(o.UserType, o.UserID, o.OrderID), domain.KeyOrderData(o.OrderID)); err != nil {
		return err
	}
	return s.redis.SRem(ctx, domain.KeyUserOrdersIndex(o.UserType, o.UserID), o.OrderID)
}

// AdjustPortfolioMargins applies a delta to the two used-margin counters,
// used when closing an order or modifying SL/TP changes its margin.
func (s *Store) AdjustPortfolioMargins(ctx context.Context, userType domain.UserType, userID string, execDelta, allDelta float64) error {
	key := domain.KeyUserPortfolio(userType, userID)
	fields, err := s.redis.GetHash(ctx, key)
	if err != nil {
		return err
	}
	exec := parseFloat(fields["used_margin_executed"]) + execDelta
	all := parseFloat(fields["used_margin_all"]) + allDelta
	return s.redis.SetHash(ctx, key, map[string]any{
		"used_margin_executed": exec,
		"used_margin_all":      all,
	})
}

// SetGlobalLookup/ResolveGlobalLookup back the weak-reference lifecycle-id
// lookup (spec.md §3 invariant 2): every id an order emits (close_id,
// cancel_id, stoploss_id, ...) resolves back to the owning order_id.
func (s *Store) SetGlobalLookup(ctx context.Context, lifecycleID, orderID string) error {
	return s.redis.SetEx(ctx, domain.KeyGlobalLookup(lifecycleID), orderID, 0)
}

func (s *Store) ResolveGlobalLookup(ctx context.Context, lifecycleID string) (string, bool, error) {
	return s.redis.Get(ctx, domain.KeyGlobalLookup(lifecycleID))
}

// SetOrderField patches a single field on the canonical order hash (used
// for status transitions and lifecycle-id stamping without a full rewrite).
func (s *Store) SetOrderField(ctx context.Context, orderID, field, value string) error {
	return s.redis.SetHash(ctx, domain.KeyOrderData(orderID), map[string]any{field: value})
}

// PatchOrder merges fields into both the canonical order_data hash and
// the user's denormalized holding hash, used by the closer and the
// SL/TP-set/cancel ack handlers that update several fields at once.
func (s *Store) PatchOrder(ctx context.Context, userType domain.UserType, userID, orderID string, fields map[string]any) error {
	if err := s.redis.SetHash(ctx, domain.KeyOrderData(orderID), fields); err != nil {
		return err
	}
	return s.redis.SetHash(ctx, domain.KeyUserHoldings(userType, userID, orderID), fields)
}

// ClearOrderFields drops fields from both the canonical and holding
// hashes entirely (not merely blanked), used when a cancel removes a
// nullable field like stop_loss/take_profit whose presence, not value,
// the decoder keys off of.
func (s *Store) ClearOrderFields(ctx context.Context, userType domain.UserType, userID, orderID string, fields ...string) error {
	if err := s.redis.HDel(ctx, domain.KeyOrderData(orderID), fields...); err != nil {
		return err
	}
	return s.redis.HDel(ctx, domain.KeyUserHoldings(userType, userID, orderID), fields...)
}

// PutPendingOrder writes the pending worker's scan-optimized projection
// (spec.md §4.8/§4.11): the pending monitor reads this instead of the
// full order_data hash so a scan tick never pays for fields it doesn't
// need.
func (s *Store) PutPendingOrder(ctx context.Context, po domain.PendingOrder) error {
	fields := map[string]any{
		"symbol":         po.Symbol,
		"order_type":     string(po.OrderType),
		"order_quantity": strconv.FormatFloat(po.OrderQuantity, 'f', -1, 64),
		"user_id":        po.UserID,
		"user_type":      string(po.UserType),
		"group":          po.Group,
		"trigger_price":  strconv.FormatFloat(po.TriggerPrice, 'f', -1, 64),
	}
	return s.redis.SetHash(ctx, domain.KeyPendingOrder(po.OrderID), fields)
}

// GetPendingOrder reads back a pending projection written by PutPendingOrder.
func (s *Store) GetPendingOrder(ctx context.Context, orderID string) (domain.PendingOrder, bool, error) {
	fields, err := s.redis.GetHash(ctx, domain.KeyPendingOrder(orderID))
	if err != nil {
		return domain.PendingOrder{}, false, err
	}
	if len(fields) == 0 {
		return domain.PendingOrder{}, false, nil
	}
	return domain.PendingOrder{
		OrderID:       orderID,
		Symbol:        fields["symbol"],
		OrderType:     domain.PendingType(fields["order_type"]),
		OrderQuantity: parseFloat(fields["order_quantity"]),
		UserID:        fields["user_id"],
		UserType:      domain.UserType(fields["user_type"]),
		Group:         fields["group"],
		TriggerPrice:  parseFloat(fields["trigger_price"]),
	}, true, nil
}

// DeletePendingOrder drops the scan projection once a pending order is
// promoted, cancelled, or rejected.
func (s *Store) DeletePendingOrder(ctx context.Context, orderID string) error {
	return s.redis.Del(ctx, domain.KeyPendingOrder(orderID))
}

func encodeOrderFields(o domain.Order) map[string]string {
	fields := map[string]string{
		"user_id":              o.UserID,
		"user_type":            string(o.UserType),
		"symbol":               o.Symbol,
		"side":                 string(o.Side),
		"pending_type":         string(o.PendingType),
		"order_quantity":       strconv.FormatFloat(o.OrderQuantity, 'f', -1, 64),
		"order_price":          strconv.FormatFloat(o.OrderPrice, 'f', -1, 64),
		"status":               string(o.Status),
		"execution_status":     string(o.ExecutionStatus),
		"raw_price":            strconv.FormatFloat(o.RawPrice, 'f', -1, 64),
		"half_spread":          strconv.FormatFloat(o.HalfSpread, 'f', -1, 64),
		"contract_value":       strconv.FormatFloat(o.ContractValue, 'f', -1, 64),
		"group":                o.Group,
		"contract_size":        strconv.FormatFloat(o.ContractSize, 'f', -1, 64),
		"profit_currency":      o.ProfitCurrency,
		"instrument_type":      strconv.Itoa(o.InstrumentType),
		"spread_pip":           strconv.FormatFloat(o.SpreadPip, 'f', -1, 64),
		"spread_points":        strconv.FormatFloat(o.SpreadPoints, 'f', -1, 64),
		"commission_rate":      strconv.FormatFloat(o.CommissionRate, 'f', -1, 64),
		"commission_type":      o.CommissionType,
		"commission_val_type":  o.CommissionValType,
		"commission_entry":     strconv.FormatFloat(o.CommissionEntry, 'f', -1, 64),
		"commission_exit":      strconv.FormatFloat(o.CommissionExit, 'f', -1, 64),
		"swap":                 strconv.FormatFloat(o.Swap, 'f', -1, 64),
		"profit_usd":           strconv.FormatFloat(o.ProfitUSD, 'f', -1, 64),
		"net_profit":           strconv.FormatFloat(o.NetProfit, 'f', -1, 64),
		"close_price":          strconv.FormatFloat(o.ClosePrice, 'f', -1, 64),
		"close_id":             o.CloseID,
		"cancel_id":            o.CancelID,
		"modify_id":            o.ModifyID,
		"stoploss_id":          o.StoplossID,
		"takeprofit_id":        o.TakeprofitID,
		"stoploss_cancel_id":   o.StoplossCancelID,
		"takeprofit_cancel_id": o.TakeprofitCancelID,
		"idempotency_key":      o.IdempotencyKey,
		"created_at_ms":        strconv.FormatInt(o.CreatedAtMs, 10),
		"updated_at_ms":        strconv.FormatInt(o.UpdatedAtMs, 10),
	}
	if o.HasMargin {
		fields["margin"] = strconv.FormatFloat(o.Margin, 'f', -1, 64)
	}
	if o.HasReservedMargin {
		fields["reserved_margin"] = strconv.FormatFloat(o.ReservedMargin, 'f', -1, 64)
	}
	if o.StopLoss != nil {
		fields["stop_loss"] = strconv.FormatFloat(*o.StopLoss, 'f', -1, 64)
	}
	if o.TakeProfit != nil {
		fields["take_profit"] = strconv.FormatFloat(*o.TakeProfit, 'f', -1, 64)
	}
	if o.PendingModifyPriceUser != nil {
		fields["pending_modify_price_user"] = strconv.FormatFloat(*o.PendingModifyPriceUser, 'f', -1, 64)
	}
	return fields
}

func decodeOrder(orderID string, userType domain.UserType, userID string, fields map[string]string) domain.Order {
	o := domain.Order{
		OrderID:            orderID,
		UserID:             userID,
		UserType:           userType,
		Symbol:             fields["symbol"],
		Side:               domain.Side(fields["side"]),
		PendingType:        domain.PendingType(fields["pending_type"]),
		OrderQuantity:      parseFloat(fields["order_quantity"]),
		OrderPrice:         parseFloat(fields["order_price"]),
		Status:             domain.OrderStatus(fields["status"]),
		ExecutionStatus:    domain.ExecutionStatus(fields["execution_status"]),
		RawPrice:           parseFloat(fields["raw_price"]),
		HalfSpread:         parseFloat(fields["half_spread"]),
		ContractValue:      parseFloat(fields["contract_value"]),
		Group:              fields["group"],
		ContractSize:       parseFloat(fields["contract_size"]),
		ProfitCurrency:     fields["profit_currency"],
		InstrumentType:     int(parseFloat(fields["instrument_type"])),
		SpreadPip:          parseFloat(fields["spread_pip"]),
		SpreadPoints:       parseFloat(fields["spread_points"]),
		CommissionRate:     parseFloat(fields["commission_rate"]),
		CommissionType:     fields["commission_type"],
		CommissionValType:  fields["commission_val_type"],
		CommissionEntry:    parseFloat(fields["commission_entry"]),
		CommissionExit:     parseFloat(fields["commission_exit"]),
		Swap:               parseFloat(fields["swap"]),
		ProfitUSD:          parseFloat(fields["profit_usd"]),
		NetProfit:          parseFloat(fields["net_profit"]),
		ClosePrice:         parseFloat(fields["close_price"]),
		CloseID:            fields["close_id"],
		CancelID:           fields["cancel_id"],
		ModifyID:           fields["modify_id"],
		StoplossID:         fields["stoploss_id"],
		TakeprofitID:       fields["takeprofit_id"],
		StoplossCancelID:   fields["stoploss_cancel_id"],
		TakeprofitCancelID: fields["takeprofit_cancel_id"],
		IdempotencyKey:     fields["idempotency_key"],
		CreatedAtMs:        int64(parseFloat(fields["created_at_ms"])),
		UpdatedAtMs:        int64(parseFloat(fields["updated_at_ms"])),
	}
	if v, ok := fields["margin"]; ok {
		o.Margin = parseFloat(v)
		o.HasMargin = true
	}
	if v, ok := fields["reserved_margin"]; ok {
		o.ReservedMargin = parseFloat(v)
		o.HasReservedMargin = true
	}
	if v, ok := fields["stop_loss"]; ok {
		sl := parseFloat(v)
		o.StopLoss = &sl
	}
	if v, ok := fields["take_profit"]; ok {
		tp := parseFloat(v)
		o.TakeProfit = &tp
	}
	if v, ok := fields["pending_modify_price_user"]; ok {
		p := parseFloat(v)
		o.PendingModifyPriceUser = &p
	}
	return o
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
