package order

import (
	"context"
	"fmt"

	"fxengine/internal/domain"
	"fxengine/internal/quote"
)

// fakeRepo is an in-memory stand-in for Repo, shared by execute_test.go
// and close_test.go.
type fakeRepo struct {
	users      map[string]domain.UserConfig
	groups     map[string]domain.GroupConfig
	holdings   map[string]map[string]domain.Order // uk -> orderID -> order
	global     map[string]domain.Order            // orderID -> order
	idem       map[string]string                  // uk:key -> result ("" means in-flight)
	lookups    map[string]string
	symbolHold map[string]map[string]bool
	patched    map[string]map[string]any
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:      map[string]domain.UserConfig{},
		groups:     map[string]domain.GroupConfig{},
		holdings:   map[string]map[string]domain.Order{},
		global:     map[string]domain.Order{},
		idem:       map[string]string{},
		lookups:    map[string]string{},
		symbolHold: map[string]map[string]bool{},
		patched:    map[string]map[string]any{},
	}
}

func uk(ut domain.UserType, uid string) string { return string(ut) + ":" + uid }
func gk(group, symbol string) string           { return group + "|" + symbol }

func (r *fakeRepo) GetUserConfig(ctx context.Context, ut domain.UserType, uid string) (domain.UserConfig, bool, error) {
	c, ok := r.users[uk(ut, uid)]
	return c, ok, nil
}

func (r *fakeRepo) GetGroupConfig(ctx context.Context, group, symbol string) (domain.GroupConfig, bool, error) {
	g, ok := r.groups[gk(group, symbol)]
	return g, ok, nil
}

func (r *fakeRepo) ListUserOrders(ctx context.Context, ut domain.UserType, uid string) ([]domain.Order, error) {
	m := r.holdings[uk(ut, uid)]
	out := make([]domain.Order, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	return out, nil
}

func (r *fakeRepo) GetHolding(ctx context.Context, ut domain.UserType, uid, orderID string) (domain.Order, bool, error) {
	m := r.holdings[uk(ut, uid)]
	o, ok := m[orderID]
	return o, ok, nil
}

func (r *fakeRepo) GetOrderByID(ctx context.Context, orderID string) (domain.Order, bool, error) {
	o, ok := r.global[orderID]
	return o, ok, nil
}

func (r *fakeRepo) TryBeginIdempotency(ctx context.Context, ut domain.UserType, uid, key string) (bool, string, error) {
	k := uk(ut, uid) + ":" + key
	v, exists := r.idem[k]
	if !exists {
		r.idem[k] = ""
		return true, "", nil
	}
	if v == "" {
		return false, "", nil
	}
	return false, v, nil
}

func (r *fakeRepo) FinishIdempotency(ctx context.Context, ut domain.UserType, uid, key, result string) error {
	r.idem[uk(ut, uid)+":"+key] = result
	return nil
}

func (r *fakeRepo) PlaceOrder(ctx context.Context, o domain.Order, execDelta, allDelta float64) error {
	k := uk(o.UserType, o.UserID)
	if r.holdings[k] == nil {
		r.holdings[k] = map[string]domain.Order{}
	}
	if _, exists := r.holdings[k][o.OrderID]; exists {
		return fmt.Errorf("order_exists")
	}
	r.holdings[k][o.OrderID] = o
	r.global[o.OrderID] = o
	return nil
}

func (r *fakeRepo) AddSymbolHolder(ctx context.Context, symbol string, ut domain.UserType, uid string) error {
	if r.symbolHold[symbol] == nil {
		r.symbolHold[symbol] = map[string]bool{}
	}
	r.symbolHold[symbol][uid] = true
	return nil
}

func (r *fakeRepo) RemoveSymbolHolder(ctx context.Context, symbol string, ut domain.UserType, uid string) error {
	delete(r.symbolHold[symbol], uid)
	return nil
}

func (r *fakeRepo) RemoveOrder(ctx context.Context, o domain.Order) error {
	delete(r.holdings[uk(o.UserType, o.UserID)], o.OrderID)
	delete(r.global, o.OrderID)
	return nil
}

func (r *fakeRepo) AdjustPortfolioMargins(ctx context.Context, ut domain.UserType, uid string, execDelta, allDelta float64) error {
	return nil
}

func (r *fakeRepo) SetGlobalLookup(ctx context.Context, lifecycleID, orderID string) error {
	r.lookups[lifecycleID] = orderID
	return nil
}

func (r *fakeRepo) ResolveGlobalLookup(ctx context.Context, lifecycleID string) (string, bool, error) {
	v, ok := r.lookups[lifecycleID]
	return v, ok, nil
}

func (r *fakeRepo) SetOrderField(ctx context.Context, orderID, field, value string) error {
	o, ok := r.global[orderID]
	if !ok {
		return nil
	}
	if field == "status" {
		o.Status = domain.OrderStatus(value)
	}
	r.global[orderID] = o
	if m := r.holdings[uk(o.UserType, o.UserID)]; m != nil {
		m[orderID] = o
	}
	return nil
}

func (r *fakeRepo) PatchOrder(ctx context.Context, ut domain.UserType, uid, orderID string, fields map[string]any) error {
	r.patched[orderID] = fields
	return nil
}

// fakeQuotes is an in-memory stand-in for Quotes (margin.QuoteLookup).
type fakeQuotes struct {
	recs map[string]quote.Record
}

func newFakeQuotes() *fakeQuotes { return &fakeQuotes{recs: map[string]quote.Record{}} }

func (q *fakeQuotes) set(symbol string, bid, ask float64, tsMs int64) {
	q.recs[symbol] = quote.Record{Symbol: symbol, Bid: bid, Ask: ask, TsMs: tsMs}
}

func (q *fakeQuotes) Get(symbol string, nowMs int64) (quote.Record, bool) {
	rec, ok := q.recs[symbol]
	return rec, ok
}

type fakeGroupDB struct {
	groups map[string]domain.GroupConfig
}

func (d *fakeGroupDB) FetchGroupConfig(ctx context.Context, group, symbol string) (domain.GroupConfig, bool, error) {
	g, ok := d.groups[gk(group, symbol)]
	return g, ok, nil
}
