package workers

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"fxengine/internal/domain"
	"fxengine/internal/order"
	"fxengine/internal/quote"
)

func deliveryWithBody(t *testing.T, msg Message) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal delivery: %v", err)
	}
	return amqp.Delivery{Body: body}
}

type fakeRepo struct {
	orders   map[string]domain.Order
	pendings map[string]domain.PendingOrder
	patched  map[string]map[string]any
	cleared  map[string][]string
	removed  map[string]bool
	holders  map[string]bool
	groups   map[string]domain.GroupConfig
	users    map[string]domain.UserConfig
	execD    float64
	allD     float64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		orders: map[string]domain.Order{}, pendings: map[string]domain.PendingOrder{},
		patched: map[string]map[string]any{}, cleared: map[string][]string{},
		removed: map[string]bool{}, holders: map[string]bool{},
		groups: map[string]domain.GroupConfig{}, users: map[string]domain.UserConfig{},
	}
}

func (r *fakeRepo) GetOrderByID(ctx context.Context, orderID string) (domain.Order, bool, error) {
	o, ok := r.orders[orderID]
	return o, ok, nil
}
func (r *fakeRepo) PatchOrder(ctx context.Context, userType domain.UserType, userID, orderID string, fields map[string]any) error {
	o := r.orders[orderID]
	for k, v := range fields {
		switch k {
		case "status":
			o.Status = domain.OrderStatus(v.(string))
		case "execution_status":
			o.ExecutionStatus = domain.ExecutionStatus(v.(string))
		case "order_price":
			o.OrderPrice = v.(float64)
		case "margin":
			o.Margin = v.(float64)
		case "stop_loss":
			f := v.(float64)
			o.StopLoss = &f
		case "take_profit":
			f := v.(float64)
			o.TakeProfit = &f
		}
	}
	r.orders[orderID] = o
	r.patched[orderID] = fields
	return nil
}
func (r *fakeRepo) SetOrderField(ctx context.Context, orderID, field, value string) error { return nil }
func (r *fakeRepo) ClearOrderFields(ctx context.Context, userType domain.UserType, userID, orderID string, fields ...string) error {
	o := r.orders[orderID]
	for _, f := range fields {
		switch f {
		case "stop_loss":
			o.StopLoss = nil
		case "take_profit":
			o.TakeProfit = nil
		}
	}
	r.orders[orderID] = o
	r.cleared[orderID] = append(r.cleared[orderID], fields...)
	return nil
}
func (r *fakeRepo) RemoveOrder(ctx context.Context, o domain.Order) error {
	r.removed[o.OrderID] = true
	delete(r.orders, o.OrderID)
	return nil
}
func (r *fakeRepo) RemoveSymbolHolder(ctx context.Context, symbol string, userType domain.UserType, userID string) error {
	r.holders[symbol+"|"+string(userType)+"|"+userID] = false
	return nil
}
func (r *fakeRepo) ListUserOrders(ctx context.Context, userType domain.UserType, userID string) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range r.orders {
		if o.UserType == userType && o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}
func (r *fakeRepo) AdjustPortfolioMargins(ctx context.Context, userType domain.UserType, userID string, execDelta, allDelta float64) error {
	r.execD += execDelta
	r.allD += allDelta
	return nil
}
func (r *fakeRepo) GetUserConfig(ctx context.Context, userType domain.UserType, userID string) (domain.UserConfig, bool, error) {
	c, ok := r.users[string(userType)+":"+userID]
	return c, ok, nil
}
func (r *fakeRepo) GetGroupConfig(ctx context.Context, group, symbol string) (domain.GroupConfig, bool, error) {
	g, ok := r.groups[group+"|"+symbol]
	return g, ok, nil
}
func (r *fakeRepo) PutPendingOrder(ctx context.Context, po domain.PendingOrder) error {
	r.pendings[po.OrderID] = po
	return nil
}
func (r *fakeRepo) GetPendingOrder(ctx context.Context, orderID string) (domain.PendingOrder, bool, error) {
	po, ok := r.pendings[orderID]
	return po, ok, nil
}
func (r *fakeRepo) DeletePendingOrder(ctx context.Context, orderID string) error {
	delete(r.pendings, orderID)
	return nil
}

type fakeTriggers struct{ unregistered []string }

func (f *fakeTriggers) Unregister(ctx context.Context, symbol string, side domain.Side, orderID string) error {
	f.unregistered = append(f.unregistered, orderID)
	return nil
}

type fakePendingIndex struct {
	registered   []string
	unregistered []string
}

func (f *fakePendingIndex) Register(ctx context.Context, po domain.PendingOrder) error {
	f.registered = append(f.registered, po.OrderID)
	return nil
}
func (f *fakePendingIndex) Unregister(ctx context.Context, symbol string, t domain.PendingType, orderID string) error {
	f.unregistered = append(f.unregistered, orderID)
	return nil
}

type fakeCloser struct {
	calls int
	failN int
	err   error
	res   order.CloseResult
}

func (f *fakeCloser) FinalizeClose(ctx context.Context, orderID, closeReason string, avgpx, swap float64) (order.CloseResult, error) {
	f.calls++
	if f.calls <= f.failN {
		return order.CloseResult{}, f.err
	}
	return f.res, nil
}

type fakeDB struct {
	calls []string
}

func (f *fakeDB) PublishOrderDBUpdate(ctx context.Context, msgType, orderID string, fields map[string]any) error {
	f.calls = append(f.calls, msgType)
	return nil
}

type fakeQuotes struct{ recs map[string]quote.Record }

func (f *fakeQuotes) Get(symbol string, nowMs int64) (quote.Record, bool) {
	r, ok := f.recs[symbol]
	return r, ok
}

func baseOrder() domain.Order {
	return domain.Order{
		OrderID: "o1", UserID: "u1", UserType: domain.UserLive,
		Symbol: "EURUSD", Side: domain.SideBuy, ContractSize: 1000,
		OrderQuantity: 1, ProfitCurrency: "USD", Group: "Standard",
		Margin: 10, HasMargin: true, HalfSpread: 0.0001,
	}
}

func TestHandleOpenRecomputesMargin(t *testing.T) {
	repo := newFakeRepo()
	o := baseOrder()
	repo.orders[o.OrderID] = o
	repo.groups["Standard|EURUSD"] = domain.GroupConfig{}
	db := &fakeDB{}
	w := &Worker{Repo: repo, DB: db, Quotes: &fakeQuotes{recs: map[string]quote.Record{}}}

	err := w.HandleOpen(context.Background(), Message{
		OrderID: "o1", UserID: "u1", UserType: string(domain.UserLive),
		Leverage: 100, AvgPx: 1.2,
	})
	if err != nil {
		t.Fatalf("HandleOpen: %v", err)
	}
	got := repo.orders["o1"]
	if got.Status != domain.StatusOpen || got.ExecutionStatus != domain.ExecExecuted {
		t.Fatalf("order not marked open/executed: %+v", got)
	}
	if len(db.calls) != 1 || db.calls[0] != domain.MsgOrderOpenConfirmed {
		t.Fatalf("expected one ORDER_OPEN_CONFIRMED publish, got %v", db.calls)
	}
}

func TestHandleOpenMissingOrder(t *testing.T) {
	repo := newFakeRepo()
	w := &Worker{Repo: repo}
	err := w.HandleOpen(context.Background(), Message{OrderID: "missing", UserType: string(domain.UserLive)})
	if err != domain.ErrMissingOrderData {
		t.Fatalf("expected ErrMissingOrderData, got %v", err)
	}
}

func TestHandleCloseRetriesThenSucceeds(t *testing.T) {
	repo := newFakeRepo()
	closer := &fakeCloser{failN: 2, err: context.DeadlineExceeded}
	w := &Worker{Repo: repo, Closer: closer}

	err := w.HandleClose(context.Background(), Message{OrderID: "o1", UserID: "u1", UserType: string(domain.UserLive)})
	if err != nil {
		t.Fatalf("HandleClose: %v", err)
	}
	if closer.calls != 3 {
		t.Fatalf("expected 3 finalize attempts, got %d", closer.calls)
	}
}

func TestHandleCloseStopsOnMissingOrderData(t *testing.T) {
	closer := &fakeCloser{failN: 99, err: domain.ErrMissingOrderData}
	w := &Worker{Closer: closer}

	err := w.HandleClose(context.Background(), Message{OrderID: "o1", UserType: string(domain.UserLive)})
	if err != domain.ErrMissingOrderData {
		t.Fatalf("expected ErrMissingOrderData, got %v", err)
	}
	if closer.calls != 1 {
		t.Fatalf("expected a single attempt on a permanent failure, got %d", closer.calls)
	}
}

func TestHandleCancelStoploss(t *testing.T) {
	repo := newFakeRepo()
	o := baseOrder()
	sl := 1.1
	o.StopLoss = &sl
	o.Status = domain.StatusStopLossCancel
	repo.orders[o.OrderID] = o
	triggers := &fakeTriggers{}
	db := &fakeDB{}
	w := &Worker{Repo: repo, Triggers: triggers, DB: db}

	err := w.HandleCancel(context.Background(), Message{OrderID: "o1", LifecycleID: "SLC123", UserType: string(domain.UserLive)})
	if err != nil {
		t.Fatalf("HandleCancel: %v", err)
	}
	if len(triggers.unregistered) != 1 {
		t.Fatalf("expected trigger unregistered, got %v", triggers.unregistered)
	}
	got := repo.orders["o1"]
	if got.Status != domain.StatusOpen {
		t.Fatalf("expected OPEN after cancel, got %s", got.Status)
	}
	if got.StopLoss != nil {
		t.Fatalf("expected stop_loss cleared, got %v", *got.StopLoss)
	}
	if len(db.calls) != 1 || db.calls[0] != domain.MsgOrderStoplossCancel {
		t.Fatalf("expected ORDER_STOPLOSS_CANCEL publish, got %v", db.calls)
	}
}

func TestHandleCancelPending(t *testing.T) {
	repo := newFakeRepo()
	o := baseOrder()
	o.Status = domain.StatusPendingCancel
	o.PendingType = domain.PendingBuyLimit
	o.HasReservedMargin = true
	o.ReservedMargin = 5
	repo.orders[o.OrderID] = o
	repo.pendings[o.OrderID] = domain.PendingOrder{OrderID: o.OrderID}
	pending := &fakePendingIndex{}
	db := &fakeDB{}
	w := &Worker{Repo: repo, Pending: pending, DB: db}

	err := w.HandleCancel(context.Background(), Message{OrderID: "o1", LifecycleID: "PC999", UserType: string(domain.UserLive)})
	if err != nil {
		t.Fatalf("HandleCancel: %v", err)
	}
	if !repo.removed["o1"] {
		t.Fatalf("expected order removed")
	}
	if _, ok := repo.pendings["o1"]; ok {
		t.Fatalf("expected pending projection deleted")
	}
	if len(pending.unregistered) != 1 {
		t.Fatalf("expected pending index unregistered")
	}
	if repo.allD != -5 {
		t.Fatalf("expected reserved margin released, got allD=%v", repo.allD)
	}
}

func TestHandlePendingAppliesStagedModifyPrice(t *testing.T) {
	repo := newFakeRepo()
	o := baseOrder()
	modified := 1.3456
	o.PendingModifyPriceUser = &modified
	o.PendingType = domain.PendingBuyLimit
	repo.orders[o.OrderID] = o
	pending := &fakePendingIndex{}
	db := &fakeDB{}
	w := &Worker{Repo: repo, Pending: pending, DB: db}

	err := w.HandlePending(context.Background(), Message{OrderID: "o1", UserID: "u1", UserType: string(domain.UserLive)})
	if err != nil {
		t.Fatalf("HandlePending: %v", err)
	}
	got := repo.orders["o1"]
	if got.OrderPrice != modified {
		t.Fatalf("expected staged price applied, got %v", got.OrderPrice)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("expected PENDING status, got %s", got.Status)
	}
	if po, ok := repo.pendings["o1"]; !ok || po.TriggerPrice != modified {
		t.Fatalf("expected pending projection registered at staged price, got %+v", po)
	}
	if len(pending.registered) != 1 {
		t.Fatalf("expected pending index registered")
	}
}

func TestHandleRejectPlacementReleasesMargin(t *testing.T) {
	repo := newFakeRepo()
	o := baseOrder()
	o.HasReservedMargin = true
	o.ReservedMargin = 7
	repo.orders[o.OrderID] = o
	db := &fakeDB{}
	w := &Worker{Repo: repo, DB: db}

	err := w.HandleReject(context.Background(), Message{OrderID: "o1", UserType: string(domain.UserLive), OrdStatus: "insufficient_margin"})
	if err != nil {
		t.Fatalf("HandleReject: %v", err)
	}
	if !repo.removed["o1"] {
		t.Fatalf("expected order removed on placement rejection")
	}
	if repo.allD != -7 {
		t.Fatalf("expected reserved margin released, got %v", repo.allD)
	}
	foundRejected := false
	for _, c := range db.calls {
		if c == domain.MsgOrderRejected {
			foundRejected = true
		}
	}
	if !foundRejected {
		t.Fatalf("expected ORDER_REJECTED publish, got %v", db.calls)
	}
}

func TestHandleRejectModifyDoesNotMutateState(t *testing.T) {
	repo := newFakeRepo()
	o := baseOrder()
	repo.orders[o.OrderID] = o
	db := &fakeDB{}
	w := &Worker{Repo: repo, DB: db}

	err := w.HandleReject(context.Background(), Message{OrderID: "o1", LifecycleID: "MOD42", UserType: string(domain.UserLive)})
	if err != nil {
		t.Fatalf("HandleReject: %v", err)
	}
	if repo.removed["o1"] {
		t.Fatalf("a PENDING_MODIFY rejection must not remove the order")
	}
	if len(db.calls) != 1 || db.calls[0] != domain.MsgOrderRejectionRecord {
		t.Fatalf("expected only the rejection record published, got %v", db.calls)
	}
}

func TestHandleStoplossConvertsProviderPrice(t *testing.T) {
	repo := newFakeRepo()
	o := baseOrder()
	repo.orders[o.OrderID] = o
	db := &fakeDB{}
	w := &Worker{Repo: repo, DB: db}

	err := w.HandleStoploss(context.Background(), Message{OrderID: "o1", UserType: string(domain.UserLive), AvgPx: 1.2000})
	if err != nil {
		t.Fatalf("HandleStoploss: %v", err)
	}
	got := repo.orders["o1"]
	if got.StopLoss == nil {
		t.Fatalf("expected stop_loss set")
	}
	want := 1.2000 - o.HalfSpread
	if *got.StopLoss != want {
		t.Fatalf("expected %v, got %v", want, *got.StopLoss)
	}
	if len(db.calls) != 1 || db.calls[0] != domain.MsgOrderStoplossConfirmed {
		t.Fatalf("expected ORDER_STOPLOSS_CONFIRMED publish, got %v", db.calls)
	}
}

func TestHandleDeliveryTreatsUntokenedMessageAsFresh(t *testing.T) {
	w := &Worker{Redis: nil}
	var calls int
	handle := Handler(func(ctx context.Context, msg Message) error {
		calls++
		return nil
	})
	w.handleDelivery(context.Background(), deliveryWithBody(t, Message{OrderID: "o1"}), handle)
	if calls != 1 {
		t.Fatalf("expected handler called once, got %d", calls)
	}
}
