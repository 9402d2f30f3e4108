package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"fxengine/internal/domain"
	"fxengine/internal/order"
)

type fakeEngine struct {
	execResult order.ExecuteResult
	execErr    error
	closeResult order.CloseResult
	closeErr    error
}

func (f *fakeEngine) ExecuteInstantOrder(ctx context.Context, req order.ExecuteRequest) (order.ExecuteResult, error) {
	return f.execResult, f.execErr
}

func (f *fakeEngine) Close(ctx context.Context, req order.CloseRequest) (order.CloseResult, error) {
	return f.closeResult, f.closeErr
}

func init() { gin.SetMode(gin.TestMode) }

func TestPlaceOrderSucceeds(t *testing.T) {
	eng := &fakeEngine{execResult: order.ExecuteResult{OrderID: "o1", Status: domain.StatusOpen, ExecPrice: 1.1, MarginUSD: 12}}
	s := NewServer(eng)

	body, _ := json.Marshal(map[string]any{
		"symbol": "EURUSD", "side": "BUY", "order_quantity": 1, "user_id": "u1", "user_type": "live",
	})
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Principal-ID", "u1")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp placeOrderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OrderID != "o1" {
		t.Errorf("expected order id o1, got %s", resp.OrderID)
	}
}

func TestPlaceOrderRejectsMissingPrincipal(t *testing.T) {
	s := NewServer(&fakeEngine{})

	body, _ := json.Marshal(map[string]any{"symbol": "EURUSD", "side": "BUY", "order_quantity": 1, "user_id": "u1", "user_type": "live"})
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPlaceOrderMapsValidationErrorTo400(t *testing.T) {
	eng := &fakeEngine{execErr: domain.ErrMissingGroupData}
	s := NewServer(eng)

	body, _ := json.Marshal(map[string]any{"symbol": "EURUSD", "side": "BUY", "order_quantity": 1, "user_id": "u1", "user_type": "live"})
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Principal-ID", "u1")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPlaceOrderMapsProviderErrorTo503(t *testing.T) {
	eng := &fakeEngine{execErr: domain.ErrProviderUnreachable}
	s := NewServer(eng)

	body, _ := json.Marshal(map[string]any{"symbol": "EURUSD", "side": "BUY", "order_quantity": 1, "user_id": "u1", "user_type": "live"})
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Principal-ID", "u1")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestCloseOrderSucceeds(t *testing.T) {
	eng := &fakeEngine{closeResult: order.CloseResult{OrderID: "o1", NetProfit: 5.5, ClosePrice: 1.105}}
	s := NewServer(eng)

	body, _ := json.Marshal(map[string]any{"close_reason": domain.CloseReasonClosed})
	req := httptest.NewRequest(http.MethodPost, "/orders/o1/close", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Principal-ID", "u1")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
