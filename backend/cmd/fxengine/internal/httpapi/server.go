package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fxengine/internal/domain"
	"fxengine/internal/order"
)

// Engine is the collaborator surface the HTTP boundary drives; exactly
// what spec.md §9 names as "the synchronous entry point" into the
// Order Execution Engine and Closer.
type Engine interface {
	ExecuteInstantOrder(ctx context.Context, req order.ExecuteRequest) (order.ExecuteResult, error)
	Close(ctx context.Context, req order.CloseRequest) (order.CloseResult, error)
}

// Server owns the gin router and its one collaborator, the Order
// Execution Engine.
type Server struct {
	engine Engine
	router *gin.Engine
}

func NewServer(engine Engine) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), CORSMiddleware(), RequestIDMiddleware(), RateLimitMiddleware(), TimeoutMiddleware(10*time.Second), RequestLogger())

	s := &Server{engine: engine, router: router}

	router.GET("/healthz", s.health)

	orders := router.Group("/orders", PrincipalAuth())
	orders.POST("", s.placeOrder)
	orders.POST("/:id/close", s.closeOrder)

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Run(addr string) error { return s.router.Run(addr) }

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type placeOrderRequest struct {
	Symbol         string  `json:"symbol" binding:"required"`
	Side           string  `json:"side" binding:"required,oneof=BUY SELL"`
	OrderPrice     float64 `json:"order_price"`
	OrderQuantity  float64 `json:"order_quantity" binding:"gt=0"`
	UserID         string  `json:"user_id" binding:"required"`
	UserType       string  `json:"user_type" binding:"required"`
	IdempotencyKey string  `json:"idempotency_key"`
	OrderID        string  `json:"order_id"`
}

type placeOrderResponse struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"`
	ExecPrice float64 `json:"exec_price"`
	MarginUSD float64 `json:"margin_usd"`
	Replayed  bool    `json:"replayed"`
}

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.engine.ExecuteInstantOrder(c.Request.Context(), order.ExecuteRequest{
		Symbol:         req.Symbol,
		Side:           domain.Side(req.Side),
		OrderPrice:     req.OrderPrice,
		OrderQuantity:  req.OrderQuantity,
		UserID:         req.UserID,
		UserType:       domain.UserType(req.UserType),
		IdempotencyKey: req.IdempotencyKey,
		OrderID:        req.OrderID,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, placeOrderResponse{
		OrderID:   result.OrderID,
		Status:    string(result.Status),
		ExecPrice: result.ExecPrice,
		MarginUSD: result.MarginUSD,
		Replayed:  result.Replayed,
	})
}

type closeOrderRequest struct {
	CloseReason string `json:"close_reason" binding:"required"`
}

type closeOrderResponse struct {
	OrderID    string  `json:"order_id"`
	NetProfit  float64 `json:"net_profit"`
	ClosePrice float64 `json:"close_price"`
	Async      bool    `json:"async"`
}

func (s *Server) closeOrder(c *gin.Context) {
	orderID := c.Param("id")
	var req closeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.engine.Close(c.Request.Context(), order.CloseRequest{
		OrderID:     orderID,
		CloseReason: req.CloseReason,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, closeOrderResponse{
		OrderID:    result.OrderID,
		NetProfit:  result.NetProfit,
		ClosePrice: result.ClosePrice,
		Async:      result.Async,
	})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var placeFailed *domain.PlaceOrderFailed
	if errors.As(err, &placeFailed) {
		body["error"] = placeFailed.Error()
	}
	c.JSON(status, body)
}
