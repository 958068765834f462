// Package httpapi exposes order placement over HTTP/JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"storefront/internal/observability"
	"storefront/internal/orders"
	"storefront/internal/reliability"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// OrderService defines the behavior needed by the HTTP adapter.
type OrderService interface {
	PlaceOrder(ctx context.Context, req orders.PlaceOrderRequest) (orders.Order, error)
}

// Server adapts OrderService to HTTP.
type Server struct {
	service OrderService
	limiter *reliability.RateLimiter
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewServer constructs a Server. limiter and metrics may be nil.
func NewServer(svc OrderService, limiter *reliability.RateLimiter, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		service: svc,
		limiter: limiter,
		metrics: metrics,
		logger:  logger.Named("http"),
	}
}

// Routes returns the gin engine serving every endpoint.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.NoRoute(func(c *gin.Context) {
		respond(c, http.StatusNotFound, errorResponse{Error: "not_found", Message: "no such route"})
	})
	r.NoMethod(func(c *gin.Context) {
		respond(c, http.StatusMethodNotAllowed, errorResponse{Error: "method_not_allowed", Message: c.Request.Method + " not allowed"})
	})

	recovery := gin.CustomRecoveryWithWriter(nil, s.recovered)
	r.POST("/orders", s.track(), recovery, s.placeOrder)
	return r
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	OrderID string `json:"order_id,omitempty"`
}

func (s *Server) placeOrder(c *gin.Context) {
	var req orders.PlaceOrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respond(c, http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	order, err := s.service.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		status, code := mapOrderError(err)
		resp := errorResponse{Error: code, Message: err.Error(), OrderID: orderIDOf(err)}
		if status >= http.StatusInternalServerError {
			s.logger.Error("place order", zap.String("user_id", req.UserID), zap.Error(err))
			resp.Message = "internal error"
		}
		respond(c, status, resp)
		return
	}

	respond(c, http.StatusCreated, order)
}

// orderIDOf returns the order a failure or a replayed key refers to.
func orderIDOf(err error) string {
	var failed *orders.FailedOrderError
	if errors.As(err, &failed) {
		return failed.OrderID
	}
	var dup *orders.DuplicateRequestError
	if errors.As(err, &dup) {
		return dup.OrderID
	}
	return ""
}

// mapOrderError maps domain errors to an HTTP status and a stable error code.
func mapOrderError(err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded"
	case errors.Is(err, orders.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, orders.ErrProductNotFound):
		return http.StatusNotFound, "product_not_found"
	case errors.Is(err, orders.ErrWalletNotFound):
		return http.StatusNotFound, "wallet_not_found"
	case errors.Is(err, orders.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, orders.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, orders.ErrCouponAlreadyUsed):
		return http.StatusConflict, "coupon_already_used"
	case errors.Is(err, orders.ErrCouponInvalid):
		return http.StatusUnprocessableEntity, "coupon_invalid"
	case errors.Is(err, orders.ErrLockTimeout):
		return http.StatusServiceUnavailable, "lock_timeout"
	case errors.Is(err, orders.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate_request"
	case errors.Is(err, orders.ErrIdempotencyConflict):
		return http.StatusUnprocessableEntity, "idempotency_conflict"
	}
	return http.StatusInternalServerError, "internal"
}

func respond(c *gin.Context, status int, v any) {
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, v)
}
