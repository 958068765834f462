package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"storefront/internal/observability"
	"storefront/internal/orders"
	"storefront/internal/orders/saga"
	"storefront/internal/reliability"

	"github.com/gin-gonic/gin"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type stubService struct {
	got   orders.PlaceOrderRequest
	order orders.Order
	err   error
	panic bool
}

func (s *stubService) PlaceOrder(_ context.Context, req orders.PlaceOrderRequest) (orders.Order, error) {
	if s.panic {
		panic("store exploded")
	}
	s.got = req
	return s.order, s.err
}

func post(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestPlaceOrder_Created(t *testing.T) {
	svc := &stubService{order: orders.Order{ID: "order-1", FinalAmount: 1800, Status: orders.OrderStatusSuccess}}
	metrics := observability.NewMetrics()
	h := NewServer(svc, nil, metrics, nil).Routes()

	rr := post(t, h, `{"user_id":"u1","lines":[{"product_id":"p1","option_id":"o1","quantity":2}],"coupon_id":"c10"}`,
		map[string]string{"Idempotency-Key": "req-1"})

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var order orders.Order
	if err := json.Unmarshal(rr.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if order.ID != "order-1" || order.FinalAmount != 1800 {
		t.Fatalf("unexpected order: %+v", order)
	}
	if svc.got.IdempotencyKey != "req-1" || svc.got.CouponID != "c10" || len(svc.got.Lines) != 1 {
		t.Fatalf("unexpected request: %+v", svc.got)
	}
	if metrics.Snapshot().Methods["POST /orders"].Count != 1 {
		t.Fatalf("expected call to be tracked")
	}
}

func TestPlaceOrder_RejectsMalformedBody(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil, nil, nil).Routes()

	for _, body := range []string{`{`, `{"user_id":"u1","unknown":true}`} {
		rr := post(t, h, body, nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rr.Code)
		}
	}
}

func TestPlaceOrder_MapsDomainErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: quantity 0", orders.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{orders.ErrProductNotFound, http.StatusNotFound, "product_not_found"},
		{&orders.FailedOrderError{OrderID: "o1", State: saga.StateCompensated, Err: orders.ErrInsufficientStock}, http.StatusConflict, "insufficient_stock"},
		{&orders.FailedOrderError{OrderID: "o1", State: saga.StateCompensated, Err: orders.ErrInsufficientBalance}, http.StatusPaymentRequired, "insufficient_balance"},
		{&orders.FailedOrderError{OrderID: "o1", State: saga.StateCompensated, Err: orders.ErrCouponExhausted}, http.StatusUnprocessableEntity, "coupon_invalid"},
		{orders.ErrCouponAlreadyUsed, http.StatusConflict, "coupon_already_used"},
		{&orders.FailedOrderError{OrderID: "o1", State: saga.StateCompensated, Err: orders.ErrLockTimeout}, http.StatusServiceUnavailable, "lock_timeout"},
		{orders.ErrDuplicateRequest, http.StatusConflict, "duplicate_request"},
		{orders.ErrIdempotencyConflict, http.StatusUnprocessableEntity, "idempotency_conflict"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			h := NewServer(&stubService{err: tc.err}, nil, nil, nil).Routes()
			rr := post(t, h, `{"user_id":"u1","lines":[{"product_id":"p1","option_id":"o1","quantity":1}]}`, nil)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			var resp errorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, resp.Error)
			}
		})
	}
}

func TestPlaceOrder_FailedOrderCarriesOrderID(t *testing.T) {
	err := &orders.FailedOrderError{OrderID: "order-7", State: saga.StateCompensationFailed, Step: "create_order", Err: orders.ErrInsufficientBalance}
	h := NewServer(&stubService{err: err}, nil, nil, nil).Routes()

	rr := post(t, h, `{"user_id":"u1","lines":[{"product_id":"p1","option_id":"o1","quantity":1}]}`, nil)
	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OrderID != "order-7" {
		t.Fatalf("expected order id in failure, got %+v", resp)
	}
}

func TestPlaceOrder_RateLimited(t *testing.T) {
	limiter := reliability.NewRateLimiter(1e9, 1)
	h := NewServer(&stubService{}, limiter, nil, nil).Routes()

	first := post(t, h, `{"user_id":"u1","lines":[]}`, nil)
	if first.Code == http.StatusTooManyRequests {
		t.Fatalf("first request should pass the limiter")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`)).WithContext(ctx)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	h := NewServer(&stubService{}, nil, nil, nil).Routes()
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestPlaceOrder_DuplicateCarriesPriorOrderID(t *testing.T) {
	err := &orders.DuplicateRequestError{OrderID: "order-3", State: saga.StateCommitted}
	h := NewServer(&stubService{err: err}, nil, nil, nil).Routes()

	rr := post(t, h, `{"user_id":"u1","lines":[{"product_id":"p1","option_id":"o1","quantity":1}]}`,
		map[string]string{"Idempotency-Key": "req-1"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "duplicate_request" || resp.OrderID != "order-3" {
		t.Fatalf("unexpected duplicate response: %+v", resp)
	}
}

func TestRoutes_UnknownPath(t *testing.T) {
	h := NewServer(&stubService{}, nil, nil, nil).Routes()
	req := httptest.NewRequest(http.MethodPost, "/carts", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestPlaceOrder_RecoversPanic(t *testing.T) {
	metrics := observability.NewMetrics()
	h := NewServer(&stubService{panic: true}, nil, metrics, nil).Routes()

	rr := post(t, h, `{"user_id":"u1","lines":[{"product_id":"p1","option_id":"o1","quantity":1}]}`, nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "internal" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	m := metrics.Snapshot().Methods["POST /orders"]
	if m.Errors != 1 || m.InFlight != 0 {
		t.Fatalf("expected panic to be tracked as an error: %+v", m)
	}
}
