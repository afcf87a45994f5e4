// Package httpapi exposes the checkout service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nazeru/store-checkout/internal/checkout"
	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/pkg/idempotency"
	"github.com/nazeru/store-checkout/pkg/metrics"
)

// Checkout is the part of *checkout.Service the API serves.
type Checkout interface {
	CreateSession(ctx context.Context, in checkout.CreateSessionInput) (checkout.SessionResult, error)
	RenewSession(ctx context.Context, in checkout.RenewSessionInput) (checkout.SessionResult, error)
	AuthorizePayment(ctx context.Context, in checkout.AuthorizeInput) (checkout.AuthorizeResult, error)
	CapturePayment(ctx context.Context, in checkout.CaptureInput) (checkout.CaptureResult, error)
	CancelOrder(ctx context.Context, in checkout.CancelInput) (*domain.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetOrderByNumber(ctx context.Context, number domain.OrderNumber) (*domain.Order, error)
	ListCustomerOrders(ctx context.Context, customerID string) ([]*domain.Order, error)
	ListPaymentSessions(ctx context.Context, orderID uuid.UUID) ([]*domain.PaymentSession, error)
	Now() time.Time
}

type Handler struct {
	svc     Checkout
	metrics *metrics.ServerMetrics
	health  func(ctx context.Context) error
	service string
}

type Option func(*Handler)

func WithMetrics(m *metrics.ServerMetrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithHealthCheck makes /health report 503 while check fails.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(h *Handler) { h.health = check }
}

func NewRouter(svc Checkout, opts ...Option) http.Handler {
	h := &Handler{svc: svc, service: "checkout-service"}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireIdempotencyKey)
			r.Post("/checkout/sessions", h.createSession)
			r.Post("/checkout/sessions/{sessionID}/authorize", h.authorizePayment)
			r.Post("/orders/{orderID}/payment-sessions", h.renewSession)
			r.Post("/orders/{orderID}/capture", h.capturePayment)
			r.Post("/orders/{orderID}/cancel", h.cancelOrder)
		})
		r.Get("/orders/by-number/{number}", h.getOrderByNumber)
		r.Get("/orders/{orderID}", h.getOrder)
		r.Get("/customers/{customerID}/orders", h.listCustomerOrders)
	})
	return r
}

func requireIdempotencyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch err := idempotency.Validate(idempotency.Key(r)); {
		case errors.Is(err, idempotency.ErrMissingKey):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
				Code:    "idempotency_key_required",
				Message: idempotency.Header + " header is required",
			}})
			return
		case err != nil:
			writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
				Code:    "idempotency_key_invalid",
				Message: err.Error(),
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument labels requests by route pattern, so ids do not explode the
// label set.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = r.Method + " " + rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.Observe(route, strconv.Itoa(status), start)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
