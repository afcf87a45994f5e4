package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nazeru/store-checkout/internal/gateway"
	"github.com/nazeru/store-checkout/pkg/idempotency"
	"github.com/nazeru/store-checkout/pkg/logging"
)

const serviceName = "gateway-stub"

// DeclinedToken is an authorization token the stub always rejects.
const DeclinedToken = "declined"

// failures injects errors: the next Count requests answer Status, and after
// that each request fails with probability Rate.
type failures struct {
	Status  int     `json:"status"`
	Count   int     `json:"count"`
	Rate    float64 `json:"rate"`
	Latency int     `json:"latency_ms"`
}

type stub struct {
	mu        sync.Mutex
	inject    failures
	replies   map[string][]byte
	captured  map[string]int64
	authorize map[string]string // auth token -> gateway order id
	rnd       *rand.Rand
}

func newStub(initial failures) *stub {
	return &stub{
		inject:    initial,
		replies:   make(map[string][]byte),
		captured:  make(map[string]int64),
		authorize: make(map[string]string),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *stub) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Put("/stub/failures", s.setFailures)
	r.Get("/stub/failures", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, http.StatusOK, s.inject)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.faults)
		r.Post("/payments/v1/sessions", s.createSession)
		r.Post("/payments/v1/authorizations/{token}/order", s.replay(s.authorizeOrder))
		r.Post("/ordermanagement/v1/orders/{orderID}/captures", s.replay(s.capture))
	})
	return r
}

func (s *stub) setFailures(w http.ResponseWriter, r *http.Request) {
	var f failures
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_VALUE", "invalid json")
		return
	}
	s.mu.Lock()
	s.inject = f
	s.mu.Unlock()
	logging.Log(logging.Fields{Service: serviceName, Step: "inject", Status: fmt.Sprintf("status=%d count=%d rate=%.2f", f.Status, f.Count, f.Rate)})
	writeJSON(w, http.StatusOK, f)
}

func (s *stub) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		latency := time.Duration(s.inject.Latency) * time.Millisecond
		status := 0
		switch {
		case s.inject.Count > 0:
			s.inject.Count--
			status = s.inject.Status
		case s.inject.Rate > 0 && s.rnd.Float64() < s.inject.Rate:
			status = s.inject.Status
		}
		s.mu.Unlock()

		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			if status < 400 {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, "INJECTED_FAILURE", "injected by gateway stub")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// replay answers a repeated Idempotency-Key with the first successful reply.
func (s *stub) replay(h func(r *http.Request) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := idempotency.Key(r)
		if key != "" {
			s.mu.Lock()
			cached, ok := s.replies[key]
			s.mu.Unlock()
			if ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(cached)
				return
			}
		}
		status, body := h(r)
		data, _ := json.Marshal(body)
		if key != "" && status < 300 {
			s.mu.Lock()
			s.replies[key] = data
			s.mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(data)
	}
}

func (s *stub) createSession(w http.ResponseWriter, r *http.Request) {
	var order gateway.OrderPayload
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_VALUE", "invalid json")
		return
	}
	if msg := validateOrder(order); msg != "" {
		writeError(w, http.StatusBadRequest, "BAD_VALUE", msg)
		return
	}
	logging.Log(logging.Fields{Service: serviceName, Step: "create_session", Status: "created", Message: order.MerchantReference1})
	writeJSON(w, http.StatusOK, gateway.SessionPayload{
		SessionID:   uuid.NewString(),
		ClientToken: "stub-client-" + uuid.NewString(),
		PaymentMethodCategories: []gateway.PaymentMethodCategory{
			{Identifier: "pay_later", Name: "Pay later"},
			{Identifier: "pay_over_time", Name: "Financing"},
		},
	})
}

func (s *stub) authorizeOrder(r *http.Request) (int, any) {
	token := chi.URLParam(r, "token")
	var order gateway.OrderPayload
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		return http.StatusBadRequest, errorPayload("BAD_VALUE", "invalid json")
	}
	if msg := validateOrder(order); msg != "" {
		return http.StatusBadRequest, errorPayload("BAD_VALUE", msg)
	}
	if token == DeclinedToken {
		return http.StatusPaymentRequired, errorPayload("NOT_ALLOWED", "authorization declined")
	}

	s.mu.Lock()
	orderID, ok := s.authorize[token]
	if !ok {
		orderID = uuid.NewString()
		s.authorize[token] = orderID
	}
	s.mu.Unlock()

	logging.Log(logging.Fields{Service: serviceName, Step: "authorize", Status: "accepted", SessionID: order.MerchantReference2})
	var resp gateway.AuthorizationPayload
	resp.OrderID = orderID
	resp.FraudStatus = "ACCEPTED"
	resp.RedirectURL = "https://gateway.example.com/redirect/" + orderID
	resp.AuthorizedPaymentMethod.Type = "pay_later"
	return http.StatusOK, resp
}

func (s *stub) capture(r *http.Request) (int, any) {
	orderID := chi.URLParam(r, "orderID")
	var body gateway.CapturePayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return http.StatusBadRequest, errorPayload("BAD_VALUE", "invalid json")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	known := false
	for _, id := range s.authorize {
		if id == orderID {
			known = true
			break
		}
	}
	if !known {
		return http.StatusNotFound, errorPayload("NO_SUCH_ORDER", "order "+orderID+" not found")
	}
	if _, done := s.captured[orderID]; done {
		return http.StatusConflict, errorPayload("CAPTURE_NOT_ALLOWED", "order already captured")
	}
	s.captured[orderID] = body.CapturedAmount
	return http.StatusCreated, map[string]any{"capture_id": uuid.NewString()}
}

func validateOrder(o gateway.OrderPayload) string {
	var missing []string
	if o.PurchaseCountry == "" {
		missing = append(missing, "purchase_country")
	}
	if o.PurchaseCurrency == "" {
		missing = append(missing, "purchase_currency")
	}
	if len(o.OrderLines) == 0 {
		missing = append(missing, "order_lines")
	}
	if len(missing) > 0 {
		return "missing " + strings.Join(missing, ", ")
	}
	var sum int64
	for _, l := range o.OrderLines {
		sum += l.TotalAmount
	}
	if sum != o.OrderAmount {
		return fmt.Sprintf("order_amount %d does not match sum of order lines %d", o.OrderAmount, sum)
	}
	return ""
}

func errorPayload(code, msg string) gateway.ErrorPayload {
	return gateway.ErrorPayload{ErrorCode: code, ErrorMessages: []string{msg}, CorrelationID: uuid.NewString()}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorPayload(code, msg))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
