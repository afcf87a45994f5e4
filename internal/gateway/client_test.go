package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/pkg/idempotency"
	"github.com/nazeru/store-checkout/pkg/metrics"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Username = "merchant"
	cfg.Password = "secret"
	cfg.MerchantURLs = MerchantURLs{
		Confirmation: "https://shop.test/confirm",
		Notification: "https://shop.test/notify",
	}
	cfg.AttemptTimeout = time.Second
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	return cfg
}

func testOrder(t *testing.T) *domain.Order {
	t.Helper()
	addr, err := domain.NewAddress(domain.AddressInput{
		Street:     "Drottninggatan 1",
		City:       "Stockholm",
		State:      "Stockholm",
		Country:    "se",
		PostalCode: "11151",
	})
	require.NoError(t, err)
	line1, err := domain.NewOrderLine("sku-1", "Mug", domain.MustMoney("99.50", "SEK"), 2)
	require.NoError(t, err)
	line2, err := domain.NewOrderLine("sku-2", "Kettle", domain.MustMoney("249", "SEK"), 1)
	require.NoError(t, err)

	order, _, err := domain.NewOrder(domain.NewOrderParams{
		Number:          "202506010001",
		ContactEmail:    "anna@example.com",
		Locale:          "sv-SE",
		Currency:        "SEK",
		BillingAddress:  addr,
		ShippingAddress: addr,
		Lines:           []domain.OrderLine{line1, line2},
		Now:             testNow,
	})
	require.NoError(t, err)
	return order
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCreateSession_SendsOrderInMinorUnits(t *testing.T) {
	var got OrderPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/payments/v1/sessions", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "merchant", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, SessionPayload{
			SessionID:               "gw-1",
			ClientToken:             "token-1",
			PaymentMethodCategories: []PaymentMethodCategory{{Identifier: "pay_later", Name: "Pay later"}},
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	resp, err := c.CreateSession(context.Background(), testOrder(t), "")
	require.NoError(t, err)

	assert.Equal(t, "gw-1", resp.SessionID)
	assert.Equal(t, "token-1", resp.ClientToken)
	require.Len(t, resp.PaymentMethodCategories, 1)

	assert.Equal(t, "SE", got.PurchaseCountry)
	assert.Equal(t, "SEK", got.PurchaseCurrency)
	assert.Equal(t, "en-SE", got.Locale)
	assert.Equal(t, int64(44800), got.OrderAmount)
	require.Len(t, got.OrderLines, 2)
	assert.Equal(t, int64(9950), got.OrderLines[0].UnitPrice)
	assert.Equal(t, int64(19900), got.OrderLines[0].TotalAmount)
	assert.Equal(t, "202506010001", got.MerchantReference1)
	assert.Equal(t, "https://shop.test/confirm", got.MerchantURLs.Confirmation)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			writeJSON(w, http.StatusServiceUnavailable, ErrorPayload{ErrorCode: "TEMPORARILY_UNAVAILABLE"})
			return
		}
		writeJSON(w, http.StatusOK, SessionPayload{SessionID: "gw-1", ClientToken: "token-1"})
	}))
	defer srv.Close()

	m := metrics.NewGatewayMetrics(nil)
	c := NewClient(testConfig(srv.URL), WithMetrics(m))
	resp, err := c.CreateSession(context.Background(), testOrder(t), "sv-SE")
	require.NoError(t, err)
	assert.Equal(t, "gw-1", resp.SessionID)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Retries.WithLabelValues("create_session")))
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusInternalServerError, ErrorPayload{ErrorCode: "INTERNAL"})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.CreateSession(context.Background(), testOrder(t), "")
	require.Error(t, err)

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "Gateway.ServerError", gerr.Code())
	assert.Equal(t, "INTERNAL", gerr.GatewayCode)
	assert.Equal(t, int32(4), hits.Load(), "one attempt plus three retries")
}

func TestClient_DoesNotRetryRejections(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusBadRequest, ErrorPayload{
			ErrorCode:     "BAD_VALUE",
			ErrorMessages: []string{"Bad value: order_amount"},
			CorrelationID: "corr-1",
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.CreateSession(context.Background(), testOrder(t), "")

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "Gateway.Validation", gerr.Code())
	assert.Equal(t, "Bad value: order_amount", gerr.Message)
	assert.Equal(t, "corr-1", gerr.CorrelationID)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Retry.MaxRetries = 0
	cfg.Breaker.OpenTimeout = time.Minute
	reg := prometheus.NewRegistry()
	m := metrics.NewGatewayMetrics(reg)
	c := NewClient(cfg, WithMetrics(m))
	order := testOrder(t)

	for i := 0; i < 5; i++ {
		_, err := c.CreateSession(context.Background(), order, "")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnavailable), "call %d should reach the gateway", i+1)
	}
	assert.Equal(t, "open", c.BreakerState())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.BreakerState.WithLabelValues("payment-gateway")))

	_, err := c.CreateSession(context.Background(), order, "")
	require.ErrorIs(t, err, ErrUnavailable)
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "Gateway.Unavailable", gerr.Code())
	assert.Equal(t, int32(5), hits.Load(), "open breaker must not call the gateway")
}

func TestClient_BreakerIgnoresRejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Retry.MaxRetries = 0
	c := NewClient(cfg)
	for i := 0; i < 8; i++ {
		_, err := c.CreateSession(context.Background(), testOrder(t), "")
		require.Error(t, err)
	}
	assert.Equal(t, "closed", c.BreakerState())
}

func TestClient_BreakerHalfOpensAfterTimeout(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, SessionPayload{SessionID: "gw-1", ClientToken: "token-1"})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Retry.MaxRetries = 0
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.OpenTimeout = 20 * time.Millisecond
	c := NewClient(cfg)
	order := testOrder(t)

	for i := 0; i < 2; i++ {
		_, _ = c.CreateSession(context.Background(), order, "")
	}
	require.Equal(t, "open", c.BreakerState())

	healthy.Store(true)
	require.Eventually(t, func() bool { return c.BreakerState() == "half-open" }, time.Second, 5*time.Millisecond)

	_, err := c.CreateSession(context.Background(), order, "")
	require.NoError(t, err)
	assert.Equal(t, "closed", c.BreakerState())
}

func TestClient_StopsOnContextCancel(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Retry.BaseDelay = time.Hour
	cfg.Retry.MaxDelay = time.Hour
	c := NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.CreateSession(ctx, testOrder(t), "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), hits.Load())
}

func TestAuthorize_UsesTokenPathAndIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/v1/authorizations/auth-tok/order", r.URL.Path)
		assert.Equal(t, "authorize-sess-1", r.Header.Get(idempotency.Header))
		var body OrderPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sess-1", body.MerchantReference2)
		assert.Equal(t, "sv-SE", body.Locale)

		resp := AuthorizationPayload{OrderID: "gw-order-1", RedirectURL: "https://gw.test/r", FraudStatus: "ACCEPTED"}
		resp.AuthorizedPaymentMethod.Type = "invoice"
		writeJSON(w, http.StatusOK, resp)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	resp, err := c.Authorize(context.Background(), "sess-1", "auth-tok", testOrder(t))
	require.NoError(t, err)
	assert.Equal(t, AuthorizationResponse{
		OrderID:       "gw-order-1",
		RedirectURL:   "https://gw.test/r",
		PaymentMethod: "invoice",
		FraudStatus:   "ACCEPTED",
	}, resp)
}

func TestAuthorize_RejectsEmptyToken(t *testing.T) {
	c := NewClient(testConfig("http://127.0.0.1:1"))
	_, err := c.Authorize(context.Background(), "sess-1", "  ", testOrder(t))

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ReasonValidation, gerr.Reason)
}

func TestCapture(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ordermanagement/v1/orders/gw-order-1/captures", r.URL.Path)
		var body CapturePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(44800), body.CapturedAmount)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	ok, err := c.Capture(context.Background(), "gw-order-1", domain.MustMoney("448", "SEK"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateSession_InvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"unexpected": "shape"})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.CreateSession(context.Background(), testOrder(t), "")

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "Gateway.InvalidResponse", gerr.Code())
}
