package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/pkg/idempotency"
	"github.com/nazeru/store-checkout/pkg/metrics"
)

const maxResponseBytes = 1 << 20

type SessionResponse struct {
	SessionID               string
	ClientToken             string
	PaymentMethodCategories []PaymentMethodCategory
}

type AuthorizationResponse struct {
	OrderID       string
	RedirectURL   string
	PaymentMethod string
	FraudStatus   string
}

// Client talks to the payment gateway. All calls share one retry policy and
// one circuit breaker.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *breaker
	metrics *metrics.GatewayMetrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithMetrics(m *metrics.GatewayMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:  cfg,
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.BaseURL = strings.TrimRight(c.cfg.BaseURL, "/")
	c.breaker = newBreaker("payment-gateway", cfg.Breaker, c.metrics)
	return c
}

// CreateSession opens a gateway payment session for order.
func (c *Client) CreateSession(ctx context.Context, order *domain.Order, locale string) (SessionResponse, error) {
	body := c.orderPayload(order, locale)
	body.MerchantReference1 = string(order.Number)

	var out SessionPayload
	if err := c.post(ctx, "create_session", "/payments/v1/sessions", "", body, &out); err != nil {
		return SessionResponse{}, err
	}
	if out.SessionID == "" || out.ClientToken == "" {
		return SessionResponse{}, &Error{Reason: ReasonInvalidResponse, Operation: "create_session", Message: "missing session_id or client_token"}
	}
	return SessionResponse{
		SessionID:               out.SessionID,
		ClientToken:             out.ClientToken,
		PaymentMethodCategories: out.PaymentMethodCategories,
	}, nil
}

// Authorize places the gateway order for a client-obtained authorization token.
// Retries reuse one idempotency key so the gateway creates at most one order.
func (c *Client) Authorize(ctx context.Context, sessionID, authToken string, order *domain.Order) (AuthorizationResponse, error) {
	if strings.TrimSpace(authToken) == "" {
		return AuthorizationResponse{}, &Error{Reason: ReasonValidation, Operation: "authorize", Message: "authorization token is required"}
	}
	body := c.orderPayload(order, order.Locale)
	body.MerchantReference1 = string(order.Number)
	body.MerchantReference2 = sessionID

	var out AuthorizationPayload
	path := "/payments/v1/authorizations/" + url.PathEscape(authToken) + "/order"
	if err := c.post(ctx, "authorize", path, "authorize-"+sessionID, body, &out); err != nil {
		return AuthorizationResponse{}, err
	}
	if out.OrderID == "" {
		return AuthorizationResponse{}, &Error{Reason: ReasonInvalidResponse, Operation: "authorize", Message: "missing order_id"}
	}
	return AuthorizationResponse{
		OrderID:       out.OrderID,
		RedirectURL:   out.RedirectURL,
		PaymentMethod: out.AuthorizedPaymentMethod.Type,
		FraudStatus:   out.FraudStatus,
	}, nil
}

// Capture finalizes a previously authorized gateway order for amount.
func (c *Client) Capture(ctx context.Context, gatewayOrderID string, amount domain.Money) (bool, error) {
	if strings.TrimSpace(gatewayOrderID) == "" {
		return false, &Error{Reason: ReasonValidation, Operation: "capture", Message: "gateway order id is required"}
	}
	path := "/ordermanagement/v1/orders/" + url.PathEscape(gatewayOrderID) + "/captures"
	body := CapturePayload{CapturedAmount: amount.MinorUnits()}
	if err := c.post(ctx, "capture", path, "capture-"+gatewayOrderID, body, nil); err != nil {
		return false, err
	}
	return true, nil
}

// BreakerState is "closed", "half-open" or "open".
func (c *Client) BreakerState() string {
	return c.breaker.state()
}

func (c *Client) orderPayload(order *domain.Order, locale string) OrderPayload {
	if locale == "" {
		locale = c.cfg.DefaultLocale
	}
	country := order.BillingAddress.Country()
	if country == "" {
		country = c.cfg.PurchaseCountry
	}
	lines := make([]OrderLine, 0, len(order.Lines))
	for _, l := range order.Lines {
		lines = append(lines, OrderLine{
			Type:        "physical",
			Reference:   l.ProductID,
			Name:        l.Name,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice.MinorUnits(),
			TotalAmount: l.LineTotal.MinorUnits(),
		})
	}
	return OrderPayload{
		PurchaseCountry:  country,
		PurchaseCurrency: string(order.TotalAmount.Currency()),
		Locale:           locale,
		OrderAmount:      order.TotalAmount.MinorUnits(),
		OrderLines:       lines,
		MerchantURLs: MerchantURLsPayload{
			Confirmation: c.cfg.MerchantURLs.Confirmation,
			Notification: c.cfg.MerchantURLs.Notification,
			Terms:        c.cfg.MerchantURLs.Terms,
		},
	}
}

func (c *Client) post(ctx context.Context, op, path, idemKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gateway %s: encode request: %w", op, err)
	}
	return c.breaker.run(ctx, op, c.cfg.Retry, c.metrics, func(ctx context.Context) error {
		return c.attempt(ctx, op, path, idemKey, payload, out)
	})
}

func (c *Client) attempt(ctx context.Context, op, path, idemKey string, payload []byte, out any) error {
	start := time.Now()
	actx := ctx
	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(actx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Reason: ReasonValidation, Operation: op, Err: err}
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	idempotency.SetKey(req.Header, idemKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(op, "network_error", start)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return &Error{Reason: ReasonTimeout, Operation: op, Err: err}
		}
		return &Error{Reason: ReasonNetwork, Operation: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.observe(op, "network_error", start)
		return &Error{Reason: ReasonNetwork, Operation: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gerr := errorFromResponse(op, resp.StatusCode, data)
		if gerr.Transient() {
			c.observe(op, "transient", start)
		} else {
			c.observe(op, "rejected", start)
		}
		return gerr
	}

	c.observe(op, "ok", start)
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Reason: ReasonInvalidResponse, Operation: op, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}

func errorFromResponse(op string, status int, body []byte) *Error {
	gerr := &Error{Reason: reasonForStatus(status), Operation: op, StatusCode: status}
	var payload ErrorPayload
	if json.Unmarshal(body, &payload) == nil {
		gerr.GatewayCode = payload.ErrorCode
		gerr.CorrelationID = payload.CorrelationID
		gerr.Message = payload.ErrorMessage
		if gerr.Message == "" && len(payload.ErrorMessages) > 0 {
			gerr.Message = strings.Join(payload.ErrorMessages, "; ")
		}
	}
	if gerr.Message == "" {
		gerr.Message = http.StatusText(status)
	}
	return gerr
}

func (c *Client) observe(op, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.Calls.WithLabelValues(op, outcome).Inc()
	c.metrics.LatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}
