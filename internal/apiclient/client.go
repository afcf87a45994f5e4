// Package apiclient is a thin HTTP client for the checkout API, used by the
// operator CLI and the bench runner.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nazeru/store-checkout/pkg/idempotency"
)

type Money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type Item struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code"`
}

type CreateSessionRequest struct {
	Items           []Item   `json:"items"`
	Currency        string   `json:"currency"`
	Locale          string   `json:"locale,omitempty"`
	CustomerID      *string  `json:"customer_id,omitempty"`
	ContactEmail    string   `json:"contact_email"`
	ShippingAddress Address  `json:"shipping_address"`
	BillingAddress  *Address `json:"billing_address,omitempty"`
}

type Session struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	SessionID   string    `json:"session_id"`
	ClientToken string    `json:"client_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Total       Money     `json:"total"`
}

type Authorization struct {
	OrderID            string `json:"order_id"`
	OrderNumber        string `json:"order_number"`
	OrderStatus        string `json:"order_status"`
	SessionID          string `json:"session_id"`
	SessionStatus      string `json:"session_status"`
	AttemptCount       int    `json:"attempt_count"`
	GatewayOrderID     string `json:"gateway_order_id"`
	NotificationQueued bool   `json:"notification_queued"`
}

type Capture struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	Captured    Money  `json:"captured"`
}

type Order struct {
	OrderID       string `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	Status        string `json:"status"`
	Total         Money  `json:"total"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Error is a non-2xx answer from the API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0 for transport errors.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// NewKey returns a fresh idempotency key.
func NewKey() string { return uuid.NewString() }

func (c *Client) CreateSession(ctx context.Context, key string, req CreateSessionRequest) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", key, req, &out)
	return out, err
}

func (c *Client) Authorize(ctx context.Context, key, sessionID, token string) (Authorization, error) {
	var out Authorization
	body := map[string]string{"authorization_token": token}
	err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions/"+url.PathEscape(sessionID)+"/authorize", key, body, &out)
	return out, err
}

func (c *Client) Renew(ctx context.Context, key, orderID string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/payment-sessions", key, nil, &out)
	return out, err
}

func (c *Client) Capture(ctx context.Context, key, orderID string) (Capture, error) {
	var out Capture
	err := c.do(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/capture", key, nil, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, key, orderID, reason string) (Order, error) {
	var out Order
	body := map[string]string{"reason": reason}
	err := c.do(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/cancel", key, body, &out)
	return out, err
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var out Order
	err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), "", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path, key string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	idempotency.SetKey(req.Header, key)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var payload struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error.Code != "" {
			apiErr.Code = payload.Error.Code
			apiErr.Message = payload.Error.Message
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// SampleCart is the cart the CLI and bench runner check out.
func SampleCart(email string) CreateSessionRequest {
	return CreateSessionRequest{
		Items: []Item{
			{ProductID: "sku-1", Name: "Coffee mug", UnitPrice: "99.50", Quantity: 2},
			{ProductID: "sku-2", Name: "Kettle", UnitPrice: "249.00", Quantity: 1},
		},
		Currency:     "SEK",
		Locale:       "sv-SE",
		ContactEmail: email,
		ShippingAddress: Address{
			Street:     "Drottninggatan 1",
			City:       "Stockholm",
			State:      "Stockholm",
			Country:    "SE",
			PostalCode: "11151",
		},
	}
}
