package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nazeru/store-checkout/internal/checkout"
	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/internal/gateway"
)

type lineItemRequest struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

type createSessionRequest struct {
	Items           []lineItemRequest    `json:"items"`
	Currency        string               `json:"currency"`
	Locale          string               `json:"locale"`
	CustomerID      *string              `json:"customer_id,omitempty"`
	ContactEmail    string               `json:"contact_email"`
	ShippingAddress domain.AddressInput  `json:"shipping_address"`
	BillingAddress  *domain.AddressInput `json:"billing_address,omitempty"`
}

func (req createSessionRequest) input(key string) checkout.CreateSessionInput {
	items := make([]checkout.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, checkout.LineItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		})
	}
	return checkout.CreateSessionInput{
		IdempotencyKey:  key,
		Items:           items,
		Currency:        req.Currency,
		Locale:          req.Locale,
		CustomerID:      req.CustomerID,
		ContactEmail:    req.ContactEmail,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
	}
}

type renewSessionRequest struct {
	Locale string `json:"locale"`
}

type authorizeRequest struct {
	AuthorizationToken string `json:"authorization_token"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type moneyResponse struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func money(m domain.Money) moneyResponse {
	return moneyResponse{
		Amount:   m.Amount().StringFixed(m.Currency().MinorUnitExponent()),
		Currency: string(m.Currency()),
	}
}

type sessionResponse struct {
	OrderID                 string                          `json:"order_id"`
	OrderNumber             string                          `json:"order_number"`
	SessionID               string                          `json:"session_id"`
	ClientToken             string                          `json:"client_token"`
	ExpiresAt               time.Time                       `json:"expires_at"`
	Total                   moneyResponse                   `json:"total"`
	PaymentMethodCategories []gateway.PaymentMethodCategory `json:"payment_method_categories"`
}

func newSessionResponse(res checkout.SessionResult) sessionResponse {
	categories := res.PaymentMethods
	if categories == nil {
		categories = []gateway.PaymentMethodCategory{}
	}
	return sessionResponse{
		OrderID:                 res.OrderID.String(),
		OrderNumber:             res.OrderNumber.String(),
		SessionID:               res.SessionID.String(),
		ClientToken:             res.ClientToken,
		ExpiresAt:               res.ExpiresAt,
		Total:                   money(res.Amount),
		PaymentMethodCategories: categories,
	}
}

type authorizeResponse struct {
	OrderID            string `json:"order_id"`
	OrderNumber        string `json:"order_number"`
	OrderStatus        string `json:"order_status"`
	SessionID          string `json:"session_id"`
	SessionStatus      string `json:"session_status"`
	AttemptCount       int    `json:"attempt_count"`
	GatewayOrderID     string `json:"gateway_order_id"`
	RedirectURL        string `json:"redirect_url,omitempty"`
	PaymentMethod      string `json:"payment_method,omitempty"`
	NotificationQueued bool   `json:"notification_queued"`
}

func newAuthorizeResponse(res checkout.AuthorizeResult) authorizeResponse {
	return authorizeResponse{
		OrderID:            res.OrderID.String(),
		OrderNumber:        res.OrderNumber.String(),
		OrderStatus:        string(res.OrderStatus),
		SessionID:          res.SessionID.String(),
		SessionStatus:      string(res.SessionStatus),
		AttemptCount:       res.AttemptCount,
		GatewayOrderID:     res.GatewayOrderID,
		RedirectURL:        res.RedirectURL,
		PaymentMethod:      res.PaymentMethod,
		NotificationQueued: res.NotificationQueued,
	}
}

type captureResponse struct {
	OrderID     string        `json:"order_id"`
	OrderNumber string        `json:"order_number"`
	Status      string        `json:"status"`
	Captured    moneyResponse `json:"captured"`
	CompletedAt time.Time     `json:"completed_at"`
}

type orderLineResponse struct {
	ProductID string        `json:"product_id"`
	Name      string        `json:"name"`
	UnitPrice moneyResponse `json:"unit_price"`
	Quantity  int           `json:"quantity"`
	LineTotal moneyResponse `json:"line_total"`
}

type sessionSummary struct {
	SessionID     string    `json:"session_id"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
	AttemptCount  int       `json:"attempt_count"`
	PaymentMethod string    `json:"payment_method,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

type orderResponse struct {
	OrderID          string              `json:"order_id"`
	OrderNumber      string              `json:"order_number"`
	Status           string              `json:"status"`
	CustomerID       *string             `json:"customer_id,omitempty"`
	ContactEmail     string              `json:"contact_email,omitempty"`
	Locale           string              `json:"locale,omitempty"`
	Total            moneyResponse       `json:"total"`
	Lines            []orderLineResponse `json:"lines"`
	BillingAddress   domain.AddressInput `json:"billing_address"`
	ShippingAddress  domain.AddressInput `json:"shipping_address"`
	GatewayReference string              `json:"gateway_reference,omitempty"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	PaymentSessions  []sessionSummary    `json:"payment_sessions,omitempty"`
}

// newOrderResponse reports each session's effective status at now, so an
// expired session shows as EXPIRED before anything rewrites it.
func newOrderResponse(o *domain.Order, sessions []*domain.PaymentSession, now time.Time) orderResponse {
	lines := make([]orderLineResponse, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, orderLineResponse{
			ProductID: l.ProductID,
			Name:      l.Name,
			UnitPrice: money(l.UnitPrice),
			Quantity:  l.Quantity,
			LineTotal: money(l.LineTotal),
		})
	}
	resp := orderResponse{
		OrderID:          o.ID.String(),
		OrderNumber:      o.Number.String(),
		Status:           string(o.Status),
		CustomerID:       o.CustomerID,
		ContactEmail:     o.ContactEmail,
		Locale:           o.Locale,
		Total:            money(o.TotalAmount),
		Lines:            lines,
		BillingAddress:   o.BillingAddress.Input(),
		ShippingAddress:  o.ShippingAddress.Input(),
		GatewayReference: o.GatewayReference,
		FailureReason:    o.FailureReason,
		CompletedAt:      o.CompletedAt,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
	for _, s := range sessions {
		resp.PaymentSessions = append(resp.PaymentSessions, sessionSummary{
			SessionID:     s.ID.String(),
			Status:        string(s.EffectiveStatus(now)),
			ExpiresAt:     s.ExpiresAt,
			AttemptCount:  s.AttemptCount,
			PaymentMethod: s.PaymentMethod,
			FailureReason: s.FailureReason,
		})
	}
	return resp
}
