package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nazeru/store-checkout/pkg/contracts"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusFailed     OrderStatus = "FAILED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// OrderLine is fixed when the order is created.
type OrderLine struct {
	ProductID string
	Name      string
	UnitPrice Money
	Quantity  int
	LineTotal Money
}

func NewOrderLine(productID, name string, unitPrice Money, quantity int) (OrderLine, error) {
	if quantity <= 0 {
		return OrderLine{}, fmt.Errorf("%w: %s has quantity %d", ErrInvalidQuantity, productID, quantity)
	}
	return OrderLine{
		ProductID: strings.TrimSpace(productID),
		Name:      strings.TrimSpace(name),
		UnitPrice: unitPrice,
		Quantity:  quantity,
		LineTotal: unitPrice.Multiply(quantity),
	}, nil
}

type Order struct {
	ID               uuid.UUID
	Number           OrderNumber
	Status           OrderStatus
	CustomerID       *string // nil for guest checkout
	ContactEmail     string
	Locale           string
	BillingAddress   Address
	ShippingAddress  Address
	TotalAmount      Money
	Lines            []OrderLine
	GatewayReference string
	FailureReason    string
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type NewOrderParams struct {
	Number          OrderNumber
	CustomerID      *string
	ContactEmail    string
	Locale          string
	Currency        Currency
	BillingAddress  Address
	ShippingAddress Address
	Lines           []OrderLine
	Now             time.Time
}

func NewOrder(p NewOrderParams) (*Order, []Event, error) {
	if len(p.Lines) == 0 {
		return nil, nil, ErrNoOrderLines
	}
	var errs ValidationErrors
	if p.BillingAddress.IsZero() {
		errs = append(errs, FieldError{Field: "billing_address", Message: "is required"})
	}
	if p.ShippingAddress.IsZero() {
		errs = append(errs, FieldError{Field: "shipping_address", Message: "is required"})
	}
	if len(errs) > 0 {
		return nil, nil, errs
	}

	total := Zero(p.Currency)
	for _, line := range p.Lines {
		var err error
		if total, err = total.Add(line.LineTotal); err != nil {
			return nil, nil, fmt.Errorf("order line %s: %w", line.ProductID, err)
		}
	}

	now := p.Now.UTC()
	o := &Order{
		ID:              uuid.New(),
		Number:          p.Number,
		Status:          OrderStatusPending,
		CustomerID:      p.CustomerID,
		ContactEmail:    strings.TrimSpace(p.ContactEmail),
		Locale:          p.Locale,
		BillingAddress:  p.BillingAddress,
		ShippingAddress: p.ShippingAddress,
		TotalAmount:     total,
		Lines:           append([]OrderLine(nil), p.Lines...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return o, []Event{o.event(contracts.EventOrderCreated, now, map[string]any{
		"order_number": string(o.Number),
		"total":        total.Amount().String(),
		"currency":     string(total.Currency()),
		"line_count":   len(o.Lines),
	})}, nil
}

func (o *Order) IsTerminal() bool { return o.Status.IsTerminal() }

func (o *Order) StartProcessing(now time.Time) ([]Event, error) {
	if o.Status != OrderStatusPending {
		return nil, transitionError("order", o.Status, OrderStatusProcessing)
	}
	o.setStatus(OrderStatusProcessing, now)
	return []Event{o.event(contracts.EventOrderProcessing, now, nil)}, nil
}

// Complete is legal only from PROCESSING.
func (o *Order) Complete(now time.Time) ([]Event, error) {
	if o.Status != OrderStatusProcessing {
		return nil, transitionError("order", o.Status, OrderStatusCompleted)
	}
	at := now.UTC()
	o.CompletedAt = &at
	o.setStatus(OrderStatusCompleted, now)
	return []Event{o.event(contracts.EventOrderCompleted, now, map[string]any{
		"gateway_reference": o.GatewayReference,
	})}, nil
}

func (o *Order) Cancel(reason string, now time.Time) ([]Event, error) {
	if o.Status != OrderStatusPending && o.Status != OrderStatusProcessing {
		return nil, transitionError("order", o.Status, OrderStatusCancelled)
	}
	o.FailureReason = reason
	o.setStatus(OrderStatusCancelled, now)
	return []Event{o.event(contracts.EventOrderCancelled, now, map[string]any{"reason": reason})}, nil
}

// Fail never fails. On an already terminal order it does nothing.
func (o *Order) Fail(reason string, now time.Time) []Event {
	if o.IsTerminal() {
		return nil
	}
	o.FailureReason = reason
	o.setStatus(OrderStatusFailed, now)
	return []Event{o.event(contracts.EventOrderFailed, now, map[string]any{"reason": reason})}
}

// AttachGatewayReference records the gateway's order id.
func (o *Order) AttachGatewayReference(ref string, now time.Time) error {
	if o.IsTerminal() {
		return ErrOrderTerminal
	}
	o.GatewayReference = strings.TrimSpace(ref)
	o.UpdatedAt = now.UTC()
	return nil
}

func (o *Order) ChangeShippingAddress(a Address, now time.Time) error {
	if o.IsTerminal() {
		return ErrOrderTerminal
	}
	o.ShippingAddress = a
	o.UpdatedAt = now.UTC()
	return nil
}

func (o *Order) ChangeBillingAddress(a Address, now time.Time) error {
	if o.IsTerminal() {
		return ErrOrderTerminal
	}
	o.BillingAddress = a
	o.UpdatedAt = now.UTC()
	return nil
}

// Clone returns a deep copy; the lines slice and pointer fields are not shared.
func (o *Order) Clone() *Order {
	c := *o
	c.Lines = append([]OrderLine(nil), o.Lines...)
	if o.CustomerID != nil {
		id := *o.CustomerID
		c.CustomerID = &id
	}
	if o.CompletedAt != nil {
		at := *o.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (o *Order) setStatus(s OrderStatus, now time.Time) {
	o.Status = s
	o.UpdatedAt = now.UTC()
}

func (o *Order) event(typ string, now time.Time, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = string(o.Status)
	return newEvent(typ, o.ID, o.ID, now, data)
}
