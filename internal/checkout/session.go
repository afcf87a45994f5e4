package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/internal/gateway"
	"github.com/nazeru/store-checkout/pkg/logging"
)

type LineItem struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

type CreateSessionInput struct {
	IdempotencyKey  string
	Items           []LineItem
	Currency        string
	Locale          string
	CustomerID      *string
	ContactEmail    string
	ShippingAddress domain.AddressInput
	// BillingAddress defaults to the shipping input when nil.
	BillingAddress *domain.AddressInput
}

type SessionResult struct {
	OrderID        uuid.UUID
	OrderNumber    domain.OrderNumber
	SessionID      uuid.UUID
	ClientToken    string
	ExpiresAt      time.Time
	Amount         domain.Money
	PaymentMethods []gateway.PaymentMethodCategory
}

// CreateSession builds a pending order, opens a gateway payment session for it
// and stores both in one transaction. Nothing is stored when the gateway call
// fails.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (SessionResult, error) {
	var res SessionResult
	err := s.guarded(ctx, "create_session", in.IdempotencyKey, func(ctx context.Context) ([]domain.Event, error) {
		shipping, billing, err := buildAddresses(in.ShippingAddress, in.BillingAddress)
		if err != nil {
			return nil, err
		}
		currency, lines, err := buildLines(in.Currency, in.Items)
		if err != nil {
			return nil, err
		}

		now := s.now()
		number, err := s.Orders.GenerateOrderNumber(ctx, now)
		if err != nil {
			return nil, fmt.Errorf("generate order number: %w", err)
		}
		order, events, err := domain.NewOrder(domain.NewOrderParams{
			Number:          number,
			CustomerID:      in.CustomerID,
			ContactEmail:    in.ContactEmail,
			Locale:          in.Locale,
			Currency:        currency,
			BillingAddress:  billing,
			ShippingAddress: shipping,
			Lines:           lines,
			Now:             now,
		})
		if err != nil {
			return nil, err
		}

		gw, err := s.Gateway.CreateSession(ctx, order, in.Locale)
		if err != nil {
			return nil, fmt.Errorf("create gateway session for order %s: %w", order.Number, err)
		}

		session, sessionEvents := s.newSession(order, gw, s.now())
		events = append(events, sessionEvents...)
		if err := s.commit(ctx, events, func(ctx context.Context, repos Repositories) error {
			if err := repos.Orders.Add(ctx, order); err != nil {
				return err
			}
			return repos.Sessions.Add(ctx, session)
		}); err != nil {
			return nil, fmt.Errorf("persist order %s: %w", order.Number, err)
		}

		logging.Log(logging.Fields{
			Service:   serviceName,
			OrderID:   order.ID.String(),
			SessionID: session.ID.String(),
			Step:      "create_session",
			Status:    string(session.Status),
			Message:   "payment session created for order " + string(order.Number),
		})
		res = sessionResult(order, session, gw.PaymentMethodCategories)
		return events, nil
	})
	if err != nil {
		return SessionResult{}, err
	}
	return res, nil
}

type RenewSessionInput struct {
	IdempotencyKey string
	OrderID        uuid.UUID
	Locale         string
}

// RenewSession opens a new payment session for a pending order whose previous
// sessions expired or failed. Stale sessions are failed in the same
// transaction.
func (s *Service) RenewSession(ctx context.Context, in RenewSessionInput) (SessionResult, error) {
	var res SessionResult
	err := s.guarded(ctx, "renew_session", in.IdempotencyKey, func(ctx context.Context) ([]domain.Event, error) {
		order, err := s.loadOrder(ctx, in.OrderID)
		if err != nil {
			return nil, err
		}
		if order.Status != domain.OrderStatusPending {
			return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotPending, order.Number, order.Status)
		}

		now := s.now()
		if active, err := s.Sessions.GetActiveSessionForOrder(ctx, order.ID, now); err == nil {
			return nil, fmt.Errorf("%w: session %s expires at %s", ErrActiveSessionExists, active.ID, active.ExpiresAt.Format(time.RFC3339))
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		previous, err := s.Sessions.ListForOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		var (
			stale  []*domain.PaymentSession
			events []domain.Event
		)
		for _, p := range previous {
			if p.IsTerminal() {
				continue
			}
			events = append(events, p.Fail("expired", now)...)
			stale = append(stale, p)
		}

		locale := in.Locale
		if locale == "" {
			locale = order.Locale
		}
		gw, err := s.Gateway.CreateSession(ctx, order, locale)
		if err != nil {
			return nil, fmt.Errorf("create gateway session for order %s: %w", order.Number, err)
		}

		session, sessionEvents := s.newSession(order, gw, s.now())
		events = append(events, sessionEvents...)
		if err := s.commit(ctx, events, func(ctx context.Context, repos Repositories) error {
			for _, p := range stale {
				if err := repos.Sessions.Update(ctx, p); err != nil {
					return err
				}
			}
			return repos.Sessions.Add(ctx, session)
		}); err != nil {
			return nil, fmt.Errorf("persist renewed session for order %s: %w", order.Number, err)
		}

		res = sessionResult(order, session, gw.PaymentMethodCategories)
		return events, nil
	})
	if err != nil {
		return SessionResult{}, err
	}
	return res, nil
}

func (s *Service) newSession(order *domain.Order, gw gateway.SessionResponse, now time.Time) (*domain.PaymentSession, []domain.Event) {
	method := ""
	if len(gw.PaymentMethodCategories) == 1 {
		method = gw.PaymentMethodCategories[0].Identifier
	}
	return domain.NewPaymentSession(domain.NewPaymentSessionParams{
		OrderID:          order.ID,
		GatewaySessionID: gw.SessionID,
		ClientToken:      gw.ClientToken,
		Amount:           order.TotalAmount,
		PaymentMethod:    method,
		Now:              now,
		TTL:              s.sessionTTL,
	})
}

func sessionResult(order *domain.Order, session *domain.PaymentSession, methods []gateway.PaymentMethodCategory) SessionResult {
	return SessionResult{
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		SessionID:      session.ID,
		ClientToken:    session.ClientToken,
		ExpiresAt:      session.ExpiresAt,
		Amount:         session.Amount,
		PaymentMethods: methods,
	}
}

// buildAddresses validates shipping and billing separately. The two results
// never share state even when built from the same input.
func buildAddresses(shippingIn domain.AddressInput, billingIn *domain.AddressInput) (domain.Address, domain.Address, error) {
	var errs domain.ValidationErrors

	shipping, err := domain.NewAddress(shippingIn)
	if err != nil {
		errs = append(errs, fieldErrors(err, "shipping_address")...)
	}

	bin := shippingIn
	if billingIn != nil {
		bin = *billingIn
	}
	billing, err := domain.NewAddress(bin)
	if err != nil {
		errs = append(errs, fieldErrors(err, "billing_address")...)
	}

	if len(errs) > 0 {
		return domain.Address{}, domain.Address{}, errs
	}
	return shipping, billing, nil
}

func fieldErrors(err error, prefix string) domain.ValidationErrors {
	var verr domain.ValidationErrors
	if errors.As(err, &verr) {
		return verr.Prefix(prefix)
	}
	return domain.ValidationErrors{{Field: prefix, Message: err.Error()}}
}

func buildLines(currencyCode string, items []LineItem) (domain.Currency, []domain.OrderLine, error) {
	currency, err := domain.ParseCurrency(currencyCode)
	if err != nil {
		return "", nil, err
	}
	if len(items) == 0 {
		return "", nil, domain.ErrNoOrderLines
	}
	lines := make([]domain.OrderLine, 0, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return "", nil, domain.ValidationErrors{{Field: fmt.Sprintf("items[%d].product_id", i), Message: "is required"}}
		}
		price, err := domain.NewMoney(item.UnitPrice, currency)
		if err != nil {
			return "", nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		line, err := domain.NewOrderLine(item.ProductID, item.Name, price, item.Quantity)
		if err != nil {
			return "", nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		lines = append(lines, line)
	}
	return currency, lines, nil
}
