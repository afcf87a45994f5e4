package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/internal/gateway"
	"github.com/nazeru/store-checkout/pkg/logging"
)

type AuthorizeInput struct {
	IdempotencyKey string
	SessionID      uuid.UUID
	AuthToken      string
}

type AuthorizeResult struct {
	OrderID        uuid.UUID
	OrderNumber    domain.OrderNumber
	OrderStatus    domain.OrderStatus
	SessionID      uuid.UUID
	SessionStatus  domain.SessionStatus
	AttemptCount   int
	GatewayOrderID string
	RedirectURL    string
	PaymentMethod  string

	// NotificationQueued reports that an order confirmation was dispatched.
	// It is sent in the background and its outcome is only logged.
	NotificationQueued bool
}

// AuthorizePayment submits the client's authorization token for a session.
// A failed gateway call leaves the session and order untouched.
func (s *Service) AuthorizePayment(ctx context.Context, in AuthorizeInput) (AuthorizeResult, error) {
	var (
		res   AuthorizeResult
		order *domain.Order
	)
	err := s.guarded(ctx, "authorize_payment", in.IdempotencyKey, func(ctx context.Context) ([]domain.Event, error) {
		if strings.TrimSpace(in.AuthToken) == "" {
			return nil, fmt.Errorf("%w: authorization token is required", ErrInvalidInput)
		}
		session, err := s.Sessions.GetByID(ctx, in.SessionID)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, in.SessionID)
		}
		if err != nil {
			return nil, err
		}
		order, err = s.Orders.GetByID(ctx, session.OrderID)
		if errors.Is(err, ErrNotFound) {
			logging.Error(logging.Fields{
				Service:   serviceName,
				OrderID:   session.OrderID.String(),
				SessionID: session.ID.String(),
				Step:      "authorize_payment",
				Message:   "payment session references a missing order",
			})
			return nil, fmt.Errorf("%w: session %s has no order %s", ErrDataIntegrity, session.ID, session.OrderID)
		}
		if err != nil {
			return nil, err
		}

		// Reject what the session or order cannot accept before charging. An
		// authorized session already holds its gateway order.
		if session.Status == domain.SessionStatusAuthorized {
			return nil, fmt.Errorf("%w: session %s", ErrSessionAlreadyAuthorized, session.ID)
		}
		if _, err := session.Clone().Authorize("", s.now()); err != nil {
			return nil, err
		}
		if order.IsTerminal() {
			return nil, fmt.Errorf("%w: order %s is %s", domain.ErrOrderTerminal, order.Number, order.Status)
		}

		gw, err := s.Gateway.Authorize(ctx, session.ID.String(), in.AuthToken, order)
		if err != nil {
			return nil, fmt.Errorf("authorize session %s: %w", session.ID, err)
		}

		now := s.now()
		events, err := session.Authorize(gw.PaymentMethod, now)
		if err != nil {
			logging.Warn(logging.Fields{
				Service:   serviceName,
				OrderID:   order.ID.String(),
				SessionID: session.ID.String(),
				Step:      "authorize_payment",
				Message:   "gateway authorized order " + gw.OrderID + " but the session rejected it",
				Err:       err,
			})
			return nil, err
		}
		events = append(events, session.IncrementAttempt(now)...)
		if gw.OrderID != "" {
			if err := order.AttachGatewayReference(gw.OrderID, now); err != nil {
				return nil, err
			}
		}
		if order.Status == domain.OrderStatusPending {
			orderEvents, err := order.StartProcessing(now)
			if err != nil {
				return nil, err
			}
			events = append(events, orderEvents...)
		}

		if err := s.commit(ctx, events, func(ctx context.Context, repos Repositories) error {
			if err := repos.Sessions.Update(ctx, session); err != nil {
				return err
			}
			return repos.Orders.Update(ctx, order)
		}); err != nil {
			return nil, fmt.Errorf("persist authorization for session %s: %w", session.ID, err)
		}

		res = AuthorizeResult{
			OrderID:        order.ID,
			OrderNumber:    order.Number,
			OrderStatus:    order.Status,
			SessionID:      session.ID,
			SessionStatus:  session.Status,
			AttemptCount:   session.AttemptCount,
			GatewayOrderID: gw.OrderID,
			RedirectURL:    gw.RedirectURL,
			PaymentMethod:  session.PaymentMethod,
		}
		return events, nil
	})
	if err != nil {
		return AuthorizeResult{}, err
	}

	res.NotificationQueued = s.confirmAsync(ctx, order)
	return res, nil
}

// confirmAsync sends the order confirmation without holding up the caller.
// The send outlives ctx; the payment already stands.
func (s *Service) confirmAsync(ctx context.Context, order *domain.Order) bool {
	if s.Notifier == nil || order == nil {
		return false
	}
	detached := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.sendConfirmation(detached, order)
	}()
	return true
}

func (s *Service) sendConfirmation(ctx context.Context, order *domain.Order) {
	nctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()

	sent, err := s.Notifier.SendOrderConfirmation(nctx, order)
	if err != nil || !sent {
		logging.Warn(logging.Fields{
			Service: serviceName,
			OrderID: order.ID.String(),
			Step:    "order_confirmation",
			Status:  "not_sent",
			Err:     err,
		})
	}
}

type CaptureInput struct {
	IdempotencyKey string
	OrderID        uuid.UUID
}

type CaptureResult struct {
	OrderID     uuid.UUID
	OrderNumber domain.OrderNumber
	Status      domain.OrderStatus
	Amount      domain.Money
	CompletedAt time.Time
}

// CapturePayment finalizes the authorized payment of a processing order.
// A gateway rejection fails both the order and its session.
func (s *Service) CapturePayment(ctx context.Context, in CaptureInput) (CaptureResult, error) {
	var res CaptureResult
	err := s.guarded(ctx, "capture_payment", in.IdempotencyKey, func(ctx context.Context) ([]domain.Event, error) {
		order, err := s.loadOrder(ctx, in.OrderID)
		if err != nil {
			return nil, err
		}
		if _, err := order.Clone().Complete(s.now()); err != nil {
			return nil, err
		}
		if order.GatewayReference == "" {
			return nil, fmt.Errorf("%w: order %s has no gateway reference", ErrNotAuthorized, order.Number)
		}
		session, err := s.authorizedSession(ctx, order.ID)
		if err != nil {
			return nil, err
		}

		if _, err := s.Gateway.Capture(ctx, order.GatewayReference, order.TotalAmount); err != nil {
			var gerr *gateway.Error
			if !errors.As(err, &gerr) || gerr.Transient() || gerr.Reason == gateway.ReasonUnavailable {
				return nil, fmt.Errorf("capture order %s: %w", order.Number, err)
			}
			now := s.now()
			reason := "capture rejected: " + gerr.Code()
			events := append(order.Fail(reason, now), session.Fail(reason, now)...)
			if perr := s.persist(ctx, events, order, session); perr != nil {
				return nil, errors.Join(err, perr)
			}
			return events, fmt.Errorf("capture order %s: %w", order.Number, err)
		}

		now := s.now()
		events, err := order.Complete(now)
		if err != nil {
			return nil, err
		}
		sessionEvents, err := session.Complete(now)
		if err != nil {
			return nil, err
		}
		events = append(events, sessionEvents...)
		if err := s.persist(ctx, events, order, session); err != nil {
			return nil, fmt.Errorf("persist capture for order %s: %w", order.Number, err)
		}

		res = CaptureResult{
			OrderID:     order.ID,
			OrderNumber: order.Number,
			Status:      order.Status,
			Amount:      order.TotalAmount,
			CompletedAt: *order.CompletedAt,
		}
		return events, nil
	})
	if err != nil {
		return CaptureResult{}, err
	}
	return res, nil
}

type CancelInput struct {
	IdempotencyKey string
	OrderID        uuid.UUID
	Reason         string
}

// CancelOrder cancels a pending or processing order and fails its open
// payment sessions.
func (s *Service) CancelOrder(ctx context.Context, in CancelInput) (*domain.Order, error) {
	var out *domain.Order
	err := s.guarded(ctx, "cancel_order", in.IdempotencyKey, func(ctx context.Context) ([]domain.Event, error) {
		order, err := s.loadOrder(ctx, in.OrderID)
		if err != nil {
			return nil, err
		}
		reason := strings.TrimSpace(in.Reason)
		if reason == "" {
			reason = "cancelled by customer"
		}

		now := s.now()
		events, err := order.Cancel(reason, now)
		if err != nil {
			return nil, err
		}
		sessions, err := s.Sessions.ListForOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		var open []*domain.PaymentSession
		for _, p := range sessions {
			if p.IsTerminal() {
				continue
			}
			events = append(events, p.Fail("order cancelled", now)...)
			open = append(open, p)
		}

		if err := s.persist(ctx, events, order, open...); err != nil {
			return nil, fmt.Errorf("persist cancellation of order %s: %w", order.Number, err)
		}
		out = order
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return s.loadOrder(ctx, id)
}

func (s *Service) GetOrderByNumber(ctx context.Context, number domain.OrderNumber) (*domain.Order, error) {
	order, err := s.Orders.GetByOrderNumber(ctx, number)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, number)
	}
	return order, err
}

func (s *Service) ListCustomerOrders(ctx context.Context, customerID string) ([]*domain.Order, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}
	return s.Orders.GetCustomerOrders(ctx, customerID)
}

func (s *Service) ListPaymentSessions(ctx context.Context, orderID uuid.UUID) ([]*domain.PaymentSession, error) {
	return s.Sessions.ListForOrder(ctx, orderID)
}

// Now is the service clock; readers use it to derive session expiry.
func (s *Service) Now() time.Time { return s.now() }

func (s *Service) loadOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	order, err := s.Orders.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return order, err
}

func (s *Service) authorizedSession(ctx context.Context, orderID uuid.UUID) (*domain.PaymentSession, error) {
	sessions, err := s.Sessions.ListForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		if sessions[i].Status == domain.SessionStatusAuthorized {
			return sessions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no authorized payment session for order %s", ErrNotAuthorized, orderID)
}

func (s *Service) persist(ctx context.Context, events []domain.Event, order *domain.Order, sessions ...*domain.PaymentSession) error {
	return s.commit(ctx, events, func(ctx context.Context, repos Repositories) error {
		for _, p := range sessions {
			if err := repos.Sessions.Update(ctx, p); err != nil {
				return err
			}
		}
		return repos.Orders.Update(ctx, order)
	})
}
