package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/internal/gateway"
	"github.com/nazeru/store-checkout/pkg/contracts"
)

// Repository errors. Stores wrap or return these so the service can classify
// them without knowing the backing database.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflicting write")
)

type OrderRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetByOrderNumber(ctx context.Context, number domain.OrderNumber) (*domain.Order, error)
	GetCustomerOrders(ctx context.Context, customerID string) ([]*domain.Order, error)
	// GenerateOrderNumber allocates the next number of now's UTC day. Every
	// call gets a distinct number, also under concurrency; a number whose
	// order is never stored is not handed out again.
	GenerateOrderNumber(ctx context.Context, now time.Time) (domain.OrderNumber, error)
	Add(ctx context.Context, order *domain.Order) error
	Update(ctx context.Context, order *domain.Order) error
}

type PaymentSessionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentSession, error)
	// GetActiveSessionForOrder returns the latest session that is neither
	// expired at now nor terminal, or ErrNotFound.
	GetActiveSessionForOrder(ctx context.Context, orderID uuid.UUID, now time.Time) (*domain.PaymentSession, error)
	// ListForOrder returns every session of the order, oldest first.
	ListForOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.PaymentSession, error)
	Add(ctx context.Context, session *domain.PaymentSession) error
	Update(ctx context.Context, session *domain.PaymentSession) error
}

// Repositories are bound to one transaction for the duration of a TxFunc.
// Outbox records events in that transaction; it is nil when the store keeps
// no outbox.
type Repositories struct {
	Orders   OrderRepository
	Sessions PaymentSessionRepository
	Outbox   EventPublisher
}

type TxFunc func(ctx context.Context, repos Repositories) error

// Transactor commits everything fn writes or nothing.
type Transactor interface {
	WithinTx(ctx context.Context, fn TxFunc) error
}

type PaymentGateway interface {
	CreateSession(ctx context.Context, order *domain.Order, locale string) (gateway.SessionResponse, error)
	Authorize(ctx context.Context, sessionID, authToken string, order *domain.Order) (gateway.AuthorizationResponse, error)
	Capture(ctx context.Context, gatewayOrderID string, amount domain.Money) (bool, error)
}

// Guard is satisfied by *idempotency.Guard.
type Guard interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type Notifier interface {
	SendOrderConfirmation(ctx context.Context, order *domain.Order) (bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, events []contracts.Event) error
}
