package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/internal/gateway"
	"github.com/nazeru/store-checkout/pkg/idempotency"
)

var (
	ErrMissingIdempotencyKey = fmt.Errorf("checkout: %w", idempotency.ErrMissingKey)
	ErrAlreadyProcessed      = errors.New("checkout: idempotency key already processed")
	ErrRequestInFlight       = errors.New("checkout: a request with this idempotency key is in progress")
	ErrSessionNotFound       = errors.New("checkout: payment session not found")
	ErrOrderNotFound         = errors.New("checkout: order not found")
	ErrActiveSessionExists   = errors.New("checkout: order already has an active payment session")
	ErrInvalidInput          = errors.New("checkout: invalid input")

	// ErrSessionAlreadyAuthorized is returned for a second authorization of a
	// session, whatever its idempotency key.
	ErrSessionAlreadyAuthorized = errors.New("checkout: payment session is already authorized")

	// ErrDataIntegrity means stored state contradicts itself, e.g. a payment
	// session whose order is gone. Retrying does not help.
	ErrDataIntegrity = errors.New("checkout: data integrity violation")
)

var (
	ErrOrderNotPending = &domain.RuleError{Code: "order.not_pending", Message: "order is not awaiting payment"}
	ErrNotAuthorized   = &domain.RuleError{Code: "order.not_authorized", Message: "order has no authorized payment"}
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	KindConflict
	KindRule
	KindGateway
	KindUnavailable
	KindTimeout
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRule:
		return "rule_violation"
	case KindGateway:
		return "gateway"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	var (
		gerr *gateway.Error
		verr domain.ValidationErrors
	)
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrDataIntegrity):
		return KindIntegrity
	case errors.Is(err, idempotency.ErrMissingKey),
		errors.Is(err, idempotency.ErrKeyTooLong),
		errors.Is(err, ErrInvalidInput),
		errors.As(err, &verr),
		errors.Is(err, domain.ErrCurrencyMismatch),
		errors.Is(err, domain.ErrNegativeAmount),
		errors.Is(err, domain.ErrInvalidCurrency),
		errors.Is(err, domain.ErrNoOrderLines),
		errors.Is(err, domain.ErrInvalidQuantity):
		return KindInvalid
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyProcessed),
		errors.Is(err, ErrRequestInFlight),
		errors.Is(err, ErrActiveSessionExists),
		errors.Is(err, ErrSessionAlreadyAuthorized),
		errors.Is(err, ErrConflict):
		return KindConflict
	case domain.IsRuleViolation(err):
		return KindRule
	case errors.As(err, &gerr):
		switch gerr.Reason {
		case gateway.ReasonUnavailable:
			return KindUnavailable
		case gateway.ReasonTimeout:
			return KindTimeout
		default:
			return KindGateway
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout
	default:
		return KindInternal
	}
}
