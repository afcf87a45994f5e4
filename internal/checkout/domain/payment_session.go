package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/nazeru/store-checkout/pkg/contracts"
)

const (
	MaxPaymentAttempts = 3
	DefaultSessionTTL  = 30 * time.Minute
)

type SessionStatus string

const (
	SessionStatusCreated            SessionStatus = "CREATED"
	SessionStatusAuthorized         SessionStatus = "AUTHORIZED"
	SessionStatusCompleted          SessionStatus = "COMPLETED"
	SessionStatusFailed             SessionStatus = "FAILED"
	SessionStatusMaxAttemptsReached SessionStatus = "MAX_ATTEMPTS_REACHED"

	// SessionStatusExpired is derived from ExpiresAt and never stored.
	SessionStatusExpired SessionStatus = "EXPIRED"
)

func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusMaxAttemptsReached:
		return true
	default:
		return false
	}
}

// PaymentSession is one attempt to pay for an order through the gateway.
type PaymentSession struct {
	ID               uuid.UUID
	OrderID          uuid.UUID
	GatewaySessionID string
	ClientToken      string
	Status           SessionStatus
	ExpiresAt        time.Time
	Amount           Money
	PaymentMethod    string
	AttemptCount     int
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type NewPaymentSessionParams struct {
	OrderID          uuid.UUID
	GatewaySessionID string
	ClientToken      string
	Amount           Money
	PaymentMethod    string
	Now              time.Time
	// TTL defaults to DefaultSessionTTL when zero.
	TTL time.Duration
}

func NewPaymentSession(p NewPaymentSessionParams) (*PaymentSession, []Event) {
	ttl := p.TTL
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	now := p.Now.UTC()
	s := &PaymentSession{
		ID:               uuid.New(),
		OrderID:          p.OrderID,
		GatewaySessionID: p.GatewaySessionID,
		ClientToken:      p.ClientToken,
		Status:           SessionStatusCreated,
		ExpiresAt:        now.Add(ttl),
		Amount:           p.Amount,
		PaymentMethod:    p.PaymentMethod,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return s, []Event{s.event(contracts.EventSessionCreated, now, map[string]any{
		"gateway_session_id": s.GatewaySessionID,
		"expires_at":         s.ExpiresAt,
		"amount":             s.Amount.Amount().String(),
		"currency":           string(s.Amount.Currency()),
	})}
}

func (s *PaymentSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

func (s *PaymentSession) IsTerminal() bool { return s.Status.IsTerminal() }

// IsActive reports whether the session can still be used by the client.
func (s *PaymentSession) IsActive(now time.Time) bool {
	return !s.IsTerminal() && !s.IsExpired(now)
}

func (s *PaymentSession) CanRetry(now time.Time) bool {
	return s.AttemptCount < MaxPaymentAttempts && !s.IsExpired(now)
}

// EffectiveStatus is Status, or EXPIRED for a non-terminal session past ExpiresAt.
func (s *PaymentSession) EffectiveStatus(now time.Time) SessionStatus {
	if !s.IsTerminal() && s.IsExpired(now) {
		return SessionStatusExpired
	}
	return s.Status
}

// IncrementAttempt counts one authorization attempt. Reaching the cap forces
// MAX_ATTEMPTS_REACHED regardless of the current status.
func (s *PaymentSession) IncrementAttempt(now time.Time) []Event {
	s.AttemptCount++
	s.UpdatedAt = now.UTC()
	if s.AttemptCount < MaxPaymentAttempts || s.Status == SessionStatusMaxAttemptsReached {
		return nil
	}
	s.Status = SessionStatusMaxAttemptsReached
	return []Event{s.event(contracts.EventSessionMaxAttempts, now, map[string]any{
		"attempt_count": s.AttemptCount,
	})}
}

// Authorize may be called again on an AUTHORIZED session; deduplicating
// repeated authorizations is the caller's job.
func (s *PaymentSession) Authorize(paymentMethod string, now time.Time) ([]Event, error) {
	if s.IsExpired(now) {
		return nil, ErrSessionExpired
	}
	if s.IsTerminal() {
		return nil, transitionError("payment session", s.Status, SessionStatusAuthorized)
	}
	if paymentMethod != "" {
		s.PaymentMethod = paymentMethod
	}
	s.Status = SessionStatusAuthorized
	s.UpdatedAt = now.UTC()
	return []Event{s.event(contracts.EventSessionAuthorized, now, map[string]any{
		"payment_method": s.PaymentMethod,
	})}, nil
}

func (s *PaymentSession) Complete(now time.Time) ([]Event, error) {
	if s.Status != SessionStatusAuthorized {
		return nil, transitionError("payment session", s.Status, SessionStatusCompleted)
	}
	s.Status = SessionStatusCompleted
	s.UpdatedAt = now.UTC()
	return []Event{s.event(contracts.EventSessionCompleted, now, nil)}, nil
}

// Fail never fails. A terminal session is left as it is.
func (s *PaymentSession) Fail(reason string, now time.Time) []Event {
	if s.IsTerminal() {
		return nil
	}
	s.Status = SessionStatusFailed
	s.FailureReason = reason
	s.UpdatedAt = now.UTC()
	return []Event{s.event(contracts.EventSessionFailed, now, map[string]any{"reason": reason})}
}

func (s *PaymentSession) Clone() *PaymentSession {
	c := *s
	return &c
}

func (s *PaymentSession) event(typ string, now time.Time, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = string(s.Status)
	data["session_id"] = s.ID.String()
	return newEvent(typ, s.ID, s.OrderID, now, data)
}
