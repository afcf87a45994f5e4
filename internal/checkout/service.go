package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/pkg/contracts"
	"github.com/nazeru/store-checkout/pkg/logging"
	"github.com/nazeru/store-checkout/pkg/metrics"
)

const (
	DefaultCallTimeout   = 30 * time.Second
	DefaultNotifyTimeout = 5 * time.Second

	serviceName = "checkout"
)

// Deps are the collaborators of Service. Notifier and Publisher are optional.
// Publisher runs after commit; a store whose transactions carry an outbox
// needs none.
type Deps struct {
	Orders    OrderRepository
	Sessions  PaymentSessionRepository
	Tx        Transactor
	Gateway   PaymentGateway
	Guard     Guard
	Notifier  Notifier
	Publisher EventPublisher
}

// Service orchestrates checkout: it guards every write operation with the
// caller's idempotency key, calls the gateway, and persists Order and
// PaymentSession together.
type Service struct {
	Deps
	now           func() time.Time
	callTimeout   time.Duration
	notifyTimeout time.Duration
	sessionTTL    time.Duration
	metrics       *metrics.CheckoutMetrics

	background sync.WaitGroup
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) { s.callTimeout = d }
}

func WithNotifyTimeout(d time.Duration) Option {
	return func(s *Service) { s.notifyTimeout = d }
}

func WithSessionTTL(d time.Duration) Option {
	return func(s *Service) { s.sessionTTL = d }
}

func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(deps Deps, opts ...Option) *Service {
	s := &Service{
		Deps:          deps,
		now:           time.Now,
		callTimeout:   DefaultCallTimeout,
		notifyTimeout: DefaultNotifyTimeout,
		sessionTTL:    domain.DefaultSessionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until background order confirmations have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// guarded runs fn at most once per idempotency key.
//
// The key is rejected when already processed, then claimed for the duration
// of fn so a concurrent duplicate gets ErrRequestInFlight instead of running
// the same side effects. The key is marked processed only when fn succeeds,
// and always before the claim is released.
// Events returned by fn have been committed and go to Publisher either way.
func (s *Service) guarded(ctx context.Context, op, key string, fn func(ctx context.Context) ([]domain.Event, error)) (err error) {
	start := time.Now()
	key = strings.TrimSpace(key)
	defer func() {
		s.metrics.Observe(op, outcome(err))
		fields := logging.Fields{
			Service:        serviceName,
			IdempotencyKey: key,
			Step:           op,
			Status:         outcome(err),
			DurationMS:     time.Since(start).Milliseconds(),
			Err:            err,
		}
		switch KindOf(err) {
		case KindInternal, KindIntegrity:
			if err != nil {
				logging.Error(fields)
				return
			}
			logging.Log(fields)
		default:
			logging.Warn(fields)
		}
	}()

	if key == "" {
		return ErrMissingIdempotencyKey
	}
	processed, err := s.Guard.IsProcessed(ctx, key)
	if err != nil {
		return err
	}
	if processed {
		return ErrAlreadyProcessed
	}
	claimed, err := s.Guard.Claim(ctx, key)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrRequestInFlight
	}
	detached := context.WithoutCancel(ctx)
	defer func() {
		if rerr := s.Guard.Release(detached, key); rerr != nil {
			logging.Warn(logging.Fields{Service: serviceName, IdempotencyKey: key, Step: op, Message: "release idempotency claim", Err: rerr})
		}
	}()
	// A previous holder marks the key before releasing it.
	if processed, err = s.Guard.IsProcessed(ctx, key); err != nil {
		return err
	}
	if processed {
		return ErrAlreadyProcessed
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	events, err := fn(callCtx)
	if err == nil {
		if merr := s.Guard.MarkProcessed(detached, key); merr != nil {
			// The outcome is committed; failing the request now would invite a
			// retry that repeats it.
			logging.Error(logging.Fields{Service: serviceName, IdempotencyKey: key, Step: op, Message: "mark idempotency key processed", Err: merr})
		}
	}
	s.publish(detached, op, events)
	return err
}

// commit runs fn in one transaction and records events in its outbox, if the
// store has one.
func (s *Service) commit(ctx context.Context, events []domain.Event, fn TxFunc) error {
	return s.Tx.WithinTx(ctx, func(ctx context.Context, repos Repositories) error {
		if err := fn(ctx, repos); err != nil {
			return err
		}
		if repos.Outbox == nil || len(events) == 0 {
			return nil
		}
		if err := repos.Outbox.Publish(ctx, contractEvents(events)); err != nil {
			return fmt.Errorf("record %d events: %w", len(events), err)
		}
		return nil
	})
}

func (s *Service) publish(ctx context.Context, op string, events []domain.Event) {
	if s.Publisher == nil || len(events) == 0 {
		return
	}
	out := contractEvents(events)
	if err := s.Publisher.Publish(ctx, out); err != nil {
		logging.Error(logging.Fields{
			Service: serviceName,
			OrderID: out[0].OrderID,
			Step:    op,
			Message: fmt.Sprintf("publish %d events", len(out)),
			Err:     err,
		})
	}
}

func contractEvents(events []domain.Event) []contracts.Event {
	out := make([]contracts.Event, 0, len(events))
	for _, e := range events {
		out = append(out, e.Contract())
	}
	return out
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyProcessed):
		return "duplicate"
	case errors.Is(err, ErrRequestInFlight):
		return "in_flight"
	default:
		return "error"
	}
}
