// Package memory keeps orders and payment sessions in process memory. It is
// used for local runs without a database and by service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nazeru/store-checkout/internal/checkout"
	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/pkg/contracts"
	"github.com/nazeru/store-checkout/pkg/outbox"
)

type dataset struct {
	orders   map[uuid.UUID]*domain.Order
	sessions map[uuid.UUID]*domain.PaymentSession

	// events recorded by the transaction working on this copy
	events []contracts.Event
}

func newDataset() *dataset {
	return &dataset{
		orders:   make(map[uuid.UUID]*domain.Order),
		sessions: make(map[uuid.UUID]*domain.PaymentSession),
	}
}

func (d *dataset) clone() *dataset {
	c := newDataset()
	for id, o := range d.orders {
		c.orders[id] = o.Clone()
	}
	for id, s := range d.sessions {
		c.sessions[id] = s.Clone()
	}
	return c
}

// Store applies a transaction to a private copy of the data and swaps it in on
// commit. Writers are serialized; readers never see uncommitted state.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	data    *dataset

	// issued is the last order number handed out per day prefix. Numbers are
	// never reused, even when the order that got one is never stored.
	seqMu  sync.Mutex
	issued map[string]domain.OrderNumber

	recorder *outbox.Publisher
}

type Option func(*Store)

// WithOutbox hands the events of every committed transaction to store,
// addressed to topic. They are inserted under the writer lock before the
// commit becomes visible.
func WithOutbox(store outbox.Store, topic string) Option {
	return func(s *Store) { s.recorder = outbox.NewPublisher(store, topic) }
}

func New(opts ...Option) *Store {
	s := &Store{data: newDataset(), issued: make(map[string]domain.OrderNumber)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Orders() checkout.OrderRepository {
	return &orderRepo{st: s}
}

func (s *Store) Sessions() checkout.PaymentSessionRepository {
	return &sessionRepo{st: s}
}

func (s *Store) WithinTx(ctx context.Context, fn checkout.TxFunc) error {
	return s.apply(ctx, func(work *dataset) error {
		repos := checkout.Repositories{
			Orders:   &orderRepo{st: s, tx: work},
			Sessions: &sessionRepo{st: s, tx: work},
		}
		if s.recorder != nil {
			repos.Outbox = eventRecorder{tx: work}
		}
		return fn(ctx, repos)
	})
}

func (s *Store) apply(ctx context.Context, fn func(work *dataset) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	work := s.data.clone()
	s.mu.RUnlock()

	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.recorder != nil && len(work.events) > 0 {
		if err := s.recorder.Publish(ctx, work.events); err != nil {
			return err
		}
		work.events = nil
	}

	s.mu.Lock()
	s.data = work
	s.mu.Unlock()
	return nil
}

func (s *Store) read(tx *dataset, fn func(d *dataset)) {
	if tx != nil {
		fn(tx)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.data)
}

// write outside a transaction commits on its own.
func (s *Store) write(ctx context.Context, tx *dataset, fn func(d *dataset) error) error {
	if tx != nil {
		return fn(tx)
	}
	return s.apply(ctx, fn)
}

// eventRecorder buffers events on the transaction's copy until commit.
type eventRecorder struct {
	tx *dataset
}

func (r eventRecorder) Publish(_ context.Context, events []contracts.Event) error {
	r.tx.events = append(r.tx.events, events...)
	return nil
}

type orderRepo struct {
	st *Store
	tx *dataset
}

func (r *orderRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	var out *domain.Order
	r.st.read(r.tx, func(d *dataset) {
		if o, ok := d.orders[id]; ok {
			out = o.Clone()
		}
	})
	if out == nil {
		return nil, fmt.Errorf("order %s: %w", id, checkout.ErrNotFound)
	}
	return out, nil
}

func (r *orderRepo) GetByOrderNumber(_ context.Context, number domain.OrderNumber) (*domain.Order, error) {
	var out *domain.Order
	r.st.read(r.tx, func(d *dataset) {
		for _, o := range d.orders {
			if o.Number == number {
				out = o.Clone()
				return
			}
		}
	})
	if out == nil {
		return nil, fmt.Errorf("order %s: %w", number, checkout.ErrNotFound)
	}
	return out, nil
}

// GetCustomerOrders returns newest first.
func (r *orderRepo) GetCustomerOrders(_ context.Context, customerID string) ([]*domain.Order, error) {
	var out []*domain.Order
	r.st.read(r.tx, func(d *dataset) {
		for _, o := range d.orders {
			if o.CustomerID != nil && *o.CustomerID == customerID {
				out = append(out, o.Clone())
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, nil
}

func (r *orderRepo) GenerateOrderNumber(_ context.Context, now time.Time) (domain.OrderNumber, error) {
	r.st.seqMu.Lock()
	defer r.st.seqMu.Unlock()

	prefix := domain.OrderNumberPrefix(now)
	latest := r.st.issued[prefix]
	r.st.read(r.tx, func(d *dataset) {
		for _, o := range d.orders {
			if strings.HasPrefix(string(o.Number), prefix) && o.Number > latest {
				latest = o.Number
			}
		}
	})
	next, err := domain.NextOrderNumber(now, latest)
	if err != nil {
		return "", err
	}
	r.st.issued[prefix] = next
	return next, nil
}

func (r *orderRepo) Add(ctx context.Context, order *domain.Order) error {
	return r.st.write(ctx, r.tx, func(d *dataset) error {
		if _, ok := d.orders[order.ID]; ok {
			return fmt.Errorf("order %s already exists: %w", order.ID, checkout.ErrConflict)
		}
		for _, o := range d.orders {
			if o.Number == order.Number {
				return fmt.Errorf("order number %s already taken: %w", order.Number, checkout.ErrConflict)
			}
		}
		d.orders[order.ID] = order.Clone()
		return nil
	})
}

func (r *orderRepo) Update(ctx context.Context, order *domain.Order) error {
	return r.st.write(ctx, r.tx, func(d *dataset) error {
		if _, ok := d.orders[order.ID]; !ok {
			return fmt.Errorf("order %s: %w", order.ID, checkout.ErrNotFound)
		}
		d.orders[order.ID] = order.Clone()
		return nil
	})
}

type sessionRepo struct {
	st *Store
	tx *dataset
}

func (r *sessionRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.PaymentSession, error) {
	var out *domain.PaymentSession
	r.st.read(r.tx, func(d *dataset) {
		if s, ok := d.sessions[id]; ok {
			out = s.Clone()
		}
	})
	if out == nil {
		return nil, fmt.Errorf("payment session %s: %w", id, checkout.ErrNotFound)
	}
	return out, nil
}

func (r *sessionRepo) GetActiveSessionForOrder(ctx context.Context, orderID uuid.UUID, now time.Time) (*domain.PaymentSession, error) {
	all, err := r.ListForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].IsActive(now) {
			return all[i], nil
		}
	}
	return nil, fmt.Errorf("active payment session for order %s: %w", orderID, checkout.ErrNotFound)
}

func (r *sessionRepo) ListForOrder(_ context.Context, orderID uuid.UUID) ([]*domain.PaymentSession, error) {
	var out []*domain.PaymentSession
	r.st.read(r.tx, func(d *dataset) {
		for _, s := range d.sessions {
			if s.OrderID == orderID {
				out = append(out, s.Clone())
			}
		}
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *sessionRepo) Add(ctx context.Context, session *domain.PaymentSession) error {
	return r.st.write(ctx, r.tx, func(d *dataset) error {
		if _, ok := d.sessions[session.ID]; ok {
			return fmt.Errorf("payment session %s already exists: %w", session.ID, checkout.ErrConflict)
		}
		if err := checkOpenSession(d, session); err != nil {
			return err
		}
		d.sessions[session.ID] = session.Clone()
		return nil
	})
}

func (r *sessionRepo) Update(ctx context.Context, session *domain.PaymentSession) error {
	return r.st.write(ctx, r.tx, func(d *dataset) error {
		if _, ok := d.sessions[session.ID]; !ok {
			return fmt.Errorf("payment session %s: %w", session.ID, checkout.ErrNotFound)
		}
		if err := checkOpenSession(d, session); err != nil {
			return err
		}
		d.sessions[session.ID] = session.Clone()
		return nil
	})
}

// checkOpenSession allows one CREATED or AUTHORIZED session per order, the
// same rule the postgres schema enforces with a partial unique index.
func checkOpenSession(d *dataset, session *domain.PaymentSession) error {
	if !isOpen(session.Status) {
		return nil
	}
	for id, s := range d.sessions {
		if id != session.ID && s.OrderID == session.OrderID && isOpen(s.Status) {
			return fmt.Errorf("order %s already has open session %s: %w", session.OrderID, id, checkout.ErrConflict)
		}
	}
	return nil
}

func isOpen(s domain.SessionStatus) bool {
	return s == domain.SessionStatusCreated || s == domain.SessionStatusAuthorized
}
