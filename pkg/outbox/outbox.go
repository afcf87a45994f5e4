// Package outbox records events in the outbox table and relays them to kafka.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	segkafka "github.com/segmentio/kafka-go"

	"github.com/nazeru/store-checkout/pkg/contracts"
	"github.com/nazeru/store-checkout/pkg/kafka"
	"github.com/nazeru/store-checkout/pkg/logging"
)

type Record struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

// DB is satisfied by *pgxpool.Pool and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Insert is a no-op for an event id that is already recorded.
func Insert(ctx context.Context, db DB, eventID, topic, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `INSERT INTO outbox(event_id, topic, key, payload) VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`, eventID, topic, key, data)
	return err
}

func MarkSent(ctx context.Context, db DB, id int64) error {
	_, err := db.Exec(ctx, `UPDATE outbox SET sent_at=now() WHERE id=$1`, id)
	return err
}

func FetchPending(ctx context.Context, db DB, limit int) ([]Record, error) {
	rows, err := db.Query(ctx, `SELECT id, event_id, topic, key, payload, created_at, sent_at FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Store is the outbox table as seen by the Publisher and the Relay.
type Store interface {
	Insert(ctx context.Context, eventID, topic, key string, payload any) error
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) error
}

// PgStore is the outbox table in postgres.
type PgStore struct {
	DB DB
}

func (s PgStore) Insert(ctx context.Context, eventID, topic, key string, payload any) error {
	return Insert(ctx, s.DB, eventID, topic, key, payload)
}

func (s PgStore) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	return FetchPending(ctx, s.DB, limit)
}

func (s PgStore) MarkSent(ctx context.Context, id int64) error {
	return MarkSent(ctx, s.DB, id)
}

// Publisher writes checkout events to the outbox, keyed by order id.
type Publisher struct {
	store Store
	topic string
}

func NewPublisher(store Store, topic string) *Publisher {
	return &Publisher{store: store, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, events []contracts.Event) error {
	var errs []error
	for _, evt := range events {
		if err := p.store.Insert(ctx, evt.EventID, p.topic, evt.OrderID, evt); err != nil {
			errs = append(errs, fmt.Errorf("outbox insert %s: %w", evt.EventID, err))
		}
	}
	return errors.Join(errs...)
}

const (
	DefaultBatchSize    = 100
	DefaultPollInterval = time.Second
)

// Relay moves pending outbox records to kafka. A record is marked sent only
// after the broker accepted it, so delivery is at least once.
type Relay struct {
	store    Store
	writers  func(topic string) kafka.MessageWriter
	batch    int
	interval time.Duration
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewRelay takes a writer factory so one relay can serve several topics.
func NewRelay(store Store, writers func(topic string) kafka.MessageWriter, opts ...RelayOption) *Relay {
	r := &Relay{store: store, writers: writers, batch: DefaultBatchSize, interval: DefaultPollInterval}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
			logging.Error(logging.Fields{Service: "outbox-relay", Step: "relay", Err: err})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RelayOnce sends one batch and returns the number of records marked sent.
// It stops at the first failed write to keep per-key ordering.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	records, err := r.store.FetchPending(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("fetch pending: %w", err)
	}
	sent := 0
	for _, rec := range records {
		msg := segkafka.Message{Key: []byte(rec.Key), Value: rec.Payload, Time: rec.CreatedAt}
		if err := r.writers(rec.Topic).WriteMessages(ctx, msg); err != nil {
			return sent, fmt.Errorf("publish %s: %w", rec.EventID, err)
		}
		if err := r.store.MarkSent(ctx, rec.ID); err != nil {
			return sent, fmt.Errorf("mark sent %d: %w", rec.ID, err)
		}
		sent++
	}
	if sent > 0 {
		logging.Log(logging.Fields{Service: "outbox-relay", Step: "relay", Status: "sent", Message: fmt.Sprintf("relayed %d events", sent)})
	}
	return sent, nil
}

// MemoryStore is an outbox kept in process memory, for runs without postgres.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records []Record
	seen    map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool)}
}

func (s *MemoryStore) Insert(_ context.Context, eventID, topic, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[eventID] {
		return nil
	}
	s.seen[eventID] = true
	s.nextID++
	s.records = append(s.records, Record{
		ID: s.nextID, EventID: eventID, Topic: topic, Key: key, Payload: data, CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) FetchPending(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.SentAt != nil {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkSent drops the record; sent records are not kept in memory.
func (s *MemoryStore) MarkSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rec := range s.records {
		if rec.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// LogPublisher only logs events. Used when no broker is configured.
type LogPublisher struct {
	Service string
}

func (p LogPublisher) Publish(_ context.Context, events []contracts.Event) error {
	for _, evt := range events {
		logging.Log(logging.Fields{Service: p.Service, OrderID: evt.OrderID, Step: evt.Type, Status: "event"})
	}
	return nil
}
