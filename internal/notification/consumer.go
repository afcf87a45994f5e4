package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	segkafka "github.com/segmentio/kafka-go"

	"github.com/nazeru/store-checkout/pkg/contracts"
	"github.com/nazeru/store-checkout/pkg/kafka"
	"github.com/nazeru/store-checkout/pkg/logging"
)

const serviceName = "notification-service"

// Store persists a received confirmation once per event id. Save reports
// whether the event was new.
type Store interface {
	Save(ctx context.Context, evt contracts.Event) (bool, error)
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgStore writes the inbox row and the notification in one transaction.
type PgStore struct {
	DB beginner
}

func (s PgStore) Save(ctx context.Context, evt contracts.Event) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `INSERT INTO inbox(event_id, received_at)
		VALUES ($1, now()) ON CONFLICT (event_id) DO NOTHING`, evt.EventID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return false, err
	}
	recipient, _ := evt.Payload["recipient"].(string)
	_, err = tx.Exec(ctx, `INSERT INTO notifications(event_id, order_id, type, recipient, payload)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (event_id) DO NOTHING`,
		evt.EventID, evt.OrderID, evt.Type, recipient, string(data))
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

type MemoryStore struct {
	mu     sync.Mutex
	events map[string]contracts.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]contracts.Event)}
}

func (s *MemoryStore) Save(_ context.Context, evt contracts.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[evt.EventID]; ok {
		return false, nil
	}
	s.events[evt.EventID] = evt
	return true, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

var errMalformed = errors.New("malformed event")

// Consumer reads the notification topic. Offsets are committed only after
// the event is stored or found malformed.
type Consumer struct {
	reader     kafka.MessageReader
	store      Store
	retryDelay time.Duration
}

func NewConsumer(reader kafka.MessageReader, store Store) *Consumer {
	return &Consumer{reader: reader, store: store, retryDelay: 2 * time.Second}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Error(logging.Fields{Service: serviceName, Step: "kafka_read", Err: err})
			if !sleep(ctx, c.retryDelay) {
				return ctx.Err()
			}
			continue
		}

		for {
			err = c.Handle(ctx, msg)
			if err == nil || errors.Is(err, errMalformed) {
				break
			}
			logging.Error(logging.Fields{Service: serviceName, Step: "save_notification", Err: err})
			if !sleep(ctx, c.retryDelay) {
				return ctx.Err()
			}
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logging.Error(logging.Fields{Service: serviceName, Step: "kafka_commit", Err: err})
		}
	}
}

// Handle stores one message. Events other than order confirmations are ignored.
func (c *Consumer) Handle(ctx context.Context, msg segkafka.Message) error {
	var evt contracts.Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		logging.Warn(logging.Fields{Service: serviceName, Step: "decode", Err: err})
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if evt.EventID == "" {
		return fmt.Errorf("%w: missing event_id", errMalformed)
	}
	if evt.Type != contracts.EventOrderConfirmation {
		return nil
	}
	fresh, err := c.store.Save(ctx, evt)
	if err != nil {
		return err
	}
	status := "stored"
	if !fresh {
		status = "duplicate"
	}
	logging.Log(logging.Fields{Service: serviceName, OrderID: evt.OrderID, Step: evt.Type, Status: status})
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
