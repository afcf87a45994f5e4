package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/nazeru/store-checkout/pkg/contracts"
)

// Event is a value returned by aggregate state changes. Aggregates do not keep
// them; callers forward them to a publisher once the state is committed.
type Event struct {
	ID          uuid.UUID
	Type        string
	AggregateID uuid.UUID
	OrderID     uuid.UUID
	OccurredAt  time.Time
	Data        map[string]any
}

func newEvent(typ string, aggregateID, orderID uuid.UUID, at time.Time, data map[string]any) Event {
	return Event{
		ID:          uuid.New(),
		Type:        typ,
		AggregateID: aggregateID,
		OrderID:     orderID,
		OccurredAt:  at.UTC(),
		Data:        data,
	}
}

func (e Event) Contract() contracts.Event {
	return contracts.Event{
		EventID:     e.ID.String(),
		AggregateID: e.AggregateID.String(),
		OrderID:     e.OrderID.String(),
		CreatedAt:   e.OccurredAt,
		Type:        e.Type,
		Payload:     e.Data,
	}
}
