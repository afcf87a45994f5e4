package contracts

import "time"

// Event is the wire envelope shared by the outbox, kafka topics and consumers.
type Event struct {
	EventID     string         `json:"event_id"`
	AggregateID string         `json:"aggregate_id"`
	OrderID     string         `json:"order_id"`
	CreatedAt   time.Time      `json:"created_at"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
}

const (
	EventOrderCreated       = "order.created"
	EventOrderProcessing    = "order.processing"
	EventOrderCompleted     = "order.completed"
	EventOrderFailed        = "order.failed"
	EventOrderCancelled     = "order.cancelled"
	EventSessionCreated     = "payment_session.created"
	EventSessionAuthorized  = "payment_session.authorized"
	EventSessionMaxAttempts = "payment_session.max_attempts_reached"
	EventSessionCompleted   = "payment_session.completed"
	EventSessionFailed      = "payment_session.failed"
	EventOrderConfirmation  = "notification.order_confirmation"
)
