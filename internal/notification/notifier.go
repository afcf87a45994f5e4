// Package notification emits order confirmations and stores them on the
// consuming side.
package notification

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/pkg/contracts"
	"github.com/nazeru/store-checkout/pkg/kafka"
)

// KafkaNotifier hands order confirmations to the notification topic.
type KafkaNotifier struct {
	writer kafka.MessageWriter
	now    func() time.Time
}

func NewKafkaNotifier(writer kafka.MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: writer, now: time.Now}
}

// SendOrderConfirmation reports false without error when the order has no
// contact email.
func (n *KafkaNotifier) SendOrderConfirmation(ctx context.Context, order *domain.Order) (bool, error) {
	if strings.TrimSpace(order.ContactEmail) == "" {
		return false, nil
	}
	evt := ConfirmationEvent(order, n.now())
	if err := kafka.PublishJSON(ctx, n.writer, evt.OrderID, evt); err != nil {
		return false, err
	}
	return true, nil
}

func ConfirmationEvent(order *domain.Order, now time.Time) contracts.Event {
	return contracts.Event{
		EventID:     uuid.NewString(),
		AggregateID: order.ID.String(),
		OrderID:     order.ID.String(),
		CreatedAt:   now.UTC(),
		Type:        contracts.EventOrderConfirmation,
		Payload: map[string]any{
			"order_number": order.Number.String(),
			"recipient":    order.ContactEmail,
			"locale":       order.Locale,
			"status":       string(order.Status),
			"total":        order.TotalAmount.Amount().StringFixed(order.TotalAmount.Currency().MinorUnitExponent()),
			"currency":     string(order.TotalAmount.Currency()),
		},
	}
}
