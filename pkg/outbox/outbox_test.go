package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/store-checkout/pkg/contracts"
	pkgkafka "github.com/nazeru/store-checkout/pkg/kafka"
	"github.com/nazeru/store-checkout/pkg/logging"
)

type fakeWriter struct {
	msgs   []kafka.Message
	failOn int // 1-based message index to reject; 0 never
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		if w.failOn > 0 && len(w.msgs)+1 == w.failOn {
			return errors.New("broker unavailable")
		}
		w.msgs = append(w.msgs, m)
	}
	return nil
}

func event(id, orderID, typ string) contracts.Event {
	return contracts.Event{EventID: id, OrderID: orderID, AggregateID: orderID, Type: typ, CreatedAt: time.Now().UTC()}
}

func TestPublisher_WritesOutboxKeyedByOrder(t *testing.T) {
	store := NewMemoryStore()
	pub := NewPublisher(store, "checkout.events")

	require.NoError(t, pub.Publish(context.Background(), []contracts.Event{
		event("e1", "o1", contracts.EventOrderCreated),
		event("e2", "o1", contracts.EventSessionCreated),
	}))
	// the same event twice stays one record
	require.NoError(t, pub.Publish(context.Background(), []contracts.Event{event("e1", "o1", contracts.EventOrderCreated)}))

	recs, err := store.FetchPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "checkout.events", recs[0].Topic)
	assert.Equal(t, "o1", recs[0].Key)

	var decoded contracts.Event
	require.NoError(t, json.Unmarshal(recs[1].Payload, &decoded))
	assert.Equal(t, contracts.EventSessionCreated, decoded.Type)
}

func TestRelay_SendsAndMarks(t *testing.T) {
	logging.SetOutput(io.Discard)
	store := NewMemoryStore()
	pub := NewPublisher(store, "checkout.events")
	require.NoError(t, pub.Publish(context.Background(), []contracts.Event{
		event("e1", "o1", contracts.EventOrderCreated),
		event("e2", "o2", contracts.EventOrderCreated),
		event("e3", "o1", contracts.EventOrderCompleted),
	}))

	w := &fakeWriter{}
	topics := map[string]int{}
	relay := NewRelay(store, func(topic string) pkgkafka.MessageWriter {
		topics[topic]++
		return w
	}, WithBatchSize(2))

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.Len())

	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, store.Len())

	require.Len(t, w.msgs, 3)
	assert.Equal(t, []string{"o1", "o2", "o1"}, []string{string(w.msgs[0].Key), string(w.msgs[1].Key), string(w.msgs[2].Key)})
	assert.Equal(t, 3, topics["checkout.events"])
}

func TestRelay_StopsAtFirstFailure(t *testing.T) {
	logging.SetOutput(io.Discard)
	store := NewMemoryStore()
	require.NoError(t, NewPublisher(store, "t").Publish(context.Background(), []contracts.Event{
		event("e1", "o1", "a"), event("e2", "o1", "b"), event("e3", "o1", "c"),
	}))

	w := &fakeWriter{failOn: 2}
	relay := NewRelay(store, func(string) pkgkafka.MessageWriter { return w })

	n, err := relay.RelayOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, store.Len())

	w.failOn = 0
	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, w.msgs, 3)
	assert.Equal(t, "e2", mustEventID(t, w.msgs[1].Value))
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	logging.SetOutput(io.Discard)
	store := NewMemoryStore()
	w := &fakeWriter{}
	relay := NewRelay(store, func(string) pkgkafka.MessageWriter { return w }, WithPollInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	require.NoError(t, NewPublisher(store, "t").Publish(context.Background(), []contracts.Event{event("e1", "o1", "a")}))

	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func mustEventID(t *testing.T, raw []byte) string {
	t.Helper()
	var e contracts.Event
	require.NoError(t, json.Unmarshal(raw, &e))
	return e.EventID
}
