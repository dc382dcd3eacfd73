package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/medflow/pharmstock/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConsumer() *Consumer {
	return &Consumer{
		handlers:   make(map[string]MessageHandler),
		logger:     logger.Nop(),
		maxRetries: defaultMaxRetries,
	}
}

func eventBody(t *testing.T, eventType string, data interface{}) []byte {
	t.Helper()
	event, err := NewEvent(eventType, "test", "corr-1", data)
	require.NoError(t, err)
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body
}

func TestConsumer_DispatchRoutesByType(t *testing.T) {
	c := testConsumer()

	var got UserCreatedEvent
	var correlation string
	c.RegisterHandler(EventUserCreated, func(ctx context.Context, event *Event) error {
		correlation = CorrelationID(ctx)
		return event.UnmarshalData(&got)
	})

	body := eventBody(t, EventUserCreated, UserCreatedEvent{UserID: "u1", FirstName: "Ada", LastName: "Lovelace"})
	assert.Equal(t, outcomeAck, c.dispatch(context.Background(), body, 0))
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "corr-1", correlation)
}

func TestConsumer_DispatchOutcomes(t *testing.T) {
	c := testConsumer()
	c.RegisterHandler(EventUserDeleted, func(ctx context.Context, event *Event) error {
		return errors.New("database down")
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		assert.Equal(t, outcomeReject, c.dispatch(context.Background(), []byte("{"), 0))
	})

	t.Run("unknown type is acked", func(t *testing.T) {
		body := eventBody(t, "something.else", nil)
		assert.Equal(t, outcomeAck, c.dispatch(context.Background(), body, 0))
	})

	t.Run("handler failure is requeued", func(t *testing.T) {
		body := eventBody(t, EventUserDeleted, UserDeletedEvent{UserID: "u1"})
		assert.Equal(t, outcomeRequeue, c.dispatch(context.Background(), body, 1))
	})

	t.Run("handler failure after max retries is dead-lettered", func(t *testing.T) {
		body := eventBody(t, EventUserDeleted, UserDeletedEvent{UserID: "u1"})
		assert.Equal(t, outcomeReject, c.dispatch(context.Background(), body, defaultMaxRetries))
	})
}

func TestNewEvent(t *testing.T) {
	event, err := NewEvent(EventStockLow, "stock-service", "", StockLowEvent{DrugID: "d1", Quantity: 3, ReorderLevel: 10})
	require.NoError(t, err)

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, EventStockLow, event.Type)

	var data StockLowEvent
	require.NoError(t, event.UnmarshalData(&data))
	assert.Equal(t, 3, data.Quantity)
}
