package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/medflow/pharmstock/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func capturingPublisher(exchange string, fail error) (*Publisher, *[]sentMessage) {
	var sent []sentMessage
	p := newPublisher(exchange, "stock-service", func(_ context.Context, exchange, key string, msg amqp.Publishing) error {
		sent = append(sent, sentMessage{exchange: exchange, key: key, msg: msg})
		return fail
	}, logger.Nop())
	return p, &sent
}

func TestPublisher_PublishesStockEvent(t *testing.T) {
	p, sent := capturingPublisher(ExchangeStockEvents, nil)
	ctx := WithCorrelationID(context.Background(), "req-7")

	err := p.Publish(ctx, EventStockLow, StockLowEvent{DrugID: "d-1", DrugName: "Insulin", Quantity: 2, ReorderLevel: 5})
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	m := (*sent)[0]
	assert.Equal(t, ExchangeStockEvents, m.exchange)
	assert.Equal(t, EventStockLow, m.key)
	assert.Equal(t, uint8(amqp.Persistent), m.msg.DeliveryMode)
	assert.Equal(t, EventStockLow, m.msg.Type)
	assert.Equal(t, "stock-service", m.msg.AppId)
	assert.Equal(t, "req-7", m.msg.CorrelationId)

	var event Event
	require.NoError(t, json.Unmarshal(m.msg.Body, &event))
	assert.Equal(t, event.ID, m.msg.MessageId)
	assert.Equal(t, "req-7", event.CorrelationID)

	var data StockLowEvent
	require.NoError(t, event.UnmarshalData(&data))
	assert.Equal(t, "d-1", data.DrugID)
	assert.Equal(t, 5, data.ReorderLevel)
}

func TestPublisher_RefusesUnroutedTypes(t *testing.T) {
	p, sent := capturingPublisher(ExchangeStockEvents, nil)

	err := p.Publish(context.Background(), EventUserCreated, nil)
	assert.ErrorIs(t, err, ErrUnroutable)

	err = p.Publish(context.Background(), "stock.restock", nil)
	assert.ErrorIs(t, err, ErrUnroutable)

	assert.Empty(t, *sent)
}

func TestPublisher_UnknownExchangeAcceptsAnyType(t *testing.T) {
	p, sent := capturingPublisher("audit.events", nil)

	require.NoError(t, p.Publish(context.Background(), "audit.anything", map[string]string{"k": "v"}))
	assert.Len(t, *sent, 1)
}

func TestPublisher_WrapsChannelErrors(t *testing.T) {
	closed := errors.New("channel/connection is not open")
	p, _ := capturingPublisher(ExchangeStockEvents, closed)

	err := p.Publish(context.Background(), EventStockRestocked, StockMovedEvent{DrugID: "d-1"})
	assert.ErrorIs(t, err, closed)
}

func TestStockTopology(t *testing.T) {
	topology := StockTopology("stock-service")
	assert.ElementsMatch(t, []string{ExchangeStockEvents, ExchangeUserEvents}, topology.Exchanges)
	assert.Equal(t, "dlq.stock-service", topology.DeadLetterQueue)

	for _, exchange := range topology.Exchanges {
		assert.NotEmpty(t, Routes[exchange], "exchange %s carries no events", exchange)
	}
}
