package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/medflow/pharmstock/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrUnroutable is returned for an event type the exchange does not carry.
var ErrUnroutable = errors.New("event type not routed by exchange")

// Routes lists the event types each exchange carries. Publishers refuse
// anything else so a typo never disappears into an unbound routing key.
var Routes = map[string][]string{
	ExchangeStockEvents: {
		EventSaleRecorded,
		EventStockRestocked,
		EventStockAdjusted,
		EventStockWriteOff,
		EventStockLow,
		EventLotExpiring,
	},
	ExchangeUserEvents: {
		EventUserCreated,
		EventUserUpdated,
		EventUserDeleted,
	},
}

// publishFunc sends one message. It matches amqp.Channel.PublishWithContext
// with mandatory and immediate unset.
type publishFunc func(ctx context.Context, exchange, key string, msg amqp.Publishing) error

// Publisher publishes events to one exchange. The channel is looked up on
// every publish so a reconnect is picked up.
type Publisher struct {
	exchange string
	source   string
	routes   map[string]bool
	publish  publishFunc
	logger   *logger.Logger
}

// NewPublisher declares the exchange and returns a publisher for it
func NewPublisher(rmq *RabbitMQ, exchange, source string, log *logger.Logger) (*Publisher, error) {
	if err := rmq.DeclareExchange(exchange); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return newPublisher(exchange, source, func(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
		return rmq.Channel().PublishWithContext(ctx, exchange, key, false, false, msg)
	}, log), nil
}

func newPublisher(exchange, source string, publish publishFunc, log *logger.Logger) *Publisher {
	var routes map[string]bool
	if types, ok := Routes[exchange]; ok {
		routes = make(map[string]bool, len(types))
		for _, t := range types {
			routes[t] = true
		}
	}

	return &Publisher{
		exchange: exchange,
		source:   source,
		routes:   routes,
		publish:  publish,
		logger:   log,
	}
}

// Publish wraps data in an Event and publishes it with the event type as
// routing key. Messages are persistent.
func (p *Publisher) Publish(ctx context.Context, eventType string, data interface{}) error {
	if p.routes != nil && !p.routes[eventType] {
		return fmt.Errorf("%w: %s on %s", ErrUnroutable, eventType, p.exchange)
	}

	correlationID := CorrelationID(ctx)
	event, err := NewEvent(eventType, p.source, correlationID, data)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.publish(ctx, p.exchange, eventType, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.ID,
		CorrelationId: correlationID,
		Type:          eventType,
		AppId:         p.source,
		Timestamp:     event.Timestamp,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}

	p.logger.Debug().
		Str("event_type", eventType).
		Str("event_id", event.ID).
		Str("correlation_id", correlationID).
		Msg("event published")

	return nil
}

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationID retrieves the correlation ID from context
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}
