package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/medflow/pharmstock/pkg/config"
	"github.com/medflow/pharmstock/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("rabbitmq connection is permanently closed")

// Topology is the set of exchanges and the dead letter queue a service needs.
// It is declared on connect and again after every reconnect.
type Topology struct {
	Exchanges []string
	// DeadLetterQueue receives messages consumers rejected. Empty skips it.
	DeadLetterQueue string
}

// StockTopology returns the topology of a service publishing stock events and
// consuming user events.
func StockTopology(service string) Topology {
	return Topology{
		Exchanges:       []string{ExchangeStockEvents, ExchangeUserEvents},
		DeadLetterQueue: "dlq." + service,
	}
}

// RabbitMQ manages the broker connection. A lost connection is re-established
// by Watch, which then re-declares the topology and runs the OnReconnect hooks.
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  *config.RabbitMQConfig
	logger  *logger.Logger
	mu      sync.RWMutex
	closed  bool

	topology *Topology
	hooks    []func(ctx context.Context) error
}

// New connects to RabbitMQ
func New(cfg *config.RabbitMQConfig, log *logger.Logger) (*RabbitMQ, error) {
	rmq := &RabbitMQ{
		config: cfg,
		logger: log,
	}

	if err := rmq.connect(); err != nil {
		return nil, err
	}

	return rmq, nil
}

// connect dials and opens the channel. Callers hold mu or own r exclusively.
func (r *RabbitMQ) connect() error {
	conn, err := amqp.Dial(r.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(r.config.PrefetchCount, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	r.conn = conn
	r.channel = ch
	r.logger.Info().Msg("connected to RabbitMQ")
	return nil
}

// Channel returns the current channel
func (r *RabbitMQ) Channel() *amqp.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

func (r *RabbitMQ) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close closes the RabbitMQ connection and stops Watch
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to close channel")
		}
	}

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}

	r.logger.Info().Msg("RabbitMQ connection closed")
	return nil
}

// Health returns the health status of RabbitMQ
func (r *RabbitMQ) Health() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := map[string]string{
		"status": "up",
	}

	switch {
	case r.conn == nil || r.conn.IsClosed():
		status["status"] = "down"
		status["error"] = "connection closed"
	case r.channel == nil || r.channel.IsClosed():
		status["status"] = "down"
		status["error"] = "channel closed"
	}

	return status
}

// Declare declares the topology and remembers it for reconnects
func (r *RabbitMQ) Declare(t Topology) error {
	if err := declareTopology(r.Channel(), t); err != nil {
		return err
	}

	r.mu.Lock()
	r.topology = &t
	r.mu.Unlock()

	r.logger.Info().
		Strs("exchanges", t.Exchanges).
		Str("dead_letter_queue", t.DeadLetterQueue).
		Msg("topology declared")
	return nil
}

func declareTopology(ch *amqp.Channel, t Topology) error {
	for _, name := range t.Exchanges {
		if err := declareTopicExchange(ch, name); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}
	if t.DeadLetterQueue == "" {
		return nil
	}

	if err := declareTopicExchange(ch, DeadLetterExchange); err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ queue: %w", err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, "#", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}
	return nil
}

func declareTopicExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,    // name
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
}

// DeclareExchange declares a durable topic exchange
func (r *RabbitMQ) DeclareExchange(name string) error {
	return declareTopicExchange(r.Channel(), name)
}

// DeclareQueue declares a durable queue whose rejects go to the dead letter exchange
func (r *RabbitMQ) DeclareQueue(name string) (amqp.Queue, error) {
	return r.Channel().QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange": DeadLetterExchange,
		},
	)
}

// BindQueue binds a queue to an exchange with a routing key pattern
func (r *RabbitMQ) BindQueue(queueName, exchange, routingKey string) error {
	return r.Channel().QueueBind(queueName, routingKey, exchange, false, nil)
}

// OnReconnect registers fn to run after a reconnect, once the topology is
// declared again. Consumers use it to resume deliveries.
func (r *RabbitMQ) OnReconnect(fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Watch reconnects whenever the broker drops the connection, until ctx is
// done or Close is called.
func (r *RabbitMQ) Watch(ctx context.Context) {
	go func() {
		for {
			r.mu.RLock()
			conn := r.conn
			r.mu.RUnlock()
			lost := conn.NotifyClose(make(chan *amqp.Error, 1))

			select {
			case <-ctx.Done():
				return
			case amqpErr := <-lost:
				if r.isClosed() {
					return
				}
				r.logger.Warn().Interface("reason", amqpErr).Msg("RabbitMQ connection lost")

				if err := r.Reconnect(ctx); err != nil {
					r.logger.Error().Err(err).Msg("giving up on RabbitMQ")
					return
				}
				if err := r.restore(ctx); err != nil {
					r.logger.Error().Err(err).Msg("failed to restore RabbitMQ state after reconnect")
				}
			}
		}
	}()
}

// Reconnect attempts to reconnect to RabbitMQ
func (r *RabbitMQ) Reconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	for i := 0; i < r.config.MaxRetries; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.logger.Info().Int("attempt", i+1).Msg("attempting to reconnect to RabbitMQ")

		if err := r.connect(); err != nil {
			r.logger.Warn().Err(err).Msg("reconnection attempt failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.config.ReconnectDelay):
			}
			continue
		}

		return nil
	}

	return fmt.Errorf("failed to reconnect after %d attempts", r.config.MaxRetries)
}

func (r *RabbitMQ) restore(ctx context.Context) error {
	r.mu.RLock()
	topology := r.topology
	hooks := append([]func(context.Context) error(nil), r.hooks...)
	r.mu.RUnlock()

	if topology != nil {
		if err := declareTopology(r.Channel(), *topology); err != nil {
			return err
		}
	}
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	return nil
}
