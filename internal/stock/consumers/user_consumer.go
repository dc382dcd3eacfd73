package consumers

import (
	"context"

	"github.com/medflow/pharmstock/internal/stock/repository"
	"github.com/medflow/pharmstock/pkg/logger"
	"github.com/medflow/pharmstock/pkg/messaging"
)

// QueueUserEvents is the stock service's queue on the user exchange.
const QueueUserEvents = "stock-service.user-events"

// PrincipalCache is the subset of the principal cache repository used here.
type PrincipalCache interface {
	Set(ctx context.Context, p *repository.CachedPrincipal) error
	Get(ctx context.Context, userID string) (*repository.CachedPrincipal, error)
	Delete(ctx context.Context, userID string) error
}

// UserEventConsumer keeps the principal cache in sync with user events
type UserEventConsumer struct {
	consumer *messaging.Consumer
	cache    PrincipalCache
	logger   *logger.Logger
}

// NewUserEventConsumer creates a new user event consumer
func NewUserEventConsumer(rmq *messaging.RabbitMQ, cache PrincipalCache, log *logger.Logger) (*UserEventConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, QueueUserEvents, log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeUserEvents, "user.#"); err != nil {
		return nil, err
	}

	c := &UserEventConsumer{
		consumer: consumer,
		cache:    cache,
		logger:   log,
	}
	c.register(consumer)

	return c, nil
}

func (c *UserEventConsumer) register(consumer *messaging.Consumer) {
	consumer.RegisterHandler(messaging.EventUserCreated, c.HandleUserCreated)
	consumer.RegisterHandler(messaging.EventUserUpdated, c.HandleUserUpdated)
	consumer.RegisterHandler(messaging.EventUserDeleted, c.HandleUserDeleted)
}

// Start starts consuming messages
func (c *UserEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

// HandleUserCreated caches the new user
func (c *UserEventConsumer) HandleUserCreated(ctx context.Context, event *messaging.Event) error {
	var data messaging.UserCreatedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("user_id", data.UserID).
		Msg("received user created event")

	p := &repository.CachedPrincipal{
		UserID:    data.UserID,
		FirstName: data.FirstName,
		LastName:  data.LastName,
	}
	if data.Email != "" {
		p.Email = &data.Email
	}
	if data.RoleName != "" {
		p.RoleName = &data.RoleName
	}
	return c.cache.Set(ctx, p)
}

// HandleUserUpdated applies changed name, email and role fields. Users not in
// the cache are ignored; they arrive with their next created event or request.
func (c *UserEventConsumer) HandleUserUpdated(ctx context.Context, event *messaging.Event) error {
	var data messaging.UserUpdatedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("user_id", data.UserID).
		Msg("received user updated event")

	existing, err := c.cache.Get(ctx, data.UserID)
	if err != nil || existing == nil {
		return nil
	}

	if v, ok := changedString(data.Fields, "first_name"); ok {
		existing.FirstName = v
	}
	if v, ok := changedString(data.Fields, "last_name"); ok {
		existing.LastName = v
	}
	if v, ok := changedString(data.Fields, "email"); ok {
		existing.Email = &v
	}
	if v, ok := changedString(data.Fields, "role_name"); ok {
		existing.RoleName = &v
	}

	return c.cache.Set(ctx, existing)
}

// HandleUserDeleted drops the user from the cache. Ledger rows keep the name
// they were written with.
func (c *UserEventConsumer) HandleUserDeleted(ctx context.Context, event *messaging.Event) error {
	var data messaging.UserDeletedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("user_id", data.UserID).
		Msg("received user deleted event")

	return c.cache.Delete(ctx, data.UserID)
}

// changedString reads a field that is either a plain string or a {"from","to"} change.
func changedString(fields map[string]any, key string) (string, bool) {
	switch v := fields[key].(type) {
	case string:
		return v, true
	case map[string]interface{}:
		to, ok := v["to"].(string)
		return to, ok
	}
	return "", false
}
