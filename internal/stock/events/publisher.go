package events

import (
	"context"
	"time"

	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/medflow/pharmstock/pkg/httputil"
	"github.com/medflow/pharmstock/pkg/logger"
	"github.com/medflow/pharmstock/pkg/messaging"
)

// ServiceName is the event source of everything published here.
const ServiceName = "stock-service"

// Publisher is satisfied by messaging.Publisher.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// StockEventPublisher publishes stock events. A nil *StockEventPublisher is
// valid and drops every event, which is how the service runs without RabbitMQ.
// Publish failures are logged and never returned: the stock change has
// already committed.
type StockEventPublisher struct {
	publisher Publisher
	logger    *logger.Logger
}

// NewStockEventPublisher creates a publisher on the stock exchange
func NewStockEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*StockEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeStockEvents, ServiceName, log)
	if err != nil {
		return nil, err
	}

	return NewStockEventPublisherWith(publisher, log), nil
}

// NewStockEventPublisherWith wraps an existing publisher
func NewStockEventPublisherWith(p Publisher, log *logger.Logger) *StockEventPublisher {
	return &StockEventPublisher{
		publisher: p,
		logger:    log,
	}
}

// PublishSaleRecorded publishes a sale recorded event
func (p *StockEventPublisher) PublishSaleRecorded(ctx context.Context, sale *domain.Sale, movements []*domain.Movement) {
	if p == nil {
		return
	}

	data := messaging.SaleRecordedEvent{
		SaleID:       sale.ID,
		DrugID:       sale.DrugID,
		DrugName:     sale.DrugName,
		QuantitySold: sale.QuantitySold,
		TotalAmount:  sale.TotalAmount.StringFixed(2),
		Policy:       string(sale.Policy),
		Lots:         lotsOf(movements),
		NewQuantity:  lastQuantity(movements),
		SoldBy:       sale.SoldBy,
	}

	if err := p.send(ctx, messaging.EventSaleRecorded, data); err != nil {
		p.logger.Error().Err(err).Str("sale_id", sale.ID).Msg("failed to publish sale recorded event")
	}
}

// PublishRestocked publishes a restocked event
func (p *StockEventPublisher) PublishRestocked(ctx context.Context, m *domain.Movement) {
	p.publishMoved(ctx, messaging.EventStockRestocked, []*domain.Movement{m})
}

// PublishAdjusted publishes an adjusted event covering every touched lot
func (p *StockEventPublisher) PublishAdjusted(ctx context.Context, movements []*domain.Movement) {
	p.publishMoved(ctx, messaging.EventStockAdjusted, movements)
}

// PublishWrittenOff publishes a write-off event
func (p *StockEventPublisher) PublishWrittenOff(ctx context.Context, movements []*domain.Movement) {
	p.publishMoved(ctx, messaging.EventStockWriteOff, movements)
}

func (p *StockEventPublisher) publishMoved(ctx context.Context, eventType string, movements []*domain.Movement) {
	if p == nil || len(movements) == 0 {
		return
	}

	first := movements[0]
	change := 0
	for _, m := range movements {
		change += m.Quantity
	}

	data := messaging.StockMovedEvent{
		DrugID:      first.DrugID,
		DrugName:    first.DrugName,
		Change:      change,
		NewQuantity: lastQuantity(movements),
		Lots:        lotsOf(movements),
		Reference:   first.Reference,
		PerformedBy: first.PerformedBy,
	}

	if err := p.send(ctx, eventType, data); err != nil {
		p.logger.Error().Err(err).Str("drug_id", first.DrugID).Str("event_type", eventType).Msg("failed to publish stock event")
	}
}

// PublishStockLow publishes a low stock event
func (p *StockEventPublisher) PublishStockLow(ctx context.Context, drug *domain.Drug) {
	if p == nil {
		return
	}

	data := messaging.StockLowEvent{
		DrugID:       drug.ID,
		DrugName:     drug.Name,
		Quantity:     drug.Quantity,
		ReorderLevel: drug.ReorderLevel,
	}

	if err := p.send(ctx, messaging.EventStockLow, data); err != nil {
		p.logger.Error().Err(err).Str("drug_id", drug.ID).Msg("failed to publish stock low event")
	}
}

// PublishLotExpiring publishes a lot expiring event
func (p *StockEventPublisher) PublishLotExpiring(ctx context.Context, drug *domain.Drug, lot *domain.Lot, now time.Time) {
	if p == nil {
		return
	}

	data := messaging.LotExpiringEvent{
		DrugID:          drug.ID,
		DrugName:        drug.Name,
		LotID:           lot.ID,
		BatchNumber:     lot.BatchNumber,
		ExpiryDate:      lot.ExpiryDate,
		DaysUntilExpiry: int(lot.ExpiryDate.Sub(now).Hours() / 24),
		Quantity:        lot.Quantity,
	}

	if err := p.send(ctx, messaging.EventLotExpiring, data); err != nil {
		p.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to publish lot expiring event")
	}
}

// send publishes with the HTTP request id as correlation id when the context
// does not carry one already.
func (p *StockEventPublisher) send(ctx context.Context, eventType string, data interface{}) error {
	if messaging.CorrelationID(ctx) == "" {
		if id := httputil.GetRequestID(ctx); id != "" {
			ctx = messaging.WithCorrelationID(ctx, id)
		}
	}
	return p.publisher.Publish(ctx, eventType, data)
}

func lotsOf(movements []*domain.Movement) []messaging.LotDeduction {
	out := make([]messaging.LotDeduction, 0, len(movements))
	for _, m := range movements {
		lotID := ""
		if m.LotID != nil {
			lotID = *m.LotID
		}
		out = append(out, messaging.LotDeduction{
			LotID:       lotID,
			BatchNumber: m.BatchNumber,
			Quantity:    m.Quantity,
		})
	}
	return out
}

func lastQuantity(movements []*domain.Movement) int {
	if len(movements) == 0 {
		return 0
	}
	return movements[len(movements)-1].NewQuantity
}
