package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/medflow/pharmstock/internal/stock/service"
	"github.com/medflow/pharmstock/pkg/logger"
	"github.com/medflow/pharmstock/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStockValuation(t *testing.T) {
	f := newFixture(t)
	flat := f.createFlatDrug(t, "Flat", 10, "3.00") // cost 1.00
	lots := f.createLotDrug(t, "Lots")              // cost 2.00, price 5.00
	f.receive(t, lots.ID, "L1", 4, date(2025, 1, 1))
	_, err := f.svc.Restock(pharmacistCtx(), service.RestockRequest{
		DrugID: lots.ID, Quantity: 6, BatchNumber: "L2", ExpiryDate: date(2025, 2, 1), CostPrice: pricePtr("2.50"),
	})
	require.NoError(t, err)

	v, err := f.svc.StockValuation(context.Background())
	require.NoError(t, err)
	require.Len(t, v.Drugs, 2)

	assert.Equal(t, flat.ID, v.Drugs[0].DrugID)
	assert.Equal(t, "10.00", v.Drugs[0].CostValue.StringFixed(2))
	assert.Equal(t, "30.00", v.Drugs[0].RetailValue.StringFixed(2))

	// 4 × 2.00 + 6 × 2.50
	assert.Equal(t, "23.00", v.Drugs[1].CostValue.StringFixed(2))
	assert.Equal(t, "50.00", v.Drugs[1].RetailValue.StringFixed(2))

	assert.Equal(t, 20, v.TotalQuantity)
	assert.Equal(t, "33.00", v.TotalCostValue.StringFixed(2))
	assert.Equal(t, "80.00", v.TotalRetailValue.StringFixed(2))
}

func TestEOQ(t *testing.T) {
	eoq, orders, days := service.EOQ(1000, 50, 2)
	assert.Equal(t, 223.61, eoq)
	assert.Equal(t, 4.47, orders)
	assert.Equal(t, 81.62, days)
}

func TestReorderSuggestion(t *testing.T) {
	f := newFixture(t)
	d := f.createFlatDrug(t, "Metoprolol", 200, "1.00")

	t.Run("demand override", func(t *testing.T) {
		s, err := f.svc.ReorderSuggestion(context.Background(), service.ReorderRequest{
			DrugID: d.ID, OrderingCost: 50, HoldingCost: 2, AnnualDemand: 1000,
		})
		require.NoError(t, err)
		assert.Equal(t, 223.61, s.EOQ)
		assert.Equal(t, 1000, s.AnnualDemand)
		assert.False(t, s.BelowReorderLevel)
	})

	t.Run("no sales history", func(t *testing.T) {
		_, err := f.svc.ReorderSuggestion(context.Background(), service.ReorderRequest{
			DrugID: d.ID, OrderingCost: 50, HoldingCost: 2,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	})

	t.Run("demand from sales", func(t *testing.T) {
		_, err := f.svc.Sell(pharmacistCtx(), service.SellRequest{DrugID: d.ID, Quantity: 100})
		require.NoError(t, err)

		s, err := f.svc.ReorderSuggestion(context.Background(), service.ReorderRequest{
			DrugID: d.ID, OrderingCost: 10, HoldingCost: 5,
		})
		require.NoError(t, err)
		assert.Equal(t, 100, s.AnnualDemand)
		assert.Equal(t, 20.0, s.EOQ)
		assert.Equal(t, 5.0, s.OrdersPerYear)
		assert.Equal(t, 73.0, s.DaysBetweenOrders)
	})

	t.Run("bad costs", func(t *testing.T) {
		_, err := f.svc.ReorderSuggestion(context.Background(), service.ReorderRequest{DrugID: d.ID, OrderingCost: 0, HoldingCost: 2})
		assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
		_, err = f.svc.ReorderSuggestion(context.Background(), service.ReorderRequest{DrugID: d.ID, OrderingCost: 5, HoldingCost: -1})
		assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	})

	t.Run("unknown drug", func(t *testing.T) {
		_, err := f.svc.ReorderSuggestion(context.Background(), service.ReorderRequest{DrugID: "missing", OrderingCost: 5, HoldingCost: 1})
		assert.ErrorIs(t, err, domain.ErrDrugNotFound)
	})
}

func TestExpiryScanner(t *testing.T) {
	f := newFixture(t)
	d := f.createLotDrug(t, "Oxytocin")
	f.receive(t, d.ID, "SOON", 3, f.clock.Now().AddDate(0, 0, 7))
	f.receive(t, d.ID, "LATER", 20, f.clock.Now().AddDate(0, 6, 0))
	f.createFlatDrug(t, "Plenty", 100, "1.00")
	f.pub.Reset()

	scanner := service.NewExpiryScanner(f.store, eventsFor(f), f.opts, logger.Nop())
	res, err := scanner.ScanAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiringLots)
	assert.Equal(t, 0, res.LowStock)

	expiring := f.pub.EventsOfType(messaging.EventLotExpiring)
	require.Len(t, expiring, 1)
	payload := expiring[0].Payload.(messaging.LotExpiringEvent)
	assert.Equal(t, "SOON", payload.BatchNumber)
	assert.Equal(t, "Oxytocin", payload.DrugName)

	_, err = f.svc.Sell(pharmacistCtx(), service.SellRequest{DrugID: d.ID, Quantity: 20})
	require.NoError(t, err)
	f.pub.Reset()

	res, err = scanner.ScanAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExpiringLots, "the expiring lot was sold first")
	assert.Equal(t, 1, res.LowStock)
	f.pub.AssertEventPublished(t, messaging.EventStockLow)
}

func TestScheduler_ScansOnStartAndStops(t *testing.T) {
	f := newFixture(t)
	f.createFlatDrug(t, "Nearly Out", 2, "1.00")
	f.pub.Reset()

	scanner := service.NewExpiryScanner(f.store, eventsFor(f), f.opts, logger.Nop())
	sched := service.NewScheduler(scanner, time.Hour, logger.Nop())
	sched.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(f.pub.EventsOfType(messaging.EventStockLow)) == 1
	}, time.Second, 10*time.Millisecond)

	sched.Stop()
}
