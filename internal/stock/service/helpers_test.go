package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/medflow/pharmstock/internal/stock/events"
	"github.com/medflow/pharmstock/internal/stock/service"
	"github.com/medflow/pharmstock/internal/stock/store"
	"github.com/medflow/pharmstock/pkg/actor"
	"github.com/medflow/pharmstock/pkg/logger"
	"github.com/medflow/pharmstock/pkg/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock is a settable time source shared by a fixture.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *service.StockService
	store *store.Memory
	pub   *testutil.MockPublisher
	clock *clock
	opts  service.Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	c := &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	pub := testutil.NewMockPublisher()
	opts := service.Options{Now: c.Now}

	return &fixture{
		svc:   service.NewStockService(st, events.NewStockEventPublisherWith(pub, logger.Nop()), nil, opts, logger.Nop()),
		store: st,
		pub:   pub,
		clock: c,
		opts:  opts,
	}
}

// withStore builds a second service over a wrapped store, sharing the clock.
func (f *fixture) withStore(st store.Store) *service.StockService {
	return service.NewStockService(st, events.NewStockEventPublisherWith(f.pub, logger.Nop()), nil, f.opts, logger.Nop())
}

func eventsFor(f *fixture) *events.StockEventPublisher {
	return events.NewStockEventPublisherWith(f.pub, logger.Nop())
}

func pharmacistCtx() context.Context {
	return actor.WithActor(context.Background(), &actor.Actor{
		ID:        "6f1c2d3e-0000-4000-8000-000000000001",
		FirstName: "Ada",
		LastName:  "Okafor",
		Email:     "ada@pharmacy.test",
	})
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func pricePtr(s string) *decimal.Decimal {
	d := price(s)
	return &d
}

func intPtr(i int) *int { return &i }

// createFlatDrug creates a drug with a single aggregate quantity.
func (f *fixture) createFlatDrug(t *testing.T, name string, qty int, sellingPrice string) *service.DrugView {
	t.Helper()
	d, err := f.svc.CreateDrug(pharmacistCtx(), service.CreateDrugRequest{
		Name:         name,
		BatchNumber:  "FLAT-" + name,
		Manufacturer: "Acme Pharma",
		CostPrice:    price("1.00"),
		SellingPrice: price(sellingPrice),
		ReorderLevel: intPtr(5),
		Quantity:     qty,
	})
	require.NoError(t, err)
	return d
}

// createLotDrug creates a lot-tracked drug with no stock.
func (f *fixture) createLotDrug(t *testing.T, name string) *service.DrugView {
	t.Helper()
	d, err := f.svc.CreateDrug(pharmacistCtx(), service.CreateDrugRequest{
		Name:         name,
		BatchNumber:  "LOT-" + name,
		Manufacturer: "Acme Pharma",
		CostPrice:    price("2.00"),
		SellingPrice: price("5.00"),
		ReorderLevel: intPtr(5),
		TrackLots:    true,
	})
	require.NoError(t, err)
	return d
}

// receive restocks one lot and returns its ID. The fixture clock advances by
// a minute afterwards so receipt order is unambiguous.
func (f *fixture) receive(t *testing.T, drugID, batch string, qty int, expiry time.Time) string {
	t.Helper()
	m, err := f.svc.Restock(pharmacistCtx(), service.RestockRequest{
		DrugID:      drugID,
		Quantity:    qty,
		BatchNumber: batch,
		ExpiryDate:  expiry,
	})
	require.NoError(t, err)
	require.NotNil(t, m.LotID)
	f.clock.Advance(time.Minute)
	return *m.LotID
}

func (f *fixture) lotQuantities(t *testing.T, drugID string) map[string]int {
	t.Helper()
	lots, err := f.store.ListLots(context.Background(), drugID)
	require.NoError(t, err)
	out := make(map[string]int, len(lots))
	for _, l := range lots {
		out[l.BatchNumber] = l.Quantity
	}
	return out
}

// assertConsistent checks the stored state of one drug: non-negative stock,
// aggregate equal to the lot sum, and a balanced ledger that chains in order
// and ends at the current quantity.
func (f *fixture) assertConsistent(t *testing.T, drugID string) {
	t.Helper()
	ctx := context.Background()

	drug, err := f.store.GetDrug(ctx, drugID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, drug.Quantity, 0)

	if drug.TrackLots {
		lots, err := f.store.ListLots(ctx, drugID)
		require.NoError(t, err)
		sum := 0
		for _, l := range lots {
			assert.GreaterOrEqual(t, l.Quantity, 0, "lot %s", l.BatchNumber)
			sum += l.Quantity
		}
		assert.Equal(t, drug.Quantity, sum, "aggregate must equal the lot sum")
	}

	movements, err := f.store.ListMovements(ctx, store.LedgerFilter{DrugID: drugID})
	require.NoError(t, err)
	if len(movements) == 0 {
		return
	}
	for i := len(movements) - 1; i >= 0; i-- {
		m := movements[i]
		assert.True(t, m.Balanced(), "movement %d not balanced", m.Seq)
		if i < len(movements)-1 {
			prev := movements[i+1]
			assert.Less(t, prev.Seq, m.Seq)
			assert.Equal(t, prev.NewQuantity, m.PreviousQuantity, "movement %d does not chain", m.Seq)
		}
	}
	assert.Equal(t, drug.Quantity, movements[0].NewQuantity)
}

func (f *fixture) movementCount(t *testing.T, drugID string) int {
	t.Helper()
	movements, err := f.store.ListMovements(context.Background(), store.LedgerFilter{DrugID: drugID})
	require.NoError(t, err)
	return len(movements)
}

var errInjected = errors.New("injected failure")

// failingStore fails a unit of work at a chosen write.
type failingStore struct {
	*store.Memory
	failMovementAt int
	failSale       bool
}

func (s *failingStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.Memory.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, &failingTx{Tx: tx, s: s})
	})
}

type failingTx struct {
	store.Tx
	s        *failingStore
	appended int
}

func (tx *failingTx) AppendMovement(ctx context.Context, m *domain.Movement) error {
	tx.appended++
	if tx.appended == tx.s.failMovementAt {
		return errInjected
	}
	return tx.Tx.AppendMovement(ctx, m)
}

func (tx *failingTx) InsertSale(ctx context.Context, sale *domain.Sale) error {
	if tx.s.failSale {
		return errInjected
	}
	return tx.Tx.InsertSale(ctx, sale)
}
