package repository_test

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/medflow/pharmstock/internal/stock/repository"
	"github.com/medflow/pharmstock/internal/stock/service"
	"github.com/medflow/pharmstock/internal/stock/store"
	"github.com/medflow/pharmstock/pkg/database"
	"github.com/medflow/pharmstock/pkg/logger"
	"github.com/medflow/pharmstock/pkg/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var suite *testutil.IntegrationSuite

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	var err error
	suite, err = testutil.NewIntegrationSuite(ctx)
	if err != nil {
		log.Printf("postgres unavailable, integration tests will be skipped: %v", err)
	}

	code := m.Run()

	if suite != nil {
		suite.Cleanup(ctx)
		testutil.TerminateContainer(ctx)
	}
	os.Exit(code)
}

func setupDB(t *testing.T) *database.DB {
	t.Helper()
	testutil.SkipIfShort(t)
	if suite == nil {
		t.Skip("postgres unavailable")
	}
	return suite.SetupSchema(t, testutil.DefaultTestContext(t), t.Name(), repository.Migrations())
}

func newPGService(db *database.DB) (*service.StockService, *repository.Store) {
	st := repository.NewStore(db)
	svc := service.NewStockService(st, nil, repository.NewPrincipalCacheRepository(db), service.Options{}, logger.Nop())
	return svc, st
}

func TestPostgres_SellAcrossLots(t *testing.T) {
	db := setupDB(t)
	ctx := testutil.DefaultTestContext(t)
	svc, st := newPGService(db)

	jan := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)

	drug, err := svc.CreateDrug(ctx, service.CreateDrugRequest{
		Name:         "Amoxicillin 500mg",
		SellingPrice: decimal.RequireFromString("5.00"),
		TrackLots:    true,
		BatchNumber:  "AMX-JUN",
		Quantity:     10,
		ExpiryDate:   &jun,
	})
	require.NoError(t, err)

	_, err = svc.Restock(ctx, service.RestockRequest{DrugID: drug.ID, Quantity: 5, BatchNumber: "AMX-JAN", ExpiryDate: jan})
	require.NoError(t, err)

	result, err := svc.Sell(ctx, service.SellRequest{DrugID: drug.ID, Quantity: 12})
	require.NoError(t, err)

	require.Len(t, result.Plan.Deductions, 2)
	assert.Equal(t, "AMX-JAN", result.Plan.Deductions[0].BatchNumber)
	assert.Equal(t, 5, result.Plan.Deductions[0].Quantity)
	assert.Equal(t, "AMX-JUN", result.Plan.Deductions[1].BatchNumber)
	assert.Equal(t, 7, result.Plan.Deductions[1].Quantity)
	assert.True(t, decimal.RequireFromString("60").Equal(result.TotalAmount))

	stored, err := st.GetDrug(ctx, drug.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Quantity)

	lots, err := st.ListLots(ctx, drug.ID)
	require.NoError(t, err)
	sum := 0
	for _, l := range lots {
		sum += l.Quantity
	}
	assert.Equal(t, stored.Quantity, sum)

	movements, err := st.ListMovements(ctx, store.LedgerFilter{DrugID: drug.ID})
	require.NoError(t, err)
	require.Len(t, movements, 4) // initial stock, restock, two sale deductions
	for i, m := range movements {
		assert.True(t, m.Balanced(), "movement %d", m.Seq)
		if i+1 < len(movements) {
			assert.Equal(t, movements[i+1].NewQuantity, m.PreviousQuantity, "ledger chains")
		}
	}
	assert.Equal(t, domain.MovementSale, movements[0].Type)
	require.NotNil(t, movements[0].SaleID)
	assert.Equal(t, result.Sale.ID, *movements[0].SaleID)

	sold, err := st.QuantitySoldSince(ctx, drug.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 12, sold)
}

func TestPostgres_ConcurrentSalesNeverOversell(t *testing.T) {
	db := setupDB(t)
	ctx := testutil.DefaultTestContext(t)
	svc, st := newPGService(db)

	drug, err := svc.CreateDrug(ctx, service.CreateDrugRequest{
		Name:         "Insulin",
		SellingPrice: decimal.RequireFromString("12.00"),
		Quantity:     100,
	})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Sell(ctx, service.SellRequest{DrugID: drug.ID, Quantity: 60})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	stored, err := st.GetDrug(ctx, drug.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, stored.Quantity)

	sales, err := st.ListSales(ctx, store.LedgerFilter{DrugID: drug.ID})
	require.NoError(t, err)
	assert.Len(t, sales, 1)
}

func TestPostgres_LedgerIsAppendOnly(t *testing.T) {
	db := setupDB(t)
	ctx := testutil.DefaultTestContext(t)
	svc, _ := newPGService(db)

	drug, err := svc.CreateDrug(ctx, service.CreateDrugRequest{Name: "Cetirizine", Quantity: 5})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE stock_movements SET quantity = 99 WHERE drug_id = $1`, drug.ID)
	assert.Error(t, err)

	_, err = db.ExecContext(ctx, `DELETE FROM stock_movements WHERE drug_id = $1`, drug.ID)
	assert.Error(t, err)

	require.NoError(t, svc.DeleteDrug(ctx, drug.ID))
	movements, err := svc.ListMovements(ctx, drug.ID, 0)
	require.NoError(t, err)
	assert.Len(t, movements, 1, "ledger outlives the drug")
}

func TestPostgres_PrincipalCache(t *testing.T) {
	db := setupDB(t)
	ctx := testutil.DefaultTestContext(t)
	repo := repository.NewPrincipalCacheRepository(db)

	email := "ada@example.com"
	require.NoError(t, repo.Set(ctx, &repository.CachedPrincipal{UserID: "u-1", FirstName: "Ada", LastName: "Okafor", Email: &email}))
	require.NoError(t, repo.Set(ctx, &repository.CachedPrincipal{UserID: "u-1", FirstName: "Ada", LastName: "Okafor-Mensah"}))

	p, err := repo.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Okafor-Mensah", p.FullName())
	assert.Nil(t, p.Email)

	require.NoError(t, repo.Delete(ctx, "u-1"))
	_, err = repo.Get(ctx, "u-1")
	assert.Error(t, err)
}
