package allocation_test

import (
	"errors"
	"testing"
	"time"

	"github.com/medflow/pharmstock/internal/stock/allocation"
	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func lot(id string, qty int, expiry, created string) *domain.Lot {
	return &domain.Lot{
		ID:          id,
		DrugID:      "drug-1",
		BatchNumber: "B-" + id,
		Quantity:    qty,
		ExpiryDate:  date(expiry),
		CreatedAt:   date(created),
	}
}

func lotDrug() *domain.Drug {
	return &domain.Drug{ID: "drug-1", Name: "Amoxicillin", TrackLots: true}
}

func TestAllocate_FEFOConsumesEarliestExpiryFirst(t *testing.T) {
	a := lot("A", 10, "2025-01-01", "2024-03-01")
	b := lot("B", 10, "2025-06-01", "2024-01-01")

	plan, err := allocation.Allocate(lotDrug(), []*domain.Lot{b, a}, 15, domain.PolicyFEFO)
	require.NoError(t, err)

	assert.Equal(t, []domain.Deduction{
		{LotID: "A", BatchNumber: "B-A", Quantity: 10},
		{LotID: "B", BatchNumber: "B-B", Quantity: 5},
	}, plan.Deductions)
	assert.Equal(t, 15, plan.Total())
	assert.Equal(t, domain.PolicyFEFO, plan.Policy)
}

func TestAllocate_FIFOConsumesOldestReceivedFirst(t *testing.T) {
	// A expires first but was received after B.
	a := lot("A", 10, "2025-01-01", "2024-03-01")
	b := lot("B", 10, "2025-06-01", "2024-01-01")

	plan, err := allocation.Allocate(lotDrug(), []*domain.Lot{a, b}, 15, domain.PolicyFIFO)
	require.NoError(t, err)

	assert.Equal(t, []domain.Deduction{
		{LotID: "B", BatchNumber: "B-B", Quantity: 10},
		{LotID: "A", BatchNumber: "B-A", Quantity: 5},
	}, plan.Deductions)
}

func TestAllocate_TieBreaks(t *testing.T) {
	t.Run("FEFO same expiry falls back to creation then id", func(t *testing.T) {
		x := lot("X", 5, "2025-01-01", "2024-02-01")
		y := lot("Y", 5, "2025-01-01", "2024-01-01")
		z := lot("Z", 5, "2025-01-01", "2024-01-01")

		plan, err := allocation.Allocate(lotDrug(), []*domain.Lot{z, x, y}, 12, domain.PolicyFEFO)
		require.NoError(t, err)

		require.Len(t, plan.Deductions, 3)
		assert.Equal(t, "Y", plan.Deductions[0].LotID)
		assert.Equal(t, "Z", plan.Deductions[1].LotID)
		assert.Equal(t, "X", plan.Deductions[2].LotID)
		assert.Equal(t, 2, plan.Deductions[2].Quantity)
	})

	t.Run("FIFO same creation falls back to id", func(t *testing.T) {
		m := lot("M", 3, "2026-01-01", "2024-01-01")
		k := lot("K", 3, "2027-01-01", "2024-01-01")

		plan, err := allocation.Allocate(lotDrug(), []*domain.Lot{m, k}, 4, domain.PolicyFIFO)
		require.NoError(t, err)
		assert.Equal(t, "K", plan.Deductions[0].LotID)
		assert.Equal(t, "M", plan.Deductions[1].LotID)
	})
}

func TestAllocate_SkipsEmptyLots(t *testing.T) {
	empty := lot("E", 0, "2024-01-01", "2023-01-01")
	full := lot("F", 4, "2025-01-01", "2024-01-01")

	plan, err := allocation.Allocate(lotDrug(), []*domain.Lot{empty, full}, 4, domain.PolicyFEFO)
	require.NoError(t, err)
	require.Len(t, plan.Deductions, 1)
	assert.Equal(t, "F", plan.Deductions[0].LotID)
}

func TestAllocate_ExactDepletion(t *testing.T) {
	lots := []*domain.Lot{
		lot("A", 7, "2025-01-01", "2024-01-01"),
		lot("B", 3, "2025-02-01", "2024-01-02"),
	}

	plan, err := allocation.Allocate(lotDrug(), lots, 10, domain.PolicyFEFO)
	require.NoError(t, err)
	assert.Equal(t, 10, plan.Total())
	assert.Len(t, plan.Deductions, 2)
}

func TestAllocate_InsufficientStockProducesNoPlan(t *testing.T) {
	lots := []*domain.Lot{
		lot("A", 7, "2025-01-01", "2024-01-01"),
		lot("B", 3, "2025-02-01", "2024-01-02"),
	}

	plan, err := allocation.Allocate(lotDrug(), lots, 11, domain.PolicyFEFO)
	require.Error(t, err)
	assert.Nil(t, plan)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))

	var insufficient *domain.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 10, insufficient.Available)
	assert.Equal(t, 11, insufficient.Requested)
}

func TestAllocate_DoesNotExcludeExpiredLots(t *testing.T) {
	expired := lot("OLD", 5, "2000-01-01", "1999-01-01")

	plan, err := allocation.Allocate(lotDrug(), []*domain.Lot{expired}, 5, domain.PolicyFEFO)
	require.NoError(t, err)
	assert.Equal(t, "OLD", plan.Deductions[0].LotID)
}

func TestAllocate_FlatMode(t *testing.T) {
	drug := &domain.Drug{ID: "flat", BatchNumber: "FLAT-1", Quantity: 20}

	plan, err := allocation.Allocate(drug, nil, 20, domain.PolicyFIFO)
	require.NoError(t, err)
	assert.Equal(t, []domain.Deduction{{BatchNumber: "FLAT-1", Quantity: 20}}, plan.Deductions)

	_, err = allocation.Allocate(drug, nil, 21, domain.PolicyFIFO)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
}

func TestAllocate_RejectsBadInput(t *testing.T) {
	drug := lotDrug()

	for _, qty := range []int{0, -3} {
		_, err := allocation.Allocate(drug, nil, qty, domain.PolicyFEFO)
		assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	}

	_, err := allocation.Allocate(drug, nil, 1, domain.Policy("LIFO"))
	assert.ErrorIs(t, err, domain.ErrUnknownPolicy)
}

func TestOrder_DoesNotMutateInput(t *testing.T) {
	a := lot("A", 1, "2025-06-01", "2024-01-01")
	b := lot("B", 1, "2025-01-01", "2024-01-02")
	in := []*domain.Lot{a, b}

	out := allocation.Order(in, domain.PolicyFEFO)

	assert.Equal(t, []*domain.Lot{b, a}, out)
	assert.Equal(t, []*domain.Lot{a, b}, in)
}

func TestParsePolicy(t *testing.T) {
	p, err := domain.ParsePolicy(" fefo ")
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyFEFO, p)

	p, err = domain.ParsePolicy("FIFO")
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyFIFO, p)

	_, err = domain.ParsePolicy("random")
	assert.ErrorIs(t, err, domain.ErrUnknownPolicy)
}
