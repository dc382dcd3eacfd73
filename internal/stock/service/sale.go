package service

import (
	"context"
	"strings"
	"time"

	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/medflow/pharmstock/internal/stock/store"
	"github.com/medflow/pharmstock/pkg/actor"
	"github.com/shopspring/decimal"
)

// saleRecorder prices a committed deduction and persists the sale fact.
type saleRecorder struct{}

// record writes the sale for plan inside tx. The amount uses the selling price
// read under the drug lock, so later price edits never change it.
func (saleRecorder) record(ctx context.Context, tx store.Tx, saleID string, drug *domain.Drug, plan *domain.Plan, a *actor.Actor, now time.Time) (*domain.Sale, error) {
	qty := plan.Total()
	sale := &domain.Sale{
		ID:           saleID,
		DrugID:       drug.ID,
		DrugName:     drug.Name,
		BatchNumber:  saleBatch(drug, plan),
		QuantitySold: qty,
		UnitPrice:    drug.SellingPrice,
		TotalAmount:  SaleAmount(qty, drug.SellingPrice),
		Policy:       plan.Policy,
		SoldBy:       a.ID,
		SoldByName:   a.DisplayName(),
		SoldAt:       now,
	}

	if err := tx.InsertSale(ctx, sale); err != nil {
		return nil, err
	}
	return sale, nil
}

// SaleAmount is quantity × unit price, rounded to cents.
func SaleAmount(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(quantity)).Mul(unitPrice).Round(2)
}

// saleBatch lists the batches the sale drew from, in plan order.
func saleBatch(drug *domain.Drug, plan *domain.Plan) string {
	seen := make(map[string]bool, len(plan.Deductions))
	var batches []string
	for _, d := range plan.Deductions {
		if d.BatchNumber == "" || seen[d.BatchNumber] {
			continue
		}
		seen[d.BatchNumber] = true
		batches = append(batches, d.BatchNumber)
	}
	if len(batches) == 0 {
		return drug.BatchNumber
	}
	return strings.Join(batches, ",")
}
