package service

import (
	"context"
	"math"

	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/medflow/pharmstock/internal/stock/store"
	"github.com/shopspring/decimal"
)

// DrugValuation is the stock value of one drug.
type DrugValuation struct {
	DrugID      string          `json:"drug_id"`
	Name        string          `json:"name"`
	Quantity    int             `json:"quantity"`
	CostValue   decimal.Decimal `json:"cost_value"`
	RetailValue decimal.Decimal `json:"retail_value"`
}

// Valuation totals the value of all stock on hand.
type Valuation struct {
	TotalQuantity    int              `json:"total_quantity"`
	TotalCostValue   decimal.Decimal  `json:"total_cost_value"`
	TotalRetailValue decimal.Decimal  `json:"total_retail_value"`
	Drugs            []*DrugValuation `json:"drugs"`
}

// StockValuation values stock at cost and at selling price. Lot-tracked drugs
// are valued at each lot's cost price.
func (s *StockService) StockValuation(ctx context.Context) (*Valuation, error) {
	drugs, err := s.store.ListDrugs(ctx, store.DrugFilter{Sort: store.SortName})
	if err != nil {
		return nil, err
	}

	v := &Valuation{
		TotalCostValue:   decimal.Zero,
		TotalRetailValue: decimal.Zero,
		Drugs:            make([]*DrugValuation, 0, len(drugs)),
	}
	for _, drug := range drugs {
		if err := s.attachLots(ctx, drug); err != nil {
			return nil, err
		}
		dv := valueDrug(drug)
		v.TotalQuantity += dv.Quantity
		v.TotalCostValue = v.TotalCostValue.Add(dv.CostValue)
		v.TotalRetailValue = v.TotalRetailValue.Add(dv.RetailValue)
		v.Drugs = append(v.Drugs, dv)
	}
	return v, nil
}

func valueDrug(drug *domain.Drug) *DrugValuation {
	cost := decimal.Zero
	if drug.TrackLots {
		for _, l := range drug.Lots {
			cost = cost.Add(decimal.NewFromInt(int64(l.Quantity)).Mul(l.CostPrice))
		}
	} else {
		cost = decimal.NewFromInt(int64(drug.Quantity)).Mul(drug.CostPrice)
	}

	return &DrugValuation{
		DrugID:      drug.ID,
		Name:        drug.Name,
		Quantity:    drug.Quantity,
		CostValue:   cost.Round(2),
		RetailValue: SaleAmount(drug.Quantity, drug.SellingPrice),
	}
}

// demandWindowDays is the sales history used to estimate annual demand.
const demandWindowDays = 365

// ReorderRequest holds the economic order quantity inputs.
type ReorderRequest struct {
	DrugID       string
	OrderingCost float64
	HoldingCost  float64
	// AnnualDemand overrides the demand derived from the last year of sales.
	AnnualDemand int
}

// ReorderSuggestion is the EOQ result for a drug.
type ReorderSuggestion struct {
	DrugID            string  `json:"drug_id"`
	Name              string  `json:"name"`
	CurrentQuantity   int     `json:"current_quantity"`
	ReorderLevel      int     `json:"reorder_level"`
	BelowReorderLevel bool    `json:"below_reorder_level"`
	AnnualDemand      int     `json:"annual_demand"`
	EOQ               float64 `json:"eoq"`
	OrdersPerYear     float64 `json:"orders_per_year"`
	DaysBetweenOrders float64 `json:"days_between_orders"`
	Formula           string  `json:"formula"`
}

// ReorderSuggestion computes EOQ = sqrt(2DS/H) for a drug.
func (s *StockService) ReorderSuggestion(ctx context.Context, req ReorderRequest) (*ReorderSuggestion, error) {
	if req.OrderingCost <= 0 || math.IsNaN(req.OrderingCost) {
		return nil, &domain.InvalidQuantityError{Field: "ordering_cost", Value: int(req.OrderingCost)}
	}
	if req.HoldingCost <= 0 || math.IsNaN(req.HoldingCost) {
		return nil, &domain.InvalidQuantityError{Field: "holding_cost", Value: int(req.HoldingCost)}
	}

	drug, err := s.store.GetDrug(ctx, req.DrugID)
	if err != nil {
		return nil, err
	}

	demand := req.AnnualDemand
	if demand <= 0 {
		since := s.opts.Now().AddDate(0, 0, -demandWindowDays)
		if demand, err = s.store.QuantitySoldSince(ctx, drug.ID, since); err != nil {
			return nil, err
		}
	}
	if demand <= 0 {
		return nil, &domain.InvalidQuantityError{Field: "annual_demand", Value: demand}
	}

	eoq, orders, days := EOQ(float64(demand), req.OrderingCost, req.HoldingCost)
	return &ReorderSuggestion{
		DrugID:            drug.ID,
		Name:              drug.Name,
		CurrentQuantity:   drug.Quantity,
		ReorderLevel:      drug.ReorderLevel,
		BelowReorderLevel: drug.IsLowStock(),
		AnnualDemand:      demand,
		EOQ:               eoq,
		OrdersPerYear:     orders,
		DaysBetweenOrders: days,
		Formula:           "EOQ = sqrt(2DS/H)",
	}, nil
}

// EOQ returns the economic order quantity, orders per year and days between
// orders, each rounded to two decimals.
func EOQ(demand, orderingCost, holdingCost float64) (eoq, ordersPerYear, daysBetween float64) {
	q := math.Sqrt(2 * demand * orderingCost / holdingCost)
	n := demand / q
	return round2(q), round2(n), round2(demandWindowDays / n)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
