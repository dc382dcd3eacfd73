/*
Package allocation turns a sale request into a deduction plan.

The engine is pure: it never reads or writes storage. The caller hands it the
drug and the candidate lots (already filtered for sellability if the caller
wants that) and gets back either a complete plan or an error. A plan is never
partial.

Ordering:

	FEFO  expiry asc, created asc, lot id asc
	FIFO  created asc, lot id asc

Lots are then consumed greedily, min(remaining, lot quantity) at a time.
*/
package allocation

import (
	"sort"

	"github.com/medflow/pharmstock/internal/stock/domain"
)

// Allocate builds the deduction plan for requested units of drug.
// Flat-mode drugs (TrackLots == false) get a single pseudo-lot deduction
// checked against the aggregate quantity; lots are ignored.
func Allocate(drug *domain.Drug, lots []*domain.Lot, requested int, policy domain.Policy) (*domain.Plan, error) {
	if requested <= 0 {
		return nil, &domain.InvalidQuantityError{Field: "quantity", Value: requested}
	}
	if policy != domain.PolicyFEFO && policy != domain.PolicyFIFO {
		return nil, domain.ErrUnknownPolicy
	}

	plan := &domain.Plan{
		DrugID:    drug.ID,
		Policy:    policy,
		Requested: requested,
	}

	if !drug.TrackLots {
		if drug.Quantity < requested {
			return nil, &domain.InsufficientStockError{
				DrugID:    drug.ID,
				Requested: requested,
				Available: drug.Quantity,
			}
		}
		plan.Deductions = []domain.Deduction{{
			BatchNumber: drug.BatchNumber,
			Quantity:    requested,
		}}
		return plan, nil
	}

	ordered := Order(lots, policy)
	if available := Available(ordered); available < requested {
		return nil, &domain.InsufficientStockError{
			DrugID:    drug.ID,
			Requested: requested,
			Available: available,
		}
	}

	remaining := requested
	for _, lot := range ordered {
		if remaining == 0 {
			break
		}
		take := min(remaining, lot.Quantity)
		plan.Deductions = append(plan.Deductions, domain.Deduction{
			LotID:       lot.ID,
			BatchNumber: lot.BatchNumber,
			Quantity:    take,
		})
		remaining -= take
	}

	return plan, nil
}

// Order returns the lots holding stock, sorted for the policy. The input slice
// is not modified.
func Order(lots []*domain.Lot, policy domain.Policy) []*domain.Lot {
	out := make([]*domain.Lot, 0, len(lots))
	for _, l := range lots {
		if l.Quantity > 0 {
			out = append(out, l)
		}
	}

	less := compareFIFO
	if policy == domain.PolicyFEFO {
		less = compareFEFO
	}
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j]) < 0
	})
	return out
}

// Available sums the quantity across lots.
func Available(lots []*domain.Lot) int {
	total := 0
	for _, l := range lots {
		if l.Quantity > 0 {
			total += l.Quantity
		}
	}
	return total
}

func compareFEFO(a, b *domain.Lot) int {
	if a.ExpiryDate.Before(b.ExpiryDate) {
		return -1
	}
	if a.ExpiryDate.After(b.ExpiryDate) {
		return 1
	}
	return compareFIFO(a, b)
}

func compareFIFO(a, b *domain.Lot) int {
	if a.CreatedAt.Before(b.CreatedAt) {
		return -1
	}
	if a.CreatedAt.After(b.CreatedAt) {
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
