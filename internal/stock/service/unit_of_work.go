package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/medflow/pharmstock/internal/stock/store"
	"github.com/medflow/pharmstock/pkg/actor"
)

// unitOfWork is the lot catalog as seen from inside one locked transaction.
// Every quantity change goes through adjustQuantity, adjustLot or receiveLot,
// and each of them appends exactly one movement, so the ledger and the stored
// quantities cannot drift apart.
type unitOfWork struct {
	tx    store.Tx
	drug  *domain.Drug
	actor *actor.Actor
	now   time.Time

	movements []*domain.Movement
}

func newUnitOfWork(tx store.Tx, drug *domain.Drug, a *actor.Actor, now time.Time) *unitOfWork {
	return &unitOfWork{
		tx:    tx,
		drug:  drug,
		actor: a,
		now:   now,
	}
}

// change describes one ledger entry to write.
type change struct {
	typ       domain.MovementType
	reference string
	saleID    *string
}

// adjustQuantity applies delta to the aggregate of a flat-mode drug.
func (u *unitOfWork) adjustQuantity(ctx context.Context, delta int, c change) (*domain.Movement, error) {
	prev := u.drug.Quantity
	next := prev + delta
	if next < 0 {
		return nil, &domain.InsufficientStockError{
			DrugID:    u.drug.ID,
			Requested: -delta,
			Available: prev,
		}
	}
	if next > domain.MaxQuantity {
		return nil, &domain.InvalidQuantityError{Field: "quantity", Value: next}
	}

	if err := u.tx.SetDrugQuantity(ctx, u.drug.ID, next); err != nil {
		return nil, err
	}
	u.drug.Quantity = next

	m := u.movement(delta, prev, next, u.drug.BatchNumber, c)
	return m, u.append(ctx, m)
}

// adjustLot applies delta to one lot and to the drug aggregate.
func (u *unitOfWork) adjustLot(ctx context.Context, lot *domain.Lot, delta int, c change) (*domain.Movement, error) {
	lotPrev := lot.Quantity
	lotNext := lotPrev + delta
	if lotNext < 0 {
		return nil, &domain.InsufficientStockError{
			DrugID:    u.drug.ID,
			LotID:     lot.ID,
			Requested: -delta,
			Available: lotPrev,
		}
	}

	prev := u.drug.Quantity
	next := prev + delta
	if next < 0 {
		return nil, &domain.InsufficientStockError{
			DrugID:    u.drug.ID,
			Requested: -delta,
			Available: prev,
		}
	}
	if next > domain.MaxQuantity {
		return nil, &domain.InvalidQuantityError{Field: "quantity", Value: next}
	}

	if err := u.tx.SetLotQuantity(ctx, lot.ID, lotNext); err != nil {
		return nil, err
	}
	if err := u.tx.SetDrugQuantity(ctx, u.drug.ID, next); err != nil {
		return nil, err
	}
	lot.Quantity = lotNext
	u.drug.Quantity = next

	m := u.movement(delta, prev, next, lot.BatchNumber, c)
	m.LotID = &lot.ID
	m.LotPreviousQuantity = &lotPrev
	m.LotNewQuantity = &lotNext
	return m, u.append(ctx, m)
}

// receiveLot inserts a new lot holding lot.Quantity units and books them IN.
func (u *unitOfWork) receiveLot(ctx context.Context, lot *domain.Lot, reference string) (*domain.Movement, error) {
	qty := lot.Quantity
	if qty <= 0 {
		return nil, &domain.InvalidQuantityError{Field: "quantity", Value: qty}
	}

	prev := u.drug.Quantity
	next := prev + qty
	if next > domain.MaxQuantity {
		return nil, &domain.InvalidQuantityError{Field: "quantity", Value: next}
	}

	if err := u.tx.InsertLot(ctx, lot); err != nil {
		return nil, err
	}
	if err := u.tx.SetDrugQuantity(ctx, u.drug.ID, next); err != nil {
		return nil, err
	}
	u.drug.Quantity = next

	lotPrev := 0
	m := u.movement(qty, prev, next, lot.BatchNumber, change{typ: domain.MovementIn, reference: reference})
	m.LotID = &lot.ID
	m.LotPreviousQuantity = &lotPrev
	m.LotNewQuantity = &qty
	return m, u.append(ctx, m)
}

func (u *unitOfWork) movement(delta, prev, next int, batch string, c change) *domain.Movement {
	return &domain.Movement{
		ID:               uuid.NewString(),
		DrugID:           u.drug.ID,
		DrugName:         u.drug.Name,
		BatchNumber:      batch,
		SaleID:           c.saleID,
		Type:             c.typ,
		Quantity:         delta,
		PreviousQuantity: prev,
		NewQuantity:      next,
		Reference:        c.reference,
		PerformedBy:      u.actor.ID,
		PerformedByName:  u.actor.DisplayName(),
		CreatedAt:        u.now,
	}
}

func (u *unitOfWork) append(ctx context.Context, m *domain.Movement) error {
	if err := u.tx.AppendMovement(ctx, m); err != nil {
		return err
	}
	u.movements = append(u.movements, m)
	return nil
}

// lotByID finds a lot of the locked drug.
func lotByID(lots []*domain.Lot, id string) (*domain.Lot, error) {
	for _, l := range lots {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, domain.ErrLotNotFound
}

// newestLot returns the most recently received lot.
func newestLot(lots []*domain.Lot) *domain.Lot {
	var newest *domain.Lot
	for _, l := range lots {
		if newest == nil || l.CreatedAt.After(newest.CreatedAt) ||
			(l.CreatedAt.Equal(newest.CreatedAt) && l.ID > newest.ID) {
			newest = l
		}
	}
	return newest
}
