/*
Package store defines the persistence contracts of the stock ledger.

Two implementations exist: repository.Store (PostgreSQL through sqlx) and
Memory in this package. Both give the same guarantees:

  - Atomic runs a unit of work. Every write made through its Tx is persisted
    together, or none is.
  - Tx.LockDrug takes an exclusive per-drug lock that is held until the unit
    of work ends. Units on different drugs never wait on each other.
  - Movements and sales are append-only. There is no update or delete for them.
*/
package store

import (
	"context"
	"time"

	"github.com/medflow/pharmstock/internal/stock/domain"
)

// Store is the full persistence surface used by the coordinator.
type Store interface {
	Reader

	// Atomic runs fn as one unit of work. Any error returned by fn discards
	// all of its writes.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Reader serves committed state. Reads never take drug locks.
type Reader interface {
	GetDrug(ctx context.Context, id string) (*domain.Drug, error)
	ListDrugs(ctx context.Context, filter DrugFilter) ([]*domain.Drug, error)
	ListLots(ctx context.Context, drugID string) ([]*domain.Lot, error)
	// ListLotsExpiringBefore returns lots with stock whose expiry is before t.
	ListLotsExpiringBefore(ctx context.Context, t time.Time) ([]*domain.Lot, error)
	ListMovements(ctx context.Context, filter LedgerFilter) ([]*domain.Movement, error)
	ListSales(ctx context.Context, filter LedgerFilter) ([]*domain.Sale, error)
	// QuantitySoldSince sums sold units of a drug at or after since.
	QuantitySoldSince(ctx context.Context, drugID string, since time.Time) (int, error)
}

// Tx is the write side of a unit of work.
type Tx interface {
	// LockDrug loads the drug and holds its lock until the unit of work ends.
	LockDrug(ctx context.Context, id string) (*domain.Drug, error)
	// ListLots returns the drug's lots as seen inside this unit of work.
	ListLots(ctx context.Context, drugID string) ([]*domain.Lot, error)

	InsertDrug(ctx context.Context, drug *domain.Drug) error
	// UpdateDrug writes catalog fields only. Quantities go through SetDrugQuantity.
	UpdateDrug(ctx context.Context, drug *domain.Drug) error
	// DeleteDrug removes the drug and its lots. Movements and sales stay.
	DeleteDrug(ctx context.Context, id string) error
	SetDrugQuantity(ctx context.Context, drugID string, quantity int) error

	InsertLot(ctx context.Context, lot *domain.Lot) error
	SetLotQuantity(ctx context.Context, lotID string, quantity int) error

	AppendMovement(ctx context.Context, m *domain.Movement) error
	InsertSale(ctx context.Context, s *domain.Sale) error
}

// DrugSort names the supported catalog orderings.
type DrugSort string

const (
	SortCreated  DrugSort = "created"
	SortName     DrugSort = "name"
	SortExpiry   DrugSort = "expiry"
	SortQuantity DrugSort = "quantity"
)

// DrugFilter narrows ListDrugs. Zero values mean "no filter".
type DrugFilter struct {
	Search       string
	Manufacturer string
	BatchNumber  string
	LowStock     bool
	// ExpiringBefore keeps drugs whose nearest expiry is before this instant.
	ExpiringBefore *time.Time
	// ExpiringAfter keeps drugs whose nearest expiry is at or after this instant.
	ExpiringAfter *time.Time
	Sort          DrugSort
}

// LedgerFilter narrows movement and sale listings. Results are most recent first.
type LedgerFilter struct {
	DrugID string
	Limit  int
}
