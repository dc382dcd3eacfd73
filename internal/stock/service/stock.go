package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/pharmstock/internal/stock/allocation"
	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/medflow/pharmstock/internal/stock/events"
	"github.com/medflow/pharmstock/internal/stock/repository"
	"github.com/medflow/pharmstock/internal/stock/store"
	"github.com/medflow/pharmstock/pkg/actor"
	"github.com/medflow/pharmstock/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Movement references written by the coordinator.
const (
	ReferenceInitialStock = "Initial stock"
	ReferenceRestock      = "Restock"
	ReferenceAdjustment   = "Manual adjustment"
	ReferenceWriteOff     = "Expired write-off"
)

// PrincipalLookup resolves display names for actors that arrive with an ID only.
type PrincipalLookup interface {
	Get(ctx context.Context, userID string) (*repository.CachedPrincipal, error)
}

// Options tunes the stock service.
type Options struct {
	DefaultPolicy     domain.Policy
	ExpiryWarningDays int
	DefaultListLimit  int
	MaxListLimit      int
	// Now is the clock. Defaults to time.Now in UTC.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DefaultPolicy == "" {
		o.DefaultPolicy = domain.PolicyFEFO
	}
	if o.ExpiryWarningDays <= 0 {
		o.ExpiryWarningDays = 30
	}
	if o.DefaultListLimit <= 0 {
		o.DefaultListLimit = 50
	}
	if o.MaxListLimit <= 0 {
		o.MaxListLimit = 500
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// StockService is the transaction coordinator: every stock-changing operation
// locks its drug, applies quantity changes with their movements and commits
// them as one unit. Events go out only after commit.
type StockService struct {
	store      store.Store
	publisher  *events.StockEventPublisher
	principals PrincipalLookup
	sales      saleRecorder
	opts       Options
	logger     *logger.Logger
}

// NewStockService creates a new stock service. publisher and principals may be nil.
func NewStockService(
	st store.Store,
	publisher *events.StockEventPublisher,
	principals PrincipalLookup,
	opts Options,
	log *logger.Logger,
) *StockService {
	return &StockService{
		store:      st,
		publisher:  publisher,
		principals: principals,
		opts:       opts.withDefaults(),
		logger:     log,
	}
}

// SellRequest is a sale of Quantity units of one drug.
type SellRequest struct {
	DrugID   string
	Quantity int
	// Policy is FEFO or FIFO. Empty uses the configured default.
	Policy string
	// ExcludeExpired drops expired lots before allocation.
	ExcludeExpired bool
}

// SaleResult is the committed outcome of a sale.
type SaleResult struct {
	SoldQuantity int                `json:"sold_quantity"`
	TotalAmount  decimal.Decimal    `json:"total_amount"`
	Sale         *domain.Sale       `json:"sale"`
	Plan         *domain.Plan       `json:"plan"`
	Movements    []*domain.Movement `json:"movements"`
}

// Sell allocates the request across the drug's lots and commits the
// deductions, their SALE movements and the sale record together.
func (s *StockService) Sell(ctx context.Context, req SellRequest) (*SaleResult, error) {
	if req.Quantity <= 0 {
		return nil, &domain.InvalidQuantityError{Field: "quantity", Value: req.Quantity}
	}
	if err := domain.CheckQuantity("quantity", req.Quantity); err != nil {
		return nil, err
	}
	policy := s.opts.DefaultPolicy
	if strings.TrimSpace(req.Policy) != "" {
		p, err := domain.ParsePolicy(req.Policy)
		if err != nil {
			return nil, err
		}
		policy = p
	}

	a := s.resolveActor(ctx)
	now := s.opts.Now()

	var (
		result *SaleResult
		drug   *domain.Drug
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockDrug(ctx, req.DrugID)
		if err != nil {
			return err
		}

		if !locked.TrackLots && req.ExcludeExpired && locked.ExpiryDate != nil && locked.ExpiryDate.Before(now) {
			return &domain.InsufficientStockError{
				DrugID:    locked.ID,
				Requested: req.Quantity,
				Available: 0,
			}
		}

		var lots []*domain.Lot
		if locked.TrackLots {
			if lots, err = tx.ListLots(ctx, locked.ID); err != nil {
				return err
			}
			if req.ExcludeExpired {
				lots = sellable(lots, now)
			}
		}

		plan, err := allocation.Allocate(locked, lots, req.Quantity, policy)
		if err != nil {
			return err
		}

		saleID := uuid.NewString()
		u := newUnitOfWork(tx, locked, a, now)
		c := change{
			typ:       domain.MovementSale,
			reference: fmt.Sprintf("Sale (%s)", policy),
			saleID:    &saleID,
		}

		for _, d := range plan.Deductions {
			if !locked.TrackLots {
				if _, err := u.adjustQuantity(ctx, -d.Quantity, c); err != nil {
					return err
				}
				continue
			}
			lot, err := lotByID(lots, d.LotID)
			if err != nil {
				return err
			}
			if _, err := u.adjustLot(ctx, lot, -d.Quantity, c); err != nil {
				return err
			}
		}

		sale, err := s.sales.record(ctx, tx, saleID, locked, plan, a, now)
		if err != nil {
			return err
		}

		drug = locked
		result = &SaleResult{
			SoldQuantity: sale.QuantitySold,
			TotalAmount:  sale.TotalAmount,
			Sale:         sale,
			Plan:         plan,
			Movements:    u.movements,
		}
		return nil
	})
	if err != nil {
		s.logRejected("sale", req.DrugID, err)
		return nil, err
	}

	s.logger.Info().
		Str("drug_id", drug.ID).
		Str("sale_id", result.Sale.ID).
		Int("quantity", result.SoldQuantity).
		Str("policy", string(policy)).
		Int("lots", len(result.Movements)).
		Msg("sale recorded")

	s.publisher.PublishSaleRecorded(ctx, result.Sale, result.Movements)
	s.notifyLowStock(ctx, drug)
	return result, nil
}

// RestockRequest describes arriving stock.
type RestockRequest struct {
	DrugID      string
	Quantity    int
	BatchNumber string
	ExpiryDate  time.Time
	// CostPrice of the received units. Nil uses the drug's cost price.
	CostPrice *decimal.Decimal
	Reference string
}

// Restock books incoming stock with an IN movement. Lot-tracked drugs get a new
// lot, or top up the lot with the same batch number and expiry date.
func (s *StockService) Restock(ctx context.Context, req RestockRequest) (*domain.Movement, error) {
	if req.Quantity <= 0 {
		return nil, &domain.InvalidQuantityError{Field: "quantity", Value: req.Quantity}
	}
	if err := domain.CheckQuantity("quantity", req.Quantity); err != nil {
		return nil, err
	}
	if req.CostPrice != nil && req.CostPrice.IsNegative() {
		return nil, fmt.Errorf("%w: cost price must not be negative", domain.ErrInvalidLot)
	}
	reference := req.Reference
	if reference == "" {
		reference = ReferenceRestock
	}

	a := s.resolveActor(ctx)
	now := s.opts.Now()

	var movement *domain.Movement
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		drug, err := tx.LockDrug(ctx, req.DrugID)
		if err != nil {
			return err
		}
		u := newUnitOfWork(tx, drug, a, now)

		if !drug.TrackLots {
			movement, err = u.adjustQuantity(ctx, req.Quantity, change{typ: domain.MovementIn, reference: reference})
			return err
		}

		if req.ExpiryDate.IsZero() {
			return fmt.Errorf("%w: expiry date is required for lot-tracked drugs", domain.ErrInvalidLot)
		}
		batch := req.BatchNumber
		if batch == "" {
			batch = drug.BatchNumber
		}

		lots, err := tx.ListLots(ctx, drug.ID)
		if err != nil {
			return err
		}
		for _, l := range lots {
			if l.BatchNumber == batch && l.ExpiryDate.Equal(req.ExpiryDate) {
				movement, err = u.adjustLot(ctx, l, req.Quantity, change{typ: domain.MovementIn, reference: reference})
				return err
			}
		}

		cost := drug.CostPrice
		if req.CostPrice != nil {
			cost = *req.CostPrice
		}
		movement, err = u.receiveLot(ctx, &domain.Lot{
			ID:          uuid.NewString(),
			DrugID:      drug.ID,
			BatchNumber: batch,
			Quantity:    req.Quantity,
			ExpiryDate:  req.ExpiryDate,
			CostPrice:   cost,
			CreatedAt:   now,
		}, reference)
		return err
	})
	if err != nil {
		s.logRejected("restock", req.DrugID, err)
		return nil, err
	}

	s.logger.Info().
		Str("drug_id", movement.DrugID).
		Int("quantity", movement.Quantity).
		Int("new_quantity", movement.NewQuantity).
		Msg("stock restocked")

	s.publisher.PublishRestocked(ctx, movement)
	return movement, nil
}

// AdjustRequest is a manual correction.
type AdjustRequest struct {
	DrugID string
	// LotID targets one lot of a lot-tracked drug. Empty spreads the change.
	LotID  string
	Delta  int
	Reason string
}

// Adjust records a manual correction as ADJUSTMENT movements. Stock may go
// down to zero but never below.
//
// Lot-tracked drugs without LotID: a decrease is spread over lots in FEFO
// order, an increase goes to the most recently received lot.
func (s *StockService) Adjust(ctx context.Context, req AdjustRequest) ([]*domain.Movement, error) {
	if req.Delta == 0 {
		return nil, &domain.InvalidQuantityError{Field: "delta", Value: 0}
	}
	if err := domain.CheckQuantity("delta", req.Delta); err != nil {
		return nil, err
	}
	reference := strings.TrimSpace(req.Reason)
	if reference == "" {
		reference = ReferenceAdjustment
	}

	a := s.resolveActor(ctx)
	now := s.opts.Now()
	c := change{typ: domain.MovementAdjustment, reference: reference}

	var (
		movements []*domain.Movement
		drug      *domain.Drug
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockDrug(ctx, req.DrugID)
		if err != nil {
			return err
		}
		u := newUnitOfWork(tx, locked, a, now)
		drug = locked

		if !locked.TrackLots {
			if req.LotID != "" {
				return domain.ErrLotNotFound
			}
			if _, err := u.adjustQuantity(ctx, req.Delta, c); err != nil {
				return err
			}
			movements = u.movements
			return nil
		}

		lots, err := tx.ListLots(ctx, locked.ID)
		if err != nil {
			return err
		}

		switch {
		case req.LotID != "":
			lot, err := lotByID(lots, req.LotID)
			if err != nil {
				return err
			}
			if _, err := u.adjustLot(ctx, lot, req.Delta, c); err != nil {
				return err
			}

		case len(lots) == 0:
			return domain.ErrLotRequired

		case req.Delta > 0:
			if _, err := u.adjustLot(ctx, newestLot(lots), req.Delta, c); err != nil {
				return err
			}

		default:
			plan, err := allocation.Allocate(locked, lots, -req.Delta, domain.PolicyFEFO)
			if err != nil {
				return err
			}
			for _, d := range plan.Deductions {
				lot, err := lotByID(lots, d.LotID)
				if err != nil {
					return err
				}
				if _, err := u.adjustLot(ctx, lot, -d.Quantity, c); err != nil {
					return err
				}
			}
		}

		movements = u.movements
		return nil
	})
	if err != nil {
		s.logRejected("adjustment", req.DrugID, err)
		return nil, err
	}

	s.logger.Info().
		Str("drug_id", drug.ID).
		Int("delta", req.Delta).
		Int("new_quantity", drug.Quantity).
		Str("reason", reference).
		Msg("stock adjusted")

	s.publisher.PublishAdjusted(ctx, movements)
	if req.Delta < 0 {
		s.notifyLowStock(ctx, drug)
	}
	return movements, nil
}

// WriteOffExpired zeroes every lot that expired before asOf, one OUT movement
// per lot. A flat-mode drug past its expiry date is written off as a whole.
// A zero asOf means now.
func (s *StockService) WriteOffExpired(ctx context.Context, drugID string, asOf time.Time) ([]*domain.Movement, error) {
	a := s.resolveActor(ctx)
	now := s.opts.Now()
	if asOf.IsZero() {
		asOf = now
	}
	c := change{typ: domain.MovementOut, reference: ReferenceWriteOff}

	var (
		movements []*domain.Movement
		drug      *domain.Drug
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockDrug(ctx, drugID)
		if err != nil {
			return err
		}
		u := newUnitOfWork(tx, locked, a, now)
		drug = locked

		if !locked.TrackLots {
			if locked.ExpiryDate != nil && locked.ExpiryDate.Before(asOf) && locked.Quantity > 0 {
				if _, err := u.adjustQuantity(ctx, -locked.Quantity, c); err != nil {
					return err
				}
			}
			movements = u.movements
			return nil
		}

		lots, err := tx.ListLots(ctx, locked.ID)
		if err != nil {
			return err
		}
		for _, lot := range allocation.Order(lots, domain.PolicyFEFO) {
			if !lot.IsExpired(asOf) {
				continue
			}
			if _, err := u.adjustLot(ctx, lot, -lot.Quantity, c); err != nil {
				return err
			}
		}
		movements = u.movements
		return nil
	})
	if err != nil {
		s.logRejected("write-off", drugID, err)
		return nil, err
	}

	if len(movements) == 0 {
		return []*domain.Movement{}, nil
	}

	s.logger.Info().
		Str("drug_id", drug.ID).
		Int("lots", len(movements)).
		Int("new_quantity", drug.Quantity).
		Msg("expired stock written off")

	s.publisher.PublishWrittenOff(ctx, movements)
	s.notifyLowStock(ctx, drug)
	return movements, nil
}

// resolveActor returns the acting principal. Actors forwarded with an ID only
// get their name from the principal cache when one is configured.
func (s *StockService) resolveActor(ctx context.Context) *actor.Actor {
	a := actor.FromContextOrSystem(ctx)
	if a.HasName() || s.principals == nil {
		return a
	}

	p, err := s.principals.Get(ctx, a.ID)
	if err != nil || p == nil {
		return a
	}
	return p.ToActor()
}

func (s *StockService) logRejected(op, drugID string, err error) {
	var event *zerolog.Event
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		event = s.logger.Warn()
	case errors.Is(err, domain.ErrStorage):
		event = s.logger.Error()
	default:
		event = s.logger.Debug()
	}
	event.Err(err).Str("drug_id", drugID).Str("operation", op).Msg("stock operation rejected")
}

func (s *StockService) notifyLowStock(ctx context.Context, drug *domain.Drug) {
	if drug == nil || !drug.IsLowStock() {
		return
	}
	s.logger.Warn().
		Str("drug_id", drug.ID).
		Int("quantity", drug.Quantity).
		Int("reorder_level", drug.ReorderLevel).
		Msg("drug at or below reorder level")
	s.publisher.PublishStockLow(ctx, drug)
}

func sellable(lots []*domain.Lot, now time.Time) []*domain.Lot {
	out := make([]*domain.Lot, 0, len(lots))
	for _, l := range lots {
		if !l.IsExpired(now) {
			out = append(out, l)
		}
	}
	return out
}
