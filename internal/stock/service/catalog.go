package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/medflow/pharmstock/internal/stock/store"
	apperrors "github.com/medflow/pharmstock/pkg/errors"
	"github.com/shopspring/decimal"
)

// Expiry status labels.
const (
	ExpiryStatusExpired = "expired"
	ExpiryStatusSoon    = "expiring_soon"
	ExpiryStatusOK      = "ok"
	ExpiryFilterSoon    = "soon"
	ExpiryFilterExpired = "expired"
)

// DrugView is a drug with its lots and derived status
type DrugView struct {
	*domain.Drug
	Status        string     `json:"status"`
	NearestExpiry *time.Time `json:"nearest_expiry,omitempty"`
	ExpiryStatus  string     `json:"expiry_status,omitempty"`
}

// CreateDrugRequest describes a new catalog entry and its starting stock.
type CreateDrugRequest struct {
	Name         string
	BatchNumber  string
	Manufacturer string
	BarcodeQR    string
	CostPrice    decimal.Decimal
	SellingPrice decimal.Decimal
	// ReorderLevel defaults to domain.DefaultReorderLevel when nil.
	ReorderLevel *int
	TrackLots    bool
	Quantity     int
	ExpiryDate   *time.Time
}

// CreateDrug creates a drug. Starting stock is booked as one IN movement
// ("Initial stock"); lot-tracked drugs receive it as their first lot.
func (s *StockService) CreateDrug(ctx context.Context, req CreateDrugRequest) (*DrugView, error) {
	if req.Quantity < 0 {
		return nil, &domain.InvalidQuantityError{Field: "quantity", Value: req.Quantity}
	}
	if err := domain.CheckQuantity("quantity", req.Quantity); err != nil {
		return nil, err
	}
	reorder := domain.DefaultReorderLevel
	if req.ReorderLevel != nil {
		reorder = *req.ReorderLevel
	}

	now := s.opts.Now()
	drug := &domain.Drug{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(req.Name),
		BatchNumber:  strings.TrimSpace(req.BatchNumber),
		Manufacturer: strings.TrimSpace(req.Manufacturer),
		BarcodeQR:    strings.TrimSpace(req.BarcodeQR),
		CostPrice:    req.CostPrice,
		SellingPrice: req.SellingPrice,
		ReorderLevel: reorder,
		TrackLots:    req.TrackLots,
		ExpiryDate:   req.ExpiryDate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := validateDrug(drug); err != nil {
		return nil, err
	}
	if drug.TrackLots && req.Quantity > 0 && req.ExpiryDate == nil {
		return nil, fmt.Errorf("%w: expiry date is required for the initial lot", domain.ErrInvalidLot)
	}

	a := s.resolveActor(ctx)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertDrug(ctx, drug); err != nil {
			return err
		}
		if req.Quantity == 0 {
			return nil
		}

		u := newUnitOfWork(tx, drug, a, now)
		if !drug.TrackLots {
			_, err := u.adjustQuantity(ctx, req.Quantity, change{typ: domain.MovementIn, reference: ReferenceInitialStock})
			return err
		}
		lot := &domain.Lot{
			ID:          uuid.NewString(),
			DrugID:      drug.ID,
			BatchNumber: drug.BatchNumber,
			Quantity:    req.Quantity,
			ExpiryDate:  *req.ExpiryDate,
			CostPrice:   drug.CostPrice,
			CreatedAt:   now,
		}
		if _, err := u.receiveLot(ctx, lot, ReferenceInitialStock); err != nil {
			return err
		}
		drug.Lots = []*domain.Lot{lot}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("drug_id", drug.ID).
		Str("name", drug.Name).
		Int("quantity", drug.Quantity).
		Bool("track_lots", drug.TrackLots).
		Msg("drug created")

	return s.view(drug), nil
}

// GetDrug gets a drug with its lots
func (s *StockService) GetDrug(ctx context.Context, id string) (*DrugView, error) {
	drug, err := s.store.GetDrug(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.attachLots(ctx, drug); err != nil {
		return nil, err
	}
	return s.view(drug), nil
}

// ListDrugsRequest filters the catalog.
type ListDrugsRequest struct {
	Search       string
	Manufacturer string
	BatchNumber  string
	LowStock     bool
	// Expiry is "soon", "expired" or empty.
	Expiry string
	// Sort is "name", "expiry", "quantity" or "created" (default).
	Sort string
}

// ListDrugs lists drugs with their lots
func (s *StockService) ListDrugs(ctx context.Context, req ListDrugsRequest) ([]*DrugView, error) {
	filter := store.DrugFilter{
		Search:       strings.TrimSpace(req.Search),
		Manufacturer: strings.TrimSpace(req.Manufacturer),
		BatchNumber:  strings.TrimSpace(req.BatchNumber),
		LowStock:     req.LowStock,
	}

	now := s.opts.Now()
	switch req.Expiry {
	case "":
	case ExpiryFilterSoon:
		before := now.AddDate(0, 0, s.opts.ExpiryWarningDays)
		filter.ExpiringAfter = &now
		filter.ExpiringBefore = &before
	case ExpiryFilterExpired:
		filter.ExpiringBefore = &now
	default:
		return nil, apperrors.BadRequest("expiry must be one of: soon, expired")
	}

	switch store.DrugSort(req.Sort) {
	case "", store.SortCreated:
		filter.Sort = store.SortCreated
	case store.SortName, store.SortExpiry, store.SortQuantity:
		filter.Sort = store.DrugSort(req.Sort)
	default:
		return nil, apperrors.BadRequest("sort must be one of: name, expiry, quantity, created")
	}

	drugs, err := s.store.ListDrugs(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := make([]*DrugView, len(drugs))
	for i, drug := range drugs {
		if err := s.attachLots(ctx, drug); err != nil {
			return nil, err
		}
		result[i] = s.view(drug)
	}
	return result, nil
}

// UpdateDrugRequest carries the catalog fields to change. Nil fields are kept.
// Quantities are not editable here; use Restock or Adjust.
type UpdateDrugRequest struct {
	Name         *string
	BatchNumber  *string
	Manufacturer *string
	BarcodeQR    *string
	CostPrice    *decimal.Decimal
	SellingPrice *decimal.Decimal
	ReorderLevel *int
	ExpiryDate   *time.Time
}

// UpdateDrug updates catalog fields
func (s *StockService) UpdateDrug(ctx context.Context, id string, req UpdateDrugRequest) (*DrugView, error) {
	var drug *domain.Drug
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockDrug(ctx, id)
		if err != nil {
			return err
		}

		if req.Name != nil {
			locked.Name = strings.TrimSpace(*req.Name)
		}
		if req.BatchNumber != nil {
			locked.BatchNumber = strings.TrimSpace(*req.BatchNumber)
		}
		if req.Manufacturer != nil {
			locked.Manufacturer = strings.TrimSpace(*req.Manufacturer)
		}
		if req.BarcodeQR != nil {
			locked.BarcodeQR = strings.TrimSpace(*req.BarcodeQR)
		}
		if req.CostPrice != nil {
			locked.CostPrice = *req.CostPrice
		}
		if req.SellingPrice != nil {
			locked.SellingPrice = *req.SellingPrice
		}
		if req.ReorderLevel != nil {
			locked.ReorderLevel = *req.ReorderLevel
		}
		if req.ExpiryDate != nil {
			exp := *req.ExpiryDate
			locked.ExpiryDate = &exp
		}
		if err := validateDrug(locked); err != nil {
			return err
		}

		locked.UpdatedAt = s.opts.Now()
		drug = locked
		return tx.UpdateDrug(ctx, locked)
	})
	if err != nil {
		return nil, err
	}

	if err := s.attachLots(ctx, drug); err != nil {
		return nil, err
	}
	return s.view(drug), nil
}

// DeleteDrug deletes a drug and its lots. Movements and sales are kept.
func (s *StockService) DeleteDrug(ctx context.Context, id string) error {
	err := s.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockDrug(ctx, id); err != nil {
			return err
		}
		return tx.DeleteDrug(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("drug_id", id).Msg("drug deleted")
	return nil
}

// ListLots lists a drug's lots, earliest expiry first
func (s *StockService) ListLots(ctx context.Context, drugID string) ([]*domain.Lot, error) {
	return s.store.ListLots(ctx, drugID)
}

// ListMovements lists ledger entries, most recent first. drugID may be empty.
// Entries of deleted drugs are still returned.
func (s *StockService) ListMovements(ctx context.Context, drugID string, limit int) ([]*domain.Movement, error) {
	return s.store.ListMovements(ctx, store.LedgerFilter{DrugID: drugID, Limit: s.limit(limit)})
}

// ListSales lists sales, most recent first. drugID may be empty.
func (s *StockService) ListSales(ctx context.Context, drugID string, limit int) ([]*domain.Sale, error) {
	return s.store.ListSales(ctx, store.LedgerFilter{DrugID: drugID, Limit: s.limit(limit)})
}

func (s *StockService) limit(requested int) int {
	switch {
	case requested <= 0:
		return s.opts.DefaultListLimit
	case requested > s.opts.MaxListLimit:
		return s.opts.MaxListLimit
	}
	return requested
}

func (s *StockService) attachLots(ctx context.Context, drug *domain.Drug) error {
	if !drug.TrackLots {
		return nil
	}
	lots, err := s.store.ListLots(ctx, drug.ID)
	if err != nil {
		return err
	}
	drug.Lots = lots
	return nil
}

func (s *StockService) view(drug *domain.Drug) *DrugView {
	v := &DrugView{
		Drug:          drug,
		Status:        drug.StockStatus(),
		NearestExpiry: drug.NearestExpiry(),
	}

	if v.NearestExpiry != nil {
		now := s.opts.Now()
		switch {
		case v.NearestExpiry.Before(now):
			v.ExpiryStatus = ExpiryStatusExpired
		case v.NearestExpiry.Before(now.AddDate(0, 0, s.opts.ExpiryWarningDays)):
			v.ExpiryStatus = ExpiryStatusSoon
		default:
			v.ExpiryStatus = ExpiryStatusOK
		}
	}
	return v
}

func validateDrug(d *domain.Drug) error {
	details := map[string]string{}
	if d.Name == "" {
		details["name"] = "is required"
	}
	if d.CostPrice.IsNegative() {
		details["cost_price"] = "must not be negative"
	}
	if d.SellingPrice.IsNegative() {
		details["selling_price"] = "must not be negative"
	}
	if d.ReorderLevel < 0 {
		details["reorder_level"] = "must not be negative"
	}
	if len(details) == 0 {
		return nil
	}

	appErr := apperrors.Validation(details)
	appErr.Err = domain.ErrInvalidDrug
	return appErr
}
