package domain

import (
	"fmt"

	apperrors "github.com/medflow/pharmstock/pkg/errors"
)

// Sentinel errors. They wrap the pkg/errors taxonomy so callers can test either
// the specific cause or the category with errors.Is.
var (
	ErrDrugNotFound      = fmt.Errorf("drug %w", apperrors.ErrNotFound)
	ErrLotNotFound       = fmt.Errorf("lot %w", apperrors.ErrNotFound)
	ErrInvalidQuantity   = apperrors.ErrInvalidQuantity
	ErrInsufficientStock = apperrors.ErrInsufficientStock
	ErrStorage           = apperrors.ErrStorageUnavailable
	ErrUnknownPolicy     = fmt.Errorf("unknown depletion policy: %w", apperrors.ErrBadRequest)
	ErrInvalidDrug       = fmt.Errorf("invalid drug: %w", apperrors.ErrValidation)
	ErrInvalidLot        = fmt.Errorf("invalid lot: %w", apperrors.ErrValidation)
	ErrLotRequired       = fmt.Errorf("lot required: %w", apperrors.ErrBadRequest)
)

// InsufficientStockError carries the quantity that could have been served.
type InsufficientStockError struct {
	DrugID    string
	LotID     string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	if e.LotID != "" {
		return fmt.Sprintf("insufficient stock in lot %s: requested %d, available %d", e.LotID, e.Requested, e.Available)
	}
	return fmt.Sprintf("insufficient stock for drug %s: requested %d, available %d", e.DrugID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// InvalidQuantityError explains which quantity was rejected.
type InvalidQuantityError struct {
	Field string
	Value int
}

func (e *InvalidQuantityError) Error() string {
	if e.Value > MaxQuantity || e.Value < -MaxQuantity {
		return fmt.Sprintf("%s out of range, got %d (limit %d)", e.Field, e.Value, MaxQuantity)
	}
	return fmt.Sprintf("%s must be positive, got %d", e.Field, e.Value)
}

// CheckQuantity rejects quantities and deltas whose magnitude exceeds
// MaxQuantity.
func CheckQuantity(field string, v int) error {
	if v > MaxQuantity || v < -MaxQuantity {
		return &InvalidQuantityError{Field: field, Value: v}
	}
	return nil
}

func (e *InvalidQuantityError) Unwrap() error {
	return ErrInvalidQuantity
}
