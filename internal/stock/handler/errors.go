package handler

import (
	"context"
	"errors"

	"github.com/medflow/pharmstock/internal/stock/domain"
	apperrors "github.com/medflow/pharmstock/pkg/errors"
)

// toAppError maps stock errors onto the HTTP error taxonomy. Errors that are
// already AppErrors pass through.
func toAppError(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var insufficient *domain.InsufficientStockError
	if errors.As(err, &insufficient) {
		e := apperrors.InsufficientStock(insufficient.Requested, insufficient.Available)
		e.Err = err
		if insufficient.LotID != "" {
			e.Details["lot_id"] = insufficient.LotID
		}
		return e
	}

	var invalid *domain.InvalidQuantityError
	if errors.As(err, &invalid) {
		e := apperrors.InvalidQuantity(invalid.Error())
		e.Err = err
		return e
	}

	switch {
	case errors.Is(err, domain.ErrDrugNotFound):
		return apperrors.NotFound("drug")
	case errors.Is(err, domain.ErrLotNotFound):
		return apperrors.NotFound("lot")
	case errors.Is(err, domain.ErrUnknownPolicy):
		return apperrors.BadRequest("policy must be FEFO or FIFO")
	case errors.Is(err, domain.ErrLotRequired):
		return apperrors.BadRequest("drug has no lots to adjust")
	case errors.Is(err, domain.ErrInvalidLot):
		e := apperrors.Validation(map[string]string{"lot": err.Error()})
		e.Err = err
		return e
	case errors.Is(err, domain.ErrInvalidQuantity):
		return apperrors.InvalidQuantity(err.Error())
	case errors.Is(err, domain.ErrStorage), errors.Is(err, context.DeadlineExceeded):
		return apperrors.StorageUnavailable()
	case errors.Is(err, context.Canceled):
		return apperrors.New("REQUEST_CANCELLED", "request cancelled", 499)
	}
	return err
}
