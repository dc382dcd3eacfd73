package database

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/medflow/pharmstock/pkg/errors"
)

// MapError classifies a driver error. Connection loss, server shutdown,
// resource exhaustion and deadlines become ErrStorageUnavailable so callers can
// retry. Constraint violations map onto the domain taxonomy. Anything else is
// returned as is.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err)
	}

	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return err
	}

	if IsTransient(pqErr) {
		return fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err)
	}
	if appErr := MapPQError(pqErr); appErr != nil {
		return appErr
	}
	return err
}

// IsTransient reports whether the server error is worth retrying.
func IsTransient(pqErr *pq.Error) bool {
	code := string(pqErr.Code)
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return true
	case strings.HasPrefix(code, "53"): // insufficient resources
		return true
	case code == "57P01", code == "57P02", code == "57P03": // shutdown
		return true
	case code == "40001", code == "40P01": // serialization failure, deadlock
		return true
	case code == "57014": // query_canceled (statement timeout)
		return true
	}
	return false
}

// MapPQError converts a constraint violation to an AppError.
// Returns nil if the error is not one.
func MapPQError(pqErr *pq.Error) *errors.AppError {
	switch pqErr.Code {
	// Check constraint violation (23514)
	case "23514":
		return mapCheckConstraint(pqErr)

	// Unique constraint violation (23505)
	case "23505":
		return errors.Conflict(formatConstraintMessage(pqErr))

	// Numeric value out of range (22003)
	case "22003":
		return errors.InvalidQuantity("quantity out of range")

	// Foreign key violation (23503)
	case "23503":
		return errors.NotFound("referenced record")

	// Not null violation (23502)
	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return nil
	}
}

func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "quantity_non_negative"):
		appErr := errors.InsufficientStock(0, 0)
		appErr.Message = "stock quantity cannot go below zero"
		appErr.Details = nil
		return appErr

	case strings.Contains(constraint, "movement_type_valid"):
		return errors.Validation(map[string]string{
			"type": "must be one of: IN, OUT, ADJUSTMENT, SALE",
		})

	case strings.Contains(constraint, "policy_valid"):
		return errors.Validation(map[string]string{
			"policy": "must be one of: FEFO, FIFO",
		})

	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

func formatConstraintMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "barcode"):
		return "a drug with this barcode already exists"
	default:
		return "a record with these values already exists"
	}
}
