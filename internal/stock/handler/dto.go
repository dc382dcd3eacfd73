package handler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/medflow/pharmstock/internal/stock/domain"
	apperrors "github.com/medflow/pharmstock/pkg/errors"
	"github.com/shopspring/decimal"
)

// CreateDrugRequest is the body of POST /drugs
type CreateDrugRequest struct {
	Name         string          `json:"name" validate:"required,max=200"`
	BatchNumber  string          `json:"batch_number" validate:"max=100"`
	Manufacturer string          `json:"manufacturer" validate:"max=200"`
	BarcodeQR    string          `json:"barcode_qr" validate:"max=200"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	ReorderLevel *int            `json:"reorder_level" validate:"omitempty,gte=0"`
	TrackLots    bool            `json:"track_lots"`
	Quantity     json.Number     `json:"quantity"`
	ExpiryDate   string          `json:"expiry_date"`
}

// UpdateDrugRequest is the body of PUT /drugs/{id}. Omitted fields are kept.
type UpdateDrugRequest struct {
	Name         *string          `json:"name" validate:"omitempty,min=1,max=200"`
	BatchNumber  *string          `json:"batch_number" validate:"omitempty,max=100"`
	Manufacturer *string          `json:"manufacturer" validate:"omitempty,max=200"`
	BarcodeQR    *string          `json:"barcode_qr" validate:"omitempty,max=200"`
	CostPrice    *decimal.Decimal `json:"cost_price"`
	SellingPrice *decimal.Decimal `json:"selling_price"`
	ReorderLevel *int             `json:"reorder_level" validate:"omitempty,gte=0"`
	ExpiryDate   *string          `json:"expiry_date"`
}

// SellRequest is the body of POST /drugs/{id}/sell
type SellRequest struct {
	Quantity       json.Number `json:"quantity"`
	Policy         string      `json:"policy"`
	ExcludeExpired bool        `json:"exclude_expired"`
}

// RestockRequest is the body of POST /drugs/{id}/restock
type RestockRequest struct {
	Quantity    json.Number      `json:"quantity"`
	BatchNumber string           `json:"batch_number" validate:"max=100"`
	ExpiryDate  string           `json:"expiry_date"`
	CostPrice   *decimal.Decimal `json:"cost_price"`
	Reference   string           `json:"reference" validate:"max=200"`
}

// AdjustRequest is the body of POST /drugs/{id}/adjust
type AdjustRequest struct {
	Delta  json.Number `json:"delta"`
	LotID  string      `json:"lot_id"`
	Reason string      `json:"reason" validate:"max=500"`
}

// quantity parses a whole-number quantity. Fractions and non-numbers are
// invalid quantities, not malformed requests.
func quantity(field string, n json.Number) (int, error) {
	if n == "" {
		return 0, nil
	}
	v, err := n.Int64()
	if err != nil {
		return 0, apperrors.InvalidQuantity(field + " must be a whole number")
	}
	if v > domain.MaxQuantity || v < -domain.MaxQuantity {
		return 0, apperrors.InvalidQuantity(fmt.Sprintf("%s must be between %d and %d", field, -domain.MaxQuantity, domain.MaxQuantity))
	}
	return int(v), nil
}

// parseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates.
func parseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, apperrors.Validation(map[string]string{field: "must be a date (YYYY-MM-DD)"})
}

func optionalDate(field, s string) (*time.Time, error) {
	t, err := parseDate(field, s)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}
