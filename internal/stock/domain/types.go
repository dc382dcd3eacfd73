// Package domain holds the stock ledger entities shared by the allocation
// engine, the stores and the coordinator.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultReorderLevel applies when a drug is created without one.
const DefaultReorderLevel = 10

// MaxQuantity bounds every stored quantity, matching the INTEGER columns.
const MaxQuantity = math.MaxInt32

// Policy selects the lot depletion order for a sale.
type Policy string

const (
	// PolicyFEFO consumes the earliest-expiring lot first.
	PolicyFEFO Policy = "FEFO"
	// PolicyFIFO consumes the oldest received lot first.
	PolicyFIFO Policy = "FIFO"
)

// ParsePolicy accepts FEFO or FIFO in any case.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToUpper(strings.TrimSpace(s))) {
	case PolicyFEFO:
		return PolicyFEFO, nil
	case PolicyFIFO:
		return PolicyFIFO, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// MovementType is the closed set of ledger entry kinds.
type MovementType string

const (
	MovementIn         MovementType = "IN"
	MovementOut        MovementType = "OUT"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementSale       MovementType = "SALE"
)

// Drug is the aggregate catalog entry. In lot mode (TrackLots) Quantity is
// always the sum of its lot quantities; otherwise it is the only quantity store.
type Drug struct {
	ID           string          `db:"id" json:"id"`
	Name         string          `db:"name" json:"name"`
	BatchNumber  string          `db:"batch_number" json:"batch_number"`
	Manufacturer string          `db:"manufacturer" json:"manufacturer"`
	BarcodeQR    string          `db:"barcode_qr" json:"barcode_qr"`
	Quantity     int             `db:"quantity" json:"quantity"`
	CostPrice    decimal.Decimal `db:"cost_price" json:"cost_price"`
	SellingPrice decimal.Decimal `db:"selling_price" json:"selling_price"`
	ReorderLevel int             `db:"reorder_level" json:"reorder_level"`
	TrackLots    bool            `db:"track_lots" json:"track_lots"`
	// ExpiryDate is the drug-level expiry used in flat mode.
	ExpiryDate *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`

	Lots []*Lot `db:"-" json:"lots,omitempty"`
}

// IsLowStock reports whether the drug is at or below its reorder level.
func (d *Drug) IsLowStock() bool {
	return d.Quantity <= d.ReorderLevel
}

// StockStatus is a coarse label for listings.
func (d *Drug) StockStatus() string {
	switch {
	case d.Quantity == 0:
		return "out_of_stock"
	case d.IsLowStock():
		return "low_stock"
	default:
		return "in_stock"
	}
}

// NearestExpiry returns the earliest expiry among lots still holding stock,
// or the drug-level expiry in flat mode.
func (d *Drug) NearestExpiry() *time.Time {
	if !d.TrackLots {
		return d.ExpiryDate
	}
	var nearest *time.Time
	for _, l := range d.Lots {
		if l.Quantity == 0 {
			continue
		}
		if nearest == nil || l.ExpiryDate.Before(*nearest) {
			exp := l.ExpiryDate
			nearest = &exp
		}
	}
	return nearest
}

// Clone returns a deep copy, lots included.
func (d *Drug) Clone() *Drug {
	c := *d
	if d.ExpiryDate != nil {
		exp := *d.ExpiryDate
		c.ExpiryDate = &exp
	}
	if d.Lots != nil {
		c.Lots = make([]*Lot, len(d.Lots))
		for i, l := range d.Lots {
			c.Lots[i] = l.Clone()
		}
	}
	return &c
}

// Lot is a dated batch owned by exactly one drug.
type Lot struct {
	ID          string          `db:"id" json:"id"`
	DrugID      string          `db:"drug_id" json:"drug_id"`
	BatchNumber string          `db:"batch_number" json:"batch_number"`
	Quantity    int             `db:"quantity" json:"quantity"`
	ExpiryDate  time.Time       `db:"expiry_date" json:"expiry_date"`
	CostPrice   decimal.Decimal `db:"cost_price" json:"cost_price"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// IsExpired reports whether the lot expired strictly before asOf.
func (l *Lot) IsExpired(asOf time.Time) bool {
	return l.ExpiryDate.Before(asOf)
}

// Clone returns a copy of the lot.
func (l *Lot) Clone() *Lot {
	c := *l
	return &c
}

// Movement is one immutable ledger entry. PreviousQuantity and NewQuantity
// are drug-aggregate quantities; the Lot* fields track the touched lot.
type Movement struct {
	ID                  string       `db:"id" json:"id"`
	Seq                 int64        `db:"seq" json:"seq"`
	DrugID              string       `db:"drug_id" json:"drug_id"`
	DrugName            string       `db:"drug_name" json:"drug_name"`
	BatchNumber         string       `db:"batch_number" json:"batch_number"`
	LotID               *string      `db:"lot_id" json:"lot_id,omitempty"`
	SaleID              *string      `db:"sale_id" json:"sale_id,omitempty"`
	Type                MovementType `db:"type" json:"type"`
	Quantity            int          `db:"quantity" json:"quantity"`
	PreviousQuantity    int          `db:"previous_quantity" json:"previous_quantity"`
	NewQuantity         int          `db:"new_quantity" json:"new_quantity"`
	LotPreviousQuantity *int         `db:"lot_previous_quantity" json:"lot_previous_quantity,omitempty"`
	LotNewQuantity      *int         `db:"lot_new_quantity" json:"lot_new_quantity,omitempty"`
	Reference           string       `db:"reference" json:"reference"`
	PerformedBy         string       `db:"performed_by" json:"performed_by"`
	PerformedByName     string       `db:"performed_by_name" json:"performed_by_name"`
	CreatedAt           time.Time    `db:"created_at" json:"created_at"`
}

// Balanced reports whether NewQuantity = PreviousQuantity + Quantity.
func (m *Movement) Balanced() bool {
	return m.NewQuantity == m.PreviousQuantity+m.Quantity
}

// Sale is an immutable sale fact. TotalAmount is fixed at sale time.
type Sale struct {
	ID           string          `db:"id" json:"id"`
	DrugID       string          `db:"drug_id" json:"drug_id"`
	DrugName     string          `db:"drug_name" json:"drug_name"`
	BatchNumber  string          `db:"batch_number" json:"batch_number"`
	QuantitySold int             `db:"quantity_sold" json:"quantity_sold"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalAmount  decimal.Decimal `db:"total_amount" json:"total_amount"`
	Policy       Policy          `db:"policy" json:"policy"`
	SoldBy       string          `db:"sold_by" json:"sold_by"`
	SoldByName   string          `db:"sold_by_name" json:"sold_by_name"`
	SoldAt       time.Time       `db:"sold_at" json:"sold_at"`
}

// Deduction takes Quantity units from one lot. LotID is empty for the
// pseudo-lot of a flat-mode drug.
type Deduction struct {
	LotID       string `json:"lot_id,omitempty"`
	BatchNumber string `json:"batch_number"`
	Quantity    int    `json:"quantity"`
}

// Plan is an ordered deduction sequence whose quantities sum to Requested.
type Plan struct {
	DrugID     string      `json:"drug_id"`
	Policy     Policy      `json:"policy"`
	Requested  int         `json:"requested"`
	Deductions []Deduction `json:"deductions"`
}

// Total sums the planned deductions.
func (p *Plan) Total() int {
	total := 0
	for _, d := range p.Deductions {
		total += d.Quantity
	}
	return total
}
