package testutil

import (
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/shopspring/decimal"
)

// FixtureFactory creates test fixtures with sensible defaults
type FixtureFactory struct {
	mu       sync.Mutex
	sequence int
	// Now is the base time for created_at values. Each fixture is one
	// second younger than the previous so receipt order is deterministic.
	Now time.Time
}

// NewFixtureFactory creates a new fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{
		Now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

// nextSeq returns the next sequence number for unique values
func (f *FixtureFactory) nextSeq() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequence++
	return f.sequence
}

func (f *FixtureFactory) stamp(seq int) time.Time {
	return f.Now.Add(time.Duration(seq) * time.Second)
}

// Drug creates a flat-mode drug fixture with defaults
func (f *FixtureFactory) Drug(opts ...func(*domain.Drug)) *domain.Drug {
	seq := f.nextSeq()
	created := f.stamp(seq)

	drug := &domain.Drug{
		ID:           uuid.New().String(),
		Name:         fmt.Sprintf("Test Drug %d", seq),
		BatchNumber:  fmt.Sprintf("BATCH-%04d", seq),
		Manufacturer: "Test Pharma",
		Quantity:     100,
		CostPrice:    decimal.RequireFromString("2.50"),
		SellingPrice: decimal.RequireFromString("4.00"),
		ReorderLevel: domain.DefaultReorderLevel,
		CreatedAt:    created,
		UpdatedAt:    created,
	}

	for _, opt := range opts {
		opt(drug)
	}

	return drug
}

// LotTrackedDrug creates a lot-mode drug fixture. Its quantity starts at
// zero; add lots and set Quantity to their sum.
func (f *FixtureFactory) LotTrackedDrug(opts ...func(*domain.Drug)) *domain.Drug {
	return f.Drug(append([]func(*domain.Drug){func(d *domain.Drug) {
		d.TrackLots = true
		d.Quantity = 0
	}}, opts...)...)
}

// WithDrugName sets the drug name
func WithDrugName(name string) func(*domain.Drug) {
	return func(d *domain.Drug) {
		d.Name = name
	}
}

// WithQuantity sets the drug quantity
func WithQuantity(qty int) func(*domain.Drug) {
	return func(d *domain.Drug) {
		d.Quantity = qty
	}
}

// WithSellingPrice sets the selling price
func WithSellingPrice(price string) func(*domain.Drug) {
	return func(d *domain.Drug) {
		d.SellingPrice = decimal.RequireFromString(price)
	}
}

// WithReorderLevel sets the reorder level
func WithReorderLevel(level int) func(*domain.Drug) {
	return func(d *domain.Drug) {
		d.ReorderLevel = level
	}
}

// WithDrugExpiry sets the flat-mode expiry date
func WithDrugExpiry(t time.Time) func(*domain.Drug) {
	return func(d *domain.Drug) {
		d.ExpiryDate = &t
	}
}

// Lot creates a lot fixture for a drug
func (f *FixtureFactory) Lot(drugID string, qty int, expiry time.Time, opts ...func(*domain.Lot)) *domain.Lot {
	seq := f.nextSeq()

	lot := &domain.Lot{
		ID:          uuid.New().String(),
		DrugID:      drugID,
		BatchNumber: fmt.Sprintf("LOT-%04d", seq),
		Quantity:    qty,
		ExpiryDate:  expiry,
		CostPrice:   decimal.RequireFromString("2.00"),
		CreatedAt:   f.stamp(seq),
	}

	for _, opt := range opts {
		opt(lot)
	}

	return lot
}

// WithBatch sets the lot batch number
func WithBatch(batch string) func(*domain.Lot) {
	return func(l *domain.Lot) {
		l.BatchNumber = batch
	}
}

// WithLotCost sets the lot cost price
func WithLotCost(price string) func(*domain.Lot) {
	return func(l *domain.Lot) {
		l.CostPrice = decimal.RequireFromString(price)
	}
}

// DrugColumns are the columns of the drugs table, in table order
var DrugColumns = []string{
	"id", "name", "batch_number", "manufacturer", "barcode_qr", "quantity",
	"cost_price", "selling_price", "reorder_level", "track_lots", "expiry_date",
	"created_at", "updated_at",
}

// DrugRow returns the drug as a sqlmock row in DrugColumns order
func DrugRow(d *domain.Drug) []driver.Value {
	var expiry driver.Value
	if d.ExpiryDate != nil {
		expiry = *d.ExpiryDate
	}
	return []driver.Value{
		d.ID, d.Name, d.BatchNumber, d.Manufacturer, d.BarcodeQR, d.Quantity,
		d.CostPrice.String(), d.SellingPrice.String(), d.ReorderLevel, d.TrackLots, expiry,
		d.CreatedAt, d.UpdatedAt,
	}
}

// LotColumns are the columns of the drug_lots table, in table order
var LotColumns = []string{
	"id", "drug_id", "batch_number", "quantity", "expiry_date", "cost_price", "created_at",
}

// LotRow returns the lot as a sqlmock row in LotColumns order
func LotRow(l *domain.Lot) []driver.Value {
	return []driver.Value{
		l.ID, l.DrugID, l.BatchNumber, l.Quantity, l.ExpiryDate, l.CostPrice.String(), l.CreatedAt,
	}
}
