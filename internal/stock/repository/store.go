package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/medflow/pharmstock/internal/stock/store"
	"github.com/medflow/pharmstock/pkg/database"
)

// nearestExpirySQL is the earliest expiry among lots with stock, or the
// drug-level expiry for flat-mode drugs.
const nearestExpirySQL = `CASE WHEN d.track_lots
	THEN (SELECT MIN(l.expiry_date) FROM drug_lots l WHERE l.drug_id = d.id AND l.quantity > 0)
	ELSE d.expiry_date END`

// Store is the PostgreSQL implementation of store.Store. Drug locks are row
// locks taken with SELECT ... FOR UPDATE inside the unit of work.
type Store struct {
	db *database.DB
}

// NewStore creates a new PostgreSQL store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

var _ store.Store = (*Store)(nil)

// Atomic runs fn inside a database transaction.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.db.Transaction(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return fn(ctx, &Tx{tx: tx})
	})
}

// GetDrug gets a drug by ID
func (s *Store) GetDrug(ctx context.Context, id string) (*domain.Drug, error) {
	var drug domain.Drug
	query := `SELECT * FROM drugs WHERE id = $1`
	if err := s.db.GetContext(ctx, &drug, query, id); err != nil {
		return nil, notFound(err, domain.ErrDrugNotFound)
	}
	return &drug, nil
}

// ListDrugs lists drugs matching the filter
func (s *Store) ListDrugs(ctx context.Context, f store.DrugFilter) ([]*domain.Drug, error) {
	query, args := buildDrugQuery(f)

	var drugs []*domain.Drug
	if err := s.db.SelectContext(ctx, &drugs, query, args...); err != nil {
		return nil, database.MapError(err)
	}
	return drugs, nil
}

func buildDrugQuery(f store.DrugFilter) (string, []interface{}) {
	query := `SELECT d.* FROM drugs d WHERE 1 = 1`
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Search != "" {
		p := arg("%" + f.Search + "%")
		query += fmt.Sprintf(` AND (d.name ILIKE %s OR d.manufacturer ILIKE %s OR d.batch_number ILIKE %s)`, p, p, p)
	}
	if f.Manufacturer != "" {
		query += ` AND d.manufacturer ILIKE ` + arg("%"+f.Manufacturer+"%")
	}
	if f.BatchNumber != "" {
		query += ` AND d.batch_number ILIKE ` + arg("%"+f.BatchNumber+"%")
	}
	if f.LowStock {
		query += ` AND d.quantity <= d.reorder_level`
	}
	if f.ExpiringBefore != nil {
		query += fmt.Sprintf(` AND (%s) < %s`, nearestExpirySQL, arg(*f.ExpiringBefore))
	}
	if f.ExpiringAfter != nil {
		query += fmt.Sprintf(` AND (%s) >= %s`, nearestExpirySQL, arg(*f.ExpiringAfter))
	}

	switch f.Sort {
	case store.SortName:
		query += ` ORDER BY d.name, d.id`
	case store.SortQuantity:
		query += ` ORDER BY d.quantity, d.id`
	case store.SortExpiry:
		query += fmt.Sprintf(` ORDER BY (%s) ASC NULLS LAST, d.id`, nearestExpirySQL)
	default:
		query += ` ORDER BY d.created_at DESC, d.id`
	}

	return query, args
}

// ListLots lists the lots of a drug, earliest expiry first
func (s *Store) ListLots(ctx context.Context, drugID string) ([]*domain.Lot, error) {
	if _, err := s.GetDrug(ctx, drugID); err != nil {
		return nil, err
	}

	var lots []*domain.Lot
	query := `SELECT * FROM drug_lots WHERE drug_id = $1 ORDER BY expiry_date, created_at, id`
	if err := s.db.SelectContext(ctx, &lots, query, drugID); err != nil {
		return nil, database.MapError(err)
	}
	return lots, nil
}

// ListLotsExpiringBefore lists lots holding stock that expire before t
func (s *Store) ListLotsExpiringBefore(ctx context.Context, t time.Time) ([]*domain.Lot, error) {
	var lots []*domain.Lot
	query := `
		SELECT * FROM drug_lots
		WHERE quantity > 0 AND expiry_date < $1
		ORDER BY expiry_date, created_at, id
	`
	if err := s.db.SelectContext(ctx, &lots, query, t); err != nil {
		return nil, database.MapError(err)
	}
	return lots, nil
}

// ListMovements lists ledger entries, most recent first
func (s *Store) ListMovements(ctx context.Context, f store.LedgerFilter) ([]*domain.Movement, error) {
	query, args := ledgerQuery(`SELECT * FROM stock_movements`, `seq DESC`, f)

	var movements []*domain.Movement
	if err := s.db.SelectContext(ctx, &movements, query, args...); err != nil {
		if isInvalidUUID(err) {
			return nil, nil
		}
		return nil, database.MapError(err)
	}
	return movements, nil
}

// ListSales lists sales, most recent first
func (s *Store) ListSales(ctx context.Context, f store.LedgerFilter) ([]*domain.Sale, error) {
	query, args := ledgerQuery(`SELECT * FROM sales`, `sold_at DESC, id`, f)

	var sales []*domain.Sale
	if err := s.db.SelectContext(ctx, &sales, query, args...); err != nil {
		if isInvalidUUID(err) {
			return nil, nil
		}
		return nil, database.MapError(err)
	}
	return sales, nil
}

func ledgerQuery(base, order string, f store.LedgerFilter) (string, []interface{}) {
	query := base
	args := []interface{}{}
	if f.DrugID != "" {
		args = append(args, f.DrugID)
		query += ` WHERE drug_id = $1`
	}
	query += ` ORDER BY ` + order
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return query, args
}

// QuantitySoldSince sums units sold at or after since
func (s *Store) QuantitySoldSince(ctx context.Context, drugID string, since time.Time) (int, error) {
	var total int
	query := `SELECT COALESCE(SUM(quantity_sold), 0) FROM sales WHERE drug_id = $1 AND sold_at >= $2`
	if err := s.db.GetContext(ctx, &total, query, drugID, since); err != nil {
		return 0, database.MapError(err)
	}
	return total, nil
}

// Tx is the write side of a PostgreSQL unit of work.
type Tx struct {
	tx *sqlx.Tx
}

var _ store.Tx = (*Tx)(nil)

// LockDrug loads the drug row and holds its lock until commit or rollback
func (t *Tx) LockDrug(ctx context.Context, id string) (*domain.Drug, error) {
	var drug domain.Drug
	query := `SELECT * FROM drugs WHERE id = $1 FOR UPDATE`
	if err := t.tx.GetContext(ctx, &drug, query, id); err != nil {
		return nil, notFound(err, domain.ErrDrugNotFound)
	}
	return &drug, nil
}

// ListLots lists the drug's lots as seen by this transaction
func (t *Tx) ListLots(ctx context.Context, drugID string) ([]*domain.Lot, error) {
	var lots []*domain.Lot
	query := `SELECT * FROM drug_lots WHERE drug_id = $1 ORDER BY expiry_date, created_at, id FOR UPDATE`
	if err := t.tx.SelectContext(ctx, &lots, query, drugID); err != nil {
		return nil, database.MapError(err)
	}
	return lots, nil
}

// InsertDrug creates a drug row
func (t *Tx) InsertDrug(ctx context.Context, drug *domain.Drug) error {
	query := `
		INSERT INTO drugs (
			id, name, batch_number, manufacturer, barcode_qr, quantity,
			cost_price, selling_price, reorder_level, track_lots, expiry_date,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := t.tx.ExecContext(ctx, query,
		drug.ID, drug.Name, drug.BatchNumber, drug.Manufacturer, drug.BarcodeQR, drug.Quantity,
		drug.CostPrice, drug.SellingPrice, drug.ReorderLevel, drug.TrackLots, drug.ExpiryDate,
		drug.CreatedAt, drug.UpdatedAt,
	)
	return database.MapError(err)
}

// UpdateDrug writes catalog fields. Quantity and lot mode are left alone.
func (t *Tx) UpdateDrug(ctx context.Context, drug *domain.Drug) error {
	query := `
		UPDATE drugs SET
			name = $2, batch_number = $3, manufacturer = $4, barcode_qr = $5,
			cost_price = $6, selling_price = $7, reorder_level = $8, expiry_date = $9,
			updated_at = $10
		WHERE id = $1
	`

	result, err := t.tx.ExecContext(ctx, query,
		drug.ID, drug.Name, drug.BatchNumber, drug.Manufacturer, drug.BarcodeQR,
		drug.CostPrice, drug.SellingPrice, drug.ReorderLevel, drug.ExpiryDate,
		drug.UpdatedAt,
	)
	return affectedOne(result, err, domain.ErrDrugNotFound)
}

// DeleteDrug deletes a drug. Lots cascade; ledger rows stay.
func (t *Tx) DeleteDrug(ctx context.Context, id string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM drugs WHERE id = $1`, id)
	return affectedOne(result, err, domain.ErrDrugNotFound)
}

// SetDrugQuantity writes the aggregate quantity
func (t *Tx) SetDrugQuantity(ctx context.Context, drugID string, quantity int) error {
	query := `UPDATE drugs SET quantity = $2, updated_at = NOW() WHERE id = $1`
	result, err := t.tx.ExecContext(ctx, query, drugID, quantity)
	return affectedOne(result, err, domain.ErrDrugNotFound)
}

// InsertLot creates a lot row
func (t *Tx) InsertLot(ctx context.Context, lot *domain.Lot) error {
	query := `
		INSERT INTO drug_lots (id, drug_id, batch_number, quantity, expiry_date, cost_price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := t.tx.ExecContext(ctx, query,
		lot.ID, lot.DrugID, lot.BatchNumber, lot.Quantity, lot.ExpiryDate, lot.CostPrice, lot.CreatedAt,
	)
	return database.MapError(err)
}

// SetLotQuantity writes a lot's quantity
func (t *Tx) SetLotQuantity(ctx context.Context, lotID string, quantity int) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE drug_lots SET quantity = $2 WHERE id = $1`, lotID, quantity)
	return affectedOne(result, err, domain.ErrLotNotFound)
}

// AppendMovement inserts a ledger entry and records its sequence number
func (t *Tx) AppendMovement(ctx context.Context, m *domain.Movement) error {
	query := `
		INSERT INTO stock_movements (
			id, drug_id, drug_name, batch_number, lot_id, sale_id, type, quantity,
			previous_quantity, new_quantity, lot_previous_quantity, lot_new_quantity,
			reference, performed_by, performed_by_name, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING seq
	`

	err := t.tx.QueryRowxContext(ctx, query,
		m.ID, m.DrugID, m.DrugName, m.BatchNumber, m.LotID, m.SaleID, m.Type, m.Quantity,
		m.PreviousQuantity, m.NewQuantity, m.LotPreviousQuantity, m.LotNewQuantity,
		m.Reference, m.PerformedBy, m.PerformedByName, m.CreatedAt,
	).Scan(&m.Seq)
	return database.MapError(err)
}

// InsertSale records a sale
func (t *Tx) InsertSale(ctx context.Context, s *domain.Sale) error {
	query := `
		INSERT INTO sales (
			id, drug_id, drug_name, batch_number, quantity_sold, unit_price,
			total_amount, policy, sold_by, sold_by_name, sold_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := t.tx.ExecContext(ctx, query,
		s.ID, s.DrugID, s.DrugName, s.BatchNumber, s.QuantitySold, s.UnitPrice,
		s.TotalAmount, s.Policy, s.SoldBy, s.SoldByName, s.SoldAt,
	)
	return database.MapError(err)
}

func affectedOne(result sql.Result, err error, missing error) error {
	if err != nil {
		return database.MapError(err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return missing
	}
	return nil
}

// notFound maps a missing row, or an id that is not a valid UUID, to missing.
func notFound(err error, missing error) error {
	if errors.Is(err, sql.ErrNoRows) || isInvalidUUID(err) {
		return missing
	}
	return database.MapError(err)
}

func isInvalidUUID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}
