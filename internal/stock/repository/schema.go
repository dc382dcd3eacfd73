package repository

import (
	"context"
	"fmt"

	"github.com/medflow/pharmstock/pkg/database"
)

// Migrations returns the stock service schema, one statement per entry.
// Every statement is idempotent.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS drugs (
			id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			batch_number VARCHAR(100) NOT NULL DEFAULT '',
			manufacturer VARCHAR(255) NOT NULL DEFAULT '',
			barcode_qr VARCHAR(255) NOT NULL DEFAULT '',
			quantity INT NOT NULL DEFAULT 0
				CONSTRAINT drugs_quantity_non_negative CHECK (quantity >= 0),
			cost_price NUMERIC(12,2) NOT NULL DEFAULT 0,
			selling_price NUMERIC(12,2) NOT NULL DEFAULT 0,
			reorder_level INT NOT NULL DEFAULT 10,
			track_lots BOOLEAN NOT NULL DEFAULT FALSE,
			expiry_date TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS drugs_barcode_qr_key ON drugs (barcode_qr) WHERE barcode_qr <> ''`,
		`CREATE INDEX IF NOT EXISTS drugs_name_idx ON drugs (name)`,

		`CREATE TABLE IF NOT EXISTS drug_lots (
			id UUID PRIMARY KEY,
			drug_id UUID NOT NULL REFERENCES drugs(id) ON DELETE CASCADE,
			batch_number VARCHAR(100) NOT NULL,
			quantity INT NOT NULL
				CONSTRAINT drug_lots_quantity_non_negative CHECK (quantity >= 0),
			expiry_date TIMESTAMPTZ NOT NULL,
			cost_price NUMERIC(12,2) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS drug_lots_drug_expiry_idx ON drug_lots (drug_id, expiry_date)`,

		// No foreign key: ledger rows outlive the drug they describe.
		`CREATE TABLE IF NOT EXISTS stock_movements (
			id UUID PRIMARY KEY,
			seq BIGSERIAL UNIQUE,
			drug_id UUID NOT NULL,
			drug_name VARCHAR(255) NOT NULL,
			batch_number VARCHAR(100) NOT NULL DEFAULT '',
			lot_id UUID,
			sale_id UUID,
			type VARCHAR(20) NOT NULL
				CONSTRAINT stock_movements_movement_type_valid CHECK (type IN ('IN', 'OUT', 'ADJUSTMENT', 'SALE')),
			quantity INT NOT NULL,
			previous_quantity INT NOT NULL,
			new_quantity INT NOT NULL,
			lot_previous_quantity INT,
			lot_new_quantity INT,
			reference TEXT NOT NULL DEFAULT '',
			performed_by VARCHAR(255) NOT NULL,
			performed_by_name VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS stock_movements_drug_seq_idx ON stock_movements (drug_id, seq DESC)`,

		`CREATE TABLE IF NOT EXISTS sales (
			id UUID PRIMARY KEY,
			drug_id UUID NOT NULL,
			drug_name VARCHAR(255) NOT NULL,
			batch_number VARCHAR(100) NOT NULL DEFAULT '',
			quantity_sold INT NOT NULL CHECK (quantity_sold > 0),
			unit_price NUMERIC(12,2) NOT NULL,
			total_amount NUMERIC(14,2) NOT NULL,
			policy VARCHAR(10) NOT NULL
				CONSTRAINT sales_policy_valid CHECK (policy IN ('FEFO', 'FIFO')),
			sold_by VARCHAR(255) NOT NULL,
			sold_by_name VARCHAR(255) NOT NULL DEFAULT '',
			sold_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS sales_drug_sold_at_idx ON sales (drug_id, sold_at DESC)`,

		`CREATE OR REPLACE FUNCTION stock_ledger_append_only()
		RETURNS TRIGGER AS $$
		BEGIN
			RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS stock_movements_append_only ON stock_movements`,
		`CREATE TRIGGER stock_movements_append_only
			BEFORE UPDATE OR DELETE ON stock_movements
			FOR EACH ROW EXECUTE FUNCTION stock_ledger_append_only()`,
		`DROP TRIGGER IF EXISTS sales_append_only ON sales`,
		`CREATE TRIGGER sales_append_only
			BEFORE UPDATE OR DELETE ON sales
			FOR EACH ROW EXECUTE FUNCTION stock_ledger_append_only()`,

		`CREATE TABLE IF NOT EXISTS principal_cache (
			user_id VARCHAR(255) PRIMARY KEY,
			first_name VARCHAR(255) NOT NULL DEFAULT '',
			last_name VARCHAR(255) NOT NULL DEFAULT '',
			email VARCHAR(255),
			role_name VARCHAR(100),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
}

// Migrate applies Migrations in order.
func Migrate(ctx context.Context, db *database.DB) error {
	for i, stmt := range Migrations() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
