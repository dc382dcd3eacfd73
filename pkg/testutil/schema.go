package testutil

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/medflow/pharmstock/pkg/database"
	"github.com/medflow/pharmstock/pkg/logger"
)

var unsafeSchemaChars = regexp.MustCompile(`[^a-z0-9_]+`)

// TestSchema is an isolated schema created for one test
type TestSchema struct {
	Name string
	// DB is bound to the schema through search_path on every connection.
	DB *database.DB
}

// SchemaManager creates and drops per-test schemas in a shared database
type SchemaManager struct {
	admin   *sqlx.DB
	dsn     string
	log     *logger.Logger
	schemas []*TestSchema
	mu      sync.Mutex
}

// NewSchemaManager creates a schema manager. admin is used for DDL, dsn to
// open schema-bound pools.
func NewSchemaManager(admin *sqlx.DB, dsn string, log *logger.Logger) *SchemaManager {
	return &SchemaManager{
		admin: admin,
		dsn:   dsn,
		log:   log,
	}
}

// CreateSchema creates a fresh schema, applies migrations inside it and
// returns a pool whose connections default to it.
//
// Usage:
//
//	sm := testutil.NewSchemaManager(db, container.DSN, log)
//	schema, err := sm.CreateSchema(ctx, "double sell", repository.Migrations())
//	st := repository.NewStore(schema.DB)
func (sm *SchemaManager) CreateSchema(ctx context.Context, name string, migrations []string) (*TestSchema, error) {
	schemaName := "test_" + unsafeSchemaChars.ReplaceAllString(strings.ToLower(name), "_")

	if _, err := sm.admin.ExecContext(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName)); err != nil {
		return nil, fmt.Errorf("failed to reset schema: %w", err)
	}
	if _, err := sm.admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName)); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	dsn, err := withSearchPath(sm.dsn, schemaName)
	if err != nil {
		return nil, err
	}
	db, err := database.NewWithDSN(dsn, sm.log)
	if err != nil {
		return nil, err
	}

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply migration: %w", err)
		}
	}

	s := &TestSchema{Name: schemaName, DB: db}

	sm.mu.Lock()
	sm.schemas = append(sm.schemas, s)
	sm.mu.Unlock()

	return s, nil
}

// DropSchema closes the schema's pool and removes the schema
func (sm *SchemaManager) DropSchema(ctx context.Context, s *TestSchema) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s.DB.Close()

	if _, err := sm.admin.ExecContext(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", s.Name)); err != nil {
		return fmt.Errorf("failed to drop schema: %w", err)
	}

	for i, tracked := range sm.schemas {
		if tracked == s {
			sm.schemas = append(sm.schemas[:i], sm.schemas[i+1:]...)
			break
		}
	}
	return nil
}

// Cleanup drops every schema still tracked by this manager
func (sm *SchemaManager) Cleanup(ctx context.Context) error {
	sm.mu.Lock()
	remaining := append([]*TestSchema(nil), sm.schemas...)
	sm.mu.Unlock()

	for _, s := range remaining {
		if err := sm.DropSchema(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// withSearchPath adds a search_path run-time parameter to a postgres URL.
func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid test DSN: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
