package schema

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/wegman-software/osmgraph-go/internal/logger"
	"github.com/wegman-software/osmgraph-go/internal/store"
)

// Catalog is the table administration side of a store client
type Catalog interface {
	ListTables(ctx context.Context) ([]string, error)
	CreateTable(ctx context.Context, t TableSchema) error
	DeleteTable(ctx context.Context, name string) error
}

// Manager makes sure the target table exists before anything is written
type Manager struct {
	catalog Catalog
	table   TableSchema
}

// NewManager creates a schema manager for one table
func NewManager(catalog Catalog, table TableSchema) *Manager {
	return &Manager{catalog: catalog, table: table}
}

// Ensure creates the table if it is missing. An existing table is left alone.
// Returns true when this call created the table.
func (m *Manager) Ensure(ctx context.Context) (bool, error) {
	log := logger.Get()

	if err := m.table.Validate(); err != nil {
		return false, err
	}

	tables, err := m.catalog.ListTables(ctx)
	if err != nil {
		return false, &SchemaError{Table: m.table.Name, Op: "list", Err: err}
	}
	for _, name := range tables {
		if name == m.table.Name {
			log.Debug("Table already exists", zap.String("table", m.table.Name))
			return false, nil
		}
	}

	return m.create(ctx)
}

// Reset drops the table, if present, and creates it again. All items are lost.
func (m *Manager) Reset(ctx context.Context) error {
	log := logger.Get()

	if err := m.table.Validate(); err != nil {
		return err
	}

	log.Warn("Dropping table", zap.String("table", m.table.Name))
	if err := m.catalog.DeleteTable(ctx, m.table.Name); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return &SchemaError{Table: m.table.Name, Op: "delete", Err: err}
		}
		log.Debug("Table did not exist", zap.String("table", m.table.Name))
	}

	_, err := m.create(ctx)
	return err
}

func (m *Manager) create(ctx context.Context) (bool, error) {
	log := logger.Get()

	err := m.catalog.CreateTable(ctx, m.table)
	switch {
	case err == nil:
		log.Info("Table created",
			zap.String("table", m.table.Name),
			zap.Int("indexes", len(m.table.Indexes)))
		return true, nil
	case errors.Is(err, store.ErrAlreadyExists):
		// another writer created it between list and create
		log.Info("Table created concurrently", zap.String("table", m.table.Name))
		return false, nil
	default:
		return false, &SchemaError{Table: m.table.Name, Op: "create", Err: err}
	}
}
