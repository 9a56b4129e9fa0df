// Package postgres stores graph items in a PostgreSQL table
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wegman-software/osmgraph-go/internal/logger"
	"github.com/wegman-software/osmgraph-go/internal/schema"
	"github.com/wegman-software/osmgraph-go/internal/store"
)

// DefaultBatchSize is the number of upserts sent in one pgx batch
const DefaultBatchSize = 500

// Options configures the PostgreSQL store
type Options struct {
	ConnString string
	Schema     string
	MaxConns   int32
	BatchSize  int
}

// Store is a PostgreSQL backed store client
type Store struct {
	pool *pgxpool.Pool
	opts Options
}

// column is a fixed item column
type column struct {
	name    string
	sqlType string
}

// Item columns in insert order
var columns = []column{
	{store.AttrID, "TEXT NOT NULL"},
	{store.AttrType, "TEXT NOT NULL"},
	{store.AttrOsmID, "BIGINT NOT NULL"},
	{store.AttrTags, "JSONB"},
	{store.AttrLatitude, "NUMERIC(10,7)"},
	{store.AttrLongitude, "NUMERIC(10,7)"},
	{store.AttrBucket, "TEXT"},
	{store.AttrAdjacency, "BIGINT[]"},
	{store.AttrNodeRefs, "BIGINT[]"},
	{store.AttrMembers, "JSONB"},
}

// New connects to PostgreSQL and verifies the connection
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	poolConfig, err := pgxpool.ParseConfig(opts.ConnString)
	if err != nil {
		return nil, store.Classify(store.ErrFatal, fmt.Errorf("failed to parse connection string: %w", err))
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, store.Classify(store.ErrFatal, fmt.Errorf("failed to connect to PostgreSQL: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, store.Classify(store.ErrFatal, fmt.Errorf("failed to reach PostgreSQL: %w", err))
	}

	if opts.Schema != "public" {
		if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quote(opts.Schema))); err != nil {
			pool.Close()
			return nil, classify(fmt.Errorf("failed to create schema: %w", err))
		}
	}

	return &Store{pool: pool, opts: opts}, nil
}

// Close closes all database connections
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ListTables implements schema.Catalog
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = $1 ORDER BY table_name`,
		s.opts.Schema)
	if err != nil {
		return nil, classify(err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err)
	}
	return names, nil
}

// CreateTable implements schema.Catalog. The table and its indexes are
// created in one transaction.
func (s *Store) CreateTable(ctx context.Context, t schema.TableSchema) error {
	log := logger.Get()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range createStatements(s.opts.Schema, t) {
		log.Debug("Executing DDL", zap.String("sql", stmt))
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit(ctx))
}

// createStatements renders the DDL for a table schema. Key attributes that are
// not item columns get an extra column of the declared type.
func createStatements(dbSchema string, t schema.TableSchema) []string {
	table := qualified(dbSchema, t.Name)

	defs := make([]string, 0, len(columns)+2)
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		defs = append(defs, quote(c.name)+" "+c.sqlType)
		known[c.name] = true
	}
	for _, attr := range t.Attributes() {
		if known[attr.Attribute] {
			continue
		}
		sqlType := "TEXT"
		if attr.Type == schema.AttrNumber {
			sqlType = "NUMERIC"
		}
		defs = append(defs, quote(attr.Attribute)+" "+sqlType)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quote(t.Key.Attribute)))

	stmts := []string{fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", table, strings.Join(defs, ",\n\t"))}

	for _, ix := range t.Indexes {
		cols := []string{quote(ix.HashKey().Attribute)}
		if rk, ok := ix.RangeKey(); ok {
			cols = append(cols, quote(rk.Attribute))
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			quote(strings.ToLower(t.Name+"_"+ix.Name)), table, strings.Join(cols, ", ")))
	}
	return stmts
}

// DeleteTable implements schema.Catalog
func (s *Store) DeleteTable(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf("DROP TABLE %s CASCADE", qualified(s.opts.Schema, name)))
	return classify(err)
}

// BatchCapacity implements store.Writer
func (s *Store) BatchCapacity() int {
	return s.opts.BatchSize
}

// PutItem implements store.Writer
func (s *Store) PutItem(ctx context.Context, table string, item store.Item) error {
	args, err := itemArgs(item)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, upsertSQL(s.opts.Schema, table), args...)
	return classify(err)
}

// PutItems implements store.BatchWriter. The batch runs as one implicit
// transaction, so a failing item rejects the whole batch.
func (s *Store) PutItems(ctx context.Context, table string, items []store.Item) ([]store.Item, error) {
	query := upsertSQL(s.opts.Schema, table)
	batch := &pgx.Batch{}
	for _, item := range items {
		args, err := itemArgs(item)
		if err != nil {
			return nil, err
		}
		batch.Queue(query, args...)
	}

	results := s.pool.SendBatch(ctx, batch)
	for range items {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return nil, classify(err)
		}
	}
	return nil, classify(results.Close())
}

func upsertSQL(dbSchema, table string) string {
	names := make([]string, len(columns))
	params := make([]string, len(columns))
	var updates []string
	for i, c := range columns {
		names[i] = quote(c.name)
		params[i] = fmt.Sprintf("$%d", i+1)
		if c.name == store.AttrLatitude || c.name == store.AttrLongitude {
			params[i] += "::numeric"
		}
		if c.name != store.AttrID {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", names[i], names[i]))
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		qualified(dbSchema, table),
		strings.Join(names, ", "),
		strings.Join(params, ", "),
		quote(store.AttrID),
		strings.Join(updates, ", "))
}

// itemArgs returns the insert arguments in column order. Coordinates are sent
// as decimal text and cast server side so they stay exact.
func itemArgs(item store.Item) ([]interface{}, error) {
	var tagsJSON, membersJSON []byte
	var err error
	if len(item.Tags) > 0 {
		if tagsJSON, err = json.Marshal(item.Tags); err != nil {
			return nil, fmt.Errorf("failed to marshal tags of %s: %w", item.ID, err)
		}
	}
	if item.Members != nil {
		if membersJSON, err = json.Marshal(item.Members); err != nil {
			return nil, fmt.Errorf("failed to marshal members of %s: %w", item.ID, err)
		}
	}

	var lat, lon, bucket interface{}
	if item.HasCoords {
		lat, lon = item.Lat.String(), item.Lon.String()
		if item.Bucket != "" {
			bucket = item.Bucket
		}
	}

	var adjacency, nodeRefs interface{}
	if item.Adjacency != nil {
		adjacency = item.Adjacency
	}
	if item.NodeRefs != nil {
		nodeRefs = item.NodeRefs
	}

	return []interface{}{
		item.ID,
		string(item.Kind),
		item.OsmID,
		nullJSON(tagsJSON),
		lat,
		lon,
		bucket,
		adjacency,
		nodeRefs,
		nullJSON(membersJSON),
	}, nil
}

func nullJSON(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

func quote(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

func qualified(dbSchema, table string) string {
	return pgx.Identifier{dbSchema, table}.Sanitize()
}

// classify maps PostgreSQL errors onto the store error classes by SQLSTATE
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case code == "42P07":
			return store.Classify(store.ErrAlreadyExists, err)
		case code == "42P01":
			return store.Classify(store.ErrNotFound, err)
		case code == "40001", code == "40P01", code == "57P01", code == "57P03":
			return store.Classify(store.ErrTransient, err)
		case strings.HasPrefix(code, "53"), strings.HasPrefix(code, "08"):
			return store.Classify(store.ErrTransient, err)
		case strings.HasPrefix(code, "28"), code == "3D000", code == "42501":
			return store.Classify(store.ErrFatal, err)
		}
		return err
	}

	if pgconn.Timeout(err) {
		return store.Classify(store.ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return store.Classify(store.ErrTransient, err)
	}
	return err
}
