// Package memory is an in-process store backend for dry runs and tests
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wegman-software/osmgraph-go/internal/schema"
	"github.com/wegman-software/osmgraph-go/internal/store"
)

// DefaultBatchCapacity matches the DynamoDB batch limit
const DefaultBatchCapacity = 25

// FaultFunc lets tests fail a write. attempt counts writes of the same item id,
// starting at 1. It is called with the store lock held.
type FaultFunc func(item store.Item, attempt int) error

// Calls counts store calls by operation
type Calls struct {
	ListTables  int
	CreateTable int
	DeleteTable int
	PutItem     int
	PutItems    int
}

// Store keeps tables in memory
type Store struct {
	mu       sync.Mutex
	tables   map[string]schema.TableSchema
	items    map[string]map[string]store.Item
	attempts map[string]int
	capacity int
	calls    Calls

	// Optional fault injection
	FailList   func() error
	FailCreate func(name string) error
	FailPut    FaultFunc
}

// New creates an empty store
func New() *Store {
	return &Store{
		tables:   make(map[string]schema.TableSchema),
		items:    make(map[string]map[string]store.Item),
		attempts: make(map[string]int),
		capacity: DefaultBatchCapacity,
	}
}

// SetBatchCapacity changes the batch size the store advertises
func (s *Store) SetBatchCapacity(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = n
}

// BatchCapacity implements store.Writer
func (s *Store) BatchCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// ListTables implements schema.Catalog
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.ListTables++

	if s.FailList != nil {
		if err := s.FailList(); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CreateTable implements schema.Catalog
func (s *Store) CreateTable(ctx context.Context, t schema.TableSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.CreateTable++

	if s.FailCreate != nil {
		if err := s.FailCreate(t.Name); err != nil {
			return err
		}
	}
	if _, ok := s.tables[t.Name]; ok {
		return store.Classify(store.ErrAlreadyExists, fmt.Errorf("table %s", t.Name))
	}
	s.tables[t.Name] = t
	s.items[t.Name] = make(map[string]store.Item)
	return nil
}

// DeleteTable implements schema.Catalog
func (s *Store) DeleteTable(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.DeleteTable++

	if _, ok := s.tables[name]; !ok {
		return store.Classify(store.ErrNotFound, fmt.Errorf("table %s", name))
	}
	delete(s.tables, name)
	delete(s.items, name)
	return nil
}

// PutItem implements store.Writer
func (s *Store) PutItem(ctx context.Context, table string, item store.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.PutItem++

	items, ok := s.items[table]
	if !ok {
		return store.Classify(store.ErrNotFound, fmt.Errorf("table %s", table))
	}
	if err := s.fault(item); err != nil {
		return err
	}
	items[item.ID] = item
	return nil
}

// PutItems implements store.BatchWriter. Transient item faults are returned as
// unprocessed; any other fault rejects the whole batch.
func (s *Store) PutItems(ctx context.Context, table string, batch []store.Item) ([]store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.PutItems++

	items, ok := s.items[table]
	if !ok {
		return nil, store.Classify(store.ErrNotFound, fmt.Errorf("table %s", table))
	}
	if len(batch) > s.capacity {
		return nil, fmt.Errorf("batch of %d items exceeds capacity %d", len(batch), s.capacity)
	}

	var accepted, unprocessed []store.Item
	for _, item := range batch {
		if err := s.fault(item); err != nil {
			if store.IsTransient(err) {
				unprocessed = append(unprocessed, item)
				continue
			}
			return nil, err
		}
		accepted = append(accepted, item)
	}
	for _, item := range accepted {
		items[item.ID] = item
	}
	return unprocessed, nil
}

func (s *Store) fault(item store.Item) error {
	s.attempts[item.ID]++
	if s.FailPut == nil {
		return nil
	}
	return s.FailPut(item, s.attempts[item.ID])
}

// Close implements io.Closer
func (s *Store) Close() error {
	return nil
}

// Calls returns the call counters
func (s *Store) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Attempts returns how many writes were tried for an item id
func (s *Store) Attempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

// Item looks up a stored item
func (s *Store) Item(table, id string) (store.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[table][id]
	return item, ok
}

// Len returns the number of items in a table
func (s *Store) Len(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items[table])
}

// IDs returns the stored item ids of a table in sorted order
func (s *Store) IDs(table string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.items[table]))
	for id := range s.items[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
