package schema_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/wegman-software/osmgraph-go/internal/schema"
	"github.com/wegman-software/osmgraph-go/internal/store"
	"github.com/wegman-software/osmgraph-go/internal/store/memory"
)

func TestValidate(t *testing.T) {
	hash := func(attr string, typ schema.AttrType) schema.KeyElement {
		return schema.KeyElement{Attribute: attr, Type: typ, KeyType: schema.KeyHash}
	}
	rng := func(attr string, typ schema.AttrType) schema.KeyElement {
		return schema.KeyElement{Attribute: attr, Type: typ, KeyType: schema.KeyRange}
	}
	withIndex := func(keys ...schema.KeyElement) schema.TableSchema {
		ts := schema.Default("osm")
		ts.Indexes = []schema.IndexSchema{{Name: "CoordinateIndex", Keys: keys}}
		return ts
	}

	tests := []struct {
		name    string
		table   schema.TableSchema
		wantErr bool
	}{
		{name: "default", table: schema.Default("osm")},
		{name: "no indexes", table: schema.TableSchema{Name: "osm", Key: hash("id", schema.AttrString)}},
		{name: "hash only index", table: withIndex(hash("bucket", schema.AttrString))},
		{name: "two range keys no hash", table: withIndex(rng("longitude", schema.AttrNumber), rng("latitude", schema.AttrNumber)), wantErr: true},
		{name: "hash and two range keys", table: withIndex(hash("bucket", schema.AttrString), rng("longitude", schema.AttrNumber), rng("latitude", schema.AttrNumber)), wantErr: true},
		{name: "two hash keys", table: withIndex(hash("bucket", schema.AttrString), hash("longitude", schema.AttrNumber)), wantErr: true},
		{name: "duplicate attribute", table: withIndex(hash("bucket", schema.AttrString), rng("bucket", schema.AttrString)), wantErr: true},
		{name: "unknown attr type", table: withIndex(hash("bucket", "B")), wantErr: true},
		{name: "unknown key type", table: withIndex(schema.KeyElement{Attribute: "bucket", Type: schema.AttrString, KeyType: "SORT"}), wantErr: true},
		{name: "conflicting attribute types", table: withIndex(hash("id", schema.AttrNumber)), wantErr: true},
		{name: "missing table name", table: schema.Default(""), wantErr: true},
		{name: "range primary key", table: schema.TableSchema{Name: "osm", Key: rng("id", schema.AttrString)}, wantErr: true},
		{
			name: "duplicate index name",
			table: schema.TableSchema{Name: "osm", Key: hash("id", schema.AttrString), Indexes: []schema.IndexSchema{
				{Name: "a", Keys: []schema.KeyElement{hash("bucket", schema.AttrString)}},
				{Name: "a", Keys: []schema.KeyElement{hash("other", schema.AttrString)}},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.table.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var se *schema.SchemaError
				if !errors.As(err, &se) || se.Op != "validate" {
					t.Errorf("expected validate SchemaError, got %T %v", err, err)
				}
			}
		})
	}
}

func TestDefaultIndexKeys(t *testing.T) {
	ts := schema.Default("osm")
	ix := ts.Indexes[0]
	if ix.Name != schema.CoordinateIndex {
		t.Errorf("index name = %q", ix.Name)
	}
	if h := ix.HashKey(); h.Attribute != store.AttrBucket || h.Type != schema.AttrString {
		t.Errorf("hash key = %+v", h)
	}
	r, ok := ix.RangeKey()
	if !ok || r.Attribute != store.AttrLongitude || r.Type != schema.AttrNumber {
		t.Errorf("range key = %+v, %v", r, ok)
	}
	if attrs := ts.Attributes(); len(attrs) != 3 {
		t.Errorf("expected 3 attributes, got %v", attrs)
	}
}

func TestEnsureRejectsInvalidSchemaBeforeStoreCall(t *testing.T) {
	mem := memory.New()
	ts := schema.Default("osm")
	ts.Indexes[0].Keys = []schema.KeyElement{
		{Attribute: "longitude", Type: schema.AttrNumber, KeyType: schema.KeyRange},
		{Attribute: "latitude", Type: schema.AttrNumber, KeyType: schema.KeyRange},
	}

	_, err := schema.NewManager(mem, ts).Ensure(context.Background())
	if err == nil {
		t.Fatal("expected validation error")
	}
	if calls := mem.Calls(); calls != (memory.Calls{}) {
		t.Errorf("store was called: %+v", calls)
	}
	if err := schema.NewManager(mem, ts).Reset(context.Background()); err == nil {
		t.Fatal("expected validation error from Reset")
	}
	if calls := mem.Calls(); calls != (memory.Calls{}) {
		t.Errorf("store was called by Reset: %+v", calls)
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	mem := memory.New()
	m := schema.NewManager(mem, schema.Default("osm"))

	created, err := m.Ensure(context.Background())
	if err != nil || !created {
		t.Fatalf("first Ensure: created=%v err=%v", created, err)
	}
	created, err = m.Ensure(context.Background())
	if err != nil || created {
		t.Fatalf("second Ensure: created=%v err=%v", created, err)
	}

	calls := mem.Calls()
	if calls.CreateTable != 1 || calls.ListTables != 2 || calls.DeleteTable != 0 {
		t.Errorf("unexpected calls %+v", calls)
	}
}

func TestEnsureKeepsExistingData(t *testing.T) {
	mem := memory.New()
	m := schema.NewManager(mem, schema.Default("osm"))
	m.Ensure(context.Background())
	mem.PutItem(context.Background(), "osm", store.Item{ID: "node/1"})

	if _, err := m.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mem.Len("osm") != 1 {
		t.Error("Ensure must not drop existing items")
	}
}

func TestEnsureTreatsAlreadyExistsAsSuccess(t *testing.T) {
	mem := memory.New()
	mem.FailCreate = func(name string) error {
		return store.Classify(store.ErrAlreadyExists, fmt.Errorf("ResourceInUseException"))
	}

	created, err := schema.NewManager(mem, schema.Default("osm")).Ensure(context.Background())
	if err != nil {
		t.Fatalf("already exists should be success, got %v", err)
	}
	if created {
		t.Error("created should be false when another writer won")
	}
}

func TestEnsureFatalFailures(t *testing.T) {
	boom := errors.New("access denied")

	tests := []struct {
		name   string
		setup  func(*memory.Store)
		wantOp string
	}{
		{name: "list fails", setup: func(m *memory.Store) { m.FailList = func() error { return boom } }, wantOp: "list"},
		{name: "create fails", setup: func(m *memory.Store) { m.FailCreate = func(string) error { return boom } }, wantOp: "create"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.New()
			tt.setup(mem)
			_, err := schema.NewManager(mem, schema.Default("osm")).Ensure(context.Background())

			var se *schema.SchemaError
			if !errors.As(err, &se) {
				t.Fatalf("expected SchemaError, got %v", err)
			}
			if se.Op != tt.wantOp || !errors.Is(err, boom) {
				t.Errorf("got op %q err %v", se.Op, err)
			}
		})
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	m := schema.NewManager(mem, schema.Default("osm"))

	// missing table is tolerated
	if err := m.Reset(ctx); err != nil {
		t.Fatalf("Reset on empty store: %v", err)
	}

	mem.PutItem(ctx, "osm", store.Item{ID: "node/1"})
	if err := m.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if mem.Len("osm") != 0 {
		t.Error("Reset should drop existing items")
	}
	if calls := mem.Calls(); calls.DeleteTable != 2 || calls.CreateTable != 2 {
		t.Errorf("unexpected calls %+v", calls)
	}
}
