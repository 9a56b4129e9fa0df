package schema

import (
	"fmt"

	"github.com/wegman-software/osmgraph-go/internal/store"
)

// AttrType is the scalar type of a key attribute
type AttrType string

const (
	AttrString AttrType = "S"
	AttrNumber AttrType = "N"
)

// KeyType is the role of an attribute in a key
type KeyType string

const (
	KeyHash  KeyType = "HASH"
	KeyRange KeyType = "RANGE"
)

// CoordinateIndex is the name of the spatial secondary index
const CoordinateIndex = "CoordinateIndex"

// KeyElement is one attribute of a key
type KeyElement struct {
	Attribute string
	Type      AttrType
	KeyType   KeyType
}

// IndexSchema describes a secondary index: one partition (HASH) key and at most
// one sort (RANGE) key.
type IndexSchema struct {
	Name string
	Keys []KeyElement
}

// TableSchema describes the target table
type TableSchema struct {
	Name    string
	Key     KeyElement
	Indexes []IndexSchema
}

// Default returns the table layout used for graph items: items keyed by feature
// id, plus a spatial index partitioned by tile bucket and sorted by longitude.
func Default(table string) TableSchema {
	return TableSchema{
		Name: table,
		Key:  KeyElement{Attribute: store.AttrID, Type: AttrString, KeyType: KeyHash},
		Indexes: []IndexSchema{{
			Name: CoordinateIndex,
			Keys: []KeyElement{
				{Attribute: store.AttrBucket, Type: AttrString, KeyType: KeyHash},
				{Attribute: store.AttrLongitude, Type: AttrNumber, KeyType: KeyRange},
			},
		}},
	}
}

// HashKey returns the partition key of an index
func (ix IndexSchema) HashKey() KeyElement {
	for _, k := range ix.Keys {
		if k.KeyType == KeyHash {
			return k
		}
	}
	return KeyElement{}
}

// RangeKey returns the sort key of an index, if it has one
func (ix IndexSchema) RangeKey() (KeyElement, bool) {
	for _, k := range ix.Keys {
		if k.KeyType == KeyRange {
			return k, true
		}
	}
	return KeyElement{}, false
}

// Attributes returns every attribute declared by the table key and its indexes,
// each once, in declaration order.
func (t TableSchema) Attributes() []KeyElement {
	seen := make(map[string]bool)
	var attrs []KeyElement
	add := func(k KeyElement) {
		if !seen[k.Attribute] {
			seen[k.Attribute] = true
			attrs = append(attrs, k)
		}
	}
	add(t.Key)
	for _, ix := range t.Indexes {
		for _, k := range ix.Keys {
			add(k)
		}
	}
	return attrs
}

// Validate checks the schema without touching the store
func (t TableSchema) Validate() error {
	if t.Name == "" {
		return t.invalid("table name is required")
	}
	if err := validKey(t.Key); err != nil {
		return t.invalid("primary key: %v", err)
	}
	if t.Key.KeyType != KeyHash {
		return t.invalid("primary key %q must be a HASH key", t.Key.Attribute)
	}

	// an attribute must have the same type everywhere it appears
	types := map[string]AttrType{t.Key.Attribute: t.Key.Type}
	names := make(map[string]bool)

	for _, ix := range t.Indexes {
		if ix.Name == "" {
			return t.invalid("index name is required")
		}
		if names[ix.Name] {
			return t.invalid("duplicate index %q", ix.Name)
		}
		names[ix.Name] = true

		var hash, rng int
		attrs := make(map[string]bool)
		for _, k := range ix.Keys {
			if err := validKey(k); err != nil {
				return t.invalid("index %s: %v", ix.Name, err)
			}
			if attrs[k.Attribute] {
				return t.invalid("index %s: attribute %q used twice", ix.Name, k.Attribute)
			}
			attrs[k.Attribute] = true
			if prev, ok := types[k.Attribute]; ok && prev != k.Type {
				return t.invalid("index %s: attribute %q declared as %s and %s", ix.Name, k.Attribute, prev, k.Type)
			}
			types[k.Attribute] = k.Type

			switch k.KeyType {
			case KeyHash:
				hash++
			case KeyRange:
				rng++
			}
		}

		if hash != 1 {
			return t.invalid("index %s: needs exactly one HASH key, has %d", ix.Name, hash)
		}
		if rng > 1 {
			return t.invalid("index %s: at most one RANGE key allowed, has %d", ix.Name, rng)
		}
	}
	return nil
}

func (t TableSchema) invalid(format string, args ...interface{}) error {
	return &SchemaError{Table: t.Name, Op: "validate", Err: fmt.Errorf(format, args...)}
}

func validKey(k KeyElement) error {
	if k.Attribute == "" {
		return fmt.Errorf("attribute name is required")
	}
	switch k.Type {
	case AttrString, AttrNumber:
	default:
		return fmt.Errorf("attribute %q has unknown type %q", k.Attribute, k.Type)
	}
	switch k.KeyType {
	case KeyHash, KeyRange:
	default:
		return fmt.Errorf("attribute %q has unknown key type %q", k.Attribute, k.KeyType)
	}
	return nil
}

// SchemaError is a fatal failure to validate or materialize the table
type SchemaError struct {
	Table string
	Op    string // validate, list, create, delete
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %s failed for table %q: %v", e.Op, e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}
