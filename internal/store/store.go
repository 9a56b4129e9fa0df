package store

import (
	"context"
	"errors"

	"github.com/wegman-software/osmgraph-go/internal/element"
)

// Attribute names shared by every backend
const (
	AttrID        = "id"
	AttrType      = "type"
	AttrOsmID     = "osm_id"
	AttrBucket    = "bucket"
	AttrLongitude = "longitude"
	AttrLatitude  = "latitude"
	AttrTags      = "tags"
	AttrAdjacency = "adjacency"
	AttrNodeRefs  = "node_refs"
	AttrMembers   = "members"
)

// Error classes. Backends wrap the underlying error with one of these so the
// loader and schema manager can decide with errors.Is. Anything unclassified
// is treated as permanent.
var (
	ErrTransient     = errors.New("transient store error")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrNotFound      = errors.New("resource not found")
	ErrFatal         = errors.New("fatal store error")
)

// Item is one record written to the store, keyed by ID
type Item struct {
	ID    string // feature id, e.g. "node/42"
	Kind  element.Kind
	OsmID int64
	Tags  element.Tags

	// Node only
	HasCoords bool
	Lat       element.Coord
	Lon       element.Coord
	Bucket    string
	Adjacency []int64

	// Way only
	NodeRefs []int64

	// Relation only
	Members []element.Member
}

// Writer puts items into a table. PutItem is an upsert by Item.ID.
type Writer interface {
	PutItem(ctx context.Context, table string, item Item) error
	// BatchCapacity is the largest number of items a single batch call accepts.
	// 1 means the backend has no batch call.
	BatchCapacity() int
}

// BatchWriter is implemented by backends with a native batch write. It returns
// the items the store did not process; those are retried as transient.
type BatchWriter interface {
	PutItems(ctx context.Context, table string, items []Item) ([]Item, error)
}

// Classify wraps err with class so errors.Is matches both the class and the
// original error. A nil err stays nil.
func Classify(class, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: class, err: err}
}

type classifiedError struct {
	class error
	err   error
}

func (e *classifiedError) Error() string {
	return e.class.Error() + ": " + e.err.Error()
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.class, e.err}
}

// IsTransient reports whether err may succeed on retry
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
