package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/wegman-software/osmgraph-go/internal/element"
	"github.com/wegman-software/osmgraph-go/internal/osmfile"
)

// maxWarningSamples bounds the warnings kept for the run summary
const maxWarningSamples = 100

// ErrFinalized is returned when the builder is used after Finalize
var ErrFinalized = errors.New("graph builder already finalized")

// ConsistencyWarning reports a way with node references that did not resolve
// to a known node. The refs are kept on the way, only their edges are omitted.
type ConsistencyWarning struct {
	WayID              int64
	UnresolvedRefCount int
}

func (w ConsistencyWarning) String() string {
	return fmt.Sprintf("way %d has %d unresolved node refs", w.WayID, w.UnresolvedRefCount)
}

// Stats holds graph building statistics
type Stats struct {
	Nodes              int64
	Ways               int64
	Relations          int64
	SegmentsSeen       int64 // consecutive resolved pairs, before dedup
	EdgesBuilt         int64 // distinct undirected edges
	SelfLoopsSkipped   int64
	UnresolvedRefs     int64
	DistinctUnresolved int64
	Warnings           int64
}

// nodeRecord is the arena entry of a node. adjacency is a sorted, duplicate-free
// slice of neighbour ids.
type nodeRecord struct {
	node      element.Node
	adjacency []int64
}

// Builder consumes the entity stream and builds the node arena and adjacency.
// It is owned by a single goroutine for the whole pass; nothing else may touch
// it until Finalize hands the result off.
type Builder struct {
	nodes      map[int64]*nodeRecord
	ways       []element.Way
	relations  []element.Relation
	unresolved *roaring64.Bitmap
	warnings   []ConsistencyWarning
	stats      Stats
	finalized  bool
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{
		nodes:      make(map[int64]*nodeRecord),
		unresolved: roaring64.New(),
	}
}

// Add dispatches one entity to the matching Add method. Parse errors are not
// the builder's concern and are ignored.
func (b *Builder) Add(e osmfile.Entity) (*ConsistencyWarning, error) {
	switch {
	case e.Node != nil:
		return nil, b.AddNode(*e.Node)
	case e.Way != nil:
		return b.AddWay(*e.Way)
	case e.Relation != nil:
		return nil, b.AddRelation(*e.Relation)
	}
	return nil, nil
}

// AddNode registers a node. A repeated id replaces coordinates and tags but
// keeps any adjacency collected so far.
func (b *Builder) AddNode(n element.Node) error {
	if b.finalized {
		return ErrFinalized
	}
	if rec, ok := b.nodes[n.ID]; ok {
		rec.node = n
		return nil
	}
	b.nodes[n.ID] = &nodeRecord{node: n}
	b.stats.Nodes++
	return nil
}

// AddWay records a way and adds an undirected edge for every consecutive pair
// of resolved, distinct node refs. A pair with an unresolved side produces no
// edge, so a gap is never bridged. Returns a warning when refs are unresolved.
func (b *Builder) AddWay(w element.Way) (*ConsistencyWarning, error) {
	if b.finalized {
		return nil, ErrFinalized
	}

	unresolved := 0
	var prev *nodeRecord
	for i, ref := range w.NodeRefs {
		rec, ok := b.nodes[ref]
		if !ok {
			unresolved++
			b.unresolved.Add(uint64(ref))
			prev = nil
			continue
		}
		if i > 0 && prev != nil {
			b.link(prev, rec)
		}
		prev = rec
	}

	b.ways = append(b.ways, w)
	b.stats.Ways++

	if unresolved == 0 {
		return nil, nil
	}
	b.stats.UnresolvedRefs += int64(unresolved)
	b.stats.Warnings++
	warning := ConsistencyWarning{WayID: w.ID, UnresolvedRefCount: unresolved}
	if len(b.warnings) < maxWarningSamples {
		b.warnings = append(b.warnings, warning)
	}
	return &warning, nil
}

// AddRelation records a relation verbatim
func (b *Builder) AddRelation(r element.Relation) error {
	if b.finalized {
		return ErrFinalized
	}
	b.relations = append(b.relations, r)
	b.stats.Relations++
	return nil
}

// Stats returns the statistics collected so far
func (b *Builder) Stats() Stats {
	s := b.stats
	s.DistinctUnresolved = int64(b.unresolved.GetCardinality())
	return s
}

// link inserts the undirected edge a-b into both adjacency sets
func (b *Builder) link(a, c *nodeRecord) {
	b.stats.SegmentsSeen++
	if a.node.ID == c.node.ID {
		b.stats.SelfLoopsSkipped++
		return
	}
	added := insertSorted(&a.adjacency, c.node.ID)
	insertSorted(&c.adjacency, a.node.ID)
	if added {
		b.stats.EdgesBuilt++
	}
}

// insertSorted adds id to a sorted set; returns false if it was already present
func insertSorted(set *[]int64, id int64) bool {
	s := *set
	i := sort.Search(len(s), func(i int) bool { return s[i] >= id })
	if i < len(s) && s[i] == id {
		return false
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = id
	*set = s
	return true
}

// Finalize ends the build pass and hands the graph off. The builder rejects
// further mutation afterwards.
func (b *Builder) Finalize() (*Graph, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	b.finalized = true

	ids := make([]int64, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	g := &Graph{
		nodes:     b.nodes,
		nodeOrder: ids,
		ways:      b.ways,
		relations: b.relations,
		warnings:  b.warnings,
		stats:     b.Stats(),
	}

	b.nodes = nil
	b.ways = nil
	b.relations = nil
	b.warnings = nil
	return g, nil
}
