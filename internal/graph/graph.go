package graph

import "github.com/wegman-software/osmgraph-go/internal/element"

// Graph is the finalized, read-only output of a build pass. It is safe for
// concurrent readers.
type Graph struct {
	nodes     map[int64]*nodeRecord
	nodeOrder []int64
	ways      []element.Way
	relations []element.Relation
	warnings  []ConsistencyWarning
	stats     Stats
}

// NodeView is a node together with its adjacency set
type NodeView struct {
	element.Node
	// Adjacency is sorted by ascending node id. Callers must not modify it.
	Adjacency []int64
}

// Stats returns the build statistics
func (g *Graph) Stats() Stats {
	return g.stats
}

// NodeCount returns the number of nodes
func (g *Graph) NodeCount() int {
	return len(g.nodeOrder)
}

// Node looks up a node by id
func (g *Graph) Node(id int64) (NodeView, bool) {
	rec, ok := g.nodes[id]
	if !ok {
		return NodeView{}, false
	}
	return NodeView{Node: rec.node, Adjacency: rec.adjacency}, true
}

// Neighbors returns the adjacency set of a node, sorted by id
func (g *Graph) Neighbors(id int64) []int64 {
	if rec, ok := g.nodes[id]; ok {
		return rec.adjacency
	}
	return nil
}

// EachNode calls fn for every node in ascending id order until fn returns false
func (g *Graph) EachNode(fn func(NodeView) bool) {
	for _, id := range g.nodeOrder {
		rec := g.nodes[id]
		if !fn(NodeView{Node: rec.node, Adjacency: rec.adjacency}) {
			return
		}
	}
}

// Ways returns the ways in file order. Callers must not modify them.
func (g *Graph) Ways() []element.Way {
	return g.ways
}

// Relations returns the relations in file order. Callers must not modify them.
func (g *Graph) Relations() []element.Relation {
	return g.relations
}

// Warnings returns a bounded sample of consistency warnings
func (g *Graph) Warnings() []ConsistencyWarning {
	return g.warnings
}

// ItemCount is the number of records a loader will write
func (g *Graph) ItemCount() int {
	return len(g.nodeOrder) + len(g.ways) + len(g.relations)
}
