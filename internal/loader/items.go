package loader

import (
	"iter"

	"github.com/wegman-software/osmgraph-go/internal/element"
	"github.com/wegman-software/osmgraph-go/internal/graph"
	"github.com/wegman-software/osmgraph-go/internal/spatial"
	"github.com/wegman-software/osmgraph-go/internal/store"
)

// NodeItem converts a node and its adjacency to a store item
func NodeItem(n graph.NodeView, bucketZoom int) store.Item {
	return store.Item{
		ID:        element.FeatureID(element.KindNode, n.ID),
		Kind:      element.KindNode,
		OsmID:     n.ID,
		Tags:      n.Tags,
		HasCoords: true,
		Lat:       n.Lat,
		Lon:       n.Lon,
		Bucket:    spatial.Bucket(n.Lat, n.Lon, bucketZoom),
		Adjacency: n.Adjacency,
	}
}

// WayItem converts a way to a store item. Node refs are kept as parsed.
func WayItem(w element.Way) store.Item {
	refs := w.NodeRefs
	if refs == nil {
		refs = []int64{}
	}
	return store.Item{
		ID:       element.FeatureID(element.KindWay, w.ID),
		Kind:     element.KindWay,
		OsmID:    w.ID,
		Tags:     w.Tags,
		NodeRefs: refs,
	}
}

// RelationItem converts a relation to a store item
func RelationItem(r element.Relation) store.Item {
	members := r.Members
	if members == nil {
		members = []element.Member{}
	}
	return store.Item{
		ID:      element.FeatureID(element.KindRelation, r.ID),
		Kind:    element.KindRelation,
		OsmID:   r.ID,
		Tags:    r.Tags,
		Members: members,
	}
}

// GraphItems yields every record of a finalized graph: nodes by ascending id,
// then ways and relations in file order.
func GraphItems(g *graph.Graph, bucketZoom int) iter.Seq[store.Item] {
	return func(yield func(store.Item) bool) {
		stopped := false
		g.EachNode(func(n graph.NodeView) bool {
			if !yield(NodeItem(n, bucketZoom)) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
		for _, w := range g.Ways() {
			if !yield(WayItem(w)) {
				return
			}
		}
		for _, r := range g.Relations() {
			if !yield(RelationItem(r)) {
				return
			}
		}
	}
}
