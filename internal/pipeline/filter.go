package pipeline

import (
	"fmt"

	"github.com/wegman-software/osmgraph-go/internal/config"
	"github.com/wegman-software/osmgraph-go/internal/element"
	"github.com/wegman-software/osmgraph-go/internal/osmfile"
)

// filter applies the bounding box and the tag processor to entities before
// they reach the graph builder. A dropped node is unknown to the builder, so
// ways through it see an unresolved ref there.
type filter struct {
	bbox      *config.BBox
	processor TagProcessor

	nodes, ways, relations int64
}

// apply reports whether e is kept and rewrites its tags in place. A processor
// error is fatal for the run.
func (f *filter) apply(e *osmfile.Entity) (bool, error) {
	switch {
	case e.Node != nil:
		n := e.Node
		if !f.bbox.Contains(n.Lat, n.Lon) {
			f.nodes++
			return false, nil
		}
		tags, keep, err := f.processor.Process(element.KindNode, n.ID, n.Tags)
		if err != nil {
			return false, fmt.Errorf("tag processing: %w", err)
		}
		if !keep {
			f.nodes++
			return false, nil
		}
		n.Tags = tags
	case e.Way != nil:
		w := e.Way
		tags, keep, err := f.processor.Process(element.KindWay, w.ID, w.Tags)
		if err != nil {
			return false, fmt.Errorf("tag processing: %w", err)
		}
		if !keep {
			f.ways++
			return false, nil
		}
		w.Tags = tags
	case e.Relation != nil:
		r := e.Relation
		tags, keep, err := f.processor.Process(element.KindRelation, r.ID, r.Tags)
		if err != nil {
			return false, fmt.Errorf("tag processing: %w", err)
		}
		if !keep {
			f.relations++
			return false, nil
		}
		r.Tags = tags
	}
	return true, nil
}
