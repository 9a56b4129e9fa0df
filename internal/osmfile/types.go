package osmfile

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/wegman-software/osmgraph-go/internal/element"
)

// Entity is one event of the entity stream. Exactly one of Node, Way, Relation
// or Err is set.
type Entity struct {
	Kind     element.Kind
	Node     *element.Node
	Way      *element.Way
	Relation *element.Relation
	Err      *ParseError
}

// ParseError reports a single malformed record. The record is skipped and
// parsing continues with the next one.
type ParseError struct {
	EntityType element.Kind
	RawID      string
	Cause      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s %q: %v", e.EntityType, e.RawID, e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Source produces the entity stream of a map file.
//
// Entities are delivered in file order on the first channel. A failure of the
// stream itself (I/O, broken framing) is delivered on the error channel and
// ends the stream; it is fatal for the run. Both channels are closed when the
// stream ends.
type Source interface {
	Entities(ctx context.Context) (<-chan Entity, <-chan error)
	Stats() Stats
	Close() error
}

// Stats holds parsing statistics
type Stats struct {
	Nodes       int64
	Ways        int64
	Relations   int64
	ParseErrors int64
	BytesTotal  int64
}

type counters struct {
	nodes       atomic.Int64
	ways        atomic.Int64
	relations   atomic.Int64
	parseErrors atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Nodes:       c.nodes.Load(),
		Ways:        c.ways.Load(),
		Relations:   c.relations.Load(),
		ParseErrors: c.parseErrors.Load(),
	}
}

// emit sends an entity downstream and updates the counters
func (c *counters) emit(ctx context.Context, out chan<- Entity, e Entity) error {
	select {
	case out <- e:
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.Err != nil {
		c.parseErrors.Add(1)
		return nil
	}
	switch e.Kind {
	case element.KindNode:
		c.nodes.Add(1)
	case element.KindWay:
		c.ways.Add(1)
	case element.KindRelation:
		c.relations.Add(1)
	}
	return nil
}
