package parquet

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v14/arrow"
	"go.uber.org/zap"

	"github.com/wegman-software/osmgraph-go/internal/graph"
	"github.com/wegman-software/osmgraph-go/internal/logger"
	"github.com/wegman-software/osmgraph-go/internal/spatial"
	"github.com/wegman-software/osmgraph-go/internal/wkb"
)

// Output file names inside the export directory
const (
	NodesFile           = "nodes.parquet"
	EdgesFile           = "edges.parquet"
	WaysFile            = "ways.parquet"
	RelationsFile       = "relations.parquet"
	RelationMembersFile = "relation_members.parquet"
)

var (
	idList = arrow.ListOf(arrow.PrimitiveTypes.Int64)

	nodeSchema = arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "latitude", Type: CoordType},
		{Name: "longitude", Type: CoordType},
		{Name: "bucket", Type: arrow.BinaryTypes.String},
		{Name: "tags", Type: arrow.BinaryTypes.String},
		{Name: "adjacency", Type: idList},
		{Name: "geom", Type: arrow.BinaryTypes.Binary}, // EWKB point, SRID 4326
	}, nil)

	// one row per undirected edge, a < b
	edgeSchema = arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int64},
		{Name: "b", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	waySchema = arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "tags", Type: arrow.BinaryTypes.String},
		{Name: "node_refs", Type: idList},
		// EWKB linestring; null unless every ref resolved to a node
		{Name: "geom", Type: arrow.BinaryTypes.Binary, Nullable: true},
	}, nil)

	relationSchema = arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "tags", Type: arrow.BinaryTypes.String},
	}, nil)

	memberSchema = arrow.NewSchema([]arrow.Field{
		{Name: "relation_id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "seq", Type: arrow.PrimitiveTypes.Int32},
		{Name: "type", Type: arrow.BinaryTypes.String},
		{Name: "ref", Type: arrow.PrimitiveTypes.Int64},
		{Name: "role", Type: arrow.BinaryTypes.String},
	}, nil)
)

// Options configures an export
type Options struct {
	BatchSize  int // rows per record batch
	BucketZoom int // used as given; 0 puts every node in bucket 0/0/0
}

// ExportStats holds the number of rows written per file
type ExportStats struct {
	Nodes           int64
	Edges           int64
	Ways            int64
	Relations       int64
	RelationMembers int64
}

// ExportGraph writes a built graph to Parquet files in dir
func ExportGraph(g *graph.Graph, dir string, opts Options) (ExportStats, error) {
	log := logger.Get()
	if opts.BatchSize < 1 {
		opts.BatchSize = 100_000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ExportStats{}, fmt.Errorf("failed to create export directory: %w", err)
	}

	var stats ExportStats
	var err error
	if stats.Nodes, stats.Edges, err = exportNodes(g, dir, opts); err != nil {
		return stats, err
	}
	if stats.Ways, err = exportWays(g, dir, opts); err != nil {
		return stats, err
	}
	if stats.Relations, stats.RelationMembers, err = exportRelations(g, dir, opts); err != nil {
		return stats, err
	}

	log.Info("Parquet export complete",
		zap.String("dir", dir),
		zap.Int64("nodes", stats.Nodes),
		zap.Int64("edges", stats.Edges),
		zap.Int64("ways", stats.Ways),
		zap.Int64("relations", stats.Relations),
	)
	return stats, nil
}

func exportNodes(g *graph.Graph, dir string, opts Options) (nodes, edges int64, err error) {
	nw, err := newTableWriter(filepath.Join(dir, NodesFile), nodeSchema, opts.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	ew, err := newTableWriter(filepath.Join(dir, EdgesFile), edgeSchema, opts.BatchSize)
	if err != nil {
		nw.Close()
		return 0, 0, err
	}

	enc := wkb.NewEncoder(32)
	g.EachNode(func(n graph.NodeView) bool {
		nw.int64At(0).Append(n.ID)
		nw.appendCoord(1, n.Lat)
		nw.appendCoord(2, n.Lon)
		nw.stringAt(3).Append(spatial.Bucket(n.Lat, n.Lon, opts.BucketZoom))
		nw.stringAt(4).Append(TagsToJSON(n.Tags))
		nw.appendIDs(5, n.Adjacency)
		nw.binaryAt(6).Append(enc.EncodePoint(wkb.Point{Lon: n.Lon, Lat: n.Lat}))
		if err = nw.rowDone(); err != nil {
			return false
		}

		for _, other := range n.Adjacency {
			if other <= n.ID {
				continue
			}
			ew.int64At(0).Append(n.ID)
			ew.int64At(1).Append(other)
			if err = ew.rowDone(); err != nil {
				return false
			}
		}
		return true
	})

	nodes, edges = nw.rows, ew.rows
	if cerr := nw.Close(); err == nil {
		err = cerr
	}
	if cerr := ew.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nodes, edges, fmt.Errorf("failed to write nodes: %w", err)
	}
	return nodes, edges, nil
}

func exportWays(g *graph.Graph, dir string, opts Options) (int64, error) {
	w, err := newTableWriter(filepath.Join(dir, WaysFile), waySchema, opts.BatchSize)
	if err != nil {
		return 0, err
	}
	enc := wkb.NewEncoder(1024)
	var points []wkb.Point
	for _, way := range g.Ways() {
		w.int64At(0).Append(way.ID)
		w.stringAt(1).Append(TagsToJSON(way.Tags))
		w.appendIDs(2, way.NodeRefs)
		points = wayPoints(g, way.NodeRefs, points[:0])
		if geom := enc.EncodeLineString(points); geom != nil {
			w.binaryAt(3).Append(geom)
		} else {
			w.binaryAt(3).AppendNull()
		}
		if err = w.rowDone(); err != nil {
			break
		}
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return w.rows, fmt.Errorf("failed to write ways: %w", err)
	}
	return w.rows, nil
}

// wayPoints resolves refs to positions, returning nil if any ref is unknown
func wayPoints(g *graph.Graph, refs []int64, points []wkb.Point) []wkb.Point {
	for _, ref := range refs {
		n, ok := g.Node(ref)
		if !ok {
			return nil
		}
		points = append(points, wkb.Point{Lon: n.Lon, Lat: n.Lat})
	}
	return points
}

func exportRelations(g *graph.Graph, dir string, opts Options) (relations, members int64, err error) {
	rw, err := newTableWriter(filepath.Join(dir, RelationsFile), relationSchema, opts.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	mw, err := newTableWriter(filepath.Join(dir, RelationMembersFile), memberSchema, opts.BatchSize)
	if err != nil {
		rw.Close()
		return 0, 0, err
	}

write:
	for _, rel := range g.Relations() {
		rw.int64At(0).Append(rel.ID)
		rw.stringAt(1).Append(TagsToJSON(rel.Tags))
		if err = rw.rowDone(); err != nil {
			break
		}
		for seq, m := range rel.Members {
			mw.int64At(0).Append(rel.ID)
			mw.int32At(1).Append(int32(seq))
			mw.stringAt(2).Append(string(m.Type))
			mw.int64At(3).Append(m.Ref)
			mw.stringAt(4).Append(m.Role)
			if err = mw.rowDone(); err != nil {
				break write
			}
		}
	}

	relations, members = rw.rows, mw.rows
	if cerr := rw.Close(); err == nil {
		err = cerr
	}
	if cerr := mw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return relations, members, fmt.Errorf("failed to write relations: %w", err)
	}
	return relations, members, nil
}
