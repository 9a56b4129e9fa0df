package parquet

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/wegman-software/osmgraph-go/internal/element"
	"github.com/wegman-software/osmgraph-go/internal/graph"
	"github.com/wegman-software/osmgraph-go/internal/spatial"
)

func readTable(t *testing.T, path string) arrow.Table {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	tbl, err := pqarrow.ReadTable(context.Background(), f, nil, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		t.Fatalf("ReadTable(%s): %v", filepath.Base(path), err)
	}
	t.Cleanup(tbl.Release)
	return tbl
}

func buildGraph(t *testing.T) *graph.Graph {
	t.Helper()
	coord := func(s string) element.Coord {
		c, err := element.ParseCoord(s)
		if err != nil {
			t.Fatal(err)
		}
		return c
	}

	b := graph.NewBuilder()
	b.AddNode(element.Node{ID: 1, Lat: coord("43.7384"), Lon: coord("7.4246"), Tags: element.Tags{"amenity": "cafe"}})
	b.AddNode(element.Node{ID: 2, Lat: coord("43.739"), Lon: coord("7.425")})
	b.AddNode(element.Node{ID: 3, Lat: coord("-0.0000001"), Lon: coord("7.4255")})
	b.AddWay(element.Way{ID: 10, NodeRefs: []int64{1, 2, 3, 77}, Tags: element.Tags{"highway": "primary"}})
	b.AddWay(element.Way{ID: 11, NodeRefs: []int64{2, 1}})
	b.AddRelation(element.Relation{ID: 20, Members: []element.Member{
		{Type: element.KindWay, Ref: 10, Role: "outer"},
		{Type: element.KindRelation, Ref: 21},
	}})
	g, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestExportGraph(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "export")
	stats, err := ExportGraph(buildGraph(t), dir, Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("ExportGraph: %v", err)
	}

	want := ExportStats{Nodes: 3, Edges: 2, Ways: 2, Relations: 1, RelationMembers: 2}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	rows := map[string]int64{
		NodesFile:           3,
		EdgesFile:           2,
		WaysFile:            2,
		RelationsFile:       1,
		RelationMembersFile: 2,
	}
	for name, n := range rows {
		if got := readTable(t, filepath.Join(dir, name)).NumRows(); got != n {
			t.Errorf("%s has %d rows, want %d", name, got, n)
		}
	}
}

func TestExportNodesKeepExactCoordinates(t *testing.T) {
	dir := t.TempDir()
	if _, err := ExportGraph(buildGraph(t), dir, Options{}); err != nil {
		t.Fatal(err)
	}

	tbl := readTable(t, filepath.Join(dir, NodesFile))
	tr := array.NewTableReader(tbl, -1)
	defer tr.Release()
	if !tr.Next() {
		t.Fatal("no records")
	}
	rec := tr.Record()

	ids := rec.Column(0).(*array.Int64)
	lats := rec.Column(1).(*array.Decimal128)
	tags := rec.Column(4).(*array.String)
	adjacency := rec.Column(5).(*array.List)

	wantLat := []string{"43.7384", "43.739", "-0.0000001"}
	for i := 0; i < int(rec.NumRows()); i++ {
		lat := element.Coord(lats.Value(i).LowBits())
		if lat.String() != wantLat[i] {
			t.Errorf("node %d latitude = %s, want %s", ids.Value(i), lat, wantLat[i])
		}
	}
	if tags.Value(0) != `{"amenity":"cafe"}` || tags.Value(1) != "{}" {
		t.Errorf("tags = %q, %q", tags.Value(0), tags.Value(1))
	}

	// node 2 touches 1 and 3
	start, end := adjacency.ValueOffsets(1)
	if end-start != 2 {
		t.Errorf("node 2 has %d neighbours, want 2", end-start)
	}

	geom := rec.Column(6).(*array.Binary)
	if n := len(geom.Value(0)); n != 25 {
		t.Errorf("node geometry is %d bytes, want 25", n)
	}
}

func TestExportBucketZoom(t *testing.T) {
	tests := []struct {
		zoom int
		want string
	}{
		{zoom: 0, want: "0/0/0"},
		{zoom: 12, want: spatial.Bucket(43.7384e7, 7.4246e7, 12)},
	}

	for _, tt := range tests {
		dir := t.TempDir()
		if _, err := ExportGraph(buildGraph(t), dir, Options{BucketZoom: tt.zoom}); err != nil {
			t.Fatal(err)
		}
		tr := array.NewTableReader(readTable(t, filepath.Join(dir, NodesFile)), -1)
		if !tr.Next() {
			t.Fatal("no records")
		}
		buckets := tr.Record().Column(3).(*array.String)
		if got := buckets.Value(0); got != tt.want {
			t.Errorf("zoom %d: bucket = %q, want %q", tt.zoom, got, tt.want)
		}
		tr.Release()
	}
}

func TestExportWayGeometry(t *testing.T) {
	dir := t.TempDir()
	if _, err := ExportGraph(buildGraph(t), dir, Options{}); err != nil {
		t.Fatal(err)
	}

	tbl := readTable(t, filepath.Join(dir, WaysFile))
	tr := array.NewTableReader(tbl, -1)
	defer tr.Release()
	if !tr.Next() {
		t.Fatal("no records")
	}
	rec := tr.Record()
	ids := rec.Column(0).(*array.Int64)
	geom := rec.Column(3).(*array.Binary)

	for i := 0; i < int(rec.NumRows()); i++ {
		switch ids.Value(i) {
		case 10:
			// ref 77 is unknown
			if !geom.IsNull(i) {
				t.Error("way 10 has a geometry despite an unresolved ref")
			}
		case 11:
			if geom.IsNull(i) || len(geom.Value(i)) != 13+2*16 {
				t.Errorf("way 11 geometry = %x", geom.Value(i))
			}
		}
	}
}
