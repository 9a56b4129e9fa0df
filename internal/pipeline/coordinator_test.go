package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/wegman-software/osmgraph-go/internal/config"
	"github.com/wegman-software/osmgraph-go/internal/schema"
	"github.com/wegman-software/osmgraph-go/internal/store"
	"github.com/wegman-software/osmgraph-go/internal/store/memory"
)

const fixtureOSM = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6" generator="test">
  <node id="1" lat="43.7384" lon="7.4246"><tag k="amenity" v="cafe"/></node>
  <node id="2" lat="43.7390" lon="7.4250"/>
  <node id="3" lat="43.7395" lon="7.4255"/>
  <node id="4" lat="43.7400" lon="7.4260"/>
  <node id="5" lat="43.7310" lon="7.4200"/>
  <node id="6" lat="48.8566" lon="2.3522"/>
  <node id="abc" lat="43.7" lon="7.4"/>
  <way id="100">
    <nd ref="1"/><nd ref="2"/><nd ref="3"/>
    <tag k="highway" v="residential"/>
  </way>
  <way id="101">
    <nd ref="3"/><nd ref="4"/><nd ref="9"/>
    <tag k="highway" v="footway"/>
  </way>
  <way id="102">
    <nd ref="3"/><nd ref="2"/>
    <tag k="highway" v="service"/>
  </way>
  <way id="103">
    <nd ref="5"/><nd ref="6"/>
    <tag k="waterway" v="stream"/>
  </way>
  <relation id="200">
    <member type="way" ref="100" role=""/>
    <member type="relation" ref="201" role="sub"/>
    <tag k="type" v="route"/>
  </relation>
</osm>`

const table = "osm"

var fullPath = []State{StateIdle, StateParsing, StateBuilding, StateSchemaReady, StateLoading, StateDone}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SourcePath = writeFile(t, "monaco.osm", fixtureOSM)
	cfg.Backend = config.BackendMemory
	cfg.TableName = table
	cfg.MaxConcurrency = 2
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.MetricsInterval = 0
	cfg.ProgressInterval = 0
	return cfg
}

func TestRun(t *testing.T) {
	mem := memory.New()
	summary, err := NewCoordinator(testConfig(t), mem).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !reflect.DeepEqual(summary.Path, fullPath) {
		t.Errorf("path = %v, want %v", summary.Path, fullPath)
	}
	if !summary.Succeeded() || !summary.TableCreated {
		t.Errorf("state=%v created=%v", summary.State, summary.TableCreated)
	}

	checks := []struct {
		name      string
		got, want int64
	}{
		{"nodes parsed", summary.NodesParsed, 6},
		{"parse errors", summary.ParseErrors, 1},
		{"ways", summary.Ways, 4},
		{"relations", summary.Relations, 1},
		{"edges", summary.EdgesBuilt, 4},
		{"unresolved", summary.UnresolvedRefs, 1},
		{"warnings", summary.Warnings, 1},
		{"items", summary.ItemsTotal, 11},
		{"written", summary.ItemsWritten, 11},
		{"failed", summary.ItemsFailed, 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}

	if mem.Len(table) != 11 {
		t.Errorf("stored %d items, want 11", mem.Len(table))
	}
	n3, ok := mem.Item(table, "node/3")
	if !ok || !reflect.DeepEqual(n3.Adjacency, []int64{2, 4}) {
		t.Errorf("node/3 = %+v", n3)
	}
	w101, _ := mem.Item(table, "way/101")
	if !reflect.DeepEqual(w101.NodeRefs, []int64{3, 4, 9}) {
		t.Errorf("way/101 refs = %v, unresolved refs must be kept", w101.NodeRefs)
	}
	rel, _ := mem.Item(table, "relation/200")
	if len(rel.Members) != 2 || rel.Members[1].Ref != 201 {
		t.Errorf("relation members = %+v", rel.Members)
	}
}

func TestSnapshotWhileRunning(t *testing.T) {
	c := NewCoordinator(testConfig(t), memory.New())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			s := c.Snapshot()
			if len(s.Path) == 0 || s.Path[0] != StateIdle {
				t.Errorf("snapshot path = %v", s.Path)
				return
			}
			if c.State().Terminal() {
				return
			}
		}
	}()

	summary, err := c.Run(context.Background())
	<-done
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := c.Snapshot()
	if !final.TableCreated || final.Duration <= 0 || final.Duration != summary.Duration {
		t.Errorf("snapshot created=%v duration=%v, run duration=%v", final.TableCreated, final.Duration, summary.Duration)
	}
	if !reflect.DeepEqual(final.Path, fullPath) {
		t.Errorf("snapshot path = %v, want %v", final.Path, fullPath)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	mem := memory.New()
	cfg := testConfig(t)

	first, err := NewCoordinator(cfg, mem).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewCoordinator(cfg, mem).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if !first.TableCreated || second.TableCreated {
		t.Errorf("created first=%v second=%v", first.TableCreated, second.TableCreated)
	}
	if mem.Calls().CreateTable != 1 {
		t.Errorf("CreateTable calls = %d, want 1", mem.Calls().CreateTable)
	}
	if mem.Len(table) != 11 {
		t.Errorf("stored %d items after two runs, want 11", mem.Len(table))
	}
}

func TestRunFiltersByBBoxAndStyle(t *testing.T) {
	cfg := testConfig(t)
	bbox, err := config.ParseBBox("7.40,43.72,7.44,43.76")
	if err != nil {
		t.Fatal(err)
	}
	cfg.BBox = bbox
	cfg.StyleFile = writeFile(t, "style.yaml", "ways:\n  require_any: [highway]\n")

	mem := memory.New()
	summary, err := NewCoordinator(cfg, mem).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if summary.NodesFiltered != 1 || summary.WaysFiltered != 1 {
		t.Errorf("filtered nodes=%d ways=%d, want 1/1", summary.NodesFiltered, summary.WaysFiltered)
	}
	if summary.Nodes != 5 || summary.Ways != 3 || summary.EdgesBuilt != 3 {
		t.Errorf("nodes=%d ways=%d edges=%d", summary.Nodes, summary.Ways, summary.EdgesBuilt)
	}
	if _, ok := mem.Item(table, "way/103"); ok {
		t.Error("filtered way was stored")
	}
}

func TestRunWithLuaTransform(t *testing.T) {
	cfg := testConfig(t)
	cfg.StyleFile = writeFile(t, "transform.lua", `
function osmgraph.process_way(object)
	if object.tags.highway == "footway" then
		return false
	end
	object.tags.highway = string.upper(object.tags.highway or "")
end
`)

	mem := memory.New()
	summary, err := NewCoordinator(cfg, mem).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.WaysFiltered != 1 {
		t.Errorf("ways filtered = %d", summary.WaysFiltered)
	}
	w, _ := mem.Item(table, "way/100")
	if w.Tags["highway"] != "RESIDENTIAL" {
		t.Errorf("tags = %v", w.Tags)
	}
}

func TestLuaErrorIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.StyleFile = writeFile(t, "broken.lua", `
function osmgraph.process_node(object)
	error("no nodes today")
end
`)

	mem := memory.New()
	summary, err := NewCoordinator(cfg, mem).Run(context.Background())
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if summary.State != StateFailed || summary.FailedIn != StateParsing {
		t.Errorf("state=%v failed in %v", summary.State, summary.FailedIn)
	}
	if mem.Calls() != (memory.Calls{}) {
		t.Errorf("store was touched: %+v", mem.Calls())
	}
}

func TestFatalConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *config.Config)
		field  string
	}{
		{
			name:   "invalid option",
			modify: func(cfg *config.Config) { cfg.BatchSize = 0 },
			field:  "batch_size",
		},
		{
			name:   "missing source",
			modify: func(cfg *config.Config) { cfg.SourcePath = filepath.Join(t.TempDir(), "missing.osm") },
			field:  "source_path",
		},
		{
			name:   "unsupported format",
			modify: func(cfg *config.Config) { cfg.SourcePath = writeFile(t, "map.csv", "id,lat,lon\n") },
			field:  "source_path",
		},
		{
			name:   "missing style",
			modify: func(cfg *config.Config) { cfg.StyleFile = filepath.Join(t.TempDir(), "missing.yaml") },
			field:  "style_file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.modify(cfg)
			mem := memory.New()

			summary, err := NewCoordinator(cfg, mem).Run(context.Background())
			var ce *config.ConfigError
			if !errors.As(err, &ce) || ce.Field != tt.field {
				t.Fatalf("expected ConfigError for %s, got %v", tt.field, err)
			}
			if summary == nil || summary.State != StateFailed || summary.FatalReason == "" {
				t.Fatalf("unexpected summary %+v", summary)
			}
			if mem.Calls() != (memory.Calls{}) {
				t.Errorf("store was touched: %+v", mem.Calls())
			}
		})
	}
}

func TestSchemaFailureAbortsBeforeWrites(t *testing.T) {
	mem := memory.New()
	mem.FailCreate = func(name string) error {
		return store.Classify(store.ErrFatal, errors.New("AccessDeniedException"))
	}

	summary, err := NewCoordinator(testConfig(t), mem).Run(context.Background())
	var se *schema.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if summary.FailedIn != StateBuilding {
		t.Errorf("failed in %v, want Building", summary.FailedIn)
	}
	if c := mem.Calls(); c.PutItem != 0 || c.PutItems != 0 {
		t.Errorf("writes happened: %+v", c)
	}
	// the graph was still built and is reported
	if summary.Nodes != 6 {
		t.Errorf("nodes = %d", summary.Nodes)
	}
}

func TestPartialItemFailure(t *testing.T) {
	mem := memory.New()
	mem.FailPut = func(item store.Item, attempt int) error {
		if item.ID == "way/102" {
			return errors.New("ValidationException")
		}
		return nil
	}

	summary, err := NewCoordinator(testConfig(t), mem).Run(context.Background())
	if err != nil {
		t.Fatalf("item failures must not fail the run: %v", err)
	}
	if summary.ItemsWritten != 10 || summary.ItemsFailed != 1 {
		t.Errorf("written=%d failed=%d", summary.ItemsWritten, summary.ItemsFailed)
	}
	if !reflect.DeepEqual(summary.FailedIDs, []string{"way/102"}) {
		t.Errorf("FailedIDs = %v", summary.FailedIDs)
	}
}

func TestFatalWriteErrorFailsRun(t *testing.T) {
	mem := memory.New()
	mem.FailPut = func(item store.Item, attempt int) error {
		return store.Classify(store.ErrFatal, errors.New("UnrecognizedClientException"))
	}

	summary, err := NewCoordinator(testConfig(t), mem).Run(context.Background())
	if !errors.Is(err, store.ErrFatal) {
		t.Fatalf("expected fatal store error, got %v", err)
	}
	if summary.FailedIn != StateLoading || !summary.Partial {
		t.Errorf("failed in %v partial=%v", summary.FailedIn, summary.Partial)
	}
	if summary.ItemsWritten+summary.ItemsFailed+summary.ItemsSkipped != summary.ItemsTotal {
		t.Errorf("counts do not add up: %+v", summary)
	}
}

func TestResetModeDropsExistingItems(t *testing.T) {
	mem := memory.New()
	if err := mem.CreateTable(context.Background(), schema.Default(table)); err != nil {
		t.Fatal(err)
	}
	if err := mem.PutItem(context.Background(), table, store.Item{ID: "node/999"}); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t)
	cfg.ResetMode = true
	summary, err := NewCoordinator(cfg, mem).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !summary.TableCreated {
		t.Error("reset should recreate the table")
	}
	if _, ok := mem.Item(table, "node/999"); ok {
		t.Error("stale item survived reset")
	}
	if mem.Len(table) != 11 {
		t.Errorf("stored %d items, want 11", mem.Len(table))
	}
}

func TestCancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := NewCoordinator(testConfig(t), memory.New()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.State != StateFailed {
		t.Errorf("state = %v", summary.State)
	}
}

func TestBuildOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "none" // store settings are not needed

	c := NewCoordinator(cfg, nil)
	g, summary, err := c.BuildOnly(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if g.NodeCount() != 6 || len(g.Ways()) != 4 {
		t.Errorf("nodes=%d ways=%d", g.NodeCount(), len(g.Ways()))
	}
	want := []State{StateIdle, StateParsing, StateBuilding, StateDone}
	if !reflect.DeepEqual(summary.Path, want) {
		t.Errorf("path = %v, want %v", summary.Path, want)
	}

	if _, _, err := c.BuildOnly(context.Background()); err == nil {
		t.Error("a coordinator must only run once")
	}
}

func TestRunWithoutStore(t *testing.T) {
	_, err := NewCoordinator(testConfig(t), nil).Run(context.Background())
	var ce *config.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	if StateSchemaReady.String() != "SchemaReady" || State(42).String() != "State(42)" {
		t.Error("unexpected state names")
	}
	if !StateFailed.Terminal() || StateLoading.Terminal() {
		t.Error("unexpected terminal states")
	}
}
