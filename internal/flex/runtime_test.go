package flex

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/wegman-software/osmgraph-go/internal/element"
)

const script = `
function osmgraph.process_node(object)
	if object.tags.amenity == "waste_basket" then
		return false
	end
	object.tags.created_by = nil
end

function osmgraph.process_way(object)
	if not object.tags.highway then
		return false
	end
	local t = osmgraph.transforms.filter_tags(object.tags, {"highway", "name", "maxspeed"})
	if t.name then
		t.name = osmgraph.transforms.clean_spaces(t.name)
	end
	if t.maxspeed then
		t.maxspeed = parse_int(t.maxspeed, -1)
	end
	return t
end
`

func newRuntime(t *testing.T, code string) *Runtime {
	t.Helper()
	r := NewRuntime()
	t.Cleanup(func() { r.Close() })
	if err := r.LoadString(code); err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	return r
}

func TestProcess(t *testing.T) {
	r := newRuntime(t, script)

	if !r.Has(element.KindNode) || !r.Has(element.KindWay) || r.Has(element.KindRelation) {
		t.Fatal("unexpected callback set")
	}

	tests := []struct {
		name string
		kind element.Kind
		tags element.Tags
		keep bool
		want element.Tags
	}{
		{
			name: "node edited in place",
			kind: element.KindNode,
			tags: element.Tags{"amenity": "cafe", "created_by": "JOSM"},
			keep: true,
			want: element.Tags{"amenity": "cafe"},
		},
		{
			name: "node dropped",
			kind: element.KindNode,
			tags: element.Tags{"amenity": "waste_basket"},
		},
		{
			name: "untagged node",
			kind: element.KindNode,
			keep: true,
		},
		{
			name: "way rewritten",
			kind: element.KindWay,
			tags: element.Tags{"highway": "primary", "name": "  Rue   Grimaldi ", "maxspeed": "50.5", "surface": "asphalt"},
			keep: true,
			want: element.Tags{"highway": "primary", "name": "Rue Grimaldi", "maxspeed": "50"},
		},
		{
			name: "way dropped",
			kind: element.KindWay,
			tags: element.Tags{"building": "yes"},
		},
		{
			name: "relation without callback",
			kind: element.KindRelation,
			tags: element.Tags{"type": "route"},
			keep: true,
			want: element.Tags{"type": "route"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, keep, err := r.Process(tt.kind, 1, tt.tags)
			if err != nil {
				t.Fatal(err)
			}
			if keep != tt.keep {
				t.Fatalf("keep = %v, want %v", keep, tt.keep)
			}
			if keep && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("tags = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProcessErrors(t *testing.T) {
	r := newRuntime(t, `
function osmgraph.process_node(object)
	error("boom")
end
function osmgraph.process_way(object)
	return 42
end
`)

	if _, _, err := r.Process(element.KindNode, 5, nil); err == nil || !strings.Contains(err.Error(), "node/5") {
		t.Errorf("expected callback error naming node/5, got %v", err)
	}
	if _, _, err := r.Process(element.KindWay, 6, nil); err == nil {
		t.Error("expected error for number return value")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transform.lua")
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRuntime()
	defer r.Close()
	if err := r.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if !r.Has(element.KindWay) {
		t.Error("process_way not found")
	}

	if err := r.LoadString("this is not lua"); err == nil {
		t.Error("expected syntax error")
	}
}

func TestTransforms(t *testing.T) {
	r := newRuntime(t, "")

	tests := []struct {
		expr string
		want string
	}{
		{expr: `trim("  a b  ")`, want: "a b"},
		{expr: `osmgraph.transforms.lower("ABC")`, want: "abc"},
		{expr: `tostring(parse_int("12"))`, want: "12"},
		{expr: `tostring(parse_int("x", 7))`, want: "7"},
		{expr: `tostring(parse_bool("yes"))`, want: "true"},
		{expr: `tostring(parse_bool("no"))`, want: "false"},
		{expr: `tostring(parse_bool("permissive"))`, want: "true"},
		{expr: `get_name({["name:en"] = "Monaco"})`, want: "Monaco"},
		{expr: `get_name({name = "Monaco-Ville", ["name:en"] = "Monaco"})`, want: "Monaco-Ville"},
		{expr: `tostring(get_name({}))`, want: "nil"},
	}
	for _, tt := range tests {
		if err := r.L.DoString("result = " + tt.expr); err != nil {
			t.Fatalf("%s: %v", tt.expr, err)
		}
		if got := r.L.GetGlobal("result").String(); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.expr, got, tt.want)
		}
	}
}
