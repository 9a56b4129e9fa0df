package postgres

import (
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wegman-software/osmgraph-go/internal/element"
	"github.com/wegman-software/osmgraph-go/internal/schema"
	"github.com/wegman-software/osmgraph-go/internal/store"
)

func TestCreateStatements(t *testing.T) {
	stmts := createStatements("public", schema.Default("osm"))
	if len(stmts) != 2 {
		t.Fatalf("expected table + index DDL, got %d statements", len(stmts))
	}

	table := stmts[0]
	for _, want := range []string{
		`CREATE TABLE "public"."osm"`,
		`"id" TEXT NOT NULL`,
		`"latitude" NUMERIC(10,7)`,
		`"adjacency" BIGINT[]`,
		`PRIMARY KEY ("id")`,
	} {
		if !strings.Contains(table, want) {
			t.Errorf("table DDL missing %q:\n%s", want, table)
		}
	}

	want := `CREATE INDEX "osm_coordinateindex" ON "public"."osm" ("bucket", "longitude")`
	if stmts[1] != want {
		t.Errorf("index DDL = %s\nwant %s", stmts[1], want)
	}
}

func TestCreateStatementsExtraAttribute(t *testing.T) {
	ts := schema.Default("osm")
	ts.Indexes = append(ts.Indexes, schema.IndexSchema{
		Name: "ByLayer",
		Keys: []schema.KeyElement{{Attribute: "layer", Type: schema.AttrNumber, KeyType: schema.KeyHash}},
	})

	stmts := createStatements("osm", ts)
	if !strings.Contains(stmts[0], `"layer" NUMERIC`) {
		t.Errorf("expected extra column for index attribute:\n%s", stmts[0])
	}
	if len(stmts) != 3 || !strings.HasSuffix(stmts[2], `("layer")`) {
		t.Errorf("unexpected index statements %v", stmts[1:])
	}
}

func TestUpsertSQL(t *testing.T) {
	sql := upsertSQL("public", "osm")
	for _, want := range []string{
		`INSERT INTO "public"."osm"`,
		`$5::numeric`,
		`ON CONFLICT ("id") DO UPDATE SET`,
		`"tags" = EXCLUDED."tags"`,
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("upsert missing %q:\n%s", want, sql)
		}
	}
	if strings.Contains(sql, `"id" = EXCLUDED`) {
		t.Error("key column must not be updated")
	}
}

func TestItemArgs(t *testing.T) {
	lat, _ := element.ParseCoord("43.7384")
	lon, _ := element.ParseCoord("7.4246")

	args, err := itemArgs(store.Item{
		ID: "node/1", Kind: element.KindNode, OsmID: 1,
		Tags:      element.Tags{"amenity": "cafe"},
		HasCoords: true, Lat: lat, Lon: lon, Bucket: "12/2132/1493",
		Adjacency: []int64{2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != len(columns) {
		t.Fatalf("got %d args for %d columns", len(args), len(columns))
	}
	if args[3] != `{"amenity":"cafe"}` || args[4] != "43.7384" || args[5] != "7.4246" {
		t.Errorf("unexpected args %v", args)
	}
	if args[8] != nil || args[9] != nil {
		t.Errorf("node must not carry refs or members: %v", args[8:])
	}

	args, _ = itemArgs(store.Item{ID: "relation/2", Kind: element.KindRelation, OsmID: 2,
		Members: []element.Member{{Type: element.KindWay, Ref: 5, Role: "outer"}}})
	if args[4] != nil || args[6] != nil {
		t.Error("relation must not carry coordinates or bucket")
	}
	if args[9] != `[{"type":"way","ref":5,"role":"outer"}]` {
		t.Errorf("members = %v", args[9])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{code: "42P07", want: store.ErrAlreadyExists},
		{code: "42P01", want: store.ErrNotFound},
		{code: "40001", want: store.ErrTransient},
		{code: "40P01", want: store.ErrTransient},
		{code: "53300", want: store.ErrTransient},
		{code: "08006", want: store.ErrTransient},
		{code: "28P01", want: store.ErrFatal},
		{code: "23502", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classify(&pgconn.PgError{Code: tt.code})
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				t.Fatalf("original error lost: %v", err)
			}
			if tt.want == nil {
				if store.IsTransient(err) || errors.Is(err, store.ErrFatal) {
					t.Errorf("expected unclassified error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.want)
			}
		})
	}
}
