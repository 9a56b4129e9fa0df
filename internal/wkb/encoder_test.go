package wkb

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/wegman-software/osmgraph-go/internal/element"
)

func coord(t *testing.T, s string) element.Coord {
	t.Helper()
	c, err := element.ParseCoord(s)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestEncodePoint(t *testing.T) {
	e := NewEncoder(0)
	b := e.EncodePoint(Point{Lon: coord(t, "7.4246"), Lat: coord(t, "43.7384")})

	if len(b) != 25 {
		t.Fatalf("len = %d, want 25", len(b))
	}
	if b[0] != 0x01 {
		t.Errorf("byte order = %#x, want little endian", b[0])
	}
	if typ := binary.LittleEndian.Uint32(b[1:5]); typ != wkbPoint|wkbSRIDFlag {
		t.Errorf("type = %#x", typ)
	}
	if srid := binary.LittleEndian.Uint32(b[5:9]); srid != SRID4326 {
		t.Errorf("srid = %d", srid)
	}
	x := math.Float64frombits(binary.LittleEndian.Uint64(b[9:17]))
	y := math.Float64frombits(binary.LittleEndian.Uint64(b[17:25]))
	if math.Abs(x-7.4246) > 1e-9 || math.Abs(y-43.7384) > 1e-9 {
		t.Errorf("point = (%v, %v)", x, y)
	}
}

func TestEncodeLineString(t *testing.T) {
	e := NewEncoder(16)
	pts := []Point{
		{Lon: coord(t, "7.42"), Lat: coord(t, "43.73")},
		{Lon: coord(t, "7.43"), Lat: coord(t, "43.74")},
		{Lon: coord(t, "7.44"), Lat: coord(t, "43.75")},
	}
	b := e.EncodeLineString(pts)
	if len(b) != 13+3*16 {
		t.Fatalf("len = %d, want %d", len(b), 13+3*16)
	}
	if n := binary.LittleEndian.Uint32(b[9:13]); n != 3 {
		t.Errorf("point count = %d, want 3", n)
	}

	if got := e.EncodeLineString(pts[:1]); got != nil {
		t.Errorf("single point linestring = %v, want nil", got)
	}
}

func TestEncoderReusesBuffer(t *testing.T) {
	e := NewEncoder(64)
	first := e.EncodePoint(Point{})
	second := e.EncodePoint(Point{Lon: coord(t, "1"), Lat: coord(t, "2")})
	if &first[0] != &second[0] {
		t.Error("expected the buffer to be reused")
	}
}
