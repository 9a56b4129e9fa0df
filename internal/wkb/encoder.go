package wkb

import (
	"encoding/binary"
	"math"

	"github.com/wegman-software/osmgraph-go/internal/element"
)

// WKB type constants (ISO SQL/MM specification)
const (
	wkbPoint      = 1
	wkbLineString = 2

	// SRID flag for EWKB (PostGIS extended WKB)
	wkbSRIDFlag = 0x20000000
)

// SRID4326 is WGS84, the only reference system coordinates are kept in
const SRID4326 = 4326

// Point is a WGS84 position
type Point struct {
	Lon, Lat element.Coord
}

// Encoder encodes geometries to little-endian EWKB with SRID 4326. The slice
// returned by an Encode call is reused by the next one.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with a pre-allocated buffer
func NewEncoder(initialSize int) *Encoder {
	return &Encoder{buf: make([]byte, 0, initialSize)}
}

// EncodePoint encodes a point
func (e *Encoder) EncodePoint(p Point) []byte {
	// 1 (byte order) + 4 (type) + 4 (srid) + 16 (x, y)
	e.header(wkbPoint, 25)
	e.appendPoint(p)
	return e.buf
}

// EncodeLineString encodes a linestring. Fewer than two points is not a valid
// linestring and yields nil.
func (e *Encoder) EncodeLineString(points []Point) []byte {
	if len(points) < 2 {
		return nil
	}
	e.header(wkbLineString, 13+len(points)*16)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(points)))
	for _, p := range points {
		e.appendPoint(p)
	}
	return e.buf
}

func (e *Encoder) header(geomType uint32, size int) {
	if cap(e.buf) < size {
		e.buf = make([]byte, 0, size)
	}
	e.buf = e.buf[:0]
	e.buf = append(e.buf, 0x01)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, geomType|wkbSRIDFlag)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, SRID4326)
}

// X=lon, Y=lat
func (e *Encoder) appendPoint(p Point) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(p.Lon.Float()))
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(p.Lat.Float()))
}
