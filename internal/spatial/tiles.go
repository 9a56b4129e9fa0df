package spatial

import (
	"fmt"
	"math"

	"github.com/wegman-software/osmgraph-go/internal/element"
)

// DefaultBucketZoom gives buckets of roughly 10km × 10km at mid latitudes
const DefaultBucketZoom = 12

// MaxBucketZoom keeps the bucket index within the int range of tile math
const MaxBucketZoom = 24

// Tile represents a map tile at a specific zoom level
type Tile struct {
	Z int // Zoom level
	X int // X coordinate (column)
	Y int // Y coordinate (row)
}

// String returns the tile in z/x/y format
func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Web Mercator constants
const (
	// Maximum latitude for Web Mercator (approximately 85.051129°)
	MaxMercatorLat = 85.0511287798
	// Minimum latitude for Web Mercator
	MinMercatorLat = -85.0511287798
)

// LatLonToTile converts latitude/longitude to tile coordinates at a given zoom level
// Uses the standard Web Mercator tile scheme (OSM/Google style)
func LatLonToTile(lat, lon float64, zoom int) Tile {
	lat = math.Max(MinMercatorLat, math.Min(MaxMercatorLat, lat))
	lon = math.Max(-180, math.Min(180, lon))

	n := float64(int(1) << zoom) // 2^zoom

	x := int((lon + 180.0) / 360.0 * n)
	if x >= int(n) {
		x = int(n) - 1
	}

	latRad := lat * math.Pi / 180.0
	y := int((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)
	if y >= int(n) {
		y = int(n) - 1
	}
	if y < 0 {
		y = 0
	}

	return Tile{Z: zoom, X: x, Y: y}
}

// Bucket returns the coarse spatial bucket key for a point. It is the partition key
// of the coordinate index; raw longitude is the sort key inside a bucket.
func Bucket(lat, lon element.Coord, zoom int) string {
	return LatLonToTile(lat.Float(), lon.Float(), zoom).String()
}

// BBox represents a geographic bounding box
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// BBoxToBuckets lists the bucket keys covering a bounding box, which is how a
// range query against the coordinate index fans out
func BBoxToBuckets(bbox BBox, zoom int) []string {
	topLeft := LatLonToTile(bbox.MaxLat, bbox.MinLon, zoom)
	bottomRight := LatLonToTile(bbox.MinLat, bbox.MaxLon, zoom)

	var keys []string
	for x := topLeft.X; x <= bottomRight.X; x++ {
		for y := topLeft.Y; y <= bottomRight.Y; y++ {
			keys = append(keys, Tile{Z: zoom, X: x, Y: y}.String())
		}
	}
	return keys
}
