package element

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CoordScale is the number of fixed decimal places kept for a coordinate.
// OSM itself stores coordinates with 7 decimal places.
const CoordScale = 7

const coordFactor = 1e7

// Coord is a latitude or longitude in degrees, stored as a scaled integer
// (degrees × 10^7). It never passes through float64 once parsed from text, so
// repeated round-trips through the store are exact.
type Coord int32

// ParseCoord parses a decimal string such as "-43.7384" without floating point.
// Extra decimal places are rounded half away from zero, the same result
// CoordFromFloat gives for the decoded value.
func ParseCoord(s string) (Coord, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty coordinate")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" && fracPart == "" {
		return 0, fmt.Errorf("invalid coordinate %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}
	roundUp := false
	if len(fracPart) > CoordScale {
		extra := fracPart[CoordScale:]
		for _, r := range extra {
			if r < '0' || r > '9' {
				return 0, fmt.Errorf("invalid coordinate %q", s)
			}
		}
		roundUp = extra[0] >= '5'
		fracPart = fracPart[:CoordScale]
	}
	fracPart += strings.Repeat("0", CoordScale-len(fracPart))

	whole, err := strconv.ParseUint(intPart, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate %q: %w", s, err)
	}
	frac, err := strconv.ParseUint(fracPart, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate %q: %w", s, err)
	}
	if whole > 180 {
		return 0, fmt.Errorf("coordinate %q out of range", s)
	}

	v := int64(whole)*coordFactor + int64(frac)
	if roundUp {
		v++
	}
	if neg {
		v = -v
	}
	return Coord(v), nil
}

// CoordFromFloat converts a decoded float64 (e.g. from a PBF block) to a Coord,
// rounding to the nearest 10^-7 degree.
func CoordFromFloat(f float64) Coord {
	return Coord(math.Round(f * coordFactor))
}

// Float returns the coordinate as float64. Only use for approximate math such as
// tile bucketing, never for storage.
func (c Coord) Float() float64 {
	return float64(c) / coordFactor
}

// String renders the coordinate as canonical decimal text with trailing zeros trimmed
func (c Coord) String() string {
	v := int64(c)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / coordFactor
	frac := v % coordFactor
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	fs := strings.TrimRight(fmt.Sprintf("%07d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, fs)
}

// ValidLat reports whether the coordinate is a valid latitude
func (c Coord) ValidLat() bool {
	return c >= -90*coordFactor && c <= 90*coordFactor
}

// ValidLon reports whether the coordinate is a valid longitude
func (c Coord) ValidLon() bool {
	return c >= -180*coordFactor && c <= 180*coordFactor
}
