// Package geo holds the coordinate value type shared by orders, routing and
// dispatch. Coordinates compare bitwise; there is no fuzzy tolerance anywhere
// in the core.
package geo

import (
	"fmt"
	"math"
)

// Coord is a (lon, lat) pair. The zero value is the null island and is valid.
type Coord struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// NewCoord validates that both components are finite.
func NewCoord(lon, lat float64) (Coord, error) {
	c := Coord{Lon: lon, Lat: lat}
	if !c.Valid() {
		return Coord{}, fmt.Errorf("coord (%v, %v) is not finite", lon, lat)
	}
	return c, nil
}

// Valid reports whether both components are finite numbers.
func (c Coord) Valid() bool {
	return !math.IsNaN(c.Lon) && !math.IsInf(c.Lon, 0) &&
		!math.IsNaN(c.Lat) && !math.IsInf(c.Lat, 0)
}

func (c Coord) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lon, c.Lat)
}

// Dedupe returns the distinct coordinates of in, preserving first-appearance
// order. Equality is bitwise, so coordinates that differ in the last ulp are
// distinct on purpose.
func Dedupe(in []Coord) []Coord {
	seen := make(map[Coord]struct{}, len(in))
	out := make([]Coord, 0, len(in))
	for _, c := range in {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
