package routing

import (
	"context"
	"math"

	"github.com/passl/dispatch-core/internal/geo"
)

// ManhattanMatrix is a deterministic in-process Matrix computing Manhattan
// distance at a fixed speed. It backs tests and local development where no
// OSRM instance is running.
type ManhattanMatrix struct {
	// SpeedMPS is the traversal speed in meters per second.
	SpeedMPS float64
	// MetersPerDegree scales coordinate deltas to meters. Tests that think
	// in raw meters set it to 1.
	MetersPerDegree float64
}

// NewManhattanMatrix uses ~111km per degree, close enough for a mock.
func NewManhattanMatrix(speedMPS float64) *ManhattanMatrix {
	return &ManhattanMatrix{SpeedMPS: speedMPS, MetersPerDegree: 111_000}
}

func (m *ManhattanMatrix) Time(a, b geo.Coord) (float64, error) {
	if a == b {
		return 0, nil
	}
	meters := (math.Abs(a.Lon-b.Lon) + math.Abs(a.Lat-b.Lat)) * m.MetersPerDegree
	return meters / m.SpeedMPS, nil
}

// Prefetch is a no-op; every pair is computable locally.
func (m *ManhattanMatrix) Prefetch(_ context.Context, _ []geo.Coord) error {
	return nil
}
