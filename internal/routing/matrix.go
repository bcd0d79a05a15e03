// Package routing abstracts travel-time lookups behind the Matrix interface.
// The batching engine is quadratic in coordinates per cluster, so providers
// support bulk prefetch: one /table round-trip instead of N^2 point queries.
package routing

import (
	"context"
	"errors"

	"github.com/passl/dispatch-core/internal/geo"
)

// ErrMatrixUnavailable signals that a travel-time query could not be served.
// Callers treat the affected pairing as infeasible and move on; it is never a
// fatal error for a batching cycle.
var ErrMatrixUnavailable = errors.New("time matrix unavailable")

// Matrix provides pairwise travel times in seconds. Time is non-negative,
// Time(a, a) == 0 and asymmetry is permitted. Implementations must be safe
// for concurrent reads; Prefetch is idempotent.
type Matrix interface {
	// Time returns the travel time from a to b in seconds, or
	// ErrMatrixUnavailable when the pairing cannot be served.
	Time(a, b geo.Coord) (float64, error)

	// Prefetch warms local state so that every pair drawn from coords can be
	// served without further network I/O.
	Prefetch(ctx context.Context, coords []geo.Coord) error
}
