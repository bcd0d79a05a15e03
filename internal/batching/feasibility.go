package batching

import (
	"github.com/passl/dispatch-core/internal/orders"
	"github.com/passl/dispatch-core/internal/routing"
)

// FeasibilityResult is the outcome of evaluating where a new order fits into
// an existing stop sequence. IsFeasible is false only when the matrix
// provider cannot supply the required travel times.
type FeasibilityResult struct {
	IsFeasible      bool
	BestStops       []orders.Stop
	BestTimeSeconds float64
}

// EvaluateInsertion finds the cheapest legal insertion of newOrder's pickup
// and dropoff into existingStops.
//
// It enumerates every (i, j) with 0 <= i <= j <= len(existingStops), placing
// the pickup at index i and the dropoff immediately after position j. The
// relative order of existing stops never changes, so the pickup-before-
// dropoff invariant of orders already in the sequence is preserved by
// construction. Candidates are visited in (i, j) ascending order and only a
// strictly better total time replaces the incumbent, which makes the result
// deterministic.
func EvaluateInsertion(existingStops []orders.Stop, newOrder orders.Order, matrix routing.Matrix) FeasibilityResult {
	pickup := orders.PickupStop(newOrder)
	dropoff := orders.DropoffStop(newOrder)

	if len(existingStops) == 0 {
		t, err := matrix.Time(pickup.Coord, dropoff.Coord)
		if err != nil {
			return FeasibilityResult{}
		}
		return FeasibilityResult{
			IsFeasible:      true,
			BestStops:       []orders.Stop{pickup, dropoff},
			BestTimeSeconds: t,
		}
	}

	n := len(existingStops)
	best := FeasibilityResult{}
	for i := 0; i <= n; i++ {
		for j := i; j <= n; j++ {
			candidate := insertAt(existingStops, pickup, dropoff, i, j)
			total, ok := sequenceTime(candidate, matrix)
			if !ok {
				continue
			}
			if !best.IsFeasible || total < best.BestTimeSeconds {
				best = FeasibilityResult{IsFeasible: true, BestStops: candidate, BestTimeSeconds: total}
			}
		}
	}
	return best
}

// insertAt builds existing[:i] + pickup + existing[i:j] + dropoff + existing[j:].
func insertAt(existing []orders.Stop, pickup, dropoff orders.Stop, i, j int) []orders.Stop {
	out := make([]orders.Stop, 0, len(existing)+2)
	out = append(out, existing[:i]...)
	out = append(out, pickup)
	out = append(out, existing[i:j]...)
	out = append(out, dropoff)
	out = append(out, existing[j:]...)
	return out
}

// sequenceTime sums the leg times along stops. Any unavailable leg poisons
// the whole candidate.
func sequenceTime(stops []orders.Stop, matrix routing.Matrix) (float64, bool) {
	var total float64
	for k := 0; k+1 < len(stops); k++ {
		t, err := matrix.Time(stops[k].Coord, stops[k+1].Coord)
		if err != nil {
			return 0, false
		}
		total += t
	}
	return total, true
}

// singleTime is the standalone pickup -> dropoff time of one order.
func singleTime(o orders.Order, matrix routing.Matrix) (float64, error) {
	return matrix.Time(o.Pickup, o.Dropoff)
}
