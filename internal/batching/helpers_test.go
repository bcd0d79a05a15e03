package batching

import (
	"context"
	"time"

	"github.com/passl/dispatch-core/internal/geo"
	"github.com/passl/dispatch-core/internal/orders"
	"github.com/passl/dispatch-core/internal/routing"
)

// flatMatrix thinks in raw meters: one second per unit of Manhattan distance.
func flatMatrix() *routing.ManhattanMatrix {
	return &routing.ManhattanMatrix{SpeedMPS: 1, MetersPerDegree: 1}
}

// unavailableMatrix refuses every query, simulating a dead OSRM.
type unavailableMatrix struct{}

func (unavailableMatrix) Time(a, b geo.Coord) (float64, error) {
	return 0, routing.ErrMatrixUnavailable
}

func (unavailableMatrix) Prefetch(context.Context, []geo.Coord) error {
	return routing.ErrMatrixUnavailable
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func order(id, pickupID string, pickup, dropoff geo.Coord, age time.Duration) orders.Order {
	return orders.Order{
		ID:        id,
		PickupID:  pickupID,
		Pickup:    pickup,
		Dropoff:   dropoff,
		CreatedAt: testEpoch.Add(age),
		Status:    orders.StatusRaw,
	}
}

func at(lon, lat float64) geo.Coord { return geo.Coord{Lon: lon, Lat: lat} }

// noHorizonPolicy emits leftovers immediately so tests see every singleton.
func noHorizonPolicy() Policy {
	p := DefaultPolicy()
	p.EnableRollingHorizon = false
	return p
}
