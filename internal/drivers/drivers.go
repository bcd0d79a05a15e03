// Package drivers models couriers and orders them into offer waves for a job.
package drivers

import (
	"sort"

	"github.com/samber/lo"

	"github.com/passl/dispatch-core/internal/batching"
	"github.com/passl/dispatch-core/internal/geo"
	"github.com/passl/dispatch-core/internal/orders"
	"github.com/passl/dispatch-core/internal/routing"
)

// DriverStatus is the courier availability state.
type DriverStatus string

const (
	StatusAvailable        DriverStatus = "available"
	StatusTransitToCollect DriverStatus = "transittoCollect"
	StatusTransitToDropoff DriverStatus = "transittoDropoff"
	StatusPaused           DriverStatus = "paused"
	StatusOffline          DriverStatus = "offline"
	StatusUnregistered     DriverStatus = "unregistered"
)

// Driver is a stateless snapshot of a courier at a point in time.
type Driver struct {
	ID          string
	Location    geo.Coord
	Status      DriverStatus
	MaxCapacity int
	PushToken   string
}

// FilterEligible keeps drivers who can take the job: available or already in
// transit to a collection, with capacity for every order in the job.
func FilterEligible(all []Driver, requiredCapacity int) []Driver {
	eligible := make([]Driver, 0, len(all))
	for _, d := range all {
		if d.Status != StatusAvailable && d.Status != StatusTransitToCollect {
			continue
		}
		if d.MaxCapacity < requiredCapacity {
			continue
		}
		eligible = append(eligible, d)
	}
	return eligible
}

// BuildDriverWaves orders eligible drivers by travel time to the job's first
// pickup and partitions them into policy.WaveCount buckets of
// policy.WaveSize. Drivers whose travel time the matrix cannot serve are kept
// and sort last rather than being skipped: an offer to a driver of unknown
// distance still beats starving the job when the matrix is cold. Equal times
// break by smaller driver id. Trailing waves are empty when drivers run out.
func BuildDriverWaves(job orders.Job, online []Driver, matrix routing.Matrix, policy batching.Policy) [][]string {
	eligible := FilterEligible(online, len(job.OrderIDs))
	pickup := job.PickupCoord()

	type ranked struct {
		id      string
		seconds float64
		routed  bool
	}
	rankings := make([]ranked, 0, len(eligible))
	for _, d := range eligible {
		t, err := matrix.Time(d.Location, pickup)
		rankings = append(rankings, ranked{id: d.ID, seconds: t, routed: err == nil})
	}
	sort.Slice(rankings, func(i, j int) bool {
		a, b := rankings[i], rankings[j]
		if a.routed != b.routed {
			return a.routed
		}
		if a.seconds != b.seconds {
			return a.seconds < b.seconds
		}
		return a.id < b.id
	})

	ids := make([]string, len(rankings))
	for i, r := range rankings {
		ids[i] = r.id
	}

	waves := lo.Chunk(ids, policy.WaveSize)
	if len(waves) > policy.WaveCount {
		waves = waves[:policy.WaveCount]
	}
	for len(waves) < policy.WaveCount {
		waves = append(waves, []string{})
	}
	return waves
}

// HandleDriverAcceptance returns the driver value after committing a job:
// one capacity slot per order is consumed and the driver heads to collect.
// The update is pure; persisting it is the caller's command.
func HandleDriverAcceptance(d Driver, job orders.Job) Driver {
	d.MaxCapacity -= len(job.OrderIDs)
	if d.MaxCapacity < 0 {
		d.MaxCapacity = 0
	}
	d.Status = StatusTransitToCollect
	return d
}
