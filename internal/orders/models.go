// Package orders defines the domain model for the batching core: orders,
// stops, jobs and the per-cycle batch result. Stops and jobs reference orders
// by id only; nothing in this package holds pointers across aggregates.
package orders

import (
	"time"

	"github.com/passl/dispatch-core/internal/geo"
)

// Status is the order lifecycle state. The batching core only drives
// RAW -> BATCHING -> READY; downstream transitions belong to the dispatcher
// and the store.
type Status string

const (
	StatusRaw       Status = "RAW"
	StatusBatching  Status = "BATCHING"
	StatusReady     Status = "READY"
	StatusAssigned  Status = "ASSIGNED"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// StopKind distinguishes pickup and dropoff stops.
type StopKind string

const (
	StopPickup  StopKind = "PICKUP"
	StopDropoff StopKind = "DROPOFF"
)

// JobType distinguishes single-order jobs from multi-order batches.
type JobType string

const (
	JobSingle JobType = "SINGLE"
	JobBatch  JobType = "BATCH"
)

// Order is a delivery order as seen by the batching core. PickupID identifies
// the pickup origin (merchant); two orders may share a PickupID only when
// their pickup coordinates are identical.
type Order struct {
	ID        string
	PickupID  string
	Pickup    geo.Coord
	Dropoff   geo.Coord
	CreatedAt time.Time
	Status    Status
}

// Validate enforces the order invariants.
func (o Order) Validate() error {
	if o.ID == "" {
		return invariantf("order has empty id")
	}
	if !o.Pickup.Valid() || !o.Dropoff.Valid() {
		return invariantf("order %s has non-finite coordinates", o.ID)
	}
	if o.Pickup == o.Dropoff {
		return invariantf("order %s pickup equals dropoff", o.ID)
	}
	return nil
}

// Stop is one leg endpoint in a job route. Each stop references exactly one
// order by id.
type Stop struct {
	Kind    StopKind
	OrderID string
	Coord   geo.Coord
}

// PickupStop and DropoffStop build the two stops of an order.
func PickupStop(o Order) Stop  { return Stop{Kind: StopPickup, OrderID: o.ID, Coord: o.Pickup} }
func DropoffStop(o Order) Stop { return Stop{Kind: StopDropoff, OrderID: o.ID, Coord: o.Dropoff} }

// BatchResult is the output of one batching run. Jobs and UnbatchedOrders
// partition the input pool: every input order appears in exactly one of them.
type BatchResult struct {
	Jobs            []Job
	UnbatchedOrders []Order
}

// OrderIDs returns the ids of every order assigned to a job, in job order.
func (r BatchResult) OrderIDs() []string {
	var ids []string
	for _, j := range r.Jobs {
		ids = append(ids, j.OrderIDs...)
	}
	return ids
}
