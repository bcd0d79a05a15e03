package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/passl/dispatch-core/internal/geo"
)

// ErrInvariantViolation marks a programmer error: a job was constructed that
// breaks the route invariants. Callers skip the offending cluster and leave
// the pool intact for the next cycle.
var ErrInvariantViolation = errors.New("invariant violation")

func invariantf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvariantViolation}, args...)...)
}

// Job is an immutable routed unit of work produced by the batching engine.
// The dispatcher holds jobs by value; nothing mutates a job after NewJob.
type Job struct {
	ID       string
	JobType  JobType
	OrderIDs []string
	Stops    []Stop

	// Route metrics, derived at construction.
	TotalTimeSeconds  float64
	ETASeconds        float64
	DetourFactor      float64
	SavingsPercentage float64

	CreatedAt time.Time
}

// NewJob builds and validates a job. It fails loudly on any violation of the
// route invariants instead of emitting a malformed job.
func NewJob(orderIDs []string, stops []Stop) (Job, error) {
	j := Job{
		ID:        uuid.NewString(),
		OrderIDs:  append([]string(nil), orderIDs...),
		Stops:     append([]Stop(nil), stops...),
		CreatedAt: time.Now().UTC(),
	}
	if len(j.OrderIDs) == 1 {
		j.JobType = JobSingle
	} else {
		j.JobType = JobBatch
	}
	if err := j.validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

func (j Job) validate() error {
	if len(j.OrderIDs) == 0 {
		return invariantf("job %s has no orders", j.ID)
	}
	if len(j.Stops) != 2*len(j.OrderIDs) {
		return invariantf("job %s has %d stops for %d orders", j.ID, len(j.Stops), len(j.OrderIDs))
	}
	if j.Stops[0].Kind != StopPickup {
		return invariantf("job %s does not start with a pickup", j.ID)
	}
	if j.Stops[len(j.Stops)-1].Kind != StopDropoff {
		return invariantf("job %s does not end with a dropoff", j.ID)
	}

	pickupAt := make(map[string]int, len(j.OrderIDs))
	dropoffAt := make(map[string]int, len(j.OrderIDs))
	for i, s := range j.Stops {
		switch s.Kind {
		case StopPickup:
			if _, dup := pickupAt[s.OrderID]; dup {
				return invariantf("job %s has two pickups for order %s", j.ID, s.OrderID)
			}
			pickupAt[s.OrderID] = i
		case StopDropoff:
			if _, dup := dropoffAt[s.OrderID]; dup {
				return invariantf("job %s has two dropoffs for order %s", j.ID, s.OrderID)
			}
			dropoffAt[s.OrderID] = i
		default:
			return invariantf("job %s has stop of unknown kind %q", j.ID, s.Kind)
		}
	}

	seen := make(map[string]struct{}, len(j.OrderIDs))
	for _, oid := range j.OrderIDs {
		if _, dup := seen[oid]; dup {
			return invariantf("job %s lists order %s twice", j.ID, oid)
		}
		seen[oid] = struct{}{}

		p, ok := pickupAt[oid]
		if !ok {
			return invariantf("job %s is missing the pickup for order %s", j.ID, oid)
		}
		d, ok := dropoffAt[oid]
		if !ok {
			return invariantf("job %s is missing the dropoff for order %s", j.ID, oid)
		}
		if p > d {
			return invariantf("job %s drops off order %s before picking it up", j.ID, oid)
		}
	}
	if len(pickupAt) != len(j.OrderIDs) || len(dropoffAt) != len(j.OrderIDs) {
		return invariantf("job %s has stops for orders outside its order list", j.ID)
	}
	return nil
}

// PickupCoord is the first stop's coordinate, used for driver selection.
func (j Job) PickupCoord() geo.Coord {
	return j.Stops[0].Coord
}
