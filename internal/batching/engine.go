package batching

import (
	"context"

	"github.com/passl/dispatch-core/internal/geo"
	"github.com/passl/dispatch-core/internal/logger"
	"github.com/passl/dispatch-core/internal/orders"
	"github.com/passl/dispatch-core/internal/routing"
)

// Engine is the sole batching entry point other packages call. It is
// stateless; every dependency arrives per call or at construction.
type Engine struct {
	log logger.Logger
}

func NewEngine(log logger.Logger) *Engine {
	return &Engine{log: log}
}

// BatchOrders clusters the pool, prefetches each cluster's travel times in
// one bulk call, and runs greedy insertion per cluster. The returned result
// partitions the input: every pool order lands in exactly one job or in
// UnbatchedOrders, which preserves pool insertion order.
//
// The call is deterministic: identical inputs and matrix state produce a
// structurally equal result.
func (e *Engine) BatchOrders(ctx context.Context, pool []orders.Order, matrix routing.Matrix, policy Policy, ageSeconds map[string]float64) (orders.BatchResult, error) {
	if err := policy.Validate(); err != nil {
		return orders.BatchResult{}, err
	}
	if len(pool) == 0 {
		return orders.BatchResult{}, nil
	}

	clusters := BuildClusters(pool, policy)

	var jobs []orders.Job
	assigned := make(map[string]struct{})

	for _, cluster := range clusters {
		if len(cluster.Orders) == 0 {
			continue
		}

		coords := make([]geo.Coord, 0, 2*len(cluster.Orders))
		for _, o := range cluster.Orders {
			coords = append(coords, o.Pickup, o.Dropoff)
		}
		if err := matrix.Prefetch(ctx, geo.Dedupe(coords)); err != nil {
			// Pairs that stayed cold are skipped individually by scoring;
			// affected orders retry next cycle.
			e.log.Warn("cluster prefetch failed",
				logger.Field{Key: "cluster", Value: cluster.Key},
				logger.Field{Key: "error", Value: err})
		}

		clusterJobs, err := scoreCluster(cluster.Orders, matrix, policy, ageSeconds)
		if err != nil {
			if IsInvariantViolation(err) {
				// Programmer error: skip this cluster, keep its orders in
				// the pool for the next cycle.
				e.log.Error("cluster skipped",
					logger.Field{Key: "cluster", Value: cluster.Key},
					logger.Field{Key: "error", Value: err})
				continue
			}
			return orders.BatchResult{}, err
		}

		for _, j := range clusterJobs {
			for _, oid := range j.OrderIDs {
				assigned[oid] = struct{}{}
			}
		}
		jobs = append(jobs, clusterJobs...)
	}

	unbatched := make([]orders.Order, 0, len(pool)-len(assigned))
	for _, o := range pool {
		if _, ok := assigned[o.ID]; !ok {
			unbatched = append(unbatched, o)
		}
	}

	return orders.BatchResult{Jobs: jobs, UnbatchedOrders: unbatched}, nil
}
