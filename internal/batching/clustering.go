package batching

import (
	"sort"

	"github.com/samber/lo"

	"github.com/passl/dispatch-core/internal/orders"
)

// Cluster groups orders that are eligible to be batched together. No
// cross-cluster batching happens downstream.
type Cluster struct {
	Key    string
	Orders []orders.Order
}

// BuildClusters partitions the pool into candidate neighborhoods.
//
// With continuous chaining enabled the insertion heuristic itself rejects bad
// combinations via the detour caps, so the whole pool forms one global
// cluster. Otherwise orders group by pickup id, preserving pool insertion
// order within each group.
func BuildClusters(pool []orders.Order, policy Policy) []Cluster {
	if len(pool) == 0 {
		return nil
	}

	if policy.EnableContinuousChaining {
		return []Cluster{{Key: "global", Orders: capCandidates(pool, policy.MaxClusterCandidates)}}
	}

	groups := lo.GroupBy(pool, func(o orders.Order) string { return o.PickupID })

	// Map iteration is unordered; emit clusters by first appearance of each
	// pickup id so batching stays deterministic.
	keys := make([]string, 0, len(groups))
	seen := make(map[string]struct{}, len(groups))
	for _, o := range pool {
		if _, ok := seen[o.PickupID]; ok {
			continue
		}
		seen[o.PickupID] = struct{}{}
		keys = append(keys, o.PickupID)
	}

	clusters := make([]Cluster, 0, len(keys))
	for _, k := range keys {
		clusters = append(clusters, Cluster{
			Key:    "pickup_id:" + k,
			Orders: capCandidates(groups[k], policy.MaxClusterCandidates),
		})
	}
	return clusters
}

// capCandidates bounds cluster size, keeping the oldest orders. Ties on
// created_at fall back to id so the cap is deterministic.
func capCandidates(group []orders.Order, maxN int) []orders.Order {
	if maxN <= 0 || len(group) <= maxN {
		return group
	}
	sorted := append([]orders.Order(nil), group...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[:maxN]
}
