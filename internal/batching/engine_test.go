package batching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passl/dispatch-core/internal/logger"
	"github.com/passl/dispatch-core/internal/orders"
)

func testEngine() *Engine { return NewEngine(logger.Nop()) }

func TestBatchTwoNearbyOrders(t *testing.T) {
	pool := []orders.Order{
		order("o1", "r1", at(0, 0), at(10, 0), 0),
		order("o2", "r1", at(0, 0), at(11, 0), time.Second),
	}

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), noHorizonPolicy(), nil)
	require.NoError(t, err)

	require.Len(t, res.Jobs, 1)
	require.Empty(t, res.UnbatchedOrders)

	job := res.Jobs[0]
	assert.Equal(t, orders.JobBatch, job.JobType)
	assert.ElementsMatch(t, []string{"o1", "o2"}, job.OrderIDs)
	// Singles cost 10 + 11 = 21; the combined route covers both in 11.
	assert.Equal(t, 11.0, job.TotalTimeSeconds)
	assert.InDelta(t, 11.0/21.0, job.DetourFactor, 1e-9)
	assert.InDelta(t, (1-11.0/21.0)*100, job.SavingsPercentage, 1e-9)
}

func TestChainsAcrossPickups(t *testing.T) {
	// o1's dropoff sits 5 units from o2's pickup, so driving on from D1 to
	// collect o2 costs almost nothing compared to two standalone trips.
	pool := []orders.Order{
		order("o1", "rA", at(0, 0), at(100, 0), 0),
		order("o2", "rB", at(105, 0), at(205, 0), time.Second),
	}

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), noHorizonPolicy(), nil)
	require.NoError(t, err)

	require.Len(t, res.Jobs, 1)
	require.Empty(t, res.UnbatchedOrders)

	job := res.Jobs[0]
	assert.Equal(t, orders.JobBatch, job.JobType)
	require.Len(t, job.Stops, 4)
	wantKinds := []orders.StopKind{orders.StopPickup, orders.StopDropoff, orders.StopPickup, orders.StopDropoff}
	wantOrders := []string{"o1", "o1", "o2", "o2"}
	for i, s := range job.Stops {
		assert.Equal(t, wantKinds[i], s.Kind, "stop %d kind", i)
		assert.Equal(t, wantOrders[i], s.OrderID, "stop %d order", i)
	}

	// Chained route is 205 against 200 for the singles: a mild detour under
	// the pair cap, with negative savings reported honestly.
	assert.Equal(t, 205.0, job.TotalTimeSeconds)
	assert.InDelta(t, 205.0/200.0, job.DetourFactor, 1e-9)
	assert.Less(t, job.SavingsPercentage, 0.0)
}

func TestChainRequiresChainingEnabled(t *testing.T) {
	pool := []orders.Order{
		order("o1", "rA", at(0, 0), at(100, 0), 0),
		order("o2", "rB", at(105, 0), at(205, 0), time.Second),
	}
	p := noHorizonPolicy()
	p.EnableContinuousChaining = false

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), p, nil)
	require.NoError(t, err)

	// Different pickup ids land in different clusters; no cross-cluster batch.
	require.Len(t, res.Jobs, 2)
	for _, job := range res.Jobs {
		assert.Equal(t, orders.JobSingle, job.JobType)
	}
}

func TestChainRejectedBeyondDetourCap(t *testing.T) {
	// The connecting leg dwarfs both trips; the pair cap keeps them apart.
	pool := []orders.Order{
		order("o1", "rA", at(0, 0), at(100, 0), 0),
		order("o2", "rB", at(500, 0), at(600, 0), time.Second),
	}

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), noHorizonPolicy(), nil)
	require.NoError(t, err)

	require.Len(t, res.Jobs, 2)
	for _, job := range res.Jobs {
		assert.Equal(t, orders.JobSingle, job.JobType)
	}
}

func TestDistantOrdersStaySingle(t *testing.T) {
	pool := []orders.Order{
		order("o1", "r1", at(0, 0), at(10, 0), 0),
		order("o2", "r2", at(1000, 0), at(1010, 0), time.Second),
	}

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), noHorizonPolicy(), nil)
	require.NoError(t, err)

	require.Len(t, res.Jobs, 2)
	require.Empty(t, res.UnbatchedOrders)
	for _, job := range res.Jobs {
		assert.Equal(t, orders.JobSingle, job.JobType)
		assert.Equal(t, 1.0, job.DetourFactor)
	}
}

func TestRollingHorizonDefersYoungSingletons(t *testing.T) {
	pool := []orders.Order{
		order("o1", "r1", at(0, 0), at(10, 0), 0),
		order("o2", "r2", at(1000, 0), at(1010, 0), 0),
	}
	p := DefaultPolicy() // rolling horizon on, max wait 180s
	ages := map[string]float64{"o1": 10, "o2": 10}

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), p, ages)
	require.NoError(t, err)

	assert.Empty(t, res.Jobs)
	require.Len(t, res.UnbatchedOrders, 2)
	// Pool insertion order is preserved for the next cycle.
	assert.Equal(t, "o1", res.UnbatchedOrders[0].ID)
	assert.Equal(t, "o2", res.UnbatchedOrders[1].ID)
}

func TestRollingHorizonStillBatchesYoungOrders(t *testing.T) {
	pool := []orders.Order{
		order("o1", "r1", at(0, 0), at(10, 0), 0),
		order("o2", "r1", at(0, 0), at(11, 0), time.Second),
	}
	ages := map[string]float64{"o1": 5, "o2": 4}

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), DefaultPolicy(), ages)
	require.NoError(t, err)

	// Deferral applies to leftovers only; a profitable batch leaves now.
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, orders.JobBatch, res.Jobs[0].JobType)
	assert.Empty(t, res.UnbatchedOrders)
}

func TestRollingHorizonForcesAgedSingleton(t *testing.T) {
	pool := []orders.Order{
		order("o1", "r1", at(0, 0), at(10, 0), 0),
	}
	ages := map[string]float64{"o1": 200}

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), DefaultPolicy(), ages)
	require.NoError(t, err)

	require.Len(t, res.Jobs, 1)
	assert.Equal(t, orders.JobSingle, res.Jobs[0].JobType)
	assert.Equal(t, 10.0, res.Jobs[0].TotalTimeSeconds)
	assert.Empty(t, res.UnbatchedOrders)
}

func TestMatrixUnavailableDefersYoungOrder(t *testing.T) {
	pool := []orders.Order{order("o1", "r1", at(0, 0), at(10, 0), 0)}
	ages := map[string]float64{"o1": 10}

	res, err := testEngine().BatchOrders(context.Background(), pool, unavailableMatrix{}, DefaultPolicy(), ages)
	require.NoError(t, err)

	assert.Empty(t, res.Jobs)
	require.Len(t, res.UnbatchedOrders, 1)
}

func TestMatrixUnavailableForcesAgedSingleton(t *testing.T) {
	pool := []orders.Order{order("o1", "r1", at(0, 0), at(10, 0), 0)}
	ages := map[string]float64{"o1": 500}

	res, err := testEngine().BatchOrders(context.Background(), pool, unavailableMatrix{}, DefaultPolicy(), ages)
	require.NoError(t, err)

	// The order must not be starved just because routing is down; it leaves
	// as a single with unknown metrics.
	require.Len(t, res.Jobs, 1)
	job := res.Jobs[0]
	assert.Equal(t, orders.JobSingle, job.JobType)
	assert.Equal(t, 0.0, job.TotalTimeSeconds)
	assert.Equal(t, 0.0, job.DetourFactor)
	assert.Empty(t, res.UnbatchedOrders)
}

func TestMaxBatchSizeBound(t *testing.T) {
	pool := []orders.Order{
		order("o1", "r1", at(0, 0), at(10, 0), 0),
		order("o2", "r1", at(0, 0), at(11, 0), time.Second),
		order("o3", "r1", at(0, 0), at(12, 0), 2*time.Second),
	}
	p := noHorizonPolicy()
	p.MaxBatchSize = 2

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), p, nil)
	require.NoError(t, err)

	require.Len(t, res.Jobs, 2)
	batch, single := res.Jobs[0], res.Jobs[1]
	if batch.JobType != orders.JobBatch {
		batch, single = single, batch
	}
	assert.Len(t, batch.OrderIDs, 2)
	assert.Len(t, single.OrderIDs, 1)
}

func TestMaxClusterCandidatesCapsWork(t *testing.T) {
	pool := []orders.Order{
		order("o1", "r1", at(0, 0), at(10, 0), 0),
		order("o2", "r1", at(0, 0), at(11, 0), time.Second),
		order("o3", "r1", at(0, 0), at(12, 0), 2*time.Second),
	}
	p := noHorizonPolicy()
	p.MaxClusterCandidates = 2

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), p, nil)
	require.NoError(t, err)

	// Only the two oldest enter the cluster; the third waits in the pool.
	require.Len(t, res.Jobs, 1)
	assert.ElementsMatch(t, []string{"o1", "o2"}, res.Jobs[0].OrderIDs)
	require.Len(t, res.UnbatchedOrders, 1)
	assert.Equal(t, "o3", res.UnbatchedOrders[0].ID)
}

func TestClusteringByPickupIDIsolation(t *testing.T) {
	pool := []orders.Order{
		order("o1", "rA", at(0, 0), at(10, 0), 0),
		order("o2", "rA", at(0, 0), at(11, 0), time.Second),
		order("o3", "rB", at(1000, 0), at(1010, 0), 2*time.Second),
		order("o4", "rB", at(1000, 0), at(1011, 0), 3*time.Second),
	}
	p := noHorizonPolicy()
	p.EnableContinuousChaining = false

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), p, nil)
	require.NoError(t, err)

	require.Len(t, res.Jobs, 2)
	assert.ElementsMatch(t, []string{"o1", "o2"}, res.Jobs[0].OrderIDs)
	assert.ElementsMatch(t, []string{"o3", "o4"}, res.Jobs[1].OrderIDs)
}

func TestBatchOrdersPartitionsInput(t *testing.T) {
	pool := []orders.Order{
		order("o1", "r1", at(0, 0), at(10, 0), 0),
		order("o2", "r1", at(0, 0), at(11, 0), time.Second),
		order("o3", "r2", at(500, 0), at(510, 0), 2*time.Second),
		order("o4", "r3", at(-300, 0), at(-310, 0), 3*time.Second),
		order("o5", "r1", at(0, 0), at(9, 1), 4*time.Second),
	}

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), noHorizonPolicy(), nil)
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, job := range res.Jobs {
		for _, id := range job.OrderIDs {
			seen[id]++
		}
	}
	for _, o := range res.UnbatchedOrders {
		seen[o.ID]++
	}
	require.Len(t, seen, len(pool))
	for id, n := range seen {
		assert.Equalf(t, 1, n, "order %s appears %d times", id, n)
	}
}

func TestBatchOrdersDeterministic(t *testing.T) {
	pool := []orders.Order{
		order("o1", "r1", at(0, 0), at(10, 0), 0),
		order("o2", "r1", at(0, 0), at(11, 0), time.Second),
		order("o3", "r1", at(0, 0), at(12, 0), 2*time.Second),
		order("o4", "r2", at(200, 0), at(210, 0), 3*time.Second),
	}

	first, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), noHorizonPolicy(), nil)
	require.NoError(t, err)

	for run := 0; run < 5; run++ {
		again, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), noHorizonPolicy(), nil)
		require.NoError(t, err)
		require.Len(t, again.Jobs, len(first.Jobs))
		for i := range first.Jobs {
			assert.Equal(t, first.Jobs[i].OrderIDs, again.Jobs[i].OrderIDs)
			assert.Equal(t, first.Jobs[i].Stops, again.Jobs[i].Stops)
			assert.Equal(t, first.Jobs[i].TotalTimeSeconds, again.Jobs[i].TotalTimeSeconds)
		}
		assert.Equal(t, first.UnbatchedOrders, again.UnbatchedOrders)
	}
}

func TestBatchOrdersEmptyPool(t *testing.T) {
	res, err := testEngine().BatchOrders(context.Background(), nil, flatMatrix(), DefaultPolicy(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Jobs)
	assert.Empty(t, res.UnbatchedOrders)
}

func TestBatchOrdersRejectsInvalidPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.MaxBatchSize = 0
	_, err := testEngine().BatchOrders(context.Background(), []orders.Order{
		order("o1", "r1", at(0, 0), at(10, 0), 0),
	}, flatMatrix(), p, nil)
	assert.Error(t, err)
}

func TestStopInvariantsOnEveryJob(t *testing.T) {
	pool := []orders.Order{
		order("o1", "r1", at(0, 0), at(10, 0), 0),
		order("o2", "r1", at(0, 0), at(11, 0), time.Second),
		order("o3", "r1", at(1, 0), at(12, 3), 2*time.Second),
		order("o4", "r1", at(0, 1), at(9, -2), 3*time.Second),
	}

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), noHorizonPolicy(), nil)
	require.NoError(t, err)

	for _, job := range res.Jobs {
		require.Len(t, job.Stops, 2*len(job.OrderIDs))
		assert.Equal(t, orders.StopPickup, job.Stops[0].Kind)
		assert.Equal(t, orders.StopDropoff, job.Stops[len(job.Stops)-1].Kind)

		pickupIdx := make(map[string]int)
		for i, s := range job.Stops {
			if s.Kind == orders.StopPickup {
				pickupIdx[s.OrderID] = i
			} else {
				assert.Greater(t, i, pickupIdx[s.OrderID])
			}
		}
	}
}

func TestPreferOlderOrdersBreaksTies(t *testing.T) {
	// o2 and o3 both save exactly the same travel time when joined with o1;
	// the age bonus makes o3, reported older, win the first insertion.
	pool := []orders.Order{
		order("o1", "r1", at(0, 0), at(10, 0), 0),
		order("o2", "r1", at(0, 0), at(11, 0), time.Second),
		order("o3", "r1", at(0, 0), at(11, 0), 2*time.Second),
	}
	p := noHorizonPolicy()
	p.MaxBatchSize = 2
	p.PreferOlderOrders = true
	p.AgeWeight = 1
	ages := map[string]float64{"o1": 0, "o2": 30, "o3": 90}

	res, err := testEngine().BatchOrders(context.Background(), pool, flatMatrix(), p, ages)
	require.NoError(t, err)

	require.Len(t, res.Jobs, 2)
	var batch orders.Job
	for _, j := range res.Jobs {
		if j.JobType == orders.JobBatch {
			batch = j
		}
	}
	assert.ElementsMatch(t, []string{"o1", "o3"}, batch.OrderIDs)
}
