package batching

import (
	"errors"

	"github.com/passl/dispatch-core/internal/orders"
	"github.com/passl/dispatch-core/internal/routing"
)

// scoreCluster grows jobs by greedy insertion: seed with the oldest order,
// then repeatedly commit the best-scoring insertion until the detour caps or
// the batch size stop it. Singletons consult the rolling
// horizon and may be deferred instead of emitted.
//
// Returns ErrInvariantViolation if a job fails construction; the caller skips
// the cluster and leaves its orders in the pool for the next cycle.
func scoreCluster(cluster []orders.Order, matrix routing.Matrix, policy Policy, ageSeconds map[string]float64) ([]orders.Job, error) {
	remaining := append([]orders.Order(nil), cluster...)
	var jobs []orders.Job

	age := func(id string) float64 {
		if ageSeconds == nil {
			return 0
		}
		return ageSeconds[id]
	}

	for len(remaining) > 0 {
		seedIdx := pickSeed(remaining)
		seed := remaining[seedIdx]
		remaining = append(remaining[:seedIdx], remaining[seedIdx+1:]...)

		seedSingle, err := singleTime(seed, matrix)
		if err != nil {
			// No travel time for the seed itself: defer unless the horizon
			// forces it out as a single with unknown metrics.
			if mustEmitSingle(policy, age(seed.ID)) {
				job, jerr := singleJob(seed, 0)
				if jerr != nil {
					return nil, jerr
				}
				jobs = append(jobs, job)
			}
			continue
		}

		active := activeJob{
			stops:       []orders.Stop{orders.PickupStop(seed), orders.DropoffStop(seed)},
			orderIDs:    []string{seed.ID},
			baselineSum: seedSingle,
			totalTime:   seedSingle,
		}

		for len(active.orderIDs) < policy.MaxBatchSize && len(remaining) > 0 {
			bestIdx, best, ok := bestInsertion(active, remaining, matrix, policy, age)
			if !ok {
				break
			}
			active.stops = best.eval.BestStops
			active.totalTime = best.eval.BestTimeSeconds
			active.baselineSum += best.tSingle
			active.orderIDs = append(active.orderIDs, remaining[bestIdx].ID)
			remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
		}

		if len(active.orderIDs) >= 2 {
			job, jerr := batchJob(active)
			if jerr != nil {
				return nil, jerr
			}
			jobs = append(jobs, job)
			continue
		}

		// Singleton: the rolling horizon may hold it back for another cycle.
		if !mustEmitSingle(policy, age(seed.ID)) {
			continue
		}
		job, jerr := singleJob(seed, seedSingle)
		if jerr != nil {
			return nil, jerr
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

type activeJob struct {
	stops       []orders.Stop
	orderIDs    []string
	baselineSum float64
	totalTime   float64
}

type insertionCandidate struct {
	eval    FeasibilityResult
	tSingle float64
	score   float64
}

// bestInsertion evaluates every remaining order against the active job and
// returns the best admissible insertion. The detour cap for the resulting
// size is the sole admission rule, so a chain that runs slightly longer than
// the sum of singles still qualifies; savings (plus the age bonus) only
// orders the admitted candidates. Candidates the matrix cannot serve are
// rejected. Ties on score break by older created_at, then smaller id.
func bestInsertion(active activeJob, remaining []orders.Order, matrix routing.Matrix, policy Policy, age func(string) float64) (int, insertionCandidate, bool) {
	resultingSize := len(active.orderIDs) + 1
	detourCap := policy.PairDetourCap
	if resultingSize >= 3 {
		detourCap = policy.MultiDetourCap
	}

	bestIdx := -1
	var best insertionCandidate
	for i, o := range remaining {
		tSingle, err := singleTime(o, matrix)
		if err != nil {
			continue
		}
		eval := EvaluateInsertion(active.stops, o, matrix)
		if !eval.IsFeasible {
			continue
		}

		baseline := active.baselineSum + tSingle
		if baseline <= 0 {
			continue
		}
		detour := eval.BestTimeSeconds / baseline
		if detour > detourCap {
			continue
		}
		savings := baseline - eval.BestTimeSeconds

		score := savings
		if policy.PreferOlderOrders {
			score += policy.AgeWeight * age(o.ID)
		}

		cand := insertionCandidate{eval: eval, tSingle: tSingle, score: score}
		if bestIdx < 0 || better(cand, o, best, remaining[bestIdx]) {
			bestIdx = i
			best = cand
		}
	}
	if bestIdx < 0 {
		return 0, insertionCandidate{}, false
	}
	return bestIdx, best, true
}

func better(a insertionCandidate, ao orders.Order, b insertionCandidate, bo orders.Order) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if !ao.CreatedAt.Equal(bo.CreatedAt) {
		return ao.CreatedAt.Before(bo.CreatedAt)
	}
	return ao.ID < bo.ID
}

// pickSeed returns the index of the oldest order, id as the final tie-break.
func pickSeed(pool []orders.Order) int {
	idx := 0
	for i := 1; i < len(pool); i++ {
		a, b := pool[i], pool[idx]
		if a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID < b.ID) {
			idx = i
		}
	}
	return idx
}

// mustEmitSingle reports whether a leftover order leaves the horizon now.
func mustEmitSingle(policy Policy, ageSeconds float64) bool {
	if !policy.EnableRollingHorizon {
		return true
	}
	return ageSeconds >= policy.MaxWaitTimeSeconds
}

func batchJob(active activeJob) (orders.Job, error) {
	job, err := orders.NewJob(active.orderIDs, active.stops)
	if err != nil {
		return orders.Job{}, err
	}
	job.TotalTimeSeconds = active.totalTime
	job.ETASeconds = active.totalTime
	if active.baselineSum > 0 {
		job.DetourFactor = active.totalTime / active.baselineSum
		job.SavingsPercentage = (1 - active.totalTime/active.baselineSum) * 100
	}
	return job, nil
}

func singleJob(o orders.Order, tSingle float64) (orders.Job, error) {
	job, err := orders.NewJob([]string{o.ID}, []orders.Stop{orders.PickupStop(o), orders.DropoffStop(o)})
	if err != nil {
		return orders.Job{}, err
	}
	job.TotalTimeSeconds = tSingle
	job.ETASeconds = tSingle
	if tSingle > 0 {
		job.DetourFactor = 1
	}
	return job, nil
}

// IsInvariantViolation reports whether err came from job construction.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, orders.ErrInvariantViolation)
}
