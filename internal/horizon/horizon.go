// Package horizon holds RAW orders and deliberately delays dispatching young
// ones so the batcher has more material, while the policy's max wait bounds
// how long any order can be held.
package horizon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/passl/dispatch-core/internal/batching"
	"github.com/passl/dispatch-core/internal/logger"
	"github.com/passl/dispatch-core/internal/orders"
	"github.com/passl/dispatch-core/internal/routing"
	"github.com/passl/dispatch-core/internal/store"
)

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	PoolSize int
	Now      time.Time
}

// Queue is the rolling horizon queue. It is the single writer of its pool;
// RunCycle is never re-entered (the mutex serializes a slow cycle against
// the next tick).
type Queue struct {
	mu     sync.Mutex
	pool   []orders.Order
	byID   map[string]struct{}
	policy batching.Policy
	// next is applied at the start of the next cycle; hot swaps never change
	// the policy mid-cycle.
	next *batching.Policy

	engine *batching.Engine
	matrix routing.Matrix
	st     *store.Store
	now    func() time.Time
	log    logger.Logger
}

// New builds the queue. st may be nil in simulations; persistence commands
// are then skipped.
func New(engine *batching.Engine, matrix routing.Matrix, st *store.Store, policy batching.Policy, log logger.Logger) (*Queue, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Queue{
		byID:   make(map[string]struct{}),
		policy: policy,
		engine: engine,
		matrix: matrix,
		st:     st,
		now:    time.Now,
		log:    log,
	}, nil
}

// SetClock overrides the time source, for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// EnqueueRaw admits an order into the pool. Double enqueues of the same id
// are ignored.
func (q *Queue) EnqueueRaw(ctx context.Context, o orders.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[o.ID]; ok {
		return nil
	}
	o.Status = orders.StatusRaw
	q.pool = append(q.pool, o)
	q.byID[o.ID] = struct{}{}

	if q.st != nil {
		if err := q.st.SaveOrder(ctx, o); err != nil {
			return fmt.Errorf("persist raw order %s: %w", o.ID, err)
		}
	}
	q.log.Debug("order enqueued", logger.Field{Key: "order_id", Value: o.ID})
	return nil
}

// SetPolicy stages a validated policy; it takes effect at the next cycle
// boundary.
func (q *Queue) SetPolicy(p batching.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next = &p
	return nil
}

// Policy returns the policy in effect.
func (q *Queue) Policy() batching.Policy {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.policy
}

// EvictCancelled drops an order from the pool regardless of stage.
func (q *Queue) EvictCancelled(ctx context.Context, orderID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[orderID]; !ok {
		return
	}
	delete(q.byID, orderID)
	for i, o := range q.pool {
		if o.ID == orderID {
			q.pool = append(q.pool[:i], q.pool[i+1:]...)
			break
		}
	}
	if q.st != nil {
		if err := q.st.UpdateOrderStatus(ctx, orderID, orders.StatusCancelled); err != nil {
			q.log.Warn("cancel status update failed", logger.Field{Key: "order_id", Value: orderID}, logger.Field{Key: "error", Value: err})
		}
	}
}

// Stats reports pool size for monitoring.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{PoolSize: len(q.pool), Now: q.now()}
}

// RunCycle batches the full held pool once. Orders that land in jobs leave
// the pool as READY; deferred orders stay for the next tick.
func (q *Queue) RunCycle(ctx context.Context) ([]orders.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.next != nil {
		q.policy = *q.next
		q.next = nil
		q.log.Info("policy swapped at cycle boundary")
	}
	if len(q.pool) == 0 {
		return nil, nil
	}

	now := q.now()
	pool := make([]orders.Order, len(q.pool))
	ages := make(map[string]float64, len(q.pool))
	for i := range q.pool {
		// Held orders transition RAW -> BATCHING the first cycle that touches
		// them, and the store sees the transition.
		if q.pool[i].Status != orders.StatusBatching {
			q.pool[i].Status = orders.StatusBatching
			if q.st != nil {
				if err := q.st.UpdateOrderStatus(ctx, q.pool[i].ID, orders.StatusBatching); err != nil {
					q.log.Warn("order status update failed", logger.Field{Key: "order_id", Value: q.pool[i].ID}, logger.Field{Key: "error", Value: err})
				}
			}
		}
		pool[i] = q.pool[i]
		ages[q.pool[i].ID] = now.Sub(q.pool[i].CreatedAt).Seconds()
	}

	result, err := q.engine.BatchOrders(ctx, pool, q.matrix, q.policy, ages)
	if err != nil {
		return nil, err
	}

	assigned := make(map[string]struct{})
	for _, id := range result.OrderIDs() {
		assigned[id] = struct{}{}
	}

	kept := q.pool[:0]
	for _, o := range q.pool {
		if _, ok := assigned[o.ID]; ok {
			delete(q.byID, o.ID)
			continue
		}
		kept = append(kept, o)
	}
	q.pool = kept

	if q.st != nil {
		for _, job := range result.Jobs {
			if err := q.st.SaveJob(ctx, job); err != nil {
				q.log.Error("job persist failed", logger.Field{Key: "job_id", Value: job.ID}, logger.Field{Key: "error", Value: err})
			}
			for _, oid := range job.OrderIDs {
				if err := q.st.UpdateOrderStatus(ctx, oid, orders.StatusReady); err != nil {
					q.log.Warn("order status update failed", logger.Field{Key: "order_id", Value: oid}, logger.Field{Key: "error", Value: err})
				}
			}
		}
	}

	q.log.Info("batching cycle complete",
		logger.Field{Key: "jobs", Value: len(result.Jobs)},
		logger.Field{Key: "deferred", Value: len(result.UnbatchedOrders)})
	return result.Jobs, nil
}
