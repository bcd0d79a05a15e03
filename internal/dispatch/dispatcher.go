// Package dispatch runs the per-job offer state machine: PENDING ->
// OFFERING(wave k) -> ASSIGNED | ABANDONED. A rate-limiting workqueue
// deduplicates dispatch requests by job id and an ants pool executes the
// wave loops, so many jobs dispatch in parallel without unbounded goroutines.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"
	"k8s.io/client-go/util/workqueue"

	"github.com/passl/dispatch-core/internal/batching"
	"github.com/passl/dispatch-core/internal/drivers"
	"github.com/passl/dispatch-core/internal/logger"
	"github.com/passl/dispatch-core/internal/orders"
	"github.com/passl/dispatch-core/internal/push"
	"github.com/passl/dispatch-core/internal/store"
)

// Metrics tracks dispatcher throughput.
type Metrics struct {
	jobsQueued    atomic.Int64
	wavesSent     atomic.Int64
	jobsAssigned  atomic.Int64
	jobsAbandoned atomic.Int64
	racesLost     atomic.Int64
}

func (m *Metrics) JobsQueued() int64    { return m.jobsQueued.Load() }
func (m *Metrics) WavesSent() int64     { return m.wavesSent.Load() }
func (m *Metrics) JobsAssigned() int64  { return m.jobsAssigned.Load() }
func (m *Metrics) JobsAbandoned() int64 { return m.jobsAbandoned.Load() }
func (m *Metrics) RacesLost() int64     { return m.racesLost.Load() }

// liveJob is the in-memory state of one offering job. The done channel is
// closed exactly once, either by acceptance or by abandonment, and the wave
// loop observes it cooperatively.
type liveJob struct {
	job      orders.Job
	waves    [][]string
	done     chan struct{}
	closeFld sync.Once
}

func (lj *liveJob) finish() {
	lj.closeFld.Do(func() { close(lj.done) })
}

// offeredDrivers flattens the waves broadcast so far for revocation.
func (lj *liveJob) offeredDrivers(upto int) []string {
	var out []string
	for k := 0; k < upto && k < len(lj.waves); k++ {
		out = append(out, lj.waves[k]...)
	}
	return out
}

// Config sizes the dispatcher.
type Config struct {
	// Workers bounds concurrently offering jobs.
	Workers int
	// QueueRatePerSecond limits how fast queued jobs start offering. Zero
	// means no limit.
	QueueRatePerSecond float64
}

// Dispatcher owns the offer lifecycle for every live job.
type Dispatcher struct {
	queue   workqueue.TypedRateLimitingInterface[string]
	pool    *ants.Pool
	lock    JobLock
	push    push.Service
	store   *store.Store
	abandon *AbandonQueue
	policy  func() batching.Policy
	log     logger.Logger

	live    sync.Map // job id -> *liveJob
	metrics Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// tokenBucketLimiter adapts x/time/rate to the workqueue rate limiter
// contract, same shape the queue manager this replaces used.
type tokenBucketLimiter struct {
	limiter *rate.Limiter
}

func (r *tokenBucketLimiter) When(_ string) time.Duration {
	return r.limiter.Reserve().Delay()
}

func (r *tokenBucketLimiter) Forget(_ string) {}

func (r *tokenBucketLimiter) NumRequeues(_ string) int { return 0 }

// NewDispatcher wires the queue, the execution pool and the collaborators.
// policy is read per job so hot swaps apply to jobs dispatched after the
// swap.
func NewDispatcher(cfg Config, lock JobLock, pushSvc push.Service, st *store.Store, abandon *AbandonQueue, policy func() batching.Policy, log logger.Logger) (*Dispatcher, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 64
	}

	var limiter workqueue.TypedRateLimiter[string]
	if cfg.QueueRatePerSecond > 0 {
		limiter = &tokenBucketLimiter{limiter: rate.NewLimiter(rate.Limit(cfg.QueueRatePerSecond), cfg.Workers)}
	} else {
		limiter = &tokenBucketLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}

	queue := workqueue.NewTypedRateLimitingQueueWithConfig(
		limiter,
		workqueue.TypedRateLimitingQueueConfig[string]{Name: "job-dispatch"},
	)

	pool, err := ants.NewPool(
		cfg.Workers,
		ants.WithPreAlloc(true),
		ants.WithMaxBlockingTasks(4*cfg.Workers),
	)
	if err != nil {
		queue.ShutDown()
		return nil, fmt.Errorf("create dispatch pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:   queue,
		pool:    pool,
		lock:    lock,
		push:    pushSvc,
		store:   st,
		abandon: abandon,
		policy:  policy,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the queue consumer.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.consume()
}

// Stop drains the dispatcher. Live wave loops observe ctx cancellation and
// exit without abandoning their jobs; a restarted process re-dispatches from
// the store.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.queue.ShutDown()
	d.wg.Wait()
	d.pool.Release()
}

// Metrics exposes dispatch counters.
func (d *Dispatcher) Metrics() *Metrics { return &d.metrics }

// Dispatch registers the job and queues it for offering. Re-dispatching a
// job id already queued is a no-op thanks to workqueue deduplication.
func (d *Dispatcher) Dispatch(job orders.Job, waves [][]string) {
	lj := &liveJob{job: job, waves: waves, done: make(chan struct{})}
	if _, loaded := d.live.LoadOrStore(job.ID, lj); loaded {
		return
	}
	d.metrics.jobsQueued.Add(1)
	d.queue.Add(job.ID)
}

func (d *Dispatcher) consume() {
	defer d.wg.Done()
	for {
		jobID, shutdown := d.queue.Get()
		if shutdown {
			return
		}
		v, ok := d.live.Load(jobID)
		d.queue.Done(jobID)
		if !ok {
			continue
		}
		lj := v.(*liveJob)
		if err := d.pool.Submit(func() { d.runWaveLoop(lj) }); err != nil {
			// Pool saturated: requeue through the rate limiter.
			d.queue.AddRateLimited(jobID)
		}
	}
}

// runWaveLoop publishes offers wave by wave until acceptance, deadline or
// shutdown. Cancellation is cooperative: acceptance closes lj.done and the
// loop stops issuing waves at the next select.
func (d *Dispatcher) runWaveLoop(lj *liveJob) {
	p := d.policy()
	deadline := time.NewTimer(p.AcceptanceDeadline)
	defer deadline.Stop()

	wavesSent := 0
	for k := 0; k < len(lj.waves); k++ {
		select {
		case <-lj.done:
			d.log.Debug("job assigned mid-offer", logger.Field{Key: "job_id", Value: lj.job.ID})
			return
		case <-d.ctx.Done():
			return
		case <-deadline.C:
			d.abandonJob(lj, wavesSent)
			return
		default:
		}

		// Another worker in the cluster may have resolved the acceptance;
		// the lock is authoritative, not the local done channel.
		if holder, err := d.lock.Holder(d.ctx, lj.job.ID); err == nil && holder != "" {
			lj.finish()
			d.live.Delete(lj.job.ID)
			return
		}

		if len(lj.waves[k]) > 0 {
			if err := d.push.BroadcastOffer(d.ctx, lj.waves[k], lj.job); err != nil {
				d.log.Warn("wave broadcast failed",
					logger.Field{Key: "job_id", Value: lj.job.ID},
					logger.Field{Key: "wave", Value: k},
					logger.Field{Key: "error", Value: err})
			} else {
				d.metrics.wavesSent.Add(1)
			}
		}
		wavesSent = k + 1

		select {
		case <-lj.done:
			return
		case <-d.ctx.Done():
			return
		case <-deadline.C:
			d.abandonJob(lj, wavesSent)
			return
		case <-time.After(p.WaveInterval):
		}
	}

	// All waves out; hold until acceptance or the deadline expires.
	select {
	case <-lj.done:
	case <-d.ctx.Done():
	case <-deadline.C:
		d.abandonJob(lj, wavesSent)
	}
}

func (d *Dispatcher) abandonJob(lj *liveJob, wavesSent int) {
	d.metrics.jobsAbandoned.Add(1)
	lj.finish()
	d.live.Delete(lj.job.ID)

	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()

	if offered := lj.offeredDrivers(wavesSent); len(offered) > 0 {
		if err := d.push.RevokeOffer(ctx, offered, lj.job.ID); err != nil {
			d.log.Warn("offer revoke failed", logger.Field{Key: "job_id", Value: lj.job.ID}, logger.Field{Key: "error", Value: err})
		}
	}
	if err := d.lock.Release(ctx, lj.job.ID); err != nil {
		d.log.Warn("lock release failed", logger.Field{Key: "job_id", Value: lj.job.ID}, logger.Field{Key: "error", Value: err})
	}
	if d.abandon != nil {
		if err := d.abandon.Enqueue(ctx, lj.job, "acceptance deadline elapsed"); err != nil {
			d.log.Error("abandon enqueue failed", logger.Field{Key: "job_id", Value: lj.job.ID}, logger.Field{Key: "error", Value: err})
		}
	} else if d.store != nil {
		if err := d.store.MarkJobAbandoned(ctx, lj.job.ID); err != nil {
			d.log.Error("abandon flag failed", logger.Field{Key: "job_id", Value: lj.job.ID}, logger.Field{Key: "error", Value: err})
		}
	}
	d.log.Info("job abandoned, no acceptance before deadline",
		logger.Field{Key: "job_id", Value: lj.job.ID},
		logger.Field{Key: "waves_sent", Value: wavesSent})
}

// ResolveDriverAcceptance is the only way a job leaves OFFERING. It returns
// true iff driverID is the first caller to win the job lock; the DB commit,
// the driver capacity update and the wave-loop cancellation all happen on
// the winning path.
func (d *Dispatcher) ResolveDriverAcceptance(ctx context.Context, jobID, driverID string) (bool, error) {
	won, err := d.lock.TryClaim(ctx, jobID, driverID)
	if err != nil {
		return false, err
	}
	if !won {
		d.metrics.racesLost.Add(1)
		return false, nil
	}

	if d.store != nil {
		committed, err := d.store.TryClaimJob(ctx, jobID, driverID)
		if err != nil {
			// Claim could not be persisted; free the lock so another
			// acceptance can try.
			_ = d.lock.Release(ctx, jobID)
			return false, err
		}
		if !committed {
			_ = d.lock.Release(ctx, jobID)
			d.metrics.racesLost.Add(1)
			return false, nil
		}
	}

	if v, ok := d.live.Load(jobID); ok {
		lj := v.(*liveJob)
		lj.finish()
		d.live.Delete(jobID)

		if d.store != nil {
			for _, oid := range lj.job.OrderIDs {
				if err := d.store.UpdateOrderStatus(ctx, oid, orders.StatusAssigned); err != nil {
					d.log.Warn("order status update failed",
						logger.Field{Key: "order_id", Value: oid},
						logger.Field{Key: "error", Value: err})
				}
			}
			if driver, err := d.store.GetDriver(ctx, driverID); err == nil {
				updated := drivers.HandleDriverAcceptance(driver, lj.job)
				if err := d.store.UpdateDriver(ctx, updated); err != nil {
					d.log.Warn("driver update failed",
						logger.Field{Key: "driver_id", Value: driverID},
						logger.Field{Key: "error", Value: err})
				}
			}
		}
	}

	d.metrics.jobsAssigned.Add(1)
	d.log.Info("job assigned",
		logger.Field{Key: "job_id", Value: jobID},
		logger.Field{Key: "driver_id", Value: driverID})
	return true, nil
}
