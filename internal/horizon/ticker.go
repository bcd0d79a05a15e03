package horizon

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/passl/dispatch-core/internal/logger"
	"github.com/passl/dispatch-core/internal/orders"
)

// Ticker drives RunCycle on a fixed schedule and hands produced jobs to the
// dispatcher. The queue's mutex guarantees a slow cycle is never overlapped
// by the next tick.
type Ticker struct {
	cron *cron.Cron
	log  logger.Logger
}

// StartTicker schedules RunCycle every interval and forwards produced jobs
// to onJobs.
func StartTicker(q *Queue, interval time.Duration, onJobs func([]orders.Job), log logger.Logger) (*Ticker, error) {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()

		jobs, err := q.RunCycle(ctx)
		if err != nil {
			log.Error("batching cycle failed", logger.Field{Key: "error", Value: err})
			return
		}
		if len(jobs) > 0 && onJobs != nil {
			onJobs(jobs)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule horizon tick: %w", err)
	}
	c.Start()
	log.Info("horizon ticker started", logger.Field{Key: "interval", Value: interval})
	return &Ticker{cron: c, log: log}, nil
}

// Stop halts the schedule and waits for a running cycle to finish.
func (t *Ticker) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()
}
