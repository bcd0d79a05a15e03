package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/passl/dispatch-core/internal/logger"
	"github.com/passl/dispatch-core/internal/orders"
	"github.com/passl/dispatch-core/internal/store"
)

// TaskJobAbandoned is the asynq task type carrying jobs no driver accepted
// within the deadline. They are not retried automatically; the abandon queue
// is an ops handoff.
const TaskJobAbandoned = "job:abandoned"

// AbandonedQueueName isolates abandoned jobs from other asynq traffic.
const AbandonedQueueName = "abandoned"

// AbandonedJobPayload is the task body.
type AbandonedJobPayload struct {
	JobID    string   `json:"job_id"`
	OrderIDs []string `json:"order_ids"`
	Reason   string   `json:"reason"`
}

// AbandonQueue produces abandoned-job tasks.
type AbandonQueue struct {
	client *asynq.Client
}

func NewAbandonQueue(redisAddr string) *AbandonQueue {
	return &AbandonQueue{client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})}
}

func (q *AbandonQueue) Enqueue(ctx context.Context, job orders.Job, reason string) error {
	body, err := json.Marshal(AbandonedJobPayload{JobID: job.ID, OrderIDs: job.OrderIDs, Reason: reason})
	if err != nil {
		return fmt.Errorf("encode abandoned job %s: %w", job.ID, err)
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskJobAbandoned, body), asynq.Queue(AbandonedQueueName))
	if err != nil {
		return fmt.Errorf("enqueue abandoned job %s: %w", job.ID, err)
	}
	return nil
}

func (q *AbandonQueue) Close() error {
	return q.client.Close()
}

// NewAbandonHandler consumes abandoned-job tasks: flag the row and leave the
// rest to operations tooling.
func NewAbandonHandler(st *store.Store, log logger.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p AbandonedJobPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode abandoned job task: %w", err)
		}
		if err := st.MarkJobAbandoned(ctx, p.JobID); err != nil {
			return err
		}
		log.Warn("job abandoned",
			logger.Field{Key: "job_id", Value: p.JobID},
			logger.Field{Key: "orders", Value: len(p.OrderIDs)},
			logger.Field{Key: "reason", Value: p.Reason})
		return nil
	}
}
