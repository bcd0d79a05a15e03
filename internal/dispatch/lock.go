package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrAcceptanceLost is surfaced to a driver who tapped accept after another
// driver already claimed the job. The HTTP layer maps it to 409.
var ErrAcceptanceLost = errors.New("acceptance lost")

// JobLock is the cluster-wide mutually exclusive claim on the right to
// assign a driver to a job. All concurrent state transitions on a job funnel
// through it.
type JobLock interface {
	// TryClaim returns true iff driverID is the first claimant of jobID.
	TryClaim(ctx context.Context, jobID, driverID string) (bool, error)
	// Holder returns the claiming driver id, or "" when unclaimed.
	Holder(ctx context.Context, jobID string) (string, error)
	// Release frees the claim, used when an accepted commit fails or a job
	// is abandoned.
	Release(ctx context.Context, jobID string) error
}

// RedisJobLock implements JobLock with a single SETNX per job id, which is
// atomic across every worker in the cluster. The TTL bounds how long a
// crashed worker can hold a claim.
type RedisJobLock struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisJobLock(rdb *redis.Client, ttl time.Duration) *RedisJobLock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisJobLock{rdb: rdb, ttl: ttl}
}

func lockKey(jobID string) string {
	return "joblock:" + jobID
}

func (l *RedisJobLock) TryClaim(ctx context.Context, jobID, driverID string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, lockKey(jobID), driverID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	return ok, nil
}

func (l *RedisJobLock) Holder(ctx context.Context, jobID string) (string, error) {
	holder, err := l.rdb.Get(ctx, lockKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read job lock %s: %w", jobID, err)
	}
	return holder, nil
}

func (l *RedisJobLock) Release(ctx context.Context, jobID string) error {
	if err := l.rdb.Del(ctx, lockKey(jobID)).Err(); err != nil {
		return fmt.Errorf("release job lock %s: %w", jobID, err)
	}
	return nil
}
