package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// CancellationGuard serializes cancel operations per session with a
// time-bounded Redis lock, so two cancel requests from the same session
// cannot race each other.
type CancellationGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCancellationGuard(rdb *redis.Client, ttl time.Duration) *CancellationGuard {
	return &CancellationGuard{rdb: rdb, ttl: ttl}
}

func lockKey(session string) string { return "cancellation_lock:" + session }

// Acquire takes the session's cancellation lock for the given job.
// Returns false if any cancellation is already in progress for the
// session; the caller should reject the request as a conflict rather than
// race.
func (g *CancellationGuard) Acquire(ctx context.Context, session, jobID string) (bool, error) {
	return g.rdb.SetNX(ctx, lockKey(session), jobID, g.ttl).Result()
}

// Release deletes the lock only if it is still held by the same job,
// guarding against releasing a lock a newer request acquired after the
// TTL expired.
func (g *CancellationGuard) Release(ctx context.Context, session, jobID string) (bool, error) {
	holder, err := g.rdb.Get(ctx, lockKey(session)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if holder != jobID {
		return false, nil
	}
	return true, g.rdb.Del(ctx, lockKey(session)).Err()
}

// Holder returns the job id of the in-flight cancellation, if any.
func (g *CancellationGuard) Holder(ctx context.Context, session string) (string, error) {
	holder, err := g.rdb.Get(ctx, lockKey(session)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return holder, nil
}
