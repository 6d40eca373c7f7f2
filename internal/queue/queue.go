// Package queue implements the Redis-backed job queue for Vocalis.
//
// Three keys per queue name:
//
//	<name>:pending    LIST  job ids waiting for a worker (LPUSH / BRPOP)
//	<name>:active     ZSET  job ids handed to a worker, scored by their
//	                        visibility deadline (unix seconds)
//	<name>:deliveries HASH  job id -> delivery count
//
// A dequeued id moves from pending to active with a deadline. Workers call
// Ack when the job reaches a terminal state; the reaper moves expired active
// entries back to pending until the delivery budget is spent, then drops
// them. The queue is intentionally not the source of truth — jobs live in
// PostgreSQL, and the database sweeper re-enqueues anything the queue lost.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Dequeue when no job arrived within the wait.
var ErrEmpty = errors.New("queue: empty")

// Queue is a Redis-backed work queue of job ids.
// All methods are safe for concurrent use.
type Queue struct {
	rdb        redis.UniversalClient
	pending    string
	active     string
	deliveries string

	visibility    time.Duration
	maxDeliveries int
}

// Option configures a Queue.
type Option func(*Queue)

// WithVisibilityTimeout sets how long a dequeued job stays invisible before
// the reaper may redeliver it. Default: 10 minutes.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithMaxDeliveries sets the per-job redelivery budget. Default: 3.
func WithMaxDeliveries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxDeliveries = n
		}
	}
}

// New creates a Queue named name on the given Redis client.
func New(rdb redis.UniversalClient, name string, opts ...Option) *Queue {
	q := &Queue{
		rdb:           rdb,
		pending:       name + ":pending",
		active:        name + ":active",
		deliveries:    name + ":deliveries",
		visibility:    10 * time.Minute,
		maxDeliveries: 3,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue pushes a job id onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.rdb.LPush(ctx, q.pending, jobID).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}
	return nil
}

// Dequeue blocks up to wait for a job id, moves it to the active set with a
// visibility deadline, and returns it together with its delivery count
// (1 for the first delivery). Returns [ErrEmpty] when the wait elapsed.
//
// The pop and the active-set insert are two round trips; a crash in between
// loses only the queue entry, and the database sweeper re-enqueues the job.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (string, int, error) {
	res, err := q.rdb.BRPop(ctx, wait, q.pending).Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, ErrEmpty
	}
	if err != nil {
		return "", 0, fmt.Errorf("queue: dequeue: %w", err)
	}
	jobID := res[1]

	deadline := float64(time.Now().Add(q.visibility).Unix())
	pipe := q.rdb.TxPipeline()
	deliveries := pipe.HIncrBy(ctx, q.deliveries, jobID, 1)
	pipe.ZAdd(ctx, q.active, redis.Z{Score: deadline, Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", 0, fmt.Errorf("queue: claim %s: %w", jobID, err)
	}
	return jobID, int(deliveries.Val()), nil
}

// Ack removes a finished job from the active set and clears its delivery
// count. Acking an unknown id is a no-op.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.active, jobID)
	pipe.HDel(ctx, q.deliveries, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	return nil
}

// Reap moves active entries whose visibility deadline has passed back to
// pending, dropping ids that exhausted their delivery budget. It returns the
// requeued and dropped ids.
func (q *Queue) Reap(ctx context.Context) (requeued, dropped []string, err error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	expired, err := q.rdb.ZRangeByScore(ctx, q.active, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("queue: reap: range: %w", err)
	}

	for _, jobID := range expired {
		removed, err := q.rdb.ZRem(ctx, q.active, jobID).Result()
		if err != nil {
			return requeued, dropped, fmt.Errorf("queue: reap: remove %s: %w", jobID, err)
		}
		if removed == 0 {
			// Another reaper or an Ack got there first.
			continue
		}

		count, err := q.rdb.HGet(ctx, q.deliveries, jobID).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return requeued, dropped, fmt.Errorf("queue: reap: deliveries %s: %w", jobID, err)
		}
		if count >= q.maxDeliveries {
			if err := q.rdb.HDel(ctx, q.deliveries, jobID).Err(); err != nil {
				return requeued, dropped, fmt.Errorf("queue: reap: drop %s: %w", jobID, err)
			}
			dropped = append(dropped, jobID)
			continue
		}

		if err := q.rdb.LPush(ctx, q.pending, jobID).Err(); err != nil {
			return requeued, dropped, fmt.Errorf("queue: reap: requeue %s: %w", jobID, err)
		}
		requeued = append(requeued, jobID)
	}
	return requeued, dropped, nil
}

// Contains reports whether jobID is currently pending or active. The
// database sweeper uses this to avoid double-enqueueing a job.
func (q *Queue) Contains(ctx context.Context, jobID string) (bool, error) {
	if err := q.rdb.ZScore(ctx, q.active, jobID).Err(); err == nil {
		return true, nil
	} else if !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("queue: contains: active %s: %w", jobID, err)
	}

	if err := q.rdb.LPos(ctx, q.pending, jobID, redis.LPosArgs{}).Err(); err == nil {
		return true, nil
	} else if !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("queue: contains: pending %s: %w", jobID, err)
	}
	return false, nil
}

// Depth returns the number of pending and active jobs. Used by the metrics
// gauge callback.
func (q *Queue) Depth(ctx context.Context) (pending, active int64, err error) {
	pending, err = q.rdb.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: depth: pending: %w", err)
	}
	active, err = q.rdb.ZCard(ctx, q.active).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: depth: active: %w", err)
	}
	return pending, active, nil
}
