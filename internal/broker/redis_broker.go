package broker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

var lanes = []string{"high", "normal", "low"}

// Delivery is one claimed unit of work. Attempt starts at 1.
type Delivery struct {
	JobID   string
	Queue   string
	Attempt int
}

type EnqueueParams struct {
	JobID       string
	Queue       string
	Priority    int
	MaxAttempts int
}

// Broker is a reliable Redis queue with named queues and priority lanes.
//
// Per queue: three lists (high/normal/low), claimed ids move to matching
// processing lists via BRPopLPush; a hash maps jobID -> processing list so
// Ack can LREM the right one, and a claims ZSET records when each id was
// claimed. Failed deliveries with attempts left go to a per-queue delay
// ZSET scored by the retry deadline; MoveDue promotes them back into their
// lane. RequeueStale returns claims older than a cutoff to their lane,
// covering workers that died mid-job (at-least-once: handlers must be
// idempotent).
type Broker struct {
	rdb         *redis.Client
	ns          string
	queues      []string
	backoffBase time.Duration
	log         *zap.Logger
}

func New(rdb *redis.Client, namespace string, queues []string, backoffBase time.Duration, log *zap.Logger) *Broker {
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	return &Broker{
		rdb:         rdb,
		ns:          namespace,
		queues:      queues,
		backoffBase: backoffBase,
		log:         log,
	}
}

func (b *Broker) laneKey(queue, lane string) string { return b.ns + ":queue:" + queue + ":" + lane }

func (b *Broker) processingKey(queue, lane string) string {
	return b.ns + ":processing:" + queue + ":" + lane
}

func (b *Broker) ackMapKey() string            { return b.ns + ":processing:map" }
func (b *Broker) claimsKey() string            { return b.ns + ":claims" }
func (b *Broker) metaKey(jobID string) string  { return b.ns + ":meta:" + jobID }
func (b *Broker) delayKey(queue string) string { return b.ns + ":delay:" + queue }

func clampPriority(p int) int {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityHigh {
		return PriorityHigh
	}
	return p
}

func laneByPriority(p int) string {
	switch clampPriority(p) {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// BackoffDelay computes the wait before redelivery of the given failed
// attempt: base, then doubling (2s, 4s, 8s... with the default base).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Enqueue durably records the work item before returning: meta hash first,
// then the lane push. The caller has already created the Job row.
func (b *Broker) Enqueue(ctx context.Context, p EnqueueParams) error {
	meta := map[string]any{
		"queue":        p.Queue,
		"priority":     clampPriority(p.Priority),
		"attempts":     0,
		"max_attempts": p.MaxAttempts,
	}
	if err := b.rdb.HSet(ctx, b.metaKey(p.JobID), meta).Err(); err != nil {
		return err
	}
	return b.rdb.LPush(ctx, b.laneKey(p.Queue, laneByPriority(p.Priority)), p.JobID).Err()
}

// EnqueueIfAbsent enqueues only when the broker has no state for the job.
// The reconciler uses this: a pending row whose id still has a meta hash is
// already in a lane, the delay ZSET, or a processing list, and pushing it
// again would duplicate the work and reset its attempt count.
func (b *Broker) EnqueueIfAbsent(ctx context.Context, p EnqueueParams) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.metaKey(p.JobID)).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := b.Enqueue(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

// Claim blocks up to timeout for the next unit on the named queue, trying
// lanes high->normal->low in short blocking slots so priority is respected
// while the call still parks on Redis most of the time.
func (b *Broker) Claim(ctx context.Context, queue string, timeout time.Duration) (Delivery, error) {
	forever := timeout <= 0
	deadline := time.Now().Add(timeout)

	slot := 1 * time.Second
	if !forever && timeout < slot {
		slot = timeout
	}

	for {
		if !forever && time.Now().After(deadline) {
			return Delivery{}, redis.Nil
		}

		for _, lane := range lanes {
			wait := slot
			if !forever {
				remain := time.Until(deadline)
				if remain <= 0 {
					return Delivery{}, redis.Nil
				}
				if remain < wait {
					wait = remain
				}
			}

			processing := b.processingKey(queue, lane)
			id, err := b.rdb.BRPopLPush(ctx, b.laneKey(queue, lane), processing, wait).Result()
			if err == nil {
				// remember which processing list holds this id (for Ack/Fail)
				// and when it was claimed (for the stale reaper)
				pipe := b.rdb.TxPipeline()
				pipe.HSet(ctx, b.ackMapKey(), id, processing)
				pipe.ZAdd(ctx, b.claimsKey(), redis.Z{
					Score:  float64(time.Now().UnixMilli()),
					Member: id,
				})
				if _, pErr := pipe.Exec(ctx); pErr != nil {
					return Delivery{}, pErr
				}
				attempts, aErr := b.rdb.HIncrBy(ctx, b.metaKey(id), "attempts", 1).Result()
				if aErr != nil {
					return Delivery{}, aErr
				}
				return Delivery{JobID: id, Queue: queue, Attempt: int(attempts)}, nil
			}

			if errors.Is(err, redis.Nil) {
				continue
			}
			return Delivery{}, err
		}
	}
}

func (b *Broker) removeFromProcessing(ctx context.Context, queue, jobID string) {
	defer func() { _ = b.rdb.ZRem(ctx, b.claimsKey(), jobID).Err() }()

	processing, err := b.rdb.HGet(ctx, b.ackMapKey(), jobID).Result()
	if err != nil {
		// mapping missing (manual intervention, reaper raced us): sweep all lanes
		for _, lane := range lanes {
			_ = b.rdb.LRem(ctx, b.processingKey(queue, lane), 1, jobID).Err()
		}
		return
	}
	_ = b.rdb.LRem(ctx, processing, 1, jobID).Err()
	_ = b.rdb.HDel(ctx, b.ackMapKey(), jobID).Err()
}

// Ack finalizes a successful delivery and drops broker-side state.
func (b *Broker) Ack(ctx context.Context, queue, jobID string) error {
	b.removeFromProcessing(ctx, queue, jobID)
	return b.rdb.Del(ctx, b.metaKey(jobID)).Err()
}

// Fail records a failed delivery. If attempts remain the job is scheduled
// into the delay ZSET with exponential backoff and Fail reports the delay;
// otherwise the failure is terminal and broker state is dropped.
func (b *Broker) Fail(ctx context.Context, queue, jobID string) (retryIn time.Duration, terminal bool, err error) {
	b.removeFromProcessing(ctx, queue, jobID)

	meta, err := b.rdb.HGetAll(ctx, b.metaKey(jobID)).Result()
	if err != nil {
		return 0, false, err
	}
	if len(meta) == 0 {
		// meta expired or never written; nothing to reschedule
		return 0, true, nil
	}

	attempts, _ := strconv.Atoi(meta["attempts"])
	maxAttempts, _ := strconv.Atoi(meta["max_attempts"])

	if attempts >= maxAttempts {
		if delErr := b.rdb.Del(ctx, b.metaKey(jobID)).Err(); delErr != nil {
			return 0, true, delErr
		}
		return 0, true, nil
	}

	delay := BackoffDelay(b.backoffBase, attempts)
	due := time.Now().Add(delay)
	if zErr := b.rdb.ZAdd(ctx, b.delayKey(queue), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: jobID,
	}).Err(); zErr != nil {
		return 0, false, zErr
	}
	return delay, false, nil
}

// MoveDue promotes delayed retries whose deadline has passed back into
// their priority lane. Called on a short cron tick.
func (b *Broker) MoveDue(ctx context.Context, now time.Time, batch int64) (int64, error) {
	var moved int64

	for _, queue := range b.queues {
		ids, err := b.rdb.ZRangeByScore(ctx, b.delayKey(queue), &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: batch,
		}).Result()
		if err != nil {
			return moved, err
		}
		for _, id := range ids {
			priority := PriorityLow
			if p, pErr := b.rdb.HGet(ctx, b.metaKey(id), "priority").Result(); pErr == nil {
				if v, convErr := strconv.Atoi(p); convErr == nil {
					priority = v
				}
			}

			pipe := b.rdb.TxPipeline()
			pipe.LPush(ctx, b.laneKey(queue, laneByPriority(priority)), id)
			pipe.ZRem(ctx, b.delayKey(queue), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return moved, err
			}
			moved++
		}
	}

	return moved, nil
}

// RequeueStale returns jobs claimed more than olderThan ago to their lane.
// Claims younger than the cutoff are in-flight on a live worker and are
// left alone; a job abandoned by a crashed worker ages past the cutoff and
// comes back for redelivery (at-least-once).
func (b *Broker) RequeueStale(ctx context.Context, olderThan time.Duration, max int64) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	ids, err := b.rdb.ZRangeByScore(ctx, b.claimsKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(cutoff, 10), Offset: 0, Count: max,
	}).Result()
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, id := range ids {
		meta, err := b.rdb.HGetAll(ctx, b.metaKey(id)).Result()
		if err != nil {
			return moved, err
		}
		processing, pErr := b.rdb.HGet(ctx, b.ackMapKey(), id).Result()

		if len(meta) == 0 || pErr != nil {
			// finalized or already swept; drop the leftover claim entry
			_ = b.rdb.ZRem(ctx, b.claimsKey(), id).Err()
			continue
		}

		priority := PriorityLow
		if v, convErr := strconv.Atoi(meta["priority"]); convErr == nil {
			priority = v
		}

		pipe := b.rdb.TxPipeline()
		pipe.LRem(ctx, processing, 1, id)
		pipe.LPush(ctx, b.laneKey(meta["queue"], laneByPriority(priority)), id)
		pipe.HDel(ctx, b.ackMapKey(), id)
		pipe.ZRem(ctx, b.claimsKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, err
		}
		moved++
		b.log.Warn("requeued stale job", zap.String("job_id", id), zap.String("queue", meta["queue"]))
	}

	return moved, nil
}
