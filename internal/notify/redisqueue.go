package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/workorder/model"
)

// RedisQueue is a Queue on redis. Items live as JSON strings; pending items
// sit in one sorted set per channel scored by schedule and priority, retries
// in a sorted set scored by retry time. A claim moves an id from its sorted
// set to the processing set in one optimistic transaction on the item key.
type RedisQueue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisQueueOption configures a RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithQueuePrefix sets the key prefix. Default is "workorder:".
func WithQueuePrefix(prefix string) RedisQueueOption {
	return func(q *RedisQueue) { q.prefix = prefix }
}

// NewRedisQueue creates a queue on client.
func NewRedisQueue(client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	q := &RedisQueue{
		client: client,
		prefix: "workorder:",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) itemKey(id string) string { return q.prefix + "notify:item:" + id }
func (q *RedisQueue) indexKey() string         { return q.prefix + "notify:items" }
func (q *RedisQueue) retryKey() string         { return q.prefix + "notify:retry" }
func (q *RedisQueue) processingKey() string    { return q.prefix + "notify:processing" }

func (q *RedisQueue) pendingKey(ch model.Channel) string {
	return q.prefix + "notify:pending:" + string(ch)
}

// freshScore orders by schedule in milliseconds, then by priority within
// the same millisecond. Priorities are clamped to 0..99.
func freshScore(scheduledAt time.Time, priority int) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > 99 {
		priority = 99
	}
	return float64(scheduledAt.UnixMilli()*100 + int64(99-priority))
}

// scheduleCmds adds a pending item to the sorted set that will claim it.
func (q *RedisQueue) scheduleCmds(ctx context.Context, pipe redis.Pipeliner, it *model.QueueItem) {
	if it.Status != model.QueuePending {
		return
	}
	if it.NextRetryAt != nil {
		pipe.ZAdd(ctx, q.retryKey(), redis.Z{Score: float64(it.NextRetryAt.UnixMilli()), Member: it.ID})
		return
	}
	pipe.ZAdd(ctx, q.pendingKey(it.Channel), redis.Z{Score: freshScore(it.ScheduledAt, it.Priority), Member: it.ID})
}

// Enqueue implements Queue. Each item is created and scheduled in one
// MULTI watched on its key, so a failed enqueue leaves nothing behind and a
// redelivered event can add it again.
func (q *RedisQueue) Enqueue(ctx context.Context, items ...*model.QueueItem) (int, error) {
	now := q.now()
	added := 0
	for _, it := range items {
		stored := it.Clone()
		prepareNew(stored, now)
		data, err := json.Marshal(stored)
		if err != nil {
			return added, fmt.Errorf("marshal queue item: %w", err)
		}

		key := q.itemKey(stored.ID)
		created := false
		err = q.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("redis exists failed: %w", err)
			}
			if n > 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.ZAdd(ctx, q.indexKey(), redis.Z{Score: float64(stored.CreatedAt.UnixMilli()), Member: stored.ID})
				q.scheduleCmds(ctx, pipe, stored)
				return nil
			})
			created = err == nil
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // created concurrently
		}
		if err != nil {
			return added, fmt.Errorf("redis enqueue failed: %w", err)
		}
		if created {
			added++
		}
	}
	return added, nil
}

// Dequeue implements Queue.
func (q *RedisQueue) Dequeue(ctx context.Context, ch model.Channel, batch int, now time.Time) ([]*model.QueueItem, error) {
	maxScore := strconv.FormatInt(now.UnixMilli()*100+99, 10)
	return q.claimFrom(ctx, q.pendingKey(ch), maxScore, batch, now)
}

// DequeueRetries implements Queue.
func (q *RedisQueue) DequeueRetries(ctx context.Context, batch int, now time.Time) ([]*model.QueueItem, error) {
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)
	return q.claimFrom(ctx, q.retryKey(), maxScore, batch, now)
}

func (q *RedisQueue) claimFrom(ctx context.Context, key, maxScore string, batch int, now time.Time) ([]*model.QueueItem, error) {
	if batch <= 0 {
		return nil, nil
	}
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: maxScore, Count: int64(batch),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore failed: %w", err)
	}

	var claimed []*model.QueueItem
	for _, id := range ids {
		it, err := q.claimID(ctx, key, id, now)
		if err != nil {
			return claimed, err
		}
		if it != nil {
			claimed = append(claimed, it)
		}
	}
	return claimed, nil
}

// claimID moves id from the schedule set key into processing. The removal,
// the item rewrite and the processing entry commit in one MULTI watched on
// the item key: a losing racer sees TxFailedErr, and any failure before EXEC
// leaves the item scheduled.
func (q *RedisQueue) claimID(ctx context.Context, key, id string, now time.Time) (*model.QueueItem, error) {
	itemKey := q.itemKey(id)
	var claimed *model.QueueItem
	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, itemKey).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis get failed: %w", err)
		}
		var it model.QueueItem
		if err == nil {
			if err := json.Unmarshal(data, &it); err != nil {
				return fmt.Errorf("unmarshal queue item: %w", err)
			}
		}
		if errors.Is(err, redis.Nil) || it.Status != model.QueuePending {
			// stale schedule entry
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, key, id)
				return nil
			})
			return err
		}
		if err := tx.ZScore(ctx, key, id).Err(); errors.Is(err, redis.Nil) {
			return nil // another dispatcher won
		} else if err != nil {
			return fmt.Errorf("redis zscore failed: %w", err)
		}

		claim(&it, now)
		encoded, err := json.Marshal(&it)
		if err != nil {
			return fmt.Errorf("marshal queue item: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, key, id)
			pipe.Set(ctx, itemKey, encoded, 0)
			pipe.ZAdd(ctx, q.processingKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		claimed = &it
		return nil
	}, itemKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue item %s: %w", id, err)
	}
	return claimed, nil
}

// Complete implements Queue.
func (q *RedisQueue) Complete(ctx context.Context, item *model.QueueItem) error {
	key := q.itemKey(item.ID)
	next := item.Clone()
	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return itemNotFound(item.ID)
		}
		if err != nil {
			return fmt.Errorf("redis get failed: %w", err)
		}
		var cur model.QueueItem
		if err := json.Unmarshal(data, &cur); err != nil {
			return fmt.Errorf("unmarshal queue item: %w", err)
		}
		if cur.Status != model.QueueProcessing || cur.Version != item.Version {
			return itemConflict(item.ID)
		}

		next.Version = cur.Version + 1
		next.ClaimedAt = nil
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal queue item: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.ZRem(ctx, q.processingKey(), item.ID)
			q.scheduleCmds(ctx, pipe, next)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return itemConflict(item.ID)
	}
	if err != nil {
		return err
	}
	item.Version = next.Version
	return nil
}

// Get implements Queue.
func (q *RedisQueue) Get(ctx context.Context, id string) (*model.QueueItem, error) {
	it, err := q.load(ctx, id)
	if errors.Is(err, redis.Nil) {
		return nil, itemNotFound(id)
	}
	return it, err
}

// List implements Queue. Filtering happens client side; the admin listing
// is the only caller.
func (q *RedisQueue) List(ctx context.Context, filter model.QueueFilter) ([]*model.QueueItem, int, error) {
	all, err := q.loadAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	var matched []*model.QueueItem
	for _, it := range all {
		if filter.Matches(it) {
			matched = append(matched, it)
		}
	}
	list, total := page(matched, filter)
	return list, total, nil
}

// ReclaimStale implements Queue.
func (q *RedisQueue) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore failed: %w", err)
	}

	now := q.now()
	n := 0
	for _, id := range ids {
		key := q.itemKey(id)
		released := false
		err := q.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, q.processingKey(), id)
					return nil
				})
				return err
			}
			if err != nil {
				return err
			}
			var it model.QueueItem
			if err := json.Unmarshal(data, &it); err != nil {
				return err
			}
			if it.Status != model.QueueProcessing {
				return nil
			}
			release(&it, now)
			encoded, err := json.Marshal(&it)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				pipe.ZRem(ctx, q.processingKey(), id)
				q.scheduleCmds(ctx, pipe, &it)
				return nil
			})
			released = err == nil
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("reclaim queue item %s: %w", id, err)
		}
		if released {
			n++
		}
	}
	return n, nil
}

// Purge implements Queue.
func (q *RedisQueue) Purge(ctx context.Context, before time.Time) (int, error) {
	all, err := q.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range all {
		if !it.IsTerminal() || !it.UpdatedAt.Before(before) {
			continue
		}
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, q.itemKey(it.ID))
			pipe.ZRem(ctx, q.indexKey(), it.ID)
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("redis purge failed: %w", err)
		}
		n++
	}
	return n, nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (*model.QueueItem, error) {
	data, err := q.client.Get(ctx, q.itemKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var it model.QueueItem
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("unmarshal queue item: %w", err)
	}
	return &it, nil
}

func (q *RedisQueue) loadAll(ctx context.Context) ([]*model.QueueItem, error) {
	ids, err := q.client.ZRange(ctx, q.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.itemKey(id)
	}
	values, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	items := make([]*model.QueueItem, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var it model.QueueItem
		if err := json.Unmarshal([]byte(s), &it); err != nil {
			return nil, fmt.Errorf("unmarshal queue item: %w", err)
		}
		items = append(items, &it)
	}
	return items, nil
}
