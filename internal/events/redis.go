package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/workorder/model"
)

const eventField = "event"

// RedisStreamBus publishes events to a Redis stream and consumes them through
// a consumer group, so several replicas share the work and an event stays
// pending until every local handler has accepted it.
type RedisStreamBus struct {
	client   *redis.Client
	logger   *zap.Logger
	stream   string
	group    string
	consumer string
	blockFor time.Duration
	maxLen   int64
	batch    int64

	retryDelay time.Duration

	mu     sync.RWMutex
	subs   []subscription
	closed bool
}

// RedisStreamOption configures a RedisStreamBus.
type RedisStreamOption func(*RedisStreamBus)

// WithGroup sets the consumer group and consumer name.
func WithGroup(group, consumer string) RedisStreamOption {
	return func(b *RedisStreamBus) {
		b.group = group
		b.consumer = consumer
	}
}

// WithBlock sets how long one read waits for new entries.
func WithBlock(d time.Duration) RedisStreamOption {
	return func(b *RedisStreamBus) { b.blockFor = d }
}

// WithMaxLen caps the stream length (approximate trimming). Zero disables
// trimming.
func WithMaxLen(n int64) RedisStreamOption {
	return func(b *RedisStreamBus) { b.maxLen = n }
}

// WithRetryDelay sets the minimum pause before failed entries are re-read.
func WithRetryDelay(d time.Duration) RedisStreamOption {
	return func(b *RedisStreamBus) { b.retryDelay = d }
}

// NewRedisStreamBus creates a bus on stream.
func NewRedisStreamBus(client *redis.Client, stream string, logger *zap.Logger, opts ...RedisStreamOption) *RedisStreamBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &RedisStreamBus{
		client:   client,
		logger:   logger,
		stream:   stream,
		group:    "workorder",
		consumer: "workorderd",
		blockFor: 2 * time.Second,
		batch:    32,

		retryDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler.
func (b *RedisStreamBus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{name: name, handler: h})
}

// Publish appends the event to the stream.
func (b *RedisStreamBus) Publish(ctx context.Context, event model.LifecycleEvent) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{eventField: data},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd failed: %w", err)
	}
	return nil
}

// HealthCheck pings redis.
func (b *RedisStreamBus) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// EnsureGroup creates the consumer group (and the stream) if needed.
func (b *RedisStreamBus) EnsureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis xgroup create failed: %w", err)
	}
	return nil
}

// Run consumes the stream until ctx is cancelled. Entries left pending by an
// earlier run (or by a failed handler) are re-read before new ones.
func (b *RedisStreamBus) Run(ctx context.Context) error {
	if err := b.EnsureGroup(ctx); err != nil {
		return err
	}

	// Entries we failed to handle stay in our pending list; they are re-read
	// from "0" at most once per retryDelay so they cannot starve new ones.
	backlogDue := true
	var lastBacklog time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}
		b.mu.RLock()
		closed := b.closed
		b.mu.RUnlock()
		if closed {
			return nil
		}

		useBacklog := backlogDue && time.Since(lastBacklog) >= b.retryDelay
		id, block := ">", b.blockFor
		if useBacklog {
			id, block = "0", -1
			lastBacklog = time.Now()
		}

		_, failed, err := b.readOnce(ctx, id, block)
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("event stream read failed", zap.String("stream", b.stream), zap.Error(err))
			sleepCtx(ctx, time.Second)
			continue
		}

		if useBacklog {
			backlogDue = failed > 0
		} else if failed > 0 {
			backlogDue = true
		}
	}
}

// readOnce reads one batch and processes it. It returns the number of
// entries read and how many were left pending.
func (b *RedisStreamBus) readOnce(ctx context.Context, id string, block time.Duration) (int, int, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{b.stream, id},
		Count:    b.batch,
		Block:    block,
	}).Result()
	if err != nil {
		return 0, 0, err
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	read, failed := 0, 0
	for _, s := range streams {
		for _, msg := range s.Messages {
			read++
			if !b.handle(ctx, subs, msg) {
				failed++
				continue
			}
			if err := b.client.XAck(ctx, b.stream, b.group, msg.ID).Err(); err != nil {
				b.logger.Warn("event ack failed", zap.String("entry_id", msg.ID), zap.Error(err))
			}
		}
	}
	return read, failed, nil
}

// handle decodes and dispatches one entry. Undecodable entries are
// acknowledged so they cannot block the group.
func (b *RedisStreamBus) handle(ctx context.Context, subs []subscription, msg redis.XMessage) bool {
	raw, _ := msg.Values[eventField].(string)
	var event model.LifecycleEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		b.logger.Error("dropping undecodable event", zap.String("entry_id", msg.ID), zap.Error(err))
		return true
	}
	return len(dispatch(ctx, b.logger, subs, event)) == 0
}

// Close stops Run at its next iteration. The client is owned by the caller.
func (b *RedisStreamBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
