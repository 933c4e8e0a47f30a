package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/workorder/model"
)

func setupRedisBus(t *testing.T, opts ...RedisStreamOption) (*RedisStreamBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	opts = append([]RedisStreamOption{WithBlock(20 * time.Millisecond), WithRetryDelay(20 * time.Millisecond)}, opts...)
	return NewRedisStreamBus(client, "workorder:events", nil, opts...), client
}

func TestRedisStreamBus_publishAndConsume(t *testing.T) {
	bus, _ := setupRedisBus(t)
	rec := &recorder{}
	bus.Subscribe("rec", rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	ev := testEvent("e1", model.EventInstanceApproved)
	ev.Snapshot = &model.WorkorderInstance{ID: "wo-1", Status: model.StatusCompleted, AssigneeID: "42"}
	require.NoError(t, bus.Publish(ctx, ev))

	waitFor(t, func() bool { return rec.count() == 1 })
	got := rec.events[0]
	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, model.EventInstanceApproved, got.Type)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, "42", got.Snapshot.AssigneeID)
}

func TestRedisStreamBus_acksHandledEntries(t *testing.T) {
	bus, client := setupRedisBus(t)
	rec := &recorder{}
	bus.Subscribe("rec", rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	require.NoError(t, bus.Publish(ctx, testEvent("e1", model.EventInstanceCreated)))
	waitFor(t, func() bool { return rec.count() == 1 })

	waitFor(t, func() bool {
		pending, err := client.XPending(ctx, "workorder:events", "workorder").Result()
		return err == nil && pending.Count == 0
	})
}

func TestRedisStreamBus_redeliversFailedEntries(t *testing.T) {
	bus, _ := setupRedisBus(t)
	flaky := &recorder{fail: 1}
	bus.Subscribe("flaky", flaky.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	require.NoError(t, bus.Publish(ctx, testEvent("e1", model.EventInstanceRejected)))
	waitFor(t, func() bool { return flaky.count() == 1 })
}

func TestRedisStreamBus_consumesBacklogFromEarlierRun(t *testing.T) {
	bus, _ := setupRedisBus(t)
	ctx := context.Background()
	require.NoError(t, bus.EnsureGroup(ctx))
	require.NoError(t, bus.Publish(ctx, testEvent("e1", model.EventInstanceCreated)))
	require.NoError(t, bus.Publish(ctx, testEvent("e2", model.EventInstanceCreated)))

	rec := &recorder{}
	bus.Subscribe("rec", rec.handle)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go bus.Run(runCtx)

	waitFor(t, func() bool { return rec.count() == 2 })
}

func TestRedisStreamBus_EnsureGroupIdempotent(t *testing.T) {
	bus, _ := setupRedisBus(t)
	ctx := context.Background()
	require.NoError(t, bus.EnsureGroup(ctx))
	require.NoError(t, bus.EnsureGroup(ctx))
}

func TestRedisStreamBus_trimsStream(t *testing.T) {
	bus, client := setupRedisBus(t, WithMaxLen(5))
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(ctx, testEvent("e", model.EventInstanceUpdated)))
	}
	n, err := client.XLen(ctx, "workorder:events").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(20))
}

func TestRedisStreamBus_publishAfterClose(t *testing.T) {
	bus, _ := setupRedisBus(t)
	bus.Close()
	assert.ErrorIs(t, bus.Publish(context.Background(), testEvent("e1", model.EventInstanceCreated)), ErrClosed)
}
