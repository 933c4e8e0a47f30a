package notify

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/workorder/internal/channel"
	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/model"
)

// enqueueRejected runs the rejected scenario through the matcher and
// returns the email item.
func enqueueRejected(t *testing.T, p *pipeline, mutate func(*model.NotificationConfig)) *model.QueueItem {
	t.Helper()
	cfg := rejectedConfig()
	cfg.Channels = []model.Channel{model.ChannelEmail}
	if mutate != nil {
		mutate(&cfg)
	}
	p.addConfig(t, cfg)
	items, err := p.matcher.OnEvent(context.Background(), rejectedEvent())
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func (p *pipeline) item(t *testing.T, id string) *model.QueueItem {
	t.Helper()
	it, err := p.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return it
}

func TestDispatcher_success(t *testing.T) {
	p := newPipeline(t, testNotificationConfig())
	planned := enqueueRejected(t, p, nil)

	n := p.dispatcher.DispatchDue(context.Background())
	assert.Equal(t, 1, n)

	it := p.item(t, planned.ID)
	assert.Equal(t, model.QueueSuccess, it.Status)
	assert.Empty(t, it.LastError)

	rows := p.logRows(t, planned.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, model.LogSuccess, rows[0].Status)
	assert.True(t, rows[0].Final)
	require.NotNil(t, rows[0].DeliveredAt)
	assert.Equal(t, "ada@example.com", rows[0].RecipientAddr)

	sent := p.senders[model.ChannelEmail].messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Replace core switch rejected", sent[0].Subject)
}

func TestDispatcher_retryBudgetScenario(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	p := newPipeline(t, testNotificationConfig(), WithDispatcherMetrics(metrics))
	p.senders[model.ChannelEmail].fallback = errProviderDown
	planned := enqueueRejected(t, p, func(c *model.NotificationConfig) {
		c.MaxRetries = 2
		c.RetryInterval = 60
	})
	ctx := context.Background()

	p.dispatcher.DispatchDue(ctx)
	it := p.item(t, planned.ID)
	assert.Equal(t, model.QueuePending, it.Status)
	assert.Equal(t, 1, it.RetryCount)
	require.NotNil(t, it.NextRetryAt)
	assert.True(t, it.NextRetryAt.Equal(t0.Add(time.Minute)))

	// Not due yet.
	res, err := p.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Retried)

	p.clock.Advance(time.Minute)
	res, err = p.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	it = p.item(t, planned.ID)
	assert.Equal(t, model.QueuePending, it.Status)
	assert.Equal(t, 2, it.RetryCount)

	p.clock.Advance(time.Minute)
	res, err = p.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	it = p.item(t, planned.ID)
	assert.Equal(t, model.QueueFailed, it.Status)
	assert.Equal(t, 2, it.RetryCount, "retry_count never exceeds max_retries")
	assert.Nil(t, it.NextRetryAt)

	rows := p.logRows(t, planned.ID)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, model.LogFailed, row.Status)
		assert.Equal(t, i, row.RetryCount)
		assert.Equal(t, i == 2, row.Final, "row %d final", i)
		assert.Contains(t, row.ErrorMessage, "provider unavailable")
	}

	p.clock.Advance(time.Hour)
	res, err = p.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Retried, "exhausted items are never retried")
	assert.Len(t, p.logRows(t, planned.ID), 3)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.DeliveryAttemptsTotal.WithLabelValues("email", "retryable")))
}

func TestDispatcher_retryThenSuccess(t *testing.T) {
	p := newPipeline(t, testNotificationConfig())
	p.senders[model.ChannelEmail].errs = []error{errProviderDown}
	planned := enqueueRejected(t, p, func(c *model.NotificationConfig) { c.RetryInterval = 0 })
	ctx := context.Background()

	p.dispatcher.DispatchDue(ctx)
	_, err := p.sweep(ctx)
	require.NoError(t, err)

	it := p.item(t, planned.ID)
	assert.Equal(t, model.QueueSuccess, it.Status)
	rows := p.logRows(t, planned.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, model.LogFailed, rows[0].Status)
	assert.False(t, rows[0].Final)
	assert.Equal(t, model.LogSuccess, rows[1].Status)
	assert.Equal(t, 1, rows[1].RetryCount)
}

func TestDispatcher_fatalFailureSkipsRetries(t *testing.T) {
	p := newPipeline(t, testNotificationConfig())
	p.senders[model.ChannelEmail].fallback = channel.Fatalf("mailbox does not exist")
	planned := enqueueRejected(t, p, func(c *model.NotificationConfig) { c.MaxRetries = 5 })

	p.dispatcher.DispatchDue(context.Background())

	it := p.item(t, planned.ID)
	assert.Equal(t, model.QueueFailed, it.Status)
	assert.Equal(t, 0, it.RetryCount)
	rows := p.logRows(t, planned.ID)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Final)
	assert.Equal(t, "mailbox does not exist", rows[0].ErrorMessage)
}

func TestDispatcher_missingAddressIsFatal(t *testing.T) {
	p := newPipeline(t, testNotificationConfig())
	planned := enqueueRejected(t, p, func(c *model.NotificationConfig) {
		c.Channels = []model.Channel{model.ChannelSMS}
		c.RecipientTypes = []model.RecipientType{model.RecipientUser}
		c.Users = []string{"42"}
	})
	assert.Empty(t, planned.RecipientAddr)

	p.dispatcher.DispatchDue(context.Background())

	it := p.item(t, planned.ID)
	assert.Equal(t, model.QueueFailed, it.Status)
	assert.Empty(t, p.senders[model.ChannelSMS].messages())
}

func TestDispatcher_timeoutIsRetryable(t *testing.T) {
	cfg := testNotificationConfig()
	email := cfg.Channels["email"]
	email.SendTimeout = 20 * time.Millisecond
	cfg.Channels["email"] = email
	p := newPipeline(t, cfg)
	p.senders[model.ChannelEmail].block = true
	planned := enqueueRejected(t, p, nil)

	p.dispatcher.DispatchDue(context.Background())

	it := p.item(t, planned.ID)
	assert.Equal(t, model.QueuePending, it.Status)
	assert.Equal(t, 1, it.RetryCount)
	assert.Contains(t, it.LastError, "timed out")
}

func TestDispatcher_openBreakerDefersDelivery(t *testing.T) {
	cfg := testNotificationConfig()
	email := cfg.Channels["email"]
	email.CircuitBreaker.FailureThreshold = 1
	email.CircuitBreaker.Timeout = time.Hour
	cfg.Channels["email"] = email
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	p := newPipeline(t, cfg, WithDispatcherMetrics(metrics))
	p.senders[model.ChannelEmail].errs = []error{errProviderDown}
	ctx := context.Background()

	first := enqueueRejected(t, p, nil)
	p.dispatcher.DispatchDue(ctx)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ChannelBreakerState.WithLabelValues("email")))

	ev := rejectedEvent()
	ev.ID = "ev-2"
	items, err := p.matcher.OnEvent(ctx, ev)
	require.NoError(t, err)
	require.Len(t, items, 1)
	p.dispatcher.DispatchDue(ctx)

	second := p.item(t, items[0].ID)
	assert.Equal(t, model.QueuePending, second.Status)
	assert.Equal(t, 1, second.RetryCount)
	assert.Contains(t, second.LastError, "circuit breaker is open")
	assert.Len(t, p.senders[model.ChannelEmail].messages(), 1, "open breaker must not reach the provider")
	assert.Equal(t, model.QueuePending, p.item(t, first.ID).Status)
}

func TestDispatcher_suppressesStaleReminders(t *testing.T) {
	cfg := testNotificationConfig()
	cfg.SuppressStaleReminders = true
	instances := fakeInstances{"wo-1": {ID: "wo-1", Status: model.StatusCancelled}}
	p := newPipeline(t, cfg, WithInstances(instances))
	planned := enqueueRejected(t, p, func(c *model.NotificationConfig) {
		c.TriggerType = model.TriggerDelayed
		c.RepeatInterval = 30
	})

	assert.Equal(t, 0, p.dispatcher.DispatchDue(context.Background()), "delayed item is not due yet")
	p.clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, p.dispatcher.DispatchDue(context.Background()))

	it := p.item(t, planned.ID)
	assert.Equal(t, model.QueueFailed, it.Status)
	assert.Equal(t, "suppressed", it.LastError)
	rows := p.logRows(t, planned.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, model.LogCancelled, rows[0].Status)
	assert.Empty(t, p.senders[model.ChannelEmail].messages())
}

func TestDispatcher_immediateItemsAreNeverSuppressed(t *testing.T) {
	cfg := testNotificationConfig()
	cfg.SuppressStaleReminders = true
	instances := fakeInstances{"wo-1": {ID: "wo-1", Status: model.StatusRejected}}
	p := newPipeline(t, cfg, WithInstances(instances))
	planned := enqueueRejected(t, p, nil)

	p.dispatcher.DispatchDue(context.Background())
	assert.Equal(t, model.QueueSuccess, p.item(t, planned.ID).Status)
}

func TestDispatcher_disabledChannel(t *testing.T) {
	cfg := testNotificationConfig()
	sms := cfg.Channels["sms"]
	sms.Enabled = false
	cfg.Channels["sms"] = sms
	p := newPipeline(t, cfg)

	assert.NotContains(t, p.dispatcher.Channels(), model.ChannelSMS)

	item := queueItem("x", model.ChannelSMS, t0, 0)
	claimed := claimOne(t, p.queue, item, t0)
	require.NoError(t, p.dispatcher.Process(context.Background(), claimed))
	assert.Equal(t, model.QueueFailed, p.item(t, "x").Status)
}

func TestDispatcher_runStopsOnCancel(t *testing.T) {
	cfg := testNotificationConfig()
	cfg.PollInterval = 5 * time.Millisecond
	p := newPipeline(t, cfg)
	planned := enqueueRejected(t, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.dispatcher.Run(ctx) }()

	require.Eventually(t, func() bool {
		it, err := p.queue.Get(context.Background(), planned.ID)
		return err == nil && it.Status == model.QueueSuccess
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestDispatcher_slowChannelDoesNotStarveOthers(t *testing.T) {
	cfg := testNotificationConfig()
	cfg.PollInterval = 5 * time.Millisecond
	sms := cfg.Channels["sms"]
	sms.Workers = 1
	sms.SendTimeout = time.Minute
	cfg.Channels["sms"] = sms
	p := newPipeline(t, cfg)
	gate := make(chan struct{})
	slow := p.senders[model.ChannelSMS]
	slow.gate = gate

	p.addConfig(t, rejectedConfig())
	planned, err := p.matcher.OnEvent(context.Background(), rejectedEvent())
	require.NoError(t, err)
	require.Len(t, planned, 2)
	byChannel := map[model.Channel]string{}
	for _, it := range planned {
		byChannel[it.Channel] = it.ID
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.dispatcher.Run(ctx) }()

	succeeded := func(id string) func() bool {
		return func() bool {
			it, err := p.queue.Get(context.Background(), id)
			return err == nil && it.Status == model.QueueSuccess
		}
	}
	require.Eventually(t, succeeded(byChannel[model.ChannelEmail]), 2*time.Second, 5*time.Millisecond,
		"email must be delivered while sms is stuck")
	require.Eventually(t, func() bool { return slow.waiting.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.QueueProcessing, p.item(t, byChannel[model.ChannelSMS]).Status)

	// One due retry per channel; the sms lane's only worker is still busy.
	for _, it := range []*model.QueueItem{
		queueItem("email-retry", model.ChannelEmail, t0, 0),
		queueItem("sms-retry", model.ChannelSMS, t0, 0),
	} {
		due := t0
		it.RetryCount = 1
		it.NextRetryAt = &due
		_, err := p.queue.Enqueue(context.Background(), it)
		require.NoError(t, err)
	}

	res, err := p.retries.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retried)
	require.Eventually(t, succeeded("email-retry"), 2*time.Second, 5*time.Millisecond,
		"email retry must not wait for the sms lane")
	assert.Equal(t, model.QueueProcessing, p.item(t, "sms-retry").Status)

	close(gate)
	p.retries.Wait()
	assert.Equal(t, model.QueueSuccess, p.item(t, "sms-retry").Status)
	require.Eventually(t, succeeded(byChannel[model.ChannelSMS]), 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRetryManager_reclaimsAndPurges(t *testing.T) {
	p := newPipeline(t, testNotificationConfig())
	ctx := context.Background()

	claimOne(t, p.queue, queueItem("abandoned", model.ChannelEmail, t0, 0), t0)

	done := claimOne(t, p.queue, queueItem("old", model.ChannelEmail, t0, 0), t0)
	done.Status = model.QueueSuccess
	done.UpdatedAt = t0
	require.NoError(t, p.queue.Complete(ctx, done))

	p.clock.Advance(25 * time.Hour)
	res, err := p.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reclaimed)
	assert.Equal(t, 1, res.Purged)

	assert.Equal(t, model.QueuePending, p.item(t, "abandoned").Status)
	_, err = p.queue.Get(ctx, "old")
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}
