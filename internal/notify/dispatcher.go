package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/pitabwire/workorder/internal/channel"
	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/model"
)

const (
	defaultSendTimeout = 10 * time.Second
	suppressedReason   = "suppressed"
)

// errNotAttempted means the lane gave up before calling the sender. The item
// stays claimed and is returned to pending by ReclaimStale.
var errNotAttempted = errors.New("delivery not attempted")

// InstanceGetter reads the current state of an instance.
type InstanceGetter interface {
	Get(ctx context.Context, id string) (*model.WorkorderInstance, error)
}

// lane is the worker pool of one channel.
type lane struct {
	channel model.Channel
	sender  channel.Sender
	workers int64
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	breaker *channel.Breaker
	timeout time.Duration
}

// wait blocks until every in-flight delivery of the lane has finished.
func (l *lane) wait() {
	_ = l.sem.Acquire(context.Background(), l.workers)
	l.sem.Release(l.workers)
}

// Dispatcher claims due queue items and delivers them through the channel
// senders. Every channel has its own worker pool, rate limiter and circuit
// breaker so a slow provider cannot starve the others.
type Dispatcher struct {
	queue        Queue
	logs         LogStore
	instances    InstanceGetter
	lanes        map[model.Channel]*lane
	batch        int
	pollInterval time.Duration
	suppress     bool
	logger       *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock overrides the time source.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithDispatcherMetrics records claims, attempts and breaker states.
func WithDispatcherMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithInstances lets the dispatcher look up instances to suppress deferred
// reminders for instances that have since ended.
func WithInstances(getter InstanceGetter) DispatcherOption {
	return func(d *Dispatcher) { d.instances = getter }
}

// NewDispatcher creates a dispatcher with one lane per enabled channel in
// cfg. Channels without a sender still get a lane; their items fail.
func NewDispatcher(cfg config.NotificationConfig, queue Queue, logs LogStore, senders channel.Senders, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:        queue,
		logs:         logs,
		lanes:        make(map[model.Channel]*lane),
		batch:        cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		suppress:     cfg.SuppressStaleReminders,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.batch < 1 {
		d.batch = 50
	}
	if d.pollInterval <= 0 {
		d.pollInterval = time.Second
	}

	for _, ch := range model.Channels {
		cc, ok := cfg.Channels[string(ch)]
		if !ok || !cc.Enabled {
			continue
		}
		sender, _ := senders.Get(ch)
		d.lanes[ch] = d.newLane(ch, sender, cc)
	}
	return d
}

func (d *Dispatcher) newLane(ch model.Channel, sender channel.Sender, cc config.ChannelConfig) *lane {
	workers := int64(cc.Workers)
	if workers < 1 {
		workers = 1
	}
	limit := rate.Inf
	if cc.RatePerSecond > 0 {
		limit = rate.Limit(cc.RatePerSecond)
	}
	burst := cc.Burst
	if burst < 1 {
		burst = int(workers)
	}
	timeout := cc.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	name := string(ch)
	d.metrics.SetChannelBreakerState(name, 0)
	breaker := channel.NewBreaker(
		cc.CircuitBreaker.FailureThreshold,
		cc.CircuitBreaker.SuccessThreshold,
		cc.CircuitBreaker.Timeout,
		func(s channel.BreakerState) {
			d.metrics.SetChannelBreakerState(name, breakerGauge(s))
			d.logger.Warn("channel breaker state changed",
				zap.String("channel", name),
				zap.String("state", s.String()),
			)
		},
	)
	return &lane{
		channel: ch,
		sender:  sender,
		workers: workers,
		sem:     semaphore.NewWeighted(workers),
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		timeout: timeout,
	}
}

// breakerGauge maps a breaker state to the exported gauge value.
func breakerGauge(s channel.BreakerState) float64 {
	switch s {
	case channel.BreakerHalfOpen:
		return 1
	case channel.BreakerOpen:
		return 2
	}
	return 0
}

// Channels returns the channels with a running lane.
func (d *Dispatcher) Channels() []model.Channel {
	var out []model.Channel
	for _, ch := range model.Channels {
		if _, ok := d.lanes[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Run polls every lane until ctx is cancelled and then waits for in-flight
// deliveries.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range d.lanes {
		g.Go(func() error {
			d.runLane(ctx, l)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runLane(ctx context.Context, l *lane) {
	d.logger.Info("channel dispatcher started", zap.String("channel", string(l.channel)))
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		d.drain(ctx, l)
		select {
		case <-ctx.Done():
			l.wait()
			d.logger.Info("channel dispatcher stopped", zap.String("channel", string(l.channel)))
			return
		case <-ticker.C:
		}
	}
}

// DispatchDue claims and delivers every due fresh item once and waits for
// the deliveries to finish. It returns the number of items claimed.
func (d *Dispatcher) DispatchDue(ctx context.Context) int {
	n := 0
	for _, ch := range d.Channels() {
		l := d.lanes[ch]
		n += d.drain(ctx, l)
		l.wait()
	}
	return n
}

// drain claims batches until the channel has nothing due, handing each item
// to a worker.
func (d *Dispatcher) drain(ctx context.Context, l *lane) int {
	claimed := 0
	for ctx.Err() == nil {
		items, err := d.queue.Dequeue(ctx, l.channel, d.batch, d.now())
		if err != nil {
			d.logger.Error("claiming notifications failed",
				zap.String("channel", string(l.channel)),
				zap.Error(err),
			)
			return claimed
		}
		d.metrics.RecordClaimed(string(l.channel), "fresh", len(items))
		claimed += len(items)
		for _, it := range items {
			if err := l.sem.Acquire(ctx, 1); err != nil {
				return claimed
			}
			go func() {
				defer l.sem.Release(1)
				_ = d.deliver(ctx, l, it)
			}()
		}
		if len(items) < d.batch {
			return claimed
		}
	}
	return claimed
}

// Process delivers one claimed item on the calling goroutine, within its
// channel's worker limit.
func (d *Dispatcher) Process(ctx context.Context, item *model.QueueItem) error {
	l, ok := d.lanes[item.Channel]
	if !ok {
		return d.settle(ctx, item, d.now(), channel.Fatalf("channel %q is not enabled", item.Channel))
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return d.deliver(ctx, l, item)
}

func (d *Dispatcher) deliver(ctx context.Context, l *lane, item *model.QueueItem) error {
	if d.shouldSuppress(ctx, item) {
		return d.suppressItem(ctx, item)
	}
	started := d.now()
	err := d.attempt(ctx, l, item)
	if errors.Is(err, errNotAttempted) {
		return nil
	}
	return d.settle(ctx, item, started, err)
}

// attempt makes one send through the lane's limiter and breaker under the
// lane's timeout.
func (d *Dispatcher) attempt(ctx context.Context, l *lane, item *model.QueueItem) error {
	if l.sender == nil {
		return channel.Fatalf("no sender configured for channel %q", item.Channel)
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return errNotAttempted
	}
	if err := l.breaker.Allow(); err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	attemptCtx, span := observability.StartSpan(attemptCtx, "notify.deliver",
		observability.AttrChannel.String(string(item.Channel)),
		observability.AttrQueueItemID.String(item.ID),
		attribute.Int("notification.retry_count", item.RetryCount),
	)
	start := time.Now()
	err := l.sender.Send(attemptCtx, channel.FromQueueItem(item))
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && channel.Classify(err) != channel.Permanent {
		err = fmt.Errorf("send timed out after %s: %w", l.timeout, err)
	}
	observability.EndSpanWithError(span, err)
	l.breaker.Record(err)
	d.metrics.RecordDelivery(string(item.Channel), channel.Classify(err).String(), time.Since(start))
	return err
}

// settle applies the outcome of an attempt to the item and writes the log
// row. Retryable failures consume one retry; the attempt after the last
// retry is terminal.
func (d *Dispatcher) settle(ctx context.Context, item *model.QueueItem, started time.Time, sendErr error) error {
	ctx = context.WithoutCancel(ctx)
	now := d.now()
	entry := newLogEntry(item, started)

	switch channel.Classify(sendErr) {
	case channel.Delivered:
		item.Status = model.QueueSuccess
		item.LastError = ""
		item.NextRetryAt = nil
		entry.Status = model.LogSuccess
		entry.DeliveredAt = &now
		entry.Final = true
	case channel.Retryable:
		item.LastError = sendErr.Error()
		entry.Status = model.LogFailed
		entry.ErrorMessage = sendErr.Error()
		if item.RetryCount < item.MaxRetries {
			item.RetryCount++
			next := now.Add(time.Duration(item.RetryInterval) * time.Second)
			item.NextRetryAt = &next
			item.Status = model.QueuePending
		} else {
			item.NextRetryAt = nil
			item.Status = model.QueueFailed
			entry.Final = true
		}
	case channel.Permanent:
		item.LastError = sendErr.Error()
		item.NextRetryAt = nil
		item.Status = model.QueueFailed
		entry.Status = model.LogFailed
		entry.ErrorMessage = sendErr.Error()
		entry.Final = true
	}
	item.UpdatedAt = now

	logger := d.logger.With(observability.QueueItemFields(item)...)
	if sendErr != nil {
		logger.Warn("notification delivery failed",
			zap.Int("retry_count", item.RetryCount),
			zap.Bool("final", entry.Final),
			zap.Error(sendErr),
		)
	}
	return d.record(ctx, logger, item, entry)
}

func (d *Dispatcher) shouldSuppress(ctx context.Context, item *model.QueueItem) bool {
	if !d.suppress || d.instances == nil || item.InstanceID == "" || !item.TriggerType.Deferred() {
		return false
	}
	inst, err := d.instances.Get(ctx, item.InstanceID)
	if model.IsCode(err, model.ErrNotFound) {
		return true
	}
	if err != nil {
		d.logger.Warn("instance lookup for suppression failed",
			zap.String("queue_item_id", item.ID),
			zap.String("instance_id", item.InstanceID),
			zap.Error(err),
		)
		return false
	}
	return inst.IsTerminal() || inst.DeletedAt != nil
}

func (d *Dispatcher) suppressItem(ctx context.Context, item *model.QueueItem) error {
	ctx = context.WithoutCancel(ctx)
	now := d.now()
	entry := newLogEntry(item, now)
	entry.Status = model.LogCancelled
	entry.ErrorMessage = suppressedReason
	entry.Final = true

	item.Status = model.QueueFailed
	item.LastError = suppressedReason
	item.NextRetryAt = nil
	item.UpdatedAt = now

	logger := d.logger.With(observability.QueueItemFields(item)...)
	logger.Info("deferred notification suppressed")
	return d.record(ctx, logger, item, entry)
}

// record writes the log row and stores the item. A lost claim is logged;
// the attempt already happened, so its log row is kept.
func (d *Dispatcher) record(ctx context.Context, logger *zap.Logger, item *model.QueueItem, entry *model.NotificationLog) error {
	if err := d.logs.Append(ctx, entry); err != nil {
		logger.Error("writing delivery log failed", zap.Error(err))
		return err
	}
	if err := d.queue.Complete(ctx, item); err != nil {
		logger.Error("storing delivery outcome failed", zap.Error(err))
		return err
	}
	return nil
}

// Deliver sends item once, bypassing the queue, and logs the attempt as
// final. The send error, if any, is returned alongside the log row.
func (d *Dispatcher) Deliver(ctx context.Context, item *model.QueueItem) (*model.NotificationLog, error) {
	started := d.now()
	var sendErr error
	if l, ok := d.lanes[item.Channel]; ok {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		sendErr = d.attempt(ctx, l, item)
		l.sem.Release(1)
		if errors.Is(sendErr, errNotAttempted) {
			return nil, ctx.Err()
		}
	} else {
		sendErr = channel.Fatalf("channel %q is not enabled", item.Channel)
	}

	now := d.now()
	entry := newLogEntry(item, started)
	entry.Final = true
	if sendErr == nil {
		entry.Status = model.LogSuccess
		entry.DeliveredAt = &now
	} else {
		entry.Status = model.LogFailed
		entry.ErrorMessage = sendErr.Error()
	}
	if err := d.logs.Append(context.WithoutCancel(ctx), entry); err != nil {
		return nil, fmt.Errorf("write delivery log: %w", err)
	}
	return entry, sendErr
}

func newLogEntry(item *model.QueueItem, sendAt time.Time) *model.NotificationLog {
	return &model.NotificationLog{
		ID:             uuid.New().String(),
		QueueItemID:    item.ID,
		NotificationID: item.NotificationID,
		InstanceID:     item.InstanceID,
		Channel:        item.Channel,
		RecipientID:    item.RecipientID,
		RecipientAddr:  item.RecipientAddr,
		Subject:        item.Subject,
		Content:        item.Content,
		Status:         model.LogSending,
		SendAt:         sendAt,
		RetryCount:     item.RetryCount,
	}
}
