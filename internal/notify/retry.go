package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/model"
)

// SweepResult summarizes one retry sweep.
type SweepResult struct {
	Retried   int
	Reclaimed int
	Purged    int
}

// RetryManager periodically re-enters due retries into the dispatch path,
// returns abandoned claims to pending and purges old terminal items.
type RetryManager struct {
	queue             Queue
	dispatcher        *Dispatcher
	interval          time.Duration
	batch             int
	processingTimeout time.Duration
	retention         time.Duration
	logger            *zap.Logger
	metrics           *observability.Metrics
	now               func() time.Time
	inflight          sync.WaitGroup
}

// RetryOption configures a RetryManager.
type RetryOption func(*RetryManager)

// WithRetryClock overrides the time source.
func WithRetryClock(now func() time.Time) RetryOption {
	return func(r *RetryManager) { r.now = now }
}

// WithRetryMetrics records claims and reclaims on m.
func WithRetryMetrics(m *observability.Metrics) RetryOption {
	return func(r *RetryManager) { r.metrics = m }
}

// NewRetryManager creates a retry manager feeding dispatcher.
func NewRetryManager(cfg config.NotificationConfig, queue Queue, dispatcher *Dispatcher, logger *zap.Logger, opts ...RetryOption) *RetryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RetryManager{
		queue:             queue,
		dispatcher:        dispatcher,
		interval:          cfg.RetrySweepInterval,
		batch:             cfg.BatchSize,
		processingTimeout: cfg.ProcessingTimeout,
		retention:         cfg.Retention,
		logger:            logger,
		now:               func() time.Time { return time.Now().UTC() },
	}
	if r.interval <= 0 {
		r.interval = 5 * time.Second
	}
	if r.batch < 1 {
		r.batch = 50
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep runs one pass. Claimed retries are handed to their channel's lane
// and delivered in the background, so a slow channel only holds up its own
// retries; Wait blocks until they have settled.
func (r *RetryManager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.now()

	if r.processingTimeout > 0 {
		n, err := r.queue.ReclaimStale(ctx, now.Add(-r.processingTimeout))
		if err != nil {
			return res, err
		}
		res.Reclaimed = n
		r.metrics.RecordReclaimed(n)
	}

	for ctx.Err() == nil {
		items, err := r.queue.DequeueRetries(ctx, r.batch, now)
		if err != nil {
			return res, err
		}
		r.recordClaims(items)
		res.Retried += len(items)
		for _, it := range items {
			r.inflight.Add(1)
			go r.process(ctx, it)
		}
		if len(items) < r.batch {
			break
		}
	}

	if r.retention > 0 {
		n, err := r.queue.Purge(ctx, now.Add(-r.retention))
		if err != nil {
			return res, err
		}
		res.Purged = n
	}
	return res, nil
}

// process delivers one retry. An item abandoned on shutdown stays claimed
// until ReclaimStale returns it to pending.
func (r *RetryManager) process(ctx context.Context, it *model.QueueItem) {
	defer r.inflight.Done()
	err := r.dispatcher.Process(ctx, it)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	r.logger.Warn("retry delivery not recorded",
		zap.String("queue_item_id", it.ID),
		zap.String("channel", string(it.Channel)),
		zap.Error(err),
	)
}

// Wait blocks until every retry handed out by Sweep has settled.
func (r *RetryManager) Wait() {
	r.inflight.Wait()
}

func (r *RetryManager) recordClaims(items []*model.QueueItem) {
	counts := make(map[model.Channel]int)
	for _, it := range items {
		counts[it.Channel]++
	}
	for ch, n := range counts {
		r.metrics.RecordClaimed(string(ch), "retry", n)
	}
}

// Run sweeps every interval until ctx is cancelled and then waits for
// in-flight retries.
func (r *RetryManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Wait()
			return nil
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("retry sweep failed", zap.Error(err))
				continue
			}
			if res.Retried+res.Reclaimed+res.Purged > 0 {
				r.logger.Info("retry sweep",
					zap.Int("retried", res.Retried),
					zap.Int("reclaimed", res.Reclaimed),
					zap.Int("purged", res.Purged),
				)
			}
		}
	}
}
