package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/workorder/internal/condition"
	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/model"
)

// Matcher turns lifecycle events into queue items using the enabled
// notification configs.
type Matcher struct {
	configs   ConfigStore
	queue     Queue
	directory model.IdentityResolver
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithMatcherClock overrides the time source used for scheduling.
func WithMatcherClock(now func() time.Time) MatcherOption {
	return func(m *Matcher) { m.now = now }
}

// WithMatcherMetrics counts enqueued items on metrics.
func WithMatcherMetrics(metrics *observability.Metrics) MatcherOption {
	return func(m *Matcher) { m.metrics = metrics }
}

// NewMatcher creates a matcher. directory may be nil, in which case role and
// dept recipients expand to nobody and addresses stay empty.
func NewMatcher(configs ConfigStore, queue Queue, directory model.IdentityResolver, logger *zap.Logger, opts ...MatcherOption) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Matcher{
		configs:   configs,
		queue:     queue,
		directory: directory,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle is the events.Handler form of OnEvent.
func (m *Matcher) Handle(ctx context.Context, event model.LifecycleEvent) error {
	_, err := m.OnEvent(ctx, event)
	return err
}

// OnEvent plans the deliveries for event and enqueues them. Items that were
// already enqueued for the same event are not duplicated. The returned slice
// is the full plan, new or not.
func (m *Matcher) OnEvent(ctx context.Context, event model.LifecycleEvent) ([]*model.QueueItem, error) {
	ctx, span := observability.StartSpan(ctx, "notify.match")
	defer span.End()

	items, err := m.Plan(ctx, event)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}

	byChannel := make(map[model.Channel][]*model.QueueItem)
	var order []model.Channel
	for _, it := range items {
		if _, seen := byChannel[it.Channel]; !seen {
			order = append(order, it.Channel)
		}
		byChannel[it.Channel] = append(byChannel[it.Channel], it)
	}
	for _, ch := range order {
		added, err := m.queue.Enqueue(ctx, byChannel[ch]...)
		if err != nil {
			observability.EndSpanWithError(span, err)
			return nil, fmt.Errorf("enqueue %s notifications for event %s: %w", ch, event.ID, err)
		}
		for i := 0; i < added; i++ {
			m.metrics.RecordEnqueued(string(ch), string(event.Type))
		}
	}

	m.logger.Debug("notifications planned",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("instance_id", event.InstanceID),
		zap.Int("items", len(items)),
	)
	return items, nil
}

// Plan computes the queue items for event without enqueueing them.
func (m *Matcher) Plan(ctx context.Context, event model.LifecycleEvent) ([]*model.QueueItem, error) {
	configs, err := m.configs.List(ctx, ConfigFilter{EventType: event.Type, Status: model.ConfigEnabled})
	if err != nil {
		return nil, fmt.Errorf("load notification configs: %w", err)
	}

	now := m.now()
	var items []*model.QueueItem
	for _, cfg := range configs {
		if !cfg.AppliesTo(event.Namespace, event.ProcessID) {
			continue
		}
		if cfg.TriggerType == model.TriggerConditional && !m.conditionHolds(cfg, event) {
			continue
		}
		planned, err := m.planConfig(ctx, cfg, event, now)
		if err != nil {
			return nil, err
		}
		items = append(items, planned...)
	}
	return items, nil
}

func (m *Matcher) conditionHolds(cfg *model.NotificationConfig, event model.LifecycleEvent) bool {
	ok, err := condition.Evaluate(cfg.TriggerCondition, conditionInput(event))
	if err != nil {
		m.logger.Debug("trigger condition failed",
			zap.String("notification_id", cfg.ID),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return false
	}
	return ok
}

// conditionInput is the instance snapshot plus event_type and actor_id.
func conditionInput(event model.LifecycleEvent) map[string]any {
	input := map[string]any{}
	if event.Snapshot != nil {
		if norm, err := condition.Normalize(event.Snapshot); err == nil {
			if fields, ok := norm.(map[string]any); ok {
				input = fields
			}
		}
	}
	input["event_type"] = string(event.Type)
	input["actor_id"] = event.ActorID
	return input
}

func (m *Matcher) planConfig(ctx context.Context, cfg *model.NotificationConfig, event model.LifecycleEvent, now time.Time) ([]*model.QueueItem, error) {
	recipients, err := m.recipients(ctx, cfg, event)
	if err != nil {
		return nil, fmt.Errorf("expand recipients of %s: %w", cfg.ID, err)
	}
	scheduledAt := scheduleFor(cfg, now)

	var items []*model.QueueItem
	seen := make(map[string]bool)
	for _, r := range recipients {
		data := NewTemplateData(event, r.id)
		subject := Render(cfg.SubjectTemplate, data)
		content := Render(cfg.MessageTemplate, data)
		for _, ch := range cfg.Channels {
			key := r.id + "|" + string(ch)
			if seen[key] {
				continue
			}
			seen[key] = true

			addr, err := m.address(ctx, cfg, r, ch)
			if err != nil {
				return nil, fmt.Errorf("resolve %s address of %s: %w", ch, r.id, err)
			}
			it := &model.QueueItem{
				ID:             ItemID(event.ID, cfg.ID, r.id, ch),
				NotificationID: cfg.ID,
				InstanceID:     event.InstanceID,
				EventID:        event.ID,
				EventType:      event.Type,
				TriggerType:    cfg.TriggerType,
				Channel:        ch,
				RecipientID:    r.id,
				RecipientAddr:  addr,
				Subject:        subject,
				Content:        content,
				Priority:       cfg.Priority,
				Status:         model.QueuePending,
				ScheduledAt:    scheduledAt,
				MaxRetries:     cfg.MaxRetries,
				RetryInterval:  cfg.RetryInterval,
				Version:        1,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if ch == model.ChannelWebhook {
				it.WebhookURL = cfg.WebhookURL
				it.WebhookHeaders = cfg.WebhookHeaders
			}
			items = append(items, it)
		}
	}
	return items, nil
}

// scheduleFor returns when items of cfg become due.
func scheduleFor(cfg *model.NotificationConfig, now time.Time) time.Time {
	switch cfg.TriggerType {
	case model.TriggerDelayed:
		return now.Add(time.Duration(cfg.RepeatInterval) * time.Minute)
	case model.TriggerScheduled:
		if cfg.ScheduledTime != nil && cfg.ScheduledTime.After(now) {
			return cfg.ScheduledTime.UTC()
		}
	}
	return now
}

type recipient struct {
	id     string
	custom bool
}

// recipients returns the union of every recipient type in declaration
// order, without duplicates.
func (m *Matcher) recipients(ctx context.Context, cfg *model.NotificationConfig, event model.LifecycleEvent) ([]recipient, error) {
	var out []recipient
	seen := make(map[string]bool)
	add := func(id string, custom bool) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, recipient{id: id, custom: custom})
	}

	for _, rt := range cfg.RecipientTypes {
		switch rt {
		case model.RecipientCreator:
			if event.Snapshot != nil {
				add(event.Snapshot.OperatorID, false)
			}
		case model.RecipientAssignee:
			if event.Snapshot != nil {
				add(event.Snapshot.AssigneeID, false)
			}
		case model.RecipientUser:
			for _, u := range cfg.Users {
				add(u, false)
			}
		case model.RecipientRole:
			if m.directory == nil {
				continue
			}
			for _, role := range cfg.Roles {
				ids, err := m.directory.UsersInRole(ctx, role)
				if err != nil {
					return nil, err
				}
				for _, id := range ids {
					add(id, false)
				}
			}
		case model.RecipientDept:
			if m.directory == nil {
				continue
			}
			for _, dept := range cfg.Depts {
				ids, err := m.directory.UsersInDept(ctx, dept)
				if err != nil {
					return nil, err
				}
				for _, id := range ids {
					add(id, false)
				}
			}
		case model.RecipientCustom:
			for _, c := range cfg.CustomRecipients {
				add(c, true)
			}
		}
	}
	return out, nil
}

// address resolves where r receives messages on ch. Webhooks go to the
// config's URL. A custom recipient unknown to the directory is taken to be
// a raw address. An empty result is left for the dispatcher to fail.
func (m *Matcher) address(ctx context.Context, cfg *model.NotificationConfig, r recipient, ch model.Channel) (string, error) {
	if ch == model.ChannelWebhook {
		return cfg.WebhookURL, nil
	}
	var addr string
	if m.directory != nil {
		a, err := m.directory.Address(ctx, r.id, ch)
		if err != nil {
			return "", err
		}
		addr = a
	}
	if addr == "" && r.custom {
		addr = r.id
	}
	return addr, nil
}
