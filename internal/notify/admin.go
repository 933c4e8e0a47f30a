package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/workorder/internal/definition"
	"github.com/pitabwire/workorder/model"
)

var defaultConfigNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:workorder:notification-config"))

// TestSendRequest asks for one queued test delivery of a config.
type TestSendRequest struct {
	RecipientID string        `json:"recipient_id"`
	Channel     model.Channel `json:"channel,omitempty"`
}

// SendRequest is an ad hoc message delivered without the queue. Address is
// resolved from RecipientID when empty.
type SendRequest struct {
	Channel        model.Channel     `json:"channel"`
	RecipientID    string            `json:"recipient_id,omitempty"`
	Address        string            `json:"address,omitempty"`
	Subject        string            `json:"subject,omitempty"`
	Content        string            `json:"content"`
	InstanceID     string            `json:"instance_id,omitempty"`
	WebhookURL     string            `json:"webhook_url,omitempty"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`
}

// Admin is the operator surface of the notification pipeline.
type Admin struct {
	configs    ConfigStore
	queue      Queue
	logs       LogStore
	dispatcher *Dispatcher
	directory  model.IdentityResolver
	validator  *definition.Validator
	logger     *zap.Logger
	now        func() time.Time
}

// AdminOption configures an Admin.
type AdminOption func(*Admin)

// WithAdminClock overrides the time source.
func WithAdminClock(now func() time.Time) AdminOption {
	return func(a *Admin) { a.now = now }
}

// NewAdmin creates the admin surface.
func NewAdmin(configs ConfigStore, queue Queue, logs LogStore, dispatcher *Dispatcher, directory model.IdentityResolver, logger *zap.Logger, opts ...AdminOption) *Admin {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Admin{
		configs:    configs,
		queue:      queue,
		logs:       logs,
		dispatcher: dispatcher,
		directory:  directory,
		validator:  definition.NewValidator(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Admin) validate(cfg *model.NotificationConfig) error {
	if cfg.Status == "" {
		cfg.Status = model.ConfigEnabled
	}
	if cfg.TriggerType == "" {
		cfg.TriggerType = model.TriggerImmediate
	}
	verrs := a.validator.ValidateNotificationConfig("config", *cfg)
	if len(verrs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(verrs))
	for i, e := range verrs {
		details[i] = model.FieldError{
			Field:   strings.TrimPrefix(e.Path, "config."),
			Code:    e.Code,
			Message: e.Message,
		}
	}
	return model.NewValidationError(details)
}

// CreateConfig validates and stores a new config. An empty id is generated.
func (a *Admin) CreateConfig(ctx context.Context, cfg model.NotificationConfig) (*model.NotificationConfig, error) {
	if err := a.validate(&cfg); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	now := a.now()
	cfg.Version = 1
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	if err := a.configs.Create(ctx, &cfg); err != nil {
		return nil, err
	}
	a.logger.Info("notification config created", zap.String("notification_id", cfg.ID))
	return &cfg, nil
}

// GetConfig returns one config.
func (a *Admin) GetConfig(ctx context.Context, id string) (*model.NotificationConfig, error) {
	return a.configs.Get(ctx, id)
}

// ListConfigs returns the configs matching filter.
func (a *Admin) ListConfigs(ctx context.Context, filter ConfigFilter) ([]*model.NotificationConfig, error) {
	return a.configs.List(ctx, filter)
}

// UpdateConfig replaces config id. cfg.Version is the version the caller
// last read; a stale version is CONFLICT. The default flag and creation
// time cannot be changed.
func (a *Admin) UpdateConfig(ctx context.Context, id string, cfg model.NotificationConfig) (*model.NotificationConfig, error) {
	if cfg.Version <= 0 {
		return nil, model.NewBadRequestError("version is required")
	}
	cur, err := a.configs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.validate(&cfg); err != nil {
		return nil, err
	}
	expected := cfg.Version
	cfg.ID = id
	cfg.IsDefault = cur.IsDefault
	cfg.CreatedAt = cur.CreatedAt
	cfg.UpdatedAt = a.now()
	cfg.Version = expected + 1
	if err := a.configs.Update(ctx, &cfg, expected); err != nil {
		return nil, err
	}
	a.logger.Info("notification config updated",
		zap.String("notification_id", id),
		zap.Int("version", cfg.Version),
	)
	return &cfg, nil
}

// DeleteConfig removes a config. Defaults can only be disabled.
func (a *Admin) DeleteConfig(ctx context.Context, id string) error {
	cur, err := a.configs.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.IsDefault {
		return model.NewInvalidStateError(fmt.Sprintf("notification config %q is a default; disable it instead", id))
	}
	return a.configs.Delete(ctx, id)
}

// SeedDefaults stores each default config that is not stored yet and
// reports how many were added. Stored copies, including disabled ones,
// are left alone.
func (a *Admin) SeedDefaults(ctx context.Context, defaults []model.NotificationConfig) (int, error) {
	added := 0
	for _, cfg := range defaults {
		cfg.IsDefault = true
		if cfg.ID == "" {
			cfg.ID = uuid.NewSHA1(defaultConfigNamespace, []byte(cfg.Namespace+"|"+cfg.Name)).String()
		}
		_, err := a.configs.Get(ctx, cfg.ID)
		if err == nil {
			continue
		}
		if !model.IsCode(err, model.ErrNotFound) {
			return added, err
		}
		if _, err := a.CreateConfig(ctx, cfg); err != nil {
			if model.IsCode(err, model.ErrConflict) {
				continue
			}
			return added, fmt.Errorf("seed notification config %q: %w", cfg.ID, err)
		}
		added++
	}
	return added, nil
}

// TestSend queues one delivery of config id to a single recipient, rendered
// against a synthetic event.
func (a *Admin) TestSend(ctx context.Context, id string, req TestSendRequest) (*model.QueueItem, error) {
	cfg, err := a.configs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.RecipientID == "" {
		return nil, model.NewBadRequestError("recipient_id is required")
	}
	ch := req.Channel
	if ch == "" && len(cfg.Channels) > 0 {
		ch = cfg.Channels[0]
	}
	if !ch.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown channel %q", ch))
	}

	now := a.now()
	eventType := model.EventInstanceCreated
	if len(cfg.EventTypes) > 0 {
		eventType = cfg.EventTypes[0]
	}
	event := model.LifecycleEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Namespace: cfg.Namespace,
		ActorID:   model.SystemActor,
		Timestamp: now,
	}
	data := NewTemplateData(event, req.RecipientID)

	addr, err := a.resolveAddress(ctx, ch, req.RecipientID, cfg.WebhookURL)
	if err != nil {
		return nil, err
	}
	item := &model.QueueItem{
		ID:             ItemID(event.ID, cfg.ID, req.RecipientID, ch),
		NotificationID: cfg.ID,
		EventID:        event.ID,
		EventType:      event.Type,
		TriggerType:    model.TriggerImmediate,
		Channel:        ch,
		RecipientID:    req.RecipientID,
		RecipientAddr:  addr,
		Subject:        Render(cfg.SubjectTemplate, data),
		Content:        Render(cfg.MessageTemplate, data),
		Priority:       cfg.Priority,
		Status:         model.QueuePending,
		ScheduledAt:    now,
		MaxRetries:     cfg.MaxRetries,
		RetryInterval:  cfg.RetryInterval,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ch == model.ChannelWebhook {
		item.WebhookURL = cfg.WebhookURL
		item.WebhookHeaders = cfg.WebhookHeaders
	}
	if _, err := a.queue.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	return a.queue.Get(ctx, item.ID)
}

// SendNow delivers req immediately and returns the log row. A failed
// delivery is reported through the row's status, not as an error.
func (a *Admin) SendNow(ctx context.Context, req SendRequest) (*model.NotificationLog, error) {
	if !req.Channel.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown channel %q", req.Channel))
	}
	if req.Content == "" {
		return nil, model.NewBadRequestError("content is required")
	}
	addr := req.Address
	if addr == "" {
		if req.RecipientID == "" && req.Channel != model.ChannelWebhook {
			return nil, model.NewBadRequestError("recipient_id or address is required")
		}
		resolved, err := a.resolveAddress(ctx, req.Channel, req.RecipientID, req.WebhookURL)
		if err != nil {
			return nil, err
		}
		addr = resolved
	}

	now := a.now()
	item := &model.QueueItem{
		ID:             uuid.New().String(),
		InstanceID:     req.InstanceID,
		TriggerType:    model.TriggerImmediate,
		Channel:        req.Channel,
		RecipientID:    req.RecipientID,
		RecipientAddr:  addr,
		Subject:        req.Subject,
		Content:        req.Content,
		Status:         model.QueueProcessing,
		ScheduledAt:    now,
		WebhookURL:     req.WebhookURL,
		WebhookHeaders: req.WebhookHeaders,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if item.WebhookURL == "" && req.Channel == model.ChannelWebhook {
		item.WebhookURL = addr
	}
	entry, err := a.dispatcher.Deliver(ctx, item)
	if entry == nil {
		return nil, err
	}
	if err != nil {
		a.logger.Warn("direct notification failed",
			zap.String("channel", string(req.Channel)),
			zap.String("recipient_id", req.RecipientID),
			zap.Error(err),
		)
	}
	return entry, nil
}

func (a *Admin) resolveAddress(ctx context.Context, ch model.Channel, recipientID, webhookURL string) (string, error) {
	if ch == model.ChannelWebhook {
		return webhookURL, nil
	}
	if a.directory == nil {
		return "", nil
	}
	addr, err := a.directory.Address(ctx, recipientID, ch)
	if err != nil {
		return "", fmt.Errorf("resolve address: %w", err)
	}
	return addr, nil
}

// ListQueue returns queue items matching filter, newest first.
func (a *Admin) ListQueue(ctx context.Context, filter model.QueueFilter) ([]*model.QueueItem, int, error) {
	return a.queue.List(ctx, filter)
}

// ListLogs returns delivery logs matching filter in write order.
func (a *Admin) ListLogs(ctx context.Context, filter model.LogFilter) ([]*model.NotificationLog, int, error) {
	return a.logs.List(ctx, filter)
}
