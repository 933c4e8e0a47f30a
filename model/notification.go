package model

import "time"

// Channel is a notification delivery medium.
type Channel string

// Delivery channels.
const (
	ChannelEmail   Channel = "email"
	ChannelFeishu  Channel = "feishu"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelEmail, ChannelFeishu, ChannelSMS, ChannelWebhook}

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

// TriggerType says when a rule fires relative to its event.
type TriggerType string

// Trigger types.
const (
	TriggerImmediate   TriggerType = "immediate"
	TriggerDelayed     TriggerType = "delayed"
	TriggerScheduled   TriggerType = "scheduled"
	TriggerConditional TriggerType = "conditional"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerImmediate, TriggerDelayed, TriggerScheduled, TriggerConditional:
		return true
	}
	return false
}

// Deferred reports whether items for this trigger fire later than the event.
func (t TriggerType) Deferred() bool {
	return t == TriggerDelayed || t == TriggerScheduled
}

// RecipientType selects how recipients are derived from an event.
type RecipientType string

// Recipient types.
const (
	RecipientCreator  RecipientType = "creator"
	RecipientAssignee RecipientType = "assignee"
	RecipientUser     RecipientType = "user"
	RecipientRole     RecipientType = "role"
	RecipientDept     RecipientType = "dept"
	RecipientCustom   RecipientType = "custom"
)

// Valid reports whether r is a known recipient type.
func (r RecipientType) Valid() bool {
	switch r {
	case RecipientCreator, RecipientAssignee, RecipientUser,
		RecipientRole, RecipientDept, RecipientCustom:
		return true
	}
	return false
}

// Config statuses.
const (
	ConfigEnabled  = "enabled"
	ConfigDisabled = "disabled"
)

// NotificationConfig is an operator-defined rule mapping lifecycle events to
// deliveries.
type NotificationConfig struct {
	ID               string            `yaml:"id" json:"id"`
	Name             string            `yaml:"name" json:"name"`
	Namespace        string            `yaml:"namespace" json:"namespace,omitempty"`
	ProcessIDs       []string          `yaml:"process_ids" json:"process_ids,omitempty"`
	EventTypes       []EventType       `yaml:"event_types" json:"event_types"`
	TriggerType      TriggerType       `yaml:"trigger_type" json:"trigger_type"`
	TriggerCondition string            `yaml:"trigger_condition" json:"trigger_condition,omitempty"`
	RepeatInterval   int               `yaml:"repeat_interval" json:"repeat_interval,omitempty"`
	ScheduledTime    *time.Time        `yaml:"scheduled_time" json:"scheduled_time,omitempty"`
	Channels         []Channel         `yaml:"channels" json:"channels"`
	RecipientTypes   []RecipientType   `yaml:"recipient_types" json:"recipient_types"`
	Users            []string          `yaml:"users" json:"users,omitempty"`
	Roles            []string          `yaml:"roles" json:"roles,omitempty"`
	Depts            []string          `yaml:"depts" json:"depts,omitempty"`
	CustomRecipients []string          `yaml:"custom_recipients" json:"custom_recipients,omitempty"`
	SubjectTemplate  string            `yaml:"subject_template" json:"subject_template,omitempty"`
	MessageTemplate  string            `yaml:"message_template" json:"message_template"`
	MaxRetries       int               `yaml:"max_retries" json:"max_retries"`
	RetryInterval    int               `yaml:"retry_interval" json:"retry_interval"`
	Priority         int               `yaml:"priority" json:"priority"`
	Status           string            `yaml:"status" json:"status"`
	IsDefault        bool              `yaml:"is_default" json:"is_default"`
	WebhookURL       string            `yaml:"webhook_url" json:"webhook_url,omitempty"`
	WebhookHeaders   map[string]string `yaml:"webhook_headers" json:"webhook_headers,omitempty"`
	Version          int               `yaml:"-" json:"version"`
	CreatedAt        time.Time         `yaml:"-" json:"created_at"`
	UpdatedAt        time.Time         `yaml:"-" json:"updated_at"`
}

// Enabled reports whether the rule takes part in matching.
func (c *NotificationConfig) Enabled() bool { return c.Status == ConfigEnabled }

// Subscribes reports whether the rule listens to t.
func (c *NotificationConfig) Subscribes(t EventType) bool {
	for _, et := range c.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// AppliesTo reports whether the rule's namespace and process filters admit
// the event.
func (c *NotificationConfig) AppliesTo(namespace, processID string) bool {
	if c.Namespace != "" && c.Namespace != namespace {
		return false
	}
	if len(c.ProcessIDs) == 0 {
		return true
	}
	for _, id := range c.ProcessIDs {
		if id == processID {
			return true
		}
	}
	return false
}

// Queue item statuses.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueSuccess    = "success"
	QueueFailed     = "failed"
)

// QueueItem is one pending delivery of one rendered message to one recipient
// on one channel.
type QueueItem struct {
	ID             string            `json:"id"`
	NotificationID string            `json:"notification_id"`
	InstanceID     string            `json:"instance_id,omitempty"`
	EventID        string            `json:"event_id,omitempty"`
	EventType      EventType         `json:"event_type,omitempty"`
	TriggerType    TriggerType       `json:"trigger_type,omitempty"`
	Channel        Channel           `json:"channel"`
	RecipientID    string            `json:"recipient_id"`
	RecipientAddr  string            `json:"recipient_addr"`
	Subject        string            `json:"subject,omitempty"`
	Content        string            `json:"content"`
	Priority       int               `json:"priority"`
	Status         string            `json:"status"`
	ScheduledAt    time.Time         `json:"scheduled_at"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	RetryInterval  int               `json:"retry_interval"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	WebhookURL     string            `json:"webhook_url,omitempty"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`
	ClaimedAt      *time.Time        `json:"claimed_at,omitempty"`
	Version        int               `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// IsTerminal reports whether the item will never be dispatched again.
func (q *QueueItem) IsTerminal() bool {
	return q.Status == QueueSuccess || q.Status == QueueFailed
}

// DueAt returns the time the item next becomes eligible for a claim.
func (q *QueueItem) DueAt() time.Time {
	if q.NextRetryAt != nil {
		return *q.NextRetryAt
	}
	return q.ScheduledAt
}

// Clone returns a copy that shares no mutable state with q.
func (q *QueueItem) Clone() *QueueItem {
	c := *q
	c.NextRetryAt = cloneTime(q.NextRetryAt)
	c.ClaimedAt = cloneTime(q.ClaimedAt)
	if q.WebhookHeaders != nil {
		c.WebhookHeaders = make(map[string]string, len(q.WebhookHeaders))
		for k, v := range q.WebhookHeaders {
			c.WebhookHeaders[k] = v
		}
	}
	return &c
}

// QueueFilter narrows queue listings.
type QueueFilter struct {
	Status     string
	Channel    Channel
	InstanceID string
	Limit      int
	Offset     int
}

// Matches reports whether q passes every set field of f.
func (f QueueFilter) Matches(q *QueueItem) bool {
	if f.Status != "" && q.Status != f.Status {
		return false
	}
	if f.Channel != "" && q.Channel != f.Channel {
		return false
	}
	if f.InstanceID != "" && q.InstanceID != f.InstanceID {
		return false
	}
	return true
}

// Delivery log statuses.
const (
	LogPending   = "pending"
	LogSending   = "sending"
	LogSuccess   = "success"
	LogFailed    = "failed"
	LogCancelled = "cancelled"
)

// NotificationLog records one delivery attempt. A retry writes a new row.
type NotificationLog struct {
	ID             string     `json:"id"`
	QueueItemID    string     `json:"queue_item_id,omitempty"`
	NotificationID string     `json:"notification_id,omitempty"`
	InstanceID     string     `json:"instance_id,omitempty"`
	Channel        Channel    `json:"channel"`
	RecipientID    string     `json:"recipient_id"`
	RecipientAddr  string     `json:"recipient_addr"`
	Subject        string     `json:"subject,omitempty"`
	Content        string     `json:"content"`
	Status         string     `json:"status"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	SendAt         time.Time  `json:"send_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	RetryCount     int        `json:"retry_count"`
	Final          bool       `json:"final"`
}

// LogFilter narrows delivery log listings.
type LogFilter struct {
	QueueItemID    string
	NotificationID string
	InstanceID     string
	Channel        Channel
	Status         string
	Limit          int
	Offset         int
}

// Matches reports whether l passes every set field of f.
func (f LogFilter) Matches(l *NotificationLog) bool {
	if f.QueueItemID != "" && l.QueueItemID != f.QueueItemID {
		return false
	}
	if f.NotificationID != "" && l.NotificationID != f.NotificationID {
		return false
	}
	if f.InstanceID != "" && l.InstanceID != f.InstanceID {
		return false
	}
	if f.Channel != "" && l.Channel != f.Channel {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	return true
}
