package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/workorder/internal/channel"
	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/internal/identity"
	"github.com/pitabwire/workorder/model"
)

var errProviderDown = errors.New("provider unavailable")

// fakeSender records messages and fails with the queued errors in order,
// then with fallback. With block set it hangs until the send times out;
// with gate set it holds each send until gate is closed.
type fakeSender struct {
	ch       model.Channel
	mu       sync.Mutex
	sent     []channel.Message
	errs     []error
	fallback error
	block    bool
	gate     chan struct{}
	waiting  atomic.Int32
}

func (s *fakeSender) Channel() model.Channel { return s.ch }

func (s *fakeSender) Send(ctx context.Context, msg channel.Message) error {
	if msg.Address == "" && msg.WebhookURL == "" {
		return channel.ErrNoAddress
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.gate != nil {
		s.waiting.Add(1)
		select {
		case <-s.gate:
			s.waiting.Add(-1)
		case <-ctx.Done():
			s.waiting.Add(-1)
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return s.fallback
}

func (s *fakeSender) messages() []channel.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]channel.Message(nil), s.sent...)
}

type fakeInstances map[string]*model.WorkorderInstance

func (f fakeInstances) Get(_ context.Context, id string) (*model.WorkorderInstance, error) {
	inst, ok := f[id]
	if !ok {
		return nil, model.NewNotFoundError("instance not found")
	}
	return inst, nil
}

func testDirectory() *identity.StaticDirectory {
	return identity.NewDirectory([]identity.User{
		{ID: "7", Dept: "ops", Manager: "99", Roles: []string{"requester"}, Email: "ada@example.com", Phone: "+15550007", Feishu: "ou_ada"},
		{ID: "42", Dept: "ops", Manager: "99", Roles: []string{"requester"}, Email: "grace@example.com"},
		{ID: "99", Dept: "ops", Roles: []string{"dispatcher"}, Email: "linus@example.com", Phone: "+15550099"},
	}, nil)
}

func testNotificationConfig() config.NotificationConfig {
	cfg := config.Defaults().Notification
	cfg.BatchSize = 10
	cfg.ProcessingTimeout = time.Minute
	cfg.Retention = 24 * time.Hour
	return cfg
}

// clock is a settable time source. Tests only move it while no delivery is
// running.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type pipeline struct {
	clock      *clock
	configs    *MemoryConfigStore
	queue      *MemoryQueue
	logs       *MemoryLogStore
	matcher    *Matcher
	dispatcher *Dispatcher
	retries    *RetryManager
	admin      *Admin
	senders    map[model.Channel]*fakeSender
}

func newPipeline(t *testing.T, cfg config.NotificationConfig, opts ...DispatcherOption) *pipeline {
	t.Helper()
	clk := &clock{now: t0}
	p := &pipeline{
		clock:   clk,
		configs: NewMemoryConfigStore(),
		queue:   NewMemoryQueue(),
		logs:    NewMemoryLogStore(),
		senders: make(map[model.Channel]*fakeSender),
	}
	p.queue.now = clk.Now

	var senders []channel.Sender
	for _, ch := range model.Channels {
		s := &fakeSender{ch: ch}
		p.senders[ch] = s
		senders = append(senders, s)
	}
	dir := testDirectory()
	p.matcher = NewMatcher(p.configs, p.queue, dir, nil, WithMatcherClock(clk.Now))
	opts = append([]DispatcherOption{WithDispatcherClock(clk.Now)}, opts...)
	p.dispatcher = NewDispatcher(cfg, p.queue, p.logs, channel.NewSenders(senders...), nil, opts...)
	p.retries = NewRetryManager(cfg, p.queue, p.dispatcher, nil, WithRetryClock(clk.Now))
	p.admin = NewAdmin(p.configs, p.queue, p.logs, p.dispatcher, dir, nil, WithAdminClock(clk.Now))
	return p
}

func (p *pipeline) addConfig(t *testing.T, cfg model.NotificationConfig) *model.NotificationConfig {
	t.Helper()
	created, err := p.admin.CreateConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateConfig() error = %v", err)
	}
	return created
}

// sweep runs one retry pass and waits for the retries it handed out.
func (p *pipeline) sweep(ctx context.Context) (SweepResult, error) {
	res, err := p.retries.Sweep(ctx)
	p.retries.Wait()
	return res, err
}

func (p *pipeline) logRows(t *testing.T, itemID string) []*model.NotificationLog {
	t.Helper()
	rows, _, err := p.logs.List(context.Background(), model.LogFilter{QueueItemID: itemID})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return rows
}

func rejectedConfig() model.NotificationConfig {
	return model.NotificationConfig{
		ID:              "rejected",
		Name:            "Rejected work orders",
		EventTypes:      []model.EventType{model.EventInstanceRejected},
		TriggerType:     model.TriggerImmediate,
		Channels:        []model.Channel{model.ChannelEmail, model.ChannelSMS},
		RecipientTypes:  []model.RecipientType{model.RecipientCreator},
		SubjectTemplate: "{{title}} rejected",
		MessageTemplate: "{{title}} was rejected by {{actor_id}}: {{comment}}",
		MaxRetries:      2,
		RetryInterval:   60,
		Status:          model.ConfigEnabled,
	}
}

func rejectedEvent() model.LifecycleEvent {
	return model.LifecycleEvent{
		ID:         "ev-1",
		Type:       model.EventInstanceRejected,
		InstanceID: "wo-1",
		Namespace:  "ops",
		ProcessID:  "change_request",
		ActorID:    "99",
		Comment:    "missing budget",
		Timestamp:  t0,
		Snapshot: &model.WorkorderInstance{
			ID:          "wo-1",
			ProcessID:   "change_request",
			Namespace:   "ops",
			Title:       "Replace core switch",
			CurrentStep: "rejected",
			Status:      model.StatusRejected,
			OperatorID:  "7",
			AssigneeID:  "99",
			FormData:    map[string]any{"amount": 1200, "site": "HQ"},
		},
	}
}
