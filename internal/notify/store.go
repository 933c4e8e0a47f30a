package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/workorder/model"
)

// ConfigFilter narrows config listings. Empty fields match everything.
type ConfigFilter struct {
	EventType model.EventType
	Status    string
	Namespace string
}

func (f ConfigFilter) matches(c *model.NotificationConfig) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Namespace != "" && c.Namespace != f.Namespace {
		return false
	}
	if f.EventType != "" && !c.Subscribes(f.EventType) {
		return false
	}
	return true
}

// ConfigStore persists notification rules. Updates are a compare-and-swap
// on the version.
type ConfigStore interface {
	// Create stores a new config. CONFLICT when the id is taken.
	Create(ctx context.Context, cfg *model.NotificationConfig) error
	Get(ctx context.Context, id string) (*model.NotificationConfig, error)
	// List returns the matching configs ordered by id.
	List(ctx context.Context, filter ConfigFilter) ([]*model.NotificationConfig, error)
	// Update replaces the config. cfg.Version must already be
	// expectedVersion+1; CONFLICT when the stored version differs.
	Update(ctx context.Context, cfg *model.NotificationConfig, expectedVersion int) error
	Delete(ctx context.Context, id string) error
}

// LogStore is the append-only delivery log.
type LogStore interface {
	Append(ctx context.Context, entry *model.NotificationLog) error
	// List returns matching entries in the order they were written and the
	// total before paging.
	List(ctx context.Context, filter model.LogFilter) ([]*model.NotificationLog, int, error)
}

func configNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("notification config %q not found", id))
}

func cloneConfig(c *model.NotificationConfig) *model.NotificationConfig {
	out := *c
	out.ProcessIDs = append([]string(nil), c.ProcessIDs...)
	out.EventTypes = append([]model.EventType(nil), c.EventTypes...)
	out.Channels = append([]model.Channel(nil), c.Channels...)
	out.RecipientTypes = append([]model.RecipientType(nil), c.RecipientTypes...)
	out.Users = append([]string(nil), c.Users...)
	out.Roles = append([]string(nil), c.Roles...)
	out.Depts = append([]string(nil), c.Depts...)
	out.CustomRecipients = append([]string(nil), c.CustomRecipients...)
	if c.ScheduledTime != nil {
		t := *c.ScheduledTime
		out.ScheduledTime = &t
	}
	if c.WebhookHeaders != nil {
		out.WebhookHeaders = make(map[string]string, len(c.WebhookHeaders))
		for k, v := range c.WebhookHeaders {
			out.WebhookHeaders[k] = v
		}
	}
	return &out
}

// MemoryConfigStore keeps configs in a map.
type MemoryConfigStore struct {
	mu      sync.RWMutex
	configs map[string]*model.NotificationConfig
}

// NewMemoryConfigStore creates an empty store.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{configs: make(map[string]*model.NotificationConfig)}
}

// Create implements ConfigStore.
func (s *MemoryConfigStore) Create(_ context.Context, cfg *model.NotificationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[cfg.ID]; ok {
		return model.NewConflictError(fmt.Sprintf("notification config %q already exists", cfg.ID))
	}
	s.configs[cfg.ID] = cloneConfig(cfg)
	return nil
}

// Get implements ConfigStore.
func (s *MemoryConfigStore) Get(_ context.Context, id string) (*model.NotificationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, configNotFound(id)
	}
	return cloneConfig(c), nil
}

// List implements ConfigStore.
func (s *MemoryConfigStore) List(_ context.Context, filter ConfigFilter) ([]*model.NotificationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.NotificationConfig, 0, len(s.configs))
	for _, c := range s.configs {
		if filter.matches(c) {
			out = append(out, cloneConfig(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Update implements ConfigStore.
func (s *MemoryConfigStore) Update(_ context.Context, cfg *model.NotificationConfig, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.configs[cfg.ID]
	if !ok {
		return configNotFound(cfg.ID)
	}
	if cur.Version != expectedVersion {
		return model.NewConflictError(fmt.Sprintf(
			"notification config %q is at version %d, not %d", cfg.ID, cur.Version, expectedVersion))
	}
	s.configs[cfg.ID] = cloneConfig(cfg)
	return nil
}

// Delete implements ConfigStore.
func (s *MemoryConfigStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return configNotFound(id)
	}
	delete(s.configs, id)
	return nil
}

// MemoryLogStore keeps delivery logs in a slice.
type MemoryLogStore struct {
	mu      sync.RWMutex
	entries []*model.NotificationLog
}

// NewMemoryLogStore creates an empty log.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{}
}

// Append implements LogStore.
func (s *MemoryLogStore) Append(_ context.Context, entry *model.NotificationLog) error {
	c := *entry
	s.mu.Lock()
	s.entries = append(s.entries, &c)
	s.mu.Unlock()
	return nil
}

// List implements LogStore.
func (s *MemoryLogStore) List(_ context.Context, filter model.LogFilter) ([]*model.NotificationLog, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*model.NotificationLog
	for _, e := range s.entries {
		if filter.Matches(e) {
			c := *e
			matched = append(matched, &c)
		}
	}
	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*model.NotificationLog{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}
