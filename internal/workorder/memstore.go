package workorder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/workorder/model"
)

// MemoryStore is an in-memory InstanceStore. One mutex guards instances and
// logs together so a transition is all-or-nothing.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*model.WorkorderInstance
	flows     map[string][]model.FlowLogEntry
	timelines map[string][]model.TimelineEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*model.WorkorderInstance),
		flows:     make(map[string][]model.FlowLogEntry),
		timelines: make(map[string][]model.TimelineEntry),
	}
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("workorder %q not found", id))
}

func versionConflict(id string, expected, actual int) error {
	return model.NewConflictError(
		fmt.Sprintf("workorder %q version conflict (expected %d, got %d)", id, expected, actual),
	)
}

// Create persists a new instance.
func (s *MemoryStore) Create(_ context.Context, inst *model.WorkorderInstance, created model.TimelineEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workorder %q already exists", inst.ID))
	}
	s.instances[inst.ID] = inst.Clone()
	s.timelines[inst.ID] = append(s.timelines[inst.ID], created)
	return nil
}

// Get returns a copy of the stored instance.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.WorkorderInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, notFound(id)
	}
	return inst.Clone(), nil
}

// List filters, sorts newest first and pages.
func (s *MemoryStore) List(_ context.Context, filter model.InstanceFilter) ([]*model.WorkorderInstance, int, error) {
	s.mu.RLock()
	var matched []*model.WorkorderInstance
	for _, inst := range s.instances {
		if filter.Matches(inst) {
			matched = append(matched, inst.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) casLocked(inst *model.WorkorderInstance, expectedVersion int) error {
	existing, ok := s.instances[inst.ID]
	if !ok {
		return notFound(inst.ID)
	}
	if existing.Version != expectedVersion {
		return versionConflict(inst.ID, expectedVersion, existing.Version)
	}
	return nil
}

// ApplyTransition commits a transition atomically.
func (s *MemoryStore) ApplyTransition(_ context.Context, inst *model.WorkorderInstance, expectedVersion int, flow *model.FlowLogEntry, timeline model.TimelineEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.casLocked(inst, expectedVersion); err != nil {
		return err
	}
	flow.Seq = len(s.flows[inst.ID]) + 1
	s.instances[inst.ID] = inst.Clone()
	s.flows[inst.ID] = append(s.flows[inst.ID], *flow)
	s.timelines[inst.ID] = append(s.timelines[inst.ID], timeline)
	return nil
}

// Save replaces the instance under a version CAS.
func (s *MemoryStore) Save(_ context.Context, inst *model.WorkorderInstance, expectedVersion int, timeline *model.TimelineEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.casLocked(inst, expectedVersion); err != nil {
		return err
	}
	s.instances[inst.ID] = inst.Clone()
	if timeline != nil {
		s.timelines[inst.ID] = append(s.timelines[inst.ID], *timeline)
	}
	return nil
}

// AppendTimeline adds a timeline entry.
func (s *MemoryStore) AppendTimeline(_ context.Context, entry model.TimelineEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[entry.InstanceID]; !ok {
		return notFound(entry.InstanceID)
	}
	s.timelines[entry.InstanceID] = append(s.timelines[entry.InstanceID], entry)
	return nil
}

// FlowLog returns a copy of the flow log.
func (s *MemoryStore) FlowLog(_ context.Context, instanceID string) ([]model.FlowLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.instances[instanceID]; !ok {
		return nil, notFound(instanceID)
	}
	return append([]model.FlowLogEntry(nil), s.flows[instanceID]...), nil
}

// Timeline returns a copy of the timeline.
func (s *MemoryStore) Timeline(_ context.Context, instanceID string) ([]model.TimelineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.instances[instanceID]; !ok {
		return nil, notFound(instanceID)
	}
	return append([]model.TimelineEntry(nil), s.timelines[instanceID]...), nil
}

// FindOverdue returns instances past their due date, earliest due first.
func (s *MemoryStore) FindOverdue(_ context.Context, now time.Time, limit int) ([]*model.WorkorderInstance, error) {
	s.mu.RLock()
	var result []*model.WorkorderInstance
	for _, inst := range s.instances {
		if inst.DeletedAt != nil || inst.IsTerminal() || inst.OverdueAt != nil {
			continue
		}
		if inst.DueDate != nil && inst.DueDate.Before(now) {
			result = append(result, inst.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].DueDate.Before(*result[j].DueDate)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
