// Package workorder drives work-order instances through their process graph
// and persists their flow log and timeline.
package workorder

import (
	"context"
	"time"

	"github.com/pitabwire/workorder/model"
)

// InstanceStore persists instances together with their append-only flow log
// and timeline. Every write that changes an instance is a compare-and-swap on
// its version.
type InstanceStore interface {
	// Create persists a new instance and its "created" timeline entry.
	Create(ctx context.Context, inst *model.WorkorderInstance, created model.TimelineEntry) error

	// Get returns the instance, including tombstoned ones. NOT_FOUND when
	// the id is unknown.
	Get(ctx context.Context, id string) (*model.WorkorderInstance, error)

	// List returns the instances matching filter, newest first, and the total
	// match count before paging.
	List(ctx context.Context, filter model.InstanceFilter) ([]*model.WorkorderInstance, int, error)

	// ApplyTransition atomically replaces the instance, appends flow and
	// appends timeline. inst.Version must already be expectedVersion+1.
	// The store assigns flow.Seq. CONFLICT when the stored version differs,
	// in which case nothing is written.
	ApplyTransition(ctx context.Context, inst *model.WorkorderInstance, expectedVersion int, flow *model.FlowLogEntry, timeline model.TimelineEntry) error

	// Save replaces the instance under the same version CAS as
	// ApplyTransition and appends timeline when non-nil.
	Save(ctx context.Context, inst *model.WorkorderInstance, expectedVersion int, timeline *model.TimelineEntry) error

	// AppendTimeline adds an entry without touching the instance.
	AppendTimeline(ctx context.Context, entry model.TimelineEntry) error

	// FlowLog returns the flow log ordered by seq.
	FlowLog(ctx context.Context, instanceID string) ([]model.FlowLogEntry, error)

	// Timeline returns the timeline in insertion order.
	Timeline(ctx context.Context, instanceID string) ([]model.TimelineEntry, error)

	// FindOverdue returns live, non-terminal instances whose due date is
	// before now and which have not been flagged overdue yet.
	FindOverdue(ctx context.Context, now time.Time, limit int) ([]*model.WorkorderInstance, error)
}
