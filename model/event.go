package model

import "time"

// EventType names a lifecycle event emitted after a committed change.
type EventType string

// Lifecycle events.
const (
	EventInstanceCreated   EventType = "instance_created"
	EventInstanceSubmitted EventType = "instance_submitted"
	EventInstanceAssigned  EventType = "instance_assigned"
	EventInstanceApproved  EventType = "instance_approved"
	EventInstanceRejected  EventType = "instance_rejected"
	EventInstanceCompleted EventType = "instance_completed"
	EventInstanceCancelled EventType = "instance_cancelled"
	EventInstanceUpdated   EventType = "instance_updated"
	EventInstanceCommented EventType = "instance_commented"
	EventInstanceDeleted   EventType = "instance_deleted"
	EventInstanceReturned  EventType = "instance_returned"
	EventInstanceOverdue   EventType = "instance_overdue"
)

// EventTypes lists every event a notification config may subscribe to.
var EventTypes = []EventType{
	EventInstanceCreated, EventInstanceSubmitted, EventInstanceAssigned,
	EventInstanceApproved, EventInstanceRejected, EventInstanceCompleted,
	EventInstanceCancelled, EventInstanceUpdated, EventInstanceCommented,
	EventInstanceDeleted, EventInstanceReturned, EventInstanceOverdue,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// EventForAction maps a transition action to the event it emits.
func EventForAction(a Action) EventType {
	switch a {
	case ActionSubmit:
		return EventInstanceSubmitted
	case ActionAssign:
		return EventInstanceAssigned
	case ActionApprove:
		return EventInstanceApproved
	case ActionReject:
		return EventInstanceRejected
	case ActionCancel:
		return EventInstanceCancelled
	case ActionComplete:
		return EventInstanceCompleted
	case ActionReturn:
		return EventInstanceReturned
	}
	return ""
}

// FieldChange is one entry of an event diff.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// LifecycleEvent is published once per committed instance change. Snapshot
// holds the instance state after the change and Trace the W3C trace context
// of the request that made it.
type LifecycleEvent struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	InstanceID string                 `json:"instance_id"`
	Namespace  string                 `json:"namespace,omitempty"`
	ProcessID  string                 `json:"process_id"`
	ActorID    string                 `json:"actor_id"`
	Comment    string                 `json:"comment,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Snapshot   *WorkorderInstance     `json:"snapshot"`
	Diff       map[string]FieldChange `json:"diff,omitempty"`
	Trace      map[string]string      `json:"trace,omitempty"`
}
