package model

import "time"

// WorkorderInstance is one occurrence of a process. CurrentStep is
// authoritative; Status is its projection and is rewritten on every
// transition.
type WorkorderInstance struct {
	ID          string         `json:"id"`
	ProcessID   string         `json:"process_id"`
	Namespace   string         `json:"namespace,omitempty"`
	Title       string         `json:"title"`
	CurrentStep string         `json:"current_step"`
	Status      InstanceStatus `json:"status"`
	FormData    map[string]any `json:"form_data,omitempty"`
	OperatorID  string         `json:"operator_id"`
	AssigneeID  string         `json:"assignee_id,omitempty"`
	Priority    int            `json:"priority"`
	Tags        []string       `json:"tags,omitempty"`
	DueDate     *time.Time     `json:"due_date,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
	OverdueAt   *time.Time     `json:"overdue_notified_at,omitempty"`
	Version     int            `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IsTerminal reports whether the instance has left the active part of its
// process.
func (w *WorkorderInstance) IsTerminal() bool { return w.Status.IsTerminal() }

// Clone returns a copy that shares no mutable state with w.
func (w *WorkorderInstance) Clone() *WorkorderInstance {
	c := *w
	if w.FormData != nil {
		c.FormData = make(map[string]any, len(w.FormData))
		for k, v := range w.FormData {
			c.FormData[k] = v
		}
	}
	if w.Tags != nil {
		c.Tags = append([]string(nil), w.Tags...)
	}
	c.DueDate = cloneTime(w.DueDate)
	c.CompletedAt = cloneTime(w.CompletedAt)
	c.DeletedAt = cloneTime(w.DeletedAt)
	c.OverdueAt = cloneTime(w.OverdueAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// FlowLogEntry is one committed transition. Entries are never edited.
type FlowLogEntry struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Seq        int       `json:"seq"`
	FromStep   string    `json:"from_step"`
	ToStep     string    `json:"to_step"`
	Action     Action    `json:"action"`
	ActorID    string    `json:"actor_id"`
	AssigneeID string    `json:"assignee_id,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Timeline entry kinds.
const (
	TimelineCreated    = "created"
	TimelineTransition = "transition"
	TimelineComment    = "comment"
	TimelineUpdate     = "update"
	TimelineDeleted    = "deleted"
)

// TimelineEntry is the human readable history shown next to an instance.
type TimelineEntry struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Kind       string    `json:"kind"`
	ActorID    string    `json:"actor_id"`
	Summary    string    `json:"summary"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// InstanceFilter narrows List results.
type InstanceFilter struct {
	ProcessID      string
	Namespace      string
	Status         InstanceStatus
	AssigneeID     string
	OperatorID     string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Matches reports whether inst passes every set field of f. Paging is not
// applied here.
func (f InstanceFilter) Matches(inst *WorkorderInstance) bool {
	if !f.IncludeDeleted && inst.DeletedAt != nil {
		return false
	}
	if f.ProcessID != "" && inst.ProcessID != f.ProcessID {
		return false
	}
	if f.Namespace != "" && inst.Namespace != f.Namespace {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.AssigneeID != "" && inst.AssigneeID != f.AssigneeID {
		return false
	}
	if f.OperatorID != "" && inst.OperatorID != f.OperatorID {
		return false
	}
	return true
}
