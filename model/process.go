package model

// Action is one verb of the fixed work-order action vocabulary.
type Action string

// Work-order actions.
const (
	ActionSubmit   Action = "submit"
	ActionAssign   Action = "assign"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionCancel   Action = "cancel"
	ActionComplete Action = "complete"
	ActionReturn   Action = "return"
)

// Actions lists the vocabulary in display order.
var Actions = []Action{
	ActionSubmit, ActionAssign, ActionApprove, ActionReject,
	ActionCancel, ActionComplete, ActionReturn,
}

// Valid reports whether a is part of the vocabulary.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// InstanceStatus is the coarse status projected from an instance's current step.
type InstanceStatus string

// Instance statuses.
const (
	StatusDraft      InstanceStatus = "draft"
	StatusPending    InstanceStatus = "pending"
	StatusProcessing InstanceStatus = "processing"
	StatusCompleted  InstanceStatus = "completed"
	StatusRejected   InstanceStatus = "rejected"
	StatusCancelled  InstanceStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s InstanceStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusProcessing,
		StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition may leave s.
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusCancelled
}

// Editable reports whether direct field edits are allowed in s.
func (s InstanceStatus) Editable() bool {
	return s == StatusDraft || s == StatusPending
}

// Assignee rule types.
const (
	AssignNone             = ""
	AssignCreator          = "creator"
	AssignUser             = "user"
	AssignRole             = "role"
	AssignSubmitterManager = "submitter_manager"
)

// AssigneeRule says who owns an instance while it sits in a step.
type AssigneeRule struct {
	Type   string `yaml:"type" json:"type,omitempty"`
	UserID string `yaml:"user_id" json:"user_id,omitempty"`
	Role   string `yaml:"role" json:"role,omitempty"`
}

// IsEmpty reports whether the rule keeps the current assignee.
func (r AssigneeRule) IsEmpty() bool { return r.Type == AssignNone }

// TransitionDefinition is one edge of the process graph.
type TransitionDefinition struct {
	Action    Action `yaml:"action" json:"action"`
	Target    string `yaml:"target" json:"target"`
	Condition string `yaml:"condition" json:"condition,omitempty"`
}

// StepDefinition is one node of the process graph.
type StepDefinition struct {
	ID           string                 `yaml:"id" json:"id"`
	Name         string                 `yaml:"name" json:"name"`
	Status       InstanceStatus         `yaml:"status" json:"status"`
	AssigneeRule AssigneeRule           `yaml:"assignee_rule" json:"assignee_rule"`
	Transitions  []TransitionDefinition `yaml:"transitions" json:"transitions,omitempty"`
}

// IsTerminal reports whether the step ends the process.
func (s StepDefinition) IsTerminal() bool { return s.Status.IsTerminal() }

// Transition returns the outgoing transition for action, if any.
func (s StepDefinition) Transition(action Action) (TransitionDefinition, bool) {
	for _, t := range s.Transitions {
		if t.Action == action {
			return t, true
		}
	}
	return TransitionDefinition{}, false
}

// ProcessDefinition is the immutable step graph that drives work-order
// instances.
type ProcessDefinition struct {
	ID          string           `yaml:"id" json:"id"`
	Name        string           `yaml:"name" json:"name"`
	Version     string           `yaml:"version" json:"version"`
	Namespace   string           `yaml:"namespace" json:"namespace,omitempty"`
	InitialStep string           `yaml:"initial_step" json:"initial_step"`
	Steps       []StepDefinition `yaml:"steps" json:"steps"`
	FormSchema  map[string]any   `yaml:"form_schema" json:"form_schema,omitempty"`

	Checksum   string `yaml:"-" json:"checksum,omitempty"`
	SourceFile string `yaml:"-" json:"-"`
}

// Step returns the step with the given id.
func (p *ProcessDefinition) Step(id string) (StepDefinition, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Initial returns the id of the step new instances start in.
func (p *ProcessDefinition) Initial() string {
	if p.InitialStep != "" {
		return p.InitialStep
	}
	if len(p.Steps) > 0 {
		return p.Steps[0].ID
	}
	return ""
}

// StatusOf projects a step id to the instance status. Unknown steps project
// to the empty status.
func (p *ProcessDefinition) StatusOf(stepID string) InstanceStatus {
	s, ok := p.Step(stepID)
	if !ok {
		return ""
	}
	return s.Status
}

// DefinitionFile is the root of a process definition YAML file.
type DefinitionFile struct {
	Namespace     string               `yaml:"namespace"`
	Version       string               `yaml:"version"`
	Processes     []ProcessDefinition  `yaml:"processes"`
	Notifications []NotificationConfig `yaml:"notifications"`
}
