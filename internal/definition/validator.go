package definition

import (
	"fmt"

	"github.com/pitabwire/workorder/internal/condition"
	"github.com/pitabwire/workorder/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks process graphs and notification rules before they are
// served.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks every file. Process ids must be unique across files.
func (v *Validator) Validate(files []model.DefinitionFile) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, f := range files {
		prefix := fmt.Sprintf("definitions[%d]", i)
		for j, p := range f.Processes {
			pp := fmt.Sprintf("%s.processes[%d]", prefix, j)
			if other, dup := seen[p.ID]; dup && p.ID != "" {
				errs = append(errs, VError{
					Path:    pp + ".id",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("process %q already defined in %s", p.ID, other),
				})
			}
			seen[p.ID] = p.SourceFile
			errs = append(errs, v.ValidateProcess(pp, p)...)
		}
		for j, n := range f.Notifications {
			np := fmt.Sprintf("%s.notifications[%d]", prefix, j)
			errs = append(errs, v.ValidateNotificationConfig(np, n)...)
		}
	}
	return errs
}

// ValidateProcess checks one step graph.
func (v *Validator) ValidateProcess(prefix string, p model.ProcessDefinition) []VError {
	var errs []VError
	add := func(path, code, msg string) {
		errs = append(errs, VError{Path: path, Code: code, Message: msg})
	}

	if p.ID == "" {
		add(prefix+".id", "REQUIRED", "id is required")
	}
	if p.Name == "" {
		add(prefix+".name", "REQUIRED", "name is required")
	}
	if len(p.Steps) < 2 {
		add(prefix+".steps", "REQUIRED", "at least two steps required (initial + terminal)")
	}

	stepIDs := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.ID == "" {
			add(sp+".id", "REQUIRED", "step id is required")
		} else if stepIDs[s.ID] {
			add(sp+".id", "DUPLICATE", fmt.Sprintf("step %q declared twice", s.ID))
		}
		stepIDs[s.ID] = true
		if !s.Status.Valid() {
			add(sp+".status", "INVALID_ENUM", fmt.Sprintf("invalid step status %q", s.Status))
		}
	}

	initial := p.Initial()
	if p.InitialStep != "" && !stepIDs[p.InitialStep] {
		add(prefix+".initial_step", "REF_NOT_FOUND", fmt.Sprintf("initial_step %q not found in steps", p.InitialStep))
	} else if initial != "" && p.StatusOf(initial) != model.StatusDraft {
		add(prefix+".initial_step", "INVALID_STATE", fmt.Sprintf("initial step %q must have status draft", initial))
	}

	for i, s := range p.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		errs = append(errs, validateAssigneeRule(sp+".assignee_rule", s.AssigneeRule)...)

		if s.IsTerminal() {
			if len(s.Transitions) > 0 {
				add(sp+".transitions", "TERMINAL_STEP", fmt.Sprintf("terminal step %q cannot have transitions", s.ID))
			}
			continue
		}

		hasCancel := false
		actions := make(map[model.Action]bool)
		for j, tr := range s.Transitions {
			tp := fmt.Sprintf("%s.transitions[%d]", sp, j)
			switch {
			case !tr.Action.Valid():
				add(tp+".action", "INVALID_ENUM", fmt.Sprintf("unknown action %q", tr.Action))
			case tr.Action == model.ActionReturn:
				add(tp+".action", "IMPLICIT_ACTION", "return is derived from the flow log and cannot be declared")
			case actions[tr.Action]:
				add(tp+".action", "DUPLICATE", fmt.Sprintf("action %q declared twice on step %q", tr.Action, s.ID))
			}
			actions[tr.Action] = true
			if tr.Action == model.ActionCancel {
				hasCancel = true
			}
			if tr.Target == "" {
				add(tp+".target", "REQUIRED", "transition target is required")
			} else if !stepIDs[tr.Target] {
				add(tp+".target", "REF_NOT_FOUND", fmt.Sprintf("step %q not found", tr.Target))
			}
			if tr.Condition != "" {
				if _, err := condition.Compile(tr.Condition); err != nil {
					add(tp+".condition", "INVALID_EXPRESSION", err.Error())
				}
			}
		}
		if !hasCancel {
			add(sp+".transitions", "MISSING_CANCEL", fmt.Sprintf("non-terminal step %q needs a cancel transition", s.ID))
		}
	}

	if _, err := CompileFormSchema(p.FormSchema); err != nil {
		add(prefix+".form_schema", "INVALID_SCHEMA", err.Error())
	}

	return errs
}

func validateAssigneeRule(path string, r model.AssigneeRule) []VError {
	switch r.Type {
	case model.AssignNone, model.AssignCreator, model.AssignSubmitterManager:
		return nil
	case model.AssignUser:
		if r.UserID == "" {
			return []VError{{Path: path + ".user_id", Code: "REQUIRED", Message: "user_id is required for user rules"}}
		}
		return nil
	case model.AssignRole:
		if r.Role == "" {
			return []VError{{Path: path + ".role", Code: "REQUIRED", Message: "role is required for role rules"}}
		}
		return nil
	}
	return []VError{{Path: path + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown assignee rule %q", r.Type)}}
}

// ValidateNotificationConfig checks one notification rule. It is shared by
// the definition loader and the admin API.
func (v *Validator) ValidateNotificationConfig(prefix string, c model.NotificationConfig) []VError {
	var errs []VError
	add := func(path, code, msg string) {
		errs = append(errs, VError{Path: path, Code: code, Message: msg})
	}

	if c.Name == "" {
		add(prefix+".name", "REQUIRED", "name is required")
	}
	if len(c.EventTypes) == 0 {
		add(prefix+".event_types", "REQUIRED", "at least one event type is required")
	}
	for i, et := range c.EventTypes {
		if !et.Valid() {
			add(fmt.Sprintf("%s.event_types[%d]", prefix, i), "INVALID_ENUM", fmt.Sprintf("unknown event type %q", et))
		}
	}

	switch c.TriggerType {
	case model.TriggerImmediate:
	case model.TriggerDelayed:
		if c.RepeatInterval <= 0 {
			add(prefix+".repeat_interval", "REQUIRED", "delayed triggers need a positive repeat_interval")
		}
	case model.TriggerScheduled:
		if c.ScheduledTime == nil {
			add(prefix+".scheduled_time", "REQUIRED", "scheduled triggers need scheduled_time")
		}
	case model.TriggerConditional:
		if c.TriggerCondition == "" {
			add(prefix+".trigger_condition", "REQUIRED", "conditional triggers need trigger_condition")
		} else if _, err := condition.Compile(c.TriggerCondition); err != nil {
			add(prefix+".trigger_condition", "INVALID_EXPRESSION", err.Error())
		}
	default:
		add(prefix+".trigger_type", "INVALID_ENUM", fmt.Sprintf("unknown trigger type %q", c.TriggerType))
	}

	if len(c.Channels) == 0 {
		add(prefix+".channels", "REQUIRED", "at least one channel is required")
	}
	for i, ch := range c.Channels {
		if !ch.Valid() {
			add(fmt.Sprintf("%s.channels[%d]", prefix, i), "INVALID_ENUM", fmt.Sprintf("unknown channel %q", ch))
		}
		if ch == model.ChannelWebhook && c.WebhookURL == "" {
			add(prefix+".webhook_url", "REQUIRED", "webhook channel needs webhook_url")
		}
	}

	if len(c.RecipientTypes) == 0 {
		add(prefix+".recipient_types", "REQUIRED", "at least one recipient type is required")
	}
	for i, rt := range c.RecipientTypes {
		rp := fmt.Sprintf("%s.recipient_types[%d]", prefix, i)
		switch {
		case !rt.Valid():
			add(rp, "INVALID_ENUM", fmt.Sprintf("unknown recipient type %q", rt))
		case rt == model.RecipientUser && len(c.Users) == 0:
			add(prefix+".users", "REQUIRED", "user recipients need users")
		case rt == model.RecipientRole && len(c.Roles) == 0:
			add(prefix+".roles", "REQUIRED", "role recipients need roles")
		case rt == model.RecipientDept && len(c.Depts) == 0:
			add(prefix+".depts", "REQUIRED", "dept recipients need depts")
		case rt == model.RecipientCustom && len(c.CustomRecipients) == 0:
			add(prefix+".custom_recipients", "REQUIRED", "custom recipients need custom_recipients")
		}
	}

	if c.MessageTemplate == "" {
		add(prefix+".message_template", "REQUIRED", "message_template is required")
	}
	if c.MaxRetries < 0 {
		add(prefix+".max_retries", "OUT_OF_RANGE", "max_retries cannot be negative")
	}
	if c.RetryInterval < 0 {
		add(prefix+".retry_interval", "OUT_OF_RANGE", "retry_interval cannot be negative")
	}
	if c.Status != model.ConfigEnabled && c.Status != model.ConfigDisabled {
		add(prefix+".status", "INVALID_ENUM", fmt.Sprintf("status must be %q or %q", model.ConfigEnabled, model.ConfigDisabled))
	}

	return errs
}
