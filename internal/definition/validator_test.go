package definition

import (
	"testing"
	"time"

	"github.com/pitabwire/workorder/model"
)

func validProcess() model.ProcessDefinition {
	return model.ProcessDefinition{
		ID:   "change-request",
		Name: "Change Request",
		Steps: []model.StepDefinition{
			{ID: "draft", Status: model.StatusDraft, AssigneeRule: model.AssigneeRule{Type: model.AssignCreator},
				Transitions: []model.TransitionDefinition{
					{Action: model.ActionSubmit, Target: "review"},
					{Action: model.ActionCancel, Target: "cancelled"},
				}},
			{ID: "review", Status: model.StatusPending, AssigneeRule: model.AssigneeRule{Type: model.AssignRole, Role: "dispatcher"},
				Transitions: []model.TransitionDefinition{
					{Action: model.ActionApprove, Target: "done", Condition: "amount < `100`"},
					{Action: model.ActionCancel, Target: "cancelled"},
				}},
			{ID: "done", Status: model.StatusCompleted},
			{ID: "cancelled", Status: model.StatusCancelled},
		},
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid_process(t *testing.T) {
	v := NewValidator()
	if errs := v.ValidateProcess("p", validProcess()); len(errs) != 0 {
		t.Errorf("ValidateProcess() = %v, want no errors", errs)
	}
}

func TestValidator_testdata_is_valid(t *testing.T) {
	files, err := NewLoader().LoadAll([]string{"testdata/processes"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if errs := NewValidator().Validate(files); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_process_errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *model.ProcessDefinition)
		code   string
	}{
		{"missing cancel", func(p *model.ProcessDefinition) {
			p.Steps[1].Transitions = p.Steps[1].Transitions[:1]
		}, "MISSING_CANCEL"},
		{"unknown target", func(p *model.ProcessDefinition) {
			p.Steps[0].Transitions[0].Target = "nowhere"
		}, "REF_NOT_FOUND"},
		{"unknown action", func(p *model.ProcessDefinition) {
			p.Steps[0].Transitions[0].Action = "escalate"
		}, "INVALID_ENUM"},
		{"declared return", func(p *model.ProcessDefinition) {
			p.Steps[1].Transitions[0].Action = model.ActionReturn
		}, "IMPLICIT_ACTION"},
		{"bad condition", func(p *model.ProcessDefinition) {
			p.Steps[1].Transitions[0].Condition = "amount <"
		}, "INVALID_EXPRESSION"},
		{"terminal with transitions", func(p *model.ProcessDefinition) {
			p.Steps[2].Transitions = []model.TransitionDefinition{{Action: model.ActionCancel, Target: "cancelled"}}
		}, "TERMINAL_STEP"},
		{"initial not draft", func(p *model.ProcessDefinition) {
			p.InitialStep = "review"
		}, "INVALID_STATE"},
		{"duplicate step", func(p *model.ProcessDefinition) {
			p.Steps[3].ID = "done"
		}, "DUPLICATE"},
		{"role rule without role", func(p *model.ProcessDefinition) {
			p.Steps[1].AssigneeRule.Role = ""
		}, "REQUIRED"},
		{"bad schema", func(p *model.ProcessDefinition) {
			p.FormSchema = map[string]any{"type": "banana"}
		}, "INVALID_SCHEMA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProcess()
			tt.mutate(&p)
			errs := NewValidator().ValidateProcess("p", p)
			if !hasCode(errs, tt.code) {
				t.Errorf("ValidateProcess() = %v, want code %s", errs, tt.code)
			}
		})
	}
}

func TestValidator_duplicate_process_across_files(t *testing.T) {
	files := []model.DefinitionFile{
		{Processes: []model.ProcessDefinition{validProcess()}},
		{Processes: []model.ProcessDefinition{validProcess()}},
	}
	if errs := NewValidator().Validate(files); !hasCode(errs, "DUPLICATE") {
		t.Errorf("Validate() = %v, want DUPLICATE", errs)
	}
}

func validConfig() model.NotificationConfig {
	return model.NotificationConfig{
		Name:            "reject notice",
		EventTypes:      []model.EventType{model.EventInstanceRejected},
		TriggerType:     model.TriggerImmediate,
		Channels:        []model.Channel{model.ChannelEmail, model.ChannelSMS},
		RecipientTypes:  []model.RecipientType{model.RecipientCreator},
		MessageTemplate: "{{title}} rejected",
		MaxRetries:      2,
		RetryInterval:   30,
		Status:          model.ConfigEnabled,
	}
}

func TestValidator_notification_config(t *testing.T) {
	at := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		mutate func(c *model.NotificationConfig)
		code   string
	}{
		{"valid", func(c *model.NotificationConfig) {}, ""},
		{"scheduled ok", func(c *model.NotificationConfig) {
			c.TriggerType = model.TriggerScheduled
			c.ScheduledTime = &at
		}, ""},
		{"unknown event", func(c *model.NotificationConfig) {
			c.EventTypes = []model.EventType{"instance_exploded"}
		}, "INVALID_ENUM"},
		{"delayed without interval", func(c *model.NotificationConfig) {
			c.TriggerType = model.TriggerDelayed
		}, "REQUIRED"},
		{"conditional bad expression", func(c *model.NotificationConfig) {
			c.TriggerType = model.TriggerConditional
			c.TriggerCondition = "priority >"
		}, "INVALID_EXPRESSION"},
		{"webhook without url", func(c *model.NotificationConfig) {
			c.Channels = []model.Channel{model.ChannelWebhook}
		}, "REQUIRED"},
		{"role without roles", func(c *model.NotificationConfig) {
			c.RecipientTypes = []model.RecipientType{model.RecipientRole}
		}, "REQUIRED"},
		{"negative retries", func(c *model.NotificationConfig) {
			c.MaxRetries = -1
		}, "OUT_OF_RANGE"},
		{"bad status", func(c *model.NotificationConfig) {
			c.Status = "paused"
		}, "INVALID_ENUM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			errs := NewValidator().ValidateNotificationConfig("n", c)
			if tt.code == "" {
				if len(errs) != 0 {
					t.Errorf("ValidateNotificationConfig() = %v, want none", errs)
				}
				return
			}
			if !hasCode(errs, tt.code) {
				t.Errorf("ValidateNotificationConfig() = %v, want code %s", errs, tt.code)
			}
		})
	}
}
