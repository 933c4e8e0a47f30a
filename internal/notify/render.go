package notify

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/workorder/internal/condition"
	"github.com/pitabwire/workorder/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// TemplateData is the lookup scope of a message template: event metadata,
// instance fields, form_data entries at the top level and the whole form
// under "form".
type TemplateData map[string]any

// NewTemplateData builds the scope for rendering event to recipientID.
// Event metadata wins over instance fields, which win over form entries.
func NewTemplateData(event model.LifecycleEvent, recipientID string) TemplateData {
	data := TemplateData{}
	if event.Snapshot != nil {
		if norm, err := condition.Normalize(event.Snapshot); err == nil {
			if fields, ok := norm.(map[string]any); ok {
				form, _ := fields["form_data"].(map[string]any)
				for k, v := range form {
					data[k] = v
				}
				for k, v := range fields {
					data[k] = v
				}
				data["form"] = form
			}
		}
	}

	data["event_id"] = event.ID
	data["event_type"] = string(event.Type)
	data["actor_id"] = event.ActorID
	data["timestamp"] = event.Timestamp.UTC().Format(time.RFC3339)
	data["instance_id"] = event.InstanceID
	data["process_id"] = event.ProcessID
	data["namespace"] = event.Namespace
	data["recipient_id"] = recipientID
	if event.Comment != "" {
		data["comment"] = event.Comment
	}
	return data
}

// Render substitutes every {{name}} in tmpl. Dotted names walk nested
// objects. Unknown names render as the empty string; rendering never fails.
func Render(tmpl string, data TemplateData) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := lookup(data, name)
		if !ok {
			return ""
		}
		return formatValue(v)
	})
}

func lookup(data TemplateData, name string) (any, bool) {
	if v, ok := data[name]; ok {
		return v, true
	}
	parts := strings.Split(name, ".")
	var cur any = map[string]any(data)
	for _, p := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = formatValue(e)
		}
		return strings.Join(parts, ", ")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
