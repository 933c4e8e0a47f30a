package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/workorder/model"
)

// FormSchema validates instance form data against a process form_schema.
type FormSchema struct {
	schema *openapi3.Schema
}

// CompileFormSchema builds a FormSchema from the schema object declared in a
// process definition. A nil or empty map yields a nil schema that accepts
// anything.
func CompileFormSchema(raw map[string]any) (*FormSchema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding form schema: %w", err)
	}
	var s openapi3.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding form schema: %w", err)
	}
	if err := s.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid form schema: %w", err)
	}
	return &FormSchema{schema: &s}, nil
}

// Validate checks data and returns one FieldError per violation. A nil
// FormSchema accepts everything.
func (f *FormSchema) Validate(data map[string]any) []model.FieldError {
	if f == nil {
		return nil
	}
	var value any = map[string]any{}
	if data != nil {
		norm, err := normalize(data)
		if err != nil {
			return []model.FieldError{{Field: "form_data", Code: "INVALID", Message: err.Error()}}
		}
		value = norm
	}

	err := f.schema.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}

	var multi openapi3.MultiError
	if !errors.As(err, &multi) {
		multi = openapi3.MultiError{err}
	}
	out := make([]model.FieldError, 0, len(multi))
	for _, e := range multi {
		out = append(out, fieldError(e))
	}
	return out
}

func fieldError(err error) model.FieldError {
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		field := strings.Join(se.JSONPointer(), ".")
		if field == "" {
			field = "form_data"
		} else {
			field = "form_data." + field
		}
		return model.FieldError{Field: field, Code: "SCHEMA", Message: se.Reason}
	}
	return model.FieldError{Field: "form_data", Code: "SCHEMA", Message: err.Error()}
}

func normalize(v map[string]any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(raw, &out)
	return out, err
}
