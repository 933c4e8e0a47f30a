package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "instance not found"}
	want := "NOT_FOUND: instance not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewTransitionNotAvailableError(t *testing.T) {
	e := NewTransitionNotAvailableError("approve", "draft")
	if e.Code != ErrTransitionNotAvailable {
		t.Errorf("Code = %q, want %q", e.Code, ErrTransitionNotAvailable)
	}
	want := `action "approve" is not available in step "draft"`
	if e.Message != want {
		t.Errorf("Message = %q, want %q", e.Message, want)
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "form_data.amount", Code: "SCHEMA", Message: "value must be a number"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "form_data.amount" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "form_data.amount")
	}
}

func TestErrorCode_wrapped(t *testing.T) {
	err := fmt.Errorf("transition: %w", NewPermissionDeniedError("not the assignee"))
	if got := ErrorCode(err); got != ErrPermissionDenied {
		t.Errorf("ErrorCode() = %q, want %q", got, ErrPermissionDenied)
	}
	if !IsCode(err, ErrPermissionDenied) {
		t.Error("IsCode(PERMISSION_DENIED) = false, want true")
	}
	if IsCode(err, ErrConflict) {
		t.Error("IsCode(CONFLICT) = true, want false")
	}
}

func TestErrorCode_plain_error(t *testing.T) {
	if got := ErrorCode(fmt.Errorf("boom")); got != "" {
		t.Errorf("ErrorCode() = %q, want empty", got)
	}
	if IsCode(nil, ErrConflict) {
		t.Error("IsCode(nil) = true, want false")
	}
}
