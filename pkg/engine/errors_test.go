package engine

import "testing"

func TestNewConfigErrorFormats(t *testing.T) {
	err := NewConfigError("batchSize must be >= 1, got %d", 0)
	want := "invalid configuration: batchSize must be >= 1, got 0"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestTransitionErrorMessage(t *testing.T) {
	err := &TransitionError{Entity: "job", From: "COMPLETED", To: "PROCESSING"}
	want := "invalid job transition: COMPLETED -> PROCESSING"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestValidationFailedErrorMessage(t *testing.T) {
	err := &ValidationFailedError{
		RecordIndex: 3,
		Errors: []ValidationError{
			{Field: "email", Code: CodeRequired, Severity: SeverityError, Message: "field is required"},
		},
	}
	want := `validation failed for record 3: REQUIRED on field "email": field is required`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestErrorListAddFlattensNested(t *testing.T) {
	var el ErrorList
	el.Add(&ValidationError{Code: CodeRequired, Message: "a"})
	nested := ErrorList{&ValidationError{Code: CodeRequired, Message: "b"}, &ValidationError{Code: CodeRequired, Message: "c"}}
	el.Add(nested)
	if len(el) != 3 {
		t.Fatalf("expected nested ErrorList to flatten into 3 entries, got %d", len(el))
	}
}

func TestErrorListAddNilIsNoop(t *testing.T) {
	var el ErrorList
	el.Add(nil)
	if len(el) != 0 {
		t.Errorf("expected adding nil to be a no-op, got %d entries", len(el))
	}
}

func TestErrorListAsError(t *testing.T) {
	var el ErrorList
	if el.AsError() != nil {
		t.Error("expected AsError() to be nil for an empty list")
	}
	el.Add(&ValidationError{Code: CodeRequired, Message: "x"})
	if el.AsError() == nil {
		t.Error("expected AsError() to be non-nil once populated")
	}
}

func TestErrorListGroupByField(t *testing.T) {
	el := ErrorList{
		&ValidationError{Field: "email", Code: CodeRequired},
		&ValidationError{Field: "email", Code: CodeTypeMismatch},
		&ValidationError{Field: "age", Code: CodeRequired},
	}
	groups := el.GroupByField()
	if len(groups["email"]) != 2 {
		t.Errorf("expected 2 errors grouped under 'email', got %d", len(groups["email"]))
	}
	if len(groups["age"]) != 1 {
		t.Errorf("expected 1 error grouped under 'age', got %d", len(groups["age"]))
	}
}

func TestErrorListToStructuredReport(t *testing.T) {
	el := ErrorList{&ValidationError{Field: "email", Code: CodeRequired, Message: "required", Severity: SeverityError}}
	report := el.ToStructuredReport()
	if report.Count != 1 {
		t.Fatalf("expected Count 1, got %d", report.Count)
	}
	if report.Errors[0].Field != "email" {
		t.Errorf("expected field 'email', got %+v", report.Errors[0])
	}
}
