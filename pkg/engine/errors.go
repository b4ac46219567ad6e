package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConfigError reports a misconfiguration caught at operation entry (spec §7
// class a). It is never recorded in job state.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Reason
}

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// TransitionError reports an invalid job/batch FSM transition (spec §7
// class b). The caller's request is rejected; job state is unchanged.
type TransitionError struct {
	Entity string // "job" or "batch"
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// ValidationFailedError synthesizes a driver-level error when
// continueOnError is false and a record produced a blocking error (spec
// §4.12). It carries the offending record's errors for diagnostics.
type ValidationFailedError struct {
	RecordIndex int
	Errors      []ValidationError
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("validation failed for record %d: %s", e.RecordIndex, ErrorList(toErrors(e.Errors)).Error())
}

func toErrors(ves []ValidationError) []error {
	out := make([]error, len(ves))
	for i := range ves {
		v := ves[i]
		out[i] = &v
	}
	return out
}

// ErrorList aggregates multiple errors, flattening nested ErrorLists so
// error collections never nest.
type ErrorList []error

func (el ErrorList) Error() string {
	if len(el) == 0 {
		return ""
	}
	if len(el) == 1 {
		return el[0].Error()
	}
	messages := make([]string, 0, len(el))
	for _, err := range el {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("multiple errors: %s", strings.Join(messages, "; "))
}

// Add appends err to the list, flattening it first if it is itself an ErrorList.
func (el *ErrorList) Add(err error) {
	if err == nil {
		return
	}
	if nested, ok := err.(ErrorList); ok {
		*el = append(*el, nested...)
		return
	}
	*el = append(*el, err)
}

// HasErrors reports whether the list contains any error.
func (el ErrorList) HasErrors() bool {
	return len(el) > 0
}

// AsError returns the list as an error, or nil if it is empty.
func (el ErrorList) AsError() error {
	if el.HasErrors() {
		return el
	}
	return nil
}

// ValidationErrors returns only the *ValidationError entries in the list.
func (el ErrorList) ValidationErrors() []*ValidationError {
	var out []*ValidationError
	for _, err := range el {
		if ve, ok := err.(*ValidationError); ok {
			out = append(out, ve)
		}
	}
	return out
}

// GroupByField groups validation errors by field name.
func (el ErrorList) GroupByField() map[string][]*ValidationError {
	groups := make(map[string][]*ValidationError)
	for _, ve := range el.ValidationErrors() {
		groups[ve.Field] = append(groups[ve.Field], ve)
	}
	return groups
}

// StructuredErrorReport is a JSON-serializable view of an ErrorList, for
// hosts surfacing failed records through an API.
type StructuredErrorReport struct {
	Errors []FieldError `json:"errors"`
	Count  int          `json:"count"`
}

// FieldError groups the validation failures for a single field.
type FieldError struct {
	Field  string                `json:"field"`
	Value  interface{}           `json:"value,omitempty"`
	Errors []ValidationErrorInfo `json:"validation_errors"`
}

// ValidationErrorInfo is one rule failure within a FieldError.
type ValidationErrorInfo struct {
	Code     ErrorCode              `json:"code"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ToStructuredReport converts the list's ValidationErrors into a report
// grouped by field.
func (el ErrorList) ToStructuredReport() *StructuredErrorReport {
	groups := el.GroupByField()
	fields := make([]FieldError, 0, len(groups))
	for field, ves := range groups {
		var infos []ValidationErrorInfo
		var value interface{}
		for _, ve := range ves {
			infos = append(infos, ValidationErrorInfo{
				Code:     ve.Code,
				Message:  ve.Message,
				Severity: ve.Severity,
				Metadata: ve.Metadata,
			})
			if value == nil {
				value = ve.Value
			}
		}
		fields = append(fields, FieldError{Field: field, Value: value, Errors: infos})
	}
	return &StructuredErrorReport{Errors: fields, Count: len(fields)}
}

// ToJSON marshals the list's structured report.
func (el ErrorList) ToJSON() ([]byte, error) {
	return json.Marshal(el.ToStructuredReport())
}
