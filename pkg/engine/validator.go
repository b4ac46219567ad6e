package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// emailPattern is the validator's built-in email shape check (spec §4.2).
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ParseResult is the outcome of validating one record against a Schema.
type ParseResult struct {
	IsValid bool
	Errors  []ValidationError
	Parsed  map[string]interface{}
}

// Validator applies alias resolution, transforms, type/pattern/custom
// checks, and cross-record uniqueness to records flowing through one job.
// A Validator is built once per job and shared by all concurrent batches;
// its uniqueness map is the one piece of state that must be synchronized
// across goroutines (spec §5).
type Validator struct {
	schema     *Schema
	aliasIndex map[string]string // lowercase input key -> canonical field name
	fieldIdx   map[string]int    // canonical field name -> index in schema.Fields
	compiled   map[string]*regexp.Regexp
	unique     *uniquenessMap
}

// NewValidator builds a Validator for schema. A nil schema yields a
// pass-through validator that accepts every record as-is.
func NewValidator(schema *Schema) (*Validator, error) {
	v := &Validator{
		schema:     schema,
		aliasIndex: make(map[string]string),
		fieldIdx:   make(map[string]int),
		compiled:   make(map[string]*regexp.Regexp),
		unique:     newUniquenessMap(),
	}
	if schema == nil {
		return v, nil
	}
	for i, f := range schema.Fields {
		v.fieldIdx[f.Name] = i
		v.aliasIndex[strings.ToLower(f.Name)] = f.Name
		for _, alias := range f.Aliases {
			v.aliasIndex[strings.ToLower(alias)] = f.Name
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return nil, NewConfigError("field %q: invalid pattern %q: %v", f.Name, f.Pattern, err)
			}
			v.compiled[f.Name] = re
		}
	}
	return v, nil
}

// ResolveAliases maps each input key to its canonical field name when one
// exists; unknown keys pass through verbatim (spec §4.2).
func (v *Validator) ResolveAliases(raw map[string]interface{}) map[string]interface{} {
	if v.schema == nil {
		return raw
	}
	out := make(map[string]interface{}, len(raw))
	for key, val := range raw {
		canonical, ok := v.aliasIndex[strings.ToLower(key)]
		if !ok {
			out[key] = val
			continue
		}
		if _, already := out[canonical]; already {
			continue
		}
		out[canonical] = val
	}
	return out
}

// isAbsent mirrors the spec's definition of "absent": nil, or an empty
// string, or an empty slice.
func isAbsent(v interface{}) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}

// isAllEmpty reports whether every value in raw is absent, for SkipEmptyRows.
func isAllEmpty(raw map[string]interface{}) bool {
	for _, v := range raw {
		if !isAbsent(v) {
			return false
		}
	}
	return true
}

// ApplyTransforms runs the per-field transform pipeline (spec §4.2 step 2):
// array split, then Transform, then DefaultValue substitution.
func (v *Validator) ApplyTransforms(resolved map[string]interface{}) (map[string]interface{}, error) {
	if v.schema == nil {
		return resolved, nil
	}
	out := make(map[string]interface{}, len(resolved))
	for k, val := range resolved {
		out[k] = val
	}
	for _, f := range v.schema.Fields {
		val, present := out[f.Name]

		if f.Type == FieldArray {
			if s, ok := val.(string); ok {
				sep := f.Separator
				if sep == "" {
					sep = ","
				}
				var items []interface{}
				for _, part := range strings.Split(s, sep) {
					part = strings.TrimSpace(part)
					if part == "" {
						continue
					}
					var item interface{} = part
					if f.ItemTransform != nil {
						transformed, err := f.ItemTransform(part)
						if err != nil {
							return nil, fmt.Errorf("field %q item transform: %w", f.Name, err)
						}
						item = transformed
					}
					items = append(items, item)
				}
				val = items
				out[f.Name] = val
				present = true
			}
		}

		if f.Transform != nil && !isAbsent(val) {
			transformed, err := f.Transform(val)
			if err != nil {
				return nil, fmt.Errorf("field %q transform: %w", f.Name, err)
			}
			out[f.Name] = transformed
			present = true
			val = transformed
		}

		if (!present || isAbsent(val)) && f.DefaultValue != nil {
			out[f.Name] = f.DefaultValue
		}
	}
	return out, nil
}

// Validate runs type/required/pattern/custom checks and the uniqueness
// check over a transformed record, returning the combined error list.
func (v *Validator) Validate(transformed map[string]interface{}) []ValidationError {
	var errs []ValidationError
	if v.schema == nil {
		return errs
	}

	for _, f := range v.schema.Fields {
		val, present := transformed[f.Name]
		if isAbsent(val) {
			if f.Required {
				errs = append(errs, ValidationError{
					Field: f.Name, Code: CodeRequired, Severity: SeverityError,
					Message: "field is required",
				})
			}
			continue
		}

		if err := v.checkType(f, val); err != nil {
			errs = append(errs, *err)
			continue // pattern/custom checks assume a type-correct value
		}

		if re, ok := v.compiled[f.Name]; ok {
			if !re.MatchString(fmt.Sprintf("%v", val)) {
				errs = append(errs, ValidationError{
					Field: f.Name, Code: CodePatternMismatch, Severity: SeverityError,
					Message: "value does not match required pattern", Value: val,
				})
			}
		}

		if f.CustomValidator != nil {
			if ve := f.CustomValidator(f.Name, val); ve != nil {
				if ve.Code == "" {
					ve.Code = CodeCustomValidation
				}
				if ve.Severity == "" {
					ve.Severity = SeverityError
				}
				if ve.Field == "" {
					ve.Field = f.Name
				}
				errs = append(errs, *ve)
			}
		}
		_ = present
	}

	if v.schema.Strict {
		for key := range transformed {
			if _, ok := v.fieldIdx[key]; !ok {
				errs = append(errs, ValidationError{
					Field: key, Code: CodeUnknownField, Severity: SeverityError,
					Message: "field is not declared in schema",
				})
			}
		}
	}

	errs = append(errs, v.checkUniqueness(transformed)...)
	return errs
}

// checkType validates val against f.Type, per the rules in spec §4.2.
func (v *Validator) checkType(f FieldDefinition, val interface{}) *ValidationError {
	switch f.Type {
	case "", FieldString, FieldCustom:
		return nil
	case FieldNumber:
		if !isNumeric(val) {
			return &ValidationError{Field: f.Name, Code: CodeTypeMismatch, Severity: SeverityError,
				Message: "expected a number", Value: val}
		}
	case FieldBoolean:
		if !isBooleanish(val) {
			return &ValidationError{Field: f.Name, Code: CodeTypeMismatch, Severity: SeverityError,
				Message: "expected a boolean", Value: val}
		}
	case FieldDate:
		if !isDateish(val) {
			return &ValidationError{Field: f.Name, Code: CodeTypeMismatch, Severity: SeverityError,
				Message: "expected a parseable date", Value: val}
		}
	case FieldEmail:
		s := fmt.Sprintf("%v", val)
		if !emailPattern.MatchString(s) {
			return &ValidationError{Field: f.Name, Code: CodeTypeMismatch, Severity: SeverityError,
				Message: "expected a valid email address", Value: val}
		}
	case FieldArray:
		switch val.(type) {
		case []interface{}, []string:
		default:
			return &ValidationError{Field: f.Name, Code: CodeTypeMismatch, Severity: SeverityError,
				Message: "expected an array", Value: val}
		}
	}
	return nil
}

func isNumeric(v interface{}) bool {
	switch n := v.(type) {
	case int, int32, int64, float32, float64:
		_ = n
		return true
	case string:
		_, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return err == nil
	}
	return false
}

func isBooleanish(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "false", "1", "0", "yes", "no":
			return true
		}
	}
	return false
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

func isDateish(v interface{}) bool {
	switch d := v.(type) {
	case time.Time:
		return true
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return false
		}
		for _, layout := range dateLayouts {
			if _, err := time.Parse(layout, s); err == nil {
				return true
			}
		}
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return true
		}
		return false
	case int, int32, int64, float64:
		return true
	}
	return false
}

// ParseBool coerces a validated boolean-ish value to a Go bool.
func ParseBool(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}

// Run performs the full alias->transform->validate pass described in spec
// §4.2 and returns the ParseResult the pipeline acts on.
func (v *Validator) Run(raw map[string]interface{}) (ParseResult, error) {
	resolved := v.ResolveAliases(raw)
	transformed, err := v.ApplyTransforms(resolved)
	if err != nil {
		return ParseResult{}, err
	}
	errs := v.Validate(transformed)
	isValid := true
	for i := range errs {
		if errs[i].IsBlocking() {
			isValid = false
			break
		}
	}
	return ParseResult{IsValid: isValid, Errors: errs, Parsed: transformed}, nil
}
