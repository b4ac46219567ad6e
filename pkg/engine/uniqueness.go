package engine

import (
	"fmt"
	"strings"
	"sync"
)

// uniquenessMap tracks, per configured unique field, the set of values
// already seen in this job. It is shared across concurrent batches (spec
// §5), so every check-and-insert is a single critical section per field.
type uniquenessMap struct {
	mu   sync.Mutex
	seen map[string]map[interface{}]bool
}

func newUniquenessMap() *uniquenessMap {
	return &uniquenessMap{seen: make(map[string]map[interface{}]bool)}
}

// uniqueKey normalizes a value for the uniqueness set: lowercased string
// for string values, the raw value otherwise (spec §4.2).
func uniqueKey(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return strings.ToLower(s)
	}
	return v
}

// checkAndInsert reports whether value is a duplicate for field, and
// records it as seen either way (the set grows monotonically for the
// life of the job).
func (m *uniquenessMap) checkAndInsert(field string, value interface{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.seen[field]
	if !ok {
		set = make(map[interface{}]bool)
		m.seen[field] = set
	}
	key := uniqueKey(value)
	if set[key] {
		return true
	}
	set[key] = true
	return false
}

// checkUniqueness runs the configured UniqueFields checks over a
// transformed record and returns any DUPLICATE_VALUE errors.
func (v *Validator) checkUniqueness(transformed map[string]interface{}) []ValidationError {
	if v.schema == nil || len(v.schema.UniqueFields) == 0 {
		return nil
	}
	var errs []ValidationError
	for _, field := range v.schema.UniqueFields {
		val, ok := transformed[field]
		if !ok || isAbsent(val) {
			continue
		}
		if v.unique.checkAndInsert(field, val) {
			errs = append(errs, ValidationError{
				Field: field, Code: CodeDuplicateValue, Severity: SeverityError,
				Message: fmt.Sprintf("duplicate value for unique field %q", field),
				Value:   val,
			})
		}
	}
	return errs
}
