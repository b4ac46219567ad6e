// Package engine implements a batch ingestion pipeline: it parses a
// streaming byte source into records, validates and transforms each record
// against a schema, and dispatches valid records through a caller-supplied
// processor in fixed-size batches with bounded concurrency, retries, and
// pluggable persistence.
//
// # Usage
//
//	schema := engine.Schema{Fields: []engine.FieldDefinition{
//	    {Name: "email", Type: engine.FieldEmail, Required: true},
//	}}
//	eng, err := engine.New(source, parser, engine.Config{BatchSize: 100, Schema: &schema})
//	summary, err := eng.Start(context.Background(), func(ctx context.Context, rec engine.ProcessContext, parsed map[string]any) error {
//	    return nil
//	})
package engine

import (
	"time"

	"github.com/google/uuid"
)

// RecordStatus is the lifecycle state of a single record.
type RecordStatus string

// Record statuses per spec §3: pending -> {valid, invalid} -> {processed, failed}.
const (
	RecordPending   RecordStatus = "pending"
	RecordValid     RecordStatus = "valid"
	RecordInvalid   RecordStatus = "invalid"
	RecordProcessed RecordStatus = "processed"
	RecordFailed    RecordStatus = "failed"
)

// Severity distinguishes blocking errors from non-blocking warnings.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ErrorCode classifies why a validation error was raised.
type ErrorCode string

const (
	CodeRequired          ErrorCode = "REQUIRED"
	CodeTypeMismatch      ErrorCode = "TYPE_MISMATCH"
	CodePatternMismatch   ErrorCode = "PATTERN_MISMATCH"
	CodeCustomValidation  ErrorCode = "CUSTOM_VALIDATION"
	CodeUnknownField      ErrorCode = "UNKNOWN_FIELD"
	CodeDuplicateValue    ErrorCode = "DUPLICATE_VALUE"
	CodeExternalDuplicate ErrorCode = "EXTERNAL_DUPLICATE"
)

// ValidationError describes a single field-level validation failure or warning.
type ValidationError struct {
	Field      string
	Message    string
	Code       ErrorCode
	Value      interface{}
	Severity   Severity
	Category   string
	Suggestion string
	Metadata   map[string]interface{}
}

// Error satisfies the error interface so a ValidationError can travel
// through APIs (hooks, duplicate checkers) that expect one.
func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return string(e.Code) + " on field \"" + e.Field + "\": " + e.Message
	}
	return string(e.Code) + ": " + e.Message
}

// IsBlocking reports whether this error should mark a record invalid.
// Warnings never block.
func (e *ValidationError) IsBlocking() bool {
	return e.Severity != SeverityWarning
}

// Record is one unit flowing through the pipeline. Raw is never mutated
// after creation; every status transition produces a new Record value.
type Record struct {
	Index           int
	Raw             map[string]interface{}
	Parsed          map[string]interface{}
	Status          RecordStatus
	Errors          []ValidationError
	ProcessingError string
	RetryCount      int
}

// HasBlockingErrors reports whether any Errors entry has error severity.
func (r *Record) HasBlockingErrors() bool {
	for i := range r.Errors {
		if r.Errors[i].IsBlocking() {
			return true
		}
	}
	return false
}

// clone returns a shallow copy of the record with its own Errors slice, so
// that mutating the copy's status/errors never mutates a value shared with
// another goroutine or a previously emitted event.
func (r Record) clone() Record {
	out := r
	if r.Errors != nil {
		out.Errors = append([]ValidationError(nil), r.Errors...)
	}
	return out
}

// FieldType is the declared type of a schema field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
	FieldEmail   FieldType = "email"
	FieldArray   FieldType = "array"
	FieldCustom  FieldType = "custom"
)

// CustomValidatorFunc is a caller-supplied field-level validation hook. A
// non-nil return marks the field invalid with CodeCustomValidation unless
// the returned error already carries a different code.
type CustomValidatorFunc func(fieldName string, value interface{}) *ValidationError

// TransformFunc maps a raw field value (or array item) to a new value.
type TransformFunc func(value interface{}) (interface{}, error)

// FieldDefinition declares one schema field: its type, constraints, and
// the aliases and transforms applied before validation.
type FieldDefinition struct {
	Name            string
	Type            FieldType
	Required        bool
	Pattern         string // regex source; compiled once by the validator
	CustomValidator CustomValidatorFunc
	Transform       TransformFunc
	DefaultValue    interface{}
	Separator       string // array split separator, default ","
	ItemTransform   TransformFunc
	Aliases         []string // case-insensitive alternate input names
}

// Schema is the full set of field definitions plus cross-record rules.
type Schema struct {
	Fields        []FieldDefinition
	Strict        bool     // reject input keys not in the schema
	SkipEmptyRows bool     // silently skip rows whose raw values are all empty
	UniqueFields  []string // field names checked for cross-record duplicates
}

// BatchStatus is the lifecycle state of one batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchPaused     BatchStatus = "PAUSED"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
)

// Batch is a contiguous window of records processed, persisted, and
// reported together. Records is cleared to nil/empty once the batch
// reaches COMPLETED, to release memory (spec §3 invariant iv).
type Batch struct {
	ID               string
	Index            int
	Status           BatchStatus
	Records          []Record
	ProcessedCount   int
	FailedCount      int
	WorkerID         string
	ClaimedAt        *time.Time
	RecordStartIndex *int
	RecordEndIndex   *int
}

// newBatchID mints a v4 UUID, per spec §3.
func newBatchID() string {
	return uuid.New().String()
}

// JobStatus is the top-level job lifecycle state (spec §4.1).
type JobStatus string

const (
	JobCreated    JobStatus = "CREATED"
	JobPreviewing JobStatus = "PREVIEWING"
	JobPreviewed  JobStatus = "PREVIEWED"
	JobProcessing JobStatus = "PROCESSING"
	JobPaused     JobStatus = "PAUSED"
	JobCompleted  JobStatus = "COMPLETED"
	JobAborted    JobStatus = "ABORTED"
	JobFailed     JobStatus = "FAILED"
)

// JobState is the persisted, serializable snapshot of a job. The job
// context (jobcontext.go) is the live, mutable owner of this data while a
// job runs; JobState is what gets written to and read from a StateStore.
type JobState struct {
	ID                    string
	Config                ConfigSnapshot
	Status                JobStatus
	Batches               []Batch
	TotalRecords          int
	StartedAt             *time.Time
	CompletedAt           *time.Time
	Distributed           bool
	CompletedBatchIndices []int
}

// ConfigSnapshot is the subset of Config that is safe and useful to
// persist alongside job state (function-valued fields are not included).
type ConfigSnapshot struct {
	BatchSize            int
	MaxConcurrentBatches int
	MaxRetries           int
	RetryDelayMs         int
	ContinueOnError      bool
	Distributed          bool
}

// Progress is derived on demand, never stored.
type Progress struct {
	Total                int
	Processed            int
	Failed               int
	Pending              int
	Percentage           int
	CurrentBatch         int
	ElapsedMs            int64
	EstimatedRemainingMs *int64
}

// Summary is emitted once, at job completion.
type Summary struct {
	Total     int
	Processed int
	Failed    int
	Skipped   int
	ElapsedMs int64
}

// DistributedStatus reports aggregate batch counts for a distributed job
// (spec §4.11).
type DistributedStatus struct {
	TotalBatches int
	Completed    int
	Failed       int
	Processing   int
	Pending      int
	IsComplete   bool
}
