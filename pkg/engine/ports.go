package engine

import "context"

// SourceMetadata describes the data a DataSource is reading, when known.
type SourceMetadata struct {
	FileName string
	FileSize int64
	MIMEType string
}

// DataSource is the external collaborator that supplies raw bytes. Concrete
// adapters (file, buffer, network, URL, readable-stream) are out of scope
// for this engine (spec §1) and are supplied by the host.
type DataSource interface {
	// Read returns a channel of opaque chunks; the channel is closed when
	// the source is exhausted, and the returned error channel carries at
	// most one terminal error.
	Read(ctx context.Context) (<-chan []byte, <-chan error)
	// Sample returns a bounded prefix of the source, for format/schema
	// detection. maxBytes <= 0 means "a reasonable default".
	Sample(ctx context.Context, maxBytes int) ([]byte, error)
	// Metadata returns what the source knows about itself.
	Metadata() SourceMetadata
	// Countable reports whether Count() can safely re-read this source
	// (spec §9 Open Question); single-shot streams should return false.
	Countable() bool
}

// SourceParser is the external collaborator that turns chunks into raw
// records. Concrete format parsers (CSV/JSON/NDJSON/XML) are out of scope
// (spec §1) and are supplied by the host.
type SourceParser interface {
	// Parse turns one chunk into zero or more raw field->value records.
	Parse(chunk []byte) ([]map[string]interface{}, error)
}

// FormatHint is what an optional SourceParser.Detect call may report.
type FormatHint struct {
	Delimiter string
	Encoding  string
	HasHeader bool
}

// DetectingParser is an optional SourceParser capability for format
// sniffing from a sample.
type DetectingParser interface {
	Detect(sample []byte) (FormatHint, error)
}

// DuplicateCheckContext carries the information a DuplicateChecker needs
// to decide whether a record has been seen before, outside this job's own
// in-memory uniqueness map.
type DuplicateCheckContext struct {
	JobID       string
	RecordIndex int
}

// DuplicateCheckResult is the verdict from an external duplicate check.
type DuplicateCheckResult struct {
	IsDuplicate bool
	ExistingID  string
	Metadata    map[string]interface{}
}

// DuplicateChecker is the external collaborator consulted after schema
// validation passes (spec §4.5 step 6, §6).
type DuplicateChecker interface {
	Check(ctx context.Context, fields map[string]interface{}, dctx DuplicateCheckContext) (DuplicateCheckResult, error)
}

// BatchDuplicateChecker is an optional DuplicateChecker capability for
// checking a whole batch at once.
type BatchDuplicateChecker interface {
	CheckBatch(ctx context.Context, records []map[string]interface{}) ([]DuplicateCheckResult, error)
}

// ProcessContext is passed to the caller's processor and to all hooks for
// one record (spec §4.5 step 8).
type ProcessContext struct {
	JobID        string
	BatchID      string
	BatchIndex   int
	RecordIndex  int
	TotalRecords int
	Context      context.Context
}

// Processor is the caller-supplied function invoked for each valid record.
type Processor func(ctx context.Context, pctx ProcessContext, parsed map[string]interface{}) error

// Hooks are optional interception points around validation and
// processing. Any hook may be nil. Hook errors are coerced into
// record-level failures (spec §4.12), never propagated raw.
type Hooks struct {
	BeforeValidate func(ctx context.Context, raw map[string]interface{}, pctx ProcessContext) (map[string]interface{}, error)
	AfterValidate  func(ctx context.Context, rec Record, pctx ProcessContext) (Record, error)
	BeforeProcess  func(ctx context.Context, parsed map[string]interface{}, pctx ProcessContext) (map[string]interface{}, error)
	AfterProcess   func(ctx context.Context, rec Record, pctx ProcessContext) error
}

// StateStore persists job/batch/record state for crash recovery (spec §6).
type StateStore interface {
	SaveJobState(ctx context.Context, state JobState) error
	GetJobState(ctx context.Context, jobID string) (JobState, bool, error)
	UpdateBatchState(ctx context.Context, jobID, batchID string, status BatchStatus, processedCount, failedCount int) error
	SaveProcessedRecord(ctx context.Context, jobID, batchID string, rec Record) error
	GetFailedRecords(ctx context.Context, jobID string) ([]Record, error)
	GetPendingRecords(ctx context.Context, jobID string) ([]Record, error)
	GetProcessedRecords(ctx context.Context, jobID string) ([]Record, error)
	GetProgress(ctx context.Context, jobID string) (Progress, error)
}

// ClaimReason explains why claimBatch did not return a reservation.
type ClaimReason string

const (
	ReasonNoPendingBatches ClaimReason = "NO_PENDING_BATCHES"
	ReasonJobNotFound      ClaimReason = "JOB_NOT_FOUND"
	ReasonJobNotProcessing ClaimReason = "JOB_NOT_PROCESSING"
)

// ClaimResult is the outcome of a claimBatch call (spec §4.11).
type ClaimResult struct {
	Claimed     bool
	BatchID     string
	BatchIndex  int
	Records     []Record
	Reason      ClaimReason
}

// DistributedStateStore extends StateStore with the atomic batch-claim
// protocol needed for multi-worker execution (spec §4.11).
type DistributedStateStore interface {
	StateStore

	ClaimBatch(ctx context.Context, jobID, workerID string) (ClaimResult, error)
	ReleaseBatch(ctx context.Context, jobID, batchID, workerID string) error
	ReclaimStaleBatches(ctx context.Context, jobID string, timeoutMs int64) (int, error)
	SaveBatchRecords(ctx context.Context, jobID, batchID string, records []Record) error
	GetBatchRecords(ctx context.Context, jobID, batchID string) ([]Record, error)
	GetDistributedStatus(ctx context.Context, jobID string) (DistributedStatus, error)
	TryFinalizeJob(ctx context.Context, jobID string) (bool, error)
}
