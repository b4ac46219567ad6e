package engine

import (
	"context"
	"sync"
	"time"
)

// pauseGate is a one-shot, re-armable synchronization point: Wait blocks
// while the job is paused and returns as soon as Release (resume) or the
// caller's context is cancelled.
type pauseGate struct {
	mu sync.Mutex
	ch chan struct{} // non-nil while paused; closed by Release
}

func (g *pauseGate) Engage() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
}

func (g *pauseGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch != nil {
		close(g.ch)
		g.ch = nil
	}
}

func (g *pauseGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JobContext is the single mutable owner of a running job's status,
// counters, batch vector, batch-id index, uniqueness state, pause handle,
// and cancellation token (spec §3 "Lifecycle ownership"). All pipeline
// drivers read and mutate job state exclusively through this type.
type JobContext struct {
	mu sync.RWMutex

	id          string
	cfg         Config
	status      JobStatus
	batches     []Batch
	batchPos    map[string]int
	batchByIdx  map[int]int // batch index -> position in batches
	totalRecs   int
	processed   int
	failed      int
	startedAt   *time.Time
	completedAt *time.Time
	completedBI map[int]bool

	validator *Validator
	bus       *EventBus
	cursor    *streamCursor // resumable source/splitter state for processChunk (spec §4.6)

	pause  pauseGate
	ctx    context.Context
	cancel context.CancelFunc
}

// NewJobContext creates a fresh job context in CREATED status.
func NewJobContext(id string, cfg Config, bus *EventBus) (*JobContext, error) {
	validator, err := NewValidator(cfg.Schema)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobContext{
		id:          id,
		cfg:         cfg,
		status:      JobCreated,
		batchPos:    make(map[string]int),
		batchByIdx:  make(map[int]int),
		completedBI: make(map[int]bool),
		validator:   validator,
		bus:         bus,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// ID returns the job's identifier.
func (jc *JobContext) ID() string { return jc.id }

// Config returns the job's configuration.
func (jc *JobContext) Config() Config { return jc.cfg }

// Validator returns the job's shared schema validator.
func (jc *JobContext) Validator() *Validator { return jc.validator }

// Bus returns the job's event bus.
func (jc *JobContext) Bus() *EventBus { return jc.bus }

// Cursor returns the job's current resumable stream cursor, or nil if the
// pipeline hasn't started reading yet.
func (jc *JobContext) Cursor() *streamCursor {
	jc.mu.RLock()
	defer jc.mu.RUnlock()
	return jc.cursor
}

// SetCursor installs the stream cursor processChunk resumes from on its
// next call (spec §4.6).
func (jc *JobContext) SetCursor(c *streamCursor) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.cursor = c
}

// Context returns the job-scoped cancellation context.
func (jc *JobContext) Context() context.Context {
	jc.mu.RLock()
	defer jc.mu.RUnlock()
	return jc.ctx
}

// Status returns the current job status.
func (jc *JobContext) Status() JobStatus {
	jc.mu.RLock()
	defer jc.mu.RUnlock()
	return jc.status
}

// Transition validates and applies a job status change.
func (jc *JobContext) Transition(to JobStatus) error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if err := validateJobTransition(jc.status, to); err != nil {
		return err
	}
	jc.status = to
	now := time.Now()
	switch to {
	case JobProcessing:
		if jc.startedAt == nil {
			jc.startedAt = &now
		}
	case JobCompleted, JobAborted, JobFailed:
		jc.completedAt = &now
	}
	return nil
}

// ResetForFreshStart clears counters and the batch vector for a first run
// (as opposed to a resume, which preserves CompletedBatchIndices).
func (jc *JobContext) ResetForFreshStart() {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.batches = nil
	jc.batchPos = make(map[string]int)
	jc.batchByIdx = make(map[int]int)
	jc.totalRecs = 0
	jc.processed = 0
	jc.failed = 0
}

// BeginResume drives a restored job into PROCESSING so a subsequent run
// can continue it, bypassing the normal FSM edge check for PAUSED,
// FAILED, and PROCESSING (crash-recovery) starting points: restoreFrom
// reconstructs status rather than advances it, so e.g. a restored FAILED
// job has no outgoing edge in jobTransitions even though start is
// expected to finish it (spec §8.6). TotalRecords is rewound to zero
// since the caller re-streams the reattached source from its beginning
// and NextRecordIndex recounts it batch by batch; processed/failed are
// left at the totals restoreFrom derived from the persisted batches, so
// the records counted in a prior run are never dropped from Summary
// (spec §4.9 I8). Batches and CompletedBatchIndices are likewise left
// untouched so already-completed work is skipped, not reprocessed.
func (jc *JobContext) BeginResume() error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	switch jc.status {
	case JobPaused, JobFailed, JobProcessing:
	default:
		if err := validateJobTransition(jc.status, JobProcessing); err != nil {
			return err
		}
	}
	jc.status = JobProcessing
	if jc.startedAt == nil {
		now := time.Now()
		jc.startedAt = &now
	}
	jc.totalRecs = 0
	return nil
}

// SeedCompletedBatchIndices marks batch indices as already complete, for
// resume (spec §4.9).
func (jc *JobContext) SeedCompletedBatchIndices(indices []int) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	for _, i := range indices {
		jc.completedBI[i] = true
	}
}

// IsBatchCompleted reports whether batchIndex was already completed in a
// prior run.
func (jc *JobContext) IsBatchCompleted(batchIndex int) bool {
	jc.mu.RLock()
	defer jc.mu.RUnlock()
	return jc.completedBI[batchIndex]
}

// NextRecordIndex reserves and returns the next monotonic record index,
// bumping TotalRecords.
func (jc *JobContext) NextRecordIndex() int {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	idx := jc.totalRecs
	jc.totalRecs++
	return idx
}

// AddBatch appends batch to the job's batch vector and indexes it by id
// and index.
func (jc *JobContext) AddBatch(batch Batch) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	pos := len(jc.batches)
	jc.batches = append(jc.batches, batch)
	jc.batchPos[batch.ID] = pos
	jc.batchByIdx[batch.Index] = pos
}

// MutateBatch applies fn to the batch whose Index is batchIndex under the
// job lock; it does nothing if no such batch exists.
func (jc *JobContext) MutateBatch(batchIndex int, fn func(*Batch)) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	pos, ok := jc.batchByIdx[batchIndex]
	if !ok {
		return
	}
	fn(&jc.batches[pos])
}

// Batch returns a copy of the batch at batchIndex.
func (jc *JobContext) Batch(batchIndex int) (Batch, bool) {
	jc.mu.RLock()
	defer jc.mu.RUnlock()
	pos, ok := jc.batchByIdx[batchIndex]
	if !ok {
		return Batch{}, false
	}
	return jc.batches[pos], true
}

// Batches returns a snapshot copy of all batches.
func (jc *JobContext) Batches() []Batch {
	jc.mu.RLock()
	defer jc.mu.RUnlock()
	out := make([]Batch, len(jc.batches))
	copy(out, jc.batches)
	return out
}

// MarkBatchCompleted records batchIndex as completed.
func (jc *JobContext) MarkBatchCompleted(batchIndex int) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.completedBI[batchIndex] = true
}

// CompletedBatchIndices returns a snapshot of completed batch indices in
// no particular order.
func (jc *JobContext) CompletedBatchIndices() []int {
	jc.mu.RLock()
	defer jc.mu.RUnlock()
	out := make([]int, 0, len(jc.completedBI))
	for i := range jc.completedBI {
		out = append(out, i)
	}
	return out
}

// IncrementProcessed atomically bumps the processed counter.
func (jc *JobContext) IncrementProcessed(n int) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.processed += n
}

// IncrementFailed atomically bumps the failed counter.
func (jc *JobContext) IncrementFailed(n int) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.failed += n
}

// Counters returns (totalRecords, processed, failed).
func (jc *JobContext) Counters() (total, processed, failed int) {
	jc.mu.RLock()
	defer jc.mu.RUnlock()
	return jc.totalRecs, jc.processed, jc.failed
}

// Pause engages the pause gate; callers must already hold a validated
// PROCESSING -> PAUSED transition.
func (jc *JobContext) Pause() { jc.pause.Engage() }

// Resume releases the pause gate.
func (jc *JobContext) Resume() { jc.pause.Release() }

// WaitIfPaused blocks the caller while the job is paused.
func (jc *JobContext) WaitIfPaused(ctx context.Context) error {
	return jc.pause.Wait(ctx)
}

// Cancel signals the job-wide cancellation token (abort).
func (jc *JobContext) Cancel() { jc.cancel() }

// Cancelled reports whether the job's cancellation token has fired.
func (jc *JobContext) Cancelled() bool {
	select {
	case <-jc.ctx.Done():
		return true
	default:
		return false
	}
}

// Progress derives the current Progress snapshot.
func (jc *JobContext) Progress() Progress {
	jc.mu.RLock()
	total, processed, failed := jc.totalRecs, jc.processed, jc.failed
	startedAt := jc.startedAt
	currentBatch := 0
	for _, b := range jc.batches {
		if b.Status == BatchCompleted {
			currentBatch++
		}
	}
	jc.mu.RUnlock()

	pending := total - processed - failed
	if pending < 0 {
		pending = 0
	}
	pct := 0
	if total > 0 {
		pct = int(roundHalfUp(float64(processed+failed) / float64(total) * 100))
	}
	var elapsed int64
	if startedAt != nil {
		elapsed = time.Since(*startedAt).Milliseconds()
	}

	p := Progress{
		Total:        total,
		Processed:    processed,
		Failed:       failed,
		Pending:      pending,
		Percentage:   pct,
		CurrentBatch: currentBatch,
		ElapsedMs:    elapsed,
	}
	if total > 0 && elapsed > 0 && processed+failed > 0 {
		ratio := float64(processed+failed) / float64(total)
		if ratio > 0 {
			remaining := int64(float64(elapsed)/ratio) - elapsed
			if remaining < 0 {
				remaining = 0
			}
			p.EstimatedRemainingMs = &remaining
		}
	}
	return p
}

func roundHalfUp(f float64) float64 {
	if f < 0 {
		return -roundHalfUp(-f)
	}
	return float64(int64(f + 0.5))
}

// Summary derives the completion Summary.
func (jc *JobContext) Summary() Summary {
	jc.mu.RLock()
	total, processed, failed := jc.totalRecs, jc.processed, jc.failed
	startedAt := jc.startedAt
	jc.mu.RUnlock()

	skipped := total - processed - failed
	if skipped < 0 {
		skipped = 0
	}
	var elapsed int64
	if startedAt != nil {
		elapsed = time.Since(*startedAt).Milliseconds()
	}
	return Summary{Total: total, Processed: processed, Failed: failed, Skipped: skipped, ElapsedMs: elapsed}
}

// restoreFrom repopulates the context's batch vector and counters from a
// persisted JobState, bypassing the normal FSM transition validation since
// this reconstructs rather than advances job state (spec §4.9).
func (jc *JobContext) restoreFrom(state JobState) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.status = state.Status
	jc.batches = append([]Batch(nil), state.Batches...)
	jc.batchPos = make(map[string]int, len(jc.batches))
	jc.batchByIdx = make(map[int]int, len(jc.batches))
	for i, b := range jc.batches {
		jc.batchPos[b.ID] = i
		jc.batchByIdx[b.Index] = i
	}
	jc.totalRecs = state.TotalRecords
	jc.startedAt = state.StartedAt
	jc.completedAt = state.CompletedAt

	jc.processed, jc.failed = 0, 0
	for _, b := range jc.batches {
		jc.processed += b.ProcessedCount
		jc.failed += b.FailedCount
	}
}

// Snapshot builds a persistable JobState from the current context.
func (jc *JobContext) Snapshot() JobState {
	jc.mu.RLock()
	defer jc.mu.RUnlock()
	batches := make([]Batch, len(jc.batches))
	copy(batches, jc.batches)
	completed := make([]int, 0, len(jc.completedBI))
	for i := range jc.completedBI {
		completed = append(completed, i)
	}
	return JobState{
		ID:                    jc.id,
		Config:                jc.cfg.snapshot(),
		Status:                jc.status,
		Batches:               batches,
		TotalRecords:          jc.totalRecs,
		StartedAt:             jc.startedAt,
		CompletedAt:           jc.completedAt,
		Distributed:           jc.cfg.Distributed,
		CompletedBatchIndices: completed,
	}
}
