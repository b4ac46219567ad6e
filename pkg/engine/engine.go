package engine

import (
	"context"
	"fmt"
)

// Status is the snapshot returned by Engine.GetStatus.
type Status struct {
	Status   JobStatus
	Progress Progress
	Batches  []Batch
}

// Engine is the public entry point for one ingestion job: it owns a
// DataSource/SourceParser pair, a JobContext, and the event bus callers
// subscribe to (spec §6 "Public operations of the engine").
type Engine struct {
	source   DataSource
	parser   SourceParser
	cfg      Config
	bus      *EventBus
	jc       *JobContext
	restored bool // built via Restore: Start/ProcessChunk must continue, not reset
}

// New builds an Engine bound to source and parser with the given config.
// The job starts in CREATED status; nothing is read until Preview, Count,
// Start, or ProcessChunk is called.
func New(source DataSource, parser SourceParser, cfg Config) (*Engine, error) {
	if source == nil || parser == nil {
		return nil, NewConfigError("engine requires both a source and a parser")
	}
	cfg = cfg.withDefaults()
	bus := NewEventBus()
	jc, err := NewJobContext(newBatchID(), cfg, bus)
	if err != nil {
		return nil, err
	}
	return &Engine{source: source, parser: parser, cfg: cfg, bus: bus, jc: jc}, nil
}

// On subscribes handler to events of type t.
func (e *Engine) On(t EventType, handler Handler) { e.bus.On(t, handler) }

// OnAny subscribes handler to every event type.
func (e *Engine) OnAny(handler Handler) { e.bus.OnAny(handler) }

// Off unsubscribes handler from events of type t.
func (e *Engine) Off(t EventType, handler Handler) { e.bus.Off(t, handler) }

// OffAny unsubscribes handler from the wildcard set.
func (e *Engine) OffAny(handler Handler) { e.bus.OffAny(handler) }

// GetJobID returns this engine's job identifier.
func (e *Engine) GetJobID() string { return e.jc.ID() }

// Preview samples up to maxRecords records without committing to a full
// run (spec §4.10). maxRecords <= 0 defaults to 10.
func (e *Engine) Preview(ctx context.Context, maxRecords int) (PreviewResult, error) {
	if maxRecords <= 0 {
		maxRecords = 10
	}
	return Preview(ctx, e.jc, e.source, e.parser, maxRecords)
}

// Count reads the entire source through the parser and reports the total
// record count, without validating or processing anything.
func (e *Engine) Count(ctx context.Context) (int, error) {
	if !e.source.Countable() {
		return 0, NewConfigError("source does not support re-reading required by count()")
	}
	return Count(ctx, e.source, e.parser)
}

// Start transitions CREATED/PREVIEWED -> PROCESSING and drives the
// streaming pipeline to completion, running the sequential or
// bounded-parallel driver depending on Config.MaxConcurrentBatches (spec
// §4.5). Called on an Engine returned by Restore, it instead continues a
// PAUSED or FAILED job from its persisted batches (spec §4.9, §8.6).
func (e *Engine) Start(ctx context.Context, processor Processor) (Summary, error) {
	if e.restored {
		return e.resumeStart(ctx, processor)
	}
	if err := e.jc.Transition(JobProcessing); err != nil {
		return Summary{}, err
	}
	e.jc.ResetForFreshStart()
	if e.cfg.Distributed {
		if err := e.prepareDistributed(ctx); err != nil {
			return failJob(e.jc, err)
		}
	}
	return run(ctx, e.jc, runOptions{source: e.source, parser: e.parser, processor: processor})
}

// resumeStart drives a restored job back to completion by re-streaming
// its reattached source from the beginning and relying on the pipeline's
// existing completed-batch skip to avoid reprocessing anything already
// persisted (spec §4.9).
func (e *Engine) resumeStart(ctx context.Context, processor Processor) (Summary, error) {
	if err := e.jc.BeginResume(); err != nil {
		return Summary{}, err
	}
	e.restored = false
	if e.cfg.Distributed {
		if err := e.prepareDistributed(ctx); err != nil {
			return failJob(e.jc, err)
		}
	}
	return run(ctx, e.jc, ResumeStartOptions(e.jc, e.source, e.parser, processor))
}

// ProcessChunk drives at most one execution-time-bounded slice of the
// pipeline (spec §4.6). The first call transitions CREATED/PREVIEWED ->
// PROCESSING automatically; later calls continue from wherever the
// previous call's stream cursor stopped.
func (e *Engine) ProcessChunk(ctx context.Context, processor Processor, limits ChunkOptions) (ChunkResult, error) {
	if e.restored {
		if err := e.jc.BeginResume(); err != nil {
			return ChunkResult{}, err
		}
		e.restored = false
	} else if e.jc.Status() == JobCreated || e.jc.Status() == JobPreviewed {
		if err := e.jc.Transition(JobProcessing); err != nil {
			return ChunkResult{}, err
		}
		e.jc.ResetForFreshStart()
	} else if e.jc.Status() == JobPaused {
		if err := e.jc.Transition(JobProcessing); err != nil {
			return ChunkResult{}, err
		}
		e.jc.Resume()
	} else if e.jc.Status() != JobProcessing {
		return ChunkResult{}, &TransitionError{Entity: "job", From: string(e.jc.Status()), To: string(JobProcessing)}
	}
	return ProcessChunk(ctx, e.jc, runOptions{source: e.source, parser: e.parser, processor: processor}, limits)
}

// Pause is valid only from PROCESSING (spec §4.8).
func (e *Engine) Pause(ctx context.Context) error {
	if err := e.jc.Transition(JobPaused); err != nil {
		return err
	}
	e.jc.Pause()
	if store := e.cfg.StateStore; store != nil {
		_ = store.SaveJobState(ctx, e.jc.Snapshot())
	}
	e.bus.Emit(Event{Type: EventJobPaused, JobID: e.jc.ID(), Payload: ProgressPayload{Progress: e.jc.Progress()}})
	return nil
}

// Resume is valid only from PAUSED (spec §4.8). It does not itself drive
// the pipeline forward; the caller's original Start/ProcessChunk call
// resumes once WaitIfPaused returns.
func (e *Engine) Resume() error {
	if err := e.jc.Transition(JobProcessing); err != nil {
		return err
	}
	e.jc.Resume()
	return nil
}

// Abort is valid from PROCESSING or PAUSED (spec §4.8). After abort the
// job is terminal.
func (e *Engine) Abort(ctx context.Context) error {
	if err := e.jc.Transition(JobAborted); err != nil {
		return err
	}
	e.jc.Cancel()
	e.jc.Resume() // release any pause handle so suspended waiters observe cancellation
	if store := e.cfg.StateStore; store != nil {
		_ = store.SaveJobState(ctx, e.jc.Snapshot())
	}
	e.bus.Emit(Event{Type: EventJobAborted, JobID: e.jc.ID(), Payload: ProgressPayload{Progress: e.jc.Progress()}})
	return nil
}

// GetStatus reports the job's current status, progress, and batch vector.
func (e *Engine) GetStatus() Status {
	return Status{Status: e.jc.Status(), Progress: e.jc.Progress(), Batches: e.jc.Batches()}
}

// GetFailedRecords returns the failed records persisted so far, from the
// configured StateStore.
func (e *Engine) GetFailedRecords(ctx context.Context) ([]Record, error) {
	store := e.cfg.StateStore
	if store == nil {
		return nil, nil
	}
	return store.GetFailedRecords(ctx, e.jc.ID())
}

// GetDistributedStatus reports aggregate batch counts across all workers
// of a distributed job (spec §4.11, supplemental to the base engine API).
func (e *Engine) GetDistributedStatus(ctx context.Context) (DistributedStatus, error) {
	dstore, ok := e.cfg.StateStore.(DistributedStateStore)
	if !ok {
		return DistributedStatus{}, NewConfigError("engine is not configured with a DistributedStateStore")
	}
	return dstore.GetDistributedStatus(ctx, e.jc.ID())
}

// TryFinalizeJob attempts to transition a distributed job to COMPLETED or
// FAILED once every batch has reached a terminal state, reporting whether
// this call performed the transition (spec §4.11 I4).
func (e *Engine) TryFinalizeJob(ctx context.Context) (bool, error) {
	dstore, ok := e.cfg.StateStore.(DistributedStateStore)
	if !ok {
		return false, NewConfigError("engine is not configured with a DistributedStateStore")
	}
	done, err := dstore.TryFinalizeJob(ctx, e.jc.ID())
	if err != nil || !done {
		return done, err
	}
	state, found, err := dstore.GetJobState(ctx, e.jc.ID())
	if err != nil || !found {
		return done, err
	}
	e.jc.restoreFrom(state)
	summary := e.jc.Summary()
	if state.Status == JobCompleted {
		e.bus.Emit(Event{Type: EventJobCompleted, JobID: e.jc.ID(), Payload: JobCompletedPayload{Summary: summary}})
	} else {
		e.bus.Emit(Event{Type: EventJobFailed, JobID: e.jc.ID(), Payload: JobFailedPayload{Error: "one or more batches failed"}})
	}
	return true, nil
}

// prepareDistributed splits the full record count into PENDING batches up
// front, so claimBatch has something to hand out (spec §4.11).
func (e *Engine) prepareDistributed(ctx context.Context) error {
	dstore, ok := e.cfg.StateStore.(DistributedStateStore)
	if !ok {
		return NewConfigError("distributed jobs require a DistributedStateStore")
	}

	splitter, err := NewSplitter(e.cfg.BatchSize, 0)
	if err != nil {
		return err
	}
	cursor := newStreamCursor(ctx, e.source, e.parser, splitter)

	var batches []Batch
	for {
		batch, ok, err := cursor.nextBatch(ctx, e.jc)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		b := Batch{ID: newBatchID(), Index: batch.BatchIndex, Status: BatchPending, Records: batch.Records}
		e.jc.AddBatch(b)
		if err := dstore.SaveBatchRecords(ctx, e.jc.ID(), b.ID, batch.Records); err != nil {
			return err
		}
		batches = append(batches, b)
	}

	total, _, _ := e.jc.Counters()
	if err := dstore.SaveJobState(ctx, e.jc.Snapshot()); err != nil {
		return err
	}
	e.bus.Emit(Event{
		Type: EventDistributedPrepare, JobID: e.jc.ID(),
		Payload: DistributedPreparedPayload{TotalRecords: total, TotalBatches: len(batches)},
	})
	return nil
}

// ClaimBatch lets a worker claim the next PENDING batch of a distributed
// job (spec §4.11).
func (e *Engine) ClaimBatch(ctx context.Context, workerID string) (ClaimResult, error) {
	dstore, ok := e.cfg.StateStore.(DistributedStateStore)
	if !ok {
		return ClaimResult{}, NewConfigError("engine is not configured with a DistributedStateStore")
	}
	result, err := dstore.ClaimBatch(ctx, e.jc.ID(), workerID)
	if err != nil || !result.Claimed {
		return result, err
	}
	e.bus.Emit(Event{
		Type: EventBatchClaimed, JobID: e.jc.ID(),
		Payload: BatchClaimedPayload{WorkerID: workerID, BatchID: result.BatchID, BatchIndex: result.BatchIndex},
	})
	return result, nil
}

// Restore rebuilds an Engine from a StateStore's persisted job state
// (spec §4.9), returning ok=false when jobID has no saved state.
func Restore(ctx context.Context, jobID string, source DataSource, parser SourceParser, cfg Config) (*Engine, bool, error) {
	cfg = cfg.withDefaults()
	bus := NewEventBus()
	jc, ok, err := restoreJobState(ctx, jobID, cfg, bus)
	if err != nil {
		return nil, false, fmt.Errorf("restoring engine %s: %w", jobID, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Engine{source: source, parser: parser, cfg: cfg, bus: bus, jc: jc, restored: true}, true, nil
}
