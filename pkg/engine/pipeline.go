package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/vnykmshr/goflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/goflow/pkg/scheduling/workerpool"
)

// runOptions carries everything a pipeline run needs beyond the job
// context itself.
type runOptions struct {
	source          DataSource
	parser          SourceParser
	processor       Processor
	startBatchIndex int
}

// run drives the source→parse→validate→batch→process pipeline to
// completion (spec §4.5). It assumes the caller has already performed the
// CREATED/PREVIEWED → PROCESSING transition and, for a fresh start, reset
// the job context's counters.
func run(ctx context.Context, jc *JobContext, opts runOptions) (Summary, error) {
	bus := jc.Bus()
	bus.Emit(Event{Type: EventJobStarted, JobID: jc.ID(), Timestamp: time.Now()})

	br := newBatchRunner(jc, opts)

	splitter, err := NewSplitter(jc.Config().BatchSize, opts.startBatchIndex)
	if err != nil {
		return failJob(jc, err)
	}
	cursor := newStreamCursor(ctx, opts.source, opts.parser, splitter)
	jc.SetCursor(cursor)

	var driveErr error
	if jc.Config().MaxConcurrentBatches > 1 {
		driveErr = driveParallel(ctx, jc, cursor, br)
	} else {
		driveErr = driveSequential(ctx, jc, cursor, br)
	}

	if driveErr != nil {
		return failJob(jc, driveErr)
	}

	if jc.Cancelled() {
		// abort() already performed the PROCESSING/PAUSED -> ABORTED
		// transition and emitted job:aborted; nothing further to do.
		return jc.Summary(), nil
	}

	if err := jc.Transition(JobCompleted); err != nil {
		return failJob(jc, err)
	}
	summary := jc.Summary()
	if store := jc.Config().StateStore; store != nil {
		_ = store.SaveJobState(ctx, jc.Snapshot())
	}
	bus.Emit(Event{Type: EventJobCompleted, JobID: jc.ID(), Timestamp: time.Now(), Payload: JobCompletedPayload{Summary: summary}})
	return summary, nil
}

// failJob transitions the job to FAILED and emits job:failed, per spec
// §4.12 / §7(e): driver-level errors never propagate to the caller of
// start, they are reported through job state and the event bus instead.
func failJob(jc *JobContext, cause error) (Summary, error) {
	_ = jc.Transition(JobFailed)
	jc.Bus().Emit(Event{
		Type:      EventJobFailed,
		JobID:     jc.ID(),
		Timestamp: time.Now(),
		Payload:   JobFailedPayload{Error: cause.Error()},
	})
	return jc.Summary(), nil
}

// driveSequential processes batches one at a time (spec §4.5 "Sequential driver").
func driveSequential(ctx context.Context, jc *JobContext, cursor *streamCursor, br *batchRunner) error {
	return streamAndDispatch(ctx, jc, cursor, func(batch RecordBatch) error {
		return br.runBatch(ctx, br.opts, batch)
	})
}

// driveParallel processes up to MaxConcurrentBatches batches concurrently,
// backed by a goflow worker pool sized to the concurrency bound so that
// Submit blocks once the pool is saturated (spec §4.5 "Bounded-parallel
// driver" backpressure requirement).
func driveParallel(ctx context.Context, jc *JobContext, cursor *streamCursor, br *batchRunner) error {
	maxConc := jc.Config().MaxConcurrentBatches
	pool := workerpool.New(maxConc, 0)

	var firstErr error
	errCh := make(chan error, 1)
	recordErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	submitErr := streamAndDispatch(ctx, jc, cursor, func(batch RecordBatch) error {
		select {
		case err := <-errCh:
			errCh <- err
			return err
		default:
		}
		task := workerpool.TaskFunc(func(_ context.Context) error {
			if err := br.runBatch(ctx, br.opts, batch); err != nil {
				recordErr(err)
				return err
			}
			return nil
		})
		return pool.Submit(task)
	})

	<-pool.Shutdown()

	select {
	case err := <-errCh:
		firstErr = err
	default:
	}
	if submitErr != nil && firstErr == nil {
		firstErr = submitErr
	}
	return firstErr
}

// streamCursor turns a DataSource/SourceParser pair and a Splitter into a
// resumable sequence of record batches: nextBatch can be called again on
// the same cursor across separate processChunk invocations, and it will
// pick up exactly where the previous call left off, including any
// partially filled batch buffered inside the splitter (spec §4.6).
type streamCursor struct {
	chunks     <-chan []byte
	errs       <-chan error
	parser     SourceParser
	splitter   *Splitter
	queue      []map[string]interface{}
	sourceDone bool
}

func newStreamCursor(ctx context.Context, source DataSource, parser SourceParser, splitter *Splitter) *streamCursor {
	chunks, errs := source.Read(ctx)
	return &streamCursor{chunks: chunks, errs: errs, parser: parser, splitter: splitter}
}

// nextRaw returns the next raw record, or ok=false once the source is
// exhausted and nothing remains buffered.
func (c *streamCursor) nextRaw(ctx context.Context) (raw map[string]interface{}, ok bool, err error) {
	for {
		if len(c.queue) > 0 {
			raw = c.queue[0]
			c.queue = c.queue[1:]
			return raw, true, nil
		}
		if c.sourceDone {
			return nil, false, nil
		}
		select {
		case chunk, chOk := <-c.chunks:
			if !chOk {
				c.sourceDone = true
				continue
			}
			raws, perr := c.parser.Parse(chunk)
			if perr != nil {
				return nil, false, fmt.Errorf("parsing chunk: %w", perr)
			}
			c.queue = raws
		case perr := <-c.errs:
			if perr != nil {
				return nil, false, fmt.Errorf("reading source: %w", perr)
			}
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// nextBatch pulls raw records (each stamped with a monotonic job-wide
// index) until the splitter yields a full batch, or the source is
// exhausted, in which case any buffered tail is flushed as the final
// batch. ok is false once there is truly nothing left to dispatch.
func (c *streamCursor) nextBatch(ctx context.Context, jc *JobContext) (RecordBatch, bool, error) {
	for {
		raw, ok, err := c.nextRaw(ctx)
		if err != nil {
			return RecordBatch{}, false, err
		}
		if !ok {
			batch, ready := c.splitter.Flush()
			return batch, ready, nil
		}
		idx := jc.NextRecordIndex()
		rec := Record{Index: idx, Raw: raw, Status: RecordPending}
		if batch, ready := c.splitter.Push(rec); ready {
			return batch, true, nil
		}
	}
}

// streamAndDispatch drains cursor, invoking handle for every ready batch
// not already marked completed from a prior run (spec §4.9), until the
// source is exhausted, the job is cancelled, or handle returns an error.
func streamAndDispatch(ctx context.Context, jc *JobContext, cursor *streamCursor, handle func(RecordBatch) error) error {
	for {
		if jc.Cancelled() {
			return nil
		}
		if err := jc.WaitIfPaused(ctx); err != nil {
			return nil
		}
		batch, ok, err := cursor.nextBatch(ctx, jc)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if jc.IsBatchCompleted(batch.BatchIndex) {
			continue
		}
		if err := handle(batch); err != nil {
			return err
		}
	}
}

// batchRunner holds the per-job collaborators needed to process one
// batch's records (spec §4.5 "Per-record processing inside a batch").
type batchRunner struct {
	jc          *JobContext
	cfg         Config
	opts        runOptions
	rateLimiter bucket.Limiter
}

func newBatchRunner(jc *JobContext, opts runOptions) *batchRunner {
	cfg := jc.Config()
	br := &batchRunner{jc: jc, cfg: cfg, opts: opts}
	if cfg.MaxRecordsPerSecond > 0 {
		if limiter, err := bucket.NewSafe(bucket.Limit(cfg.MaxRecordsPerSecond), cfg.MaxRecordsPerSecond); err == nil {
			br.rateLimiter = limiter
		}
	}
	return br
}

// runBatch runs the full lifecycle of one batch: PENDING->PROCESSING,
// per-record processing, then COMPLETED or FAILED (spec §4.5 "Batch
// lifecycle").
func (br *batchRunner) runBatch(ctx context.Context, opts runOptions, rb RecordBatch) error {
	jc := br.jc
	bus := jc.Bus()
	batch := Batch{
		ID:     newBatchID(),
		Index:  rb.BatchIndex,
		Status: BatchProcessing,
	}
	jc.AddBatch(batch)
	br.persistBatch(ctx, batch)
	bus.Emit(Event{
		Type: EventBatchStarted, JobID: jc.ID(), Timestamp: time.Now(),
		Payload: BatchStartedPayload{BatchID: batch.ID, BatchIndex: batch.Index, RecordCount: len(rb.Records)},
	})

	processed, failed := 0, 0
	var abortErr error
	for _, rec := range rb.Records {
		if jc.Cancelled() {
			break
		}
		if err := jc.WaitIfPaused(ctx); err != nil {
			break
		}
		if br.rateLimiter != nil {
			waitForRateLimit(ctx, br.rateLimiter)
		}

		final, err := br.processRecord(ctx, opts, rec, batch.ID, batch.Index)
		switch final.Status {
		case RecordProcessed:
			processed++
		case RecordInvalid, RecordFailed:
			failed++
		}
		if err != nil {
			abortErr = err
			break
		}
	}

	jc.IncrementProcessed(processed)
	jc.IncrementFailed(failed)

	finalStatus := BatchCompleted
	if abortErr != nil {
		finalStatus = BatchFailed
	}
	jc.MutateBatch(batch.Index, func(b *Batch) {
		b.Status = finalStatus
		b.ProcessedCount = processed
		b.FailedCount = failed
		b.Records = nil
	})
	updated, _ := jc.Batch(batch.Index)
	br.updateBatchState(ctx, updated)

	if abortErr != nil {
		bus.Emit(Event{Type: EventBatchFailed, JobID: jc.ID(), Timestamp: time.Now(), Payload: BatchFailedPayload{Error: abortErr.Error()}})
		return abortErr
	}

	jc.MarkBatchCompleted(batch.Index)
	bus.Emit(Event{
		Type: EventBatchCompleted, JobID: jc.ID(), Timestamp: time.Now(),
		Payload: BatchCompletedPayload{BatchID: batch.ID, BatchIndex: batch.Index, ProcessedCount: processed, FailedCount: failed, TotalCount: len(rb.Records)},
	})
	bus.Emit(Event{Type: EventJobProgress, JobID: jc.ID(), Timestamp: time.Now(), Payload: ProgressPayload{Progress: jc.Progress()}})
	br.persistJobState(ctx)
	return nil
}

func waitForRateLimit(ctx context.Context, limiter bucket.Limiter) {
	for !limiter.Allow() {
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

func (br *batchRunner) persistBatch(ctx context.Context, batch Batch) {
	store := br.cfg.StateStore
	if store == nil {
		return
	}
	_ = store.UpdateBatchState(ctx, br.jc.ID(), batch.ID, batch.Status, batch.ProcessedCount, batch.FailedCount)
}

func (br *batchRunner) updateBatchState(ctx context.Context, batch Batch) {
	br.persistBatch(ctx, batch)
}

func (br *batchRunner) persistJobState(ctx context.Context) {
	store := br.cfg.StateStore
	if store == nil {
		return
	}
	_ = store.SaveJobState(ctx, br.jc.Snapshot())
}

// processRecord carries one record through alias resolution, transforms,
// validation, uniqueness, hooks, duplicate checking, and — for records
// that remain valid — the processor with its retry controller (spec §4.5
// steps 1-8). It returns the terminal Record and, when continueOnError is
// false and this record's failure should abort the batch, a non-nil
// error.
func (br *batchRunner) processRecord(ctx context.Context, opts runOptions, rec Record, batchID string, batchIndex int) (Record, error) {
	jc := br.jc
	validator := jc.Validator()
	schema := br.cfg.Schema

	if schema != nil && schema.SkipEmptyRows && isAllEmpty(rec.Raw) {
		return rec, nil
	}

	pctx := ProcessContext{
		JobID: jc.ID(), BatchID: batchID, BatchIndex: batchIndex,
		RecordIndex: rec.Index, Context: ctx,
	}
	total, _, _ := jc.Counters()
	pctx.TotalRecords = total

	resolved := validator.ResolveAliases(rec.Raw)
	transformed, err := validator.ApplyTransforms(resolved)
	if err != nil {
		return br.finishInvalid(ctx, rec, batchID, []ValidationError{{
			Code: CodeCustomValidation, Message: err.Error(), Severity: SeverityError,
		}})
	}

	if hooked, err := runBeforeValidate(ctx, br.cfg.Hooks, transformed, pctx); err != nil {
		return br.finishInvalid(ctx, rec, batchID, []ValidationError{hookFailure(err)})
	} else {
		transformed = hooked
	}

	var errs []ValidationError
	errs = append(errs, validator.Validate(transformed)...)

	rec.Parsed = transformed
	rec.Errors = errs
	rec.Status = statusFromErrors(errs)

	if updated, err := runAfterValidate(ctx, br.cfg.Hooks, rec, pctx); err != nil {
		return br.finishInvalid(ctx, rec, batchID, []ValidationError{hookFailure(err)})
	} else {
		rec = updated
	}

	if !rec.HasBlockingErrors() && br.cfg.DuplicateChecker != nil {
		result, err := br.cfg.DuplicateChecker.Check(ctx, rec.Parsed, DuplicateCheckContext{JobID: jc.ID(), RecordIndex: rec.Index})
		if err != nil {
			rec.Errors = append(rec.Errors, hookFailure(err))
			rec.Status = RecordInvalid
		} else if result.IsDuplicate {
			rec.Errors = append(rec.Errors, ValidationError{
				Code: CodeExternalDuplicate, Message: fmt.Sprintf("duplicate of %s", result.ExistingID), Severity: SeverityError,
			})
			rec.Status = RecordInvalid
		}
	}

	if rec.HasBlockingErrors() {
		return br.finishInvalid(ctx, rec, batchID, nil)
	}

	rec.Status = RecordValid
	return br.process(ctx, opts, rec, batchID, pctx)
}

func hookFailure(err error) ValidationError {
	return ValidationError{Code: CodeExternalDuplicate, Message: err.Error(), Severity: SeverityError}
}

func statusFromErrors(errs []ValidationError) RecordStatus {
	for i := range errs {
		if errs[i].IsBlocking() {
			return RecordInvalid
		}
	}
	return RecordValid
}

// finishInvalid persists rec as invalid, emits record:failed, and — when
// continueOnError is false — returns a ValidationFailedError so the
// caller aborts the batch (spec §4.5 step 7).
func (br *batchRunner) finishInvalid(ctx context.Context, rec Record, batchID string, extra []ValidationError) (Record, error) {
	rec.Errors = append(rec.Errors, extra...)
	rec.Status = RecordInvalid
	br.saveRecord(ctx, batchID, rec)
	br.jc.Bus().Emit(Event{
		Type: EventRecordFailed, JobID: br.jc.ID(), Timestamp: time.Now(),
		Payload: RecordFailedPayload{Error: joinErrors(rec.Errors), Record: rec},
	})
	if !br.cfg.ContinueOnError {
		return rec, &ValidationFailedError{RecordIndex: rec.Index, Errors: rec.Errors}
	}
	return rec, nil
}

// process invokes the processor (through the retry controller) for a
// record that passed validation, uniqueness, and duplicate checking (spec
// §4.5 step 8).
func (br *batchRunner) process(ctx context.Context, opts runOptions, rec Record, batchID string, pctx ProcessContext) (Record, error) {
	parsed, err := runBeforeProcess(ctx, br.cfg.Hooks, rec.Parsed, pctx)
	if err != nil {
		return br.finishInvalid(ctx, rec, batchID, []ValidationError{hookFailure(err)})
	}
	rec.Parsed = parsed

	retryCtl := newRetryController(br.cfg, br.jc.Bus(), br.jc.ID())
	procErr, retries := retryCtl.run(ctx, func(attempt int) error {
		return opts.processor(ctx, pctx, rec.Parsed)
	})

	if procErr != nil {
		rec.Status = RecordFailed
		rec.ProcessingError = procErr.Error()
		rec.RetryCount = retries
		br.saveRecord(ctx, batchID, rec)
		br.jc.Bus().Emit(Event{
			Type: EventRecordFailed, JobID: br.jc.ID(), Timestamp: time.Now(),
			Payload: RecordFailedPayload{Error: procErr.Error(), Record: rec},
		})
		if !br.cfg.ContinueOnError {
			return rec, fmt.Errorf("record %d: processor failed: %w", rec.Index, procErr)
		}
		return rec, nil
	}

	rec.RetryCount = retries
	if err := runAfterProcess(ctx, br.cfg.Hooks, rec, pctx); err != nil {
		rec.Status = RecordFailed
		rec.ProcessingError = err.Error()
		br.saveRecord(ctx, batchID, rec)
		br.jc.Bus().Emit(Event{
			Type: EventRecordFailed, JobID: br.jc.ID(), Timestamp: time.Now(),
			Payload: RecordFailedPayload{Error: err.Error(), Record: rec},
		})
		if !br.cfg.ContinueOnError {
			return rec, err
		}
		return rec, nil
	}

	rec.Status = RecordProcessed
	br.saveRecord(ctx, batchID, rec)
	br.jc.Bus().Emit(Event{
		Type: EventRecordProcessed, JobID: br.jc.ID(), Timestamp: time.Now(),
		Payload: RecordProcessedPayload{BatchID: batchID, RecordIndex: rec.Index},
	})
	return rec, nil
}

func (br *batchRunner) saveRecord(ctx context.Context, batchID string, rec Record) {
	store := br.cfg.StateStore
	if store == nil {
		return
	}
	_ = store.SaveProcessedRecord(ctx, br.jc.ID(), batchID, rec)
}

func joinErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	msg := errs[0].Message
	for _, e := range errs[1:] {
		msg += "; " + e.Message
	}
	return msg
}
