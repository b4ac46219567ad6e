package engine

import (
	"context"
	"time"
)

// ChunkOptions bounds a single processChunk call: it returns control once
// any configured limit is met, even with records remaining on the source
// (spec §4.6). A zero value disables the corresponding limit.
type ChunkOptions struct {
	MaxRecords    int
	MaxBatches    int
	MaxDurationMs int64
}

// ChunkResult reports what one processChunk call actually did.
type ChunkResult struct {
	ProcessedRecords int
	FailedRecords    int
	Done             bool // source exhausted and nothing left buffered
}

// ProcessChunk drives the same source/parse/validate/batch/process logic as
// the full run (spec §4.5) but stops as soon as MaxRecords, MaxBatches, or
// MaxDurationMs trips, or the source runs dry. It reuses the job's
// streamCursor across calls so a partially filled batch or partially
// consumed source chunk at the chunk boundary is picked up exactly where
// the previous call left off. The caller must have already transitioned
// the job to PROCESSING.
func ProcessChunk(ctx context.Context, jc *JobContext, opts runOptions, limits ChunkOptions) (ChunkResult, error) {
	bus := jc.Bus()

	cursor := jc.Cursor()
	if cursor == nil {
		splitter, err := NewSplitter(jc.Config().BatchSize, len(jc.Batches()))
		if err != nil {
			return ChunkResult{}, err
		}
		cursor = newStreamCursor(ctx, opts.source, opts.parser, splitter)
		jc.SetCursor(cursor)
	}

	br := newBatchRunner(jc, opts)
	deadline := time.Time{}
	if limits.MaxDurationMs > 0 {
		deadline = time.Now().Add(time.Duration(limits.MaxDurationMs) * time.Millisecond)
	}

	var result ChunkResult
	batchesRun := 0
	limitTripped := false

	for {
		if jc.Cancelled() {
			break
		}
		if err := jc.WaitIfPaused(ctx); err != nil {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			limitTripped = true
			break
		}
		if limits.MaxBatches > 0 && batchesRun >= limits.MaxBatches {
			limitTripped = true
			break
		}
		if limits.MaxRecords > 0 && result.ProcessedRecords+result.FailedRecords >= limits.MaxRecords {
			limitTripped = true
			break
		}

		batch, ok, err := cursor.nextBatch(ctx, jc)
		if err != nil {
			return result, err
		}
		if !ok {
			result.Done = true
			break
		}
		if jc.IsBatchCompleted(batch.BatchIndex) {
			continue
		}

		before, beforeFailed, _ := batchCounters(jc)
		if err := br.runBatch(ctx, opts, batch); err != nil {
			return result, err
		}
		after, afterFailed, _ := batchCounters(jc)
		result.ProcessedRecords += after - before
		result.FailedRecords += afterFailed - beforeFailed
		batchesRun++
	}

	// A limit that trips right after the last record must not leave the
	// job PAUSED with nothing left: probe the source for one more record
	// and push it back if there is one.
	if limitTripped {
		raw, ok, err := cursor.nextRaw(ctx)
		if err != nil {
			return result, err
		}
		if ok {
			cursor.queue = append([]map[string]interface{}{raw}, cursor.queue...)
		} else {
			limitTripped = false
			result.Done = true
		}
	}

	if limitTripped && jc.Status() == JobProcessing {
		if err := jc.Transition(JobPaused); err == nil {
			jc.Pause()
			bus.Emit(Event{Type: EventJobPaused, JobID: jc.ID(), Timestamp: time.Now(), Payload: ProgressPayload{Progress: jc.Progress()}})
		}
	}

	if store := jc.Config().StateStore; store != nil {
		_ = store.SaveJobState(ctx, jc.Snapshot())
	}
	bus.Emit(Event{
		Type: EventChunkCompleted, JobID: jc.ID(), Timestamp: time.Now(),
		Payload: ChunkCompletedPayload{ProcessedRecords: result.ProcessedRecords, FailedRecords: result.FailedRecords, Done: result.Done},
	})

	if result.Done && jc.Status() == JobProcessing {
		if err := jc.Transition(JobCompleted); err == nil {
			summary := jc.Summary()
			bus.Emit(Event{Type: EventJobCompleted, JobID: jc.ID(), Timestamp: time.Now(), Payload: JobCompletedPayload{Summary: summary}})
		}
	}

	return result, nil
}

// batchCounters snapshots (processed, failed, total) so ProcessChunk can
// compute the delta contributed by a single batch.
func batchCounters(jc *JobContext) (processed, failed, total int) {
	total, processed, failed = jc.Counters()
	return
}
