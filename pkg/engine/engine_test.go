package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vnykmshr/batchflow/pkg/memsource"
)

func ndjsonOf(rows ...string) []byte {
	var out []byte
	for _, r := range rows {
		out = append(out, []byte(r)...)
		out = append(out, '\n')
	}
	return out
}

func nameSchema() *Schema {
	return &Schema{Fields: []FieldDefinition{{Name: "name", Type: FieldString, Required: true}}}
}

func TestEngineStartSequentialHappyPath(t *testing.T) {
	data := ndjsonOf(`{"name":"a"}`, `{"name":"b"}`, `{"name":"c"}`)
	source := memsource.New(data)
	eng, err := New(source, memsource.NDJSONParser{}, Config{BatchSize: 2, Schema: nameSchema()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var processed []string
	summary, err := eng.Start(context.Background(), func(ctx context.Context, pctx ProcessContext, parsed map[string]interface{}) error {
		processed = append(processed, parsed["name"].(string))
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if summary.Total != 3 || summary.Processed != 3 || summary.Failed != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if len(processed) != 3 {
		t.Errorf("expected 3 records processed, got %v", processed)
	}
	if eng.GetStatus().Status != JobCompleted {
		t.Errorf("expected job COMPLETED, got %s", eng.GetStatus().Status)
	}
}

func TestEngineStartConcurrentWithInjectedFailure(t *testing.T) {
	data := ndjsonOf(`{"name":"a"}`, `{"name":"bad"}`, `{"name":"c"}`, `{"name":"d"}`)
	source := memsource.New(data)
	store := NewMemoryStateStore()
	eng, err := New(source, memsource.NDJSONParser{}, Config{
		BatchSize: 1, MaxConcurrentBatches: 2, ContinueOnError: true, Schema: nameSchema(), StateStore: store,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := eng.Start(context.Background(), func(ctx context.Context, pctx ProcessContext, parsed map[string]interface{}) error {
		if parsed["name"] == "bad" {
			return errors.New("processor rejected bad record")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if summary.Total != 4 || summary.Processed != 3 || summary.Failed != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	failed, err := eng.GetFailedRecords(context.Background())
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected 1 persisted failed record, got %d err=%v", len(failed), err)
	}
}

func TestEngineStartRetriesToSuccess(t *testing.T) {
	data := ndjsonOf(`{"name":"a"}`)
	source := memsource.New(data)
	eng, err := New(source, memsource.NDJSONParser{}, Config{BatchSize: 1, MaxRetries: 2, RetryDelayMs: 1, Schema: nameSchema()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	attempts := 0
	summary, err := eng.Start(context.Background(), func(ctx context.Context, pctx ProcessContext, parsed map[string]interface{}) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected processor retried once, got %d attempts", attempts)
	}
	if summary.Processed != 1 {
		t.Errorf("expected 1 processed after retry, got %+v", summary)
	}
}

func TestEngineStartUniquenessAcrossBatches(t *testing.T) {
	data := ndjsonOf(`{"name":"a"}`, `{"name":"b"}`, `{"name":"a"}`)
	schema := &Schema{Fields: []FieldDefinition{{Name: "name", Type: FieldString, Required: true}}, UniqueFields: []string{"name"}}
	source := memsource.New(data)
	eng, err := New(source, memsource.NDJSONParser{}, Config{BatchSize: 1, ContinueOnError: true, Schema: schema})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := eng.Start(context.Background(), func(ctx context.Context, pctx ProcessContext, parsed map[string]interface{}) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if summary.Processed != 2 || summary.Failed != 1 {
		t.Errorf("expected 2 processed, 1 duplicate rejected, got %+v", summary)
	}
}

func TestEnginePauseAndResume(t *testing.T) {
	var rows []string
	for i := 0; i < 6; i++ {
		rows = append(rows, fmt.Sprintf(`{"name":"r%d"}`, i))
	}
	source := memsource.New(ndjsonOf(rows...))
	eng, err := New(source, memsource.NDJSONParser{}, Config{BatchSize: 1, Schema: nameSchema()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	paused := false
	processedCount := 0
	summary, err := eng.Start(context.Background(), func(ctx context.Context, pctx ProcessContext, parsed map[string]interface{}) error {
		processedCount++
		if processedCount == 2 && !paused {
			paused = true
			go func() {
				eng.Pause(context.Background())
				eng.Resume()
			}()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if summary.Processed != 6 {
		t.Errorf("expected all 6 records eventually processed despite a pause/resume, got %+v", summary)
	}
}

func TestEngineAbortStopsProcessing(t *testing.T) {
	var rows []string
	for i := 0; i < 10; i++ {
		rows = append(rows, fmt.Sprintf(`{"name":"r%d"}`, i))
	}
	source := memsource.New(ndjsonOf(rows...))
	eng, err := New(source, memsource.NDJSONParser{}, Config{BatchSize: 1, Schema: nameSchema()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	processedCount := 0
	summary, err := eng.Start(context.Background(), func(ctx context.Context, pctx ProcessContext, parsed map[string]interface{}) error {
		processedCount++
		if processedCount == 3 {
			eng.Abort(context.Background())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if eng.GetStatus().Status != JobAborted {
		t.Errorf("expected job ABORTED, got %s", eng.GetStatus().Status)
	}
	if summary.Processed >= 10 {
		t.Errorf("expected abort to cut processing short, got %+v", summary)
	}
}

func TestEnginePreviewDoesNotPersistOrProcess(t *testing.T) {
	data := ndjsonOf(`{"name":"a"}`, `{}`, `{"name":"c"}`)
	source := memsource.New(data)
	eng, err := New(source, memsource.NDJSONParser{}, Config{Schema: nameSchema()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := eng.Preview(context.Background(), 10)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if result.TotalSampled != 3 || len(result.ValidRecords) != 2 || len(result.InvalidRecords) != 1 {
		t.Errorf("unexpected preview result: %+v", result)
	}
	if eng.GetStatus().Status != JobPreviewed {
		t.Errorf("expected job PREVIEWED, got %s", eng.GetStatus().Status)
	}
}

func TestEngineCount(t *testing.T) {
	data := ndjsonOf(`{"name":"a"}`, `{"name":"b"}`)
	source := memsource.New(data)
	eng, err := New(source, memsource.NDJSONParser{}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	count, err := eng.Count(context.Background())
	if err != nil || count != 2 {
		t.Fatalf("expected count 2, got %d err=%v", count, err)
	}
}

func TestEngineRestoreAfterPause(t *testing.T) {
	data := ndjsonOf(`{"name":"a"}`, `{"name":"b"}`, `{"name":"c"}`)
	store := NewMemoryStateStore()
	source := memsource.New(data)
	cfg := Config{BatchSize: 1, Schema: nameSchema(), StateStore: store}
	eng, err := New(source, memsource.NDJSONParser{}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	jobID := eng.GetJobID()

	firstRecordDone := make(chan struct{})
	go eng.Start(context.Background(), func(ctx context.Context, pctx ProcessContext, parsed map[string]interface{}) error {
		close1(firstRecordDone)
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	<-firstRecordDone
	if err := waitForStatus(eng, JobProcessing); err != nil {
		t.Fatalf("waiting for job to start processing: %v", err)
	}
	if err := eng.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := waitForStatus(eng, JobPaused); err != nil {
		t.Fatalf("waiting for job to pause: %v", err)
	}

	restored, ok, err := Restore(context.Background(), jobID, source, memsource.NDJSONParser{}, cfg)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !ok {
		t.Fatal("expected restore to find persisted state")
	}
	if restored.GetJobID() != jobID {
		t.Errorf("expected restored job id %q, got %q", jobID, restored.GetJobID())
	}
}

// TestEngineRestoreThenStartContinuesRemainingBatch is spec §8 scenario 6:
// a failed job with batches 0 and 1 (5 records each) already COMPLETED out
// of 15 total records. Restoring and reattaching the full 15-row source
// and calling Start must invoke the processor only for the 5 records of
// batch 2, finish COMPLETED, and leave Batches/CompletedBatchIndices
// consistent (I8).
func TestEngineRestoreThenStartContinuesRemainingBatch(t *testing.T) {
	store := NewMemoryStateStore()
	jobID := "restore-job"

	rows := make([]string, 15)
	for i := range rows {
		rows[i] = fmt.Sprintf(`{"name":"r%d"}`, i)
	}
	data := ndjsonOf(rows...)

	store.SaveJobState(context.Background(), JobState{
		ID:     jobID,
		Status: JobFailed,
		Batches: []Batch{
			{ID: "b0", Index: 0, Status: BatchCompleted, ProcessedCount: 5},
			{ID: "b1", Index: 1, Status: BatchCompleted, ProcessedCount: 5},
		},
		TotalRecords: 15,
	})

	source := memsource.New(data)
	cfg := Config{BatchSize: 5, Schema: nameSchema(), StateStore: store}
	eng, ok, err := Restore(context.Background(), jobID, source, memsource.NDJSONParser{}, cfg)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !ok {
		t.Fatal("expected restore to find persisted state")
	}

	var invoked []string
	summary, err := eng.Start(context.Background(), func(ctx context.Context, pctx ProcessContext, parsed map[string]interface{}) error {
		invoked = append(invoked, parsed["name"].(string))
		return nil
	})
	if err != nil {
		t.Fatalf("Start on restored engine: %v", err)
	}

	if len(invoked) != 5 {
		t.Fatalf("expected exactly 5 processor invocations, got %d: %v", len(invoked), invoked)
	}
	for i, name := range invoked {
		want := fmt.Sprintf("r%d", i+10)
		if name != want {
			t.Errorf("invocation %d: expected %s, got %s", i, want, name)
		}
	}

	if summary.Total != 15 || summary.Processed != 15 || summary.Failed != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if eng.GetStatus().Status != JobCompleted {
		t.Errorf("expected status COMPLETED, got %s", eng.GetStatus().Status)
	}

	status := eng.GetStatus()
	if len(status.Batches) != 3 {
		t.Fatalf("expected 3 batches after resume, got %d: %+v", len(status.Batches), status.Batches)
	}
	seen := make(map[int]bool)
	for _, b := range status.Batches {
		if b.Status != BatchCompleted {
			t.Errorf("batch %d: expected COMPLETED, got %s", b.Index, b.Status)
		}
		seen[b.Index] = true
	}
	for _, idx := range []int{0, 1, 2} {
		if !seen[idx] {
			t.Errorf("expected batch index %d present after resume", idx)
		}
	}

	state, found, err := store.GetJobState(context.Background(), jobID)
	if err != nil || !found {
		t.Fatalf("expected persisted job state, found=%v err=%v", found, err)
	}
	if state.Status != JobCompleted {
		t.Errorf("expected persisted status COMPLETED, got %s", state.Status)
	}
	if len(state.Batches) != 3 {
		t.Errorf("expected 3 persisted batches, got %d", len(state.Batches))
	}
}

func close1(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func waitForStatus(eng *Engine, want JobStatus) error {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if eng.GetStatus().Status == want {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for status %s, last was %s", want, eng.GetStatus().Status)
}

func TestEngineClaimBatchAndTryFinalizeJob(t *testing.T) {
	dstore := NewMemoryDistributedStateStore()
	source := memsource.New(ndjsonOf(`{"name":"a"}`, `{"name":"b"}`))
	eng, err := New(source, memsource.NDJSONParser{}, Config{BatchSize: 1, Distributed: true, Schema: nameSchema(), StateStore: dstore})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	jobID := eng.GetJobID()

	dstore.SaveJobState(context.Background(), JobState{
		ID:     jobID,
		Status: JobProcessing,
		Batches: []Batch{
			{ID: "b0", Index: 0, Status: BatchPending},
			{ID: "b1", Index: 1, Status: BatchPending},
		},
	})

	result, err := eng.ClaimBatch(context.Background(), "worker-1")
	if err != nil || !result.Claimed {
		t.Fatalf("expected a successful claim, got %+v err=%v", result, err)
	}

	dstore.UpdateBatchState(context.Background(), jobID, "b0", BatchCompleted, 1, 0)
	dstore.UpdateBatchState(context.Background(), jobID, "b1", BatchCompleted, 1, 0)

	done, err := eng.TryFinalizeJob(context.Background())
	if err != nil || !done {
		t.Fatalf("expected finalize to succeed once all batches terminal, got done=%v err=%v", done, err)
	}
	if eng.GetStatus().Status != JobCompleted {
		t.Errorf("expected job COMPLETED after finalize, got %s", eng.GetStatus().Status)
	}
}

func TestEngineGetDistributedStatusRequiresDistributedStateStore(t *testing.T) {
	source := memsource.New(ndjsonOf(`{"name":"a"}`))
	eng, err := New(source, memsource.NDJSONParser{}, Config{Schema: nameSchema(), StateStore: NewMemoryStateStore()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.GetDistributedStatus(context.Background()); err == nil {
		t.Fatal("expected an error when StateStore is not a DistributedStateStore")
	}
}
