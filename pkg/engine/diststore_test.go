package engine

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

func newClaimableJob(store *MemoryDistributedStateStore, jobID string, numBatches int) {
	state := JobState{ID: jobID, Status: JobProcessing}
	for i := 0; i < numBatches; i++ {
		state.Batches = append(state.Batches, Batch{ID: idFor(i), Index: i, Status: BatchPending})
	}
	store.SaveJobState(context.Background(), state)
}

func idFor(i int) string {
	return "b" + strconv.Itoa(i)
}

func TestMemoryDistributedStateStoreClaimBatchRejectsUnknownJob(t *testing.T) {
	store := NewMemoryDistributedStateStore()
	result, err := store.ClaimBatch(context.Background(), "missing", "w1")
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if result.Claimed || result.Reason != ReasonJobNotFound {
		t.Errorf("expected ReasonJobNotFound, got %+v", result)
	}
}

func TestMemoryDistributedStateStoreClaimBatchRejectsNonProcessingJob(t *testing.T) {
	store := NewMemoryDistributedStateStore()
	store.SaveJobState(context.Background(), JobState{ID: "job1", Status: JobCreated})
	result, err := store.ClaimBatch(context.Background(), "job1", "w1")
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if result.Claimed || result.Reason != ReasonJobNotProcessing {
		t.Errorf("expected ReasonJobNotProcessing, got %+v", result)
	}
}

func TestMemoryDistributedStateStoreClaimBatchSucceedsThenExhausts(t *testing.T) {
	store := NewMemoryDistributedStateStore()
	newClaimableJob(store, "job1", 2)
	ctx := context.Background()

	r1, err := store.ClaimBatch(ctx, "job1", "w1")
	if err != nil || !r1.Claimed || r1.BatchIndex != 0 {
		t.Fatalf("expected claim of batch 0, got %+v err=%v", r1, err)
	}
	r2, err := store.ClaimBatch(ctx, "job1", "w2")
	if err != nil || !r2.Claimed || r2.BatchIndex != 1 {
		t.Fatalf("expected claim of batch 1, got %+v err=%v", r2, err)
	}
	r3, err := store.ClaimBatch(ctx, "job1", "w3")
	if err != nil || r3.Claimed || r3.Reason != ReasonNoPendingBatches {
		t.Fatalf("expected ReasonNoPendingBatches, got %+v err=%v", r3, err)
	}
}

func TestMemoryDistributedStateStoreConcurrentClaimsNeverDoubleAssign(t *testing.T) {
	store := NewMemoryDistributedStateStore()
	const numBatches = 20
	newClaimableJob(store, "job1", numBatches)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimedIndices := make(map[int]string)

	for w := 0; w < numBatches; w++ {
		wg.Add(1)
		workerID := idFor(w)
		go func() {
			defer wg.Done()
			result, err := store.ClaimBatch(context.Background(), "job1", workerID)
			if err != nil || !result.Claimed {
				return
			}
			mu.Lock()
			if existing, ok := claimedIndices[result.BatchIndex]; ok {
				t.Errorf("batch %d claimed by both %q and %q", result.BatchIndex, existing, workerID)
			}
			claimedIndices[result.BatchIndex] = workerID
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(claimedIndices) != numBatches {
		t.Errorf("expected all %d batches claimed exactly once, got %d", numBatches, len(claimedIndices))
	}
}

func TestMemoryDistributedStateStoreReleaseBatch(t *testing.T) {
	store := NewMemoryDistributedStateStore()
	newClaimableJob(store, "job1", 1)
	ctx := context.Background()

	r, _ := store.ClaimBatch(ctx, "job1", "w1")
	if err := store.ReleaseBatch(ctx, "job1", r.BatchID, "w1"); err != nil {
		t.Fatalf("ReleaseBatch: %v", err)
	}

	state, _, _ := store.GetJobState(ctx, "job1")
	if state.Batches[0].Status != BatchPending || state.Batches[0].WorkerID != "" {
		t.Errorf("expected batch released to PENDING, got %+v", state.Batches[0])
	}
}

func TestMemoryDistributedStateStoreReclaimStaleBatches(t *testing.T) {
	store := NewMemoryDistributedStateStore()
	ctx := context.Background()
	stale := time.Now().Add(-time.Hour)
	store.SaveJobState(ctx, JobState{
		ID:     "job1",
		Status: JobProcessing,
		Batches: []Batch{
			{ID: "b0", Index: 0, Status: BatchProcessing, ClaimedAt: &stale},
			{ID: "b1", Index: 1, Status: BatchPending},
		},
	})

	n, err := store.ReclaimStaleBatches(ctx, "job1", 1000)
	if err != nil {
		t.Fatalf("ReclaimStaleBatches: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	state, _, _ := store.GetJobState(ctx, "job1")
	if state.Batches[0].Status != BatchPending {
		t.Errorf("expected stale batch reclaimed to PENDING, got %s", state.Batches[0].Status)
	}
}

func TestMemoryDistributedStateStoreBatchRecordsRoundTrip(t *testing.T) {
	store := NewMemoryDistributedStateStore()
	ctx := context.Background()
	recs := []Record{{Index: 0, Status: RecordProcessed}, {Index: 1, Status: RecordFailed}}

	if err := store.SaveBatchRecords(ctx, "job1", "b0", recs); err != nil {
		t.Fatalf("SaveBatchRecords: %v", err)
	}
	got, err := store.GetBatchRecords(ctx, "job1", "b0")
	if err != nil || len(got) != 2 {
		t.Fatalf("expected 2 records, got %d err=%v", len(got), err)
	}
}

func TestMemoryDistributedStateStoreGetDistributedStatus(t *testing.T) {
	store := NewMemoryDistributedStateStore()
	ctx := context.Background()
	store.SaveJobState(ctx, JobState{
		ID:     "job1",
		Status: JobProcessing,
		Batches: []Batch{
			{ID: "b0", Index: 0, Status: BatchCompleted},
			{ID: "b1", Index: 1, Status: BatchFailed},
			{ID: "b2", Index: 2, Status: BatchProcessing},
			{ID: "b3", Index: 3, Status: BatchPending},
		},
	})

	st, err := store.GetDistributedStatus(ctx, "job1")
	if err != nil {
		t.Fatalf("GetDistributedStatus: %v", err)
	}
	if st.TotalBatches != 4 || st.Completed != 1 || st.Failed != 1 || st.Processing != 1 || st.Pending != 1 {
		t.Errorf("unexpected status: %+v", st)
	}
	if st.IsComplete {
		t.Error("expected IsComplete false while a batch is still pending/processing")
	}
}

func TestMemoryDistributedStateStoreTryFinalizeJob(t *testing.T) {
	store := NewMemoryDistributedStateStore()
	ctx := context.Background()
	store.SaveJobState(ctx, JobState{
		ID:     "job1",
		Status: JobProcessing,
		Batches: []Batch{
			{ID: "b0", Index: 0, Status: BatchCompleted},
			{ID: "b1", Index: 1, Status: BatchProcessing},
		},
	})

	ok, err := store.TryFinalizeJob(ctx, "job1")
	if err != nil || ok {
		t.Fatalf("expected finalize to be false while a batch is still processing, got ok=%v err=%v", ok, err)
	}

	store.UpdateBatchState(ctx, "job1", "b1", BatchCompleted, 1, 0)
	ok, err = store.TryFinalizeJob(ctx, "job1")
	if err != nil || !ok {
		t.Fatalf("expected finalize to succeed once all batches terminal, got ok=%v err=%v", ok, err)
	}

	state, _, _ := store.GetJobState(ctx, "job1")
	if state.Status != JobCompleted {
		t.Errorf("expected job COMPLETED, got %s", state.Status)
	}

	ok, err = store.TryFinalizeJob(ctx, "job1")
	if err != nil || ok {
		t.Fatalf("expected second finalize call to report false, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryDistributedStateStoreTryFinalizeJobFailsIfAnyBatchFailed(t *testing.T) {
	store := NewMemoryDistributedStateStore()
	ctx := context.Background()
	store.SaveJobState(ctx, JobState{
		ID:     "job1",
		Status: JobProcessing,
		Batches: []Batch{
			{ID: "b0", Index: 0, Status: BatchCompleted},
			{ID: "b1", Index: 1, Status: BatchFailed},
		},
	})

	ok, err := store.TryFinalizeJob(ctx, "job1")
	if err != nil || !ok {
		t.Fatalf("expected finalize to succeed, got ok=%v err=%v", ok, err)
	}
	state, _, _ := store.GetJobState(ctx, "job1")
	if state.Status != JobFailed {
		t.Errorf("expected job FAILED, got %s", state.Status)
	}
}
