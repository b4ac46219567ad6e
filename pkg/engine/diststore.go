package engine

import (
	"context"
	"sync"
	"time"
)

// MemoryDistributedStateStore is the in-memory DistributedStateStore
// reference implementation (spec §4.11, §6). It embeds MemoryStateStore for
// the base StateStore surface and adds the atomic claim/release/reclaim/
// finalize protocol and per-batch record storage that multi-worker
// execution needs.
type MemoryDistributedStateStore struct {
	*MemoryStateStore

	mu      sync.Mutex
	batches map[string]map[string][]Record // jobID -> batchID -> records
}

// NewMemoryDistributedStateStore builds an empty distributed store.
func NewMemoryDistributedStateStore() *MemoryDistributedStateStore {
	return &MemoryDistributedStateStore{
		MemoryStateStore: NewMemoryStateStore(),
		batches:          make(map[string]map[string][]Record),
	}
}

// ClaimBatch atomically reserves the next PENDING batch for workerID,
// marking it PROCESSING and stamping WorkerID/ClaimedAt. The whole
// check-then-set happens under one lock, so two concurrent callers never
// claim the same batch (spec §4.11 I1).
func (s *MemoryDistributedStateStore) ClaimBatch(_ context.Context, jobID, workerID string) (ClaimResult, error) {
	s.MemoryStateStore.mu.Lock()
	defer s.MemoryStateStore.mu.Unlock()

	state, ok := s.jobs[jobID]
	if !ok {
		return ClaimResult{Claimed: false, Reason: ReasonJobNotFound}, nil
	}
	if state.Status != JobProcessing {
		return ClaimResult{Claimed: false, Reason: ReasonJobNotProcessing}, nil
	}

	for i := range state.Batches {
		if state.Batches[i].Status == BatchPending {
			now := time.Now()
			state.Batches[i].Status = BatchProcessing
			state.Batches[i].WorkerID = workerID
			state.Batches[i].ClaimedAt = &now
			s.jobs[jobID] = state

			claimed := state.Batches[i]
			s.mu.Lock()
			var recs []Record
			if byBatch, ok := s.batches[jobID]; ok {
				recs = append([]Record(nil), byBatch[claimed.ID]...)
			}
			s.mu.Unlock()

			return ClaimResult{
				Claimed:    true,
				BatchID:    claimed.ID,
				BatchIndex: claimed.Index,
				Records:    recs,
			}, nil
		}
	}
	return ClaimResult{Claimed: false, Reason: ReasonNoPendingBatches}, nil
}

// ReleaseBatch returns a claimed batch to PENDING, clearing its worker and
// claim timestamp, for a worker giving up on its claim voluntarily.
func (s *MemoryDistributedStateStore) ReleaseBatch(_ context.Context, jobID, batchID, workerID string) error {
	s.MemoryStateStore.mu.Lock()
	defer s.MemoryStateStore.mu.Unlock()
	state, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	for i := range state.Batches {
		if state.Batches[i].ID == batchID && state.Batches[i].WorkerID == workerID {
			state.Batches[i].Status = BatchPending
			state.Batches[i].WorkerID = ""
			state.Batches[i].ClaimedAt = nil
			break
		}
	}
	s.jobs[jobID] = state
	return nil
}

// ReclaimStaleBatches returns any PROCESSING batch whose ClaimedAt is older
// than timeoutMs back to PENDING (spec §4.11 "stale claim reclamation"),
// returning the count reclaimed.
func (s *MemoryDistributedStateStore) ReclaimStaleBatches(_ context.Context, jobID string, timeoutMs int64) (int, error) {
	s.MemoryStateStore.mu.Lock()
	defer s.MemoryStateStore.mu.Unlock()
	state, ok := s.jobs[jobID]
	if !ok {
		return 0, nil
	}
	cutoff := time.Duration(timeoutMs) * time.Millisecond
	now := time.Now()
	reclaimed := 0
	for i := range state.Batches {
		b := &state.Batches[i]
		if b.Status == BatchProcessing && b.ClaimedAt != nil && now.Sub(*b.ClaimedAt) >= cutoff {
			b.Status = BatchPending
			b.WorkerID = ""
			b.ClaimedAt = nil
			reclaimed++
		}
	}
	s.jobs[jobID] = state
	return reclaimed, nil
}

// SaveBatchRecords stores the full record set for one batch, for a later
// claimant or finalization pass to read back.
func (s *MemoryDistributedStateStore) SaveBatchRecords(_ context.Context, jobID, batchID string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byBatch, ok := s.batches[jobID]
	if !ok {
		byBatch = make(map[string][]Record)
		s.batches[jobID] = byBatch
	}
	cp := make([]Record, len(records))
	for i, r := range records {
		cp[i] = r.clone()
	}
	byBatch[batchID] = cp
	return nil
}

// GetBatchRecords returns the records previously saved for one batch.
func (s *MemoryDistributedStateStore) GetBatchRecords(_ context.Context, jobID, batchID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byBatch, ok := s.batches[jobID]
	if !ok {
		return nil, nil
	}
	recs := byBatch[batchID]
	cp := make([]Record, len(recs))
	copy(cp, recs)
	return cp, nil
}

// GetDistributedStatus reports aggregate batch counts across all workers.
func (s *MemoryDistributedStateStore) GetDistributedStatus(_ context.Context, jobID string) (DistributedStatus, error) {
	s.MemoryStateStore.mu.Lock()
	defer s.MemoryStateStore.mu.Unlock()
	state, ok := s.jobs[jobID]
	if !ok {
		return DistributedStatus{}, nil
	}
	var st DistributedStatus
	st.TotalBatches = len(state.Batches)
	for _, b := range state.Batches {
		switch b.Status {
		case BatchCompleted:
			st.Completed++
		case BatchFailed:
			st.Failed++
		case BatchProcessing:
			st.Processing++
		case BatchPending:
			st.Pending++
		}
	}
	st.IsComplete = st.TotalBatches > 0 && st.Completed+st.Failed == st.TotalBatches
	return st, nil
}

// TryFinalizeJob transitions the job to COMPLETED (or FAILED, if any batch
// failed) the first time every batch has reached a terminal state, and
// reports whether this call performed that transition. Later calls after
// finalization report false, so only one worker's finalize wins the race
// (spec §4.11 I4).
func (s *MemoryDistributedStateStore) TryFinalizeJob(_ context.Context, jobID string) (bool, error) {
	s.MemoryStateStore.mu.Lock()
	defer s.MemoryStateStore.mu.Unlock()
	state, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	if state.Status == JobCompleted || state.Status == JobFailed || state.Status == JobAborted {
		return false, nil
	}
	if len(state.Batches) == 0 {
		return false, nil
	}
	anyFailed := false
	for _, b := range state.Batches {
		if b.Status != BatchCompleted && b.Status != BatchFailed {
			return false, nil
		}
		if b.Status == BatchFailed {
			anyFailed = true
		}
	}
	now := time.Now()
	state.CompletedAt = &now
	if anyFailed {
		state.Status = JobFailed
	} else {
		state.Status = JobCompleted
	}
	s.jobs[jobID] = state
	return true, nil
}
