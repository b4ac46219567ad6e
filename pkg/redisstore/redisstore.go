// Package redisstore is a Redis-backed engine.DistributedStateStore: job
// state lives as one JSON document per job, and the claim/release/reclaim
// protocol runs through Lua scripts so the read-modify-write race is
// atomic across processes (spec §4.11).
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnykmshr/obcache-go/pkg/obcache"

	"github.com/vnykmshr/batchflow/pkg/engine"
)

// Store is a Redis-backed DistributedStateStore.
type Store struct {
	client      redis.Cmdable
	keyPrefix   string
	statusTTL   time.Duration
	statusCache *obcache.Cache
}

// New builds a Store against an existing client. keyPrefix defaults to
// "batchflow:" when empty. GetDistributedStatus reads are cached briefly
// (statusTTL, default 500ms) since workers poll it far more often than the
// batch table actually changes; pass 0 to disable caching.
func New(client redis.Cmdable, keyPrefix string, statusTTL ...time.Duration) *Store {
	if keyPrefix == "" {
		keyPrefix = "batchflow:"
	}
	ttl := 500 * time.Millisecond
	if len(statusTTL) > 0 {
		ttl = statusTTL[0]
	}
	s := &Store{client: client, keyPrefix: keyPrefix, statusTTL: ttl}
	if ttl > 0 {
		if cache, err := obcache.New(obcache.NewDefaultConfig().WithMaxEntries(1000).WithDefaultTTL(ttl)); err == nil {
			s.statusCache = cache
		}
	}
	return s
}

func (s *Store) jobKey(jobID string) string { return s.keyPrefix + "job:" + jobID }

func (s *Store) batchRecordsKey(jobID, batchID string) string {
	return s.keyPrefix + "batchrecords:" + jobID + ":" + batchID
}

func (s *Store) recordKey(jobID string) string { return s.keyPrefix + "records:" + jobID }

// SaveJobState writes the full job document.
func (s *Store) SaveJobState(ctx context.Context, state engine.JobState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling job state: %w", err)
	}
	return s.client.Set(ctx, s.jobKey(state.ID), data, 0).Err()
}

// GetJobState reads the job document, reporting found=false on a cache miss.
func (s *Store) GetJobState(ctx context.Context, jobID string) (engine.JobState, bool, error) {
	data, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return engine.JobState{}, false, nil
	}
	if err != nil {
		return engine.JobState{}, false, fmt.Errorf("reading job state: %w", err)
	}
	var state engine.JobState
	if err := json.Unmarshal(data, &state); err != nil {
		return engine.JobState{}, false, fmt.Errorf("unmarshaling job state: %w", err)
	}
	return state, true, nil
}

// UpdateBatchState rewrites one batch's status/counters inside the job
// document under a WATCH-guarded transaction, retrying on a concurrent
// writer's conflict.
func (s *Store) UpdateBatchState(ctx context.Context, jobID, batchID string, status engine.BatchStatus, processedCount, failedCount int) error {
	return s.withJobTxn(ctx, jobID, func(state *engine.JobState) {
		for i := range state.Batches {
			if state.Batches[i].ID == batchID {
				state.Batches[i].Status = status
				state.Batches[i].ProcessedCount = processedCount
				state.Batches[i].FailedCount = failedCount
				return
			}
		}
	})
}

// SaveProcessedRecord stores one record in the job's hash of records,
// keyed by its index.
func (s *Store) SaveProcessedRecord(ctx context.Context, jobID, _ string, rec engine.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return s.client.HSet(ctx, s.recordKey(jobID), rec.Index, data).Err()
}

func (s *Store) recordsWithStatus(ctx context.Context, jobID string, statuses map[engine.RecordStatus]bool) ([]engine.Record, error) {
	raw, err := s.client.HGetAll(ctx, s.recordKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}
	var out []engine.Record
	for _, v := range raw {
		var rec engine.Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("unmarshaling record: %w", err)
		}
		if statuses[rec.Status] {
			out = append(out, rec)
		}
	}
	return out, nil
}

// GetFailedRecords returns every stored record with status FAILED or INVALID.
func (s *Store) GetFailedRecords(ctx context.Context, jobID string) ([]engine.Record, error) {
	return s.recordsWithStatus(ctx, jobID, map[engine.RecordStatus]bool{
		engine.RecordFailed: true, engine.RecordInvalid: true,
	})
}

// GetPendingRecords returns every stored record still PENDING.
func (s *Store) GetPendingRecords(ctx context.Context, jobID string) ([]engine.Record, error) {
	return s.recordsWithStatus(ctx, jobID, map[engine.RecordStatus]bool{engine.RecordPending: true})
}

// GetProcessedRecords returns every stored record with status PROCESSED.
func (s *Store) GetProcessedRecords(ctx context.Context, jobID string) ([]engine.Record, error) {
	return s.recordsWithStatus(ctx, jobID, map[engine.RecordStatus]bool{engine.RecordProcessed: true})
}

// GetProgress derives a Progress snapshot from the job document and the
// record hash.
func (s *Store) GetProgress(ctx context.Context, jobID string) (engine.Progress, error) {
	state, found, err := s.GetJobState(ctx, jobID)
	if err != nil || !found {
		return engine.Progress{}, err
	}
	raw, err := s.client.HGetAll(ctx, s.recordKey(jobID)).Result()
	if err != nil {
		return engine.Progress{}, fmt.Errorf("reading records: %w", err)
	}
	var processed, failed int
	for _, v := range raw {
		var rec engine.Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		switch rec.Status {
		case engine.RecordProcessed:
			processed++
		case engine.RecordFailed, engine.RecordInvalid:
			failed++
		}
	}
	total := state.TotalRecords
	pending := total - processed - failed
	if pending < 0 {
		pending = 0
	}
	pct := 0
	if total > 0 {
		pct = (processed + failed) * 100 / total
	}
	var elapsed int64
	if state.StartedAt != nil {
		if state.CompletedAt != nil {
			elapsed = state.CompletedAt.Sub(*state.StartedAt).Milliseconds()
		} else {
			elapsed = time.Since(*state.StartedAt).Milliseconds()
		}
	}
	return engine.Progress{
		Total: total, Processed: processed, Failed: failed, Pending: pending,
		Percentage: pct, ElapsedMs: elapsed,
	}, nil
}

// withJobTxn applies mutate to the job document inside a Redis
// optimistic-locking transaction (WATCH/MULTI/EXEC), retrying when another
// writer commits first (spec §4.11 "optimistic version bump or row lock").
func (s *Store) withJobTxn(ctx context.Context, jobID string, mutate func(*engine.JobState)) error {
	key := s.jobKey(jobID)
	for attempt := 0; attempt < 10; attempt++ {
		txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("job %s not found", jobID)
			}
			if err != nil {
				return err
			}
			var state engine.JobState
			if err := json.Unmarshal(data, &state); err != nil {
				return err
			}
			mutate(&state)
			updated, err := json.Marshal(state)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				return nil
			})
			return err
		}, key)
		if txErr == nil {
			return nil
		}
		if !errors.Is(txErr, redis.TxFailedErr) {
			return txErr
		}
	}
	return fmt.Errorf("job %s: too many concurrent update conflicts", jobID)
}

// claimScript atomically finds the first PENDING batch in the job
// document, marks it PROCESSING with workerId/claimedAt, and writes the
// document back — all inside one Lua invocation so no two workers ever
// claim the same batch (spec §4.11 I1).
var claimScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return cjson.encode({claimed=false, reason='JOB_NOT_FOUND'})
end
local state = cjson.decode(raw)
if state.Status ~= 'PROCESSING' then
	return cjson.encode({claimed=false, reason='JOB_NOT_PROCESSING'})
end
for i, b in ipairs(state.Batches) do
	if b.Status == 'PENDING' then
		state.Batches[i].Status = 'PROCESSING'
		state.Batches[i].WorkerID = ARGV[2]
		state.Batches[i].ClaimedAt = ARGV[1]
		redis.call('SET', KEYS[1], cjson.encode(state))
		return cjson.encode({claimed=true, batchId=b.ID, batchIndex=b.Index})
	end
end
return cjson.encode({claimed=false, reason='NO_PENDING_BATCHES'})
`)

type claimScriptResult struct {
	Claimed    bool   `json:"claimed"`
	Reason     string `json:"reason"`
	BatchID    string `json:"batchId"`
	BatchIndex int    `json:"batchIndex"`
}

// ClaimBatch atomically reserves the next PENDING batch for workerID.
func (s *Store) ClaimBatch(ctx context.Context, jobID, workerID string) (engine.ClaimResult, error) {
	out, err := claimScript.Run(ctx, s.client, []string{s.jobKey(jobID)}, time.Now().Format(time.RFC3339Nano), workerID).Text()
	if err != nil {
		return engine.ClaimResult{}, fmt.Errorf("claiming batch: %w", err)
	}
	var res claimScriptResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		return engine.ClaimResult{}, fmt.Errorf("decoding claim result: %w", err)
	}
	if !res.Claimed {
		return engine.ClaimResult{Claimed: false, Reason: engine.ClaimReason(res.Reason)}, nil
	}
	records, err := s.GetBatchRecords(ctx, jobID, res.BatchID)
	if err != nil {
		return engine.ClaimResult{}, err
	}
	return engine.ClaimResult{Claimed: true, BatchID: res.BatchID, BatchIndex: res.BatchIndex, Records: records}, nil
}

// ReleaseBatch returns a claimed batch to PENDING, for a worker giving up
// on its claim voluntarily.
func (s *Store) ReleaseBatch(ctx context.Context, jobID, batchID, workerID string) error {
	return s.withJobTxn(ctx, jobID, func(state *engine.JobState) {
		for i := range state.Batches {
			if state.Batches[i].ID == batchID && state.Batches[i].WorkerID == workerID {
				state.Batches[i].Status = engine.BatchPending
				state.Batches[i].WorkerID = ""
				state.Batches[i].ClaimedAt = nil
				return
			}
		}
	})
}

// ReclaimStaleBatches returns any PROCESSING batch claimed longer than
// timeoutMs ago back to PENDING.
func (s *Store) ReclaimStaleBatches(ctx context.Context, jobID string, timeoutMs int64) (int, error) {
	reclaimed := 0
	cutoff := time.Duration(timeoutMs) * time.Millisecond
	err := s.withJobTxn(ctx, jobID, func(state *engine.JobState) {
		now := time.Now()
		for i := range state.Batches {
			b := &state.Batches[i]
			if b.Status == engine.BatchProcessing && b.ClaimedAt != nil && now.Sub(*b.ClaimedAt) >= cutoff {
				b.Status = engine.BatchPending
				b.WorkerID = ""
				b.ClaimedAt = nil
				reclaimed++
			}
		}
	})
	return reclaimed, err
}

// SaveBatchRecords stores one batch's full record set, for a later
// claimant or finalization pass to read back.
func (s *Store) SaveBatchRecords(ctx context.Context, jobID, batchID string, records []engine.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshaling batch records: %w", err)
	}
	return s.client.Set(ctx, s.batchRecordsKey(jobID, batchID), data, 0).Err()
}

// GetBatchRecords returns the records previously saved for one batch.
func (s *Store) GetBatchRecords(ctx context.Context, jobID, batchID string) ([]engine.Record, error) {
	data, err := s.client.Get(ctx, s.batchRecordsKey(jobID, batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading batch records: %w", err)
	}
	var records []engine.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshaling batch records: %w", err)
	}
	return records, nil
}

// GetDistributedStatus reports aggregate batch counts across all workers.
// Results are served from statusCache when fresh, since distributed
// workers tend to poll this far more often than the underlying batch
// document actually changes.
func (s *Store) GetDistributedStatus(ctx context.Context, jobID string) (engine.DistributedStatus, error) {
	if s.statusCache != nil {
		if cached, found := s.statusCache.Get(jobID); found {
			if st, ok := cached.(engine.DistributedStatus); ok {
				return st, nil
			}
		}
	}

	state, found, err := s.GetJobState(ctx, jobID)
	if err != nil || !found {
		return engine.DistributedStatus{}, err
	}
	var st engine.DistributedStatus
	st.TotalBatches = len(state.Batches)
	for _, b := range state.Batches {
		switch b.Status {
		case engine.BatchCompleted:
			st.Completed++
		case engine.BatchFailed:
			st.Failed++
		case engine.BatchProcessing:
			st.Processing++
		case engine.BatchPending:
			st.Pending++
		}
	}
	st.IsComplete = st.TotalBatches > 0 && st.Completed+st.Failed == st.TotalBatches

	if s.statusCache != nil {
		s.statusCache.Set(jobID, st, s.statusTTL)
	}
	return st, nil
}

// TryFinalizeJob transitions the job to COMPLETED/FAILED the first time
// every batch reaches a terminal state, reporting whether this call
// performed the transition (spec §4.11 I4). The WATCH-guarded txn ensures
// only one concurrent caller ever observes the pre-finalize state and wins.
func (s *Store) TryFinalizeJob(ctx context.Context, jobID string) (bool, error) {
	finalized := false
	err := s.withJobTxn(ctx, jobID, func(state *engine.JobState) {
		if state.Status == engine.JobCompleted || state.Status == engine.JobFailed || state.Status == engine.JobAborted {
			return
		}
		if len(state.Batches) == 0 {
			return
		}
		anyFailed := false
		for _, b := range state.Batches {
			if b.Status != engine.BatchCompleted && b.Status != engine.BatchFailed {
				return
			}
			if b.Status == engine.BatchFailed {
				anyFailed = true
			}
		}
		now := time.Now()
		state.CompletedAt = &now
		if anyFailed {
			state.Status = engine.JobFailed
		} else {
			state.Status = engine.JobCompleted
		}
		finalized = true
	})
	return finalized, err
}
