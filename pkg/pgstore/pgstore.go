// Package pgstore is a Postgres-backed engine.DistributedStateStore. Job,
// batch, and record state live in three normalized tables; the batch claim
// protocol runs through a single SELECT ... FOR UPDATE SKIP LOCKED query so
// two workers never walk away with the same batch (spec §4.11).
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnykmshr/batchflow/pkg/engine"
)

// Store is a Postgres-backed DistributedStateStore.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store against an already-connected pool. Call Migrate once
// per database before first use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the jobs/batches/records tables if they don't already
// exist. It's safe to call on every process startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("migrating batchflow schema: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS batchflow_jobs (
	id                      text PRIMARY KEY,
	status                  text NOT NULL,
	config                  jsonb NOT NULL,
	total_records           integer NOT NULL DEFAULT 0,
	distributed             boolean NOT NULL DEFAULT false,
	started_at              timestamptz,
	completed_at            timestamptz,
	completed_batch_indices jsonb NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS batchflow_batches (
	id              text PRIMARY KEY,
	job_id          text NOT NULL REFERENCES batchflow_jobs(id) ON DELETE CASCADE,
	index           integer NOT NULL,
	status          text NOT NULL,
	processed_count integer NOT NULL DEFAULT 0,
	failed_count    integer NOT NULL DEFAULT 0,
	worker_id       text NOT NULL DEFAULT '',
	claimed_at      timestamptz,
	version         integer NOT NULL DEFAULT 0,
	UNIQUE (job_id, index)
);
CREATE INDEX IF NOT EXISTS batchflow_batches_claim_idx
	ON batchflow_batches (job_id, status);

CREATE TABLE IF NOT EXISTS batchflow_records (
	job_id   text NOT NULL REFERENCES batchflow_jobs(id) ON DELETE CASCADE,
	batch_id text NOT NULL REFERENCES batchflow_batches(id) ON DELETE CASCADE,
	index    integer NOT NULL,
	record   jsonb NOT NULL,
	status   text NOT NULL,
	PRIMARY KEY (job_id, index)
);
CREATE INDEX IF NOT EXISTS batchflow_records_status_idx
	ON batchflow_records (job_id, status);
`

// SaveJobState upserts the job row and replaces its batch rows. Record rows
// are left alone here; they're written individually via SaveProcessedRecord
// or in bulk via SaveBatchRecords.
func (s *Store) SaveJobState(ctx context.Context, state engine.JobState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("saving job state: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO batchflow_jobs (id, status, config, total_records, distributed, started_at, completed_at, completed_batch_indices)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			config = EXCLUDED.config,
			total_records = EXCLUDED.total_records,
			distributed = EXCLUDED.distributed,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			completed_batch_indices = EXCLUDED.completed_batch_indices
	`, state.ID, string(state.Status), state.Config, state.TotalRecords, state.Distributed,
		state.StartedAt, state.CompletedAt, state.CompletedBatchIndices)
	if err != nil {
		return fmt.Errorf("upserting job row: %w", err)
	}

	for _, b := range state.Batches {
		if _, err := tx.Exec(ctx, `
			INSERT INTO batchflow_batches (id, job_id, index, status, processed_count, failed_count, worker_id, claimed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				processed_count = EXCLUDED.processed_count,
				failed_count = EXCLUDED.failed_count,
				worker_id = EXCLUDED.worker_id,
				claimed_at = EXCLUDED.claimed_at,
				version = batchflow_batches.version + 1
		`, b.ID, state.ID, b.Index, string(b.Status), b.ProcessedCount, b.FailedCount, b.WorkerID, b.ClaimedAt); err != nil {
			return fmt.Errorf("upserting batch row %s: %w", b.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// GetJobState reads the job row and its batches back into a JobState.
func (s *Store) GetJobState(ctx context.Context, jobID string) (engine.JobState, bool, error) {
	var state engine.JobState
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, config, total_records, distributed, started_at, completed_at, completed_batch_indices
		FROM batchflow_jobs WHERE id = $1
	`, jobID).Scan(&state.ID, &status, &state.Config, &state.TotalRecords, &state.Distributed,
		&state.StartedAt, &state.CompletedAt, &state.CompletedBatchIndices)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.JobState{}, false, nil
	}
	if err != nil {
		return engine.JobState{}, false, fmt.Errorf("reading job row: %w", err)
	}
	state.Status = engine.JobStatus(status)

	rows, err := s.pool.Query(ctx, `
		SELECT id, index, status, processed_count, failed_count, worker_id, claimed_at
		FROM batchflow_batches WHERE job_id = $1 ORDER BY index
	`, jobID)
	if err != nil {
		return engine.JobState{}, false, fmt.Errorf("reading batch rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b engine.Batch
		var bstatus string
		if err := rows.Scan(&b.ID, &b.Index, &bstatus, &b.ProcessedCount, &b.FailedCount, &b.WorkerID, &b.ClaimedAt); err != nil {
			return engine.JobState{}, false, fmt.Errorf("scanning batch row: %w", err)
		}
		b.Status = engine.BatchStatus(bstatus)
		state.Batches = append(state.Batches, b)
	}
	return state, true, rows.Err()
}

// UpdateBatchState rewrites one batch's status/counters.
func (s *Store) UpdateBatchState(ctx context.Context, jobID, batchID string, status engine.BatchStatus, processedCount, failedCount int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE batchflow_batches SET status = $1, processed_count = $2, failed_count = $3, version = version + 1
		WHERE job_id = $4 AND id = $5
	`, string(status), processedCount, failedCount, jobID, batchID)
	if err != nil {
		return fmt.Errorf("updating batch state: %w", err)
	}
	return nil
}

// SaveProcessedRecord upserts one record row.
func (s *Store) SaveProcessedRecord(ctx context.Context, jobID, batchID string, rec engine.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batchflow_records (job_id, batch_id, index, record, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id, index) DO UPDATE SET
			batch_id = EXCLUDED.batch_id, record = EXCLUDED.record, status = EXCLUDED.status
	`, jobID, batchID, rec.Index, rec, string(rec.Status))
	if err != nil {
		return fmt.Errorf("saving record: %w", err)
	}
	return nil
}

func (s *Store) recordsWithStatus(ctx context.Context, jobID string, statuses []string) ([]engine.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record FROM batchflow_records WHERE job_id = $1 AND status = ANY($2) ORDER BY index
	`, jobID, statuses)
	if err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}
	defer rows.Close()

	var out []engine.Record
	for rows.Next() {
		var rec engine.Record
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetFailedRecords returns every stored record with status FAILED or INVALID.
func (s *Store) GetFailedRecords(ctx context.Context, jobID string) ([]engine.Record, error) {
	return s.recordsWithStatus(ctx, jobID, []string{string(engine.RecordFailed), string(engine.RecordInvalid)})
}

// GetPendingRecords returns every stored record still PENDING.
func (s *Store) GetPendingRecords(ctx context.Context, jobID string) ([]engine.Record, error) {
	return s.recordsWithStatus(ctx, jobID, []string{string(engine.RecordPending)})
}

// GetProcessedRecords returns every stored record with status PROCESSED.
func (s *Store) GetProcessedRecords(ctx context.Context, jobID string) ([]engine.Record, error) {
	return s.recordsWithStatus(ctx, jobID, []string{string(engine.RecordProcessed)})
}

// GetProgress derives a Progress snapshot from the job row and a record
// status count.
func (s *Store) GetProgress(ctx context.Context, jobID string) (engine.Progress, error) {
	state, found, err := s.GetJobState(ctx, jobID)
	if err != nil || !found {
		return engine.Progress{}, err
	}

	var processed, failed int
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status IN ($3, $4))
		FROM batchflow_records WHERE job_id = $1
	`, jobID, string(engine.RecordProcessed), string(engine.RecordFailed), string(engine.RecordInvalid)).
		Scan(&processed, &failed)
	if err != nil {
		return engine.Progress{}, fmt.Errorf("counting records: %w", err)
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

// ClaimBatch atomically reserves the next PENDING batch for workerID using
// SELECT ... FOR UPDATE SKIP LOCKED, so two concurrent claimants never walk
// away with the same row (spec §4.11 I1).
func (s *Store) ClaimBatch(ctx context.Context, jobID, workerID string) (engine.ClaimResult, error) {
	var status string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM batchflow_jobs WHERE id = $1`, jobID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.ClaimResult{Claimed: false, Reason: engine.ReasonJobNotFound}, nil
		}
		return engine.ClaimResult{}, fmt.Errorf("checking job status: %w", err)
	}
	if status != string(engine.JobProcessing) {
		return engine.ClaimResult{Claimed: false, Reason: engine.ReasonJobNotProcessing}, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return engine.ClaimResult{}, fmt.Errorf("claiming batch: %w", err)
	}
	defer tx.Rollback(ctx)

	var batchID string
	var batchIndex int
	err = tx.QueryRow(ctx, `
		UPDATE batchflow_batches SET status = $1, worker_id = $2, claimed_at = now(), version = version + 1
		WHERE id = (
			SELECT id FROM batchflow_batches
			WHERE job_id = $3 AND status = $4
			ORDER BY index LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING id, index
	`, string(engine.BatchProcessing), workerID, jobID, string(engine.BatchPending)).Scan(&batchID, &batchIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.ClaimResult{Claimed: false, Reason: engine.ReasonNoPendingBatches}, nil
	}
	if err != nil {
		return engine.ClaimResult{}, fmt.Errorf("claiming batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return engine.ClaimResult{}, fmt.Errorf("committing claim: %w", err)
	}

	records, err := s.GetBatchRecords(ctx, jobID, batchID)
	if err != nil {
		return engine.ClaimResult{}, err
	}
	return engine.ClaimResult{Claimed: true, BatchID: batchID, BatchIndex: batchIndex, Records: records}, nil
}

// ReleaseBatch returns a claimed batch to PENDING, for a worker giving up
// on its claim voluntarily.
func (s *Store) ReleaseBatch(ctx context.Context, jobID, batchID, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE batchflow_batches SET status = $1, worker_id = '', claimed_at = NULL, version = version + 1
		WHERE job_id = $2 AND id = $3 AND worker_id = $4
	`, string(engine.BatchPending), jobID, batchID, workerID)
	if err != nil {
		return fmt.Errorf("releasing batch: %w", err)
	}
	return nil
}

// ReclaimStaleBatches returns any PROCESSING batch claimed longer than
// timeoutMs ago back to PENDING.
func (s *Store) ReclaimStaleBatches(ctx context.Context, jobID string, timeoutMs int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batchflow_batches SET status = $1, worker_id = '', claimed_at = NULL, version = version + 1
		WHERE job_id = $2 AND status = $3 AND claimed_at < now() - ($4 || ' milliseconds')::interval
	`, string(engine.BatchPending), jobID, string(engine.BatchProcessing), timeoutMs)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale batches: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveBatchRecords stores one batch's full record set, for a later
// claimant or finalization pass to read back.
func (s *Store) SaveBatchRecords(ctx context.Context, jobID, batchID string, records []engine.Record) error {
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
			INSERT INTO batchflow_records (job_id, batch_id, index, record, status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (job_id, index) DO UPDATE SET
				batch_id = EXCLUDED.batch_id, record = EXCLUDED.record, status = EXCLUDED.status
		`, jobID, batchID, rec.Index, rec, string(rec.Status))
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("saving batch records: %w", err)
		}
	}
	return nil
}

// GetBatchRecords returns the records previously saved for one batch.
func (s *Store) GetBatchRecords(ctx context.Context, jobID, batchID string) ([]engine.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record FROM batchflow_records WHERE job_id = $1 AND batch_id = $2 ORDER BY index
	`, jobID, batchID)
	if err != nil {
		return nil, fmt.Errorf("reading batch records: %w", err)
	}
	defer rows.Close()

	var out []engine.Record
	for rows.Next() {
		var rec engine.Record
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("scanning batch record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetDistributedStatus reports aggregate batch counts across all workers.
func (s *Store) GetDistributedStatus(ctx context.Context, jobID string) (engine.DistributedStatus, error) {
	var st engine.DistributedStatus
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM batchflow_batches WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return engine.DistributedStatus{}, fmt.Errorf("reading distributed status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return engine.DistributedStatus{}, fmt.Errorf("scanning status count: %w", err)
		}
		st.TotalBatches += count
		switch engine.BatchStatus(status) {
		case engine.BatchCompleted:
			st.Completed = count
		case engine.BatchFailed:
			st.Failed = count
		case engine.BatchProcessing:
			st.Processing = count
		case engine.BatchPending:
			st.Pending = count
		}
	}
	st.IsComplete = st.TotalBatches > 0 && st.Completed+st.Failed == st.TotalBatches
	return st, rows.Err()
}

// TryFinalizeJob transitions the job to COMPLETED/FAILED the first time
// every batch reaches a terminal state, reporting whether this call
// performed the transition (spec §4.11 I4). The UPDATE ... WHERE status NOT
// IN (...) guard ensures only one concurrent caller ever wins the race.
func (s *Store) TryFinalizeJob(ctx context.Context, jobID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("finalizing job: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM batchflow_jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("reading job status: %w", err)
	}
	if status == string(engine.JobCompleted) || status == string(engine.JobFailed) || status == string(engine.JobAborted) {
		return false, nil
	}

	var total, terminal, failed int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status IN ($2, $3)),
			COUNT(*) FILTER (WHERE status = $3)
		FROM batchflow_batches WHERE job_id = $1
	`, jobID, string(engine.BatchCompleted), string(engine.BatchFailed)).Scan(&total, &terminal, &failed)
	if err != nil {
		return false, fmt.Errorf("counting batches: %w", err)
	}
	if total == 0 || terminal != total {
		return false, nil
	}

	newStatus := engine.JobCompleted
	if failed > 0 {
		newStatus = engine.JobFailed
	}
	if _, err := tx.Exec(ctx, `
		UPDATE batchflow_jobs SET status = $1, completed_at = now() WHERE id = $2
	`, string(newStatus), jobID); err != nil {
		return false, fmt.Errorf("finalizing job row: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing finalize: %w", err)
	}
	return true, nil
}
