package engine

// jobTransitions is the allowed-next-states table for JobStatus (spec §4.1).
// Anything not listed here fails with a TransitionError.
var jobTransitions = map[JobStatus]map[JobStatus]bool{
	JobCreated:    {JobPreviewing: true, JobProcessing: true},
	JobPreviewing: {JobPreviewed: true, JobFailed: true},
	JobPreviewed:  {JobProcessing: true},
	JobProcessing: {JobPaused: true, JobCompleted: true, JobAborted: true, JobFailed: true},
	JobPaused:     {JobProcessing: true, JobAborted: true},
	JobCompleted:  {},
	JobAborted:    {},
	JobFailed:     {},
}

// validateJobTransition reports whether from -> to is an allowed job
// transition.
func validateJobTransition(from, to JobStatus) error {
	if jobTransitions[from][to] {
		return nil
	}
	return &TransitionError{Entity: "job", From: string(from), To: string(to)}
}

// isTerminalJobStatus reports whether status has no further transitions.
func isTerminalJobStatus(status JobStatus) bool {
	return status == JobCompleted || status == JobAborted || status == JobFailed
}

// batchTransitions mirrors the job table for Batch.Status. The spec does
// not enumerate batch transitions as exhaustively as job transitions, but
// the pipeline only ever drives a batch PENDING -> PROCESSING -> {PAUSED,
// COMPLETED, FAILED}, with PAUSED resuming back to PROCESSING.
var batchTransitions = map[BatchStatus]map[BatchStatus]bool{
	BatchPending:    {BatchProcessing: true},
	BatchProcessing: {BatchPaused: true, BatchCompleted: true, BatchFailed: true},
	BatchPaused:     {BatchProcessing: true, BatchFailed: true},
	BatchCompleted:  {},
	BatchFailed:     {},
}

func validateBatchTransition(from, to BatchStatus) error {
	if batchTransitions[from][to] {
		return nil
	}
	return &TransitionError{Entity: "batch", From: string(from), To: string(to)}
}
