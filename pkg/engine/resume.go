package engine

import (
	"context"
	"fmt"
)

// restoreJobState rebuilds a JobContext from a StateStore's persisted
// JobState, seeding completedBatchIndices from batches already COMPLETED
// so the next start skips them while its stream cursor still advances
// past their records to keep index alignment (spec §4.9). It reports
// ok=false, with no error, when jobID has no saved state.
func restoreJobState(ctx context.Context, jobID string, cfg Config, bus *EventBus) (jc *JobContext, ok bool, err error) {
	store := cfg.StateStore
	if store == nil {
		return nil, false, fmt.Errorf("restoring job %s: config has no StateStore", jobID)
	}
	state, found, err := store.GetJobState(ctx, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("restoring job %s: %w", jobID, err)
	}
	if !found {
		return nil, false, nil
	}

	jc, err = NewJobContext(jobID, cfg, bus)
	if err != nil {
		return nil, false, err
	}
	jc.restoreFrom(state)

	completed := make([]int, 0, len(state.Batches))
	for _, b := range state.Batches {
		if b.Status == BatchCompleted {
			completed = append(completed, b.Index)
		}
	}
	jc.SeedCompletedBatchIndices(completed)

	return jc, true, nil
}

// ResumeStartOptions derives the runOptions a restored job should continue
// with. The caller reattaches the job's original source in full, so the
// splitter must relabel batches starting from 0 exactly as the first run
// did; streamAndDispatch's IsBatchCompleted check then skips every batch
// already recorded as COMPLETED, and only the tail past the last
// persisted batch ever reaches the processor (spec §4.9, §8 scenario 6).
func ResumeStartOptions(jc *JobContext, source DataSource, parser SourceParser, processor Processor) runOptions {
	return runOptions{
		source:          source,
		parser:          parser,
		processor:       processor,
		startBatchIndex: 0,
	}
}
