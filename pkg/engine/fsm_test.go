package engine

import "testing"

func TestValidateJobTransition(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		wantErr  bool
	}{
		{JobCreated, JobPreviewing, false},
		{JobCreated, JobProcessing, false},
		{JobCreated, JobCompleted, true},
		{JobPreviewing, JobPreviewed, false},
		{JobPreviewing, JobProcessing, true},
		{JobPreviewed, JobProcessing, false},
		{JobProcessing, JobPaused, false},
		{JobProcessing, JobCompleted, false},
		{JobProcessing, JobAborted, false},
		{JobProcessing, JobFailed, false},
		{JobProcessing, JobPreviewing, true},
		{JobPaused, JobProcessing, false},
		{JobPaused, JobAborted, false},
		{JobPaused, JobCompleted, true},
		{JobCompleted, JobProcessing, true},
		{JobAborted, JobProcessing, true},
		{JobFailed, JobProcessing, true},
	}
	for _, c := range cases {
		err := validateJobTransition(c.from, c.to)
		if c.wantErr && err == nil {
			t.Errorf("validateJobTransition(%s, %s): expected error, got nil", c.from, c.to)
		}
		if !c.wantErr && err != nil {
			t.Errorf("validateJobTransition(%s, %s): unexpected error %v", c.from, c.to, err)
		}
	}
}

func TestValidateJobTransitionErrorShape(t *testing.T) {
	err := validateJobTransition(JobCompleted, JobProcessing)
	if err == nil {
		t.Fatal("expected error")
	}
	te, ok := err.(*TransitionError)
	if !ok {
		t.Fatalf("expected *TransitionError, got %T", err)
	}
	if te.Entity != "job" || te.From != string(JobCompleted) || te.To != string(JobProcessing) {
		t.Errorf("unexpected TransitionError fields: %+v", te)
	}
}

func TestIsTerminalJobStatus(t *testing.T) {
	terminal := []JobStatus{JobCompleted, JobAborted, JobFailed}
	for _, s := range terminal {
		if !isTerminalJobStatus(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []JobStatus{JobCreated, JobPreviewing, JobPreviewed, JobProcessing, JobPaused}
	for _, s := range nonTerminal {
		if isTerminalJobStatus(s) {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestValidateBatchTransition(t *testing.T) {
	cases := []struct {
		from, to BatchStatus
		wantErr  bool
	}{
		{BatchPending, BatchProcessing, false},
		{BatchPending, BatchCompleted, true},
		{BatchProcessing, BatchPaused, false},
		{BatchProcessing, BatchCompleted, false},
		{BatchProcessing, BatchFailed, false},
		{BatchPaused, BatchProcessing, false},
		{BatchPaused, BatchFailed, false},
		{BatchPaused, BatchCompleted, true},
		{BatchCompleted, BatchProcessing, true},
		{BatchFailed, BatchProcessing, true},
	}
	for _, c := range cases {
		err := validateBatchTransition(c.from, c.to)
		if c.wantErr && err == nil {
			t.Errorf("validateBatchTransition(%s, %s): expected error, got nil", c.from, c.to)
		}
		if !c.wantErr && err != nil {
			t.Errorf("validateBatchTransition(%s, %s): unexpected error %v", c.from, c.to, err)
		}
	}
}
