package engine

import (
	"context"
	"time"
)

// retryController runs a processor call up to maxRetries+1 times,
// waiting an exponentially increasing backoff between attempts and
// emitting record:retried before each retry (spec §4.7).
type retryController struct {
	maxRetries   int
	retryDelayMs int
	bus          *EventBus
	jobID        string
}

func newRetryController(cfg Config, bus *EventBus, jobID string) *retryController {
	return &retryController{
		maxRetries:   cfg.MaxRetries,
		retryDelayMs: cfg.RetryDelayMs,
		bus:          bus,
		jobID:        jobID,
	}
}

// run invokes fn, retrying on error up to r.maxRetries additional times.
// It returns the last error (nil on eventual success) and the number of
// retries actually performed. A cancelled ctx aborts the wait between
// attempts immediately, surfacing ctx.Err().
func (r *retryController) run(ctx context.Context, fn func(attempt int) error) (err error, retries int) {
	attempt := 1
	for {
		err = fn(attempt)
		if err == nil {
			return nil, retries
		}
		if attempt > r.maxRetries {
			return err, retries
		}

		delay := retryBackoff(r.retryDelayMs, attempt)
		r.bus.Emit(Event{
			Type:      EventRecordRetried,
			JobID:     r.jobID,
			Timestamp: time.Now(),
			Payload: RecordRetriedPayload{
				Attempt:    attempt,
				MaxRetries: r.maxRetries,
				PriorError: err.Error(),
			},
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err(), retries
		}

		retries++
		attempt++
	}
}
