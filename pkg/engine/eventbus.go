package engine

import (
	"reflect"
	"sync"
	"time"
)

// EventType names one kind of lifecycle event (spec §4.4).
type EventType string

const (
	EventJobStarted         EventType = "job:started"
	EventJobCompleted       EventType = "job:completed"
	EventJobPaused          EventType = "job:paused"
	EventJobAborted         EventType = "job:aborted"
	EventJobFailed          EventType = "job:failed"
	EventJobProgress        EventType = "job:progress"
	EventBatchStarted       EventType = "batch:started"
	EventBatchCompleted     EventType = "batch:completed"
	EventBatchFailed        EventType = "batch:failed"
	EventRecordProcessed    EventType = "record:processed"
	EventRecordFailed       EventType = "record:failed"
	EventRecordRetried      EventType = "record:retried"
	EventChunkCompleted     EventType = "chunk:completed"
	EventBatchClaimed       EventType = "batch:claimed"
	EventDistributedPrepare EventType = "distributed:prepared"
)

// Event is one occurrence on the bus. Payload holds a type-specific struct
// value (e.g. JobCompletedPayload); callers switch on Type to know which.
type Event struct {
	Type      EventType
	JobID     string
	Timestamp time.Time
	Payload   interface{}
}

type JobFailedPayload struct{ Error string }
type ProgressPayload struct{ Progress Progress }
type JobCompletedPayload struct{ Summary Summary }
type BatchStartedPayload struct {
	BatchID     string
	BatchIndex  int
	RecordCount int
}
type BatchCompletedPayload struct {
	BatchID        string
	BatchIndex     int
	ProcessedCount int
	FailedCount    int
	TotalCount     int
}
type BatchFailedPayload struct{ Error string }
type RecordProcessedPayload struct {
	BatchID     string
	RecordIndex int
}
type RecordFailedPayload struct {
	Error  string
	Record Record
}
type RecordRetriedPayload struct {
	Attempt    int
	MaxRetries int
	PriorError string
}
type ChunkCompletedPayload struct {
	ProcessedRecords int
	FailedRecords    int
	Done             bool
}
type BatchClaimedPayload struct {
	WorkerID   string
	BatchID    string
	BatchIndex int
}
type DistributedPreparedPayload struct {
	TotalRecords int
	TotalBatches int
}

// Handler receives one Event. A panicking handler is recovered by the
// bus and never prevents other handlers from running (spec §4.4 I6).
type Handler func(Event)

// EventBus fans out events to per-type and wildcard subscribers, in
// insertion order, isolating handler panics from the emitter and from
// each other.
type EventBus struct {
	mu       sync.Mutex
	handlers map[EventType][]Handler
	wildcard []Handler
}

// NewEventBus builds an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventType][]Handler)}
}

// On registers handler for events of the given type.
func (b *EventBus) On(t EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], handler)
}

// OnAny registers handler for every event type.
func (b *EventBus) OnAny(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, handler)
}

// Off is a no-op if handler was never registered for t; otherwise it is
// unregistered. Handlers are matched by their function code pointer via
// reflect (see handlerIdentity).
func (b *EventBus) Off(t EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = removeHandler(b.handlers[t], handler)
}

// OffAny removes handler from the wildcard set; a no-op if absent.
func (b *EventBus) OffAny(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = removeHandler(b.wildcard, handler)
}

func removeHandler(list []Handler, target Handler) []Handler {
	targetPtr := handlerIdentity(target)
	out := list[:0:0]
	for _, h := range list {
		if handlerIdentity(h) == targetPtr {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Emit delivers event to all type-matched handlers (in registration
// order), then to all wildcard handlers. Handler snapshot happens under
// the lock so concurrent On/Off calls never race a single delivery, but
// handler invocation itself happens unlocked so a handler may safely call
// back into the bus.
func (b *EventBus) Emit(event Event) {
	b.mu.Lock()
	typed := append([]Handler(nil), b.handlers[event.Type]...)
	wildcard := append([]Handler(nil), b.wildcard...)
	b.mu.Unlock()

	for _, h := range typed {
		invokeHandler(h, event)
	}
	for _, h := range wildcard {
		invokeHandler(h, event)
	}
}

// handlerIdentity returns the code pointer backing handler, used to match
// On/Off pairs. Closures created from the same function literal share one
// code pointer, so Off removes every registered closure of that literal,
// not just the value passed.
func handlerIdentity(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

func invokeHandler(h Handler, event Event) {
	defer func() {
		_ = recover()
	}()
	h(event)
}
