package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of run event.
type EventKind string

const (
	EventRunStart         EventKind = "run_start"
	EventRunEnd           EventKind = "run_end"
	EventRoundStart       EventKind = "round_start"
	EventRoundEnd         EventKind = "round_end"
	EventModelRouted      EventKind = "model_routed"
	EventTextDelta        EventKind = "text_delta"
	EventReasoningDelta   EventKind = "reasoning_delta"
	EventAssistantText    EventKind = "assistant_text"
	EventEmptyResponse    EventKind = "empty_response"
	EventToolExecuting    EventKind = "tool_executing"
	EventToolResult       EventKind = "tool_result"
	EventCacheHit         EventKind = "cache_hit"
	EventApprovalRequired EventKind = "approval_required"
	EventApprovalDecided  EventKind = "approval_decided"
	EventQuestion         EventKind = "question"
	EventEviction         EventKind = "eviction"
	EventCompaction       EventKind = "compaction"
	EventPhaseTransition  EventKind = "phase_transition"
	EventCheckpointSaved  EventKind = "checkpoint_saved"
	EventTokenUsage       EventKind = "token_usage"
	EventRetry            EventKind = "retry"
	EventSteeringInjected EventKind = "steering_injected"
	EventLoopDetection    EventKind = "loop_detection"
	EventSubAgentStart    EventKind = "sub_agent_start"
	EventSubAgentEnd      EventKind = "sub_agent_end"
	EventHookBlocked      EventKind = "hook_blocked"
	EventHookContinued    EventKind = "hook_continued"
	EventWarning          EventKind = "warning"
	EventError            EventKind = "error"
	// EventResync carries a Snapshot after events were dropped.
	EventResync EventKind = "resync"
)

// Event is a typed event emitted by the harness.
type Event struct {
	Kind      EventKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	TraceID   string                 `json:"trace_id"`
	Round     int                    `json:"round"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Snapshot is the observable state of a run, offered to observers that missed
// events.
type Snapshot struct {
	TraceID          string  `json:"trace_id"`
	State            State   `json:"state"`
	Phase            Phase   `json:"phase"`
	Round            int     `json:"round"`
	Model            string  `json:"model"`
	Text             string  `json:"text"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	ContextFraction  float64 `json:"context_fraction"`
}

// EventEmitter delivers events to the host application via a bounded
// channel. Emit never blocks: when the channel is full the event is dropped
// and, once there is room again, an EventResync carrying the current
// Snapshot is delivered ahead of the next event.
type EventEmitter struct {
	traceID  string
	ch       chan Event
	snapshot func() Snapshot
	closed   bool
	dropped  int
	mu       sync.Mutex
}

// NewEventEmitter creates an EventEmitter with a buffered channel.
func NewEventEmitter(traceID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		traceID: traceID,
		ch:      make(chan Event, bufferSize),
	}
}

func (e *EventEmitter) setTraceID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.traceID = id
}

// SetSnapshotFunc registers the source of resync snapshots.
func (e *EventEmitter) SetSnapshotFunc(fn func() Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshot = fn
}

// Snapshot returns the current run state, or a zero Snapshot when no source
// is registered.
func (e *EventEmitter) Snapshot() Snapshot {
	e.mu.Lock()
	fn, traceID := e.snapshot, e.traceID
	e.mu.Unlock()
	if fn == nil {
		return Snapshot{TraceID: traceID}
	}
	return fn()
}

// Emit sends an event. If the emitter is closed the event is silently
// dropped.
func (e *EventEmitter) Emit(kind EventKind, round int, data map[string]interface{}) {
	var snap *Snapshot
	e.mu.Lock()
	needsResync := e.dropped > 0 && e.snapshot != nil
	fn := e.snapshot
	e.mu.Unlock()
	if needsResync {
		s := fn()
		snap = &s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	now := time.Now()
	if snap != nil && e.dropped > 0 {
		resync := Event{
			Kind:      EventResync,
			Timestamp: now,
			TraceID:   e.traceID,
			Round:     snap.Round,
			Data:      map[string]interface{}{"snapshot": *snap, "dropped": e.dropped},
		}
		select {
		case e.ch <- resync:
			e.dropped = 0
		default:
			e.dropped++
			return
		}
	}
	event := Event{
		Kind:      kind,
		Timestamp: now,
		TraceID:   e.traceID,
		Round:     round,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
		// Channel full; drop event to avoid blocking the run.
		e.dropped++
	}
}

// Dropped returns how many events are waiting on a resync.
func (e *EventEmitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
