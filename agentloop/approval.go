package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/martinemde/cinch/unifiedllm"
)

// ErrNotPending is returned when a decision or answer names a call id that
// is not waiting.
var ErrNotPending = errors.New("no pending request for call id")

// waiters hands one value to the goroutine blocked on a key.
type waiters[T any] struct {
	mu      sync.Mutex
	pending map[string]chan T
}

func newWaiters[T any]() *waiters[T] {
	return &waiters[T]{pending: make(map[string]chan T)}
}

func (w *waiters[T]) register(key string) chan T {
	ch := make(chan T, 1)
	w.mu.Lock()
	w.pending[key] = ch
	w.mu.Unlock()
	return ch
}

func (w *waiters[T]) resolve(key string, v T) error {
	w.mu.Lock()
	ch, ok := w.pending[key]
	delete(w.pending, key)
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrNotPending, key)
	}
	ch <- v
	return nil
}

func (w *waiters[T]) cancel(key string) {
	w.mu.Lock()
	delete(w.pending, key)
	w.mu.Unlock()
}

func (w *waiters[T]) keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.pending))
	for k := range w.pending {
		out = append(out, k)
	}
	return out
}

// Decision is the outcome of an approval request.
type Decision struct {
	CallID   string `json:"call_id"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// ApprovalGate pauses gated tool calls until an external decision keyed by
// call id arrives.
type ApprovalGate struct {
	w      *waiters[Decision]
	notify func(unifiedllm.ToolCall)
}

// NewApprovalGate creates a gate. notify is called once the request is
// registered, so a decision made from inside notify is not lost.
func NewApprovalGate(notify func(unifiedllm.ToolCall)) *ApprovalGate {
	return &ApprovalGate{w: newWaiters[Decision](), notify: notify}
}

// Request blocks until Decide is called for call.ID or ctx is done.
func (g *ApprovalGate) Request(ctx context.Context, call unifiedllm.ToolCall) (Decision, error) {
	ch := g.w.register(call.ID)
	if g.notify != nil {
		g.notify(call)
	}
	select {
	case d := <-ch:
		d.CallID = call.ID
		return d, nil
	case <-ctx.Done():
		g.w.cancel(call.ID)
		return Decision{CallID: call.ID}, ctx.Err()
	}
}

// Decide resolves a pending request.
func (g *ApprovalGate) Decide(callID string, approved bool, reason string) error {
	return g.w.resolve(callID, Decision{CallID: callID, Approved: approved, Reason: reason})
}

// Pending returns the call ids waiting on a decision.
func (g *ApprovalGate) Pending() []string { return g.w.keys() }

func denialMessage(call unifiedllm.ToolCall, reason string) string {
	if reason == "" {
		return fmt.Sprintf("Tool call %s was denied by the user. Do not retry it; choose another approach or finish.", call.Name)
	}
	return fmt.Sprintf("Tool call %s was denied by the user: %s. Do not retry it; choose another approach or finish.", call.Name, reason)
}
