package agentloop

import (
	"errors"
	"fmt"
	"sync"

	"github.com/martinemde/cinch/unifiedllm"
)

// DefaultMaxDepth is how deep sub-agents may nest below the root run.
const DefaultMaxDepth = 3

var (
	// ErrBudgetExhausted is returned when the tree-wide token budget has
	// nothing left to grant.
	ErrBudgetExhausted = errors.New("token budget exhausted")
	// ErrMaxDepth is returned when a run at the depth limit tries to spawn.
	ErrMaxDepth = errors.New("maximum sub-agent depth reached")
)

// TokenBudgetSemaphore is the tree-wide remaining-token counter shared by a
// run and its sub-agents. The sum of outstanding grants never exceeds the
// total.
type TokenBudgetSemaphore struct {
	mu          sync.Mutex
	total       int
	remaining   int
	outstanding int
}

// NewTokenBudgetSemaphore creates a semaphore holding total tokens.
func NewTokenBudgetSemaphore(total int) *TokenBudgetSemaphore {
	if total < 0 {
		total = 0
	}
	return &TokenBudgetSemaphore{total: total, remaining: total}
}

// Grant is a slice of the budget checked out by one sub-agent.
type Grant struct {
	Tokens int

	sem  *TokenBudgetSemaphore
	once sync.Once
}

// Acquire checks out up to requested tokens. Partial grants are allowed; a
// request that would be granted nothing fails with ErrBudgetExhausted.
func (s *TokenBudgetSemaphore) Acquire(requested int) (*Grant, error) {
	if requested <= 0 {
		return nil, fmt.Errorf("acquire %d tokens: request must be positive", requested)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	granted := min(requested, s.remaining)
	if granted <= 0 {
		return nil, ErrBudgetExhausted
	}
	s.remaining -= granted
	s.outstanding += granted
	return &Grant{Tokens: granted, sem: s}, nil
}

// Release returns the unconsumed part of the grant to the pool and reports
// how much was returned. Consumption beyond the grant returns nothing. Only
// the first call has an effect.
func (g *Grant) Release(consumed int) int {
	returned := 0
	g.once.Do(func() {
		consumed = max(consumed, 0)
		returned = max(g.Tokens-consumed, 0)
		g.sem.mu.Lock()
		defer g.sem.mu.Unlock()
		g.sem.outstanding -= g.Tokens
		g.sem.remaining += returned
	})
	return returned
}

// Remaining is the budget still available to grant.
func (s *TokenBudgetSemaphore) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// Outstanding is the sum of grants not yet released.
func (s *TokenBudgetSemaphore) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// Total is the budget the semaphore was created with.
func (s *TokenBudgetSemaphore) Total() int { return s.total }

// UsageFraction is the consumed share of the total.
func (s *TokenBudgetSemaphore) UsageFraction() float64 {
	if s.total == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.total-s.remaining-s.outstanding) / float64(s.total)
}

// SharedResources are passed from a run to its sub-agents.
type SharedResources struct {
	// Budget is nil when the run has no token budget.
	Budget      *TokenBudgetSemaphore
	RootTraceID string
	Depth       int
	MaxDepth    int
}

// NewSharedResources creates root resources. A zero budget disables the
// budget check.
func NewSharedResources(totalBudget int, rootTraceID string, maxDepth int) *SharedResources {
	var budget *TokenBudgetSemaphore
	if totalBudget > 0 {
		budget = NewTokenBudgetSemaphore(totalBudget)
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &SharedResources{
		Budget:      budget,
		RootTraceID: rootTraceID,
		MaxDepth:    maxDepth,
	}
}

// CanSpawn reports whether the depth limit allows another level.
func (r *SharedResources) CanSpawn() bool {
	return r.Depth < r.MaxDepth
}

// Child returns resources one level deeper sharing the same budget.
func (r *SharedResources) Child() (*SharedResources, error) {
	if !r.CanSpawn() {
		return nil, fmt.Errorf("%w (%d)", ErrMaxDepth, r.MaxDepth)
	}
	return &SharedResources{
		Budget:      r.Budget,
		RootTraceID: r.RootTraceID,
		Depth:       r.Depth + 1,
		MaxDepth:    r.MaxDepth,
	}, nil
}

// Trace returns the trace context of a run at this depth.
func (r *SharedResources) Trace(traceID string, round int) unifiedllm.TraceContext {
	return unifiedllm.TraceContext{TraceID: traceID, SpanID: unifiedllm.SpanID(traceID, round), Depth: r.Depth}
}
