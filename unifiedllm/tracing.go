package unifiedllm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var traceCounter atomic.Uint64

// NewTraceID returns a run-unique correlation id of the form tr-{ns hex}-{counter}.
func NewTraceID() string {
	count := traceCounter.Add(1) - 1
	return fmt.Sprintf("tr-%x-%04x", time.Now().UnixNano(), count)
}

// SpanID derives the id of one round within a trace.
func SpanID(traceID string, round int) string {
	return fmt.Sprintf("%s:r%d", traceID, round)
}

// TraceContext carries correlation ids through a call tree.
type TraceContext struct {
	TraceID string
	SpanID  string
	Depth   int
}

type traceKey struct{}

// WithTrace returns a context carrying tc.
func WithTrace(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceKey{}, tc)
}

// TraceFromContext returns the TraceContext stored in ctx, if any.
func TraceFromContext(ctx context.Context) (TraceContext, bool) {
	tc, ok := ctx.Value(traceKey{}).(TraceContext)
	return tc, ok
}

// ModelPricing is the per-million token price of a model in USD.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing applies to models no rule matches.
var DefaultPricing = ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0}

// EstimateCost returns the USD cost of the given token counts.
func (p ModelPricing) EstimateCost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1_000_000*p.InputPerMillion +
		float64(completionTokens)/1_000_000*p.OutputPerMillion
}

// PricingForModel resolves pricing from the catalog, then from name patterns
// matched against the part of the id after the last "/".
func PricingForModel(model string) ModelPricing {
	if info := GetModelInfo(model); info != nil {
		return info.Pricing()
	}
	name := strings.ToLower(baseModelName(model))
	switch {
	case strings.Contains(name, "opus"):
		return ModelPricing{15.0, 75.0}
	case strings.Contains(name, "sonnet"):
		return ModelPricing{3.0, 15.0}
	case strings.Contains(name, "haiku"):
		return ModelPricing{0.25, 1.25}
	case strings.Contains(name, "4o-mini"):
		return ModelPricing{0.15, 0.60}
	case strings.Contains(name, "gpt-4"):
		return ModelPricing{2.50, 10.0}
	case strings.HasPrefix(name, "o1"), strings.HasPrefix(name, "o3"):
		return ModelPricing{15.0, 60.0}
	case strings.Contains(name, "gemini") && strings.Contains(name, "flash"):
		return ModelPricing{0.075, 0.30}
	case strings.Contains(name, "gemini"):
		return ModelPricing{1.25, 5.0}
	case strings.Contains(name, "deepseek"):
		return ModelPricing{0.27, 1.10}
	default:
		return DefaultPricing
	}
}

// CostSnapshot is a point-in-time copy of a CostTracker.
type CostSnapshot struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// TotalTokens returns prompt plus completion tokens.
func (s CostSnapshot) TotalTokens() int {
	return s.PromptTokens + s.CompletionTokens
}

// CostTracker accumulates token usage and estimated spend. Totals only grow.
// It is safe for concurrent use so sub-agents can report into a parent.
type CostTracker struct {
	mu    sync.Mutex
	total CostSnapshot
}

// NewCostTracker creates an empty CostTracker.
func NewCostTracker() *CostTracker {
	return &CostTracker{}
}

// Record adds one response's usage, priced with pricing.
func (t *CostTracker) Record(promptTokens, completionTokens int, pricing ModelPricing) {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total.PromptTokens += promptTokens
	t.total.CompletionTokens += completionTokens
	t.total.EstimatedCostUSD += pricing.EstimateCost(promptTokens, completionTokens)
}

// RecordUsage prices usage for model and records it.
func (t *CostTracker) RecordUsage(model string, usage Usage) {
	t.Record(usage.InputTokens, usage.OutputTokens, PricingForModel(model))
}

// Merge adds a child tracker's totals into t.
func (t *CostTracker) Merge(s CostSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total.PromptTokens += s.PromptTokens
	t.total.CompletionTokens += s.CompletionTokens
	t.total.EstimatedCostUSD += s.EstimatedCostUSD
}

// Snapshot returns the current totals.
func (t *CostTracker) Snapshot() CostSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Summary formats the totals for logs.
func (t *CostTracker) Summary() string {
	s := t.Snapshot()
	return fmt.Sprintf("tokens: %d prompt + %d completion = %d total, est. cost: $%.4f",
		s.PromptTokens, s.CompletionTokens, s.TotalTokens(), s.EstimatedCostUSD)
}
