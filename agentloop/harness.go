package agentloop

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/martinemde/cinch/contextmgr"
	"github.com/martinemde/cinch/session"
	"github.com/martinemde/cinch/toolexec"
	"github.com/martinemde/cinch/unifiedllm"
)

// State represents the lifecycle state of a run.
type State string

const (
	StateIdle              State = "idle"
	StateRunning           State = "running"
	StateWaitingOnApproval State = "waiting_on_approval"
	StateFinished          State = "finished"
	StateRoundLimitReached State = "round_limit_reached"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
)

// Outcome is how a run ended. Every run ends with exactly one.
type Outcome string

const (
	OutcomeFinished   Outcome = "finished"
	OutcomeRoundLimit Outcome = "round_limit_reached"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeFailed     Outcome = "failed"
)

var (
	// ErrStopped is the cancellation cause recorded when Stop is called.
	ErrStopped = errors.New("run stopped")
	// ErrAlreadyStarted is returned by Run and Resume on a used Harness.
	ErrAlreadyStarted = errors.New("harness already started")

	errGrantExhausted = errors.New("sub-agent token grant exhausted")
)

const maxEmptyRetries = 3

var emptyRetryDelay = 500 * time.Millisecond

// Result describes a finished run.
type Result struct {
	TraceID string
	Outcome Outcome
	// Text is the last non-empty assistant text.
	Text       string
	TextOutput []string
	Rounds     int
	Phase      Phase
	Cost       unifiedllm.CostSnapshot
	// Err is set for failed and cancelled runs.
	Err error
}

// Option configures a Harness.
type Option func(*Harness)

// WithEnvironment sets the execution environment used for the system prompt
// and relative tool paths. The default is the process working directory.
func WithEnvironment(env ExecutionEnvironment) Option {
	return func(h *Harness) { h.env = env }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithStore sets where checkpoints are saved.
func WithStore(s session.Store) Option {
	return func(h *Harness) { h.store = s }
}

// WithSessionManager records a manifest for the run. The manager is also the
// checkpoint store unless WithStore is given.
func WithSessionManager(m *session.Manager) Option {
	return func(h *Harness) { h.sessions = m }
}

// WithSharedResources attaches the run to an existing budget tree.
func WithSharedResources(r *SharedResources) Option {
	return func(h *Harness) { h.shared = r }
}

// WithTraceID overrides the generated trace id.
func WithTraceID(id string) Option {
	return func(h *Harness) { h.traceID = id }
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(h *Harness) { h.eventBuffer = n }
}

// WithoutAskUser hides the ask_user tool from the model.
func WithoutAskUser() Option {
	return func(h *Harness) { h.askUser = false }
}

// Harness drives one run: it sends the conversation to the model, executes
// requested tools and feeds the results back until the model answers without
// tools, the round limit is hit, the run fails or it is cancelled.
//
// The conversation, cost and context state are owned by the goroutine inside
// Run. Other goroutines interact only through Events, Decide, Answer, Steer,
// Stop and Snapshot.
type Harness struct {
	client unifiedllm.Completer
	cfg    HarnessConfig
	// base is the caller's registry; registry adds harness-bound tools.
	base      *toolexec.Registry
	registry  *toolexec.Registry
	env       ExecutionEnvironment
	logger    *zap.Logger
	emitter   *EventEmitter
	approvals *ApprovalGate
	answers   *waiters[string]
	store     session.Store
	sessions  *session.Manager
	shared    *SharedResources
	routing   unifiedllm.RoutingStrategy
	cost      *unifiedllm.CostTracker
	ctxmgr    *contextmgr.Manager
	cache     *toolexec.Cache
	tracker   *toolexec.ReadTracker
	pipeline  *toolexec.Pipeline
	loops     *LoopDetector
	limit     *session.AdaptiveRoundLimit
	hooks     Hooks

	eventBuffer int
	askUser     bool
	createdAt   time.Time
	runCtx      context.Context
	// tokenLimit caps a sub-agent's usage, prompt and response included, at
	// its budget grant.
	tokenLimit int

	// Loop goroutine only.
	planningRounds int
	planSubmitted  string
	progress       bool

	mu              sync.Mutex
	traceID         string
	state           State
	phase           Phase
	completed       int
	model           string
	text            []string
	steering        []string
	contextFraction float64
	cancel          context.CancelCauseFunc
	stopRequested   bool
}

// NewHarness creates a Harness. reg holds the tools offered to the model; it
// is cloned, so later changes to reg do not affect the run.
func NewHarness(client unifiedllm.Completer, reg *toolexec.Registry, cfg HarnessConfig, opts ...Option) (*Harness, error) {
	if client == nil {
		return nil, errors.New("agentloop: client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = toolexec.NewRegistry()
	}

	h := &Harness{
		client:      client,
		cfg:         cfg,
		base:        reg,
		logger:      zap.NewNop(),
		answers:     newWaiters[string](),
		cost:        unifiedllm.NewCostTracker(),
		askUser:     true,
		eventBuffer: 256,
		state:       StateIdle,
		phase:       PhaseExecuting,
		model:       cfg.Model,
		createdAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.traceID == "" {
		h.traceID = unifiedllm.NewTraceID()
	}
	h.logger = h.logger.With(zap.String("trace_id", h.traceID))
	if h.env == nil {
		h.env = NewLocalExecutionEnvironment("")
	}
	if h.hooks == nil && !cfg.Hooks.Empty() {
		h.hooks = NewCommandHooks(cfg.Hooks, h.env, h.logger)
	}
	if h.store == nil && h.sessions != nil {
		h.store = h.sessions
	}
	if h.shared == nil {
		h.shared = NewSharedResources(cfg.SubAgents.TokenBudget, h.traceID, cfg.SubAgents.MaxDepth)
	}
	h.routing = cfg.RoutingStrategy()
	h.limit = session.NewAdaptiveRoundLimit(cfg.MaxRounds, cfg.AbsoluteMaxRounds)
	h.loops = NewLoopDetector(cfg.LoopDetection.Window)

	h.emitter = NewEventEmitter(h.traceID, h.eventBuffer)
	h.emitter.SetSnapshotFunc(h.Snapshot)
	if h.approvals == nil {
		h.approvals = NewApprovalGate(func(call unifiedllm.ToolCall) {
			h.emit(EventApprovalRequired, h.currentRound(), map[string]interface{}{
				"call_id":   call.ID,
				"tool":      call.Name,
				"arguments": string(call.Arguments),
			})
		})
	}

	window := cfg.ContextWindow
	if window == 0 {
		window = unifiedllm.ContextWindowFor(cfg.Model)
	}
	budget := contextmgr.NewBudget(
		contextmgr.WithMaxTokens(window),
		contextmgr.WithOutputReserve(cfg.MaxTokens),
		contextmgr.WithCharsPerToken(cfg.CharsPerToken),
	)
	h.ctxmgr = contextmgr.NewManager(cfg.Context, budget, contextmgr.WithLogger(h.logger))

	h.registry = reg.Clone()
	if cfg.SubAgents.Enabled && h.shared.CanSpawn() {
		if err := h.registry.Register(newDelegateTool(h)); err != nil {
			return nil, fmt.Errorf("register %s: %w", DelegateSubAgentTool, err)
		}
	}
	if cfg.Plan.StayInPlanning {
		h.registry = readOnlyRegistry(h.registry)
	}
	if cfg.Plan.Enabled || cfg.Plan.StayInPlanning {
		h.phase = PhasePlanning
	}

	h.cache = toolexec.NewCache(cfg.Cache.MaxEntries)
	h.tracker = toolexec.NewReadTracker()
	h.pipeline = h.newPipeline()
	return h, nil
}

// TraceID returns the run's trace id.
func (h *Harness) TraceID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.traceID
}

// State returns the current state.
func (h *Harness) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Events returns the event channel. It is closed when the run ends.
func (h *Harness) Events() <-chan Event {
	return h.emitter.Events()
}

// Cost returns the run's token and cost totals, including sub-agents.
func (h *Harness) Cost() unifiedllm.CostSnapshot {
	return h.cost.Snapshot()
}

// Decide resolves a pending approval request.
func (h *Harness) Decide(callID string, approved bool, reason string) error {
	return h.approvals.Decide(callID, approved, reason)
}

// PendingApprovals returns the call ids waiting on Decide.
func (h *Harness) PendingApprovals() []string {
	return h.approvals.Pending()
}

// Answer resolves a pending ask_user question.
func (h *Harness) Answer(callID, text string) error {
	return h.answers.resolve(callID, text)
}

// Steer queues a user message to be injected after the current tool round.
func (h *Harness) Steer(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steering = append(h.steering, message)
}

// Stop cancels the run. Tool calls already running finish; the run ends as
// cancelled at the next check.
func (h *Harness) Stop() {
	h.mu.Lock()
	h.stopRequested = true
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel(ErrStopped)
	}
}

// Snapshot returns the observable state of the run.
func (h *Harness) Snapshot() Snapshot {
	h.mu.Lock()
	snap := Snapshot{
		TraceID:         h.traceID,
		State:           h.state,
		Phase:           h.phase,
		Round:           h.completed,
		Model:           h.model,
		ContextFraction: h.contextFraction,
	}
	if n := len(h.text); n > 0 {
		snap.Text = h.text[n-1]
	}
	h.mu.Unlock()

	cost := h.cost.Snapshot()
	snap.PromptTokens = cost.PromptTokens
	snap.CompletionTokens = cost.CompletionTokens
	snap.EstimatedCostUSD = cost.EstimatedCostUSD
	return snap
}

// LatestCheckpoint loads the newest checkpoint saved under the harness's
// trace id.
func (h *Harness) LatestCheckpoint() (*session.Checkpoint, error) {
	if h.store == nil {
		return nil, errors.New("no checkpoint store configured")
	}
	return h.store.LoadLatest(h.TraceID())
}

// Run starts a run for prompt and blocks until it ends. The returned error
// is Result.Err: non-nil when the run failed or was cancelled.
func (h *Harness) Run(ctx context.Context, prompt string) (*Result, error) {
	if err := h.begin(); err != nil {
		return nil, err
	}
	extra := h.cfg.SystemPrompt
	if h.planningActive() {
		extra = joinNonEmpty(extra, h.planningPrompt())
	}
	h.ctxmgr.SetPrefix([]unifiedllm.Message{
		unifiedllm.SystemMessage(BuildSystemPrompt(h.env, h.cfg.Model, h.cfg.Memory, extra)),
		unifiedllm.UserMessage(prompt),
	})
	return h.drive(ctx)
}

// Resume continues a run from a checkpoint. The run keeps the checkpoint's
// trace id and gets MaxRounds more rounds.
func (h *Harness) Resume(ctx context.Context, cp *session.Checkpoint) (*Result, error) {
	if cp == nil {
		return nil, errors.New("resume: checkpoint is nil")
	}
	if err := h.begin(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.traceID = cp.TraceID
	h.completed = cp.Round
	h.text = slices.Clone(cp.TextOutput)
	if cp.Phase != "" {
		h.phase = Phase(cp.Phase)
	}
	h.mu.Unlock()
	h.emitter.setTraceID(cp.TraceID)
	if h.shared.Depth == 0 {
		h.shared.RootTraceID = cp.TraceID
	}
	h.logger = h.logger.With(zap.String("resumed_trace_id", cp.TraceID))

	h.ctxmgr.Restore(cp.Context)
	h.cost.Merge(cp.Cost)
	h.limit = session.NewAdaptiveRoundLimit(cp.Round+h.cfg.MaxRounds, cp.Round+max(h.cfg.AbsoluteMaxRounds, h.cfg.MaxRounds))
	h.pipeline = h.newPipeline()
	return h.drive(ctx)
}

func (h *Harness) begin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateIdle {
		return ErrAlreadyStarted
	}
	h.state = StateRunning
	return nil
}

func (h *Harness) drive(parent context.Context) (*Result, error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	h.mu.Lock()
	h.cancel = cancel
	if h.stopRequested {
		cancel(ErrStopped)
	}
	h.mu.Unlock()
	h.runCtx = ctx
	defer h.emitter.Close()

	h.logger.Info("run started",
		zap.String("model", h.cfg.Model),
		zap.Int("max_rounds", h.limit.Current),
		zap.Int("depth", h.shared.Depth),
	)
	h.emit(EventRunStart, h.roundsCompleted(), map[string]interface{}{
		"model":      h.cfg.Model,
		"max_rounds": h.limit.Current,
		"phase":      string(h.currentPhase()),
		"depth":      h.shared.Depth,
	})
	h.saveManifest(session.StatusRunning)
	h.drainSteering(h.roundsCompleted())

	res := h.loop(ctx)
	return res, res.Err
}

// loop is the round loop. Each iteration is one model request and the tool
// calls it asked for.
func (h *Harness) loop(ctx context.Context) *Result {
	for {
		// 1. Check cancellation.
		if ctx.Err() != nil {
			return h.finish(OutcomeCancelled, context.Cause(ctx))
		}

		// 2. Check the round limit and token budget; a run still making
		// progress may be extended.
		completed := h.roundsCompleted()
		if !h.limit.WithinLimit(completed) {
			next, ok := h.limit.RequestExtension(completed, h.progress)
			if !ok {
				return h.finish(OutcomeRoundLimit, nil)
			}
			h.progress = false
			h.logger.Info("round limit extended", zap.Int("limit", next))
			h.emit(EventWarning, completed, map[string]interface{}{
				"message": fmt.Sprintf("round limit extended to %d", next),
			})
		}
		if _, ok := h.outputAllowance(); !ok {
			return h.grantExhausted(completed)
		}
		round := completed + 1
		h.emit(EventRoundStart, round, map[string]interface{}{"phase": string(h.currentPhase())})

		// 3. Resolve the model for this round.
		model := h.routing.ModelForRound(round, round == h.limit.Current)
		h.setModel(model)
		if model != h.cfg.Model {
			h.emit(EventModelRouted, round, map[string]interface{}{
				"model":      model,
				"configured": h.cfg.Model,
			})
		}
		rctx := unifiedllm.WithTrace(ctx, h.shared.Trace(h.TraceID(), round))

		// 4. Evict and summarize when the context is near its limit.
		h.compact(rctx, round, model)

		// 5. Send the request, retrying transient failures.
		resp, err := h.send(rctx, round, model)
		if err != nil {
			if errors.Is(err, errGrantExhausted) {
				return h.grantExhausted(completed)
			}
			if ctx.Err() != nil {
				return h.finish(OutcomeCancelled, context.Cause(ctx))
			}
			return h.finish(OutcomeFailed, err)
		}

		// 6. Record the assistant message.
		text := resp.Text()
		calls := resp.ToolCallsFromResponse()
		toolexec.NormalizeCallIDs(calls)
		if text != "" {
			h.appendText(text)
			h.emit(EventAssistantText, round, map[string]interface{}{"text": text})
		}

		// 7. No tool calls: the model is done unless a stop hook asks for
		// more.
		if len(calls) == 0 {
			if text != "" {
				h.ctxmgr.Push(unifiedllm.AssistantMessage(text))
			}
			h.endRound(round)
			if h.continueAfterStop(rctx, round, text) {
				continue
			}
			return h.finish(OutcomeFinished, nil)
		}
		h.ctxmgr.Push(unifiedllm.AssistantToolCallsMessage(text, calls))

		// 8. Execute tool calls.
		if err := h.runTools(rctx, round, calls); err != nil {
			return h.finish(OutcomeCancelled, err)
		}

		// 9. Inject steering and check for loops.
		h.drainSteering(round)
		h.detectLoops(round, calls)

		// 10. Leave the planning phase when the plan is in.
		h.advancePhase(round)

		// 11. Age the cache and save a checkpoint.
		h.endRound(round)
	}
}

func (h *Harness) finish(outcome Outcome, err error) *Result {
	h.setState(stateFor(outcome))
	completed := h.roundsCompleted()
	cost := h.cost.Snapshot()

	fields := []zap.Field{
		zap.String("outcome", string(outcome)),
		zap.Int("rounds", completed),
		zap.String("cost", h.cost.Summary()),
	}
	data := map[string]interface{}{
		"outcome":           string(outcome),
		"rounds":            completed,
		"prompt_tokens":     cost.PromptTokens,
		"completion_tokens": cost.CompletionTokens,
		"cost_usd":          cost.EstimatedCostUSD,
	}
	if err != nil {
		data["error"] = err.Error()
		fields = append(fields, zap.Error(err))
	}
	if outcome == OutcomeFailed {
		h.logger.Error("run failed", fields...)
		h.emit(EventError, completed, map[string]interface{}{"error": err.Error()})
	} else {
		h.logger.Info("run finished", fields...)
	}
	h.emit(EventRunEnd, completed, data)
	h.saveManifest(statusFor(outcome))

	h.mu.Lock()
	defer h.mu.Unlock()
	res := &Result{
		TraceID:    h.traceID,
		Outcome:    outcome,
		TextOutput: slices.Clone(h.text),
		Rounds:     completed,
		Phase:      h.phase,
		Cost:       cost,
		Err:        err,
	}
	for i := len(h.text) - 1; i >= 0; i-- {
		if h.text[i] != "" {
			res.Text = h.text[i]
			break
		}
	}
	return res
}

func stateFor(o Outcome) State {
	switch o {
	case OutcomeFinished:
		return StateFinished
	case OutcomeRoundLimit:
		return StateRoundLimitReached
	case OutcomeCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}

func statusFor(o Outcome) session.Status {
	switch o {
	case OutcomeFailed:
		return session.StatusFailed
	case OutcomeCancelled:
		return session.StatusCancelled
	default:
		return session.StatusCompleted
	}
}

// send issues the round's request. A response with no text, no tool calls
// and no output tokens is requested again up to maxEmptyRetries times.
func (h *Harness) send(ctx context.Context, round int, model string) (*unifiedllm.Response, error) {
	logger := h.logger.With(zap.Int("round", round), zap.String("model", model))
	for attempt := 1; ; attempt++ {
		maxTokens, ok := h.outputAllowance()
		if !ok {
			return nil, errGrantExhausted
		}
		req := h.buildRequest(round, model, maxTokens)
		resp, err := unifiedllm.Retry(ctx, h.retryConfig(round), logger, func(ctx context.Context) (*unifiedllm.Response, error) {
			return h.complete(ctx, round, req)
		})
		if err != nil {
			return nil, err
		}
		h.recordUsage(round, model, resp.Usage)
		if !emptyResponse(resp) || attempt > maxEmptyRetries {
			return resp, nil
		}

		delay := emptyRetryDelay * time.Duration(attempt)
		logger.Warn("empty response, asking again", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		h.emit(EventEmptyResponse, round, map[string]interface{}{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		})
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func emptyResponse(resp *unifiedllm.Response) bool {
	return resp.Text() == "" && len(resp.ToolCallsFromResponse()) == 0 && resp.Usage.OutputTokens == 0
}

// complete sends one request. When streaming, deltas are published as they
// arrive; they never affect the collected response.
func (h *Harness) complete(ctx context.Context, round int, req unifiedllm.Request) (*unifiedllm.Response, error) {
	if !h.cfg.Stream {
		return h.client.Complete(ctx, req)
	}
	events, err := h.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return unifiedllm.CollectStream(ctx, events, func(ev unifiedllm.StreamEvent) {
		switch ev.Type {
		case unifiedllm.TextDelta:
			h.emit(EventTextDelta, round, map[string]interface{}{"delta": ev.Delta})
		case unifiedllm.ReasoningDelta:
			h.emit(EventReasoningDelta, round, map[string]interface{}{"delta": ev.ReasoningDelta})
		}
	})
}

// outputAllowance returns max_tokens for the next request. Under a token
// grant it is clamped to what the grant has left once the tokens already
// used and the estimated prompt are counted; ok is false when nothing is
// left for a response.
func (h *Harness) outputAllowance() (int, bool) {
	if h.tokenLimit <= 0 {
		return h.cfg.MaxTokens, true
	}
	left := h.tokenLimit - h.cost.Snapshot().TotalTokens() - h.ctxmgr.Usage().EstimatedTokens
	if left <= 0 {
		return 0, false
	}
	return min(h.cfg.MaxTokens, left), true
}

func (h *Harness) grantExhausted(completed int) *Result {
	used := h.cost.Snapshot().TotalTokens()
	prompt := h.ctxmgr.Usage().EstimatedTokens
	h.logger.Info("token budget exhausted",
		zap.Int("used", used),
		zap.Int("prompt_estimate", prompt),
		zap.Int("limit", h.tokenLimit),
	)
	h.emit(EventWarning, completed, map[string]interface{}{
		"message": fmt.Sprintf("token budget exhausted: %d used and ~%d needed for the next request, of %d tokens",
			used, prompt, h.tokenLimit),
	})
	return h.finish(OutcomeRoundLimit, nil)
}

func (h *Harness) buildRequest(round int, model string, maxTokens int) unifiedllm.Request {
	temperature := h.cfg.Temperature
	traceID := h.TraceID()
	return unifiedllm.Request{
		Model:           model,
		Messages:        h.ctxmgr.Outbound(),
		ToolDefs:        h.toolDefinitions(),
		Temperature:     &temperature,
		MaxTokens:       &maxTokens,
		ReasoningEffort: h.cfg.ReasoningEffort,
		Metadata: map[string]string{
			"trace_id": traceID,
			"span_id":  unifiedllm.SpanID(traceID, round),
		},
	}
}

func (h *Harness) toolDefinitions() []unifiedllm.ToolDefinition {
	defs := h.pipeline.Registry().Definitions()
	if h.planningActive() {
		defs = append(defs, submitPlanDefinition())
	}
	if h.askUser {
		defs = append(defs, askUserDefinition())
	}
	return defs
}

func (h *Harness) retryConfig(round int) unifiedllm.RetryConfig {
	rc := h.cfg.Retry
	next := rc.OnRetry
	rc.OnRetry = func(err error, attempt int, delay time.Duration) {
		h.emit(EventRetry, round, map[string]interface{}{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		if next != nil {
			next(err, attempt, delay)
		}
	}
	return rc
}

func (h *Harness) recordUsage(round int, model string, usage unifiedllm.Usage) {
	h.cost.RecordUsage(model, usage)
	total := h.cost.Snapshot()
	h.emit(EventTokenUsage, round, map[string]interface{}{
		"model":             model,
		"input_tokens":      usage.InputTokens,
		"output_tokens":     usage.OutputTokens,
		"prompt_tokens":     total.PromptTokens,
		"completion_tokens": total.CompletionTokens,
		"cost_usd":          total.EstimatedCostUSD,
	})
}

// summarize is the context manager's model call. Its usage counts toward
// the run's cost.
func (h *Harness) summarize(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	resp, err := unifiedllm.Retry(ctx, h.cfg.Retry, h.logger, func(ctx context.Context) (*unifiedllm.Response, error) {
		return h.client.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	h.cost.RecordUsage(req.Model, resp.Usage)
	return resp, nil
}

func (h *Harness) compact(ctx context.Context, round int, model string) {
	rep := h.ctxmgr.Compact(ctx, round, model, h.summarize)
	if rep.Eviction.Evicted > 0 {
		h.emit(EventEviction, round, map[string]interface{}{
			"evicted":     rep.Eviction.Evicted,
			"freed_bytes": rep.Eviction.FreedBytes,
			"freed":       humanize.Bytes(uint64(rep.Eviction.FreedBytes)),
		})
	}
	if rep.Summarized || rep.HardTruncated > 0 {
		h.emit(EventCompaction, round, map[string]interface{}{
			"before":         rep.Before.Fraction,
			"after":          rep.After.Fraction,
			"summarized":     rep.Summarized,
			"summary_model":  rep.SummaryModel,
			"hard_truncated": rep.HardTruncated,
		})
	}
	if rep.Err != nil {
		h.logger.Warn("compaction incomplete", zap.Int("round", round), zap.Error(rep.Err))
		h.emit(EventWarning, round, map[string]interface{}{
			"message": "context compaction failed",
			"error":   rep.Err.Error(),
		})
	}
	h.setContextFraction(rep.After.Fraction)
}

// toolReply is one tool result message waiting to be appended.
type toolReply struct {
	callID  string
	name    string
	args    string
	content string
	isError bool
}

// runTools resolves built-in calls and approvals, dispatches the rest through
// the pipeline and appends every result in call order. It returns an error
// only when the run was cancelled while waiting on the user.
func (h *Harness) runTools(ctx context.Context, round int, calls []unifiedllm.ToolCall) error {
	replies := make([]toolReply, len(calls))
	slots := make(map[string]int, len(calls))
	var dispatch []unifiedllm.ToolCall

	for i, call := range calls {
		replies[i] = toolReply{callID: call.ID, name: call.Name, args: string(call.Arguments)}
		if reason, blocked := h.blockedByHook(ctx, round, call); blocked {
			replies[i].content, replies[i].isError = reason, true
			h.emitInlineResult(round, replies[i])
			continue
		}
		switch {
		case call.Name == AskUserTool && h.askUser:
			content, isErr := askUser(ctx, h.answers, call, func(q Question) {
				h.emit(EventQuestion, round, map[string]interface{}{
					"call_id":  q.CallID,
					"question": q.Text,
					"choices":  q.Choices,
				})
			})
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			replies[i].content, replies[i].isError = content, isErr
			h.emitInlineResult(round, replies[i])

		case call.Name == SubmitPlanTool && h.planningActive():
			h.planSubmitted = planSummary(call)
			replies[i].content = "Plan recorded. All tools are available from the next round."
			h.emitInlineResult(round, replies[i])

		case h.cfg.RequiresApproval(call.Name):
			decision, err := h.awaitApproval(ctx, round, call)
			if err != nil {
				return err
			}
			if !decision.Approved {
				replies[i].content, replies[i].isError = denialMessage(call, decision.Reason), true
				h.emitInlineResult(round, replies[i])
				continue
			}
			slots[call.ID] = i
			dispatch = append(dispatch, call)

		default:
			slots[call.ID] = i
			dispatch = append(dispatch, call)
		}
	}

	if len(dispatch) > 0 {
		for _, r := range h.pipeline.Execute(ctx, round, dispatch) {
			i := slots[r.CallID]
			replies[i].args = r.Arguments
			replies[i].content = r.Content
			replies[i].isError = r.IsError
			if r.Mutation && !r.IsError {
				h.progress = true
			}
		}
	}

	for _, r := range replies {
		h.ctxmgr.Push(unifiedllm.ToolResultMessage(r.callID, r.content, r.isError))
		h.ctxmgr.RecordToolResult(contextmgr.ToolResultMeta{
			CallID:      r.callID,
			ToolName:    r.name,
			ArgsSummary: contextmgr.SummarizeArgs(r.args),
			Round:       round,
			Bytes:       len(r.content),
		})
	}
	return nil
}

// blockedByHook consults the PreToolUse hook and returns the error result
// for a blocked call.
func (h *Harness) blockedByHook(ctx context.Context, round int, call unifiedllm.ToolCall) (string, bool) {
	if h.hooks == nil {
		return "", false
	}
	err := h.hooks.PreToolUse(ctx, call)
	if err == nil {
		return "", false
	}
	h.logger.Info("tool call blocked by hook",
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
		zap.Error(err),
	)
	h.emit(EventHookBlocked, round, map[string]interface{}{
		"call_id": call.ID,
		"tool":    call.Name,
		"reason":  err.Error(),
	})
	return fmt.Sprintf("Tool call '%s' was blocked by a hook: %s", call.Name, err.Error()), true
}

// continueAfterStop consults the OnStop hook. A follow-up becomes the next
// user message; the round limit still bounds the run.
func (h *Harness) continueAfterStop(ctx context.Context, round int, text string) bool {
	if h.hooks == nil {
		return false
	}
	followUp := strings.TrimSpace(h.hooks.OnStop(ctx, text))
	if followUp == "" {
		return false
	}
	h.ctxmgr.Push(unifiedllm.UserMessage(followUp))
	h.logger.Info("stop hook continued the run", zap.Int("round", round))
	h.emit(EventHookContinued, round, map[string]interface{}{"message": followUp})
	return true
}

func (h *Harness) awaitApproval(ctx context.Context, round int, call unifiedllm.ToolCall) (Decision, error) {
	h.setState(StateWaitingOnApproval)
	decision, err := h.approvals.Request(ctx, call)
	if err != nil {
		return decision, context.Cause(ctx)
	}
	h.setState(StateRunning)
	h.logger.Info("approval decided",
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
		zap.Bool("approved", decision.Approved),
	)
	h.emit(EventApprovalDecided, round, map[string]interface{}{
		"call_id":  call.ID,
		"tool":     call.Name,
		"approved": decision.Approved,
		"reason":   decision.Reason,
	})
	return decision, nil
}

func (h *Harness) emitInlineResult(round int, r toolReply) {
	h.emit(EventToolResult, round, map[string]interface{}{
		"call_id":  r.callID,
		"tool":     r.name,
		"is_error": r.isError,
		"output":   r.content,
	})
}

// drainSteering injects all queued steering messages into the conversation.
func (h *Harness) drainSteering(round int) {
	h.mu.Lock()
	messages := h.steering
	h.steering = nil
	h.mu.Unlock()

	for _, msg := range messages {
		h.ctxmgr.Push(unifiedllm.UserMessage(msg))
		h.emit(EventSteeringInjected, round, map[string]interface{}{"content": msg})
	}
	if len(messages) > 0 {
		h.loops.Reset()
	}
}

func (h *Harness) detectLoops(round int, calls []unifiedllm.ToolCall) {
	if !h.cfg.LoopDetection.Enabled {
		return
	}
	h.loops.Observe(calls)
	if !h.loops.Detected() {
		return
	}
	warning := loopWarning(h.cfg.LoopDetection.Window)
	h.ctxmgr.Push(unifiedllm.UserMessage(warning))
	h.logger.Warn("tool call loop detected", zap.Int("round", round))
	h.emit(EventLoopDetection, round, map[string]interface{}{"message": warning})
	h.loops.Reset()
}

func (h *Harness) planningActive() bool {
	return h.currentPhase() == PhasePlanning && !h.cfg.Plan.StayInPlanning
}

func (h *Harness) planningPrompt() string {
	if h.cfg.Plan.PlanningPrompt != "" {
		return h.cfg.Plan.PlanningPrompt
	}
	return defaultPlanningPrompt
}

// advancePhase moves a planning run to execution once submit_plan was
// called or the planning rounds are used up.
func (h *Harness) advancePhase(round int) {
	if !h.planningActive() {
		return
	}
	h.planningRounds++

	var reason string
	switch {
	case h.planSubmitted != "":
		reason = "plan_submitted"
	case h.cfg.Plan.MaxPlanningRounds > 0 && h.planningRounds >= h.cfg.Plan.MaxPlanningRounds:
		reason = "planning_round_limit"
	default:
		return
	}

	h.mu.Lock()
	h.phase = PhaseExecuting
	h.mu.Unlock()
	h.pipeline = h.newPipeline()

	prompt := h.cfg.Plan.ExecutionPrompt
	if prompt == "" {
		prompt = defaultExecutionPrompt
	}
	if h.planSubmitted != "" {
		prompt = "Plan:\n" + h.planSubmitted + "\n\n" + prompt
	}
	h.ctxmgr.Push(unifiedllm.UserMessage(prompt))

	h.logger.Info("phase transition", zap.String("reason", reason), zap.Int("round", round))
	h.emit(EventPhaseTransition, round, map[string]interface{}{
		"from":   string(PhasePlanning),
		"to":     string(PhaseExecuting),
		"reason": reason,
		"plan":   h.planSubmitted,
	})
}

// newPipeline builds a pipeline over the current phase's tools. Pipelines
// of one run share the cache and read tracker.
func (h *Harness) newPipeline() *toolexec.Pipeline {
	reg := h.registry
	if h.planningActive() {
		reg = planningRegistry(h.registry, h.cfg.Plan.PlanningTools)
	}
	opts := []toolexec.PipelineOption{
		toolexec.WithCache(h.cache),
		toolexec.WithReadTracker(h.tracker),
		toolexec.WithLimits(h.cfg.ToolLimits),
		toolexec.WithWorkDir(h.env.WorkingDirectory()),
		toolexec.WithMaxParallel(h.cfg.MaxParallelTools),
		toolexec.WithObserver(toolEvents{h}),
		toolexec.WithPipelineLogger(h.logger),
	}
	if !h.cfg.Cache.Enabled {
		opts = append(opts, toolexec.WithoutCache())
	}
	return toolexec.NewPipeline(reg, opts...)
}

// endRound marks round complete, ages the cache and checkpoints.
func (h *Harness) endRound(round int) {
	h.mu.Lock()
	h.completed = round
	h.mu.Unlock()

	if h.cfg.Cache.Enabled && h.cfg.Cache.MaxAgeRounds > 0 {
		if n := h.cache.EvictOlderThan(round, h.cfg.Cache.MaxAgeRounds); n > 0 {
			h.logger.Debug("expired cache entries", zap.Int("round", round), zap.Int("entries", n))
		}
	}

	usage := h.ctxmgr.Usage()
	h.setContextFraction(usage.Fraction)
	h.checkpoint(round)
	h.emit(EventRoundEnd, round, map[string]interface{}{
		"context":  usage.ToLogString(),
		"fraction": usage.Fraction,
		"cache":    h.cache.Stats(),
	})
}

func (h *Harness) checkpoint(round int) {
	if !h.cfg.CheckpointEnabled || h.store == nil {
		return
	}
	h.mu.Lock()
	cp := &session.Checkpoint{
		TraceID:    h.traceID,
		Round:      round,
		Model:      h.model,
		Phase:      string(h.phase),
		TextOutput: slices.Clone(h.text),
		CreatedAt:  time.Now().UTC(),
	}
	h.mu.Unlock()
	cp.Context = h.ctxmgr.State()
	cp.Cost = h.cost.Snapshot()

	handle, err := h.store.Save(cp)
	if err != nil {
		h.logger.Warn("checkpoint failed", zap.Int("round", round), zap.Error(err))
		h.emit(EventWarning, round, map[string]interface{}{
			"message": "checkpoint failed",
			"error":   err.Error(),
		})
		return
	}
	h.emit(EventCheckpointSaved, round, map[string]interface{}{"handle": handle})
	h.saveManifest(session.StatusRunning)
}

func (h *Harness) saveManifest(status session.Status) {
	if h.sessions == nil {
		return
	}
	cost := h.cost.Snapshot()
	man := &session.Manifest{
		TraceID:          h.TraceID(),
		Model:            h.cfg.Model,
		Status:           status,
		CreatedAt:        h.createdAt,
		LastRound:        h.roundsCompleted(),
		PromptTokens:     cost.PromptTokens,
		CompletionTokens: cost.CompletionTokens,
		EstimatedCostUSD: cost.EstimatedCostUSD,
		Preview:          session.MessagePreview(h.ctxmgr.Layout().Prefix()),
	}
	man.Title = man.Preview
	if r := []rune(man.Title); len(r) > 60 {
		man.Title = string(r[:60])
	}
	if err := h.sessions.SaveManifest(man); err != nil {
		h.logger.Warn("manifest save failed", zap.Error(err))
	}
}

func (h *Harness) emit(kind EventKind, round int, data map[string]interface{}) {
	h.emitter.Emit(kind, round, data)
}

func (h *Harness) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

func (h *Harness) setModel(model string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.model = model
}

func (h *Harness) setContextFraction(f float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contextFraction = f
}

func (h *Harness) appendText(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.text = append(h.text, text)
}

func (h *Harness) currentPhase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

func (h *Harness) roundsCompleted() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

func (h *Harness) currentRound() int {
	return h.roundsCompleted() + 1
}

// toolEvents publishes pipeline progress as events.
type toolEvents struct{ h *Harness }

func (o toolEvents) ToolStarted(call unifiedllm.ToolCall) {
	o.h.emit(EventToolExecuting, o.h.currentRound(), map[string]interface{}{
		"call_id":   call.ID,
		"tool":      call.Name,
		"arguments": string(call.Arguments),
	})
}

func (o toolEvents) ToolFinished(r toolexec.Result) {
	round := o.h.currentRound()
	if r.CacheHit {
		o.h.emit(EventCacheHit, round, map[string]interface{}{
			"call_id": r.CallID,
			"tool":    r.Name,
		})
	}
	o.h.emit(EventToolResult, round, map[string]interface{}{
		"call_id":     r.CallID,
		"tool":        r.Name,
		"is_error":    r.IsError,
		"cache_hit":   r.CacheHit,
		"duration_ms": r.Duration.Milliseconds(),
		"output":      r.Content,
	})
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
