package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/martinemde/cinch/unifiedllm"
)

// DelegateSubAgentTool is the name of the sub-agent tool.
const DelegateSubAgentTool = "delegate_sub_agent"

// SubAgentType selects the tools and instructions of a sub-agent.
type SubAgentType string

const (
	// SubAgentExplore investigates with read-only tools.
	SubAgentExplore SubAgentType = "explore"
	// SubAgentWorker gets the full tool set.
	SubAgentWorker SubAgentType = "worker"
	// SubAgentPlanner studies the code read-only and returns a plan.
	SubAgentPlanner SubAgentType = "planner"
)

var thoroughnessRounds = map[string]int{
	"quick":    5,
	"medium":   10,
	"thorough": 20,
}

const (
	exploreSubAgentPrompt = `You are an exploration sub-agent. Investigate the task with the read-only tools available and report concise findings with file paths and line numbers. You cannot modify files.`
	plannerSubAgentPrompt = `You are a planning sub-agent. Study the relevant code with the read-only tools available and return a numbered implementation plan naming the files to change. You cannot modify files.`
	workerSubAgentPrompt  = `You are a worker sub-agent. Complete the delegated task with the tools available and finish with a short report of what you changed. Do not ask clarifying questions; make reasonable assumptions and state them.`
)

type delegateArgs struct {
	Name         string `json:"name,omitempty" jsonschema_description:"Short name for the sub-agent, shown in progress events and the result header."`
	Task         string `json:"task" jsonschema_description:"The self-contained task for the sub-agent."`
	AgentType    string `json:"agent_type,omitempty" jsonschema:"enum=explore,enum=worker,enum=planner" jsonschema_description:"explore: read-only investigation. planner: read-only, returns a plan. worker: full tools. Default: explore."`
	Thoroughness string `json:"thoroughness,omitempty" jsonschema:"enum=quick,enum=medium,enum=thorough" jsonschema_description:"Round budget for explore agents. Default: medium."`
	Context      string `json:"context,omitempty" jsonschema_description:"Background the sub-agent needs, such as findings so far."`
	Model        string `json:"model,omitempty" jsonschema_description:"Model override for the sub-agent."`
	MaxRounds    int    `json:"max_rounds,omitempty" jsonschema_description:"Round limit override."`
}

// delegateTool runs a nested Harness bound to its parent.
type delegateTool struct {
	parent *Harness
	def    unifiedllm.ToolDefinition
}

func newDelegateTool(parent *Harness) *delegateTool {
	return &delegateTool{
		parent: parent,
		def: unifiedllm.ToolDefinition{
			Name: DelegateSubAgentTool,
			Description: "Delegate a bounded sub-task to a nested agent that runs with its own context window. " +
				"Independent delegations in one response run in parallel. Returns the sub-agent's final answer.",
			Parameters: SchemaFor(new(delegateArgs)),
		},
	}
}

func (t *delegateTool) Definition() unifiedllm.ToolDefinition { return t.def }
func (t *delegateTool) Cacheable() bool                       { return false }

// Mutation is true because a worker may change the workspace.
func (t *delegateTool) Mutation() bool { return true }

func (t *delegateTool) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args delegateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", DelegateSubAgentTool, err)
	}
	if strings.TrimSpace(args.Task) == "" {
		return "", errors.New("task is required")
	}
	if args.AgentType == "" {
		args.AgentType = string(SubAgentExplore)
	}
	if args.Name == "" {
		args.Name = args.AgentType
	}
	return t.parent.delegate(ctx, args)
}

// delegate runs a sub-agent to completion. The budget slice is released on
// every path, returning what the child did not consume.
func (h *Harness) delegate(ctx context.Context, args delegateArgs) (string, error) {
	sub := h.cfg.SubAgents
	resources, err := h.shared.Child()
	if err != nil {
		return "", err
	}

	maxTokens := sub.MaxTokens
	if maxTokens <= 0 {
		maxTokens = h.cfg.MaxTokens
	}
	var grant *Grant
	if resources.Budget != nil {
		slice := sub.SliceTokens
		if slice <= 0 {
			slice = resources.Budget.Total()
		}
		grant, err = resources.Budget.Acquire(slice)
		if err != nil {
			return "", fmt.Errorf("spawn sub-agent %q: %w", args.Name, err)
		}
		maxTokens = min(maxTokens, grant.Tokens)
	}
	consumed := 0
	defer func() {
		if grant != nil {
			returned := grant.Release(consumed)
			h.logger.Debug("sub-agent budget released",
				zap.String("sub_agent", args.Name),
				zap.Int("granted", grant.Tokens),
				zap.Int("consumed", consumed),
				zap.Int("returned", returned),
			)
		}
	}()

	cfg := h.subAgentConfig(args, maxTokens)
	opts := []Option{
		WithEnvironment(h.env),
		WithLogger(h.logger.With(zap.String("sub_agent", args.Name), zap.Int("depth", resources.Depth))),
		WithSharedResources(resources),
		WithoutAskUser(),
	}
	if h.hooks != nil {
		// Children inherit the tool veto but stop on their own.
		opts = append(opts, WithHooks(HookFuncs{PreToolUseFunc: h.hooks.PreToolUse}))
	}
	child, err := NewHarness(h.client, h.base, cfg, opts...)
	if err != nil {
		return "", fmt.Errorf("create sub-agent %q: %w", args.Name, err)
	}
	child.approvals = h.approvals
	if grant != nil {
		child.tokenLimit = grant.Tokens
	}

	// Tools run detached from cancellation; tie the child to the parent run.
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if h.runCtx != nil {
		stop := context.AfterFunc(h.runCtx, cancel)
		defer stop()
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range child.Events() {
		}
	}()

	round := h.currentRound()
	start := map[string]interface{}{
		"name":       args.Name,
		"agent_type": args.AgentType,
		"trace_id":   child.TraceID(),
		"depth":      resources.Depth,
		"task":       args.Task,
	}
	if grant != nil {
		start["granted_tokens"] = grant.Tokens
	}
	h.emit(EventSubAgentStart, round, start)

	res, runErr := child.Run(cctx, args.Task)
	<-drained
	if res == nil {
		return "", fmt.Errorf("sub-agent %q: %w", args.Name, runErr)
	}
	consumed = res.Cost.TotalTokens()
	h.cost.Merge(res.Cost)

	end := map[string]interface{}{
		"name":     args.Name,
		"trace_id": res.TraceID,
		"outcome":  string(res.Outcome),
		"rounds":   res.Rounds,
		"tokens":   consumed,
	}
	if runErr != nil {
		end["error"] = runErr.Error()
	}
	h.emit(EventSubAgentEnd, round, end)

	if res.Outcome == OutcomeFailed || res.Outcome == OutcomeCancelled {
		return "", fmt.Errorf("sub-agent %q %s after %d rounds: %w", args.Name, res.Outcome, res.Rounds, runErr)
	}
	return formatSubAgentResult(args.Name, res, sub.MaxResultChars), nil
}

func (h *Harness) subAgentConfig(args delegateArgs, maxTokens int) HarnessConfig {
	cfg := h.cfg
	cfg.Model = args.Model
	if cfg.Model == "" {
		h.mu.Lock()
		cfg.Model = h.model
		h.mu.Unlock()
	}
	if cfg.Model != h.cfg.Model {
		cfg.ContextWindow = 0
	}
	cfg.Routing = unifiedllm.RoutingStrategy{}
	cfg.MaxTokens = maxTokens
	cfg.AbsoluteMaxRounds = 0
	cfg.Stream = false
	cfg.CheckpointEnabled = false
	cfg.SessionDir = ""
	cfg.Plan = PlanConfig{}
	cfg.Memory = MemoryConfig{}
	cfg.Hooks = HooksConfig{}

	cfg.MaxRounds = h.cfg.SubAgents.MaxRounds
	var prompt string
	switch SubAgentType(args.AgentType) {
	case SubAgentWorker:
		prompt = workerSubAgentPrompt
	case SubAgentPlanner:
		prompt = plannerSubAgentPrompt
		cfg.Plan.StayInPlanning = true
	default:
		prompt = exploreSubAgentPrompt
		cfg.Plan.StayInPlanning = true
		if n, ok := thoroughnessRounds[args.Thoroughness]; ok {
			cfg.MaxRounds = n
		} else {
			cfg.MaxRounds = thoroughnessRounds["medium"]
		}
	}
	if args.MaxRounds > 0 {
		cfg.MaxRounds = args.MaxRounds
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = h.cfg.MaxRounds
	}

	var contextBlock string
	if strings.TrimSpace(args.Context) != "" {
		contextBlock = "# Context from the parent agent\n\n" + args.Context
	}
	cfg.SystemPrompt = joinNonEmpty(prompt, contextBlock)
	return cfg
}

// formatSubAgentResult renders the single tool result reported to the parent.
func formatSubAgentResult(name string, res *Result, maxChars int) string {
	status := "completed"
	if res.Outcome == OutcomeRoundLimit {
		status = "hit round limit"
	}
	output := res.Text
	if output == "" {
		output = "(no output)"
	}
	if r := []rune(output); maxChars > 0 && len(r) > maxChars {
		output = string(r[:maxChars]) + "\n[output truncated]"
	}
	return fmt.Sprintf("[Sub-agent '%s' %s] (rounds: %d, tokens: %d)\n%s",
		name, status, res.Rounds, res.Cost.TotalTokens(), output)
}
