package agentloop

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/cinch/toolexec"
	"github.com/martinemde/cinch/unifiedllm"
)

func workspaceRegistry() *toolexec.Registry {
	reg := toolexec.NewRegistry()
	reg.MustRegister(
		&toolexec.FuncTool{
			Def:         unifiedllm.ToolDefinition{Name: "lookup"},
			IsCacheable: true,
			Fn:          func(context.Context, json.RawMessage) (string, error) { return "found", nil },
		},
		&toolexec.FuncTool{
			Def:        unifiedllm.ToolDefinition{Name: "write_note"},
			IsMutation: true,
			Fn:         func(context.Context, json.RawMessage) (string, error) { return "noted", nil },
		},
	)
	return reg
}

func toolResultIsError(t *testing.T, req unifiedllm.Request, callID string) bool {
	t.Helper()
	for _, m := range req.Messages {
		if m.Role == unifiedllm.RoleTool && m.ToolCallID == callID {
			require.NotEmpty(t, m.Content)
			require.NotNil(t, m.Content[0].ToolResult)
			return m.Content[0].ToolResult.IsError
		}
	}
	t.Fatalf("no tool result for %s", callID)
	return false
}

func TestDelegateExploreSubAgent(t *testing.T) {
	client := newScriptedClient(
		reply(toolResponse("", toolCall("d1", DelegateSubAgentTool,
			`{"name":"scout","task":"find the config loader","agent_type":"explore","thoroughness":"quick"}`))),
		reply(textResponse("config is loaded in config.go")),
		reply(textResponse("done")),
	)
	h := newTestHarness(t, client, workspaceRegistry(), testConfig())
	wait := collectEvents(h)

	res, err := h.Run(context.Background(), "where is the config loaded?")
	require.NoError(t, err)
	evs := wait()

	assert.Equal(t, OutcomeFinished, res.Outcome)
	assert.Equal(t, 45, res.Cost.TotalTokens())

	reqs := client.Requests()
	require.Len(t, reqs, 3)
	assert.Contains(t, toolNames(reqs[0].ToolDefs), DelegateSubAgentTool)

	child := reqs[1]
	assert.Contains(t, child.Messages[0].TextContent(), exploreSubAgentPrompt)
	assert.Equal(t, "find the config loader", child.Messages[1].TextContent())
	assert.Equal(t, []string{"lookup"}, toolNames(child.ToolDefs))
	assert.NotEqual(t, h.TraceID(), child.Metadata["trace_id"])

	assert.Equal(t,
		"[Sub-agent 'scout' completed] (rounds: 1, tokens: 15)\nconfig is loaded in config.go",
		toolResultFor(t, reqs[2], "d1"))

	budget := h.shared.Budget
	require.NotNil(t, budget)
	assert.Equal(t, 0, budget.Outstanding())
	assert.Equal(t, budget.Total()-15, budget.Remaining())

	starts := eventsOf(evs, EventSubAgentStart)
	ends := eventsOf(evs, EventSubAgentEnd)
	require.Len(t, starts, 1)
	require.Len(t, ends, 1)
	assert.Equal(t, "scout", starts[0].Data["name"])
	assert.Equal(t, 1, starts[0].Data["depth"])
	assert.Equal(t, "finished", ends[0].Data["outcome"])
	assert.Equal(t, 15, ends[0].Data["tokens"])
}

func TestDelegateWorkerGetsWriteTools(t *testing.T) {
	client := newScriptedClient(
		reply(toolResponse("", toolCall("d1", DelegateSubAgentTool, `{"task":"write the note","agent_type":"worker"}`))),
		reply(textResponse("wrote it")),
		reply(textResponse("done")),
	)
	h := newTestHarness(t, client, workspaceRegistry(), testConfig())

	_, err := h.Run(context.Background(), "take notes")
	require.NoError(t, err)

	reqs := client.Requests()
	require.Len(t, reqs, 3)
	childTools := toolNames(reqs[1].ToolDefs)
	assert.Contains(t, childTools, "write_note")
	assert.Contains(t, childTools, DelegateSubAgentTool)
	assert.NotContains(t, childTools, AskUserTool)
	assert.True(t, strings.HasPrefix(toolResultFor(t, reqs[2], "d1"), "[Sub-agent 'worker' completed]"))
}

func TestDelegateFailsWhenBudgetExhausted(t *testing.T) {
	shared := NewSharedResources(1000, "root", DefaultMaxDepth)
	held, err := shared.Budget.Acquire(1000)
	require.NoError(t, err)
	defer held.Release(0)

	client := newScriptedClient(
		reply(toolResponse("", toolCall("d1", DelegateSubAgentTool, `{"task":"look around"}`))),
		reply(textResponse("carrying on alone")),
	)
	h := newTestHarness(t, client, workspaceRegistry(), testConfig(), WithSharedResources(shared))

	res, err := h.Run(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, res.Outcome)

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	assert.True(t, toolResultIsError(t, reqs[1], "d1"))
	assert.Contains(t, toolResultFor(t, reqs[1], "d1"), ErrBudgetExhausted.Error())
}

func TestDelegateUnavailableAtMaxDepth(t *testing.T) {
	shared := &SharedResources{Depth: 2, MaxDepth: 2}
	client := newScriptedClient(reply(textResponse("ok")))
	h := newTestHarness(t, client, workspaceRegistry(), testConfig(), WithSharedResources(shared))

	_, err := h.Run(context.Background(), "anything")
	require.NoError(t, err)
	assert.NotContains(t, toolNames(client.Requests()[0].ToolDefs), DelegateSubAgentTool)
}

func TestSubAgentStopsBeforeExceedingTokenGrant(t *testing.T) {
	cfg := testConfig()
	cfg.SubAgents.SliceTokens = 10
	client := newScriptedClient(
		reply(toolResponse("", toolCall("d1", DelegateSubAgentTool, `{"name":"scout","task":"look around"}`))),
		reply(textResponse("done")),
	)
	h := newTestHarness(t, client, workspaceRegistry(), cfg)

	_, err := h.Run(context.Background(), "anything")
	require.NoError(t, err)

	reqs := client.Requests()
	require.Len(t, reqs, 2, "the child's prompt alone exceeds its grant, so it sends nothing")
	assert.Equal(t,
		"[Sub-agent 'scout' hit round limit] (rounds: 0, tokens: 0)\n(no output)",
		toolResultFor(t, reqs[1], "d1"))

	assert.Equal(t, 0, h.shared.Budget.Outstanding())
	assert.Equal(t, h.shared.Budget.Total(), h.shared.Budget.Remaining())
}

func TestOutputAllowanceClampsToGrant(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTokens = 100
	h := newTestHarness(t, newScriptedClient(), nil, cfg)

	n, ok := h.outputAllowance()
	require.True(t, ok)
	assert.Equal(t, 100, n, "no grant, no clamp")

	h.ctxmgr.SetPrefix([]unifiedllm.Message{unifiedllm.SystemMessage(strings.Repeat("x", 350))})
	h.tokenLimit = 250
	n, ok = h.outputAllowance()
	require.True(t, ok)
	assert.Equal(t, 100, n)

	h.cost.RecordUsage("test-model", unifiedllm.Usage{InputTokens: 60, OutputTokens: 20, TotalTokens: 80})
	n, ok = h.outputAllowance()
	require.True(t, ok)
	assert.Equal(t, 70, n, "250 granted - 80 used - 100 prompt")

	h.cost.RecordUsage("test-model", unifiedllm.Usage{InputTokens: 60, OutputTokens: 10, TotalTokens: 70})
	_, ok = h.outputAllowance()
	assert.False(t, ok)
}

func TestSubAgentFailureBecomesToolError(t *testing.T) {
	client := newScriptedClient(
		reply(toolResponse("", toolCall("d1", DelegateSubAgentTool, `{"name":"scout","task":"look around"}`))),
		step{err: unifiedllm.ErrorFromStatusCode(401, "bad key", "test", "")},
		reply(textResponse("done without help")),
	)
	h := newTestHarness(t, client, workspaceRegistry(), testConfig())

	res, err := h.Run(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "done without help", res.Text)

	reqs := client.Requests()
	require.Len(t, reqs, 3)
	assert.True(t, toolResultIsError(t, reqs[2], "d1"))
	assert.Contains(t, toolResultFor(t, reqs[2], "d1"), `sub-agent "scout" failed after 0 rounds`)
	assert.Equal(t, 0, h.shared.Budget.Outstanding())
	assert.Equal(t, h.shared.Budget.Total(), h.shared.Budget.Remaining())
}

func TestDelegateRequiresTask(t *testing.T) {
	h := newTestHarness(t, newScriptedClient(), nil, testConfig())
	tool := newDelegateTool(h)

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"task":"  "}`))
	assert.EqualError(t, err, "task is required")
}

func TestSubAgentConfig(t *testing.T) {
	h := newTestHarness(t, newScriptedClient(), nil, testConfig())

	tests := []struct {
		name      string
		args      delegateArgs
		rounds    int
		readOnly  bool
		model     string
		wantBlock bool
	}{
		{
			name:     "explore defaults to medium",
			args:     delegateArgs{AgentType: "explore"},
			rounds:   10,
			readOnly: true,
			model:    "test-model",
		},
		{
			name:     "thorough explore",
			args:     delegateArgs{AgentType: "explore", Thoroughness: "thorough"},
			rounds:   20,
			readOnly: true,
			model:    "test-model",
		},
		{
			name:     "planner",
			args:     delegateArgs{AgentType: "planner"},
			rounds:   10,
			readOnly: true,
			model:    "test-model",
		},
		{
			name:      "worker with overrides",
			args:      delegateArgs{AgentType: "worker", MaxRounds: 3, Model: "other-model", Context: "tests live in ./e2e"},
			rounds:    3,
			model:     "other-model",
			wantBlock: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := h.subAgentConfig(tt.args, 512)
			assert.Equal(t, tt.rounds, cfg.MaxRounds)
			assert.Equal(t, tt.readOnly, cfg.Plan.StayInPlanning)
			assert.Equal(t, tt.model, cfg.Model)
			assert.Equal(t, 512, cfg.MaxTokens)
			assert.False(t, cfg.CheckpointEnabled)
			assert.False(t, cfg.Plan.Enabled)
			assert.Equal(t, tt.wantBlock, strings.Contains(cfg.SystemPrompt, "# Context from the parent agent"))
			require.NoError(t, cfg.Validate())
		})
	}
}

func TestFormatSubAgentResult(t *testing.T) {
	res := &Result{
		Outcome: OutcomeFinished,
		Rounds:  2,
		Text:    "abcdef",
		Cost:    unifiedllm.CostSnapshot{PromptTokens: 3, CompletionTokens: 4},
	}
	assert.Equal(t,
		"[Sub-agent 'x' completed] (rounds: 2, tokens: 7)\nabc\n[output truncated]",
		formatSubAgentResult("x", res, 3))

	res.Outcome = OutcomeRoundLimit
	assert.Equal(t,
		"[Sub-agent 'x' hit round limit] (rounds: 2, tokens: 7)\nabcdef",
		formatSubAgentResult("x", res, 0))
}
