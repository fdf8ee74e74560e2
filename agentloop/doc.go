// Package agentloop implements the round loop that drives an agentic run.
//
// A Harness repeatedly asks a model for the next step, dispatches the tool
// calls it requests through a toolexec.Pipeline, and keeps the conversation
// inside the model's context window with a contextmgr.Manager. Runs end as
// finished, round_limit_reached, cancelled or failed.
//
// # Architecture
//
// The package is organized around these core concepts:
//
//   - Harness: owns one run's conversation, cost and context state, and
//     enforces round limits, retries, routing and checkpointing.
//   - HarnessConfig: the immutable settings of a run, loadable from YAML
//     and the environment.
//   - EventEmitter: a bounded, best-effort event stream for observers with
//     a resync snapshot after overflow.
//   - ApprovalGate: pauses gated tool calls until a decision arrives.
//   - TokenBudgetSemaphore and SharedResources: the tree-wide token budget
//     and depth limit shared with sub-agents.
//   - ExecutionEnvironment and the built-in tools: local file, shell and
//     search tools implementing toolexec.Tool.
//
// # Quick Start
//
//	client := unifiedllm.NewClientFromEnv()
//	env := agentloop.NewLocalExecutionEnvironment("/path/to/project")
//	reg := toolexec.NewRegistry()
//	agentloop.RegisterCoreTools(reg, env)
//
//	cfg := agentloop.DefaultHarnessConfig()
//	cfg.Model = "claude-sonnet-4-5"
//	h, err := agentloop.NewHarness(client, reg, cfg, agentloop.WithEnvironment(env))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    for ev := range h.Events() {
//	        fmt.Printf("[%s] %v\n", ev.Kind, ev.Data)
//	    }
//	}()
//	result, err := h.Run(ctx, "Create a hello.py file")
package agentloop
