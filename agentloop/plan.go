package agentloop

import (
	"encoding/json"
	"slices"

	"github.com/martinemde/cinch/toolexec"
	"github.com/martinemde/cinch/unifiedllm"
)

// Phase of a plan-then-execute run.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
)

// SubmitPlanTool is the name of the tool that ends the planning phase.
const SubmitPlanTool = "submit_plan"

const defaultMaxPlanningRounds = 5

var defaultPlanningTools = []string{"read_file", "list_dir", "grep", "glob", "delegate_sub_agent"}

const defaultPlanningPrompt = `You are in the ORIENT & PLAN phase. Understand the situation before taking action.

Use the exploration tools (read_file, grep, glob, list_dir) to gather what you need. Follow threads when something looks relevant.

When you understand the problem and have a concrete plan, call submit_plan with a short summary. A few clear steps are better than an exhaustive specification.`

const defaultExecutionPrompt = `You are now in the EXECUTE phase. All tools are available. Follow the plan you submitted and adapt it if you discover something unexpected.`

type submitPlanArgs struct {
	Summary string `json:"summary" jsonschema_description:"Brief summary of what you plan to do and why."`
}

func submitPlanDefinition() unifiedllm.ToolDefinition {
	return unifiedllm.ToolDefinition{
		Name: SubmitPlanTool,
		Description: "Signal that planning is finished. Call this once you understand the problem and " +
			"have outlined your approach. After this call all tools become available.",
		Parameters: SchemaFor(new(submitPlanArgs)),
	}
}

// planSummary extracts the summary argument of a submit_plan call, falling
// back to the raw arguments.
func planSummary(call unifiedllm.ToolCall) string {
	var args submitPlanArgs
	if err := json.Unmarshal(call.Arguments, &args); err == nil && args.Summary != "" {
		return args.Summary
	}
	return string(call.Arguments)
}

// planningRegistry keeps the registered tools named in allowed. Names that
// are not registered are ignored.
func planningRegistry(reg *toolexec.Registry, allowed []string) *toolexec.Registry {
	return reg.Filter(func(t toolexec.Tool) bool {
		return slices.Contains(allowed, t.Definition().Name)
	})
}

// readOnlyRegistry keeps the tools that never mutate the workspace.
func readOnlyRegistry(reg *toolexec.Registry) *toolexec.Registry {
	return reg.Filter(func(t toolexec.Tool) bool { return !t.Mutation() })
}
