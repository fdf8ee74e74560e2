package agentloop

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/martinemde/cinch/unifiedllm"
)

// Hooks lets the embedding program veto tool calls and keep a run going.
type Hooks interface {
	// PreToolUse runs before a call is approved or dispatched. A non-nil
	// error blocks the call and its message becomes the call's error result.
	PreToolUse(ctx context.Context, call unifiedllm.ToolCall) error
	// OnStop runs when the model answers without tool calls. A non-empty
	// reply is sent to the model as a user message and the run continues.
	OnStop(ctx context.Context, text string) string
}

// HookFuncs adapts plain functions to Hooks. Nil fields allow everything.
type HookFuncs struct {
	PreToolUseFunc func(ctx context.Context, call unifiedllm.ToolCall) error
	OnStopFunc     func(ctx context.Context, text string) string
}

func (f HookFuncs) PreToolUse(ctx context.Context, call unifiedllm.ToolCall) error {
	if f.PreToolUseFunc == nil {
		return nil
	}
	return f.PreToolUseFunc(ctx, call)
}

func (f HookFuncs) OnStop(ctx context.Context, text string) string {
	if f.OnStopFunc == nil {
		return ""
	}
	return f.OnStopFunc(ctx, text)
}

// WithHooks installs lifecycle hooks. They replace any hooks built from
// HarnessConfig.Hooks.
func WithHooks(hooks Hooks) Option {
	return func(h *Harness) { h.hooks = hooks }
}

const (
	hookTimeoutMs    = 30000
	maxHookEnvValue  = 10240
	hookEventEnv     = "CINCH_HOOK_EVENT"
	hookToolNameEnv  = "CINCH_TOOL_NAME"
	hookToolArgsEnv  = "CINCH_TOOL_ARGS"
	hookFinalTextEnv = "CINCH_FINAL_TEXT"
)

// HookCommand is a shell command run for a lifecycle event. Matcher limits a
// pre_tool_use command to tools whose name contains it.
type HookCommand struct {
	Command string `yaml:"command" validate:"required"`
	Matcher string `yaml:"matcher,omitempty"`
}

// HooksConfig lists shell commands run at lifecycle events.
//
// A pre_tool_use command that exits non-zero blocks the call; its stdout is
// the reason. A stop command that prints anything keeps the run going with
// that output as the next user message.
type HooksConfig struct {
	PreToolUse []HookCommand `yaml:"pre_tool_use" validate:"dive"`
	Stop       []HookCommand `yaml:"stop" validate:"dive"`
}

// Empty reports whether no commands are configured.
func (c HooksConfig) Empty() bool {
	return len(c.PreToolUse) == 0 && len(c.Stop) == 0
}

// CommandHooks runs HooksConfig commands in an execution environment. A
// command that fails to start is logged and ignored.
type CommandHooks struct {
	cfg    HooksConfig
	env    ExecutionEnvironment
	logger *zap.Logger
}

// NewCommandHooks creates hooks that run cfg's commands through env.
func NewCommandHooks(cfg HooksConfig, env ExecutionEnvironment, logger *zap.Logger) *CommandHooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandHooks{cfg: cfg, env: env, logger: logger}
}

func (c *CommandHooks) PreToolUse(ctx context.Context, call unifiedllm.ToolCall) error {
	vars := map[string]string{
		hookEventEnv:    "pre_tool_use",
		hookToolNameEnv: call.Name,
		hookToolArgsEnv: clipEnv(string(call.Arguments)),
	}
	for _, hc := range c.cfg.PreToolUse {
		if hc.Matcher != "" && !strings.Contains(call.Name, hc.Matcher) {
			continue
		}
		res, err := c.env.ExecCommand(ctx, hc.Command, hookTimeoutMs, "", vars)
		if err != nil {
			c.logger.Warn("pre_tool_use hook failed", zap.String("command", hc.Command), zap.Error(err))
			continue
		}
		if res.ExitCode != 0 {
			if reason := strings.TrimSpace(res.Stdout); reason != "" {
				return hookBlock(reason)
			}
			return hookBlock(fmt.Sprintf("hook blocked tool '%s'", call.Name))
		}
	}
	return nil
}

func (c *CommandHooks) OnStop(ctx context.Context, text string) string {
	vars := map[string]string{
		hookEventEnv:     "stop",
		hookFinalTextEnv: clipEnv(text),
	}
	for _, hc := range c.cfg.Stop {
		res, err := c.env.ExecCommand(ctx, hc.Command, hookTimeoutMs, "", vars)
		if err != nil {
			c.logger.Warn("stop hook failed", zap.String("command", hc.Command), zap.Error(err))
			continue
		}
		if out := strings.TrimSpace(res.Stdout); out != "" {
			return out
		}
	}
	return ""
}

type hookBlock string

func (b hookBlock) Error() string { return string(b) }

func clipEnv(s string) string {
	if r := []rune(s); len(r) > maxHookEnvValue {
		return string(r[:maxHookEnvValue])
	}
	return s
}
