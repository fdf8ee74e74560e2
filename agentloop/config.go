package agentloop

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/cinch/contextmgr"
	"github.com/martinemde/cinch/toolexec"
	"github.com/martinemde/cinch/unifiedllm"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "CINCH_"

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// PlanConfig controls the plan-then-execute workflow.
type PlanConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// MaxPlanningRounds forces the transition to execution after this many
	// planning rounds even without submit_plan.
	MaxPlanningRounds int      `yaml:"max_planning_rounds" env:"MAX_ROUNDS" validate:"gte=0"`
	PlanningTools     []string `yaml:"planning_tools"`
	PlanningPrompt    string   `yaml:"planning_prompt"`
	ExecutionPrompt   string   `yaml:"execution_prompt"`
	// StayInPlanning keeps a run read-only for its whole life. Explore and
	// planner sub-agents use it.
	StayInPlanning bool `yaml:"-"`
}

// CacheConfig controls the per-run tool result cache.
type CacheConfig struct {
	Enabled      bool `yaml:"enabled" env:"ENABLED"`
	MaxEntries   int  `yaml:"max_entries" env:"MAX_ENTRIES" validate:"gte=0"`
	MaxAgeRounds int  `yaml:"max_age_rounds" env:"MAX_AGE_ROUNDS" validate:"gte=0"`
}

// LoopDetectionConfig controls repeated tool call detection.
type LoopDetectionConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	Window  int  `yaml:"window" env:"WINDOW" validate:"gte=0"`
}

// SubAgentConfig controls delegate_sub_agent.
type SubAgentConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// TokenBudget is the tree-wide budget shared by the run and all of its
	// descendants. Zero disables the budget check.
	TokenBudget int `yaml:"token_budget" env:"TOKEN_BUDGET" validate:"gte=0"`
	// SliceTokens is how much of the budget one spawn asks for.
	SliceTokens    int `yaml:"slice_tokens" env:"SLICE_TOKENS" validate:"gte=0"`
	MaxDepth       int `yaml:"max_depth" env:"MAX_DEPTH" validate:"gte=0"`
	MaxRounds      int `yaml:"max_rounds" env:"MAX_ROUNDS" validate:"gte=0"`
	MaxTokens      int `yaml:"max_tokens" env:"MAX_TOKENS" validate:"gte=0"`
	MaxResultChars int `yaml:"max_result_chars" env:"MAX_RESULT_CHARS" validate:"gte=0"`
}

// HarnessConfig holds the settings of one run. It is not modified once the
// run starts.
type HarnessConfig struct {
	Model           string  `yaml:"model" env:"MODEL" validate:"required"`
	MaxRounds       int     `yaml:"max_rounds" env:"MAX_ROUNDS" validate:"gte=1"`
	MaxTokens       int     `yaml:"max_tokens" env:"MAX_TOKENS" validate:"gte=1"`
	Temperature     float64 `yaml:"temperature" env:"TEMPERATURE" validate:"gte=0,lte=2"`
	ReasoningEffort string  `yaml:"reasoning_effort,omitempty" env:"REASONING_EFFORT" validate:"omitempty,oneof=low medium high"`
	Stream          bool    `yaml:"stream" env:"STREAM"`
	SystemPrompt    string  `yaml:"system_prompt,omitempty"`

	// AbsoluteMaxRounds caps extensions granted to a run that is still making
	// progress at MaxRounds. Zero disables extensions.
	AbsoluteMaxRounds int `yaml:"absolute_max_rounds" env:"ABSOLUTE_MAX_ROUNDS" validate:"gte=0"`

	Retry   unifiedllm.RetryConfig     `yaml:"retry" envPrefix:"RETRY_"`
	Routing unifiedllm.RoutingStrategy `yaml:"routing"`

	// ApprovalRequiredTools pause the run until a decision arrives.
	ApprovalRequiredTools []string `yaml:"approval_required_tools" env:"APPROVAL_REQUIRED_TOOLS" envSeparator:","`

	Plan PlanConfig `yaml:"plan" envPrefix:"PLAN_"`

	SessionDir        string `yaml:"session_dir,omitempty" env:"SESSION_DIR"`
	CheckpointEnabled bool   `yaml:"checkpoint" env:"CHECKPOINT"`

	Cache CacheConfig `yaml:"cache" envPrefix:"CACHE_"`

	// ContextWindow overrides the catalog window of the model. Zero uses the
	// catalog.
	ContextWindow int `yaml:"context_window" env:"CONTEXT_WINDOW" validate:"gte=0"`
	// CharsPerToken replaces the default estimate ratio, typically with a
	// value from contextmgr.CalibrateCharsPerToken.
	CharsPerToken float64           `yaml:"chars_per_token,omitempty" env:"CHARS_PER_TOKEN" validate:"gte=0"`
	Context       contextmgr.Config `yaml:"context"`

	LoopDetection    LoopDetectionConfig `yaml:"loop_detection" envPrefix:"LOOP_"`
	ToolLimits       toolexec.Limits     `yaml:"tool_limits"`
	MaxParallelTools int                 `yaml:"max_parallel_tools" env:"MAX_PARALLEL_TOOLS" validate:"gte=0"`

	SubAgents SubAgentConfig `yaml:"sub_agents" envPrefix:"SUB_AGENTS_"`

	Memory MemoryConfig `yaml:"memory" envPrefix:"MEMORY_"`
	Hooks  HooksConfig  `yaml:"hooks"`
}

// DefaultHarnessConfig returns the default configuration.
func DefaultHarnessConfig() HarnessConfig {
	return HarnessConfig{
		Model:       DefaultModel,
		MaxRounds:   10,
		MaxTokens:   1024,
		Temperature: 0.7,
		Retry:       unifiedllm.WithRetries(3),
		Plan: PlanConfig{
			MaxPlanningRounds: defaultMaxPlanningRounds,
			PlanningTools:     slices.Clone(defaultPlanningTools),
			PlanningPrompt:    defaultPlanningPrompt,
			ExecutionPrompt:   defaultExecutionPrompt,
		},
		CheckpointEnabled: true,
		Cache: CacheConfig{
			Enabled:      true,
			MaxEntries:   toolexec.DefaultCacheEntries,
			MaxAgeRounds: 10,
		},
		Context: contextmgr.DefaultConfig(),
		LoopDetection: LoopDetectionConfig{
			Enabled: true,
			Window:  10,
		},
		SubAgents: SubAgentConfig{
			Enabled:        true,
			TokenBudget:    500000,
			SliceTokens:    100000,
			MaxDepth:       DefaultMaxDepth,
			MaxRounds:      10,
			MaxTokens:      4096,
			MaxResultChars: 4000,
		},
		Memory: MemoryConfig{MaxLines: defaultMemoryLines},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the routing strategy.
func (c HarnessConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RoutingStrategy returns the configured strategy, or a single-model strategy
// for Model when none is set.
func (c HarnessConfig) RoutingStrategy() unifiedllm.RoutingStrategy {
	if c.Routing.Kind == "" || (c.Routing.Kind == unifiedllm.RouteSingle && c.Routing.Model == "") {
		return unifiedllm.SingleModel(c.Model)
	}
	return c.Routing
}

// RequiresApproval reports whether calls to tool must be approved.
func (c HarnessConfig) RequiresApproval(tool string) bool {
	return slices.Contains(c.ApprovalRequiredTools, tool)
}

// LoadConfig reads a YAML file over DefaultHarnessConfig, overlays CINCH_*
// environment variables and validates the result. An empty path skips the
// file.
func LoadConfig(path string) (HarnessConfig, error) {
	cfg := DefaultHarnessConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
