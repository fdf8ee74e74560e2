package agentloop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/cinch/unifiedllm"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cinch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultHarnessConfigIsValid(t *testing.T) {
	cfg := DefaultHarnessConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultModel, cfg.Model)
	assert.True(t, cfg.Cache.Enabled)
	assert.True(t, cfg.SubAgents.Enabled)
	assert.Equal(t, DefaultMaxDepth, cfg.SubAgents.MaxDepth)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultHarnessConfig().Plan, cfg.Plan); diff != "" {
		t.Errorf("plan config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigOverlaysEnvironment(t *testing.T) {
	path := writeConfig(t, `
model: claude-haiku-4-5
max_rounds: 7
temperature: 0.2
plan:
  enabled: true
  max_planning_rounds: 2
routing:
  kind: cheap_orchestration
  orchestration_model: small
  synthesis_model: large
sub_agents:
  enabled: true
  max_depth: 2
retry:
  max_retries: 4
  multiplier: 2
`)
	t.Setenv("CINCH_MAX_ROUNDS", "12")
	t.Setenv("CINCH_APPROVAL_REQUIRED_TOOLS", "shell,write_file")
	t.Setenv("CINCH_SUB_AGENTS_TOKEN_BUDGET", "2000")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "claude-haiku-4-5", cfg.Model)
	assert.Equal(t, 12, cfg.MaxRounds)
	assert.InDelta(t, 0.2, cfg.Temperature, 1e-9)
	assert.True(t, cfg.Plan.Enabled)
	assert.Equal(t, 2, cfg.Plan.MaxPlanningRounds)
	assert.Equal(t, 2, cfg.SubAgents.MaxDepth)
	assert.Equal(t, 2000, cfg.SubAgents.TokenBudget)
	assert.Equal(t, 4, cfg.Retry.MaxRetries)
	assert.Equal(t, []string{"shell", "write_file"}, cfg.ApprovalRequiredTools)
	assert.True(t, cfg.RequiresApproval("shell"))
	assert.False(t, cfg.RequiresApproval("read_file"))
	assert.Equal(t, unifiedllm.CheapOrchestration("small", "large"), cfg.RoutingStrategy())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "zero rounds", body: "max_rounds: 0\n", want: "MaxRounds"},
		{name: "bad effort", body: "reasoning_effort: extreme\n", want: "ReasoningEffort"},
		{name: "temperature", body: "temperature: 3\n", want: "Temperature"},
		{name: "routing", body: "routing:\n  kind: round_based\n  early_model: a\n", want: "late_model"},
		{name: "unknown routing", body: "routing:\n  kind: random\n", want: "unknown routing kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestRoutingStrategyFallsBackToModel(t *testing.T) {
	cfg := DefaultHarnessConfig()
	cfg.Model = "main"
	assert.Equal(t, unifiedllm.SingleModel("main"), cfg.RoutingStrategy())

	cfg.Routing = unifiedllm.RoutingStrategy{Kind: unifiedllm.RouteSingle}
	assert.Equal(t, unifiedllm.SingleModel("main"), cfg.RoutingStrategy())

	cfg.Routing = unifiedllm.RoundBased("a", "b", 3)
	assert.Equal(t, unifiedllm.RoundBased("a", "b", 3), cfg.RoutingStrategy())
}
