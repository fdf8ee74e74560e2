package toolexec

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/cinch/unifiedllm"
)

func annotated(id string, deps ...string) AnnotatedCall {
	var dependsOn []string
	for _, d := range deps {
		if d != "" {
			dependsOn = append(dependsOn, d)
		}
	}
	return AnnotatedCall{
		ToolCall:  unifiedllm.ToolCall{ID: id, Name: "tool_" + id, Arguments: json.RawMessage(`{}`)},
		DependsOn: dependsOn,
	}
}

var fileClassifier = CallClassifier{
	Mutation: func(tool string) bool { return tool == "write_file" || tool == "edit_file" || tool == "shell" },
}

func dependencies(calls []AnnotatedCall) map[string][]string {
	deps := map[string][]string{}
	for _, c := range calls {
		deps[c.ID] = c.DependsOn
	}
	return deps
}

func waveIDs(waves []Wave) [][]string {
	out := make([][]string, len(waves))
	for i, w := range waves {
		for _, c := range w {
			out[i] = append(out[i], c.ID)
		}
	}
	return out
}

func TestBuildWavesNoDependencies(t *testing.T) {
	waves, stuck, err := BuildWaves([]AnnotatedCall{annotated("a", ""), annotated("b", "")})
	require.NoError(t, err)
	assert.Empty(t, stuck)
	assert.Equal(t, [][]string{{"a", "b"}}, waveIDs(waves))
}

func TestBuildWavesChainAndDiamond(t *testing.T) {
	waves, _, err := BuildWaves([]AnnotatedCall{annotated("a", ""), annotated("b", "a"), annotated("c", "b")})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, waveIDs(waves))

	waves, _, err = BuildWaves([]AnnotatedCall{
		annotated("a", ""), annotated("b", "a"), annotated("c", "a"), annotated("d", "b"),
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, waveIDs(waves))
}

func TestBuildWavesCycle(t *testing.T) {
	waves, stuck, err := BuildWaves([]AnnotatedCall{
		annotated("a", "b"), annotated("b", "a"), annotated("c", ""),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDependencyCycle))
	assert.Contains(t, err.Error(), "2 of 3 calls could not be ordered")
	assert.Equal(t, [][]string{{"c"}}, waveIDs(waves), "acyclic calls still run")
	require.Len(t, stuck, 2)
	assert.Equal(t, "a", stuck[0].ID)
}

func TestBuildWavesMultipleDependencies(t *testing.T) {
	waves, _, err := BuildWaves([]AnnotatedCall{
		annotated("a"), annotated("b"), annotated("c", "a", "b"), annotated("d", "a", "a"),
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}}, waveIDs(waves))
}

func TestBuildWavesUnknownDependency(t *testing.T) {
	waves, _, err := BuildWaves([]AnnotatedCall{annotated("a", "call_from_last_round")})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}}, waveIDs(waves))
}

func TestBuildWavesEmpty(t *testing.T) {
	waves, stuck, err := BuildWaves(nil)
	assert.NoError(t, err)
	assert.Empty(t, waves)
	assert.Empty(t, stuck)
}

func TestAnnotateExtractsDependsOn(t *testing.T) {
	calls := []unifiedllm.ToolCall{
		{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)},
		{ID: "c2", Name: "grep", Arguments: json.RawMessage(`{"pattern":"x","depends_on":"c1"}`)},
		{ID: "c3", Name: "grep", Arguments: json.RawMessage(`not json`)},
	}
	out := Annotate(calls, SequentialNone, CallClassifier{})
	assert.Empty(t, out[0].DependsOn)
	assert.Equal(t, []string{"c1"}, out[1].DependsOn)
	assert.Empty(t, out[2].DependsOn)
}

func TestAnnotatePerFilePolicy(t *testing.T) {
	calls := []unifiedllm.ToolCall{
		{ID: "w1", Name: "write_file", Arguments: json.RawMessage(`{"path":"a.go","content":"x"}`)},
		{ID: "e1", Name: "edit_file", Arguments: json.RawMessage(`{"path":"b.go"}`)},
		{ID: "e2", Name: "edit_file", Arguments: json.RawMessage(`{"path":"./a.go"}`)},
		{ID: "s1", Name: "shell", Arguments: json.RawMessage(`{"command":"ls"}`)},
		{ID: "s2", Name: "shell", Arguments: json.RawMessage(`{"command":"pwd"}`)},
		{ID: "r1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.go"}`)},
	}
	out := Annotate(calls, SequentialPerFile, fileClassifier)
	assert.Equal(t, map[string][]string{
		"w1": nil, "e1": nil, "e2": {"w1"}, "s1": nil, "s2": {"s1"}, "r1": {"e2"},
	}, dependencies(out))

	waves, _, err := BuildWaves(out)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"w1", "e1", "s1"}, {"e2", "s2"}, {"r1"}}, waveIDs(waves))
}

func TestAnnotateOrdersReadsAroundMutations(t *testing.T) {
	calls := []unifiedllm.ToolCall{
		{ID: "r1", Name: "read_file", Arguments: json.RawMessage(`{"path":"x.txt"}`)},
		{ID: "g1", Name: "grep", Arguments: json.RawMessage(`{"pattern":"v","path":"x.txt"}`)},
		{ID: "w1", Name: "write_file", Arguments: json.RawMessage(`{"path":"x.txt","content":"v2"}`)},
		{ID: "r2", Name: "read_file", Arguments: json.RawMessage(`{"path":"x.txt"}`)},
		{ID: "r3", Name: "read_file", Arguments: json.RawMessage(`{"path":"y.txt"}`)},
	}
	out := Annotate(calls, SequentialPerFile, fileClassifier)
	assert.Equal(t, map[string][]string{
		"r1": nil, "g1": nil, "w1": {"r1", "g1"}, "r2": {"w1"}, "r3": nil,
	}, dependencies(out))

	waves, _, err := BuildWaves(out)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"r1", "g1", "r3"}, {"w1"}, {"r2"}}, waveIDs(waves))
}

func TestAnnotateUsesClassifierForMutations(t *testing.T) {
	calls := []unifiedllm.ToolCall{
		{ID: "r1", Name: "read_file", Arguments: json.RawMessage(`{"path":"x.txt"}`)},
		{ID: "m1", Name: "rename_symbol", Arguments: json.RawMessage(`{"path":"x.txt"}`)},
	}
	out := Annotate(calls, SequentialPerFile, CallClassifier{
		Mutation: func(tool string) bool { return tool == "rename_symbol" },
	})
	assert.Equal(t, []string{"r1"}, out[1].DependsOn)

	out = Annotate(calls, SequentialPerFile, CallClassifier{})
	assert.Empty(t, out[1].DependsOn, "without a mutation both calls only read")
}

func TestAnnotateKeepsDeclaredOrderWithoutCycles(t *testing.T) {
	calls := []unifiedllm.ToolCall{
		{ID: "r1", Name: "read_file", Arguments: json.RawMessage(`{"path":"x.txt","depends_on":"w1"}`)},
		{ID: "w1", Name: "write_file", Arguments: json.RawMessage(`{"path":"x.txt","content":"v2"}`)},
	}
	out := Annotate(calls, SequentialPerFile, fileClassifier)
	assert.Equal(t, map[string][]string{"r1": {"w1"}, "w1": nil}, dependencies(out))

	waves, stuck, err := BuildWaves(out)
	require.NoError(t, err)
	assert.Empty(t, stuck)
	assert.Equal(t, [][]string{{"w1"}, {"r1"}}, waveIDs(waves))
}

func TestStripDependsOn(t *testing.T) {
	assert.JSONEq(t, `{"path":"a"}`, string(stripDependsOn(json.RawMessage(`{"path":"a","depends_on":"c1"}`))))
	raw := json.RawMessage(`{"path":"a"}`)
	assert.Equal(t, string(raw), string(stripDependsOn(raw)))
}

func TestNormalizeCallIDs(t *testing.T) {
	calls := []unifiedllm.ToolCall{{ID: "a"}, {ID: ""}, {ID: "a"}}
	NormalizeCallIDs(calls)
	assert.Equal(t, "a", calls[0].ID)
	assert.NotEmpty(t, calls[1].ID)
	assert.NotEqual(t, "a", calls[2].ID)
	assert.NotEqual(t, calls[1].ID, calls[2].ID)
}
