package agentloop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/cinch/unifiedllm"
)

func TestFormatAnswer(t *testing.T) {
	choices := []string{"keep", "delete"}
	tests := []struct {
		answer string
		want   string
	}{
		{answer: "2", want: "The user selected option 2: delete"},
		{answer: " 1 ", want: "The user selected option 1: keep"},
		{answer: "3", want: "The user answered: 3"},
		{answer: "02", want: "The user answered: 02"},
		{answer: "neither", want: "The user answered: neither"},
		{answer: "  ", want: "The user skipped the question."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatAnswer(tt.answer, choices), "answer %q", tt.answer)
	}
}

func TestAskUserWaitsForAnswer(t *testing.T) {
	answers := newWaiters[string]()
	call := unifiedllm.ToolCall{ID: "q1", Name: AskUserTool, Arguments: json.RawMessage(`{"question":"Proceed?","choices":["yes","no"]}`)}

	var asked Question
	out, isErr := askUser(context.Background(), answers, call, func(q Question) {
		asked = q
		require.NoError(t, answers.resolve(q.CallID, "1"))
	})
	assert.False(t, isErr)
	assert.Equal(t, "The user selected option 1: yes", out)
	assert.Equal(t, Question{CallID: "q1", Text: "Proceed?", Choices: []string{"yes", "no"}}, asked)
}

func TestAskUserRejectsEmptyQuestion(t *testing.T) {
	call := unifiedllm.ToolCall{ID: "q1", Name: AskUserTool, Arguments: json.RawMessage(`{"question":""}`)}
	out, isErr := askUser(context.Background(), newWaiters[string](), call, func(Question) {
		t.Fatal("empty question must not be published")
	})
	assert.True(t, isErr)
	assert.Contains(t, out, "non-empty question")
}

func TestAskUserCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	answers := newWaiters[string]()
	call := unifiedllm.ToolCall{ID: "q1", Name: AskUserTool, Arguments: json.RawMessage(`{"question":"Proceed?"}`)}

	out, isErr := askUser(ctx, answers, call, func(Question) { cancel() })
	assert.True(t, isErr)
	assert.Contains(t, out, "cancelled")
	assert.Empty(t, answers.keys())
}

func TestAskUserTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("waits one second")
	}
	call := unifiedllm.ToolCall{ID: "q1", Name: AskUserTool, Arguments: json.RawMessage(`{"question":"Proceed?","timeout_seconds":1}`)}
	out, isErr := askUser(context.Background(), newWaiters[string](), call, func(Question) {})
	assert.False(t, isErr)
	assert.Contains(t, out, "did not answer within 1s")
}
