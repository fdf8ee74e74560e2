package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/cinch/unifiedllm"
)

// AskUserTool is the name of the built-in question tool.
const AskUserTool = "ask_user"

const defaultQuestionTimeout = 5 * time.Minute

type askUserArgs struct {
	Question       string   `json:"question" jsonschema_description:"The question to ask the user."`
	Choices        []string `json:"choices,omitempty" jsonschema_description:"Optional answers the user can pick from."`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" jsonschema_description:"How long to wait for an answer. Default: 300."`
}

// Question is published with EventQuestion.
type Question struct {
	CallID  string   `json:"call_id"`
	Text    string   `json:"text"`
	Choices []string `json:"choices,omitempty"`
}

func askUserDefinition() unifiedllm.ToolDefinition {
	return unifiedllm.ToolDefinition{
		Name: AskUserTool,
		Description: "Ask the user a question and wait for the answer. Use it only when you cannot " +
			"proceed without a decision from the user.",
		Parameters: SchemaFor(new(askUserArgs)),
	}
}

// askUser publishes the question through publish and waits for an answer
// keyed by the call id. It returns the tool result text.
func askUser(ctx context.Context, answers *waiters[string], call unifiedllm.ToolCall, publish func(Question)) (string, bool) {
	var args askUserArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil || strings.TrimSpace(args.Question) == "" {
		return "ask_user requires a non-empty question.", true
	}
	timeout := defaultQuestionTimeout
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}

	ch := answers.register(call.ID)
	publish(Question{CallID: call.ID, Text: args.Question, Choices: args.Choices})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case answer := <-ch:
		return formatAnswer(answer, args.Choices), false
	case <-timer.C:
		answers.cancel(call.ID)
		return fmt.Sprintf("The user did not answer within %s. Proceed with your best judgment.", timeout), false
	case <-ctx.Done():
		answers.cancel(call.ID)
		if errors.Is(ctx.Err(), context.Canceled) {
			return "The question was cancelled before the user answered.", true
		}
		return "The question expired before the user answered.", true
	}
}

// formatAnswer resolves a numeric answer to the matching choice.
func formatAnswer(answer string, choices []string) string {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "The user skipped the question."
	}
	var idx int
	if _, err := fmt.Sscanf(answer, "%d", &idx); err == nil && fmt.Sprint(idx) == answer && idx >= 1 && idx <= len(choices) {
		return fmt.Sprintf("The user selected option %d: %s", idx, choices[idx-1])
	}
	return "The user answered: " + answer
}
