package unifiedllm

import (
	"encoding/json"
	"testing"
)

func TestMessageConstructors(t *testing.T) {
	t.Run("SystemMessage", func(t *testing.T) {
		msg := SystemMessage("You are helpful.")
		if msg.Role != RoleSystem {
			t.Errorf("expected role %q, got %q", RoleSystem, msg.Role)
		}
		if msg.TextContent() != "You are helpful." {
			t.Errorf("expected text %q, got %q", "You are helpful.", msg.TextContent())
		}
	})

	t.Run("UserMessage", func(t *testing.T) {
		msg := UserMessage("Hello")
		if msg.Role != RoleUser {
			t.Errorf("expected role %q, got %q", RoleUser, msg.Role)
		}
		if msg.TextContent() != "Hello" {
			t.Errorf("expected text %q, got %q", "Hello", msg.TextContent())
		}
	})

	t.Run("AssistantMessage", func(t *testing.T) {
		msg := AssistantMessage("Hi there")
		if msg.Role != RoleAssistant {
			t.Errorf("expected role %q, got %q", RoleAssistant, msg.Role)
		}
		if msg.TextContent() != "Hi there" {
			t.Errorf("expected text %q, got %q", "Hi there", msg.TextContent())
		}
	})

	t.Run("ToolResultMessage", func(t *testing.T) {
		msg := ToolResultMessage("call_123", "72F and sunny", false)
		if msg.Role != RoleTool {
			t.Errorf("expected role %q, got %q", RoleTool, msg.Role)
		}
		if msg.ToolCallID != "call_123" {
			t.Errorf("expected tool_call_id %q, got %q", "call_123", msg.ToolCallID)
		}
		if len(msg.Content) != 1 {
			t.Fatalf("expected 1 content part, got %d", len(msg.Content))
		}
		if msg.Content[0].Kind != ContentToolResult {
			t.Errorf("expected kind %q, got %q", ContentToolResult, msg.Content[0].Kind)
		}
	})
}

func TestContentPartConstructors(t *testing.T) {
	t.Run("TextPart", func(t *testing.T) {
		part := TextPart("hello")
		if part.Kind != ContentText {
			t.Errorf("expected kind %q, got %q", ContentText, part.Kind)
		}
		if part.Text != "hello" {
			t.Errorf("expected text %q, got %q", "hello", part.Text)
		}
	})

	t.Run("ToolCallPart", func(t *testing.T) {
		args := json.RawMessage(`{"city": "SF"}`)
		part := ToolCallPart("call_1", "get_weather", args)
		if part.Kind != ContentToolCall {
			t.Errorf("expected kind %q, got %q", ContentToolCall, part.Kind)
		}
		if part.ToolCall.Name != "get_weather" {
			t.Errorf("expected name %q, got %q", "get_weather", part.ToolCall.Name)
		}
	})

	t.Run("ThinkingPart", func(t *testing.T) {
		part := ThinkingPart("Let me think...", "sig_abc")
		if part.Kind != ContentThinking {
			t.Errorf("expected kind %q, got %q", ContentThinking, part.Kind)
		}
		if part.Thinking.Signature != "sig_abc" {
			t.Errorf("expected signature %q, got %q", "sig_abc", part.Thinking.Signature)
		}
	})
}

func TestMessageTextContent(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentPart{
			TextPart("Hello "),
			ThinkingPart("thinking...", ""),
			TextPart("world"),
		},
	}
	text := msg.TextContent()
	if text != "Hello world" {
		t.Errorf("expected %q, got %q", "Hello world", text)
	}
}

func TestMessageToolCalls(t *testing.T) {
	args1 := json.RawMessage(`{"city":"SF"}`)
	args2 := json.RawMessage(`{"city":"NYC"}`)
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentPart{
			TextPart("Let me check the weather."),
			ToolCallPart("call_1", "get_weather", args1),
			ToolCallPart("call_2", "get_weather", args2),
		},
	}
	calls := msg.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}
	if calls[0].Name != "get_weather" {
		t.Errorf("expected name %q, got %q", "get_weather", calls[0].Name)
	}
}

func TestUsageAdd(t *testing.T) {
	a := Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}
	b := Usage{InputTokens: 5, OutputTokens: 15, TotalTokens: 20}
	result := a.Add(b)

	if result != (Usage{InputTokens: 15, OutputTokens: 35, TotalTokens: 50}) {
		t.Errorf("unexpected sum %+v", result)
	}
}

func TestAssistantToolCallsMessage(t *testing.T) {
	msg := AssistantToolCallsMessage("Checking.", []ToolCall{
		{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)},
	})
	if msg.Role != RoleAssistant || len(msg.Content) != 2 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.TextContent() != "Checking." {
		t.Errorf("unexpected text %q", msg.TextContent())
	}
	if calls := msg.ToolCalls(); len(calls) != 1 || calls[0].ID != "c1" {
		t.Errorf("unexpected calls %+v", calls)
	}

	bare := AssistantToolCallsMessage("", []ToolCall{{ID: "c2", Name: "grep"}})
	if len(bare.Content) != 1 {
		t.Errorf("empty text should not add a part, got %d parts", len(bare.Content))
	}
}

func TestMessageBodyAndLength(t *testing.T) {
	result := ToolResultMessage("c1", "file contents", false)
	if text, ok := result.ToolResultText(); !ok || text != "file contents" {
		t.Errorf("unexpected tool result text %q", text)
	}
	if result.Body() != "file contents" {
		t.Errorf("unexpected body %q", result.Body())
	}
	if result.ContentLength() != len("file contents") {
		t.Errorf("unexpected length %d", result.ContentLength())
	}

	call := AssistantToolCallsMessage("", []ToolCall{{ID: "c", Name: "grep", Arguments: json.RawMessage(`{"q":1}`)}})
	if call.Body() != `grep{"q":1}` {
		t.Errorf("unexpected tool call body %q", call.Body())
	}

	if _, ok := UserMessage("x").ToolResultText(); ok {
		t.Error("user message has no tool result")
	}
}

func TestToolResultDataText(t *testing.T) {
	if got := (ToolResultData{Content: json.RawMessage(`"quoted"`)}).Text(); got != "quoted" {
		t.Errorf("expected decoded string, got %q", got)
	}
	if got := (ToolResultData{Content: json.RawMessage(`{"a":1}`)}).Text(); got != `{"a":1}` {
		t.Errorf("expected raw JSON fallback, got %q", got)
	}
}

func TestResponseAccessors(t *testing.T) {
	resp := Response{
		Message: Message{
			Role: RoleAssistant,
			Content: []ContentPart{
				ThinkingPart("reasoning here", "sig"),
				TextPart("The answer is 42."),
				ToolCallPart("call_1", "calc", json.RawMessage(`{}`)),
			},
		},
	}

	if resp.Text() != "The answer is 42." {
		t.Errorf("expected text %q, got %q", "The answer is 42.", resp.Text())
	}

	if resp.Reasoning() != "reasoning here" {
		t.Errorf("expected reasoning %q, got %q", "reasoning here", resp.Reasoning())
	}

	calls := resp.ToolCallsFromResponse()
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].Name != "calc" {
		t.Errorf("expected tool name %q, got %q", "calc", calls[0].Name)
	}
}
