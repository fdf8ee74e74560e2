package unifiedllm

import (
	"context"
	"errors"
	"testing"
)

func feed(events ...StreamEvent) <-chan StreamEvent {
	ch := make(chan StreamEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

func TestCollectStreamText(t *testing.T) {
	var seen int
	resp, err := CollectStream(context.Background(), feed(
		StreamEvent{Type: StreamStart},
		StreamEvent{Type: ReasoningDelta, ReasoningDelta: "hmm "},
		StreamEvent{Type: TextDelta, Delta: "Hello "},
		StreamEvent{Type: TextDelta, Delta: "world"},
		StreamEvent{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}, Usage: &Usage{InputTokens: 5, OutputTokens: 10, TotalTokens: 15}},
	), func(StreamEvent) { seen++ })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello world" {
		t.Errorf("expected %q, got %q", "Hello world", resp.Text())
	}
	if resp.Reasoning() != "hmm " {
		t.Errorf("expected reasoning to be kept, got %q", resp.Reasoning())
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected total 15, got %d", resp.Usage.TotalTokens)
	}
	if seen != 5 {
		t.Errorf("expected handler to see 5 events, got %d", seen)
	}
}

func TestCollectStreamToolCallFragments(t *testing.T) {
	resp, err := CollectStream(context.Background(), feed(
		StreamEvent{Type: ToolCallDelta, ToolCall: &ToolCallFragment{Index: 1, ID: "b", Name: "grep"}},
		StreamEvent{Type: ToolCallDelta, ToolCall: &ToolCallFragment{Index: 0, ID: "a", Name: "read_file", ArgumentsDelta: `{"pa`}},
		StreamEvent{Type: ToolCallDelta, ToolCall: &ToolCallFragment{Index: 1, ArgumentsDelta: `{"pattern":"x"}`}},
		StreamEvent{Type: ToolCallDelta, ToolCall: &ToolCallFragment{Index: 0, ArgumentsDelta: `th":"a.go"}`}},
	), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := resp.ToolCallsFromResponse()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID != "a" || string(calls[0].Arguments) != `{"path":"a.go"}` {
		t.Errorf("unexpected first call %+v", calls[0])
	}
	if calls[1].Name != "grep" {
		t.Errorf("unexpected second call %+v", calls[1])
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls finish reason, got %q", resp.FinishReason.Reason)
	}
}

func TestCollectStreamInvalidArguments(t *testing.T) {
	resp, err := CollectStream(context.Background(), feed(
		StreamEvent{Type: ToolCallDelta, ToolCall: &ToolCallFragment{Index: 0, ID: "a", Name: "x", ArgumentsDelta: `{"broken`}},
	), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := string(resp.ToolCallsFromResponse()[0].Arguments); got != "{}" {
		t.Errorf("expected invalid arguments to become {}, got %q", got)
	}
}

func TestCollectStreamError(t *testing.T) {
	boom := errors.New("HTTP 502 bad gateway")
	_, err := CollectStream(context.Background(), feed(
		StreamEvent{Type: TextDelta, Delta: "partial"},
		StreamEvent{Type: StreamError, Error: boom},
	), nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestCollectStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CollectStream(ctx, make(chan StreamEvent), nil)
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError, got %v", err)
	}
}
