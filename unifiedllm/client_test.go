package unifiedllm

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name     string
	response *Response
	err      error
	events   []StreamEvent
	lastReq  Request
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		response: &Response{
			ID:       "test_resp",
			Model:    "test-model",
			Provider: name,
			Message: Message{
				Role:    RoleAssistant,
				Content: []ContentPart{TextPart(text)},
			},
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func TestClientComplete(t *testing.T) {
	mock := newMockAdapter("test-provider", "Hello!")
	client := NewClient(
		WithProvider("test-provider", mock),
		WithDefaultProvider("test-provider"),
	)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", resp.Text())
	}
	if mock.lastReq.Provider != "test-provider" {
		t.Errorf("expected request provider to be filled in, got %q", mock.lastReq.Provider)
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "OpenAI response")
	anthropic := newMockAdapter("anthropic", "Anthropic response")
	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("anthropic", anthropic),
		WithDefaultProvider("openai"),
	)

	tests := []struct {
		name     string
		req      Request
		expected string
	}{
		{"explicit provider", Request{Model: "gpt-4o", Provider: "anthropic"}, "Anthropic response"},
		{"catalog model", Request{Model: "claude-opus-4-6"}, "Anthropic response"},
		{"prefixed model", Request{Model: "anthropic/some-new-model"}, "Anthropic response"},
		{"unknown model uses default", Request{Model: "mystery-model"}, "OpenAI response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Messages = []Message{UserMessage("Hi")}
			resp, err := client.Complete(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Text() != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, resp.Text())
			}
		})
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for no provider")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
	if !IsPermanent(err) {
		t.Error("configuration errors must be permanent")
	}
}

func TestClientUnregisteredProvider(t *testing.T) {
	client := NewClient(WithProvider("openai", newMockAdapter("openai", "x")))
	_, err := client.Complete(context.Background(), Request{Model: "m", Provider: "nope"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	mock := newMockAdapter("test", "response")
	var order []int

	mw1 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 1)
		resp, err := next(ctx, req)
		order = append(order, -1)
		return resp, err
	}
	mw2 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 2)
		resp, err := next(ctx, req)
		order = append(order, -2)
		return resp, err
	}

	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(mw1, mw2),
	)

	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Onion pattern: first registered runs first for request, reverse for response.
	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientStream(t *testing.T) {
	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextStart, TextID: "t0"},
			{Type: TextDelta, Delta: "Hello", TextID: "t0"},
			{Type: TextDelta, Delta: " world", TextID: "t0"},
			{Type: TextEnd, TextID: "t0"},
			{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}},
		},
	}

	client := NewClient(WithProvider("test", mock))
	ch, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var events []StreamEvent
	for event := range ch {
		events = append(events, event)
	}
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	if events[2].Delta != "Hello" {
		t.Errorf("expected delta %q, got %q", "Hello", events[2].Delta)
	}
}

func TestClientRegisterProvider(t *testing.T) {
	client := NewClient()
	client.RegisterProvider("dynamic", newMockAdapter("dynamic", "dynamic response"))

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "dynamic response" {
		t.Errorf("expected %q, got %q", "dynamic response", resp.Text())
	}
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	mock := newMockAdapter("test", "ok")
	client := NewClient(WithProvider("test", mock), WithMiddleware(LoggingMiddleware(zap.New(core))))

	ctx := WithTrace(context.Background(), TraceContext{TraceID: "tr-1", SpanID: "tr-1:r0"})
	if _, err := client.Complete(ctx, Request{Model: "m"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries := logs.FilterMessage("llm request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["trace_id"] != "tr-1" || fields["span_id"] != "tr-1:r0" {
		t.Errorf("expected trace fields, got %v", fields)
	}

	mock.err = &ServerError{ProviderError: ProviderError{StatusCode: 503, Provider: "test"}}
	if _, err := client.Complete(ctx, Request{Model: "m"}); err == nil {
		t.Fatal("expected error")
	}
	if logs.FilterMessage("llm request failed").Len() != 1 {
		t.Error("expected failure to be logged")
	}
}

type closingAdapter struct {
	*mockAdapter
	closeErr error
	closed   bool
}

func (c *closingAdapter) Close() error {
	c.closed = true
	return c.closeErr
}

func TestClientStreamMiddleware(t *testing.T) {
	mock := &mockAdapter{name: "test", events: []StreamEvent{{Type: StreamStart}}}
	var seen []string
	mw := func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		seen = append(seen, req.Provider)
		return next(ctx, req)
	}
	client := NewClient(WithProvider("test", mock), WithStreamMiddleware(mw))

	ch, err := client.Stream(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for range ch {
	}
	if len(seen) != 1 || seen[0] != "test" {
		t.Errorf("expected middleware to see the resolved provider, got %v", seen)
	}
}

func TestClientCloseCollectsErrors(t *testing.T) {
	ok := &closingAdapter{mockAdapter: newMockAdapter("ok", "")}
	broken := &closingAdapter{mockAdapter: newMockAdapter("broken", ""), closeErr: errors.New("socket busy")}
	client := NewClient(WithProvider("ok", ok), WithProvider("broken", broken), WithProvider("plain", newMockAdapter("plain", "")))

	err := client.Close()
	if err == nil || err.Error() != "close broken: socket busy" {
		t.Errorf("expected the broken adapter's error, got %v", err)
	}
	if !ok.closed || !broken.closed {
		t.Error("expected every closer to be closed")
	}
}
