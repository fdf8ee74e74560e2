package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

var defaultModels = map[string]string{
	"anthropic": "claude-sonnet-4-5",
	"openai":    "gpt-4o-mini",
}

// NewGollmAdapter creates a GollmAdapter for the given provider. If apiKey is
// empty gollm reads it from the environment.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		maxTokens:   1024,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		model = defaultModels[provider]
	}
	if model == "" {
		if models := ListModels(provider); len(models) > 0 {
			model = models[0].ID
		}
	}
	if model == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("no default model known for provider %q", provider),
		}}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(baseModelName(model)),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // Retry owns backoff.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("create gollm client for %s", provider),
			Cause:   err,
		}}
	}

	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream sends a streaming request. Text arrives as deltas; tool calls are
// recovered from the full text and emitted as fragments before the finish event.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	ch := make(chan StreamEvent, 64)

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			ch <- StreamEvent{Type: StreamStart}
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
				return
			}
			a.emitCompleted(ch, req, text)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		ch <- StreamEvent{Type: StreamStart}

		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			full.WriteString(token.Text)
		}
		a.emitCompleted(ch, req, full.String())
	}()

	return ch, nil
}

// emitCompleted sends the visible text, tool call fragments and the finish event
// for a fully generated reply.
func (a *GollmAdapter) emitCompleted(ch chan<- StreamEvent, req Request, text string) {
	resp := a.buildResponse(req, text)

	const textID = "text_0"
	if visible := resp.Text(); visible != "" {
		ch <- StreamEvent{Type: TextStart, TextID: textID}
		ch <- StreamEvent{Type: TextDelta, Delta: visible, TextID: textID}
		ch <- StreamEvent{Type: TextEnd, TextID: textID}
	}
	for i, call := range resp.ToolCallsFromResponse() {
		ch <- StreamEvent{Type: ToolCallDelta, ToolCall: &ToolCallFragment{
			Index: i, ID: call.ID, Name: call.Name, ArgumentsDelta: string(call.Arguments),
		}}
	}
	ch <- StreamEvent{
		Type:         StreamFinish,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
		Response:     resp,
	}
}

// SupportsToolChoice reports whether the adapter supports a particular tool choice mode.
func (a *GollmAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required":
		return true
	case "named":
		return a.provider != "gemini"
	default:
		return false
	}
}

// translateRequest flattens the conversation into a single gollm prompt. System
// messages become the system prompt; everything else is rendered in order with
// role markers so tool rounds stay legible to the model.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var system []string
	var turns []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.TextContent())
		case RoleUser:
			turns = append(turns, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				turns = append(turns, "[Assistant]: "+text)
			}
			for _, call := range msg.ToolCalls() {
				turns = append(turns, fmt.Sprintf("[Tool Call %s]: %s %s", call.ID, call.Name, string(call.Arguments)))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				prefix := "[Tool Result " + part.ToolResult.ToolCallID + "]"
				if part.ToolResult.IsError {
					prefix = "[Tool Error " + part.ToolResult.ToolCallID + "]"
				}
				turns = append(turns, prefix+": "+part.ToolResult.Text())
			}
		}
	}

	text := strings.Join(turns, "\n")
	if text == "" {
		text = "Continue."
	}

	var opts []gollm.PromptOption
	if len(system) > 0 {
		opts = append(opts, gollm.WithSystemPrompt(strings.Join(system, "\n"), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		opts = append(opts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		opts = append(opts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(text, opts...)
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", baseModelName(req.Model))
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs a unified Response from generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	visible, calls := splitToolCalls(text)

	var parts []ContentPart
	if visible != "" {
		parts = append(parts, TextPart(visible))
	}
	for i := range calls {
		parts = append(parts, ContentPart{Kind: ContentToolCall, ToolCall: &calls[i]})
	}

	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	// gollm does not surface provider usage; estimate from text length.
	input := estimateTokens(req)
	output := approxTokens(len(text))
	return &Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
		Usage:        Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output},
	}
}

type rawToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// splitToolCalls separates tool calls embedded in a reply as JSON, either
// {"tool_calls":[...]} or a bare [{"name":...}] array, from the prose before it.
func splitToolCalls(text string) (string, []ToolCallData) {
	start := strings.Index(text, `{"tool_calls"`)
	wrapped := start >= 0
	if !wrapped {
		start = strings.Index(text, `[{"name"`)
	}
	if start < 0 {
		return text, nil
	}

	var raw []rawToolCall
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if wrapped {
		var envelope struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		if err := dec.Decode(&envelope); err != nil {
			return text, nil
		}
		raw = envelope.ToolCalls
	} else if err := dec.Decode(&raw); err != nil {
		return text, nil
	}

	calls := make([]ToolCallData, 0, len(raw))
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.NewString()[:8]
		}
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCallData{ID: id, Name: rc.Name, Arguments: args, Type: "function"})
	}
	if len(calls) == 0 {
		return text, nil
	}
	return strings.TrimSpace(text[:start]), calls
}

var statusPattern = regexp.MustCompile(`\b(4\d\d|5\d\d)\b`)

// translateError converts a gollm error into the unified hierarchy. A status
// code found in the message picks the type; otherwise message phrases do.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	if m := statusPattern.FindString(msg); m != "" {
		status, _ := strconv.Atoi(m)
		out := ErrorFromStatusCode(status, msg, a.provider, "")
		attachCause(out, err)
		return out
	}

	base := ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider}
	switch {
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		base.StatusCode = 401
		return &AuthenticationError{ProviderError: base}
	case strings.Contains(lower, "forbidden"):
		base.StatusCode = 403
		return &AccessDeniedError{ProviderError: base}
	case strings.Contains(lower, "rate limit"):
		base.StatusCode = 429
		return &RateLimitError{ProviderError: base}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		base.StatusCode = 413
		return &ContextLengthError{ProviderError: base}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: base}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "connection") || strings.Contains(lower, "request failed:"):
		return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
	default:
		return &base
	}
}

func attachCause(target, cause error) {
	var pe interface{ setCause(error) }
	if errors.As(target, &pe) {
		pe.setCause(cause)
	}
}

// approxTokens converts a byte count to tokens at 3.5 characters per token.
func approxTokens(chars int) int {
	return int(float64(chars)/3.5 + 0.5)
}

func estimateTokens(req Request) int {
	chars := 0
	for _, msg := range req.Messages {
		chars += msg.ContentLength()
	}
	return approxTokens(chars)
}
