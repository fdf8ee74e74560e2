package unifiedllm

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
)

// StreamHandler receives events while CollectStream drains a stream.
type StreamHandler func(StreamEvent)

type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// CollectStream drains a stream into a Response. Text and reasoning deltas are
// concatenated; tool call fragments are merged by index with argument text
// appended in arrival order. If the provider attached a final Response to the
// finish event its id, model and usage are kept. Each event is passed to
// onEvent first when it is non-nil.
func CollectStream(ctx context.Context, events <-chan StreamEvent, onEvent StreamHandler) (*Response, error) {
	var text, reasoning strings.Builder
	builders := map[int]*toolCallBuilder{}
	var finish *FinishReason
	var usage *Usage
	var final *Response

	for {
		select {
		case <-ctx.Done():
			return nil, &AbortError{SDKError: SDKError{Message: "stream cancelled", Cause: ctx.Err()}}
		case ev, ok := <-events:
			if !ok {
				return assemble(final, text.String(), reasoning.String(), builders, finish, usage), nil
			}
			if onEvent != nil {
				onEvent(ev)
			}
			switch ev.Type {
			case TextDelta:
				text.WriteString(ev.Delta)
			case ReasoningDelta:
				reasoning.WriteString(ev.ReasoningDelta)
			case ToolCallDelta:
				if ev.ToolCall == nil {
					continue
				}
				b, ok := builders[ev.ToolCall.Index]
				if !ok {
					b = &toolCallBuilder{}
					builders[ev.ToolCall.Index] = b
				}
				if ev.ToolCall.ID != "" {
					b.id = ev.ToolCall.ID
				}
				if ev.ToolCall.Name != "" {
					b.name = ev.ToolCall.Name
				}
				b.args.WriteString(ev.ToolCall.ArgumentsDelta)
			case StreamFinish:
				finish = ev.FinishReason
				usage = ev.Usage
				final = ev.Response
			case StreamError:
				if ev.Error != nil {
					return nil, ev.Error
				}
				return nil, &StreamErrorType{SDKError: SDKError{Message: "stream reported an error"}}
			}
		}
	}
}

func assemble(final *Response, text, reasoning string, builders map[int]*toolCallBuilder, finish *FinishReason, usage *Usage) *Response {
	resp := &Response{}
	if final != nil {
		resp.ID = final.ID
		resp.Model = final.Model
		resp.Provider = final.Provider
		resp.Usage = final.Usage
		resp.FinishReason = final.FinishReason
	}
	if usage != nil {
		resp.Usage = *usage
	}
	if finish != nil {
		resp.FinishReason = *finish
	}

	var parts []ContentPart
	if reasoning != "" {
		parts = append(parts, ContentPart{Kind: ContentThinking, Thinking: &ThinkingData{Text: reasoning}})
	}
	if text != "" {
		parts = append(parts, TextPart(text))
	}

	indexes := make([]int, 0, len(builders))
	for i := range builders {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		b := builders[i]
		args := json.RawMessage(b.args.String())
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		parts = append(parts, ToolCallPart(b.id, b.name, args))
	}
	resp.Message = Message{Role: RoleAssistant, Content: parts}

	if resp.FinishReason.Reason == "" {
		resp.FinishReason = FinishReason{Reason: "stop"}
		if len(builders) > 0 {
			resp.FinishReason = FinishReason{Reason: "tool_calls"}
		}
	}
	return resp
}
