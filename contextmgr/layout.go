package contextmgr

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/martinemde/cinch/unifiedllm"
)

// DefaultKeepRecent is the default size of the raw recency window.
const DefaultKeepRecent = 10

// SummaryAck is the assistant reply that follows the rendered summary.
const SummaryAck = "I've reviewed the context summary and will continue from where I left off."

// Layout holds the conversation in four zones: pinned prefix, compressed
// summary, middle and recency window. Messages enter the recency window and
// spill into the middle zone once it holds more than keepRecent messages.
// The prefix is never rewritten after SetPrefix.
//
// The recency window never starts with a tool result: results spill into
// the middle zone together with the assistant message that requested them.
type Layout struct {
	prefix      []unifiedllm.Message
	summary     string
	middle      []unifiedllm.Message
	recency     []unifiedllm.Message
	keepRecent  int
	compactions int
}

// NewLayout creates an empty Layout. keepRecent <= 0 selects DefaultKeepRecent.
func NewLayout(keepRecent int) *Layout {
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}
	return &Layout{keepRecent: keepRecent}
}

// SetPrefix pins the messages every request starts with.
func (l *Layout) SetPrefix(msgs []unifiedllm.Message) {
	l.prefix = slices.Clone(msgs)
}

// Prefix returns a copy of the pinned prefix.
func (l *Layout) Prefix() []unifiedllm.Message { return slices.Clone(l.prefix) }

// Push appends a message to the recency window. Once the window holds more
// than keepRecent messages, the oldest group (a message plus the tool results
// that answer it) spills into the middle zone, but only while at least
// keepRecent messages would remain. An assistant message and its results are
// never split across zones, so the window may exceed keepRecent by the size
// of its oldest group.
func (l *Layout) Push(msg unifiedllm.Message) {
	l.recency = append(l.recency, msg)
	for len(l.recency) > l.keepRecent {
		n := l.leadingGroup()
		if len(l.recency)-n < l.keepRecent {
			break
		}
		l.middle = append(l.middle, l.recency[:n]...)
		l.recency = slices.Delete(l.recency, 0, n)
	}
}

// leadingGroup returns the length of the first recency group.
func (l *Layout) leadingGroup() int {
	n := 1
	for n < len(l.recency) && l.recency[n].Role == unifiedllm.RoleTool {
		n++
	}
	return n
}

// Messages renders the outbound conversation: prefix, summary pair, middle
// and recency, in that order.
func (l *Layout) Messages() []unifiedllm.Message {
	out := make([]unifiedllm.Message, 0, len(l.prefix)+2+len(l.middle)+len(l.recency))
	out = append(out, l.prefix...)
	out = append(out, summaryMessages(l.summary)...)
	out = append(out, l.middle...)
	out = append(out, l.recency...)
	return out
}

func summaryMessages(summary string) []unifiedllm.Message {
	if summary == "" {
		return nil
	}
	return []unifiedllm.Message{
		unifiedllm.UserMessage(fmt.Sprintf("<context_summary>\n%s\n</context_summary>", summary)),
		unifiedllm.AssistantMessage(SummaryAck),
	}
}

// Summary returns the compressed history, or "" before the first compaction.
func (l *Layout) Summary() string { return l.summary }

// Middle returns a copy of the compactable zone.
func (l *Layout) Middle() []unifiedllm.Message { return slices.Clone(l.middle) }

// MiddleLen returns the number of messages in the middle zone.
func (l *Layout) MiddleLen() int { return len(l.middle) }

// RecencyLen returns the number of messages in the recency window.
func (l *Layout) RecencyLen() int { return len(l.recency) }

// CompactionCount returns how many summaries have been applied.
func (l *Layout) CompactionCount() int { return l.compactions }

// Chars returns the total content length of the rendered conversation.
func (l *Layout) Chars() int { return totalChars(l.Messages()) }

// charsWithSummary is the content length the layout would have if summary
// replaced the current summary and middle zone.
func (l *Layout) charsWithSummary(summary string) int {
	return totalChars(l.prefix) + totalChars(summaryMessages(summary)) + totalChars(l.recency)
}

// ApplyCompaction replaces the running summary and clears the middle zone.
// The summary is expected to already merge any previous summary.
func (l *Layout) ApplyCompaction(summary string) {
	l.summary = summary
	l.middle = nil
	l.compactions++
}

// ReplaceToolResult rewrites the content of the middle-zone tool result for
// callID. It returns the previous content length, or false when no such
// result is in the middle zone.
func (l *Layout) ReplaceToolResult(callID, content string) (int, bool) {
	for i := range l.middle {
		m := &l.middle[i]
		if m.Role != unifiedllm.RoleTool || m.ToolCallID != callID {
			continue
		}
		old := m.ContentLength()
		isError := false
		if len(m.Content) > 0 && m.Content[0].ToolResult != nil {
			isError = m.Content[0].ToolResult.IsError
		}
		raw, _ := json.Marshal(content)
		m.Content = []unifiedllm.ContentPart{unifiedllm.ToolResultPart(callID, raw, isError)}
		return old, true
	}
	return 0, false
}

// DropOldest removes the oldest middle-zone message along with any tool
// results left without their requesting assistant message. It returns the
// number of messages removed.
func (l *Layout) DropOldest() int {
	if len(l.middle) == 0 {
		return 0
	}
	n := 1
	for n < len(l.middle) && l.middle[n].Role == unifiedllm.RoleTool {
		n++
	}
	l.middle = slices.Delete(l.middle, 0, n)
	return n
}

// ContainsToolResult reports whether a result for callID is still present
// in the middle zone or recency window.
func (l *Layout) ContainsToolResult(callID string) bool {
	for _, zone := range [][]unifiedllm.Message{l.middle, l.recency} {
		for _, m := range zone {
			if m.Role == unifiedllm.RoleTool && m.ToolCallID == callID {
				return true
			}
		}
	}
	return false
}

// LayoutState is the serializable form of a Layout.
type LayoutState struct {
	Prefix      []unifiedllm.Message `json:"prefix"`
	Summary     string               `json:"summary,omitempty"`
	Middle      []unifiedllm.Message `json:"middle,omitempty"`
	Recency     []unifiedllm.Message `json:"recency,omitempty"`
	KeepRecent  int                  `json:"keep_recent"`
	Compactions int                  `json:"compactions"`
}

// State captures the layout for a checkpoint.
func (l *Layout) State() LayoutState {
	return LayoutState{
		Prefix:      slices.Clone(l.prefix),
		Summary:     l.summary,
		Middle:      slices.Clone(l.middle),
		Recency:     slices.Clone(l.recency),
		KeepRecent:  l.keepRecent,
		Compactions: l.compactions,
	}
}

// RestoreLayout rebuilds a Layout from a checkpointed state.
func RestoreLayout(s LayoutState) *Layout {
	l := NewLayout(s.KeepRecent)
	l.prefix = slices.Clone(s.Prefix)
	l.summary = s.Summary
	l.middle = slices.Clone(s.Middle)
	l.recency = slices.Clone(s.Recency)
	l.compactions = s.Compactions
	return l
}
