package toolexec

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

const defaultCharLimit = 30000

// DefaultCharLimits caps tool output by characters before it enters the conversation.
var DefaultCharLimits = map[string]int{
	"read_file":          50000,
	"shell":              30000,
	"grep":               20000,
	"glob":               20000,
	"edit_file":          10000,
	"write_file":         1000,
	"delegate_sub_agent": 20000,
}

// DefaultTruncationModes picks head/tail or tail-only truncation per tool.
var DefaultTruncationModes = map[string]TruncationMode{
	"grep":       TruncateTail,
	"glob":       TruncateTail,
	"edit_file":  TruncateTail,
	"write_file": TruncateTail,
}

// DefaultLineLimits is applied after character truncation.
var DefaultLineLimits = map[string]int{
	"shell": 256,
	"grep":  200,
	"glob":  500,
}

// Limits overrides the default truncation limits per tool.
type Limits struct {
	Chars map[string]int `yaml:"chars"`
	Lines map[string]int `yaml:"lines"`
}

// TruncateOutput applies character-based truncation.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars
	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed.]\n\n", removed) +
			output[len(output)-maxChars:]
	}
	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"If you need specific parts, re-run the tool with more targeted parameters.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines keeps the first and last lines of output, maxLines in total.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// Truncate applies character then line truncation for a tool.
func (l Limits) Truncate(toolName, output string) string {
	maxChars, ok := l.Chars[toolName]
	if !ok {
		maxChars, ok = DefaultCharLimits[toolName]
		if !ok {
			maxChars = defaultCharLimit
		}
	}
	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)

	maxLines, ok := l.Lines[toolName]
	if !ok {
		maxLines = DefaultLineLimits[toolName]
	}
	return TruncateLines(result, maxLines)
}
