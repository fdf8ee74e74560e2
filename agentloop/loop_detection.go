package agentloop

import (
	"fmt"

	"github.com/martinemde/cinch/toolexec"
	"github.com/martinemde/cinch/unifiedllm"
)

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(call unifiedllm.ToolCall) string {
	return fmt.Sprintf("%s:%016x", call.Name, toolexec.HashArguments(string(call.Arguments)))
}

// LoopDetector remembers recent tool call signatures.
type LoopDetector struct {
	window int
	sigs   []string
}

// NewLoopDetector creates a detector over the last window calls.
func NewLoopDetector(window int) *LoopDetector {
	return &LoopDetector{window: window}
}

// Observe records a round's calls in order.
func (d *LoopDetector) Observe(calls []unifiedllm.ToolCall) {
	for _, c := range calls {
		d.sigs = append(d.sigs, toolCallSignature(c))
	}
	if extra := len(d.sigs) - d.window; extra > 0 {
		d.sigs = append(d.sigs[:0], d.sigs[extra:]...)
	}
}

// Reset forgets the recorded calls, typically after steering was injected.
func (d *LoopDetector) Reset() { d.sigs = d.sigs[:0] }

// Detected checks if the last window tool calls follow a repeating pattern
// of length 1, 2, or 3.
func (d *LoopDetector) Detected() bool {
	windowSize := d.window
	if windowSize <= 0 || len(d.sigs) < windowSize {
		return false
	}
	sigs := d.sigs[len(d.sigs)-windowSize:]

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}

func loopWarning(window int) string {
	return fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", window)
}
