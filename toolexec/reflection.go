package toolexec

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const argsPreviewChars = 200

type failurePattern struct {
	markers []string
	advice  string
}

var failurePatterns = []failurePattern{
	{[]string{"not found", "no such file", "does not exist"},
		"Check that the file path is correct. Use glob or grep to discover the right path."},
	{[]string{"permission denied", "access denied"},
		"The file or directory may have restricted permissions. Try a different approach."},
	{[]string{"path traversal", "outside"},
		"The path must be within the working directory. Use a relative path."},
	{[]string{"blocked", "forbidden"},
		"This command is blocked for safety. Try an alternative approach."},
	{[]string{"timed out", "timeout"},
		"The operation took too long. Try with smaller input or different arguments."},
	{[]string{"json", "parse"},
		"Check that the arguments are valid JSON with correct field names and types."},
	{[]string{"must read"},
		"Read the file with read_file first, then retry the edit against its current content."},
}

// FormatFailure turns a tool error into a message that helps the model
// recover: the error, likely causes matched from known patterns, and a
// preview of the arguments that were used.
func FormatFailure(toolName, arguments, errText string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Error from tool '%s':\n  %s\n", toolName, errText)

	suggestions := analyzeFailure(toolName, errText)
	sb.WriteString("\nPossible causes and recovery:\n")
	for _, s := range suggestions {
		fmt.Fprintf(&sb, "  - %s\n", s)
	}

	preview, truncated := truncateRunes(arguments, argsPreviewChars)
	fmt.Fprintf(&sb, "\nArguments used: %s", preview)
	if truncated {
		sb.WriteString("...")
	}
	return sb.String()
}

func analyzeFailure(toolName, errText string) []string {
	lower := strings.ToLower(errText)
	var out []string
	for _, p := range failurePatterns {
		for _, m := range p.markers {
			if strings.Contains(lower, m) {
				out = append(out, p.advice)
				break
			}
		}
	}
	if toolName == "read_file" && len(out) > 0 && strings.Contains(lower, "not found") {
		out = append(out, "The file may have been moved or renamed. Try searching with grep or glob.")
	}
	if len(out) == 0 {
		out = append(out,
			"Review the error message and adjust your approach.",
			"Consider whether a different tool or smaller step would work better.",
		)
	}
	return out
}

func truncateRunes(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}
