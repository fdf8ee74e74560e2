package agentloop

import (
	"fmt"
	"path/filepath"
	"strings"
)

const defaultMemoryLines = 200

// DefaultMemoryPrompt teaches the model to keep notes in a memory/ directory
// that outlives the session.
const DefaultMemoryPrompt = `# File-based memory

The memory/ directory in the working directory persists across sessions. Use it as your long-term memory.

- Read memory/learnings.md before you start. Earlier sessions left notes there for you.
- Keep working notes for the current task in memory/scratchpad.md and overwrite it freely.
- Before you finish, append what you learned to memory/learnings.md under a dated heading: what you observed, what it taught you and what to do differently next time.
- Other memory/*.md files may hold topic notes. Create them when a subject deserves its own file.

Keep entries short and actionable. When learnings.md grows past about 200 lines, merge duplicates and delete advice that no longer applies.`

// MemoryConfig controls the memory section of the system prompt.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Prompt replaces DefaultMemoryPrompt.
	Prompt string `yaml:"prompt,omitempty"`
	// File is an index loaded into the prompt, relative to the working
	// directory. Only its first MaxLines lines are included.
	File     string `yaml:"file,omitempty" env:"FILE"`
	MaxLines int    `yaml:"max_lines" env:"MAX_LINES" validate:"gte=0"`
}

// MemorySection renders the memory instructions and the head of the memory
// file for env. It returns "" when memory is disabled. A missing memory file
// is not an error: the model has not written one yet.
func MemorySection(env ExecutionEnvironment, cfg MemoryConfig) string {
	if !cfg.Enabled {
		return ""
	}
	prompt := cfg.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultMemoryPrompt
	}
	if cfg.File == "" {
		return prompt
	}
	content, err := env.ReadRaw(cfg.File)
	if err != nil || strings.TrimSpace(content) == "" {
		return prompt
	}

	limit := cfg.MaxLines
	if limit <= 0 {
		limit = defaultMemoryLines
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	var b strings.Builder
	b.WriteString(prompt)
	fmt.Fprintf(&b, "\n\n## Memory index (%s)\n\n", filepath.ToSlash(cfg.File))
	if len(lines) > limit {
		b.WriteString(strings.Join(lines[:limit], "\n"))
		fmt.Fprintf(&b, "\n[%d more lines not shown. Consolidate %s.]", len(lines)-limit, filepath.Base(cfg.File))
	} else {
		b.WriteString(strings.Join(lines, "\n"))
	}
	return b.String()
}
