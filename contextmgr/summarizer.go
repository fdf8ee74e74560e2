package contextmgr

import (
	"fmt"
	"strings"

	"github.com/martinemde/cinch/unifiedllm"
)

// SummarizationPrompt is the system instruction for compaction requests.
const SummarizationPrompt = `Summarize the following conversation messages concisely. Cover:
- What was accomplished (completed subtasks, files modified)
- Key findings and decisions
- Approaches that failed, and why
- File paths and function names mentioned
- The current plan and what remains to be done

Rules:
- Only include facts stated in the messages. Do not infer.
- Keep file paths, function names and error messages verbatim.
- Be brief.
- If an existing summary is given, merge the new information into it. Integrate and deduplicate rather than append. The result replaces the existing summary entirely.`

const (
	defaultMaxSummaryTokens     = 2048
	defaultMinReductionFraction = 0.20
	summaryTemperature          = 0.3
)

// SummarizerConfig controls compaction requests.
type SummarizerConfig struct {
	// Model overrides the round's model for summarization.
	Model                string  `yaml:"model"`
	MaxSummaryTokens     int     `yaml:"max_summary_tokens" validate:"gte=0"`
	MinReductionFraction float64 `yaml:"min_reduction_fraction" validate:"gte=0,lte=1"`
}

// DefaultSummarizerConfig returns the default summarizer settings.
func DefaultSummarizerConfig() SummarizerConfig {
	return SummarizerConfig{
		MaxSummaryTokens:     defaultMaxSummaryTokens,
		MinReductionFraction: defaultMinReductionFraction,
	}
}

// Summarizer holds the running summary and how many messages it covers.
type Summarizer struct {
	Summary  string
	Boundary int
	Config   SummarizerConfig
}

// NewSummarizer creates a Summarizer with no summary.
func NewSummarizer(cfg SummarizerConfig) *Summarizer {
	if cfg.MaxSummaryTokens <= 0 {
		cfg.MaxSummaryTokens = defaultMaxSummaryTokens
	}
	return &Summarizer{Config: cfg}
}

// BuildPrompt returns the system and user text for summarizing span.
// Messages are included in full.
func (s *Summarizer) BuildPrompt(span []unifiedllm.Message) (system, user string) {
	var sb strings.Builder
	if s.Summary != "" {
		sb.WriteString("=== EXISTING SUMMARY ===\n")
		sb.WriteString(s.Summary)
		sb.WriteString("\n\n=== NEW MESSAGES TO SUMMARIZE ===\n")
	}
	for _, m := range span {
		text := m.Body()
		if text == "" {
			text = "[no content]"
		}
		fmt.Fprintf(&sb, "[%s]: %s\n\n", m.Role, text)
	}
	return SummarizationPrompt, sb.String()
}

// Request builds the completion request for span. The model defaults to
// mainModel.
func (s *Summarizer) Request(span []unifiedllm.Message, mainModel string) unifiedllm.Request {
	system, user := s.BuildPrompt(span)
	maxTokens := s.Config.MaxSummaryTokens
	temp := summaryTemperature
	return unifiedllm.Request{
		Model:       s.ModelFor(mainModel),
		Messages:    []unifiedllm.Message{unifiedllm.SystemMessage(system), unifiedllm.UserMessage(user)},
		MaxTokens:   &maxTokens,
		Temperature: &temp,
	}
}

// ModelFor returns the configured model, or mainModel when none is set.
func (s *Summarizer) ModelFor(mainModel string) string {
	if s.Config.Model != "" {
		return s.Config.Model
	}
	return mainModel
}

// Apply replaces the running summary and advances the boundary.
func (s *Summarizer) Apply(summary string, boundary int) {
	s.Summary = summary
	s.Boundary = boundary
}

// SummarizerState is the serializable form of a Summarizer.
type SummarizerState struct {
	Summary  string `json:"summary,omitempty"`
	Boundary int    `json:"boundary"`
}

// State captures the summarizer for a checkpoint.
func (s *Summarizer) State() SummarizerState {
	return SummarizerState{Summary: s.Summary, Boundary: s.Boundary}
}

// Restore loads a checkpointed state.
func (s *Summarizer) Restore(st SummarizerState) {
	s.Summary = st.Summary
	s.Boundary = st.Boundary
}
