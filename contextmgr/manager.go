package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/martinemde/cinch/unifiedllm"
)

// ErrEmptySummary is reported when the summarization call returns no text.
var ErrEmptySummary = errors.New("summarization returned no text")

// SummarizeFunc sends a summarization request. The caller owns retries and
// cost accounting.
type SummarizeFunc func(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)

// Config groups the context management settings of a run.
type Config struct {
	KeepRecent        int              `yaml:"keep_recent" validate:"gte=0"`
	EvictionEnabled   bool             `yaml:"eviction_enabled"`
	SummarizerEnabled bool             `yaml:"summarizer_enabled"`
	Eviction          EvictionConfig   `yaml:"eviction"`
	Summarizer        SummarizerConfig `yaml:"summarizer"`
}

// DefaultConfig enables eviction and summarization with default settings.
func DefaultConfig() Config {
	return Config{
		KeepRecent:        DefaultKeepRecent,
		EvictionEnabled:   true,
		SummarizerEnabled: true,
		Eviction:          DefaultEvictionConfig(),
		Summarizer:        DefaultSummarizerConfig(),
	}
}

// CompactionReport describes what one Compact call did.
type CompactionReport struct {
	Before        Usage
	After         Usage
	Eviction      EvictionReport
	Summarized    bool
	SummaryModel  string
	SummaryUsage  unifiedllm.Usage
	HardTruncated int
	Err           error
}

// Changed reports whether the layout was modified.
func (r CompactionReport) Changed() bool {
	return r.Eviction.Evicted > 0 || r.Summarized || r.HardTruncated > 0
}

// Manager owns the layout, budget, evictor and summarizer of one run. It is
// used from the loop goroutine only.
type Manager struct {
	cfg        Config
	budget     *Budget
	layout     *Layout
	evictor    *Evictor
	summarizer *Summarizer
	logger     *zap.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager with an empty layout.
func NewManager(cfg Config, budget *Budget, opts ...ManagerOption) *Manager {
	if cfg.Eviction.TargetFraction <= 0 {
		cfg.Eviction.TargetFraction = WarningThreshold
	}
	if budget == nil {
		budget = NewBudget()
	}
	m := &Manager{
		cfg:        cfg,
		budget:     budget,
		layout:     NewLayout(cfg.KeepRecent),
		evictor:    NewEvictor(cfg.Eviction),
		summarizer: NewSummarizer(cfg.Summarizer),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Budget() *Budget         { return m.budget }
func (m *Manager) Layout() *Layout         { return m.layout }
func (m *Manager) Summarizer() *Summarizer { return m.summarizer }
func (m *Manager) Evictor() *Evictor       { return m.evictor }

// SetPrefix pins the system prompt and initial task.
func (m *Manager) SetPrefix(msgs []unifiedllm.Message) { m.layout.SetPrefix(msgs) }

// Push appends a message to the conversation.
func (m *Manager) Push(msg unifiedllm.Message) { m.layout.Push(msg) }

// RecordToolResult registers eviction metadata for a result just pushed.
func (m *Manager) RecordToolResult(meta ToolResultMeta) {
	if meta.EstimatedTokens == 0 {
		meta.EstimatedTokens = m.budget.Tokens(meta.Bytes)
	}
	m.evictor.Record(meta)
}

// Usage estimates the current layout's consumption.
func (m *Manager) Usage() Usage {
	return m.budget.EstimateUsage(m.layout.Messages())
}

// Outbound renders the messages for the next request, with the budget
// advisory appended when usage is at or above the warning threshold. The
// advisory is not stored in the layout.
func (m *Manager) Outbound() []unifiedllm.Message {
	msgs := m.layout.Messages()
	if advisory, ok := m.budget.Advisory(msgs); ok {
		msgs = append(msgs, unifiedllm.UserMessage(advisory))
	}
	return msgs
}

// Compact runs eviction and then summarization when usage is at or above
// CriticalThreshold. Below the threshold it does nothing. Summarization
// failures are reported in the result and leave the layout unchanged.
//
// When a summary would shrink the layout by less than MinReductionFraction,
// it is discarded and the oldest middle messages are dropped instead until
// usage reaches the eviction target.
func (m *Manager) Compact(ctx context.Context, round int, model string, summarize SummarizeFunc) CompactionReport {
	usage := m.Usage()
	report := CompactionReport{Before: usage, After: usage}
	if !usage.Critical() {
		return report
	}
	target := int(float64(m.budget.EffectiveMaxTokens()) * m.cfg.Eviction.TargetFraction)

	if m.cfg.EvictionEnabled {
		report.Eviction = m.evictor.Evict(m.layout, m.budget, round, target)
		if report.Eviction.Evicted > 0 {
			usage = m.Usage()
			m.logger.Debug("evicted tool results",
				zap.Int("round", round),
				zap.Int("evicted", report.Eviction.Evicted),
				zap.Int("freed_bytes", report.Eviction.FreedBytes),
				zap.String("context", usage.ToLogString()),
			)
		}
	}
	report.After = usage
	if !usage.Critical() || !m.cfg.SummarizerEnabled || summarize == nil || m.layout.MiddleLen() == 0 {
		return report
	}

	m.summarizer.Summary = m.layout.Summary()
	req := m.summarizer.Request(m.layout.Middle(), model)
	report.SummaryModel = req.Model
	resp, err := summarize(ctx, req)
	if err != nil {
		report.Err = fmt.Errorf("summarize context: %w", err)
		m.logger.Warn("summarization failed, continuing without compaction",
			zap.Int("round", round), zap.String("model", req.Model), zap.Error(err))
		return report
	}
	report.SummaryUsage = resp.Usage
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		report.Err = ErrEmptySummary
		return report
	}

	pre := usage.EstimatedTokens
	post := m.budget.Tokens(m.layout.charsWithSummary(text))
	if float64(pre-post) < m.cfg.Summarizer.MinReductionFraction*float64(pre) {
		for m.layout.MiddleLen() > 0 && m.budget.Tokens(m.layout.Chars()) > target {
			report.HardTruncated += m.layout.DropOldest()
		}
		m.logger.Warn("summary did not reduce context enough, dropped oldest messages",
			zap.Int("round", round),
			zap.Int("pre_tokens", pre),
			zap.Int("summary_tokens", post),
			zap.Int("dropped", report.HardTruncated),
		)
	} else {
		covered := m.layout.MiddleLen()
		m.layout.ApplyCompaction(text)
		m.summarizer.Apply(text, m.summarizer.Boundary+covered)
		report.Summarized = true
	}
	m.evictor.Prune(m.layout)
	report.After = m.Usage()
	m.logger.Debug("context compacted",
		zap.Int("round", round),
		zap.Bool("summarized", report.Summarized),
		zap.String("before", report.Before.ToLogString()),
		zap.String("after", report.After.ToLogString()),
	)
	return report
}

// State is the serializable form of a Manager.
type State struct {
	Layout      LayoutState      `json:"layout"`
	Summarizer  SummarizerState  `json:"summarizer"`
	ToolResults []ToolResultMeta `json:"tool_results,omitempty"`
}

// State captures the manager for a checkpoint.
func (m *Manager) State() State {
	return State{
		Layout:      m.layout.State(),
		Summarizer:  m.summarizer.State(),
		ToolResults: m.evictor.Metas(),
	}
}

// Restore replaces the manager's state with a checkpointed one.
func (m *Manager) Restore(s State) {
	if s.Layout.KeepRecent <= 0 {
		s.Layout.KeepRecent = m.cfg.KeepRecent
	}
	m.layout = RestoreLayout(s.Layout)
	m.summarizer.Restore(s.Summarizer)
	m.evictor = NewEvictor(m.cfg.Eviction)
	for _, meta := range s.ToolResults {
		m.evictor.Record(meta)
	}
}
