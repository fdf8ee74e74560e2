// Package contextmgr keeps a conversation inside the model's context window.
//
// A Layout splits the conversation into a pinned prefix, a compressed
// summary of older history, a middle zone that may still be compacted, and
// a raw recency window. A Budget estimates how much of the window the
// outbound messages use. When usage crosses the critical threshold the
// Manager first evicts old tool results from the middle zone, then asks the
// model to fold the middle zone into the running summary.
package contextmgr

import (
	"fmt"
	"strings"

	"github.com/martinemde/cinch/unifiedllm"
)

const (
	// DefaultCharsPerToken is the conservative estimate used before
	// calibration.
	DefaultCharsPerToken = 3.5

	// WarningThreshold is the usage fraction at which an advisory is added.
	WarningThreshold = 0.60
	// CriticalThreshold is the usage fraction that triggers eviction and
	// summarization.
	CriticalThreshold = 0.80
)

// Usage is a point-in-time estimate of context consumption.
type Usage struct {
	EstimatedTokens int     `json:"estimated_tokens"`
	MaxTokens       int     `json:"max_tokens"`
	Fraction        float64 `json:"fraction"`
}

// ToLogString formats the usage for log lines.
func (u Usage) ToLogString() string {
	return fmt.Sprintf("context: ~%d tokens (%.0f%% of %d)", u.EstimatedTokens, u.Fraction*100, u.MaxTokens)
}

// Warning reports whether usage is at or above WarningThreshold.
func (u Usage) Warning() bool { return u.Fraction >= WarningThreshold }

// Critical reports whether usage is at or above CriticalThreshold.
func (u Usage) Critical() bool { return u.Fraction >= CriticalThreshold }

// Budget estimates token usage from character counts.
type Budget struct {
	maxTokens       int
	outputReserve   int
	systemReserve   int
	charsPerToken   float64
	warningMessage  string
	criticalMessage string
}

// BudgetOption configures a Budget.
type BudgetOption func(*Budget)

// WithMaxTokens sets the model's context window.
func WithMaxTokens(n int) BudgetOption {
	return func(b *Budget) {
		if n > 0 {
			b.maxTokens = n
		}
	}
}

// WithOutputReserve reserves room for the model's response.
func WithOutputReserve(n int) BudgetOption {
	return func(b *Budget) { b.outputReserve = max(n, 0) }
}

// WithSystemReserve reserves room for provider-side system overhead.
func WithSystemReserve(n int) BudgetOption {
	return func(b *Budget) { b.systemReserve = max(n, 0) }
}

// WithCharsPerToken overrides the chars-per-token ratio, typically with a
// value from CalibrateCharsPerToken.
func WithCharsPerToken(cpt float64) BudgetOption {
	return func(b *Budget) {
		if cpt > 0 {
			b.charsPerToken = cpt
		}
	}
}

// WithWarningMessage replaces the default warning advisory.
func WithWarningMessage(msg string) BudgetOption {
	return func(b *Budget) { b.warningMessage = msg }
}

// WithCriticalMessage replaces the default critical advisory.
func WithCriticalMessage(msg string) BudgetOption {
	return func(b *Budget) { b.criticalMessage = msg }
}

// NewBudget creates a Budget for the default context window.
func NewBudget(opts ...BudgetOption) *Budget {
	b := &Budget{
		maxTokens:     unifiedllm.DefaultContextWindow,
		charsPerToken: DefaultCharsPerToken,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// MaxTokens returns the raw context window.
func (b *Budget) MaxTokens() int { return b.maxTokens }

// CharsPerToken returns the ratio used for estimates.
func (b *Budget) CharsPerToken() float64 { return b.charsPerToken }

// EffectiveMaxTokens is the window minus the output and system reserves.
// Thresholds are measured against it.
func (b *Budget) EffectiveMaxTokens() int {
	return max(b.maxTokens-b.outputReserve-b.systemReserve, 0)
}

// Tokens converts a character count to estimated tokens.
func (b *Budget) Tokens(chars int) int {
	return int(float64(chars) / b.charsPerToken)
}

// EstimateUsage estimates the tokens consumed by msgs.
func (b *Budget) EstimateUsage(msgs []unifiedllm.Message) Usage {
	return b.usageForChars(totalChars(msgs))
}

func (b *Budget) usageForChars(chars int) Usage {
	tokens := b.Tokens(chars)
	effective := b.EffectiveMaxTokens()
	fraction := 1.0
	if effective > 0 {
		fraction = float64(tokens) / float64(effective)
	}
	return Usage{EstimatedTokens: tokens, MaxTokens: b.maxTokens, Fraction: fraction}
}

// Advisory returns a notice to append to the outbound messages when usage
// is at or above WarningThreshold.
func (b *Budget) Advisory(msgs []unifiedllm.Message) (string, bool) {
	u := b.EstimateUsage(msgs)
	switch {
	case u.Critical():
		if b.criticalMessage != "" {
			return b.criticalMessage, true
		}
		return fmt.Sprintf("[Context notice: ~%.0f%% of context budget used (%d est. tokens / %d max). "+
			"Finish the task now with what you have. Do not start new exploration.]",
			u.Fraction*100, u.EstimatedTokens, u.MaxTokens), true
	case u.Warning():
		if b.warningMessage != "" {
			return b.warningMessage, true
		}
		return fmt.Sprintf("[Context notice: ~%.0f%% of context budget used. "+
			"Prefer finishing over gathering more data. Wrap up remaining tool calls soon.]",
			u.Fraction*100), true
	default:
		return "", false
	}
}

func totalChars(msgs []unifiedllm.Message) int {
	n := 0
	for _, m := range msgs {
		n += m.ContentLength()
	}
	return n
}

// Tokenizer is the subset of a BPE encoder used for calibration.
type Tokenizer interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// CalibrateWith measures the chars-per-token ratio of samples with tok.
// It returns DefaultCharsPerToken when the samples are empty.
func CalibrateWith(tok Tokenizer, samples []string) float64 {
	chars, tokens := 0, 0
	for _, s := range samples {
		if strings.TrimSpace(s) == "" {
			continue
		}
		chars += len(s)
		tokens += len(tok.Encode(s, nil, nil))
	}
	if chars == 0 || tokens == 0 {
		return DefaultCharsPerToken
	}
	return float64(chars) / float64(tokens)
}
