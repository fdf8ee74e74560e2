package contextmgr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/martinemde/cinch/unifiedllm"
)

func userMsgs(texts ...string) []unifiedllm.Message {
	out := make([]unifiedllm.Message, len(texts))
	for i, t := range texts {
		out[i] = unifiedllm.UserMessage(t)
	}
	return out
}

func TestBudgetNoAdvisoryAtLowUsage(t *testing.T) {
	b := NewBudget()
	_, ok := b.Advisory(userMsgs("hello"))
	assert.False(t, ok)
	assert.Equal(t, 200000, b.MaxTokens())
}

func TestBudgetWarningAndCritical(t *testing.T) {
	b := NewBudget(WithMaxTokens(1000))

	advisory, ok := b.Advisory(userMsgs(strings.Repeat("x", 2200)))
	assert.True(t, ok)
	assert.Contains(t, advisory, "Prefer finishing")
	assert.Contains(t, advisory, "~63%")

	advisory, ok = b.Advisory(userMsgs(strings.Repeat("x", 3000)))
	assert.True(t, ok)
	assert.Contains(t, advisory, "Finish the task now")
	assert.Contains(t, advisory, "857 est. tokens / 1000 max")
}

func TestBudgetCustomMessages(t *testing.T) {
	b := NewBudget(WithMaxTokens(1000), WithWarningMessage("wrap up"), WithCriticalMessage("STOP NOW"))
	advisory, _ := b.Advisory(userMsgs(strings.Repeat("x", 2200)))
	assert.Equal(t, "wrap up", advisory)
	advisory, _ = b.Advisory(userMsgs(strings.Repeat("x", 3000)))
	assert.Equal(t, "STOP NOW", advisory)
}

func TestBudgetReserves(t *testing.T) {
	b := NewBudget(WithMaxTokens(1000), WithOutputReserve(200), WithSystemReserve(100))
	assert.Equal(t, 700, b.EffectiveMaxTokens())

	u := b.EstimateUsage(userMsgs(strings.Repeat("x", 1225)))
	assert.Equal(t, 350, u.EstimatedTokens)
	assert.Equal(t, 1000, u.MaxTokens)
	assert.InDelta(t, 0.5, u.Fraction, 1e-9)

	full := NewBudget(WithMaxTokens(100), WithOutputReserve(500))
	assert.Equal(t, 0, full.EffectiveMaxTokens())
	assert.True(t, full.EstimateUsage(nil).Critical())
}

func TestBudgetAccumulatesAcrossMessages(t *testing.T) {
	b := NewBudget(WithCharsPerToken(4))
	u := b.EstimateUsage(userMsgs(strings.Repeat("a", 400), strings.Repeat("b", 400)))
	assert.Equal(t, 200, u.EstimatedTokens)
}

func TestUsageToLogString(t *testing.T) {
	u := Usage{EstimatedTokens: 500, MaxTokens: 1000, Fraction: 0.5}
	assert.Equal(t, "context: ~500 tokens (50% of 1000)", u.ToLogString())
	assert.False(t, u.Warning())
	assert.True(t, Usage{Fraction: 0.6}.Warning())
	assert.True(t, Usage{Fraction: 0.8}.Critical())
}

type fixedRatioTokenizer struct{ ratio int }

func (f fixedRatioTokenizer) Encode(text string, _, _ []string) []int {
	return make([]int, len(text)/f.ratio)
}

func TestCalibrateWith(t *testing.T) {
	assert.InDelta(t, 4.0, CalibrateWith(fixedRatioTokenizer{4}, []string{strings.Repeat("x", 400), strings.Repeat("y", 800)}), 1e-9)
	assert.Equal(t, DefaultCharsPerToken, CalibrateWith(fixedRatioTokenizer{4}, nil))
	assert.Equal(t, DefaultCharsPerToken, CalibrateWith(fixedRatioTokenizer{4}, []string{"   "}))
}
