package contextmgr

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// EvictedPrefix starts every placeholder left by eviction.
const EvictedPrefix = "[Cleared:"

const (
	defaultMinAgeRounds = 3
	readOnlyToolFactor  = 1.5
	argsSummaryMax      = 80
)

// DefaultReadOnlyTools are evicted preferentially: their results can be
// reproduced by calling the tool again.
var DefaultReadOnlyTools = []string{"read_file", "grep", "glob", "list_dir"}

// EvictionConfig controls which tool results may be cleared.
type EvictionConfig struct {
	ProtectedTools []string `yaml:"protected_tools"`
	ReadOnlyTools  []string `yaml:"read_only_tools"`
	MinAgeRounds   int      `yaml:"min_age_rounds" validate:"gte=0"`
	// TargetFraction is the usage fraction eviction stops at.
	TargetFraction float64 `yaml:"target_fraction" validate:"gt=0,lte=1"`
}

// DefaultEvictionConfig returns the default eviction settings.
func DefaultEvictionConfig() EvictionConfig {
	return EvictionConfig{
		ReadOnlyTools:  slices.Clone(DefaultReadOnlyTools),
		MinAgeRounds:   defaultMinAgeRounds,
		TargetFraction: WarningThreshold,
	}
}

// ToolResultMeta describes one tool result in the conversation.
type ToolResultMeta struct {
	CallID          string `json:"call_id"`
	ToolName        string `json:"tool_name"`
	ArgsSummary     string `json:"args_summary"`
	Round           int    `json:"round"`
	Bytes           int    `json:"bytes"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

// Priority scores a result for eviction; higher is evicted first.
func (c EvictionConfig) Priority(meta ToolResultMeta, currentRound int) float64 {
	age := float64(max(currentRound-meta.Round, 1))
	size := math.Log(float64(max(meta.EstimatedTokens, 1)))
	factor := 1.0
	if slices.Contains(c.ReadOnlyTools, meta.ToolName) {
		factor = readOnlyToolFactor
	}
	return age * size * factor
}

// Placeholder renders the one-line stand-in for an evicted result.
func Placeholder(meta ToolResultMeta, currentRound int) string {
	return fmt.Sprintf("%s %s(%s) - %s, %d rounds ago (round %d)]",
		EvictedPrefix, meta.ToolName, meta.ArgsSummary,
		humanize.Bytes(uint64(max(meta.Bytes, 0))), currentRound-meta.Round, meta.Round)
}

// EvictionReport summarizes one eviction pass.
type EvictionReport struct {
	Evicted    int
	FreedBytes int
}

// Evictor tracks tool result metadata by call id and clears old results
// from a Layout's middle zone.
type Evictor struct {
	cfg   EvictionConfig
	metas map[string]ToolResultMeta
}

// NewEvictor creates an Evictor.
func NewEvictor(cfg EvictionConfig) *Evictor {
	return &Evictor{cfg: cfg, metas: make(map[string]ToolResultMeta)}
}

// Record registers a tool result that was just appended.
func (e *Evictor) Record(meta ToolResultMeta) {
	e.metas[meta.CallID] = meta
}

// Len returns the number of tracked results.
func (e *Evictor) Len() int { return len(e.metas) }

// Metas returns the tracked metadata ordered by round then call id.
func (e *Evictor) Metas() []ToolResultMeta {
	out := make([]ToolResultMeta, 0, len(e.metas))
	for _, m := range e.metas {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b ToolResultMeta) int {
		if c := cmp.Compare(a.Round, b.Round); c != 0 {
			return c
		}
		return strings.Compare(a.CallID, b.CallID)
	})
	return out
}

// Prune forgets results no longer present in layout.
func (e *Evictor) Prune(layout *Layout) {
	for id := range e.metas {
		if !layout.ContainsToolResult(id) {
			delete(e.metas, id)
		}
	}
}

// Evict clears eligible middle-zone results, highest priority first, until
// the layout's estimated tokens are at or below targetTokens.
func (e *Evictor) Evict(layout *Layout, budget *Budget, currentRound, targetTokens int) EvictionReport {
	var candidates []ToolResultMeta
	for _, m := range e.metas {
		if slices.Contains(e.cfg.ProtectedTools, m.ToolName) {
			continue
		}
		if currentRound-m.Round < e.cfg.MinAgeRounds {
			continue
		}
		candidates = append(candidates, m)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := e.cfg.Priority(candidates[i], currentRound), e.cfg.Priority(candidates[j], currentRound)
		if pi != pj {
			return pi > pj
		}
		return candidates[i].CallID < candidates[j].CallID
	})

	var report EvictionReport
	for _, meta := range candidates {
		if budget.Tokens(layout.Chars()) <= targetTokens {
			break
		}
		placeholder := Placeholder(meta, currentRound)
		old, ok := layout.ReplaceToolResult(meta.CallID, placeholder)
		if !ok {
			continue
		}
		report.Evicted++
		report.FreedBytes += max(old-len(placeholder), 0)
		delete(e.metas, meta.CallID)
	}
	return report
}

// SummarizeArgs renders up to three argument fields as k=v pairs for a
// placeholder, falling back to the raw text.
func SummarizeArgs(arguments string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(arguments), &obj); err != nil {
		return clip(arguments, argsSummaryMax)
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 3 {
		keys = keys[:3]
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		val := string(obj[k])
		var s string
		if json.Unmarshal(obj[k], &s) == nil {
			val = `"` + clip(s, 40) + `"`
		} else {
			val = clip(val, 40)
		}
		parts = append(parts, k+"="+val)
	}
	return clip(strings.Join(parts, ", "), argsSummaryMax)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
