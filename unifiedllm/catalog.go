package unifiedllm

import "strings"

// DefaultContextWindow is used for models missing from the catalog.
const DefaultContextWindow = 200000

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID                   string   `json:"id"`
	Provider             string   `json:"provider"`
	DisplayName          string   `json:"display_name"`
	ContextWindow        int      `json:"context_window"`
	MaxOutput            int      `json:"max_output,omitempty"`
	InputCostPerMillion  float64  `json:"input_cost_per_million"`
	OutputCostPerMillion float64  `json:"output_cost_per_million"`
	Aliases              []string `json:"aliases,omitempty"`
}

// Pricing returns the catalog entry's per-million token pricing.
func (m ModelInfo) Pricing() ModelPricing {
	return ModelPricing{InputPerMillion: m.InputCostPerMillion, OutputPerMillion: m.OutputCostPerMillion}
}

// Models is the built-in model catalog.
var Models = []ModelInfo{
	// Anthropic
	{
		ID: "claude-opus-4-6", Provider: "anthropic", DisplayName: "Claude Opus 4.6",
		ContextWindow: 200000, MaxOutput: 32768,
		InputCostPerMillion: 15.0, OutputCostPerMillion: 75.0,
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: 16384,
		InputCostPerMillion: 3.0, OutputCostPerMillion: 15.0,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "claude-haiku-4-5", Provider: "anthropic", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200000, MaxOutput: 8192,
		InputCostPerMillion: 0.25, OutputCostPerMillion: 1.25,
		Aliases: []string{"haiku", "claude-haiku"},
	},

	// OpenAI
	{
		ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o",
		ContextWindow: 128000, MaxOutput: 16384,
		InputCostPerMillion: 2.50, OutputCostPerMillion: 10.0,
	},
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o mini",
		ContextWindow: 128000, MaxOutput: 16384,
		InputCostPerMillion: 0.15, OutputCostPerMillion: 0.60,
	},

	// Gemini
	{
		ID: "gemini-2.5-pro", Provider: "gemini", DisplayName: "Gemini 2.5 Pro",
		ContextWindow: 1048576, MaxOutput: 65536,
		InputCostPerMillion: 1.25, OutputCostPerMillion: 5.0,
		Aliases: []string{"gemini-pro"},
	},
	{
		ID: "gemini-2.5-flash", Provider: "gemini", DisplayName: "Gemini 2.5 Flash",
		ContextWindow: 1048576, MaxOutput: 65536,
		InputCostPerMillion: 0.075, OutputCostPerMillion: 0.30,
		Aliases: []string{"gemini-flash"},
	},
}

// GetModelInfo returns the catalog entry for a model, or nil if unknown.
// Provider prefixes such as "anthropic/" are ignored.
func GetModelInfo(modelID string) *ModelInfo {
	name := baseModelName(modelID)
	for i := range Models {
		if Models[i].ID == name {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == name {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// ContextWindowFor returns the context window of a model, or
// DefaultContextWindow when the model is unknown.
func ContextWindowFor(model string) int {
	if info := GetModelInfo(model); info != nil && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return DefaultContextWindow
}

// ProviderFor infers a provider name from a model id. An explicit
// "provider/model" prefix wins; otherwise the catalog is consulted.
func ProviderFor(model string) string {
	if i := strings.Index(model, "/"); i > 0 {
		return model[:i]
	}
	if info := GetModelInfo(model); info != nil {
		return info.Provider
	}
	return ""
}

func baseModelName(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}
