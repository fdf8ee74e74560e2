package unifiedllm

import "fmt"

// RoutingKind names a model routing strategy.
type RoutingKind string

const (
	RouteSingle             RoutingKind = "single"
	RouteCheapOrchestration RoutingKind = "cheap_orchestration"
	RouteRoundBased         RoutingKind = "round_based"
)

// RoutingStrategy picks the model for a round. It is a plain value: resolving
// a model performs no I/O and is safe to repeat.
type RoutingStrategy struct {
	Kind RoutingKind `yaml:"kind"`

	// Single.
	Model string `yaml:"model,omitempty"`

	// CheapOrchestration.
	OrchestrationModel string `yaml:"orchestration_model,omitempty"`
	SynthesisModel     string `yaml:"synthesis_model,omitempty"`

	// RoundBased.
	EarlyModel    string `yaml:"early_model,omitempty"`
	LateModel     string `yaml:"late_model,omitempty"`
	SwitchAtRound int    `yaml:"switch_at_round,omitempty"`
}

// SingleModel routes every round to model.
func SingleModel(model string) RoutingStrategy {
	return RoutingStrategy{Kind: RouteSingle, Model: model}
}

// CheapOrchestration routes tool-selection rounds to a cheap model and
// synthesis rounds to a capable one.
func CheapOrchestration(orchestration, synthesis string) RoutingStrategy {
	return RoutingStrategy{Kind: RouteCheapOrchestration, OrchestrationModel: orchestration, SynthesisModel: synthesis}
}

// RoundBased routes rounds before switchAt to early and the rest to late.
func RoundBased(early, late string, switchAt int) RoutingStrategy {
	return RoutingStrategy{Kind: RouteRoundBased, EarlyModel: early, LateModel: late, SwitchAtRound: switchAt}
}

// ModelForRound returns the model to use for a round.
func (s RoutingStrategy) ModelForRound(round int, isSynthesis bool) string {
	switch s.Kind {
	case RouteCheapOrchestration:
		if isSynthesis {
			return s.SynthesisModel
		}
		return s.OrchestrationModel
	case RouteRoundBased:
		if round >= s.SwitchAtRound {
			return s.LateModel
		}
		return s.EarlyModel
	default:
		return s.Model
	}
}

// Validate reports a strategy whose models are missing for its kind.
func (s RoutingStrategy) Validate() error {
	switch s.Kind {
	case "", RouteSingle:
		return nil
	case RouteCheapOrchestration:
		if s.OrchestrationModel == "" || s.SynthesisModel == "" {
			return fmt.Errorf("routing %s requires orchestration_model and synthesis_model", s.Kind)
		}
	case RouteRoundBased:
		if s.EarlyModel == "" || s.LateModel == "" {
			return fmt.Errorf("routing %s requires early_model and late_model", s.Kind)
		}
		if s.SwitchAtRound < 0 {
			return fmt.Errorf("routing %s: switch_at_round must be >= 0", s.Kind)
		}
	default:
		return fmt.Errorf("unknown routing kind %q", s.Kind)
	}
	return nil
}
