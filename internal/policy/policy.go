package policy

import (
	"fmt"

	"conductor/internal/domain"
)

// Fallbacks when the workspace config leaves backends unset.
const (
	DefaultBackend            = "general-standard"
	AdvancedBackend           = "general-advanced"
	DefaultLargeContextTokens = 48000
)

// Signals carries the per-call inputs the rule table evaluates.
type Signals struct {
	Complexity    domain.Complexity
	Multimodal    bool
	ContextTokens int
	RetryCount    int
}

// Policy maps (task category, signals) to a backend id plus a rationale.
// It holds only its static table inputs; Choose does no I/O.
type Policy struct {
	Default            string
	Advanced           string
	LargeContextTokens int
}

func New(defaultID, advancedID string, largeContextTokens int) Policy {
	p := Policy{Default: defaultID, Advanced: advancedID, LargeContextTokens: largeContextTokens}
	if p.Default == "" {
		p.Default = DefaultBackend
	}
	if p.Advanced == "" {
		p.Advanced = AdvancedBackend
	}
	if p.LargeContextTokens <= 0 {
		p.LargeContextTokens = DefaultLargeContextTokens
	}
	return p
}

// Choose evaluates the rule table in fixed priority order. It is pure:
// identical inputs always yield identical selections, and escalation
// rules only ever move upward in capability.
func (p Policy) Choose(cat domain.TaskCategory, s Signals) domain.ModelSelection {
	switch {
	case s.RetryCount > 0:
		return p.advanced(fmt.Sprintf("retry %d: escalating after a retryable failure", s.RetryCount))
	case cat == domain.CategoryCodeGeneration || cat == domain.CategoryDebugging:
		return p.advanced(fmt.Sprintf("%s always runs on the higher-capability backend", cat))
	case cat == domain.CategoryPlanning && s.Complexity == domain.ComplexityHigh:
		return p.advanced("high-complexity planning runs on the higher-capability backend")
	case s.Multimodal:
		return p.advanced("multimodal input requires the higher-capability backend")
	case s.ContextTokens >= p.LargeContextTokens:
		return p.advanced(fmt.Sprintf("estimated context of %d tokens exceeds the standard window", s.ContextTokens))
	default:
		return domain.ModelSelection{BackendID: p.Default, Rationale: "cost-optimized default backend"}
	}
}

func (p Policy) advanced(rationale string) domain.ModelSelection {
	return domain.ModelSelection{BackendID: p.Advanced, Rationale: rationale}
}
