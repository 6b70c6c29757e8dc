package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"conductor/internal/domain"
	"conductor/internal/policy"
)

func testPolicy() policy.Policy {
	return policy.New("std", "adv", 48000)
}

func TestChooseRuleTable(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name    string
		cat     domain.TaskCategory
		signals policy.Signals
		want    string
	}{
		{"default for research", domain.CategoryResearch, policy.Signals{Complexity: domain.ComplexityLow}, "std"},
		{"default for file manipulation", domain.CategoryFileManipulation, policy.Signals{Complexity: domain.ComplexityMedium}, "std"},
		{"code generation always escalates", domain.CategoryCodeGeneration, policy.Signals{Complexity: domain.ComplexityLow}, "adv"},
		{"debugging always escalates", domain.CategoryDebugging, policy.Signals{Complexity: domain.ComplexityLow}, "adv"},
		{"planning low stays default", domain.CategoryPlanning, policy.Signals{Complexity: domain.ComplexityLow}, "std"},
		{"planning medium stays default", domain.CategoryPlanning, policy.Signals{Complexity: domain.ComplexityMedium}, "std"},
		{"planning high escalates", domain.CategoryPlanning, policy.Signals{Complexity: domain.ComplexityHigh}, "adv"},
		{"retry escalates anything", domain.CategoryResearch, policy.Signals{Complexity: domain.ComplexityLow, RetryCount: 1}, "adv"},
		{"multimodal escalates", domain.CategoryDataManipulation, policy.Signals{Multimodal: true}, "adv"},
		{"large context escalates", domain.CategoryResearch, policy.Signals{ContextTokens: 48000}, "adv"},
		{"context below threshold stays default", domain.CategoryResearch, policy.Signals{ContextTokens: 47999}, "std"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sel := p.Choose(tc.cat, tc.signals)
			assert.Equal(t, tc.want, sel.BackendID)
			assert.NotEmpty(t, sel.Rationale)
		})
	}
}

func TestChooseDeterminism(t *testing.T) {
	p := testPolicy()
	for _, cat := range domain.TaskCategories() {
		for _, complexity := range []domain.Complexity{domain.ComplexityLow, domain.ComplexityMedium, domain.ComplexityHigh} {
			for _, multimodal := range []bool{false, true} {
				for _, tokens := range []int{0, 1000, 48000, 200000} {
					for _, retries := range []int{0, 1, 3} {
						s := policy.Signals{Complexity: complexity, Multimodal: multimodal, ContextTokens: tokens, RetryCount: retries}
						first := p.Choose(cat, s)
						second := p.Choose(cat, s)
						assert.Equal(t, first, second, "category %s signals %+v", cat, s)
					}
				}
			}
		}
	}
}

// capability rank: the advanced backend is never less capable than the
// default one, so retries must never move downward.
func rank(p policy.Policy, backendID string) int {
	if backendID == p.Advanced {
		return 1
	}
	return 0
}

func TestRetryEscalationMonotonic(t *testing.T) {
	p := testPolicy()
	for _, cat := range domain.TaskCategories() {
		for _, complexity := range []domain.Complexity{domain.ComplexityLow, domain.ComplexityMedium, domain.ComplexityHigh} {
			base := p.Choose(cat, policy.Signals{Complexity: complexity})
			retried := p.Choose(cat, policy.Signals{Complexity: complexity, RetryCount: 1})
			assert.GreaterOrEqual(t, rank(p, retried.BackendID), rank(p, base.BackendID),
				"category %s complexity %s", cat, complexity)
		}
	}
}

func TestNewFallbacks(t *testing.T) {
	p := policy.New("", "", 0)
	assert.Equal(t, policy.DefaultBackend, p.Default)
	assert.Equal(t, policy.AdvancedBackend, p.Advanced)
	assert.Equal(t, policy.DefaultLargeContextTokens, p.LargeContextTokens)

	sel := p.Choose(domain.CategoryResearch, policy.Signals{})
	assert.Equal(t, policy.DefaultBackend, sel.BackendID)
}
