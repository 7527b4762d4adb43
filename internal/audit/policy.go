package audit

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultFlagRule flags confident hallucination verdicts.
const DefaultFlagRule = "isHallucination && confidence >= 60"

// FlagPolicy decides whether a judgment should be flagged for review. The
// rule is an expr expression over isHallucination, confidence, explanation
// and hasFix that must evaluate to a bool.
type FlagPolicy struct {
	source  string
	program *vm.Program
}

func policyEnv(j Judgment) map[string]any {
	return map[string]any{
		"isHallucination": j.IsHallucination,
		"confidence":      j.Confidence,
		"explanation":     j.Explanation,
		"hasFix":          j.SuggestedFix != "",
	}
}

// NewFlagPolicy compiles rule. An empty rule means DefaultFlagRule.
func NewFlagPolicy(rule string) (*FlagPolicy, error) {
	if rule == "" {
		rule = DefaultFlagRule
	}
	program, err := expr.Compile(rule, expr.Env(policyEnv(Judgment{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("flag rule compile error: %w", err)
	}
	return &FlagPolicy{source: rule, program: program}, nil
}

// MustFlagPolicy is NewFlagPolicy that panics on error.
func MustFlagPolicy(rule string) *FlagPolicy {
	p, err := NewFlagPolicy(rule)
	if err != nil {
		panic(err)
	}
	return p
}

// Source returns the rule text.
func (p *FlagPolicy) Source() string {
	return p.source
}

// Flagged evaluates the rule against j.
func (p *FlagPolicy) Flagged(j Judgment) (bool, error) {
	out, err := expr.Run(p.program, policyEnv(j))
	if err != nil {
		return false, fmt.Errorf("flag rule eval error for %q: %w", p.source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("flag rule %q returned %T, expected bool", p.source, out)
	}
	return b, nil
}
