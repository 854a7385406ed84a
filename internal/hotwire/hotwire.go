// Package hotwire evaluates static field/regex rules, the cheap path that
// classifies a message without waking the model. Rules are compiled once at
// config load and matched in declaration order; the first hit decides.
package hotwire

import (
	"fmt"
	"regexp"

	"github.com/knarrhq/thrall/internal/envelope"
)

// RuleSpec is one uncompiled rule as it appears in hotwires/*.toml.
type RuleSpec struct {
	Field   string `toml:"field"`
	Pattern string `toml:"pattern"`
	Action  string `toml:"action"`
	Reason  string `toml:"reason"`
}

type rule struct {
	field  string
	re     *regexp.Regexp
	action string
	reason string
}

// Set is a compiled, ordered rule list with a default action for envelopes
// no rule matches.
type Set struct {
	name          string
	rules         []rule
	defaultAction string
}

// Compile validates and compiles a rule list. An invalid regex or an empty
// field/action fails the whole set; bad hotwire config must not half-load.
func Compile(name string, specs []RuleSpec, defaultAction string) (*Set, error) {
	s := &Set{name: name, defaultAction: defaultAction}
	for i, spec := range specs {
		if spec.Field == "" {
			return nil, fmt.Errorf("hotwire %s rule %d: field is required", name, i)
		}
		if spec.Action == "" {
			return nil, fmt.Errorf("hotwire %s rule %d: action is required", name, i)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("hotwire %s rule %d: pattern %q: %w", name, i, spec.Pattern, err)
		}
		s.rules = append(s.rules, rule{field: spec.Field, re: re, action: spec.Action, reason: spec.Reason})
	}
	return s, nil
}

// Name returns the set name (the hotwire file stem).
func (s *Set) Name() string { return s.name }

// Evaluate matches the envelope against the rules in order. The result has
// the same shape as an LLM evaluation so actions cannot tell them apart.
func (s *Set) Evaluate(e *envelope.Envelope) map[string]any {
	for i, r := range s.rules {
		val, ok := e.Var(r.field)
		if !ok {
			continue
		}
		if r.re.MatchString(val) {
			reason := r.reason
			if reason == "" {
				reason = fmt.Sprintf("matched %s rule %d", s.name, i)
			}
			return map[string]any{
				"action": r.action,
				"reason": reason,
				"rule":   fmt.Sprintf("%s[%d]", s.name, i),
			}
		}
	}
	return map[string]any{
		"action": s.defaultAction,
		"reason": "no hotwire rule matched",
		"rule":   "",
	}
}
