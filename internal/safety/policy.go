// Package safety classifies resolved actions before they are admitted for
// execution. Classification is declarative, deterministic and side-effect
// free: the rule set is loaded once at startup and every Classify call with
// the same inputs yields the same decision.
package safety

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Decision is the admission gate verdict for one resolved action.
type Decision string

const (
	// DecisionAllow admits the task for execution immediately.
	DecisionAllow Decision = "allow"
	// DecisionConfirm parks the task until an explicit confirmation arrives;
	// no confirmation within the configured window resolves to block.
	DecisionConfirm Decision = "confirm"
	// DecisionBlock refuses execution outright.
	DecisionBlock Decision = "block"
)

// Rule matches a (skill, action, parameters) triple. Skill and Action are
// glob patterns ("*" wildcards); Param, when set, is a regular expression
// tried against every extracted parameter value.
type Rule struct {
	Skill  string `yaml:"skill"`
	Action string `yaml:"action"`
	Param  string `yaml:"param,omitempty"`
	Reason string `yaml:"reason,omitempty"`
}

type ruleSet struct {
	Deny    []Rule `yaml:"deny"`
	Confirm []Rule `yaml:"confirm"`
}

type compiledRule struct {
	rule  Rule
	param *regexp.Regexp
}

// Classification is the decision plus the reason of the matched rule.
type Classification struct {
	Decision Decision
	Reason   string
}

type Policy struct {
	deny    []compiledRule
	confirm []compiledRule
}

// Load reads a YAML rule set from path. An empty path yields the built-in
// default policy.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read safety rules: %w", err)
	}
	var rs ruleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse safety rules: %w", err)
	}
	return New(rs.Deny, rs.Confirm)
}

// New compiles deny and confirm rule lists. Rule order is significant: the
// first matching deny rule wins, then the first matching confirm rule.
func New(deny, confirm []Rule) (*Policy, error) {
	p := &Policy{}
	var err error
	if p.deny, err = compileRules(deny); err != nil {
		return nil, err
	}
	if p.confirm, err = compileRules(confirm); err != nil {
		return nil, err
	}
	return p, nil
}

// Default returns the built-in policy: destructive operations against
// system-critical paths or processes are denied, other destructive or
// irreversible actions require confirmation.
func Default() *Policy {
	p, err := New(
		[]Rule{
			{Skill: "*", Action: "delete*", Param: `(^|\s)/(etc|bin|usr|boot|var|lib)(/|\s|$)`, Reason: "destructive operation on a system path"},
			{Skill: "*", Action: "delete*", Param: `^/$`, Reason: "destructive operation on filesystem root"},
			{Skill: "process", Action: "kill", Param: `^(1|init|systemd|launchd)$`, Reason: "termination of a system-critical process"},
		},
		[]Rule{
			{Skill: "*", Action: "delete*", Reason: "file deletion is irreversible"},
			{Skill: "*", Action: "remove*", Reason: "removal is irreversible"},
			{Skill: "*", Action: "send*", Reason: "external sends cannot be recalled"},
		},
	)
	if err != nil {
		// The built-in rules are constants; a compile failure is a programming error.
		panic(err)
	}
	return p
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{rule: r}
		if r.Param != "" {
			re, err := regexp.Compile(r.Param)
			if err != nil {
				return nil, fmt.Errorf("invalid param pattern %q: %w", r.Param, err)
			}
			cr.param = re
		}
		out = append(out, cr)
	}
	return out, nil
}

// Classify gates one resolved action. Deny rules are checked before confirm
// rules; no match means allow.
func (p *Policy) Classify(skillName, actionName string, params map[string]string) Classification {
	if c, ok := matchRules(p.deny, skillName, actionName, params); ok {
		return Classification{Decision: DecisionBlock, Reason: c}
	}
	if c, ok := matchRules(p.confirm, skillName, actionName, params); ok {
		return Classification{Decision: DecisionConfirm, Reason: c}
	}
	return Classification{Decision: DecisionAllow}
}

func matchRules(rules []compiledRule, skillName, actionName string, params map[string]string) (string, bool) {
	for _, cr := range rules {
		if !matchGlob(cr.rule.Skill, skillName) || !matchGlob(cr.rule.Action, actionName) {
			continue
		}
		if cr.param != nil && !matchAnyParam(cr.param, params) {
			continue
		}
		reason := cr.rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("matched rule %s/%s", cr.rule.Skill, cr.rule.Action)
		}
		return reason, true
	}
	return "", false
}

// matchAnyParam tries the pattern against parameter values in sorted key
// order so the result never depends on map iteration order.
func matchAnyParam(re *regexp.Regexp, params map[string]string) bool {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if re.MatchString(params[k]) {
			return true
		}
	}
	return false
}

// matchGlob reports whether value matches pattern, where "*" matches any
// (possibly empty) substring.
func matchGlob(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(value, parts[i])
		if idx < 0 {
			return false
		}
		value = value[idx+len(parts[i]):]
	}
	return strings.HasSuffix(value, parts[len(parts)-1])
}
