package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/adaefler-art/codefactory-control/pkg/types"
)

var (
	ErrInvalidSnapshot = errors.New("invalid policy snapshot")
	ErrConditionType   = errors.New("rule condition must evaluate to bool")
)

// Engine is a compiled snapshot. It holds no mutable state after Compile.
type Engine struct {
	snapshot Snapshot
	rules    []compiledRule
}

type compiledRule struct {
	rule      Rule
	types     map[string]struct{}
	patterns  []*regexp.Regexp
	condition cel.Program
}

// Match is the first rule (in policy order) matched by any signal.
type Match struct {
	Rule        Rule
	RuleIndex   int
	SignalIndex int
}

// Compile validates s and prepares its rules for matching.
func Compile(s Snapshot) (*Engine, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	var env *cel.Env
	e := &Engine{snapshot: s, rules: make([]compiledRule, 0, len(s.Rules))}
	for _, r := range s.Rules {
		cr := compiledRule{rule: r}
		if len(r.ResourceTypes) > 0 {
			cr.types = make(map[string]struct{}, len(r.ResourceTypes))
			for _, t := range r.ResourceTypes {
				cr.types[strings.ToLower(t)] = struct{}{}
			}
		}
		for _, p := range r.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %s pattern %q: %v", ErrInvalidSnapshot, r.ID, p, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		if strings.TrimSpace(r.Condition) != "" {
			if env == nil {
				var err error
				env, err = newConditionEnv()
				if err != nil {
					return nil, err
				}
			}
			prg, err := compileCondition(env, r.Condition)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %s condition: %v", ErrInvalidSnapshot, r.ID, err)
			}
			cr.condition = prg
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

func (e *Engine) Snapshot() Snapshot {
	return e.snapshot
}

// FirstMatch scans rules in policy order and, for each rule, signals in input
// order. Policy order is the priority order.
func (e *Engine) FirstMatch(signals []types.FailureSignal) (Match, bool, error) {
	for ri, cr := range e.rules {
		for si, sig := range signals {
			ok, err := cr.matches(sig)
			if err != nil {
				return Match{}, false, fmt.Errorf("rule %s: %w", cr.rule.ID, err)
			}
			if ok {
				return Match{Rule: cr.rule, RuleIndex: ri, SignalIndex: si}, true, nil
			}
		}
	}
	return Match{}, false, nil
}

func (cr compiledRule) matches(sig types.FailureSignal) (bool, error) {
	if cr.types != nil {
		if _, ok := cr.types[strings.ToLower(sig.ResourceType)]; !ok {
			return false, nil
		}
	}
	if len(cr.patterns) > 0 {
		hit := false
		for _, re := range cr.patterns {
			if re.MatchString(sig.StatusReason) {
				hit = true
				break
			}
		}
		if !hit {
			return false, nil
		}
	}
	if cr.condition != nil {
		out, _, err := cr.condition.Eval(map[string]any{
			"resource_type":   sig.ResourceType,
			"logical_id":      sig.LogicalID,
			"status_reason":   sig.StatusReason,
			"resource_status": sig.ResourceStatus,
		})
		if err != nil {
			return false, err
		}
		b, ok := out.Value().(bool)
		if !ok {
			return false, ErrConditionType
		}
		return b, nil
	}
	return true, nil
}

func newConditionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("resource_type", cel.StringType),
		cel.Variable("logical_id", cel.StringType),
		cel.Variable("status_reason", cel.StringType),
		cel.Variable("resource_status", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return env, nil
}

func compileCondition(env *cel.Env, expr string) (cel.Program, error) {
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	return env.Program(ast)
}

// Validate checks the structural invariants a snapshot must satisfy before it
// can be stored or used to generate verdicts.
func (s Snapshot) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSnapshot)
	}
	if strings.TrimSpace(s.Version) == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidSnapshot)
	}
	if len(s.Actions) == 0 {
		return fmt.Errorf("%w: actions map is empty", ErrInvalidSnapshot)
	}
	for class, action := range s.Actions {
		if !action.IsValid() {
			return fmt.Errorf("%w: error class %s maps to unknown action %q", ErrInvalidSnapshot, class, action)
		}
	}
	if _, ok := s.Actions[s.FallbackClass()]; !ok {
		return fmt.Errorf("%w: fallback class %s has no action", ErrInvalidSnapshot, s.FallbackClass())
	}
	if s.Fallback.Confidence < 0 || s.Fallback.Confidence > 1 {
		return fmt.Errorf("%w: fallback confidence out of range", ErrInvalidSnapshot)
	}
	if s.Normalization.Method != "" && s.Normalization.Method != NormalizeRoundHalfUp {
		return fmt.Errorf("%w: unsupported normalization method %q", ErrInvalidSnapshot, s.Normalization.Method)
	}
	if s.Normalization.Scale != 0 && s.Normalization.Scale != 100 {
		return fmt.Errorf("%w: normalization scale must be 100", ErrInvalidSnapshot)
	}

	seen := make(map[string]struct{}, len(s.Rules))
	for _, r := range s.Rules {
		if r.ID == "" {
			return fmt.Errorf("%w: rule without id", ErrInvalidSnapshot)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate rule id %s", ErrInvalidSnapshot, r.ID)
		}
		seen[r.ID] = struct{}{}
		if _, ok := s.Actions[r.ErrorClass]; !ok {
			return fmt.Errorf("%w: rule %s error class %s has no action", ErrInvalidSnapshot, r.ID, r.ErrorClass)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return fmt.Errorf("%w: rule %s confidence out of range", ErrInvalidSnapshot, r.ID)
		}
		if len(r.ResourceTypes) == 0 && len(r.Patterns) == 0 && strings.TrimSpace(r.Condition) == "" {
			return fmt.Errorf("%w: rule %s matches everything", ErrInvalidSnapshot, r.ID)
		}
	}
	for _, class := range s.LowSeverity {
		if _, ok := s.Actions[class]; !ok {
			return fmt.Errorf("%w: low severity class %s has no action", ErrInvalidSnapshot, class)
		}
	}
	for class := range s.Categories {
		if _, ok := s.Actions[class]; !ok {
			return fmt.Errorf("%w: category for unmapped error class %s", ErrInvalidSnapshot, class)
		}
	}
	return nil
}
