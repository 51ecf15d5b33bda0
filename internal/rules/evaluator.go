package rules

import (
	"regexp"
	"strings"

	"procurement-automation/internal/models"
)

// Evaluation is the outcome of matching a trigger event against a rule set.
// Deny rules always win; with no matching allow rule the default is deny.
type Evaluation struct {
	Allowed          bool
	MatchedAllowRule *models.AutomationRule
	DeniedByRule     *models.AutomationRule
	AllMatching      []models.AutomationRule
	RulesConsidered  int
	RulesMatched     int
}

// Evaluate matches the trigger event plus context facts against the rule set.
// It is a pure function: rules and context are never mutated.
func Evaluate(ruleSet []models.AutomationRule, triggerEvent string, context map[string]any) Evaluation {
	eval := Evaluation{}

	var denies []models.AutomationRule
	var allows []models.AutomationRule

	for i := range ruleSet {
		rule := ruleSet[i]
		if !rule.IsActive || rule.Trigger.Event != triggerEvent {
			continue
		}
		eval.RulesConsidered++
		if !ruleMatches(rule, context) {
			continue
		}
		eval.RulesMatched++
		eval.AllMatching = append(eval.AllMatching, rule)
		switch rule.RuleType {
		case models.RuleTypeDeny:
			denies = append(denies, rule)
		case models.RuleTypeAllow:
			allows = append(allows, rule)
		}
	}

	// Deny-first: any matching deny rule denies, independent of allow rules.
	if len(denies) > 0 {
		winner := pickWinner(denies)
		eval.DeniedByRule = &winner
		return eval
	}

	if len(allows) == 0 {
		// Default-deny, no specific rule to blame.
		return eval
	}

	winner := pickWinner(allows)
	eval.Allowed = true
	eval.MatchedAllowRule = &winner
	return eval
}

// pickWinner selects the numerically lowest priority; ties go to the rule
// with the most conditions, the more specific rule.
func pickWinner(matched []models.AutomationRule) models.AutomationRule {
	winner := matched[0]
	for _, r := range matched[1:] {
		if r.Priority < winner.Priority {
			winner = r
			continue
		}
		if r.Priority == winner.Priority && len(r.Conditions) > len(winner.Conditions) {
			winner = r
		}
	}
	return winner
}

func ruleMatches(rule models.AutomationRule, context map[string]any) bool {
	for _, cond := range rule.Conditions {
		if !evaluateCondition(cond, context) {
			return false
		}
	}
	return true
}

func evaluateCondition(cond models.Condition, context map[string]any) bool {
	value, found := resolveField(context, cond.Field)

	switch cond.Operator {
	case models.OpExists:
		// An omitted value means "the field must be present".
		if cond.Value == nil {
			return found
		}
		want, _ := cond.Value.(bool)
		return found == want
	case models.OpEq:
		return found && looseEqual(value, cond.Value)
	case models.OpNeq:
		return !found || !looseEqual(value, cond.Value)
	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		left, lok := asFloat(value)
		right, rok := asFloat(cond.Value)
		if !found || !lok || !rok {
			return false
		}
		switch cond.Operator {
		case models.OpGt:
			return left > right
		case models.OpGte:
			return left >= right
		case models.OpLt:
			return left < right
		default:
			return left <= right
		}
	case models.OpIn:
		return found && containsValue(cond.Value, value)
	case models.OpNotIn:
		return !found || !containsValue(cond.Value, value)
	case models.OpRegex:
		s, ok := value.(string)
		pattern, pok := cond.Value.(string)
		if !found || !ok || !pok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		return false
	}
}

// resolveField walks a dot-path through nested maps. A nil or primitive
// value mid-path means "not found"; it never errors.
func resolveField(context map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = context
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// looseEqual compares with numeric coercion so JSON-decoded float64 values
// match integer rule values.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

func containsValue(list any, value any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(value, item) {
			return true
		}
	}
	return false
}
